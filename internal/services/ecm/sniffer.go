package ecm

import (
	"context"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"github.com/ternarybob/arbor"
)

// snifferJS instruments the three copy pathways the portal may use:
// programmatic clipboard writes, synthetic copy events, and the legacy
// execCommand path. Captures land in page-scope __ecmLastCopied with a
// monotonic __ecmCopySeq. The install guard makes a second injection a no-op.
const snifferJS = `(() => {
	if (window.__ecmSnifferInstalled) return;
	window.__ecmSnifferInstalled = true;
	window.__ecmLastCopied = '';
	window.__ecmCopySeq = 0;
	const record = (text) => {
		if (typeof text === 'string' && text.length > 0) {
			window.__ecmLastCopied = text;
			window.__ecmCopySeq++;
		}
	};
	try {
		if (navigator.clipboard && navigator.clipboard.writeText) {
			const orig = navigator.clipboard.writeText.bind(navigator.clipboard);
			navigator.clipboard.writeText = (text) => {
				record(String(text));
				return orig(String(text));
			};
		}
	} catch (e) {}
	try {
		document.addEventListener('copy', (ev) => {
			let text = '';
			try {
				if (ev.clipboardData) text = ev.clipboardData.getData('text/plain');
			} catch (e) {}
			if (!text) {
				const sel = document.getSelection();
				text = sel ? sel.toString() : '';
			}
			record(text);
		}, true);
	} catch (e) {}
	try {
		const origExec = document.execCommand.bind(document);
		document.execCommand = function(cmd) {
			if (String(cmd).toLowerCase() === 'copy') {
				const sel = document.getSelection();
				record(sel ? sel.toString() : '');
			}
			return origExec.apply(document, arguments);
		};
	} catch (e) {}
})();`

const (
	copyPollInterval = 100 * time.Millisecond
	copyWaitBudget   = 5 * time.Second
)

// Sniffer arms the in-page copy instrumentation and reads captures back out.
type Sniffer struct {
	logger arbor.ILogger
}

// NewSniffer creates a copy sniffer
func NewSniffer(logger arbor.ILogger) *Sniffer {
	return &Sniffer{logger: logger}
}

// Install registers the sniffer on every new document of the context and
// evaluates it on the current one, so the instrumentation is live before any
// copy can occur regardless of navigation timing.
func (s *Sniffer) Install(ctx context.Context) error {
	return chromedp.Run(ctx,
		chromedp.ActionFunc(func(ctx context.Context) error {
			_, err := page.AddScriptToEvaluateOnNewDocument(snifferJS).Do(ctx)
			return err
		}),
		chromedp.Evaluate(snifferJS, nil),
	)
}

type snifferSample struct {
	Seq  int64  `json:"seq"`
	Text string `json:"text"`
}

// Sample reads the current [copy_seq, last_copied] pair.
func (s *Sniffer) Sample(ctx context.Context) (int64, string, error) {
	var sample snifferSample
	err := chromedp.Run(ctx, chromedp.Evaluate(
		`({seq: window.__ecmCopySeq || 0, text: window.__ecmLastCopied || ''})`,
		&sample,
	))
	if err != nil {
		return 0, "", err
	}
	return sample.Seq, sample.Text, nil
}

// WaitForCopy polls until a capture newer than prevSeq with non-empty text
// appears, at 100 ms intervals up to the 5 s budget. An exhausted budget
// returns an empty string, not an error; the caller decides the failure kind.
func (s *Sniffer) WaitForCopy(ctx context.Context, prevSeq int64) (string, error) {
	deadline := time.Now().Add(copyWaitBudget)
	ticker := time.NewTicker(copyPollInterval)
	defer ticker.Stop()

	for {
		seq, text, err := s.Sample(ctx)
		if err != nil {
			return "", err
		}
		if seq > prevSeq && text != "" {
			return text, nil
		}
		if time.Now().After(deadline) {
			return "", nil
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}
