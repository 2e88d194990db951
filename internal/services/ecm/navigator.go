package ecm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/ternarybob/arbor"

	"github.com/certlab/ecmlink/internal/ecmerr"
	"github.com/certlab/ecmlink/internal/models"
)

// State names the navigator's position in the portal flow. Timeout errors
// carry the state they originated in.
type State string

const (
	StateLanding           State = "LANDING"
	StateTreeReady         State = "TREE_READY"
	StateYearSelected      State = "YEAR_SELECTED"
	StateCommitteeSelected State = "COMMITTEE_SELECTED"
	StateDateSelected      State = "DATE_SELECTED"
	StateTestSelected      State = "TEST_SELECTED"
	StateDocumentPicked    State = "DOCUMENT_PICKED"
	StateFileListReady     State = "FILE_LIST_READY"
	StateCopyRequested     State = "COPY_REQUESTED"
	StateURLCaptured       State = "URL_CAPTURED"
)

// Per-state budgets.
const (
	gotoTimeout        = 30 * time.Second
	treeVisibleTimeout = 30 * time.Second
	treeClickTimeout   = 15 * time.Second
	docListTimeout     = 30 * time.Second
	docClickTimeout    = 15 * time.Second
	fileListTimeout    = 30 * time.Second
)

// MilestoneFunc is invoked as each state completes, for status push.
type MilestoneFunc func(state State)

// Navigator drives the portal UI from landing to a captured URL. One
// Navigator serves one job on one dedicated tab context; transitions are
// strictly sequential.
type Navigator struct {
	sniffer   *Sniffer
	logger    arbor.ILogger
	milestone MilestoneFunc

	// treeClickBudget defaults to treeClickTimeout; tests shrink it so the
	// year-label fallback does not sit out the full production budget.
	treeClickBudget time.Duration
}

// NewNavigator creates a navigator. milestone may be nil.
func NewNavigator(sniffer *Sniffer, logger arbor.ILogger, milestone MilestoneFunc) *Navigator {
	return &Navigator{
		sniffer:         sniffer,
		logger:          logger,
		milestone:       milestone,
		treeClickBudget: treeClickTimeout,
	}
}

// Retrieve walks the full state machine and returns the parsed document URL.
func (n *Navigator) Retrieve(ctx context.Context, baseURL string, input *models.JobInput) (string, error) {
	if err := n.runState(ctx, StateLanding, gotoTimeout,
		chromedp.Navigate(baseURL),
		waitOverlayHidden(),
	); err != nil {
		return "", err
	}

	if err := n.runState(ctx, StateTreeReady, treeVisibleTimeout,
		chromedp.WaitVisible(selTreePanel, chromedp.ByQuery),
		chromedp.WaitVisible(selTreeReady, chromedp.ByQuery),
	); err != nil {
		return "", err
	}

	if err := n.selectYear(ctx, input.Year); err != nil {
		return "", err
	}

	if err := n.clickTreeNode(ctx, StateCommitteeSelected, committeeLabel, false); err != nil {
		return "", err
	}
	if err := n.clickTreeNode(ctx, StateDateSelected, input.Date8, false); err != nil {
		return "", err
	}
	if err := n.clickTreeNode(ctx, StateTestSelected, input.TestNo, false); err != nil {
		return "", err
	}

	if err := n.pickDocument(ctx, input.TestNo); err != nil {
		return "", err
	}

	if err := n.runState(ctx, StateFileListReady, fileListTimeout,
		chromedp.Poll(fmt.Sprintf(`document.querySelectorAll(%q).length > 0`, selFileRow), nil,
			chromedp.WithPollingInterval(copyPollInterval)),
	); err != nil {
		return "", err
	}

	prevSeq, err := n.requestCopy(ctx, input.TestNo)
	if err != nil {
		return "", err
	}

	return n.captureURL(ctx, prevSeq)
}

// runState executes chromedp actions under the state's budget and fires the
// milestone on success. Deadline errors become NavigationTimeout with the
// state recorded.
func (n *Navigator) runState(ctx context.Context, state State, timeout time.Duration, actions ...chromedp.Action) error {
	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := chromedp.Run(sctx, actions...); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, chromedp.ErrPollingTimeout) {
			return ecmerr.Newf(ecmerr.NavigationTimeout, "timed out in state %s", state)
		}
		return fmt.Errorf("state %s: %w", state, err)
	}

	n.advance(state)
	return nil
}

// selectYear clicks the year folder: the composite "{year} 시험서비스" label
// first, falling back to an exact bare-year match when that times out.
func (n *Navigator) selectYear(ctx context.Context, year string) error {
	if err := n.clickTreeNode(ctx, StateYearSelected, year+yearFolderSuffix, false); err != nil {
		if !ecmerr.Is(err, ecmerr.NavigationTimeout) {
			return err
		}
		n.logger.Debug().Str("year", year).Msg("Year folder label not found, trying bare year")
		return n.clickTreeNode(ctx, StateYearSelected, year, true)
	}
	return nil
}

// clickTreeNode polls for a tree node whose title matches the label, clicks
// it, and waits out the loading overlay. Tie-break is DOM-order first.
func (n *Navigator) clickTreeNode(ctx context.Context, state State, label string, exact bool) error {
	js := fmt.Sprintf(`(() => {
		const nodes = document.querySelectorAll(%q);
		for (const el of nodes) {
			const text = el.textContent || '';
			if (%t ? text === %q : text.includes(%q)) {
				el.click();
				return true;
			}
		}
		return false;
	})()`, selTreeTitle, exact, label, label)

	return n.runState(ctx, state, n.treeClickBudget,
		chromedp.Poll(js, nil, chromedp.WithPollingInterval(copyPollInterval)),
		waitOverlayHidden(),
	)
}

// pickDocument waits for the document table, applies the two-tier row rule
// (report name first, else test number), clicks the row, and waits for
// loading-done.
func (n *Navigator) pickDocument(ctx context.Context, testNo string) error {
	wctx, cancel := context.WithTimeout(ctx, docListTimeout)
	err := chromedp.Run(wctx,
		chromedp.WaitVisible(selContentTitle, chromedp.ByQuery),
		chromedp.WaitVisible(selDocTable, chromedp.ByQuery),
	)
	cancel()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return ecmerr.Newf(ecmerr.NavigationTimeout, "timed out in state %s", StateDocumentPicked)
		}
		return fmt.Errorf("state %s: %w", StateDocumentPicked, err)
	}

	js := fmt.Sprintf(`(() => {
		const rows = Array.from(document.querySelectorAll(%q));
		let target = rows.find(el => (el.textContent || '').includes(%q));
		if (!target) target = rows.find(el => (el.textContent || '').includes(%q));
		if (!target) return false;
		target.click();
		return true;
	})()`, selDocName, reportNameToken, testNo)

	clicked, err := n.evalBool(ctx, StateDocumentPicked, docClickTimeout, js, waitOverlayHidden())
	if err != nil {
		return err
	}
	if !clicked {
		return ecmerr.Newf(ecmerr.NoMatchingDocument, "no document row matches %q or %q", reportNameToken, testNo)
	}

	n.advance(StateDocumentPicked)
	return nil
}

// requestCopy selects the target file row with the two-tier rule, checks its
// checkbox, samples the sniffer, and clicks the copy control. Returns the
// pre-click sequence number.
func (n *Navigator) requestCopy(ctx context.Context, testNo string) (int64, error) {
	// 0 = row checked, 1 = no matching row, 2 = row has no checkbox
	js := fmt.Sprintf(`(() => {
		const rows = Array.from(document.querySelectorAll(%q));
		let target = rows.find(r => (r.textContent || '').includes(%q));
		if (!target) target = rows.find(r => (r.textContent || '').includes(%q));
		if (!target) return 1;
		const cb = target.querySelector(%q);
		if (!cb) return 2;
		if (!cb.checked) cb.click();
		return 0;
	})()`, selFileRow, reportNameToken, testNo, selRowCheckbox)

	selected, err := n.evalInt(ctx, StateCopyRequested, docClickTimeout, js)
	if err != nil {
		return 0, err
	}
	switch selected {
	case 1:
		return 0, ecmerr.Newf(ecmerr.NoMatchingDocument, "no file row matches %q or %q", reportNameToken, testNo)
	case 2:
		return 0, ecmerr.Newf(ecmerr.NoMatchingDocument, "matched file row has no selection checkbox")
	}

	prevSeq, _, err := n.sniffer.Sample(ctx)
	if err != nil {
		return 0, fmt.Errorf("state %s: sniffer sample: %w", StateCopyRequested, err)
	}

	cctx, cancel := context.WithTimeout(ctx, treeClickTimeout)
	defer cancel()
	if err := chromedp.Run(cctx, chromedp.Click(selCopyButton, chromedp.ByQuery)); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return 0, ecmerr.Newf(ecmerr.NavigationTimeout, "timed out in state %s", StateCopyRequested)
		}
		return 0, fmt.Errorf("state %s: %w", StateCopyRequested, err)
	}

	n.advance(StateCopyRequested)
	return prevSeq, nil
}

// captureURL waits for the sniffer to observe a new copy and parses the URL
// out of it.
func (n *Navigator) captureURL(ctx context.Context, prevSeq int64) (string, error) {
	text, err := n.sniffer.WaitForCopy(ctx, prevSeq)
	if err != nil {
		return "", fmt.Errorf("state %s: %w", StateURLCaptured, err)
	}
	if text == "" {
		return "", ecmerr.New(ecmerr.CopyNotObserved, "no copy observed within budget")
	}

	url, ok := ExtractURL(text)
	if !ok {
		return "", ecmerr.Newf(ecmerr.UrlNotParsed, "captured text matches no parser rule")
	}

	n.advance(StateURLCaptured)
	return url, nil
}

// evalBool runs a single boolean JS expression plus optional follow-up
// actions under a budget.
func (n *Navigator) evalBool(ctx context.Context, state State, timeout time.Duration, js string, followUp ...chromedp.Action) (bool, error) {
	ectx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var ok bool
	actions := append([]chromedp.Action{chromedp.Evaluate(js, &ok)}, followUp...)
	if err := chromedp.Run(ectx, actions...); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, chromedp.ErrPollingTimeout) {
			return false, ecmerr.Newf(ecmerr.NavigationTimeout, "timed out in state %s", state)
		}
		return false, fmt.Errorf("state %s: %w", state, err)
	}
	return ok, nil
}

// evalInt runs a single integer JS expression under a budget.
func (n *Navigator) evalInt(ctx context.Context, state State, timeout time.Duration, js string) (int, error) {
	ectx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var result int
	if err := chromedp.Run(ectx, chromedp.Evaluate(js, &result)); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, chromedp.ErrPollingTimeout) {
			return 0, ecmerr.Newf(ecmerr.NavigationTimeout, "timed out in state %s", state)
		}
		return 0, fmt.Errorf("state %s: %w", state, err)
	}
	return result, nil
}

func (n *Navigator) advance(state State) {
	n.logger.Debug().Str("state", string(state)).Msg("Navigator state reached")
	if n.milestone != nil {
		n.milestone(state)
	}
}

// waitOverlayHidden is the loading-done predicate: the splash locator is
// absent or hidden. Every tree click is followed by this wait.
func waitOverlayHidden() chromedp.Action {
	js := fmt.Sprintf(`(() => {
		const el = document.querySelector(%q);
		return !el || el.offsetParent === null;
	})()`, selLoadingOverlay)
	return chromedp.Poll(js, nil, chromedp.WithPollingInterval(copyPollInterval))
}
