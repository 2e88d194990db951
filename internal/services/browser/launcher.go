package browser

import (
	"context"

	"github.com/chromedp/chromedp"
	"github.com/ternarybob/arbor"

	"github.com/certlab/ecmlink/internal/common"
	"github.com/certlab/ecmlink/internal/ecmerr"
)

// Launcher creates live browser handles. An interface so pool tests can
// inject fakes instead of spawning Chrome.
type Launcher interface {
	Launch(ctx context.Context) (*Handle, error)
}

type chromedpLauncher struct {
	config *common.PoolConfig
	logger arbor.ILogger
}

// NewChromedpLauncher returns a launcher that spawns headless Chrome via an
// exec allocator.
func NewChromedpLauncher(config *common.PoolConfig, logger arbor.ILogger) Launcher {
	return &chromedpLauncher{config: config, logger: logger}
}

func (l *chromedpLauncher) Launch(ctx context.Context) (*Handle, error) {
	opts := append(
		chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", l.config.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.UserAgent(l.config.UserAgent),
	)

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	// Startup probe confirms the process launched and answers CDP
	testCtx, testCancel := context.WithTimeout(browserCtx, l.config.LaunchTimeout)
	defer testCancel()

	if err := chromedp.Run(testCtx, chromedp.Navigate("about:blank")); err != nil {
		browserCancel()
		allocCancel()
		return nil, ecmerr.Wrap(ecmerr.PoolUnavailable, "browser failed startup test", err)
	}

	probe := func(ctx context.Context) error {
		var title string
		return chromedp.Run(ctx, chromedp.Title(&title))
	}

	l.logger.Debug().Bool("headless", l.config.Headless).Msg("Browser instance launched")
	return newHandle(browserCtx, browserCancel, allocCancel, probe), nil
}
