package browser

import (
	"context"
	"fmt"
	"sync"

	"github.com/chromedp/chromedp"

	"imgharvest/pkg/config"
)

// scanImagesScript maps every image element to its source attributes and
// rendered dimensions. data-src is read separately because lazy-load engines
// park the real URL there until the element scrolls into view.
const scanImagesScript = `Array.from(document.images).map(function(img) {
	return {
		src: img.getAttribute('src') || '',
		dataSrc: img.getAttribute('data-src') || '',
		width: img.naturalWidth || img.width || 0,
		height: img.naturalHeight || img.height || 0
	};
});`

// ChromeEngine drives a headless Chrome instance through the DevTools
// protocol. One engine owns exactly one browser process.
type ChromeEngine struct {
	cfg config.BrowserConfig

	ctx         context.Context
	ctxCancel   context.CancelFunc
	allocCancel context.CancelFunc
	closeOnce   sync.Once
}

// NewChromeEngine creates an engine from browser configuration. The process
// is not spawned until Start.
func NewChromeEngine(cfg config.BrowserConfig) *ChromeEngine {
	return &ChromeEngine{cfg: cfg}
}

// Start launches the browser process as a child of ctx.
func (e *ChromeEngine) Start(ctx context.Context) error {
	opts := append([]chromedp.ExecAllocatorOption{},
		chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts,
		chromedp.Flag("headless", e.cfg.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.NoSandbox,
	)
	if e.cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(e.cfg.UserAgent))
	}
	if e.cfg.ViewportWidth > 0 && e.cfg.ViewportHeight > 0 {
		opts = append(opts, chromedp.WindowSize(e.cfg.ViewportWidth, e.cfg.ViewportHeight))
	}
	if e.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(e.cfg.ExecPath))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, opts...)
	browserCtx, ctxCancel := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(func(string, ...interface{}) {}))

	// The first Run starts the browser process.
	startup := []chromedp.Action{}
	if e.cfg.ViewportWidth > 0 && e.cfg.ViewportHeight > 0 {
		startup = append(startup,
			chromedp.EmulateViewport(int64(e.cfg.ViewportWidth), int64(e.cfg.ViewportHeight)))
	}
	if err := chromedp.Run(browserCtx, startup...); err != nil {
		ctxCancel()
		allocCancel()
		return fmt.Errorf("failed to start browser: %w", err)
	}

	e.ctx = browserCtx
	e.ctxCancel = ctxCancel
	e.allocCancel = allocCancel
	return nil
}

// Navigate loads a URL and waits for the body to be ready.
func (e *ChromeEngine) Navigate(ctx context.Context, url string) error {
	return e.run(ctx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body"),
	)
}

// ScrollBottom scrolls to the current bottom of the page.
func (e *ChromeEngine) ScrollBottom(ctx context.Context) error {
	return e.run(ctx,
		chromedp.Evaluate(`window.scrollTo(0, document.body.scrollHeight)`, nil),
	)
}

// PageHeight returns the current document scroll height.
func (e *ChromeEngine) PageHeight(ctx context.Context) (int64, error) {
	var height int64
	err := e.run(ctx,
		chromedp.Evaluate(`document.body.scrollHeight`, &height),
	)
	return height, err
}

// Images scans the DOM for image elements.
func (e *ChromeEngine) Images(ctx context.Context) ([]DOMImage, error) {
	var images []DOMImage
	err := e.run(ctx,
		chromedp.Evaluate(scanImagesScript, &images),
	)
	return images, err
}

// Close tears the browser process down. Idempotent.
func (e *ChromeEngine) Close() error {
	e.closeOnce.Do(func() {
		if e.ctxCancel != nil {
			e.ctxCancel()
		}
		if e.allocCancel != nil {
			e.allocCancel()
		}
	})
	return nil
}

// run executes chromedp actions against the engine's browser context,
// honoring any deadline or cancellation on the caller's context.
func (e *ChromeEngine) run(ctx context.Context, actions ...chromedp.Action) error {
	if e.ctx == nil {
		return fmt.Errorf("browser not started")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	runCtx := e.ctx
	if deadline, ok := ctx.Deadline(); ok {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithDeadline(e.ctx, deadline)
		defer cancel()
	}
	return chromedp.Run(runCtx, actions...)
}
