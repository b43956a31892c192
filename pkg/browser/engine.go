package browser

import "context"

// DOMImage is one raw image element scanned out of the rendered page.
type DOMImage struct {
	Src     string `json:"src"`
	DataSrc string `json:"dataSrc"`
	Width   int64  `json:"width"`
	Height  int64  `json:"height"`
}

// Engine is the capability surface the pipeline needs from a browser
// automation backend. The concrete engine is swappable without touching the
// extraction logic.
type Engine interface {
	// Start launches the browser process. The engine lives until Close;
	// cancelling ctx tears it down early.
	Start(ctx context.Context) error
	// Navigate loads a URL and waits for the document body to be ready.
	Navigate(ctx context.Context, url string) error
	// ScrollBottom scrolls the page to its current bottom.
	ScrollBottom(ctx context.Context) error
	// PageHeight returns the current document scroll height.
	PageHeight(ctx context.Context) (int64, error)
	// Images scans the DOM for image elements.
	Images(ctx context.Context) ([]DOMImage, error)
	// Close releases the browser process. Safe to call more than once.
	Close() error
}
