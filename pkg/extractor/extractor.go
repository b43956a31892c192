package extractor

import (
	"context"
	stderrors "errors"
	"strings"
	"time"

	"imgharvest/pkg/browser"
	"imgharvest/pkg/config"
	errs "imgharvest/pkg/errors"
	"imgharvest/pkg/logger"
	"imgharvest/pkg/models"
	"imgharvest/pkg/retry"
)

type phase int

const (
	phaseInit phase = iota
	phaseScrolling
	phaseStable
	phaseDone
	phaseFailed
)

func (p phase) String() string {
	switch p {
	case phaseInit:
		return "init"
	case phaseScrolling:
		return "scrolling"
	case phaseStable:
		return "stable"
	case phaseDone:
		return "done"
	case phaseFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Extractor harvests image candidates from a results page by repeatedly
// scrolling to trigger lazy loading and rescanning the DOM. An extractor is
// single-use; create a fresh one per session.
type Extractor struct {
	engine browser.Engine
	cfg    config.ExtractConfig
	logger logger.Logger

	seen       map[string]bool
	candidates []models.ImageCandidate
	lastHeight int64
}

// New creates an extractor over an already-navigated engine.
func New(engine browser.Engine, cfg config.ExtractConfig, log logger.Logger) *Extractor {
	if log == nil {
		log = logger.GetLogger()
	}
	return &Extractor{
		engine: engine,
		cfg:    cfg,
		logger: log,
		seen:   make(map[string]bool),
	}
}

// Collect gathers candidates until the page stops growing, the scroll-round
// budget runs out, or ctx expires. target is advisory: the page is scrolled
// until content stabilizes, so the result may exceed it; the caller trims.
//
// On deadline expiry the candidates gathered so far are returned together
// with a typed extraction_timeout error, letting the caller proceed with a
// partial harvest.
func (e *Extractor) Collect(ctx context.Context, target int) ([]models.ImageCandidate, error) {
	st := phaseInit

	newCount, err := e.scan(ctx)
	if err != nil {
		return e.result(phaseFailed, e.wrap(ctx, err))
	}
	if newCount == 0 {
		// Nothing rendered at all: an empty result set, not a failure.
		return e.result(phaseDone, nil)
	}

	st = phaseScrolling
	rounds := 0

	for st != phaseDone {
		if ctx.Err() != nil {
			return e.result(phaseFailed, e.wrap(ctx, ctx.Err()))
		}
		if st == phaseStable && len(e.candidates) >= target {
			st = phaseDone
			break
		}
		if rounds >= e.cfg.MaxScrollRounds {
			e.logger.DebugWithFields("scroll budget exhausted", map[string]interface{}{
				"rounds":     rounds,
				"candidates": len(e.candidates),
			})
			st = phaseDone
			break
		}

		grown, err := e.scrollRound(ctx)
		if err != nil {
			return e.result(phaseFailed, e.wrap(ctx, err))
		}
		rounds++

		switch st {
		case phaseScrolling:
			if grown == 0 {
				st = phaseStable
			}
		case phaseStable:
			// The stable round was a nudge in case the page was still
			// rendering. No growth twice in a row means the page is done.
			if grown > 0 {
				st = phaseScrolling
			} else {
				st = phaseDone
			}
		}
	}

	e.logger.InfoWithFields("extraction complete", map[string]interface{}{
		"candidates": len(e.candidates),
		"rounds":     rounds,
		"phase":      st.String(),
	})
	return e.result(st, nil)
}

func (e *Extractor) result(st phase, err error) ([]models.ImageCandidate, error) {
	if st == phaseFailed && len(e.candidates) == 0 {
		return nil, err
	}
	out := make([]models.ImageCandidate, len(e.candidates))
	copy(out, e.candidates)
	return out, err
}

// wrap classifies a mid-extraction failure. Deadline expiry becomes an
// extraction timeout; everything else is a navigation-level failure.
func (e *Extractor) wrap(ctx context.Context, err error) error {
	var herr *errs.Error
	if stderrors.As(err, &herr) {
		return err
	}
	if ctx.Err() != nil {
		return errs.Newf(errs.ErrorTypeExtractionTimeout,
			"deadline expired with %d candidates gathered: %v", len(e.candidates), err)
	}
	return errs.Newf(errs.ErrorTypeNavigation, "page interaction failed: %v", err)
}

// scrollRound scrolls to the bottom, waits for lazy content to settle, then
// rescans the DOM. Returns the number of new candidates found.
func (e *Extractor) scrollRound(ctx context.Context) (int, error) {
	if err := e.engine.ScrollBottom(ctx); err != nil {
		return 0, err
	}
	if err := retry.Wait(ctx, e.cfg.ScrollPause); err != nil {
		return 0, err
	}
	if err := e.settle(ctx); err != nil {
		return 0, err
	}
	return e.scan(ctx)
}

// settle polls the page height until it grows past the last observed value
// or the poll budget runs out. A height that never moves is not an error;
// the scan decides whether the round produced anything.
func (e *Extractor) settle(ctx context.Context) error {
	for i := 0; i < e.cfg.SettlePolls; i++ {
		height, err := e.engine.PageHeight(ctx)
		if err != nil {
			return err
		}
		if height > e.lastHeight {
			e.lastHeight = height
			return nil
		}
		if err := retry.Wait(ctx, e.cfg.PollInterval); err != nil {
			return err
		}
	}
	return nil
}

// scan reads the DOM and appends candidates not seen before. Returns the
// number of new candidates.
func (e *Extractor) scan(ctx context.Context) (int, error) {
	images, err := e.engine.Images(ctx)
	if err != nil {
		return 0, err
	}

	added := 0
	now := time.Now().UTC()
	for _, img := range images {
		cand, ok := e.resolve(img)
		if !ok {
			continue
		}
		key := cand.Key()
		if e.seen[key] {
			continue
		}
		e.seen[key] = true
		cand.Index = len(e.candidates)
		cand.DiscoveredAt = now
		e.candidates = append(e.candidates, cand)
		added++
	}

	e.logger.DebugWithFields("dom scan", map[string]interface{}{
		"raw":   len(images),
		"new":   added,
		"total": len(e.candidates),
	})
	return added, nil
}

// resolve maps a raw DOM image to a candidate, filtering out placeholders.
// The lazy-load attribute takes priority over src because it holds the full
// resolution URL once present.
func (e *Extractor) resolve(img browser.DOMImage) (models.ImageCandidate, bool) {
	src := strings.TrimSpace(img.Src)
	dataSrc := strings.TrimSpace(img.DataSrc)

	// 1x1 GIF placeholders sit in src until the element scrolls into view.
	if strings.HasPrefix(src, "data:image/gif") {
		src = ""
	}
	if src == "" && dataSrc == "" {
		return models.ImageCandidate{}, false
	}

	if int(img.Width) < e.cfg.MinWidth || int(img.Height) < e.cfg.MinHeight {
		return models.ImageCandidate{}, false
	}

	if dataSrc != "" {
		return models.ImageCandidate{URL: dataSrc, ThumbnailURL: src}, true
	}
	if strings.HasPrefix(src, "data:") {
		// Inline payload; the downloader decodes it locally.
		return models.ImageCandidate{ThumbnailURL: src}, true
	}
	return models.ImageCandidate{URL: src}, true
}
