package harvest

import (
	"context"
	stderrors "errors"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"imgharvest/internal/downloader"
	"imgharvest/pkg/browser"
	"imgharvest/pkg/config"
	errs "imgharvest/pkg/errors"
	"imgharvest/pkg/extractor"
	"imgharvest/pkg/logger"
	"imgharvest/pkg/models"
	"imgharvest/pkg/ratelimit"
	"imgharvest/pkg/store"
)

const (
	// defaultDeadline bounds a harvest whose request does not carry one.
	defaultDeadline = 5 * time.Minute
	// defaultDrainGrace bounds the download stage when extraction already
	// exhausted the deadline.
	defaultDrainGrace = 60 * time.Second
)

// Coordinator runs harvests end to end: open a browser session, extract
// candidates, release the browser, download concurrently, persist.
type Coordinator struct {
	cfg      *config.Config
	sessions *browser.Manager
	fetcher  downloader.Fetcher
	logger   logger.Logger
}

// Option customizes a Coordinator. Used by tests to substitute fakes.
type Option func(*Coordinator)

// WithSessionManager replaces the browser session manager.
func WithSessionManager(m *browser.Manager) Option {
	return func(c *Coordinator) { c.sessions = m }
}

// WithFetcher replaces the download fetcher.
func WithFetcher(f downloader.Fetcher) Option {
	return func(c *Coordinator) { c.fetcher = f }
}

// New creates a harvest coordinator.
func New(cfg *config.Config, log logger.Logger, opts ...Option) *Coordinator {
	if log == nil {
		log = logger.GetLogger()
	}
	c := &Coordinator{
		cfg:      cfg,
		sessions: browser.NewManager(cfg.Browser, log),
		fetcher:  downloader.NewClient(cfg.Browser.UserAgent, log),
		logger:   log,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run executes one harvest and returns its manifest. A nil error with
// Partial set means the harvest completed but delivered less than asked
// for; a non-nil error means nothing usable was produced.
func (c *Coordinator) Run(ctx context.Context, req models.HarvestRequest) (*models.HarvestManifest, error) {
	manifest := &models.HarvestManifest{
		ID:        uuid.New().String(),
		Query:     req.Query,
		Requested: req.Count,
		Stored:    []models.StoredImage{},
		StartedAt: time.Now().UTC(),
	}

	log := c.logger.WithFields(map[string]interface{}{
		"harvest_id": manifest.ID,
		"query":      req.Query,
		"count":      req.Count,
	})

	if req.Count <= 0 {
		// Nothing asked for: succeed without touching the browser or disk.
		manifest.FinishedAt = time.Now().UTC()
		log.Info("harvest requested zero images")
		return manifest, nil
	}

	deadline := req.Deadline
	if deadline <= 0 {
		deadline = defaultDeadline
	}
	runCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	log.Info("harvest started")

	candidates, err := c.extract(runCtx, req, log)
	downloadCtx := runCtx
	if err != nil {
		if len(candidates) == 0 {
			return nil, err
		}
		log.WithError(err).Warn("extraction ended early, proceeding with partial candidates")
		manifest.Partial = true

		// Extraction consumed the whole deadline. The gathered candidates
		// still get downloaded under a short drain budget of their own,
		// bounded by the caller's context so cancellation still works.
		if runCtx.Err() != nil {
			grace := c.cfg.Download.DrainGrace
			if grace <= 0 {
				grace = defaultDrainGrace
			}
			var graceCancel context.CancelFunc
			downloadCtx, graceCancel = context.WithTimeout(ctx, grace)
			defer graceCancel()
		}
	}

	if len(candidates) > req.Count {
		candidates = candidates[:req.Count]
	}
	if len(candidates) < req.Count {
		manifest.Partial = true
	}
	manifest.Candidates = len(candidates)

	if len(candidates) == 0 {
		manifest.FinishedAt = time.Now().UTC()
		log.Warn("no candidates extracted")
		return manifest, nil
	}

	st, err := store.New(c.outputDir(req), req.Query, store.Options{
		MinWidth:       req.MinWidth,
		MinHeight:      req.MinHeight,
		AllowedFormats: req.AllowedFormats,
	}, log)
	if err != nil {
		return nil, err
	}

	results := c.download(downloadCtx, req, candidates, log)
	c.fold(manifest, results, st, log)

	manifest.FinishedAt = time.Now().UTC()

	if err := st.WriteManifest(manifest); err != nil {
		log.WithError(err).Error("failed to persist manifest")
	}

	log.InfoWithFields("harvest finished", map[string]interface{}{
		"stored":     len(manifest.Stored),
		"duplicates": len(manifest.Duplicates),
		"failures":   len(manifest.Failures),
		"partial":    manifest.Partial,
		"duration":   manifest.FinishedAt.Sub(manifest.StartedAt),
	})
	return manifest, nil
}

// extract opens a browser session, collects candidates and closes the
// session. The browser is always released before downloads start so its
// memory is not held during network transfers.
func (c *Coordinator) extract(ctx context.Context, req models.HarvestRequest, log logger.Logger) ([]models.ImageCandidate, error) {
	session, err := c.sessions.Open(ctx, req.Query)
	if err != nil {
		return nil, err
	}
	defer session.Close()

	extractCfg := c.cfg.Extract
	if req.MinWidth > 0 {
		extractCfg.MinWidth = req.MinWidth
	}
	if req.MinHeight > 0 {
		extractCfg.MinHeight = req.MinHeight
	}

	candidates, err := extractor.New(session.Engine(), extractCfg, log).Collect(ctx, req.Count)

	if closeErr := session.Close(); closeErr != nil {
		log.WithError(closeErr).Warn("browser session close failed")
	}
	return candidates, err
}

func (c *Coordinator) download(ctx context.Context, req models.HarvestRequest, candidates []models.ImageCandidate, log logger.Logger) []downloader.Result {
	downloadCfg := c.cfg.Download
	if req.PerItemTimeout > 0 {
		downloadCfg.PerItemTimeout = req.PerItemTimeout
	}

	limiter := ratelimit.NewTokenBucket(c.cfg.RateLimit.RequestsPerMinute, time.Minute)
	pool := downloader.NewPool(downloadCfg, c.fetcher, limiter, log)
	return pool.FetchAll(ctx, candidates)
}

// fold turns index-ordered download results into manifest entries. Every
// attempted candidate lands in exactly one of Stored, Duplicates or
// Failures.
func (c *Coordinator) fold(manifest *models.HarvestManifest, results []downloader.Result, st *store.Store, log logger.Logger) {
	for _, r := range results {
		url := r.Candidate.Key()

		if r.Err != nil {
			manifest.Failures = append(manifest.Failures, models.Failure{
				URL:    url,
				Kind:   failureKind(r.Err),
				Reason: r.Err.Error(),
			})
			continue
		}

		adm, err := st.Admit(r.Candidate, r.Data)
		if err != nil {
			manifest.Failures = append(manifest.Failures, models.Failure{
				URL:    url,
				Kind:   string(errs.ErrorTypeUnknown),
				Reason: err.Error(),
			})
			continue
		}

		switch adm.Status {
		case store.StatusStored:
			manifest.Stored = append(manifest.Stored, adm.Image)
		case store.StatusDuplicate:
			manifest.Duplicates = append(manifest.Duplicates, adm.Duplicate)
		case store.StatusRejected:
			manifest.Failures = append(manifest.Failures, models.Failure{
				URL:    url,
				Kind:   string(errs.ErrorTypeRejectedFormat),
				Reason: adm.Reason,
			})
		}
	}
}

func (c *Coordinator) outputDir(req models.HarvestRequest) string {
	if req.OutputDir != "" {
		return req.OutputDir
	}
	dir := c.cfg.Output.BaseDirectory
	if c.cfg.Output.CreateQueryFolders {
		dir = filepath.Join(dir, store.Slugify(req.Query))
	}
	return dir
}

func failureKind(err error) string {
	var herr *errs.Error
	if stderrors.As(err, &herr) {
		return string(herr.Type)
	}
	return string(errs.ErrorTypeUnknown)
}
