package downloader

import (
	"context"
	"sync"
	"time"

	"imgharvest/pkg/config"
	errs "imgharvest/pkg/errors"
	"imgharvest/pkg/logger"
	"imgharvest/pkg/models"
	"imgharvest/pkg/ratelimit"
	"imgharvest/pkg/retry"
)

// Result is the outcome of fetching one candidate. Exactly one of Data or
// Err is set.
type Result struct {
	Candidate models.ImageCandidate
	Data      []byte
	Err       error
	Duration  time.Duration
}

// Pool fetches candidates with a fixed number of workers. Results come back
// in candidate discovery order regardless of completion order.
type Pool struct {
	cfg     config.DownloadConfig
	fetcher Fetcher
	limiter ratelimit.Limiter
	logger  logger.Logger
}

// NewPool creates a download pool. The limiter may be nil to disable rate
// limiting.
func NewPool(cfg config.DownloadConfig, fetcher Fetcher, limiter ratelimit.Limiter, log logger.Logger) *Pool {
	if log == nil {
		log = logger.GetLogger()
	}
	return &Pool{
		cfg:     cfg,
		fetcher: fetcher,
		limiter: limiter,
		logger:  log,
	}
}

// FetchAll downloads every candidate and returns one result per candidate,
// index-aligned with the input. At most cfg.Concurrency fetches are in
// flight at any moment. Cancelling ctx fails the remaining candidates
// without waiting out their retries.
func (p *Pool) FetchAll(ctx context.Context, candidates []models.ImageCandidate) []Result {
	results := make([]Result, len(candidates))
	if len(candidates) == 0 {
		return results
	}

	workers := p.cfg.Concurrency
	if workers <= 0 {
		workers = 1
	}
	if workers > len(candidates) {
		workers = len(candidates)
	}

	jobs := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.worker(ctx, id, candidates, results, jobs)
		}(w)
	}

	for i := range candidates {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	return results
}

func (p *Pool) worker(ctx context.Context, id int, candidates []models.ImageCandidate, results []Result, jobs <-chan int) {
	log := p.logger.WithField("worker", id)

	for idx := range jobs {
		cand := candidates[idx]

		if err := ctx.Err(); err != nil {
			results[idx] = Result{
				Candidate: cand,
				Err:       errs.Newf(errs.ErrorTypeFetchTransient, "fetch abandoned: %v", err),
			}
			continue
		}

		if p.limiter != nil {
			if err := p.limiter.Wait(ctx); err != nil {
				results[idx] = Result{
					Candidate: cand,
					Err:       errs.Newf(errs.ErrorTypeFetchTransient, "fetch abandoned: %v", err),
				}
				continue
			}
		}

		start := time.Now()
		data, err := p.fetchOne(ctx, cand)
		elapsed := time.Since(start)

		results[idx] = Result{
			Candidate: cand,
			Data:      data,
			Err:       err,
			Duration:  elapsed,
		}

		if err != nil {
			log.WarnWithFields("fetch failed", map[string]interface{}{
				"url":      cand.Key(),
				"error":    err.Error(),
				"duration": elapsed,
			})
		} else {
			log.DebugWithFields("fetch complete", map[string]interface{}{
				"url":      cand.Key(),
				"bytes":    len(data),
				"duration": elapsed,
			})
		}
	}
}

// fetchOne runs a single candidate's download with per-attempt timeout and
// transient-error retries.
func (p *Pool) fetchOne(ctx context.Context, cand models.ImageCandidate) ([]byte, error) {
	attempts := p.cfg.RetryAttempts
	if attempts <= 0 {
		attempts = 1
	}
	backoff := retry.DefaultExponentialBackoff()
	if p.cfg.RetryBaseDelay > 0 {
		backoff.BaseDelay = p.cfg.RetryBaseDelay
	}

	return retry.DoWithResult(func() ([]byte, error) {
		attemptCtx := ctx
		if p.cfg.PerItemTimeout > 0 {
			var cancel context.CancelFunc
			attemptCtx, cancel = context.WithTimeout(ctx, p.cfg.PerItemTimeout)
			defer cancel()
		}
		return p.fetcher.Fetch(attemptCtx, cand.Key(), p.cfg.MaxBytes)
	}, &retry.Config{
		MaxAttempts: attempts,
		Backoff:     backoff,
		RetryIf:     retry.DefaultRetryIf,
		Context:     ctx,
		Logger:      p.logger,
	})
}
