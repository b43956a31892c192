package downloader

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"imgharvest/pkg/config"
	errs "imgharvest/pkg/errors"
	"imgharvest/pkg/models"
	"imgharvest/pkg/ratelimit"
)

func testDownloadConfig() config.DownloadConfig {
	return config.DownloadConfig{
		Concurrency:    4,
		PerItemTimeout: 2 * time.Second,
		RetryAttempts:  3,
		RetryBaseDelay: time.Millisecond,
		MaxBytes:       1 << 20,
	}
}

func candidatesFor(urls ...string) []models.ImageCandidate {
	cands := make([]models.ImageCandidate, len(urls))
	for i, u := range urls {
		cands[i] = models.ImageCandidate{URL: u, Index: i}
	}
	return cands
}

func TestClientFetchSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		w.Write([]byte("jpeg-bytes"))
	}))
	defer srv.Close()

	c := NewClient("test-agent", nil)
	data, err := c.Fetch(context.Background(), srv.URL, 1<<20)
	require.NoError(t, err)
	assert.Equal(t, "jpeg-bytes", string(data))
}

func TestClientFetchStatusClassification(t *testing.T) {
	tests := []struct {
		status int
		want   errs.ErrorType
	}{
		{http.StatusNotFound, errs.ErrorTypeFetchPermanent},
		{http.StatusForbidden, errs.ErrorTypeFetchPermanent},
		{http.StatusTooManyRequests, errs.ErrorTypeFetchTransient},
		{http.StatusInternalServerError, errs.ErrorTypeFetchTransient},
		{http.StatusBadGateway, errs.ErrorTypeFetchTransient},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("status_%d", tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			c := NewClient("", nil)
			_, err := c.Fetch(context.Background(), srv.URL, 1<<20)
			require.Error(t, err)

			var herr *errs.Error
			require.ErrorAs(t, err, &herr)
			assert.Equal(t, tt.want, herr.Type)
			assert.Equal(t, tt.status, herr.Code)
		})
	}
}

func TestClientFetchRejectsContentType(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte("<html>not an image</html>"))
	}))
	defer srv.Close()

	c := NewClient("", nil)
	_, err := c.Fetch(context.Background(), srv.URL, 1<<20)
	require.Error(t, err)

	var herr *errs.Error
	require.ErrorAs(t, err, &herr)
	assert.Equal(t, errs.ErrorTypeFetchPermanent, herr.Type)
}

func TestClientFetchOversize(t *testing.T) {
	payload := strings.Repeat("x", 2048)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write([]byte(payload))
	}))
	defer srv.Close()

	c := NewClient("", nil)
	_, err := c.Fetch(context.Background(), srv.URL, 1024)
	require.Error(t, err)

	var herr *errs.Error
	require.ErrorAs(t, err, &herr)
	assert.Equal(t, errs.ErrorTypeOversize, herr.Type)
}

func TestClientFetchExactLimitAllowed(t *testing.T) {
	payload := strings.Repeat("x", 1024)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write([]byte(payload))
	}))
	defer srv.Close()

	c := NewClient("", nil)
	data, err := c.Fetch(context.Background(), srv.URL, 1024)
	require.NoError(t, err)
	assert.Len(t, data, 1024)
}

func TestClientFetchDataURI(t *testing.T) {
	payload := []byte("inline-image-bytes")
	uri := "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(payload)

	c := NewClient("", nil)
	data, err := c.Fetch(context.Background(), uri, 1<<20)
	require.NoError(t, err)
	assert.Equal(t, payload, data)
}

func TestClientFetchMalformedDataURI(t *testing.T) {
	c := NewClient("", nil)
	_, err := c.Fetch(context.Background(), "data:image/jpeg;base64", 1<<20)
	require.Error(t, err)

	var herr *errs.Error
	require.ErrorAs(t, err, &herr)
	assert.Equal(t, errs.ErrorTypeFetchPermanent, herr.Type)
}

// stubFetcher lets pool tests control completion order and failure modes
// without a network.
type stubFetcher struct {
	inFlight int32
	peak     int32
	fetch    func(url string) ([]byte, error)
	delays   map[string]time.Duration
}

func (s *stubFetcher) Fetch(ctx context.Context, url string, maxBytes int64) ([]byte, error) {
	cur := atomic.AddInt32(&s.inFlight, 1)
	defer atomic.AddInt32(&s.inFlight, -1)
	for {
		peak := atomic.LoadInt32(&s.peak)
		if cur <= peak || atomic.CompareAndSwapInt32(&s.peak, peak, cur) {
			break
		}
	}

	if d, ok := s.delays[url]; ok {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return s.fetch(url)
}

func TestFetchAllPreservesDiscoveryOrder(t *testing.T) {
	// Earlier candidates finish last; results must still be index-aligned.
	fetcher := &stubFetcher{
		fetch: func(url string) ([]byte, error) {
			return []byte("payload-" + url), nil
		},
		delays: map[string]time.Duration{
			"a": 60 * time.Millisecond,
			"b": 30 * time.Millisecond,
			"c": 5 * time.Millisecond,
		},
	}

	pool := NewPool(testDownloadConfig(), fetcher, nil, nil)
	results := pool.FetchAll(context.Background(), candidatesFor("a", "b", "c"))

	require.Len(t, results, 3)
	for i, want := range []string{"a", "b", "c"} {
		assert.Equal(t, want, results[i].Candidate.URL)
		assert.Equal(t, "payload-"+want, string(results[i].Data))
		assert.NoError(t, results[i].Err)
	}
}

func TestFetchAllBoundedConcurrency(t *testing.T) {
	var calls int32
	fetcher := &stubFetcher{
		fetch: func(url string) ([]byte, error) {
			atomic.AddInt32(&calls, 1)
			time.Sleep(10 * time.Millisecond)
			return []byte("ok"), nil
		},
	}

	cfg := testDownloadConfig()
	cfg.Concurrency = 2

	pool := NewPool(cfg, fetcher, nil, nil)
	urls := make([]string, 12)
	for i := range urls {
		urls[i] = fmt.Sprintf("img-%d", i)
	}
	results := pool.FetchAll(context.Background(), candidatesFor(urls...))

	require.Len(t, results, 12)
	assert.Equal(t, int32(12), atomic.LoadInt32(&calls))
	assert.LessOrEqual(t, atomic.LoadInt32(&fetcher.peak), int32(2),
		"in-flight fetches must never exceed the concurrency limit")
}

func TestFetchAllRetriesTransientFailures(t *testing.T) {
	var attempts int32
	fetcher := &stubFetcher{
		fetch: func(url string) ([]byte, error) {
			if atomic.AddInt32(&attempts, 1) < 3 {
				return nil, errs.WithCode(errs.ErrorTypeFetchTransient, 503, "unavailable")
			}
			return []byte("finally"), nil
		},
	}

	pool := NewPool(testDownloadConfig(), fetcher, nil, nil)
	results := pool.FetchAll(context.Background(), candidatesFor("flaky"))

	require.Len(t, results, 1)
	require.NoError(t, results[0].Err)
	assert.Equal(t, "finally", string(results[0].Data))
	assert.Equal(t, int32(3), atomic.LoadInt32(&attempts))
}

func TestFetchAllDoesNotRetryPermanentFailures(t *testing.T) {
	var attempts int32
	fetcher := &stubFetcher{
		fetch: func(url string) ([]byte, error) {
			atomic.AddInt32(&attempts, 1)
			return nil, errs.WithCode(errs.ErrorTypeFetchPermanent, 404, "gone")
		},
	}

	pool := NewPool(testDownloadConfig(), fetcher, nil, nil)
	results := pool.FetchAll(context.Background(), candidatesFor("missing"))

	require.Len(t, results, 1)
	require.Error(t, results[0].Err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&attempts))

	var herr *errs.Error
	require.ErrorAs(t, results[0].Err, &herr)
	assert.Equal(t, errs.ErrorTypeFetchPermanent, herr.Type)
}

func TestFetchAllFailureDoesNotBlockOthers(t *testing.T) {
	fetcher := &stubFetcher{
		fetch: func(url string) ([]byte, error) {
			if url == "bad" {
				return nil, errs.WithCode(errs.ErrorTypeFetchPermanent, 404, "gone")
			}
			return []byte("ok"), nil
		},
	}

	pool := NewPool(testDownloadConfig(), fetcher, nil, nil)
	results := pool.FetchAll(context.Background(), candidatesFor("good-1", "bad", "good-2"))

	require.Len(t, results, 3)
	assert.NoError(t, results[0].Err)
	assert.Error(t, results[1].Err)
	assert.NoError(t, results[2].Err)
}

func TestFetchAllCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	fetcher := &stubFetcher{
		fetch: func(url string) ([]byte, error) {
			return []byte("ok"), nil
		},
	}

	pool := NewPool(testDownloadConfig(), fetcher, nil, nil)
	results := pool.FetchAll(ctx, candidatesFor("a", "b"))

	require.Len(t, results, 2)
	for _, r := range results {
		assert.Error(t, r.Err)
	}
}

func TestFetchAllCancelledWhileRateLimited(t *testing.T) {
	// An exhausted bucket with a one-hour refill; cancellation must not
	// leave workers sleeping out the refill period.
	limiter := ratelimit.NewTokenBucket(1, time.Hour)
	limiter.Allow()

	fetcher := &stubFetcher{
		fetch: func(url string) ([]byte, error) {
			return []byte("ok"), nil
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	pool := NewPool(testDownloadConfig(), fetcher, limiter, nil)

	start := time.Now()
	results := pool.FetchAll(ctx, candidatesFor("a"))
	elapsed := time.Since(start)

	require.Len(t, results, 1)
	require.Error(t, results[0].Err)
	assert.Less(t, elapsed, 5*time.Second, "FetchAll must return promptly after cancellation")

	var herr *errs.Error
	require.ErrorAs(t, results[0].Err, &herr)
	assert.Equal(t, errs.ErrorTypeFetchTransient, herr.Type)
}

func TestFetchAllEmptyInput(t *testing.T) {
	pool := NewPool(testDownloadConfig(), &stubFetcher{fetch: func(string) ([]byte, error) {
		t.Fatal("fetch must not be called")
		return nil, nil
	}}, nil, nil)

	results := pool.FetchAll(context.Background(), nil)
	assert.Empty(t, results)
}
