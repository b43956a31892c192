package extractor

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"imgharvest/pkg/browser"
	"imgharvest/pkg/config"
	errs "imgharvest/pkg/errors"
)

func testExtractConfig() config.ExtractConfig {
	return config.ExtractConfig{
		ScrollPause:     time.Millisecond,
		MaxScrollRounds: 5,
		SettlePolls:     2,
		PollInterval:    time.Millisecond,
		MinWidth:        100,
		MinHeight:       100,
	}
}

func img(url string) browser.DOMImage {
	return browser.DOMImage{Src: url, Width: 200, Height: 200}
}

// scriptedEngine serves a fixed sequence of DOM snapshots, one per scroll.
// Past the last snapshot the page stops changing.
type scriptedEngine struct {
	rounds    [][]browser.DOMImage
	scrolls   int
	imagesErr error
}

func (s *scriptedEngine) current() []browser.DOMImage {
	idx := s.scrolls
	if idx >= len(s.rounds) {
		idx = len(s.rounds) - 1
	}
	return s.rounds[idx]
}

func (s *scriptedEngine) Start(ctx context.Context) error { return nil }

func (s *scriptedEngine) Navigate(ctx context.Context, url string) error { return nil }

func (s *scriptedEngine) ScrollBottom(ctx context.Context) error {
	s.scrolls++
	return nil
}

func (s *scriptedEngine) PageHeight(ctx context.Context) (int64, error) {
	return 1000 + int64(len(s.current()))*100, nil
}

func (s *scriptedEngine) Images(ctx context.Context) ([]browser.DOMImage, error) {
	if s.imagesErr != nil {
		return nil, s.imagesErr
	}
	return s.current(), nil
}

func (s *scriptedEngine) Close() error { return nil }

func TestCollectScrollsUntilPageStabilizes(t *testing.T) {
	// Three candidates on first paint, then two lazy-load batches, then the
	// page stops growing. Eight uniques total against a target of five.
	engine := &scriptedEngine{rounds: [][]browser.DOMImage{
		{img("u0"), img("u1"), img("u2")},
		{img("u0"), img("u1"), img("u2"), img("u3"), img("u4"), img("u5")},
		{img("u0"), img("u1"), img("u2"), img("u3"), img("u4"), img("u5"), img("u6"), img("u7")},
	}}

	ext := New(engine, testExtractConfig(), nil)
	candidates, err := ext.Collect(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, candidates, 8)

	for i, c := range candidates {
		assert.Equal(t, i, c.Index)
		assert.Equal(t, "u"+string(rune('0'+i)), c.URL)
		assert.False(t, c.DiscoveredAt.IsZero())
	}
}

func TestCollectEmptyFirstPaint(t *testing.T) {
	engine := &scriptedEngine{rounds: [][]browser.DOMImage{{}}}

	ext := New(engine, testExtractConfig(), nil)
	candidates, err := ext.Collect(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, candidates)
	assert.Zero(t, engine.scrolls, "an empty page must not be scrolled")
}

func TestCollectStopsAtScrollBudget(t *testing.T) {
	// The page grows on every round; extraction must give up after the
	// configured number of scrolls.
	rounds := make([][]browser.DOMImage, 10)
	var page []browser.DOMImage
	for i := range rounds {
		page = append(page, img("u"+string(rune('a'+i))))
		rounds[i] = append([]browser.DOMImage{}, page...)
	}
	engine := &scriptedEngine{rounds: rounds}

	cfg := testExtractConfig()
	cfg.MaxScrollRounds = 3

	ext := New(engine, cfg, nil)
	candidates, err := ext.Collect(context.Background(), 100)
	require.NoError(t, err)
	assert.Equal(t, 3, engine.scrolls)
	assert.Len(t, candidates, 4) // first paint plus three rounds
}

func TestCollectFiltersPlaceholdersAndSmallImages(t *testing.T) {
	engine := &scriptedEngine{rounds: [][]browser.DOMImage{{
		img("real"),
		{Src: "data:image/gif;base64,R0lGOD", Width: 200, Height: 200},
		{Src: "tiny", Width: 50, Height: 50},
		{Src: "", DataSrc: "", Width: 200, Height: 200},
	}}}

	ext := New(engine, testExtractConfig(), nil)
	candidates, err := ext.Collect(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, "real", candidates[0].URL)
}

func TestCollectPrefersLazyLoadAttribute(t *testing.T) {
	engine := &scriptedEngine{rounds: [][]browser.DOMImage{{
		{Src: "thumb.jpg", DataSrc: "full.jpg", Width: 200, Height: 200},
	}}}

	ext := New(engine, testExtractConfig(), nil)
	candidates, err := ext.Collect(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, "full.jpg", candidates[0].URL)
	assert.Equal(t, "thumb.jpg", candidates[0].ThumbnailURL)
}

func TestCollectDeduplicatesAcrossRescans(t *testing.T) {
	// A page reflow reorders elements; rescans must not duplicate them.
	engine := &scriptedEngine{rounds: [][]browser.DOMImage{
		{img("u0"), img("u1")},
		{img("u1"), img("u0"), img("u2")},
		{img("u2"), img("u1"), img("u0")},
	}}

	ext := New(engine, testExtractConfig(), nil)
	candidates, err := ext.Collect(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, candidates, 3)
	assert.Equal(t, "u0", candidates[0].URL)
	assert.Equal(t, "u1", candidates[1].URL)
	assert.Equal(t, "u2", candidates[2].URL)
}

func TestCollectDeadlineReturnsPartialCandidates(t *testing.T) {
	rounds := make([][]browser.DOMImage, 20)
	var page []browser.DOMImage
	for i := range rounds {
		page = append(page, browser.DOMImage{Src: "u" + string(rune('a'+i)), Width: 200, Height: 200})
		rounds[i] = append([]browser.DOMImage{}, page...)
	}
	engine := &scriptedEngine{rounds: rounds}

	cfg := testExtractConfig()
	cfg.ScrollPause = 50 * time.Millisecond
	cfg.MaxScrollRounds = 20

	ctx, cancel := context.WithTimeout(context.Background(), 75*time.Millisecond)
	defer cancel()

	ext := New(engine, cfg, nil)
	candidates, err := ext.Collect(ctx, 100)
	require.Error(t, err)

	var herr *errs.Error
	require.ErrorAs(t, err, &herr)
	assert.Equal(t, errs.ErrorTypeExtractionTimeout, herr.Type)
	assert.NotEmpty(t, candidates, "candidates gathered before the deadline must survive")
}

func TestCollectScanFailureWithNothingGathered(t *testing.T) {
	engine := &scriptedEngine{
		rounds:    [][]browser.DOMImage{{}},
		imagesErr: stderrors.New("target crashed"),
	}

	ext := New(engine, testExtractConfig(), nil)
	candidates, err := ext.Collect(context.Background(), 10)
	require.Error(t, err)
	assert.Nil(t, candidates)

	var herr *errs.Error
	require.ErrorAs(t, err, &herr)
	assert.Equal(t, errs.ErrorTypeNavigation, herr.Type)
}
