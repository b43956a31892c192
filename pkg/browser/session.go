package browser

import (
	"context"
	"fmt"
	"net/url"
	"sync"

	"imgharvest/pkg/config"
	errs "imgharvest/pkg/errors"
	"imgharvest/pkg/logger"
)

// EngineFactory builds a fresh engine for one session.
type EngineFactory func(cfg config.BrowserConfig) Engine

// Manager opens browser sessions positioned on an image search results page.
type Manager struct {
	cfg     config.BrowserConfig
	factory EngineFactory
	logger  logger.Logger
}

// NewManager creates a session manager backed by headless Chrome.
func NewManager(cfg config.BrowserConfig, log logger.Logger) *Manager {
	return NewManagerWithFactory(cfg, func(c config.BrowserConfig) Engine {
		return NewChromeEngine(c)
	}, log)
}

// NewManagerWithFactory creates a session manager with a custom engine
// factory. Used by tests to substitute a fake engine.
func NewManagerWithFactory(cfg config.BrowserConfig, factory EngineFactory, log logger.Logger) *Manager {
	if log == nil {
		log = logger.GetLogger()
	}
	return &Manager{
		cfg:     cfg,
		factory: factory,
		logger:  log,
	}
}

// Open launches a browser and navigates it to the search results page for
// query. On any failure the engine is torn down before returning, so a nil
// error is the only way a caller acquires a live browser process.
func (m *Manager) Open(ctx context.Context, query string) (*Session, error) {
	searchURL := fmt.Sprintf(m.cfg.SearchURLTemplate, url.QueryEscape(query))

	log := m.logger.WithFields(map[string]interface{}{
		"query": query,
		"url":   searchURL,
	})
	log.Debug("opening browser session")

	engine := m.factory(m.cfg)
	if err := engine.Start(ctx); err != nil {
		engine.Close()
		return nil, errs.Newf(errs.ErrorTypeLaunch, "failed to launch browser: %v", err)
	}

	navCtx := ctx
	if m.cfg.StartupTimeout > 0 {
		var cancel context.CancelFunc
		navCtx, cancel = context.WithTimeout(ctx, m.cfg.StartupTimeout)
		defer cancel()
	}
	// A page that never loads is a failed launch: the caller never had a
	// usable session. Navigation errors are reserved for live sessions.
	if err := engine.Navigate(navCtx, searchURL); err != nil {
		engine.Close()
		return nil, errs.Newf(errs.ErrorTypeLaunch, "failed to load search page: %v", err)
	}

	log.Info("browser session ready")
	return &Session{
		Query:     query,
		SearchURL: searchURL,
		engine:    engine,
		logger:    log,
	}, nil
}

// Session is a live browser positioned on a search results page.
type Session struct {
	Query     string
	SearchURL string

	engine    Engine
	logger    logger.Logger
	closeOnce sync.Once
	closeErr  error
}

// Engine exposes the session's browser engine.
func (s *Session) Engine() Engine {
	return s.engine
}

// Close releases the browser process. Idempotent; repeated calls return the
// first result.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.logger.Debug("closing browser session")
		s.closeErr = s.engine.Close()
	})
	return s.closeErr
}
