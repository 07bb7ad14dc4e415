package server

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/benrben/agentpriinter/pkg/auth"
	"github.com/benrben/agentpriinter/pkg/devtools"
	"github.com/benrben/agentpriinter/pkg/history"
	"github.com/benrben/agentpriinter/pkg/templates"
	"github.com/benrben/agentpriinter/pkg/ui"
)

// Server ties the delivery manager to its HTTP surface: the socket
// endpoint, the stream endpoint, the polling pair, metrics, and health.
type Server struct {
	config   *Config
	manager  *Manager
	registry *prometheus.Registry
	devtools *devtools.Panel
	pages    *templates.Store
	proxies  *proxyMatcher
	logger   *slog.Logger

	authHook    auth.Hook
	versionHook VersionHook
	pageFunc    PageProvider

	httpServer *http.Server
}

// New creates a Server with the given configuration.
func New(config *Config) (*Server, error) {
	config = config.withDefaults()
	logger := slog.Default().With("component", "server")

	var store history.Store
	if config.HistoryPath != "" {
		var err error
		store, err = history.OpenSQLiteStore(config.HistoryPath)
		if err != nil {
			return nil, err
		}
		logger.Info("history persisted to sqlite", "path", config.HistoryPath)
	}

	promReg := prometheus.NewRegistry()
	panel := devtools.NewPanel(devtools.DefaultCapacity)
	proxies := newProxyMatcher(config.TrustedProxies, logger)

	manager := NewManager(config, &ManagerOptions{
		History:    store,
		Registerer: promReg,
		DevTools:   panel,
		Logger:     slog.Default(),
	})

	s := &Server{
		config:   config,
		manager:  manager,
		registry: promReg,
		devtools: panel,
		proxies:  proxies,
		logger:   logger,
	}

	if config.TemplateDir != "" {
		pages, err := templates.NewStore(config.TemplateDir, slog.Default())
		if err != nil {
			return nil, err
		}
		if config.WatchTemplates {
			if err := pages.Watch(); err != nil {
				return nil, err
			}
		}
		s.pages = pages
		s.pageFunc = func() *ui.Page { return pages.Index() }
	}

	return s, nil
}

// Manager returns the delivery manager for broadcast and handler wiring.
func (s *Server) Manager() *Manager {
	return s.manager
}

// SetAuthHook installs the connection admission predicate. Must be called
// before Run.
func (s *Server) SetAuthHook(hook auth.Hook) {
	s.authHook = hook
}

// SetVersionHook installs the version negotiation function. Must be called
// before Run.
func (s *Server) SetVersionHook(hook VersionHook) {
	s.versionHook = hook
}

// SetPageProvider overrides the initial page snapshot source. Must be
// called before Run.
func (s *Server) SetPageProvider(p PageProvider) {
	s.pageFunc = p
}

// Handler builds the HTTP routing surface.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	ws := NewWebSocketHandler(s.manager, s.authHook, s.versionHook, s.pageFunc, s.proxies, slog.Default())
	stream := NewStreamHandler(s.manager, s.authHook, s.proxies, slog.Default())
	poll := NewPollHandler(s.manager, s.proxies, slog.Default())

	r.Handle("/ws", ws)
	r.Handle("/stream", stream)
	r.Get("/poll/{session_id}", poll.Poll)
	r.Post("/send/{session_id}", poll.Send)

	r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "server": "agentprinter-go"})
	})
	r.Get("/devtools", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"stats":  s.devtools.Stats(),
			"events": s.devtools.Snapshot(),
		})
	})
	return r
}

// Run starts the server and blocks until shutdown.
func (s *Server) Run() error {
	s.httpServer = &http.Server{
		Addr:         s.config.Address,
		Handler:      s.Handler(),
		WriteTimeout: 0, // streaming responses manage their own deadlines
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server starting", "address", s.config.Address)
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != http.ErrServerClosed {
			return err
		}
		return nil
	case <-shutdown:
		s.logger.Info("shutting down...")
		return s.Shutdown(context.Background())
	}
}

// Shutdown gracefully stops the server: in-flight requests drain, pending
// patches flush, connections close, the history store closes.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.logger.Error("http shutdown error", "error", err)
		}
	}
	if s.pages != nil {
		s.pages.Close()
	}
	if err := s.manager.Close(); err != nil {
		s.logger.Error("manager shutdown error", "error", err)
		return err
	}
	s.logger.Info("server shutdown complete")
	return nil
}
