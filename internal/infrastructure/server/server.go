// Package server wires the engine, bridge, store, and HTTP surface together.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apihttp "github.com/arbortabs/arbor/internal/api/http"
	"github.com/arbortabs/arbor/internal/api/middleware"
	"github.com/arbortabs/arbor/internal/api/ws"
	"github.com/arbortabs/arbor/internal/engine"
	"github.com/arbortabs/arbor/internal/infrastructure/config"
	"github.com/arbortabs/arbor/internal/infrastructure/logging"
	"github.com/arbortabs/arbor/internal/infrastructure/monitoring"
	"github.com/arbortabs/arbor/internal/infrastructure/resilience"
	"github.com/arbortabs/arbor/internal/store"
)

// Server wraps the HTTP server and its dependencies.
type Server struct {
	router  *gin.Engine
	engine  *engine.Engine
	bridge  *ws.Bridge
	store   store.Store
	logger  *logging.Logger
	config  *config.Config
	metrics *monitoring.Metrics
	httpSrv *http.Server
}

// NewServer creates a fully wired server instance.
func NewServer(cfg *config.Config) (*Server, error) {
	var logger *logging.Logger
	if cfg.Logging.Development {
		logger = logging.NewDevelopment()
	} else {
		logger = logging.NewDefault()
	}

	logger.Info("initializing arbor",
		zap.String("port", cfg.Server.Port),
		zap.String("store_path", cfg.Store.Path),
	)

	metrics := monitoring.NewMetrics()

	st, err := openStore(cfg, logger)
	if err != nil {
		return nil, err
	}

	bridge := ws.NewBridge(logger, metrics, cfg.Engine.HostCallTimeout)

	eng := engine.New(engine.Options{
		Config:   cfg.Engine,
		Log:      logger,
		Metrics:  metrics,
		Registry: bridge,
		Events:   bridge,
		Store:    st,
		Retry: resilience.Policy{
			MaxAttempts: cfg.Store.RetryAttempts,
			BaseDelay:   cfg.Store.RetryBackoff,
			MaxDelay:    10 * cfg.Store.RetryBackoff,
		},
	})

	if !cfg.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(monitoring.Middleware(metrics))
	router.Use(middleware.CORS(middleware.DefaultCORSConfig()))
	if cfg.RateLimit.Enabled {
		logger.Info("rate limiting enabled",
			zap.Int("rps", cfg.RateLimit.RequestsPerSecond),
			zap.Int("burst", cfg.RateLimit.Burst),
		)
		router.Use(middleware.RateLimit(middleware.RateLimitConfig{
			RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
			Burst:             cfg.RateLimit.Burst,
		}))
	}

	handlers := apihttp.NewHandlers(eng, logger)

	router.GET("/", handlers.Root)
	router.GET("/health", handlers.Health)
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	// Extension bridge.
	router.GET("/ws", func(c *gin.Context) {
		bridge.Handle(c.Writer, c.Request)
	})

	// Tree state.
	router.GET("/windows", handlers.ListWindows)
	router.GET("/windows/:windowId/tree", handlers.GetTree)

	// Gestures.
	router.POST("/drop", handlers.Drop)
	router.POST("/select", handlers.Select)
	router.POST("/duplicate", handlers.Duplicate)

	// Views.
	router.POST("/views", handlers.CreateView)
	router.DELETE("/windows/:windowId/views/:viewId", handlers.DeleteView)
	router.POST("/windows/:windowId/views/:viewId/activate", handlers.SwitchView)
	router.POST("/views/move", handlers.MoveToView)

	// Groups.
	router.POST("/groups", handlers.CreateGroup)
	router.DELETE("/windows/:windowId/groups/:groupId", handlers.DissolveGroup)
	router.POST("/windows/:windowId/groups/:groupId/toggle", handlers.ToggleGroup)

	// Tab info.
	router.GET("/tabs/:tabId/info", handlers.GetTabInfo)

	return &Server{
		router:  router,
		engine:  eng,
		bridge:  bridge,
		store:   st,
		logger:  logger,
		config:  cfg,
		metrics: metrics,
	}, nil
}

func openStore(cfg *config.Config, logger *logging.Logger) (store.Store, error) {
	st, err := store.OpenSQLite(cfg.Store.Path)
	if err != nil {
		// The engine can run without durability; recovery degrades on its
		// own when writes keep failing, but a store that cannot even open
		// starts degraded immediately.
		logger.Error("sqlite store unavailable, starting in-memory-only", zap.Error(err))
		return store.NewMemory(), nil
	}
	return st, nil
}

// Run starts the engine and serves HTTP until ctx is canceled.
func (s *Server) Run(ctx context.Context) error {
	if err := s.engine.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}

	addr := fmt.Sprintf("%s:%s", s.config.Server.Host, s.config.Server.Port)
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", zap.String("addr", addr))
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return s.shutdown()
	}
}

func (s *Server) shutdown() error {
	s.logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Warn("http shutdown", zap.Error(err))
	}
	s.bridge.Close()
	if err := s.engine.Stop(ctx); err != nil {
		s.logger.Warn("engine stop", zap.Error(err))
	}
	if err := s.store.Close(); err != nil {
		s.logger.Warn("store close", zap.Error(err))
	}
	return s.logger.Sync()
}
