// Package api serves the picostack HTTP front end: instance requests,
// image and flavour records, and Prometheus metrics.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ewiger/picostack/internal/lifecycle"
	"github.com/ewiger/picostack/internal/registry"
)

// Store is the registry surface the API reads and writes.
type Store interface {
	lifecycle.Store
	CreateInstance(inst *registry.Instance) error

	SaveImage(img *registry.Image) error
	GetImage(name string) (*registry.Image, error)
	ListImages() ([]*registry.Image, error)
	DeleteImage(name string) error

	SaveFlavour(fl *registry.Flavour) error
	GetFlavour(name string) (*registry.Flavour, error)
	ListFlavours() ([]*registry.Flavour, error)
	DeleteFlavour(name string) error
}

// Server is the HTTP front end.
type Server struct {
	store  Store
	log    *slog.Logger
	engine *gin.Engine
	http   *http.Server
	ln     net.Listener
}

// NewServer builds the router. gatherer may be nil to omit /metrics.
func NewServer(store Store, gatherer prometheus.Gatherer, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.CustomRecovery(recoveryLogger(log)))
	engine.Use(requestLogger(log))

	s := &Server{store: store, log: log, engine: engine}
	s.registerRoutes(gatherer)
	s.http = &http.Server{
		Handler:           engine,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) registerRoutes(gatherer prometheus.Gatherer) {
	r := s.engine
	r.GET("/ping", s.ping)

	v1 := r.Group("/v1")
	v1.GET("/instances", s.listInstances)
	v1.POST("/instances", s.createInstance)
	v1.GET("/instances/:name", s.getInstance)
	v1.POST("/instances/:name/:action", s.requestAction)

	v1.GET("/images", s.listImages)
	v1.POST("/images", s.saveImage)
	v1.DELETE("/images/:name", s.deleteImage)

	v1.GET("/flavours", s.listFlavours)
	v1.POST("/flavours", s.saveFlavour)
	v1.DELETE("/flavours/:name", s.deleteFlavour)

	if gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}
}

// Handler exposes the router, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.engine }

// Start listens on addr and serves in the background.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.ln = ln
	s.log.Info("api listening", "addr", ln.Addr().String())

	go func() {
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("api server stopped", "err", err)
		}
	}()
	return nil
}

// Addr returns the listen address once started.
func (s *Server) Addr() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func requestLogger(log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"latency", time.Since(start))
	}
}

func recoveryLogger(log *slog.Logger) gin.RecoveryFunc {
	return func(c *gin.Context, err any) {
		log.Error("handler panic", "method", c.Request.Method, "path", c.Request.URL.Path, "panic", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, response{Error: "internal error"})
	}
}
