// Package httpapi is the JSON API for schedules, posts and credits.
package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	rtsup "postpilot/internal/runtime/supervisor"
	logx "postpilot/pkg/logx"
)

type Config struct {
	Addr        string
	Mode        string // gin mode; empty leaves the process default
	Pprof       bool
	ReadTimeout time.Duration
}

type Server struct {
	cfg     Config
	log     logx.Logger
	handler http.Handler

	mu  sync.Mutex
	srv *http.Server
	sup *rtsup.Supervisor
}

func New(cfg Config, d Deps, auth *Authenticator, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = "127.0.0.1:8080"
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 15 * time.Second
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if cfg.Mode != "" {
		gin.SetMode(cfg.Mode)
	}
	s := &Server{cfg: cfg, log: log}
	s.handler = s.routes(d, auth)
	return s
}

// Handler is the full router, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) routes(d Deps, auth *Authenticator) *gin.Engine {
	h := &handlers{d: d, log: s.log}
	r := gin.New()
	r.Use(s.recovery(), s.accessLog())

	r.GET("/healthz", h.health)
	if s.cfg.Pprof {
		if isLoopbackAddr(s.cfg.Addr) {
			mountPprof(r.Group("/debug/pprof"))
		} else {
			s.log.Warn("pprof not mounted: api listens on a non-loopback address", logx.String("addr", s.cfg.Addr))
		}
	}

	v1 := r.Group("/v1", auth.middleware())
	{
		v1.POST("/posts/schedule", h.scheduleBatch)
		v1.GET("/posts", h.listPosts)
		v1.DELETE("/posts/:id", h.cancel)
		v1.PUT("/posts/:id/schedule", h.reschedule)
		v1.POST("/posts/:id/publish", h.publishNow)

		v1.GET("/credits", h.account)
		v1.GET("/credits/history", h.history)
		v1.GET("/credits/packages", h.packages)
	}
	return r
}

// Start binds the listener and serves in the background. A bind error is
// returned directly.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return nil
	}
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	srv := &http.Server{Handler: s.handler, ReadHeaderTimeout: s.cfg.ReadTimeout, ReadTimeout: s.cfg.ReadTimeout}
	sup := rtsup.New(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))
	sup.Go("http.serve", func(context.Context) error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("http api stopped serving", logx.Err(err))
			return err
		}
		return nil
	})
	s.srv, s.sup = srv, sup
	s.log.Info("http api started", logx.String("addr", ln.Addr().String()))
	return nil
}

// Stop drains in-flight requests until ctx ends, then closes.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv, sup := s.srv, s.sup
	s.srv, s.sup = nil, nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	err := srv.Shutdown(ctx)
	if err != nil {
		_ = srv.Close()
	}
	sup.Cancel()
	_ = sup.Wait(ctx)
	s.log.Info("http api stopped")
	return err
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := c.Writer.Status()
		fields := []logx.Field{
			logx.String("method", c.Request.Method),
			logx.String("path", c.Request.URL.Path),
			logx.Int("status", status),
			logx.Duration("took", time.Since(start)),
		}
		if status >= http.StatusInternalServerError {
			s.log.Warn("http request", fields...)
			return
		}
		s.log.Debug("http request", fields...)
	}
}

func (s *Server) recovery() gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, rec any) {
		s.log.Error("http handler panic",
			logx.String("path", c.Request.URL.Path),
			logx.Any("panic", rec),
			logx.Stack(logx.StackTrace(3, 32)),
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	})
}
