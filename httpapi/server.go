package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"signpost-index/engine"
)

const requestIDKey = "request_id"

type Config struct {
	Actors ActorResolver
	// Gatherer backs /metrics. Defaults to prometheus.DefaultGatherer.
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
}

// Server exposes the engine over HTTP/JSON.
type Server struct {
	eng      *engine.Engine
	actors   ActorResolver
	gatherer prometheus.Gatherer
	log      *slog.Logger
	router   *gin.Engine
}

func NewServer(eng *engine.Engine, cfg Config) *Server {
	s := &Server{
		eng:      eng,
		actors:   cfg.Actors,
		gatherer: cfg.Gatherer,
		log:      cfg.Logger,
	}
	if s.gatherer == nil {
		s.gatherer = prometheus.DefaultGatherer
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	s.router = s.routes()
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLog())

	r.GET("/healthz", s.health)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))

	v1 := r.Group("/v1")
	v1.GET("/index", s.getIndex)
	v1.GET("/index/history", s.indexHistory)
	v1.GET("/presets", s.listPresets)
	v1.GET("/signposts", s.listSignposts)
	v1.GET("/events/:id", s.getEvent)
	v1.GET("/links/:id", s.getLink)
	v1.GET("/review/queue", s.reviewQueue)
	v1.GET("/audit/:subject/:id", s.auditTrail)

	w := v1.Group("", RequireActor(s.actors))
	w.POST("/index/compute", s.computeIndex)
	w.POST("/presets", s.registerPreset)
	w.POST("/events", s.ingestEvent)
	w.POST("/events/:id/retract", s.retractEvent)
	w.POST("/links", s.proposeLink)
	w.POST("/review/links/:id/approve", s.approveLink)
	w.POST("/review/links/:id/reject", s.rejectLink)
	w.POST("/review/links/:id/flag", s.flagLink)
	return r
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(requestIDKey, id)
		c.Header("X-Request-ID", id)
		start := time.Now()
		c.Next()
		s.log.Debug("http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"actor", actorFrom(c),
			"request_id", id,
			"elapsed", time.Since(start),
		)
	}
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}
