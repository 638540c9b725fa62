// Package server exposes a read-only HTTP API over run state: health,
// run summaries, agent trust and Prometheus metrics.
package server

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/bdarlt/vors-ting/internal/metrics"
	"github.com/bdarlt/vors-ting/internal/store"
	"github.com/bdarlt/vors-ting/internal/trust"
)

// Server serves the read API.
type Server struct {
	router    *gin.Engine
	store     *store.Store
	engine    *trust.Engine
	collector *metrics.Collector
	log       *logrus.Logger
}

// New builds the server and its routes. Store and collector may be nil;
// the corresponding endpoints then return 404 or are not mounted.
func New(s *store.Store, engine *trust.Engine, collector *metrics.Collector, log *logrus.Logger) *Server {
	if log == nil {
		log = logrus.New()
	}
	gin.SetMode(gin.ReleaseMode)
	srv := &Server{
		router:    gin.New(),
		store:     s,
		engine:    engine,
		collector: collector,
		log:       log,
	}
	srv.setupRoutes()
	return srv
}

func (s *Server) setupRoutes() {
	s.router.Use(gin.Recovery())

	s.router.GET("/healthz", s.health)
	api := s.router.Group("/api/v1")
	{
		api.GET("/runs/:id", s.getRun)
		api.GET("/runs/:id/rounds", s.getRounds)
		api.GET("/agents", s.getAgents)
	}
	if s.collector != nil {
		s.router.GET("/metrics", gin.WrapH(s.collector.Handler()))
	}
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe blocks serving on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	httpSrv := &http.Server{Addr: addr, Handler: s.router}
	errCh := make(chan error, 1)
	go func() {
		errCh <- httpSrv.ListenAndServe()
	}()
	s.log.WithField("addr", addr).Info("HTTP API listening")
	select {
	case <-ctx.Done():
		return httpSrv.Shutdown(context.Background())
	case err := <-errCh:
		return err
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) getRun(c *gin.Context) {
	if s.store == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no store configured"})
		return
	}
	summary, err := s.store.Metrics.Summary(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (s *Server) getRounds(c *gin.Context) {
	if s.store == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no store configured"})
		return
	}
	rounds, err := s.store.Metrics.RoundsForRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.log.WithError(err).Error("Failed to load rounds")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load rounds"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"run_id": c.Param("id"), "rounds": rounds})
}

// agentView is the API shape of one agent's trust state.
type agentView struct {
	Name           string       `json:"name"`
	Roles          []trust.Role `json:"roles"`
	Trust          float64      `json:"trust"`
	Participations int          `json:"participations"`
	Dissents       int          `json:"dissents"`
	Overrides      int          `json:"overrides"`
	Eligible       bool         `json:"da_eligible"`
}

func (s *Server) getAgents(c *gin.Context) {
	if s.engine == nil {
		c.JSON(http.StatusOK, gin.H{"agents": []agentView{}})
		return
	}
	records := s.engine.Snapshot()
	views := make([]agentView, 0, len(records))
	for _, rec := range records {
		views = append(views, agentView{
			Name:           rec.Name,
			Roles:          rec.Roles,
			Trust:          rec.Trust,
			Participations: rec.Participations,
			Dissents:       len(rec.Dissents) + rec.DissentAgg.Count,
			Overrides:      len(rec.Overrides) + rec.OverrideAgg.Count,
			Eligible:       s.engine.Eligible(rec.Name),
		})
	}
	c.JSON(http.StatusOK, gin.H{"agents": views})
}
