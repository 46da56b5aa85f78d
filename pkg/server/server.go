// Package server exposes a running or finished experiment over HTTP: the
// properties ledger, scores, coverage, unit status, catalog events and the
// Prometheus metrics of the process.
package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/openfroyo/benchlab/pkg/engine"
	"github.com/openfroyo/benchlab/pkg/lab"
	"github.com/openfroyo/benchlab/pkg/ledger"
	"github.com/openfroyo/benchlab/pkg/reports"
	"github.com/openfroyo/benchlab/pkg/scoring"
	"github.com/openfroyo/benchlab/pkg/stores"
	"github.com/openfroyo/benchlab/pkg/telemetry"
)

// Server serves one experiment. The ledger is loaded from the properties
// file and scored in memory; Reload swaps in a fresh copy.
type Server struct {
	lab    *lab.Lab
	tel    *telemetry.Telemetry
	logger *telemetry.Logger
	router *gin.Engine

	mu       sync.RWMutex
	store    *ledger.Store
	scores   *scoring.Result
	loadedAt time.Time
}

// UnitView is one unit as listed by the API.
type UnitView struct {
	ID         string            `json:"id"`
	Algorithm  string            `json:"algorithm"`
	Problem    string            `json:"problem"`
	Domain     string            `json:"domain"`
	Seed       int               `json:"seed"`
	Status     engine.UnitStatus `json:"status"`
	Attributes ledger.Attributes `json:"attributes,omitempty"`
}

// New loads the experiment's properties and builds the router.
func New(l *lab.Lab, tel *telemetry.Telemetry) (*Server, error) {
	if tel == nil {
		tel = telemetry.NopTelemetry()
	}
	s := &Server{
		lab:    l,
		tel:    tel,
		logger: tel.Logger.NewComponentLogger("server").WithExperiment(l.Experiment().ID),
	}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	s.router = s.setupRouter()
	return s, nil
}

// Handler returns the HTTP handler of the API.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Reload re-reads and re-scores the properties file.
func (s *Server) Reload() error {
	store, err := ledger.Load(s.lab.Experiment().PropertiesPath())
	if err != nil {
		return err
	}
	scores := s.lab.Score(store)

	s.mu.Lock()
	s.store = store
	s.scores = scores
	s.loadedAt = time.Now().UTC()
	s.mu.Unlock()

	for alg, score := range scores.Aggregates {
		s.tel.Metrics.SetAggregateScore(alg, score)
	}
	s.logger.Debugf("loaded %d units", len(store.IDs()))
	return nil
}

// ListenAndServe serves on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Infof("listening on %s", addr)
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
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) setupRouter() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	r.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Accept, Origin, Cache-Control")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	})

	r.GET("/healthz", s.health)
	r.GET("/metrics", gin.WrapH(s.tel.Metrics.Handler()))

	api := r.Group("/api")
	{
		api.GET("/experiment", s.experiment)
		api.GET("/status", s.status)
		api.GET("/properties", s.properties)
		api.GET("/scores", s.scoreTable)
		api.GET("/coverage", s.coverage)
		api.POST("/reload", s.reload)

		units := api.Group("/units")
		{
			units.GET("", s.listUnits)
			units.GET("/:id", s.getUnit)
		}

		api.GET("/events", s.events)
	}
	return r
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.WithFields(map[string]interface{}{
			"method":   c.Request.Method,
			"path":     c.Request.URL.Path,
			"status":   c.Writer.Status(),
			"duration": time.Since(start).String(),
		}).Debug("request")
	}
}

func (s *Server) health(c *gin.Context) {
	if catalog := s.lab.Catalog(); catalog != nil {
		if err := catalog.HealthCheck(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
			return
		}
	}
	s.mu.RLock()
	loadedAt := s.loadedAt
	s.mu.RUnlock()
	c.JSON(http.StatusOK, gin.H{"status": "ok", "loaded_at": loadedAt})
}

func (s *Server) experiment(c *gin.Context) {
	c.JSON(http.StatusOK, s.lab.Experiment())
}

func (s *Server) status(c *gin.Context) {
	st, err := s.lab.Status(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) properties(c *gin.Context) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c.JSON(http.StatusOK, s.store)
}

func (s *Server) scoreTable(c *gin.Context) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c.JSON(http.StatusOK, gin.H{
		"rows":       s.scores.Rows,
		"aggregates": s.scores.Aggregates,
		"degenerate": s.scores.Table.Degenerate(),
	})
}

func (s *Server) coverage(c *gin.Context) {
	s.mu.RLock()
	rows := s.store.Rows()
	s.mu.RUnlock()
	c.JSON(http.StatusOK, gin.H{"coverage": reports.Coverage(s.lab.Experiment(), rows)})
}

func (s *Server) reload(c *gin.Context) {
	if err := s.Reload(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	s.mu.RLock()
	n := len(s.store.IDs())
	s.mu.RUnlock()
	c.JSON(http.StatusOK, gin.H{"units": n})
}

// listUnits lists every expected unit, optionally filtered by the status
// and algorithm query parameters.
func (s *Server) listUnits(c *gin.Context) {
	status := c.Query("status")
	algorithm := c.Query("algorithm")
	if status != "" {
		if err := engine.UnitStatus(status).Validate(); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]UnitView, 0)
	for _, u := range s.lab.Units() {
		view := s.view(u, false)
		if status != "" && string(view.Status) != status {
			continue
		}
		if algorithm != "" && view.Algorithm != algorithm {
			continue
		}
		out = append(out, view)
	}
	c.JSON(http.StatusOK, gin.H{"units": out, "total": len(out)})
}

func (s *Server) getUnit(c *gin.Context) {
	id := c.Param("id")

	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.lab.Units() {
		if u.ID == id {
			c.JSON(http.StatusOK, s.view(u, true))
			return
		}
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "unit not found"})
}

// view must be called with s.mu held.
func (s *Server) view(u *engine.RunUnit, withAttrs bool) UnitView {
	v := UnitView{
		ID:        u.ID,
		Algorithm: u.Algorithm,
		Problem:   u.Problem.ID(),
		Domain:    u.Problem.Domain,
		Seed:      u.Seed,
		Status:    engine.UnitStatusPending,
	}
	attrs, ok := s.store.Get(u.ID)
	if !ok {
		return v
	}
	if st, ok := attrs.Str(ledger.AttrUnitStatus); ok && st != "" {
		v.Status = engine.UnitStatus(st)
	}
	if withAttrs {
		v.Attributes = attrs
	}
	return v
}

func (s *Server) events(c *gin.Context) {
	catalog := s.lab.Catalog()
	if catalog == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "catalog disabled"})
		return
	}

	q := stores.EventQuery{
		ExperimentID: s.lab.Experiment().ID,
		UnitID:       c.Query("unit"),
		Type:         c.Query("type"),
		Level:        stores.EventLevel(c.Query("level")),
		Limit:        100,
	}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		q.Limit = n
	}
	if v := c.Query("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid offset"})
			return
		}
		q.Offset = n
	}

	events, err := catalog.ListEvents(c.Request.Context(), q)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "total": len(events)})
}
