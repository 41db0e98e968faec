// Package httpserver exposes dashboards, panel data and ad-hoc queries over
// HTTP.
package httpserver

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/tinytelemetry/panels/internal/backup"
	"github.com/tinytelemetry/panels/internal/dashboard"
	"github.com/tinytelemetry/panels/internal/datasource"
	"github.com/tinytelemetry/panels/internal/duckdb"
	"github.com/tinytelemetry/panels/internal/frame"
	"github.com/tinytelemetry/panels/internal/model"
	"github.com/tinytelemetry/panels/internal/rangeutil"
	"github.com/tinytelemetry/panels/internal/runner"
)

// ArrowContentType is returned for ?format=arrow responses.
const ArrowContentType = "application/vnd.apache.arrow.stream"

// Dashboards is the dashboard service contract required by the API.
type Dashboards interface {
	List() []dashboard.Summary
	Get(uid string) (*dashboard.Dashboard, error)
	RefreshPanel(ctx context.Context, uid string, panelID int64) (*model.PanelData, error)
	PanelData(uid string, panelID int64) (*model.PanelData, error)
	CancelPanel(uid string, panelID int64) error
	Query(ctx context.Context, opts runner.QueryRunnerOptions) (*model.PanelData, error)
}

// DataSources lists the registered datasources.
type DataSources interface {
	List() []datasource.Info
}

// SampleStore reads stored samples.
type SampleStore interface {
	SampleCount(ctx context.Context) (int64, error)
	Metrics(ctx context.Context) ([]duckdb.MetricInfo, error)
}

// SampleSink accepts samples for asynchronous storage.
type SampleSink interface {
	Add(samples ...model.Sample) error
}

// Backups lists the local database snapshots.
type Backups interface {
	Snapshots() ([]backup.Manifest, error)
}

// Deps are the services behind the API. Samples, Sink and Backups may be
// nil, which disables their endpoints.
type Deps struct {
	Dashboards   Dashboards
	DataSources  DataSources
	Samples      SampleStore
	Sink         SampleSink
	Backups      Backups
	QueryTimeout time.Duration
	Logger       logrus.FieldLogger
}

// Server provides the HTTP API.
type Server struct {
	addr      string
	deps      Deps
	logger    logrus.FieldLogger
	server    *http.Server
	ctx       context.Context
	cancel    context.CancelFunc
	startTime time.Time
}

// NewServer creates a new HTTP API server.
func NewServer(addr string, deps Deps) *Server {
	if addr == "" {
		addr = "0.0.0.0:3000"
	}
	if deps.QueryTimeout <= 0 {
		deps.QueryTimeout = model.DefaultQueryTimeout
	}
	if deps.Logger == nil {
		deps.Logger = logrus.StandardLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:      addr,
		deps:      deps,
		logger:    deps.Logger.WithField("component", "http"),
		ctx:       ctx,
		cancel:    cancel,
		startTime: time.Now(),
	}
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	api := r.Group("/api")
	api.GET("/health", s.handleHealth)
	api.GET("/datasources", s.handleDataSources)
	api.GET("/dashboards", s.handleDashboards)
	api.GET("/dashboards/:uid", s.handleDashboard)
	api.POST("/dashboards/:uid/panels/:id/refresh", s.handleRefreshPanel)
	api.GET("/dashboards/:uid/panels/:id/data", s.handlePanelData)
	api.POST("/dashboards/:uid/panels/:id/cancel", s.handleCancelPanel)
	api.POST("/ds/query", s.handleQuery)
	api.GET("/metrics", s.handleMetrics)
	api.POST("/samples", s.handleSamples)
	api.GET("/backups", s.handleBackups)
	return r
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	gin.SetMode(gin.ReleaseMode)
	s.server = &http.Server{
		Handler:           s.routes(),
		BaseContext:       func(_ net.Listener) context.Context { return s.ctx },
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      s.deps.QueryTimeout + 30*time.Second,
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return errors.Wrapf(err, "http: listen on %s", s.addr)
	}
	s.startTime = time.Now()
	s.logger.WithField("addr", listener.Addr().String()).Info("http: listening")

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.WithError(err).Error("http: serve")
		}
	}()
	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop() error {
	s.cancel()
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	body := gin.H{
		"status":     "ok",
		"uptime":     time.Since(s.startTime).String(),
		"dashboards": len(s.deps.Dashboards.List()),
	}
	if s.deps.Samples != nil {
		n, err := s.deps.Samples.SampleCount(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read health metrics"})
			return
		}
		body["sample_count"] = n
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) handleDataSources(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.DataSources.List())
}

func (s *Server) handleDashboards(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Dashboards.List())
}

func (s *Server) handleDashboard(c *gin.Context) {
	d, err := s.deps.Dashboards.Get(c.Param("uid"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

func panelID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid panel id"})
		return 0, false
	}
	return id, true
}

func (s *Server) handleRefreshPanel(c *gin.Context) {
	id, ok := panelID(c)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), s.deps.QueryTimeout)
	defer cancel()

	data, err := s.deps.Dashboards.RefreshPanel(ctx, c.Param("uid"), id)
	if err != nil {
		s.fail(c, err)
		return
	}
	s.writeData(c, data)
}

func (s *Server) handlePanelData(c *gin.Context) {
	id, ok := panelID(c)
	if !ok {
		return
	}
	data, err := s.deps.Dashboards.PanelData(c.Param("uid"), id)
	if err != nil {
		s.fail(c, err)
		return
	}
	if data == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "panel has no result yet"})
		return
	}
	s.writeData(c, data)
}

func (s *Server) handleCancelPanel(c *gin.Context) {
	id, ok := panelID(c)
	if !ok {
		return
	}
	if err := s.deps.Dashboards.CancelPanel(c.Param("uid"), id); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cancelled"})
}

// QueryRequest is the body of POST /api/ds/query.
type QueryRequest struct {
	Datasource    string                 `json:"datasource"`
	Queries       []model.DataQuery      `json:"queries" binding:"required"`
	Range         rangeutil.RawTimeRange `json:"range"`
	Timezone      string                 `json:"timezone"`
	MaxDataPoints int                    `json:"maxDataPoints"`
	Interval      string                 `json:"interval"`
	ScopedVars    model.ScopedVars       `json:"scopedVars"`
}

// handleQuery runs an ad-hoc query.
func (s *Server) handleQuery(c *gin.Context) {
	var req QueryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body or missing queries field"})
		return
	}
	if req.Range.From == "" {
		req.Range.From = model.DefaultTimeRangeFrom
	}
	if req.Range.To == "" {
		req.Range.To = model.DefaultTimeRangeTo
	}
	tr, err := rangeutil.ParseTimeRange(req.Range, time.Now())
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), s.deps.QueryTimeout)
	defer cancel()

	data, err := s.deps.Dashboards.Query(ctx, runner.QueryRunnerOptions{
		Datasource:    req.Datasource,
		App:           model.CoreAppAPI,
		Queries:       req.Queries,
		Timezone:      req.Timezone,
		TimeRange:     tr,
		MaxDataPoints: req.MaxDataPoints,
		MinInterval:   req.Interval,
		ScopedVars:    req.ScopedVars,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	s.writeData(c, data)
}

func (s *Server) handleMetrics(c *gin.Context) {
	if s.deps.Samples == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "sample storage is disabled"})
		return
	}
	metrics, err := s.deps.Samples.Metrics(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	if metrics == nil {
		metrics = []duckdb.MetricInfo{}
	}
	c.JSON(http.StatusOK, metrics)
}

func (s *Server) handleBackups(c *gin.Context) {
	if s.deps.Backups == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "backups are disabled"})
		return
	}
	snaps, err := s.deps.Backups.Snapshots()
	if err != nil {
		s.fail(c, err)
		return
	}
	if snaps == nil {
		snaps = []backup.Manifest{}
	}
	c.JSON(http.StatusOK, snaps)
}

func (s *Server) handleSamples(c *gin.Context) {
	if s.deps.Sink == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "sample storage is disabled"})
		return
	}
	var samples []model.Sample
	if err := c.ShouldBindJSON(&samples); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body, want an array of samples"})
		return
	}
	for i, smp := range samples {
		if smp.Metric == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "sample " + strconv.Itoa(i) + " has no metric"})
			return
		}
	}
	if err := s.deps.Sink.Add(samples...); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"accepted": len(samples)})
}

// writeData answers with JSON, or with the series as an Arrow IPC stream
// when ?format=arrow is set.
func (s *Server) writeData(c *gin.Context, data *model.PanelData) {
	if c.Query("format") != "arrow" {
		c.JSON(http.StatusOK, data)
		return
	}
	c.Header("Content-Type", ArrowContentType)
	c.Header("X-Panel-State", string(data.State))
	if data.Error != nil {
		c.Header("X-Panel-Error", data.Error.Message)
	}
	c.Status(http.StatusOK)
	if err := frame.WriteArrowStream(c.Writer, data.Series); err != nil {
		s.logger.WithError(err).Error("http: write arrow stream")
	}
}

func (s *Server) fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, dashboard.ErrNotFound), errors.Is(err, dashboard.ErrPanelNotFound), errors.Is(err, datasource.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, runner.ErrRunAborted):
		status = http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}
	if status == http.StatusInternalServerError {
		s.logger.WithError(err).WithField("path", c.FullPath()).Error("http: request failed")
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
