// Package server exposes the registry, the aggregators and the content
// store over HTTP, and streams registry events to workers over a
// WebSocket feed.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"accord/internal/contentstore"
	acerrors "accord/internal/errors"
	"accord/internal/logging"
	"accord/internal/notify"
	"accord/internal/pricing"
	"accord/internal/quorum"
	"accord/internal/registry"
)

const maxContentBytes = 4 << 20

// Options configures the HTTP server.
type Options struct {
	Host         string
	Port         int
	EnableCORS   bool
	Debug        bool
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultOptions returns the development defaults.
func DefaultOptions() Options {
	return Options{
		Host:         "localhost",
		Port:         8080,
		EnableCORS:   true,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
}

// Server binds the domain components to the HTTP surface.
type Server struct {
	registry   *registry.Registry
	quorum     *quorum.Aggregator
	content    *contentstore.Store
	hub        *notify.Hub
	metrics    *metrics
	metricsSub *notify.Subscription

	engine     *gin.Engine
	httpServer *http.Server
	logger     logging.Logger
}

// New builds a server around the given components.
func New(opts Options, reg *registry.Registry, quorumAgg *quorum.Aggregator, content *contentstore.Store, hub *notify.Hub, logger logging.Logger) *Server {
	if !opts.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	if opts.EnableCORS {
		corsConfig := cors.DefaultConfig()
		corsConfig.AllowAllOrigins = true
		corsConfig.AllowMethods = []string{"GET", "POST", "DELETE", "OPTIONS"}
		corsConfig.AllowHeaders = []string{"Origin", "Content-Type"}
		corsConfig.AllowWebSockets = true
		engine.Use(cors.New(corsConfig))
	}

	promRegistry := prometheus.NewRegistry()
	s := &Server{
		registry:   reg,
		quorum:     quorumAgg,
		content:    content,
		hub:        hub,
		metrics:    newMetrics(promRegistry),
		metricsSub: hub.Subscribe(256),
		engine:     engine,
		logger:     logging.OrNop(logger),
	}
	go s.metrics.observe(s.metricsSub)

	s.routes(promRegistry)
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", opts.Host, opts.Port),
		Handler:      engine,
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: opts.WriteTimeout,
	}
	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	defer s.metricsSub.Close()
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server: listening on %s", s.httpServer.Addr)
		errCh <- s.httpServer.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return err
		}
		err := <-errCh
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) routes(promRegistry *prometheus.Registry) {
	s.engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	s.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{})))

	v1 := s.engine.Group("/v1")
	{
		v1.POST("/tasks", s.handleCreateTask)
		v1.GET("/tasks/:id", s.handleGetTask)
		v1.GET("/tasks/:id/status", s.handleTaskStatus)
		v1.GET("/tasks/:id/submissions", s.handleTaskSubmissions)
		v1.POST("/tasks/:id/submissions", s.handleSubmit)

		v1.POST("/quorum", s.handleCreateQuorum)
		v1.GET("/quorum/:id/results", s.handleQuorumResults)

		v1.GET("/workers", s.handleListWorkers)
		v1.POST("/workers", s.handleAddWorker)
		v1.DELETE("/workers/:handle", s.handleRemoveWorker)
		v1.GET("/workers/:handle", s.handleWorkerIndex)

		v1.POST("/content", s.handlePutContent)
		v1.GET("/content/:hash", s.handleGetContent)

		v1.GET("/events", s.handleEvents)
	}
}

func (s *Server) handleCreateTask(c *gin.Context) {
	var req createTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	payment, err := parsePayment(req.Payment)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	id, err := s.registry.CreateTask(req.Caller, req.Origin, payment, req.Spec, req.CallbackName, req.CallbackArgs)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, createTaskResponse{TaskID: id})
}

func (s *Server) handleGetTask(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	task, err := s.registry.GetTask(id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, taskToWire(task))
}

func (s *Server) handleTaskStatus(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	worker := c.Query("worker")
	if worker == "" {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "worker query parameter required"})
		return
	}
	status := s.registry.CheckStatus(id, worker)
	c.JSON(http.StatusOK, statusResponse{Status: status.String()})
}

func (s *Server) handleTaskSubmissions(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	subs, err := s.registry.Submissions(id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	out := submissionsResponse{Submissions: make([]submissionWire, 0, len(subs))}
	for _, sub := range subs {
		out.Submissions = append(out.Submissions, submissionWire{
			SlotIndex: sub.SlotIndex,
			Worker:    sub.Worker,
			Result:    sub.Result,
		})
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleSubmit(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	if err := s.registry.Submit(id, req.Worker, req.Result); err != nil {
		s.writeError(c, err)
		return
	}
	s.metrics.submissions.Inc()
	c.JSON(http.StatusAccepted, gin.H{"accepted": true})
}

func (s *Server) handleCreateQuorum(c *gin.Context) {
	var req createQuorumRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	payment, err := parsePayment(req.Payment)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	id, err := s.quorum.Create(quorum.Params{
		Origin:       req.Origin,
		Payment:      payment,
		ConfigRef:    req.Config,
		Inputs:       req.Input,
		Variants:     req.Variants,
		Threshold:    req.Threshold,
		Redundancy:   req.Redundancy,
		CallbackName: req.CallbackName,
		CallbackArgs: req.CallbackArgs,
		Flags: registry.Flags{
			ExtractTag:    req.ExtractTag,
			StoreOffchain: req.StoreOff,
		},
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, createQuorumResponse{QuorumID: id})
}

func (s *Server) handleQuorumResults(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	results, err := s.quorum.Results(id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, quorumResultsResponse{Results: results})
}

func (s *Server) handleListWorkers(c *gin.Context) {
	c.JSON(http.StatusOK, workersResponse{Workers: s.registry.Workers()})
}

func (s *Server) handleAddWorker(c *gin.Context) {
	var req workerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	if err := s.registry.AddWorker(req.Handle); err != nil {
		c.JSON(http.StatusConflict, errorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"added": req.Handle})
}

func (s *Server) handleRemoveWorker(c *gin.Context) {
	if err := s.registry.RemoveWorker(c.Param("handle")); err != nil {
		c.JSON(http.StatusNotFound, errorResponse{Error: err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleWorkerIndex(c *gin.Context) {
	index, total, err := s.registry.WorkerIndex(c.Param("handle"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, workerIndexResponse{Index: index, Total: total})
}

func (s *Server) handlePutContent(c *gin.Context) {
	data, err := io.ReadAll(io.LimitReader(c.Request.Body, maxContentBytes+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	if len(data) > maxContentBytes {
		c.JSON(http.StatusRequestEntityTooLarge, errorResponse{Error: "content too large"})
		return
	}
	hash, err := s.content.Put(c.Request.Context(), data)
	if err != nil {
		c.JSON(http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusCreated, contentResponse{Hash: hash})
}

func (s *Server) handleGetContent(c *gin.Context) {
	data, err := s.content.Get(c.Request.Context(), c.Param("hash"))
	if err != nil {
		c.JSON(http.StatusNotFound, errorResponse{Error: err.Error()})
		return
	}
	c.Data(http.StatusOK, "application/octet-stream", data)
}

// writeError maps the typed error taxonomy onto HTTP status codes.
func (s *Server) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case acerrors.IsValidation(err):
		status = http.StatusBadRequest
	case acerrors.IsInsufficientPayment(err):
		status = http.StatusPaymentRequired
	case acerrors.IsAuthorization(err):
		status = http.StatusForbidden
	case acerrors.IsDuplicateSubmission(err):
		status = http.StatusConflict
	case acerrors.IsNotFound(err):
		status = http.StatusNotFound
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("server: internal error: %v", err)
	}
	c.JSON(status, errorResponse{Error: err.Error()})
}

func pathID(c *gin.Context) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid id"})
		return 0, false
	}
	return id, true
}

func parsePayment(s string) (*big.Int, error) {
	if s == "" {
		return nil, nil
	}
	return pricing.ParseAmount(s)
}
