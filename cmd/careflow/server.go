package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/careflowhq/careflow/config"
	"github.com/careflowhq/careflow/engine"
	"github.com/careflowhq/careflow/graph"
	"github.com/careflowhq/careflow/internal/database"
	"github.com/careflowhq/careflow/internal/metrics"
	"github.com/careflowhq/careflow/internal/server"
	"github.com/careflowhq/careflow/internal/telemetry"
	"github.com/careflowhq/careflow/resilience"
	"github.com/careflowhq/careflow/types"
	"github.com/careflowhq/careflow/validation"
	"github.com/careflowhq/careflow/versioning"
	"github.com/careflowhq/careflow/webhook"
)

// Server wires the orchestration subsystems together and exposes the
// operational HTTP surface.
type Server struct {
	cfg        *config.Config
	configPath string
	logger     *zap.Logger
	otel       *telemetry.Provider

	collector *metrics.Collector
	bus       *resilience.EventBus
	breakers  *resilience.BreakerRegistry
	retryer   *resilience.Retryer

	checkpoints *resilience.CheckpointManager
	deadStore   resilience.DeadLetterStore
	deadLetters *resilience.DeadLetterQueue
	recovery    *resilience.RecoveryCoordinator
	analyzer    *resilience.PatternAnalyzer

	validator *validation.Validator
	engine    *engine.Engine
	versions  *versioning.Manager
	webhooks  *webhook.Queue

	redisClient *redis.Client
	pool        *database.PoolManager
	hotReload   *config.HotReloadManager

	httpManager    *server.Manager
	metricsManager *server.Manager

	busCtx    context.Context
	busCancel context.CancelFunc
	wg        sync.WaitGroup
}

// NewServer creates the daemon around a loaded config.
func NewServer(cfg *config.Config, configPath string, logger *zap.Logger, otel *telemetry.Provider) *Server {
	return &Server{
		cfg:        cfg,
		configPath: configPath,
		logger:     logger,
		otel:       otel,
	}
}

// Start builds every subsystem and brings up both listeners.
func (s *Server) Start() error {
	s.busCtx, s.busCancel = context.WithCancel(context.Background())

	if err := s.initComponents(); err != nil {
		return fmt.Errorf("init components: %w", err)
	}
	if err := s.initHotReload(); err != nil {
		return fmt.Errorf("init hot reload: %w", err)
	}
	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("start HTTP server: %w", err)
	}
	if err := s.startMetricsServer(); err != nil {
		return fmt.Errorf("start metrics server: %w", err)
	}

	s.logger.Info("careflow started",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
		zap.String("checkpoint_backend", s.cfg.Checkpoint.Backend),
		zap.String("versioning_backend", s.cfg.Versioning.Backend))
	return nil
}

func (s *Server) initComponents() error {
	s.collector = metrics.NewCollector("careflow", prometheus.DefaultRegisterer, s.logger)
	s.bus = resilience.NewEventBus(s.cfg.Resilience.EventBufferSize, s.logger)
	s.breakers = resilience.NewBreakerRegistry(s.cfg.Resilience.Breaker, s.bus, s.logger).
		WithMetrics(s.collector)
	s.retryer = resilience.NewRetryer(s.cfg.Resilience.Retry, s.logger).
		WithMetrics(s.collector)

	var checkpointStore resilience.CheckpointStore
	switch s.cfg.Checkpoint.Backend {
	case "redis":
		s.redisClient = redis.NewClient(&redis.Options{
			Addr:         s.cfg.Redis.Addr,
			Password:     s.cfg.Redis.Password,
			DB:           s.cfg.Redis.DB,
			PoolSize:     s.cfg.Redis.PoolSize,
			MinIdleConns: s.cfg.Redis.MinIdleConns,
		})
		checkpointStore = resilience.NewRedisCheckpointStore(
			s.redisClient, s.cfg.Checkpoint.Prefix, s.cfg.Checkpoint.TTL)
		s.deadStore = resilience.NewRedisDeadLetterStore(s.redisClient, s.cfg.Checkpoint.Prefix)
	default:
		checkpointStore = resilience.NewMemoryCheckpointStore()
		s.deadStore = resilience.NewMemoryDeadLetterStore()
	}
	s.checkpoints = resilience.NewCheckpointManager(checkpointStore, s.logger).
		WithMetrics(s.collector)
	s.deadLetters = resilience.NewDeadLetterQueue(s.deadStore, s.bus, s.logger).
		WithMetrics(s.collector)
	s.recovery = resilience.NewRecoveryCoordinator(
		resilience.DefaultRecoveryConfig(), s.retryer, s.checkpoints, s.deadLetters, s.bus, s.logger).
		WithMetrics(s.collector)
	s.analyzer = resilience.NewPatternAnalyzer(
		s.cfg.Resilience.Analyzer, &loggingActuator{logger: s.logger}, s.bus, s.logger)

	s.validator = validation.NewValidator(s.cfg.Validation, s.logger)
	s.engine = engine.NewEngine(s.validator, nil, s.logger).
		WithConfig(s.cfg.Engine).
		WithCheckpointer(s.checkpoints).
		WithMetrics(s.collector)

	var versionStore versioning.Store
	switch s.cfg.Versioning.Backend {
	case "database":
		db, err := database.Open(s.cfg.Database, s.logger)
		if err != nil {
			return fmt.Errorf("open version store database: %w", err)
		}
		poolCfg := database.DefaultPoolConfig()
		poolCfg.MaxOpenConns = s.cfg.Database.MaxOpenConns
		poolCfg.MaxIdleConns = s.cfg.Database.MaxIdleConns
		poolCfg.ConnMaxLifetime = s.cfg.Database.ConnMaxLifetime
		s.pool, err = database.NewPoolManager(db, poolCfg, s.logger)
		if err != nil {
			return fmt.Errorf("init database pool: %w", err)
		}
		if err := versioning.Migrate(s.pool.DB()); err != nil {
			return err
		}
		versionStore = versioning.NewGormStore(s.pool.DB()).
			WithTxRunner(func(ctx context.Context, fn func(tx *gorm.DB) error) error {
				return s.pool.WithTransactionRetry(ctx, 3, fn)
			})
	default:
		versionStore = versioning.NewMemoryStore()
	}
	s.versions = versioning.NewManager(versionStore, s.logger)

	s.webhooks = webhook.NewQueue(
		s.cfg.Webhook, &http.Client{Timeout: s.cfg.Server.WriteTimeout},
		s.breakers, s.deadLetters, s.logger).
		WithMetrics(s.collector)
	s.webhooks.Start(s.busCtx)

	s.wg.Add(1)
	go s.consumeEvents()
	return nil
}

// consumeEvents drains the resilience bus into the operator log.
func (s *Server) consumeEvents() {
	defer s.wg.Done()
	for {
		select {
		case <-s.busCtx.Done():
			return
		case ev := <-s.bus.Events():
			s.logger.Info("resilience event",
				zap.String("type", string(ev.Type)),
				zap.String("workflow_id", ev.WorkflowID),
				zap.String("run_id", ev.RunID),
				zap.Any("payload", ev.Payload))
		}
	}
}

func (s *Server) initHotReload() error {
	if s.configPath == "" {
		return nil
	}
	m, err := config.NewHotReloadManager(s.cfg, s.configPath,
		config.WithReloadLogger(s.logger))
	if err != nil {
		return err
	}
	m.OnReload(func(_, newConfig *config.Config) {
		s.cfg = newConfig
		s.logger.Info("configuration reloaded")
	})
	if err := m.Start(s.busCtx); err != nil {
		return err
	}
	s.hotReload = m
	return nil
}

func (s *Server) startHTTPServer() error {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleReady)
	mux.HandleFunc("GET /readyz", s.handleReady)
	mux.HandleFunc("GET /version", s.handleVersion)

	mux.HandleFunc("POST /api/v1/workflows/validate", s.handleValidate)
	mux.HandleFunc("POST /api/v1/workflows", s.handleCreateVersion)
	mux.HandleFunc("GET /api/v1/workflows/{id}/versions", s.handleListVersions)
	mux.HandleFunc("POST /api/v1/runs", s.handleExecute)
	mux.HandleFunc("GET /api/v1/resilience/breakers", s.handleBreakerStates)
	mux.HandleFunc("GET /api/v1/deadletters", s.handleDeadLetters)
	mux.HandleFunc("POST /api/v1/webhooks", s.handleEnqueueWebhook)

	handler := Chain(mux,
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		RequestLogger(s.logger),
	)

	s.httpManager = server.NewManager(handler, server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.HTTPPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		IdleTimeout:     2 * s.cfg.Server.ReadTimeout,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}, s.logger)
	return s.httpManager.Start()
}

func (s *Server) startMetricsServer() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	s.metricsManager = server.NewManager(mux, server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.MetricsPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}, s.logger)
	return s.metricsManager.Start()
}

// WaitForShutdown blocks until a signal arrives, then tears down.
func (s *Server) WaitForShutdown() {
	s.httpManager.WaitForShutdown()
	s.Shutdown()
}

// Shutdown stops every subsystem in dependency order.
func (s *Server) Shutdown() {
	s.logger.Info("starting graceful shutdown")
	ctx := context.Background()

	if s.hotReload != nil {
		s.hotReload.Stop()
	}
	if s.webhooks != nil {
		s.webhooks.Stop()
	}
	if s.httpManager != nil {
		s.httpManager.Shutdown(ctx)
	}
	if s.metricsManager != nil {
		s.metricsManager.Shutdown(ctx)
	}
	if s.busCancel != nil {
		s.busCancel()
	}
	s.wg.Wait()

	if s.redisClient != nil {
		if err := s.redisClient.Close(); err != nil {
			s.logger.Error("redis close error", zap.Error(err))
		}
	}
	if s.pool != nil {
		if err := s.pool.Close(); err != nil {
			s.logger.Error("database pool close error", zap.Error(err))
		}
	}
	if s.otel != nil {
		if err := s.otel.Shutdown(ctx); err != nil {
			s.logger.Error("telemetry shutdown error", zap.Error(err))
		}
	}
	s.logger.Info("graceful shutdown completed")
}

// --- handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.redisClient != nil {
		if err := s.redisClient.Ping(r.Context()).Err(); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "not ready", "reason": err.Error(),
			})
			return
		}
	}
	if s.pool != nil {
		if err := s.pool.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "not ready", "reason": err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"version":    Version,
		"build_time": BuildTime,
		"git_commit": GitCommit,
	})
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	var g graph.WorkflowGraph
	if err := json.NewDecoder(r.Body).Decode(&g); err != nil {
		writeError(w, http.StatusBadRequest, "invalid graph payload: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.validator.Validate(&g))
}

type createVersionRequest struct {
	Graph       *graph.WorkflowGraph `json:"graph"`
	Name        string               `json:"name,omitempty"`
	Description string               `json:"description,omitempty"`
	Author      string               `json:"author,omitempty"`
	Branch      string               `json:"branch,omitempty"`
	Tags        []string             `json:"tags,omitempty"`
}

func (s *Server) handleCreateVersion(w http.ResponseWriter, r *http.Request) {
	var req createVersionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}
	if req.Graph == nil || req.Graph.ID == "" {
		writeError(w, http.StatusBadRequest, "graph with an id is required")
		return
	}
	if result := s.validator.Validate(req.Graph); result.HasErrors() {
		writeJSON(w, http.StatusUnprocessableEntity, result)
		return
	}

	version, err := s.versions.CreateVersion(r.Context(), req.Graph.ID, req.Graph, versioning.CreateVersionOptions{
		Name:        req.Name,
		Description: req.Description,
		Author:      req.Author,
		Branch:      req.Branch,
		Tags:        req.Tags,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, version)
}

func (s *Server) handleListVersions(w http.ResponseWriter, r *http.Request) {
	versions, err := s.versions.GetWorkflowVersions(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, versions)
}

type executeRequest struct {
	Graph     *graph.WorkflowGraph `json:"graph"`
	Variables map[string]any       `json:"variables,omitempty"`
}

// handleExecute runs a posted graph synchronously. The daemon has no
// registered step executor, so agent and data nodes are rejected by
// the run; embedding applications supply their own.
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}
	if req.Graph == nil {
		writeError(w, http.StatusBadRequest, "graph is required")
		return
	}

	state, err := s.engine.Execute(r.Context(), req.Graph, req.Variables)
	if err == nil {
		writeJSON(w, http.StatusOK, map[string]any{"state": state})
		return
	}

	s.analyzer.Observe(r.Context(), err)
	if !types.IsRetryable(err) {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"state": state, "error": err.Error(),
		})
		return
	}

	failure := &resilience.Failure{
		Err:        err,
		WorkflowID: req.Graph.ID,
		Operation: func(ctx context.Context) error {
			st, execErr := s.engine.Execute(ctx, req.Graph, req.Variables)
			if execErr == nil {
				state = st
			}
			return execErr
		},
		Restart: func(ctx context.Context, checkpoint *engine.ExecutionState) error {
			st, execErr := s.engine.Resume(ctx, req.Graph, checkpoint)
			if execErr == nil {
				state = st
			}
			return execErr
		},
	}
	if state != nil {
		failure.RunID = state.RunID
	}

	outcome := s.recovery.Handle(r.Context(), failure)
	if outcome.Recovered {
		writeJSON(w, http.StatusOK, map[string]any{
			"state": state, "recovered": true, "strategy": outcome.Strategy,
		})
		return
	}
	writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
		"state":          state,
		"error":          err.Error(),
		"dead_letter_id": outcome.DeadLetterID,
	})
}

func (s *Server) handleBreakerStates(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.breakers.GetAllStates())
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	items, err := s.deadStore.ListUnresolved(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, items)
}

type enqueueWebhookRequest struct {
	Endpoint string            `json:"endpoint"`
	Payload  json.RawMessage   `json:"payload"`
	Headers  map[string]string `json:"headers,omitempty"`
	Cause    string            `json:"cause,omitempty"`
}

func (s *Server) handleEnqueueWebhook(w http.ResponseWriter, r *http.Request) {
	var req enqueueWebhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}
	id, err := s.webhooks.Enqueue(req.Endpoint, req.Payload, req.Headers, req.Cause)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": id})
}

// loggingActuator satisfies the self-healing boundary for deployments
// without an orchestrator hook: every action is logged for operators.
type loggingActuator struct {
	logger *zap.Logger
}

func (a *loggingActuator) Scale(_ context.Context, delta int) error {
	a.logger.Warn("self-healing requested scale", zap.Int("delta", delta))
	return nil
}

func (a *loggingActuator) Restart(_ context.Context, component string) error {
	a.logger.Warn("self-healing requested restart", zap.String("target", component))
	return nil
}

func (a *loggingActuator) ClearCache(_ context.Context) error {
	a.logger.Warn("self-healing requested cache clear")
	return nil
}

func (a *loggingActuator) ResetConnections(_ context.Context) error {
	a.logger.Warn("self-healing requested connection reset")
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
