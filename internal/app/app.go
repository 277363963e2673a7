// Package app wires together the lineage-tracing debugger's components
// into one process: the reference dataflow engine, the trace engine's
// three backward strategies and its forward strategy, the event-log
// reader/reporter, and the HTTP surface a caller drives a trace through.
package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"lineagetrace/internal/config"
	"lineagetrace/internal/engine"
	"lineagetrace/internal/metrics"
	"lineagetrace/pkg/dataset"
	"lineagetrace/pkg/dlq"
	apperrors "lineagetrace/pkg/errors"
	"lineagetrace/pkg/eventlog"
	"lineagetrace/pkg/task_manager"
	"lineagetrace/pkg/traceengine"
	"lineagetrace/pkg/tracing"
	"lineagetrace/pkg/workerpool"
)

// App is the main entry point: it owns the reference engine, the event log
// reader/reporter, the trace engine, and the HTTP API that exposes
// forward/backward trace queries and replay/checksum state to callers.
type App struct {
	config *config.Config
	logger *logrus.Logger

	engine *engine.Engine
	pool   *workerpool.WorkerPool

	datasetsMu sync.RWMutex
	datasets   map[int]dataset.Dataset

	deadLetter     *dlq.DeadLetterQueue
	reader         *eventlog.Reader
	reporter       *eventlog.EventReporter
	taskManager    task_manager.Manager
	tracingManager *tracing.EnhancedTracingManager

	metricsServer   *metrics.MetricsServer
	enhancedMetrics *metrics.EnhancedMetrics
	httpServer      *http.Server

	resultsMu sync.Mutex
	results   map[string]*traceResult

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// traceResult holds the outcome of a trace job submitted through the HTTP
// API, keyed by the same task id the task manager tracks; the status
// endpoint reports task_manager.Status while this holds the payload once
// the job's State moves off "running".
type traceResult struct {
	elements []dataset.Element
	err      error
}

// New loads and validates configFile, then initializes every component in
// dependency order: logging, the reference engine and its worker pool, the
// dead-letter queue and event-log reader, the process-wide event reporter,
// the trace-job task manager, tracing, and the HTTP/metrics servers.
func New(configFile string) (*App, error) {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger := logrus.New()
	level, err := logrus.ParseLevel(cfg.App.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	if cfg.App.LogFormat == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{})
	}

	ctx, cancel := context.WithCancel(context.Background())

	app := &App{
		config:   cfg,
		logger:   logger,
		datasets: make(map[int]dataset.Dataset),
		results:  make(map[string]*traceResult),
		ctx:      ctx,
		cancel:   cancel,
	}

	if err := app.initializeComponents(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to initialize components: %w", err)
	}

	return app, nil
}

func (app *App) initializeComponents() error {
	eng, err := engine.New(app.logger, workerpool.Config{MaxWorkers: app.config.Strategy.MaxWorkers})
	if err != nil {
		return fmt.Errorf("failed to start engine: %w", err)
	}
	app.engine = eng
	app.pool = eng.Pool()

	if app.config.DLQ.Enabled {
		app.deadLetter = dlq.NewDeadLetterQueue(dlq.Config{
			Enabled:       app.config.DLQ.Enabled,
			Directory:     app.config.DLQ.Directory,
			QueueSize:     app.config.DLQ.QueueSize,
			MaxFiles:      app.config.DLQ.MaxFiles,
			MaxFileSize:   app.config.DLQ.MaxFileSizeMB,
			RetentionDays: app.config.DLQ.RetentionDays,
		}, app.logger)
	}

	app.reader = eventlog.NewReader(eventlog.ReaderConfig{
		Path:            app.config.EventLog.Path,
		ChecksumEnabled: app.config.EventLog.ChecksumEnabled,
		Compression:     app.config.EventLog.Compression,
		ReadBufferSize:  app.config.EventLog.ReadBufferSize,
		CheckpointPath:  app.config.EventLog.CheckpointPath,
		FollowLive:      app.config.EventLog.FollowLive,
		PollInterval:    parseDurationOr(app.config.EventLog.PollInterval, time.Second),
	}, app.engine, app.deadLetter, app.logger)

	app.reporter = eventlog.NewEventReporter(eventlog.ReporterConfig{
		Kafka: eventlog.KafkaTransportConfig{
			Enabled:          app.config.Kafka.Enabled,
			Brokers:          app.config.Kafka.Brokers,
			Topic:            app.config.Kafka.Topic,
			ClientID:         app.config.Kafka.ClientID,
			CompressionCodec: app.config.Kafka.CompressionCodec,
			SASLEnabled:      app.config.Kafka.SASLEnabled,
			SASLMechanism:    app.config.Kafka.SASLMechanism,
			SASLUsername:     app.config.Kafka.SASLUsername,
			SASLPassword:     app.config.Kafka.SASLPassword,
		},
	}, app.logger)

	app.taskManager = task_manager.New(task_manager.Config{
		HeartbeatInterval: app.config.TaskRunner.HeartbeatInterval,
		TaskTimeout:       app.config.TaskRunner.TaskTimeout,
		CleanupInterval:   app.config.TaskRunner.CleanupInterval,
	}, app.logger)

	tracingMode := tracing.TracingMode(app.config.Tracing.Mode)
	if tracingMode == "" {
		tracingMode = tracing.ModeSystemOnly
	}
	tracingCfg := tracing.EnhancedTracingConfig{
		Enabled:        app.config.Tracing.Enabled,
		Mode:           tracingMode,
		ServiceName:    app.config.Tracing.ServiceName,
		Exporter:       app.config.Tracing.Exporter,
		Endpoint:       app.config.Tracing.Endpoint,
		LogTracingRate: app.config.Tracing.LogTracingRate,
	}
	if tracingMode == tracing.ModeHybrid {
		// Hybrid mode samples individual trace-engine calls rather than
		// every one; back that sampling with the adaptive sampler and
		// let callers dial up tracing on a misbehaving dataset on demand.
		tracingCfg.AdaptiveSampling = tracing.AdaptiveSamplingConfig{
			Enabled:          true,
			LatencyThreshold: 200 * time.Millisecond,
			SampleRate:       0.1,
			WindowSize:       time.Minute,
		}
		tracingCfg.OnDemand = tracing.OnDemandConfig{Enabled: true}
	}
	tracingManager, err := tracing.NewEnhancedTracingManager(tracingCfg, app.logger)
	if err != nil {
		return fmt.Errorf("failed to init tracing manager: %w", err)
	}
	app.tracingManager = tracingManager

	if app.config.Metrics.Enabled {
		app.metricsServer = metrics.NewMetricsServer(fmt.Sprintf(":%d", app.config.Metrics.Port), app.logger)
		app.enhancedMetrics = metrics.NewEnhancedMetrics(app.logger)
	}

	app.initHTTPServer()
	return nil
}

func parseDurationOr(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

// Start brings every background component up: the dead-letter queue, the
// event reporter (as master, since this process owns the driver-side
// trace state), an initial event-log replay if a log path is configured,
// metrics, and the HTTP API.
func (app *App) Start() error {
	app.logger.Info("starting lineage trace debugger")

	if app.deadLetter != nil {
		if err := app.deadLetter.Start(); err != nil {
			return fmt.Errorf("failed to start dead letter queue: %w", err)
		}
	}

	if err := app.reporter.Init(true); err != nil {
		return fmt.Errorf("failed to init event reporter: %w", err)
	}

	if app.config.EventLog.Path != "" {
		if _, err := os.Stat(app.config.EventLog.Path); err == nil {
			if err := app.reader.Replay(app.ctx); err != nil {
				app.logger.WithError(err).Warn("initial event log replay failed")
			}
			metrics.SetDatasetsRegistered(len(app.reader.Datasets()))
		}
		if app.config.EventLog.FollowLive {
			app.wg.Add(1)
			go func() {
				defer app.wg.Done()
				if err := app.reader.WatchAndReplay(app.ctx); err != nil && app.ctx.Err() == nil {
					app.logger.WithError(err).Error("live event log watch stopped")
				}
			}()
		}
	}

	if app.metricsServer != nil {
		if err := app.metricsServer.Start(); err != nil {
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
	}
	if app.enhancedMetrics != nil {
		if err := app.enhancedMetrics.Start(); err != nil {
			return fmt.Errorf("failed to start enhanced metrics: %w", err)
		}
	}

	if app.httpServer != nil {
		app.wg.Add(1)
		go func() {
			defer app.wg.Done()
			app.logger.WithField("addr", app.httpServer.Addr).Info("starting trace API server")
			if err := app.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				app.logger.WithError(err).Error("trace API server error")
			}
		}()
	}

	app.logger.Info("lineage trace debugger started")
	return nil
}

// Stop cancels the app context and shuts every component down in roughly
// the reverse order Start brought them up, logging but not failing on
// individual component shutdown errors.
func (app *App) Stop() error {
	app.logger.Info("stopping lineage trace debugger")
	app.cancel()

	if app.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		app.httpServer.Shutdown(ctx)
	}

	if app.enhancedMetrics != nil {
		if err := app.enhancedMetrics.Stop(); err != nil {
			app.logger.WithError(err).Error("failed to stop enhanced metrics")
		}
	}
	if app.metricsServer != nil {
		app.metricsServer.Stop()
	}

	if app.tracingManager != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := app.tracingManager.Shutdown(ctx); err != nil {
			app.logger.WithError(err).Error("failed to shutdown tracing manager")
		}
	}

	if err := app.reporter.Stop(); err != nil {
		app.logger.WithError(err).Error("failed to stop event reporter")
	}
	if app.deadLetter != nil {
		if err := app.deadLetter.Stop(); err != nil {
			app.logger.WithError(err).Error("failed to stop dead letter queue")
		}
	}

	app.taskManager.Cleanup()

	if err := app.engine.Close(); err != nil {
		app.logger.WithError(err).Error("failed to close engine")
	}

	app.wg.Wait()
	app.logger.Info("lineage trace debugger stopped")
	return nil
}

// Run starts the app and blocks until SIGINT/SIGTERM, then stops it.
func (app *App) Run() error {
	if err := app.Start(); err != nil {
		return err
	}
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	app.logger.Info("shutdown signal received")
	return app.Stop()
}

// RegisterDataset makes ds queryable by id through the trace API. The
// engine contract's datasets are ordinary Go values produced by whatever
// computation the caller built with app.Engine(); RegisterDataset is how
// that computation's sources and sinks become addressable by a trace
// request.
func (app *App) RegisterDataset(ds dataset.Dataset) {
	app.datasetsMu.Lock()
	defer app.datasetsMu.Unlock()
	app.datasets[ds.ID()] = ds
}

func (app *App) dataset(id int) (dataset.Dataset, bool) {
	app.datasetsMu.RLock()
	defer app.datasetsMu.RUnlock()
	ds, ok := app.datasets[id]
	return ds, ok
}

// Engine exposes the reference dataflow engine so a caller can build the
// dataset graph a trace will run against.
func (app *App) Engine() *engine.Engine { return app.engine }

// Reader exposes the event-log reader so a caller can inspect replayed
// dataset registrations or checksum mismatches directly.
func (app *App) Reader() *eventlog.Reader { return app.reader }

// elementMatch is the small comparison language the HTTP API exposes for
// building a traceengine.Predicate over opaque dataset elements: every
// element is compared by its fmt.Sprintf("%v", ...) form, the same
// convention pkg/traceengine's cross-stage join key uses.
type elementMatch struct {
	Mode  string `json:"mode"`  // "equals", "contains", "prefix"
	Value string `json:"value"`
}

func (m elementMatch) predicate() (traceengine.Predicate, error) {
	switch m.Mode {
	case "", "equals":
		return func(e dataset.Element) bool { return fmt.Sprintf("%v", e) == m.Value }, nil
	case "contains":
		return func(e dataset.Element) bool { return strings.Contains(fmt.Sprintf("%v", e), m.Value) }, nil
	case "prefix":
		return func(e dataset.Element) bool { return strings.HasPrefix(fmt.Sprintf("%v", e), m.Value) }, nil
	default:
		return nil, apperrors.ConfigError("elementMatch.predicate", fmt.Sprintf("unknown match mode %q", m.Mode))
	}
}

type traceRequest struct {
	SourceDatasetID int          `json:"source_dataset_id"`
	SinkDatasetID   int          `json:"sink_dataset_id"`
	Match           elementMatch `json:"match"`
	Strategy        string       `json:"strategy,omitempty"` // backward only
}

type submitResponse struct {
	TaskID string `json:"task_id"`
}

type traceResponse struct {
	Elements []string `json:"elements"`
	Count    int      `json:"count"`
	Error    string   `json:"error,omitempty"`
}

// submit registers a trace job under taskID with the task manager and
// returns immediately; run executes in its own goroutine and its outcome is
// stashed under taskID for a later GET /tasks/{id}/result. A heartbeat
// goroutine keeps the task manager's stall watchdog (cleanupTasks' TaskTimeout
// check) fed while run is still walking the dataflow graph, so a trace that
// legitimately takes longer than the configured timeout isn't mistaken for a
// stalled one.
func (app *App) submit(ctx context.Context, taskID string, run func(ctx context.Context) ([]dataset.Element, error)) error {
	return app.taskManager.StartTask(ctx, taskID, func(ctx context.Context) error {
		heartbeatCtx, stopHeartbeat := context.WithCancel(ctx)
		defer stopHeartbeat()
		go app.heartbeatTask(heartbeatCtx, taskID)

		elements, err := run(ctx)
		app.resultsMu.Lock()
		app.results[taskID] = &traceResult{elements: elements, err: err}
		app.resultsMu.Unlock()
		if err != nil {
			metrics.RecordLineageError("app", errCode(err))
		}
		return err
	})
}

// heartbeatTask calls taskManager.Heartbeat for taskID every
// HeartbeatInterval until ctx is cancelled, which submit does as soon as the
// wrapped run function returns.
func (app *App) heartbeatTask(ctx context.Context, taskID string) {
	interval := app.config.TaskRunner.HeartbeatInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := app.taskManager.Heartbeat(taskID); err != nil {
				return
			}
		}
	}
}

// instrumented wraps run in a span named name, recording its duration and
// any error on the span before returning run's result unchanged.
func (app *App) instrumented(ctx context.Context, name string, run func(ctx context.Context) ([]dataset.Element, error)) ([]dataset.Element, error) {
	var elements []dataset.Element
	fn := tracing.NewInstrumentedFunction(app.tracingManager.GetTracer(), name)
	err := fn.Execute(ctx, func(tc *tracing.TraceableContext) error {
		var runErr error
		elements, runErr = run(tc.Context())
		return runErr
	})
	return elements, err
}

func (app *App) initHTTPServer() {
	if !app.config.Server.Enabled {
		return
	}

	router := mux.NewRouter()
	router.HandleFunc("/health", app.handleHealth).Methods("GET")
	router.HandleFunc("/trace/forward", app.handleForward).Methods("POST")
	router.HandleFunc("/trace/backward", app.handleBackward).Methods("POST")
	router.HandleFunc("/replay/mismatches", app.handleMismatches).Methods("GET")
	router.HandleFunc("/tasks", app.handleTasks).Methods("GET")
	router.HandleFunc("/tasks/{task_id}/status", app.handleTaskStatus).Methods("GET")
	router.HandleFunc("/tasks/{task_id}/result", app.handleTaskResult).Methods("GET")

	app.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", app.config.Server.Host, app.config.Server.Port),
		Handler:      router,
		ReadTimeout:  parseDurationOr(app.config.Server.ReadTimeout, 30*time.Second),
		WriteTimeout: parseDurationOr(app.config.Server.WriteTimeout, 30*time.Second),
	}
}

func (app *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (app *App) handleForward(w http.ResponseWriter, r *http.Request) {
	var req traceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	source, ok := app.dataset(req.SourceDatasetID)
	if !ok {
		http.Error(w, fmt.Sprintf("unknown dataset id %d", req.SourceDatasetID), http.StatusNotFound)
		return
	}
	sink, ok := app.dataset(req.SinkDatasetID)
	if !ok {
		http.Error(w, fmt.Sprintf("unknown dataset id %d", req.SinkDatasetID), http.StatusNotFound)
		return
	}
	predicate, err := req.Match.predicate()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	taskID := fmt.Sprintf("forward-%d-%d-%d", req.SourceDatasetID, req.SinkDatasetID, time.Now().UnixNano())
	err = app.submit(r.Context(), taskID, func(ctx context.Context) ([]dataset.Element, error) {
		return app.instrumented(ctx, "traceForward", func(ctx context.Context) ([]dataset.Element, error) {
			return traceengine.TraceForward(ctx, app.engine, app.pool, source, predicate, sink)
		})
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(submitResponse{TaskID: taskID})
}

func (app *App) handleBackward(w http.ResponseWriter, r *http.Request) {
	var req traceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	source, ok := app.dataset(req.SourceDatasetID)
	if !ok {
		http.Error(w, fmt.Sprintf("unknown dataset id %d", req.SourceDatasetID), http.StatusNotFound)
		return
	}
	sink, ok := app.dataset(req.SinkDatasetID)
	if !ok {
		http.Error(w, fmt.Sprintf("unknown dataset id %d", req.SinkDatasetID), http.StatusNotFound)
		return
	}
	predicate, err := req.Match.predicate()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	strategyName := req.Strategy
	if strategyName == "" {
		strategyName = app.config.Strategy.DefaultBackward
	}
	strategy, err := traceengine.ParseStrategy(strategyName)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	taskID := fmt.Sprintf("backward-%d-%d-%d", req.SourceDatasetID, req.SinkDatasetID, time.Now().UnixNano())
	err = app.submit(r.Context(), taskID, func(ctx context.Context) ([]dataset.Element, error) {
		return app.instrumented(ctx, "traceBackward."+strategy.String(), func(ctx context.Context) ([]dataset.Element, error) {
			return traceengine.TraceBackward(ctx, app.engine, app.pool, source, predicate, sink, strategy)
		})
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(submitResponse{TaskID: taskID})
}

func (app *App) handleMismatches(w http.ResponseWriter, r *http.Request) {
	mismatches := app.reader.Verifier().Mismatches()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(mismatches)
}

func (app *App) handleTasks(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(app.taskManager.GetAllTasks())
}

func (app *App) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	taskID := mux.Vars(r)["task_id"]
	if taskID == "" {
		http.Error(w, "task_id is required", http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(app.taskManager.GetTaskStatus(taskID))
}

// handleTaskResult returns the trace result stashed for a completed task.
// Callers should poll /tasks/{task_id}/status until State is no longer
// "running" before fetching the result.
func (app *App) handleTaskResult(w http.ResponseWriter, r *http.Request) {
	taskID := mux.Vars(r)["task_id"]
	if taskID == "" {
		http.Error(w, "task_id is required", http.StatusBadRequest)
		return
	}

	status := app.taskManager.GetTaskStatus(taskID)
	if status.State == "not_found" {
		http.Error(w, fmt.Sprintf("unknown task %q", taskID), http.StatusNotFound)
		return
	}
	if status.State == "running" {
		http.Error(w, "task is still running", http.StatusAccepted)
		return
	}

	app.resultsMu.Lock()
	result, ok := app.results[taskID]
	app.resultsMu.Unlock()

	resp := traceResponse{}
	if !ok {
		resp.Error = "no result recorded for this task"
	} else if result.err != nil {
		resp.Error = result.err.Error()
	} else {
		resp.Elements = make([]string, len(result.elements))
		for i, e := range result.elements {
			resp.Elements[i] = fmt.Sprintf("%v", e)
		}
		resp.Count = len(result.elements)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func errCode(err error) string {
	if te, ok := apperrors.As(err); ok {
		return te.Code
	}
	return "unknown"
}
