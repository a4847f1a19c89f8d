// Package main provides the pool service entry point
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"github.com/taskmesh/pool/internal/platform/config"
	"github.com/taskmesh/pool/internal/platform/logger"
	"github.com/taskmesh/pool/internal/platform/metrics"
	"github.com/taskmesh/pool/internal/platform/telemetry"
	"github.com/taskmesh/pool/internal/pool"
	"github.com/taskmesh/pool/pkg/middleware"
)

const serviceName = "pool-service"

func main() {
	cfg, err := config.Load(serviceName)
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	log := logger.New(cfg.Logger)
	log.Info("starting pool service", "port", cfg.HTTP.Port)

	tel, err := telemetry.New(telemetry.Config{
		ServiceName:    serviceName,
		JaegerEndpoint: cfg.Telemetry.JaegerEndpoint,
		MetricsEnabled: cfg.Telemetry.MetricsEnabled,
		TracingEnabled: cfg.Telemetry.TracingEnabled,
	})
	if err != nil {
		log.Fatal("failed to initialize telemetry", "error", err)
	}
	defer tel.Close()

	m := metrics.NewMetrics(serviceName)

	manager := pool.NewUnifiedManager(cfg, m, log)
	registerDemoWorkers(manager)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := manager.Start(ctx); err != nil {
		log.Fatal("failed to start pool manager", "error", err)
	}

	srv := &server{manager: manager, log: log, metrics: m}

	router := mux.NewRouter()
	srv.registerRoutes(router)

	var handler http.Handler = router
	handler = middleware.RecoveryWithLogger(log)(handler)
	handler = m.HTTPMetricsMiddleware()(handler)
	handler = logger.HTTPMiddleware(log)(handler)
	handler = middleware.CORS(middleware.DefaultCORSConfig())(handler)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      handler,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("http server error", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down pool service")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	manager.Shutdown(shutdownCtx)
	_ = httpServer.Shutdown(shutdownCtx)
}

// registerDemoWorkers wires a sample capability tag so the service is
// immediately useful: "compute" runs in-process.
func registerDemoWorkers(manager *pool.UnifiedManager) {
	_ = manager.RegisterWorker(pool.WorkerSourceRegistration{
		Tag: "compute",
		Source: pool.WorkerSourceRef{
			Kind: pool.SourceGoroutine,
			Body: echoWorkerBody,
		},
		MinWorkers: 2,
		MaxWorkers: 8,
	})
	_ = manager.RegisterOperation("echo", "compute")
}

// echoWorkerBody is a minimal in-process worker: it reflects the task
// payload back as the result, useful for exercising the dispatcher and
// HTTP surface without any domain-specific logic.
func echoWorkerBody(ctx context.Context, in <-chan pool.Message, out chan<- pool.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-in:
			if !ok {
				return
			}
			if msg.Action == "cancel" {
				continue
			}
			out <- pool.Message{TaskID: msg.TaskID, Status: "completed", Result: msg.Data}
		}
	}
}

type server struct {
	manager *pool.UnifiedManager
	log     logger.Logger
	metrics *metrics.Metrics
}

func (s *server) registerRoutes(r *mux.Router) {
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/tasks", s.handleSubmit).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/tasks/{id}", s.handleGetTask).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/tasks/{id}", s.handleCancelTask).Methods(http.MethodDelete)
	r.HandleFunc("/api/v1/pools/{tag}/stats", s.handlePoolStats).Methods(http.MethodGet)
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":  "healthy",
		"service": serviceName,
	})
}

type submitRequest struct {
	Operation string      `json:"operation"`
	Payload   interface{} `json:"payload"`
	Priority  string      `json:"priority"`
}

func (s *server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	task := pool.NewTask("", req.Operation, req.Payload)
	task.Priority = parsePriority(req.Priority)

	if err := s.manager.SubmitTask(r.Context(), task); err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}

	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"taskId": task.ID,
		"status": task.Status,
	})
}

func (s *server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	task, err := s.manager.Dispatch.GetTaskStatus(id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	json.NewEncoder(w).Encode(task)
}

func (s *server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.manager.CancelTask(id); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handlePoolStats(w http.ResponseWriter, r *http.Request) {
	tag := mux.Vars(r)["tag"]
	stats := s.manager.Stats()
	stat, ok := stats[tag]
	if !ok {
		http.Error(w, "pool not found", http.StatusNotFound)
		return
	}
	json.NewEncoder(w).Encode(stat)
}

func parsePriority(s string) pool.Priority {
	switch s {
	case "critical":
		return pool.PriorityCritical
	case "high":
		return pool.PriorityHigh
	case "low":
		return pool.PriorityLow
	case "background":
		return pool.PriorityBackground
	default:
		return pool.PriorityNormal
	}
}
