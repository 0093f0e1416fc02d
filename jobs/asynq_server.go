package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"
	"golang.org/x/sync/errgroup"

	"github.com/marginscout/marginscout/internal/platform/httpx"
)

// Worker runs one Asynq server per lane plus the optional scheduler. Lanes
// keep slow lookups from starving job submission.
type Worker struct {
	lanes     []lane
	mux       *asynq.ServeMux
	scheduler *asynq.Scheduler
	logger    *slog.Logger
}

type lane struct {
	name   string
	server *asynq.Server
}

// TaskHandler allows injecting custom Asynq handlers during worker setup.
type TaskHandler struct {
	Type    string
	Handler asynq.HandlerFunc
}

// CronRegistration wires a cron expression to a prepared task.
type CronRegistration struct {
	Spec    string
	Task    *asynq.Task
	Options []asynq.Option
}

// WorkerConfig collects dependencies required to bootstrap the worker.
type WorkerConfig struct {
	RedisOpts         asynq.RedisConnOpt
	Logger            *slog.Logger
	SubmitConcurrency int
	LookupConcurrency int
	ShutdownTimeout   time.Duration
	Handlers          []TaskHandler
	Cron              []CronRegistration
}

// LaneQueues maps each lane to the queues (and priorities) it serves.
var LaneQueues = map[string]map[string]int{
	"submit": {QueueSubmit: 3, QueueMaintenance: 1},
	"lookup": {QueueLookup: 1},
}

// NewWorker constructs a Worker instance.
func NewWorker(cfg WorkerConfig) (*Worker, error) {
	if cfg.RedisOpts == nil {
		return nil, errors.New("worker: redis options required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	concurrency := map[string]int{
		"submit": max(cfg.SubmitConcurrency, 1),
		"lookup": max(cfg.LookupConcurrency, 1),
	}

	mux := asynq.NewServeMux()
	for _, h := range cfg.Handlers {
		if h.Type == "" || h.Handler == nil {
			continue
		}
		mux.HandleFunc(h.Type, h.Handler)
	}

	w := &Worker{mux: mux, logger: logger}
	for _, name := range []string{"submit", "lookup"} {
		laneLogger := logger.With(slog.String("lane", name))
		srv := asynq.NewServer(cfg.RedisOpts, asynq.Config{
			Concurrency:     concurrency[name],
			Queues:          LaneQueues[name],
			ShutdownTimeout: cfg.ShutdownTimeout,
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				laneLogger.Warn("task failed", slog.String("type", task.Type()), slog.Any("error", err))
			}),
		})
		w.lanes = append(w.lanes, lane{name: name, server: srv})
	}

	if len(cfg.Cron) > 0 {
		w.scheduler = asynq.NewScheduler(cfg.RedisOpts, &asynq.SchedulerOpts{Location: time.UTC})
		for _, entry := range cfg.Cron {
			if entry.Spec == "" || entry.Task == nil {
				continue
			}
			if _, err := w.scheduler.Register(entry.Spec, entry.Task, entry.Options...); err != nil {
				return nil, fmt.Errorf("worker: register %s: %w", entry.Task.Type(), err)
			}
		}
	}
	return w, nil
}

// Run starts every lane and blocks until ctx is cancelled, then drains them.
func (w *Worker) Run(ctx context.Context) error {
	if w == nil {
		return errors.New("worker: not configured")
	}
	if w.scheduler != nil {
		if err := w.scheduler.Start(); err != nil {
			return err
		}
	}
	started := make([]lane, 0, len(w.lanes))
	for _, l := range w.lanes {
		if err := l.server.Start(w.mux); err != nil {
			w.shutdown(started)
			return fmt.Errorf("worker: start %s lane: %w", l.name, err)
		}
		started = append(started, l)
		w.logger.Info("worker lane started", slog.String("lane", l.name))
	}
	<-ctx.Done()
	w.shutdown(started)
	return ctx.Err()
}

func (w *Worker) shutdown(lanes []lane) {
	var g errgroup.Group
	for _, l := range lanes {
		g.Go(func() error {
			l.server.Shutdown()
			w.logger.Info("worker lane stopped", slog.String("lane", l.name))
			return nil
		})
	}
	if w.scheduler != nil {
		g.Go(func() error {
			w.scheduler.Shutdown()
			return nil
		})
	}
	_ = g.Wait()
}

type queueInspector interface {
	GetQueueInfo(queue string) (*asynq.QueueInfo, error)
}

// Handler exposes HTTP endpoints for job observability.
type Handler struct {
	inspector queueInspector
	logger    *slog.Logger
}

// QueueHealth is the per-queue summary served by the health endpoint.
type QueueHealth struct {
	Queue     string `json:"queue"`
	Size      int    `json:"size"`
	Pending   int    `json:"pending"`
	Active    int    `json:"active"`
	Retry     int    `json:"retry"`
	Archived  int    `json:"archived"`
	Paused    bool   `json:"paused"`
	Latency   string `json:"latency"`
	Processed int    `json:"processed_today"`
	Failed    int    `json:"failed_today"`
}

// NewHandler constructs an HTTP handler for jobs endpoints.
func NewHandler(inspector *asynq.Inspector, logger *slog.Logger) *Handler {
	h := &Handler{logger: logger}
	if inspector != nil {
		h.inspector = inspector
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	return h
}

// MountRoutes attaches job routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/health", h.health)
}

// QueueStats summarizes every queue the lanes serve.
func QueueStats(inspector queueInspector) ([]QueueHealth, error) {
	queues := []string{QueueSubmit, QueueLookup, QueueMaintenance}
	out := make([]QueueHealth, 0, len(queues))
	for _, q := range queues {
		info, err := inspector.GetQueueInfo(q)
		if errors.Is(err, asynq.ErrQueueNotFound) {
			out = append(out, QueueHealth{Queue: q, Latency: "0s"})
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("jobs: inspect queue %s: %w", q, err)
		}
		out = append(out, QueueHealth{
			Queue:     info.Queue,
			Size:      info.Size,
			Pending:   info.Pending,
			Active:    info.Active,
			Retry:     info.Retry,
			Archived:  info.Archived,
			Paused:    info.Paused,
			Latency:   info.Latency.String(),
			Processed: info.Processed,
			Failed:    info.Failed,
		})
	}
	return out, nil
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	if h.inspector == nil {
		httpx.JSON(w, http.StatusOK, map[string]any{"queues": []QueueHealth{}})
		return
	}
	stats, err := QueueStats(h.inspector)
	if err != nil {
		h.logger.Warn("jobs health", slog.Any("error", err))
		httpx.Problem(w, http.StatusServiceUnavailable, "Service Unavailable", "queue backend unreachable")
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"queues": stats})
}
