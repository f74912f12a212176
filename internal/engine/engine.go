// Package engine supervises the scheduler's dispatch loop and the
// pulses it hands off for execution, owning the shutdown state machine
// that drains in-flight executions before the process exits.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/reubenjohn/reeve-bot/internal/executor"
	reeveotel "github.com/reubenjohn/reeve-bot/internal/otel"
	"github.com/reubenjohn/reeve-bot/internal/pulsestore"
	"github.com/reubenjohn/reeve-bot/internal/scheduler"
	"github.com/reubenjohn/reeve-bot/internal/sentinel"
	"github.com/reubenjohn/reeve-bot/internal/shared"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

// State is the engine's shutdown lifecycle position.
type State string

const (
	StateIdle     State = "idle"
	StateDraining State = "draining"
	StateStopped  State = "stopped"
)

const (
	defaultTaskTimeout      = 3600 * time.Second
	defaultDrainGracePeriod = 30 * time.Second
	sentinelCooldownSeconds = 1800
)

// Config holds the engine's dependencies.
type Config struct {
	Store         *pulsestore.Store
	Executor      *executor.Executor
	Sentinel      *sentinel.Service
	Logger        *slog.Logger
	DeskPath      string
	MaxConcurrent int
	PollInterval  time.Duration
	TaskTimeout   time.Duration
	Tracer        trace.Tracer
}

// Engine supervises the scheduler and the per-pulse executions it
// dispatches.
type Engine struct {
	store       *pulsestore.Store
	exec        *executor.Executor
	sentinel    *sentinel.Service
	logger      *slog.Logger
	deskPath    string
	taskTimeout time.Duration
	tracer      trace.Tracer

	scheduler *scheduler.Scheduler

	once sync.Once
	wg   sync.WaitGroup

	cancelMu sync.RWMutex
	cancels  map[int64]context.CancelFunc

	activeTasks atomic.Int32
	lastError   atomic.Pointer[string]
	state       atomic.Pointer[State]
}

// New builds an Engine. Unset durations fall back to spec defaults
// (10-minute task timeout).
func New(cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	taskTimeout := cfg.TaskTimeout
	if taskTimeout <= 0 {
		taskTimeout = defaultTaskTimeout
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(reeveotel.TracerName)
	}

	e := &Engine{
		store:       cfg.Store,
		exec:        cfg.Executor,
		sentinel:    cfg.Sentinel,
		logger:      logger,
		deskPath:    cfg.DeskPath,
		taskTimeout: taskTimeout,
		tracer:      tracer,
		cancels:     make(map[int64]context.CancelFunc),
	}
	idle := StateIdle
	e.state.Store(&idle)

	e.scheduler = scheduler.New(scheduler.Config{
		Store:         cfg.Store,
		Logger:        logger,
		MaxConcurrent: cfg.MaxConcurrent,
		PollInterval:  cfg.PollInterval,
		Dispatch:      e.handleDispatch,
	})
	return e
}

// Start begins the scheduler loop. Safe to call only once; subsequent
// calls are no-ops.
func (e *Engine) Start(ctx context.Context) {
	e.once.Do(func() {
		e.scheduler.Start(ctx)
		e.logger.Info("engine started")
	})
}

// Status reports the engine's current lifecycle state and load.
type Status struct {
	State       State
	ActiveTasks int32
	LastError   string
}

// Status returns a snapshot of the engine's current state.
func (e *Engine) Status() Status {
	st := StateIdle
	if p := e.state.Load(); p != nil {
		st = *p
	}
	var lastErr string
	if p := e.lastError.Load(); p != nil {
		lastErr = *p
	}
	return Status{
		State:       st,
		ActiveTasks: e.activeTasks.Load(),
		LastError:   lastErr,
	}
}

// Drain stops the scheduler from claiming new pulses and waits up to
// timeout for in-flight executions to finish on their own. Executions
// still running when the grace period elapses are force-cancelled.
func (e *Engine) Drain(timeout time.Duration) {
	if timeout <= 0 {
		timeout = defaultDrainGracePeriod
	}
	draining := StateDraining
	e.state.Store(&draining)
	e.logger.Info("engine draining", "grace_period", timeout, "active_tasks", e.activeTasks.Load())

	e.scheduler.Stop()

	done := make(chan struct{})
	go func() {
		for e.activeTasks.Load() > 0 {
			time.Sleep(50 * time.Millisecond)
		}
		close(done)
	}()

	select {
	case <-done:
		e.logger.Info("engine drained cleanly")
	case <-time.After(timeout):
		e.logger.Warn("engine drain timeout; force-cancelling in-flight pulses")
		e.cancelAll()
	}

	stopped := StateStopped
	e.state.Store(&stopped)
}

func (e *Engine) cancelAll() {
	e.cancelMu.RLock()
	defer e.cancelMu.RUnlock()
	for _, cancel := range e.cancels {
		cancel()
	}
}

func (e *Engine) registerCancel(pulseID int64, cancel context.CancelFunc) {
	e.cancelMu.Lock()
	defer e.cancelMu.Unlock()
	e.cancels[pulseID] = cancel
}

func (e *Engine) unregisterCancel(pulseID int64) {
	e.cancelMu.Lock()
	defer e.cancelMu.Unlock()
	delete(e.cancels, pulseID)
}

func (e *Engine) setLastError(err error) {
	msg := err.Error()
	e.lastError.Store(&msg)
}

// handleDispatch is the scheduler's DispatchFunc: it executes one claimed
// pulse and records its outcome in the store.
func (e *Engine) handleDispatch(schedCtx context.Context, pulse *pulsestore.Pulse) {
	spanCtx, span := reeveotel.StartSpan(schedCtx, e.tracer, "pulse.dispatch",
		reeveotel.AttrPulseID.Int64(pulse.ID),
		reeveotel.AttrPriority.String(string(pulse.Priority)),
	)
	defer span.End()

	traceID := shared.NewTraceID()
	if sc := trace.SpanContextFromContext(spanCtx); sc.HasTraceID() {
		traceID = sc.TraceID().String()
	}
	// bgCtx drops the scheduler loop's cancellation (so a Stop() mid-drain
	// doesn't abort a store write already in flight) while keeping the
	// trace/pulse id values for logging.
	bgCtx := shared.WithPulseID(shared.WithTraceID(context.WithoutCancel(spanCtx), traceID), pulse.ID)
	logger := e.logger.With("trace_id", traceID, "pulse_id", pulse.ID)

	execCtx, cancel := context.WithTimeout(bgCtx, e.taskTimeout)
	e.registerCancel(pulse.ID, cancel)
	e.activeTasks.Add(1)
	defer func() {
		cancel()
		e.unregisterCancel(pulse.ID)
		e.activeTasks.Add(-1)
	}()

	logger.Info("pulse execution starting", "priority", pulse.Priority)
	start := time.Now()

	result, err := e.exec.Execute(execCtx, executor.Params{
		Prompt:      pulse.Prompt,
		SessionID:   pulse.SessionID,
		WorkingDir:  e.deskPath,
		StickyNotes: pulse.StickyNotes,
	})
	durationMs := time.Since(start).Milliseconds()

	if err == nil {
		if markErr := e.store.MarkCompleted(bgCtx, pulse.ID, durationMs); markErr != nil {
			logger.Error("failed to mark pulse completed", "error", markErr)
			e.setLastError(markErr)
		}
		logger.Info("pulse execution completed", "duration_ms", durationMs)
		return
	}

	logger.Error("pulse execution failed", "error", err, "duration_ms", durationMs)
	e.setLastError(err)

	errMessage := err.Error()
	if result != nil && result.Stream.ErrorMessage != "" {
		errMessage = result.Stream.ErrorMessage
	}

	retryID, markErr := e.store.MarkFailed(bgCtx, pulse.ID, errMessage, true)
	if markErr != nil {
		logger.Error("failed to mark pulse failed", "error", markErr)
		e.setLastError(markErr)
		return
	}

	if retryID != 0 {
		logger.Info("pulse retry scheduled", "retry_pulse_id", retryID)
		return
	}

	if e.sentinel != nil {
		alertMsg := fmt.Sprintf("Pulse %d exhausted all retries: %s", pulse.ID, errMessage)
		e.sentinel.Alert(alertMsg, fmt.Sprintf("pulse_failed_%d", pulse.ID), sentinelCooldownSeconds)
	}
}
