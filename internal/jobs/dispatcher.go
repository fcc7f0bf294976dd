// Package jobs is the in-process asynchronous unit scheduler. Units are
// named handlers run by a bounded worker pool, optionally after a delay.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/taskforce/internal/otel"
	"github.com/basket/taskforce/internal/shared"
)

// UnitThink is the unit name of a reasoning pass.
const UnitThink = "think"

// Args identify the (task, agent) pair a unit works on.
type Args struct {
	TaskID  string
	AgentID string
	Trigger string
	Hop     int
	TraceID string
}

// Handler runs one unit.
type Handler func(ctx context.Context, args Args) error

// Scheduler is what producers of work depend on.
type Scheduler interface {
	Schedule(ctx context.Context, unit string, args Args, delay time.Duration) error
}

type Config struct {
	WorkerCount int
	QueueSize   int
	// UnitTimeout bounds each unit; 0 means no timeout.
	UnitTimeout time.Duration
	Logger      *slog.Logger
	Metrics     *otel.Metrics
}

type Status struct {
	WorkerCount int    `json:"worker_count"`
	Queued      int    `json:"queued"`
	Active      int32  `json:"active"`
	Completed   int64  `json:"completed"`
	Failed      int64  `json:"failed"`
	LastError   string `json:"last_error,omitempty"`
}

var (
	ErrQueueSaturated = errors.New("queue saturated: backpressure applied")
	ErrStopped        = errors.New("dispatcher stopped")
)

type job struct {
	unit string
	args Args
}

type Dispatcher struct {
	config Config
	logger *slog.Logger

	mu       sync.RWMutex
	handlers map[string]Handler
	timers   map[*time.Timer]struct{}
	stopped  bool

	queue chan job
	once  sync.Once
	wg    sync.WaitGroup

	active    atomic.Int32
	completed atomic.Int64
	failed    atomic.Int64
	lastError atomic.Pointer[string]
}

func New(cfg Config) *Dispatcher {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		config:   cfg,
		logger:   logger,
		handlers: map[string]Handler{},
		timers:   map[*time.Timer]struct{}{},
		queue:    make(chan job, cfg.QueueSize),
	}
}

// Register binds a handler to a unit name, replacing any previous one.
func (d *Dispatcher) Register(unit string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[unit] = h
}

// Schedule enqueues unit now, or after delay via a timer. Units scheduled
// before Start wait in the queue.
func (d *Dispatcher) Schedule(ctx context.Context, unit string, args Args, delay time.Duration) error {
	d.mu.RLock()
	_, known := d.handlers[unit]
	stopped := d.stopped
	d.mu.RUnlock()
	if stopped {
		return ErrStopped
	}
	if !known {
		return fmt.Errorf("schedule %s: no handler registered", unit)
	}
	if args.TraceID == "" {
		args.TraceID = shared.TraceID(shared.EnsureTraceID(ctx))
	}
	j := job{unit: unit, args: args}
	if delay <= 0 {
		return d.enqueue(j)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		d.mu.Lock()
		delete(d.timers, t)
		d.mu.Unlock()
		if err := d.enqueue(j); err != nil {
			d.setLastError(err)
			d.logger.Warn("delayed unit dropped", "unit", j.unit, "task_id", j.args.TaskID, "error", err)
		}
	})
	d.timers[t] = struct{}{}
	return nil
}

func (d *Dispatcher) enqueue(j job) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.stopped {
		return ErrStopped
	}
	select {
	case d.queue <- j:
		return nil
	default:
		d.logger.Warn("queue backpressure applied", "unit", j.unit, "task_id", j.args.TaskID, "depth", len(d.queue))
		return ErrQueueSaturated
	}
}

// Start launches the worker pool. Workers exit when ctx ends or Stop is called.
func (d *Dispatcher) Start(ctx context.Context) {
	d.once.Do(func() {
		for i := 0; i < d.config.WorkerCount; i++ {
			d.wg.Add(1)
			go func() {
				defer d.wg.Done()
				d.worker(ctx)
			}()
		}
	})
}

func (d *Dispatcher) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-d.queue:
			if !ok {
				return
			}
			d.run(ctx, j)
		}
	}
}

func (d *Dispatcher) run(ctx context.Context, j job) {
	d.mu.RLock()
	h := d.handlers[j.unit]
	d.mu.RUnlock()
	if h == nil {
		return
	}

	ctx = shared.WithTraceID(ctx, j.args.TraceID)
	ctx = shared.WithWakeHop(ctx, j.args.Hop)
	if j.args.TaskID != "" {
		ctx = shared.WithTaskID(ctx, j.args.TaskID)
	}
	if d.config.UnitTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.config.UnitTimeout)
		defer cancel()
	}

	d.active.Add(1)
	d.config.Metrics.JobsInFlightAdd(ctx, 1)
	defer func() {
		d.active.Add(-1)
		d.config.Metrics.JobsInFlightAdd(ctx, -1)
	}()

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("unit %s panicked: %v", j.unit, r)
			}
		}()
		return h(ctx, j.args)
	}()
	if err != nil {
		d.failed.Add(1)
		d.setLastError(err)
		d.logger.Error("unit failed", "unit", j.unit, "task_id", j.args.TaskID, "agent", j.args.AgentID,
			"trigger", j.args.Trigger, "trace_id", j.args.TraceID, "error", err)
		return
	}
	d.completed.Add(1)
}

// Stop cancels pending delayed units, stops intake and waits up to timeout
// for queued and running units to finish.
func (d *Dispatcher) Stop(timeout time.Duration) {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	for t := range d.timers {
		t.Stop()
	}
	d.timers = map[*time.Timer]struct{}{}
	close(d.queue)
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		d.logger.Info("dispatcher drained cleanly")
	case <-time.After(timeout):
		d.logger.Warn("dispatcher drain timeout; in-flight units abandoned", "timeout", timeout)
	}
}

func (d *Dispatcher) Status() Status {
	s := Status{
		WorkerCount: d.config.WorkerCount,
		Queued:      len(d.queue),
		Active:      d.active.Load(),
		Completed:   d.completed.Load(),
		Failed:      d.failed.Load(),
	}
	if ptr := d.lastError.Load(); ptr != nil {
		s.LastError = *ptr
	}
	return s
}

func (d *Dispatcher) setLastError(err error) {
	if err == nil {
		return
	}
	msg := err.Error()
	d.lastError.Store(&msg)
}
