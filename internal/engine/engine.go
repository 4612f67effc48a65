package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/ioccore/internal/callback"
	"github.com/roach88/ioccore/internal/device"
	"github.com/roach88/ioccore/internal/link"
	"github.com/roach88/ioccore/internal/monitor"
	"github.com/roach88/ioccore/internal/rec/calcout"
	"github.com/roach88/ioccore/internal/rec/positioner"
	"github.com/roach88/ioccore/internal/rec/wait"
	"github.com/roach88/ioccore/internal/record"
	"github.com/roach88/ioccore/internal/store"
)

// eventBatch caps the events written per transaction.
const eventBatch = 256

// Engine owns a database and the services that drive it: the callback
// workers, the timer service, the periodic scanners and the event-log
// writer.
//
// Thread-safety model:
//   - Start, Run and Close: call once each, in that order
//   - Database(), Settle(), Flush(): safe from any goroutine
//   - the event writer is the only goroutine writing to the store
type Engine struct {
	db     *Database
	clk    clock.Clock
	pool   *callback.Pool
	timers *callback.Timers
	logger *slog.Logger

	store  *store.Store
	seq    *Sequence
	runIDs RunIDGenerator
	runID  string
	source string
	events *callback.Queue[store.Event]
	flush  sync.Mutex

	mu      sync.Mutex
	started bool

	// set by options before the database is built
	workers    int
	types      *record.TypeRegistry
	devices    *device.Registry
	remote     link.Provider
	recorder   record.Recorder
	observers  []monitor.Observer
	lenient    bool
	delayLimit time.Duration
	checkEvery time.Duration
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock sets the clock used by timers, scanners and timestamps.
// Tests pass a *clock.Mock.
func WithClock(c clock.Clock) Option {
	return func(e *Engine) { e.clk = c }
}

// WithWorkers sets the number of callback workers.
func WithWorkers(n int) Option {
	return func(e *Engine) { e.workers = n }
}

// WithStore enables the event log.
func WithStore(s *store.Store) Option {
	return func(e *Engine) { e.store = s }
}

// WithRunIDGenerator replaces the UUIDv7 run ids.
func WithRunIDGenerator(g RunIDGenerator) Option {
	return func(e *Engine) { e.runIDs = g }
}

// WithSource names the record database in the run row.
func WithSource(source string) Option {
	return func(e *Engine) { e.source = source }
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r record.Recorder) Option {
	return func(e *Engine) { e.recorder = r }
}

// WithRemote sets the provider for channels that are not local records.
func WithRemote(p link.Provider) Option {
	return func(e *Engine) { e.remote = p }
}

// WithObserver adds an observer of every monitor post.
func WithObserver(o monitor.Observer) Option {
	return func(e *Engine) { e.observers = append(e.observers, o) }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithLenient logs logic errors instead of panicking.
func WithLenient(lenient bool) Option {
	return func(e *Engine) { e.lenient = lenient }
}

// WithDelayLimit caps ODLY.
func WithDelayLimit(d time.Duration) Option {
	return func(e *Engine) { e.delayLimit = d }
}

// WithCheckInterval sets the link tracker re-check period.
func WithCheckInterval(d time.Duration) Option {
	return func(e *Engine) { e.checkEvery = d }
}

// WithDevices replaces the device support registry.
func WithDevices(r *device.Registry) Option {
	return func(e *Engine) { e.devices = r }
}

// WithTypes replaces the record type registry.
func WithTypes(tr *record.TypeRegistry) Option {
	return func(e *Engine) { e.types = tr }
}

// DefaultTypes returns a registry with the built-in record types.
func DefaultTypes() *record.TypeRegistry {
	tr := record.NewTypeRegistry()
	calcout.Register(tr)
	wait.Register(tr)
	positioner.Register(tr)
	return tr
}

// New builds the database described by defs. Configuration errors do not
// fail New; they are reported by Database().Errors().
func New(defs []record.Def, opts ...Option) *Engine {
	e := &Engine{
		clk:    clock.New(),
		logger: slog.Default(),
		seq:    NewSequence(),
		runIDs: UUIDv7Generator{},
		events: callback.NewQueue[store.Event](),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.types == nil {
		e.types = DefaultTypes()
	}

	e.pool = callback.NewPool(callback.WithWorkers(e.workers), callback.WithLogger(e.logger))
	e.timers = callback.NewTimers(e.clk, e.pool)
	e.runID = e.runIDs.Generate()

	env := &record.Env{
		Clock:         e.clk,
		Jobs:          e.pool,
		Timers:        e.timers,
		Devices:       e.devices,
		Recorder:      e.recorder,
		Logger:        e.logger,
		Lenient:       e.lenient,
		DelayLimit:    e.delayLimit,
		CheckInterval: e.checkEvery,
	}
	if e.store != nil {
		env.Forward = e
	}
	e.db = NewDatabase(defs, e.types, env, e.remote)
	for _, o := range e.observers {
		e.db.Observe(o)
	}
	if e.store != nil {
		e.db.Observe(e)
	}
	return e
}

// Database returns the engine's database.
func (e *Engine) Database() *Database { return e.db }

// RunID returns the id stamped on this run's events.
func (e *Engine) RunID() string { return e.runID }

// Clock returns the engine clock.
func (e *Engine) Clock() clock.Clock { return e.clk }

// Pool returns the callback pool.
func (e *Engine) Pool() *callback.Pool { return e.pool }

// Timers returns the timer service.
func (e *Engine) Timers() *callback.Timers { return e.timers }

// Start writes the run row and processes PINI records. It does not start
// any goroutine; Run does.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return &RuntimeError{Code: ErrCodeAlreadyStarted, Message: "engine already started"}
	}
	e.started = true
	e.mu.Unlock()

	if e.store != nil {
		run := store.Run{
			ID:        e.runID,
			StartedAt: e.clk.Now(),
			Source:    e.source,
			Records:   len(e.db.Names()),
		}
		if err := e.store.WriteRun(ctx, run); err != nil {
			return &RuntimeError{Code: ErrCodeEventLog, Message: "cannot record run", Err: err}
		}
	}
	n := e.db.ProcessPINI()
	e.logger.Info("engine started",
		"run", e.runID,
		"records", len(e.db.Names()),
		"errors", len(e.db.Errors()),
		"pini", n,
	)
	return nil
}

// Run starts the workers, the scanners and the event writer and blocks
// until ctx is cancelled. Start is called first if it has not been.
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	started := e.started
	e.mu.Unlock()
	if !started {
		if err := e.Start(ctx); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.pool.Run(gctx) })
	for _, period := range e.db.Periods() {
		g.Go(func() error { return e.scan(gctx, period) })
	}
	if e.store != nil {
		g.Go(func() error { return e.writeEvents(gctx) })
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		err = nil
	}
	e.logger.Info("engine stopped", "run", e.runID)
	return err
}

// Settle drains due timers and queued jobs on the calling goroutine. It is
// meant for a mock clock with Run not started.
func (e *Engine) Settle(timeout time.Duration) bool {
	return callback.Settle(e.timers, e.pool, timeout)
}

// Close tears down the database, stops the services and writes any events
// still queued.
func (e *Engine) Close() error {
	e.db.Close()
	e.timers.CancelAll()
	e.pool.Close()
	err := e.Flush(context.Background())
	e.events.Close()
	return err
}

// OnFieldChanged queues a post for the event log.
func (e *Engine) OnFieldChanged(p monitor.Post) {
	e.events.Enqueue(store.Event{
		RunID:    e.runID,
		Kind:     store.KindPost,
		Record:   p.Record,
		Field:    p.Field,
		Mask:     p.Mask.String(),
		Value:    p.Value,
		Severity: p.Severity.String(),
		Status:   p.Status.String(),
		Time:     p.Time,
	})
}

// OnForwardLink queues a forward-link traversal for the event log.
func (e *Engine) OnForwardLink(from, to string) {
	e.events.Enqueue(store.Event{
		RunID:  e.runID,
		Kind:   store.KindForward,
		Record: from,
		Field:  "FLNK",
		Value:  to,
		Time:   e.clk.Now(),
	})
}

func (e *Engine) writeEvents(ctx context.Context) error {
	for {
		if err := e.Flush(ctx); err != nil {
			e.logger.Error("event log write failed", "run", e.runID, "err", err)
		}
		select {
		case <-ctx.Done():
			// Drain what is left with a fresh context.
			return e.Flush(context.Background())
		case <-e.events.Wait():
		}
	}
}

// Flush writes the queued events, stamping each with the next seq. Events
// keep their queue order.
func (e *Engine) Flush(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	e.flush.Lock()
	defer e.flush.Unlock()

	for {
		batch := make([]store.Event, 0, eventBatch)
		for len(batch) < eventBatch {
			ev, ok := e.events.TryDequeue()
			if !ok {
				break
			}
			ev.Seq = e.seq.Next()
			batch = append(batch, ev)
		}
		if len(batch) == 0 {
			return nil
		}
		if err := e.store.WriteEvents(ctx, batch); err != nil {
			return &RuntimeError{Code: ErrCodeEventLog, Message: "cannot write events", Err: err}
		}
	}
}
