// Package checkpoint implements the Checkpoint Manager: the central
// quiescent barrier that periodically swaps the "current" checkpoint,
// asks every consumer to flush the state it owns as of that
// checkpoint, then persists a super-block recording the new durable
// frontier (spec.md §4.6).
//
// Grounded on the original implementation's cp_mgr.cpp for the
// RCU-swap / entry-count / last-exiter-starts-flush protocol; the
// force-flush shared-future dedup is built on
// golang.org/x/sync/singleflight the way the original shares one
// promise among concurrent forcers, and the per-consumer flush fan-out
// on golang.org/x/sync/errgroup the way the teacher fans out
// compaction work across sstables.
package checkpoint

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/blockvault/storeengine/errs"
	"github.com/blockvault/storeengine/internal/base"
	"github.com/blockvault/storeengine/internal/future"
	"github.com/blockvault/storeengine/internal/ioqueue"
)

// Consumer is anything the Checkpoint Manager coordinates a flush
// barrier across: a log store family, a future cache layer, etc.
type Consumer interface {
	// Name uniquely identifies this consumer for progress tracking and
	// logging.
	Name() string
	// OnSwitchoverCP is called inside the RCU critical section when old
	// is retired in favor of new; it returns new's opaque context for
	// this consumer.
	OnSwitchoverCP(old, new *CP) interface{}
	// CPFlush durably flushes this consumer's dirty state referenced by
	// cp. Any error is treated as fatal (spec.md §4.6 Failure
	// semantics).
	CPFlush(ctx context.Context, cp *CP) error
	// CPCleanup releases any resources cp's context held, called after
	// every consumer's CPFlush has completed and the super-block is
	// persisted.
	CPCleanup(cp *CP)
	// ProgressPercent reports this consumer's flush progress for cp, in
	// [0, 100], sampled by the watchdog.
	ProgressPercent(cp *CP) int
	// RepairSlowCP is invoked once per consumer whose progress has
	// stalled, before the watchdog's hard ceiling is reached.
	RepairSlowCP(cp *CP)
}

// PersistSuperBlock writes the CP super-block after a successful flush.
// Implemented by the meta-block service in production; injected here so
// this package does not import it directly.
type PersistSuperBlock func(sb SuperBlock) error

// Options configures a Manager.
type Options struct {
	Persist         PersistSuperBlock
	Logger          base.Logger
	WatchdogPeriod  time.Duration // sample period; 0 disables the watchdog
	StallRepairMult int           // K: repair triggers after K * WatchdogPeriod with no progress
	StallFatalMult  int           // hard ceiling, in multiples of WatchdogPeriod
}

// Manager is the Checkpoint Manager.
type Manager struct {
	mu        sync.Mutex // guards consumers slice and the RCU swap itself
	consumers []Consumer

	current  atomic.Pointer[CP]
	flushing atomic.Pointer[CP] // the CP actually in StateFlushPrepare/StateFlushing, for the watchdog
	nextID   atomic.Uint64

	inFlight     atomic.Bool
	sf           singleflight.Group
	backToBack   atomic.Bool
	pendingFlush chan *future.Future[bool] // set while backToBack is armed; finishFlush publishes the re-triggered flush's future here

	persist PersistSuperBlock
	logger  base.Logger
	ioq     *ioqueue.Queue

	watchdogPeriod  time.Duration
	stallRepair     int
	stallFatal      int
	stopWatchdog    chan struct{}
	watchdogStopped chan struct{}

	lastFlushedCPID atomic.Uint64
}

// New starts a Manager with an initial CP of id 1 in StateIoReady, ready
// for consumers to register and for its first trigger_cp_flush.
func New(o Options) *Manager {
	logger := o.Logger
	if logger == nil {
		logger = base.DefaultLogger{}
	}
	stallRepair := o.StallRepairMult
	if stallRepair <= 0 {
		stallRepair = 4
	}
	stallFatal := o.StallFatalMult
	if stallFatal <= 0 {
		stallFatal = 12
	}

	m := &Manager{
		persist:        o.Persist,
		logger:         logger,
		ioq:            ioqueue.New(1, 16),
		watchdogPeriod: o.WatchdogPeriod,
		stallRepair:    stallRepair,
		stallFatal:     stallFatal,
	}
	init := &CP{id: 1, state: StateIoReady, contexts: make(map[string]interface{}), progress: make(map[string]int)}
	m.current.Store(init)
	m.nextID.Store(2)

	if m.watchdogPeriod > 0 {
		m.stopWatchdog = make(chan struct{})
		m.watchdogStopped = make(chan struct{})
		go m.watchdogLoop()
	}
	return m
}

// Register adds a consumer. Must happen before any trigger_cp_flush
// that should include it.
func (m *Manager) Register(c Consumer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.consumers = append(m.consumers, c)
}

// Acquire returns a Guard over the current CP, incrementing its entry
// count (spec.md §4.6 CP guard, step (a)).
func (m *Manager) Acquire() *Guard {
	cp := m.current.Load()
	cp.enter()
	return &Guard{mgr: m, cp: cp}
}

// TriggerCPFlush starts a new checkpoint cycle. If a flush is already
// in progress and force is false, it returns a future already resolved
// with false. If force is true, the caller shares the future of the
// already-scheduled (or in-flight) cycle via singleflight, matching "a
// single promise shared among all pending forcers" (spec.md §4.6 step
// 1): the shared future resolves only once the back-to-back cycle that
// finishFlush re-arms on our behalf actually completes, not when this
// call merely returns.
func (m *Manager) TriggerCPFlush(force bool) *future.Future[bool] {
	if !m.inFlight.CompareAndSwap(false, true) {
		if !force {
			p, f := future.New[bool]()
			p.Fulfill(false)
			return f
		}

		m.mu.Lock()
		if m.pendingFlush == nil {
			m.pendingFlush = make(chan *future.Future[bool], 1)
		}
		pending := m.pendingFlush
		m.mu.Unlock()
		m.backToBack.Store(true)

		ch := m.sf.DoChan("cp-flush", func() (interface{}, error) {
			next := <-pending
			return next.Wait()
		})
		p, f := future.New[bool]()
		go func() {
			res := <-ch
			if res.Err != nil {
				p.Fail(res.Err)
				return
			}
			p.Fulfill(res.Val.(bool))
		}()
		return f
	}
	return m.switchover()
}

// switchover performs the RCU swap: allocates a new CP, calls
// on_switchover_cp on every consumer, transitions old to flush_prepare
// and new to io_ready, then publishes the new pointer (spec.md §4.6
// step 2). If no operation is in flight on the old CP at that instant,
// this goroutine is itself the "last exiter" and starts the flush
// immediately.
func (m *Manager) switchover() *future.Future[bool] {
	m.mu.Lock()
	old := m.current.Load()
	newCP := &CP{
		id:       m.nextID.Add(1) - 1,
		state:    StateActive,
		contexts: make(map[string]interface{}),
		progress: make(map[string]int),
	}
	for _, c := range m.consumers {
		newCP.contexts[c.Name()] = c.OnSwitchoverCP(old, newCP)
	}
	newCP.setState(StateIoReady)
	old.setState(StateFlushPrepare)

	promise, done := future.New[bool]()
	old.completion = promise
	old.done = done

	m.current.Store(newCP)
	m.flushing.Store(old)
	m.mu.Unlock()

	if old.exit0IsZero() {
		m.startFlush(old)
	}
	return done
}

// exit0IsZero reports whether cp's entry count is already zero, used
// right after switchover to decide whether the triggering goroutine
// itself must start the flush (no in-flight operation will ever call
// exit() to discover it).
func (cp *CP) exit0IsZero() bool {
	return atomic.LoadInt64(&cp.entryCount) == 0
}

// startFlush fans cp_flush(cp) out to every consumer and, once all
// complete, hands the final persistence step to the blocking-I/O queue
// (spec.md §4.6 step 4). Any consumer failure is fatal (spec.md §4.6
// Failure semantics).
func (m *Manager) startFlush(cp *CP) {
	m.flushing.Store(cp)
	cp.setState(StateFlushing)

	m.mu.Lock()
	consumers := append([]Consumer(nil), m.consumers...)
	m.mu.Unlock()

	g, ctx := errgroup.WithContext(context.Background())
	for _, c := range consumers {
		c := c
		g.Go(func() error { return c.CPFlush(ctx, cp) })
	}
	if err := g.Wait(); err != nil {
		errs.Fatal(m.logger, errs.Mark(errs.Stuck, err, "checkpoint %d: consumer flush failed", cp.id))
		return
	}

	cp.setState(StateFlushDone)
	cp.setState(StateCleaning)

	m.ioq.Submit(func() { m.finishFlush(cp, consumers) })
}

// finishFlush runs on the blocking-I/O queue: persists the super-block,
// cleans up every consumer, resolves the CP's completion promise, clears
// the in-flight flag, and re-arms a flush if a back-to-back trigger was
// requested while this one was running (spec.md §4.6 step 4).
func (m *Manager) finishFlush(cp *CP, consumers []Consumer) {
	if m.persist != nil {
		if err := m.persist(SuperBlock{LastFlushedCPID: cp.id}); err != nil {
			errs.Fatal(m.logger, errs.Mark(errs.DeviceIo, err, "checkpoint %d: super block persist failed", cp.id))
			return
		}
	}
	m.lastFlushedCPID.Store(cp.id)

	for _, c := range consumers {
		c.CPCleanup(cp)
	}
	cp.setState(StateDone)
	cp.completion.Fulfill(true)

	m.flushing.Store(nil)
	m.inFlight.Store(false)
	if m.backToBack.CompareAndSwap(true, false) {
		m.mu.Lock()
		pending := m.pendingFlush
		m.pendingFlush = nil
		m.mu.Unlock()

		next := m.TriggerCPFlush(false)
		if pending != nil {
			pending <- next
		}
	}
}

// LastFlushedCPID returns the id of the most recent checkpoint known to
// have completed its super-block persist.
func (m *Manager) LastFlushedCPID() uint64 {
	return m.lastFlushedCPID.Load()
}

// Current returns the current CP without acquiring a guard.
func (m *Manager) Current() *CP {
	return m.current.Load()
}

func (m *Manager) watchdogLoop() {
	defer close(m.watchdogStopped)
	ticker := time.NewTicker(m.watchdogPeriod)
	defer ticker.Stop()

	var stalledSince int
	var lastProgress = -1
	var repaired bool

	for {
		select {
		case <-m.stopWatchdog:
			return
		case <-ticker.C:
			if !m.inFlight.Load() {
				stalledSince = 0
				lastProgress = -1
				repaired = false
				continue
			}
			cp := m.flushingCP()
			if cp == nil {
				continue
			}
			m.mu.Lock()
			for _, c := range m.consumers {
				cp.setProgress(c.Name(), c.ProgressPercent(cp))
			}
			consumers := append([]Consumer(nil), m.consumers...)
			m.mu.Unlock()

			avg := cp.averageProgress()
			if avg == lastProgress {
				stalledSince++
			} else {
				stalledSince = 0
				repaired = false
			}
			lastProgress = avg

			if stalledSince >= m.stallFatal {
				errs.Fatal(m.logger, errs.New(errs.Stuck, "checkpoint %d stuck: no progress for %d watchdog periods", cp.id, stalledSince))
				return
			}
			if stalledSince >= m.stallRepair && !repaired {
				repaired = true
				for _, c := range consumers {
					if c.ProgressPercent(cp) < 100 {
						c.RepairSlowCP(cp)
					}
				}
			}
		}
	}
}

// flushingCP returns the CP actually undergoing flush (StateFlushPrepare
// or StateFlushing), tracked separately from m.current since switchover
// publishes the new CP into m.current immediately while the old one is
// still draining and flushing.
func (m *Manager) flushingCP() *CP {
	cp := m.flushing.Load()
	if cp == nil {
		return nil
	}
	if cp.State() == StateFlushing || cp.State() == StateFlushPrepare {
		return cp
	}
	return nil
}

// Close stops the watchdog and drains the blocking-I/O queue.
func (m *Manager) Close() {
	if m.stopWatchdog != nil {
		close(m.stopWatchdog)
		<-m.watchdogStopped
	}
	m.ioq.Close()
}
