package checkpoint

import (
	"sync"
	"sync/atomic"

	"github.com/blockvault/storeengine/internal/future"
)

// State is a checkpoint's lifecycle state (spec.md §4.6).
type State int

const (
	StateActive State = iota
	StateIoReady
	StateFlushPrepare
	StateFlushing
	StateFlushDone
	StateCleaning
	StateDone
)

// CP is one checkpoint cycle: an id, a lifecycle state, the count of
// in-flight operations that entered it under the read-side lock, and
// per-consumer opaque context handed back by on_switchover_cp.
type CP struct {
	id uint64

	mu    sync.Mutex
	state State

	entryCount int64 // atomic, accessed via sync/atomic helpers below

	contexts map[string]interface{}

	completion future.Promise[bool]
	done       *future.Future[bool]

	// progress is sampled by the watchdog from each consumer's
	// cp_progress_percent; stored here so Manager.watchdogLoop doesn't
	// need a second lookup path.
	progress   map[string]int
	progressMu sync.Mutex
}

// ID returns this checkpoint's sequence number.
func (cp *CP) ID() uint64 { return cp.id }

// State returns the checkpoint's current lifecycle state.
func (cp *CP) State() State {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return cp.state
}

func (cp *CP) setState(s State) {
	cp.mu.Lock()
	cp.state = s
	cp.mu.Unlock()
}

func (cp *CP) enter() {
	atomic.AddInt64(&cp.entryCount, 1)
}

// exit decrements the entry count and reports whether this exit was the
// one that brought it to zero while the CP was in flush_prepare — the
// "last exiter" that must start the flush (spec.md §4.6 step 3).
func (cp *CP) exit() (last bool) {
	n := atomic.AddInt64(&cp.entryCount, -1)
	if n != 0 {
		return false
	}
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return cp.state == StateFlushPrepare
}

func (cp *CP) context(consumer string) interface{} {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return cp.contexts[consumer]
}

func (cp *CP) setProgress(consumer string, pct int) {
	cp.progressMu.Lock()
	cp.progress[consumer] = pct
	cp.progressMu.Unlock()
}

func (cp *CP) averageProgress() int {
	cp.progressMu.Lock()
	defer cp.progressMu.Unlock()
	if len(cp.progress) == 0 {
		return 100
	}
	total := 0
	for _, p := range cp.progress {
		total += p
	}
	return total / len(cp.progress)
}

// Guard is a scoped reference to the current CP, obtained through
// Manager.Acquire. Release must be called exactly once (spec.md §4.6
// "CP guard").
type Guard struct {
	mgr *Manager
	cp  *CP
}

// CP returns the checkpoint this guard references.
func (g *Guard) CP() *CP { return g.cp }

// Release drops this guard's reference. If it is the last reference on
// a CP in flush_prepare, it starts that CP's flush (spec.md §4.6).
func (g *Guard) Release() {
	if g.cp.exit() {
		g.mgr.startFlush(g.cp)
	}
}
