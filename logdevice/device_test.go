package logdevice

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/blockvault/storeengine/chunk"
	"github.com/blockvault/storeengine/logrecord"
	"github.com/blockvault/storeengine/vdev"
)

// memAccessor is a minimal vdev.PDevAccessor backed by a growable byte
// buffer, standing in for a real pdev.PDev in unit tests.
type memAccessor struct {
	mu   sync.Mutex
	data []byte
}

func (m *memAccessor) ReadAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if off >= int64(len(m.data)) {
		return 0, nil
	}
	n := copy(p, m.data[off:])
	return n, nil
}

func (m *memAccessor) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	end := off + int64(len(p))
	if end > int64(len(m.data)) {
		grown := make([]byte, end)
		copy(grown, m.data)
		m.data = grown
	}
	copy(m.data[off:end], p)
	return len(p), nil
}

func newTestVDev(t *testing.T, chunkSize uint64) *vdev.VDev {
	t.Helper()
	acc := &memAccessor{}
	primary := []chunk.Info{{ChunkID: 1, PDevID: 0, StartOffset: 0, Size: chunkSize, PrimaryChunkID: chunk.NoPrimary}}
	info := vdev.Info{ID: 0, Size: chunkSize, BlockSize: 4096, PlacementPolicy: vdev.SinglePDev}
	return vdev.New(info, map[uint32]vdev.PDevAccessor{0: acc}, primary, nil)
}

// gatedAccessor wraps a memAccessor but blocks every WriteAt until gate is
// closed, standing in for a slow device whose in-flight flush never
// completes on its own.
type gatedAccessor struct {
	*memAccessor
	gate chan struct{}
}

func (g *gatedAccessor) WriteAt(p []byte, off int64) (int, error) {
	<-g.gate
	return g.memAccessor.WriteAt(p, off)
}

func newGatedTestVDev(t *testing.T, chunkSize uint64, gate chan struct{}) *vdev.VDev {
	t.Helper()
	acc := &gatedAccessor{memAccessor: &memAccessor{}, gate: gate}
	primary := []chunk.Info{{ChunkID: 1, PDevID: 0, StartOffset: 0, Size: chunkSize, PrimaryChunkID: chunk.NoPrimary}}
	info := vdev.Info{ID: 0, Size: chunkSize, BlockSize: 4096, PlacementPolicy: vdev.SinglePDev}
	return vdev.New(info, map[uint32]vdev.PDevAccessor{0: acc}, primary, nil)
}

func TestAppendFlushesOnSizeThreshold(t *testing.T) {
	vd := newTestVDev(t, 1<<20)
	d := New(Options{VDev: vd, FlushUnit: 64})

	var gotLSN uint64
	var gotErr error
	var wg sync.WaitGroup
	wg.Add(1)
	rec := logrecord.Record{Key: []byte("k"), Payload: make([]byte, 41)}
	lsn, err := d.Append(1, rec, func(l uint64, e error) {
		gotLSN, gotErr = l, e
		wg.Done()
	})
	require.NoError(t, err)
	wg.Wait()
	require.NoError(t, gotErr)
	require.Equal(t, lsn, gotLSN)
}

func TestAppendFlushesOnTimer(t *testing.T) {
	vd := newTestVDev(t, 1<<20)
	d := New(Options{VDev: vd, FlushUnit: 1 << 20, FlushPeriod: 10 * time.Millisecond})

	done := make(chan struct{})
	_, err := d.Append(1, logrecord.Record{Key: []byte("k"), Payload: []byte("v")}, func(l uint64, e error) {
		close(done)
	})
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timer flush did not fire")
	}
}

func TestRecoverReplaysAppendedRecords(t *testing.T) {
	vd := newTestVDev(t, 1<<20)
	d := New(Options{VDev: vd, FlushUnit: 64})

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		_, err := d.Append(7, logrecord.Record{Key: []byte("k"), Payload: []byte("payload-data")}, func(uint64, error) { wg.Done() })
		require.NoError(t, err)
	}
	d.Flush()
	wg.Wait()

	_, recs, err := Recover(Options{VDev: vd, FlushUnit: 64}, 1<<16)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	for _, r := range recs {
		require.Equal(t, uint32(7), r.StoreID)
		require.Equal(t, []byte("payload-data"), r.Record.Payload)
	}
}

func TestAppendBlocksOnceSaturatedDuringInFlightFlush(t *testing.T) {
	gate := make(chan struct{})
	vd := newGatedTestVDev(t, 1<<20, gate)
	d := New(Options{VDev: vd, FlushUnit: 40})

	rec := func() logrecord.Record {
		return logrecord.Record{Key: []byte("k"), Payload: make([]byte, 8)}
	}

	// Buffer one record, then force a flush of it on a separate goroutine;
	// WriteAt blocks on gate, holding the device in d.flushing == true.
	_, err := d.Append(1, rec(), func(uint64, error) {})
	require.NoError(t, err)
	flushDone := make(chan struct{})
	go func() {
		d.Flush()
		close(flushDone)
	}()

	require.Eventually(t, func() bool {
		d.mu.Lock()
		defer d.mu.Unlock()
		return d.flushing
	}, time.Second, time.Millisecond)

	// First post-flush append: buffer not yet saturated, returns
	// immediately and just marks flushArrived.
	_, err = d.Append(1, rec(), func(uint64, error) {})
	require.NoError(t, err)

	// Second post-flush append saturates the buffer (>= FlushUnit) and
	// consumes the one spare flushSaturation token without blocking.
	_, err = d.Append(1, rec(), func(uint64, error) {})
	require.NoError(t, err)

	// A third append while still saturated and still flushing must block:
	// the token is gone until the in-flight flush (and its back-to-back
	// re-flush) completes.
	blocked := make(chan struct{})
	go func() {
		_, err := d.Append(1, rec(), func(uint64, error) {})
		require.NoError(t, err)
		close(blocked)
	}()

	select {
	case <-blocked:
		t.Fatal("append returned before the in-flight flush completed")
	case <-time.After(50 * time.Millisecond):
	}

	close(gate)

	select {
	case <-blocked:
	case <-time.After(time.Second):
		t.Fatal("append never unblocked after the flush completed")
	}
	<-flushDone
}

func TestTruncateIsMonotonic(t *testing.T) {
	vd := newTestVDev(t, 1<<20)
	d := New(Options{VDev: vd, FlushUnit: 64})
	d.Truncate(5)
	require.Equal(t, uint64(5), d.TruncateLSN())
	d.Truncate(2)
	require.Equal(t, uint64(5), d.TruncateLSN())
	d.Truncate(9)
	require.Equal(t, uint64(9), d.TruncateLSN())
}
