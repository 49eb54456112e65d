package logstore

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/blockvault/storeengine/chunk"
	"github.com/blockvault/storeengine/logdevice"
	"github.com/blockvault/storeengine/vdev"
)

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
	return copy(p, m.data[off:]), nil
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

func newTestVDev() *vdev.VDev {
	acc := &memAccessor{}
	primary := []chunk.Info{{ChunkID: 1, PDevID: 0, Size: 1 << 20, PrimaryChunkID: chunk.NoPrimary}}
	info := vdev.Info{ID: 0, Size: 1 << 20, PlacementPolicy: vdev.SinglePDev}
	return vdev.New(info, map[uint32]vdev.PDevAccessor{0: acc}, primary, nil)
}

func TestCreateAppendAndReopenReplaysRecords(t *testing.T) {
	vd := newTestVDev()
	dev := logdevice.New(logdevice.Options{VDev: vd, FlushUnit: 64})
	f := NewFamily(DataFamily, dev)

	s := f.CreateNewLogStore(AppendModeSequential)
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		_, err := s.Append([]byte("payload"), func(uint64, error) { wg.Done() })
		require.NoError(t, err)
	}
	dev.Flush()
	wg.Wait()

	_, recovered, err := logdevice.Recover(logdevice.Options{VDev: vd, FlushUnit: 64}, 1<<16)
	require.NoError(t, err)

	var replayed []Record
	f2 := OpenFamily(DataFamily, dev, recovered, map[uint32]OnOpenCallback{
		s.ID(): func(r Record) { replayed = append(replayed, r) },
	})
	require.Len(t, replayed, 3)

	reopened, err := f2.OpenLogStore(s.ID())
	require.NoError(t, err)
	require.Equal(t, uint64(3), reopened.nextLSN)
}

func TestRemoveLogStoreRejectsFurtherLookups(t *testing.T) {
	vd := newTestVDev()
	dev := logdevice.New(logdevice.Options{VDev: vd, FlushUnit: 64})
	f := NewFamily(DataFamily, dev)

	s := f.CreateNewLogStore(AppendModeSequential)
	require.NoError(t, f.RemoveLogStore(s.ID()))
	_, err := f.OpenLogStore(s.ID())
	require.Error(t, err)
}

func TestDeviceTruncateTakesMinimumAcrossStores(t *testing.T) {
	vd := newTestVDev()
	dev := logdevice.New(logdevice.Options{VDev: vd, FlushUnit: 64})
	f := NewFamily(DataFamily, dev)

	s1 := f.CreateNewLogStore(AppendModeSequential)
	s2 := f.CreateNewLogStore(AppendModeSequential)
	s1.Truncate(10)
	s2.Truncate(3)

	got := f.DeviceTruncate(false, false)
	require.Equal(t, uint64(3), got)
	require.Equal(t, uint64(3), dev.TruncateLSN())
}
