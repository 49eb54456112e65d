package vdev

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/blockvault/storeengine/chunk"
)

// fakeAccessor is an in-memory PDevAccessor backed by a flat byte slice,
// standing in for a pdev.PDev in tests.
type fakeAccessor struct {
	buf []byte
}

func newFakeAccessor(size int) *fakeAccessor {
	return &fakeAccessor{buf: make([]byte, size)}
}

func (f *fakeAccessor) ReadAt(p []byte, off int64) (int, error) {
	n := copy(p, f.buf[off:])
	return n, nil
}

func (f *fakeAccessor) WriteAt(p []byte, off int64) (int, error) {
	n := copy(f.buf[off:], p)
	return n, nil
}

// faultyAccessor wraps a fakeAccessor but fails every ReadAt, standing in
// for a PDev whose read path is fault-injected.
type faultyAccessor struct {
	*fakeAccessor
}

func (f *faultyAccessor) ReadAt(p []byte, off int64) (int, error) {
	return 0, errors.New("injected read fault")
}

func TestVDevSinglePDevReadWrite(t *testing.T) {
	pdevs := map[uint32]PDevAccessor{0: newFakeAccessor(4096)}
	primary := []chunk.Info{{ChunkID: 1, PDevID: 0, StartOffset: 1024, Size: 2048}}

	v := New(Info{ID: 1, PlacementPolicy: SinglePDev}, pdevs, primary, nil)

	payload := []byte("single pdev payload")
	require.NoError(t, v.WriteAt(context.Background(), payload, 16))

	got := make([]byte, len(payload))
	n, err := v.ReadAt(got, 16)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)
	require.Equal(t, payload, got)

	// Confirm the write actually landed at the chunk's physical offset,
	// not at the logical offset directly.
	acc := pdevs[0].(*fakeAccessor)
	require.Equal(t, payload, acc.buf[1024+16:1024+16+len(payload)])
}

func TestVDevStripedRoutesByChunk(t *testing.T) {
	pdevs := map[uint32]PDevAccessor{
		0: newFakeAccessor(4096),
		1: newFakeAccessor(4096),
	}
	primary := []chunk.Info{
		{ChunkID: 1, PDevID: 0, StartOffset: 0, Size: 1024},
		{ChunkID: 2, PDevID: 1, StartOffset: 0, Size: 1024},
	}
	v := New(Info{ID: 2, PlacementPolicy: Striped}, pdevs, primary, nil)

	require.NoError(t, v.WriteAt(context.Background(), []byte("first-stripe"), 0))
	require.NoError(t, v.WriteAt(context.Background(), []byte("second-stripe"), 1024))

	acc0 := pdevs[0].(*fakeAccessor)
	acc1 := pdevs[1].(*fakeAccessor)
	require.Equal(t, []byte("first-stripe"), acc0.buf[:len("first-stripe")])
	require.Equal(t, []byte("second-stripe"), acc1.buf[:len("second-stripe")])
}

func TestVDevMirroredFansOutWrites(t *testing.T) {
	pdevs := map[uint32]PDevAccessor{
		0: newFakeAccessor(4096),
		1: newFakeAccessor(4096),
	}
	primary := []chunk.Info{{ChunkID: 1, PDevID: 0, StartOffset: 0, Size: 2048, PrimaryChunkID: chunk.NoPrimary}}
	mirrors := map[uint32][]chunk.Info{
		1: {{ChunkID: 2, PDevID: 1, StartOffset: 0, Size: 2048, PrimaryChunkID: 1}},
	}
	v := New(Info{ID: 3, PlacementPolicy: Mirrored, NumMirrors: 1}, pdevs, primary, mirrors)

	payload := []byte("mirrored write")
	require.NoError(t, v.WriteAt(context.Background(), payload, 8))

	acc0 := pdevs[0].(*fakeAccessor)
	acc1 := pdevs[1].(*fakeAccessor)
	require.Equal(t, payload, acc0.buf[8:8+len(payload)])
	require.Equal(t, payload, acc1.buf[8:8+len(payload)])

	got := make([]byte, len(payload))
	_, err := v.ReadAt(got, 8)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestVDevMirroredReadFallsThroughFailedReplica(t *testing.T) {
	primaryAcc := &faultyAccessor{fakeAccessor: newFakeAccessor(4096)}
	mirrorAcc := newFakeAccessor(4096)
	pdevs := map[uint32]PDevAccessor{0: primaryAcc, 1: mirrorAcc}

	primary := []chunk.Info{{ChunkID: 1, PDevID: 0, StartOffset: 0, Size: 2048, PrimaryChunkID: chunk.NoPrimary}}
	mirrors := map[uint32][]chunk.Info{
		1: {{ChunkID: 2, PDevID: 1, StartOffset: 0, Size: 2048, PrimaryChunkID: 1}},
	}
	v := New(Info{ID: 6, PlacementPolicy: Mirrored, NumMirrors: 1}, pdevs, primary, mirrors)

	payload := []byte("surviving replica")
	copy(mirrorAcc.buf[4:], payload)

	got := make([]byte, len(payload))
	n, err := v.ReadAt(got, 4)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)
	require.Equal(t, payload, got)
}

func TestVDevDecomposeRejectsOutOfRangeOffset(t *testing.T) {
	pdevs := map[uint32]PDevAccessor{0: newFakeAccessor(1024)}
	primary := []chunk.Info{{ChunkID: 1, PDevID: 0, StartOffset: 0, Size: 512}}
	v := New(Info{ID: 4, PlacementPolicy: SinglePDev}, pdevs, primary, nil)

	_, err := v.ReadAt(make([]byte, 8), 4096)
	require.Error(t, err)
}

func TestVDevWriteAtFailsWithoutAccessor(t *testing.T) {
	primary := []chunk.Info{{ChunkID: 1, PDevID: 99, StartOffset: 0, Size: 512}}
	v := New(Info{ID: 5, PlacementPolicy: SinglePDev}, map[uint32]PDevAccessor{}, primary, nil)

	err := v.WriteAt(context.Background(), []byte("x"), 0)
	require.Error(t, err)
}
