package chunk

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func TestAllocateFreeRoundTrip(t *testing.T) {
	tbl := NewTable(8)
	slot, err := tbl.Allocate(Info{ChunkID: 1, PDevID: 0, Size: 1024, VDevID: FreeVDevID, PrimaryChunkID: NoPrimary})
	require.NoError(t, err)

	got := tbl.Get(slot)
	require.Equal(t, uint32(1), got.ChunkID)
	require.True(t, got.SlotAllocated)
	require.True(t, got.Free())

	tbl.Free(slot)
	require.False(t, tbl.Get(slot).SlotAllocated)
}

func TestAllocateOutOfResource(t *testing.T) {
	tbl := NewTable(2)
	_, err := tbl.Allocate(Info{ChunkID: 1})
	require.NoError(t, err)
	_, err = tbl.Allocate(Info{ChunkID: 2})
	require.NoError(t, err)
	_, err = tbl.Allocate(Info{ChunkID: 3})
	require.Error(t, err)
}

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	tbl := NewTable(4)
	s0, _ := tbl.Allocate(Info{ChunkID: 10, PDevID: 1, StartOffset: 4096, Size: 8192, VDevID: 5, PrimaryChunkID: NoPrimary, NextChunkID: NoSibling, PrevChunkID: NoSibling})
	_ = s0

	buf := tbl.Marshal()
	back, err := Unmarshal(buf, 4)
	require.NoError(t, err)
	if diff := cmp.Diff(tbl.Allocated(), back.Allocated()); diff != "" {
		t.Fatalf("chunk table round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestCoalesceMergesFreeSiblings(t *testing.T) {
	tbl := NewTable(4)
	a, _ := tbl.Allocate(Info{ChunkID: 1, PDevID: 0, Size: 100, VDevID: FreeVDevID, NextChunkID: 2, PrevChunkID: NoSibling})
	b, _ := tbl.Allocate(Info{ChunkID: 2, PDevID: 0, Size: 200, VDevID: FreeVDevID, NextChunkID: NoSibling, PrevChunkID: 1})

	merged := tbl.Coalesce(a, b)
	require.Equal(t, b, merged)
	require.Equal(t, uint64(300), tbl.Get(a).Size)
	require.False(t, tbl.Get(b).SlotAllocated)
}
