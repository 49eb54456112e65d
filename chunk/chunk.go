// Package chunk defines the Chunk: a fixed-size contiguous region of one
// Physical Device and the unit the Device Manager allocates to Virtual
// Devices (spec.md §3). It also defines the on-disk chunk_info record
// and the chunk super-block region layout (spec.md §6): an allocation
// bitmap followed by a fixed-size array of chunk_info records, one slot
// per max_chunks_in_pdev.
//
// Grounded on the teacher's record/record.go for the hand-rolled
// encoding/binary marshal style, and on the original implementation's
// chunk.hpp for the field set and sibling-chain invariant.
package chunk

import (
	"encoding/binary"

	"github.com/blockvault/storeengine/errs"
)

// FreeVDevID is the sentinel VDevID value meaning "not owned by any
// VDev".
const FreeVDevID uint32 = ^uint32(0)

// NoPrimary is the sentinel PrimaryChunkID value meaning "this chunk is
// itself a primary, not a mirror replica".
const NoPrimary uint32 = ^uint32(0)

// NoSibling is the sentinel value for PrevChunkID/NextChunkID meaning
// "no sibling in this direction".
const NoSibling uint32 = ^uint32(0)

// infoSize is the on-wire size of Info.
const infoSize = 4 + 4 + 8 + 8 + 4 + 4 + 4 + 4 + 1 + 1

// Info is one chunk's persisted metadata, a slot in the chunk
// super-block region's chunk_info array.
type Info struct {
	ChunkID        uint32
	PDevID         uint32
	StartOffset    uint64
	Size           uint64
	VDevID         uint32 // FreeVDevID if unowned
	PrimaryChunkID uint32 // NoPrimary if this chunk is itself primary
	PrevChunkID    uint32 // sibling chain within the owning PDev
	NextChunkID    uint32
	SlotAllocated  bool
	IsSuperBlock   bool
}

// Free reports whether this chunk is unowned.
func (ci Info) Free() bool { return ci.VDevID == FreeVDevID }

// IsMirror reports whether this chunk is a mirror replica of another
// chunk rather than a primary.
func (ci Info) IsMirror() bool { return ci.PrimaryChunkID != NoPrimary }

func (ci Info) marshalInto(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:4], ci.ChunkID)
	binary.LittleEndian.PutUint32(buf[4:8], ci.PDevID)
	binary.LittleEndian.PutUint64(buf[8:16], ci.StartOffset)
	binary.LittleEndian.PutUint64(buf[16:24], ci.Size)
	binary.LittleEndian.PutUint32(buf[24:28], ci.VDevID)
	binary.LittleEndian.PutUint32(buf[28:32], ci.PrimaryChunkID)
	binary.LittleEndian.PutUint32(buf[32:36], ci.PrevChunkID)
	binary.LittleEndian.PutUint32(buf[36:40], ci.NextChunkID)
	boolByte(buf[40:41], ci.SlotAllocated)
	boolByte(buf[41:42], ci.IsSuperBlock)
}

func unmarshalInfo(buf []byte) Info {
	return Info{
		ChunkID:        binary.LittleEndian.Uint32(buf[0:4]),
		PDevID:         binary.LittleEndian.Uint32(buf[4:8]),
		StartOffset:    binary.LittleEndian.Uint64(buf[8:16]),
		Size:           binary.LittleEndian.Uint64(buf[16:24]),
		VDevID:         binary.LittleEndian.Uint32(buf[24:28]),
		PrimaryChunkID: binary.LittleEndian.Uint32(buf[28:32]),
		PrevChunkID:    binary.LittleEndian.Uint32(buf[32:36]),
		NextChunkID:    binary.LittleEndian.Uint32(buf[36:40]),
		SlotAllocated:  buf[40] != 0,
		IsSuperBlock:   buf[41] != 0,
	}
}

func boolByte(b []byte, v bool) {
	if v {
		b[0] = 1
	} else {
		b[0] = 0
	}
}

// Table is the in-memory mirror of one PDev's chunk super-block region:
// a bitmap of allocated slots and the fixed-size chunk_info array,
// indexed by slot (not by ChunkID, since slots may be recycled while
// ChunkID is unique system-wide and never reused).
type Table struct {
	maxChunks int
	bitmap    []bool
	slots     []Info
}

// NewTable allocates an empty table sized for maxChunks slots.
func NewTable(maxChunks int) *Table {
	return &Table{
		maxChunks: maxChunks,
		bitmap:    make([]bool, maxChunks),
		slots:     make([]Info, maxChunks),
	}
}

// RegionSize is the on-wire size of the chunk super-block region for a
// table of this size: one bitmap bit per slot (byte-packed) followed by
// maxChunks_in_pdev × sizeof(chunk_info).
func RegionSize(maxChunks int) int {
	return bitmapBytes(maxChunks) + maxChunks*infoSize
}

func bitmapBytes(maxChunks int) int {
	return (maxChunks + 7) / 8
}

// Allocate finds a free slot, marks it allocated, stores info in it, and
// returns the slot index. It returns errs.OutOfResource if the table is
// full.
func (t *Table) Allocate(info Info) (int, error) {
	for i := 0; i < t.maxChunks; i++ {
		if !t.bitmap[i] {
			t.bitmap[i] = true
			info.SlotAllocated = true
			t.slots[i] = info
			return i, nil
		}
	}
	return 0, errs.New(errs.OutOfResource, "chunk: no free slot in table of size %d", t.maxChunks)
}

// Free marks slot unallocated. The slot's ChunkID is never reused; a
// later Allocate call may reuse the slot index with a different
// ChunkID.
func (t *Table) Free(slot int) {
	t.bitmap[slot] = false
	t.slots[slot] = Info{}
}

// Get returns the Info at slot.
func (t *Table) Get(slot int) Info { return t.slots[slot] }

// FindSlot returns the allocated slot holding chunkID, or ok=false if no
// allocated slot has that ChunkID.
func (t *Table) FindSlot(chunkID uint32) (slot int, ok bool) {
	for i := 0; i < t.maxChunks; i++ {
		if t.bitmap[i] && t.slots[i].ChunkID == chunkID {
			return i, true
		}
	}
	return 0, false
}

// Set overwrites the Info at an already-allocated slot, used when
// rewriting sibling links during coalescing.
func (t *Table) Set(slot int, info Info) { t.slots[slot] = info }

// Allocated returns every allocated slot's Info, in slot order.
func (t *Table) Allocated() []Info {
	var out []Info
	for i := 0; i < t.maxChunks; i++ {
		if t.bitmap[i] {
			out = append(out, t.slots[i])
		}
	}
	return out
}

// Marshal encodes the table as the on-wire chunk super-block region.
func (t *Table) Marshal() []byte {
	buf := make([]byte, RegionSize(t.maxChunks))
	bmLen := bitmapBytes(t.maxChunks)
	for i := 0; i < t.maxChunks; i++ {
		if t.bitmap[i] {
			buf[i/8] |= 1 << uint(i%8)
		}
	}
	for i := 0; i < t.maxChunks; i++ {
		off := bmLen + i*infoSize
		t.slots[i].marshalInto(buf[off : off+infoSize])
	}
	return buf
}

// Unmarshal decodes buf into a new Table sized for maxChunks slots.
func Unmarshal(buf []byte, maxChunks int) (*Table, error) {
	want := RegionSize(maxChunks)
	if len(buf) < want {
		return nil, errs.New(errs.DeviceFormat, "chunk: region buffer too small: %d < %d", len(buf), want)
	}
	t := NewTable(maxChunks)
	bmLen := bitmapBytes(maxChunks)
	for i := 0; i < maxChunks; i++ {
		t.bitmap[i] = buf[i/8]&(1<<uint(i%8)) != 0
	}
	for i := 0; i < maxChunks; i++ {
		off := bmLen + i*infoSize
		t.slots[i] = unmarshalInfo(buf[off : off+infoSize])
	}
	return t, nil
}

// Coalesce merges slot's chunk with its NextChunkID sibling if that
// sibling is free and on the same PDev, extending slot's Size and
// re-linking the chain. It returns the now-merged-away sibling's slot
// index, or -1 if no merge happened. Callers look up chunk id -> slot
// themselves; this only operates on the two already-resolved slots.
func (t *Table) Coalesce(slot, nextSlot int) int {
	cur := t.slots[slot]
	next := t.slots[nextSlot]
	if !next.Free() || cur.PDevID != next.PDevID || cur.NextChunkID != next.ChunkID {
		return -1
	}
	cur.Size += next.Size
	cur.NextChunkID = next.NextChunkID
	t.slots[slot] = cur
	t.Free(nextSlot)
	return nextSlot
}
