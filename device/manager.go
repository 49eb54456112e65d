// Package device implements the Device Manager: the component that
// establishes and persists the PDev/Chunk/VDev topology, satisfies chunk
// allocation requests, and publishes read-only views of PDevs and VDevs
// (spec.md §4.1).
//
// Grounded on the original implementation's device_manager.cpp for the
// format_devices/load_devices split, the dangling-chunk tolerance on
// load, and the bitmap-based id allocation; the topology mutex pattern
// mirrors the teacher's own coarse-grained locking in internal/base
// around shared mutable state.
package device

import (
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/blockvault/storeengine/chunk"
	"github.com/blockvault/storeengine/config"
	"github.com/blockvault/storeengine/errs"
	"github.com/blockvault/storeengine/pdev"
	"github.com/blockvault/storeengine/vdev"
	"github.com/blockvault/storeengine/vfs"
)

// Tier is a PDev's storage class, used by create_vdev to pick which
// PDevs a new VDev may use.
type Tier int

const (
	// Data is the default, always-nonempty tier.
	Data Tier = iota
	// Fast is an optional faster tier; create_vdev falls back to Data
	// when it is empty (spec.md §4.1).
	Fast
)

// chunkIDBitmap and vdevIDBitmap are system-wide dense id allocators,
// separate from the per-PDev chunk.Table slot bitmap: a ChunkID/VDevID
// is never reused within a system instance even though a table slot may
// be recycled (spec.md §3 "Chunk id ... never reused").
type idBitmap struct {
	next uint32
	used map[uint32]bool
}

func newIDBitmap() *idBitmap { return &idBitmap{used: make(map[uint32]bool)} }

func (b *idBitmap) alloc() uint32 {
	for b.used[b.next] {
		b.next++
	}
	id := b.next
	b.used[id] = true
	b.next++
	return id
}

func (b *idBitmap) mark(id uint32) {
	b.used[id] = true
	if id >= b.next {
		b.next = id + 1
	}
}

func (b *idBitmap) free(id uint32) { delete(b.used, id) }

// pdevEntry bundles one PDev with its chunk table and tier. nextOffset
// is a bump allocator for chunk start offsets: freed chunks are
// coalesced in the chunk table (for reporting and future placement
// decisions) but their offset space is not currently recycled into
// nextOffset, matching the teacher's own preference for simple
// monotonic allocators over free-list bookkeeping where the spec
// doesn't pin down reuse semantics.
type pdevEntry struct {
	dev        *pdev.PDev
	chunks     *chunk.Table
	tier       Tier
	nextOffset uint64

	// lastChunkID is the ChunkID most recently appended by the bump
	// allocator on this PDev, chunk.NoSibling if none yet. Every newly
	// allocated chunk is linked onto the tail of this chain so
	// coalesceFreeChunks has real sibling links to walk (spec.md §3/§4.2).
	lastChunkID uint32
}

// Manager is the Device Manager: the exclusive owner of every PDev and
// Chunk in a system instance (spec.md §3 Ownership).
type Manager struct {
	mu sync.Mutex

	cfg        config.Config
	systemUUID uuid.UUID

	pdevs      []*pdevEntry // dense index == PDevID
	vdevTables []*vdev.Table
	chunkIDs   *idBitmap
	vdevIDs    *idBitmap

	vdevs map[uint32]*vdev.Info // id -> persisted record, independent of any particular PDev's table copy
}

// FormatSpec describes one PDev to format, by path and tier.
type FormatSpec struct {
	Path string
	Tier Tier
}

// FormatDevices stamps a brand-new topology across every device in
// specs, sharing a freshly generated system UUID (spec.md §4.1
// format_devices). It fails only on I/O error or if a device is too
// small for the minimum super-block.
func FormatDevices(fs vfs.FS, cfg config.Config, specs []FormatSpec) (*Manager, error) {
	sysUUID := uuid.New()
	m := &Manager{
		cfg:        cfg,
		systemUUID: sysUUID,
		chunkIDs:   newIDBitmap(),
		vdevIDs:    newIDBitmap(),
		vdevs:      make(map[uint32]*vdev.Info),
	}
	for i, spec := range specs {
		pd, err := pdev.Format(fs, pdev.Buffered, pdev.Params{
			Path:           spec.Path,
			ID:             uint32(i),
			SystemUUID:     sysUUID,
			AtomicSize:     int(cfg.AtomicPhysPageSize),
			ProductName:    "storeengine",
			SuperBlockSize: vdevRegionSize(cfg) + chunkRegionSize(cfg),
			NumPDevs:       uint32(len(specs)),
		})
		if err != nil {
			return nil, err
		}
		m.pdevs = append(m.pdevs, &pdevEntry{
			dev:         pd,
			chunks:      chunk.NewTable(int(cfg.MaxChunks)),
			tier:        spec.Tier,
			nextOffset:  pd.DataOffset(),
			lastChunkID: chunk.NoSibling,
		})
		m.vdevTables = append(m.vdevTables, vdev.NewTable(int(cfg.MaxVDevs)))
	}
	if err := m.persistSuperBlocks(); err != nil {
		return nil, err
	}
	return m, nil
}

// LoadSpec describes one PDev to load, by path and tier (tier is not
// persisted on the PDev itself; the caller supplies it the same way it
// did at format time).
type LoadSpec struct {
	Path string
	Tier Tier
}

// LoadDevices reopens an already-formatted topology (spec.md §4.1
// load_devices). It validates the same system UUID across all PDevs and
// refuses a PDev-count mismatch (no dynamic add/remove). Chunks whose
// VDev was never persisted (crash between allocation and VDev
// super-block write) are reported in the returned dangling list rather
// than failing the load.
func LoadDevices(fs vfs.FS, cfg config.Config, specs []LoadSpec) (m *Manager, dangling []chunk.Info, err error) {
	if len(specs) == 0 {
		return nil, nil, errs.New(errs.InvalidArgument, "device: no devices given to load")
	}
	first, err := pdev.Load(fs, pdev.Buffered, specs[0].Path, 0, uuid.UUID{})
	if err != nil {
		return nil, nil, err
	}
	sysUUID := first.SystemUUID()
	formattedCount := first.NumPDevs()
	first.Close()

	if int(formattedCount) != len(specs) {
		return nil, nil, errs.New(errs.DeviceFormat, "device: presented %d pdevs, system was formatted with %d", len(specs), formattedCount)
	}

	m = &Manager{
		cfg:        cfg,
		systemUUID: sysUUID,
		chunkIDs:   newIDBitmap(),
		vdevIDs:    newIDBitmap(),
		vdevs:      make(map[uint32]*vdev.Info),
	}

	for i, spec := range specs {
		pd, err := pdev.Load(fs, pdev.Buffered, spec.Path, uint32(i), sysUUID)
		if err != nil {
			return nil, nil, err
		}
		regionOff := int64(pd.DataOffset()) - int64(chunkRegionSize(cfg)) - int64(vdevRegionSize(cfg))
		vdevBuf := make([]byte, vdevRegionSize(cfg))
		if _, err := pd.ReadAt(vdevBuf, regionOff); err != nil {
			return nil, nil, err
		}
		vt, err := vdev.UnmarshalTable(vdevBuf, int(cfg.MaxVDevs))
		if err != nil {
			return nil, nil, err
		}

		chunkBuf := make([]byte, chunkRegionSize(cfg))
		if _, err := pd.ReadAt(chunkBuf, regionOff+int64(vdevRegionSize(cfg))); err != nil {
			return nil, nil, err
		}
		ct, err := chunk.Unmarshal(chunkBuf, int(cfg.MaxChunks))
		if err != nil {
			return nil, nil, err
		}

		nextOffset := pd.DataOffset()
		lastChunkID := chunk.NoSibling
		for _, c := range ct.Allocated() {
			if end := c.StartOffset + c.Size; end > nextOffset {
				nextOffset = end
				lastChunkID = c.ChunkID
			}
		}
		m.pdevs = append(m.pdevs, &pdevEntry{dev: pd, chunks: ct, tier: spec.Tier, nextOffset: nextOffset, lastChunkID: lastChunkID})
		m.vdevTables = append(m.vdevTables, vt)

		for _, c := range ct.Allocated() {
			m.chunkIDs.mark(c.ChunkID)
		}
		for _, vi := range vt.Allocated() {
			m.vdevIDs.mark(vi.ID)
			v := vi
			m.vdevs[vi.ID] = &v
		}
	}

	// A chunk is dangling if it is owned but its VDev was never found in
	// any PDev's vdev table, across the whole topology (spec.md §4.1:
	// crash between chunk allocation and VDev super-block write).
	for _, pe := range m.pdevs {
		for _, c := range pe.chunks.Allocated() {
			if !c.Free() {
				if _, ok := m.vdevs[c.VDevID]; !ok {
					dangling = append(dangling, c)
				}
			}
		}
	}
	return m, dangling, nil
}

func chunkRegionSize(cfg config.Config) int { return chunk.RegionSize(int(cfg.MaxChunks)) }
func vdevRegionSize(cfg config.Config) int  { return vdev.RegionSize(int(cfg.MaxVDevs)) }

// CreateVDevParams describes a new VDev request (spec.md §4.1
// create_vdev).
type CreateVDevParams struct {
	Name             string
	NumChunks        uint32
	ChunkSize        uint64
	BlockSize        uint32
	NumMirrors       uint32
	NumPrimaryChunks uint32
	Placement        vdev.Placement
	PreferredTier    Tier
	Context          []byte
}

// CreateVDev allocates a fresh VDev id, chooses PDevs by tier (falling
// back to Data if PreferredTier is empty), rounds NumChunks up to the
// nearest multiple satisfying the placement policy, allocates chunk ids
// from the system-wide bitmap, writes chunk records and then the vdev
// record, and returns the new VDev's persisted Info plus its primary
// chunks and mirror map ready to build a *vdev.VDev from (spec.md
// §4.1).
func (m *Manager) CreateVDev(p CreateVDevParams) (vdev.Info, []chunk.Info, map[uint32][]chunk.Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tierPDevs := m.pdevsInTier(p.PreferredTier)
	if len(tierPDevs) == 0 {
		tierPDevs = m.pdevsInTier(Data)
	}
	if len(tierPDevs) == 0 {
		return vdev.Info{}, nil, nil, errs.New(errs.OutOfResource, "device: no pdevs available for vdev creation")
	}

	numChunks := p.NumChunks
	switch p.Placement {
	case vdev.Mirrored:
		if r := numChunks % uint32(len(tierPDevs)); r != 0 {
			numChunks += uint32(len(tierPDevs)) - r
		}
	case vdev.Striped:
		streams := uint32(len(tierPDevs))
		if p.NumPrimaryChunks > streams {
			streams = p.NumPrimaryChunks
		}
		if r := numChunks % streams; r != 0 {
			numChunks += streams - r
		}
	}

	id := m.vdevIDs.alloc()
	var primary []chunk.Info
	mirrors := make(map[uint32][]chunk.Info)

	switch p.Placement {
	case vdev.Mirrored:
		perDev := numChunks / uint32(len(tierPDevs))
		for round := uint32(0); round < perDev; round++ {
			var group []chunk.Info
			for _, pe := range tierPDevs {
				ci, err := m.allocChunk(pe, id, p.ChunkSize)
				if err != nil {
					return vdev.Info{}, nil, nil, err
				}
				group = append(group, ci)
			}
			primaryChunk := group[0]
			primary = append(primary, primaryChunk)
			mirrors[primaryChunk.ChunkID] = group[1:]
			for _, rep := range group[1:] {
				rep.PrimaryChunkID = primaryChunk.ChunkID
				m.setChunk(rep)
			}
		}
	case vdev.Striped:
		for i := uint32(0); i < numChunks; i++ {
			pe := tierPDevs[int(i)%len(tierPDevs)]
			ci, err := m.allocChunk(pe, id, p.ChunkSize)
			if err != nil {
				return vdev.Info{}, nil, nil, err
			}
			primary = append(primary, ci)
		}
	default: // SinglePDev
		pe := tierPDevs[0]
		for i := uint32(0); i < numChunks; i++ {
			ci, err := m.allocChunk(pe, id, p.ChunkSize)
			if err != nil {
				return vdev.Info{}, nil, nil, err
			}
			primary = append(primary, ci)
		}
	}

	info := vdev.Info{
		ID:               id,
		Size:             uint64(numChunks) * p.ChunkSize,
		BlockSize:        p.BlockSize,
		NumMirrors:       p.NumMirrors,
		NumPrimaryChunks: p.NumPrimaryChunks,
		PlacementPolicy:  p.Placement,
		SlotAllocated:    true,
		Name:             p.Name,
		Context:          p.Context,
	}
	for _, vt := range m.vdevTables {
		if _, err := vt.Allocate(info); err != nil {
			return vdev.Info{}, nil, nil, err
		}
	}
	m.vdevs[id] = &info

	if err := m.persistSuperBlocks(); err != nil {
		return vdev.Info{}, nil, nil, err
	}
	return info, primary, mirrors, nil
}

// allocChunk bump-allocates a new chunk on pe and links it onto the tail
// of pe's sibling chain, so coalesceFreeChunks can later walk a real
// doubly-linked chain of same-PDev neighbors instead of the sentinel
// chunk.NoSibling on every chunk (spec.md §3/§4.2).
func (m *Manager) allocChunk(pe *pdevEntry, vdevID uint32, size uint64) (chunk.Info, error) {
	id := m.chunkIDs.alloc()
	ci := chunk.Info{
		ChunkID:        id,
		PDevID:         pe.dev.ID(),
		StartOffset:    pe.nextOffset,
		Size:           size,
		VDevID:         vdevID,
		PrimaryChunkID: chunk.NoPrimary,
		PrevChunkID:    pe.lastChunkID,
		NextChunkID:    chunk.NoSibling,
	}
	if _, err := pe.chunks.Allocate(ci); err != nil {
		return chunk.Info{}, err
	}
	if pe.lastChunkID != chunk.NoSibling {
		if prevSlot, ok := pe.chunks.FindSlot(pe.lastChunkID); ok {
			prev := pe.chunks.Get(prevSlot)
			prev.NextChunkID = id
			pe.chunks.Set(prevSlot, prev)
		}
	}
	pe.lastChunkID = id
	pe.nextOffset += size
	return ci, nil
}

// setChunk overwrites an already-allocated chunk's persisted record,
// used to stamp a mirror replica's PrimaryChunkID after both chunks in
// a mirrored pair have been allocated.
func (m *Manager) setChunk(ci chunk.Info) {
	pe := m.pdevs[ci.PDevID]
	if slot, ok := pe.chunks.FindSlot(ci.ChunkID); ok {
		pe.chunks.Set(slot, ci)
	}
}

func (m *Manager) pdevsInTier(t Tier) []*pdevEntry {
	var out []*pdevEntry
	for _, pe := range m.pdevs {
		if pe.tier == t {
			out = append(out, pe)
		}
	}
	return out
}

// FreeVDev marks vdevID's slot free in every PDev's vdev table and frees
// every chunk it owned, attempting to coalesce each freed chunk with its
// free neighbors (spec.md §4.1 free_vdev/free_chunk).
func (m *Manager) FreeVDev(vdevID uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.vdevs[vdevID]; !ok {
		return errs.New(errs.InvalidArgument, "device: unknown vdev %d", vdevID)
	}
	delete(m.vdevs, vdevID)
	for _, vt := range m.vdevTables {
		if slot, ok := vt.FindSlot(vdevID); ok {
			vt.Free(slot)
		}
	}
	m.vdevIDs.free(vdevID)

	for _, pe := range m.pdevs {
		for _, c := range pe.chunks.Allocated() {
			if c.VDevID != vdevID {
				continue
			}
			slot, ok := pe.chunks.FindSlot(c.ChunkID)
			if !ok {
				continue
			}
			freed := c
			freed.VDevID = chunk.FreeVDevID
			pe.chunks.Set(slot, freed)
			m.chunkIDs.free(c.ChunkID)
		}
		m.coalesceFreeChunks(pe)
	}
	return m.persistSuperBlocks()
}

// coalesceFreeChunks merges every free chunk with its free NextChunkID
// sibling on the same PDev, repeating until no merge happens (spec.md
// §4.1 free_chunk: "attempt to merge neighboring free chunks ... by the
// doubly-linked chain").
func (m *Manager) coalesceFreeChunks(pe *pdevEntry) {
	for {
		merged := false
		for _, c := range pe.chunks.Allocated() {
			if !c.Free() || c.NextChunkID == chunk.NoSibling {
				continue
			}
			slot, ok := pe.chunks.FindSlot(c.ChunkID)
			if !ok {
				continue
			}
			nextSlot, ok := pe.chunks.FindSlot(c.NextChunkID)
			if !ok {
				continue
			}
			if pe.chunks.Coalesce(slot, nextSlot) >= 0 {
				merged = true
				break
			}
		}
		if !merged {
			return
		}
	}
}

// persistSuperBlocks writes every PDev's VDev table and chunk table to
// its super-block region.
func (m *Manager) persistSuperBlocks() error {
	for i, pe := range m.pdevs {
		vdevBuf := m.vdevTables[i].Marshal()
		chunkBuf := pe.chunks.Marshal()
		regionOff := int64(pe.dev.DataOffset()) - int64(len(chunkBuf)) - int64(len(vdevBuf))
		if regionOff < 0 {
			regionOff = 0
		}
		if _, err := pe.dev.WriteAt(vdevBuf, regionOff); err != nil {
			return err
		}
		if _, err := pe.dev.WriteAt(chunkBuf, regionOff+int64(len(vdevBuf))); err != nil {
			return err
		}
	}
	return nil
}

// SystemUUID returns the topology's shared system UUID.
func (m *Manager) SystemUUID() uuid.UUID { return m.systemUUID }

// PDevCount returns the number of PDevs in this topology.
func (m *Manager) PDevCount() int { return len(m.pdevs) }

// PDevAccessors returns every PDev in this topology as a
// vdev.PDevAccessor, keyed by PDevID, for building *vdev.VDev handles.
func (m *Manager) PDevAccessors() map[uint32]vdev.PDevAccessor {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[uint32]vdev.PDevAccessor, len(m.pdevs))
	for _, pe := range m.pdevs {
		out[pe.dev.ID()] = pe.dev
	}
	return out
}

// VDevInfo returns the persisted Info for an already-created VDev.
func (m *Manager) VDevInfo(vdevID uint32) (vdev.Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.vdevs[vdevID]
	if !ok {
		return vdev.Info{}, errs.New(errs.InvalidArgument, "device: unknown vdev %d", vdevID)
	}
	return *info, nil
}

// OpenVDev reconstructs the primary-chunk and mirror-replica lists for
// an already-created VDev by scanning every PDev's chunk table, the way
// engine.Open rebuilds *vdev.VDev handles after a restart rather than
// after a fresh create_vdev call (spec.md §4.2 "rebuild the runtime
// handle from the persisted chunk records").
func (m *Manager) OpenVDev(vdevID uint32) (vdev.Info, []chunk.Info, map[uint32][]chunk.Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	info, ok := m.vdevs[vdevID]
	if !ok {
		return vdev.Info{}, nil, nil, errs.New(errs.InvalidArgument, "device: unknown vdev %d", vdevID)
	}

	var primary []chunk.Info
	mirrors := make(map[uint32][]chunk.Info)
	for _, pe := range m.pdevs {
		for _, ci := range pe.chunks.Allocated() {
			if ci.Free() || ci.VDevID != vdevID {
				continue
			}
			if ci.PrimaryChunkID == chunk.NoPrimary {
				primary = append(primary, ci)
			} else {
				mirrors[ci.PrimaryChunkID] = append(mirrors[ci.PrimaryChunkID], ci)
			}
		}
	}
	sort.Slice(primary, func(i, j int) bool { return primary[i].ChunkID < primary[j].ChunkID })
	for id := range mirrors {
		reps := mirrors[id]
		sort.Slice(reps, func(i, j int) bool { return reps[i].ChunkID < reps[j].ChunkID })
		mirrors[id] = reps
	}

	return *info, primary, mirrors, nil
}

// Close closes every PDev's underlying file handle.
func (m *Manager) Close() error {
	var first error
	for _, pe := range m.pdevs {
		if err := pe.dev.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
