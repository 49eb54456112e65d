package vdev

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/blockvault/storeengine/chunk"
	"github.com/blockvault/storeengine/errs"
)

// PDevAccessor is the subset of pdev.PDev's I/O surface a VDev needs to
// issue block-addressed reads and writes against a chunk's backing
// device. Declared here rather than imported to avoid a dependency
// cycle (the Device Manager, which constructs VDevs, also owns PDevs).
type PDevAccessor interface {
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
}

// VDev is the runtime handle a Log Device (or any other block-addressed
// consumer) issues reads and writes through. It owns no chunk lifetime;
// the Device Manager remains the allocation authority (spec.md §3
// Ownership).
type VDev struct {
	info    Info
	pdevs   map[uint32]PDevAccessor // keyed by PDevID
	primary []chunk.Info            // primary chunks, in stripe order
	mirrors map[uint32][]chunk.Info // primary ChunkID -> its mirror replicas
}

// New builds a VDev runtime handle over the given primary chunks (in
// stripe order for Striped placement, single-element for SinglePDev) and
// their mirror replicas (for Mirrored placement), resolving each
// chunk's owning PDev through pdevs.
func New(info Info, pdevs map[uint32]PDevAccessor, primary []chunk.Info, mirrors map[uint32][]chunk.Info) *VDev {
	return &VDev{info: info, pdevs: pdevs, primary: primary, mirrors: mirrors}
}

// Info returns the VDev's persisted attributes.
func (v *VDev) Info() Info { return v.info }

// decompose maps a logical VDev offset to the primary chunk responsible
// for it and the byte offset within that chunk, per the striped
// placement decomposition (spec.md §4.2): stripe_index picks a primary
// chunk, offset_within_chunk is the remainder.
func (v *VDev) decompose(off int64) (chunk.Info, int64, error) {
	if len(v.primary) == 0 {
		return chunk.Info{}, 0, errs.New(errs.InvalidArgument, "vdev %d: no primary chunks", v.info.ID)
	}
	chunkSize := int64(v.primary[0].Size)
	if chunkSize <= 0 {
		return chunk.Info{}, 0, errs.New(errs.InvalidArgument, "vdev %d: zero chunk size", v.info.ID)
	}
	totalChunkIdx := off / chunkSize
	offsetWithinChunk := off % chunkSize

	switch v.info.PlacementPolicy {
	case SinglePDev, Mirrored:
		if int(totalChunkIdx) >= len(v.primary) {
			return chunk.Info{}, 0, errs.New(errs.InvalidArgument, "vdev %d: offset %d out of range", v.info.ID, off)
		}
		return v.primary[totalChunkIdx], offsetWithinChunk, nil
	case Striped:
		stripeIdx := totalChunkIdx % int64(len(v.primary))
		return v.primary[stripeIdx], offsetWithinChunk, nil
	default:
		return chunk.Info{}, 0, errs.New(errs.InvalidArgument, "vdev %d: unknown placement %d", v.info.ID, v.info.PlacementPolicy)
	}
}

func (v *VDev) replicasOf(c chunk.Info) []chunk.Info {
	if v.info.PlacementPolicy != Mirrored {
		return []chunk.Info{c}
	}
	return append([]chunk.Info{c}, v.mirrors[c.ChunkID]...)
}

// WriteAt writes p at logical offset off. Under Mirrored placement the
// write fans out to every replica concurrently and completes only once
// every replica acknowledges (spec.md §4.2); any single replica failure
// fails the whole write.
func (v *VDev) WriteAt(ctx context.Context, p []byte, off int64) error {
	c, within, err := v.decompose(off)
	if err != nil {
		return err
	}
	replicas := v.replicasOf(c)
	g, _ := errgroup.WithContext(ctx)
	for _, r := range replicas {
		r := r
		g.Go(func() error {
			dev, ok := v.pdevs[r.PDevID]
			if !ok {
				return errs.New(errs.DeviceIo, "vdev %d: no pdev %d for chunk %d", v.info.ID, r.PDevID, r.ChunkID)
			}
			physOff := int64(r.StartOffset) + within
			_, err := dev.WriteAt(p, physOff)
			return err
		})
	}
	return g.Wait()
}

// ReadAt reads into p from logical offset off. Under Mirrored placement
// any up-to-date replica may serve the read; this tries each replica in
// order and returns the first one that succeeds, falling through a
// failed replica rather than failing the whole read (spec.md §8: a read
// error on one mirror must not surface if another mirror can serve it).
// It does not itself detect divergence between replicas.
func (v *VDev) ReadAt(p []byte, off int64) (int, error) {
	c, within, err := v.decompose(off)
	if err != nil {
		return 0, err
	}
	replicas := v.replicasOf(c)
	physOff := int64(within)

	var lastErr error
	for _, r := range replicas {
		dev, ok := v.pdevs[r.PDevID]
		if !ok {
			lastErr = errs.New(errs.DeviceIo, "vdev %d: no pdev %d for chunk %d", v.info.ID, r.PDevID, r.ChunkID)
			continue
		}
		n, err := dev.ReadAt(p, int64(r.StartOffset)+physOff)
		if err == nil {
			return n, nil
		}
		lastErr = err
	}
	return 0, lastErr
}
