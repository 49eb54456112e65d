// Package pdev implements the Physical Device: the first-block and
// super-block region persisted at the head of every raw device or file
// backing the store (spec.md §3, §4.1, §6), and the aligned read/write
// path the rest of the engine issues requests against.
//
// Grounded on the teacher's vfs.File abstraction (vfs/vfs.go) for the
// underlying handle, and on the original implementation's
// physical_dev.hpp/device_manager.cpp for the format/load split and the
// HDD mirror fallback.
package pdev

import (
	"os"
	"sync"

	"github.com/google/uuid"

	"github.com/blockvault/storeengine/errs"
	"github.com/blockvault/storeengine/vfs"
)

// OpenMode selects how a PDev's underlying file handle is opened.
type OpenMode int

const (
	// Buffered opens the device through the host page cache.
	Buffered OpenMode = iota
	// Direct requests O_DIRECT (Linux only; a no-op elsewhere, spec.md
	// §6 direct_io_mode).
	Direct
	// ReadOnly opens the device without write access, for read-only
	// consumers (e.g. an offline scan tool).
	ReadOnly
)

// PDev is one physical device backing the store: a raw block device or a
// regular file standing in for one in tests. It owns the first block and
// super-block region at the start of the device; everything past
// DataOffset is chunk space managed by the Device Manager.
type PDev struct {
	mu sync.Mutex

	fs   vfs.FS
	path string
	file vfs.File

	id          uint32
	systemUUID  uuid.UUID
	size        uint64
	atomicSize  int
	mirror      bool
	attrs       uint32
	dataOffset  uint64
	generation  uint64
	productName string
	numPDevs    uint32
}

// Params describes how to format a brand-new PDev.
type Params struct {
	Path        string
	ID          uint32
	SystemUUID  uuid.UUID
	AtomicSize  int
	Mirror      bool
	Attrs       uint32
	ProductName string

	// NumPDevs is the total number of PDevs in the system this device is
	// being formatted as part of, persisted into the first block so a
	// later LoadDevices call can refuse a presented device set whose
	// count differs (spec.md §4.2: "no dynamic add/remove").
	NumPDevs uint32

	// SuperBlockSize is the byte size to reserve at the start of the
	// device for the VDev table and chunk bitmap/table, above and
	// beyond the first block itself. The Device Manager computes this
	// from its configured max_vdevs/max_chunks; a zero value falls back
	// to a small fixed size for callers (e.g. tests) that only exercise
	// the first block.
	SuperBlockSize int
}

func openFlags(fs vfs.FS, path string, mode OpenMode) (vfs.File, error) {
	var opts []vfs.OpenOption
	if mode == Direct {
		opts = append(opts, vfs.DirectIOOption)
	}
	if mode == ReadOnly {
		return fs.Open(path, opts...)
	}
	return fs.OpenReadWrite(path, opts...)
}

// Format stamps a brand-new first block onto the device at path and
// returns the resulting PDev handle. It fails if the device is smaller
// than the minimum super-block, or on I/O error; it never refuses to
// overwrite an already-formatted device (the Device Manager decides,
// based on load_devices, whether formatting is appropriate).
func Format(fs vfs.FS, mode OpenMode, p Params) (*PDev, error) {
	f, err := openFlags(fs, p.Path, mode)
	if err != nil {
		return nil, errs.Mark(errs.DeviceIo, err, "pdev: open %q for format", p.Path)
	}
	info, err := f.Stat()
	if err != nil {
		return nil, errs.Mark(errs.DeviceIo, err, "pdev: stat %q", p.Path)
	}
	size := uint64(info.Size())
	atomicSize := p.AtomicSize
	if atomicSize <= 0 {
		atomicSize = 4096
	}
	sbSize := p.SuperBlockSize
	if sbSize <= 0 {
		sbSize = superBlockRegionSize(atomicSize)
	}
	firstBlockRegion := atomicSize
	if p.Mirror {
		firstBlockRegion *= 2
	}
	dataOffset := uint64(firstBlockRegion) + uint64(sbSize)
	if size != 0 && size < dataOffset {
		f.Close()
		return nil, errs.New(errs.DeviceFormat, "pdev: device %q too small for super-block region: %d < %d", p.Path, size, dataOffset)
	}

	pd := &PDev{
		fs:          fs,
		path:        p.Path,
		file:        f,
		id:          p.ID,
		systemUUID:  p.SystemUUID,
		size:        size,
		atomicSize:  atomicSize,
		mirror:      p.Mirror,
		attrs:       p.Attrs,
		dataOffset:  dataOffset,
		generation:  1,
		productName: p.ProductName,
		numPDevs:    p.NumPDevs,
	}
	if err := pd.writeFirstBlock(p.NumPDevs, 0, 0); err != nil {
		f.Close()
		return nil, err
	}
	return pd, nil
}

// Load opens an already-formatted device and validates its first block
// against wantSystemUUID. A zero wantSystemUUID skips that check (used
// when loading the very first PDev of a system, before its UUID is
// known).
func Load(fs vfs.FS, mode OpenMode, path string, id uint32, wantSystemUUID uuid.UUID) (*PDev, error) {
	f, err := openFlags(fs, path, mode)
	if err != nil {
		return nil, errs.Mark(errs.DeviceIo, err, "pdev: open %q for load", path)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errs.Mark(errs.DeviceIo, err, "pdev: stat %q", path)
	}
	size := uint64(info.Size())

	buf, err := readAligned(f, 0, 4096)
	if err != nil {
		f.Close()
		return nil, errs.Mark(errs.DeviceIo, err, "pdev: read first block %q", path)
	}
	present, crcOK := isValid(buf)
	if present && !crcOK {
		// A corrupt primary first block falls back to the mirrored copy
		// Format writes one atomic block further in when Mirror is set.
		if mbuf, merr := readAligned(f, 4096, 4096); merr == nil {
			if mPresent, mOK := isValid(mbuf); mPresent && mOK {
				if mfb, uerr := unmarshalFirstBlock(mbuf); uerr == nil && mfb.PDevHeader.Mirror {
					buf, crcOK = mbuf, true
				}
			}
		}
	}
	if !present {
		f.Close()
		return nil, errs.New(errs.DeviceFormat, "pdev: %q was never formatted", path)
	}
	if !crcOK {
		f.Close()
		return nil, errs.New(errs.DeviceFormat, "pdev: %q first block CRC mismatch", path)
	}
	fb, err := unmarshalFirstBlock(buf)
	if err != nil {
		f.Close()
		return nil, err
	}
	if fb.Version > CurrentVersion {
		f.Close()
		return nil, errs.New(errs.DeviceFormat, "pdev: %q formatted with newer version %d > %d", path, fb.Version, CurrentVersion)
	}
	var zero uuid.UUID
	if wantSystemUUID != zero && fb.SystemUUID != wantSystemUUID {
		f.Close()
		return nil, errs.New(errs.DeviceFormat, "pdev: %q system UUID mismatch", path)
	}

	pd := &PDev{
		fs:          fs,
		path:        path,
		file:        f,
		id:          fb.PDevHeader.PDevID,
		systemUUID:  fb.SystemUUID,
		size:        size,
		atomicSize:  4096,
		mirror:      fb.PDevHeader.Mirror,
		attrs:       fb.PDevHeader.Attributes,
		dataOffset:  fb.PDevHeader.DataOffset,
		generation:  fb.Generation,
		productName: trimProductName(fb.ProductName),
		numPDevs:    fb.NumPDevs,
	}
	return pd, nil
}

func trimProductName(b [productNameSize]byte) string {
	n := 0
	for n < len(b) && b[n] != 0 {
		n++
	}
	return string(b[:n])
}

// superBlockRegionSize is the size in bytes reserved for the VDev table
// and chunk bitmap/table (spec.md §3: "super-block region containing the
// VDev table and the chunk bitmap/table") when Params.SuperBlockSize is
// zero: a fixed multiple of the atomic size, placed after the first
// block. The Device Manager always passes its own size instead.
func superBlockRegionSize(atomicSize int) int {
	return atomicSize * 16
}

func (pd *PDev) writeFirstBlock(numPDevs, numVDevs, numChunks uint32) error {
	var productName [productNameSize]byte
	copy(productName[:], pd.productName)

	fb := &firstBlock{
		Magic:       magicHomestore,
		Version:     CurrentVersion,
		Generation:  pd.generation,
		ProductName: productName,
		SystemUUID:  pd.systemUUID,
		NumPDevs:    numPDevs,
		NumVDevs:    numVDevs,
		NumChunks:   numChunks,
		PDevHeader: PDevInfoHeader{
			PDevID:     pd.id,
			DataOffset: pd.dataOffset,
			Size:       pd.size,
			Attributes: pd.attrs,
			Mirror:     pd.mirror,
		},
	}
	buf := fb.marshal(pd.atomicSize)
	if _, err := pd.file.WriteAt(buf, 0); err != nil {
		return errs.Mark(errs.DeviceIo, err, "pdev: write first block %q", pd.path)
	}
	if pd.mirror {
		mirrorOff := int64(pd.atomicSize)
		if _, err := pd.file.WriteAt(buf, mirrorOff); err != nil {
			return errs.Mark(errs.DeviceIo, err, "pdev: write mirrored first block %q", pd.path)
		}
	}
	return pd.file.Sync()
}

func readAligned(f vfs.File, off int64, n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := f.ReadAt(buf, off); err != nil {
		return nil, err
	}
	return buf, nil
}

// ID returns this PDev's dense index, assigned at format time.
func (pd *PDev) ID() uint32 { return pd.id }

// SystemUUID returns the system UUID stamped into this PDev's first
// block, shared by every PDev of the same system.
func (pd *PDev) SystemUUID() uuid.UUID { return pd.systemUUID }

// NumPDevs returns the total PDev count stamped into this PDev's first
// block at format time, for LoadDevices to validate the presented device
// set against (spec.md §4.2).
func (pd *PDev) NumPDevs() uint32 { return pd.numPDevs }

// Size returns the device's total size in bytes, as reported by the
// filesystem at open time.
func (pd *PDev) Size() uint64 { return pd.size }

// DataOffset returns the byte offset where chunk space begins: the
// first-block region (two atomic blocks when mirrored) plus the
// super-block region.
func (pd *PDev) DataOffset() uint64 { return pd.dataOffset }

// AtomicSize returns the device's atomic-write granularity.
func (pd *PDev) AtomicSize() int { return pd.atomicSize }

// ReadAt issues an aligned read at a chunk-relative offset translated by
// the caller to an absolute device offset. off and len(p) are expected
// to already be aligned to AtomicSize; callers that violate this get
// whatever the underlying vfs.File does with misaligned direct I/O.
func (pd *PDev) ReadAt(p []byte, off int64) (int, error) {
	n, err := pd.file.ReadAt(p, off)
	if err != nil {
		return n, errs.Mark(errs.DeviceIo, err, "pdev: read %q at %d", pd.path, off)
	}
	return n, nil
}

// WriteAt issues an aligned write at an absolute device offset.
func (pd *PDev) WriteAt(p []byte, off int64) (int, error) {
	n, err := pd.file.WriteAt(p, off)
	if err != nil {
		return n, errs.Mark(errs.DeviceIo, err, "pdev: write %q at %d", pd.path, off)
	}
	return n, nil
}

// Sync flushes the device's write buffer, committing prior WriteAt calls
// before a caller relies on crash-durability (e.g. before advancing a
// checkpoint).
func (pd *PDev) Sync() error {
	if err := pd.file.Sync(); err != nil {
		return errs.Mark(errs.DeviceIo, err, "pdev: sync %q", pd.path)
	}
	return nil
}

// Close releases the underlying file handle.
func (pd *PDev) Close() error {
	pd.mu.Lock()
	defer pd.mu.Unlock()
	return pd.file.Close()
}

// Stat re-reads the underlying file's metadata.
func (pd *PDev) Stat() (os.FileInfo, error) {
	return pd.file.Stat()
}
