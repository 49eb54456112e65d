package pdev

import (
	"encoding/binary"

	"github.com/google/uuid"

	"github.com/blockvault/storeengine/errs"
	"github.com/blockvault/storeengine/internal/crc"
)

// magicHomestore is the 8-byte magic stamped into every PDev's first
// block (spec.md §6: "8-byte magic HOMESTORE_MAGIC"). Its value is a
// wire-format constant, not a reference to anything outside this repo.
const magicHomestore uint64 = 0x484f4d455354521f

// CurrentVersion is the first-block layout version this build writes and
// accepts. A first block with a higher version is a hard error (no
// in-place upgrade, spec.md §4.1).
const CurrentVersion uint32 = 1

const productNameSize = 64

// firstBlockSize is the on-wire size of firstBlock before padding to the
// device's atomic-write size.
const firstBlockSize = 8 + 4 + 4 + 8 + productNameSize + 16 + 4 + 4 + 4 + pdevInfoHeaderSize

const pdevInfoHeaderSize = 4 + 8 + 8 + 4 + 1 // id, data offset, size, attrs, mirror

// Attr bits for PDevInfoHeader.Attributes.
const (
	AttrDirectIO uint32 = 1 << iota
	AttrReadOnly
)

// PDevInfoHeader is this PDev's entry inside the shared first block.
type PDevInfoHeader struct {
	PDevID     uint32
	DataOffset uint64
	Size       uint64
	Attributes uint32
	Mirror     bool // HDD: the first block is also written at offset AtomicSize; the VDev and chunk tables are not mirrored
}

func (h PDevInfoHeader) marshalInto(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:4], h.PDevID)
	binary.LittleEndian.PutUint64(buf[4:12], h.DataOffset)
	binary.LittleEndian.PutUint64(buf[12:20], h.Size)
	binary.LittleEndian.PutUint32(buf[20:24], h.Attributes)
	if h.Mirror {
		buf[24] = 1
	} else {
		buf[24] = 0
	}
}

func unmarshalPDevInfoHeader(buf []byte) PDevInfoHeader {
	return PDevInfoHeader{
		PDevID:     binary.LittleEndian.Uint32(buf[0:4]),
		DataOffset: binary.LittleEndian.Uint64(buf[4:12]),
		Size:       binary.LittleEndian.Uint64(buf[12:20]),
		Attributes: binary.LittleEndian.Uint32(buf[20:24]),
		Mirror:     buf[24] != 0,
	}
}

// firstBlock is the header persisted at byte offset 0 of every PDev
// (spec.md §6), padded up to the device's atomic-write size when
// written.
type firstBlock struct {
	Magic       uint64
	CRC32       uint32
	Version     uint32
	Generation  uint64
	ProductName [productNameSize]byte
	SystemUUID  uuid.UUID
	NumPDevs    uint32
	NumVDevs    uint32
	NumChunks   uint32
	PDevHeader  PDevInfoHeader
}

func (fb *firstBlock) marshal(atomicSize int) []byte {
	buf := make([]byte, atomicSize)
	binary.LittleEndian.PutUint64(buf[0:8], fb.Magic)
	// CRC32 filled in below, after the rest of the buffer is populated.
	binary.LittleEndian.PutUint32(buf[12:16], fb.Version)
	binary.LittleEndian.PutUint64(buf[16:24], fb.Generation)
	copy(buf[24:24+productNameSize], fb.ProductName[:])
	off := 24 + productNameSize
	copy(buf[off:off+16], fb.SystemUUID[:])
	off += 16
	binary.LittleEndian.PutUint32(buf[off:off+4], fb.NumPDevs)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:off+4], fb.NumVDevs)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:off+4], fb.NumChunks)
	off += 4
	fb.PDevHeader.marshalInto(buf[off : off+pdevInfoHeaderSize])

	fb.CRC32 = crc.IEEE(buf[8:])
	binary.LittleEndian.PutUint32(buf[8:12], fb.CRC32)
	return buf
}

func unmarshalFirstBlock(buf []byte) (*firstBlock, error) {
	if len(buf) < firstBlockSize {
		return nil, errs.New(errs.DeviceFormat, "first block buffer too small: %d < %d", len(buf), firstBlockSize)
	}
	fb := &firstBlock{}
	fb.Magic = binary.LittleEndian.Uint64(buf[0:8])
	fb.CRC32 = binary.LittleEndian.Uint32(buf[8:12])
	fb.Version = binary.LittleEndian.Uint32(buf[12:16])
	fb.Generation = binary.LittleEndian.Uint64(buf[16:24])
	copy(fb.ProductName[:], buf[24:24+productNameSize])
	off := 24 + productNameSize
	copy(fb.SystemUUID[:], buf[off:off+16])
	off += 16
	fb.NumPDevs = binary.LittleEndian.Uint32(buf[off : off+4])
	off += 4
	fb.NumVDevs = binary.LittleEndian.Uint32(buf[off : off+4])
	off += 4
	fb.NumChunks = binary.LittleEndian.Uint32(buf[off : off+4])
	off += 4
	fb.PDevHeader = unmarshalPDevInfoHeader(buf[off : off+pdevInfoHeaderSize])
	return fb, nil
}

// isValid reports whether buf's magic matches and its CRC32 is correct.
// A first block with zero magic (never formatted) is reported as
// "absent", distinct from "corrupt".
func isValid(buf []byte) (present bool, crcOK bool) {
	magic := binary.LittleEndian.Uint64(buf[0:8])
	if magic == 0 {
		return false, false
	}
	if magic != magicHomestore {
		return true, false
	}
	storedCRC := binary.LittleEndian.Uint32(buf[8:12])
	tmp := make([]byte, len(buf)-8)
	copy(tmp, buf[8:])
	binary.LittleEndian.PutUint32(tmp[0:4], 0)
	computed := crc.IEEE(tmp)
	binary.LittleEndian.PutUint32(tmp[0:4], storedCRC)
	return true, computed == storedCRC
}
