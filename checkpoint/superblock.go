package checkpoint

import (
	"encoding/binary"

	"github.com/blockvault/storeengine/errs"
)

// SuperBlockName is the meta-block registration name the Checkpoint
// Manager registers its super-block under (spec.md §6).
const SuperBlockName = "CPSuperBlock"

const superBlockMagic uint32 = 0x43505342 // "CPSB"
const superBlockVersion uint16 = 1
const SuperBlockSize = 4 + 2 + 8

// SuperBlock is the on-disk record of the last checkpoint known to have
// flushed durably (spec.md §6 "CP super-block").
type SuperBlock struct {
	LastFlushedCPID uint64
}

// Marshal encodes sb as the on-wire CP super-block.
func (sb SuperBlock) Marshal() []byte {
	buf := make([]byte, SuperBlockSize)
	binary.LittleEndian.PutUint32(buf[0:4], superBlockMagic)
	binary.LittleEndian.PutUint16(buf[4:6], superBlockVersion)
	binary.LittleEndian.PutUint64(buf[6:14], sb.LastFlushedCPID)
	return buf
}

// UnmarshalSuperBlock decodes buf, which must be the exact blob the
// meta-block service replays on boot.
func UnmarshalSuperBlock(buf []byte) (SuperBlock, error) {
	if len(buf) < SuperBlockSize {
		return SuperBlock{}, errs.New(errs.DeviceFormat, "checkpoint: super block buffer too small: %d < %d", len(buf), SuperBlockSize)
	}
	magic := binary.LittleEndian.Uint32(buf[0:4])
	if magic != superBlockMagic {
		return SuperBlock{}, errs.New(errs.DeviceFormat, "checkpoint: super block magic mismatch")
	}
	version := binary.LittleEndian.Uint16(buf[4:6])
	if version > superBlockVersion {
		return SuperBlock{}, errs.New(errs.DeviceFormat, "checkpoint: super block version %d > %d", version, superBlockVersion)
	}
	return SuperBlock{LastFlushedCPID: binary.LittleEndian.Uint64(buf[6:14])}, nil
}
