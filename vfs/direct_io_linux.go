//go:build linux

package vfs

import (
	"os"

	"golang.org/x/sys/unix"
)

// DirectIOOption re-opens the underlying *os.File with O_DIRECT, bypassing
// the page cache. It only has an effect against defaultFS, and only on
// Linux; on other platforms or against MemFS it is a silent no-op, mirroring
// the teacher's own treatment of RandomReadsOption.
var DirectIOOption OpenOption = directIOOption{}

type directIOOption struct{}

func (directIOOption) Apply(f File) {
	osFile, ok := f.(*os.File)
	if !ok {
		return
	}
	fd := osFile.Fd()
	flags, err := unix.FcntlInt(fd, unix.F_GETFL, 0)
	if err != nil {
		return
	}
	_, _ = unix.FcntlInt(fd, unix.F_SETFL, flags|unix.O_DIRECT)
}
