//go:build unix

package destvolume

import (
	"os"

	"golang.org/x/sys/unix"
)

// pwriteAt and preadAt use the raw unix syscall directly rather than
// os.File.WriteAt/ReadAt, so that each call issues exactly one positioned
// pwrite(2) or pread(2) on the file's descriptor.
func pwriteAt(f *os.File, p []byte, off int64) (int, error) {
	return unix.Pwrite(int(f.Fd()), p, off)
}

func preadAt(f *os.File, p []byte, off int64) (int, error) {
	return unix.Pread(int(f.Fd()), p, off)
}
