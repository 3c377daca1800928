//go:build !unix

package destvolume

import "os"

func pwriteAt(f *os.File, p []byte, off int64) (int, error) {
	return f.WriteAt(p, off)
}

func preadAt(f *os.File, p []byte, off int64) (int, error) {
	return f.ReadAt(p, off)
}
