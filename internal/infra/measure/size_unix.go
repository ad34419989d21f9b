//go:build !windows

package measure

import (
	"io/fs"
	"sync"
	"syscall"
)

type inodeKey struct {
	dev uint64
	ino uint64
}

// diskUsage returns the bytes allocated to a file, or -1 when the file is a
// hard link already counted.
func diskUsage(info fs.FileInfo, seen *sync.Map) int64 {
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return info.Size()
	}

	if stat.Nlink > 1 {
		key := inodeKey{dev: uint64(stat.Dev), ino: uint64(stat.Ino)}
		if _, exists := seen.LoadOrStore(key, struct{}{}); exists {
			return -1
		}
	}

	// Blocks is in 512-byte units.
	return int64(stat.Blocks) * 512
}
