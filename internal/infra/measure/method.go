// Package measure provides the built-in volume size measurement methods and
// the registry that orders them for the scheduler.
package measure

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync/atomic"

	"github.com/ahrav/volscan/internal/domain/scanning"
)

// Built-in method names.
const (
	MethodStatfs   = "statfs"
	MethodFastwalk = "fastwalk"
	MethodDu       = "du"
	MethodWalk     = "walk"
)

// progressEvery is how many files a walker counts between progress reports.
const progressEvery = 256

// base carries the static metadata and last probed availability shared by
// every method.
type base struct {
	info      scanning.MethodInfo
	available atomic.Bool
}

func (b *base) init(info scanning.MethodInfo) {
	b.info = info
	b.available.Store(true)
}

// Info returns the method metadata with its current availability.
func (b *base) Info() scanning.MethodInfo {
	info := b.info
	info.Available = b.available.Load()
	info.Features = append([]string(nil), b.info.Features...)
	return info
}

func (b *base) setAvailable(ok bool) bool {
	b.available.Store(ok)
	return ok
}

// checkRoot verifies that path is an existing, readable directory so every
// method classifies a bad target the same way before doing any work.
func checkRoot(path string) error {
	fi, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", scanning.ErrVolumeNotFound, path)
		}
		return err
	}
	if !fi.IsDir() {
		return fmt.Errorf("%w: %s is not a directory", scanning.ErrInvalidVolumePath, path)
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	return f.Close()
}

// counter accumulates walk totals. Walk callbacks may run concurrently.
type counter struct {
	size  atomic.Int64
	files atomic.Int64
	dirs  atomic.Int64
}

func (c *counter) addFile(size int64, path string, progress scanning.ProgressFunc) {
	c.size.Add(size)
	n := c.files.Add(1)
	if progress != nil && n%progressEvery == 0 {
		progress(scanning.Progress{FilesScanned: n, BytesFound: c.size.Load(), CurrentPath: path})
	}
}

func (c *counter) measurement() scanning.Measurement {
	return scanning.Measurement{
		TotalSize:      c.size.Load(),
		FileCount:      c.files.Load(),
		DirectoryCount: c.dirs.Load(),
	}
}
