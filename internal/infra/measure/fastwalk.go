package measure

import (
	"context"
	"io/fs"
	"path/filepath"
	"sync"

	"github.com/charlievieth/fastwalk"

	"github.com/ahrav/volscan/internal/domain/scanning"
)

// Fastwalk measures a tree exactly with a parallel directory walk.
type Fastwalk struct {
	base
	workers int
}

// NewFastwalk creates the parallel walker. workers <= 0 lets fastwalk pick.
func NewFastwalk(workers int) *Fastwalk {
	m := &Fastwalk{workers: workers}
	m.init(scanning.MethodInfo{
		Name:            MethodFastwalk,
		Description:     "Parallel directory walk summing allocated file sizes",
		PerformanceTier: scanning.PerformanceFast,
		AccuracyTier:    scanning.AccuracyExact,
		Features: []string{
			scanning.FeatureSize, scanning.FeatureFileCount,
			scanning.FeatureDirectoryCount, scanning.FeatureProgress,
		},
	})
	return m
}

func (m *Fastwalk) Probe(context.Context) bool { return m.setAvailable(true) }

func (m *Fastwalk) Measure(ctx context.Context, path string, progress scanning.ProgressFunc) (scanning.Measurement, error) {
	root := filepath.Clean(path)
	if err := checkRoot(root); err != nil {
		return scanning.Measurement{}, err
	}

	var (
		c    counter
		seen sync.Map
	)
	conf := &fastwalk.Config{Follow: false, NumWorkers: m.workers}

	err := fastwalk.Walk(conf, root, func(p string, d fs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			if p == root {
				return err
			}
			// Unreadable entries below the root are skipped.
			return nil
		}
		if p == root {
			return nil
		}

		if d.IsDir() {
			c.dirs.Add(1)
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return nil
		}
		size := diskUsage(info, &seen)
		if size < 0 {
			return nil
		}
		c.addFile(size, p, progress)
		return nil
	})
	if err != nil {
		return scanning.Measurement{}, err
	}

	return c.measurement(), nil
}
