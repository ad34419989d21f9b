package measure

import (
	"context"
	"io/fs"
	"path/filepath"
	"sync"

	"github.com/ahrav/volscan/internal/domain/scanning"
)

// Walk measures a tree exactly with a sequential directory walk. It is the
// slowest method and the one with the fewest moving parts.
type Walk struct{ base }

func NewWalk() *Walk {
	m := new(Walk)
	m.init(scanning.MethodInfo{
		Name:            MethodWalk,
		Description:     "Sequential directory walk summing allocated file sizes",
		PerformanceTier: scanning.PerformanceSlow,
		AccuracyTier:    scanning.AccuracyExact,
		Features: []string{
			scanning.FeatureSize, scanning.FeatureFileCount,
			scanning.FeatureDirectoryCount, scanning.FeatureProgress,
		},
	})
	return m
}

func (m *Walk) Probe(context.Context) bool { return m.setAvailable(true) }

func (m *Walk) Measure(ctx context.Context, path string, progress scanning.ProgressFunc) (scanning.Measurement, error) {
	root := filepath.Clean(path)
	if err := checkRoot(root); err != nil {
		return scanning.Measurement{}, err
	}

	var (
		c    counter
		seen sync.Map
	)
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			if p == root {
				return err
			}
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
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
		if size := diskUsage(info, &seen); size >= 0 {
			c.addFile(size, p, progress)
		}
		return nil
	})
	if err != nil {
		return scanning.Measurement{}, err
	}

	return c.measurement(), nil
}
