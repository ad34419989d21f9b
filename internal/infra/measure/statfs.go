package measure

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/shirou/gopsutil/v4/disk"

	"github.com/ahrav/volscan/internal/domain/scanning"
)

// Statfs reports the usage of the filesystem holding the volume. It answers
// instantly but counts everything on that filesystem, so it is only a
// candidate when approximate results are acceptable.
type Statfs struct{ base }

func NewStatfs() *Statfs {
	m := new(Statfs)
	m.init(scanning.MethodInfo{
		Name:            MethodStatfs,
		Description:     "Filesystem usage from statfs; includes data outside the volume",
		PerformanceTier: scanning.PerformanceFast,
		AccuracyTier:    scanning.AccuracyApproximate,
		Features:        []string{scanning.FeatureSize, scanning.FeatureFileCount},
	})
	return m
}

// Probe checks that filesystem usage can be read on this host.
func (m *Statfs) Probe(ctx context.Context) bool {
	_, err := disk.UsageWithContext(ctx, string(filepath.Separator))
	return m.setAvailable(err == nil)
}

func (m *Statfs) Measure(ctx context.Context, path string, _ scanning.ProgressFunc) (scanning.Measurement, error) {
	root := filepath.Clean(path)
	if err := checkRoot(root); err != nil {
		return scanning.Measurement{}, err
	}

	usage, err := disk.UsageWithContext(ctx, root)
	if err != nil {
		return scanning.Measurement{}, fmt.Errorf("%w: %v", scanning.ErrMethodUnavailable, err)
	}

	return scanning.Measurement{
		TotalSize: int64(usage.Used),
		FileCount: int64(usage.InodesUsed),
	}, nil
}
