package measure

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strconv"

	"github.com/ahrav/volscan/internal/domain/scanning"
)

// Du measures a tree with the host's du(1). It reports allocated size only.
type Du struct {
	base
	binary string
}

func NewDu() *Du {
	m := &Du{binary: "du"}
	m.init(scanning.MethodInfo{
		Name:            MethodDu,
		Description:     "Host du -sk over the volume directory",
		PerformanceTier: scanning.PerformanceMedium,
		AccuracyTier:    scanning.AccuracyExact,
		Features:        []string{scanning.FeatureSize},
	})
	return m
}

// Probe checks that du is on PATH.
func (m *Du) Probe(context.Context) bool {
	_, err := exec.LookPath(m.binary)
	return m.setAvailable(err == nil)
}

func (m *Du) Measure(ctx context.Context, path string, _ scanning.ProgressFunc) (scanning.Measurement, error) {
	if !m.available.Load() {
		return scanning.Measurement{}, fmt.Errorf("%w: %s not found on PATH", scanning.ErrMethodUnavailable, m.binary)
	}

	root := filepath.Clean(path)
	if err := checkRoot(root); err != nil {
		return scanning.Measurement{}, err
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, m.binary, "-sk", root)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return scanning.Measurement{}, ctxErr
	}

	kb, parseErr := parseDuOutput(stdout.Bytes())
	if parseErr != nil {
		if runErr != nil {
			return scanning.Measurement{}, fmt.Errorf("du failed: %w: %s", runErr, bytes.TrimSpace(stderr.Bytes()))
		}
		return scanning.Measurement{}, parseErr
	}

	// du exits non-zero when some entries were unreadable but still prints a
	// total for everything it could read.
	return scanning.Measurement{TotalSize: kb * 1024}, nil
}

// parseDuOutput extracts the kilobyte total from "<kb>\t<path>".
func parseDuOutput(out []byte) (int64, error) {
	fields := bytes.Fields(out)
	if len(fields) == 0 {
		return 0, fmt.Errorf("du produced no output")
	}
	kb, err := strconv.ParseInt(string(fields[0]), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("unexpected du output %q: %w", fields[0], err)
	}
	return kb, nil
}
