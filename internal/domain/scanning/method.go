package scanning

import (
	"context"
	"fmt"
	"strings"
)

// PerformanceTier ranks how quickly a method completes relative to the others.
type PerformanceTier string

const (
	PerformanceFast   PerformanceTier = "fast"
	PerformanceMedium PerformanceTier = "medium"
	PerformanceSlow   PerformanceTier = "slow"
)

// Rank orders tiers; lower is faster.
func (t PerformanceTier) Rank() int {
	switch t {
	case PerformanceFast:
		return 0
	case PerformanceMedium:
		return 1
	case PerformanceSlow:
		return 2
	default:
		return 3
	}
}

// AccuracyTier describes how faithful a method's numbers are.
type AccuracyTier string

const (
	AccuracyApproximate AccuracyTier = "approximate"
	AccuracyExact       AccuracyTier = "exact"
)

// Rank orders tiers; higher is more accurate.
func (a AccuracyTier) Rank() int {
	switch a {
	case AccuracyExact:
		return 1
	case AccuracyApproximate:
		return 0
	default:
		return -1
	}
}

// AtLeast reports whether a is at least as accurate as floor.
func (a AccuracyTier) AtLeast(floor AccuracyTier) bool { return a.Rank() >= floor.Rank() }

// ParseAccuracyTier converts a string to an AccuracyTier.
func ParseAccuracyTier(s string) (AccuracyTier, error) {
	switch strings.ToLower(s) {
	case "exact":
		return AccuracyExact, nil
	case "approximate":
		return AccuracyApproximate, nil
	default:
		return "", fmt.Errorf("unknown accuracy tier %q", s)
	}
}

// Method features.
const (
	FeatureSize           = "size"
	FeatureFileCount      = "file_count"
	FeatureDirectoryCount = "directory_count"
	FeatureProgress       = "progress"
)

// MethodInfo is the capability metadata of a measurement method.
type MethodInfo struct {
	Name            string          `json:"name"`
	Available       bool            `json:"available"`
	Description     string          `json:"description"`
	PerformanceTier PerformanceTier `json:"performance_tier"`
	AccuracyTier    AccuracyTier    `json:"accuracy_tier"`
	Features        []string        `json:"features"`
}

// HasFeature reports whether the method advertises feature f.
func (m MethodInfo) HasFeature(f string) bool {
	for _, have := range m.Features {
		if have == f {
			return true
		}
	}
	return false
}

// Measurer is a single measurement strategy.
type Measurer interface {
	// Info returns the method's metadata as of the last availability probe.
	Info() MethodInfo
	// Probe re-checks whether the method can run on this host.
	Probe(ctx context.Context) bool
	// Measure computes the size of the tree rooted at path. Implementations
	// must honor ctx cancellation promptly.
	Measure(ctx context.Context, path string, progress ProgressFunc) (Measurement, error)
}
