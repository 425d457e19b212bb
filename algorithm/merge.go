package algorithm

import (
	"log"
	"math"
	"sort"

	"github.com/itskum47/ThresholdForge/store"
)

// Merger consolidates adjacent threshold blocks. A greedy pass merges
// contiguous blocks whose bounds agree within 10%, and when the result still
// exceeds the block cap a hierarchical pass keeps merging the most similar
// contiguous pair until it fits.
type Merger struct {
	maxBlocks int
}

// NewMerger returns a Merger with the given block cap. Non-positive caps
// fall back to the default.
func NewMerger(maxBlocks int) *Merger {
	if maxBlocks <= 0 {
		maxBlocks = DefaultMaximumThresholdBlocks
	}
	return &Merger{maxBlocks: maxBlocks}
}

// MergeContinuous merges contiguous, similar threshold blocks. Blocks
// without any bound are dropped unless at most one block carries a bound, in
// which case the input comes back unchanged.
func (m *Merger) MergeContinuous(thresholds []store.ThresholdConfig) []store.ThresholdConfig {
	valid := make([]store.ThresholdConfig, 0, len(thresholds))
	for _, t := range thresholds {
		if t.UpperBound != nil || t.LowerBound != nil {
			valid = append(valid, t)
		}
	}
	if len(valid) <= 1 {
		return thresholds
	}

	sort.SliceStable(valid, func(a, b int) bool { return valid[a].StartHour < valid[b].StartHour })

	var merged []store.ThresholdConfig
	group := []store.ThresholdConfig{valid[0]}
	for _, next := range valid[1:] {
		if group[len(group)-1].EndHour == next.StartHour {
			test := append(append([]store.ThresholdConfig{}, group...), next)
			if canMergeConfigs(test) {
				group = append(group, next)
				continue
			}
		}
		merged = append(merged, mergeConfigs(group))
		group = []store.ThresholdConfig{next}
	}
	merged = append(merged, mergeConfigs(group))

	if len(merged) > m.maxBlocks {
		merged = m.hierarchical(merged)
	}
	return merged
}

// canMergeConfigs reports whether the blocks agree closely enough to become
// one: identical window sizes and both bound spreads within 10% of their
// maximum (a zero maximum requires all bounds equal).
func canMergeConfigs(configs []store.ThresholdConfig) bool {
	if len(configs) <= 1 {
		return true
	}

	for _, c := range configs[1:] {
		if c.WindowSize != configs[0].WindowSize {
			return false
		}
	}

	var uppers, lowers []float64
	for _, c := range configs {
		if c.UpperBound != nil {
			uppers = append(uppers, *c.UpperBound)
		}
		if c.LowerBound != nil {
			lowers = append(lowers, *c.LowerBound)
		}
	}
	return boundsWithinTolerance(uppers) && boundsWithinTolerance(lowers)
}

func boundsWithinTolerance(bounds []float64) bool {
	if len(bounds) == 0 {
		return true
	}
	maxBound, minBound := bounds[0], bounds[0]
	for _, b := range bounds[1:] {
		if b > maxBound {
			maxBound = b
		}
		if b < minBound {
			minBound = b
		}
	}
	if maxBound == 0 {
		return maxBound == minBound
	}
	return (maxBound-minBound)/maxBound <= 0.1
}

// mergeConfigs collapses contiguous blocks into one, keeping the widest
// alarm margin: the highest upper bound and the lowest lower bound.
func mergeConfigs(configs []store.ThresholdConfig) store.ThresholdConfig {
	if len(configs) == 1 {
		return configs[0]
	}

	var upper, lower *float64
	for _, c := range configs {
		if c.UpperBound != nil && (upper == nil || *c.UpperBound > *upper) {
			v := *c.UpperBound
			upper = &v
		}
		if c.LowerBound != nil && (lower == nil || *c.LowerBound < *lower) {
			v := *c.LowerBound
			lower = &v
		}
	}

	return store.ThresholdConfig{
		StartHour:  configs[0].StartHour,
		EndHour:    configs[len(configs)-1].EndHour,
		UpperBound: upper,
		LowerBound: lower,
		WindowSize: configs[0].WindowSize,
	}
}

// mergeDifference scores how similar two blocks are: the mean relative
// difference of the bounds both blocks carry. Lower means more similar.
func mergeDifference(a, b store.ThresholdConfig) float64 {
	var sum float64
	var count int

	if a.UpperBound != nil && b.UpperBound != nil {
		if denom := math.Max(math.Abs(*a.UpperBound), math.Abs(*b.UpperBound)); denom > 0 {
			sum += math.Abs(*a.UpperBound-*b.UpperBound) / denom
			count++
		}
	}
	if a.LowerBound != nil && b.LowerBound != nil {
		if denom := math.Max(math.Abs(*a.LowerBound), math.Abs(*b.LowerBound)); denom > 0 {
			sum += math.Abs(*a.LowerBound-*b.LowerBound) / denom
			count++
		}
	}

	if count == 0 {
		return 0
	}
	return sum / float64(count)
}

// hierarchical keeps merging the most similar contiguous adjacent pair until
// the block cap is met or nothing contiguous remains. Similarity is judged
// on the blocks at the seam so far-apart members never dominate the score.
func (m *Merger) hierarchical(thresholds []store.ThresholdConfig) []store.ThresholdConfig {
	if len(thresholds) <= m.maxBlocks {
		return thresholds
	}

	blocks := make([][]store.ThresholdConfig, len(thresholds))
	for i, t := range thresholds {
		blocks[i] = []store.ThresholdConfig{t}
	}

	for len(blocks) > m.maxBlocks {
		minDiff := math.Inf(1)
		minIdx := -1

		for i := 0; i < len(blocks)-1; i++ {
			currentLast := blocks[i][len(blocks[i])-1]
			nextFirst := blocks[i+1][0]
			if currentLast.EndHour != nextFirst.StartHour {
				continue
			}
			if diff := mergeDifference(currentLast, nextFirst); diff < minDiff {
				minDiff = diff
				minIdx = i
			}
		}

		if minIdx == -1 {
			log.Printf("Merger: ⚠️ cannot merge further, no continuous blocks among %d", len(blocks))
			break
		}

		blocks[minIdx] = append(blocks[minIdx], blocks[minIdx+1]...)
		blocks = append(blocks[:minIdx+1], blocks[minIdx+2:]...)
	}

	result := make([]store.ThresholdConfig, 0, len(blocks))
	for _, block := range blocks {
		result = append(result, mergeConfigs(block))
	}
	return result
}
