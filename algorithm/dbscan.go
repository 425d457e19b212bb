package algorithm

import (
	"sort"
)

// dbscan1D clusters one-dimensional values with the DBSCAN density rule.
// A point is a core point when at least minSamples values (itself included)
// lie within eps of it. Chains of core points within eps of each other form
// a cluster; non-core points within eps of a core point join the cluster of
// the nearest one. Everything else is labeled -1 (noise). Cluster IDs are
// assigned from 0 in ascending value order.
//
// Sorting makes every eps-neighborhood a contiguous range, so neighbor
// counts come from two binary searches instead of a distance matrix.
func dbscan1D(values []float64, eps float64, minSamples int) []int {
	n := len(values)
	labels := make([]int, n)
	for i := range labels {
		labels[i] = -1
	}
	if n == 0 || minSamples > n {
		return labels
	}

	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool { return values[order[a]] < values[order[b]] })

	sorted := make([]float64, n)
	for i, idx := range order {
		sorted[i] = values[idx]
	}

	// Core flags by neighborhood size within [v-eps, v+eps].
	core := make([]bool, n)
	for i := 0; i < n; i++ {
		lo := sort.SearchFloat64s(sorted, sorted[i]-eps)
		hi := sort.Search(n, func(k int) bool { return sorted[k] > sorted[i]+eps })
		if hi-lo >= minSamples {
			core[i] = true
		}
	}

	// Cluster core points: consecutive cores within eps share a cluster.
	sortedLabels := make([]int, n)
	for i := range sortedLabels {
		sortedLabels[i] = -1
	}
	cluster := -1
	lastCore := -1
	for i := 0; i < n; i++ {
		if !core[i] {
			continue
		}
		if lastCore == -1 || sorted[i]-sorted[lastCore] > eps {
			cluster++
		}
		sortedLabels[i] = cluster
		lastCore = i
	}

	// Attach border points to the nearest core point within eps.
	for i := 0; i < n; i++ {
		if core[i] || sortedLabels[i] != -1 {
			continue
		}
		best := -1
		bestDist := eps
		for j := i - 1; j >= 0 && sorted[i]-sorted[j] <= eps; j-- {
			if core[j] {
				best = j
				bestDist = sorted[i] - sorted[j]
				break
			}
		}
		for j := i + 1; j < n && sorted[j]-sorted[i] <= eps; j++ {
			if core[j] {
				if sorted[j]-sorted[i] < bestDist || best == -1 {
					best = j
				}
				break
			}
		}
		if best != -1 {
			sortedLabels[i] = sortedLabels[best]
		}
	}

	for i, idx := range order {
		labels[idx] = sortedLabels[i]
	}
	return labels
}
