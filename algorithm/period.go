package algorithm

import (
	"errors"
	"log"
	"math"
	"sort"
)

// PeriodDetector decides whether a time series repeats on a daily cycle.
// It tolerates missing points, irregular sampling and partial days: data is
// bucketed per day on the dominant sampling interval, sparse days are
// dropped, and the remaining days are compared pairwise with Pearson
// correlation.
type PeriodDetector struct {
	correlationThreshold float64
	minDataPointsPerDay  int
	minCommonPoints      int
}

// NewPeriodDetector validates the detection thresholds and returns a detector.
func NewPeriodDetector(correlationThreshold float64, minDataPointsPerDay, minCommonPoints int) (*PeriodDetector, error) {
	if correlationThreshold < 0 || correlationThreshold > 1 {
		return nil, errors.New("correlation threshold must be between 0 and 1")
	}
	if minDataPointsPerDay <= 0 {
		return nil, errors.New("min data points per day must be positive")
	}
	if minCommonPoints <= 0 {
		return nil, errors.New("min common points must be positive")
	}
	return &PeriodDetector{
		correlationThreshold: correlationThreshold,
		minDataPointsPerDay:  minDataPointsPerDay,
		minCommonPoints:      minCommonPoints,
	}, nil
}

type dailyBuckets struct {
	days             map[int]map[int]float64
	completeness     map[int]bool
	samplingInterval int
}

// Detect reports whether the series shows a repeating daily pattern.
// Timestamps are Unix seconds. Series spanning less than two days, or with
// fewer than two sufficiently covered days, are never periodic.
func (d *PeriodDetector) Detect(timestamps, values []float64) bool {
	if len(timestamps) == 0 || len(timestamps) != len(values) {
		return false
	}

	minTS, maxTS := timestamps[0], timestamps[0]
	for _, ts := range timestamps {
		if ts < minTS {
			minTS = ts
		}
		if ts > maxTS {
			maxTS = ts
		}
	}
	if maxTS-minTS < minDaysForAnalysis*secondsPerDay {
		log.Printf("PeriodDetector: insufficient time span %.1f days (need at least %d days), skipping series",
			(maxTS-minTS)/secondsPerDay, minDaysForAnalysis)
		return false
	}

	buckets := d.preprocess(timestamps, values)
	if buckets == nil {
		log.Printf("PeriodDetector: ⚠️ data preprocessing failed or insufficient data")
		return false
	}

	return d.analyze(buckets)
}

// preprocess sorts the series, trims it to the most recent analysis window
// and organizes it into per-day buckets on the dominant sampling interval.
func (d *PeriodDetector) preprocess(timestamps, values []float64) *dailyBuckets {
	order := make([]int, len(timestamps))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool { return timestamps[order[a]] < timestamps[order[b]] })

	sortedTS := make([]float64, len(order))
	sortedVals := make([]float64, len(order))
	for i, idx := range order {
		sortedTS[i] = timestamps[idx]
		sortedVals[i] = values[idx]
	}

	// Only the most recent days matter for the daily pattern.
	cutoff := sortedTS[len(sortedTS)-1] - secondsPerDay*minAnalysisPeriodDays
	start := 0
	for start < len(sortedTS) && sortedTS[start] < cutoff {
		start++
	}
	if start >= len(sortedTS) {
		return nil
	}
	sortedTS = sortedTS[start:]
	sortedVals = sortedVals[start:]

	interval := samplingInterval(sortedTS)
	if interval <= 0 {
		return nil
	}

	return organizeByDays(sortedTS, sortedVals, interval)
}

// samplingInterval returns the most frequent positive whole-second gap
// between consecutive timestamps, preferring the smaller interval on ties.
func samplingInterval(timestamps []float64) int {
	if len(timestamps) < 2 {
		return 0
	}
	counts := make(map[int]int)
	for i := 1; i < len(timestamps); i++ {
		gap := int(timestamps[i] - timestamps[i-1])
		if gap > 0 {
			counts[gap]++
		}
	}
	best, bestCount := 0, 0
	for gap, count := range counts {
		if count > bestCount || (count == bestCount && (best == 0 || gap < best)) {
			best, bestCount = gap, count
		}
	}
	return best
}

func organizeByDays(timestamps, values []float64, interval int) *dailyBuckets {
	if len(timestamps) == 0 {
		return nil
	}
	startTS := timestamps[0]
	days := make(map[int]map[int]float64)
	coverage := make(map[int][2]float64)

	for i, ts := range timestamps {
		dayKey := int((ts - startTS) / secondsPerDay)
		timeWithinDay := math.Mod(ts-startTS, secondsPerDay)
		bucket := int(timeWithinDay / float64(interval))

		day, ok := days[dayKey]
		if !ok {
			day = make(map[int]float64)
			days[dayKey] = day
			coverage[dayKey] = [2]float64{timeWithinDay, timeWithinDay}
		}
		day[bucket] = values[i]
		span := coverage[dayKey]
		if timeWithinDay < span[0] {
			span[0] = timeWithinDay
		}
		if timeWithinDay > span[1] {
			span[1] = timeWithinDay
		}
		coverage[dayKey] = span
	}

	completeness := make(map[int]bool, len(coverage))
	expectedSpan := float64(secondsPerDay - interval)
	for dayKey, span := range coverage {
		completeness[dayKey] = span[1]-span[0] >= expectedSpan
	}

	return &dailyBuckets{days: days, completeness: completeness, samplingInterval: interval}
}

func (d *PeriodDetector) analyze(buckets *dailyBuckets) bool {
	filtered := make(map[int]map[int]float64)
	for day, points := range buckets.days {
		if len(points) >= d.minDataPointsPerDay {
			filtered[day] = points
		}
	}
	if len(filtered) < 2 {
		return false
	}

	if !valueRangesOverlap(filtered, buckets.completeness) {
		return false
	}

	return d.correlateDays(filtered)
}

// valueRangesOverlap rejects series whose complete days live in disjoint
// value ranges: a steady upward or downward drift correlates day to day but
// is not a daily pattern.
func valueRangesOverlap(daily map[int]map[int]float64, completeness map[int]bool) bool {
	type rangeStat struct{ min, max float64 }
	stats := make(map[int]rangeStat, len(daily))
	for day, points := range daily {
		first := true
		var rs rangeStat
		for _, v := range points {
			if first {
				rs = rangeStat{min: v, max: v}
				first = false
				continue
			}
			if v < rs.min {
				rs.min = v
			}
			if v > rs.max {
				rs.max = v
			}
		}
		if !first {
			stats[day] = rs
		}
	}

	completeDays := make([]int, 0, len(completeness))
	for day, complete := range completeness {
		if complete {
			completeDays = append(completeDays, day)
		}
	}
	sort.Ints(completeDays)

	for i := 0; i < len(completeDays); i++ {
		si, ok := stats[completeDays[i]]
		if !ok {
			continue
		}
		for j := i + 1; j < len(completeDays); j++ {
			sj, ok := stats[completeDays[j]]
			if !ok {
				continue
			}
			if si.min >= sj.max || si.max <= sj.min {
				return false
			}
		}
	}
	return true
}

// correlateDays averages pairwise Pearson correlations between days. When
// enough buckets are shared by every day those common buckets are used for
// all pairs; otherwise each pair falls back to its own shared buckets.
func (d *PeriodDetector) correlateDays(daily map[int]map[int]float64) bool {
	days := make([]int, 0, len(daily))
	for day := range daily {
		days = append(days, day)
	}
	sort.Ints(days)

	common := commonBuckets(daily, days)
	var correlations []float64

	if len(common) >= d.minCommonPoints {
		sort.Ints(common)
		for i := 0; i < len(days); i++ {
			for j := i + 1; j < len(days); j++ {
				vi := bucketValues(daily[days[i]], common)
				vj := bucketValues(daily[days[j]], common)
				if r, ok := pearson(vi, vj); ok {
					correlations = append(correlations, r)
				}
			}
		}
	} else {
		for i := 0; i < len(days); i++ {
			for j := i + 1; j < len(days); j++ {
				pairCommon := sharedBuckets(daily[days[i]], daily[days[j]])
				if len(pairCommon) < d.minCommonPoints {
					continue
				}
				sort.Ints(pairCommon)
				vi := bucketValues(daily[days[i]], pairCommon)
				vj := bucketValues(daily[days[j]], pairCommon)
				if r, ok := pearson(vi, vj); ok {
					correlations = append(correlations, r)
				}
			}
		}
	}

	if len(correlations) == 0 {
		return false
	}
	return mean(correlations) >= d.correlationThreshold
}

// commonBuckets returns the buckets present in every listed day.
func commonBuckets(daily map[int]map[int]float64, days []int) []int {
	if len(days) == 0 {
		return nil
	}
	var common []int
	for bucket := range daily[days[0]] {
		shared := true
		for _, day := range days[1:] {
			if _, ok := daily[day][bucket]; !ok {
				shared = false
				break
			}
		}
		if shared {
			common = append(common, bucket)
		}
	}
	return common
}

func sharedBuckets(a, b map[int]float64) []int {
	var shared []int
	for bucket := range a {
		if _, ok := b[bucket]; ok {
			shared = append(shared, bucket)
		}
	}
	return shared
}

func bucketValues(day map[int]float64, buckets []int) []float64 {
	values := make([]float64, len(buckets))
	for i, bucket := range buckets {
		values[i] = day[bucket]
	}
	return values
}
