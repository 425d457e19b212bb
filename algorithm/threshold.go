package algorithm

import (
	"math"
	"sort"
	"time"

	"github.com/itskum47/ThresholdForge/store"
)

// Recommender estimates alerting thresholds for a single metric series.
// Series with a detected daily cycle are split into hour ranges and each
// range gets its own threshold; everything else is treated as one 24-hour
// block. Hour-of-day assignment happens in the configured timezone.
type Recommender struct {
	timezone    *time.Location
	splitRanges [][2]float64
	detector    *PeriodDetector
}

// NewRecommender builds a Recommender. A nil location falls back to the
// process timezone, empty split ranges fall back to four equal six-hour
// ranges, and a nil detector falls back to the default detection thresholds.
func NewRecommender(loc *time.Location, splitRanges [][2]float64, detector *PeriodDetector) *Recommender {
	if loc == nil {
		loc = time.Local
	}
	if len(splitRanges) == 0 {
		splitRanges = DefaultSplitRanges(DefaultNumberOfTimeSplit)
	}
	if detector == nil {
		detector, _ = NewPeriodDetector(DefaultCorrelationThreshold, DefaultMinDataPointsPerDay, DefaultMinCommonPoints)
	}
	return &Recommender{timezone: loc, splitRanges: splitRanges, detector: detector}
}

// DefaultSplitRanges divides the day into n equal [start, end) hour ranges.
func DefaultSplitRanges(n int) [][2]float64 {
	ranges := make([][2]float64, 0, n)
	start := 0.0
	for i := 0; i < n; i++ {
		end := start + 24/float64(n)
		ranges = append(ranges, [2]float64{start, end})
		start = end
	}
	return ranges
}

// Request carries one series and the tuning knobs for a threshold run.
// Direction is store.DirectionUp or store.DirectionDown; callers wanting
// both run the estimation twice.
type Request struct {
	Timestamps        []int64
	Values            []float64
	DefaultWindowSize int
	TimeSplit         bool
	AutoWindowAdjust  bool
	MinValue          *float64
	MaxValue          *float64
	NormalThreshold   *float64
	MinTSLength       int
	Sensitivity       float64
	Direction         string
}

// NormalizeTimestamp converts nanosecond, microsecond or millisecond epoch
// timestamps to seconds. Second-precision input passes through unchanged.
func NormalizeTimestamp(ts float64) float64 {
	switch {
	case ts >= nanosecondThreshold:
		return ts / 1e9
	case ts >= microsecondThreshold:
		return ts / 1e6
	case ts >= millisecondThreshold:
		return ts / 1e3
	}
	return ts
}

// Recommend produces threshold blocks for the series. When time splitting is
// requested and the series repeats daily, each configured hour range gets
// its own block; otherwise a single block spans the whole day. Ranges with
// too little data yield blocks with nil bounds and window size 1.
func (r *Recommender) Recommend(req Request) []store.ThresholdConfig {
	normalized := make([]float64, len(req.Timestamps))
	for i, ts := range req.Timestamps {
		normalized[i] = NormalizeTimestamp(float64(ts))
	}

	periodic := r.detector.Detect(normalized, req.Values)

	if !req.TimeSplit || !periodic {
		return r.singlePeriod(normalized, req)
	}
	return r.splitPeriods(normalized, req)
}

func (r *Recommender) singlePeriod(timestamps []float64, req Request) []store.ThresholdConfig {
	threshold, windowSize := r.slidingWindow(timestamps, req.Values, req, 1)

	group := store.ThresholdConfig{StartHour: 0, EndHour: 24, WindowSize: windowSize}
	if req.Direction == store.DirectionUp {
		group.UpperBound = &threshold
	} else {
		group.LowerBound = &threshold
	}
	return []store.ThresholdConfig{group}
}

// rangeEstimate holds both candidate thresholds of one hour range: primary
// tolerates one sustained violation (ignore count 1), secondary tolerates
// none. Nil thresholds mean the range had too little data.
type rangeEstimate struct {
	rangeIndex   int
	primary      *float64
	primaryWin   int
	secondary    *float64
	secondaryWin int
	ratio        float64
}

func (r *Recommender) splitPeriods(timestamps []float64, req Request) []store.ThresholdConfig {
	type series struct {
		timestamps []float64
		values     []float64
	}
	split := make([]series, len(r.splitRanges))
	for i, ts := range timestamps {
		hour := r.timestampHour(ts)
		for k, rng := range r.splitRanges {
			if rng[0] <= hour && hour < rng[1] {
				split[k].timestamps = append(split[k].timestamps, ts)
				split[k].values = append(split[k].values, req.Values[i])
			}
		}
	}

	estimates := make([]rangeEstimate, 0, len(split))
	for k, sub := range split {
		required := float64(req.MinTSLength) / 24 * (r.splitRanges[k][1] - r.splitRanges[k][0])
		if float64(len(sub.timestamps)) < required {
			estimates = append(estimates, rangeEstimate{rangeIndex: k, primaryWin: 1, secondaryWin: 1, ratio: 1.0})
			continue
		}

		primary, primaryWin := r.slidingWindow(sub.timestamps, sub.values, req, 1)
		secondary, secondaryWin := r.slidingWindow(sub.timestamps, sub.values, req, 0)

		ratio := 1.0
		if primary != 0 {
			ratio = secondary / primary
		}
		estimates = append(estimates, rangeEstimate{
			rangeIndex:   k,
			primary:      &primary,
			primaryWin:   primaryWin,
			secondary:    &secondary,
			secondaryWin: secondaryWin,
			ratio:        ratio,
		})
	}

	// The range with the highest no-ignore/ignore ratio saw the most
	// one-off spikes; only that range keeps the spike-tolerant threshold.
	sort.SliceStable(estimates, func(a, b int) bool { return estimates[a].ratio > estimates[b].ratio })

	groups := make([]store.ThresholdConfig, 0, len(estimates))
	for i, est := range estimates {
		threshold, window := est.secondary, est.secondaryWin
		if i == 0 {
			threshold, window = est.primary, est.primaryWin
		}

		group := store.ThresholdConfig{
			StartHour:  r.splitRanges[est.rangeIndex][0],
			EndHour:    r.splitRanges[est.rangeIndex][1],
			WindowSize: window,
		}
		if req.Direction == store.DirectionUp {
			group.UpperBound = threshold
		} else {
			group.LowerBound = threshold
		}
		groups = append(groups, group)
	}
	return groups
}

// slidingWindow tries candidate window sizes until one yields a threshold
// inside the metric's bounds. Failed candidates are skipped; when every
// candidate lands out of bounds the last success wins, and when none
// succeeds the threshold is 0 with the last candidate window.
func (r *Recommender) slidingWindow(timestamps, values []float64, req Request, ignoreCount int) (float64, int) {
	windows := []int{req.DefaultWindowSize}
	if req.AutoWindowAdjust {
		for w := req.DefaultWindowSize + 1; w < 10; w++ {
			windows = append(windows, w)
		}
	}

	lastThreshold := 0.0
	lastWindow := windows[len(windows)-1]

	for _, window := range windows {
		threshold, ok := r.generalThreshold(timestamps, values, window, ignoreCount, req)
		if !ok {
			continue
		}
		lastThreshold = threshold
		lastWindow = window

		if req.Direction == store.DirectionUp {
			if req.MaxValue == nil || threshold < *req.MaxValue {
				break
			}
		} else {
			if req.MinValue == nil || threshold > *req.MinValue {
				break
			}
		}
	}

	if req.NormalThreshold != nil {
		if req.Direction == store.DirectionUp {
			lastThreshold = math.Max(lastThreshold, *req.NormalThreshold)
		} else {
			lastThreshold = math.Min(lastThreshold, *req.NormalThreshold)
		}
	}
	return lastThreshold, lastWindow
}

// generalThreshold estimates one threshold: cluster the values with 1-D
// DBSCAN, take the highest value of any dense cluster as the normal ceiling,
// then iteratively raise it past sustained violation runs until at most
// ignoreCount runs remain above it. Down-direction input is negated so the
// same ceiling logic applies, and the result is mapped back at the end.
func (r *Recommender) generalThreshold(timestamps, values []float64, windowSize, ignoreCount int, req Request) (float64, bool) {
	if len(values) < 2 || len(timestamps) != len(values) {
		return 0, false
	}

	series := values
	if req.Direction == store.DirectionDown {
		series = make([]float64, len(values))
		for i, v := range values {
			series[i] = -v
		}
	}
	coefficient := 1.05 + 0.3*req.Sensitivity

	intervals := make([]float64, 0, len(timestamps)-1)
	for i := 1; i < len(timestamps); i++ {
		intervals = append(intervals, timestamps[i]-timestamps[i-1])
	}
	timeInterval := median(intervals)
	if timeInterval <= 0 {
		return 0, false
	}

	clusterSize := int(secondsPerHour / timeInterval)
	if clusterSize < 1 {
		clusterSize = 1
	}
	if clusterSize > len(series) {
		clusterSize = len(series)
	}

	eps := math.Abs(mean(series)) / 5
	labels := dbscan1D(series, eps, clusterSize)

	clusterCount := make(map[int]int)
	clusterMax := make(map[int]float64)
	for i, label := range labels {
		clusterCount[label]++
		if cur, ok := clusterMax[label]; !ok || series[i] > cur {
			clusterMax[label] = series[i]
		}
	}

	finalMax := math.Inf(-1)
	for label, count := range clusterCount {
		if label == -1 || count < clusterSize {
			continue
		}
		if clusterMax[label] > finalMax {
			finalMax = clusterMax[label]
		}
	}

	type run struct {
		left, right int
		min         float64
	}

	for {
		// Contiguous runs of values strictly above the ceiling.
		var runs []run
		inRun := false
		for i, v := range series {
			if v <= finalMax {
				inRun = false
				continue
			}
			if inRun {
				last := &runs[len(runs)-1]
				last.right = i
				if v < last.min {
					last.min = v
				}
			} else {
				inRun = true
				runs = append(runs, run{left: i, right: i, min: v})
			}
		}

		var valid []run
		for _, rn := range runs {
			if rn.right-rn.left+1 >= windowSize {
				valid = append(valid, rn)
			}
		}

		// Runs less than an hour apart count as one violation episode.
		var metadata [][2]float64
		if len(valid) > 0 {
			merged := []run{valid[0]}
			for _, rn := range valid[1:] {
				last := &merged[len(merged)-1]
				if timestamps[rn.left]-timestamps[last.right] < secondsPerHour {
					last.right = rn.right
					if rn.min < last.min {
						last.min = rn.min
					}
				} else {
					merged = append(merged, rn)
				}
			}
			for _, rn := range merged {
				if rn.right-rn.left+1 < windowSize || rn.min <= finalMax {
					continue
				}
				metadata = append(metadata, [2]float64{float64(rn.right - rn.left + 1), rn.min})
			}
			sort.SliceStable(metadata, func(a, b int) bool { return metadata[a][1] > metadata[b][1] })
		}

		if len(metadata) <= ignoreCount {
			break
		}
		if lowest := metadata[len(metadata)-1][1]; lowest > finalMax {
			finalMax = lowest
		}
	}

	// No dense cluster at all: fall back to a percentile baseline.
	if math.IsInf(finalMax, -1) {
		baseline := percentile(series, 95)
		if req.Direction == store.DirectionUp {
			return baseline * coefficient, true
		}
		return (0 - baseline) / coefficient, true
	}

	if req.Direction == store.DirectionUp {
		threshold := finalMax * coefficient
		if req.MaxValue != nil && threshold > *req.MaxValue {
			threshold = *req.MaxValue
		}
		return threshold, true
	}

	threshold := (0 - finalMax) / coefficient
	if req.MinValue != nil && threshold < *req.MinValue {
		threshold = *req.MinValue
	}
	return threshold, true
}

// timestampHour returns the hour of day as a decimal in the configured
// timezone, e.g. 14.5 for half past two in the afternoon.
func (r *Recommender) timestampHour(ts float64) float64 {
	sec := int64(ts)
	nsec := int64((ts - float64(sec)) * 1e9)
	t := time.Unix(sec, nsec).In(r.timezone)
	return float64(t.Hour()) + float64(t.Minute())/secondsPerMinute + float64(t.Second())/secondsPerHour
}
