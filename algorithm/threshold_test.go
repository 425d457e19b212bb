package algorithm

import (
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/itskum47/ThresholdForge/store"
)

// seriesStart is midnight UTC so hour-of-day assignment lines up with
// elapsed seconds in the generated series.
const seriesStart int64 = 1600041600

func minuteSeries(days int, value func(elapsed int64) float64) ([]int64, []float64) {
	n := days * 1440
	timestamps := make([]int64, n)
	values := make([]float64, n)
	for i := 0; i < n; i++ {
		elapsed := int64(i) * 60
		timestamps[i] = seriesStart + elapsed
		values[i] = value(elapsed)
	}
	return timestamps, values
}

func upRequest(timestamps []int64, values []float64) Request {
	return Request{
		Timestamps:        timestamps,
		Values:            values,
		DefaultWindowSize: 5,
		AutoWindowAdjust:  true,
		MinTSLength:       1440,
		Sensitivity:       0.5,
		Direction:         store.DirectionUp,
	}
}

func floatPtr(v float64) *float64 { return &v }

func closeTo(a, b, tol float64) bool { return math.Abs(a-b) <= tol }

func TestRecommendConstantSeriesUp(t *testing.T) {
	timestamps, values := minuteSeries(7, func(int64) float64 { return 50 })
	r := NewRecommender(time.UTC, nil, nil)

	groups := r.Recommend(upRequest(timestamps, values))
	if len(groups) != 1 {
		t.Fatalf("expected 1 group, got %d", len(groups))
	}
	g := groups[0]
	if g.StartHour != 0 || g.EndHour != 24 {
		t.Errorf("expected [0,24) block, got [%v,%v)", g.StartHour, g.EndHour)
	}
	if g.UpperBound == nil || !closeTo(*g.UpperBound, 60, 1e-6) {
		t.Errorf("expected upper bound 60, got %v", g.UpperBound)
	}
	if g.LowerBound != nil {
		t.Errorf("up direction should not set a lower bound, got %v", *g.LowerBound)
	}
	if g.WindowSize != 5 {
		t.Errorf("expected window size 5, got %v", g.WindowSize)
	}
}

func TestRecommendConstantSeriesDown(t *testing.T) {
	timestamps, values := minuteSeries(7, func(int64) float64 { return 50 })
	r := NewRecommender(time.UTC, nil, nil)

	req := upRequest(timestamps, values)
	req.Direction = store.DirectionDown

	groups := r.Recommend(req)
	if len(groups) != 1 {
		t.Fatalf("expected 1 group, got %d", len(groups))
	}
	g := groups[0]
	if g.LowerBound == nil || !closeTo(*g.LowerBound, 50.0/1.2, 1e-6) {
		t.Errorf("expected lower bound %.4f, got %v", 50.0/1.2, g.LowerBound)
	}
	if g.UpperBound != nil {
		t.Errorf("down direction should not set an upper bound, got %v", *g.UpperBound)
	}
}

func TestRecommendSinusoidSplitsAndMerges(t *testing.T) {
	timestamps, values := minuteSeries(7, func(elapsed int64) float64 {
		return 50 + 20*math.Sin(2*math.Pi*float64(elapsed)/86400)
	})
	r := NewRecommender(time.UTC, nil, nil)

	req := upRequest(timestamps, values)
	req.TimeSplit = true

	groups := r.Recommend(req)
	if len(groups) != 4 {
		t.Fatalf("expected 4 per-range groups before merging, got %d", len(groups))
	}

	merged := NewMerger(DefaultMaximumThresholdBlocks).MergeContinuous(groups)
	if len(merged) != 2 {
		t.Fatalf("expected 2 merged blocks, got %d: %+v", len(merged), merged)
	}
	if merged[0].StartHour != 0 || merged[0].EndHour != 12 {
		t.Errorf("expected first block [0,12), got [%v,%v)", merged[0].StartHour, merged[0].EndHour)
	}
	if merged[0].UpperBound == nil || !closeTo(*merged[0].UpperBound, 84, 1e-3) {
		t.Errorf("expected first upper bound 84, got %v", merged[0].UpperBound)
	}
	if merged[1].StartHour != 12 || merged[1].EndHour != 24 {
		t.Errorf("expected second block [12,24), got [%v,%v)", merged[1].StartHour, merged[1].EndHour)
	}
	if merged[1].UpperBound == nil || !closeTo(*merged[1].UpperBound, 60, 1e-3) {
		t.Errorf("expected second upper bound 60, got %v", merged[1].UpperBound)
	}
}

func TestRecommendLowAmplitudeSinusoidConsolidates(t *testing.T) {
	timestamps, values := minuteSeries(7, func(elapsed int64) float64 {
		return 50 + 2*math.Sin(2*math.Pi*float64(elapsed)/86400)
	})
	r := NewRecommender(time.UTC, nil, nil)

	req := upRequest(timestamps, values)
	req.TimeSplit = true

	merged := NewMerger(DefaultMaximumThresholdBlocks).MergeContinuous(r.Recommend(req))
	if len(merged) != 1 {
		t.Fatalf("expected a single consolidated block, got %d: %+v", len(merged), merged)
	}
	if merged[0].StartHour != 0 || merged[0].EndHour != 24 {
		t.Errorf("expected [0,24) block, got [%v,%v)", merged[0].StartHour, merged[0].EndHour)
	}
	if merged[0].UpperBound == nil || !closeTo(*merged[0].UpperBound, 52*1.2, 1e-3) {
		t.Errorf("expected upper bound %.4f, got %v", 52*1.2, merged[0].UpperBound)
	}
}

func TestRecommendInsufficientRangesYieldNilBounds(t *testing.T) {
	timestamps, values := minuteSeries(7, func(elapsed int64) float64 {
		return 50 + 20*math.Sin(2*math.Pi*float64(elapsed)/86400)
	})
	r := NewRecommender(time.UTC, nil, nil)

	req := upRequest(timestamps, values)
	req.TimeSplit = true
	req.MinTSLength = 20000 // more than any six-hour range can hold

	groups := r.Recommend(req)
	if len(groups) != 4 {
		t.Fatalf("expected 4 groups, got %d", len(groups))
	}
	for _, g := range groups {
		if g.UpperBound != nil || g.LowerBound != nil {
			t.Errorf("expected nil bounds for insufficient range [%v,%v), got %+v", g.StartHour, g.EndHour, g)
		}
		if g.WindowSize != 1 {
			t.Errorf("insufficient range should carry window size 1, got %d", g.WindowSize)
		}
	}
}

func TestRecommendDispersedDataFallsBackToPercentile(t *testing.T) {
	// Two value groups of 50 points each, both below the cluster size of
	// 60, separated by far more than eps. No dense cluster forms, so the
	// estimate rests on the 95th percentile.
	n := 100
	timestamps := make([]int64, n)
	values := make([]float64, n)
	for i := 0; i < n; i++ {
		timestamps[i] = seriesStart + int64(i)*60
		if i%2 == 0 {
			values[i] = 10
		} else {
			values[i] = 1000
		}
	}
	r := NewRecommender(time.UTC, nil, nil)

	groups := r.Recommend(upRequest(timestamps, values))
	if len(groups) != 1 {
		t.Fatalf("expected 1 group, got %d", len(groups))
	}
	if groups[0].UpperBound == nil || !closeTo(*groups[0].UpperBound, 1000*1.2, 1e-6) {
		t.Errorf("expected percentile fallback upper bound 1200, got %v", groups[0].UpperBound)
	}
}

func TestRecommendDispersedDataDownFallback(t *testing.T) {
	// Down direction negates the series, so the 95th percentile of the
	// negated values maps back to the low end of the originals. The
	// resulting lower bound is 10/1.2.
	n := 100
	timestamps := make([]int64, n)
	values := make([]float64, n)
	for i := 0; i < n; i++ {
		timestamps[i] = seriesStart + int64(i)*60
		if i%2 == 0 {
			values[i] = 10
		} else {
			values[i] = 1000
		}
	}
	r := NewRecommender(time.UTC, nil, nil)

	req := upRequest(timestamps, values)
	req.Direction = store.DirectionDown

	groups := r.Recommend(req)
	if len(groups) != 1 {
		t.Fatalf("expected 1 group, got %d", len(groups))
	}
	if groups[0].LowerBound == nil || !closeTo(*groups[0].LowerBound, 10.0/1.2, 1e-6) {
		t.Errorf("expected percentile fallback lower bound %.4f, got %v", 10.0/1.2, groups[0].LowerBound)
	}
}

func TestRecommendRandomWalkSingleBlock(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	level := 100.0
	timestamps, values := minuteSeries(7, func(int64) float64 {
		level += rng.Float64()*2 - 1
		return level
	})
	r := NewRecommender(time.UTC, nil, nil)

	req := upRequest(timestamps, values)
	req.TimeSplit = true

	// A random walk has no daily period, so splitting stays off and a
	// single block covers the day.
	groups := r.Recommend(req)
	if len(groups) != 1 {
		t.Fatalf("expected a single block for non-periodic data, got %d", len(groups))
	}
	if groups[0].StartHour != 0 || groups[0].EndHour != 24 {
		t.Errorf("expected [0,24) block, got [%v,%v)", groups[0].StartHour, groups[0].EndHour)
	}
}

func TestRecommendIgnoresSingleViolationRun(t *testing.T) {
	timestamps, values := minuteSeries(1, func(elapsed int64) float64 { return 50 })
	for i := 100; i < 130; i++ {
		values[i] = 100
	}
	r := NewRecommender(time.UTC, nil, nil)

	groups := r.Recommend(upRequest(timestamps, values))
	if groups[0].UpperBound == nil || !closeTo(*groups[0].UpperBound, 60, 1e-6) {
		t.Errorf("one sustained violation should be ignored, expected 60, got %v", groups[0].UpperBound)
	}
}

func TestRecommendRaisesCeilingForRepeatedViolations(t *testing.T) {
	timestamps, values := minuteSeries(1, func(elapsed int64) float64 { return 50 })
	for i := 100; i < 130; i++ {
		values[i] = 100
	}
	for i := 500; i < 530; i++ {
		values[i] = 100
	}
	r := NewRecommender(time.UTC, nil, nil)

	groups := r.Recommend(upRequest(timestamps, values))
	if groups[0].UpperBound == nil || !closeTo(*groups[0].UpperBound, 120, 1e-6) {
		t.Errorf("two violation episodes should raise the ceiling to 100, expected 120, got %v", groups[0].UpperBound)
	}
}

func TestRecommendShortRunsDoNotCount(t *testing.T) {
	timestamps, values := minuteSeries(1, func(elapsed int64) float64 { return 50 })
	for i := 100; i < 103; i++ {
		values[i] = 100
	}
	for i := 500; i < 503; i++ {
		values[i] = 100
	}
	r := NewRecommender(time.UTC, nil, nil)

	// Runs of 3 are shorter than the window of 5, so they never register
	// as violations and the ceiling stays at the cluster maximum.
	groups := r.Recommend(upRequest(timestamps, values))
	if groups[0].UpperBound == nil || !closeTo(*groups[0].UpperBound, 60, 1e-6) {
		t.Errorf("sub-window runs should not count, expected 60, got %v", groups[0].UpperBound)
	}
}

func TestRecommendNormalThresholdClamps(t *testing.T) {
	timestamps, values := minuteSeries(1, func(elapsed int64) float64 { return 50 })
	r := NewRecommender(time.UTC, nil, nil)

	up := upRequest(timestamps, values)
	up.NormalThreshold = floatPtr(80)
	groups := r.Recommend(up)
	if groups[0].UpperBound == nil || !closeTo(*groups[0].UpperBound, 80, 1e-6) {
		t.Errorf("normal threshold should lift the upper bound to 80, got %v", groups[0].UpperBound)
	}

	down := upRequest(timestamps, values)
	down.Direction = store.DirectionDown
	down.NormalThreshold = floatPtr(30)
	groups = r.Recommend(down)
	if groups[0].LowerBound == nil || !closeTo(*groups[0].LowerBound, 30, 1e-6) {
		t.Errorf("normal threshold should pull the lower bound to 30, got %v", groups[0].LowerBound)
	}
}

func TestRecommendMaxValueCapsUpperBound(t *testing.T) {
	timestamps, values := minuteSeries(1, func(elapsed int64) float64 { return 50 })
	r := NewRecommender(time.UTC, nil, nil)

	req := upRequest(timestamps, values)
	req.MaxValue = floatPtr(55)

	groups := r.Recommend(req)
	if groups[0].UpperBound == nil || !closeTo(*groups[0].UpperBound, 55, 1e-6) {
		t.Errorf("expected upper bound capped at 55, got %v", groups[0].UpperBound)
	}
}

func TestNormalizeTimestamp(t *testing.T) {
	cases := []struct {
		in, want float64
	}{
		{1.6e18, 1.6e9},
		{1.6e15, 1.6e9},
		{1.6e12, 1.6e9},
		{1.6e9, 1.6e9},
		{0, 0},
	}
	for _, c := range cases {
		if got := NormalizeTimestamp(c.in); !closeTo(got, c.want, 1e-3) {
			t.Errorf("NormalizeTimestamp(%g) = %g, want %g", c.in, got, c.want)
		}
	}
}

func TestDefaultSplitRanges(t *testing.T) {
	ranges := DefaultSplitRanges(4)
	want := [][2]float64{{0, 6}, {6, 12}, {12, 18}, {18, 24}}
	if len(ranges) != len(want) {
		t.Fatalf("expected %d ranges, got %d", len(want), len(ranges))
	}
	for i := range want {
		if ranges[i] != want[i] {
			t.Errorf("range %d = %v, want %v", i, ranges[i], want[i])
		}
	}
}
