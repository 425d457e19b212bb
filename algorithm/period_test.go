package algorithm

import (
	"math"
	"math/rand"
	"testing"
)

func defaultDetector(t *testing.T) *PeriodDetector {
	t.Helper()
	d, err := NewPeriodDetector(DefaultCorrelationThreshold, DefaultMinDataPointsPerDay, DefaultMinCommonPoints)
	if err != nil {
		t.Fatalf("NewPeriodDetector: %v", err)
	}
	return d
}

func floatSeries(days int, value func(elapsed int64) float64) ([]float64, []float64) {
	n := days * 1440
	timestamps := make([]float64, n)
	values := make([]float64, n)
	for i := 0; i < n; i++ {
		elapsed := int64(i) * 60
		timestamps[i] = float64(seriesStart + elapsed)
		values[i] = value(elapsed)
	}
	return timestamps, values
}

func TestNewPeriodDetectorValidation(t *testing.T) {
	if _, err := NewPeriodDetector(-0.1, 720, 720); err == nil {
		t.Error("expected error for negative correlation threshold")
	}
	if _, err := NewPeriodDetector(1.5, 720, 720); err == nil {
		t.Error("expected error for correlation threshold above 1")
	}
	if _, err := NewPeriodDetector(0.3, 0, 720); err == nil {
		t.Error("expected error for non-positive min data points per day")
	}
	if _, err := NewPeriodDetector(0.3, 720, 0); err == nil {
		t.Error("expected error for non-positive min common points")
	}
	if _, err := NewPeriodDetector(0.3, 720, 720); err != nil {
		t.Errorf("valid config rejected: %v", err)
	}
}

func TestDetectSinusoidIsPeriodic(t *testing.T) {
	timestamps, values := floatSeries(7, func(elapsed int64) float64 {
		return 50 + 20*math.Sin(2*math.Pi*float64(elapsed)/86400)
	})
	if !defaultDetector(t).Detect(timestamps, values) {
		t.Error("daily sinusoid should be detected as periodic")
	}
}

func TestDetectConstantSeriesNotPeriodic(t *testing.T) {
	timestamps, values := floatSeries(7, func(int64) float64 { return 50 })
	if defaultDetector(t).Detect(timestamps, values) {
		t.Error("constant series must not be periodic")
	}
}

func TestDetectShortSpanNotPeriodic(t *testing.T) {
	timestamps, values := floatSeries(1, func(elapsed int64) float64 {
		return 50 + 20*math.Sin(2*math.Pi*float64(elapsed)/86400)
	})
	if defaultDetector(t).Detect(timestamps, values) {
		t.Error("one day of data cannot establish a daily period")
	}
}

func TestDetectRandomNoiseNotPeriodic(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	timestamps, values := floatSeries(7, func(int64) float64 {
		return rng.Float64() * 100
	})
	if defaultDetector(t).Detect(timestamps, values) {
		t.Error("random noise should not correlate day to day")
	}
}

func TestDetectDriftingSeriesNotPeriodic(t *testing.T) {
	// Perfect within-day correlation, but each day lives in a disjoint
	// value range. The overlap check must reject the drift.
	timestamps, values := floatSeries(7, func(elapsed int64) float64 {
		day := float64(elapsed / 86400)
		return 1000*day + 10*math.Sin(2*math.Pi*float64(elapsed)/86400)
	})
	if defaultDetector(t).Detect(timestamps, values) {
		t.Error("drifting series should not be periodic despite correlated shapes")
	}
}

func TestDetectEmptyInput(t *testing.T) {
	if defaultDetector(t).Detect(nil, nil) {
		t.Error("empty input must not be periodic")
	}
	if defaultDetector(t).Detect([]float64{1, 2}, []float64{1}) {
		t.Error("mismatched input must not be periodic")
	}
}

func TestDetectSparseDaysNotPeriodic(t *testing.T) {
	// Ten points per day never reach the per-day minimum.
	var timestamps, values []float64
	for day := 0; day < 7; day++ {
		for p := 0; p < 10; p++ {
			elapsed := int64(day)*86400 + int64(p)*60
			timestamps = append(timestamps, float64(seriesStart+elapsed))
			values = append(values, math.Sin(float64(p)))
		}
	}
	if defaultDetector(t).Detect(timestamps, values) {
		t.Error("days below the point minimum must not count toward periodicity")
	}
}

func TestSamplingIntervalPrefersSmallerOnTie(t *testing.T) {
	// Two 60s gaps and two 120s gaps: the tie must break toward 60.
	timestamps := []float64{0, 60, 120, 240, 360}
	if got := samplingInterval(timestamps); got != 60 {
		t.Errorf("samplingInterval = %d, want 60", got)
	}
}

func TestSamplingIntervalIgnoresNonPositiveGaps(t *testing.T) {
	timestamps := []float64{0, 0, 0, 30}
	if got := samplingInterval(timestamps); got != 30 {
		t.Errorf("samplingInterval = %d, want 30", got)
	}
	if got := samplingInterval([]float64{5, 5, 5}); got != 0 {
		t.Errorf("samplingInterval with no positive gaps = %d, want 0", got)
	}
}
