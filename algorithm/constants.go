// Package algorithm implements the threshold estimation pipeline: daily
// period detection, time-split sliding-window estimation with 1-D DBSCAN
// anomaly elimination, and threshold block merging.
package algorithm

const (
	secondsPerMinute = 60
	secondsPerHour   = 3600
	secondsPerDay    = 86400

	// Timestamp precision detection thresholds.
	nanosecondThreshold  = 1e18
	microsecondThreshold = 1e15
	millisecondThreshold = 1e12

	// DefaultNumberOfTimeSplit is how many equal ranges a day is divided
	// into when daily periodicity is detected.
	DefaultNumberOfTimeSplit = 4

	// DefaultMaximumThresholdBlocks caps the block count after merging.
	DefaultMaximumThresholdBlocks = 8

	// Period detection defaults.
	DefaultCorrelationThreshold = 0.3
	DefaultMinDataPointsPerDay  = 720
	DefaultMinCommonPoints      = 720

	minDaysForAnalysis    = 2
	minAnalysisPeriodDays = 7
)
