package recommender

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/itskum47/ThresholdForge/algorithm"
	"github.com/itskum47/ThresholdForge/observability"
	"github.com/itskum47/ThresholdForge/scheduler"
	"github.com/itskum47/ThresholdForge/store"
)

const (
	// DefaultFetchTimeout bounds one historical data fetch.
	DefaultFetchTimeout = 3600 * time.Second
	// DefaultHistoricalDays is the lookback window for threshold estimation.
	DefaultHistoricalDays = 7
	// DefaultDataInterval is the expected sampling interval in seconds.
	DefaultDataInterval = 60

	secondsPerDay = 86400

	// Template bounds beyond this magnitude are treated as unbounded.
	extremeValueThreshold = 1e50
)

// ExecutorConfig tunes the data fetch. Zero values fall back to defaults.
type ExecutorConfig struct {
	FetchTimeout   time.Duration
	HistoricalDays int
	DataInterval   int
}

// Executor runs threshold calculations for the scheduler. One Executor is
// shared by every run; it owns the fetcher, the estimation algorithm and
// the block merger.
type Executor struct {
	fetcher        Fetcher
	algorithm      *algorithm.Recommender
	merger         *algorithm.Merger
	fetchTimeout   time.Duration
	historicalDays int
	interval       int
}

// NewExecutor creates an Executor. Nil algorithm or merger get defaults.
func NewExecutor(fetcher Fetcher, algo *algorithm.Recommender, merger *algorithm.Merger, cfg ExecutorConfig) *Executor {
	if algo == nil {
		algo = algorithm.NewRecommender(nil, nil, nil)
	}
	if merger == nil {
		merger = algorithm.NewMerger(0)
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = DefaultFetchTimeout
	}
	if cfg.HistoricalDays <= 0 {
		cfg.HistoricalDays = DefaultHistoricalDays
	}
	if cfg.DataInterval <= 0 {
		cfg.DataInterval = DefaultDataInterval
	}
	return &Executor{
		fetcher:        fetcher,
		algorithm:      algo,
		merger:         merger,
		fetchTimeout:   cfg.FetchTimeout,
		historicalDays: cfg.HistoricalDays,
		interval:       cfg.DataInterval,
	}
}

// runStats counts per-series outcomes of one direction pass.
type runStats struct {
	success        int
	dataErrors     int
	internalErrors int
}

func (s runStats) add(o runStats) runStats {
	return runStats{
		success:        s.success + o.success,
		dataErrors:     s.dataErrors + o.dataErrors,
		internalErrors: s.internalErrors + o.internalErrors,
	}
}

// Execute fetches the historical window once and runs the estimation in the
// requested direction. "both" reuses the fetched data for an up and a down
// pass and pairs the results per series.
func (e *Executor) Execute(ctx context.Context, req *scheduler.TaskRequest) (*scheduler.Outcome, error) {
	log.Printf("Recommender: starting threshold calculation for datasource %s, direction %s",
		req.DatasourceID, req.Direction)

	series, failure := e.fetch(ctx, req.DatasourceID)
	if failure != nil {
		return failure, nil
	}

	minValue, maxValue := normalizeBounds(req.MetricTemplate.MinValue, req.MetricTemplate.MaxValue)

	if req.Direction == store.DirectionBoth {
		upResults, upStats := e.processDirection(series, req, store.DirectionUp, minValue, maxValue)
		downResults, downStats := e.processDirection(series, req, store.DirectionDown, minValue, maxValue)

		merged := e.mergeDirections(upResults, downResults)
		log.Printf("Recommender: successfully merged thresholds for %d time series", len(merged))

		return e.classify(req.DatasourceID, merged, upStats.add(downStats)), nil
	}

	results, stats := e.processDirection(series, req, req.Direction, minValue, maxValue)
	log.Printf("Recommender: successfully calculated thresholds for %d/%d time series",
		stats.success, len(series))

	return e.classify(req.DatasourceID, results, stats), nil
}

// fetch pulls the historical window. A non-nil outcome ends the run:
// timeouts, cancellations, fetch errors and empty data are all terminal.
func (e *Executor) fetch(ctx context.Context, datasourceID string) ([]store.TimeSeries, *scheduler.Outcome) {
	end := time.Now().Unix()
	start := end - int64(e.historicalDays)*secondsPerDay

	fetchCtx, cancel := context.WithTimeout(ctx, e.fetchTimeout)
	defer cancel()

	series, err := e.fetcher.FetchData(fetchCtx, datasourceID, start, end, e.interval)
	switch {
	case err == nil:
	case errors.Is(err, context.DeadlineExceeded):
		log.Printf("Recommender: data fetch timeout for datasource %s", datasourceID)
		observability.FetchFailures.WithLabelValues("timeout").Inc()
		return nil, &scheduler.Outcome{
			Status:  store.StatusFailed,
			Results: []store.MetricThresholdResult{},
			Message: fmt.Sprintf("Data fetch timeout after %d seconds", int(e.fetchTimeout/time.Second)),
		}
	case errors.Is(err, context.Canceled):
		log.Printf("Recommender: ⚠️ data fetch cancelled for datasource %s", datasourceID)
		observability.FetchFailures.WithLabelValues("cancelled").Inc()
		return nil, &scheduler.Outcome{
			Status:  store.StatusFailed,
			Results: []store.MetricThresholdResult{},
			Message: "Data fetch was cancelled",
		}
	default:
		log.Printf("Recommender: data fetch failed for datasource %s: %v", datasourceID, err)
		observability.FetchFailures.WithLabelValues("error").Inc()
		return nil, &scheduler.Outcome{
			Status:  store.StatusFailed,
			Results: []store.MetricThresholdResult{},
			Message: fmt.Sprintf("Error: %v", err),
		}
	}

	if len(series) == 0 {
		log.Printf("Recommender: ⚠️ no data retrieved for datasource %s", datasourceID)
		observability.FetchFailures.WithLabelValues("empty").Inc()
		return nil, &scheduler.Outcome{
			Status:  store.StatusNoData,
			Results: []store.MetricThresholdResult{},
			Message: "No data available for threshold calculation",
		}
	}
	return series, nil
}

// processDirection runs the per-series loop for one direction.
func (e *Executor) processDirection(series []store.TimeSeries, req *scheduler.TaskRequest, direction string, minValue, maxValue *float64) ([]store.MetricThresholdResult, runStats) {
	normal := normalThreshold(req.MetricTemplate, direction)
	minPoints := secondsPerDay / e.interval

	results := make([]store.MetricThresholdResult, 0, len(series))
	var stats runStats

	for i, s := range series {
		if msg, ok := validateSeries(s, minPoints); !ok {
			log.Printf("Recommender: ⚠️ skipping time series %d due to invalid data", i+1)
			stats.dataErrors++
			results = append(results, failedResult(s, msg))
			continue
		}

		configs, err := e.recommendSeries(s, req, direction, minValue, maxValue, normal)
		if err != nil {
			log.Printf("Recommender: failed to process time series %d (%s): %v", i, s.Name, err)
			stats.internalErrors++
			results = append(results, failedResult(s, fmt.Sprintf("Internal Server Error: %v", err)))
			continue
		}

		results = append(results, store.MetricThresholdResult{
			Name:       s.Name,
			Labels:     s.Labels,
			UniqueKey:  s.UniqueKey,
			Thresholds: configs,
			Status:     store.StatusSuccess,
		})
		stats.success++
	}
	return results, stats
}

// recommendSeries runs estimation and block merge for one series. A panic
// inside the algorithm is returned as an error so one broken series cannot
// sink the whole run.
func (e *Executor) recommendSeries(s store.TimeSeries, req *scheduler.TaskRequest, direction string, minValue, maxValue, normal *float64) (configs []store.ThresholdConfig, err error) {
	defer func() {
		if r := recover(); r != nil {
			configs, err = nil, fmt.Errorf("%v", r)
		}
	}()

	blocks := e.algorithm.Recommend(algorithm.Request{
		Timestamps:        s.Timestamps,
		Values:            s.Values,
		DefaultWindowSize: req.WindowSize,
		TimeSplit:         true,
		AutoWindowAdjust:  true,
		MinValue:          minValue,
		MaxValue:          maxValue,
		NormalThreshold:   normal,
		MinTSLength:       req.MetricTemplate.MinTSLength,
		Sensitivity:       req.Sensitivity,
		Direction:         direction,
	})
	return e.merger.MergeContinuous(blocks), nil
}

// classify decides the overall run outcome from the per-series counters.
func (e *Executor) classify(datasourceID string, results []store.MetricThresholdResult, stats runStats) *scheduler.Outcome {
	if stats.success == 0 {
		log.Printf("Recommender: ⚠️ no time series were successfully processed for datasource %s", datasourceID)
		reason := "Input Data Validation Error"
		if stats.internalErrors > stats.dataErrors {
			reason = "Internal Server Error"
		}
		return &scheduler.Outcome{Status: store.StatusFailed, Results: results, Message: reason}
	}
	return &scheduler.Outcome{Status: store.StatusSuccess, Results: results, Message: "Task Success!"}
}

// validateSeries gates one series: the estimation needs matching lists and
// at least one full day of points.
func validateSeries(s store.TimeSeries, minPoints int) (string, bool) {
	if len(s.Timestamps) == 0 || len(s.Values) == 0 {
		return "Empty timestamp or value list", false
	}
	if len(s.Timestamps) != len(s.Values) {
		return "Timestamp and value lists have different lengths", false
	}
	if len(s.Timestamps) < minPoints {
		return "Insufficient data points (need at least 1 day data)", false
	}
	return "", true
}

func failedResult(s store.TimeSeries, message string) store.MetricThresholdResult {
	return store.MetricThresholdResult{
		Name:         s.Name,
		Labels:       s.Labels,
		UniqueKey:    s.UniqueKey,
		Thresholds:   []store.ThresholdConfig{},
		Status:       store.StatusFailed,
		ErrorMessage: message,
	}
}

// normalizeBounds swaps inverted template bounds and treats magnitudes
// beyond 1e50 as unbounded.
func normalizeBounds(minValue, maxValue *float64) (*float64, *float64) {
	if minValue != nil && maxValue != nil && *minValue > *maxValue {
		minValue, maxValue = maxValue, minValue
	}
	if minValue != nil && *minValue < -extremeValueThreshold {
		minValue = nil
	}
	if maxValue != nil && *maxValue > extremeValueThreshold {
		maxValue = nil
	}
	return minValue, maxValue
}

// normalThreshold picks the guard bound for a direction: the upper end of
// the configured normal range going up, the lower end going down.
func normalThreshold(t store.MetricTemplate, direction string) *float64 {
	start, end := t.NormalRangeStart, t.NormalRangeEnd
	if start != nil && *start < -extremeValueThreshold {
		start = nil
	}
	if end != nil && *end > extremeValueThreshold {
		end = nil
	}
	if direction == store.DirectionUp {
		return end
	}
	return start
}
