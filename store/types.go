package store

import (
	"time"
)

// Task status values shared by tasks and task versions.
const (
	StatusRunning = "Running"
	StatusSuccess = "Success"
	StatusFailed  = "Failed"
	// StatusNoData is an executor-internal outcome. It is mapped to
	// StatusFailed before a version reaches the store.
	StatusNoData = "NoData"
)

// Auto refresh record / detail status values.
const (
	RefreshPending    = "Pending"
	RefreshProcessing = "Processing"
	RefreshCompleted  = "Completed"
)

// Inject status values for auto refresh details.
const (
	InjectInitialized = "Initialized"
	InjectPending     = "Pending"
	InjectSuccess     = "Success"
	InjectFailed      = "Failed"
)

// Threshold calculation directions.
const (
	DirectionUp   = "up"
	DirectionDown = "down"
	DirectionBoth = "both"
)

// MetricTemplate carries the per-metric bounds and validation knobs a task is
// configured with. It is embedded in each task version so reruns reproduce the
// exact parameterization.
type MetricTemplate struct {
	Name             string   `json:"name"`
	MetricType       string   `json:"metric_type"`
	MinStep          float64  `json:"min_step"`
	MaxValue         *float64 `json:"max_value"`
	MinValue         *float64 `json:"min_value"`
	MinViolation     float64  `json:"min_violation"`
	NormalRangeStart *float64 `json:"normal_range_start"`
	NormalRangeEnd   *float64 `json:"normal_range_end"`
	MaxTimeGap       int      `json:"max_time_gap"`
	MinTSLength      int      `json:"min_ts_length"`
}

// Task is the long-lived definition of a threshold calculation target.
// Versions hold the actual parameterizations and results.
type Task struct {
	ID             string         `json:"id" db:"id"`
	Name           string         `json:"task_name" db:"name"`
	DatasourceID   string         `json:"datasource_id" db:"datasource_id"`
	DatasourceType string         `json:"datasource_type" db:"datasource_type"`
	MetricTemplate MetricTemplate `json:"metric_template_value" db:"metric_template"`
	AutoUpdate     bool           `json:"auto_update" db:"auto_update"`
	Projects       []string       `json:"projects" db:"projects"`
	CreatedAt      time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at" db:"updated_at"`
	CreatedUser    string         `json:"created_user" db:"created_user"`
	UpdatedUser    string         `json:"updated_user" db:"updated_user"`
}

// TaskVersion is one immutable run of a task. A version starts Running and
// ends Success or Failed; terminal states never flip back.
type TaskVersion struct {
	ID             string                  `json:"id" db:"id"`
	TaskID         string                  `json:"task_id" db:"task_id"`
	Version        int                     `json:"version" db:"version"`
	Status         string                  `json:"status" db:"status"` // "Running", "Success", "Failed"
	MetricTemplate MetricTemplate          `json:"metric_template_value" db:"metric_template"`
	NCount         int                     `json:"n_count" db:"n_count"`
	Direction      string                  `json:"direction" db:"direction"` // "up", "down", "both"
	Sensitivity    float64                 `json:"sensitivity" db:"sensitivity"`
	Results        []MetricThresholdResult `json:"result" db:"results"`
	ErrorMessage   string                  `json:"error_message" db:"error_message"`
	CreatedAt      time.Time               `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time               `json:"updated_at" db:"updated_at"`
	CreatedUser    string                  `json:"created_user" db:"created_user"`
	UpdatedUser    string                  `json:"updated_user" db:"updated_user"`
}

// ThresholdConfig is one time-of-day threshold block. Bounds are pointers:
// nil means the side is unbounded. Hours run 0..24 with EndHour exclusive
// except for the final block of a day. Blocks produced for ranges without
// enough data carry nil bounds and window size 1.
type ThresholdConfig struct {
	StartHour  float64  `json:"start_hour"`
	EndHour    float64  `json:"end_hour"`
	UpperBound *float64 `json:"upper_bound"`
	LowerBound *float64 `json:"lower_bound"`
	WindowSize int      `json:"window_size"`
}

// MetricThresholdResult is the per-series outcome of a threshold run.
type MetricThresholdResult struct {
	Name         string            `json:"name"`
	Labels       map[string]string `json:"labels"`
	UniqueKey    string            `json:"unique_key"`
	Thresholds   []ThresholdConfig `json:"thresholds"`
	Status       string            `json:"status"` // "Success", "Failed"
	ErrorMessage string            `json:"error_message"`
}

// TimeSeries is one fetched metric series. Timestamps are unix seconds and
// align one-to-one with Values.
type TimeSeries struct {
	Name       string            `json:"name"`
	Labels     map[string]string `json:"labels"`
	UniqueKey  string            `json:"unique_key"`
	Timestamps []int64           `json:"timestamps"`
	Values     []float64         `json:"values"`
}

// AutoRefreshRecord is one batch run over all auto-update tasks.
type AutoRefreshRecord struct {
	ID          string    `json:"id" db:"id"`
	TaskAll     []string  `json:"task_all" db:"task_all"`
	Status      string    `json:"status" db:"status"` // "Pending", "Processing", "Completed"
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
	CreatedUser string    `json:"created_user" db:"created_user"`
	UpdatedUser string    `json:"updated_user" db:"updated_user"`
}

// AutoRefreshDetail tracks one task inside an auto refresh batch.
// CalcStatus follows the recalculation, InjectStatus the downstream rule sync.
type AutoRefreshDetail struct {
	ID           string    `json:"id" db:"id"`
	RecordID     string    `json:"record_id" db:"record_id"`
	TaskID       string    `json:"task_id" db:"task_id"`
	TaskVersion  int       `json:"task_version" db:"task_version"`
	Status       string    `json:"status" db:"status"`               // "Pending", "Processing", "Completed"
	CalcStatus   string    `json:"calc_status" db:"calc_status"`     // "Pending", "Processing", "Success", "Failed"
	InjectStatus string    `json:"inject_status" db:"inject_status"` // "Initialized", "Pending", "Success", "Failed"
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time `json:"updated_at" db:"updated_at"`
	CreatedUser  string    `json:"created_user" db:"created_user"`
	UpdatedUser  string    `json:"updated_user" db:"updated_user"`
}

// AlarmSyncRecord remembers how a task's thresholds were last pushed to the
// monitoring provider, so auto refresh can repeat the sync with the same
// notification wiring.
type AlarmSyncRecord struct {
	ID              string    `json:"id" db:"id"`
	TaskID          string    `json:"task_id" db:"task_id"`
	ContactGroupIDs []string  `json:"contact_group_ids" db:"contact_group_ids"`
	AlertMethods    []string  `json:"alert_methods" db:"alert_methods"`
	AlarmLevel      string    `json:"alarm_level" db:"alarm_level"` // "P0", "P1", "P2"
	Webhook         string    `json:"webhook" db:"webhook"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time `json:"updated_at" db:"updated_at"`
	CreatedUser     string    `json:"created_user" db:"created_user"`
	UpdatedUser     string    `json:"updated_user" db:"updated_user"`
}

// TaskFilter selects tasks for listing. Zero values mean "no constraint".
type TaskFilter struct {
	Projects       []string
	NameContains   string
	DatasourceType string
	AutoUpdate     *bool
	CreatedAfter   *time.Time
	CreatedBefore  *time.Time
	UpdatedAfter   *time.Time
	UpdatedBefore  *time.Time
	Skip           int
	Limit          int
}

// VersionFilter selects task versions for listing.
type VersionFilter struct {
	TaskID        string
	Status        string
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
	UpdatedAfter  *time.Time
	UpdatedBefore *time.Time
	Skip          int
	Limit         int
}
