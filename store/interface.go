package store

import (
	"context"
)

// Store defines the persistence backend for tasks, versions and the auto
// refresh bookkeeping. It abstracts over Postgres (durable) and an in-memory
// implementation used for single-node runs and tests.
//
// Lookups return (nil, nil) when the entity does not exist; errors are
// reserved for backend failures.
type Store interface {
	// Task Operations
	CreateTask(ctx context.Context, t *Task) error
	GetTask(ctx context.Context, id string) (*Task, error)
	GetTaskByName(ctx context.Context, name string) (*Task, error)
	GetTaskByDatasource(ctx context.Context, datasourceID string) (*Task, error)
	ListTasks(ctx context.Context, filter TaskFilter) ([]*Task, error)
	// UpdateTaskAutoUpdate flips the auto_update switch for the given tasks
	// and returns how many matched.
	UpdateTaskAutoUpdate(ctx context.Context, ids []string, autoUpdate bool, user string) (int, error)
	// TouchTask bumps a task's update stamp and user, used when a new
	// version is created for it.
	TouchTask(ctx context.Context, id string, user string) error
	ListAutoUpdateTasks(ctx context.Context) ([]*Task, error)
	DeleteTask(ctx context.Context, id string) error

	// Version Operations
	CreateTaskVersion(ctx context.Context, v *TaskVersion) error
	GetTaskVersion(ctx context.Context, taskID string, version int) (*TaskVersion, error)
	LatestTaskVersion(ctx context.Context, taskID string) (*TaskVersion, error)
	ListTaskVersions(ctx context.Context, filter VersionFilter) ([]*TaskVersion, error)
	// UpdateTaskResult applies a terminal status to a version. Re-applying
	// the same terminal status is a no-op so completion callbacks can be
	// retried safely.
	UpdateTaskResult(ctx context.Context, taskID string, version int, status string, results []MetricThresholdResult, errorMessage string) error
	DeleteTaskVersions(ctx context.Context, taskID string) error

	// Auto Refresh Operations
	CreateAutoRefreshRecord(ctx context.Context, r *AutoRefreshRecord) error
	LatestAutoRefreshRecord(ctx context.Context) (*AutoRefreshRecord, error)
	UpdateAutoRefreshRecordStatus(ctx context.Context, id string, status string, user string) error
	DeleteAutoRefreshRecord(ctx context.Context, id string) error
	CreateAutoRefreshDetail(ctx context.Context, d *AutoRefreshDetail) error
	// ListAutoRefreshDetails returns the details of a record, optionally
	// excluding those already Completed.
	ListAutoRefreshDetails(ctx context.Context, recordID string, excludeCompleted bool) ([]*AutoRefreshDetail, error)
	UpdateAutoRefreshDetail(ctx context.Context, d *AutoRefreshDetail) error
	DeleteAutoRefreshDetails(ctx context.Context, recordID string) error
	CountProcessingDetails(ctx context.Context, recordID string) (int, error)

	// Alarm Sync Operations
	CreateAlarmSyncRecord(ctx context.Context, r *AlarmSyncRecord) error
	LatestAlarmSyncRecord(ctx context.Context, taskID string) (*AlarmSyncRecord, error)
}
