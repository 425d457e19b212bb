package rulesync

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/itskum47/ThresholdForge/store"
)

// DefaultQPS is the provider rate budget used when none is configured.
const DefaultQPS = 5

// SyncPayload mirrors the alarm sync API body. An empty AlarmLevel means P2.
type SyncPayload struct {
	TaskID          string   `json:"task_id"`
	TaskVersion     int      `json:"task_version"`
	ContactGroupIDs []string `json:"contact_group_ids"`
	AlertMethods    []string `json:"alert_methods"`
	AlarmLevel      string   `json:"alarm_level"`
	Webhook         string   `json:"webhook"`
}

// Service loads a task version, runs the synchronizer against the provider
// and records the parameterization so auto refresh can repeat the sync.
type Service struct {
	store store.Store
	sync  *Synchronizer
	qps   int
}

func NewService(st store.Store, sync *Synchronizer, qps int) *Service {
	if qps < 1 {
		qps = DefaultQPS
	}
	return &Service{store: st, sync: sync, qps: qps}
}

// SyncForTask reconciles the given version's thresholds into live rules and
// appends an AlarmSyncRecord attributed to user. The version must carry
// results; syncing an empty version would silently delete every owned rule.
func (s *Service) SyncForTask(ctx context.Context, payload *SyncPayload, user string) (*SyncResult, error) {
	task, err := s.store.GetTask(ctx, payload.TaskID)
	if err != nil {
		return nil, fmt.Errorf("failed to load task %s: %w", payload.TaskID, err)
	}
	if task == nil {
		return nil, fmt.Errorf("task %s not found", payload.TaskID)
	}

	version, err := s.store.GetTaskVersion(ctx, payload.TaskID, payload.TaskVersion)
	if err != nil {
		return nil, fmt.Errorf("failed to load version %d of task %s: %w", payload.TaskVersion, payload.TaskID, err)
	}
	if version == nil {
		return nil, fmt.Errorf("version %d of task %s not found", payload.TaskVersion, payload.TaskID)
	}
	if len(version.Results) == 0 {
		return nil, fmt.Errorf("version %d of task %s has no results to sync", payload.TaskVersion, payload.TaskID)
	}

	level := payload.AlarmLevel
	if level == "" {
		level = LevelP2
	}

	// Tasks are one-to-one with datasources, so the datasource ID names
	// the rule namespace.
	result, err := s.sync.SyncRules(ctx, &Config{
		Task:            task,
		Version:         version,
		DatasourceName:  task.DatasourceID,
		MetricName:      version.MetricTemplate.Name,
		ContactGroupIDs: payload.ContactGroupIDs,
		AlertMethods:    payload.AlertMethods,
		AlarmLevel:      level,
		Webhook:         payload.Webhook,
		Group:           task.DatasourceID + "_rule",
		QPS:             s.qps,
	})
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	record := &store.AlarmSyncRecord{
		ID:              uuid.NewString(),
		TaskID:          payload.TaskID,
		ContactGroupIDs: payload.ContactGroupIDs,
		AlertMethods:    payload.AlertMethods,
		AlarmLevel:      level,
		Webhook:         payload.Webhook,
		CreatedAt:       now,
		UpdatedAt:       now,
		CreatedUser:     user,
		UpdatedUser:     user,
	}
	if err := s.store.CreateAlarmSyncRecord(ctx, record); err != nil {
		return nil, fmt.Errorf("rules synced but recording the sync failed: %w", err)
	}

	log.Printf("RuleSync: task %s version %d synced: %d created, %d updated, %d deleted, %d failed",
		payload.TaskID, payload.TaskVersion, result.Created, result.Updated, result.Deleted, result.Failed)
	return result, nil
}

// TeardownTask removes every rule the engine owns for the task. It is called
// on task deletion, after the versions are gone.
func (s *Service) TeardownTask(ctx context.Context, task *store.Task, metricName string) error {
	return s.sync.DeleteAllRules(ctx, task.DatasourceID, metricName, task.DatasourceID+"_rule", s.qps)
}
