// Package autorefresh drives the periodic recalculation of every task with
// auto_update enabled. Each batch is one record plus one detail per task;
// details advance through a calculation phase and a rule injection phase
// until the whole batch completes.
package autorefresh

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/itskum47/ThresholdForge/coordination"
	"github.com/itskum47/ThresholdForge/observability"
	"github.com/itskum47/ThresholdForge/rulesync"
	"github.com/itskum47/ThresholdForge/scheduler"
	"github.com/itskum47/ThresholdForge/store"
)

const (
	// DefaultMaxIterations bounds one processing run.
	DefaultMaxIterations = 100
	// DefaultGapTime is the pause between processing iterations.
	DefaultGapTime = 10 * time.Minute

	// refreshUser attributes store writes made by the batch driver.
	refreshUser = "cronjob"
)

// Dispatcher queues threshold recalculations.
type Dispatcher interface {
	Submit(req *scheduler.TaskRequest) error
}

// AlarmSyncer is the slice of the rule sync service the inject phase needs.
type AlarmSyncer interface {
	SyncForTask(ctx context.Context, payload *rulesync.SyncPayload, user string) (*rulesync.SyncResult, error)
}

// Controller owns the auto refresh state machine. Initialize opens a batch;
// Process drives the most recent open batch to completion.
type Controller struct {
	store  store.Store
	sched  Dispatcher
	alarms AlarmSyncer
	locker coordination.Locker
	nodeID string
}

func NewController(st store.Store, dispatcher Dispatcher, alarms AlarmSyncer, locker coordination.Locker) *Controller {
	if locker == nil {
		locker = coordination.NewMemoryLocker()
	}
	return &Controller{
		store:  st,
		sched:  dispatcher,
		alarms: alarms,
		locker: locker,
		nodeID: "refresh-" + uuid.NewString(),
	}
}

// Initialize opens a new refresh batch: one record plus one pending detail
// per auto-update task. A failure while inserting details rolls the whole
// batch back so no half-initialized record is left behind.
func (c *Controller) Initialize(ctx context.Context) error {
	tasks, err := c.store.ListAutoUpdateTasks(ctx)
	if err != nil {
		return fmt.Errorf("failed to list auto update tasks: %w", err)
	}

	now := time.Now().UTC()
	if len(tasks) == 0 {
		log.Printf("AutoRefresh: No intelligent threshold tasks found with auto_update=True")
		return c.store.CreateAutoRefreshRecord(ctx, &store.AutoRefreshRecord{
			ID:          uuid.NewString(),
			TaskAll:     []string{},
			Status:      store.RefreshCompleted,
			CreatedAt:   now,
			UpdatedAt:   now,
			CreatedUser: refreshUser,
			UpdatedUser: refreshUser,
		})
	}

	ids := make([]string, 0, len(tasks))
	for _, task := range tasks {
		ids = append(ids, task.ID)
	}
	record := &store.AutoRefreshRecord{
		ID:          uuid.NewString(),
		TaskAll:     ids,
		Status:      store.RefreshPending,
		CreatedAt:   now,
		UpdatedAt:   now,
		CreatedUser: refreshUser,
		UpdatedUser: refreshUser,
	}
	if err := c.store.CreateAutoRefreshRecord(ctx, record); err != nil {
		return fmt.Errorf("failed to create auto refresh record: %w", err)
	}

	for _, task := range tasks {
		detail := &store.AutoRefreshDetail{
			ID:           uuid.NewString(),
			RecordID:     record.ID,
			TaskID:       task.ID,
			TaskVersion:  0,
			Status:       store.RefreshPending,
			CalcStatus:   store.RefreshPending,
			InjectStatus: store.InjectInitialized,
			CreatedAt:    time.Now().UTC(),
			UpdatedAt:    time.Now().UTC(),
			CreatedUser:  refreshUser,
			UpdatedUser:  refreshUser,
		}
		if err := c.store.CreateAutoRefreshDetail(ctx, detail); err != nil {
			c.rollbackInitialize(ctx, record.ID)
			return fmt.Errorf("failed to create auto refresh detail for task %s: %w", task.ID, err)
		}
	}

	if err := c.store.UpdateAutoRefreshRecordStatus(ctx, record.ID, store.RefreshProcessing, refreshUser); err != nil {
		c.rollbackInitialize(ctx, record.ID)
		return fmt.Errorf("failed to mark record %s processing: %w", record.ID, err)
	}

	log.Printf("AutoRefresh: initialized record %s with %d tasks", record.ID, len(tasks))
	return nil
}

// rollbackInitialize undoes a partially created batch, details first.
func (c *Controller) rollbackInitialize(ctx context.Context, recordID string) {
	if err := c.store.DeleteAutoRefreshDetails(ctx, recordID); err != nil {
		log.Printf("AutoRefresh: ⚠️ failed to roll back details for record %s: %v", recordID, err)
	}
	if err := c.store.DeleteAutoRefreshRecord(ctx, recordID); err != nil {
		log.Printf("AutoRefresh: ⚠️ failed to roll back record %s: %v", recordID, err)
	}
}

// Process drives the most recent Processing record to completion, running
// the calc, inject and reconcile phases each iteration and sleeping gapTime
// in between. The coordination lock is held for the whole loop and renewed
// every iteration, so only one processor runs across replicas; if the lock
// is held elsewhere Process returns immediately.
func (c *Controller) Process(ctx context.Context, maxIterations int, gapTime time.Duration) error {
	if maxIterations < 1 {
		maxIterations = DefaultMaxIterations
	}
	if gapTime <= 0 {
		gapTime = DefaultGapTime
	}

	record, err := c.store.LatestAutoRefreshRecord(ctx)
	if err != nil {
		return fmt.Errorf("failed to load latest auto refresh record: %w", err)
	}
	if record == nil || record.Status != store.RefreshProcessing {
		log.Printf("AutoRefresh: no processing record found, nothing to do")
		return nil
	}

	ttl := 2 * gapTime
	if ttl < time.Minute {
		ttl = time.Minute
	}
	acquired, err := c.locker.Acquire(ctx, coordination.AutoRefreshLockKey, c.nodeID, ttl)
	if err != nil {
		return fmt.Errorf("failed to acquire refresh lock: %w", err)
	}
	if !acquired {
		log.Printf("AutoRefresh: another processor holds the refresh lock, skipping")
		return nil
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := c.locker.Release(releaseCtx, coordination.AutoRefreshLockKey, c.nodeID); err != nil {
			log.Printf("AutoRefresh: ⚠️ failed to release refresh lock: %v", err)
		}
	}()

	for i := 0; i < maxIterations; i++ {
		observability.RefreshIterations.Inc()
		log.Printf("AutoRefresh: [RecordID: %s, Iteration: %d] Starting processing iteration.", record.ID, i+1)

		if i > 0 {
			renewed, err := c.locker.Renew(ctx, coordination.AutoRefreshLockKey, c.nodeID, ttl)
			if err != nil || !renewed {
				log.Printf("AutoRefresh: ⚠️ lost the refresh lock (renewed=%v err=%v), stopping", renewed, err)
				return fmt.Errorf("refresh lock lost for record %s", record.ID)
			}
		}

		if err := c.processDetailTaskStatus(ctx, record.ID); err != nil {
			log.Printf("AutoRefresh: [RecordID: %s, Iteration: %d] iteration failed: %v", record.ID, i+1, err)
			continue
		}
		log.Printf("AutoRefresh: [RecordID: %s, Iteration: %d] Finished processDetailTaskStatus.", record.ID, i+1)

		if err := c.processDetailAlarmInjectStatus(ctx, record.ID); err != nil {
			log.Printf("AutoRefresh: [RecordID: %s, Iteration: %d] iteration failed: %v", record.ID, i+1, err)
			continue
		}
		log.Printf("AutoRefresh: [RecordID: %s, Iteration: %d] Finished processDetailAlarmInjectStatus.", record.ID, i+1)

		completed, err := c.reconcileRecordStatus(ctx, record)
		if err != nil {
			log.Printf("AutoRefresh: [RecordID: %s, Iteration: %d] failed to reconcile record status: %v", record.ID, i+1, err)
			continue
		}
		if completed {
			log.Printf("AutoRefresh: [RecordID: %s] All details completed. Exiting loop.", record.ID)
			return nil
		}

		log.Printf("AutoRefresh: [RecordID: %s, Iteration: %d] Continuing to next iteration.", record.ID, i+1)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(gapTime):
		}
	}

	log.Printf("AutoRefresh: [RecordID: %s] reached max iterations (%d) without completing", record.ID, maxIterations)
	return nil
}

// processDetailTaskStatus advances each detail's calculation: pending details
// get a fresh version queued at low priority, processing details mirror the
// version's terminal state, successful ones hand off to the inject phase. A
// detail that errors is force-completed so it cannot wedge the batch.
func (c *Controller) processDetailTaskStatus(ctx context.Context, recordID string) error {
	details, err := c.store.ListAutoRefreshDetails(ctx, recordID, true)
	if err != nil {
		return fmt.Errorf("failed to list details for record %s: %w", recordID, err)
	}

	for _, detail := range details {
		if err := c.advanceCalc(ctx, detail); err != nil {
			log.Printf("AutoRefresh: ⚠️ detail %s (task %s) failed: %v. Marking completed.", detail.ID, detail.TaskID, err)
			c.completeDetail(ctx, detail)
		}
	}
	return nil
}

func (c *Controller) advanceCalc(ctx context.Context, detail *store.AutoRefreshDetail) error {
	switch detail.CalcStatus {
	case store.RefreshPending:
		return c.startCalc(ctx, detail)
	case store.RefreshProcessing:
		return c.mirrorCalc(ctx, detail)
	case store.StatusSuccess:
		return c.handCalcToInject(ctx, detail)
	case store.StatusFailed:
		// Terminal calculation failure; nothing left to inject.
		detail.Status = store.RefreshCompleted
		return c.saveDetail(ctx, detail)
	}
	return nil
}

// startCalc creates the next version from the latest parameter snapshot and
// queues it.
func (c *Controller) startCalc(ctx context.Context, detail *store.AutoRefreshDetail) error {
	task, err := c.store.GetTask(ctx, detail.TaskID)
	if err != nil {
		return fmt.Errorf("failed to load task %s: %w", detail.TaskID, err)
	}
	if task == nil {
		return fmt.Errorf("task %s not found", detail.TaskID)
	}
	latest, err := c.store.LatestTaskVersion(ctx, detail.TaskID)
	if err != nil {
		return fmt.Errorf("failed to load latest version of task %s: %w", detail.TaskID, err)
	}
	if latest == nil {
		return fmt.Errorf("task %s has no versions", detail.TaskID)
	}

	now := time.Now().UTC()
	version := &store.TaskVersion{
		ID:             uuid.NewString(),
		TaskID:         task.ID,
		Version:        latest.Version + 1,
		Status:         store.StatusRunning,
		MetricTemplate: latest.MetricTemplate,
		NCount:         latest.NCount,
		Direction:      latest.Direction,
		Sensitivity:    latest.Sensitivity,
		CreatedAt:      now,
		UpdatedAt:      now,
		CreatedUser:    latest.CreatedUser,
		UpdatedUser:    latest.UpdatedUser,
	}
	if err := c.store.CreateTaskVersion(ctx, version); err != nil {
		return fmt.Errorf("failed to create version %d of task %s: %w", version.Version, task.ID, err)
	}

	detail.TaskVersion = version.Version
	detail.Status = store.RefreshProcessing
	detail.CalcStatus = store.RefreshProcessing
	if err := c.saveDetail(ctx, detail); err != nil {
		return err
	}

	if err := c.sched.Submit(&scheduler.TaskRequest{
		TaskID:         task.ID,
		TaskVersion:    version.Version,
		DatasourceID:   task.DatasourceID,
		MetricTemplate: version.MetricTemplate,
		WindowSize:     version.NCount,
		Direction:      version.Direction,
		Priority:       scheduler.PriorityLow,
		Sensitivity:    version.Sensitivity,
	}); err != nil {
		return fmt.Errorf("failed to queue threshold calculation task %s: %w", task.ID, err)
	}

	log.Printf("AutoRefresh: Triggered threshold calculation task %s with version %d", task.ID, version.Version)
	return nil
}

// mirrorCalc copies a terminal version status into the detail.
func (c *Controller) mirrorCalc(ctx context.Context, detail *store.AutoRefreshDetail) error {
	version, err := c.store.GetTaskVersion(ctx, detail.TaskID, detail.TaskVersion)
	if err != nil {
		return fmt.Errorf("failed to load version %d of task %s: %w", detail.TaskVersion, detail.TaskID, err)
	}
	if version == nil {
		// The version vanished; fail the calculation and finish the detail.
		detail.CalcStatus = store.StatusFailed
		detail.Status = store.RefreshCompleted
		return c.saveDetail(ctx, detail)
	}

	if version.Status != store.StatusSuccess && version.Status != store.StatusFailed {
		return nil
	}
	if detail.CalcStatus != version.Status {
		detail.CalcStatus = version.Status
		return c.saveDetail(ctx, detail)
	}
	return nil
}

// handCalcToInject moves a successful calculation toward rule injection. A
// task that was never synced before has no notification parameters to reuse,
// so its detail completes without injecting.
func (c *Controller) handCalcToInject(ctx context.Context, detail *store.AutoRefreshDetail) error {
	record, err := c.store.LatestAlarmSyncRecord(ctx, detail.TaskID)
	if err != nil {
		return fmt.Errorf("failed to load alarm sync record for task %s: %w", detail.TaskID, err)
	}
	if record == nil {
		detail.Status = store.RefreshCompleted
		return c.saveDetail(ctx, detail)
	}

	if detail.InjectStatus == store.InjectInitialized {
		detail.InjectStatus = store.InjectPending
		if err := c.saveDetail(ctx, detail); err != nil {
			return err
		}
		log.Printf("AutoRefresh: detail %s (task %s) updated alarm_inject_status to Pending", detail.ID, detail.TaskID)
	}
	return nil
}

// processDetailAlarmInjectStatus advances each detail's rule injection once
// its calculation has succeeded. Injection outcomes complete the detail on
// the following iteration.
func (c *Controller) processDetailAlarmInjectStatus(ctx context.Context, recordID string) error {
	details, err := c.store.ListAutoRefreshDetails(ctx, recordID, true)
	if err != nil {
		return fmt.Errorf("failed to list details for record %s: %w", recordID, err)
	}

	for _, detail := range details {
		switch detail.InjectStatus {
		case store.InjectInitialized:
			log.Printf("AutoRefresh: detail %s (task %s) alarm_inject_status is INITIALIZED, skip", detail.ID, detail.TaskID)
		case store.InjectPending:
			log.Printf("AutoRefresh: detail %s (task %s) alarm_inject_status is PENDING, Triggering alarm rule injection", detail.ID, detail.TaskID)
			if err := c.inject(ctx, detail); err != nil {
				log.Printf("AutoRefresh: ⚠️ alarm rule injection failed for task %s: %v", detail.TaskID, err)
				detail.InjectStatus = store.InjectFailed
				if saveErr := c.saveDetail(ctx, detail); saveErr != nil {
					log.Printf("AutoRefresh: ⚠️ %v", saveErr)
				}
			}
		case store.InjectSuccess, store.InjectFailed:
			log.Printf("AutoRefresh: detail %s alarm_inject_status is %s. Setting detail status to Completed.", detail.ID, detail.InjectStatus)
			c.completeDetail(ctx, detail)
		}
	}
	return nil
}

// inject replays the task's most recent alarm sync against the freshly
// computed version.
func (c *Controller) inject(ctx context.Context, detail *store.AutoRefreshDetail) error {
	if c.alarms == nil {
		return errors.New("no alarm rule provider configured")
	}

	record, err := c.store.LatestAlarmSyncRecord(ctx, detail.TaskID)
	if err != nil {
		return fmt.Errorf("failed to load alarm sync record for task %s: %w", detail.TaskID, err)
	}
	if record == nil {
		return fmt.Errorf("no alarm sync record for task %s", detail.TaskID)
	}

	if _, err := c.alarms.SyncForTask(ctx, &rulesync.SyncPayload{
		TaskID:          detail.TaskID,
		TaskVersion:     detail.TaskVersion,
		ContactGroupIDs: record.ContactGroupIDs,
		AlertMethods:    record.AlertMethods,
		AlarmLevel:      record.AlarmLevel,
		Webhook:         record.Webhook,
	}, refreshUser); err != nil {
		return err
	}

	detail.InjectStatus = store.InjectSuccess
	if err := c.saveDetail(ctx, detail); err != nil {
		return err
	}
	log.Printf("AutoRefresh: detail %s (task %s) updated alarm_inject_status to Success", detail.ID, detail.TaskID)
	return nil
}

// reconcileRecordStatus recomputes the record status from the count of
// Processing details, persisting transitions in both directions. It reports
// whether the batch is complete.
func (c *Controller) reconcileRecordStatus(ctx context.Context, record *store.AutoRefreshRecord) (bool, error) {
	processing, err := c.store.CountProcessingDetails(ctx, record.ID)
	if err != nil {
		return false, fmt.Errorf("failed to count processing details for record %s: %w", record.ID, err)
	}

	status := store.RefreshProcessing
	if processing == 0 {
		status = store.RefreshCompleted
	}
	if record.Status != status {
		if err := c.store.UpdateAutoRefreshRecordStatus(ctx, record.ID, status, refreshUser); err != nil {
			return false, fmt.Errorf("failed to update record %s status: %w", record.ID, err)
		}
		record.Status = status
	}
	return status == store.RefreshCompleted, nil
}

// completeDetail force-finishes a detail after an unrecoverable error.
func (c *Controller) completeDetail(ctx context.Context, detail *store.AutoRefreshDetail) {
	detail.Status = store.RefreshCompleted
	if err := c.saveDetail(ctx, detail); err != nil {
		log.Printf("AutoRefresh: ⚠️ failed to complete detail %s: %v", detail.ID, err)
	}
}

func (c *Controller) saveDetail(ctx context.Context, detail *store.AutoRefreshDetail) error {
	detail.UpdatedAt = time.Now().UTC()
	detail.UpdatedUser = refreshUser
	if err := c.store.UpdateAutoRefreshDetail(ctx, detail); err != nil {
		return fmt.Errorf("failed to update detail %s: %w", detail.ID, err)
	}
	return nil
}
