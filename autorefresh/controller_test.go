package autorefresh

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/itskum47/ThresholdForge/coordination"
	"github.com/itskum47/ThresholdForge/rulesync"
	"github.com/itskum47/ThresholdForge/scheduler"
	"github.com/itskum47/ThresholdForge/store"
)

// stubDispatcher records submissions and, when status is set, settles the
// version immediately as if the calculation had run.
type stubDispatcher struct {
	st      store.Store
	status  string
	message string

	mu   sync.Mutex
	reqs []*scheduler.TaskRequest
	err  error
}

func (d *stubDispatcher) Submit(req *scheduler.TaskRequest) error {
	d.mu.Lock()
	d.reqs = append(d.reqs, req)
	d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	if d.st != nil && d.status != "" {
		return d.st.UpdateTaskResult(context.Background(), req.TaskID, req.TaskVersion, d.status, nil, d.message)
	}
	return nil
}

func (d *stubDispatcher) submissions() []*scheduler.TaskRequest {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*scheduler.TaskRequest(nil), d.reqs...)
}

type stubSyncer struct {
	mu    sync.Mutex
	calls []*rulesync.SyncPayload
	users []string
	err   error
}

func (s *stubSyncer) SyncForTask(ctx context.Context, payload *rulesync.SyncPayload, user string) (*rulesync.SyncResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, payload)
	s.users = append(s.users, user)
	if s.err != nil {
		return nil, s.err
	}
	return &rulesync.SyncResult{}, nil
}

func seedRefreshTask(t *testing.T, st store.Store, id string, autoUpdate bool) {
	t.Helper()
	ctx := context.Background()
	task := &store.Task{
		ID:             id,
		Name:           "watch-" + id,
		DatasourceID:   "ds-" + id,
		AutoUpdate:     autoUpdate,
		MetricTemplate: store.MetricTemplate{Name: "cpu_usage"},
	}
	if err := st.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	version := &store.TaskVersion{
		ID:             id + "-v1",
		TaskID:         id,
		Version:        1,
		Status:         store.StatusSuccess,
		MetricTemplate: store.MetricTemplate{Name: "cpu_usage"},
		NCount:         5,
		Direction:      store.DirectionUp,
		Sensitivity:    0.5,
		CreatedUser:    "api",
		UpdatedUser:    "api",
	}
	if err := st.CreateTaskVersion(ctx, version); err != nil {
		t.Fatalf("CreateTaskVersion: %v", err)
	}
}

func seedAlarmRecord(t *testing.T, st store.Store, taskID string) {
	t.Helper()
	now := time.Now().UTC()
	record := &store.AlarmSyncRecord{
		ID:              taskID + "-asr",
		TaskID:          taskID,
		ContactGroupIDs: []string{"grp-1"},
		AlertMethods:    []string{"email"},
		AlarmLevel:      "P1",
		Webhook:         "https://hooks.example/x",
		CreatedAt:       now,
		UpdatedAt:       now,
		CreatedUser:     "api",
		UpdatedUser:     "api",
	}
	if err := st.CreateAlarmSyncRecord(context.Background(), record); err != nil {
		t.Fatalf("CreateAlarmSyncRecord: %v", err)
	}
}

func TestInitializeWithoutAutoUpdateTasks(t *testing.T) {
	st := store.NewMemoryStore()
	seedRefreshTask(t, st, "task-1", false)
	ctl := NewController(st, &stubDispatcher{}, nil, nil)

	if err := ctl.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	record, err := st.LatestAutoRefreshRecord(context.Background())
	if err != nil || record == nil {
		t.Fatalf("record = %+v, err = %v", record, err)
	}
	if record.Status != store.RefreshCompleted {
		t.Fatalf("status = %q, want Completed", record.Status)
	}
	if len(record.TaskAll) != 0 {
		t.Fatalf("task_all = %+v", record.TaskAll)
	}
	details, _ := st.ListAutoRefreshDetails(context.Background(), record.ID, false)
	if len(details) != 0 {
		t.Fatalf("details = %+v", details)
	}
}

func TestInitializeCreatesPendingDetails(t *testing.T) {
	st := store.NewMemoryStore()
	seedRefreshTask(t, st, "task-1", true)
	seedRefreshTask(t, st, "task-2", true)
	seedRefreshTask(t, st, "task-3", false)
	ctl := NewController(st, &stubDispatcher{}, nil, nil)

	if err := ctl.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	record, _ := st.LatestAutoRefreshRecord(context.Background())
	if record == nil || record.Status != store.RefreshProcessing {
		t.Fatalf("record = %+v", record)
	}
	if len(record.TaskAll) != 2 {
		t.Fatalf("task_all = %+v", record.TaskAll)
	}
	if record.CreatedUser != "cronjob" {
		t.Fatalf("created user = %q", record.CreatedUser)
	}

	details, err := st.ListAutoRefreshDetails(context.Background(), record.ID, false)
	if err != nil || len(details) != 2 {
		t.Fatalf("details = %+v, err = %v", details, err)
	}
	for _, detail := range details {
		if detail.Status != store.RefreshPending || detail.CalcStatus != store.RefreshPending {
			t.Fatalf("detail = %+v", detail)
		}
		if detail.InjectStatus != store.InjectInitialized {
			t.Fatalf("inject status = %q", detail.InjectStatus)
		}
		if detail.TaskVersion != 0 {
			t.Fatalf("version = %d, want 0", detail.TaskVersion)
		}
	}
}

type flakyDetailStore struct {
	store.Store
	failAt int
	calls  int
}

func (f *flakyDetailStore) CreateAutoRefreshDetail(ctx context.Context, d *store.AutoRefreshDetail) error {
	f.calls++
	if f.calls == f.failAt {
		return errors.New("disk full")
	}
	return f.Store.CreateAutoRefreshDetail(ctx, d)
}

func TestInitializeRollsBackOnDetailFailure(t *testing.T) {
	mem := store.NewMemoryStore()
	seedRefreshTask(t, mem, "task-1", true)
	seedRefreshTask(t, mem, "task-2", true)
	st := &flakyDetailStore{Store: mem, failAt: 2}
	ctl := NewController(st, &stubDispatcher{}, nil, nil)

	if err := ctl.Initialize(context.Background()); err == nil {
		t.Fatal("expected an error from the failing detail insert")
	}

	record, err := mem.LatestAutoRefreshRecord(context.Background())
	if err != nil {
		t.Fatalf("LatestAutoRefreshRecord: %v", err)
	}
	if record != nil {
		t.Fatalf("record must be rolled back, got %+v", record)
	}
}

func TestProcessWithoutProcessingRecord(t *testing.T) {
	st := store.NewMemoryStore()
	dispatcher := &stubDispatcher{}
	ctl := NewController(st, dispatcher, nil, nil)

	if err := ctl.Process(context.Background(), 3, time.Millisecond); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(dispatcher.submissions()) != 0 {
		t.Fatal("nothing should be submitted without a processing record")
	}
}

func TestProcessSkipsWhenLockHeld(t *testing.T) {
	st := store.NewMemoryStore()
	seedRefreshTask(t, st, "task-1", true)
	locker := coordination.NewMemoryLocker()
	if ok, _ := locker.Acquire(context.Background(), coordination.AutoRefreshLockKey, "other", time.Minute); !ok {
		t.Fatal("setup acquire failed")
	}

	dispatcher := &stubDispatcher{}
	ctl := NewController(st, dispatcher, nil, locker)
	if err := ctl.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	if err := ctl.Process(context.Background(), 3, time.Millisecond); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(dispatcher.submissions()) != 0 {
		t.Fatal("a held lock must prevent processing")
	}
	record, _ := st.LatestAutoRefreshRecord(context.Background())
	if record.Status != store.RefreshProcessing {
		t.Fatalf("record status = %q, want untouched Processing", record.Status)
	}
}

func TestProcessDrivesBatchToCompletion(t *testing.T) {
	st := store.NewMemoryStore()
	seedRefreshTask(t, st, "task-1", true)
	seedAlarmRecord(t, st, "task-1")

	dispatcher := &stubDispatcher{st: st, status: store.StatusSuccess}
	syncer := &stubSyncer{}
	ctl := NewController(st, dispatcher, syncer, nil)
	ctx := context.Background()

	if err := ctl.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := ctl.Process(ctx, 10, time.Millisecond); err != nil {
		t.Fatalf("Process: %v", err)
	}

	record, _ := st.LatestAutoRefreshRecord(ctx)
	if record.Status != store.RefreshCompleted {
		t.Fatalf("record status = %q, want Completed", record.Status)
	}

	details, _ := st.ListAutoRefreshDetails(ctx, record.ID, false)
	if len(details) != 1 {
		t.Fatalf("details = %+v", details)
	}
	detail := details[0]
	if detail.Status != store.RefreshCompleted || detail.CalcStatus != store.StatusSuccess {
		t.Fatalf("detail = %+v", detail)
	}
	if detail.InjectStatus != store.InjectSuccess {
		t.Fatalf("inject status = %q", detail.InjectStatus)
	}
	if detail.TaskVersion != 2 {
		t.Fatalf("detail version = %d, want 2", detail.TaskVersion)
	}

	reqs := dispatcher.submissions()
	if len(reqs) != 1 {
		t.Fatalf("submissions = %+v", reqs)
	}
	req := reqs[0]
	if req.TaskID != "task-1" || req.TaskVersion != 2 || req.Priority != scheduler.PriorityLow {
		t.Fatalf("request = %+v", req)
	}
	if req.WindowSize != 5 || req.Direction != store.DirectionUp || req.Sensitivity != 0.5 {
		t.Fatalf("request must carry the latest parameter snapshot: %+v", req)
	}

	if len(syncer.calls) != 1 {
		t.Fatalf("sync calls = %+v", syncer.calls)
	}
	payload := syncer.calls[0]
	if payload.TaskID != "task-1" || payload.TaskVersion != 2 {
		t.Fatalf("payload = %+v", payload)
	}
	if len(payload.ContactGroupIDs) != 1 || payload.ContactGroupIDs[0] != "grp-1" || payload.AlarmLevel != "P1" {
		t.Fatalf("payload must reuse the recorded notification wiring: %+v", payload)
	}
	if syncer.users[0] != "cronjob" {
		t.Fatalf("sync user = %q", syncer.users[0])
	}

	// The new version carries the snapshot from version 1.
	version, _ := st.GetTaskVersion(ctx, "task-1", 2)
	if version == nil || version.NCount != 5 || version.Direction != store.DirectionUp {
		t.Fatalf("version = %+v", version)
	}
}

func TestProcessCompletesDetailOnCalcFailure(t *testing.T) {
	st := store.NewMemoryStore()
	seedRefreshTask(t, st, "task-1", true)
	seedAlarmRecord(t, st, "task-1")

	dispatcher := &stubDispatcher{st: st, status: store.StatusFailed, message: "fetch blew up"}
	syncer := &stubSyncer{}
	ctl := NewController(st, dispatcher, syncer, nil)
	ctx := context.Background()

	if err := ctl.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := ctl.Process(ctx, 10, time.Millisecond); err != nil {
		t.Fatalf("Process: %v", err)
	}

	record, _ := st.LatestAutoRefreshRecord(ctx)
	if record.Status != store.RefreshCompleted {
		t.Fatalf("record status = %q", record.Status)
	}
	details, _ := st.ListAutoRefreshDetails(ctx, record.ID, false)
	detail := details[0]
	if detail.Status != store.RefreshCompleted || detail.CalcStatus != store.StatusFailed {
		t.Fatalf("detail = %+v", detail)
	}
	if detail.InjectStatus != store.InjectInitialized {
		t.Fatalf("a failed calculation must never inject, got %q", detail.InjectStatus)
	}
	if len(syncer.calls) != 0 {
		t.Fatalf("sync calls = %+v", syncer.calls)
	}
}

func TestProcessCompletesDetailWhenTaskVanished(t *testing.T) {
	st := store.NewMemoryStore()
	seedRefreshTask(t, st, "task-1", true)
	dispatcher := &stubDispatcher{}
	ctl := NewController(st, dispatcher, nil, nil)
	ctx := context.Background()

	if err := ctl.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := st.DeleteTask(ctx, "task-1"); err != nil {
		t.Fatalf("DeleteTask: %v", err)
	}

	if err := ctl.Process(ctx, 10, time.Millisecond); err != nil {
		t.Fatalf("Process: %v", err)
	}

	record, _ := st.LatestAutoRefreshRecord(ctx)
	if record.Status != store.RefreshCompleted {
		t.Fatalf("record status = %q", record.Status)
	}
	if len(dispatcher.submissions()) != 0 {
		t.Fatal("a vanished task must not be queued")
	}
}

func TestProcessCompletesWithoutPriorAlarmSync(t *testing.T) {
	st := store.NewMemoryStore()
	seedRefreshTask(t, st, "task-1", true)

	dispatcher := &stubDispatcher{st: st, status: store.StatusSuccess}
	syncer := &stubSyncer{}
	ctl := NewController(st, dispatcher, syncer, nil)
	ctx := context.Background()

	if err := ctl.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := ctl.Process(ctx, 10, time.Millisecond); err != nil {
		t.Fatalf("Process: %v", err)
	}

	record, _ := st.LatestAutoRefreshRecord(ctx)
	if record.Status != store.RefreshCompleted {
		t.Fatalf("record status = %q", record.Status)
	}
	details, _ := st.ListAutoRefreshDetails(ctx, record.ID, false)
	detail := details[0]
	if detail.Status != store.RefreshCompleted || detail.CalcStatus != store.StatusSuccess {
		t.Fatalf("detail = %+v", detail)
	}
	// Nothing to replay: the task was never synced before.
	if detail.InjectStatus != store.InjectInitialized {
		t.Fatalf("inject status = %q", detail.InjectStatus)
	}
	if len(syncer.calls) != 0 {
		t.Fatalf("sync calls = %+v", syncer.calls)
	}
}

func TestProcessMarksInjectFailedOnSyncError(t *testing.T) {
	st := store.NewMemoryStore()
	seedRefreshTask(t, st, "task-1", true)
	seedAlarmRecord(t, st, "task-1")

	dispatcher := &stubDispatcher{st: st, status: store.StatusSuccess}
	syncer := &stubSyncer{err: errors.New("provider down")}
	ctl := NewController(st, dispatcher, syncer, nil)
	ctx := context.Background()

	if err := ctl.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := ctl.Process(ctx, 10, time.Millisecond); err != nil {
		t.Fatalf("Process: %v", err)
	}

	record, _ := st.LatestAutoRefreshRecord(ctx)
	if record.Status != store.RefreshCompleted {
		t.Fatalf("record status = %q", record.Status)
	}
	details, _ := st.ListAutoRefreshDetails(ctx, record.ID, false)
	detail := details[0]
	if detail.Status != store.RefreshCompleted {
		t.Fatalf("detail = %+v", detail)
	}
	if detail.InjectStatus != store.InjectFailed {
		t.Fatalf("inject status = %q, want Failed", detail.InjectStatus)
	}
}
