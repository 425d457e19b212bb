package store

import (
	"context"
	"errors"
	"log"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// MemoryStore holds all engine state in process memory.
// It implements the Store interface and is the default backend for
// single-node runs and tests.
type MemoryStore struct {
	mu             sync.RWMutex
	tasks          map[string]*Task
	versions       map[string]*TaskVersion // keyed by versionKey(taskID, version)
	refreshRecords map[string]*AutoRefreshRecord
	refreshDetails map[string]*AutoRefreshDetail
	alarmRecords   map[string]*AlarmSyncRecord
}

// NewMemoryStore initializes a new MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:          make(map[string]*Task),
		versions:       make(map[string]*TaskVersion),
		refreshRecords: make(map[string]*AutoRefreshRecord),
		refreshDetails: make(map[string]*AutoRefreshDetail),
		alarmRecords:   make(map[string]*AlarmSyncRecord),
	}
}

func versionKey(taskID string, version int) string {
	return taskID + "#" + strconv.Itoa(version)
}

func copyTask(t *Task) *Task {
	c := *t
	c.Projects = append([]string(nil), t.Projects...)
	return &c
}

func copyVersion(v *TaskVersion) *TaskVersion {
	c := *v
	c.Results = append([]MetricThresholdResult(nil), v.Results...)
	return &c
}

// --- Task Operations ---

func (s *MemoryStore) CreateTask(ctx context.Context, t *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[t.ID]; ok {
		return errors.New("task already exists")
	}
	for _, existing := range s.tasks {
		if existing.Name == t.Name {
			return errors.New("task name already exists")
		}
		if existing.DatasourceID == t.DatasourceID {
			return errors.New("task datasource already exists")
		}
	}
	s.tasks[t.ID] = copyTask(t)
	return nil
}

func (s *MemoryStore) GetTask(ctx context.Context, id string) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, nil
	}
	return copyTask(t), nil
}

func (s *MemoryStore) GetTaskByName(ctx context.Context, name string) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, t := range s.tasks {
		if t.Name == name {
			return copyTask(t), nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) GetTaskByDatasource(ctx context.Context, datasourceID string) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, t := range s.tasks {
		if t.DatasourceID == datasourceID {
			return copyTask(t), nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) ListTasks(ctx context.Context, filter TaskFilter) ([]*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]*Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		if !taskMatches(t, filter) {
			continue
		}
		matched = append(matched, t)
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	return paginateTasks(matched, filter.Skip, filter.Limit), nil
}

func taskMatches(t *Task, f TaskFilter) bool {
	if f.NameContains != "" && !strings.Contains(t.Name, f.NameContains) {
		return false
	}
	if f.DatasourceType != "" && t.DatasourceType != f.DatasourceType {
		return false
	}
	if f.AutoUpdate != nil && t.AutoUpdate != *f.AutoUpdate {
		return false
	}
	if len(f.Projects) > 0 {
		found := false
		for _, want := range f.Projects {
			for _, have := range t.Projects {
				if want == have {
					found = true
					break
				}
			}
		}
		if !found {
			return false
		}
	}
	if f.CreatedAfter != nil && t.CreatedAt.Before(*f.CreatedAfter) {
		return false
	}
	if f.CreatedBefore != nil && t.CreatedAt.After(*f.CreatedBefore) {
		return false
	}
	if f.UpdatedAfter != nil && t.UpdatedAt.Before(*f.UpdatedAfter) {
		return false
	}
	if f.UpdatedBefore != nil && t.UpdatedAt.After(*f.UpdatedBefore) {
		return false
	}
	return true
}

func paginateTasks(tasks []*Task, skip, limit int) []*Task {
	if skip >= len(tasks) {
		return []*Task{}
	}
	tasks = tasks[skip:]
	if limit > 0 && limit < len(tasks) {
		tasks = tasks[:limit]
	}
	out := make([]*Task, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, copyTask(t))
	}
	return out
}

func (s *MemoryStore) UpdateTaskAutoUpdate(ctx context.Context, ids []string, autoUpdate bool, user string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	matched := 0
	now := time.Now()
	for _, id := range ids {
		t, ok := s.tasks[id]
		if !ok {
			continue
		}
		matched++
		t.AutoUpdate = autoUpdate
		t.UpdatedAt = now
		if user != "" {
			t.UpdatedUser = user
		}
	}
	return matched, nil
}

func (s *MemoryStore) TouchTask(ctx context.Context, id string, user string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return errors.New("task not found")
	}
	t.UpdatedAt = time.Now()
	if user != "" {
		t.UpdatedUser = user
	}
	return nil
}

func (s *MemoryStore) ListAutoUpdateTasks(ctx context.Context) ([]*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*Task, 0)
	for _, t := range s.tasks {
		if t.AutoUpdate {
			result = append(result, copyTask(t))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (s *MemoryStore) DeleteTask(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[id]; !ok {
		return errors.New("task not found")
	}
	delete(s.tasks, id)
	for key, v := range s.versions {
		if v.TaskID == id {
			delete(s.versions, key)
		}
	}
	return nil
}

// --- Version Operations ---

func (s *MemoryStore) CreateTaskVersion(ctx context.Context, v *TaskVersion) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := versionKey(v.TaskID, v.Version)
	if _, ok := s.versions[key]; ok {
		return errors.New("task version already exists")
	}
	s.versions[key] = copyVersion(v)
	return nil
}

func (s *MemoryStore) GetTaskVersion(ctx context.Context, taskID string, version int) (*TaskVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.versions[versionKey(taskID, version)]
	if !ok {
		return nil, nil
	}
	return copyVersion(v), nil
}

func (s *MemoryStore) LatestTaskVersion(ctx context.Context, taskID string) (*TaskVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *TaskVersion
	for _, v := range s.versions {
		if v.TaskID != taskID {
			continue
		}
		if latest == nil || v.Version > latest.Version {
			latest = v
		}
	}
	if latest == nil {
		return nil, nil
	}
	return copyVersion(latest), nil
}

func (s *MemoryStore) ListTaskVersions(ctx context.Context, filter VersionFilter) ([]*TaskVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]*TaskVersion, 0)
	for _, v := range s.versions {
		if filter.TaskID != "" && v.TaskID != filter.TaskID {
			continue
		}
		if filter.Status != "" && v.Status != filter.Status {
			continue
		}
		if filter.CreatedAfter != nil && v.CreatedAt.Before(*filter.CreatedAfter) {
			continue
		}
		if filter.CreatedBefore != nil && v.CreatedAt.After(*filter.CreatedBefore) {
			continue
		}
		if filter.UpdatedAfter != nil && v.UpdatedAt.Before(*filter.UpdatedAfter) {
			continue
		}
		if filter.UpdatedBefore != nil && v.UpdatedAt.After(*filter.UpdatedBefore) {
			continue
		}
		matched = append(matched, v)
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].Version > matched[j].Version
	})

	if filter.Skip >= len(matched) {
		return []*TaskVersion{}, nil
	}
	matched = matched[filter.Skip:]
	if filter.Limit > 0 && filter.Limit < len(matched) {
		matched = matched[:filter.Limit]
	}
	out := make([]*TaskVersion, 0, len(matched))
	for _, v := range matched {
		out = append(out, copyVersion(v))
	}
	return out, nil
}

func (s *MemoryStore) UpdateTaskResult(ctx context.Context, taskID string, version int, status string, results []MetricThresholdResult, errorMessage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.versions[versionKey(taskID, version)]
	if !ok {
		return errors.New("task version not found")
	}
	if v.Status == StatusSuccess || v.Status == StatusFailed {
		// Terminal states stick. Completion callbacks retry, so a repeat
		// delivery lands here and must not rewrite the outcome.
		log.Printf("Task %s version %d already in terminal state %s, skipping update to %s", taskID, version, v.Status, status)
		return nil
	}

	v.Status = status
	v.Results = append([]MetricThresholdResult(nil), results...)
	v.ErrorMessage = errorMessage
	v.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) DeleteTaskVersions(ctx context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, v := range s.versions {
		if v.TaskID == taskID {
			delete(s.versions, key)
		}
	}
	return nil
}

// --- Auto Refresh Operations ---

func (s *MemoryStore) CreateAutoRefreshRecord(ctx context.Context, r *AutoRefreshRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.refreshRecords[r.ID]; ok {
		return errors.New("auto refresh record already exists")
	}
	c := *r
	c.TaskAll = append([]string(nil), r.TaskAll...)
	s.refreshRecords[r.ID] = &c
	return nil
}

func (s *MemoryStore) LatestAutoRefreshRecord(ctx context.Context) (*AutoRefreshRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *AutoRefreshRecord
	for _, r := range s.refreshRecords {
		if latest == nil || r.CreatedAt.After(latest.CreatedAt) {
			latest = r
		}
	}
	if latest == nil {
		return nil, nil
	}
	c := *latest
	c.TaskAll = append([]string(nil), latest.TaskAll...)
	return &c, nil
}

func (s *MemoryStore) UpdateAutoRefreshRecordStatus(ctx context.Context, id string, status string, user string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.refreshRecords[id]
	if !ok {
		return errors.New("auto refresh record not found")
	}
	r.Status = status
	r.UpdatedAt = time.Now()
	if user != "" {
		r.UpdatedUser = user
	}
	return nil
}

func (s *MemoryStore) DeleteAutoRefreshRecord(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.refreshRecords, id)
	return nil
}

func (s *MemoryStore) CreateAutoRefreshDetail(ctx context.Context, d *AutoRefreshDetail) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.refreshDetails[d.ID]; ok {
		return errors.New("auto refresh detail already exists")
	}
	c := *d
	s.refreshDetails[d.ID] = &c
	return nil
}

func (s *MemoryStore) ListAutoRefreshDetails(ctx context.Context, recordID string, excludeCompleted bool) ([]*AutoRefreshDetail, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*AutoRefreshDetail, 0)
	for _, d := range s.refreshDetails {
		if d.RecordID != recordID {
			continue
		}
		if excludeCompleted && d.Status == RefreshCompleted {
			continue
		}
		c := *d
		result = append(result, &c)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (s *MemoryStore) UpdateAutoRefreshDetail(ctx context.Context, d *AutoRefreshDetail) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.refreshDetails[d.ID]
	if !ok {
		return errors.New("auto refresh detail not found")
	}
	c := *d
	c.CreatedAt = existing.CreatedAt
	c.UpdatedAt = time.Now()
	s.refreshDetails[d.ID] = &c
	return nil
}

func (s *MemoryStore) DeleteAutoRefreshDetails(ctx context.Context, recordID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, d := range s.refreshDetails {
		if d.RecordID == recordID {
			delete(s.refreshDetails, id)
		}
	}
	return nil
}

func (s *MemoryStore) CountProcessingDetails(ctx context.Context, recordID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, d := range s.refreshDetails {
		if d.RecordID == recordID && d.Status == RefreshProcessing {
			count++
		}
	}
	return count, nil
}

// --- Alarm Sync Operations ---

func (s *MemoryStore) CreateAlarmSyncRecord(ctx context.Context, r *AlarmSyncRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.alarmRecords[r.ID]; ok {
		return errors.New("alarm sync record already exists")
	}
	c := *r
	c.ContactGroupIDs = append([]string(nil), r.ContactGroupIDs...)
	c.AlertMethods = append([]string(nil), r.AlertMethods...)
	s.alarmRecords[r.ID] = &c
	return nil
}

func (s *MemoryStore) LatestAlarmSyncRecord(ctx context.Context, taskID string) (*AlarmSyncRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *AlarmSyncRecord
	for _, r := range s.alarmRecords {
		if r.TaskID != taskID {
			continue
		}
		if latest == nil || r.CreatedAt.After(latest.CreatedAt) {
			latest = r
		}
	}
	if latest == nil {
		return nil, nil
	}
	c := *latest
	c.ContactGroupIDs = append([]string(nil), latest.ContactGroupIDs...)
	c.AlertMethods = append([]string(nil), latest.AlertMethods...)
	return &c, nil
}
