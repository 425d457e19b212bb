package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/itskum47/ThresholdForge/scheduler"
	"github.com/itskum47/ThresholdForge/store"
)

// handleTask dispatches the task subtree. Fixed paths are matched before the
// {id} routes so a task can never shadow an operation name.
func (a *API) handleTask(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, taskPrefix)

	switch rest {
	case "":
		switch r.Method {
		case http.MethodPost:
			a.handleCreateTask(w, r)
		case http.MethodGet:
			a.handleListTasks(w, r)
		default:
			writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		}
		return
	case "versions/":
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}
		a.handleListVersions(w, r)
		return
	case "rerun":
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}
		a.handleRerunTask(w, r)
		return
	case "auto-refresh/initialize":
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}
		a.handleRefreshInitialize(w, r)
		return
	case "auto-refresh/process":
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}
		a.handleRefreshProcess(w, r)
		return
	case "auto-refresh-switch":
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}
		a.handleRefreshSwitch(w, r)
		return
	}

	if taskID, ok := strings.CutSuffix(rest, "/update_result"); ok {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}
		a.handleUpdateResult(w, r, taskID)
		return
	}

	if strings.Contains(rest, "/") {
		writeError(w, http.StatusNotFound, "Not found")
		return
	}

	switch r.Method {
	case http.MethodGet:
		a.handleGetTask(w, r, rest)
	case http.MethodDelete:
		a.handleDeleteTask(w, r, rest)
	default:
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

// createTaskPayload is the body of task creation.
type createTaskPayload struct {
	TaskName       string               `json:"task_name"`
	DatasourceID   string               `json:"datasource_id"`
	DatasourceType string               `json:"datasource_type"`
	AutoUpdate     bool                 `json:"auto_update"`
	Projects       []string             `json:"projects"`
	MetricTemplate store.MetricTemplate `json:"metric_template_value"`
	NCount         int                  `json:"n_count"`
	Direction      string               `json:"direction"`
	Sensitivity    float64              `json:"sensitivity"`
}

func (a *API) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var body createTaskPayload
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if body.TaskName == "" || body.DatasourceID == "" {
		writeError(w, http.StatusBadRequest, "task_name and datasource_id are required")
		return
	}

	ctx := r.Context()
	if existing, err := a.store.GetTaskByName(ctx, body.TaskName); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to check task name: "+err.Error())
		return
	} else if existing != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Active task with name '%s' already exists", body.TaskName))
		return
	}
	if existing, err := a.store.GetTaskByDatasource(ctx, body.DatasourceID); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to check datasource: "+err.Error())
		return
	} else if existing != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Active task with datasource_id '%s' already exists", body.DatasourceID))
		return
	}

	user := userFrom(r)
	now := time.Now().UTC()
	task := &store.Task{
		ID:             uuid.NewString(),
		Name:           body.TaskName,
		DatasourceID:   body.DatasourceID,
		DatasourceType: body.DatasourceType,
		MetricTemplate: body.MetricTemplate,
		AutoUpdate:     body.AutoUpdate,
		Projects:       body.Projects,
		CreatedAt:      now,
		UpdatedAt:      now,
		CreatedUser:    user,
		UpdatedUser:    user,
	}
	version := &store.TaskVersion{
		ID:             uuid.NewString(),
		TaskID:         task.ID,
		Version:        1,
		Status:         store.StatusRunning,
		MetricTemplate: body.MetricTemplate,
		NCount:         body.NCount,
		Direction:      body.Direction,
		Sensitivity:    body.Sensitivity,
		CreatedAt:      now,
		UpdatedAt:      now,
		CreatedUser:    user,
		UpdatedUser:    user,
	}

	if err := a.store.CreateTask(ctx, task); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to create task: "+err.Error())
		return
	}
	if err := a.store.CreateTaskVersion(ctx, version); err != nil {
		a.rollbackCreate(ctx, task.ID)
		writeError(w, http.StatusInternalServerError, "Failed to create task: "+err.Error())
		return
	}

	if err := a.enqueue(task, version, scheduler.PriorityHigh); err != nil {
		a.rollbackCreate(ctx, task.ID)
		writeError(w, http.StatusInternalServerError, "Failed to create task: "+err.Error())
		return
	}

	a.hub.Publish(EventTaskQueued, task.ID, map[string]interface{}{
		"task_version": version.Version,
		"priority":     scheduler.PriorityHigh.String(),
	})
	writeJSON(w, http.StatusCreated, apiResponse{Message: "Task created successfully", Data: task})
}

// rollbackCreate undoes a half-created task so a failed create leaves no
// trace. DeleteTask cascades the version.
func (a *API) rollbackCreate(ctx context.Context, taskID string) {
	if err := a.store.DeleteTask(ctx, taskID); err != nil {
		log.Printf("API: ⚠️ failed to roll back task %s: %v", taskID, err)
	}
}

// enqueue submits a version to the scheduler at the given priority.
func (a *API) enqueue(task *store.Task, version *store.TaskVersion, priority scheduler.Priority) error {
	return a.sched.Submit(&scheduler.TaskRequest{
		TaskID:         task.ID,
		TaskVersion:    version.Version,
		DatasourceID:   task.DatasourceID,
		MetricTemplate: version.MetricTemplate,
		WindowSize:     version.NCount,
		Direction:      version.Direction,
		Priority:       priority,
		Sensitivity:    version.Sensitivity,
		CreatedAt:      time.Now(),
	})
}

// taskDetail is a task with its latest version inlined.
type taskDetail struct {
	*store.Task
	LatestVersion *store.TaskVersion `json:"latest_version"`
}

func (a *API) handleGetTask(w http.ResponseWriter, r *http.Request, taskID string) {
	ctx := r.Context()
	task, err := a.store.GetTask(ctx, taskID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load task: "+err.Error())
		return
	}
	if task == nil {
		writeError(w, http.StatusNotFound, "Task not found")
		return
	}
	latest, err := a.store.LatestTaskVersion(ctx, taskID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load latest version: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, apiResponse{
		Message: "Task retrieved successfully",
		Data:    taskDetail{Task: task, LatestVersion: latest},
	})
}

func (a *API) handleListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	skip, limit, err := parsePaging(q.Get("skip"), q.Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	filter := store.TaskFilter{
		Projects:       q["projects"],
		NameContains:   q.Get("task_name"),
		DatasourceType: q.Get("datasource_type"),
		Skip:           skip,
		Limit:          limit,
	}
	if v := q.Get("auto_update"); v != "" {
		autoUpdate, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "auto_update must be a boolean")
			return
		}
		filter.AutoUpdate = &autoUpdate
	}
	if filter.CreatedAfter, filter.CreatedBefore, err = parseTimeRange(q, "created_at"); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if filter.UpdatedAfter, filter.UpdatedBefore, err = parseTimeRange(q, "updated_at"); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx := r.Context()
	tasks, err := a.store.ListTasks(ctx, filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list tasks: "+err.Error())
		return
	}

	unpaged := filter
	unpaged.Skip, unpaged.Limit = 0, 0
	all, err := a.store.ListTasks(ctx, unpaged)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to count tasks: "+err.Error())
		return
	}

	writeJSON(w, http.StatusOK, paginatedResponse{
		Message: "list tasks successfully",
		Data:    tasks,
		Skip:    skip,
		Limit:   limit,
		Total:   len(all),
	})
}

func (a *API) handleListVersions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	taskID := q.Get("task_id")
	if taskID == "" {
		writeError(w, http.StatusBadRequest, "task_id is required")
		return
	}
	skip, limit, err := parsePaging(q.Get("skip"), q.Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	filter := store.VersionFilter{
		TaskID: taskID,
		Status: q.Get("status"),
		Skip:   skip,
		Limit:  limit,
	}
	if filter.CreatedAfter, filter.CreatedBefore, err = parseTimeRange(q, "created_at"); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if filter.UpdatedAfter, filter.UpdatedBefore, err = parseTimeRange(q, "updated_at"); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx := r.Context()
	versions, err := a.store.ListTaskVersions(ctx, filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list versions: "+err.Error())
		return
	}

	unpaged := filter
	unpaged.Skip, unpaged.Limit = 0, 0
	all, err := a.store.ListTaskVersions(ctx, unpaged)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to count versions: "+err.Error())
		return
	}

	writeJSON(w, http.StatusOK, paginatedResponse{
		Message: "list task versions successfully",
		Data:    versions,
		Skip:    skip,
		Limit:   limit,
		Total:   len(all),
	})
}

// rerunPayload is the body of the rerun endpoint. The snapshot parameters
// are taken from the payload, not from the previous version.
type rerunPayload struct {
	TaskID         string               `json:"task_id"`
	MetricTemplate store.MetricTemplate `json:"metric_template_value"`
	NCount         int                  `json:"n_count"`
	Direction      string               `json:"direction"`
	Sensitivity    float64              `json:"sensitivity"`
}

func (a *API) handleRerunTask(w http.ResponseWriter, r *http.Request) {
	var body rerunPayload
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	ctx := r.Context()
	task, err := a.store.GetTask(ctx, body.TaskID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load task: "+err.Error())
		return
	}
	if task == nil {
		writeError(w, http.StatusNotFound, "Task not found")
		return
	}
	latest, err := a.store.LatestTaskVersion(ctx, body.TaskID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load latest version: "+err.Error())
		return
	}
	if latest == nil {
		writeError(w, http.StatusNotFound, "No existing version found for the task")
		return
	}

	user := userFrom(r)
	now := time.Now().UTC()
	version := &store.TaskVersion{
		ID:             uuid.NewString(),
		TaskID:         task.ID,
		Version:        latest.Version + 1,
		Status:         store.StatusRunning,
		MetricTemplate: body.MetricTemplate,
		NCount:         body.NCount,
		Direction:      body.Direction,
		Sensitivity:    body.Sensitivity,
		CreatedAt:      now,
		UpdatedAt:      now,
		CreatedUser:    user,
		UpdatedUser:    user,
	}
	if err := a.store.CreateTaskVersion(ctx, version); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to create version: "+err.Error())
		return
	}
	if err := a.store.TouchTask(ctx, task.ID, user); err != nil {
		log.Printf("API: ⚠️ failed to touch task %s: %v", task.ID, err)
	}

	if err := a.enqueue(task, version, scheduler.PriorityHigh); err != nil {
		// The version exists; record the dispatch failure on it.
		if updateErr := a.store.UpdateTaskResult(ctx, task.ID, version.Version, store.StatusFailed, nil,
			"Failed to trigger threshold agent: "+err.Error()); updateErr != nil {
			log.Printf("API: ⚠️ failed to mark version %d of task %s failed: %v", version.Version, task.ID, updateErr)
		}
		writeError(w, http.StatusInternalServerError, "Failed to trigger threshold agent: "+err.Error())
		return
	}

	a.hub.Publish(EventTaskQueued, task.ID, map[string]interface{}{
		"task_version": version.Version,
		"priority":     scheduler.PriorityHigh.String(),
	})
	writeJSON(w, http.StatusCreated, apiResponse{Message: "Task rerun successful, new version created", Data: version})
}

// updateResultPayload is the body of the update_result endpoint, the path
// the scheduler callback and external agents use to land terminal states.
type updateResultPayload struct {
	TaskVersion  int                           `json:"task_version"`
	Status       string                        `json:"status"`
	Results      []store.MetricThresholdResult `json:"results"`
	ErrorMessage string                        `json:"error_message"`
}

func (a *API) handleUpdateResult(w http.ResponseWriter, r *http.Request, taskID string) {
	var body updateResultPayload
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if body.Status != store.StatusSuccess && body.Status != store.StatusFailed {
		writeError(w, http.StatusBadRequest, "status must be Success or Failed")
		return
	}

	ctx := r.Context()
	task, err := a.store.GetTask(ctx, taskID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load task: "+err.Error())
		return
	}
	if task == nil {
		writeError(w, http.StatusNotFound, "Task not found")
		return
	}

	if err := a.store.UpdateTaskResult(ctx, taskID, body.TaskVersion, body.Status, body.Results, body.ErrorMessage); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to update task result: "+err.Error())
		return
	}
	if err := a.store.TouchTask(ctx, taskID, userFrom(r)); err != nil {
		log.Printf("API: ⚠️ failed to touch task %s: %v", taskID, err)
	}

	writeJSON(w, http.StatusOK, apiResponse{Message: "Task result updated successfully"})
}

func (a *API) handleDeleteTask(w http.ResponseWriter, r *http.Request, taskID string) {
	ctx := r.Context()
	task, err := a.store.GetTask(ctx, taskID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load task: "+err.Error())
		return
	}
	if task == nil {
		writeError(w, http.StatusNotFound, "Task not found")
		return
	}

	latest, err := a.store.LatestTaskVersion(ctx, taskID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load latest version: "+err.Error())
		return
	}

	if err := a.store.DeleteTask(ctx, taskID); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to delete task: "+err.Error())
		return
	}

	// Owned alarm rules are cleaned up best-effort; a failure here leaves
	// orphan rules on the provider, not inconsistent engine state.
	if a.alarms != nil && latest != nil {
		metricName := latest.MetricTemplate.Name
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			defer cancel()
			if err := a.alarms.TeardownTask(ctx, task, metricName); err != nil {
				log.Printf("API: ⚠️ failed to tear down rules for task %s: %v", task.ID, err)
			}
		}()
	}

	a.hub.Publish(EventTaskDeleted, taskID, nil)
	writeJSON(w, http.StatusOK, apiResponse{Message: "Task and all its versions deleted successfully"})
}

// refreshSwitchPayload is the body of the bulk auto_update toggle.
type refreshSwitchPayload struct {
	TaskIDs    []string `json:"task_ids"`
	AutoUpdate bool     `json:"auto_update"`
}

func (a *API) handleRefreshSwitch(w http.ResponseWriter, r *http.Request) {
	var body refreshSwitchPayload
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if len(body.TaskIDs) == 0 {
		writeError(w, http.StatusBadRequest, "task_ids cannot be empty")
		return
	}

	matched, err := a.store.UpdateTaskAutoUpdate(r.Context(), body.TaskIDs, body.AutoUpdate, userFrom(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to update tasks: "+err.Error())
		return
	}
	if matched == 0 {
		writeError(w, http.StatusNotFound, "No intelligent threshold tasks found")
		return
	}

	writeJSON(w, http.StatusOK, apiResponse{
		Message: fmt.Sprintf("Update success, match: %d, modify: %d", matched, matched),
		Data: map[string]int{
			"matched_count":  matched,
			"modified_count": matched,
		},
	})
}

// parsePaging reads skip/limit with the original service's bounds: skip ≥ 0,
// limit in [1, 1000] with default 100.
func parsePaging(skipStr, limitStr string) (int, int, error) {
	skip := 0
	if skipStr != "" {
		n, err := strconv.Atoi(skipStr)
		if err != nil || n < 0 {
			return 0, 0, fmt.Errorf("skip must be a non-negative integer")
		}
		skip = n
	}
	limit := 100
	if limitStr != "" {
		n, err := strconv.Atoi(limitStr)
		if err != nil || n < 1 || n > 1000 {
			return 0, 0, fmt.Errorf("limit must be between 1 and 1000")
		}
		limit = n
	}
	return skip, limit, nil
}

// parseTimeRange reads "{key}_start" and "{key}_end" RFC3339 parameters.
// Both must be present for the range to apply, and start may not be later
// than end.
func parseTimeRange(q map[string][]string, key string) (*time.Time, *time.Time, error) {
	startStr := first(q[key+"_start"])
	endStr := first(q[key+"_end"])
	if startStr == "" || endStr == "" {
		return nil, nil, nil
	}
	start, err := time.Parse(time.RFC3339, startStr)
	if err != nil {
		return nil, nil, fmt.Errorf("%s_start must be RFC3339", key)
	}
	end, err := time.Parse(time.RFC3339, endStr)
	if err != nil {
		return nil, nil, fmt.Errorf("%s_end must be RFC3339", key)
	}
	if start.After(end) {
		return nil, nil, fmt.Errorf("%s_start not later than %s_end", key, key)
	}
	return &start, &end, nil
}

func first(values []string) string {
	if len(values) == 0 {
		return ""
	}
	return values[0]
}
