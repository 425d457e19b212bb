package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/itskum47/ThresholdForge/autorefresh"
	"github.com/itskum47/ThresholdForge/rulesync"
	"github.com/itskum47/ThresholdForge/scheduler"
	"github.com/itskum47/ThresholdForge/store"
)

const (
	agentPrefix = "/apis/v1/intelligent-threshold/agent/"
	taskPrefix  = "/apis/v1/intelligent-threshold/task/"
	alarmSync   = "/apis/v1/intelligent-threshold/alarm/sync"
)

// API holds the HTTP surface of the engine. Everything it needs is passed in
// at construction so tests can wire their own store and scheduler.
type API struct {
	store      store.Store
	sched      *scheduler.Scheduler
	controller *autorefresh.Controller
	alarms     *rulesync.Service // nil when no provider is configured
	hub        *EventHub
}

func NewAPI(st store.Store, sched *scheduler.Scheduler, controller *autorefresh.Controller, alarms *rulesync.Service, hub *EventHub) *API {
	return &API{
		store:      st,
		sched:      sched,
		controller: controller,
		alarms:     alarms,
		hub:        hub,
	}
}

// apiResponse is the envelope every endpoint returns.
type apiResponse struct {
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// paginatedResponse wraps list endpoints with their paging window.
type paginatedResponse struct {
	Message string      `json:"message"`
	Data    interface{} `json:"data"`
	Skip    int         `json:"skip"`
	Limit   int         `json:"limit"`
	Total   int         `json:"total"`
}

func writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("API: failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, apiResponse{Message: message})
}

// userFrom attributes a request. The gateway in front of the engine injects
// the authenticated username; without one, writes are recorded as anonymous.
func userFrom(r *http.Request) string {
	if user := r.Header.Get("X-Auth-User"); user != "" {
		return user
	}
	return "anonymous"
}

// Routes builds the engine's mux. The websocket stream, metrics and health
// endpoints sit beside the intelligent-threshold API surface.
func (a *API) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc(agentPrefix, a.handleAgent)
	mux.HandleFunc(taskPrefix, a.handleTask)
	mux.HandleFunc(alarmSync, a.handleAlarmSync)
	mux.HandleFunc("/ws", a.handleStream)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	return mux
}

// agentPayload is the body of the calculate endpoint.
type agentPayload struct {
	TaskID         string               `json:"task_id"`
	TaskVersion    int                  `json:"task_version"`
	DatasourceID   string               `json:"datasource_id"`
	MetricTemplate store.MetricTemplate `json:"metric_template_value"`
	NCount         int                  `json:"n_count"`
	Direction      string               `json:"direction"`
	Sensitivity    float64              `json:"sensitivity"`
	TaskPriority   string               `json:"task_priority"`
}

// handleAgent dispatches the agent subtree: POST / enqueues a calculation,
// GET /status reports the scheduler state.
func (a *API) handleAgent(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case agentPrefix:
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}
		a.handleAgentCalculate(w, r)
	case agentPrefix + "status":
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}
		writeJSON(w, http.StatusOK, apiResponse{
			Message: "Queue status retrieved successfully",
			Data:    a.sched.Status(),
		})
	default:
		writeError(w, http.StatusNotFound, "Not found")
	}
}

func (a *API) handleAgentCalculate(w http.ResponseWriter, r *http.Request) {
	var body agentPayload
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if body.TaskID == "" || body.DatasourceID == "" {
		writeError(w, http.StatusBadRequest, "task_id and datasource_id are required")
		return
	}
	if body.TaskVersion < 1 {
		writeError(w, http.StatusBadRequest, "task_version must be at least 1")
		return
	}
	switch body.Direction {
	case store.DirectionUp, store.DirectionDown, store.DirectionBoth:
	default:
		writeError(w, http.StatusBadRequest, "direction must be one of up, down, both")
		return
	}
	if body.Sensitivity < 0 || body.Sensitivity > 1 {
		writeError(w, http.StatusBadRequest, "sensitivity must be between 0 and 1")
		return
	}

	priority := scheduler.ParsePriority(body.TaskPriority)
	req := &scheduler.TaskRequest{
		TaskID:         body.TaskID,
		TaskVersion:    body.TaskVersion,
		DatasourceID:   body.DatasourceID,
		MetricTemplate: body.MetricTemplate,
		WindowSize:     body.NCount,
		Direction:      body.Direction,
		Priority:       priority,
		Sensitivity:    body.Sensitivity,
		CreatedAt:      time.Now(),
	}
	if err := a.sched.Submit(req); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to enqueue task: "+err.Error())
		return
	}

	a.hub.Publish(EventTaskQueued, body.TaskID, map[string]interface{}{
		"task_version": body.TaskVersion,
		"priority":     priority.String(),
	})

	writeJSON(w, http.StatusOK, apiResponse{
		Message: "Threshold calculation task queued successfully",
		Data: map[string]string{
			"task_id":  body.TaskID,
			"priority": priority.String(),
		},
	})
}

// handleRefreshInitialize opens a new auto refresh batch.
func (a *API) handleRefreshInitialize(w http.ResponseWriter, r *http.Request) {
	if err := a.controller.Initialize(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to initialize auto refresh task: "+err.Error())
		return
	}

	record, err := a.store.LatestAutoRefreshRecord(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load auto refresh record: "+err.Error())
		return
	}

	a.hub.Publish(EventRefreshInitialize, "", record)
	writeJSON(w, http.StatusOK, apiResponse{
		Message: "Auto refresh task initialized successfully",
		Data:    record,
	})
}

// handleRefreshProcess kicks the batch processor in the background and
// returns immediately; progress is visible through the record and details.
func (a *API) handleRefreshProcess(w http.ResponseWriter, r *http.Request) {
	maxIterations := autorefresh.DefaultMaxIterations
	if v := r.URL.Query().Get("max_iterations"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "max_iterations must be a positive integer")
			return
		}
		maxIterations = n
	}
	gapTime := autorefresh.DefaultGapTime
	if v := r.URL.Query().Get("gap_time"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "gap_time must be a positive integer (minutes)")
			return
		}
		gapTime = time.Duration(n) * time.Minute
	}

	// The request context dies with the response; processing runs on its
	// own background context.
	go func() {
		if err := a.controller.Process(context.Background(), maxIterations, gapTime); err != nil {
			log.Printf("API: ⚠️ auto refresh processing failed: %v", err)
		}
	}()

	a.hub.Publish(EventRefreshProcess, "", map[string]interface{}{
		"max_iterations": maxIterations,
		"gap_time":       gapTime.String(),
	})
	writeJSON(w, http.StatusOK, apiResponse{Message: "scheduled process task processed successfully"})
}
