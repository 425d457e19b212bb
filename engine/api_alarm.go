package main

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/itskum47/ThresholdForge/rulesync"
)

// handleAlarmSync reconciles a version's thresholds into the provider's live
// rules and records the notification parameterization for auto refresh.
func (a *API) handleAlarmSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if a.alarms == nil {
		writeError(w, http.StatusServiceUnavailable, "Rule synchronization is not configured")
		return
	}

	var payload rulesync.SyncPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if payload.TaskID == "" {
		writeError(w, http.StatusBadRequest, "task_id is required")
		return
	}
	if payload.TaskVersion < 1 {
		writeError(w, http.StatusBadRequest, "task_version must be at least 1")
		return
	}

	result, err := a.alarms.SyncForTask(r.Context(), &payload, userFrom(r))
	if err != nil {
		if strings.Contains(err.Error(), "not found") {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to sync alarm rules: "+err.Error())
		return
	}

	writeJSON(w, http.StatusOK, apiResponse{Message: "Alarm rules synced successfully", Data: result})
}
