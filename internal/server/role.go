package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/jfoltran/replicator/internal/daemon"
	"github.com/jfoltran/replicator/internal/replicator"
	"github.com/jfoltran/replicator/pkg/epoch"
)

type roleHandlers struct {
	host *daemon.Host
}

func (rh *roleHandlers) changeRole(w http.ResponseWriter, r *http.Request) {
	var payload daemon.ChangeRolePayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeJobResponse(w, http.StatusBadRequest, daemon.JobResponse{
			Error: "invalid request body: " + err.Error(),
		})
		return
	}

	target, err := parseRole(payload.Target)
	if err != nil {
		writeJobResponse(w, http.StatusBadRequest, daemon.JobResponse{Error: err.Error()})
		return
	}

	e := epoch.Epoch{DataLossNumber: payload.DataLossNumber, ConfigurationNumber: payload.ConfigurationNumber}
	if err := rh.host.ChangeRole(r.Context(), target, e); err != nil {
		writeJobResponse(w, http.StatusConflict, daemon.JobResponse{Error: err.Error()})
		return
	}

	writeJobResponse(w, http.StatusOK, daemon.JobResponse{
		OK:      true,
		Message: "role changed to " + target.String(),
	})
}

func (rh *roleHandlers) replicate(w http.ResponseWriter, r *http.Request) {
	var payload daemon.ReplicatePayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeJobResponse(w, http.StatusBadRequest, daemon.JobResponse{
			Error: "invalid request body: " + err.Error(),
		})
		return
	}

	if err := rh.host.ReplicateBytes(r.Context(), payload.Data); err != nil {
		writeJobResponse(w, http.StatusConflict, daemon.JobResponse{Error: err.Error()})
		return
	}

	writeJobResponse(w, http.StatusAccepted, daemon.JobResponse{OK: true, Message: "replicated"})
}

func (rh *roleHandlers) induceFault(w http.ResponseWriter, r *http.Request) {
	var payload daemon.InduceFaultPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeJobResponse(w, http.StatusBadRequest, daemon.JobResponse{
			Error: "invalid request body: " + err.Error(),
		})
		return
	}

	rh.host.InduceFault(r.Context(), payload.Reason)
	writeJobResponse(w, http.StatusOK, daemon.JobResponse{OK: true, Message: "induce fault broadcast"})
}

func parseRole(s string) (replicator.Role, error) {
	switch s {
	case "primary":
		return replicator.RolePrimary, nil
	case "idle":
		return replicator.RoleIdle, nil
	case "active":
		return replicator.RoleActive, nil
	case "none":
		return replicator.RoleNone, nil
	default:
		return replicator.RoleNone, fmt.Errorf("unknown role %q", s)
	}
}

func writeJobResponse(w http.ResponseWriter, status int, resp daemon.JobResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp) //nolint:errcheck
}
