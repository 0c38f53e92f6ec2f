package escrowd

import (
	"errors"
	"fmt"
	"net/http"
)

type applyRequest struct {
	Message string `json:"message"`
}

// Apply records the caller's pending application for a task. At most one live
// application per worker per task; duplicates report a conflict.
func (s *Server) Apply(w http.ResponseWriter, r *http.Request) {
	taskID, err := pathID(r)
	if err != nil {
		writeErrorStatus(w, http.StatusBadRequest, err)
		return
	}
	principal := PrincipalFromContext(r.Context())
	if principal == nil {
		writeErrorStatus(w, http.StatusUnauthorized, errors.New("missing principal"))
		return
	}
	var req applyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErrorStatus(w, http.StatusBadRequest, err)
		return
	}
	app, err := s.engine.Apply(r.Context(), taskID, principal.UserID, req.Message)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, app)
}

// AcceptApplication admits a pending worker if the task still has a free slot.
func (s *Server) AcceptApplication(w http.ResponseWriter, r *http.Request) {
	appID, err := pathID(r)
	if err != nil {
		writeErrorStatus(w, http.StatusBadRequest, err)
		return
	}
	app, err := s.store.GetApplication(r.Context(), appID)
	if err != nil {
		writeError(w, err)
		return
	}
	task, err := s.store.GetTask(r.Context(), app.TaskID)
	if err != nil {
		writeError(w, err)
		return
	}
	if !s.requireTaskOwner(w, r, task) {
		return
	}
	if err := s.engine.AcceptApplication(r.Context(), appID); err != nil {
		writeError(w, err)
		return
	}
	app, err = s.store.GetApplication(r.Context(), appID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, app)
}

// WithdrawApplication lets the applicant retract a pending or accepted
// application. Withdrawing an accepted application frees its worker slot.
func (s *Server) WithdrawApplication(w http.ResponseWriter, r *http.Request) {
	appID, err := pathID(r)
	if err != nil {
		writeErrorStatus(w, http.StatusBadRequest, err)
		return
	}
	principal := PrincipalFromContext(r.Context())
	if principal == nil {
		writeErrorStatus(w, http.StatusUnauthorized, errors.New("missing principal"))
		return
	}
	app, err := s.store.GetApplication(r.Context(), appID)
	if err != nil {
		writeError(w, err)
		return
	}
	if app.WorkerID != principal.UserID {
		writeErrorStatus(w, http.StatusForbidden, fmt.Errorf("application %s belongs to another worker", appID))
		return
	}
	if err := s.engine.WithdrawApplication(r.Context(), appID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "WITHDRAWN"})
}
