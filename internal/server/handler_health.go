package server

import (
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/me/tasknode/pkg/model"
)

type healthResponse struct {
	Status    string `json:"status"`
	Version   string `json:"version"`
	GoVersion string `json:"go_version"`
	Uptime    string `json:"uptime"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	respondOK(w, reqID, healthResponse{
		Status:    "healthy",
		Version:   Version,
		GoVersion: runtime.Version(),
		Uptime:    time.Since(s.startTime).Round(time.Second).String(),
	})
}

// handleOverview returns the worker's task registry.
// GET /api/v1/overview
func (s *Server) handleOverview(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	ov, err := s.node.Overview(r.Context())
	if err != nil {
		s.respondErr(w, reqID, err)
		return
	}
	respondOK(w, reqID, ov)
}

// handleHistory lists finished runs, newest first.
// GET /api/v1/history?task_id=&limit=
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	var q model.RunQuery
	if v := r.URL.Query().Get("task_id"); v != "" {
		id, err := model.ParseTaskID(v)
		if err != nil {
			s.respondErr(w, reqID, err)
			return
		}
		q.TaskID = id
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			respondError(w, reqID, http.StatusBadRequest, model.NewValidationError("invalid limit",
				model.FieldError{Field: "limit", Message: "must be a non-negative integer"}))
			return
		}
		q.Limit = n
	}

	runs, err := s.node.History(r.Context(), q)
	if err != nil {
		s.respondErr(w, reqID, err)
		return
	}
	respondOK(w, reqID, runs)
}
