package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/me/tasknode/pkg/model"
)

// handleDispatchTask registers a task on the worker.
// POST /api/v1/tasks
func (s *Server) handleDispatchTask(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	var msg model.ComputeTaskMsg
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		respondError(w, reqID, http.StatusBadRequest, &model.APIError{
			Code:    model.ErrValidation,
			Message: "invalid JSON body: " + err.Error(),
		})
		return
	}

	if err := s.node.Dispatch(r.Context(), msg); err != nil {
		s.respondErr(w, reqID, err)
		return
	}
	respondCreated(w, reqID, map[string]any{
		"id":          msg.ID,
		"instance_id": msg.InstanceID,
	})
}

// handleCancelTask retires a task.
// DELETE /api/v1/tasks/{id}
func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	id, err := model.ParseTaskID(chi.URLParam(r, "id"))
	if err != nil {
		s.respondErr(w, reqID, err)
		return
	}
	if err := s.node.Cancel(r.Context(), id); err != nil {
		s.respondErr(w, reqID, err)
		return
	}
	respondOK(w, reqID, map[string]any{"id": id, "state": "removed"})
}

// handleResolveObject reports a data object as available on this worker.
// POST /api/v1/objects/{id}/available
func (s *Server) handleResolveObject(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	id, err := model.ParseTaskID(chi.URLParam(r, "id"))
	if err != nil {
		s.respondErr(w, reqID, err)
		return
	}

	var req struct {
		Size uint64 `json:"size"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		respondError(w, reqID, http.StatusBadRequest, &model.APIError{
			Code:    model.ErrValidation,
			Message: "invalid JSON body: " + err.Error(),
		})
		return
	}

	readied, err := s.node.Resolve(r.Context(), id, req.Size)
	if err != nil {
		s.respondErr(w, reqID, err)
		return
	}
	if readied == nil {
		readied = []model.TaskID{}
	}
	respondOK(w, reqID, map[string]any{"id": id, "ready": readied})
}

// handleRemoveObject drops a data object whose data was deleted.
// DELETE /api/v1/objects/{id}
func (s *Server) handleRemoveObject(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	id, err := model.ParseTaskID(chi.URLParam(r, "id"))
	if err != nil {
		s.respondErr(w, reqID, err)
		return
	}
	if err := s.node.RemoveObject(r.Context(), id); err != nil {
		s.respondErr(w, reqID, err)
		return
	}
	respondOK(w, reqID, map[string]any{"id": id, "removed": true})
}
