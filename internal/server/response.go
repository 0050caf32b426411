package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/me/tasknode/internal/worker"
	"github.com/me/tasknode/pkg/model"
)

// requestID generates a unique request identifier.
func requestID() string {
	return "req_" + uuid.New().String()[:8]
}

// respondOK writes a success response with the standard envelope.
func respondOK(w http.ResponseWriter, reqID string, data any) {
	respondJSON(w, http.StatusOK, reqID, data, nil)
}

// respondCreated writes a 201 response with the standard envelope.
func respondCreated(w http.ResponseWriter, reqID string, data any) {
	respondJSON(w, http.StatusCreated, reqID, data, nil)
}

// respondError writes an error response with the standard envelope.
func respondError(w http.ResponseWriter, reqID string, status int, apiErr *model.APIError) {
	respondJSON(w, status, reqID, nil, apiErr)
}

// respondErr maps an error returned by the node to a status code.
func (s *Server) respondErr(w http.ResponseWriter, reqID string, err error) {
	var apiErr *model.APIError
	switch {
	case errors.As(err, &apiErr):
		respondError(w, reqID, statusFor(apiErr.Code), apiErr)
	case errors.Is(err, worker.ErrStopped):
		respondError(w, reqID, http.StatusServiceUnavailable, &model.APIError{
			Code:    model.ErrUnavailable,
			Message: err.Error(),
		})
	default:
		s.logger.Error("request failed", "request_id", reqID, "error", err)
		respondError(w, reqID, http.StatusInternalServerError, &model.APIError{
			Code:    model.ErrInternal,
			Message: err.Error(),
		})
	}
}

func statusFor(code model.ErrorCode) int {
	switch code {
	case model.ErrValidation:
		return http.StatusBadRequest
	case model.ErrNotFound:
		return http.StatusNotFound
	case model.ErrConflict:
		return http.StatusConflict
	case model.ErrUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func respondJSON(w http.ResponseWriter, status int, reqID string, data any, apiErr *model.APIError) {
	resp := model.Response{
		RequestID: reqID,
		Timestamp: time.Now().UTC(),
		Data:      data,
		Error:     apiErr,
	}
	if apiErr != nil {
		resp.Status = "error"
	} else {
		resp.Status = "ok"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}
