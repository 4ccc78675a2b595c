package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/openfroyo/reshard/pkg/engine"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string                 `json:"error"`
	Code    string                 `json:"code,omitempty"`
	Status  int                    `json:"status"`
	Details map[string]interface{} `json:"details,omitempty"`

	// Plans lists the active plans that conflict with a create request.
	Plans []*engine.Plan `json:"plans,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErrorStatus(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg, Code: code, Status: status})
}

func writeBadRequest(w http.ResponseWriter, msg string) {
	writeErrorStatus(w, http.StatusBadRequest, engine.ErrCodeValidation, msg)
}

func writeTooManyRequests(w http.ResponseWriter, retryAfter string) {
	w.Header().Set("Retry-After", retryAfter)
	writeErrorStatus(w, http.StatusTooManyRequests, "RATE_LIMITED", "rate limit exceeded")
}

// writeError maps err to a status code. Errors that carry no engine code
// get fallback, which is 500 for most routes.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error, fallback int) {
	var conflict *engine.ConflictError
	if errors.As(err, &conflict) {
		writeJSON(w, http.StatusConflict, ErrorResponse{
			Error:  conflict.Error(),
			Code:   engine.ErrCodeConflict,
			Status: http.StatusConflict,
			Plans:  conflict.Plans,
		})
		return
	}

	status := statusFor(err, fallback)
	resp := ErrorResponse{
		Error:  err.Error(),
		Code:   engine.ErrorCode(err),
		Status: status,
	}
	var ee *engine.EngineError
	if errors.As(err, &ee) {
		resp.Error = ee.Message
		resp.Details = ee.Details
	}

	if status >= http.StatusInternalServerError {
		s.log.WithError(err).WithField("path", r.URL.Path).Error("request failed")
		resp.Error = "internal server error"
	}
	writeJSON(w, status, resp)
}

func statusFor(err error, fallback int) int {
	switch engine.ErrorCode(err) {
	case engine.ErrCodeValidation, engine.ErrCodeUnknownPhase:
		return http.StatusBadRequest
	case engine.ErrCodeNotFound:
		return http.StatusNotFound
	case engine.ErrCodePolicyDenied:
		return http.StatusForbidden
	case engine.ErrCodeConflict, engine.ErrCodeBusy, engine.ErrCodeNotRunning:
		return http.StatusConflict
	case engine.ErrCodeNotEligible:
		return http.StatusUnprocessableEntity
	}
	if engine.IsPermanent(err) {
		return http.StatusBadRequest
	}
	return fallback
}
