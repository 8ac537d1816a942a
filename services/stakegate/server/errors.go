package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"stakegate/native/staking"
)

// errorResponse is the failure envelope of every route.
type errorResponse struct {
	Success         *bool  `json:"success,omitempty"`
	Error           string `json:"error"`
	Code            string `json:"code"`
	UnlockTimestamp *int64 `json:"unlockTimestamp,omitempty"`
}

// statusFor maps the error taxonomy onto an HTTP status and a stable code.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, staking.ErrInvalidRequest),
		errors.Is(err, staking.ErrInvalidAddress),
		errors.Is(err, staking.ErrInvalidAmount):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, staking.ErrNotYetUnlocked):
		return http.StatusConflict, "not_yet_unlocked"
	case errors.Is(err, staking.ErrInvalidState):
		return http.StatusConflict, "invalid_state"
	case errors.Is(err, staking.ErrConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, staking.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, staking.ErrSignatureMismatch):
		return http.StatusForbidden, "signature_mismatch"
	case errors.Is(err, staking.ErrInsufficientAmount):
		return http.StatusPaymentRequired, "insufficient_amount"
	case errors.Is(err, staking.ErrLedgerUnavailable):
		return http.StatusServiceUnavailable, "ledger_unavailable"
	case errors.Is(err, staking.ErrConfiguration):
		return http.StatusInternalServerError, "configuration_error"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

// taxonomy lists the sentinels whose text is stripped from client messages.
var taxonomy = []error{
	staking.ErrInvalidRequest,
	staking.ErrInvalidAddress,
	staking.ErrInvalidAmount,
	staking.ErrNotYetUnlocked,
	staking.ErrInvalidState,
	staking.ErrConflict,
	staking.ErrNotFound,
	staking.ErrSignatureMismatch,
	staking.ErrInsufficientAmount,
	staking.ErrLedgerUnavailable,
}

// publicMessage returns the human reason carried by err. Internal failures
// are hidden behind a generic message.
func publicMessage(status int, err error) string {
	if status == http.StatusInternalServerError {
		if errors.Is(err, staking.ErrConfiguration) {
			return "service is not configured for this operation"
		}
		return "internal error"
	}
	msg := err.Error()
	for _, sentinel := range taxonomy {
		if !errors.Is(err, sentinel) {
			continue
		}
		prefix := sentinel.Error()
		if i := strings.LastIndex(msg, prefix+": "); i >= 0 {
			return msg[i+len(prefix)+2:]
		}
		if strings.HasSuffix(msg, prefix) {
			return strings.TrimPrefix(prefix, "staking: ")
		}
	}
	return msg
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	s.writeFailure(w, r, err, nil)
}

// writePaymentError adds the success flag the payment routes report.
func (s *Server) writePaymentError(w http.ResponseWriter, r *http.Request, err error) {
	success := false
	s.writeFailure(w, r, err, &success)
}

func (s *Server) writeFailure(w http.ResponseWriter, r *http.Request, err error, success *bool) {
	status, code := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "path", r.URL.Path, "code", code, "error", err)
	} else {
		s.logger.Debug("request rejected", "path", r.URL.Path, "code", code, "error", err)
	}
	body := errorResponse{Success: success, Error: publicMessage(status, err), Code: code}
	var unlock *staking.UnlockError
	if errors.As(err, &unlock) {
		ts := unlock.UnlockAt
		body.UnlockTimestamp = &ts
	}
	s.writeJSON(w, status, body)
}
