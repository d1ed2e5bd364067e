package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/silversage/guard/gate"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error        string   `json:"error"`
	Reason       string   `json:"reason,omitempty"`
	Details      []string `json:"details,omitempty"`
	RetryAfter   int      `json:"retry_after,omitempty"`
	PendingToken string   `json:"pending_token,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

var reasonStatus = map[gate.Reason]int{
	gate.ReasonInvalidCredentials:   http.StatusUnauthorized,
	gate.ReasonAccountLocked:        http.StatusLocked,
	gate.ReasonAccountInactive:      http.StatusForbidden,
	gate.ReasonRateLimited:          http.StatusTooManyRequests,
	gate.ReasonSecondFactorRequired: http.StatusBadRequest,
	gate.ReasonSecondFactorInvalid:  http.StatusUnauthorized,
	gate.ReasonSecondFactorExpired:  http.StatusGone,
	gate.ReasonDeliveryFailed:       http.StatusBadGateway,
	gate.ReasonPasswordReused:       http.StatusUnprocessableEntity,
	gate.ReasonWeakPassword:         http.StatusUnprocessableEntity,
	gate.ReasonEmailTaken:           http.StatusConflict,
	gate.ReasonInvalidInput:         http.StatusBadRequest,
	gate.ReasonResetTokenInvalid:    http.StatusBadRequest,
	gate.ReasonUnauthorized:         http.StatusUnauthorized,
	gate.ReasonIntegrityError:       http.StatusInternalServerError,
	gate.ReasonInternalError:        http.StatusInternalServerError,
}

// mapError writes err as a JSON error. Rejections carry their own
// caller-safe message; anything else is reported as an internal error
// without detail.
func (a *API) mapError(w http.ResponseWriter, r *http.Request, err error) {
	var rej *gate.Rejection
	if !errors.As(err, &rej) {
		a.logger.Error("unhandled error", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	status, ok := reasonStatus[rej.Reason]
	if !ok {
		status = http.StatusInternalServerError
	}
	resp := ErrorResponse{
		Error:        rej.Message(),
		Reason:       string(rej.Reason),
		Details:      rej.Details,
		PendingToken: rej.PendingToken,
	}
	if rej.RetryAfter > 0 {
		secs := retryAfterSeconds(rej.RetryAfter)
		w.Header().Set("Retry-After", strconv.Itoa(secs))
		resp.RetryAfter = secs
	}
	writeJSON(w, status, resp)
}

func retryAfterSeconds(d time.Duration) int {
	return max(int((d+time.Second-1)/time.Second), 1)
}

// decodeJSON reads a size-limited JSON body into T and writes a 400 when it
// cannot.
func decodeJSON[T any](w http.ResponseWriter, r *http.Request, limit int64) (T, bool) {
	var v T
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, limit))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&v); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		case errors.Is(err, io.EOF):
			writeError(w, http.StatusBadRequest, "request body is required")
		default:
			writeError(w, http.StatusBadRequest, "invalid JSON body")
		}
		return v, false
	}
	return v, true
}
