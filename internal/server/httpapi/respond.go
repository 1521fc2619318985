package httpapi

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/getsentry/sentry-go"

	"sessiond/internal/common"
)

// retryAfterSeconds rounds up so clients never retry a second early.
func retryAfterSeconds(d time.Duration) int {
	s := int(math.Ceil(d.Seconds()))
	if s < 1 {
		s = 1
	}
	return s
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

// writeError maps domain errors to HTTP statuses. Unknown errors become an
// opaque 500 and are reported to Sentry so internals never leak to clients.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var lockedErr *common.AccountLockedError
	var rateErr *common.RateLimitError

	switch {
	case errors.Is(err, common.ErrReplay):
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "refresh token already used", Code: "refresh_token_reused"})
	case errors.Is(err, common.ErrAuthentication):
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "authentication failed"})
	case errors.Is(err, common.ErrAuthorization):
		writeJSON(w, http.StatusForbidden, errorBody{Error: "forbidden"})
	case errors.As(err, &lockedErr):
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(time.Until(lockedErr.Until))))
		writeJSON(w, http.StatusLocked, errorBody{Error: lockedErr.Error(), Code: "account_locked"})
	case errors.As(err, &rateErr):
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(rateErr.RetryAfter)))
		writeJSON(w, http.StatusTooManyRequests, errorBody{Error: "rate limit exceeded", Code: "rate_limited"})
	case errors.Is(err, common.ErrDependencyUnavailable):
		writeJSON(w, http.StatusBadGateway, errorBody{Error: "upstream dependency unavailable"})
	case errors.Is(err, common.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: "not found"})
	case errors.Is(err, common.ErrAlreadyExists):
		writeJSON(w, http.StatusConflict, errorBody{Error: "already exists"})
	default:
		if hub := sentry.GetHubFromContext(r.Context()); hub != nil {
			hub.CaptureException(err)
		} else {
			sentry.CaptureException(err)
		}
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
	}
}

// decodeJSON reads a bounded, strict JSON body into dst.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body"})
		return err
	}
	return nil
}
