package controlplane

import (
	"errors"
	"net/http"

	"github.com/fentz26/cadence/internal/admission"
	"github.com/fentz26/cadence/internal/lifecycle"
	"github.com/fentz26/cadence/internal/scheduler"
	"github.com/fentz26/cadence/internal/session"
)

// Sentinel errors for control plane operations.
var (
	ErrInvalidRequest = errors.New("invalid request")
	ErrNoSessions     = errors.New("session diagnostics unavailable")
)

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, lifecycle.ErrCampaignNotFound),
		errors.Is(err, lifecycle.ErrProspectNotFound):
		return http.StatusNotFound
	case errors.Is(err, lifecycle.ErrCampaignExists),
		errors.Is(err, scheduler.ErrCycleInProgress):
		return http.StatusConflict
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, lifecycle.ErrInvalidCampaign),
		errors.Is(err, lifecycle.ErrInvalidTransition),
		errors.Is(err, admission.ErrInvalidPolicy):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrResourceNotFound):
		return http.StatusFailedDependency
	case errors.Is(err, ErrNoSessions):
		return http.StatusNotImplemented
	case errors.Is(err, scheduler.ErrWaitTimeout):
		return http.StatusAccepted
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	http.Error(w, err.Error(), statusFor(err))
}
