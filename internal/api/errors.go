package api

import (
	"errors"
	"net/http"

	"github.com/flitsinc/go-threads/internal/scheduler"
	"github.com/flitsinc/go-threads/internal/threads"
)

func statusFor(err error) int {
	var nf notFoundError
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, threads.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, threads.ErrNotFound), errors.As(err, &nf):
		return http.StatusNotFound
	case errors.Is(err, threads.ErrThreadBusy),
		errors.Is(err, threads.ErrInvalidTransition),
		errors.Is(err, threads.ErrThreadStopped),
		errors.Is(err, threads.ErrThreadDead),
		errors.Is(err, threads.ErrAlreadyExists),
		errors.Is(err, scheduler.ErrWakeupInFlight):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
