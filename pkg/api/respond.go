package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/pureboot/pureboot/pkg/boot"
	"github.com/pureboot/pureboot/pkg/clone"
	"github.com/pureboot/pureboot/pkg/partition"
	"github.com/pureboot/pureboot/pkg/registry"
	"github.com/pureboot/pureboot/pkg/security"
	"github.com/pureboot/pureboot/pkg/staging"
	"github.com/pureboot/pureboot/pkg/state"
	"github.com/pureboot/pureboot/pkg/storage"
	"github.com/pureboot/pureboot/pkg/workflow"
)

// envelope is the uniform response shape.
type envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
	Details any    `json:"details,omitempty"`
}

func respond(w http.ResponseWriter, status int, data any, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(envelope{Success: true, Data: data, Message: message})
}

func respondOK(w http.ResponseWriter, data any) {
	respond(w, http.StatusOK, data, "")
}

func respondCreated(w http.ResponseWriter, data any) {
	respond(w, http.StatusCreated, data, "")
}

func respondErr(w http.ResponseWriter, err error) {
	respondErrDetails(w, err, nil)
}

func respondErrDetails(w http.ResponseWriter, err error, details any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusFor(err))
	json.NewEncoder(w).Encode(envelope{Success: false, Error: err.Error(), Details: details})
}

func respondBadRequest(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	json.NewEncoder(w).Encode(envelope{Success: false, Error: message})
}

// statusFor maps domain errors onto HTTP statuses: validation 400,
// conflicts 409, capability gaps 422, missing things 404.
func statusFor(err error) int {
	switch {
	case errors.Is(err, storage.ErrNodeNotFound),
		errors.Is(err, storage.ErrWorkflowNotFound),
		errors.Is(err, storage.ErrSessionNotFound),
		errors.Is(err, storage.ErrOperationNotFound),
		errors.Is(err, storage.ErrGroupNotFound),
		errors.Is(err, storage.ErrReportNotFound),
		errors.Is(err, workflow.ErrNotFound),
		errors.Is(err, boot.ErrUnknownPi):
		return http.StatusNotFound

	case errors.Is(err, security.ErrNoCerts):
		// Terminal session past the grace window.
		return http.StatusGone

	case errors.Is(err, storage.ErrDuplicateMAC),
		errors.Is(err, state.ErrInvalidTransition),
		errors.Is(err, clone.ErrNodeBusy),
		errors.Is(err, clone.ErrSessionTerminal),
		errors.Is(err, partition.ErrOpBusy):
		return http.StatusConflict

	case errors.Is(err, staging.ErrNotConfigured),
		errors.Is(err, partition.ErrCapability):
		return http.StatusUnprocessableEntity

	case errors.Is(err, registry.ErrInvalidMAC),
		errors.Is(err, state.ErrUnknownState),
		errors.Is(err, clone.ErrBadRequest),
		errors.Is(err, clone.ErrNotStaged),
		errors.Is(err, partition.ErrValidation),
		errors.Is(err, partition.ErrBadStatus):
		return http.StatusBadRequest

	default:
		return http.StatusInternalServerError
	}
}

func decode(r *http.Request, dst any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(dst)
}
