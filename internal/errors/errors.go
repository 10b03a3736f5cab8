package appErrors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrCampaignNotFound is returned when the remote service has no campaign with the ID
type ErrCampaignNotFound struct {
	CampaignID int
}

func (e *ErrCampaignNotFound) Error() string {
	return fmt.Sprintf("campaign with ID %d not found", e.CampaignID)
}

// Helper constructor
func NewCampaignNotFound(id int) error {
	return &ErrCampaignNotFound{CampaignID: id}
}

// ErrBusy rejects a command while another command for the same campaign is in flight.
var ErrBusy = errors.New("another action is already in progress for this campaign")

// ValidationError is a malformed request. It is never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid request: " + e.Reason
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func NewValidation(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// PreconditionError is an operation attempted in the wrong state, such as a
// check without a baseline or a pause on a draft campaign.
type PreconditionError struct {
	Op     string
	Reason string
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("cannot %s: %s", e.Op, e.Reason)
}

func NewPrecondition(op, reason string) error {
	return &PreconditionError{Op: op, Reason: reason}
}

// APIError is a failed call to the remote service. StatusCode is zero when the
// request never got a response.
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	Detail     string
	Err        error
}

func (e *APIError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("%s %s: %v", e.Method, e.Path, e.Err)
	}
	if e.Detail != "" {
		return fmt.Sprintf("%s %s: %d %s", e.Method, e.Path, e.StatusCode, e.Detail)
	}
	return fmt.Sprintf("%s %s: %d %s", e.Method, e.Path, e.StatusCode, http.StatusText(e.StatusCode))
}

func (e *APIError) Unwrap() error { return e.Err }

// Transient reports whether retrying later may succeed.
func (e *APIError) Transient() bool {
	return e.StatusCode == 0 || e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

func IsPrecondition(err error) bool {
	var p *PreconditionError
	return errors.As(err, &p)
}

func IsNotFound(err error) bool {
	var nf *ErrCampaignNotFound
	return errors.As(err, &nf)
}

func IsTransient(err error) bool {
	var api *APIError
	return errors.As(err, &api) && api.Transient()
}

// Detail is the message an HTTP surface puts in its "detail" field. Typed
// errors give their reason alone; the receiving client adds its own prefix.
func Detail(err error) string {
	var v *ValidationError
	if errors.As(err, &v) {
		if v.Field == "" {
			return v.Reason
		}
		return v.Field + ": " + v.Reason
	}
	var p *PreconditionError
	if errors.As(err, &p) {
		return p.Reason
	}
	var api *APIError
	if errors.As(err, &api) && api.Detail != "" {
		return api.Detail
	}
	return err.Error()
}

// HTTPStatus maps an error to the status code the HTTP surfaces answer with.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case IsValidation(err):
		return http.StatusBadRequest
	case IsNotFound(err):
		return http.StatusNotFound
	case IsPrecondition(err), errors.Is(err, ErrBusy):
		return http.StatusConflict
	case IsTransient(err):
		return http.StatusBadGateway
	}
	var api *APIError
	if errors.As(err, &api) && api.StatusCode >= 400 {
		return api.StatusCode
	}
	return http.StatusInternalServerError
}
