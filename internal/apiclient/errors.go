package apiclient

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/orchardlog/fieldsync/internal/models"
)

// Error is a classified request failure. Status is 0 when no response was
// received.
type Error struct {
	Kind    models.ErrorKind
	Status  int
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Status == 0 && e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	case e.Code != "" && e.Message != "":
		return fmt.Sprintf("HTTP %d %s: %s", e.Status, e.Code, e.Message)
	case e.Message != "":
		return fmt.Sprintf("HTTP %d: %s", e.Status, e.Message)
	default:
		return fmt.Sprintf("HTTP %d", e.Status)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// ItemError converts e to the form recorded on a queue item.
func (e *Error) ItemError() *models.ItemError {
	return &models.ItemError{Kind: e.Kind, Status: e.Status, Message: e.Error()}
}

// KindForStatus classifies a non-2xx HTTP status. 408, 429 and 5xx are worth
// retrying; 409 is a conflict; any other 4xx is a rejected payload.
func KindForStatus(status int) models.ErrorKind {
	switch {
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests:
		return models.ErrorTransient
	case status == http.StatusConflict:
		return models.ErrorConflict
	case status >= 400 && status < 500:
		return models.ErrorValidation
	default:
		return models.ErrorTransient
	}
}

// Classify returns the error kind of err. Anything that is not an *Error
// (dial failures, timeouts, cancelled contexts) is transient.
func Classify(err error) models.ErrorKind {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	return models.ErrorTransient
}

// AsItemError converts any delivery error to its queue item form.
func AsItemError(err error) *models.ItemError {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.ItemError()
	}
	return &models.ItemError{Kind: models.ErrorTransient, Message: err.Error()}
}

// IsTransient reports whether retrying err later could succeed.
func IsTransient(err error) bool {
	return err != nil && Classify(err) == models.ErrorTransient
}

// IsValidation reports whether the server rejected the payload.
func IsValidation(err error) bool {
	return err != nil && Classify(err) == models.ErrorValidation
}

// IsConflict reports whether the server refused the write as conflicting.
func IsConflict(err error) bool {
	return err != nil && Classify(err) == models.ErrorConflict
}

// IsPermanent reports whether err can never be fixed by resending the same
// request.
func IsPermanent(err error) bool {
	return IsValidation(err) || IsConflict(err)
}
