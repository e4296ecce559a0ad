package apierr

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Error is the JSON body of every failed API call. It always carries an
// "error" tag and a "message".
type Error struct {
	Tag     string `json:"error"`
	Message string `json:"message"`

	status int
}

func (x Error) Error() string {
	if x.Message != "" {
		return fmt.Sprintf("%s: %s", x.Tag, x.Message)
	}
	return x.Tag
}

// Status is the HTTP status the error is served with.
func (x Error) Status() int {
	if x.status == 0 {
		return http.StatusBadRequest
	}
	return x.status
}

func New(opts ...ErrOpt) Error {
	x := Error{}
	for _, o := range opts {
		o(&x)
	}

	return x
}

type ErrOpt = func(xerr *Error)

func WithTag(tag string) ErrOpt {
	return func(xerr *Error) {
		xerr.Tag = tag
	}
}

func WithMessage[S ~string](s S) ErrOpt {
	return func(xerr *Error) {
		xerr.Message = string(s)
	}
}

func WithError(e error) ErrOpt {
	return func(xerr *Error) {
		xerr.Message = e.Error()
	}
}

func WithStatus(status int) ErrOpt {
	return func(xerr *Error) {
		xerr.status = status
	}
}

var NotFoundError = func(what string) Error {
	return New(
		WithTag("NotFound"),
		WithMessage(what+" not found"),
		WithStatus(http.StatusNotFound),
	)
}

var InvalidRequestError = func(err error) Error {
	return New(
		WithTag("InvalidRequest"),
		WithError(err),
	)
}

var InvalidWorkflowError = func(err error) Error {
	return New(
		WithTag("InvalidWorkflow"),
		WithError(err),
		WithStatus(http.StatusUnprocessableEntity),
	)
}

var ConflictError = func(err error) Error {
	return New(
		WithTag("Conflict"),
		WithError(err),
		WithStatus(http.StatusConflict),
	)
}

var QueueFullError = New(
	WithTag("QueueFull"),
	WithMessage("run queue is full, try again later"),
	WithStatus(http.StatusServiceUnavailable),
)

func GenericError(err error) Error {
	return New(
		WithTag("Generic"),
		WithError(err),
		WithStatus(http.StatusInternalServerError),
	)
}

// Write serves e as JSON.
func Write(w http.ResponseWriter, e Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Status())
	json.NewEncoder(w).Encode(e)
}

func Unmarshal(errStr string) (Error, error) {
	var xerr Error
	err := json.Unmarshal([]byte(errStr), &xerr)
	if err != nil {
		return Error{}, fmt.Errorf("failed to unmarshal api error: %w", err)
	}
	return xerr, nil
}

// As unwraps an Error from err, or wraps err as a generic one.
func As(err error) Error {
	var x Error
	if errors.As(err, &x) {
		return x
	}
	return GenericError(err)
}
