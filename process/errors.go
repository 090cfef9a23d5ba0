package process

import (
	"errors"
	"fmt"

	"github.com/thesis-rbk/Wassalha-sub003/models"
)

var (
	ErrNotFound            = errors.New("process not found")
	ErrUnauthorized        = errors.New("actor is not permitted to perform this transition")
	ErrIllegalTransition   = errors.New("illegal transition")
	ErrEscrowFailure       = errors.New("escrow operation failed")
	ErrConcurrencyConflict = errors.New("another transition committed first")
	ErrInvalidInput        = errors.New("invalid input")
	ErrDuplicate           = errors.New("process already exists")
)

// TransitionError is returned by every failing Machine operation. It wraps
// one of the sentinel errors above and carries the stored status so
// clients can resync.
type TransitionError struct {
	Kind      error
	ProcessID string
	Current   models.ProcessStatus
	Requested models.ProcessStatus
	Cause     error
}

func (e *TransitionError) Error() string {
	msg := fmt.Sprintf("process %s: %v", e.ProcessID, e.Kind)
	if e.Requested != "" {
		msg += fmt.Sprintf(" (%s -> %s)", e.Current, e.Requested)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *TransitionError) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Cause}
}

func newError(kind error, p *models.Process, requested models.ProcessStatus, cause error) *TransitionError {
	e := &TransitionError{Kind: kind, Requested: requested, Cause: cause}
	if p != nil {
		e.ProcessID = p.ID
		e.Current = p.Status
	}
	return e
}

// Code returns the stable, machine-readable name of err's kind, used on the
// wire by both the HTTP and realtime surfaces.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrIllegalTransition):
		return "illegal_transition"
	case errors.Is(err, ErrEscrowFailure):
		return "escrow_failure"
	case errors.Is(err, ErrConcurrencyConflict):
		return "conflict"
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, ErrDuplicate):
		return "duplicate"
	}
	return "internal"
}

// CurrentStatus returns the stored status carried by err, if any.
func CurrentStatus(err error) models.ProcessStatus {
	var te *TransitionError
	if errors.As(err, &te) {
		return te.Current
	}
	return ""
}
