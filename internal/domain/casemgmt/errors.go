package casemgmt

import "errors"

var (
	// ErrValidation marks a record rejected before persistence.
	ErrValidation = errors.New("validation failed")
	ErrNotFound   = errors.New("not found")
	// ErrNoManagerAvailable means no active, assignable case manager exists.
	ErrNoManagerAvailable = errors.New("no case manager available")
	// ErrConflict means a uniqueness constraint rejected the write.
	ErrConflict = errors.New("conflict")
	// ErrStore means a result could not be persisted and the delivery
	// should be retried by the sender.
	ErrStore = errors.New("test result not stored")
)
