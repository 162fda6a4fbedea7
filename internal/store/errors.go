package store

import (
	"errors"

	"capsule/internal/record"
)

var (
	// ErrConflict means the record no longer matches the expected pre-state.
	ErrConflict = errors.New("record state conflict")
	// ErrNotFound means no record exists with the requested id.
	ErrNotFound = errors.New("record not found")
	// ErrDuplicateFingerprint means a live record already holds the
	// fingerprint on the same channel.
	ErrDuplicateFingerprint = errors.New("duplicate fingerprint")
	// ErrIllegalTransition is the record package's transition-table rejection.
	ErrIllegalTransition = record.ErrIllegalTransition
	// ErrInvalidClassification means an id was supplied without a label.
	ErrInvalidClassification = errors.New("classification id requires a label")
)
