package domain

import "errors"

var (
	// ErrValidation marks malformed input. No score is computed and no side effects happen.
	ErrValidation = errors.New("invalid input")

	// ErrNotFound marks an unknown transaction or alert id.
	ErrNotFound = errors.New("record not found")

	// ErrDuplicate marks a second write of a transaction or of an alert for
	// the same transaction.
	ErrDuplicate = errors.New("record already exists")

	// ErrInvalidTransition marks an alert status change outside the allowed set.
	ErrInvalidTransition = errors.New("invalid alert transition")

	// ErrNotFraud is returned when an alert is requested for a non-fraud score.
	ErrNotFraud = errors.New("transaction is not flagged as fraud")
)
