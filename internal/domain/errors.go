package domain

import "errors"

var (
	// ErrPermissionDenied is returned when a platform capability
	// (usage access, overlay) has not been granted.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrPasswordNotSet is returned when validating before setup.
	ErrPasswordNotSet = errors.New("password not set")

	// ErrIncorrectPassword is returned on a failed validation.
	ErrIncorrectPassword = errors.New("incorrect password")
)
