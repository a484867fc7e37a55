package domain

import "errors"

var (
	ErrAccountNotFound = errors.New("account_not_found")
	ErrVersionMismatch = errors.New("version_mismatch")
	ErrInvalidEmail    = errors.New("invalid_email")
	ErrInvalidMutation = errors.New("invalid_mutation")
)
