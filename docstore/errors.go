package docstore

import "errors"

var (
	// ErrNotFound is returned when a document is not found
	ErrNotFound = errors.New("document not found")

	// ErrInvalidDocument is returned when a document record is invalid
	ErrInvalidDocument = errors.New("invalid document")

	// ErrInvalidRole is returned when a permission value is not a known role
	ErrInvalidRole = errors.New("invalid role")

	// ErrClosed is returned when operating on a closed store
	ErrClosed = errors.New("store is closed")
)
