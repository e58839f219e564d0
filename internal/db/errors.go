package db

import "errors"

// ErrStoreUnavailable is returned when the store is used before InitSchema
// completes or after Close.
var ErrStoreUnavailable = errors.New("store unavailable")

// ErrConstraintViolation is returned when a write references a session that
// does not exist locally, or rewrites an immutable row.
var ErrConstraintViolation = errors.New("constraint violation")

// ErrInvalidEntity is returned when an entity fails validation at the store
// boundary. Nothing is written.
var ErrInvalidEntity = errors.New("invalid entity")

// ErrNotFound is returned when a referenced row does not exist.
var ErrNotFound = errors.New("not found")
