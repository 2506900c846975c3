// Package repository holds the GORM data access layer. Services depend on the
// interfaces declared here so they can be unit tested with in-memory stubs.
package repository

import (
	"errors"

	"gorm.io/gorm"
)

// ErrNotFound is returned when the requested row does not exist.
var ErrNotFound = errors.New("record not found")

// ErrVersionConflict is returned by compare-and-swap writes when the row
// changed since it was read. Callers re-read and retry.
var ErrVersionConflict = errors.New("version conflict")

// ErrDuplicate is returned when an insert collides with an existing key.
var ErrDuplicate = errors.New("duplicate key")

// ErrSessionNotOpen is returned when a write requires an open cash session
// and the session is closed.
var ErrSessionNotOpen = errors.New("cash session is not open")

// ErrStateMismatch is returned when a status transition finds the row in an
// unexpected status (e.g. committing a sale that is no longer pending).
var ErrStateMismatch = errors.New("unexpected row state")

func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return ErrDuplicate
	default:
		return err
	}
}

// Page normalizes paging input the same way for every list query.
func Page(page, limit int) (offset, size int) {
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 500 {
		limit = 100
	}
	return (page - 1) * limit, limit
}
