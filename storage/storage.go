// Package storage defines the durable records kept by the gateway. Each row
// records one enrollment fact; the sqlstore package persists them.
package storage

import "errors"

var (
	// ErrNotFound is returned when a lookup matches no row.
	ErrNotFound = errors.New("record not found")
	// ErrConflict is returned when a write collides with an existing row.
	ErrConflict = errors.New("record already exists")
)
