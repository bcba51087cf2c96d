package models

import "errors"

var (
	// ErrNotFound is returned by repositories when a row does not exist
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a conditional update matched no row
	ErrConflict = errors.New("conflict")
)
