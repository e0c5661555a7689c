package repository

import "errors"

// ErrNotFound indicates an entity was not located.
var ErrNotFound = errors.New("repository: not found")

// ErrConflict indicates a record with the same identity (or an exclusively
// held resource such as a port or workdir) already exists.
var ErrConflict = errors.New("repository: conflict")
