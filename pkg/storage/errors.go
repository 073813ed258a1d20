package storage

import "errors"

// ErrNotFound is returned when a thread does not exist or belongs to
// another owner.
var ErrNotFound = errors.New("thread not found")
