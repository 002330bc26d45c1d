package core

import "errors"

// ErrNotFound is returned by repositories when a requested entity is absent.
var ErrNotFound = errors.New("not found")
