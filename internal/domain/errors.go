package domain

import "errors"

// ErrInvalidTask indicates that a task violates the image/MIME pairing invariant.
var ErrInvalidTask = errors.New("invalid task")

// ErrInvalidRun indicates that a run transition or completion check failed.
var ErrInvalidRun = errors.New("invalid run")
