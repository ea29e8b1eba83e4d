package tracker

import "errors"

// ErrReleased is returned by RequestVersion after OnQueryDone.
var ErrReleased = errors.New("query tracker already released")
