package boltstore

import "errors"

// ErrCorrupt is returned when a persisted record doesn't have the expected
// shape.
var ErrCorrupt = errors.New("boltstore: corrupt record")
