package models

import "errors"

// ErrSubscriberNotFound is returned by storage when no billing record exists
// for the requested owner or customer.
var ErrSubscriberNotFound = errors.New("subscriber not found")

// ErrVersionConflict is returned when a conditional subscriber update lost a
// race against another writer.
var ErrVersionConflict = errors.New("subscriber version conflict")
