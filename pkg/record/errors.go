package record

import "errors"

// ErrStoreUnavailable is returned when the retry budget for a transient
// connection failure is exhausted.
var ErrStoreUnavailable = errors.New("record: store unavailable")

// ErrStoreError wraps any other store failure that is not a transient
// connection loss (constraint violations, serialization errors, etc.).
var ErrStoreError = errors.New("record: store error")

// ErrNotFound is returned by single-record lookups that find nothing.
// Callers that need "found or nil" semantics should check
// errors.Is(err, ErrNotFound) and treat it as a nil result, not a
// propagated failure.
var ErrNotFound = errors.New("record: not found")
