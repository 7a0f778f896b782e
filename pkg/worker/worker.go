// Package worker defines the WorkerPool interface contract: the narrow
// dispatch surface the Manager uses to hand off pulls and expirations, and
// the event stream the StatusReconciler consumes. The Worker subsystem's
// internals (registry client, filesystem packer, ssh transfer) are out of
// scope and never implemented here — only the boundary is.
package worker

import (
	"context"
	"time"
)

// State is the lifecycle state reported on a status event. It reuses the
// same vocabulary as record.Status plus nothing extra — kept as a distinct
// string type so this package has no import-time dependency on pkg/record.
type State string

const (
	StatePulling State = "PULLING"
	StateTransfer State = "TRANSFER"
	StateReady    State = "READY"
	StateFailure  State = "FAILURE"
	StateExpired  State = "EXPIRED"
)

// Response carries the fully populated external-name fields describing a
// completed pull. Present on an event iff State == StateReady.
type Response struct {
	ID         string
	Tag        string
	Entrypoint string
	Env        string
	Workdir    string
	UserACL    []int32
	GroupACL   []int32
	Private    *bool
	// MetaOnly signals an ACL-refresh outcome: no new content was fetched,
	// only ACL/private fields on the existing READY record are authoritative.
	MetaOnly bool
}

// Event is one status update for a dispatched record, or the stop sentinel
// (IsStop == true, all other fields zero) that tells the reconciler to
// drain and exit.
type Event struct {
	ID        string
	State     State
	Response  *Response // non-nil iff State == StateReady
	Heartbeat *time.Time
	Message   string
	IsStop    bool
}

// StopEvent is the sentinel event that terminates a reconciler's consume
// loop after it finishes processing whatever was already read.
func StopEvent() Event { return Event{IsStop: true} }

// PullRequest carries everything a worker needs to attempt a pull. Session
// is opaque to the worker; it is forwarded so registry auth for
// platform-scoped pulls can use it, per the original's request shape.
type PullRequest struct {
	Platform   string
	ImageType  string
	Pulltag    string
	RemoteType string
	Session    any
	UserACL    []int32
	GroupACL   []int32
}

// Pool is the narrow interface the Manager dispatches work through.
// Implementations are expected to be idempotent with respect to repeated
// EnqueuePull calls for the same recordID — either by deduplicating
// in-flight pulls internally, or by allowing the reconciler to squash
// duplicate completion events.
type Pool interface {
	EnqueuePull(ctx context.Context, recordID string, req PullRequest, testMode bool) error
	EnqueueExpire(ctx context.Context, recordID string, req ExpireRequest) error
	// StatusEvents returns the single-consumer channel of worker events.
	// Exactly one reader (the reconciler) may consume it.
	StatusEvents() <-chan Event
}

// ExpireRequest carries the fields a worker needs to reclaim on-disk
// artifacts for a record being expired.
type ExpireRequest struct {
	Platform   string
	ImageType  string
	ContentID  string
	RemoteType string
}
