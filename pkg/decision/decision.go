// Package decision implements PullDecision: the pure predicate that decides
// whether a pull request should serve a cached record, enqueue a new pull,
// piggyback on an in-flight one, or refresh ACLs only.
package decision

import (
	"time"

	"github.com/containergw/imagegw/pkg/record"
)

// Action is the outcome of Decide.
type Action int

const (
	// ServeCached returns the existing record untouched.
	ServeCached Action = iota
	// Piggyback returns the existing (in-flight) record untouched.
	Piggyback
	// EnqueueNew creates and dispatches a new pull record. When Existing is
	// non-nil and ACLChanged is the only reason, this is an ACL-refresh pull.
	EnqueueNew
)

// hungWorkerTimeout is the heartbeat-staleness horizon past which a
// non-READY record is considered hung rather than in-flight.
const hungWorkerTimeout = time.Hour

// recentWindow is how long after a successful pull a hot re-pull is served
// from cache without re-evaluating ACLs.
const recentWindow = 10 * time.Second

// Request is the normalised incoming pull request the decision is made
// against. ACLs must already have the caller's uid/gid inserted before
// calling Decide.
type Request struct {
	UserACL  []int32
	GroupACL []int32
}

// Result bundles the chosen Action with the sub-judgements that produced
// it, useful for logging and tests.
type Result struct {
	Action     Action
	ACLChanged bool
}

// Decide chooses the pull action for an incoming request. existing is the
// candidate record found by the caller's in-flight-aware lookup (nil if
// none), which may be either the READY record or a non-READY record that
// wins in-flight detection on ties. pullUpdateTimeout is the re-pull
// freshness window from resolved config; it also doubles as the
// stuck-pull GC horizon used elsewhere, so re-pull cadence and
// garbage-collection cadence always move together.
func Decide(existing *record.Record, req Request, now time.Time, pullUpdateTimeout time.Duration) Result {
	if existing == nil {
		return Result{Action: EnqueueNew}
	}

	aclChanged := !record.SameACL(existing.UserACL, req.UserACL) || !record.SameACL(existing.GroupACL, req.GroupACL)

	if pullable(existing, now, pullUpdateTimeout) {
		return Result{Action: EnqueueNew, ACLChanged: aclChanged}
	}

	inflight := existing.Status != record.StatusReady
	if inflight {
		return Result{Action: Piggyback, ACLChanged: aclChanged}
	}

	recent := existing.Status == record.StatusReady && existing.LastPull != nil && now.Sub(*existing.LastPull) < recentWindow

	// ACL changes within the recent window are ignored until the window
	// expires, so a burst of ACL churn right after a pull doesn't thrash.
	if !recent && aclChanged {
		return Result{Action: EnqueueNew, ACLChanged: true}
	}
	return Result{Action: ServeCached, ACLChanged: aclChanged}
}

// pullable reports whether existing is due for a fresh pull. It is monotone in now: once
// true for a given record snapshot, it stays true as now advances, since
// every branch is a "now is past some fixed deadline" comparison.
func pullable(existing *record.Record, now time.Time, pullUpdateTimeout time.Duration) bool {
	if existing == nil {
		return true
	}
	if existing.Status == "" {
		return true
	}
	if existing.Status == record.StatusExpired {
		return true
	}
	if existing.LastPull == nil {
		return true
	}
	if existing.Status == record.StatusReady && now.After(existing.LastPull.Add(pullUpdateTimeout)) {
		return true
	}
	if existing.Status == record.StatusFailure && now.After(existing.LastPull.Add(pullUpdateTimeout)) {
		return true
	}
	if existing.Status != record.StatusReady && existing.LastHeartbeat != nil && now.Sub(*existing.LastHeartbeat) > hungWorkerTimeout {
		return true
	}
	return false
}
