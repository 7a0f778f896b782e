package worker

import (
	"context"
	"fmt"
)

// Channel is an in-memory Pool over a buffered Go channel. It backs unit
// tests and the testMode pull path, where a real out-of-process worker
// subsystem is unavailable: enqueuing a pull in test mode synthesizes the
// event a well-behaved worker would eventually emit, so callers can
// exercise the full enqueue → reconcile → READY path without one.
type Channel struct {
	events chan Event
}

// NewChannel creates a Channel-backed Pool with the given event buffer size.
func NewChannel(buffer int) *Channel {
	return &Channel{events: make(chan Event, buffer)}
}

func (c *Channel) StatusEvents() <-chan Event {
	return c.events
}

// EnqueuePull schedules a pull. In test mode it immediately synthesizes a
// READY completion event carrying deterministic metadata, standing in for
// an asynchronous worker that already ran to completion.
func (c *Channel) EnqueuePull(ctx context.Context, recordID string, req PullRequest, testMode bool) error {
	if !testMode {
		return nil
	}
	resp := &Response{
		ID:         recordID,
		Tag:        req.Pulltag,
		Entrypoint: fmt.Sprintf("/entrypoint/%s", req.Pulltag),
		Env:        "PATH=/usr/bin:/bin",
		Workdir:    "/",
		UserACL:    req.UserACL,
		GroupACL:   req.GroupACL,
	}
	select {
	case c.events <- Event{ID: recordID, State: StateReady, Response: resp}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// EnqueueExpire schedules reclamation. Test mode is implicit here: the
// in-memory pool always synthesizes the EXPIRED completion, since no real
// worker ever back this implementation.
func (c *Channel) EnqueueExpire(ctx context.Context, recordID string, req ExpireRequest) error {
	select {
	case c.events <- Event{ID: recordID, State: StateExpired}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop sends the stop sentinel, instructing a consuming reconciler to
// drain and exit.
func (c *Channel) Stop() {
	c.events <- StopEvent()
}

var _ Pool = (*Channel)(nil)
