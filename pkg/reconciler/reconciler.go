// Package reconciler implements the StatusReconciler: the single
// long-running consumer of worker status events that applies state
// transitions to the RecordStore.
package reconciler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/containergw/imagegw/pkg/record"
	"github.com/containergw/imagegw/pkg/worker"
)

// Metrics is the narrow counter surface the Reconciler increments. Defined
// here rather than importing internal/telemetry directly, mirroring
// pkg/manager.Metrics, so this package stays testable without a Prometheus
// registry.
type Metrics interface {
	IncEvent(outcome string)
	IncEventError()
}

type noopMetrics struct{}

func (noopMetrics) IncEvent(string) {}
func (noopMetrics) IncEventError()  {}

// Reconciler consumes a Pool's status event channel and mutates the
// RecordStore accordingly. It holds no other mutable state: the RecordStore
// is the only thing multiple goroutines share.
type Reconciler struct {
	store   record.Store
	events  <-chan worker.Event
	logger  *slog.Logger
	metrics Metrics
}

// New creates a Reconciler over the given Pool's event channel. Metrics are
// discarded until SetMetrics is called.
func New(store record.Store, pool worker.Pool, logger *slog.Logger) *Reconciler {
	return &Reconciler{store: store, events: pool.StatusEvents(), logger: logger, metrics: noopMetrics{}}
}

// SetMetrics installs m as the Reconciler's counter sink.
func (r *Reconciler) SetMetrics(m Metrics) {
	r.metrics = m
}

// Run consumes events until ctx is cancelled or the stop sentinel arrives,
// whichever comes first. Per-event errors are logged and the loop
// continues to the next event — the reconciler never crashes the consumer
// loop. Shutdown via the stop sentinel is cooperative: the current
// event finishes processing, then Run returns.
func (r *Reconciler) Run(ctx context.Context) error {
	r.logger.Info("status reconciler started")
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("status reconciler stopped")
			return nil
		case ev, ok := <-r.events:
			if !ok {
				r.logger.Info("status reconciler event channel closed")
				return nil
			}
			if ev.IsStop {
				r.logger.Info("status reconciler received stop sentinel")
				return nil
			}
			if err := r.handle(ctx, ev); err != nil {
				r.logger.Error("reconciling worker event", "record_id", ev.ID, "state", ev.State, "error", err)
				r.metrics.IncEventError()
			}
		}
	}
}

// handle implements the three-way event dispatch.
func (r *Reconciler) handle(ctx context.Context, ev worker.Event) error {
	switch {
	case ev.State == worker.StateReady && ev.Response != nil && ev.Response.MetaOnly:
		r.metrics.IncEvent("acl_refresh")
		return r.aclRefresh(ctx, ev)
	case ev.State == worker.StateReady:
		r.metrics.IncEvent("complete_pull")
		return r.completePull(ctx, ev)
	default:
		r.metrics.IncEvent("state_bump")
		return r.bumpState(ctx, ev)
	}
}

// bumpState is the catch-all branch: set status, copy any
// message/heartbeat fields, persist.
func (r *Reconciler) bumpState(ctx context.Context, ev worker.Event) error {
	state := record.Status(ev.State)
	patch := record.WorkerPatch{State: &state}
	if ev.Message != "" {
		patch.StatusMessage = &ev.Message
	}
	if ev.Heartbeat != nil {
		patch.LastHeartbeat = ev.Heartbeat
	}
	_, err := r.store.Update(ctx, ev.ID, patch)
	return err
}

// aclRefresh looks up the READY record matching
// ContentID on this platform. If present, it patches userACL/groupACL/
// private/lastPull and deletes the pull record. If absent, it treats the
// event as a completion instead.
func (r *Reconciler) aclRefresh(ctx context.Context, ev worker.Event) error {
	pullRec, err := r.store.GetByID(ctx, ev.ID)
	if err != nil {
		return err
	}
	resp := ev.Response

	existing, err := r.store.GetByContentID(ctx, pullRec.Platform, resp.ID, record.StatusReady)
	if errors.Is(err, record.ErrNotFound) {
		return r.completePull(ctx, ev)
	}
	if err != nil {
		return err
	}

	now := time.Now()
	patch := record.WorkerPatch{
		UserACL: resp.UserACL, UserACLSet: true,
		GroupACL: resp.GroupACL, GroupACLSet: true,
		Private:  resp.Private,
		LastPull: &now,
	}
	if _, err := r.store.Update(ctx, existing.ID, patch); err != nil {
		return err
	}
	return r.store.Remove(ctx, pullRec.ID)
}

// completePull handles a non-ACL-only READY completion.
func (r *Reconciler) completePull(ctx context.Context, ev worker.Event) error {
	pullRec, err := r.store.GetByID(ctx, ev.ID)
	if err != nil {
		return err
	}
	resp := ev.Response

	existing, err := r.store.GetByContentID(ctx, pullRec.Platform, resp.ID, record.StatusReady)
	switch {
	case err == nil:
		// Duplicate content arrived under a different pulltag: bump
		// lastPull on the surviving READY record, delete the pull record,
		// and attach the pulltag if it is new.
		lastPull := time.Now()
		if _, err := r.store.Update(ctx, existing.ID, record.WorkerPatch{LastPull: &lastPull}); err != nil {
			return err
		}
		if err := r.store.Remove(ctx, pullRec.ID); err != nil {
			return err
		}
		if pullRec.Pulltag != "" && !existing.Tag.Has(pullRec.Pulltag) {
			return r.store.AddTag(ctx, existing.ID, existing.Platform, pullRec.Pulltag)
		}
		return nil
	case errors.Is(err, record.ErrNotFound):
		readyState := record.StatusReady
		lastPull := time.Now()
		patch := record.WorkerPatch{
			ContentID: &resp.ID, Entrypoint: &resp.Entrypoint, Env: &resp.Env, Workdir: &resp.Workdir,
			State: &readyState, LastPull: &lastPull,
		}
		if resp.Private != nil {
			patch.Private = resp.Private
		}
		if resp.UserACL != nil {
			patch.UserACL = resp.UserACL
			patch.UserACLSet = true
		}
		if resp.GroupACL != nil {
			patch.GroupACL = resp.GroupACL
			patch.GroupACLSet = true
		}
		if _, err := r.store.Update(ctx, pullRec.ID, patch); err != nil {
			return err
		}
		if pullRec.Pulltag != "" {
			return r.store.AddTag(ctx, pullRec.ID, pullRec.Platform, pullRec.Pulltag)
		}
		return nil
	default:
		return err
	}
}
