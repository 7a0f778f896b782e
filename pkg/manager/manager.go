// Package manager implements the Manager: the single entry point that
// authenticates callers, enforces read ACLs and admin gating, and
// orchestrates PullDecision, RecordStore, and WorkerPool into the nine
// operations callers actually invoke.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/containergw/imagegw/pkg/decision"
	"github.com/containergw/imagegw/pkg/record"
	"github.com/containergw/imagegw/pkg/worker"
)

// PlatformConfig is the per-platform policy the original loaded from its
// systems table: which uids administer the platform, and where the
// platform's images live.
type PlatformConfig struct {
	Admins     []int32
	AccessType string
	ImageDir   string
}

// Config bundles the resolved configuration a Manager needs. It is built
// from internal/config and passed in whole, rather than threading
// individual values through the constructor.
type Config struct {
	Platforms              map[string]PlatformConfig
	PullUpdateTimeout      time.Duration
	ImageExpirationTimeout time.Duration
	DefaultImageFormat     string
}

// Metrics is the narrow counter surface the Manager increments. Defined
// here rather than importing internal/telemetry directly, so pkg/manager
// stays testable without a Prometheus registry.
type Metrics interface {
	IncPullsEnqueued()
	IncPullsPiggybacked()
	IncPullsServedCached()
	AddAutoexpireGC(platform string, n int)
}

type noopMetrics struct{}

func (noopMetrics) IncPullsEnqueued()                      {}
func (noopMetrics) IncPullsPiggybacked()                   {}
func (noopMetrics) IncPullsServedCached()                  {}
func (noopMetrics) AddAutoexpireGC(platform string, n int) {}

// Manager is the orchestrator. It holds no per-request mutable state: all
// state lives in the RecordStore.
type Manager struct {
	store   record.Store
	pool    worker.Pool
	authn   Authenticator
	logger  *slog.Logger
	cfg     Config
	metrics Metrics
}

// New builds a Manager. metrics may be nil, in which case counters are
// discarded.
func New(store record.Store, pool worker.Pool, authn Authenticator, logger *slog.Logger, cfg Config, metrics Metrics) *Manager {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Manager{store: store, pool: pool, authn: authn, logger: logger, cfg: cfg, metrics: metrics}
}

// PullInput is the caller-supplied half of a pull request; the session
// supplies the rest (platform, requesting uid/gid).
type PullInput struct {
	ImageType  string
	Pulltag    string
	RemoteType string
	Arch       string
	OS         string
	UserACL    []int32
	GroupACL   []int32
	TestMode   bool
}

// NewSession authenticates token against platform and mints a Session. This
// is the only operation that does not itself take a Session.
func (m *Manager) NewSession(ctx context.Context, token, platform string) (*Session, error) {
	if _, ok := m.cfg.Platforms[platform]; !ok {
		return nil, ErrInvalidPlatform
	}
	p, err := m.authn.Authenticate(ctx, token, platform)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
	}
	return &Session{token: newToken(), Platform: platform, UID: p.UID, GID: p.GID}, nil
}

// isAdmin reports whether sess's uid administers its platform, mirroring
// the original's _isasystem check.
func (m *Manager) isAdmin(sess *Session) bool {
	cfg, ok := m.cfg.Platforms[sess.Platform]
	if !ok {
		return false
	}
	for _, admin := range cfg.Admins {
		if admin == sess.UID {
			return true
		}
	}
	return false
}

// Lookup returns the READY record for (imageType, tag) on sess's platform,
// if one exists and sess may read it, resetting its expiration and
// recording a metrics entry on success. A tag that does not
// resolve to a READY record is not an error: it returns (nil, nil).
func (m *Manager) Lookup(ctx context.Context, sess *Session, imageType, tag string) (*record.Record, error) {
	if !checkSession(sess) {
		return nil, ErrInvalidSession
	}
	if err := m.store.UpdateStates(ctx, sess.Platform, m.cfg.PullUpdateTimeout); err != nil {
		m.logger.Warn("updateStates housekeeping", "platform", sess.Platform, "error", err)
	}
	rec, err := m.store.GetByTag(ctx, sess.Platform, imageType, tag)
	if errors.Is(err, record.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !record.CheckRead(sess.UID, sess.GID, rec) {
		return nil, ErrNotAuthorized
	}
	expiration := time.Now().Add(m.cfg.ImageExpirationTimeout)
	if err := m.store.SetExpiration(ctx, rec.ID, expiration); err != nil {
		return nil, err
	}
	rec.Expiration = &expiration
	m.recordLookup(ctx, sess, imageType, tag, rec.ID)
	return rec, nil
}

func (m *Manager) recordLookup(ctx context.Context, sess *Session, imageType, tag, recordID string) {
	entry := record.MetricsEntry{
		UID: sess.UID, Platform: sess.Platform, ImageType: imageType,
		Tag: tag, RecordID: recordID, Time: time.Now(),
	}
	if err := m.store.InsertMetrics(ctx, entry); err != nil {
		m.logger.Warn("recording lookup metric", "record_id", recordID, "error", err)
	}
}

// findExisting locates the in-flight-aware candidate record for the pull
// decision: any non-READY pull record for (platform, imageType, pulltag)
// wins over a READY one, so a caller piggybacks on work already underway.
func (m *Manager) findExisting(ctx context.Context, platform, imageType, pulltag string) (*record.Record, error) {
	recs, err := m.store.FindByPulltag(ctx, platform, imageType, pulltag)
	if err != nil {
		return nil, err
	}
	var ready *record.Record
	for _, r := range recs {
		if r.Status != record.StatusReady {
			return r, nil
		}
		ready = r
	}
	return ready, nil
}

// Pull is the central operation: given a pull request, decide whether to
// serve a cached record, piggyback on an in-flight one, or dispatch a new
// pull.
func (m *Manager) Pull(ctx context.Context, sess *Session, req PullInput) (*record.Record, error) {
	if !checkSession(sess) {
		return nil, ErrInvalidSession
	}
	if err := m.store.UpdateStates(ctx, sess.Platform, m.cfg.PullUpdateTimeout); err != nil {
		m.logger.Warn("updateStates housekeeping", "platform", sess.Platform, "error", err)
	}

	userACL := record.EnsureMember(req.UserACL, sess.UID)
	groupACL := record.EnsureMember(req.GroupACL, sess.GID)

	existing, err := m.findExisting(ctx, sess.Platform, req.ImageType, req.Pulltag)
	if err != nil {
		return nil, err
	}

	result := decision.Decide(existing, decision.Request{UserACL: userACL, GroupACL: groupACL}, time.Now(), m.cfg.PullUpdateTimeout)

	switch result.Action {
	case decision.ServeCached:
		m.metrics.IncPullsServedCached()
		m.recordLookup(ctx, sess, req.ImageType, req.Pulltag, existing.ID)
		return existing, nil
	case decision.Piggyback:
		m.metrics.IncPullsPiggybacked()
		return existing, nil
	default:
		return m.enqueuePull(ctx, sess, req, userACL, groupACL)
	}
}

func (m *Manager) enqueuePull(ctx context.Context, sess *Session, req PullInput, userACL, groupACL []int32) (*record.Record, error) {
	rec := record.NewFromRequest(sess.Platform, req.ImageType, req.Pulltag, req.RemoteType, m.cfg.DefaultImageFormat, req.Arch, req.OS, userACL, groupACL)
	inserted, err := m.store.Insert(ctx, rec)
	if err != nil {
		return nil, err
	}

	pullReq := worker.PullRequest{
		Platform: sess.Platform, ImageType: req.ImageType, Pulltag: req.Pulltag,
		RemoteType: req.RemoteType, Session: sess, UserACL: userACL, GroupACL: groupACL,
	}
	if err := m.pool.EnqueuePull(ctx, inserted.ID, pullReq, req.TestMode); err != nil {
		failed := record.StatusFailure
		msg := err.Error()
		if _, uerr := m.store.Update(ctx, inserted.ID, record.WorkerPatch{State: &failed, StatusMessage: &msg}); uerr != nil {
			m.logger.Error("marking failed dispatch", "record_id", inserted.ID, "error", uerr)
		}
		return nil, fmt.Errorf("%w: %v", ErrWorkerDispatch, err)
	}

	enqueued := record.StatusEnqueued
	now := time.Now()
	updated, err := m.store.Update(ctx, inserted.ID, record.WorkerPatch{State: &enqueued, LastPull: &now})
	if err != nil {
		return nil, err
	}
	m.metrics.IncPullsEnqueued()
	return updated, nil
}

// List returns every READY record on sess's platform that sess may read.
func (m *Manager) List(ctx context.Context, sess *Session) ([]*record.Record, error) {
	if !checkSession(sess) {
		return nil, ErrInvalidSession
	}
	if err := m.store.UpdateStates(ctx, sess.Platform, m.cfg.PullUpdateTimeout); err != nil {
		m.logger.Warn("updateStates housekeeping", "platform", sess.Platform, "error", err)
	}
	recs, err := m.store.ListByPlatform(ctx, sess.Platform, record.ReadyOnly)
	if err != nil {
		return nil, err
	}
	return filterReadable(sess, recs), nil
}

// Queue returns in-flight (non-READY) records on sess's platform that sess
// may read, letting a caller poll the status of pulls it kicked off.
func (m *Manager) Queue(ctx context.Context, sess *Session) ([]*record.Record, error) {
	if !checkSession(sess) {
		return nil, ErrInvalidSession
	}
	if err := m.store.UpdateStates(ctx, sess.Platform, m.cfg.PullUpdateTimeout); err != nil {
		m.logger.Warn("updateStates housekeeping", "platform", sess.Platform, "error", err)
	}
	recs, err := m.store.ListByPlatform(ctx, sess.Platform, record.NotReady)
	if err != nil {
		return nil, err
	}
	return filterReadable(sess, recs), nil
}

func filterReadable(sess *Session, recs []*record.Record) []*record.Record {
	out := make([]*record.Record, 0, len(recs))
	for _, r := range recs {
		if record.CheckRead(sess.UID, sess.GID, r) {
			out = append(out, r)
		}
	}
	return out
}

// GetState returns the current status of a single record sess may read. A
// recordID that no longer resolves (garbage-collected by autoexpire) is
// not an error: it returns ("", nil).
func (m *Manager) GetState(ctx context.Context, sess *Session, recordID string) (record.Status, error) {
	if !checkSession(sess) {
		return "", ErrInvalidSession
	}
	rec, err := m.store.GetByID(ctx, recordID)
	if errors.Is(err, record.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if rec.Platform != sess.Platform {
		return "", ErrInvalidPlatform
	}
	if !record.CheckRead(sess.UID, sess.GID, rec) {
		return "", ErrNotAuthorized
	}
	return rec.Status, nil
}

// Expire locates the READY record for (imageType, tag) on sess's platform
// and dispatches its reclamation. Admin-only.
func (m *Manager) Expire(ctx context.Context, sess *Session, imageType, tag string) error {
	if !checkSession(sess) {
		return ErrInvalidSession
	}
	if !m.isAdmin(sess) {
		return ErrNotAuthorized
	}
	if err := m.store.UpdateStates(ctx, sess.Platform, m.cfg.PullUpdateTimeout); err != nil {
		m.logger.Warn("updateStates housekeeping", "platform", sess.Platform, "error", err)
	}
	rec, err := m.store.GetByTag(ctx, sess.Platform, imageType, tag)
	if err != nil {
		return err
	}
	req := worker.ExpireRequest{Platform: rec.Platform, ImageType: rec.ImageType, ContentID: rec.ContentID, RemoteType: rec.RemoteType}
	if err := m.pool.EnqueueExpire(ctx, rec.ID, req); err != nil {
		return fmt.Errorf("%w: %v", ErrWorkerDispatch, err)
	}
	return nil
}

// Autoexpire performs a two-part sweep: first it deletes every
// non-READY record stuck past the pullUpdateTimeout horizon (the same
// duration as the re-pull freshness window, since one config knob drives
// both), then it dispatches reclamation for every READY record whose
// Expiration has passed. Admin-only.
func (m *Manager) Autoexpire(ctx context.Context, sess *Session) (int, error) {
	if !checkSession(sess) {
		return 0, ErrInvalidSession
	}
	if !m.isAdmin(sess) {
		return 0, ErrNotAuthorized
	}

	gced, err := m.store.GCStuckPulls(ctx, sess.Platform, m.cfg.PullUpdateTimeout)
	if err != nil {
		m.logger.Error("garbage collecting stuck pulls", "platform", sess.Platform, "error", err)
	}
	if err := m.store.UpdateStates(ctx, sess.Platform, m.cfg.PullUpdateTimeout); err != nil {
		m.logger.Error("garbage collecting stale failures", "platform", sess.Platform, "error", err)
	}

	recs, err := m.store.ListByPlatform(ctx, sess.Platform, record.ReadyOnly)
	if err != nil {
		return gced, err
	}
	now := time.Now()
	n := gced
	for _, rec := range recs {
		if rec.Expiration == nil || !now.After(*rec.Expiration) {
			continue
		}
		req := worker.ExpireRequest{Platform: rec.Platform, ImageType: rec.ImageType, ContentID: rec.ContentID, RemoteType: rec.RemoteType}
		if err := m.pool.EnqueueExpire(ctx, rec.ID, req); err != nil {
			m.logger.Error("dispatching autoexpire", "record_id", rec.ID, "error", err)
			continue
		}
		n++
	}
	m.metrics.AddAutoexpireGC(sess.Platform, n)
	return n, nil
}

// GetMetrics returns the most recent lookup metrics for sess's platform.
// Admin-only.
func (m *Manager) GetMetrics(ctx context.Context, sess *Session, limit int) ([]record.MetricsEntry, error) {
	if !checkSession(sess) {
		return nil, ErrInvalidSession
	}
	if !m.isAdmin(sess) {
		return nil, ErrNotAuthorized
	}
	return m.store.TailMetrics(ctx, sess.Platform, limit)
}

// stopper is implemented by worker.Channel; closer by worker.RedisBridge.
// Shutdown supports either without requiring worker.Pool to grow a method
// every implementation must carry.
type stopper interface{ Stop() }
type closer interface{ Close() }

// Shutdown releases the worker pool's background resources, if any.
func (m *Manager) Shutdown(ctx context.Context) error {
	switch p := m.pool.(type) {
	case closer:
		p.Close()
	case stopper:
		p.Stop()
	}
	return nil
}
