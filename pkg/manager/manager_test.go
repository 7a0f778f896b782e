package manager

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/containergw/imagegw/pkg/record"
	"github.com/containergw/imagegw/pkg/worker"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() Config {
	return Config{
		Platforms: map[string]PlatformConfig{
			"systema": {Admins: []int32{9000}, AccessType: "remote"},
		},
		PullUpdateTimeout:      5 * time.Minute,
		ImageExpirationTimeout: 24 * time.Hour,
		DefaultImageFormat:     "squashfs",
	}
}

func newTestManager(store record.Store, pool worker.Pool) *Manager {
	authn := NewStaticAuthenticator(map[string]Principal{
		"user-token":  {UID: 1001, GID: 2001, Platform: "systema"},
		"admin-token": {UID: 9000, GID: 2001, Platform: "systema"},
	})
	return New(store, pool, authn, testLogger(), testConfig(), nil)
}

func userSession() *Session  { return &Session{token: newToken(), Platform: "systema", UID: 1001, GID: 2001} }
func adminSession() *Session { return &Session{token: newToken(), Platform: "systema", UID: 9000, GID: 2001} }

// 1. Fresh pull: empty store, test-mode pull synthesizes a READY completion
// that the test applies to the store by hand (status, metadata, pulltag),
// and a subsequent Lookup sees ENTRY/ENV populated.
func TestFreshPull(t *testing.T) {
	ctx := context.Background()
	store := record.NewFakeStore()
	pool := worker.NewChannel(4)
	mgr := newTestManager(store, pool)

	rec, err := mgr.Pull(ctx, userSession(), PullInput{
		ImageType: "docker", Pulltag: "test", RemoteType: "dockerv2", TestMode: true,
	})
	if err != nil {
		t.Fatalf("Pull: %v", err)
	}
	if rec.Status != record.StatusEnqueued {
		t.Fatalf("status = %v, want ENQUEUED", rec.Status)
	}

	ev := <-pool.StatusEvents()
	if ev.State != worker.StateReady {
		t.Fatalf("expected synthesized READY event, got %v", ev.State)
	}
	if _, err := store.Update(ctx, ev.ID, record.WorkerPatch{
		ContentID: &ev.Response.ID, Entrypoint: &ev.Response.Entrypoint, Env: &ev.Response.Env,
		Workdir: &ev.Response.Workdir, State: statusPtr(record.StatusReady),
	}); err != nil {
		t.Fatalf("applying synthesized completion: %v", err)
	}
	if err := store.AddTag(ctx, ev.ID, "systema", "test"); err != nil {
		t.Fatalf("AddTag: %v", err)
	}

	got, err := mgr.Lookup(ctx, userSession(), "docker", "test")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if got == nil {
		t.Fatal("expected a record, got nil")
	}
	if got.Entrypoint == "" || got.Env == "" {
		t.Errorf("expected ENTRY/ENV populated, got %+v", got)
	}
}

func statusPtr(s record.Status) *record.Status { return &s }

// 2. Hot re-pull: identical ACLs against a just-pulled READY record serve
// the cached record with no new insert.
func TestHotRepullServesCached(t *testing.T) {
	ctx := context.Background()
	store := record.NewFakeStore()
	now := time.Now()
	ready, _ := store.Insert(ctx, &record.Record{
		Platform: "systema", ImageType: "docker", Pulltag: "test",
		Status: record.StatusReady, LastPull: &now, UserACL: []int32{1001}, GroupACL: []int32{2001},
	})

	mgr := newTestManager(store, worker.NewChannel(4))
	got, err := mgr.Pull(ctx, userSession(), PullInput{
		ImageType: "docker", Pulltag: "test", UserACL: []int32{1001}, GroupACL: []int32{2001},
	})
	if err != nil {
		t.Fatalf("Pull: %v", err)
	}
	if got.ID != ready.ID {
		t.Errorf("expected cached record %s, got %s", ready.ID, got.ID)
	}

	recs, _ := store.FindByPulltag(ctx, "systema", "docker", "test")
	if len(recs) != 1 {
		t.Errorf("expected exactly one record, got %d", len(recs))
	}
}

// 3. Stale re-pull: a READY record long past the freshness window triggers
// a new pull record alongside the untouched original.
func TestStaleRepullEnqueuesNewRecord(t *testing.T) {
	ctx := context.Background()
	store := record.NewFakeStore()
	old := time.Now().Add(-10 * time.Hour)
	ready, _ := store.Insert(ctx, &record.Record{
		Platform: "systema", ImageType: "docker", Pulltag: "test", ContentID: "content-old",
		Status: record.StatusReady, LastPull: &old, UserACL: []int32{1001}, GroupACL: []int32{2001},
	})

	mgr := newTestManager(store, worker.NewChannel(4))
	got, err := mgr.Pull(ctx, userSession(), PullInput{ImageType: "docker", Pulltag: "test", RemoteType: "dockerv2"})
	if err != nil {
		t.Fatalf("Pull: %v", err)
	}
	if got.ID == ready.ID {
		t.Fatal("expected a distinct new pull record")
	}
	if got.Status != record.StatusEnqueued {
		t.Errorf("status = %v, want ENQUEUED", got.Status)
	}

	stillThere, err := store.GetByID(ctx, ready.ID)
	if err != nil {
		t.Fatalf("old READY record should survive: %v", err)
	}
	if stillThere.Status != record.StatusReady {
		t.Errorf("old record status = %v, want READY", stillThere.Status)
	}
}

// 4. ACL update on a live image past the recent window enqueues a new
// (ACL-refresh) pull rather than serving cached.
func TestACLChangeOutsideRecentWindowEnqueuesRefresh(t *testing.T) {
	ctx := context.Background()
	store := record.NewFakeStore()
	old := time.Now().Add(-time.Minute)
	ready, _ := store.Insert(ctx, &record.Record{
		Platform: "systema", ImageType: "docker", Pulltag: "test", ContentID: "content-1",
		Status: record.StatusReady, LastPull: &old, UserACL: []int32{},
	})

	mgr := newTestManager(store, worker.NewChannel(4))
	got, err := mgr.Pull(ctx, userSession(), PullInput{
		ImageType: "docker", Pulltag: "test", RemoteType: "dockerv2", UserACL: []int32{1001},
	})
	if err != nil {
		t.Fatalf("Pull: %v", err)
	}
	if got.ID == ready.ID {
		t.Fatal("expected a distinct ACL-refresh pull record")
	}

	untouched, err := store.GetByID(ctx, ready.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if len(untouched.UserACL) != 0 {
		t.Errorf("original READY record should be untouched until the worker reports back, got %v", untouched.UserACL)
	}
}

// ACL changes within the recent window are deferred: the cached record is
// served as-is.
func TestACLChangeWithinRecentWindowServesCached(t *testing.T) {
	ctx := context.Background()
	store := record.NewFakeStore()
	now := time.Now()
	ready, _ := store.Insert(ctx, &record.Record{
		Platform: "systema", ImageType: "docker", Pulltag: "test",
		Status: record.StatusReady, LastPull: &now, UserACL: []int32{},
	})

	mgr := newTestManager(store, worker.NewChannel(4))
	got, err := mgr.Pull(ctx, userSession(), PullInput{
		ImageType: "docker", Pulltag: "test", UserACL: []int32{1001},
	})
	if err != nil {
		t.Fatalf("Pull: %v", err)
	}
	if got.ID != ready.ID {
		t.Errorf("expected cached record served within recent window, got a different record")
	}
}

// 5. Piggyback: an in-flight pull with a recent heartbeat is returned
// as-is; no new record is created even with changed ACLs.
func TestPiggybackOnInFlightPull(t *testing.T) {
	ctx := context.Background()
	store := record.NewFakeStore()
	now := time.Now()
	inflight, _ := store.Insert(ctx, &record.Record{
		Platform: "systema", ImageType: "docker", Pulltag: "test",
		Status: record.StatusPulling, LastPull: &now, LastHeartbeat: &now, UserACL: []int32{},
	})

	mgr := newTestManager(store, worker.NewChannel(4))
	got, err := mgr.Pull(ctx, userSession(), PullInput{
		ImageType: "docker", Pulltag: "test", UserACL: []int32{1001},
	})
	if err != nil {
		t.Fatalf("Pull: %v", err)
	}
	if got.ID != inflight.ID || got.Status != record.StatusPulling {
		t.Errorf("expected to piggyback on in-flight record, got %+v", got)
	}

	recs, _ := store.FindByPulltag(ctx, "systema", "docker", "test")
	if len(recs) != 1 {
		t.Errorf("expected no new record created, found %d", len(recs))
	}
}

// 6. Stuck-pull GC: autoexpire removes a record stuck past pullTimeout and
// getState subsequently reports no error for the vanished id.
func TestAutoexpireGCsStuckPull(t *testing.T) {
	ctx := context.Background()
	store := record.NewFakeStore()
	old := time.Now().Add(-time.Hour)
	stuck, _ := store.Insert(ctx, &record.Record{
		Platform: "systema", ImageType: "docker", Pulltag: "test",
		Status: record.StatusEnqueued, LastPull: &old,
	})

	mgr := newTestManager(store, worker.NewChannel(4))
	n, err := mgr.Autoexpire(ctx, adminSession())
	if err != nil {
		t.Fatalf("Autoexpire: %v", err)
	}
	if n < 1 {
		t.Fatalf("expected at least one record GCed, got %d", n)
	}

	if _, err := store.GetByID(ctx, stuck.ID); !errors.Is(err, record.ErrNotFound) {
		t.Errorf("expected stuck record removed, err=%v", err)
	}
	state, err := mgr.GetState(ctx, adminSession(), stuck.ID)
	if err != nil {
		t.Fatalf("GetState after GC should not error: %v", err)
	}
	if state != "" {
		t.Errorf("GetState after GC = %q, want empty", state)
	}
}

// 7. Admin gating: a non-admin session calling expire or autoexpire is
// rejected and mutates nothing.
func TestAdminGating(t *testing.T) {
	ctx := context.Background()
	store := record.NewFakeStore()
	ready, _ := store.Insert(ctx, &record.Record{
		Platform: "systema", ImageType: "docker", Pulltag: "test", Status: record.StatusReady,
	})
	if err := store.AddTag(ctx, ready.ID, "systema", "test"); err != nil {
		t.Fatalf("AddTag: %v", err)
	}

	mgr := newTestManager(store, worker.NewChannel(4))

	if err := mgr.Expire(ctx, userSession(), "docker", "test"); !errors.Is(err, ErrNotAuthorized) {
		t.Errorf("Expire by non-admin: err = %v, want ErrNotAuthorized", err)
	}
	if _, err := mgr.Autoexpire(ctx, userSession()); !errors.Is(err, ErrNotAuthorized) {
		t.Errorf("Autoexpire by non-admin: err = %v, want ErrNotAuthorized", err)
	}
	if _, err := mgr.GetMetrics(ctx, userSession(), 10); !errors.Is(err, ErrNotAuthorized) {
		t.Errorf("GetMetrics by non-admin: err = %v, want ErrNotAuthorized", err)
	}

	stillReady, err := store.GetByID(ctx, ready.ID)
	if err != nil || stillReady.Status != record.StatusReady {
		t.Errorf("non-admin calls must not mutate the store: %+v, err=%v", stillReady, err)
	}
}

// Lookup on a tag that does not resolve to a READY record returns (nil,
// nil), not a propagated not-found error.
func TestLookupMissingTagReturnsNilNotError(t *testing.T) {
	ctx := context.Background()
	store := record.NewFakeStore()
	mgr := newTestManager(store, worker.NewChannel(4))

	got, err := mgr.Lookup(ctx, userSession(), "docker", "missing")
	if err != nil {
		t.Fatalf("Lookup: unexpected error %v", err)
	}
	if got != nil {
		t.Errorf("expected nil record for missing tag, got %+v", got)
	}
}

// Lookup enforces read ACLs: a private record outside the caller's ACL is
// rejected, not silently hidden as not-found.
func TestLookupEnforcesReadACL(t *testing.T) {
	ctx := context.Background()
	store := record.NewFakeStore()
	private := true
	rec, _ := store.Insert(ctx, &record.Record{
		Platform: "systema", ImageType: "docker", Pulltag: "secret", Status: record.StatusReady,
		UserACL: []int32{9999}, Private: &private,
	})
	if err := store.AddTag(ctx, rec.ID, "systema", "secret"); err != nil {
		t.Fatalf("AddTag: %v", err)
	}

	mgr := newTestManager(store, worker.NewChannel(4))
	_, err := mgr.Lookup(ctx, userSession(), "docker", "secret")
	if !errors.Is(err, ErrNotAuthorized) {
		t.Errorf("expected ErrNotAuthorized, got %v", err)
	}
}

// Invalid/forged sessions are rejected by every operation.
func TestForgedSessionRejected(t *testing.T) {
	ctx := context.Background()
	store := record.NewFakeStore()
	mgr := newTestManager(store, worker.NewChannel(4))

	forged := &Session{Platform: "systema", UID: 9000, GID: 2001}
	if _, err := mgr.Lookup(ctx, forged, "docker", "test"); !errors.Is(err, ErrInvalidSession) {
		t.Errorf("Lookup with forged session: err = %v, want ErrInvalidSession", err)
	}
	if _, err := mgr.Pull(ctx, forged, PullInput{}); !errors.Is(err, ErrInvalidSession) {
		t.Errorf("Pull with forged session: err = %v, want ErrInvalidSession", err)
	}
}

// NewSession rejects an unknown platform before ever calling the
// authenticator.
func TestNewSessionRejectsUnknownPlatform(t *testing.T) {
	ctx := context.Background()
	store := record.NewFakeStore()
	mgr := newTestManager(store, worker.NewChannel(4))

	if _, err := mgr.NewSession(ctx, "user-token", "systemz"); !errors.Is(err, ErrInvalidPlatform) {
		t.Errorf("err = %v, want ErrInvalidPlatform", err)
	}
}

// NewSession surfaces authentication failures distinctly from session or
// platform errors.
func TestNewSessionAuthenticationFailure(t *testing.T) {
	ctx := context.Background()
	store := record.NewFakeStore()
	mgr := newTestManager(store, worker.NewChannel(4))

	if _, err := mgr.NewSession(ctx, "bogus-token", "systema"); !errors.Is(err, ErrAuthenticationFailed) {
		t.Errorf("err = %v, want ErrAuthenticationFailed", err)
	}
}
