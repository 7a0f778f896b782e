package record

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// FakeStore is an in-memory Store used by tests across pkg/record,
// pkg/reconciler, and pkg/manager. No pgx-mocking library exists in the
// dependency graph this repo draws from, so tests exercise the real
// semantics (addTag remove-then-add, updateStates GC, ACL zeroing) against
// a plain map guarded by a mutex instead.
type FakeStore struct {
	mu      sync.Mutex
	records map[string]*Record
	metrics []MetricsEntry
}

// NewFakeStore returns an empty FakeStore.
func NewFakeStore() *FakeStore {
	return &FakeStore{records: make(map[string]*Record)}
}

func clone(r *Record) *Record {
	cp := *r
	cp.Tag = make(TagSet, len(r.Tag))
	for t := range r.Tag {
		cp.Tag[t] = struct{}{}
	}
	cp.UserACL = append([]int32{}, r.UserACL...)
	cp.GroupACL = append([]int32{}, r.GroupACL...)
	return &cp
}

func (s *FakeStore) GetByID(ctx context.Context, id string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(r), nil
}

func (s *FakeStore) GetByContentID(ctx context.Context, platform, contentID string, status Status) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.records {
		if r.Platform != platform || r.ContentID != contentID {
			continue
		}
		if status != "" && r.Status != status {
			continue
		}
		return clone(r), nil
	}
	return nil, ErrNotFound
}

func (s *FakeStore) GetByTag(ctx context.Context, platform, imageType, tag string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.records {
		if r.Platform == platform && r.ImageType == imageType && r.Status == StatusReady && r.Tag.Has(tag) {
			return clone(r), nil
		}
	}
	return nil, ErrNotFound
}

func (s *FakeStore) FindByPulltag(ctx context.Context, platform, imageType, pulltag string) ([]*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Record
	for _, r := range s.records {
		if r.Platform == platform && r.ImageType == imageType && r.Pulltag == pulltag {
			out = append(out, clone(r))
		}
	}
	return out, nil
}

func (s *FakeStore) ListByPlatform(ctx context.Context, platform string, filter StatusFilter) ([]*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Record
	for _, r := range s.records {
		if r.Platform != platform {
			continue
		}
		switch filter {
		case ReadyOnly:
			if r.Status != StatusReady {
				continue
			}
		case NotReady:
			if r.Status == StatusReady {
				continue
			}
		}
		out = append(out, clone(r))
	}
	return out, nil
}

func (s *FakeStore) Insert(ctx context.Context, rec *Record) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Tag == nil {
		rec.Tag = NewTagSet()
	}
	stored := clone(rec)
	s.records[stored.ID] = stored
	return clone(stored), nil
}

func (s *FakeStore) Update(ctx context.Context, id string, patch WorkerPatch) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	if patch.Private != nil && !*patch.Private {
		patch.UserACL = nil
		patch.UserACLSet = true
		patch.GroupACL = nil
		patch.GroupACLSet = true
	}
	if patch.ContentID != nil {
		r.ContentID = *patch.ContentID
	}
	if patch.Format != nil {
		r.Format = *patch.Format
	}
	if patch.Arch != nil {
		r.Arch = *patch.Arch
	}
	if patch.OS != nil {
		r.OS = *patch.OS
	}
	if patch.Entrypoint != nil {
		r.Entrypoint = *patch.Entrypoint
	}
	if patch.Env != nil {
		r.Env = *patch.Env
	}
	if patch.Workdir != nil {
		r.Workdir = *patch.Workdir
	}
	if patch.State != nil {
		r.Status = NormalizeStatus(*patch.State)
	}
	if patch.StatusMessage != nil {
		r.StatusMessage = *patch.StatusMessage
	}
	if patch.UserACLSet {
		r.UserACL = patch.UserACL
	}
	if patch.GroupACLSet {
		r.GroupACL = patch.GroupACL
	}
	if patch.Private != nil {
		r.Private = patch.Private
	}
	if patch.LastPull != nil {
		r.LastPull = patch.LastPull
	}
	if patch.LastHeartbeat != nil {
		r.LastHeartbeat = patch.LastHeartbeat
	}
	if patch.Expiration != nil {
		r.Expiration = patch.Expiration
	}
	return clone(r), nil
}

func (s *FakeStore) Remove(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, id)
	return nil
}

func (s *FakeStore) AddTag(ctx context.Context, id, platform, tag string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.records {
		if r.Platform == platform && r.Tag.Has(tag) {
			r.Tag.Remove(tag)
		}
	}
	target, ok := s.records[id]
	if !ok {
		return ErrNotFound
	}
	if target.Tag == nil {
		target.Tag = NewTagSet()
	}
	target.Tag.Add(tag)
	return nil
}

func (s *FakeStore) RemoveTag(ctx context.Context, platform, tag string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.records {
		if r.Platform == platform {
			r.Tag.Remove(tag)
		}
	}
	return nil
}

func (s *FakeStore) SetLastPull(ctx context.Context, id string, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return ErrNotFound
	}
	r.LastPull = &t
	return nil
}

func (s *FakeStore) SetExpiration(ctx context.Context, id string, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return ErrNotFound
	}
	r.Expiration = &t
	return nil
}

func (s *FakeStore) GetState(ctx context.Context, id string) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return "", ErrNotFound
	}
	return r.Status, nil
}

func (s *FakeStore) UpdateStates(ctx context.Context, platform string, pullUpdateTimeout time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	horizon := time.Now().Add(-pullUpdateTimeout)
	for id, r := range s.records {
		if r.Platform == platform && r.Status == StatusFailure && r.LastPull != nil && r.LastPull.Before(horizon) {
			delete(s.records, id)
		}
	}
	return nil
}

func (s *FakeStore) GCStuckPulls(ctx context.Context, platform string, pullTimeout time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	horizon := time.Now().Add(-pullTimeout)
	n := 0
	for id, r := range s.records {
		if r.Platform == platform && r.Status != StatusReady && r.LastPull != nil && r.LastPull.Before(horizon) {
			delete(s.records, id)
			n++
		}
	}
	return n, nil
}

func (s *FakeStore) InsertMetrics(ctx context.Context, entry MetricsEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics = append(s.metrics, entry)
	return nil
}

func (s *FakeStore) TailMetrics(ctx context.Context, platform string, limit int) ([]MetricsEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var matched []MetricsEntry
	for i := len(s.metrics) - 1; i >= 0 && len(matched) < limit; i-- {
		if s.metrics[i].Platform == platform {
			matched = append(matched, s.metrics[i])
		}
	}
	return matched, nil
}

var _ Store = (*FakeStore)(nil)
