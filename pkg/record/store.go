package record

import (
	"context"
	"time"
)

// StatusFilter selects which records ListByPlatform returns.
type StatusFilter int

const (
	// AnyStatus returns every record regardless of status.
	AnyStatus StatusFilter = iota
	// ReadyOnly returns only status=READY records.
	ReadyOnly
	// NotReady returns every record whose status is not READY (the queue).
	NotReady
)

// WorkerPatch is the external-field-named shape a worker response arrives
// in; Store.Update translates it to the record's own fields (State→status,
// ContentID→content_id, StatusMessage→status_message, and so on) before
// writing. Pointer fields are optional: nil means "leave unchanged".
type WorkerPatch struct {
	ContentID     *string
	Format        *string
	Arch          *string
	OS            *string
	Entrypoint    *string
	Env           *string
	Workdir       *string
	State         *Status
	StatusMessage *string
	UserACL       []int32
	UserACLSet    bool
	GroupACL      []int32
	GroupACLSet   bool
	Private       *bool
	LastPull      *time.Time
	LastHeartbeat *time.Time
	Expiration    *time.Time
}

// Store is the narrow CRUD surface over ImageRecords and the metrics log.
// Implementations must be safe for concurrent use.
type Store interface {
	GetByID(ctx context.Context, id string) (*Record, error)
	// GetByContentID returns the record matching platform+contentID. If
	// status is non-empty, only a record in that status matches.
	GetByContentID(ctx context.Context, platform, contentID string, status Status) (*Record, error)
	// GetByTag returns the READY record for (platform, imageType, tag), or
	// ErrNotFound if none exists.
	GetByTag(ctx context.Context, platform, imageType, tag string) (*Record, error)
	// FindByPulltag returns every record (any status) matching
	// (platform, imageType, pulltag).
	FindByPulltag(ctx context.Context, platform, imageType, pulltag string) ([]*Record, error)
	ListByPlatform(ctx context.Context, platform string, filter StatusFilter) ([]*Record, error)

	Insert(ctx context.Context, rec *Record) (*Record, error)
	Update(ctx context.Context, id string, patch WorkerPatch) (*Record, error)
	Remove(ctx context.Context, id string) error

	AddTag(ctx context.Context, id, platform, tag string) error
	RemoveTag(ctx context.Context, platform, tag string) error

	SetLastPull(ctx context.Context, id string, t time.Time) error
	SetExpiration(ctx context.Context, id string, t time.Time) error
	GetState(ctx context.Context, id string) (Status, error)

	// UpdateStates removes FAILURE records whose LastPull + pullUpdateTimeout
	// has passed. Called before every lookup/pull/list/expire.
	UpdateStates(ctx context.Context, platform string, pullUpdateTimeout time.Duration) error

	// GCStuckPulls removes every non-READY record whose LastPull +
	// pullTimeout has passed, garbage-collecting pulls a worker never
	// finished or reported back on. Returns the number removed. Called by
	// autoexpire, distinct from UpdateStates which only
	// targets FAILURE rows.
	GCStuckPulls(ctx context.Context, platform string, pullTimeout time.Duration) (int, error)

	InsertMetrics(ctx context.Context, entry MetricsEntry) error
	TailMetrics(ctx context.Context, platform string, limit int) ([]MetricsEntry, error)
}
