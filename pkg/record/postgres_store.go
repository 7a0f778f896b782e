package record

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// recordColumns is the shared column list for image record queries.
const recordColumns = `id, platform, image_type, remote_type, pulltag, tag, content_id,
	format, arch, os, status, status_message, last_pull, last_heartbeat,
	expiration, user_acl, group_acl, private, env, entrypoint, workdir`

// PostgresStore is the production Store, backed by Postgres via pgx/pgxpool.
// Every method is wrapped in a bounded retry against transient connection
// loss.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore wraps an existing pool. The pool itself is constructed
// and pinged by internal/dbpool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// RetryObserver, if set, is called once per retried attempt against a
// transient connection failure. cmd/imagegw wires it to a Prometheus
// counter; it defaults to a no-op so this package never requires a
// Prometheus registry to be usable.
var RetryObserver = func() {}

// withRetry runs op up to two attempts with a 2-second pause between them,
// matching the original's mongo_reconnect_reattempt decorator. Only errors
// classified as transient connection loss are retried; everything else
// (including pgx.ErrNoRows) returns immediately.
func withRetry[T any](ctx context.Context, op func() (T, error)) (T, error) {
	var result T
	var lastErr error
	policy := backoff.WithMaxRetries(backoff.NewConstantBackOff(2*time.Second), 1)

	attempt := func() error {
		var err error
		result, err = op()
		if err == nil {
			return nil
		}
		lastErr = err
		if isTransient(err) {
			return err
		}
		return backoff.Permanent(err)
	}

	notify := func(error, time.Duration) { RetryObserver() }

	if err := backoff.RetryNotify(attempt, backoff.WithContext(policy, ctx), notify); err != nil {
		if isTransient(lastErr) {
			return result, fmt.Errorf("%w: %v", ErrStoreUnavailable, lastErr)
		}
		if errors.Is(lastErr, pgx.ErrNoRows) {
			return result, ErrNotFound
		}
		return result, fmt.Errorf("%w: %v", ErrStoreError, lastErr)
	}
	return result, nil
}

// isTransient classifies an error as a transient connection loss, distinct
// from application-level failures like constraint violations or no-rows.
func isTransient(err error) bool {
	if err == nil || errors.Is(err, pgx.ErrNoRows) {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return false
	}
	return pgconn.SafeToRetry(err)
}

func scanRecord(row pgx.Row) (*Record, error) {
	var r Record
	var tags []string
	var lastPull, lastHeartbeat, expiration *time.Time
	var private *bool
	var status string
	if err := row.Scan(
		&r.ID, &r.Platform, &r.ImageType, &r.RemoteType, &r.Pulltag, &tags,
		&r.ContentID, &r.Format, &r.Arch, &r.OS, &status, &r.StatusMessage,
		&lastPull, &lastHeartbeat, &expiration, &r.UserACL, &r.GroupACL,
		&private, &r.Env, &r.Entrypoint, &r.Workdir,
	); err != nil {
		return nil, err
	}
	r.Status = NormalizeStatus(Status(status))
	r.Tag = NewTagSet(tags...)
	r.LastPull = lastPull
	r.LastHeartbeat = lastHeartbeat
	r.Expiration = expiration
	r.Private = private
	return &r, nil
}

func scanRecords(rows pgx.Rows) ([]*Record, error) {
	defer rows.Close()
	var out []*Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning record row: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating record rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) GetByID(ctx context.Context, id string) (*Record, error) {
	return withRetry(ctx, func() (*Record, error) {
		query := `SELECT ` + recordColumns + ` FROM image_records WHERE id = $1`
		return scanRecord(s.pool.QueryRow(ctx, query, id))
	})
}

func (s *PostgresStore) GetByContentID(ctx context.Context, platform, contentID string, status Status) (*Record, error) {
	return withRetry(ctx, func() (*Record, error) {
		query := `SELECT ` + recordColumns + ` FROM image_records WHERE platform = $1 AND content_id = $2`
		args := []any{platform, contentID}
		if status != "" {
			query += ` AND status = $3`
			args = append(args, string(status))
		}
		query += ` LIMIT 1`
		return scanRecord(s.pool.QueryRow(ctx, query, args...))
	})
}

func (s *PostgresStore) GetByTag(ctx context.Context, platform, imageType, tag string) (*Record, error) {
	return withRetry(ctx, func() (*Record, error) {
		query := `SELECT ` + recordColumns + ` FROM image_records
			WHERE platform = $1 AND image_type = $2 AND $3 = ANY(tag) AND status = $4
			LIMIT 1`
		return scanRecord(s.pool.QueryRow(ctx, query, platform, imageType, tag, string(StatusReady)))
	})
}

func (s *PostgresStore) FindByPulltag(ctx context.Context, platform, imageType, pulltag string) ([]*Record, error) {
	return withRetry(ctx, func() ([]*Record, error) {
		query := `SELECT ` + recordColumns + ` FROM image_records
			WHERE platform = $1 AND image_type = $2 AND pulltag = $3`
		rows, err := s.pool.Query(ctx, query, platform, imageType, pulltag)
		if err != nil {
			return nil, err
		}
		return scanRecords(rows)
	})
}

func (s *PostgresStore) ListByPlatform(ctx context.Context, platform string, filter StatusFilter) ([]*Record, error) {
	return withRetry(ctx, func() ([]*Record, error) {
		query := `SELECT ` + recordColumns + ` FROM image_records WHERE platform = $1`
		switch filter {
		case ReadyOnly:
			query += ` AND status = '` + string(StatusReady) + `'`
		case NotReady:
			query += ` AND status <> '` + string(StatusReady) + `'`
		}
		rows, err := s.pool.Query(ctx, query, platform)
		if err != nil {
			return nil, err
		}
		return scanRecords(rows)
	})
}

func (s *PostgresStore) Insert(ctx context.Context, rec *Record) (*Record, error) {
	return withRetry(ctx, func() (*Record, error) {
		if rec.ID == "" {
			rec.ID = uuid.NewString()
		}
		query := `INSERT INTO image_records (
			id, platform, image_type, remote_type, pulltag, tag, content_id,
			format, arch, os, status, status_message, last_pull, last_heartbeat,
			expiration, user_acl, group_acl, private, env, entrypoint, workdir
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)
		RETURNING ` + recordColumns
		row := s.pool.QueryRow(ctx, query,
			rec.ID, rec.Platform, rec.ImageType, rec.RemoteType, rec.Pulltag, rec.Tag.Slice(),
			rec.ContentID, rec.Format, rec.Arch, rec.OS, string(rec.Status), rec.StatusMessage,
			rec.LastPull, rec.LastHeartbeat, rec.Expiration, rec.UserACL, rec.GroupACL,
			rec.Private, rec.Env, rec.Entrypoint, rec.Workdir,
		)
		return scanRecord(row)
	})
}

// Update applies a WorkerPatch, translating external wire field names to
// internal columns in the SET clauses built below. When Private is explicitly set
// to false, both ACL columns are forced empty before the rest of the patch
// applies, preserving invariant 3 regardless of what the caller also sent.
func (s *PostgresStore) Update(ctx context.Context, id string, patch WorkerPatch) (*Record, error) {
	return withRetry(ctx, func() (*Record, error) {
		sets := []string{}
		args := []any{id}
		arg := func(v any) string {
			args = append(args, v)
			return fmt.Sprintf("$%d", len(args))
		}

		if patch.Private != nil && !*patch.Private {
			patch.UserACL = nil
			patch.UserACLSet = true
			patch.GroupACL = nil
			patch.GroupACLSet = true
		}

		if patch.ContentID != nil {
			sets = append(sets, "content_id = "+arg(*patch.ContentID))
		}
		if patch.Format != nil {
			sets = append(sets, "format = "+arg(*patch.Format))
		}
		if patch.Arch != nil {
			sets = append(sets, "arch = "+arg(*patch.Arch))
		}
		if patch.OS != nil {
			sets = append(sets, "os = "+arg(*patch.OS))
		}
		if patch.Entrypoint != nil {
			sets = append(sets, "entrypoint = "+arg(*patch.Entrypoint))
		}
		if patch.Env != nil {
			sets = append(sets, "env = "+arg(*patch.Env))
		}
		if patch.Workdir != nil {
			sets = append(sets, "workdir = "+arg(*patch.Workdir))
		}
		if patch.State != nil {
			sets = append(sets, "status = "+arg(string(*patch.State)))
		}
		if patch.StatusMessage != nil {
			sets = append(sets, "status_message = "+arg(*patch.StatusMessage))
		}
		if patch.UserACLSet {
			sets = append(sets, "user_acl = "+arg(patch.UserACL))
		}
		if patch.GroupACLSet {
			sets = append(sets, "group_acl = "+arg(patch.GroupACL))
		}
		if patch.Private != nil {
			sets = append(sets, "private = "+arg(*patch.Private))
		}
		if patch.LastPull != nil {
			sets = append(sets, "last_pull = "+arg(*patch.LastPull))
		}
		if patch.LastHeartbeat != nil {
			sets = append(sets, "last_heartbeat = "+arg(*patch.LastHeartbeat))
		}
		if patch.Expiration != nil {
			sets = append(sets, "expiration = "+arg(*patch.Expiration))
		}

		if len(sets) == 0 {
			return s.getByIDNoRetry(ctx, id)
		}

		query := fmt.Sprintf(`UPDATE image_records SET %s WHERE id = $1 RETURNING %s`,
			strings.Join(sets, ", "), recordColumns)
		return scanRecord(s.pool.QueryRow(ctx, query, args...))
	})
}

func (s *PostgresStore) getByIDNoRetry(ctx context.Context, id string) (*Record, error) {
	query := `SELECT ` + recordColumns + ` FROM image_records WHERE id = $1`
	return scanRecord(s.pool.QueryRow(ctx, query, id))
}

func (s *PostgresStore) Remove(ctx context.Context, id string) error {
	_, err := withRetry(ctx, func() (struct{}, error) {
		_, err := s.pool.Exec(ctx, `DELETE FROM image_records WHERE id = $1`, id)
		return struct{}{}, err
	})
	return err
}

// AddTag removes tag from every other record under platform, then appends it
// to id's tagset, treating a NULL tag column as an empty set. The two steps are not transactional across the whole operation
// by design — a reader during the narrow window may transiently see tag
// absent from every record, which readers must tolerate.
func (s *PostgresStore) AddTag(ctx context.Context, id, platform, tag string) error {
	if err := s.RemoveTag(ctx, platform, tag); err != nil {
		return err
	}
	_, err := withRetry(ctx, func() (struct{}, error) {
		_, err := s.pool.Exec(ctx,
			`UPDATE image_records SET tag = array_append(
				array_remove(coalesce(tag, '{}'), $2), $2
			) WHERE id = $1`, id, tag)
		return struct{}{}, err
	})
	return err
}

// RemoveTag pulls tag from every record matching platform ∧ tag∈tagset.
func (s *PostgresStore) RemoveTag(ctx context.Context, platform, tag string) error {
	_, err := withRetry(ctx, func() (struct{}, error) {
		_, err := s.pool.Exec(ctx,
			`UPDATE image_records SET tag = array_remove(tag, $2)
			 WHERE platform = $1 AND $2 = ANY(tag)`, platform, tag)
		return struct{}{}, err
	})
	return err
}

func (s *PostgresStore) SetLastPull(ctx context.Context, id string, t time.Time) error {
	_, err := withRetry(ctx, func() (struct{}, error) {
		_, err := s.pool.Exec(ctx, `UPDATE image_records SET last_pull = $2 WHERE id = $1`, id, t)
		return struct{}{}, err
	})
	return err
}

func (s *PostgresStore) SetExpiration(ctx context.Context, id string, t time.Time) error {
	_, err := withRetry(ctx, func() (struct{}, error) {
		_, err := s.pool.Exec(ctx, `UPDATE image_records SET expiration = $2 WHERE id = $1`, id, t)
		return struct{}{}, err
	})
	return err
}

func (s *PostgresStore) GetState(ctx context.Context, id string) (Status, error) {
	return withRetry(ctx, func() (Status, error) {
		var status string
		err := s.pool.QueryRow(ctx, `SELECT status FROM image_records WHERE id = $1`, id).Scan(&status)
		if err != nil {
			return "", err
		}
		return NormalizeStatus(Status(status)), nil
	})
}

// UpdateStates removes FAILURE records whose last_pull + pullUpdateTimeout
// has passed, bounding the age of failure rows before reads.
func (s *PostgresStore) UpdateStates(ctx context.Context, platform string, pullUpdateTimeout time.Duration) error {
	_, err := withRetry(ctx, func() (struct{}, error) {
		_, err := s.pool.Exec(ctx,
			`DELETE FROM image_records
			 WHERE platform = $1 AND status = $2 AND last_pull IS NOT NULL
			   AND last_pull < $3`,
			platform, string(StatusFailure), time.Now().Add(-pullUpdateTimeout))
		return struct{}{}, err
	})
	return err
}

// GCStuckPulls deletes every non-READY record whose last_pull + pullTimeout
// has passed, regardless of its specific status.
func (s *PostgresStore) GCStuckPulls(ctx context.Context, platform string, pullTimeout time.Duration) (int, error) {
	return withRetry(ctx, func() (int, error) {
		tag, err := s.pool.Exec(ctx,
			`DELETE FROM image_records
			 WHERE platform = $1 AND status <> $2 AND last_pull IS NOT NULL
			   AND last_pull < $3`,
			platform, string(StatusReady), time.Now().Add(-pullTimeout))
		if err != nil {
			return 0, err
		}
		return int(tag.RowsAffected()), nil
	})
}

func (s *PostgresStore) InsertMetrics(ctx context.Context, entry MetricsEntry) error {
	_, err := withRetry(ctx, func() (struct{}, error) {
		_, err := s.pool.Exec(ctx,
			`INSERT INTO image_metrics (principal, uid, platform, image_type, tag, record_id, time)
			 VALUES ($1,$2,$3,$4,$5,$6,$7)`,
			entry.Principal, entry.UID, entry.Platform, entry.ImageType, entry.Tag, entry.RecordID, entry.Time)
		return struct{}{}, err
	})
	return err
}

func (s *PostgresStore) TailMetrics(ctx context.Context, platform string, limit int) ([]MetricsEntry, error) {
	return withRetry(ctx, func() ([]MetricsEntry, error) {
		rows, err := s.pool.Query(ctx,
			`SELECT principal, uid, platform, image_type, tag, record_id, time
			 FROM image_metrics WHERE platform = $1 ORDER BY time DESC LIMIT $2`,
			platform, limit)
		if err != nil {
			return nil, err
		}
		defer rows.Close()
		var out []MetricsEntry
		for rows.Next() {
			var e MetricsEntry
			if err := rows.Scan(&e.Principal, &e.UID, &e.Platform, &e.ImageType, &e.Tag, &e.RecordID, &e.Time); err != nil {
				return nil, fmt.Errorf("scanning metrics row: %w", err)
			}
			out = append(out, e)
		}
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("iterating metrics rows: %w", err)
		}
		return out, nil
	})
}

var _ Store = (*PostgresStore)(nil)
