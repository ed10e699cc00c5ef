// Package postgres provides PostgreSQL implementation of the queue storage.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bissquit/alarm-relay/internal/domain"
	"github.com/bissquit/alarm-relay/internal/storage"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// tenantConfigKey is the attribute key holding the queue config of a tenant.
const tenantConfigKey = "priorityQueueConfig"

var (
	_ storage.Storage            = (*Store)(nil)
	_ storage.TenantConfigSource = (*Store)(nil)
)

const entryColumns = `
	id, customer_id, device_id, device_profile, priority, payload, status,
	retry_count, max_retries, created_at, last_attempt_at, sent_at,
	next_attempt_at, claimed_at, http_status, error_message, response_body`

// Store implements storage.Storage using PostgreSQL.
type Store struct {
	db *pgxpool.Pool
}

// NewStore creates a new PostgreSQL store.
func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// Save inserts a new queue entry.
func (s *Store) Save(ctx context.Context, entry *domain.QueueEntry) (string, error) {
	payload, err := json.Marshal(entry.Payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	query := `INSERT INTO queue_entries (` + entryColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`

	_, err = s.db.Exec(ctx, query,
		entry.ID,
		entry.CustomerID,
		entry.DeviceID,
		entry.DeviceProfile,
		int(entry.Priority),
		payload,
		string(entry.Status),
		entry.RetryCount,
		entry.MaxRetries,
		entry.CreatedAt,
		entry.LastAttemptAt,
		entry.SentAt,
		entry.NextAttemptAt,
		entry.ClaimedAt,
		entry.HTTPStatus,
		entry.ErrorMessage,
		entry.ResponseBody,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return "", storage.ErrEntryExists
		}
		return "", fmt.Errorf("insert queue entry: %w", err)
	}
	return entry.ID, nil
}

// FetchByStatusAndPriority claims entries with FOR UPDATE SKIP LOCKED so that
// concurrent dispatchers never receive the same row.
func (s *Store) FetchByStatusAndPriority(ctx context.Context, req storage.FetchRequest) ([]*domain.QueueEntry, error) {
	if req.Limit <= 0 {
		return nil, nil
	}

	priorities := make([]int32, 0, 4)
	for _, p := range storage.PrioritiesOrDefault(req.Priorities) {
		priorities = append(priorities, int32(p))
	}

	query := `
		WITH claimed AS (
			UPDATE queue_entries
			SET status = 'SENDING', claimed_at = $5
			WHERE id IN (
				SELECT id FROM queue_entries
				WHERE status = $1
				  AND ($2 = '' OR customer_id = $2)
				  AND priority = ANY($3)
				  AND (status <> 'RETRY' OR next_attempt_at IS NULL OR next_attempt_at <= $5)
				ORDER BY priority ASC, created_at ASC, id ASC
				FOR UPDATE SKIP LOCKED
				LIMIT $4
			)
			RETURNING ` + entryColumns + `
		)
		SELECT ` + entryColumns + ` FROM claimed
		ORDER BY priority ASC, created_at ASC, id ASC`

	rows, err := s.db.Query(ctx, query, string(req.Status), req.TenantID, priorities, req.Limit, req.Now)
	if err != nil {
		return nil, fmt.Errorf("claim queue entries: %w", err)
	}
	defer rows.Close()

	entries := make([]*domain.QueueEntry, 0, req.Limit)
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate claimed entries: %w", err)
	}
	return entries, nil
}

// UpdateEntry applies the non-nil fields of upd. Leaving SENDING clears claimed_at.
func (s *Store) UpdateEntry(ctx context.Context, id string, upd storage.EntryUpdate) error {
	var status *string
	if upd.Status != nil {
		v := string(*upd.Status)
		status = &v
	}

	query := `
		UPDATE queue_entries
		SET status          = COALESCE($2::text, status),
		    claimed_at      = CASE WHEN $2::text IS NOT NULL AND $2::text <> 'SENDING' THEN NULL ELSE claimed_at END,
		    retry_count     = COALESCE($3::int, retry_count),
		    last_attempt_at = COALESCE($4::timestamptz, last_attempt_at),
		    sent_at         = COALESCE($5::timestamptz, sent_at),
		    next_attempt_at = COALESCE($6::timestamptz, next_attempt_at),
		    http_status     = COALESCE($7::int, http_status),
		    error_message   = COALESCE($8::text, error_message),
		    response_body   = COALESCE($9::text, response_body)
		WHERE id = $1`

	result, err := s.db.Exec(ctx, query,
		id,
		status,
		upd.RetryCount,
		upd.LastAttemptAt,
		upd.SentAt,
		upd.NextAttemptAt,
		upd.HTTPStatus,
		upd.ErrorMessage,
		upd.ResponseBody,
	)
	if err != nil {
		return fmt.Errorf("update queue entry: %w", err)
	}
	if result.RowsAffected() == 0 {
		return storage.ErrEntryNotFound
	}
	return nil
}

// GetEntry retrieves a queue entry by ID.
func (s *Store) GetEntry(ctx context.Context, id string) (*domain.QueueEntry, error) {
	query := `SELECT ` + entryColumns + ` FROM queue_entries WHERE id = $1`

	entry, err := scanEntry(s.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, storage.ErrEntryNotFound
		}
		return nil, err
	}
	return entry, nil
}

// GetStats aggregates entries of one tenant, or of all tenants when tenantID is empty.
func (s *Store) GetStats(ctx context.Context, tenantID string) (*storage.QueueStats, error) {
	query := `
		SELECT status, priority, COUNT(*)
		FROM queue_entries
		WHERE ($1 = '' OR customer_id = $1)
		GROUP BY status, priority`

	rows, err := s.db.Query(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("query queue stats: %w", err)
	}
	defer rows.Close()

	stats := storage.NewQueueStats()
	for rows.Next() {
		var status string
		var priority int
		var count int64
		if err := rows.Scan(&status, &priority, &count); err != nil {
			return nil, fmt.Errorf("scan queue stats: %w", err)
		}
		stats.AddN(domain.QueueStatus(status), domain.Priority(priority), count)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate queue stats: %w", err)
	}

	latencyQuery := `
		SELECT COALESCE(AVG(EXTRACT(EPOCH FROM (sent_at - created_at)) * 1000), 0)::float8
		FROM queue_entries
		WHERE status = 'SENT' AND sent_at IS NOT NULL
		  AND ($1 = '' OR customer_id = $1)`
	if err := s.db.QueryRow(ctx, latencyQuery, tenantID).Scan(&stats.AvgLatencyMs); err != nil {
		return nil, fmt.Errorf("query send latency: %w", err)
	}

	return stats, nil
}

// DeleteOlderThan removes entries created before cutoff regardless of status.
func (s *Store) DeleteOlderThan(ctx context.Context, cutoff time.Time, tenantID string) (int64, error) {
	query := `DELETE FROM queue_entries WHERE created_at < $1 AND ($2 = '' OR customer_id = $2)`

	result, err := s.db.Exec(ctx, query, cutoff, tenantID)
	if err != nil {
		return 0, fmt.Errorf("delete old entries: %w", err)
	}
	return result.RowsAffected(), nil
}

// GetRateLimitState returns the zero state when the tenant has no row.
func (s *Store) GetRateLimitState(ctx context.Context, tenantID string) (domain.RateLimitState, error) {
	query := `SELECT last_dispatch_at, batch_count FROM rate_limit_state WHERE tenant_id = $1`

	var state domain.RateLimitState
	err := s.db.QueryRow(ctx, query, tenantID).Scan(&state.LastDispatchAt, &state.BatchCount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.RateLimitState{}, nil
		}
		return domain.RateLimitState{}, fmt.Errorf("get rate limit state: %w", err)
	}
	return state, nil
}

// UpdateRateLimitState upserts the non-nil fields of upd.
func (s *Store) UpdateRateLimitState(ctx context.Context, tenantID string, upd storage.RateLimitUpdate) error {
	query := `
		INSERT INTO rate_limit_state (tenant_id, last_dispatch_at, batch_count)
		VALUES ($1, $2::timestamptz, COALESCE($3::bigint, 0))
		ON CONFLICT (tenant_id) DO UPDATE
		SET last_dispatch_at = COALESCE($2::timestamptz, rate_limit_state.last_dispatch_at),
		    batch_count      = COALESCE($3::bigint, rate_limit_state.batch_count)`

	if _, err := s.db.Exec(ctx, query, tenantID, upd.LastDispatchAt, upd.BatchCount); err != nil {
		return fmt.Errorf("update rate limit state: %w", err)
	}
	return nil
}

// ListTenantsWithWork returns tenants with PENDING entries or RETRY entries due at now.
func (s *Store) ListTenantsWithWork(ctx context.Context, now time.Time) ([]string, error) {
	query := `
		SELECT DISTINCT customer_id
		FROM queue_entries
		WHERE status = 'PENDING'
		   OR (status = 'RETRY' AND (next_attempt_at IS NULL OR next_attempt_at <= $1))
		ORDER BY customer_id`

	rows, err := s.db.Query(ctx, query, now)
	if err != nil {
		return nil, fmt.Errorf("list tenants with work: %w", err)
	}
	defer rows.Close()

	tenants, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan tenants: %w", err)
	}
	return tenants, nil
}

// RecoverStuck moves entries claimed before cutoff back to RETRY.
func (s *Store) RecoverStuck(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `
		UPDATE queue_entries
		SET status = 'RETRY', claimed_at = NULL
		WHERE status = 'SENDING' AND claimed_at < $1`

	result, err := s.db.Exec(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("recover stuck entries: %w", err)
	}
	return result.RowsAffected(), nil
}

// GetTenantConfig reads the queue config attribute of a tenant. Returns (nil, nil) if absent.
func (s *Store) GetTenantConfig(ctx context.Context, tenantID string) (*domain.TenantConfig, error) {
	query := `SELECT value FROM tenant_attributes WHERE tenant_id = $1 AND key = $2`

	var raw []byte
	err := s.db.QueryRow(ctx, query, tenantID, tenantConfigKey).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get tenant config: %w", err)
	}

	var cfg domain.TenantConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("decode tenant config %s: %w", tenantID, err)
	}
	return &cfg, nil
}

// PutTenantConfig writes the queue config attribute of a tenant.
func (s *Store) PutTenantConfig(ctx context.Context, tenantID string, cfg domain.TenantConfig) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode tenant config: %w", err)
	}

	query := `
		INSERT INTO tenant_attributes (tenant_id, key, value)
		VALUES ($1, $2, $3)
		ON CONFLICT (tenant_id, key) DO UPDATE
		SET value = EXCLUDED.value, updated_at = NOW()`

	if _, err := s.db.Exec(ctx, query, tenantID, tenantConfigKey, raw); err != nil {
		return fmt.Errorf("put tenant config: %w", err)
	}
	return nil
}

func scanEntry(row pgx.Row) (*domain.QueueEntry, error) {
	var (
		e        domain.QueueEntry
		priority int
		status   string
		payload  []byte
	)
	err := row.Scan(
		&e.ID,
		&e.CustomerID,
		&e.DeviceID,
		&e.DeviceProfile,
		&priority,
		&payload,
		&status,
		&e.RetryCount,
		&e.MaxRetries,
		&e.CreatedAt,
		&e.LastAttemptAt,
		&e.SentAt,
		&e.NextAttemptAt,
		&e.ClaimedAt,
		&e.HTTPStatus,
		&e.ErrorMessage,
		&e.ResponseBody,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan queue entry: %w", err)
	}
	if err := json.Unmarshal(payload, &e.Payload); err != nil {
		return nil, fmt.Errorf("decode payload of %s: %w", e.ID, err)
	}
	e.Priority = domain.Priority(priority)
	e.Status = domain.QueueStatus(status)
	return &e, nil
}

func isDuplicateKey(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
