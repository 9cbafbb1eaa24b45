package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/sqlc-dev/pqtype"

	"kwenrich/internal/config"
	"kwenrich/internal/enrichment"
	"kwenrich/internal/jobs"
)

// Postgres is the Repository backed by a shared *sql.DB using the pgx
// stdlib driver.
type Postgres struct {
	DB *sql.DB
}

// NewPostgres wraps an already opened database handle.
func NewPostgres(database *sql.DB) *Postgres {
	return &Postgres{DB: database}
}

// OpenPostgres opens a pooled connection. Migrations are applied
// separately by the migrate package.
func OpenPostgres(cfg config.DatabaseConfig) (*Postgres, error) {
	database, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	database.SetMaxOpenConns(cfg.MaxOpenConns)
	database.SetMaxIdleConns(cfg.MaxIdleConns)
	return NewPostgres(database), nil
}

const jobColumns = `id, owner_id, type, status, priority, payload, config, progress,
	retry_count, last_retry_at, next_retry_at, scheduled_for, worker_id, locked_at,
	created_at, updated_at, started_at, completed_at, cancelled_at, result, last_error`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*jobs.Job, error) {
	var (
		j                                       jobs.Job
		typ, status                             string
		priority                                int16
		payload, cfg, progress                  []byte
		result, lastErr                         pqtype.NullRawMessage
		workerID                                sql.NullString
		lastRetry, nextRetry, scheduled, locked sql.NullTime
		started, completed, cancelled           sql.NullTime
	)

	err := row.Scan(
		&j.ID, &j.OwnerID, &typ, &status, &priority, &payload, &cfg, &progress,
		&j.RetryCount, &lastRetry, &nextRetry, &scheduled, &workerID, &locked,
		&j.CreatedAt, &j.UpdatedAt, &started, &completed, &cancelled, &result, &lastErr,
	)
	if err != nil {
		return nil, err
	}

	j.Type = jobs.Type(typ)
	j.Status = jobs.Status(status)
	j.Priority = jobs.Priority(priority)
	j.WorkerID = workerID.String
	j.LastRetryAt = timePtr(lastRetry)
	j.NextRetryAt = timePtr(nextRetry)
	j.ScheduledFor = timePtr(scheduled)
	j.LockedAt = timePtr(locked)
	j.StartedAt = timePtr(started)
	j.CompletedAt = timePtr(completed)
	j.CancelledAt = timePtr(cancelled)

	docs := jobDocs{payload: payload, config: cfg, progress: progress}
	if result.Valid {
		docs.result = result.RawMessage
	}
	if lastErr.Valid {
		docs.lastError = lastErr.RawMessage
	}
	if err := decodeJob(&j, docs); err != nil {
		return nil, err
	}
	return &j, nil
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func nullRaw(b []byte) pqtype.NullRawMessage {
	if b == nil {
		return pqtype.NullRawMessage{}
	}
	return pqtype.NullRawMessage{RawMessage: b, Valid: true}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// InsertJob inserts a new job row.
func (s *Postgres) InsertJob(ctx context.Context, j *jobs.Job) error {
	return insertJob(ctx, s.DB, j)
}

// admissionLockKey serializes bounded inserts through a transaction-scoped
// advisory lock.
const admissionLockKey = 0x6b77656e72696368

// InsertJobBounded counts in-flight jobs and inserts j in one transaction
// holding the admission advisory lock.
func (s *Postgres) InsertJobBounded(ctx context.Context, j *jobs.Job, maxInFlight int64) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert: %w", err)
	}
	defer tx.Rollback()

	if maxInFlight > 0 {
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, int64(admissionLockKey)); err != nil {
			return fmt.Errorf("admission lock: %w", err)
		}
		var n int64
		err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM enrichment_jobs WHERE `+activeClause).Scan(&n)
		if err != nil {
			return fmt.Errorf("count in-flight jobs: %w", err)
		}
		if n >= maxInFlight {
			return ErrCapacity
		}
	}
	if err := insertJob(ctx, tx, j); err != nil {
		return err
	}
	return tx.Commit()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertJob(ctx context.Context, db execer, j *jobs.Job) error {
	docs, err := encodeJob(j)
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx, `INSERT INTO enrichment_jobs (`+jobColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)`,
		j.ID, j.OwnerID, string(j.Type), string(j.Status), int16(j.Priority),
		json.RawMessage(docs.payload), json.RawMessage(docs.config), json.RawMessage(docs.progress),
		j.RetryCount, nullTime(j.LastRetryAt), nullTime(j.NextRetryAt), nullTime(j.ScheduledFor),
		nullString(j.WorkerID), nullTime(j.LockedAt),
		j.CreatedAt.UTC(), j.UpdatedAt.UTC(), nullTime(j.StartedAt), nullTime(j.CompletedAt), nullTime(j.CancelledAt),
		nullRaw(docs.result), nullRaw(docs.lastError),
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// GetJob fetches a job by id.
func (s *Postgres) GetJob(ctx context.Context, id uuid.UUID) (*jobs.Job, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM enrichment_jobs WHERE id = $1`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return j, err
}

// ClaimNextJob locks the next eligible job in one statement. SKIP LOCKED
// lets concurrent claimers move on to the next row instead of queueing on
// the same one; the outer locked_at IS NULL is the compare-and-set.
func (s *Postgres) ClaimNextJob(ctx context.Context, workerID string, now time.Time) (*jobs.Job, error) {
	row := s.DB.QueryRowContext(ctx, `UPDATE enrichment_jobs SET
			status = 'processing',
			worker_id = $1,
			locked_at = $2,
			started_at = COALESCE(started_at, $2),
			updated_at = $2
		WHERE id = (
			SELECT id FROM enrichment_jobs
			WHERE status IN ('queued', 'retrying')
				AND locked_at IS NULL
				AND (next_retry_at IS NULL OR next_retry_at <= $2)
				AND (scheduled_for IS NULL OR scheduled_for <= $2)
			ORDER BY priority DESC, created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		) AND locked_at IS NULL
		RETURNING `+jobColumns,
		workerID, now.UTC(),
	)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	return j, nil
}

// execActive runs a conditional update against a non-terminal job. With a
// workerID the update also requires the job to be processing under that
// worker's lock. Zero affected rows map to ErrNotFound, ErrFinalized or
// ErrLockLost.
func (s *Postgres) execActive(ctx context.Context, id uuid.UUID, workerID, query string, args ...any) error {
	if workerID != "" {
		args = append(args, workerID)
		query += fmt.Sprintf(" AND status = 'processing' AND worker_id = $%d", len(args))
	}
	res, err := s.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	j, err := s.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if err := guardError(j, workerID); err != nil {
		return err
	}
	return ErrFinalized
}

const activeClause = `status IN ('queued', 'processing', 'retrying')`

func (s *Postgres) UpdateProgress(ctx context.Context, id uuid.UUID, workerID string, p jobs.Progress, now time.Time) error {
	progress, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return s.execActive(ctx, id, workerID,
		`UPDATE enrichment_jobs SET progress = $2, updated_at = $3 WHERE id = $1 AND `+activeClause,
		id, json.RawMessage(progress), now.UTC())
}

func (s *Postgres) CompleteJob(ctx context.Context, id uuid.UUID, workerID string, result *jobs.Result, now time.Time) error {
	raw, err := encodeOptional(result)
	if err != nil {
		return err
	}
	return s.execActive(ctx, id, workerID, `UPDATE enrichment_jobs SET
			status = 'completed', result = $2, completed_at = $3, updated_at = $3,
			worker_id = NULL, locked_at = NULL
		WHERE id = $1 AND `+activeClause,
		id, nullRaw(raw), now.UTC())
}

func (s *Postgres) RetryJob(ctx context.Context, id uuid.UUID, workerID string, lastErr *jobs.ErrorInfo, nextRetryAt, now time.Time) error {
	raw, err := encodeOptional(lastErr)
	if err != nil {
		return err
	}
	return s.execActive(ctx, id, workerID, `UPDATE enrichment_jobs SET
			status = 'retrying', retry_count = retry_count + 1, last_retry_at = $3,
			next_retry_at = $4, last_error = $2, updated_at = $3,
			worker_id = NULL, locked_at = NULL
		WHERE id = $1 AND `+activeClause,
		id, nullRaw(raw), now.UTC(), nextRetryAt.UTC())
}

func (s *Postgres) FailJob(ctx context.Context, id uuid.UUID, workerID string, lastErr *jobs.ErrorInfo, now time.Time) error {
	raw, err := encodeOptional(lastErr)
	if err != nil {
		return err
	}
	return s.execActive(ctx, id, workerID, `UPDATE enrichment_jobs SET
			status = 'failed', last_error = $2, completed_at = $3, updated_at = $3,
			worker_id = NULL, locked_at = NULL
		WHERE id = $1 AND `+activeClause,
		id, nullRaw(raw), now.UTC())
}

func (s *Postgres) CancelJob(ctx context.Context, id uuid.UUID, ownerID string, now time.Time) (int64, error) {
	res, err := s.DB.ExecContext(ctx, `UPDATE enrichment_jobs SET
			status = 'cancelled', cancelled_at = $3, updated_at = $3,
			worker_id = NULL, locked_at = NULL
		WHERE id = $1 AND ($2 = '' OR owner_id = $2) AND `+activeClause,
		id, ownerID, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("cancel job: %w", err)
	}
	return res.RowsAffected()
}

func (s *Postgres) CountByStatus(ctx context.Context) (map[jobs.Status]int64, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM enrichment_jobs GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[jobs.Status]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[jobs.Status(status)] = n
	}
	return out, rows.Err()
}

func (s *Postgres) CountAhead(ctx context.Context, j *jobs.Job) (int64, error) {
	var n int64
	err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM enrichment_jobs
		WHERE status IN ('queued', 'retrying') AND id <> $1
			AND (priority > $2 OR (priority = $2 AND created_at < $3))`,
		j.ID, int16(j.Priority), j.CreatedAt.UTC()).Scan(&n)
	return n, err
}

func (s *Postgres) ProcessingSummary(ctx context.Context, since time.Time) (Summary, error) {
	var (
		sum   Summary
		avgMs sql.NullFloat64
	)
	err := s.DB.QueryRowContext(ctx, `SELECT
			COUNT(*) FILTER (WHERE status = 'completed'),
			COUNT(*) FILTER (WHERE status = 'failed'),
			AVG(EXTRACT(EPOCH FROM (completed_at - started_at)) * 1000) FILTER (WHERE status = 'completed' AND started_at IS NOT NULL)
		FROM enrichment_jobs
		WHERE status IN ('completed', 'failed') AND updated_at >= $1`,
		since.UTC()).Scan(&sum.Completed, &sum.Failed, &avgMs)
	if err != nil {
		return Summary{}, err
	}
	if avgMs.Valid {
		sum.AvgDuration = time.Duration(avgMs.Float64 * float64(time.Millisecond))
	}
	return sum, nil
}

func (s *Postgres) DeleteFinished(ctx context.Context, f DeleteFilter) (int64, error) {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM enrichment_jobs
		WHERE status = ANY($1) AND updated_at < $2 AND ($3 = '' OR type = $3)`,
		jobs.Strings(f.Statuses), f.Before.UTC(), string(f.Type))
	if err != nil {
		return 0, fmt.Errorf("delete finished jobs: %w", err)
	}
	return res.RowsAffected()
}

func (s *Postgres) ReleaseStaleLocks(ctx context.Context, cutoff, now time.Time) (int64, error) {
	res, err := s.DB.ExecContext(ctx, `UPDATE enrichment_jobs SET
			status = 'retrying', worker_id = NULL, locked_at = NULL,
			next_retry_at = $2, updated_at = $2
		WHERE status = 'processing' AND locked_at < $1`,
		cutoff.UTC(), now.UTC())
	if err != nil {
		return 0, fmt.Errorf("release stale locks: %w", err)
	}
	return res.RowsAffected()
}

// StaleKeywords lists stored keywords whose metrics are older than the
// filter allows, oldest first.
func (s *Postgres) StaleKeywords(ctx context.Context, filter enrichment.StaleFilter, now time.Time) ([]enrichment.Keyword, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT keyword, locale FROM keyword_metrics
		WHERE fetched_at < $1 AND ($2 = '' OR locale = $2)
		ORDER BY fetched_at ASC
		LIMIT $3`,
		staleCutoff(filter, now), filter.Locale, staleLimit(filter))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []enrichment.Keyword
	for rows.Next() {
		var k enrichment.Keyword
		if err := rows.Scan(&k.Text, &k.Locale); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// SaveMetrics upserts metrics keyed by (keyword, locale).
func (s *Postgres) SaveMetrics(ctx context.Context, records []enrichment.KeywordMetrics) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO keyword_metrics
			(keyword, locale, volume, cpc, competition, difficulty, fetched_at, source)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (keyword, locale) DO UPDATE SET
			volume = EXCLUDED.volume,
			cpc = EXCLUDED.cpc,
			competition = EXCLUDED.competition,
			difficulty = EXCLUDED.difficulty,
			fetched_at = EXCLUDED.fetched_at,
			source = EXCLUDED.source`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, m := range latestMetrics(records) {
		if _, err := stmt.ExecContext(ctx, m.Keyword, m.Locale, m.Volume, m.CPC, m.Competition, m.Difficulty, m.FetchedAt.UTC(), string(m.Source)); err != nil {
			return fmt.Errorf("save metrics for %q: %w", m.Keyword, err)
		}
	}
	return tx.Commit()
}

func (s *Postgres) Ping(ctx context.Context) error {
	return s.DB.PingContext(ctx)
}

func (s *Postgres) Close() error {
	return s.DB.Close()
}
