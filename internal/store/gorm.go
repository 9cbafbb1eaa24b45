package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"kwenrich/internal/config"
	"kwenrich/internal/enrichment"
	"kwenrich/internal/jobs"
)

// jobRecord persists an enrichment job using GORM.
type jobRecord struct {
	ID           string `gorm:"primaryKey;size:36"`
	OwnerID      string `gorm:"size:128;not null;index"`
	Type         string `gorm:"size:32;not null"`
	Status       string `gorm:"size:32;not null;index:idx_enrichment_jobs_claim,priority:1"`
	Priority     int    `gorm:"not null;index:idx_enrichment_jobs_claim,priority:2"`
	Payload      []byte
	Config       []byte
	Progress     []byte
	RetryCount   int `gorm:"not null;default:0"`
	LastRetryAt  *time.Time
	NextRetryAt  *time.Time
	ScheduledFor *time.Time
	WorkerID     *string `gorm:"size:128"`
	LockedAt     *time.Time
	CreatedAt    time.Time `gorm:"not null;index:idx_enrichment_jobs_claim,priority:3"`
	UpdatedAt    time.Time `gorm:"not null"`
	StartedAt    *time.Time
	CompletedAt  *time.Time
	CancelledAt  *time.Time
	Result       []byte
	LastError    []byte
}

func (jobRecord) TableName() string {
	return "enrichment_jobs"
}

// metricRecord persists the latest metrics per keyword and locale.
type metricRecord struct {
	Keyword     string          `gorm:"primaryKey;size:255"`
	Locale      string          `gorm:"primaryKey;size:16"`
	Volume      int64           `gorm:"not null"`
	CPC         decimal.Decimal `gorm:"column:cpc;type:numeric(12,4)"`
	Competition float64         `gorm:"not null"`
	Difficulty  int             `gorm:"not null"`
	FetchedAt   time.Time       `gorm:"not null;index"`
	Source      string          `gorm:"size:16"`
}

func (metricRecord) TableName() string {
	return "keyword_metrics"
}

// Gorm is the Repository backed by GORM. It is used with sqlite for
// single-node deployments and tests, and can run on postgres as well.
type Gorm struct {
	db *gorm.DB
}

// claimAttempts bounds how often a claimer retries after losing the
// compare-and-set to another worker within one ClaimNextJob call.
const claimAttempts = 5

// OpenGorm opens a sqlite ("sqlite") or postgres ("gorm-postgres")
// database and migrates the schema.
func OpenGorm(cfg config.DatabaseConfig) (*Gorm, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(cfg.DSN)
	case "gorm-postgres":
		dialector = postgres.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("gorm store does not support driver %q", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if cfg.Driver == "sqlite" {
		// sqlite allows one writer; a single connection avoids SQLITE_BUSY.
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}

	return NewGorm(db)
}

// NewGorm wraps db and auto-migrates the job and metrics tables.
func NewGorm(db *gorm.DB) (*Gorm, error) {
	if db == nil {
		return nil, errors.New("gorm store requires a database handle")
	}
	if err := db.AutoMigrate(&jobRecord{}, &metricRecord{}); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Gorm{db: db}, nil
}

func toRecord(j *jobs.Job) (*jobRecord, error) {
	docs, err := encodeJob(j)
	if err != nil {
		return nil, err
	}
	rec := &jobRecord{
		ID:           j.ID.String(),
		OwnerID:      j.OwnerID,
		Type:         string(j.Type),
		Status:       string(j.Status),
		Priority:     int(j.Priority),
		Payload:      docs.payload,
		Config:       docs.config,
		Progress:     docs.progress,
		RetryCount:   j.RetryCount,
		LastRetryAt:  utcPtr(j.LastRetryAt),
		NextRetryAt:  utcPtr(j.NextRetryAt),
		ScheduledFor: utcPtr(j.ScheduledFor),
		LockedAt:     utcPtr(j.LockedAt),
		CreatedAt:    j.CreatedAt.UTC(),
		UpdatedAt:    j.UpdatedAt.UTC(),
		StartedAt:    utcPtr(j.StartedAt),
		CompletedAt:  utcPtr(j.CompletedAt),
		CancelledAt:  utcPtr(j.CancelledAt),
		Result:       docs.result,
		LastError:    docs.lastError,
	}
	if j.WorkerID != "" {
		w := j.WorkerID
		rec.WorkerID = &w
	}
	return rec, nil
}

func fromRecord(rec *jobRecord) (*jobs.Job, error) {
	id, err := uuid.Parse(rec.ID)
	if err != nil {
		return nil, fmt.Errorf("parse job id: %w", err)
	}
	j := &jobs.Job{
		ID:           id,
		OwnerID:      rec.OwnerID,
		Type:         jobs.Type(rec.Type),
		Status:       jobs.Status(rec.Status),
		Priority:     jobs.Priority(rec.Priority),
		RetryCount:   rec.RetryCount,
		LastRetryAt:  utcPtr(rec.LastRetryAt),
		NextRetryAt:  utcPtr(rec.NextRetryAt),
		ScheduledFor: utcPtr(rec.ScheduledFor),
		LockedAt:     utcPtr(rec.LockedAt),
		CreatedAt:    rec.CreatedAt.UTC(),
		UpdatedAt:    rec.UpdatedAt.UTC(),
		StartedAt:    utcPtr(rec.StartedAt),
		CompletedAt:  utcPtr(rec.CompletedAt),
		CancelledAt:  utcPtr(rec.CancelledAt),
	}
	if rec.WorkerID != nil {
		j.WorkerID = *rec.WorkerID
	}
	docs := jobDocs{
		payload:   rec.Payload,
		config:    rec.Config,
		progress:  rec.Progress,
		result:    rec.Result,
		lastError: rec.LastError,
	}
	if err := decodeJob(j, docs); err != nil {
		return nil, err
	}
	return j, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}

func (g *Gorm) InsertJob(ctx context.Context, j *jobs.Job) error {
	rec, err := toRecord(j)
	if err != nil {
		return err
	}
	if err := g.db.WithContext(ctx).Create(rec).Error; err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// InsertJobBounded counts and inserts inside one transaction. On postgres
// the transaction takes the admission advisory lock; sqlite runs on a
// single connection, which already serializes the transactions.
func (g *Gorm) InsertJobBounded(ctx context.Context, j *jobs.Job, maxInFlight int64) error {
	rec, err := toRecord(j)
	if err != nil {
		return err
	}
	return g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if maxInFlight > 0 {
			if tx.Dialector.Name() == "postgres" {
				if err := tx.Exec("SELECT pg_advisory_xact_lock(?)", int64(admissionLockKey)).Error; err != nil {
					return fmt.Errorf("admission lock: %w", err)
				}
			}
			var n int64
			if err := tx.Model(&jobRecord{}).Where("status IN ?", activeStatuses).Count(&n).Error; err != nil {
				return fmt.Errorf("count in-flight jobs: %w", err)
			}
			if n >= maxInFlight {
				return ErrCapacity
			}
		}
		if err := tx.Create(rec).Error; err != nil {
			return fmt.Errorf("insert job: %w", err)
		}
		return nil
	})
}

func (g *Gorm) GetJob(ctx context.Context, id uuid.UUID) (*jobs.Job, error) {
	var rec jobRecord
	err := g.db.WithContext(ctx).Where("id = ?", id.String()).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return fromRecord(&rec)
}

// ClaimNextJob picks a candidate and locks it with a conditional UPDATE
// that only matches while locked_at is still NULL. A claimer that loses
// the race moves on to the next candidate.
func (g *Gorm) ClaimNextJob(ctx context.Context, workerID string, now time.Time) (*jobs.Job, error) {
	db := g.db.WithContext(ctx)
	now = now.UTC()
	claimable := []string{string(jobs.StatusQueued), string(jobs.StatusRetrying)}

	for attempt := 0; attempt < claimAttempts; attempt++ {
		var candidates []jobRecord
		err := db.Select("id").
			Where("status IN ? AND locked_at IS NULL", claimable).
			Where("(next_retry_at IS NULL OR next_retry_at <= ?)", now).
			Where("(scheduled_for IS NULL OR scheduled_for <= ?)", now).
			Order("priority DESC, created_at ASC").
			Limit(1).
			Find(&candidates).Error
		if err != nil {
			return nil, fmt.Errorf("select candidate: %w", err)
		}
		if len(candidates) == 0 {
			return nil, nil
		}

		res := db.Model(&jobRecord{}).
			Where("id = ? AND locked_at IS NULL AND status IN ?", candidates[0].ID, claimable).
			Updates(map[string]any{
				"status":     string(jobs.StatusProcessing),
				"worker_id":  workerID,
				"locked_at":  now,
				"started_at": gorm.Expr("COALESCE(started_at, ?)", now),
				"updated_at": now,
			})
		if res.Error != nil {
			return nil, fmt.Errorf("claim job: %w", res.Error)
		}
		if res.RowsAffected == 1 {
			id, err := uuid.Parse(candidates[0].ID)
			if err != nil {
				return nil, err
			}
			return g.GetJob(ctx, id)
		}
	}
	return nil, nil
}

var activeStatuses = jobs.Strings(jobs.CancellableStatuses)

func (g *Gorm) updateActive(ctx context.Context, id uuid.UUID, workerID string, updates map[string]any) error {
	q := g.db.WithContext(ctx).Model(&jobRecord{}).
		Where("id = ? AND status IN ?", id.String(), activeStatuses)
	if workerID != "" {
		q = q.Where("status = ? AND worker_id = ?", string(jobs.StatusProcessing), workerID)
	}
	res := q.Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		return nil
	}
	j, err := g.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if err := guardError(j, workerID); err != nil {
		return err
	}
	return ErrFinalized
}

func (g *Gorm) UpdateProgress(ctx context.Context, id uuid.UUID, workerID string, p jobs.Progress, now time.Time) error {
	progress, err := encodeOptional(&p)
	if err != nil {
		return err
	}
	return g.updateActive(ctx, id, workerID, map[string]any{
		"progress":   progress,
		"updated_at": now.UTC(),
	})
}

func (g *Gorm) CompleteJob(ctx context.Context, id uuid.UUID, workerID string, result *jobs.Result, now time.Time) error {
	raw, err := encodeOptional(result)
	if err != nil {
		return err
	}
	now = now.UTC()
	return g.updateActive(ctx, id, workerID, map[string]any{
		"status":       string(jobs.StatusCompleted),
		"result":       raw,
		"completed_at": now,
		"updated_at":   now,
		"worker_id":    nil,
		"locked_at":    nil,
	})
}

func (g *Gorm) RetryJob(ctx context.Context, id uuid.UUID, workerID string, lastErr *jobs.ErrorInfo, nextRetryAt, now time.Time) error {
	raw, err := encodeOptional(lastErr)
	if err != nil {
		return err
	}
	now = now.UTC()
	return g.updateActive(ctx, id, workerID, map[string]any{
		"status":        string(jobs.StatusRetrying),
		"retry_count":   gorm.Expr("retry_count + 1"),
		"last_retry_at": now,
		"next_retry_at": nextRetryAt.UTC(),
		"last_error":    raw,
		"updated_at":    now,
		"worker_id":     nil,
		"locked_at":     nil,
	})
}

func (g *Gorm) FailJob(ctx context.Context, id uuid.UUID, workerID string, lastErr *jobs.ErrorInfo, now time.Time) error {
	raw, err := encodeOptional(lastErr)
	if err != nil {
		return err
	}
	now = now.UTC()
	return g.updateActive(ctx, id, workerID, map[string]any{
		"status":       string(jobs.StatusFailed),
		"last_error":   raw,
		"completed_at": now,
		"updated_at":   now,
		"worker_id":    nil,
		"locked_at":    nil,
	})
}

func (g *Gorm) CancelJob(ctx context.Context, id uuid.UUID, ownerID string, now time.Time) (int64, error) {
	now = now.UTC()
	q := g.db.WithContext(ctx).Model(&jobRecord{}).
		Where("id = ? AND status IN ?", id.String(), activeStatuses)
	if ownerID != "" {
		q = q.Where("owner_id = ?", ownerID)
	}
	res := q.Updates(map[string]any{
		"status":       string(jobs.StatusCancelled),
		"cancelled_at": now,
		"updated_at":   now,
		"worker_id":    nil,
		"locked_at":    nil,
	})
	if res.Error != nil {
		return 0, fmt.Errorf("cancel job: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func (g *Gorm) CountByStatus(ctx context.Context) (map[jobs.Status]int64, error) {
	var rows []struct {
		Status string
		Count  int64
	}
	err := g.db.WithContext(ctx).Model(&jobRecord{}).
		Select("status, COUNT(*) AS count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[jobs.Status]int64, len(rows))
	for _, r := range rows {
		out[jobs.Status(r.Status)] = r.Count
	}
	return out, nil
}

func (g *Gorm) CountAhead(ctx context.Context, j *jobs.Job) (int64, error) {
	var n int64
	err := g.db.WithContext(ctx).Model(&jobRecord{}).
		Where("status IN ? AND id <> ?", []string{string(jobs.StatusQueued), string(jobs.StatusRetrying)}, j.ID.String()).
		Where("(priority > ? OR (priority = ? AND created_at < ?))", int(j.Priority), int(j.Priority), j.CreatedAt.UTC()).
		Count(&n).Error
	return n, err
}

func (g *Gorm) ProcessingSummary(ctx context.Context, since time.Time) (Summary, error) {
	var rows []jobRecord
	err := g.db.WithContext(ctx).
		Select("status, started_at, completed_at").
		Where("status IN ? AND updated_at >= ?", []string{string(jobs.StatusCompleted), string(jobs.StatusFailed)}, since.UTC()).
		Find(&rows).Error
	if err != nil {
		return Summary{}, err
	}
	return summarize(rows), nil
}

func summarize(rows []jobRecord) Summary {
	var (
		sum   Summary
		total time.Duration
		timed int64
	)
	for _, r := range rows {
		switch jobs.Status(r.Status) {
		case jobs.StatusCompleted:
			sum.Completed++
			if r.StartedAt != nil && r.CompletedAt != nil {
				total += r.CompletedAt.Sub(*r.StartedAt)
				timed++
			}
		case jobs.StatusFailed:
			sum.Failed++
		}
	}
	if timed > 0 {
		sum.AvgDuration = total / time.Duration(timed)
	}
	return sum
}

func (g *Gorm) DeleteFinished(ctx context.Context, f DeleteFilter) (int64, error) {
	q := g.db.WithContext(ctx).
		Where("status IN ? AND updated_at < ?", jobs.Strings(f.Statuses), f.Before.UTC())
	if f.Type != "" {
		q = q.Where("type = ?", string(f.Type))
	}
	res := q.Delete(&jobRecord{})
	if res.Error != nil {
		return 0, fmt.Errorf("delete finished jobs: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func (g *Gorm) ReleaseStaleLocks(ctx context.Context, cutoff, now time.Time) (int64, error) {
	now = now.UTC()
	res := g.db.WithContext(ctx).Model(&jobRecord{}).
		Where("status = ? AND locked_at < ?", string(jobs.StatusProcessing), cutoff.UTC()).
		Updates(map[string]any{
			"status":        string(jobs.StatusRetrying),
			"worker_id":     nil,
			"locked_at":     nil,
			"next_retry_at": now,
			"updated_at":    now,
		})
	if res.Error != nil {
		return 0, fmt.Errorf("release stale locks: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func (g *Gorm) StaleKeywords(ctx context.Context, filter enrichment.StaleFilter, now time.Time) ([]enrichment.Keyword, error) {
	q := g.db.WithContext(ctx).
		Where("fetched_at < ?", staleCutoff(filter, now))
	if filter.Locale != "" {
		q = q.Where("locale = ?", filter.Locale)
	}

	var rows []metricRecord
	if err := q.Order("fetched_at ASC").Limit(staleLimit(filter)).Find(&rows).Error; err != nil {
		return nil, err
	}

	out := make([]enrichment.Keyword, 0, len(rows))
	for _, r := range rows {
		out = append(out, enrichment.Keyword{Text: r.Keyword, Locale: r.Locale})
	}
	return out, nil
}

func (g *Gorm) SaveMetrics(ctx context.Context, records []enrichment.KeywordMetrics) error {
	if len(records) == 0 {
		return nil
	}
	records = latestMetrics(records)
	rows := make([]metricRecord, 0, len(records))
	for _, m := range records {
		rows = append(rows, metricRecord{
			Keyword:     m.Keyword,
			Locale:      m.Locale,
			Volume:      m.Volume,
			CPC:         m.CPC,
			Competition: m.Competition,
			Difficulty:  m.Difficulty,
			FetchedAt:   m.FetchedAt.UTC(),
			Source:      string(m.Source),
		})
	}
	return g.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "keyword"}, {Name: "locale"}},
			UpdateAll: true,
		}).
		Create(&rows).Error
}

func (g *Gorm) Ping(ctx context.Context) error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (g *Gorm) Close() error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
