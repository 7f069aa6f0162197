package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"ripline/internal/config"
)

// Store persists jobs in SQLite.
type Store struct {
	db   *sql.DB
	path string
}

const (
	sqliteBusyCode          = 5
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond
)

const jobColumns = "id, seq, source_path, output_dir, device, profile_json, media_kind, disc_title, fingerprint, status, progress, message, scratch_dir, output_files, error_message, created_at, updated_at, started_at, extracted_at, finished_at"

// Open initializes or connects to the job database.
func Open(cfg *config.Config) (*Store, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("ensure directories: %w", err)
	}

	dbPath := cfg.QueueDBPath()
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	store := &Store{db: db, path: dbPath}
	if err := store.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Path returns the database file location.
func (s *Store) Path() string {
	return s.path
}

// Save inserts or updates a job.
func (s *Store) Save(ctx context.Context, job *Job) error {
	if job == nil {
		return errors.New("job is nil")
	}
	profile, err := json.Marshal(job.Profile)
	if err != nil {
		return fmt.Errorf("marshal profile: %w", err)
	}
	var outputs any
	if len(job.OutputFiles) > 0 {
		raw, err := json.Marshal(job.OutputFiles)
		if err != nil {
			return fmt.Errorf("marshal outputs: %w", err)
		}
		outputs = string(raw)
	}
	if job.UpdatedAt.IsZero() {
		job.UpdatedAt = time.Now().UTC()
	}

	err = s.exec(ctx,
		`INSERT INTO jobs (`+jobColumns+`)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
         ON CONFLICT(id) DO UPDATE SET
             seq = excluded.seq, source_path = excluded.source_path, output_dir = excluded.output_dir,
             device = excluded.device, profile_json = excluded.profile_json, media_kind = excluded.media_kind,
             disc_title = excluded.disc_title, fingerprint = excluded.fingerprint, status = excluded.status,
             progress = excluded.progress, message = excluded.message, scratch_dir = excluded.scratch_dir,
             output_files = excluded.output_files, error_message = excluded.error_message,
             updated_at = excluded.updated_at, started_at = excluded.started_at,
             extracted_at = excluded.extracted_at, finished_at = excluded.finished_at`,
		job.ID,
		job.Seq,
		job.SourcePath,
		job.OutputDir,
		nullableString(job.Device),
		string(profile),
		nullableString(job.MediaKind),
		nullableString(job.DiscTitle),
		nullableString(job.Fingerprint),
		job.Status,
		job.Progress,
		nullableString(job.Message),
		nullableString(job.ScratchDir),
		outputs,
		nullableString(job.Error),
		formatTime(job.CreatedAt),
		formatTime(job.UpdatedAt),
		nullableTime(job.StartedAt),
		nullableTime(job.ExtractedAt),
		nullableTime(job.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("save job %s: %w", job.ID, err)
	}
	return nil
}

// Get fetches a job by id. A missing job returns nil without error.
func (s *Store) Get(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// List returns jobs in enqueue order, optionally filtered by status.
func (s *Store) List(ctx context.Context, statuses ...Status) ([]*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs`
	args := make([]any, 0, len(statuses))
	if len(statuses) > 0 {
		query += ` WHERE status IN (` + makePlaceholders(len(statuses)) + `)`
		for _, status := range statuses {
			args = append(args, status)
		}
	}
	rows, err := s.db.QueryContext(ctx, query+` ORDER BY seq`, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// Remove deletes a job.
func (s *Store) Remove(ctx context.Context, id string) (bool, error) {
	var affected int64
	err := retryOnBusy(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return false, fmt.Errorf("delete job: %w", err)
	}
	return affected > 0, nil
}

// Stats returns job counts grouped by status.
func (s *Store) Stats(ctx context.Context) (map[Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(1) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("job stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[Status]int)
	for rows.Next() {
		var status Status
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats[status] = count
	}
	return stats, rows.Err()
}

// RecoveryResult counts the jobs Recover rewrote.
type RecoveryResult struct {
	Interrupted int
	Requeued    int
}

// Recover repairs jobs that were in flight when the daemon stopped.
// Extractions cannot resume mid-disc, so they fail. Conversions go back to
// extracted when their scratch directory still exists and fail otherwise.
func (s *Store) Recover(ctx context.Context) (RecoveryResult, error) {
	var result RecoveryResult
	jobs, err := s.List(ctx, StatusExtracting, StatusConverting)
	if err != nil {
		return result, err
	}
	now := time.Now().UTC()
	for _, job := range jobs {
		job.UpdatedAt = now
		job.Progress = 0
		switch {
		case job.Status == StatusConverting && dirExists(job.ScratchDir):
			job.Status = StatusExtracted
			job.Message = "conversion restarted after daemon restart"
			result.Requeued++
		case job.Status == StatusConverting:
			job.SetFailed(StatusFailed, "scratch data missing after daemon restart", now)
			result.Interrupted++
		default:
			job.SetFailed(StatusFailed, InterruptedReason, now)
			result.Interrupted++
		}
		if err := s.Save(ctx, job); err != nil {
			return result, err
		}
	}
	return result, nil
}

// CheckHealth pings the database and counts jobs.
func (s *Store) CheckHealth(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := s.db.PingContext(ctx); err != nil {
		return 0, fmt.Errorf("ping job database: %w", err)
	}
	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM jobs`).Scan(&total); err != nil {
		return 0, fmt.Errorf("count jobs: %w", err)
	}
	return total, nil
}

func (s *Store) exec(ctx context.Context, query string, args ...any) error {
	return retryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, query, args...)
		return err
	})
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code() == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func retryOnBusy(ctx context.Context, op func() error) error {
	delay := busyRetryInitialBackoff
	var lastErr error
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !isSQLiteBusy(lastErr) || attempt == busyRetryAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay = min(delay*2, busyRetryMaxBackoff)
	}
	return lastErr
}

func scanJob(scanner interface{ Scan(dest ...any) error }) (*Job, error) {
	var (
		job                                        Job
		device, mediaKind, discTitle, fingerprint  sql.NullString
		message, scratchDir, outputs, errorMessage sql.NullString
		startedRaw, extractedRaw, finishedRaw      sql.NullString
		profileRaw, createdRaw, updatedRaw, status string
	)
	if err := scanner.Scan(
		&job.ID, &job.Seq, &job.SourcePath, &job.OutputDir, &device, &profileRaw,
		&mediaKind, &discTitle, &fingerprint, &status, &job.Progress, &message,
		&scratchDir, &outputs, &errorMessage, &createdRaw, &updatedRaw,
		&startedRaw, &extractedRaw, &finishedRaw,
	); err != nil {
		return nil, err
	}
	job.Device = device.String
	job.MediaKind = mediaKind.String
	job.DiscTitle = discTitle.String
	job.Fingerprint = fingerprint.String
	job.Status = Status(status)
	job.Message = message.String
	job.ScratchDir = scratchDir.String
	job.Error = errorMessage.String
	if err := json.Unmarshal([]byte(profileRaw), &job.Profile); err != nil {
		return nil, fmt.Errorf("decode profile for %s: %w", job.ID, err)
	}
	if outputs.Valid && outputs.String != "" {
		if err := json.Unmarshal([]byte(outputs.String), &job.OutputFiles); err != nil {
			return nil, fmt.Errorf("decode outputs for %s: %w", job.ID, err)
		}
	}
	job.CreatedAt, _ = parseTimeString(createdRaw)
	job.UpdatedAt, _ = parseTimeString(updatedRaw)
	job.StartedAt = parseNullableTime(startedRaw)
	job.ExtractedAt = parseNullableTime(extractedRaw)
	job.FinishedAt = parseNullableTime(finishedRaw)
	return &job, nil
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func nullableTime(value *time.Time) any {
	if value == nil {
		return nil
	}
	return formatTime(*value)
}

func parseTimeString(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, errors.New("empty")
	}
	return time.Parse(time.RFC3339Nano, value)
}

func parseNullableTime(value sql.NullString) *time.Time {
	if !value.Valid {
		return nil
	}
	t, err := parseTimeString(value.String)
	if err != nil {
		return nil
	}
	return &t
}

func makePlaceholders(count int) string {
	if count <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", count), ",")
}

func dirExists(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
