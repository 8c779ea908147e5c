package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/eclipse/openvsx-scan-orchestrator/internal/domain/scanning"
	"github.com/eclipse/openvsx-scan-orchestrator/internal/infra/storage"
)

var _ scanning.ScannerJobRepository = (*scannerJobStore)(nil)

// scannerJobStore persists one job per (scan, scanner type).
type scannerJobStore struct {
	db     *pgxpool.Pool
	tracer trace.Tracer
}

// NewScannerJobStore creates a PostgreSQL-backed scanner job repository.
func NewScannerJobStore(pool *pgxpool.Pool, tracer trace.Tracer) *scannerJobStore {
	return &scannerJobStore{db: pool, tracer: tracer}
}

const jobColumns = `id, scan_id, scanner_type, extension_version_id, status, external_job_id,
	poll_attempts, poll_lease_until, recovery_in_progress, error_message, created_at, updated_at`

func jobAttrs(scanID int64, scannerType string) []attribute.KeyValue {
	return storage.DBAttributes("scanner_jobs",
		attribute.Int64("scan_id", scanID),
		attribute.String("scanner_type", scannerType),
	)
}

// FindOrCreateJob relies on the (scan_id, scanner_type) unique constraint so
// concurrent creators converge on one row.
func (s *scannerJobStore) FindOrCreateJob(
	ctx context.Context,
	job *scanning.ScannerJob,
) (*scanning.ScannerJob, bool, error) {
	var (
		out     *scanning.ScannerJob
		created bool
	)
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.find_or_create_scanner_job",
		jobAttrs(job.ScanID(), job.ScannerType()),
		func(ctx context.Context) error {
			row := s.db.QueryRow(ctx, `
				INSERT INTO scanner_jobs (
					scan_id, scanner_type, extension_version_id, status, external_job_id,
					poll_attempts, poll_lease_until, recovery_in_progress, error_message, created_at, updated_at
				) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
				ON CONFLICT (scan_id, scanner_type) DO NOTHING
				RETURNING `+jobColumns,
				job.ScanID(), job.ScannerType(), job.ExtensionVersionID(), job.Status().String(),
				job.ExternalJobID(), job.PollAttempts(), nullableTime(job.PollLeaseUntil()),
				job.RecoveryInProgress(), job.ErrorMessage(), job.CreatedAt(), job.UpdatedAt(),
			)
			var err error
			out, err = jobRow(row)
			if err == nil {
				created = true
				return nil
			}
			if !errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("FindOrCreateJob insert error: %w", err)
			}

			out, err = jobRow(s.db.QueryRow(ctx,
				`SELECT `+jobColumns+` FROM scanner_jobs WHERE scan_id = $1 AND scanner_type = $2`,
				job.ScanID(), job.ScannerType()))
			if err != nil {
				return fmt.Errorf("FindOrCreateJob select error: %w", err)
			}
			return nil
		})
	return out, created, err
}

func (s *scannerJobStore) GetJob(ctx context.Context, scanID int64, scannerType string) (*scanning.ScannerJob, error) {
	var job *scanning.ScannerJob
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.get_scanner_job", jobAttrs(scanID, scannerType),
		func(ctx context.Context) error {
			var err error
			job, err = jobRow(s.db.QueryRow(ctx,
				`SELECT `+jobColumns+` FROM scanner_jobs WHERE scan_id = $1 AND scanner_type = $2`,
				scanID, scannerType))
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("scanner job %d/%s: %w", scanID, scannerType, scanning.ErrScannerJobNotFound)
			}
			return err
		})
	return job, err
}

func (s *scannerJobStore) UpdateJob(
	ctx context.Context,
	scanID int64,
	scannerType string,
	mutate func(*scanning.ScannerJob) error,
) (*scanning.ScannerJob, error) {
	var job *scanning.ScannerJob
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.update_scanner_job", jobAttrs(scanID, scannerType),
		func(ctx context.Context) error {
			return storage.InTx(ctx, s.db, func(tx pgx.Tx) error {
				var err error
				job, err = jobRow(tx.QueryRow(ctx,
					`SELECT `+jobColumns+` FROM scanner_jobs WHERE scan_id = $1 AND scanner_type = $2 FOR UPDATE`,
					scanID, scannerType))
				if errors.Is(err, pgx.ErrNoRows) {
					return fmt.Errorf("scanner job %d/%s: %w", scanID, scannerType, scanning.ErrScannerJobNotFound)
				}
				if err != nil {
					return err
				}

				if err := mutate(job); err != nil {
					return err
				}

				if _, err := tx.Exec(ctx, `
					UPDATE scanner_jobs
					SET status = $2, external_job_id = $3, poll_attempts = $4, poll_lease_until = $5,
						recovery_in_progress = $6, error_message = $7, updated_at = $8
					WHERE id = $1`,
					job.ID(), job.Status().String(), job.ExternalJobID(), job.PollAttempts(),
					nullableTime(job.PollLeaseUntil()), job.RecoveryInProgress(), job.ErrorMessage(), job.UpdatedAt(),
				); err != nil {
					return fmt.Errorf("UpdateJob query error: %w", err)
				}
				return nil
			})
		})
	if err != nil {
		return nil, err
	}
	return job, nil
}

func (s *scannerJobStore) ListJobsByScan(ctx context.Context, scanID int64) ([]*scanning.ScannerJob, error) {
	dbAttrs := storage.DBAttributes("scanner_jobs", attribute.Int64("scan_id", scanID))
	var jobs []*scanning.ScannerJob
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.list_scanner_jobs_by_scan", dbAttrs,
		func(ctx context.Context) error {
			var err error
			jobs, err = s.queryJobs(ctx,
				`SELECT `+jobColumns+` FROM scanner_jobs WHERE scan_id = $1 ORDER BY scanner_type`, scanID)
			return err
		})
	return jobs, err
}

func (s *scannerJobStore) ListJobsByStatus(
	ctx context.Context,
	statuses ...scanning.ScannerJobStatus,
) ([]*scanning.ScannerJob, error) {
	names := make([]string, len(statuses))
	for i, st := range statuses {
		names[i] = st.String()
	}
	dbAttrs := storage.DBAttributes("scanner_jobs", attribute.StringSlice("statuses", names))

	var jobs []*scanning.ScannerJob
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.list_scanner_jobs_by_status", dbAttrs,
		func(ctx context.Context) error {
			var err error
			jobs, err = s.queryJobs(ctx,
				`SELECT `+jobColumns+` FROM scanner_jobs WHERE status = ANY($1) ORDER BY scan_id, scanner_type`, names)
			return err
		})
	return jobs, err
}

func (s *scannerJobStore) queryJobs(ctx context.Context, sql string, args ...any) ([]*scanning.ScannerJob, error) {
	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("scanner job query error: %w", err)
	}
	defer rows.Close()

	var jobs []*scanning.ScannerJob
	for rows.Next() {
		job, err := jobRow(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func jobRow(row pgx.Row) (*scanning.ScannerJob, error) {
	var (
		id, scanID, versionID int64
		scannerType, status   string
		externalJobID, errMsg string
		pollAttempts          int
		leaseUntil            pgtype.Timestamptz
		recovery              bool
		createdAt, updatedAt  time.Time
	)
	if err := row.Scan(
		&id, &scanID, &scannerType, &versionID, &status, &externalJobID,
		&pollAttempts, &leaseUntil, &recovery, &errMsg, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}

	parsed := scanning.ParseScannerJobStatus(status)
	if parsed == "" {
		return nil, fmt.Errorf("scanner job %d has unknown status %q", id, status)
	}
	return scanning.ReconstructScannerJob(
		id, scanID, scannerType, versionID, parsed, externalJobID,
		pollAttempts, timeOrZero(leaseUntil), recovery, errMsg, createdAt, updatedAt,
	), nil
}
