// Package postgres implements the scanning repositories on PostgreSQL.
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

var _ scanning.ScanRepository = (*scanStore)(nil)

// scanStore persists extension scans.
type scanStore struct {
	db     *pgxpool.Pool
	tracer trace.Tracer
}

// NewScanStore creates a PostgreSQL-backed scan repository.
func NewScanStore(pool *pgxpool.Pool, tracer trace.Tracer) *scanStore {
	return &scanStore{db: pool, tracer: tracer}
}

const scanColumns = `id, extension_version_id, namespace_name, extension_name, extension_version,
	target_platform, display_name, publisher, status, error_message, started_at, completed_at, updated_at`

func (s *scanStore) CreateScan(ctx context.Context, scan *scanning.Scan) error {
	dbAttrs := storage.DBAttributes("extension_scans",
		attribute.Int64("extension_version_id", scan.ExtensionVersionID()),
		attribute.String("status", scan.Status().String()),
	)

	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.create_scan", dbAttrs, func(ctx context.Context) error {
		ext := scan.Extension()
		var id int64
		err := s.db.QueryRow(ctx, `
			INSERT INTO extension_scans (
				extension_version_id, namespace_name, extension_name, extension_version,
				target_platform, display_name, publisher, status, error_message,
				started_at, completed_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			RETURNING id`,
			scan.ExtensionVersionID(), ext.Namespace, ext.Name, ext.Version,
			ext.TargetPlatform, ext.DisplayName, scan.Publisher(), scan.Status().String(), scan.ErrorMessage(),
			scan.StartedAt(), nullableTime(scan.CompletedAt()), scan.LastUpdate(),
		).Scan(&id)
		if err != nil {
			return fmt.Errorf("CreateScan insert error: %w", err)
		}
		scan.AssignID(id)
		return nil
	})
}

func (s *scanStore) GetScan(ctx context.Context, scanID int64) (*scanning.Scan, error) {
	dbAttrs := storage.DBAttributes("extension_scans", attribute.Int64("scan_id", scanID))

	var scan *scanning.Scan
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.get_scan", dbAttrs, func(ctx context.Context) error {
		row := s.db.QueryRow(ctx, `SELECT `+scanColumns+` FROM extension_scans WHERE id = $1`, scanID)
		var err error
		scan, err = scanRow(row)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("scan %d: %w", scanID, scanning.ErrScanNotFound)
		}
		return err
	})
	return scan, err
}

// UpdateScan locks the scan row for the duration of mutate, so concurrent
// updates of the same scan are serialized.
func (s *scanStore) UpdateScan(
	ctx context.Context,
	scanID int64,
	mutate func(*scanning.Scan) error,
) (*scanning.Scan, error) {
	dbAttrs := storage.DBAttributes("extension_scans", attribute.Int64("scan_id", scanID))

	var scan *scanning.Scan
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.update_scan", dbAttrs, func(ctx context.Context) error {
		return storage.InTx(ctx, s.db, func(tx pgx.Tx) error {
			row := tx.QueryRow(ctx, `SELECT `+scanColumns+` FROM extension_scans WHERE id = $1 FOR UPDATE`, scanID)
			var err error
			scan, err = scanRow(row)
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("scan %d: %w", scanID, scanning.ErrScanNotFound)
			}
			if err != nil {
				return err
			}

			if err := mutate(scan); err != nil {
				return err
			}

			if _, err := tx.Exec(ctx, `
				UPDATE extension_scans
				SET status = $2, error_message = $3, completed_at = $4, updated_at = $5
				WHERE id = $1`,
				scanID, scan.Status().String(), scan.ErrorMessage(), nullableTime(scan.CompletedAt()), scan.LastUpdate(),
			); err != nil {
				return fmt.Errorf("UpdateScan query error: %w", err)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return scan, nil
}

func (s *scanStore) ListScansByStatus(ctx context.Context, statuses ...scanning.ScanStatus) ([]*scanning.Scan, error) {
	names := make([]string, len(statuses))
	for i, st := range statuses {
		names[i] = st.String()
	}
	dbAttrs := storage.DBAttributes("extension_scans", attribute.StringSlice("statuses", names))

	var scans []*scanning.Scan
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.list_scans_by_status", dbAttrs, func(ctx context.Context) error {
		rows, err := s.db.Query(ctx,
			`SELECT `+scanColumns+` FROM extension_scans WHERE status = ANY($1) ORDER BY id`, names)
		if err != nil {
			return fmt.Errorf("ListScansByStatus query error: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			scan, err := scanRow(rows)
			if err != nil {
				return err
			}
			scans = append(scans, scan)
		}
		return rows.Err()
	})
	return scans, err
}

func scanRow(row pgx.Row) (*scanning.Scan, error) {
	var (
		id, versionID        int64
		ext                  scanning.ExtensionIdentity
		publisher, status    string
		errMsg               string
		startedAt, updatedAt time.Time
		completedAt          pgtype.Timestamptz
	)
	if err := row.Scan(
		&id, &versionID, &ext.Namespace, &ext.Name, &ext.Version,
		&ext.TargetPlatform, &ext.DisplayName, &publisher, &status, &errMsg,
		&startedAt, &completedAt, &updatedAt,
	); err != nil {
		return nil, err
	}

	parsed := scanning.ParseScanStatus(status)
	if parsed == "" {
		return nil, fmt.Errorf("scan %d has unknown status %q", id, status)
	}
	return scanning.ReconstructScan(
		id, versionID, ext, publisher, parsed, errMsg,
		scanning.ReconstructTimeline(startedAt, timeOrZero(completedAt), updatedAt),
	), nil
}

func nullableTime(t time.Time) pgtype.Timestamptz {
	return pgtype.Timestamptz{Time: t, Valid: !t.IsZero()}
}

func timeOrZero(t pgtype.Timestamptz) time.Time {
	if !t.Valid {
		return time.Time{}
	}
	return t.Time
}
