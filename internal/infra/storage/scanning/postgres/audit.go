package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/eclipse/openvsx-scan-orchestrator/internal/domain/scanning"
	"github.com/eclipse/openvsx-scan-orchestrator/internal/infra/storage"
)

var _ scanning.AuditRepository = (*auditStore)(nil)

// auditStore persists the append-only audit trail of a scan.
type auditStore struct {
	db     *pgxpool.Pool
	tracer trace.Tracer
}

// NewAuditStore creates a PostgreSQL-backed audit repository.
func NewAuditStore(pool *pgxpool.Pool, tracer trace.Tracer) *auditStore {
	return &auditStore{db: pool, tracer: tracer}
}

func (s *auditStore) RecordCheckResult(ctx context.Context, result *scanning.CheckResult) error {
	dbAttrs := storage.DBAttributes("scan_check_results",
		attribute.Int64("scan_id", result.ScanID),
		attribute.String("check_type", result.CheckType),
		attribute.String("result", string(result.Result)),
	)

	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.record_check_result", dbAttrs, func(ctx context.Context) error {
		err := s.db.QueryRow(ctx, `
			INSERT INTO scan_check_results (
				scan_id, check_type, result, enforced, required, action,
				duration_ms, summary, error_message, created_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			RETURNING id`,
			result.ScanID, result.CheckType, string(result.Result), result.Enforced, result.Required,
			string(result.Action), result.Duration.Milliseconds(), result.Summary, result.ErrorMessage, result.CreatedAt,
		).Scan(&result.ID)
		if err != nil {
			return fmt.Errorf("RecordCheckResult insert error: %w", err)
		}
		return nil
	})
}

func (s *auditStore) RecordValidationFailures(ctx context.Context, failures []scanning.ValidationFailure) error {
	if len(failures) == 0 {
		return nil
	}
	dbAttrs := storage.DBAttributes("scan_validation_failures",
		attribute.Int64("scan_id", failures[0].ScanID),
		attribute.Int("count", len(failures)),
	)

	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.record_validation_failures", dbAttrs, func(ctx context.Context) error {
		batch := new(pgx.Batch)
		for _, f := range failures {
			batch.Queue(`
				INSERT INTO scan_validation_failures (scan_id, check_type, rule_name, reason, enforced, created_at)
				VALUES ($1, $2, $3, $4, $5, $6)`,
				f.ScanID, f.CheckType, f.RuleName, f.Reason, f.Enforced, f.CreatedAt)
		}
		return s.sendBatch(ctx, batch)
	})
}

// ReplaceThreats swaps the findings of one scanner for a scan atomically, so
// a redelivered result never duplicates threats.
func (s *auditStore) ReplaceThreats(
	ctx context.Context,
	scanID int64,
	scannerType string,
	threats []scanning.Threat,
) error {
	dbAttrs := storage.DBAttributes("scan_threats",
		attribute.Int64("scan_id", scanID),
		attribute.String("scanner_type", scannerType),
		attribute.Int("count", len(threats)),
	)

	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.replace_threats", dbAttrs, func(ctx context.Context) error {
		batch := new(pgx.Batch)
		batch.Queue(`DELETE FROM scan_threats WHERE scan_id = $1 AND scanner_type = $2`, scanID, scannerType)
		for _, t := range threats {
			batch.Queue(`
				INSERT INTO scan_threats (
					scan_id, scanner_type, name, description, severity, file_path, file_hash, enforced, created_at
				) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
				scanID, scannerType, t.Name, t.Description, t.Severity, t.FilePath, t.FileHash, t.Enforced, t.CreatedAt)
		}
		return s.sendBatch(ctx, batch)
	})
}

func (s *auditStore) RecordAdminDecision(ctx context.Context, decision *scanning.AdminDecision) error {
	dbAttrs := storage.DBAttributes("scan_admin_decisions",
		attribute.Int64("scan_id", decision.ScanID),
		attribute.String("decision", decision.Decision),
	)

	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.record_admin_decision", dbAttrs, func(ctx context.Context) error {
		err := s.db.QueryRow(ctx, `
			INSERT INTO scan_admin_decisions (scan_id, decision, decided_by, created_at)
			VALUES ($1, $2, $3, $4)
			RETURNING id`,
			decision.ScanID, decision.Decision, decision.DecidedBy, decision.CreatedAt,
		).Scan(&decision.ID)
		if err != nil {
			return fmt.Errorf("RecordAdminDecision insert error: %w", err)
		}
		return nil
	})
}

// sendBatch runs batch inside one transaction.
func (s *auditStore) sendBatch(ctx context.Context, batch *pgx.Batch) error {
	return storage.InTx(ctx, s.db, func(tx pgx.Tx) error {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("batch insert error: %w", err)
		}
		return nil
	})
}

func (s *auditStore) ListCheckResults(ctx context.Context, scanID int64) ([]scanning.CheckResult, error) {
	var out []scanning.CheckResult
	err := s.list(ctx, "postgres.list_check_results", "scan_check_results", scanID, `
		SELECT id, scan_id, check_type, result, enforced, required, action,
			duration_ms, summary, error_message, created_at
		FROM scan_check_results WHERE scan_id = $1 ORDER BY id`,
		func(rows pgx.Rows) error {
			var (
				r          scanning.CheckResult
				result     string
				action     string
				durationMS int64
			)
			if err := rows.Scan(&r.ID, &r.ScanID, &r.CheckType, &result, &r.Enforced, &r.Required,
				&action, &durationMS, &r.Summary, &r.ErrorMessage, &r.CreatedAt); err != nil {
				return err
			}
			r.Result = scanning.CheckResultStatus(result)
			r.Action = scanning.CheckAction(action)
			r.Duration = time.Duration(durationMS) * time.Millisecond
			out = append(out, r)
			return nil
		})
	return out, err
}

func (s *auditStore) ListValidationFailures(ctx context.Context, scanID int64) ([]scanning.ValidationFailure, error) {
	var out []scanning.ValidationFailure
	err := s.list(ctx, "postgres.list_validation_failures", "scan_validation_failures", scanID, `
		SELECT id, scan_id, check_type, rule_name, reason, enforced, created_at
		FROM scan_validation_failures WHERE scan_id = $1 ORDER BY id`,
		func(rows pgx.Rows) error {
			var f scanning.ValidationFailure
			if err := rows.Scan(&f.ID, &f.ScanID, &f.CheckType, &f.RuleName, &f.Reason, &f.Enforced, &f.CreatedAt); err != nil {
				return err
			}
			out = append(out, f)
			return nil
		})
	return out, err
}

func (s *auditStore) ListThreats(ctx context.Context, scanID int64) ([]scanning.Threat, error) {
	var out []scanning.Threat
	err := s.list(ctx, "postgres.list_threats", "scan_threats", scanID, `
		SELECT id, scan_id, scanner_type, name, description, severity, file_path, file_hash, enforced, created_at
		FROM scan_threats WHERE scan_id = $1 ORDER BY id`,
		func(rows pgx.Rows) error {
			var t scanning.Threat
			if err := rows.Scan(&t.ID, &t.ScanID, &t.ScannerType, &t.Name, &t.Description, &t.Severity,
				&t.FilePath, &t.FileHash, &t.Enforced, &t.CreatedAt); err != nil {
				return err
			}
			out = append(out, t)
			return nil
		})
	return out, err
}

func (s *auditStore) ListAdminDecisions(ctx context.Context, scanID int64) ([]scanning.AdminDecision, error) {
	var out []scanning.AdminDecision
	err := s.list(ctx, "postgres.list_admin_decisions", "scan_admin_decisions", scanID, `
		SELECT id, scan_id, decision, decided_by, created_at
		FROM scan_admin_decisions WHERE scan_id = $1 ORDER BY id`,
		func(rows pgx.Rows) error {
			var d scanning.AdminDecision
			if err := rows.Scan(&d.ID, &d.ScanID, &d.Decision, &d.DecidedBy, &d.CreatedAt); err != nil {
				return err
			}
			out = append(out, d)
			return nil
		})
	return out, err
}

func (s *auditStore) list(
	ctx context.Context,
	spanName string,
	table string,
	scanID int64,
	sql string,
	scanFn func(pgx.Rows) error,
) error {
	dbAttrs := storage.DBAttributes(table, attribute.Int64("scan_id", scanID))
	return storage.ExecuteAndTrace(ctx, s.tracer, spanName, dbAttrs, func(ctx context.Context) error {
		rows, err := s.db.Query(ctx, sql, scanID)
		if err != nil {
			return fmt.Errorf("%s query error: %w", spanName, err)
		}
		defer rows.Close()

		for rows.Next() {
			if err := scanFn(rows); err != nil {
				return err
			}
		}
		return rows.Err()
	})
}
