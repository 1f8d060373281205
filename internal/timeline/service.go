package timeline

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// Supported database/sql driver names.
const (
	DriverModernc = "sqlite"
	DriverCGO     = "sqlite3"
)

// ErrApprovalNotFound is returned when updating an unknown approval.
var ErrApprovalNotFound = errors.New("approval not found")

// Service is the sqlite-backed event log. Records can only be appended.
type Service struct {
	db *sql.DB
}

// NewService opens the log at dbPath with the pure-Go driver.
func NewService(dbPath string) (*Service, error) {
	return Open(DriverModernc, dbPath)
}

// Open opens the log at path with the named driver, applies the schema and
// expires approvals left pending by a previous process.
func Open(driver, path string) (*Service, error) {
	dsn, err := dataSource(driver, path)
	if err != nil {
		return nil, err
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create timeline dir: %w", err)
		}
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open timeline db: %w", err)
	}
	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	s := &Service{db: db}
	if n, err := s.expireStale(context.Background()); err != nil {
		slog.Warn("Failed to expire stale approvals", "error", err)
	} else if n > 0 {
		slog.Info("Expired stale approvals", "count", n)
	}
	return s, nil
}

func dataSource(driver, path string) (string, error) {
	switch driver {
	case DriverModernc:
		return "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", nil
	case DriverCGO:
		return "file:" + path + "?_journal_mode=WAL&_busy_timeout=5000", nil
	default:
		return "", fmt.Errorf("unsupported timeline driver %q", driver)
	}
}

func (s *Service) DB() *sql.DB { return s.db }

func (s *Service) Close() error {
	return s.db.Close()
}

// Append writes rec, assigning an ID and timestamp when unset.
func (s *Service) Append(ctx context.Context, rec *Record) error {
	prepare(rec)
	_, err := s.db.ExecContext(ctx, `
	INSERT INTO records (id, ts, kind, trace_id, outcome, payload)
	VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.Timestamp.UnixNano(),
		rec.Kind,
		rec.TraceID,
		rec.Outcome,
		string(rec.Payload),
	)
	return err
}

// List returns matching records, most recent first.
func (s *Service) List(ctx context.Context, filter Filter) ([]Record, error) {
	query := `SELECT id, ts, kind, trace_id, outcome, payload FROM records WHERE 1=1`
	args := []any{}

	if filter.Kind != "" {
		query += " AND kind = ?"
		args = append(args, filter.Kind)
	}
	if filter.TraceID != "" {
		query += " AND trace_id = ?"
		args = append(args, filter.TraceID)
	}
	if filter.Since != nil {
		query += " AND ts >= ?"
		args = append(args, filter.Since.UnixNano())
	}

	query += " ORDER BY seq DESC"

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		var ts int64
		var payload string
		if err := rows.Scan(&r.ID, &ts, &r.Kind, &r.TraceID, &r.Outcome, &payload); err != nil {
			return nil, err
		}
		r.Timestamp = time.Unix(0, ts)
		if payload != "" {
			r.Payload = []byte(payload)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// --- Approval Requests ---

// InsertApproval persists a new pending approval request.
func (s *Service) InsertApproval(ctx context.Context, rec *ApprovalRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	rec.Status = ApprovalPending
	_, err := s.db.ExecContext(ctx, `INSERT INTO approval_requests
		(approval_id, trace_id, capability, arguments, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ApprovalID, rec.TraceID, rec.Capability, rec.Arguments, rec.Status, rec.CreatedAt.UnixNano())
	return err
}

// UpdateApprovalStatus records the resolution of an approval.
func (s *Service) UpdateApprovalStatus(ctx context.Context, approvalID, status, reason string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE approval_requests SET status = ?, reason = ?, responded_at = ? WHERE approval_id = ?`,
		status, reason, time.Now().UnixNano(), approvalID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrApprovalNotFound, approvalID)
	}
	return nil
}

// PendingApprovals returns approval requests still awaiting a decision,
// oldest first.
func (s *Service) PendingApprovals(ctx context.Context) ([]ApprovalRecord, error) {
	return s.queryApprovals(ctx, `WHERE status = ?`, ApprovalPending)
}

// GetApproval returns a single approval request.
func (s *Service) GetApproval(ctx context.Context, approvalID string) (*ApprovalRecord, error) {
	recs, err := s.queryApprovals(ctx, `WHERE approval_id = ?`, approvalID)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrApprovalNotFound, approvalID)
	}
	return &recs[0], nil
}

func (s *Service) queryApprovals(ctx context.Context, where string, args ...any) ([]ApprovalRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT approval_id, trace_id, capability, arguments,
		status, reason, created_at, responded_at
		FROM approval_requests `+where+` ORDER BY created_at ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ApprovalRecord
	for rows.Next() {
		var r ApprovalRecord
		var created int64
		var responded sql.NullInt64
		if err := rows.Scan(&r.ApprovalID, &r.TraceID, &r.Capability, &r.Arguments,
			&r.Status, &r.Reason, &created, &responded); err != nil {
			return nil, err
		}
		r.CreatedAt = time.Unix(0, created)
		if responded.Valid {
			t := time.Unix(0, responded.Int64)
			r.RespondedAt = &t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// expireStale marks approvals a previous process never resolved. Nobody is
// waiting on them anymore.
func (s *Service) expireStale(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE approval_requests SET status = ?, reason = ?, responded_at = ? WHERE status = ?`,
		ApprovalExpired, "process restarted", time.Now().UnixNano(), ApprovalPending)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func prepare(rec *Record) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
}
