package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/lifeos-nexus/council/pkg/models"
	"github.com/rs/zerolog/log"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Schema is the council request table plus its two indexes.
const Schema = `
CREATE TABLE IF NOT EXISTS council_requests (
	id TEXT PRIMARY KEY,
	query TEXT NOT NULL,
	tier TEXT NOT NULL DEFAULT 'normal',
	status TEXT NOT NULL DEFAULT 'pending',
	stage1 TEXT,
	stage2 TEXT,
	stage3 TEXT,
	metadata TEXT,
	error TEXT,
	duration INTEGER,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_council_requests_status ON council_requests(status);
CREATE INDEX IF NOT EXISTS idx_council_requests_created ON council_requests(created_at DESC);
`

// Status values are bound as plain strings.
var (
	statusPending    = string(models.StatusPending)
	statusProcessing = string(models.StatusProcessing)
	statusCompleted  = string(models.StatusCompleted)
	statusError      = string(models.StatusError)
)

const selectColumns = `id, query, tier, status, stage1, stage2, stage3, metadata, error, duration, created_at, updated_at`

// SQLiteStore persists council requests in a WAL-mode SQLite file.
// Connections are checked out of the database/sql pool per operation;
// WAL plus busy_timeout handle concurrent readers and writers.
type SQLiteStore struct {
	db   *sql.DB
	path string
	now  func() time.Time
}

// NewSQLiteStore opens (creating if needed) the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create council data dir: %w", err)
	}
	dsn := "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open council db: %w", err)
	}
	return &SQLiteStore{db: db, path: path, now: time.Now}, nil
}

// Path returns the database file location.
func (s *SQLiteStore) Path() string { return s.path }

func (s *SQLiteStore) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("apply council schema: %w", err)
	}
	var mode string
	if err := s.db.QueryRowContext(ctx, `PRAGMA journal_mode`).Scan(&mode); err != nil {
		return fmt.Errorf("read journal mode: %w", err)
	}
	log.Info().Str("path", s.path).Str("journal_mode", mode).Msg("✅ Council database initialized")
	return nil
}

func (s *SQLiteStore) Save(ctx context.Context, id, query, tier string) error {
	now := s.now().UnixMilli()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO council_requests (id, query, tier, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		id, query, tier, statusPending, now, now)
	if err != nil {
		if isConstraintViolation(err) {
			return fmt.Errorf("save request %s: %w", id, ErrAlreadyExists)
		}
		return fmt.Errorf("save request %s: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) MarkProcessing(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE council_requests SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		statusProcessing, s.now().UnixMilli(), id, statusPending)
	if err != nil {
		return fmt.Errorf("mark request %s processing: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		log.Debug().Str("request_id", id).Msg("No pending row to mark processing")
	}
	return nil
}

func (s *SQLiteStore) Complete(ctx context.Context, id string, resp *models.CouncilResponse) error {
	stage1, err := marshalNullable(resp.Stage1, len(resp.Stage1) > 0)
	if err != nil {
		return fmt.Errorf("encode stage1: %w", err)
	}
	stage2, err := marshalNullable(resp.Stage2, len(resp.Stage2) > 0)
	if err != nil {
		return fmt.Errorf("encode stage2: %w", err)
	}
	stage3, err := marshalNullable(resp.Stage3, len(resp.Stage3) > 0)
	if err != nil {
		return fmt.Errorf("encode stage3: %w", err)
	}
	metadata, err := marshalNullable(resp.Metadata, resp.Metadata != nil)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	var duration sql.NullInt64
	if resp.Duration != nil {
		duration = sql.NullInt64{Int64: *resp.Duration, Valid: true}
	}

	_, err = s.db.ExecContext(ctx,
		`UPDATE council_requests
		 SET status = ?, stage1 = ?, stage2 = ?, stage3 = ?, metadata = ?, duration = ?, updated_at = ?
		 WHERE id = ? AND status IN (?, ?)`,
		statusCompleted, stage1, stage2, stage3, metadata, duration, s.now().UnixMilli(),
		id, statusPending, statusProcessing)
	if err != nil {
		return fmt.Errorf("complete request %s: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) Fail(ctx context.Context, id, message string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE council_requests SET status = ?, error = ?, updated_at = ?
		 WHERE id = ? AND status IN (?, ?)`,
		statusError, message, s.now().UnixMilli(),
		id, statusPending, statusProcessing)
	if err != nil {
		return fmt.Errorf("fail request %s: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*models.CouncilRequest, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+selectColumns+` FROM council_requests WHERE id = ?`, id)
	req, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("get request %s: %w", id, err)
	}
	return req, nil
}

func (s *SQLiteStore) GetActive(ctx context.Context) (*models.CouncilRequest, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+selectColumns+` FROM council_requests
		 WHERE status IN (?, ?)
		 ORDER BY created_at DESC, rowid DESC
		 LIMIT 1`,
		statusPending, statusProcessing)
	req, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get active request: %w", err)
	}
	return req, nil
}

func (s *SQLiteStore) ListRecent(ctx context.Context, limit int) ([]models.RequestSummary, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, query, tier, created_at, duration
		 FROM council_requests
		 ORDER BY created_at DESC, rowid DESC
		 LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent requests: %w", err)
	}
	defer rows.Close()

	out := make([]models.RequestSummary, 0, limit)
	for rows.Next() {
		var (
			sum      models.RequestSummary
			duration sql.NullInt64
		)
		if err := rows.Scan(&sum.ID, &sum.Query, &sum.Tier, &sum.CreatedAt, &duration); err != nil {
			return nil, fmt.Errorf("read request row: %w", err)
		}
		if duration.Valid {
			d := duration.Int64
			sum.Duration = &d
		}
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate recent requests: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM council_requests WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete request %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete request %s: %w", id, err)
	}
	return n > 0, nil
}

func (s *SQLiteStore) Prune(ctx context.Context, keep int) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM council_requests
		 WHERE id NOT IN (
			SELECT id FROM council_requests
			ORDER BY created_at DESC, rowid DESC
			LIMIT ?
		 )`, keep)
	if err != nil {
		return 0, fmt.Errorf("prune requests: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) FailInFlight(ctx context.Context, message string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE council_requests SET status = ?, error = ?, updated_at = ?
		 WHERE status IN (?, ?)`,
		statusError, message, s.now().UnixMilli(),
		statusPending, statusProcessing)
	if err != nil {
		return 0, fmt.Errorf("fail in-flight requests: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ── Helpers ──────────────────────────────────────────────────

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (*models.CouncilRequest, error) {
	var (
		req                              models.CouncilRequest
		status                           string
		stage1, stage2, stage3, metadata sql.NullString
		errText                          sql.NullString
		duration                         sql.NullInt64
	)
	if err := row.Scan(&req.ID, &req.Query, &req.Tier, &status,
		&stage1, &stage2, &stage3, &metadata, &errText, &duration,
		&req.CreatedAt, &req.UpdatedAt); err != nil {
		return nil, err
	}
	req.Status = models.RequestStatus(status)
	req.Error = errText.String
	if duration.Valid {
		d := duration.Int64
		req.Duration = &d
	}

	// Stage columns are decoded leniently: a corrupt blob drops the stage, not the row.
	decodeColumn(req.ID, "stage1", stage1, &req.Stage1)
	decodeColumn(req.ID, "stage2", stage2, &req.Stage2)
	decodeColumn(req.ID, "stage3", stage3, &req.Stage3)
	if metadata.Valid {
		var md models.CouncilMetadata
		if decodeColumn(req.ID, "metadata", metadata, &md) {
			req.Metadata = &md
		}
	}
	return &req, nil
}

func decodeColumn(id, column string, raw sql.NullString, dst any) bool {
	if !raw.Valid || raw.String == "" {
		return false
	}
	if err := json.Unmarshal([]byte(raw.String), dst); err != nil {
		log.Warn().Err(err).Str("request_id", id).Str("column", column).Msg("Ignoring undecodable column")
		return false
	}
	return true
}

func marshalNullable(v any, present bool) (sql.NullString, error) {
	if !present {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func isConstraintViolation(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	code := se.Code()
	return code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY || code&0xff == sqlite3.SQLITE_CONSTRAINT
}
