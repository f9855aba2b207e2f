package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/seantiz/workerfarm/internal/model"

	_ "modernc.org/sqlite"
)

const createCallsTable = `
CREATE TABLE IF NOT EXISTS calls (
    id          TEXT PRIMARY KEY,
    method      TEXT NOT NULL,
    args_hash   TEXT NOT NULL,
    status      TEXT NOT NULL,
    worker_id   INTEGER,
    result      BLOB,
    error_kind  TEXT NOT NULL DEFAULT '',
    error       TEXT NOT NULL DEFAULT '',
    duration_ms INTEGER,
    created_at  DATETIME NOT NULL,
    started_at  DATETIME,
    finished_at DATETIME
)`

const createMessagesTable = `
CREATE TABLE IF NOT EXISTS call_messages (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    call_id    TEXT NOT NULL REFERENCES calls(id),
    seq        INTEGER NOT NULL,
    payload    BLOB NOT NULL,
    created_at DATETIME NOT NULL
)`

const createMessagesIndex = `
CREATE INDEX IF NOT EXISTS idx_call_messages_call_seq ON call_messages (call_id, seq)`

const callColumns = `id, method, args_hash, status, worker_id, result, error_kind,
	error, duration_ms, created_at, started_at, finished_at`

// ErrNotFound is returned when a call is not found.
var ErrNotFound = errors.New("call not found")

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every pooled connection would get its own empty database.
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	for _, stmt := range []string{createCallsTable, createMessagesTable, createMessagesIndex} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCall(row rowScanner) (*model.Call, error) {
	c := &model.Call{}
	var result []byte
	err := row.Scan(
		&c.ID, &c.Method, &c.ArgsHash, &c.Status, &c.WorkerID, &result, &c.ErrorKind,
		&c.Error, &c.DurationMS, &c.CreatedAt, &c.StartedAt, &c.FinishedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(result) > 0 {
		c.Result = result
	}
	return c, nil
}

// CreateCall inserts a new call record.
func (s *SQLiteStore) CreateCall(ctx context.Context, c *model.Call) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO calls (`+callColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Method, c.ArgsHash, c.Status, c.WorkerID, []byte(c.Result), c.ErrorKind,
		c.Error, c.DurationMS, c.CreatedAt, c.StartedAt, c.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert call: %w", err)
	}
	return nil
}

// GetCall retrieves a call by ID.
func (s *SQLiteStore) GetCall(ctx context.Context, id string) (*model.Call, error) {
	c, err := scanCall(s.db.QueryRowContext(ctx,
		`SELECT `+callColumns+` FROM calls WHERE id = ?`, id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get call: %w", err)
	}
	return c, nil
}

// ListCalls returns a paginated list of calls ordered by created_at DESC,
// along with the total count of all calls.
func (s *SQLiteStore) ListCalls(ctx context.Context, limit, offset int) ([]*model.Call, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM calls").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count calls: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT `+callColumns+` FROM calls ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list calls: %w", err)
	}
	defer rows.Close()

	var calls []*model.Call
	for rows.Next() {
		c, err := scanCall(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan call: %w", err)
		}
		calls = append(calls, c)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate calls: %w", err)
	}

	return calls, total, nil
}

// currentStatus reads the status of a call inside tx.
func currentStatus(ctx context.Context, tx *sql.Tx, id string) (string, error) {
	var status string
	err := tx.QueryRowContext(ctx, "SELECT status FROM calls WHERE id = ?", id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("read call status: %w", err)
	}
	return status, nil
}

// UpdateCallStatus updates the status of a call. For terminal statuses it
// also sets finished_at; running sets started_at.
func (s *SQLiteStore) UpdateCallStatus(ctx context.Context, id, status string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	from, err := currentStatus(ctx, tx, id)
	if err != nil {
		return err
	}
	if !model.ValidTransition(from, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, status)
	}

	now := time.Now().UTC()
	switch {
	case model.Terminal(status):
		_, err = tx.ExecContext(ctx,
			"UPDATE calls SET status = ?, finished_at = ? WHERE id = ?", status, now, id)
	case status == model.StatusRunning:
		_, err = tx.ExecContext(ctx,
			"UPDATE calls SET status = ?, started_at = ? WHERE id = ?", status, now, id)
	default:
		_, err = tx.ExecContext(ctx,
			"UPDATE calls SET status = ? WHERE id = ?", status, id)
	}
	if err != nil {
		return fmt.Errorf("update call status: %w", err)
	}
	return tx.Commit()
}

// UpdateCall writes every mutable field of c. The status change must be a
// valid transition; rewriting the current status is allowed for non-terminal
// calls.
func (s *SQLiteStore) UpdateCall(ctx context.Context, c *model.Call) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	from, err := currentStatus(ctx, tx, c.ID)
	if err != nil {
		return err
	}
	if from != c.Status || model.Terminal(from) {
		if !model.ValidTransition(from, c.Status) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, c.Status)
		}
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE calls SET status = ?, worker_id = ?, result = ?, error_kind = ?, error = ?,
			duration_ms = ?, started_at = ?, finished_at = ?
		WHERE id = ?`,
		c.Status, c.WorkerID, []byte(c.Result), c.ErrorKind, c.Error,
		c.DurationMS, c.StartedAt, c.FinishedAt, c.ID,
	)
	if err != nil {
		return fmt.Errorf("update call: %w", err)
	}
	return tx.Commit()
}

// GetCallStats returns aggregate statistics over all calls.
func (s *SQLiteStore) GetCallStats(ctx context.Context) (*CallStats, error) {
	stats := &CallStats{
		CountByStatus:    make(map[string]int),
		CountByMethod:    make(map[string]int),
		CountByErrorKind: make(map[string]int),
	}

	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM calls").Scan(&stats.Total); err != nil {
		return nil, fmt.Errorf("count calls: %w", err)
	}

	groups := []struct {
		query string
		into  map[string]int
	}{
		{"SELECT status, COUNT(*) FROM calls GROUP BY status", stats.CountByStatus},
		{"SELECT method, COUNT(*) FROM calls GROUP BY method", stats.CountByMethod},
		{"SELECT error_kind, COUNT(*) FROM calls WHERE error_kind != '' GROUP BY error_kind", stats.CountByErrorKind},
	}
	for _, g := range groups {
		if err := s.countInto(ctx, g.query, g.into); err != nil {
			return nil, err
		}
	}

	var avg sql.NullFloat64
	if err := s.db.QueryRowContext(ctx,
		"SELECT AVG(duration_ms) FROM calls WHERE duration_ms IS NOT NULL",
	).Scan(&avg); err != nil {
		return nil, fmt.Errorf("average duration: %w", err)
	}
	if avg.Valid {
		stats.AvgDurationMS = avg.Float64
	}

	return stats, nil
}

func (s *SQLiteStore) countInto(ctx context.Context, query string, into map[string]int) error {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return fmt.Errorf("group calls: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return fmt.Errorf("scan group: %w", err)
		}
		into[key] = n
	}
	return rows.Err()
}

// InsertMessage persists a custom message emitted by a call.
func (s *SQLiteStore) InsertMessage(ctx context.Context, callID string, seq int, payload []byte) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO call_messages (call_id, seq, payload, created_at) VALUES (?, ?, ?, ?)",
		callID, seq, payload, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// GetMessages returns the messages of a call ordered by sequence number.
func (s *SQLiteStore) GetMessages(ctx context.Context, callID string) ([]model.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, call_id, seq, payload, created_at FROM call_messages WHERE call_id = ? ORDER BY seq",
		callID,
	)
	if err != nil {
		return nil, fmt.Errorf("get messages: %w", err)
	}
	defer rows.Close()

	var msgs []model.Message
	for rows.Next() {
		var m model.Message
		var payload []byte
		if err := rows.Scan(&m.ID, &m.CallID, &m.Seq, &payload, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Payload = payload
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return msgs, nil
}
