package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/petervdpas/callsig/internal/signal"
)

// SQLite is the durable single-node Store. The change feed is in-process:
// every successful write is fanned out to local subscribers after commit.
type SQLite struct {
	*notifier
	db   *sql.DB
	path string
}

// OpenSQLite opens or creates the call database at dir/calls.db.
func OpenSQLite(dir string) (*SQLite, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	dbPath := filepath.Join(dir, "calls.db")

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// WAL mode for readers concurrent with the writer.
	if _, err := db.Exec(`
		PRAGMA foreign_keys = ON;
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS calls (
			call_id             TEXT PRIMARY KEY,
			initiator_id        TEXT NOT NULL,
			responder_id        TEXT NOT NULL,
			kind                TEXT NOT NULL,
			status              TEXT NOT NULL,
			connection_metadata TEXT NOT NULL DEFAULT '',
			started_at          INTEGER NOT NULL,
			ended_at            INTEGER NOT NULL DEFAULT 0
		);
		CREATE TABLE IF NOT EXISTS signals (
			id         TEXT PRIMARY KEY,
			call_id    TEXT NOT NULL,
			from_id    TEXT NOT NULL,
			to_id      TEXT NOT NULL,
			type       TEXT NOT NULL,
			payload    TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_signals_call ON signals(call_id, type, created_at);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}

	return &SQLite{notifier: newNotifier(), db: db, path: dbPath}, nil
}

func (s *SQLite) CreateCall(ctx context.Context, rec *signal.SessionRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO calls (call_id, initiator_id, responder_id, kind, status, connection_metadata, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.CallID, rec.InitiatorID, rec.ResponderID, string(rec.Kind), string(rec.Status),
		rec.ConnectionMetadata, rec.StartedAt.UnixMilli(), endedAtMilli(rec.EndedAt))
	if err != nil {
		return fmt.Errorf("insert call %s: %w", rec.CallID, err)
	}

	cp := *rec
	s.publish(recipients(&cp), &Change{Record: &cp})
	return nil
}

func (s *SQLite) GetCall(ctx context.Context, callID string) (*signal.SessionRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT call_id, initiator_id, responder_id, kind, status, connection_metadata, started_at, ended_at
		FROM calls WHERE call_id = ?`, callID)
	return scanCall(row)
}

func (s *SQLite) UpdateStatus(ctx context.Context, callID string, status signal.CallStatus) error {
	return s.updateStatus(ctx, callID, "", status)
}

func (s *SQLite) UpdateStatusIf(ctx context.Context, callID string, expect, status signal.CallStatus) error {
	return s.updateStatus(ctx, callID, expect, status)
}

// updateStatus performs the conditional write. Terminal rows are never
// touched: the WHERE clause excludes them, and the follow-up read decides
// between ErrTerminal and ErrConflict.
func (s *SQLite) updateStatus(ctx context.Context, callID string, expect, status signal.CallStatus) error {
	ended := int64(0)
	if status.Terminal() {
		ended = time.Now().UTC().UnixMilli()
	}

	q := `UPDATE calls SET status = ?, ended_at = CASE WHEN ? > 0 THEN ? ELSE ended_at END
	      WHERE call_id = ? AND status NOT IN ('ended','rejected','missed','busy')`
	args := []any{string(status), ended, ended, callID}
	if expect != "" {
		q += ` AND status = ?`
		args = append(args, string(expect))
	}

	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("update call %s: %w", callID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update call %s: %w", callID, err)
	}
	if n == 0 {
		rec, err := s.GetCall(ctx, callID)
		if err != nil {
			return err
		}
		if rec.Status.Terminal() {
			return ErrTerminal
		}
		return ErrConflict
	}

	rec, err := s.GetCall(ctx, callID)
	if err == nil {
		s.publish(recipients(rec), &Change{Record: rec})
	}
	return nil
}

func (s *SQLite) SetConnectionMetadata(ctx context.Context, callID, metadata string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE calls SET connection_metadata = ? WHERE call_id = ?`, metadata, callID)
	if err != nil {
		return fmt.Errorf("set metadata %s: %w", callID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	rec, err := s.GetCall(ctx, callID)
	if err == nil {
		s.publish(recipients(rec), &Change{Record: rec})
	}
	return nil
}

func (s *SQLite) AppendSignal(ctx context.Context, msg *signal.Message) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO signals (id, call_id, from_id, to_id, type, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.CallID, msg.From, msg.To, string(msg.Type), string(msg.Payload), msg.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("append signal %s: %w", msg.ID, err)
	}

	cp := *msg
	s.publish([]string{cp.To}, &Change{Message: &cp})
	return nil
}

func (s *SQLite) LatestSignal(ctx context.Context, callID string, typ signal.MsgType) (*signal.Message, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, call_id, from_id, to_id, type, payload, created_at
		FROM signals WHERE call_id = ? AND type = ?
		ORDER BY created_at DESC, rowid DESC LIMIT 1`, callID, string(typ))

	var (
		msg     signal.Message
		typb    string
		payload string
		created int64
	)
	if err := row.Scan(&msg.ID, &msg.CallID, &msg.From, &msg.To, &typb, &payload, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read signal: %w", err)
	}
	msg.Type = signal.MsgType(typb)
	if payload != "" {
		msg.Payload = []byte(payload)
	}
	msg.CreatedAt = time.UnixMilli(created).UTC()
	return &msg, nil
}

func (s *SQLite) Subscribe(recipientID string) (chan *Change, func()) {
	return s.subscribe(recipientID)
}

func (s *SQLite) Close() error {
	s.closeAll()
	return s.db.Close()
}

func scanCall(row *sql.Row) (*signal.SessionRecord, error) {
	var (
		rec     signal.SessionRecord
		kind    string
		status  string
		started int64
		ended   int64
	)
	err := row.Scan(&rec.CallID, &rec.InitiatorID, &rec.ResponderID, &kind, &status,
		&rec.ConnectionMetadata, &started, &ended)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read call: %w", err)
	}
	rec.Kind = signal.CallKind(kind)
	rec.Status = signal.CallStatus(status)
	rec.StartedAt = time.UnixMilli(started).UTC()
	if ended > 0 {
		rec.EndedAt = time.UnixMilli(ended).UTC()
	}
	return &rec, nil
}

func endedAtMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
