package collector

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hazyhaar/viewreplay/dbopen"
)

// Schema is the collector's SQLite schema.
const Schema = `
CREATE TABLE IF NOT EXISTS replay_sessions (
	session_id  TEXT PRIMARY KEY,
	first_seen  INTEGER NOT NULL,
	last_seen   INTEGER NOT NULL,
	batches     INTEGER NOT NULL DEFAULT 0,
	events      INTEGER NOT NULL DEFAULT 0,
	last_seq    INTEGER NOT NULL DEFAULT 0,
	gaps        INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS replay_batches (
	id           TEXT PRIMARY KEY,
	session_id   TEXT NOT NULL REFERENCES replay_sessions(session_id) ON DELETE CASCADE,
	seq          INTEGER NOT NULL,
	batch_ts     INTEGER NOT NULL,
	received_at  INTEGER NOT NULL,
	event_count  INTEGER NOT NULL,
	events       BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_replay_batches_session ON replay_batches (session_id, seq);
`

// ErrNotFound is returned for unknown sessions.
var ErrNotFound = errors.New("collector: not found")

// Store persists received batches.
type Store struct {
	DB *sql.DB
}

// OpenStore opens (or creates) the collector database at path.
func OpenStore(path string, opts ...dbopen.Option) (*Store, error) {
	all := append([]dbopen.Option{dbopen.WithMkdirAll(), dbopen.WithSchema(Schema)}, opts...)
	db, err := dbopen.Open(path, all...)
	if err != nil {
		return nil, err
	}
	return &Store{DB: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.DB.Close()
}

// Stored is a batch as received, with its events kept as raw JSON.
type Stored struct {
	ID        string            `json:"id"`
	SessionID string            `json:"session_id"`
	Seq       uint64            `json:"seq"`
	Events    []json.RawMessage `json:"events"`
	Timestamp int64             `json:"timestamp"`
}

// SaveResult reports what SaveBatch did.
type SaveResult struct {
	Duplicate bool `json:"duplicate"`
	// Gap is set when seq skipped ahead of the last seen sequence number.
	Gap bool `json:"gap"`
}

// SaveBatch stores b. Re-sending a batch id is a no-op reported as a
// duplicate.
func (s *Store) SaveBatch(ctx context.Context, b *Stored, receivedAt time.Time) (SaveResult, error) {
	var res SaveResult
	events, err := json.Marshal(b.Events)
	if err != nil {
		return res, fmt.Errorf("collector: encode events: %w", err)
	}
	now := receivedAt.UnixMilli()

	err = dbopen.RunTx(ctx, s.DB, func(tx *sql.Tx) error {
		res = SaveResult{}
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM replay_batches WHERE id = ?`, b.ID).Scan(&exists)
		if err != nil {
			return err
		}
		if exists > 0 {
			res.Duplicate = true
			return nil
		}

		var lastSeq int64
		err = tx.QueryRowContext(ctx, `SELECT last_seq FROM replay_sessions WHERE session_id = ?`, b.SessionID).Scan(&lastSeq)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			_, err = tx.ExecContext(ctx,
				`INSERT INTO replay_sessions (session_id, first_seen, last_seen) VALUES (?, ?, ?)`,
				b.SessionID, now, now)
			if err != nil {
				return err
			}
			lastSeq = 0
		case err != nil:
			return err
		}
		res.Gap = int64(b.Seq) > lastSeq+1

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO replay_batches (id, session_id, seq, batch_ts, received_at, event_count, events)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			b.ID, b.SessionID, int64(b.Seq), b.Timestamp, now, len(b.Events), events,
		); err != nil {
			return err
		}

		gap := 0
		if res.Gap {
			gap = 1
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE replay_sessions
			SET last_seen = ?, batches = batches + 1, events = events + ?,
			    last_seq = MAX(last_seq, ?), gaps = gaps + ?
			WHERE session_id = ?`,
			now, len(b.Events), int64(b.Seq), gap, b.SessionID)
		return err
	})
	if err != nil {
		return SaveResult{}, fmt.Errorf("collector: save batch %s: %w", b.ID, err)
	}
	return res, nil
}

// Session is the per-session summary.
type Session struct {
	ID        string    `json:"session_id"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
	Batches   int       `json:"batches"`
	Events    int       `json:"events"`
	LastSeq   uint64    `json:"last_seq"`
	Gaps      int       `json:"gaps"`
}

const sessionColumns = `session_id, first_seen, last_seen, batches, events, last_seq, gaps`

func scanSession(sc interface{ Scan(...any) error }) (*Session, error) {
	var s Session
	var first, last, lastSeq int64
	if err := sc.Scan(&s.ID, &first, &last, &s.Batches, &s.Events, &lastSeq, &s.Gaps); err != nil {
		return nil, err
	}
	s.FirstSeen = time.UnixMilli(first).UTC()
	s.LastSeen = time.UnixMilli(last).UTC()
	s.LastSeq = uint64(lastSeq)
	return &s, nil
}

// Session returns one session summary.
func (s *Store) Session(ctx context.Context, id string) (*Session, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM replay_sessions WHERE session_id = ?`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("collector: session %s: %w", id, err)
	}
	return sess, nil
}

// Sessions lists sessions, most recently active first.
func (s *Store) Sessions(ctx context.Context, limit int) ([]*Session, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM replay_sessions ORDER BY last_seen DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("collector: list sessions: %w", err)
	}
	defer rows.Close()

	out := []*Session{}
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("collector: list sessions: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// Events returns the session's events in sequence order, concatenated across
// batches with seq > afterSeq.
func (s *Store) Events(ctx context.Context, sessionID string, afterSeq uint64) ([]json.RawMessage, error) {
	if _, err := s.Session(ctx, sessionID); err != nil {
		return nil, err
	}
	rows, err := s.DB.QueryContext(ctx,
		`SELECT events FROM replay_batches WHERE session_id = ? AND seq > ? ORDER BY seq ASC, received_at ASC`,
		sessionID, int64(afterSeq))
	if err != nil {
		return nil, fmt.Errorf("collector: events %s: %w", sessionID, err)
	}
	defer rows.Close()

	out := []json.RawMessage{}
	for rows.Next() {
		var blob []byte
		if err := rows.Scan(&blob); err != nil {
			return nil, fmt.Errorf("collector: events %s: %w", sessionID, err)
		}
		var events []json.RawMessage
		if err := json.Unmarshal(blob, &events); err != nil {
			return nil, fmt.Errorf("collector: events %s: decode: %w", sessionID, err)
		}
		out = append(out, events...)
	}
	return out, rows.Err()
}

// DeleteSession removes a session and its batches.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	res, err := dbopen.Exec(ctx, s.DB, `DELETE FROM replay_sessions WHERE session_id = ?`, id)
	if err != nil {
		return fmt.Errorf("collector: delete session %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
