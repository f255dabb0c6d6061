package progress

import (
	"database/sql"
	"encoding/json"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"

	"github.com/enermet/metercal/pkg/session"
)

const createProgressSQL = `
CREATE TABLE IF NOT EXISTS step_progress (
    session_id TEXT NOT NULL,
    step_index INTEGER NOT NULL,
    step_kind  TEXT NOT NULL,
    step_state TEXT NOT NULL,
    outcome    TEXT,
    saved_at   TEXT NOT NULL,
    PRIMARY KEY (session_id, step_index)
);`

// SQLiteStore persists step progress in a single SQLite file, one row
// per (session, step). Suited to benches that keep a shared history
// database alongside the event log.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (creating if needed) the progress database.
// Synchronous mode stays at FULL so a committed Save survives power
// loss, which the resume contract depends on.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(ErrPersistence, err.Error())
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL; PRAGMA synchronous=FULL;`); err != nil {
		db.Close()
		return nil, errors.Wrap(ErrPersistence, err.Error())
	}
	if _, err := db.Exec(createProgressSQL); err != nil {
		db.Close()
		return nil, errors.Wrap(ErrPersistence, err.Error())
	}
	return &SQLiteStore{db: db}, nil
}

// Load implements Store.
func (s *SQLiteStore) Load(sessionID string) (*Record, error) {
	rows, err := s.db.Query(
		`SELECT step_index, step_kind, step_state, outcome, saved_at
		 FROM step_progress WHERE session_id = ? ORDER BY step_index`, sessionID)
	if err != nil {
		return nil, errors.Wrap(ErrPersistence, err.Error())
	}
	defer rows.Close()

	rec := &Record{SessionID: sessionID}
	for rows.Next() {
		var sr StepRecord
		var kind, state, savedAt string
		var outcome sql.NullString
		if err := rows.Scan(&sr.Index, &kind, &state, &outcome, &savedAt); err != nil {
			return nil, errors.Wrap(ErrPersistence, err.Error())
		}
		sr.Kind = session.StepKind(kind)
		sr.State = session.StepState(state)
		if outcome.Valid && outcome.String != "" {
			var o session.Outcome
			if err := json.Unmarshal([]byte(outcome.String), &o); err != nil {
				return nil, errors.Wrapf(ErrPersistence, "corrupt outcome for %s step %d: %v", sessionID, sr.Index, err)
			}
			sr.Outcome = &o
		}
		rec.Steps = append(rec.Steps, sr)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(ErrPersistence, err.Error())
	}
	if len(rec.Steps) == 0 {
		return nil, nil
	}
	return rec, nil
}

// Save implements Store. The upsert commits before returning, honoring
// write-then-advance.
func (s *SQLiteStore) Save(sessionID string, step StepRecord) error {
	var outcome []byte
	if step.Outcome != nil {
		var err error
		outcome, err = json.Marshal(step.Outcome)
		if err != nil {
			return errors.Wrap(ErrPersistence, err.Error())
		}
	}
	_, err := s.db.Exec(
		`INSERT INTO step_progress (session_id, step_index, step_kind, step_state, outcome, saved_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(session_id, step_index) DO UPDATE SET
		   step_kind = excluded.step_kind,
		   step_state = excluded.step_state,
		   outcome = excluded.outcome,
		   saved_at = excluded.saved_at`,
		sessionID, step.Index, string(step.Kind), string(step.State),
		string(outcome), step.SavedAt.Format("2006-01-02 15:04:05.000"))
	if err != nil {
		return errors.Wrap(ErrPersistence, err.Error())
	}
	return nil
}

// Archive implements Store.
func (s *SQLiteStore) Archive(sessionID string) error {
	if _, err := s.db.Exec(`DELETE FROM step_progress WHERE session_id = ?`, sessionID); err != nil {
		return errors.Wrap(ErrPersistence, err.Error())
	}
	return nil
}

// Close implements Store.
func (s *SQLiteStore) Close() error { return s.db.Close() }
