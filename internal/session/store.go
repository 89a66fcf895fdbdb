package session

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Store provides SQLite-backed persistence for sessions. All writes are
// atomic: single statements, or one transaction where approval state and
// checkpoint status must move together.
type Store struct {
	db *sql.DB
}

// NewStore opens the SQLite database at dbPath and creates tables if they
// don't exist. WAL keeps concurrent gate polls from blocking API writes.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", dbPath))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := createTables(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		plan TEXT NOT NULL,
		mode TEXT NOT NULL,
		status TEXT NOT NULL,
		current_wave INTEGER NOT NULL DEFAULT 0,
		current_checkpoint INTEGER NOT NULL DEFAULT 0,
		approved_through INTEGER NOT NULL DEFAULT 0,
		total_checkpoints INTEGER NOT NULL DEFAULT 0,
		regenerations INTEGER NOT NULL DEFAULT 0,
		failure TEXT NOT NULL DEFAULT '',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS contexts (
		session_id TEXT PRIMARY KEY,
		data TEXT NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (session_id) REFERENCES sessions(id)
	);

	CREATE TABLE IF NOT EXISTS checkpoints (
		session_id TEXT NOT NULL,
		number INTEGER NOT NULL,
		task_name TEXT NOT NULL,
		wave INTEGER NOT NULL,
		status TEXT NOT NULL,
		narrative TEXT NOT NULL,
		structured TEXT NOT NULL,
		feedback TEXT NOT NULL DEFAULT '',
		cost_units REAL NOT NULL DEFAULT 0,
		duration_seconds REAL NOT NULL DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (session_id, number),
		FOREIGN KEY (session_id) REFERENCES sessions(id)
	);

	CREATE TABLE IF NOT EXISTS artifacts (
		session_id TEXT PRIMARY KEY,
		data TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (session_id) REFERENCES sessions(id)
	);
	`
	_, err := db.Exec(schema)
	return err
}

// CreateSession creates a new in-progress session for the given plan.
func (s *Store) CreateSession(plan string, mode Mode, totalCheckpoints int) (*Session, error) {
	id := uuid.New().String()
	now := time.Now()

	_, err := s.db.Exec(
		`INSERT INTO sessions (id, plan, mode, status, total_checkpoints, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, plan, string(mode), string(StatusInProgress), totalCheckpoints, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}

	return &Session{
		ID:               id,
		Plan:             plan,
		Mode:             mode,
		Status:           StatusInProgress,
		TotalCheckpoints: totalCheckpoints,
		CreatedAt:        now,
		UpdatedAt:        now,
	}, nil
}

const sessionColumns = `id, plan, mode, status, current_wave, current_checkpoint,
	approved_through, total_checkpoints, regenerations, failure, created_at, updated_at`

func scanSession(row interface{ Scan(...any) error }) (*Session, error) {
	var sess Session
	err := row.Scan(&sess.ID, &sess.Plan, &sess.Mode, &sess.Status,
		&sess.CurrentWave, &sess.CurrentCheckpoint, &sess.ApprovedThrough,
		&sess.TotalCheckpoints, &sess.Regenerations, &sess.Failure,
		&sess.CreatedAt, &sess.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

// GetSession retrieves a session by ID. Returns (nil, nil) if absent.
func (s *Store) GetSession(id string) (*Session, error) {
	row := s.db.QueryRow(`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)

	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}

	return sess, nil
}

// UpdatePosition records the scheduler's position in the plan. Approval
// state is deliberately not written here: approved_through belongs to
// RecordApproval and RecordRejection, so a stale in-memory session can
// never roll a reviewer's decision back.
func (s *Store) UpdatePosition(sessionID string, wave, checkpoint int) error {
	_, err := s.db.Exec(
		`UPDATE sessions SET current_wave = ?, current_checkpoint = ?, updated_at = ? WHERE id = ?`,
		wave, checkpoint, time.Now(), sessionID,
	)
	if err != nil {
		return fmt.Errorf("update session position: %w", err)
	}
	return nil
}

// MarkCompleted moves the session to its completed terminal state.
func (s *Store) MarkCompleted(sessionID string) error {
	_, err := s.db.Exec(
		`UPDATE sessions SET status = ?, updated_at = ? WHERE id = ?`,
		string(StatusCompleted), time.Now(), sessionID,
	)
	if err != nil {
		return fmt.Errorf("mark session completed: %w", err)
	}
	return nil
}

// MarkFailed moves the session to its failed terminal state and records
// the cause.
func (s *Store) MarkFailed(sessionID, failure string) error {
	_, err := s.db.Exec(
		`UPDATE sessions SET status = ?, failure = ?, updated_at = ? WHERE id = ?`,
		string(StatusFailed), failure, time.Now(), sessionID,
	)
	if err != nil {
		return fmt.Errorf("mark session failed: %w", err)
	}
	return nil
}

// ListSessions returns the most recently updated sessions, newest first.
func (s *Store) ListSessions(limit int) ([]*Session, error) {
	rows, err := s.db.Query(
		`SELECT `+sessionColumns+` FROM sessions ORDER BY updated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return sessions, nil
}

// ListInProgress returns the ids of sessions that were running when the
// process last stopped, oldest first, so the scheduler can resume them.
func (s *Store) ListInProgress() ([]string, error) {
	rows, err := s.db.Query(
		`SELECT id FROM sessions WHERE status = ? ORDER BY created_at ASC`,
		string(StatusInProgress))
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan session id: %w", err)
		}
		ids = append(ids, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return ids, nil
}

// GetContext loads the shared context for a session. A session that has not
// persisted any output yet gets an empty context, not an error.
func (s *Store) GetContext(sessionID string) (Context, error) {
	row := s.db.QueryRow(`SELECT data FROM contexts WHERE session_id = ?`, sessionID)

	var data string
	err := row.Scan(&data)
	if err == sql.ErrNoRows {
		return Context{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan context: %w", err)
	}

	var ctx Context
	if err := json.Unmarshal([]byte(data), &ctx); err != nil {
		return nil, fmt.Errorf("decode context: %w", err)
	}

	return ctx, nil
}

// SaveContext persists the shared context for a session.
func (s *Store) SaveContext(sessionID string, ctx Context) error {
	data, err := json.Marshal(ctx)
	if err != nil {
		return fmt.Errorf("encode context: %w", err)
	}
	now := time.Now()

	// Try to update the existing row first.
	result, err := s.db.Exec(
		`UPDATE contexts SET data = ?, updated_at = ? WHERE session_id = ?`,
		string(data), now, sessionID,
	)
	if err != nil {
		return fmt.Errorf("update context: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}

	if rowsAffected == 0 {
		_, err = s.db.Exec(
			`INSERT INTO contexts (session_id, data, updated_at) VALUES (?, ?, ?)`,
			sessionID, string(data), now,
		)
		if err != nil {
			return fmt.Errorf("insert context: %w", err)
		}
	}

	return nil
}

// SaveCheckpoint inserts or overwrites the checkpoint record for
// (session, number). Regeneration rewrites the same number in place.
func (s *Store) SaveCheckpoint(cp *Checkpoint) error {
	now := time.Now()

	result, err := s.db.Exec(
		`UPDATE checkpoints
		 SET task_name = ?, wave = ?, status = ?, narrative = ?, structured = ?,
		     feedback = ?, cost_units = ?, duration_seconds = ?, updated_at = ?
		 WHERE session_id = ? AND number = ?`,
		cp.TaskName, cp.Wave, string(cp.Status), cp.Output.Narrative, string(cp.Output.Structured),
		cp.Feedback, cp.Metadata.CostUnits, cp.Metadata.DurationSeconds, now,
		cp.SessionID, cp.Number,
	)
	if err != nil {
		return fmt.Errorf("update checkpoint: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}

	if rowsAffected == 0 {
		_, err = s.db.Exec(
			`INSERT INTO checkpoints (session_id, number, task_name, wave, status, narrative,
			                          structured, feedback, cost_units, duration_seconds, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			cp.SessionID, cp.Number, cp.TaskName, cp.Wave, string(cp.Status), cp.Output.Narrative,
			string(cp.Output.Structured), cp.Feedback, cp.Metadata.CostUnits, cp.Metadata.DurationSeconds,
			cp.Metadata.CreatedAt, now,
		)
		if err != nil {
			return fmt.Errorf("insert checkpoint: %w", err)
		}
	}

	return nil
}

const checkpointColumns = `session_id, number, task_name, wave, status, narrative,
	structured, feedback, cost_units, duration_seconds, created_at`

func scanCheckpoint(row interface{ Scan(...any) error }) (*Checkpoint, error) {
	var cp Checkpoint
	var structured string
	err := row.Scan(&cp.SessionID, &cp.Number, &cp.TaskName, &cp.Wave, &cp.Status,
		&cp.Output.Narrative, &structured, &cp.Feedback,
		&cp.Metadata.CostUnits, &cp.Metadata.DurationSeconds, &cp.Metadata.CreatedAt)
	if err != nil {
		return nil, err
	}
	cp.Output.Structured = json.RawMessage(structured)
	return &cp, nil
}

// GetCheckpoint retrieves one checkpoint. Returns (nil, nil) if absent.
func (s *Store) GetCheckpoint(sessionID string, number int) (*Checkpoint, error) {
	row := s.db.QueryRow(
		`SELECT `+checkpointColumns+` FROM checkpoints WHERE session_id = ? AND number = ?`,
		sessionID, number,
	)

	cp, err := scanCheckpoint(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan checkpoint: %w", err)
	}

	return cp, nil
}

// ListCheckpoints retrieves all checkpoints for a session in number order.
func (s *Store) ListCheckpoints(sessionID string) ([]*Checkpoint, error) {
	rows, err := s.db.Query(
		`SELECT `+checkpointColumns+` FROM checkpoints WHERE session_id = ? ORDER BY number ASC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("query checkpoints: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var cps []*Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		cps = append(cps, cp)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return cps, nil
}

// RecordApproval marks checkpoint number approved and advances the
// session's approved_through to it, atomically.
func (s *Store) RecordApproval(sessionID string, number int) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin approval: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now()
	_, err = tx.Exec(
		`UPDATE checkpoints SET status = ?, updated_at = ? WHERE session_id = ? AND number = ?`,
		string(CheckpointApproved), now, sessionID, number,
	)
	if err != nil {
		return fmt.Errorf("update checkpoint: %w", err)
	}

	_, err = tx.Exec(
		`UPDATE sessions SET approved_through = ?, updated_at = ? WHERE id = ?`,
		number, now, sessionID,
	)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit approval: %w", err)
	}

	return nil
}

// RecordRejection stores feedback on a checkpoint and increments the
// session's regeneration counter, atomically. With advance set, the
// checkpoint is treated as approved and approved_through moves past it;
// otherwise it is marked rejected pending regeneration.
func (s *Store) RecordRejection(sessionID string, number int, feedback string, advance bool) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin rejection: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now()
	status := CheckpointRejected
	if advance {
		status = CheckpointApproved
	}

	_, err = tx.Exec(
		`UPDATE checkpoints SET status = ?, feedback = ?, updated_at = ? WHERE session_id = ? AND number = ?`,
		string(status), feedback, now, sessionID, number,
	)
	if err != nil {
		return fmt.Errorf("update checkpoint: %w", err)
	}

	if advance {
		_, err = tx.Exec(
			`UPDATE sessions SET regenerations = regenerations + 1, approved_through = ?, updated_at = ? WHERE id = ?`,
			number, now, sessionID,
		)
	} else {
		_, err = tx.Exec(
			`UPDATE sessions SET regenerations = regenerations + 1, updated_at = ? WHERE id = ?`,
			now, sessionID,
		)
	}
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit rejection: %w", err)
	}

	return nil
}

// SaveArtifact persists the terminal artifact for a session.
func (s *Store) SaveArtifact(sessionID string, data json.RawMessage) error {
	now := time.Now()

	result, err := s.db.Exec(
		`UPDATE artifacts SET data = ? WHERE session_id = ?`,
		string(data), sessionID,
	)
	if err != nil {
		return fmt.Errorf("update artifact: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}

	if rowsAffected == 0 {
		_, err = s.db.Exec(
			`INSERT INTO artifacts (session_id, data, created_at) VALUES (?, ?, ?)`,
			sessionID, string(data), now,
		)
		if err != nil {
			return fmt.Errorf("insert artifact: %w", err)
		}
	}

	return nil
}

// GetArtifact retrieves the terminal artifact. Returns (nil, nil) if the
// session has not completed yet.
func (s *Store) GetArtifact(sessionID string) (json.RawMessage, error) {
	row := s.db.QueryRow(`SELECT data FROM artifacts WHERE session_id = ?`, sessionID)

	var data string
	err := row.Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan artifact: %w", err)
	}

	return json.RawMessage(data), nil
}

// PruneSessions deletes completed and failed sessions whose last update is
// before cutoff, along with their contexts, checkpoints, and artifacts.
// With dryRun set nothing is deleted; the return value lists the session
// ids that would go. In-progress sessions are never pruned.
func (s *Store) PruneSessions(cutoff time.Time, dryRun bool) ([]string, error) {
	rows, err := s.db.Query(
		`SELECT id FROM sessions WHERE status != ? AND updated_at < ? ORDER BY updated_at`,
		string(StatusInProgress), cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("query prunable sessions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan session id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	if dryRun || len(ids) == 0 {
		return ids, nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin prune: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, id := range ids {
		for _, q := range []string{
			`DELETE FROM artifacts WHERE session_id = ?`,
			`DELETE FROM checkpoints WHERE session_id = ?`,
			`DELETE FROM contexts WHERE session_id = ?`,
			`DELETE FROM sessions WHERE id = ?`,
		} {
			if _, execErr := tx.Exec(q, id); execErr != nil {
				return nil, fmt.Errorf("prune session %s: %w", id, execErr)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit prune: %w", err)
	}

	return ids, nil
}
