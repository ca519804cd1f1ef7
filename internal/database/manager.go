package database

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"soundgate/internal/coordinator"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id           TEXT PRIMARY KEY,
	job_id       TEXT NOT NULL,
	lobby_id     TEXT NOT NULL DEFAULT '',
	speakers     INTEGER NOT NULL,
	microphones  INTEGER NOT NULL,
	status       TEXT NOT NULL DEFAULT 'created',
	error        TEXT NOT NULL DEFAULT '',
	created_at   TIMESTAMP NOT NULL,
	updated_at   TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS measurements (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id      TEXT NOT NULL REFERENCES sessions(id),
	speaker_slot_id TEXT NOT NULL,
	audio_hash      TEXT NOT NULL DEFAULT '',
	started_at      TIMESTAMP NOT NULL,
	finished_at     TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_measurements_session ON measurements(session_id);
CREATE INDEX IF NOT EXISTS idx_sessions_job ON sessions(job_id);
`

// SessionRow is the archived view of a session.
type SessionRow struct {
	ID          string    `json:"id"`
	JobID       string    `json:"job_id"`
	LobbyID     string    `json:"lobby_id"`
	Speakers    int       `json:"speakers"`
	Microphones int       `json:"microphones"`
	Status      string    `json:"status"`
	Error       string    `json:"error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// MeasurementRow is one archived speaker cycle.
type MeasurementRow struct {
	SessionID     string    `json:"session_id"`
	SpeakerSlotID string    `json:"speaker_slot_id"`
	AudioHash     string    `json:"audio_hash"`
	StartedAt     time.Time `json:"started_at"`
	FinishedAt    time.Time `json:"finished_at"`
}

// Manager archives session history to SQLite. All writes funnel through a
// single goroutine; SQLite handles one writer at a time and the funnel keeps
// contention out of the callers.
type Manager struct {
	db     *sql.DB
	writes chan writeOp
	done   chan struct{}
	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
}

type writeOp struct {
	fn     func(*sql.DB) error
	result chan error
}

// NewManager opens (creating if needed) the archive database at path.
func NewManager(path string) (*Manager, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	m := &Manager{
		db:     db,
		writes: make(chan writeOp, 100),
		done:   make(chan struct{}),
	}
	m.wg.Add(1)
	go m.writeLoop()
	return m, nil
}

func (m *Manager) writeLoop() {
	defer m.wg.Done()
	for {
		select {
		case op := <-m.writes:
			err := op.fn(m.db)
			if err != nil {
				log.Printf("database: write failed, retrying: %v", err)
				time.Sleep(time.Second)
				err = op.fn(m.db)
			}
			op.result <- err
		case <-m.done:
			return
		}
	}
}

func (m *Manager) executeWrite(ctx context.Context, fn func(*sql.DB) error) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return fmt.Errorf("database manager is closed")
	}
	m.mu.RUnlock()

	result := make(chan error, 1)
	select {
	case m.writes <- writeOp{fn: fn, result: result}:
		select {
		case err := <-result:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	case <-ctx.Done():
		return ctx.Err()
	case <-m.done:
		return fmt.Errorf("database manager is shutting down")
	}
}

// RecordSessionCreated inserts the initial session row.
func (m *Manager) RecordSessionCreated(ctx context.Context, rec coordinator.SessionRecord) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.Exec(`
			INSERT INTO sessions (id, job_id, lobby_id, speakers, microphones, status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, 'created', ?, ?)`,
			rec.ID, rec.JobID, rec.LobbyID, rec.Speakers, rec.Microphones, rec.CreatedAt, rec.CreatedAt)
		return err
	})
}

// RecordSessionStatus updates the archived status for a session.
func (m *Manager) RecordSessionStatus(ctx context.Context, sessionID, status, errMsg string) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.Exec(`UPDATE sessions SET status = ?, error = ?, updated_at = ? WHERE id = ?`,
			status, errMsg, time.Now(), sessionID)
		return err
	})
}

// RecordCycleCompleted inserts one completed speaker cycle.
func (m *Manager) RecordCycleCompleted(ctx context.Context, rec coordinator.CycleRecord) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.Exec(`
			INSERT INTO measurements (session_id, speaker_slot_id, audio_hash, started_at, finished_at)
			VALUES (?, ?, ?, ?, ?)`,
			rec.SessionID, rec.SpeakerSlotID, rec.AudioHash, rec.StartedAt, rec.FinishedAt)
		return err
	})
}

// GetSession returns one archived session, or sql.ErrNoRows.
func (m *Manager) GetSession(ctx context.Context, sessionID string) (*SessionRow, error) {
	row := m.db.QueryRowContext(ctx, `
		SELECT id, job_id, lobby_id, speakers, microphones, status, error, created_at, updated_at
		FROM sessions WHERE id = ?`, sessionID)
	var s SessionRow
	if err := row.Scan(&s.ID, &s.JobID, &s.LobbyID, &s.Speakers, &s.Microphones,
		&s.Status, &s.Error, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return nil, err
	}
	return &s, nil
}

// GetSessionMeasurements returns the archived cycles for a session in
// completion order.
func (m *Manager) GetSessionMeasurements(ctx context.Context, sessionID string) ([]MeasurementRow, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT session_id, speaker_slot_id, audio_hash, started_at, finished_at
		FROM measurements WHERE session_id = ? ORDER BY id`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []MeasurementRow
	for rows.Next() {
		var r MeasurementRow
		if err := rows.Scan(&r.SessionID, &r.SpeakerSlotID, &r.AudioHash, &r.StartedAt, &r.FinishedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListRecentSessions returns up to limit sessions ordered newest first.
func (m *Manager) ListRecentSessions(ctx context.Context, limit int) ([]SessionRow, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := m.db.QueryContext(ctx, `
		SELECT id, job_id, lobby_id, speakers, microphones, status, error, created_at, updated_at
		FROM sessions ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SessionRow
	for rows.Next() {
		var s SessionRow
		if err := rows.Scan(&s.ID, &s.JobID, &s.LobbyID, &s.Speakers, &s.Microphones,
			&s.Status, &s.Error, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Close drains the write loop and closes the database.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.done)
	m.wg.Wait()
	return m.db.Close()
}
