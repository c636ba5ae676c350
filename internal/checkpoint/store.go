// Package checkpoint persists a run's mutable state keyed by run id so
// execution survives process restarts and client disconnects.
package checkpoint

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"foreman/internal/plan"
	"foreman/internal/run"
)

var ErrNotFound = errors.New("checkpoint: run not found")

// DefaultThrottle bounds write amplification under rapid step completion.
const DefaultThrottle = 500 * time.Millisecond

// Snapshot is the persisted checkpoint layout. The plan travels in its
// compact form; round-trips through Persist/Load are lossless.
type Snapshot struct {
	Status run.Status      `json:"status"`
	Plan   plan.Compact    `json:"plan"`
	State  *run.AgentState `json:"state"`
	TaskID string          `json:"task_id"`
}

// Take captures a run's current state.
func Take(r *run.Run) *Snapshot {
	return &Snapshot{
		Status: r.Status,
		Plan:   r.Plan.ToCompact(),
		State:  r.State,
		TaskID: r.TaskID,
	}
}

type lastWrite struct {
	at     time.Time
	status run.Status
}

type Store struct {
	db       *sql.DB
	throttle time.Duration

	mu   sync.Mutex
	last map[string]lastWrite
}

func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint db: %w", err)
	}
	s := &Store{db: db, throttle: DefaultThrottle, last: make(map[string]lastWrite)}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS checkpoints (
		run_id     TEXT PRIMARY KEY,
		task_id    TEXT NOT NULL,
		status     TEXT NOT NULL,
		snapshot   TEXT NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_checkpoints_task ON checkpoints(task_id);
	CREATE INDEX IF NOT EXISTS idx_checkpoints_status ON checkpoints(status);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Persist writes the snapshot keyed by run id. Routine progress writes
// are throttled; status transitions and waiting/terminal statuses always
// persist immediately, since dropping one would strand the run in an
// inconsistent state after a crash.
func (s *Store) Persist(runID string, snap *Snapshot, force bool) error {
	if !force && s.throttled(runID, snap.Status) {
		return nil
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot for run %s: %w", runID, err)
	}
	_, err = s.db.Exec(
		`INSERT INTO checkpoints (run_id, task_id, status, snapshot, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(run_id) DO UPDATE SET
		   task_id = excluded.task_id,
		   status = excluded.status,
		   snapshot = excluded.snapshot,
		   updated_at = excluded.updated_at`,
		runID, snap.TaskID, string(snap.Status), string(data), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("persist run %s: %w", runID, err)
	}

	s.mu.Lock()
	if run.IsTerminal(snap.Status) {
		// A settled run gets no further routine writes; keeping its
		// entry would grow the map for the life of the process.
		delete(s.last, runID)
	} else {
		s.last[runID] = lastWrite{at: time.Now(), status: snap.Status}
	}
	s.mu.Unlock()
	return nil
}

// throttled reports whether a routine write may be dropped. Waiting and
// terminal statuses, and any status transition, always go through.
func (s *Store) throttled(runID string, status run.Status) bool {
	if status == run.StatusWaiting || run.IsTerminal(status) {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, seen := s.last[runID]
	if !seen || prev.status != status {
		return false
	}
	return time.Since(prev.at) < s.throttle
}

func (s *Store) Load(runID string) (*Snapshot, error) {
	var data string
	err := s.db.QueryRow(`SELECT snapshot FROM checkpoints WHERE run_id = ?`, runID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load run %s: %w", runID, err)
	}
	var snap Snapshot
	if err := json.Unmarshal([]byte(data), &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot for run %s: %w", runID, err)
	}
	return &snap, nil
}

// LoadStatus reads only the persisted status, used by the event emitter
// to resolve a stream that ended without a terminal signal.
func (s *Store) LoadStatus(runID string) (run.Status, bool) {
	var status string
	err := s.db.QueryRow(`SELECT status FROM checkpoints WHERE run_id = ?`, runID).Scan(&status)
	if err != nil {
		return "", false
	}
	return run.Status(status), true
}

// Restore rebuilds a Run from its snapshot.
func (snap *Snapshot) Restore(runID, sessionKey string) *run.Run {
	state := snap.State
	if state == nil {
		state = run.NewAgentState()
	}
	if state.Context == nil {
		state.Context = make(map[string]string)
	}
	return &run.Run{
		ID:         runID,
		TaskID:     snap.TaskID,
		SessionKey: sessionKey,
		Status:     snap.Status,
		StartedAt:  time.Now(),
		Plan:       plan.FromCompact(snap.Plan),
		State:      state,
	}
}
