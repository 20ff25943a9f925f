// Package journal keeps a sqlite history of hint sessions.
package journal

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/peterje/perfhint/internal/session"
	"go.uber.org/zap"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Record is one journaled session.
type Record struct {
	ID            string        `json:"id"`
	PID           int           `json:"pid"`
	ThreadIDs     []int32       `json:"thread_ids"`
	InitialTarget time.Duration `json:"initial_target_ns"`
	Target        time.Duration `json:"target_ns"`
	LastActual    time.Duration `json:"last_actual_ns"`
	MeanActual    time.Duration `json:"mean_actual_ns"`
	Reports       int64         `json:"reports"`
	LastHint      *int32        `json:"last_hint,omitempty"`
	Boost         int           `json:"boost"`
	Status        string        `json:"status"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
	ClosedAt      *time.Time    `json:"closed_at"`
}

// Journal records session events. Reports and boost changes are coalesced in
// memory and written by Flush; every other event is written immediately.
type Journal struct {
	db  *sql.DB
	log *zap.Logger

	mu      sync.Mutex
	pending map[string]session.Info
}

// Open opens (creating if needed) the journal at path and applies migrations.
func Open(path string, log *zap.Logger) (*Journal, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Journal{db: db, log: log, pending: make(map[string]session.Info)}, nil
}

func migrate(db *sql.DB) error {
	var version int
	if err := db.QueryRow(`PRAGMA user_version`).Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	names, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return err
	}
	sort.Slice(names, func(i, j int) bool { return names[i].Name() < names[j].Name() })

	for i, entry := range names {
		if i < version {
			continue
		}
		stmt, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return err
		}
		if _, err := db.Exec(string(stmt)); err != nil {
			return fmt.Errorf("migration %s: %w", entry.Name(), err)
		}
		if _, err := db.Exec(fmt.Sprintf(`PRAGMA user_version = %d`, i+1)); err != nil {
			return fmt.Errorf("set schema version: %w", err)
		}
	}
	return nil
}

// Close flushes pending updates and closes the database.
func (j *Journal) Close() error {
	if err := j.Flush(); err != nil {
		j.log.Warn("journal: final flush", zap.Error(err))
	}
	return j.db.Close()
}

// Record implements hintd.Recorder.
func (j *Journal) Record(ev session.Event) error {
	info := ev.Info
	switch ev.Kind {
	case session.EventCreated:
		tids, _ := json.Marshal(info.ThreadIDs)
		_, err := j.db.Exec(`INSERT INTO sessions (id, owner, pid, thread_ids, initial_target_ns, target_ns, boost, status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, 'open', ?, ?)`,
			info.ID, info.Owner, info.PID, string(tids), int64(info.InitialTarget), int64(info.Target),
			info.Boost, info.CreatedAt, info.UpdatedAt)
		return err

	case session.EventReport, session.EventBoost:
		j.mu.Lock()
		j.pending[info.ID] = info
		j.mu.Unlock()
		return nil

	case session.EventTarget:
		j.drop(info.ID)
		return j.update(info)

	case session.EventHint:
		j.drop(info.ID)
		if err := j.update(info); err != nil {
			return err
		}
		if info.LastHint == nil {
			return nil
		}
		_, err := j.db.Exec(`INSERT INTO hints (session_id, hint, sent_at) VALUES (?, ?, ?)`,
			info.ID, int32(*info.LastHint), info.UpdatedAt)
		return err

	case session.EventClosed:
		j.drop(info.ID)
		if err := j.update(info); err != nil {
			return err
		}
		_, err := j.db.Exec(`UPDATE sessions SET status = 'closed', closed_at = ? WHERE id = ?`, time.Now(), info.ID)
		return err
	}
	return nil
}

func (j *Journal) drop(id string) {
	j.mu.Lock()
	delete(j.pending, id)
	j.mu.Unlock()
}

func (j *Journal) update(info session.Info) error {
	var lastHint sql.NullInt32
	if info.LastHint != nil {
		lastHint = sql.NullInt32{Int32: int32(*info.LastHint), Valid: true}
	}
	_, err := j.db.Exec(`UPDATE sessions SET target_ns = ?, last_actual_ns = ?, mean_actual_ns = ?, reports = ?,
		last_hint = ?, boost = ?, updated_at = ? WHERE id = ?`,
		int64(info.Target), int64(info.LastActual), int64(info.MeanActual), info.Reports,
		lastHint, info.Boost, info.UpdatedAt, info.ID)
	return err
}

// Flush writes coalesced report updates.
func (j *Journal) Flush() error {
	j.mu.Lock()
	batch := j.pending
	j.pending = make(map[string]session.Info)
	j.mu.Unlock()

	for _, info := range batch {
		if err := j.update(info); err != nil {
			return fmt.Errorf("flush %s: %w", info.ID, err)
		}
	}
	return nil
}

// Run flushes every interval until ctx is done.
func (j *Journal) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := j.Flush(); err != nil {
				j.log.Warn("journal: flush", zap.Error(err))
			}
		}
	}
}

// CloseStale marks sessions left open by a previous daemon as closed.
func (j *Journal) CloseStale() (int64, error) {
	result, err := j.db.Exec(`UPDATE sessions SET status = 'closed', closed_at = ? WHERE status = 'open'`, time.Now())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// List returns up to limit sessions, newest first.
func (j *Journal) List(limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := j.db.Query(`SELECT id, pid, thread_ids, initial_target_ns, target_ns, last_actual_ns, mean_actual_ns,
		reports, last_hint, boost, status, created_at, updated_at, closed_at
		FROM sessions ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := []Record{}
	for rows.Next() {
		var (
			r        Record
			tids     string
			initial  int64
			target   int64
			lastAct  int64
			meanAct  int64
			lastHint sql.NullInt32
			closedAt sql.NullTime
		)
		if err := rows.Scan(&r.ID, &r.PID, &tids, &initial, &target, &lastAct, &meanAct,
			&r.Reports, &lastHint, &r.Boost, &r.Status, &r.CreatedAt, &r.UpdatedAt, &closedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(tids), &r.ThreadIDs); err != nil {
			return nil, fmt.Errorf("decode thread ids for %s: %w", r.ID, err)
		}
		r.InitialTarget = time.Duration(initial)
		r.Target = time.Duration(target)
		r.LastActual = time.Duration(lastAct)
		r.MeanActual = time.Duration(meanAct)
		if lastHint.Valid {
			h := lastHint.Int32
			r.LastHint = &h
		}
		if closedAt.Valid {
			t := closedAt.Time
			r.ClosedAt = &t
		}
		records = append(records, r)
	}
	return records, rows.Err()
}
