// Package history keeps a local SQLite log of emitted telemetry records.
package history

import (
	"database/sql"
	_ "embed"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/sweeney/tank-sensor/internal/logic"
	"github.com/sweeney/tank-sensor/internal/telemetry"
)

//go:embed schema.sql
var schemaSQL string

// pruneEvery is how many inserts pass between retention sweeps.
const pruneEvery = 500

// Entry is one stored record.
type Entry struct {
	ID           int64            `json:"id"`
	Session      string           `json:"session"`
	RecordedAt   time.Time        `json:"recorded_at"`
	UptimeMs     uint64           `json:"uptime_ms"`
	FillPercent  int              `json:"fill_percent"`
	Conductivity uint16           `json:"conductivity"`
	Status       logic.StatusKind `json:"status"`
	Alert        bool             `json:"alert"`
}

// Store appends telemetry records to a SQLite database.
type Store struct {
	db      *sql.DB
	session string
	keep    int
	now     func() time.Time

	mu      sync.Mutex
	inserts int
}

// Open opens or creates the database at path. Records are tagged with
// session. keep bounds the number of rows retained (0 keeps everything).
func Open(path, session string, keep int, now func() time.Time) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	// One writer; also keeps ":memory:" databases on a single connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("create history schema: %w", err)
	}
	return &Store{db: db, session: session, keep: keep, now: now}, nil
}

// Report stores rec. It satisfies the loop's Reporter interface.
func (s *Store) Report(rec telemetry.Record) error {
	alert := 0
	if rec.Alert {
		alert = 1
	}
	_, err := s.db.Exec(`
		INSERT INTO telemetry (session, recorded_at, uptime_ms, fill_percent, conductivity, status, alert)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		s.session, s.now().UnixMilli(), int64(rec.TimestampMs), rec.FillPercent, int(rec.Conductivity), string(rec.Status), alert)
	if err != nil {
		return fmt.Errorf("insert telemetry: %w", err)
	}

	s.mu.Lock()
	s.inserts++
	sweep := s.keep > 0 && s.inserts%pruneEvery == 0
	s.mu.Unlock()
	if sweep {
		return s.Prune(s.keep)
	}
	return nil
}

// Prune deletes all but the newest keep rows.
func (s *Store) Prune(keep int) error {
	_, err := s.db.Exec(`
		DELETE FROM telemetry
		WHERE id <= (SELECT MAX(id) FROM telemetry) - ?`, keep)
	if err != nil {
		return fmt.Errorf("prune telemetry: %w", err)
	}
	return nil
}

// Recent returns up to n entries, newest first.
func (s *Store) Recent(n int) ([]Entry, error) {
	rows, err := s.db.Query(`
		SELECT id, session, recorded_at, uptime_ms, fill_percent, conductivity, status, alert
		FROM telemetry
		ORDER BY id DESC
		LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("query telemetry: %w", err)
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		var (
			e          Entry
			recordedAt int64
			uptime     int64
			cond       int
			status     string
			alert      int
		)
		if err := rows.Scan(&e.ID, &e.Session, &recordedAt, &uptime, &e.FillPercent, &cond, &status, &alert); err != nil {
			return nil, fmt.Errorf("scan telemetry: %w", err)
		}
		e.RecordedAt = time.UnixMilli(recordedAt).UTC()
		e.UptimeMs = uint64(uptime)
		e.Conductivity = uint16(cond)
		e.Status = logic.StatusKind(status)
		e.Alert = alert != 0
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read telemetry: %w", err)
	}
	return entries, nil
}

// Count returns the number of stored rows.
func (s *Store) Count() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM telemetry`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count telemetry: %w", err)
	}
	return n, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
