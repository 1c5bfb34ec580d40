package database

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"helmdect/internal/compliance"
)

// Database handles SQLite database operations
type Database struct {
	db *sql.DB
}

// Counts are the per-class totals of one detection
type Counts struct {
	WithHelmet uint `json:"with_helmet"`
	NoHelmet   uint `json:"no_helmet"`
	Motorcycle uint `json:"motorcycle"`
}

// DetectionRecord is one successful detection stored in history
type DetectionRecord struct {
	ID          string          `json:"id"`
	SessionID   string          `json:"session_id"`
	Modality    string          `json:"modality"`
	Counts      Counts          `json:"counts"`
	TotalRiders uint            `json:"total_riders"`
	Rate        *float64        `json:"rate"`
	Tier        compliance.Tier `json:"tier"`
	Tick        uint64          `json:"tick,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Summary aggregates history over a window
type Summary struct {
	Since      *time.Time            `json:"since,omitempty"`
	Detections int                   `json:"detections"`
	Counts     Counts                `json:"counts"`
	Assessment compliance.Assessment `json:"assessment"`
}

// New creates a new database connection
func New(dbPath string) (*Database, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode for better concurrent access
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	return &Database{db: db}, nil
}

// Close closes the database connection
func (d *Database) Close() error {
	return d.db.Close()
}

// Ping checks the connection is usable
func (d *Database) Ping() error {
	return d.db.Ping()
}

// Migrate runs database migrations
func (d *Database) Migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS detections (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			modality TEXT NOT NULL,
			with_helmet INTEGER NOT NULL DEFAULT 0,
			no_helmet INTEGER NOT NULL DEFAULT 0,
			motorcycle INTEGER NOT NULL DEFAULT 0,
			total_riders INTEGER NOT NULL DEFAULT 0,
			rate REAL,
			tier TEXT NOT NULL,
			tick INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_detections_session_time ON detections(session_id, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_detections_time ON detections(created_at DESC)`,
	}

	for _, migration := range migrations {
		if _, err := d.db.Exec(migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// SaveDetection stores a detection record
func (d *Database) SaveDetection(rec *DetectionRecord) error {
	var rate sql.NullFloat64
	if rec.Rate != nil {
		rate = sql.NullFloat64{Float64: *rec.Rate, Valid: true}
	}

	query := `INSERT INTO detections
		(id, session_id, modality, with_helmet, no_helmet, motorcycle, total_riders, rate, tier, tick, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := d.db.Exec(query, rec.ID, rec.SessionID, rec.Modality,
		rec.Counts.WithHelmet, rec.Counts.NoHelmet, rec.Counts.Motorcycle,
		rec.TotalRiders, rate, string(rec.Tier), rec.Tick, rec.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to save detection: %w", err)
	}
	return nil
}

// GetDetection retrieves a detection by ID. Returns nil when it does not exist.
func (d *Database) GetDetection(id string) (*DetectionRecord, error) {
	query := `SELECT id, session_id, modality, with_helmet, no_helmet, motorcycle,
		total_riders, rate, tier, tick, created_at
		FROM detections WHERE id = ?`

	rec, err := scanDetection(d.db.QueryRow(query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get detection: %w", err)
	}
	return rec, nil
}

// ListDetections returns detections, newest first, with optional filtering
func (d *Database) ListDetections(sessionID string, since *time.Time, limit int) ([]*DetectionRecord, error) {
	query := `SELECT id, session_id, modality, with_helmet, no_helmet, motorcycle,
		total_riders, rate, tier, tick, created_at
		FROM detections WHERE 1=1`
	args := []interface{}{}

	if sessionID != "" {
		query += " AND session_id = ?"
		args = append(args, sessionID)
	}

	if since != nil {
		query += " AND created_at >= ?"
		args = append(args, since.UTC())
	}

	query += " ORDER BY created_at DESC"

	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := d.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list detections: %w", err)
	}
	defer rows.Close()

	records := []*DetectionRecord{}
	for rows.Next() {
		rec, err := scanDetection(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan detection: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Summarize sums counts over the window and classifies the totals
func (d *Database) Summarize(since *time.Time) (*Summary, error) {
	query := `SELECT COUNT(*), COALESCE(SUM(with_helmet), 0), COALESCE(SUM(no_helmet), 0), COALESCE(SUM(motorcycle), 0)
		FROM detections`
	args := []interface{}{}
	if since != nil {
		query += " WHERE created_at >= ?"
		args = append(args, since.UTC())
	}

	var s Summary
	var withHelmet, noHelmet, motorcycle int64
	if err := d.db.QueryRow(query, args...).Scan(&s.Detections, &withHelmet, &noHelmet, &motorcycle); err != nil {
		return nil, fmt.Errorf("failed to summarize detections: %w", err)
	}

	s.Since = since
	s.Counts = Counts{WithHelmet: uint(withHelmet), NoHelmet: uint(noHelmet), Motorcycle: uint(motorcycle)}
	s.Assessment = compliance.ClassifyCompliance(s.Counts.WithHelmet, s.Counts.NoHelmet)
	return &s, nil
}

// DeleteOldDetections deletes detections older than the specified time
func (d *Database) DeleteOldDetections(before time.Time) (int64, error) {
	result, err := d.db.Exec("DELETE FROM detections WHERE created_at < ?", before.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to delete old detections: %w", err)
	}
	return result.RowsAffected()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanDetection(row scanner) (*DetectionRecord, error) {
	var rec DetectionRecord
	var rate sql.NullFloat64
	var tier string

	if err := row.Scan(&rec.ID, &rec.SessionID, &rec.Modality,
		&rec.Counts.WithHelmet, &rec.Counts.NoHelmet, &rec.Counts.Motorcycle,
		&rec.TotalRiders, &rate, &tier, &rec.Tick, &rec.CreatedAt); err != nil {
		return nil, err
	}

	if rate.Valid {
		r := rate.Float64
		rec.Rate = &r
	}
	rec.Tier = compliance.Tier(tier)
	return &rec, nil
}
