package records

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"defectcam/internal/logger"
)

const logTag = "Records"

// Store keeps defect records and device status in SQLite or Postgres
type Store struct {
	db     *sql.DB
	driver string
}

// DefectRecord represents an uploaded defect stored in the database
type DefectRecord struct {
	ID         string
	DeviceID   string
	DefectType string
	Confidence float64
	BBox       string // "x1,y1,x2,y2"
	DetectedAt time.Time
	ImageURL   string
	ImagePath  string
	Status     string
	CreatedAt  time.Time
}

// DeviceStatus represents the last known presence of a device
type DeviceStatus struct {
	DeviceID string
	IsOnline bool
	LastSeen time.Time
}

// Open connects to the database and runs migrations.
// driver is "sqlite" (modernc) or "pgx" (Postgres).
func Open(driver, dsn string) (*Store, error) {
	switch driver {
	case "sqlite", "pgx":
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if driver == "sqlite" {
		// Single writer; avoids SQLITE_BUSY between upload workers
		db.SetMaxOpenConns(1)

		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
		}
		if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set busy timeout: %w", err)
		}
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &Store{db: db, driver: driver}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the schema; every statement is idempotent
func (s *Store) migrate() error {
	timeType := "DATETIME"
	boolType := "INTEGER"
	if s.driver == "pgx" {
		timeType = "TIMESTAMPTZ"
		boolType = "BOOLEAN"
	}

	migrations := []string{
		`CREATE TABLE IF NOT EXISTS defects (
			id TEXT PRIMARY KEY,
			device_id TEXT NOT NULL,
			defect_type TEXT NOT NULL,
			confidence REAL,
			bbox TEXT,
			detected_at ` + timeType + ` NOT NULL,
			image_url TEXT,
			image_path TEXT,
			status TEXT NOT NULL DEFAULT 'pending',
			created_at ` + timeType + ` NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS device_status (
			device_id TEXT PRIMARY KEY,
			is_online ` + boolType + ` NOT NULL,
			last_seen ` + timeType + ` NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_defects_detected ON defects(detected_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_defects_type ON defects(defect_type, detected_at DESC)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.Exec(migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	logger.Info(logTag, "Migrations completed (%s)", s.driver)
	return nil
}

// SaveDefect inserts a defect record, filling ID, Status and CreatedAt when empty
func (s *Store) SaveDefect(ctx context.Context, rec *DefectRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Status == "" {
		rec.Status = "pending"
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	query := `INSERT INTO defects
		(id, device_id, defect_type, confidence, bbox, detected_at, image_url, image_path, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			image_url = excluded.image_url,
			image_path = excluded.image_path,
			status = excluded.status`

	_, err := s.db.ExecContext(ctx, s.rebind(query), rec.ID, rec.DeviceID, rec.DefectType, rec.Confidence,
		rec.BBox, rec.DetectedAt.UTC(), rec.ImageURL, rec.ImagePath, rec.Status, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save defect: %w", err)
	}
	return nil
}

// GetDefect retrieves a defect by ID, or nil when absent
func (s *Store) GetDefect(ctx context.Context, id string) (*DefectRecord, error) {
	query := `SELECT id, device_id, defect_type, confidence, bbox, detected_at, image_url, image_path, status, created_at
		FROM defects WHERE id = ?`

	var rec DefectRecord
	err := s.db.QueryRowContext(ctx, s.rebind(query), id).Scan(&rec.ID, &rec.DeviceID, &rec.DefectType,
		&rec.Confidence, &rec.BBox, &rec.DetectedAt, &rec.ImageURL, &rec.ImagePath, &rec.Status, &rec.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get defect: %w", err)
	}
	return &rec, nil
}

// RecentDefects returns the newest defects first
func (s *Store) RecentDefects(ctx context.Context, limit int) ([]*DefectRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT id, device_id, defect_type, confidence, bbox, detected_at, image_url, image_path, status, created_at
		FROM defects ORDER BY detected_at DESC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, s.rebind(query), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list defects: %w", err)
	}
	defer rows.Close()

	var records []*DefectRecord
	for rows.Next() {
		var rec DefectRecord
		if err := rows.Scan(&rec.ID, &rec.DeviceID, &rec.DefectType, &rec.Confidence, &rec.BBox,
			&rec.DetectedAt, &rec.ImageURL, &rec.ImagePath, &rec.Status, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan defect: %w", err)
		}
		records = append(records, &rec)
	}
	return records, rows.Err()
}

// SetDeviceStatus upserts the online flag and last-seen time of a device
func (s *Store) SetDeviceStatus(ctx context.Context, deviceID string, online bool) error {
	query := `INSERT INTO device_status (device_id, is_online, last_seen)
		VALUES (?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET
			is_online = excluded.is_online,
			last_seen = excluded.last_seen`

	_, err := s.db.ExecContext(ctx, s.rebind(query), deviceID, online, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to update device status: %w", err)
	}
	return nil
}

// GetDeviceStatus returns the stored status of a device, or nil when unknown
func (s *Store) GetDeviceStatus(ctx context.Context, deviceID string) (*DeviceStatus, error) {
	query := `SELECT device_id, is_online, last_seen FROM device_status WHERE device_id = ?`

	var st DeviceStatus
	err := s.db.QueryRowContext(ctx, s.rebind(query), deviceID).Scan(&st.DeviceID, &st.IsOnline, &st.LastSeen)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get device status: %w", err)
	}
	return &st, nil
}

// rebind rewrites ? placeholders to $n for Postgres
func (s *Store) rebind(query string) string {
	if s.driver != "pgx" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
