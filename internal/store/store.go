// Package store persists per-cloud summary rows in SQLite for reporting.
// Point payloads stay in cloud logs and on the stream; the database holds
// one row per cloud with counts and spatial bounds, enough for history and
// rate queries without ballooning the file.
package store

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/golang-migrate/migrate/v4"
	sqlitemigrate "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/calyx-robotics/scancloud/internal/cloud"
	"github.com/calyx-robotics/scancloud/internal/diag"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps the clouds database. It implements cloud.Publisher; insert
// failures are logged and counted rather than surfaced to the assembler.
type Store struct {
	db   *sql.DB
	path string

	droppedWrites atomic.Uint64
}

// Open opens (or creates) the database at path and applies any pending
// migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA temp_store=MEMORY",
		"PRAGMA foreign_keys=ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("execute %q: %w", pragma, err)
		}
	}

	if err := migrateUp(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db, path: path}, nil
}

func migrateUp(db *sql.DB) error {
	m, err := newMigrate(db)
	if err != nil {
		return err
	}
	// The migrate instance is not closed: closing it would close the
	// underlying DB connection.
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

func newMigrate(db *sql.DB) (*migrate.Migrate, error) {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("load embedded migrations: %w", err)
	}
	driver, err := sqlitemigrate.WithInstance(db, &sqlitemigrate.Config{})
	if err != nil {
		return nil, fmt.Errorf("create sqlite migrate driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return nil, fmt.Errorf("create migrate instance: %w", err)
	}
	m.Log = migrateLogger{}
	return m, nil
}

type migrateLogger struct{}

func (migrateLogger) Printf(format string, v ...any) { diag.Opsf("store: migrate: "+format, v...) }
func (migrateLogger) Verbose() bool                  { return false }

// MigrationVersion returns the applied schema version and dirty state.
// A fresh database with nothing applied reports 0, false.
func (s *Store) MigrationVersion() (uint, bool, error) {
	m, err := newMigrate(s.db)
	if err != nil {
		return 0, false, err
	}
	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying connection for admin tooling.
func (s *Store) DB() *sql.DB {
	return s.db
}

// CloudRow is one persisted cloud summary.
type CloudRow struct {
	ID     string    `json:"id"`
	Frame  string    `json:"frame"`
	Stamp  time.Time `json:"stamp"`
	Layout string    `json:"layout"`
	Scans  int       `json:"scans"`
	Points int       `json:"points"`
	MinX   float64   `json:"min_x"`
	MaxX   float64   `json:"max_x"`
	MinY   float64   `json:"min_y"`
	MaxY   float64   `json:"max_y"`
	MinZ   float64   `json:"min_z"`
	MaxZ   float64   `json:"max_z"`
}

// RecordCloud inserts one summary row.
func (s *Store) RecordCloud(c *cloud.PointCloud) error {
	minX, maxX := bounds(c.X)
	minY, maxY := bounds(c.Y)
	minZ, maxZ := bounds(c.Z)

	_, err := s.db.Exec(`
		INSERT INTO clouds (cloud_id, frame, stamp_ns, layout, scans, points,
			min_x, max_x, min_y, max_y, min_z, max_z)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Frame, c.Stamp.UnixNano(), c.Layout.String(), c.Scans, c.Len(),
		minX, maxX, minY, maxY, minZ, maxZ)
	if err != nil {
		return fmt.Errorf("insert cloud %s: %w", c.ID, err)
	}
	return nil
}

func bounds(vals []float32) (lo, hi float64) {
	if len(vals) == 0 {
		return 0, 0
	}
	lo, hi = float64(vals[0]), float64(vals[0])
	for _, v := range vals[1:] {
		f := float64(v)
		if f < lo {
			lo = f
		}
		if f > hi {
			hi = f
		}
	}
	return lo, hi
}

// PublishCloud records the cloud, counting failures instead of returning
// them.
func (s *Store) PublishCloud(c *cloud.PointCloud) {
	if err := s.RecordCloud(c); err != nil {
		s.droppedWrites.Add(1)
		diag.Diagf("store: dropping cloud %s: %v", c.ID, err)
	}
}

// DroppedWrites returns the number of clouds lost to insert errors.
func (s *Store) DroppedWrites() uint64 {
	return s.droppedWrites.Load()
}

// RecentClouds returns the newest rows by stamp, newest first. A limit at
// or below zero means 50.
func (s *Store) RecentClouds(limit int) ([]CloudRow, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT cloud_id, frame, stamp_ns, layout, scans, points,
			min_x, max_x, min_y, max_y, min_z, max_z
		FROM clouds ORDER BY stamp_ns DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CloudRow
	for rows.Next() {
		var r CloudRow
		var stampNs int64
		if err := rows.Scan(&r.ID, &r.Frame, &stampNs, &r.Layout, &r.Scans, &r.Points,
			&r.MinX, &r.MaxX, &r.MinY, &r.MaxY, &r.MinZ, &r.MaxZ); err != nil {
			return nil, err
		}
		r.Stamp = time.Unix(0, stampNs).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

// Totals summarises everything recorded so far.
type Totals struct {
	Clouds uint64 `json:"clouds"`
	Scans  uint64 `json:"scans"`
	Points uint64 `json:"points"`
}

// CloudTotals returns whole-table totals.
func (s *Store) CloudTotals() (Totals, error) {
	var t Totals
	err := s.db.QueryRow(`
		SELECT COUNT(*), COALESCE(SUM(scans), 0), COALESCE(SUM(points), 0)
		FROM clouds`).Scan(&t.Clouds, &t.Scans, &t.Points)
	return t, err
}

// HourBucket is one hour of cloud production.
type HourBucket struct {
	Hour   string `json:"hour"`
	Clouds int64  `json:"clouds"`
	Points int64  `json:"points"`
}

// CloudsPerHour buckets production by stamp hour for rows at or after
// since, oldest bucket first.
func (s *Store) CloudsPerHour(since time.Time) ([]HourBucket, error) {
	rows, err := s.db.Query(`
		SELECT strftime('%Y-%m-%dT%H:00:00Z', stamp_ns / 1000000000, 'unixepoch') AS hour,
			COUNT(*), COALESCE(SUM(points), 0)
		FROM clouds
		WHERE stamp_ns >= ?
		GROUP BY hour ORDER BY hour`, since.UnixNano())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []HourBucket
	for rows.Next() {
		var b HourBucket
		if err := rows.Scan(&b.Hour, &b.Clouds, &b.Points); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}
