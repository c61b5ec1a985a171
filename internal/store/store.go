// Package store persists survey results to SQLite: one row per sampled
// plane and one row per completed measurement. The schema is managed by
// embedded golang-migrate migrations.
package store

import (
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/banshee-data/flume.report/internal/calibration"
	"github.com/banshee-data/flume.report/internal/sampler"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migrations returns the embedded migration filesystem rooted at the
// migration files.
func Migrations() fs.FS {
	sub, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		panic("store: embedded migrations missing: " + err.Error())
	}
	return sub
}

type DB struct {
	*sql.DB
	path string
}

// Open connects to the SQLite database at path without touching the schema;
// call MigrateUp to bring it current.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	if _, err := db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
		PRAGMA foreign_keys = ON;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("set pragmas: %w", err)
	}

	return &DB{DB: db, path: path}, nil
}

// Plane identifies one stored Z-plane sweep.
type Plane struct {
	ID        string     `json:"plane_id"`
	ZPlane    float64    `json:"z_plane"`
	RunNumber int        `json:"run_number"`
	StartedAt time.Time  `json:"started_at"`
	ClosedAt  *time.Time `json:"closed_at,omitempty"`
}

// Measurement is a stored measurement row.
type Measurement struct {
	ID      string `json:"measurement_id"`
	PlaneID string `json:"plane_id"`
	sampler.MeasurementRecord
}

// PlaneWriter persists one plane at a time. It satisfies the acquisition
// engine's storage contract: BeginPlane opens a plane, Append adds rows to
// it, and Close finalizes it. The engine guarantees exactly one Close per
// opened plane; a writer can be reused for subsequent planes.
type PlaneWriter struct {
	mu      sync.Mutex
	db      *DB
	planeID string
}

// NewPlaneWriter creates a writer over the database.
func (db *DB) NewPlaneWriter() *PlaneWriter {
	return &PlaneWriter{db: db}
}

// BeginPlane opens a new plane row and directs subsequent appends to it.
func (w *PlaneWriter) BeginPlane(zPlane float64, runNumber int) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.planeID != "" {
		return fmt.Errorf("plane %s still open", w.planeID)
	}

	id := uuid.NewString()
	_, err := w.db.Exec(
		`INSERT INTO planes (plane_id, z_plane, run_number) VALUES (?, ?, ?)`,
		id, zPlane, runNumber)
	if err != nil {
		return fmt.Errorf("begin plane: %w", err)
	}
	w.planeID = id
	return nil
}

// Append stores one measurement in the open plane.
func (w *PlaneWriter) Append(rec sampler.MeasurementRecord) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.planeID == "" {
		return fmt.Errorf("no open plane")
	}

	_, err := w.db.Exec(
		`INSERT INTO measurements (
			measurement_id, plane_id, x_steps, y_steps, x_feet, y_feet, in_roi, label,
			u_mean, v_mean, w_mean, u_std, v_std, w_std,
			velocity_magnitude, froude_number, turbulence_intensity, depth_mean,
			total_samples, valid_samples, all_invalid, started_at, duration_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), w.planeID,
		rec.Position.XSteps, rec.Position.YSteps, rec.Position.XFeet, rec.Position.YFeet,
		rec.Position.InROI, rec.Position.Label,
		rec.UMean, rec.VMean, rec.WMean, rec.UStd, rec.VStd, rec.WStd,
		rec.VelocityMagnitude, rec.FroudeNumber, rec.TurbulenceIntensity, rec.DepthMean,
		rec.TotalSamples, rec.ValidSamples, rec.AllInvalid,
		rec.StartedAt.UTC(), rec.Duration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("append measurement: %w", err)
	}
	return nil
}

// Close finalizes the open plane. Closing with no open plane is an error;
// the acquisition engine never does it.
func (w *PlaneWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.planeID == "" {
		return fmt.Errorf("no open plane")
	}

	_, err := w.db.Exec(
		`UPDATE planes SET closed_at = CURRENT_TIMESTAMP WHERE plane_id = ?`, w.planeID)
	w.planeID = ""
	if err != nil {
		return fmt.Errorf("close plane: %w", err)
	}
	return nil
}

// Planes lists stored planes, most recent first.
func (db *DB) Planes() ([]Plane, error) {
	rows, err := db.Query(
		`SELECT plane_id, z_plane, run_number, started_at, closed_at
		 FROM planes ORDER BY started_at DESC LIMIT 500`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var planes []Plane
	for rows.Next() {
		var p Plane
		var closed sql.NullTime
		if err := rows.Scan(&p.ID, &p.ZPlane, &p.RunNumber, &p.StartedAt, &closed); err != nil {
			return nil, err
		}
		if closed.Valid {
			t := closed.Time
			p.ClosedAt = &t
		}
		planes = append(planes, p)
	}
	return planes, rows.Err()
}

// Plane fetches one plane by ID, or nil when it does not exist.
func (db *DB) Plane(planeID string) (*Plane, error) {
	var p Plane
	var closed sql.NullTime
	err := db.QueryRow(
		`SELECT plane_id, z_plane, run_number, started_at, closed_at
		 FROM planes WHERE plane_id = ?`, planeID).
		Scan(&p.ID, &p.ZPlane, &p.RunNumber, &p.StartedAt, &closed)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if closed.Valid {
		t := closed.Time
		p.ClosedAt = &t
	}
	return &p, nil
}

// LatestPlane returns the most recently started plane, or nil when the
// database is empty.
func (db *DB) LatestPlane() (*Plane, error) {
	planes, err := db.Planes()
	if err != nil {
		return nil, err
	}
	if len(planes) == 0 {
		return nil, nil
	}
	return &planes[0], nil
}

// Measurements returns the measurements of one plane in insertion order,
// which is the row-major sampling order.
func (db *DB) Measurements(planeID string) ([]Measurement, error) {
	rows, err := db.Query(
		`SELECT measurement_id, plane_id, x_steps, y_steps, x_feet, y_feet, in_roi, label,
			u_mean, v_mean, w_mean, u_std, v_std, w_std,
			velocity_magnitude, froude_number, turbulence_intensity, depth_mean,
			total_samples, valid_samples, all_invalid, started_at, duration_ms
		 FROM measurements WHERE plane_id = ? ORDER BY timestamp, measurement_id`, planeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Measurement
	for rows.Next() {
		var m Measurement
		var pos calibration.Position
		var durationMs int64
		if err := rows.Scan(
			&m.ID, &m.PlaneID, &pos.XSteps, &pos.YSteps, &pos.XFeet, &pos.YFeet,
			&pos.InROI, &pos.Label,
			&m.UMean, &m.VMean, &m.WMean, &m.UStd, &m.VStd, &m.WStd,
			&m.VelocityMagnitude, &m.FroudeNumber, &m.TurbulenceIntensity, &m.DepthMean,
			&m.TotalSamples, &m.ValidSamples, &m.AllInvalid, &m.StartedAt, &durationMs,
		); err != nil {
			return nil, err
		}
		m.Position = pos
		m.Duration = time.Duration(durationMs) * time.Millisecond
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Plane identity lives on the planes row; fold it back in so callers get
	// complete records.
	if len(out) > 0 {
		var z float64
		var run int
		err := db.QueryRow(`SELECT z_plane, run_number FROM planes WHERE plane_id = ?`, planeID).
			Scan(&z, &run)
		if err != nil {
			return nil, err
		}
		for i := range out {
			out[i].ZPlane = z
			out[i].RunNumber = run
		}
	}
	return out, nil
}
