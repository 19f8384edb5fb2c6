package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"armguard/internal/pipeline"
)

// ErrNotFound is returned when a camera or report does not exist
var ErrNotFound = errors.New("not found")

// Camera status values, as maintained by the camera management API
const (
	CameraOnline      = "online"
	CameraOffline     = "offline"
	CameraMaintenance = "maintenance"
)

// Database handles SQLite database operations
type Database struct {
	db     *sql.DB
	logger zerolog.Logger
}

// CameraRecord represents a camera stored in the database
type CameraRecord struct {
	pipeline.CameraInfo
	Status   string
	LastPing time.Time
}

// ReportRecord represents an automatically created report
type ReportRecord struct {
	ID          string            `json:"id"`
	CameraID    string            `json:"camera_id"`
	OwnerID     string            `json:"owner_id,omitempty"`
	ReportType  string            `json:"report_type"`
	Status      string            `json:"status"`
	Priority    pipeline.Priority `json:"priority"`
	Title       string            `json:"title"`
	Description string            `json:"description"`
	Confidence  float64           `json:"confidence"`
	WeaponType  string            `json:"weapon_type"`
	EvidenceRef string            `json:"evidence_ref,omitempty"`
	Automatic   bool              `json:"is_automatic"`
	IncidentAt  time.Time         `json:"incident_at"`
	CreatedAt   time.Time         `json:"created_at"`
}

// DetectionStats summarizes detection logs over a period
type DetectionStats struct {
	TotalChecks         int     `json:"total_checks"`
	WeaponDetections    int     `json:"weapon_detections"`
	DetectionRate       float64 `json:"detection_rate"`
	AvgProcessingTimeMs float64 `json:"avg_processing_time_ms"`
	PeriodHours         float64 `json:"period_hours"`
}

// New opens the database at dbPath
func New(dbPath string, logger zerolog.Logger) (*Database, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Pragmas are per connection; a single connection keeps them in effect
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrent access
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return &Database{
		db:     db,
		logger: logger.With().Str("component", "database").Logger(),
	}, nil
}

// Close closes the database connection
func (d *Database) Close() error {
	return d.db.Close()
}

// Migrate runs database migrations. Timestamps are stored as unix milliseconds.
func (d *Database) Migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS cameras (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			location TEXT NOT NULL DEFAULT '',
			stream_url TEXT NOT NULL,
			owner_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'offline',
			is_active INTEGER NOT NULL DEFAULT 1,
			last_ping INTEGER,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS reports (
			id TEXT PRIMARY KEY,
			camera_id TEXT NOT NULL,
			owner_id TEXT NOT NULL DEFAULT '',
			report_type TEXT NOT NULL DEFAULT 'weapon_detection',
			status TEXT NOT NULL DEFAULT 'NEW',
			priority TEXT NOT NULL DEFAULT 'MEDIUM',
			title TEXT NOT NULL,
			description TEXT,
			detection_confidence REAL,
			weapon_type TEXT,
			evidence_ref TEXT,
			is_automatic INTEGER NOT NULL DEFAULT 0,
			incident_at INTEGER NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS detection_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			camera_id TEXT NOT NULL,
			status TEXT NOT NULL,
			confidence REAL,
			weapon_type TEXT,
			processing_time_ms REAL,
			report_id TEXT,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_reports_camera_time ON reports(camera_id, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_reports_time ON reports(created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_detection_logs_time ON detection_logs(created_at DESC)`,
	}

	for _, migration := range migrations {
		if _, err := d.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	d.logger.Debug().Int("migrations", len(migrations)).Msg("database migrations completed")
	return nil
}

// SaveCamera saves or updates a camera
func (d *Database) SaveCamera(ctx context.Context, cam *CameraRecord) error {
	if cam.Status == "" {
		cam.Status = CameraOffline
		if cam.Reachable {
			cam.Status = CameraOnline
		}
	}

	query := `INSERT INTO cameras (id, name, location, stream_url, owner_id, status, is_active, last_ping, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			location = excluded.location,
			stream_url = excluded.stream_url,
			owner_id = excluded.owner_id,
			status = excluded.status,
			is_active = excluded.is_active,
			last_ping = excluded.last_ping`

	_, err := d.db.ExecContext(ctx, query, cam.ID, cam.Name, cam.Location, cam.StreamURL, cam.OwnerID,
		cam.Status, boolToInt(cam.Active), nullMillis(cam.LastPing), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to save camera: %w", err)
	}
	return nil
}

// DeleteCamera deletes a camera by ID
func (d *Database) DeleteCamera(ctx context.Context, id string) error {
	_, err := d.db.ExecContext(ctx, "DELETE FROM cameras WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete camera: %w", err)
	}
	return nil
}

// UpdateCameraStatus updates the status of a camera and, when it is online,
// its last ping time
func (d *Database) UpdateCameraStatus(ctx context.Context, id, status string) error {
	var res sql.Result
	var err error
	if status == CameraOnline {
		res, err = d.db.ExecContext(ctx, "UPDATE cameras SET status = ?, last_ping = ? WHERE id = ?",
			status, time.Now().UnixMilli(), id)
	} else {
		res, err = d.db.ExecContext(ctx, "UPDATE cameras SET status = ? WHERE id = ?", status, id)
	}
	if err != nil {
		return fmt.Errorf("failed to update camera status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("camera %s: %w", id, ErrNotFound)
	}
	return nil
}

const cameraColumns = `id, name, location, stream_url, owner_id, status, is_active, last_ping`

func scanCamera(row interface{ Scan(...any) error }) (*CameraRecord, error) {
	var cam CameraRecord
	var active int
	var lastPing sql.NullInt64
	if err := row.Scan(&cam.ID, &cam.Name, &cam.Location, &cam.StreamURL, &cam.OwnerID,
		&cam.Status, &active, &lastPing); err != nil {
		return nil, err
	}
	cam.Active = active == 1
	cam.Reachable = cam.Status == CameraOnline
	if lastPing.Valid {
		cam.LastPing = time.UnixMilli(lastPing.Int64)
	}
	return &cam, nil
}

// GetCameraRecord retrieves a camera by ID
func (d *Database) GetCameraRecord(ctx context.Context, id string) (*CameraRecord, error) {
	row := d.db.QueryRowContext(ctx, `SELECT `+cameraColumns+` FROM cameras WHERE id = ?`, id)
	cam, err := scanCamera(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("camera %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get camera: %w", err)
	}
	return cam, nil
}

// ListCameras returns all cameras ordered by id
func (d *Database) ListCameras(ctx context.Context) ([]*CameraRecord, error) {
	return d.listCameras(ctx, `SELECT `+cameraColumns+` FROM cameras ORDER BY id`)
}

func (d *Database) listCameras(ctx context.Context, query string, args ...any) ([]*CameraRecord, error) {
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list cameras: %w", err)
	}
	defer rows.Close()

	var cameras []*CameraRecord
	for rows.Next() {
		cam, err := scanCamera(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan camera: %w", err)
		}
		cameras = append(cameras, cam)
	}
	return cameras, rows.Err()
}

// ListEligibleCameras implements pipeline.CameraRegistry: active cameras whose
// status is online
func (d *Database) ListEligibleCameras(ctx context.Context) ([]pipeline.CameraInfo, error) {
	records, err := d.listCameras(ctx,
		`SELECT `+cameraColumns+` FROM cameras WHERE is_active = 1 AND status = ? ORDER BY id`, CameraOnline)
	if err != nil {
		return nil, err
	}
	cams := make([]pipeline.CameraInfo, 0, len(records))
	for _, r := range records {
		cams = append(cams, r.CameraInfo)
	}
	return cams, nil
}

// GetCamera implements pipeline.CameraRegistry
func (d *Database) GetCamera(ctx context.Context, id string) (*pipeline.CameraInfo, error) {
	rec, err := d.GetCameraRecord(ctx, id)
	if err != nil {
		return nil, err
	}
	return &rec.CameraInfo, nil
}

// CreateAutoReport implements pipeline.ReportCreator. Reports are created with
// status NEW and flagged as automatic.
func (d *Database) CreateAutoReport(ctx context.Context, r pipeline.AutoReport) (string, error) {
	var name, owner string
	err := d.db.QueryRowContext(ctx, "SELECT name, owner_id FROM cameras WHERE id = ?", r.CameraID).Scan(&name, &owner)
	if errors.Is(err, sql.ErrNoRows) {
		name = r.CameraID
	} else if err != nil {
		return "", fmt.Errorf("failed to look up camera: %w", err)
	}

	priority := r.Priority
	if priority == "" {
		priority = pipeline.PriorityCritical
	}
	detectedAt := r.DetectedAt
	if detectedAt.IsZero() {
		detectedAt = time.Now()
	}

	id := uuid.New().String()
	weapon := r.WeaponType
	if weapon == "" {
		weapon = "weapon"
	}
	title := fmt.Sprintf("Weapon detected - %s", name)
	description := fmt.Sprintf("System detected %s with %.1f%% confidence", weapon, r.Confidence*100)

	query := `INSERT INTO reports
		(id, camera_id, owner_id, report_type, status, priority, title, description,
		 detection_confidence, weapon_type, evidence_ref, is_automatic, incident_at, created_at)
		VALUES (?, ?, ?, 'weapon_detection', 'NEW', ?, ?, ?, ?, ?, ?, 1, ?, ?)`

	_, err = d.db.ExecContext(ctx, query, id, r.CameraID, owner, string(priority), title, description,
		float64(r.Confidence), r.WeaponType, r.EvidenceRef, detectedAt.UnixMilli(), time.Now().UnixMilli())
	if err != nil {
		return "", fmt.Errorf("failed to create report: %w", err)
	}

	d.logger.Info().Str("report_id", id).Str("camera_id", r.CameraID).
		Str("priority", string(priority)).Msg("auto report created")
	return id, nil
}

// RecordDetection implements pipeline.DetectionRecorder
func (d *Database) RecordDetection(ctx context.Context, cameraID string, v pipeline.Verdict, reportID string) error {
	status := "below_threshold"
	if reportID != "" {
		status = "detected"
	}

	_, err := d.db.ExecContext(ctx, `INSERT INTO detection_logs
		(camera_id, status, confidence, weapon_type, processing_time_ms, report_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		cameraID, status, float64(v.Confidence), v.WeaponType, float64(v.InferenceTimeMs),
		nullString(reportID), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to record detection: %w", err)
	}
	return nil
}

// GetReport retrieves a report by ID
func (d *Database) GetReport(ctx context.Context, id string) (*ReportRecord, error) {
	row := d.db.QueryRowContext(ctx, `SELECT `+reportColumns+` FROM reports WHERE id = ?`, id)
	r, err := scanReport(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("report %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get report: %w", err)
	}
	return r, nil
}

// ListReports returns reports, newest first, optionally filtered by camera
func (d *Database) ListReports(ctx context.Context, cameraID string, limit int) ([]*ReportRecord, error) {
	var sb strings.Builder
	sb.WriteString(`SELECT ` + reportColumns + ` FROM reports WHERE 1=1`)
	args := []any{}

	if cameraID != "" {
		sb.WriteString(" AND camera_id = ?")
		args = append(args, cameraID)
	}
	sb.WriteString(" ORDER BY created_at DESC")
	if limit > 0 {
		sb.WriteString(" LIMIT ?")
		args = append(args, limit)
	}

	rows, err := d.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list reports: %w", err)
	}
	defer rows.Close()

	var reports []*ReportRecord
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan report: %w", err)
		}
		reports = append(reports, r)
	}
	return reports, rows.Err()
}

// CountAutoReportsSince counts automatic reports created at or after since
func (d *Database) CountAutoReportsSince(ctx context.Context, since time.Time) (int, error) {
	var n int
	err := d.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM reports WHERE is_automatic = 1 AND created_at >= ?", since.UnixMilli()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count reports: %w", err)
	}
	return n, nil
}

// DetectionStats summarizes detection logs recorded at or after since
func (d *Database) DetectionStats(ctx context.Context, since time.Time) (DetectionStats, error) {
	var s DetectionStats
	var avg sql.NullFloat64
	err := d.db.QueryRowContext(ctx, `SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN status = 'detected' THEN 1 ELSE 0 END), 0),
			AVG(processing_time_ms)
		FROM detection_logs WHERE created_at >= ?`, since.UnixMilli()).
		Scan(&s.TotalChecks, &s.WeaponDetections, &avg)
	if err != nil {
		return s, fmt.Errorf("failed to compute detection stats: %w", err)
	}

	if s.TotalChecks > 0 {
		s.DetectionRate = float64(s.WeaponDetections) / float64(s.TotalChecks) * 100
	}
	if avg.Valid {
		s.AvgProcessingTimeMs = avg.Float64
	}
	s.PeriodHours = time.Since(since).Hours()
	return s, nil
}

// DeleteDetectionLogsBefore prunes old detection logs
func (d *Database) DeleteDetectionLogsBefore(ctx context.Context, before time.Time) (int64, error) {
	result, err := d.db.ExecContext(ctx, "DELETE FROM detection_logs WHERE created_at < ?", before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to delete old detection logs: %w", err)
	}
	return result.RowsAffected()
}

const reportColumns = `id, camera_id, owner_id, report_type, status, priority, title, description,
	detection_confidence, weapon_type, evidence_ref, is_automatic, incident_at, created_at`

func scanReport(row interface{ Scan(...any) error }) (*ReportRecord, error) {
	var r ReportRecord
	var priority string
	var description, weapon, evidence sql.NullString
	var confidence sql.NullFloat64
	var automatic int
	var incidentAt, createdAt int64

	if err := row.Scan(&r.ID, &r.CameraID, &r.OwnerID, &r.ReportType, &r.Status, &priority, &r.Title,
		&description, &confidence, &weapon, &evidence, &automatic, &incidentAt, &createdAt); err != nil {
		return nil, err
	}

	r.Priority = pipeline.Priority(priority)
	r.Description = description.String
	r.Confidence = confidence.Float64
	r.WeaponType = weapon.String
	r.EvidenceRef = evidence.String
	r.Automatic = automatic == 1
	r.IncidentAt = time.UnixMilli(incidentAt)
	r.CreatedAt = time.UnixMilli(createdAt)
	return &r, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullMillis(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

var (
	_ pipeline.CameraRegistry    = (*Database)(nil)
	_ pipeline.ReportCreator     = (*Database)(nil)
	_ pipeline.DetectionRecorder = (*Database)(nil)
)
