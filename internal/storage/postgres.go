package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/your-org/facewatch/internal/models"
)

var ErrNotFound = errors.New("not found")

// Postgres backs the camera registry, the face gallery and the sighting
// history. One pool serves all three.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Close() {
	p.pool.Close()
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// EnsureSchema creates the tables and the pgvector extension if they are
// missing. Kept idempotent so every binary can run it at startup.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		`CREATE TABLE IF NOT EXISTS cameras (
			id         BIGSERIAL PRIMARY KEY,
			tenant_id  BIGINT NOT NULL,
			name       TEXT NOT NULL,
			source     TEXT NOT NULL,
			status     TEXT NOT NULL DEFAULT 'stopped',
			last_error TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS known_faces (
			id         BIGSERIAL PRIMARY KEY,
			tenant_id  BIGINT NOT NULL,
			name       TEXT NOT NULL,
			embedding  vector(128) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (tenant_id, name)
		)`,
		`CREATE TABLE IF NOT EXISTS sighting_sessions (
			id              BIGSERIAL PRIMARY KEY,
			face_id         BIGINT NOT NULL REFERENCES known_faces(id) ON DELETE CASCADE,
			camera_id       BIGINT NOT NULL,
			session_start   TIMESTAMPTZ NOT NULL,
			last_seen       TIMESTAMPTZ NOT NULL,
			session_end     TIMESTAMPTZ,
			detection_count INT NOT NULL DEFAULT 1,
			confidence_avg  DOUBLE PRECISION NOT NULL DEFAULT 0,
			is_unknown      BOOLEAN NOT NULL DEFAULT false
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_open
			ON sighting_sessions (face_id, camera_id, session_start)
			WHERE session_end IS NULL`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_start ON sighting_sessions (session_start)`,
	}
	for _, stmt := range stmts {
		if _, err := p.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// --- cameras ---

func (p *Postgres) GetCamera(ctx context.Context, id int64) (models.Camera, error) {
	var c models.Camera
	err := p.pool.QueryRow(ctx,
		`SELECT id, tenant_id, name, source, status, last_error, created_at FROM cameras WHERE id = $1`, id).
		Scan(&c.ID, &c.TenantID, &c.Name, &c.Source, &c.Status, &c.LastError, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Camera{}, fmt.Errorf("camera %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Camera{}, fmt.Errorf("get camera %d: %w", id, err)
	}
	return c, nil
}

func (p *Postgres) ListCameras(ctx context.Context, tenantID int64) ([]models.Camera, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT id, tenant_id, name, source, status, last_error, created_at FROM cameras WHERE tenant_id = $1 ORDER BY id`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list cameras: %w", err)
	}
	defer rows.Close()

	var cameras []models.Camera
	for rows.Next() {
		var c models.Camera
		if err := rows.Scan(&c.ID, &c.TenantID, &c.Name, &c.Source, &c.Status, &c.LastError, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan camera: %w", err)
		}
		cameras = append(cameras, c)
	}
	return cameras, rows.Err()
}

func (p *Postgres) CreateCamera(ctx context.Context, tenantID int64, name, source string) (models.Camera, error) {
	c := models.Camera{TenantID: tenantID, Name: name, Source: source, Status: models.CameraStatusStopped}
	err := p.pool.QueryRow(ctx,
		`INSERT INTO cameras (tenant_id, name, source) VALUES ($1, $2, $3) RETURNING id, created_at`,
		tenantID, name, source).
		Scan(&c.ID, &c.CreatedAt)
	if err != nil {
		return models.Camera{}, fmt.Errorf("create camera: %w", err)
	}
	return c, nil
}

func (p *Postgres) UpdateCameraStatus(ctx context.Context, id int64, status models.CameraStatus, lastError string) error {
	_, err := p.pool.Exec(ctx,
		`UPDATE cameras SET status = $1, last_error = $2 WHERE id = $3`, status, lastError, id)
	if err != nil {
		return fmt.Errorf("update camera %d status: %w", id, err)
	}
	return nil
}

func (p *Postgres) DeleteCamera(ctx context.Context, tenantID, id int64) error {
	tag, err := p.pool.Exec(ctx, `DELETE FROM cameras WHERE id = $1 AND tenant_id = $2`, id, tenantID)
	if err != nil {
		return fmt.Errorf("delete camera %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("camera %d: %w", id, ErrNotFound)
	}
	return nil
}

// --- known faces ---

func (p *Postgres) ListKnownFaces(ctx context.Context, tenantID int64) ([]models.KnownFace, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT id, tenant_id, name, embedding, created_at FROM known_faces WHERE tenant_id = $1 ORDER BY id`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list known faces: %w", err)
	}
	defer rows.Close()

	var faces []models.KnownFace
	for rows.Next() {
		var (
			f   models.KnownFace
			vec pgvector.Vector
		)
		if err := rows.Scan(&f.ID, &f.TenantID, &f.Name, &vec, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan known face: %w", err)
		}
		f.Embedding = vec.Slice()
		faces = append(faces, f)
	}
	return faces, rows.Err()
}

func (p *Postgres) CreateKnownFace(ctx context.Context, tenantID int64, name string, embedding []float32) (models.KnownFace, error) {
	f := models.KnownFace{TenantID: tenantID, Name: name, Embedding: embedding}
	err := p.pool.QueryRow(ctx,
		`INSERT INTO known_faces (tenant_id, name, embedding) VALUES ($1, $2, $3) RETURNING id, created_at`,
		tenantID, name, pgvector.NewVector(embedding)).
		Scan(&f.ID, &f.CreatedAt)
	if err != nil {
		return models.KnownFace{}, fmt.Errorf("create known face %q: %w", name, err)
	}
	return f, nil
}

// CreateUnknownFace inserts an auto-named identity. A per-tenant advisory
// lock serializes suffix allocation so concurrent workers on different
// cameras cannot race to the same name; the lock releases on commit or
// rollback.
func (p *Postgres) CreateUnknownFace(ctx context.Context, tenantID int64, embedding []float32) (models.KnownFace, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return models.KnownFace{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, tenantID); err != nil {
		return models.KnownFace{}, fmt.Errorf("lock unknown suffix: %w", err)
	}

	rows, err := tx.Query(ctx,
		`SELECT name FROM known_faces WHERE tenant_id = $1 AND name ~ '^Unknown_\d+$'`, tenantID)
	if err != nil {
		return models.KnownFace{}, fmt.Errorf("list unknown names: %w", err)
	}
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return models.KnownFace{}, fmt.Errorf("scan unknown name: %w", err)
		}
		names = append(names, name)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return models.KnownFace{}, fmt.Errorf("list unknown names: %w", err)
	}

	f := models.KnownFace{
		TenantID:  tenantID,
		Name:      fmt.Sprintf("%s%d", models.UnknownNamePrefix, nextUnknownSuffix(names)),
		Embedding: embedding,
	}
	err = tx.QueryRow(ctx,
		`INSERT INTO known_faces (tenant_id, name, embedding) VALUES ($1, $2, $3) RETURNING id, created_at`,
		tenantID, f.Name, pgvector.NewVector(embedding)).
		Scan(&f.ID, &f.CreatedAt)
	if err != nil {
		return models.KnownFace{}, fmt.Errorf("create unknown face: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return models.KnownFace{}, fmt.Errorf("commit: %w", err)
	}
	return f, nil
}

// nextUnknownSuffix returns one past the highest Unknown_N suffix present.
func nextUnknownSuffix(names []string) int64 {
	var max int64
	for _, name := range names {
		rest, ok := strings.CutPrefix(name, models.UnknownNamePrefix)
		if !ok {
			continue
		}
		n, err := strconv.ParseInt(rest, 10, 64)
		if err != nil || n <= max {
			continue
		}
		max = n
	}
	return max + 1
}

func (p *Postgres) RenameKnownFace(ctx context.Context, tenantID, id int64, name string) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE known_faces SET name = $1 WHERE id = $2 AND tenant_id = $3`, name, id, tenantID)
	if err != nil {
		return fmt.Errorf("rename face %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("face %d: %w", id, ErrNotFound)
	}
	return nil
}

func (p *Postgres) DeleteKnownFace(ctx context.Context, tenantID, id int64) error {
	tag, err := p.pool.Exec(ctx,
		`DELETE FROM known_faces WHERE id = $1 AND tenant_id = $2`, id, tenantID)
	if err != nil {
		return fmt.Errorf("delete face %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("face %d: %w", id, ErrNotFound)
	}
	return nil
}

// --- sighting sessions ---

func (p *Postgres) FindOpenSession(ctx context.Context, faceID, cameraID int64, notBefore time.Time) (*models.SightingSession, error) {
	var s models.SightingSession
	err := p.pool.QueryRow(ctx,
		`SELECT id, face_id, camera_id, session_start, last_seen, session_end, detection_count, confidence_avg, is_unknown
		 FROM sighting_sessions
		 WHERE face_id = $1 AND camera_id = $2 AND session_end IS NULL AND session_start >= $3
		 ORDER BY last_seen DESC LIMIT 1`,
		faceID, cameraID, notBefore).
		Scan(&s.ID, &s.FaceID, &s.CameraID, &s.SessionStart, &s.LastSeen, &s.SessionEnd,
			&s.DetectionCount, &s.ConfidenceAvg, &s.IsUnknown)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find open session: %w", err)
	}
	return &s, nil
}

func (p *Postgres) CreateSession(ctx context.Context, s *models.SightingSession) error {
	err := p.pool.QueryRow(ctx,
		`INSERT INTO sighting_sessions
			(face_id, camera_id, session_start, last_seen, detection_count, confidence_avg, is_unknown)
		 VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`,
		s.FaceID, s.CameraID, s.SessionStart, s.LastSeen, s.DetectionCount, s.ConfidenceAvg, s.IsUnknown).
		Scan(&s.ID)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (p *Postgres) ExtendSession(ctx context.Context, id int64, lastSeen time.Time, detectionCount int, confidenceAvg float64) error {
	_, err := p.pool.Exec(ctx,
		`UPDATE sighting_sessions SET last_seen = $1, detection_count = $2, confidence_avg = $3 WHERE id = $4`,
		lastSeen, detectionCount, confidenceAvg, id)
	if err != nil {
		return fmt.Errorf("extend session %d: %w", id, err)
	}
	return nil
}

func (p *Postgres) CloseSession(ctx context.Context, id int64, end time.Time) error {
	_, err := p.pool.Exec(ctx,
		`UPDATE sighting_sessions SET session_end = $1 WHERE id = $2 AND session_end IS NULL`, end, id)
	if err != nil {
		return fmt.Errorf("close session %d: %w", id, err)
	}
	return nil
}

// CloseIdleSessions ends every open session whose last sighting predates
// the cutoff, stamping the end at that last sighting rather than now.
func (p *Postgres) CloseIdleSessions(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := p.pool.Exec(ctx,
		`UPDATE sighting_sessions SET session_end = last_seen WHERE session_end IS NULL AND last_seen < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("close idle sessions: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// SightingFilter narrows ListSightings. Zero values mean no filter.
type SightingFilter struct {
	FaceID   int64
	CameraID int64
	Since    time.Time
	Limit    int
}

// SightingRecord is a session row joined with its face name for display.
type SightingRecord struct {
	models.SightingSession
	FaceName string `json:"face_name"`
}

func (p *Postgres) ListSightings(ctx context.Context, tenantID int64, f SightingFilter) ([]SightingRecord, error) {
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := p.pool.Query(ctx,
		`SELECT s.id, s.face_id, s.camera_id, s.session_start, s.last_seen, s.session_end,
		        s.detection_count, s.confidence_avg, s.is_unknown, k.name
		 FROM sighting_sessions s
		 JOIN known_faces k ON k.id = s.face_id
		 WHERE k.tenant_id = $1
		   AND ($2::bigint = 0 OR s.face_id = $2)
		   AND ($3::bigint = 0 OR s.camera_id = $3)
		   AND ($4::timestamptz IS NULL OR s.session_start >= $4)
		 ORDER BY s.session_start DESC
		 LIMIT $5`,
		tenantID, f.FaceID, f.CameraID, nullableTime(f.Since), limit)
	if err != nil {
		return nil, fmt.Errorf("list sightings: %w", err)
	}
	defer rows.Close()

	var out []SightingRecord
	for rows.Next() {
		var r SightingRecord
		if err := rows.Scan(&r.ID, &r.FaceID, &r.CameraID, &r.SessionStart, &r.LastSeen, &r.SessionEnd,
			&r.DetectionCount, &r.ConfidenceAvg, &r.IsUnknown, &r.FaceName); err != nil {
			return nil, fmt.Errorf("scan sighting: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Stats aggregates the gallery and the last 24 hours of sightings.
func (p *Postgres) Stats(ctx context.Context, tenantID int64) (models.Stats, error) {
	var st models.Stats
	err := p.pool.QueryRow(ctx,
		`SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE name !~ '^Unknown_\d+$'),
			COUNT(*) FILTER (WHERE name ~ '^Unknown_\d+$')
		 FROM known_faces WHERE tenant_id = $1`, tenantID).
		Scan(&st.TotalFaces, &st.KnownFaces, &st.UnknownFaces)
	if err != nil {
		return models.Stats{}, fmt.Errorf("face stats: %w", err)
	}

	err = p.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM sighting_sessions s
		 JOIN known_faces k ON k.id = s.face_id
		 WHERE k.tenant_id = $1 AND s.session_start >= now() - interval '24 hours'`, tenantID).
		Scan(&st.RecentSightings)
	if err != nil {
		return models.Stats{}, fmt.Errorf("sighting stats: %w", err)
	}
	return st, nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
