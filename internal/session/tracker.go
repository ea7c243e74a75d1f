// Package session converts a stream of face matches into deduplicated
// sighting sessions instead of one record per frame.
package session

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/your-org/facewatch/internal/models"
	"github.com/your-org/facewatch/internal/observability"
)

// Store is the sighting persistence collaborator.
type Store interface {
	// FindOpenSession returns the open session for (faceID, cameraID) whose
	// session_start is at or after notBefore, or nil when there is none.
	FindOpenSession(ctx context.Context, faceID, cameraID int64, notBefore time.Time) (*models.SightingSession, error)
	CreateSession(ctx context.Context, s *models.SightingSession) error
	ExtendSession(ctx context.Context, id int64, lastSeen time.Time, detectionCount int, confidenceAvg float64) error
	CloseSession(ctx context.Context, id int64, end time.Time) error
	// CloseIdleSessions closes every open session whose last detection is
	// older than cutoff, setting session_end to the last detection time.
	// It returns how many sessions were closed.
	CloseIdleSessions(ctx context.Context, cutoff time.Time) (int, error)
}

// Config bounds the tracker's temporal behavior.
type Config struct {
	// GapWindow is the maximum gap between consecutive detections for them
	// to be merged into the same session.
	GapWindow time.Duration
	// Lookback bounds the open-session search: a session started earlier
	// than now-Lookback is treated as not found even if still open, so a
	// continuously present identity gets a fresh session at most every
	// Lookback. The reaper closes the abandoned one.
	Lookback time.Duration
}

// DefaultConfig mirrors the production tuning: 2 minute gap, 5 minute lookback.
func DefaultConfig() Config {
	return Config{
		GapWindow: 2 * time.Minute,
		Lookback:  5 * time.Minute,
	}
}

const lockStripes = 64

// Tracker serializes session mutations per (face, camera) key so two
// detection passes cannot race to extend the same session inconsistently.
// Different keys proceed fully in parallel.
type Tracker struct {
	store Store
	cfg   Config
	locks [lockStripes]sync.Mutex
}

func NewTracker(store Store, cfg Config) *Tracker {
	if cfg.GapWindow <= 0 {
		cfg.GapWindow = DefaultConfig().GapWindow
	}
	if cfg.Lookback <= 0 {
		cfg.Lookback = DefaultConfig().Lookback
	}
	return &Tracker{store: store, cfg: cfg}
}

// Observe records one match of face on camera at time t with the given
// confidence. It either extends the open session or closes it and opens a new
// one. A persistence error leaves stored state unchanged and is returned for
// logging; the caller's loop continues.
func (t *Tracker) Observe(ctx context.Context, faceID, cameraID int64, at time.Time, confidence float64, isUnknown bool) error {
	lock := &t.locks[stripe(faceID, cameraID)]
	lock.Lock()
	defer lock.Unlock()

	open, err := t.store.FindOpenSession(ctx, faceID, cameraID, at.Add(-t.cfg.Lookback))
	if err != nil {
		return fmt.Errorf("find open session: %w", err)
	}

	if open == nil {
		return t.openSession(ctx, faceID, cameraID, at, confidence, isUnknown)
	}

	if at.Sub(open.LastSeen) > t.cfg.GapWindow {
		// Too much silence since the last detection: finalize the old
		// session at its last sighting and start over.
		if err := t.store.CloseSession(ctx, open.ID, open.LastSeen); err != nil {
			return fmt.Errorf("close stale session %d: %w", open.ID, err)
		}
		observability.SessionsClosed.Inc()
		return t.openSession(ctx, faceID, cameraID, at, confidence, isUnknown)
	}

	count := open.DetectionCount + 1
	avg := ((open.ConfidenceAvg * float64(open.DetectionCount)) + confidence) / float64(count)
	if err := t.store.ExtendSession(ctx, open.ID, at, count, avg); err != nil {
		return fmt.Errorf("extend session %d: %w", open.ID, err)
	}
	observability.SessionsExtended.Inc()
	return nil
}

func (t *Tracker) openSession(ctx context.Context, faceID, cameraID int64, at time.Time, confidence float64, isUnknown bool) error {
	s := &models.SightingSession{
		FaceID:         faceID,
		CameraID:       cameraID,
		SessionStart:   at,
		LastSeen:       at,
		DetectionCount: 1,
		ConfidenceAvg:  confidence,
		IsUnknown:      isUnknown,
	}
	if err := t.store.CreateSession(ctx, s); err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	observability.SessionsOpened.Inc()
	return nil
}

// RunReaper periodically closes sessions with no activity for longer than the
// gap window. Without it, a session whose face never reappears would stay
// open forever once it ages past the lookback bound.
func (t *Tracker) RunReaper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := t.store.CloseIdleSessions(ctx, time.Now().UTC().Add(-t.cfg.GapWindow))
			if err != nil {
				slog.Error("close idle sessions", "error", err)
				continue
			}
			if n > 0 {
				observability.SessionsClosed.Add(float64(n))
				slog.Debug("closed idle sighting sessions", "count", n)
			}
		}
	}
}

func stripe(faceID, cameraID int64) uint32 {
	h := fnv.New32a()
	var buf [16]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(faceID >> (8 * i))
		buf[8+i] = byte(cameraID >> (8 * i))
	}
	_, _ = h.Write(buf[:])
	return h.Sum32() % lockStripes
}
