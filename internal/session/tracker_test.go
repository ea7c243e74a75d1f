package session

import (
	"context"
	"math"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/your-org/facewatch/internal/models"
)

// memStore is an in-memory Store mirroring the SQL semantics.
type memStore struct {
	mu       sync.Mutex
	nextID   int64
	sessions map[int64]*models.SightingSession
}

func newMemStore() *memStore {
	return &memStore{nextID: 1, sessions: make(map[int64]*models.SightingSession)}
}

func (m *memStore) FindOpenSession(_ context.Context, faceID, cameraID int64, notBefore time.Time) (*models.SightingSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *models.SightingSession
	for _, s := range m.sessions {
		if s.FaceID != faceID || s.CameraID != cameraID || s.SessionEnd != nil {
			continue
		}
		if s.SessionStart.Before(notBefore) {
			continue
		}
		if best == nil || s.LastSeen.After(best.LastSeen) {
			best = s
		}
	}
	if best == nil {
		return nil, nil
	}
	cp := *best
	return &cp, nil
}

func (m *memStore) CreateSession(_ context.Context, s *models.SightingSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.ID = m.nextID
	m.nextID++
	cp := *s
	m.sessions[s.ID] = &cp
	return nil
}

func (m *memStore) ExtendSession(_ context.Context, id int64, lastSeen time.Time, detectionCount int, confidenceAvg float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sessions[id]
	s.LastSeen = lastSeen
	s.DetectionCount = detectionCount
	s.ConfidenceAvg = confidenceAvg
	return nil
}

func (m *memStore) CloseSession(_ context.Context, id int64, end time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sessions[id]
	if s.SessionEnd == nil {
		e := end
		s.SessionEnd = &e
	}
	return nil
}

func (m *memStore) CloseIdleSessions(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.sessions {
		if s.SessionEnd == nil && s.LastSeen.Before(cutoff) {
			e := s.LastSeen
			s.SessionEnd = &e
			n++
		}
	}
	return n, nil
}

func (m *memStore) all() []models.SightingSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.SightingSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, *s)
	}
	return out
}

func TestObserveMergesWithinGapWindow(t *testing.T) {
	store := newMemStore()
	tr := NewTracker(store, Config{GapWindow: 2 * time.Minute, Lookback: 5 * time.Minute})
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	// Detections at t=0s, 60s, 90s all fall within the gap window.
	for i, tc := range []struct {
		offset time.Duration
		conf   float64
	}{
		{0, 0.9},
		{60 * time.Second, 0.6},
		{90 * time.Second, 0.9},
	} {
		if err := tr.Observe(ctx, 7, 3, base.Add(tc.offset), tc.conf, false); err != nil {
			t.Fatalf("Observe %d failed: %v", i, err)
		}
	}

	sessions := store.all()
	if len(sessions) != 1 {
		t.Fatalf("expected 1 session, got %d", len(sessions))
	}
	s := sessions[0]
	if s.DetectionCount != 3 {
		t.Errorf("expected 3 detections, got %d", s.DetectionCount)
	}
	if !s.LastSeen.Equal(base.Add(90 * time.Second)) {
		t.Errorf("wrong last_seen: %v", s.LastSeen)
	}
	if want := (0.9 + 0.6 + 0.9) / 3; math.Abs(s.ConfidenceAvg-want) > 1e-9 {
		t.Errorf("expected confidence avg %f, got %f", want, s.ConfidenceAvg)
	}
	if s.SessionEnd != nil {
		t.Error("session should still be open")
	}
}

func TestObserveSplitsAcrossGapWindow(t *testing.T) {
	store := newMemStore()
	tr := NewTracker(store, Config{GapWindow: 2 * time.Minute, Lookback: 5 * time.Minute})
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	if err := tr.Observe(ctx, 7, 3, base, 0.9, false); err != nil {
		t.Fatalf("Observe failed: %v", err)
	}
	// 130s later: past the 120s gap window, the first session must be
	// closed at its last sighting and a second one opened.
	if err := tr.Observe(ctx, 7, 3, base.Add(130*time.Second), 0.8, false); err != nil {
		t.Fatalf("Observe failed: %v", err)
	}

	sessions := store.all()
	if len(sessions) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(sessions))
	}

	var open, closed int
	for _, s := range sessions {
		if s.SessionEnd == nil {
			open++
			if !s.SessionStart.Equal(base.Add(130 * time.Second)) {
				t.Errorf("new session start wrong: %v", s.SessionStart)
			}
		} else {
			closed++
			if !s.SessionEnd.Equal(base) {
				t.Errorf("closed session should end at its last sighting, got %v", *s.SessionEnd)
			}
		}
	}
	if open != 1 || closed != 1 {
		t.Errorf("expected 1 open and 1 closed, got %d open %d closed", open, closed)
	}
}

func TestObserveRollsSessionAfterLookback(t *testing.T) {
	store := newMemStore()
	tr := NewTracker(store, Config{GapWindow: 2 * time.Minute, Lookback: 5 * time.Minute})
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	// A continuously present identity: detections every minute for 6 minutes.
	// Once the open session's start falls outside the lookback, a fresh
	// session opens even though the gap window never elapsed.
	for i := 0; i <= 6; i++ {
		at := base.Add(time.Duration(i) * time.Minute)
		if err := tr.Observe(ctx, 7, 3, at, 0.8, false); err != nil {
			t.Fatalf("Observe at %v failed: %v", at, err)
		}
	}

	sessions := store.all()
	if len(sessions) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(sessions))
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].SessionStart.Before(sessions[j].SessionStart)
	})
	if sessions[0].DetectionCount != 6 {
		t.Errorf("expected 6 detections in the first session, got %d", sessions[0].DetectionCount)
	}
	if !sessions[1].SessionStart.Equal(base.Add(6 * time.Minute)) {
		t.Errorf("wrong start for the rolled session: %v", sessions[1].SessionStart)
	}
	// The abandoned session stays open for the reaper to close.
	if sessions[0].SessionEnd != nil {
		t.Error("first session should be left open")
	}
}

func TestObserveSeparateKeysDoNotMerge(t *testing.T) {
	store := newMemStore()
	tr := NewTracker(store, DefaultConfig())
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	if err := tr.Observe(ctx, 1, 1, at, 0.9, false); err != nil {
		t.Fatalf("Observe failed: %v", err)
	}
	if err := tr.Observe(ctx, 1, 2, at, 0.9, false); err != nil {
		t.Fatalf("Observe failed: %v", err)
	}
	if err := tr.Observe(ctx, 2, 1, at, 0.9, true); err != nil {
		t.Fatalf("Observe failed: %v", err)
	}

	if got := len(store.all()); got != 3 {
		t.Errorf("expected 3 independent sessions, got %d", got)
	}
}

func TestObserveConcurrentSameKey(t *testing.T) {
	store := newMemStore()
	tr := NewTracker(store, DefaultConfig())
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = tr.Observe(ctx, 5, 5, base.Add(time.Duration(i)*time.Second), 0.5, false)
		}(i)
	}
	wg.Wait()

	sessions := store.all()
	if len(sessions) != 1 {
		t.Fatalf("expected 1 session under concurrency, got %d", len(sessions))
	}
	if sessions[0].DetectionCount != 20 {
		t.Errorf("expected 20 detections, got %d", sessions[0].DetectionCount)
	}
}

func TestCloseIdleSessions(t *testing.T) {
	store := newMemStore()
	tr := NewTracker(store, Config{GapWindow: 2 * time.Minute, Lookback: 5 * time.Minute})
	ctx := context.Background()
	base := time.Now().UTC().Add(-10 * time.Minute)

	if err := tr.Observe(ctx, 7, 3, base, 0.9, false); err != nil {
		t.Fatalf("Observe failed: %v", err)
	}

	n, err := store.CloseIdleSessions(ctx, time.Now().UTC().Add(-2*time.Minute))
	if err != nil {
		t.Fatalf("CloseIdleSessions failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 closed session, got %d", n)
	}
	s := store.all()[0]
	if s.SessionEnd == nil || !s.SessionEnd.Equal(base) {
		t.Error("idle session should be closed at its last sighting")
	}
}
