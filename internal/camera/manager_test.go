package camera

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/jpeg"
	"sync"
	"testing"
	"time"

	"github.com/your-org/facewatch/internal/capture"
	"github.com/your-org/facewatch/internal/config"
	"github.com/your-org/facewatch/internal/gallery"
	"github.com/your-org/facewatch/internal/models"
	"github.com/your-org/facewatch/internal/session"
	"github.com/your-org/facewatch/internal/vision"
)

type fakeRegistry struct {
	mu       sync.Mutex
	cameras  map[int64]models.Camera
	statuses []models.CameraStatus
}

func (r *fakeRegistry) GetCamera(_ context.Context, id int64) (models.Camera, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cam, ok := r.cameras[id]
	if !ok {
		return models.Camera{}, errors.New("camera not found")
	}
	return cam, nil
}

func (r *fakeRegistry) UpdateCameraStatus(_ context.Context, _ int64, status models.CameraStatus, _ string) error {
	r.mu.Lock()
	r.statuses = append(r.statuses, status)
	r.mu.Unlock()
	return nil
}

func (r *fakeRegistry) lastStatus() models.CameraStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.statuses) == 0 {
		return ""
	}
	return r.statuses[len(r.statuses)-1]
}

type fakeSource struct {
	frame []byte
}

func (s *fakeSource) ReadFrame(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cp := make([]byte, len(s.frame))
	copy(cp, s.frame)
	return cp, nil
}

func (s *fakeSource) Close() error { return nil }

type fakeOpener struct {
	frame []byte
}

func (o *fakeOpener) Open(_ context.Context, _ string) (capture.Source, error) {
	return &fakeSource{frame: o.frame}, nil
}

type noopAnalyzer struct{}

func (noopAnalyzer) DetectFaces(_ image.Image) ([]vision.Detection, error) { return nil, nil }
func (noopAnalyzer) Embed(_ image.Image, _ [4]float32) ([]float32, error) {
	return make([]float32, models.EmbeddingDim), nil
}

type emptyGalleryStore struct{}

func (emptyGalleryStore) ListKnownFaces(_ context.Context, _ int64) ([]models.KnownFace, error) {
	return nil, nil
}

type noopSessionStore struct{}

func (noopSessionStore) FindOpenSession(_ context.Context, _, _ int64, _ time.Time) (*models.SightingSession, error) {
	return nil, nil
}
func (noopSessionStore) CreateSession(_ context.Context, _ *models.SightingSession) error { return nil }
func (noopSessionStore) ExtendSession(_ context.Context, _ int64, _ time.Time, _ int, _ float64) error {
	return nil
}
func (noopSessionStore) CloseSession(_ context.Context, _ int64, _ time.Time) error { return nil }
func (noopSessionStore) CloseIdleSessions(_ context.Context, _ time.Time) (int, error) {
	return 0, nil
}

type noopPublisher struct{}

func (noopPublisher) PublishFrame(_ context.Context, _ models.FrameMessage) error      { return nil }
func (noopPublisher) PublishDetections(_ context.Context, _ models.DetectionSet) error { return nil }

func testJPEG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 32, 32))
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		t.Fatalf("encode test jpeg: %v", err)
	}
	return buf.Bytes()
}

func newTestManager(t *testing.T) (*Manager, *fakeRegistry) {
	t.Helper()
	registry := &fakeRegistry{cameras: map[int64]models.Camera{
		1: {ID: 1, TenantID: 1, Name: "door", Source: "0"},
		2: {ID: 2, TenantID: 1, Name: "lobby", Source: "1"},
	}}

	gal := gallery.New(1, emptyGalleryStore{})
	if err := gal.Reload(context.Background()); err != nil {
		t.Fatalf("load gallery: %v", err)
	}

	deps := Deps{
		Registry:   registry,
		Opener:     &fakeOpener{frame: testJPEG(t)},
		Analyzer:   noopAnalyzer{},
		Gallery:    gal,
		Tracker:    session.NewTracker(noopSessionStore{}, session.DefaultConfig()),
		Frames:     noopPublisher{},
		Detections: noopPublisher{},
	}
	captureCfg := config.CaptureConfig{
		FrameInterval:   time.Millisecond,
		DetectInterval:  time.Millisecond,
		MaxReadFailures: 3,
		JPEGQuality:     80,
	}
	cameraCfg := config.CameraConfig{ReapInterval: time.Hour, InactivityTimeout: time.Hour}
	return NewManager(deps, captureCfg, cameraCfg), registry
}

func TestStartStopLifecycle(t *testing.T) {
	m, registry := newTestManager(t)
	ctx := context.Background()

	if err := m.Start(ctx, 1); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if !m.Running(1) {
		t.Fatal("camera should be running")
	}
	if got := registry.lastStatus(); got != models.CameraStatusRunning {
		t.Errorf("expected running status recorded, got %q", got)
	}

	if err := m.Start(ctx, 1); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("expected ErrAlreadyRunning, got %v", err)
	}

	if err := m.Stop(1); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if m.Running(1) {
		t.Error("camera should not be running after Stop")
	}
	if got := registry.lastStatus(); got != models.CameraStatusStopped {
		t.Errorf("expected stopped status recorded, got %q", got)
	}

	if err := m.Stop(1); !errors.Is(err, ErrNotRunning) {
		t.Errorf("expected ErrNotRunning, got %v", err)
	}
}

func TestStartUnknownCamera(t *testing.T) {
	m, _ := newTestManager(t)
	if err := m.Start(context.Background(), 99); err == nil {
		t.Error("starting an unregistered camera must fail")
	}
}

func TestPauseResume(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	if err := m.Pause(1); !errors.Is(err, ErrNotRunning) {
		t.Errorf("pausing a stopped camera should fail, got %v", err)
	}

	if err := m.Start(ctx, 1); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer m.StopAll()

	if err := m.Pause(1); err != nil {
		t.Fatalf("Pause failed: %v", err)
	}

	// Paused camera keeps capturing so enrollment can read frames.
	deadline := time.Now().Add(3 * time.Second)
	for {
		if _, _, err := m.LatestFrame(1); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("no frame available from paused camera")
		}
		time.Sleep(5 * time.Millisecond)
	}

	states := m.States()
	if len(states) != 1 || !states[0].Paused {
		t.Errorf("expected one paused session, got %+v", states)
	}

	if err := m.Resume(1); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if states := m.States(); len(states) != 1 || states[0].Paused {
		t.Error("session should not be paused after Resume")
	}
}

func TestStopAll(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	if err := m.Start(ctx, 1); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := m.Start(ctx, 2); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	m.StopAll()
	if m.Running(1) || m.Running(2) {
		t.Error("StopAll left sessions running")
	}
}

func TestLatestFrameNotRunning(t *testing.T) {
	m, _ := newTestManager(t)
	if _, _, err := m.LatestFrame(1); !errors.Is(err, ErrNotRunning) {
		t.Errorf("expected ErrNotRunning, got %v", err)
	}
}
