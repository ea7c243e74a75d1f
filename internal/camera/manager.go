package camera

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/your-org/facewatch/internal/capture"
	"github.com/your-org/facewatch/internal/config"
	"github.com/your-org/facewatch/internal/gallery"
	"github.com/your-org/facewatch/internal/models"
	"github.com/your-org/facewatch/internal/observability"
	"github.com/your-org/facewatch/internal/session"
	"github.com/your-org/facewatch/internal/vision"
)

var (
	ErrNotRunning     = errors.New("camera is not running")
	ErrAlreadyRunning = errors.New("camera is already running")
)

// Registry resolves camera records by id and records their settled state.
type Registry interface {
	GetCamera(ctx context.Context, id int64) (models.Camera, error)
	UpdateCameraStatus(ctx context.Context, id int64, status models.CameraStatus, lastError string) error
}

// State describes a running camera session.
type State struct {
	CameraID   int64     `json:"camera_id"`
	TenantID   int64     `json:"tenant_id"`
	Name       string    `json:"name"`
	StartedAt  time.Time `json:"started_at"`
	LastActive time.Time `json:"last_active"`
	Paused     bool      `json:"paused"`
}

type runningCamera struct {
	camera models.Camera
	loop   *capture.Loop
	worker *capture.Worker
	frames *capture.FrameSlot
	cancel context.CancelFunc
	done   chan struct{}

	mu         sync.Mutex
	startedAt  time.Time
	lastActive time.Time
}

func (r *runningCamera) touch() {
	r.mu.Lock()
	r.lastActive = time.Now()
	r.mu.Unlock()
}

func (r *runningCamera) state() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return State{
		CameraID:   r.camera.ID,
		TenantID:   r.camera.TenantID,
		Name:       r.camera.Name,
		StartedAt:  r.startedAt,
		LastActive: r.lastActive,
		Paused:     r.loop.Paused(),
	}
}

// Deps bundles the shared collaborators every camera session uses.
type Deps struct {
	Registry   Registry
	Opener     capture.Opener
	Analyzer   vision.Analyzer
	Gallery    *gallery.Gallery
	Tracker    *session.Tracker
	Identity   capture.IdentityStore
	Frames     capture.FramePublisher
	Detections capture.DetectionPublisher
	Snapshots  capture.SnapshotStore
}

// Manager owns the lifecycle of per-camera capture loops and detection
// workers. Each started camera gets a pair of goroutines joined through a
// frame slot and a detection slot; stopping cancels both and waits for them.
type Manager struct {
	deps       Deps
	captureCfg config.CaptureConfig
	cameraCfg  config.CameraConfig

	mu      sync.Mutex
	running map[int64]*runningCamera
}

func NewManager(deps Deps, captureCfg config.CaptureConfig, cameraCfg config.CameraConfig) *Manager {
	return &Manager{
		deps:       deps,
		captureCfg: captureCfg,
		cameraCfg:  cameraCfg,
		running:    make(map[int64]*runningCamera),
	}
}

// Start spins up the capture loop and detection worker for a camera.
// Starting a camera that is already running is an error; callers that want
// idempotent behavior check Running first.
func (m *Manager) Start(ctx context.Context, cameraID int64) error {
	m.mu.Lock()
	if _, ok := m.running[cameraID]; ok {
		m.mu.Unlock()
		return ErrAlreadyRunning
	}
	m.mu.Unlock()

	cam, err := m.deps.Registry.GetCamera(ctx, cameraID)
	if err != nil {
		return fmt.Errorf("resolve camera %d: %w", cameraID, err)
	}

	frames := &capture.FrameSlot{}
	detections := &capture.DetectionSlot{}

	runCtx, cancel := context.WithCancel(context.Background())
	rc := &runningCamera{
		camera:     cam,
		frames:     frames,
		cancel:     cancel,
		done:       make(chan struct{}),
		startedAt:  time.Now(),
		lastActive: time.Now(),
	}

	rc.loop = capture.NewLoop(cam.ID, cam.TenantID, cam.Source, m.deps.Opener, m.captureCfg,
		frames, detections, m.deps.Frames, func(int) { rc.touch() })

	rc.worker = capture.NewWorker(cam.ID, cam.TenantID, m.captureCfg.DetectInterval,
		frames, detections, m.deps.Analyzer, m.deps.Gallery, m.deps.Tracker,
		m.deps.Identity, m.deps.Detections, m.deps.Snapshots)

	m.mu.Lock()
	if _, ok := m.running[cameraID]; ok {
		m.mu.Unlock()
		cancel()
		return ErrAlreadyRunning
	}
	m.running[cameraID] = rc
	m.mu.Unlock()
	observability.ActiveCameras.Inc()

	if err := m.deps.Registry.UpdateCameraStatus(ctx, cam.ID, models.CameraStatusRunning, ""); err != nil {
		slog.Warn("update camera status", "camera_id", cam.ID, "error", err)
	}

	go func() {
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			rc.worker.Run(runCtx)
		}()
		var loopErr error
		go func() {
			defer wg.Done()
			defer cancel()
			if err := rc.loop.Run(runCtx); err != nil {
				loopErr = err
				slog.Error("capture loop exited", "camera_id", cam.ID, "error", err)
			}
		}()
		wg.Wait()

		m.settleStatus(cam.ID, loopErr)

		m.mu.Lock()
		if cur, ok := m.running[cameraID]; ok && cur == rc {
			delete(m.running, cameraID)
			observability.ActiveCameras.Dec()
		}
		m.mu.Unlock()

		// Closed last so Stop observes a fully settled session.
		close(rc.done)
		slog.Info("camera session ended", "camera_id", cam.ID)
	}()

	slog.Info("camera session started", "camera_id", cam.ID, "name", cam.Name)
	return nil
}

// settleStatus records the terminal state of a finished session. Runs
// outside any request context since the session may have ended on its own.
func (m *Manager) settleStatus(cameraID int64, loopErr error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	status, msg := models.CameraStatusStopped, ""
	if loopErr != nil {
		status, msg = models.CameraStatusError, loopErr.Error()
	}
	if err := m.deps.Registry.UpdateCameraStatus(ctx, cameraID, status, msg); err != nil {
		slog.Warn("update camera status", "camera_id", cameraID, "error", err)
	}
}

// Stop cancels a running camera session and waits for its goroutines.
func (m *Manager) Stop(cameraID int64) error {
	m.mu.Lock()
	rc, ok := m.running[cameraID]
	m.mu.Unlock()
	if !ok {
		return ErrNotRunning
	}
	rc.cancel()
	<-rc.done
	return nil
}

// Pause suspends identification and publishing for a running camera while
// keeping the source open and the frame slot filling. Enrollment pauses a
// camera to get clean frames without auto-creation interfering.
func (m *Manager) Pause(cameraID int64) error {
	m.mu.Lock()
	rc, ok := m.running[cameraID]
	m.mu.Unlock()
	if !ok {
		return ErrNotRunning
	}
	rc.worker.Pause()
	rc.loop.Pause()
	return nil
}

// Resume clears a previous Pause.
func (m *Manager) Resume(cameraID int64) error {
	m.mu.Lock()
	rc, ok := m.running[cameraID]
	m.mu.Unlock()
	if !ok {
		return ErrNotRunning
	}
	rc.loop.Resume()
	rc.worker.Resume()
	return nil
}

// LatestFrame returns the newest raw frame captured for a running camera.
func (m *Manager) LatestFrame(cameraID int64) ([]byte, uint64, error) {
	m.mu.Lock()
	rc, ok := m.running[cameraID]
	m.mu.Unlock()
	if !ok {
		return nil, 0, ErrNotRunning
	}
	frame, seq, has := rc.frames.Latest()
	if !has {
		return nil, 0, fmt.Errorf("camera %d: no frame captured yet", cameraID)
	}
	return frame, seq, nil
}

// Running reports whether a camera session is active.
func (m *Manager) Running(cameraID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.running[cameraID]
	return ok
}

// States returns a snapshot of all active camera sessions.
func (m *Manager) States() []State {
	m.mu.Lock()
	sessions := make([]*runningCamera, 0, len(m.running))
	for _, rc := range m.running {
		sessions = append(sessions, rc)
	}
	m.mu.Unlock()

	states := make([]State, 0, len(sessions))
	for _, rc := range sessions {
		states = append(states, rc.state())
	}
	return states
}

// RunReaper periodically stops cameras that have not published a frame
// within the inactivity timeout. Paused cameras are exempt since enrollment
// intentionally idles them.
func (m *Manager) RunReaper(ctx context.Context) {
	ticker := time.NewTicker(m.cameraCfg.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		cutoff := time.Now().Add(-m.cameraCfg.InactivityTimeout)
		var stale []int64
		m.mu.Lock()
		for id, rc := range m.running {
			if rc.loop.Paused() {
				continue
			}
			rc.mu.Lock()
			last := rc.lastActive
			rc.mu.Unlock()
			if last.Before(cutoff) {
				stale = append(stale, id)
			}
		}
		m.mu.Unlock()

		for _, id := range stale {
			slog.Warn("stopping inactive camera", "camera_id", id)
			if err := m.Stop(id); err != nil && !errors.Is(err, ErrNotRunning) {
				slog.Error("stop inactive camera", "camera_id", id, "error", err)
			}
		}
	}
}

// StopAll shuts down every running camera session.
func (m *Manager) StopAll() {
	m.mu.Lock()
	sessions := make([]*runningCamera, 0, len(m.running))
	for _, rc := range m.running {
		sessions = append(sessions, rc)
	}
	m.mu.Unlock()

	for _, rc := range sessions {
		rc.cancel()
		<-rc.done
	}
}
