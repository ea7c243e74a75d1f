package capture

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image/jpeg"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/your-org/facewatch/internal/config"
	"github.com/your-org/facewatch/internal/models"
	"github.com/your-org/facewatch/internal/observability"
	"github.com/your-org/facewatch/internal/overlay"
)

// FramePublisher delivers composited frames to viewers.
type FramePublisher interface {
	PublishFrame(ctx context.Context, msg models.FrameMessage) error
}

// Loop is the fast per-camera loop: read a frame, hand it to the detection
// worker via the frame slot, composite the latest available detections onto
// it, publish, repeat. It tolerates transient read failures and reconnects
// the source after too many in a row.
type Loop struct {
	cameraID int64
	tenantID int64
	locator  string
	opener   Opener
	cfg      config.CaptureConfig

	frames     *FrameSlot
	detections *DetectionSlot
	publisher  FramePublisher

	paused atomic.Bool

	// onActivity is invoked once per published frame with the current face
	// count so the session manager can track liveness.
	onActivity func(faceCount int)
}

func NewLoop(cameraID, tenantID int64, locator string, opener Opener, cfg config.CaptureConfig,
	frames *FrameSlot, detections *DetectionSlot, publisher FramePublisher, onActivity func(int)) *Loop {
	if onActivity == nil {
		onActivity = func(int) {}
	}
	return &Loop{
		cameraID:   cameraID,
		tenantID:   tenantID,
		locator:    NormalizeLocator(locator),
		opener:     opener,
		cfg:        cfg,
		frames:     frames,
		detections: detections,
		publisher:  publisher,
		onActivity: onActivity,
	}
}

// Pause suspends compositing and publishing without tearing the source
// down; frames keep landing in the frame slot so enrollment can consume
// them. Resume picks publishing back up.
func (l *Loop) Pause()  { l.paused.Store(true) }
func (l *Loop) Resume() { l.paused.Store(false) }

// Paused reports whether publishing is currently suspended.
func (l *Loop) Paused() bool { return l.paused.Load() }

// Run drives the loop until the context is cancelled or the source becomes
// permanently unavailable. The source handle is released on every exit path.
func (l *Loop) Run(ctx context.Context) error {
	src, err := l.opener.Open(ctx, l.locator)
	if err != nil {
		return fmt.Errorf("open camera %d: %w", l.cameraID, err)
	}
	defer func() {
		_ = src.Close()
	}()

	slog.Info("capture loop streaming", "camera_id", l.cameraID, "locator", l.locator)

	cameraLabel := fmt.Sprintf("%d", l.cameraID)
	failures := 0

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		frame, err := src.ReadFrame(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			failures++
			observability.FrameReadFailures.WithLabelValues(cameraLabel).Inc()
			slog.Warn("frame read failed", "camera_id", l.cameraID, "consecutive", failures, "error", err)

			if failures >= l.cfg.MaxReadFailures {
				_ = src.Close()
				observability.CaptureReconnects.WithLabelValues(cameraLabel).Inc()
				slog.Info("reconnecting camera source", "camera_id", l.cameraID)

				// Reopen into a temporary so the deferred close never
				// sees a nil source when the reopen fails.
				reopened, err := l.opener.Open(ctx, l.locator)
				if err != nil {
					return fmt.Errorf("reconnect camera %d: %w", l.cameraID, err)
				}
				src = reopened
				failures = 0
			}

			if !sleepCtx(ctx, 100*time.Millisecond) {
				return nil
			}
			continue
		}
		failures = 0

		l.frames.Set(frame)

		// While paused the source stays warm and the frame slot keeps
		// filling for enrollment, but nothing is published to viewers.
		if l.paused.Load() {
			if !sleepCtx(ctx, l.cfg.FrameInterval) {
				return nil
			}
			continue
		}

		dets, _ := l.detections.Latest()
		payload := l.composite(frame, dets)

		msg := models.FrameMessage{
			CameraID:  l.cameraID,
			TenantID:  l.tenantID,
			ImageB64:  base64.StdEncoding.EncodeToString(payload),
			FaceCount: len(dets),
			Timestamp: time.Now().UTC(),
		}
		for _, d := range dets {
			msg.Faces = append(msg.Faces, d.Name)
		}
		if err := l.publisher.PublishFrame(ctx, msg); err != nil {
			slog.Warn("publish frame", "camera_id", l.cameraID, "error", err)
		} else {
			observability.FramesPublished.WithLabelValues(cameraLabel).Inc()
		}

		l.onActivity(len(dets))

		if !sleepCtx(ctx, l.cfg.FrameInterval) {
			return nil
		}
	}
}

// composite overlays the newest available detections onto the frame. When
// there is nothing to draw, or the frame cannot be decoded, the original
// JPEG passes through untouched.
func (l *Loop) composite(frame []byte, dets []models.FaceDetection) []byte {
	if len(dets) == 0 {
		return frame
	}

	img, err := jpeg.Decode(bytes.NewReader(frame))
	if err != nil {
		slog.Debug("decode frame for overlay", "camera_id", l.cameraID, "error", err)
		return frame
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, overlay.Render(img, dets), &jpeg.Options{Quality: l.cfg.JPEGQuality}); err != nil {
		slog.Debug("encode composited frame", "camera_id", l.cameraID, "error", err)
		return frame
	}
	return buf.Bytes()
}

// sleepCtx sleeps for d, returning false when the context ends first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
