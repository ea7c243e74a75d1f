package capture

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/your-org/facewatch/internal/gallery"
	"github.com/your-org/facewatch/internal/match"
	"github.com/your-org/facewatch/internal/models"
	"github.com/your-org/facewatch/internal/observability"
	"github.com/your-org/facewatch/internal/session"
	"github.com/your-org/facewatch/internal/vision"
)

// IdentityStore creates gallery identities for faces nobody has seen before.
type IdentityStore interface {
	CreateUnknownFace(ctx context.Context, tenantID int64, embedding []float32) (models.KnownFace, error)
}

// DetectionPublisher delivers finished detection sets downstream.
type DetectionPublisher interface {
	PublishDetections(ctx context.Context, set models.DetectionSet) error
}

// SnapshotStore keeps a reference crop for auto-created identities. Optional.
type SnapshotStore interface {
	PutFaceSnapshot(ctx context.Context, tenantID, faceID int64, jpegData []byte) error
}

// Worker is the slow per-camera loop. It runs detection and identification
// on the most recent frame at its own cadence, independent of the capture
// loop's frame rate, and records sightings through the session tracker.
type Worker struct {
	cameraID int64
	tenantID int64
	interval time.Duration

	frames     *FrameSlot
	detections *DetectionSlot

	analyzer  vision.Analyzer
	gallery   *gallery.Gallery
	tracker   *session.Tracker
	identity  IdentityStore
	publisher DetectionPublisher
	snapshots SnapshotStore

	paused  atomic.Bool
	lastSeq uint64
}

// Pause makes the worker skip frames until Resume. Stale detections are
// cleared so paused cameras do not publish outdated boxes on resume.
func (w *Worker) Pause() {
	w.paused.Store(true)
	w.detections.Set(nil, time.Now().UTC())
}

func (w *Worker) Resume() { w.paused.Store(false) }

func NewWorker(cameraID, tenantID int64, interval time.Duration,
	frames *FrameSlot, detections *DetectionSlot,
	analyzer vision.Analyzer, gal *gallery.Gallery, tracker *session.Tracker,
	identity IdentityStore, publisher DetectionPublisher, snapshots SnapshotStore) *Worker {
	return &Worker{
		cameraID:   cameraID,
		tenantID:   tenantID,
		interval:   interval,
		frames:     frames,
		detections: detections,
		analyzer:   analyzer,
		gallery:    gal,
		tracker:    tracker,
		identity:   identity,
		publisher:  publisher,
		snapshots:  snapshots,
	}
}

// Run processes frames until the context is cancelled. A failure in one
// iteration is logged and never kills the worker.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if err := w.step(ctx); err != nil {
			slog.Warn("detection step failed", "camera_id", w.cameraID, "error", err)
		}
	}
}

func (w *Worker) step(ctx context.Context) error {
	if w.paused.Load() {
		return nil
	}
	frame, seq, ok := w.frames.Latest()
	if !ok || seq == w.lastSeq {
		return nil
	}
	w.lastSeq = seq

	img, err := jpeg.Decode(bytes.NewReader(frame))
	if err != nil {
		return fmt.Errorf("decode frame: %w", err)
	}

	start := time.Now()
	found, err := w.analyzer.DetectFaces(img)
	if err != nil {
		return fmt.Errorf("detect faces: %w", err)
	}
	observability.InferenceDuration.WithLabelValues("detect").Observe(time.Since(start).Seconds())

	cameraLabel := fmt.Sprintf("%d", w.cameraID)
	now := time.Now().UTC()
	snap := w.gallery.Snapshot()

	results := make([]models.FaceDetection, 0, len(found))
	for _, det := range found {
		observability.FacesDetected.WithLabelValues(cameraLabel).Inc()

		embStart := time.Now()
		emb, err := w.analyzer.Embed(img, det.BBox)
		if err != nil {
			slog.Debug("embed face", "camera_id", w.cameraID, "error", err)
			continue
		}
		observability.InferenceDuration.WithLabelValues("embed").Observe(time.Since(embStart).Seconds())

		fd := models.FaceDetection{
			Box:  det.BoxInts(),
			Name: models.UnknownLabel,
		}

		if res, matched := match.Best(emb, snap); matched {
			fd.Name = res.Name
			id := res.FaceID
			fd.FaceID = &id
			fd.Confidence = float32(res.Confidence)
			observability.FacesMatched.WithLabelValues(cameraLabel).Inc()

			w.observe(ctx, res.FaceID, now, res.Confidence, models.KnownFace{Name: res.Name})
		} else if created, ok := w.autoCreate(ctx, img, det, emb, snap); ok {
			fd.Name = created.Name
			id := created.ID
			fd.FaceID = &id
			fd.Confidence = 1

			w.observe(ctx, created.ID, now, 1, created)
		}

		results = append(results, fd)
	}

	w.detections.Set(results, now)

	set := models.DetectionSet{
		CameraID:   w.cameraID,
		TenantID:   w.tenantID,
		Timestamp:  now,
		Detections: results,
	}
	if err := w.publisher.PublishDetections(ctx, set); err != nil {
		slog.Warn("publish detections", "camera_id", w.cameraID, "error", err)
	}
	return nil
}

// observe records a sighting; tracker failures are logged, never fatal.
func (w *Worker) observe(ctx context.Context, faceID int64, at time.Time, confidence float64, face models.KnownFace) {
	if err := w.tracker.Observe(ctx, faceID, w.cameraID, at, confidence, face.IsAutoCreated()); err != nil {
		slog.Warn("record sighting", "camera_id", w.cameraID, "face_id", faceID, "error", err)
	}
}

// autoCreate registers a brand-new unknown identity unless the embedding is
// close enough to an existing gallery entry to be the same person seen badly.
func (w *Worker) autoCreate(ctx context.Context, img image.Image, det vision.Detection, emb []float32, snap *gallery.Snapshot) (models.KnownFace, bool) {
	if w.identity == nil {
		return models.KnownFace{}, false
	}
	if dup, isDup := match.IsDuplicate(emb, snap); isDup {
		slog.Debug("skipping near-duplicate face", "camera_id", w.cameraID, "existing", dup.Name)
		return models.KnownFace{}, false
	}

	created, err := w.identity.CreateUnknownFace(ctx, w.tenantID, emb)
	if err != nil {
		slog.Warn("create unknown face", "camera_id", w.cameraID, "error", err)
		return models.KnownFace{}, false
	}
	observability.UnknownFacesCreated.Inc()
	slog.Info("auto-created identity", "camera_id", w.cameraID, "face_id", created.ID, "name", created.Name)

	if err := w.gallery.Reload(ctx); err != nil {
		slog.Warn("reload gallery after auto-create", "error", err)
	}

	if w.snapshots != nil {
		if crop := vision.CropFace(img, det.BBox); crop != nil {
			var buf bytes.Buffer
			if err := jpeg.Encode(&buf, crop, &jpeg.Options{Quality: 90}); err == nil {
				if err := w.snapshots.PutFaceSnapshot(ctx, w.tenantID, created.ID, buf.Bytes()); err != nil {
					slog.Warn("store face snapshot", "face_id", created.ID, "error", err)
				}
			}
		}
	}
	return created, true
}
