package enroll

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image/jpeg"
	"log/slog"
	"math"
	"time"

	"github.com/your-org/facewatch/internal/config"
	"github.com/your-org/facewatch/internal/gallery"
	"github.com/your-org/facewatch/internal/match"
	"github.com/your-org/facewatch/internal/models"
	"github.com/your-org/facewatch/internal/vision"
)

var (
	ErrNoFace          = errors.New("no face visible")
	ErrMultipleFaces   = errors.New("more than one face visible")
	ErrAlreadyEnrolled = errors.New("face is already enrolled")
	ErrUnknownToken    = errors.New("unknown or expired enrollment token")
)

// CameraControl is the slice of the camera manager enrollment needs: pause
// a camera's identification, read its raw frames, and resume afterwards.
type CameraControl interface {
	Pause(cameraID int64) error
	Resume(cameraID int64) error
	LatestFrame(cameraID int64) ([]byte, uint64, error)
}

// FaceStore persists confirmed identities.
type FaceStore interface {
	CreateKnownFace(ctx context.Context, tenantID int64, name string, embedding []float32) (models.KnownFace, error)
}

// PreviewStore keeps the capture preview so an operator can see whose face
// is about to be enrolled. Optional.
type PreviewStore interface {
	PutEnrollPreview(ctx context.Context, tenantID int64, token string, jpegData []byte) error
}

// Enroller runs the two-step enrollment flow: Capture stabilizes a face
// over several frames and parks it behind a token, Confirm attaches a name
// and writes it to the gallery.
type Enroller struct {
	cfg      config.EnrollingConfig
	cameras  CameraControl
	analyzer vision.Analyzer
	gallery  *gallery.Gallery
	faces    FaceStore
	previews PreviewStore
	cache    *Cache
}

func NewEnroller(cfg config.EnrollingConfig, cameras CameraControl, analyzer vision.Analyzer,
	gal *gallery.Gallery, faces FaceStore, previews PreviewStore) *Enroller {
	return &Enroller{
		cfg:      cfg,
		cameras:  cameras,
		analyzer: analyzer,
		gallery:  gal,
		faces:    faces,
		previews: previews,
		cache:    NewCache(cfg.CacheTTL),
	}
}

// Cache exposes the pending-enrollment cache, mainly for its evictor.
func (e *Enroller) Cache() *Cache { return e.cache }

// CaptureResult is what the operator gets back from a successful capture.
type CaptureResult struct {
	Token      string    `json:"token"`
	PreviewKey string    `json:"preview_key,omitempty"`
	Samples    int       `json:"samples"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Capture pauses the camera, accumulates embeddings from frames that show
// exactly one face until enough samples stabilize, and stores the averaged
// embedding behind a fresh token. Frames with zero or multiple faces do not
// count toward stabilization; if the deadline passes first, the dominant
// failure mode decides the error.
func (e *Enroller) Capture(ctx context.Context, cameraID int64) (CaptureResult, error) {
	if err := e.cameras.Pause(cameraID); err != nil {
		return CaptureResult{}, fmt.Errorf("pause camera %d: %w", cameraID, err)
	}
	defer func() {
		if err := e.cameras.Resume(cameraID); err != nil {
			slog.Warn("resume camera after enrollment", "camera_id", cameraID, "error", err)
		}
	}()

	deadline := time.Now().Add(30 * time.Second)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	var (
		samples   [][]float32
		lastFrame []byte
		lastBBox  [4]float32
		lastSeq   uint64
		multiSeen int
		emptySeen int
	)

	for len(samples) < e.cfg.StabilizeFrames {
		if time.Now().After(deadline) {
			// Report the dominant reason stabilization never finished.
			if multiSeen > emptySeen {
				return CaptureResult{}, ErrMultipleFaces
			}
			return CaptureResult{}, ErrNoFace
		}
		if err := ctx.Err(); err != nil {
			return CaptureResult{}, err
		}

		frame, seq, err := e.cameras.LatestFrame(cameraID)
		if err != nil || seq == lastSeq {
			time.Sleep(50 * time.Millisecond)
			continue
		}
		lastSeq = seq

		img, err := jpeg.Decode(bytes.NewReader(frame))
		if err != nil {
			continue
		}
		found, err := e.analyzer.DetectFaces(img)
		if err != nil {
			slog.Debug("enrollment detect", "camera_id", cameraID, "error", err)
			continue
		}

		switch len(found) {
		case 0:
			emptySeen++
			continue
		case 1:
		default:
			multiSeen++
			continue
		}

		emb, err := e.analyzer.Embed(img, found[0].BBox)
		if err != nil {
			slog.Debug("enrollment embed", "camera_id", cameraID, "error", err)
			continue
		}
		samples = append(samples, emb)
		lastFrame = frame
		lastBBox = found[0].BBox
	}

	avg := meanEmbedding(samples)

	if res, dup := match.BestWithin(avg, e.gallery.Snapshot(), match.DedupeThreshold); dup {
		return CaptureResult{}, fmt.Errorf("%w: matches %q", ErrAlreadyEnrolled, res.Name)
	}

	pending := Pending{
		TenantID:   e.gallery.TenantID(),
		CameraID:   cameraID,
		Embedding:  avg,
		CapturedAt: time.Now().UTC(),
	}
	token := e.cache.Put(pending)

	result := CaptureResult{
		Token:     token,
		Samples:   len(samples),
		ExpiresAt: time.Now().Add(e.cfg.CacheTTL),
	}

	if e.previews != nil && lastFrame != nil {
		if key, err := e.storePreview(ctx, token, lastFrame, lastBBox); err != nil {
			slog.Warn("store enrollment preview", "camera_id", cameraID, "error", err)
		} else {
			result.PreviewKey = key
		}
	}

	slog.Info("enrollment captured", "camera_id", cameraID, "samples", len(samples), "token", token)
	return result, nil
}

// Confirm attaches a name to a pending capture and persists the identity.
func (e *Enroller) Confirm(ctx context.Context, token, name string) (models.KnownFace, error) {
	pending, ok := e.cache.Consume(token)
	if !ok {
		return models.KnownFace{}, ErrUnknownToken
	}

	face, err := e.faces.CreateKnownFace(ctx, pending.TenantID, name, pending.Embedding)
	if err != nil {
		return models.KnownFace{}, fmt.Errorf("persist face %q: %w", name, err)
	}
	if err := e.gallery.Reload(ctx); err != nil {
		slog.Warn("reload gallery after enrollment", "error", err)
	}

	slog.Info("enrollment confirmed", "face_id", face.ID, "name", face.Name)
	return face, nil
}

func (e *Enroller) storePreview(ctx context.Context, token string, frame []byte, bbox [4]float32) (string, error) {
	img, err := jpeg.Decode(bytes.NewReader(frame))
	if err != nil {
		return "", err
	}
	crop := vision.CropFace(img, bbox)
	if crop == nil {
		return "", errors.New("degenerate face crop")
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, crop, &jpeg.Options{Quality: 90}); err != nil {
		return "", err
	}
	if err := e.previews.PutEnrollPreview(ctx, e.gallery.TenantID(), token, buf.Bytes()); err != nil {
		return "", err
	}
	return fmt.Sprintf("enroll/%d/%s.jpg", e.gallery.TenantID(), token), nil
}

// meanEmbedding averages the samples and renormalizes to unit length so the
// result lives on the same sphere as single-frame embeddings.
func meanEmbedding(samples [][]float32) []float32 {
	if len(samples) == 0 {
		return nil
	}
	out := make([]float32, len(samples[0]))
	for _, s := range samples {
		for i, v := range s {
			out[i] += v
		}
	}
	n := float32(len(samples))
	var norm float64
	for i := range out {
		out[i] /= n
		norm += float64(out[i]) * float64(out[i])
	}
	norm = math.Sqrt(norm)
	if norm > 0 {
		for i := range out {
			out[i] = float32(float64(out[i]) / norm)
		}
	}
	return out
}
