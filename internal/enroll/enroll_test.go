package enroll

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/jpeg"
	"sync"
	"testing"
	"time"

	"github.com/your-org/facewatch/internal/config"
	"github.com/your-org/facewatch/internal/gallery"
	"github.com/your-org/facewatch/internal/models"
	"github.com/your-org/facewatch/internal/vision"
)

func testJPEG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 64, 48))
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		t.Fatalf("encode test jpeg: %v", err)
	}
	return buf.Bytes()
}

type fakeCameras struct {
	mu      sync.Mutex
	frame   []byte
	seq     uint64
	paused  bool
	resumed bool
}

func (c *fakeCameras) Pause(_ int64) error {
	c.mu.Lock()
	c.paused = true
	c.mu.Unlock()
	return nil
}

func (c *fakeCameras) Resume(_ int64) error {
	c.mu.Lock()
	c.resumed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeCameras) LatestFrame(_ int64) ([]byte, uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	cp := make([]byte, len(c.frame))
	copy(cp, c.frame)
	return cp, c.seq, nil
}

type fakeAnalyzer struct {
	faces int
	emb   []float32
}

func (a *fakeAnalyzer) DetectFaces(_ image.Image) ([]vision.Detection, error) {
	dets := make([]vision.Detection, a.faces)
	for i := range dets {
		dets[i] = vision.Detection{BBox: [4]float32{10, 10, 30, 30}, Confidence: 0.9}
	}
	return dets, nil
}

func (a *fakeAnalyzer) Embed(_ image.Image, _ [4]float32) ([]float32, error) {
	return append([]float32(nil), a.emb...), nil
}

type galleryStore struct {
	mu    sync.Mutex
	faces []models.KnownFace
}

func (s *galleryStore) ListKnownFaces(_ context.Context, _ int64) ([]models.KnownFace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.KnownFace(nil), s.faces...), nil
}

type faceStore struct {
	mu      sync.Mutex
	backing *galleryStore
	created []models.KnownFace
	fail    bool
}

func (s *faceStore) CreateKnownFace(_ context.Context, tenantID int64, name string, embedding []float32) (models.KnownFace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return models.KnownFace{}, errors.New("insert failed")
	}
	f := models.KnownFace{
		ID:        int64(len(s.created) + 1),
		TenantID:  tenantID,
		Name:      name,
		Embedding: embedding,
	}
	s.created = append(s.created, f)
	if s.backing != nil {
		s.backing.mu.Lock()
		s.backing.faces = append(s.backing.faces, f)
		s.backing.mu.Unlock()
	}
	return f, nil
}

func unitEmbedding() []float32 {
	e := make([]float32, models.EmbeddingDim)
	e[0] = 1
	return e
}

func testEnrollConfig() config.EnrollingConfig {
	return config.EnrollingConfig{StabilizeFrames: 3, CacheTTL: time.Minute}
}

func newTestEnroller(t *testing.T, cameras *fakeCameras, analyzer *fakeAnalyzer,
	store *galleryStore, faces *faceStore) *Enroller {
	t.Helper()
	gal := gallery.New(1, store)
	if err := gal.Reload(context.Background()); err != nil {
		t.Fatalf("load gallery: %v", err)
	}
	return NewEnroller(testEnrollConfig(), cameras, analyzer, gal, faces, nil)
}

func TestCaptureAndConfirm(t *testing.T) {
	cameras := &fakeCameras{frame: testJPEG(t)}
	analyzer := &fakeAnalyzer{faces: 1, emb: unitEmbedding()}
	store := &galleryStore{}
	faces := &faceStore{backing: store}
	e := newTestEnroller(t, cameras, analyzer, store, faces)

	res, err := e.Capture(context.Background(), 5)
	if err != nil {
		t.Fatalf("Capture failed: %v", err)
	}
	if res.Token == "" {
		t.Fatal("empty token")
	}
	if res.Samples != 3 {
		t.Errorf("expected 3 samples, got %d", res.Samples)
	}
	if !cameras.paused || !cameras.resumed {
		t.Error("camera must be paused during capture and resumed after")
	}

	face, err := e.Confirm(context.Background(), res.Token, "alice")
	if err != nil {
		t.Fatalf("Confirm failed: %v", err)
	}
	if face.Name != "alice" {
		t.Errorf("expected alice, got %s", face.Name)
	}
	if e.gallery.Snapshot().Len() != 1 {
		t.Error("gallery not reloaded after confirm")
	}

	// Tokens are single use.
	if _, err := e.Confirm(context.Background(), res.Token, "alice"); !errors.Is(err, ErrUnknownToken) {
		t.Errorf("expected ErrUnknownToken on reuse, got %v", err)
	}
}

func TestCaptureNoFace(t *testing.T) {
	cameras := &fakeCameras{frame: testJPEG(t)}
	analyzer := &fakeAnalyzer{faces: 0}
	e := newTestEnroller(t, cameras, analyzer, &galleryStore{}, &faceStore{})

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	_, err := e.Capture(ctx, 5)
	if !errors.Is(err, ErrNoFace) {
		t.Errorf("expected ErrNoFace, got %v", err)
	}
	if !cameras.resumed {
		t.Error("camera must be resumed after a failed capture")
	}
}

func TestCaptureMultipleFaces(t *testing.T) {
	cameras := &fakeCameras{frame: testJPEG(t)}
	analyzer := &fakeAnalyzer{faces: 2, emb: unitEmbedding()}
	e := newTestEnroller(t, cameras, analyzer, &galleryStore{}, &faceStore{})

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	_, err := e.Capture(ctx, 5)
	if !errors.Is(err, ErrMultipleFaces) {
		t.Errorf("expected ErrMultipleFaces, got %v", err)
	}
}

func TestCaptureRejectsDuplicate(t *testing.T) {
	cameras := &fakeCameras{frame: testJPEG(t)}
	analyzer := &fakeAnalyzer{faces: 1, emb: unitEmbedding()}
	store := &galleryStore{faces: []models.KnownFace{
		{ID: 1, Name: "bob", Embedding: unitEmbedding()},
	}}
	e := newTestEnroller(t, cameras, analyzer, store, &faceStore{})

	_, err := e.Capture(context.Background(), 5)
	if !errors.Is(err, ErrAlreadyEnrolled) {
		t.Fatalf("expected ErrAlreadyEnrolled, got %v", err)
	}
	if !cameras.resumed {
		t.Error("camera must be resumed after a rejected capture")
	}
}

func TestConfirmUnknownToken(t *testing.T) {
	e := newTestEnroller(t, &fakeCameras{}, &fakeAnalyzer{}, &galleryStore{}, &faceStore{})
	if _, err := e.Confirm(context.Background(), "nope", "alice"); !errors.Is(err, ErrUnknownToken) {
		t.Errorf("expected ErrUnknownToken, got %v", err)
	}
}

func TestMeanEmbeddingIsUnitLength(t *testing.T) {
	a := make([]float32, models.EmbeddingDim)
	b := make([]float32, models.EmbeddingDim)
	a[0], b[1] = 1, 1

	avg := meanEmbedding([][]float32{a, b})
	var norm float64
	for _, v := range avg {
		norm += float64(v) * float64(v)
	}
	if norm < 0.999 || norm > 1.001 {
		t.Errorf("averaged embedding not renormalized, |v|^2 = %f", norm)
	}
}

func TestCacheExpiry(t *testing.T) {
	c := NewCache(20 * time.Millisecond)
	token := c.Put(Pending{TenantID: 1})

	if _, ok := c.Consume(token); !ok {
		t.Fatal("fresh token should be consumable")
	}

	token = c.Put(Pending{TenantID: 1})
	time.Sleep(40 * time.Millisecond)
	if _, ok := c.Consume(token); ok {
		t.Error("expired token should not be consumable")
	}
	if c.Len() != 0 {
		t.Errorf("expired entries should be evicted, len=%d", c.Len())
	}
}
