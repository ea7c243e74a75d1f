package capture

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/jpeg"
	"sync"
	"testing"
	"time"

	"github.com/your-org/facewatch/internal/gallery"
	"github.com/your-org/facewatch/internal/models"
	"github.com/your-org/facewatch/internal/session"
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

type fakeAnalyzer struct {
	dets []vision.Detection
	emb  []float32
}

func (a *fakeAnalyzer) DetectFaces(_ image.Image) ([]vision.Detection, error) {
	return a.dets, nil
}

func (a *fakeAnalyzer) Embed(_ image.Image, _ [4]float32) ([]float32, error) {
	return a.emb, nil
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

func (s *galleryStore) add(f models.KnownFace) {
	s.mu.Lock()
	s.faces = append(s.faces, f)
	s.mu.Unlock()
}

type sessionStore struct {
	mu       sync.Mutex
	sessions []*models.SightingSession
	fail     bool
}

func (m *sessionStore) FindOpenSession(_ context.Context, faceID, cameraID int64, notBefore time.Time) (*models.SightingSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return nil, errors.New("store down")
	}
	for _, s := range m.sessions {
		if s.FaceID == faceID && s.CameraID == cameraID && s.SessionEnd == nil && !s.LastSeen.Before(notBefore) {
			cp := *s
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *sessionStore) CreateSession(_ context.Context, s *models.SightingSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.ID = int64(len(m.sessions) + 1)
	cp := *s
	m.sessions = append(m.sessions, &cp)
	return nil
}

func (m *sessionStore) ExtendSession(_ context.Context, id int64, lastSeen time.Time, detectionCount int, confidenceAvg float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.ID == id {
			s.LastSeen = lastSeen
			s.DetectionCount = detectionCount
			s.ConfidenceAvg = confidenceAvg
		}
	}
	return nil
}

func (m *sessionStore) CloseSession(_ context.Context, id int64, end time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.ID == id && s.SessionEnd == nil {
			e := end
			s.SessionEnd = &e
		}
	}
	return nil
}

func (m *sessionStore) CloseIdleSessions(_ context.Context, _ time.Time) (int, error) {
	return 0, nil
}

func (m *sessionStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

type identityStore struct {
	mu      sync.Mutex
	created []models.KnownFace
	backing *galleryStore
}

func (s *identityStore) CreateUnknownFace(_ context.Context, tenantID int64, embedding []float32) (models.KnownFace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f := models.KnownFace{
		ID:        int64(100 + len(s.created)),
		TenantID:  tenantID,
		Name:      models.UnknownNamePrefix + "1",
		Embedding: embedding,
	}
	s.created = append(s.created, f)
	if s.backing != nil {
		s.backing.add(f)
	}
	return f, nil
}

type detectionCollector struct {
	mu   sync.Mutex
	sets []models.DetectionSet
}

func (p *detectionCollector) PublishDetections(_ context.Context, set models.DetectionSet) error {
	p.mu.Lock()
	p.sets = append(p.sets, set)
	p.mu.Unlock()
	return nil
}

func (p *detectionCollector) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sets)
}

func (p *detectionCollector) last() models.DetectionSet {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sets[len(p.sets)-1]
}

func knownEmbedding() []float32 {
	e := make([]float32, models.EmbeddingDim)
	e[0] = 1
	return e
}

func newTestWorker(t *testing.T, store *galleryStore, sess *sessionStore, analyzer *fakeAnalyzer,
	identity IdentityStore) (*Worker, *FrameSlot, *DetectionSlot, *detectionCollector) {
	t.Helper()
	gal := gallery.New(1, store)
	if err := gal.Reload(context.Background()); err != nil {
		t.Fatalf("load gallery: %v", err)
	}
	tracker := session.NewTracker(sess, session.DefaultConfig())

	frames := &FrameSlot{}
	detections := &DetectionSlot{}
	pub := &detectionCollector{}
	w := NewWorker(3, 1, time.Millisecond, frames, detections, analyzer, gal, tracker, identity, pub, nil)
	return w, frames, detections, pub
}

func TestWorkerMatchesKnownFace(t *testing.T) {
	store := &galleryStore{faces: []models.KnownFace{
		{ID: 9, Name: "alice", Embedding: knownEmbedding()},
	}}
	sess := &sessionStore{}
	analyzer := &fakeAnalyzer{
		dets: []vision.Detection{{BBox: [4]float32{10, 10, 30, 30}, Confidence: 0.95}},
		emb:  knownEmbedding(),
	}
	w, frames, detections, pub := newTestWorker(t, store, sess, analyzer, nil)

	frames.Set(testJPEG(t))
	if err := w.step(context.Background()); err != nil {
		t.Fatalf("step failed: %v", err)
	}

	dets, _ := detections.Latest()
	if len(dets) != 1 {
		t.Fatalf("expected 1 detection, got %d", len(dets))
	}
	if dets[0].Name != "alice" {
		t.Errorf("expected alice, got %s", dets[0].Name)
	}
	if dets[0].FaceID == nil || *dets[0].FaceID != 9 {
		t.Error("detection not linked to gallery identity")
	}

	if pub.count() != 1 {
		t.Fatalf("expected 1 published set, got %d", pub.count())
	}
	if set := pub.last(); set.CameraID != 3 || len(set.Detections) != 1 {
		t.Errorf("unexpected published set: %+v", set)
	}
	if sess.count() != 1 {
		t.Errorf("expected 1 sighting session, got %d", sess.count())
	}
}

func TestWorkerAutoCreatesUnknown(t *testing.T) {
	store := &galleryStore{} // empty gallery: nothing can match
	sess := &sessionStore{}
	analyzer := &fakeAnalyzer{
		dets: []vision.Detection{{BBox: [4]float32{10, 10, 30, 30}, Confidence: 0.95}},
		emb:  knownEmbedding(),
	}
	identity := &identityStore{backing: store}
	w, frames, detections, _ := newTestWorker(t, store, sess, analyzer, identity)

	frames.Set(testJPEG(t))
	if err := w.step(context.Background()); err != nil {
		t.Fatalf("step failed: %v", err)
	}

	dets, _ := detections.Latest()
	if len(dets) != 1 || dets[0].Name != models.UnknownNamePrefix+"1" {
		t.Fatalf("expected auto-created unknown, got %+v", dets)
	}
	if w.gallery.Snapshot().Len() != 1 {
		t.Error("gallery not reloaded after auto-create")
	}
	if sess.count() != 1 {
		t.Errorf("expected a session for the new identity, got %d", sess.count())
	}
}

func TestWorkerSkipsUnchangedFrame(t *testing.T) {
	store := &galleryStore{}
	sess := &sessionStore{}
	analyzer := &fakeAnalyzer{} // no faces
	w, frames, _, pub := newTestWorker(t, store, sess, analyzer, nil)

	frames.Set(testJPEG(t))
	ctx := context.Background()
	if err := w.step(ctx); err != nil {
		t.Fatalf("step failed: %v", err)
	}
	// Same sequence number: nothing new to do.
	if err := w.step(ctx); err != nil {
		t.Fatalf("step failed: %v", err)
	}
	if pub.count() != 1 {
		t.Errorf("unchanged frame reprocessed, %d sets published", pub.count())
	}

	frames.Set(testJPEG(t))
	if err := w.step(ctx); err != nil {
		t.Fatalf("step failed: %v", err)
	}
	if pub.count() != 2 {
		t.Errorf("new frame not processed, %d sets published", pub.count())
	}
}

func TestWorkerSurvivesTrackerFailure(t *testing.T) {
	store := &galleryStore{faces: []models.KnownFace{
		{ID: 9, Name: "alice", Embedding: knownEmbedding()},
	}}
	sess := &sessionStore{fail: true}
	analyzer := &fakeAnalyzer{
		dets: []vision.Detection{{BBox: [4]float32{10, 10, 30, 30}, Confidence: 0.95}},
		emb:  knownEmbedding(),
	}
	w, frames, _, pub := newTestWorker(t, store, sess, analyzer, nil)

	frames.Set(testJPEG(t))
	if err := w.step(context.Background()); err != nil {
		t.Fatalf("a sighting persistence failure must not kill the step: %v", err)
	}
	if pub.count() != 1 {
		t.Error("detections should still be published when the tracker fails")
	}
}

func TestWorkerPause(t *testing.T) {
	store := &galleryStore{}
	sess := &sessionStore{}
	analyzer := &fakeAnalyzer{}
	w, frames, _, pub := newTestWorker(t, store, sess, analyzer, nil)

	w.Pause()
	frames.Set(testJPEG(t))
	if err := w.step(context.Background()); err != nil {
		t.Fatalf("step failed: %v", err)
	}
	if pub.count() != 0 {
		t.Error("paused worker must not process frames")
	}

	w.Resume()
	if err := w.step(context.Background()); err != nil {
		t.Fatalf("step failed: %v", err)
	}
	if pub.count() != 1 {
		t.Error("resumed worker should process the pending frame")
	}
}
