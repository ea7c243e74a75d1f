package capture

import (
	"sync"
	"time"

	"github.com/your-org/facewatch/internal/models"
)

// FrameSlot is a single-slot exchange for the most recent frame. Writers
// replace the content wholesale; readers get a private copy. Neither side
// ever holds a reference to the other's buffer.
type FrameSlot struct {
	mu   sync.Mutex
	data []byte
	seq  uint64
}

// Set replaces the slot with a copy of frame.
func (s *FrameSlot) Set(frame []byte) {
	cp := make([]byte, len(frame))
	copy(cp, frame)

	s.mu.Lock()
	s.data = cp
	s.seq++
	s.mu.Unlock()
}

// Latest returns a copy of the newest frame with its sequence number, or
// ok=false when no frame has been set yet. The sequence number lets the
// detection worker skip a frame it has already processed.
func (s *FrameSlot) Latest() (frame []byte, seq uint64, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data == nil {
		return nil, 0, false
	}
	cp := make([]byte, len(s.data))
	copy(cp, s.data)
	return cp, s.seq, true
}

// DetectionSlot is the companion exchange for the most recent detection
// results, flowing the other way: detection worker writes, capture loop reads.
type DetectionSlot struct {
	mu   sync.Mutex
	dets []models.FaceDetection
	at   time.Time
}

// Set replaces the slot with a copy of dets.
func (s *DetectionSlot) Set(dets []models.FaceDetection, at time.Time) {
	cp := make([]models.FaceDetection, len(dets))
	copy(cp, dets)

	s.mu.Lock()
	s.dets = cp
	s.at = at
	s.mu.Unlock()
}

// Latest returns a copy of the newest detections and when they were produced.
// An empty slice with a zero time means no detection pass has completed yet.
func (s *DetectionSlot) Latest() ([]models.FaceDetection, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]models.FaceDetection, len(s.dets))
	copy(cp, s.dets)
	return cp, s.at
}
