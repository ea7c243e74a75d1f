package models

import (
	"strings"
	"time"
)

// EmbeddingDim is the fixed length of face embedding vectors. Every stored
// embedding within a tenant's gallery has this length; anything else is
// treated as corrupt and skipped on load.
const EmbeddingDim = 128

// UnknownNamePrefix marks identities that were auto-created when an
// unrecognized face was seen, e.g. "Unknown_3".
const UnknownNamePrefix = "Unknown_"

// UnknownLabel is the display label for a face with no gallery match.
const UnknownLabel = "Unknown"

type KnownFace struct {
	ID        int64     `json:"id" db:"id"`
	TenantID  int64     `json:"tenant_id" db:"tenant_id"`
	Name      string    `json:"name" db:"name"`
	Embedding []float32 `json:"-" db:"embedding"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// IsAutoCreated reports whether this identity was synthesized for an
// unrecognized face rather than enrolled by a person.
func (f KnownFace) IsAutoCreated() bool {
	return strings.HasPrefix(f.Name, UnknownNamePrefix)
}

// FaceDetection is one face from a single detection pass: where it is, who it
// is (or UnknownLabel), and how confident the match was.
type FaceDetection struct {
	Box        [4]int  `json:"box"` // x1, y1, x2, y2 in frame pixels
	Name       string  `json:"name"`
	FaceID     *int64  `json:"face_id,omitempty"`
	Confidence float32 `json:"confidence,omitempty"`
}

// Matched reports whether the detection was identified against the gallery.
func (d FaceDetection) Matched() bool {
	return d.FaceID != nil
}

// DetectionSet is the full output of one detection pass on one frame.
type DetectionSet struct {
	CameraID   int64           `json:"camera_id"`
	TenantID   int64           `json:"tenant_id"`
	Timestamp  time.Time       `json:"timestamp"`
	Detections []FaceDetection `json:"detections"`
}
