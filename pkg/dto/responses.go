package dto

import "time"

// APIError is the uniform error body.
type APIError struct {
	Error string `json:"error"`
}

// CameraResponse mirrors a camera record and its last settled status.
type CameraResponse struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Source    string    `json:"source"`
	Status    string    `json:"status"`
	LastError string    `json:"last_error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// FaceResponse describes a gallery identity. Embeddings never leave the
// service.
type FaceResponse struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	AutoCreated bool      `json:"auto_created"`
	CreatedAt   time.Time `json:"created_at"`
}

// SightingResponse is one presence session.
type SightingResponse struct {
	ID             int64      `json:"id"`
	FaceID         int64      `json:"face_id"`
	FaceName       string     `json:"face_name"`
	CameraID       int64      `json:"camera_id"`
	SessionStart   time.Time  `json:"session_start"`
	LastSeen       time.Time  `json:"last_seen"`
	SessionEnd     *time.Time `json:"session_end,omitempty"`
	DetectionCount int        `json:"detection_count"`
	ConfidenceAvg  float64    `json:"confidence_avg"`
	IsUnknown      bool       `json:"is_unknown"`
}

// StatsResponse is the dashboard aggregate.
type StatsResponse struct {
	TotalFaces      int `json:"total_faces"`
	KnownFaces      int `json:"known_faces"`
	UnknownFaces    int `json:"unknown_faces"`
	RecentSightings int `json:"recent_sightings_24h"`
}

// EnrollCaptureResponse carries the token the operator needs for Confirm.
type EnrollCaptureResponse struct {
	Token      string    `json:"token"`
	PreviewKey string    `json:"preview_key,omitempty"`
	Samples    int       `json:"samples"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// EnrollConfirmResponse reports the identity that was written.
type EnrollConfirmResponse struct {
	FaceID int64  `json:"face_id"`
	Name   string `json:"name"`
}

// ControlResult is the agent's reply to a control command or enroll RPC
// that failed; Ok with an empty Error means success.
type ControlResult struct {
	Ok    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}
