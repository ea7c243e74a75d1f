package models

import "time"

// CameraStatus values persisted in the registry. The API sets the
// transitional ones optimistically; the agent settles the real state.
type CameraStatus string

const (
	CameraStatusStopped  CameraStatus = "stopped"
	CameraStatusStarting CameraStatus = "starting"
	CameraStatusRunning  CameraStatus = "running"
	CameraStatusPaused   CameraStatus = "paused"
	CameraStatusError    CameraStatus = "error"
)

// Camera is one registered video source.
type Camera struct {
	ID        int64        `json:"id" db:"id"`
	TenantID  int64        `json:"tenant_id" db:"tenant_id"`
	Name      string       `json:"name" db:"name"`
	Source    string       `json:"source" db:"source"`
	Status    CameraStatus `json:"status" db:"status"`
	LastError string       `json:"last_error,omitempty" db:"last_error"`
	CreatedAt time.Time    `json:"created_at" db:"created_at"`
}

// FrameMessage is the payload published for every composited frame.
type FrameMessage struct {
	CameraID  int64     `json:"camera_id"`
	TenantID  int64     `json:"tenant_id"`
	ImageB64  string    `json:"image"`
	Faces     []string  `json:"faces"`
	FaceCount int       `json:"face_count"`
	Timestamp time.Time `json:"timestamp"`
}
