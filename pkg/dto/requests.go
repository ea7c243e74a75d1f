package dto

// CreateCameraRequest registers a new camera source.
type CreateCameraRequest struct {
	Name   string `json:"name" binding:"required"`
	Source string `json:"source" binding:"required"`
}

// EnrollCaptureRequest starts a stabilized capture on a running camera.
type EnrollCaptureRequest struct {
	CameraID int64 `json:"camera_id" binding:"required"`
}

// EnrollConfirmRequest names a pending capture and commits it.
type EnrollConfirmRequest struct {
	Token string `json:"token" binding:"required"`
	Name  string `json:"name" binding:"required"`
}

// RenameFaceRequest assigns a real name to an identity, typically an
// auto-created unknown.
type RenameFaceRequest struct {
	Name string `json:"name" binding:"required"`
}

// ControlCommand travels over the control subject from the API to the
// agent that owns the camera loops.
type ControlCommand struct {
	Action   string `json:"action"`
	CameraID int64  `json:"camera_id"`
}

// Control actions understood by the agent. ControlReloadGallery carries no
// camera id; the API sends it after a face is renamed or deleted so the
// agent's in-memory gallery picks the change up immediately.
const (
	ControlStart         = "start"
	ControlStop          = "stop"
	ControlPause         = "pause"
	ControlResume        = "resume"
	ControlReloadGallery = "reload_gallery"
)
