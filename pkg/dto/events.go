package dto

import "encoding/json"

// WS event types.
const (
	WSEventFrame      = "frame"
	WSEventDetections = "detections"
)

// WSEvent is the envelope pushed to WebSocket clients. Payload is the
// original NATS message body, either a frame or a detection set.
type WSEvent struct {
	Type     string          `json:"type"`
	TenantID int64           `json:"tenant_id"`
	CameraID int64           `json:"camera_id"`
	Payload  json.RawMessage `json:"payload"`
}
