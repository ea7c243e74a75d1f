package models

import "time"

// SightingSession is a merged run of temporally close detections of one
// identity on one camera. At most one open session (SessionEnd == nil) exists
// per (FaceID, CameraID) pair at any instant.
type SightingSession struct {
	ID             int64      `json:"id" db:"id"`
	FaceID         int64      `json:"face_id" db:"face_id"`
	CameraID       int64      `json:"camera_id" db:"camera_id"`
	SessionStart   time.Time  `json:"session_start" db:"session_start"`
	LastSeen       time.Time  `json:"last_seen" db:"last_seen"`
	SessionEnd     *time.Time `json:"session_end,omitempty" db:"session_end"`
	DetectionCount int        `json:"detection_count" db:"detection_count"`
	ConfidenceAvg  float64    `json:"confidence_avg" db:"confidence_avg"`
	IsUnknown      bool       `json:"is_unknown" db:"is_unknown"`
}

// Open reports whether the session has not been closed yet.
func (s SightingSession) Open() bool {
	return s.SessionEnd == nil
}

// Stats is the tenant-level summary exposed by the statistics query.
type Stats struct {
	TotalFaces      int `json:"total_faces"`
	KnownFaces      int `json:"known_faces"`
	UnknownFaces    int `json:"unknown_faces"`
	RecentSightings int `json:"recent_sightings"` // trailing 24h
}
