package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	FramesPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "facewatch",
		Name:      "frames_published_total",
		Help:      "Total number of composited frames published",
	}, []string{"camera_id"})

	FrameReadFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "facewatch",
		Name:      "frame_read_failures_total",
		Help:      "Total number of failed frame reads",
	}, []string{"camera_id"})

	CaptureReconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "facewatch",
		Name:      "capture_reconnects_total",
		Help:      "Total number of capture source reconnect attempts",
	}, []string{"camera_id"})

	FacesDetected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "facewatch",
		Name:      "faces_detected_total",
		Help:      "Total number of faces detected",
	}, []string{"camera_id"})

	FacesMatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "facewatch",
		Name:      "faces_matched_total",
		Help:      "Total number of faces matched against the gallery",
	}, []string{"camera_id"})

	UnknownFacesCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "facewatch",
		Name:      "unknown_faces_created_total",
		Help:      "Total number of auto-created unknown identities",
	})

	SessionsOpened = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "facewatch",
		Name:      "sighting_sessions_opened_total",
		Help:      "Total number of sighting sessions opened",
	})

	SessionsExtended = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "facewatch",
		Name:      "sighting_sessions_extended_total",
		Help:      "Total number of sighting session extensions",
	})

	SessionsClosed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "facewatch",
		Name:      "sighting_sessions_closed_total",
		Help:      "Total number of sighting sessions closed",
	})

	InferenceDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "facewatch",
		Name:      "inference_duration_seconds",
		Help:      "Duration of detection pipeline stages",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
	}, []string{"stage"})

	ActiveCameras = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "facewatch",
		Name:      "active_cameras",
		Help:      "Number of currently running camera sessions",
	})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "facewatch",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	WSConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "facewatch",
		Name:      "ws_connections",
		Help:      "Number of active WebSocket connections",
	})
)
