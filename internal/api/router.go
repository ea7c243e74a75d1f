package api

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/your-org/facewatch/internal/api/handlers"
	"github.com/your-org/facewatch/internal/api/ws"
	"github.com/your-org/facewatch/internal/auth"
	"github.com/your-org/facewatch/internal/queue"
	"github.com/your-org/facewatch/internal/storage"
)

type RouterConfig struct {
	APIKey   string
	DB       *storage.Postgres
	MinIO    *storage.MinIOStore
	Producer *queue.Producer
	Hub      *ws.Hub
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(LoggingMiddleware())
	r.Use(cors.Default())

	// System endpoints (no auth)
	systemH := handlers.NewSystemHandler(cfg.DB, cfg.MinIO, cfg.Producer)
	r.GET("/healthz", systemH.Healthz)
	r.GET("/readyz", systemH.Readyz)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// API v1 (with auth)
	v1 := r.Group("/v1")
	v1.Use(auth.APIKeyMiddleware(cfg.APIKey))

	// WebSocket
	v1.GET("/ws", cfg.Hub.HandleWS)

	// Cameras
	cameraH := handlers.NewCameraHandler(cfg.DB, cfg.Producer)
	v1.POST("/cameras", cameraH.Create)
	v1.GET("/cameras", cameraH.List)
	v1.GET("/cameras/:id", cameraH.Get)
	v1.POST("/cameras/:id/start", cameraH.Start)
	v1.POST("/cameras/:id/stop", cameraH.Stop)
	v1.POST("/cameras/:id/pause", cameraH.Pause)
	v1.POST("/cameras/:id/resume", cameraH.Resume)
	v1.DELETE("/cameras/:id", cameraH.Delete)

	// Faces & enrollment
	faceH := handlers.NewFaceHandler(cfg.DB, cfg.MinIO, cfg.Producer)
	v1.GET("/faces", faceH.List)
	v1.PATCH("/faces/:id", faceH.Rename)
	v1.DELETE("/faces/:id", faceH.Delete)
	v1.GET("/faces/:id/snapshot", faceH.Snapshot)
	v1.POST("/enroll/capture", faceH.EnrollCapture)
	v1.POST("/enroll/confirm", faceH.EnrollConfirm)
	v1.GET("/enroll/:token/preview", faceH.EnrollPreview)

	// Sightings & stats
	sightingH := handlers.NewSightingHandler(cfg.DB)
	v1.GET("/sightings", sightingH.List)
	v1.GET("/stats", sightingH.Stats)

	return r
}
