package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/your-org/facewatch/internal/models"
	"github.com/your-org/facewatch/internal/queue"
	"github.com/your-org/facewatch/internal/storage"
	"github.com/your-org/facewatch/pkg/dto"
)

// tenantFrom resolves the tenant for a request. Single-tenant deployments
// never send the header and land on tenant 1.
func tenantFrom(c *gin.Context) int64 {
	if v := c.GetHeader("X-Tenant-ID"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil && id > 0 {
			return id
		}
	}
	return 1
}

func idParam(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return 0, false
	}
	return id, true
}

type CameraHandler struct {
	db       *storage.Postgres
	producer *queue.Producer
}

func NewCameraHandler(db *storage.Postgres, producer *queue.Producer) *CameraHandler {
	return &CameraHandler{db: db, producer: producer}
}

func (h *CameraHandler) Create(c *gin.Context) {
	var req dto.CreateCameraRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	cam, err := h.db.CreateCamera(c.Request.Context(), tenantFrom(c), req.Name, req.Source)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, cameraToResponse(cam))
}

func (h *CameraHandler) List(c *gin.Context) {
	cameras, err := h.db.ListCameras(c.Request.Context(), tenantFrom(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	resp := make([]dto.CameraResponse, 0, len(cameras))
	for _, cam := range cameras {
		resp = append(resp, cameraToResponse(cam))
	}
	c.JSON(http.StatusOK, gin.H{"cameras": resp, "total": len(resp)})
}

func (h *CameraHandler) Get(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}

	cam, err := h.db.GetCamera(c.Request.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "camera not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, cameraToResponse(cam))
}

func (h *CameraHandler) Start(c *gin.Context) {
	h.control(c, dto.ControlStart, models.CameraStatusStarting)
}

func (h *CameraHandler) Stop(c *gin.Context) {
	h.control(c, dto.ControlStop, models.CameraStatusStopped)
}

func (h *CameraHandler) Pause(c *gin.Context) {
	h.control(c, dto.ControlPause, models.CameraStatusPaused)
}

func (h *CameraHandler) Resume(c *gin.Context) {
	h.control(c, dto.ControlResume, models.CameraStatusRunning)
}

// control publishes a command for the agent and records the optimistic
// status; the agent settles the real one once the loop reacts.
func (h *CameraHandler) control(c *gin.Context, action string, optimistic models.CameraStatus) {
	id, ok := idParam(c)
	if !ok {
		return
	}

	cam, err := h.db.GetCamera(c.Request.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "camera not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	if action == dto.ControlStart && cam.Status == models.CameraStatusRunning {
		c.JSON(http.StatusConflict, gin.H{"error": "camera already running"})
		return
	}

	if err := h.producer.PublishControl(dto.ControlCommand{Action: action, CameraID: id}); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to send command"})
		return
	}
	if err := h.db.UpdateCameraStatus(c.Request.Context(), id, optimistic, ""); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": string(optimistic), "camera_id": id})
}

func (h *CameraHandler) Delete(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}

	// Best effort stop before removal; the agent drops the session once the
	// command lands even if the row is already gone.
	_ = h.producer.PublishControl(dto.ControlCommand{Action: dto.ControlStop, CameraID: id})

	if err := h.db.DeleteCamera(c.Request.Context(), tenantFrom(c), id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "camera not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

func cameraToResponse(cam models.Camera) dto.CameraResponse {
	return dto.CameraResponse{
		ID:        cam.ID,
		Name:      cam.Name,
		Source:    cam.Source,
		Status:    string(cam.Status),
		LastError: cam.LastError,
		CreatedAt: cam.CreatedAt,
	}
}
