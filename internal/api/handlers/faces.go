package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/your-org/facewatch/internal/queue"
	"github.com/your-org/facewatch/internal/storage"
	"github.com/your-org/facewatch/pkg/dto"
)

type FaceHandler struct {
	db       *storage.Postgres
	minio    *storage.MinIOStore
	producer *queue.Producer
}

func NewFaceHandler(db *storage.Postgres, minio *storage.MinIOStore, producer *queue.Producer) *FaceHandler {
	return &FaceHandler{db: db, minio: minio, producer: producer}
}

func (h *FaceHandler) List(c *gin.Context) {
	faces, err := h.db.ListKnownFaces(c.Request.Context(), tenantFrom(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	resp := make([]dto.FaceResponse, 0, len(faces))
	for _, f := range faces {
		resp = append(resp, dto.FaceResponse{
			ID:          f.ID,
			Name:        f.Name,
			AutoCreated: f.IsAutoCreated(),
			CreatedAt:   f.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"faces": resp, "total": len(resp)})
}

// Rename gives an auto-created identity a real name, preserving its full
// sighting history.
func (h *FaceHandler) Rename(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}

	var req dto.RenameFaceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.db.RenameKnownFace(c.Request.Context(), tenantFrom(c), id, req.Name); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "face not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	h.reloadGallery()
	c.JSON(http.StatusOK, gin.H{"status": "renamed", "face_id": id, "name": req.Name})
}

// reloadGallery nudges the agent to refresh its in-memory gallery after a
// face changed. Best effort; the agent reloads on auto-creation anyway.
func (h *FaceHandler) reloadGallery() {
	if err := h.producer.PublishControl(dto.ControlCommand{Action: dto.ControlReloadGallery}); err != nil {
		slog.Warn("publish gallery reload", "error", err)
	}
}

func (h *FaceHandler) Delete(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	tenantID := tenantFrom(c)

	if err := h.db.DeleteKnownFace(c.Request.Context(), tenantID, id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "face not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	if h.minio != nil {
		key := fmt.Sprintf("faces/%d/%d.jpg", tenantID, id)
		_ = h.minio.RemoveObject(c.Request.Context(), key)
	}

	h.reloadGallery()
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

// Snapshot serves the stored reference crop for an identity.
func (h *FaceHandler) Snapshot(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	if h.minio == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "snapshot storage disabled"})
		return
	}

	key := fmt.Sprintf("faces/%d/%d.jpg", tenantFrom(c), id)
	data, err := h.minio.GetObject(c.Request.Context(), key)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "snapshot not found"})
		return
	}
	c.Data(http.StatusOK, "image/jpeg", data)
}

// EnrollCapture forwards the capture request to the agent owning the
// camera. The agent pauses identification, stabilizes a face and replies
// with a confirmation token.
func (h *FaceHandler) EnrollCapture(c *gin.Context) {
	var req dto.EnrollCaptureRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	// Capture stabilizes over many frames; give the agent room to finish.
	ctx, cancel := context.WithTimeout(c.Request.Context(), 45*time.Second)
	defer cancel()

	resp, err := h.producer.RequestEnrollCapture(ctx, req)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, resp)
}

// EnrollConfirm commits a pending capture under the given name.
func (h *FaceHandler) EnrollConfirm(c *gin.Context) {
	var req dto.EnrollConfirmRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	resp, err := h.producer.RequestEnrollConfirm(ctx, req)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, resp)
}

// EnrollPreview serves the capture preview for a pending token.
func (h *FaceHandler) EnrollPreview(c *gin.Context) {
	token := c.Param("token")
	if token == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing token"})
		return
	}
	if h.minio == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "snapshot storage disabled"})
		return
	}

	key := fmt.Sprintf("enroll/%d/%s.jpg", tenantFrom(c), token)
	data, err := h.minio.GetObject(c.Request.Context(), key)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "preview not found"})
		return
	}
	c.Data(http.StatusOK, "image/jpeg", data)
}
