package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/your-org/facewatch/internal/storage"
	"github.com/your-org/facewatch/pkg/dto"
)

type SightingHandler struct {
	db *storage.Postgres
}

func NewSightingHandler(db *storage.Postgres) *SightingHandler {
	return &SightingHandler{db: db}
}

// List returns presence sessions, newest first. Supports face_id,
// camera_id, since (RFC 3339) and limit query parameters.
func (h *SightingHandler) List(c *gin.Context) {
	var filter storage.SightingFilter
	if v := c.Query("face_id"); v != "" {
		filter.FaceID, _ = strconv.ParseInt(v, 10, 64)
	}
	if v := c.Query("camera_id"); v != "" {
		filter.CameraID, _ = strconv.ParseInt(v, 10, 64)
	}
	if v := c.Query("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid since timestamp"})
			return
		}
		filter.Since = since
	}
	if v := c.Query("limit"); v != "" {
		filter.Limit, _ = strconv.Atoi(v)
	}

	records, err := h.db.ListSightings(c.Request.Context(), tenantFrom(c), filter)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	resp := make([]dto.SightingResponse, 0, len(records))
	for _, r := range records {
		resp = append(resp, dto.SightingResponse{
			ID:             r.ID,
			FaceID:         r.FaceID,
			FaceName:       r.FaceName,
			CameraID:       r.CameraID,
			SessionStart:   r.SessionStart,
			LastSeen:       r.LastSeen,
			SessionEnd:     r.SessionEnd,
			DetectionCount: r.DetectionCount,
			ConfidenceAvg:  r.ConfidenceAvg,
			IsUnknown:      r.IsUnknown,
		})
	}
	c.JSON(http.StatusOK, gin.H{"sightings": resp, "total": len(resp)})
}

func (h *SightingHandler) Stats(c *gin.Context) {
	stats, err := h.db.Stats(c.Request.Context(), tenantFrom(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, dto.StatsResponse{
		TotalFaces:      stats.TotalFaces,
		KnownFaces:      stats.KnownFaces,
		UnknownFaces:    stats.UnknownFaces,
		RecentSightings: stats.RecentSightings,
	})
}
