package server

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/shelfsync/backend/internal/artifacts"
	"github.com/MarcoPoloResearchLab/shelfsync/backend/internal/events"
	"github.com/MarcoPoloResearchLab/shelfsync/backend/internal/ids"
)

const maxArtifactBytes = 64 << 20

type notifyRequestPayload struct {
	UserID       string          `json:"user_id"`
	ItemID       string          `json:"item_id"`
	TargetDevice string          `json:"target_device"`
	Kind         string          `json:"kind"`
	Payload      json.RawMessage `json:"payload"`
}

// handleNotify is the completion hook of background pipelines. A notification that cannot
// be persisted is answered 202 with accepted=false: the user has been flagged for resync.
func (h *httpHandler) handleNotify(c *gin.Context) {
	if h.notifier == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "notifier_unavailable"})
		return
	}
	var request notifyRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	userID, err := ids.NewUserID(request.UserID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_user_id"})
		return
	}
	itemID, err := ids.NewItemID(request.ItemID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_item_id"})
		return
	}
	kind, err := events.ParseKind(request.Kind)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_kind"})
		return
	}
	rawPayload := []byte(request.Payload)
	if len(rawPayload) == 0 {
		rawPayload = []byte("{}")
	}
	payload, err := events.DecodePayload(kind, rawPayload)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_payload"})
		return
	}

	accepted := h.notifier.Notify(c.Request.Context(), events.EnqueueRequest{
		UserID:       userID,
		ItemID:       itemID,
		TargetDevice: ids.DeviceID(request.TargetDevice),
		Payload:      payload,
	})
	c.JSON(http.StatusAccepted, gin.H{"accepted": accepted})
}

func (h *httpHandler) handlePutArtifact(c *gin.Context) {
	if h.artifacts == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "artifact_store_unavailable"})
		return
	}
	itemID, err := ids.NewItemID(c.Param("item"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_item_id"})
		return
	}
	kind, err := artifacts.ParseKind(c.Param("kind"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_artifact"})
		return
	}
	content, err := io.ReadAll(io.LimitReader(c.Request.Body, maxArtifactBytes+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_body"})
		return
	}
	if len(content) > maxArtifactBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "artifact_too_large"})
		return
	}

	version, err := h.artifacts.Put(c.Request.Context(), itemID, kind, content)
	if err != nil {
		h.logger.Error("artifact store failed",
			zap.String("item_id", itemID.String()),
			zap.String("artifact", string(kind)),
			zap.Error(err))
		respondWithError(c, http.StatusInternalServerError, "artifact_store_failed", err)
		return
	}
	if h.artifactCache != nil {
		h.artifactCache.Invalidate(itemID, string(kind))
	}
	c.JSON(http.StatusOK, gin.H{"item_id": itemID.String(), "artifact": string(kind), "version": version.String()})
}
