package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/shelfsync/backend/internal/doclog"
	"github.com/MarcoPoloResearchLab/shelfsync/backend/internal/documents"
	"github.com/MarcoPoloResearchLab/shelfsync/backend/internal/ids"
)

type documentPayload struct {
	DocumentID      string  `json:"document_id"`
	ItemID          string  `json:"item_id"`
	Kind            string  `json:"kind"`
	Version         int64   `json:"version"`
	Content         string  `json:"content"`
	ConflictOf      *string `json:"conflict_of"`
	DeviceID        string  `json:"device_id"`
	CreatedAtMillis int64   `json:"created_at_ms"`
	UpdatedAtMillis int64   `json:"updated_at_ms"`
}

type resolveRequestPayload struct {
	Action string `json:"action"`
}

type resolveResponsePayload struct {
	DocumentID string `json:"document_id"`
	Version    int64  `json:"version"`
	Content    string `json:"content"`
}

func (h *httpHandler) handleListDocuments(c *gin.Context) {
	userID, ok := sessionUser(c)
	if !ok {
		return
	}
	itemID, err := ids.NewItemID(c.Query("item_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_item_id"})
		return
	}
	stored, err := h.documents.List(c.Request.Context(), userID, itemID)
	if err != nil {
		respondWithError(c, http.StatusInternalServerError, "list_failed", err)
		return
	}
	payload := make([]documentPayload, 0, len(stored))
	for _, document := range stored {
		payload = append(payload, documentPayload{
			DocumentID:      document.DocumentID,
			ItemID:          document.ItemID,
			Kind:            string(document.Kind),
			Version:         document.Version,
			Content:         document.Content,
			ConflictOf:      document.ConflictOf,
			DeviceID:        document.DeviceID,
			CreatedAtMillis: document.CreatedAtMillis,
			UpdatedAtMillis: document.UpdatedAtMillis,
		})
	}
	c.JSON(http.StatusOK, gin.H{"documents": payload})
}

func (h *httpHandler) handleResolveConflict(c *gin.Context) {
	userID, ok := sessionUser(c)
	if !ok {
		return
	}
	copyID, err := ids.NewDocumentID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_document_id"})
		return
	}
	var request resolveRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	resolution, err := documents.ParseResolution(request.Action)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_action"})
		return
	}

	result, err := h.documents.ResolveConflict(c.Request.Context(), userID, copyID, resolution)
	switch {
	case errors.Is(err, documents.ErrDocumentNotFound):
		respondWithError(c, http.StatusNotFound, "document_not_found", err)
		return
	case errors.Is(err, documents.ErrNotConflictCopy):
		respondWithError(c, http.StatusConflict, "not_conflict_copy", err)
		return
	case err != nil:
		respondWithError(c, http.StatusInternalServerError, "resolve_failed", err)
		return
	}
	c.JSON(http.StatusOK, resolveResponsePayload{
		DocumentID: result.DocumentID.String(),
		Version:    result.Version,
		Content:    result.Content,
	})
}

type appendEventRequestPayload struct {
	DeviceID      string `json:"device_id"`
	ClientEventID string `json:"client_event_id"`
	Delta         string `json:"delta"`
}

type docEventPayload struct {
	EventID         int64  `json:"event_id"`
	DeviceID        string `json:"device_id"`
	Delta           string `json:"delta"`
	CreatedAtMillis int64  `json:"created_at_ms"`
}

type materializedPayload struct {
	DocumentID      string            `json:"document_id"`
	Content         string            `json:"content"`
	LastEventID     int64             `json:"last_event_id"`
	SnapshotEventID int64             `json:"snapshot_event_id"`
	Events          []docEventPayload `json:"events,omitempty"`
}

type compactRequestPayload struct {
	CutoffMillis *int64 `json:"cutoff_ms"`
	Prune        bool   `json:"prune"`
}

func (h *httpHandler) handleAppendDocEvent(c *gin.Context) {
	userID, ok := sessionUser(c)
	if !ok {
		return
	}
	documentID, err := ids.NewDocumentID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_document_id"})
		return
	}
	var request appendEventRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.ClientEventID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	delta, err := doclog.NewDelta(request.Delta)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_delta"})
		return
	}

	result, err := h.doclog.Append(c.Request.Context(), doclog.AppendRequest{
		UserID:        userID,
		DocumentID:    documentID,
		DeviceID:      requestDevice(c, request.DeviceID),
		ClientEventID: request.ClientEventID,
		Delta:         delta,
	})
	if err != nil {
		if errors.Is(err, doclog.ErrDeltaNotApplicable) {
			respondWithError(c, http.StatusConflict, "delta_not_applicable", err)
			return
		}
		respondWithError(c, http.StatusInternalServerError, "append_failed", err)
		return
	}
	status := http.StatusCreated
	if result.Duplicate {
		status = http.StatusOK
	}
	c.JSON(status, gin.H{"event_id": result.EventID, "duplicate": result.Duplicate})
}

func (h *httpHandler) handleMaterialize(c *gin.Context) {
	userID, ok := sessionUser(c)
	if !ok {
		return
	}
	documentID, err := ids.NewDocumentID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_document_id"})
		return
	}

	state, err := h.doclog.Materialize(c.Request.Context(), userID, documentID)
	if err != nil {
		respondWithError(c, http.StatusInternalServerError, "materialize_failed", err)
		return
	}
	payload := materializedPayload{
		DocumentID:      documentID.String(),
		Content:         state.Content,
		LastEventID:     state.LastEventID,
		SnapshotEventID: state.SnapshotEventID,
	}

	if rawAfter, present := c.GetQuery("after"); present {
		after, err := strconv.ParseInt(rawAfter, 10, 64)
		if err != nil || after < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_cursor"})
			return
		}
		logged, err := h.doclog.EventsAfter(c.Request.Context(), userID, documentID, after)
		if err != nil {
			respondWithError(c, http.StatusInternalServerError, "events_failed", err)
			return
		}
		payload.Events = make([]docEventPayload, 0, len(logged))
		for _, event := range logged {
			payload.Events = append(payload.Events, docEventPayload{
				EventID:         event.EventID,
				DeviceID:        event.DeviceID,
				Delta:           event.Delta,
				CreatedAtMillis: event.CreatedAtMillis,
			})
		}
	}
	c.JSON(http.StatusOK, payload)
}

func (h *httpHandler) handleCompact(c *gin.Context) {
	userID, ok := sessionUser(c)
	if !ok {
		return
	}
	documentID, err := ids.NewDocumentID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_document_id"})
		return
	}
	var request compactRequestPayload
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&request); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
			return
		}
	}
	cutoff := h.clock()
	if request.CutoffMillis != nil {
		cutoff = ids.UnixMillis(*request.CutoffMillis).Time()
	}

	result, err := h.doclog.Compact(c.Request.Context(), userID, documentID, cutoff, request.Prune)
	if err != nil {
		h.logger.Error("document compaction failed", zap.String("document_id", documentID.String()), zap.Error(err))
		respondWithError(c, http.StatusInternalServerError, "compact_failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"folded_events":   result.FoldedEvents,
		"pruned_events":   result.PrunedEvents,
		"cutoff_event_id": result.CutoffEventID,
	})
}
