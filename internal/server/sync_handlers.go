package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/shelfsync/backend/internal/artifacts"
	"github.com/MarcoPoloResearchLab/shelfsync/backend/internal/documents"
	"github.com/MarcoPoloResearchLab/shelfsync/backend/internal/events"
	"github.com/MarcoPoloResearchLab/shelfsync/backend/internal/fingerprint"
	"github.com/MarcoPoloResearchLab/shelfsync/backend/internal/heartbeat"
	"github.com/MarcoPoloResearchLab/shelfsync/backend/internal/ids"
	"github.com/MarcoPoloResearchLab/shelfsync/backend/internal/progress"
)

const defaultKeepAlive = 25 * time.Second

type versionsPayload struct {
	OCR         *string `json:"ocr"`
	Metadata    *string `json:"metadata"`
	VectorIndex *string `json:"vector_index"`
}

type progressWritePayload struct {
	Progress     float64 `json:"progress"`
	LastLocation string  `json:"last_location"`
	Timestamp    int64   `json:"timestamp"`
}

type documentWritePayload struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	BaseVersion int64  `json:"base_version"`
	Content     string `json:"content"`
}

type clientUpdatesPayload struct {
	ReadingProgress *progressWritePayload  `json:"reading_progress"`
	Documents       []documentWritePayload `json:"documents"`
}

type heartbeatRequestPayload struct {
	ItemID         string               `json:"item_id"`
	DeviceID       string               `json:"device_id"`
	ClientVersions versionsPayload      `json:"client_versions"`
	ClientUpdates  clientUpdatesPayload `json:"client_updates"`
	SinceMillis    *int64               `json:"since_ms"`
}

type changePayload struct {
	Artifact      string  `json:"artifact"`
	ServerVersion *string `json:"server_version"`
	ClientVersion *string `json:"client_version"`
}

type progressStatePayload struct {
	Progress         float64         `json:"progress"`
	LastLocation     string          `json:"last_location"`
	UpdatedAtMillis  int64           `json:"updated_at_ms"`
	LastSyncAtMillis int64           `json:"last_sync_at_ms"`
	LastWriterDevice string          `json:"last_writer_device"`
	Versions         versionsPayload `json:"versions"`
}

type progressResultPayload struct {
	Accepted bool                 `json:"accepted"`
	Merged   progressStatePayload `json:"merged"`
}

type documentResultPayload struct {
	DocumentID     string `json:"document_id"`
	State          string `json:"state"`
	Version        int64  `json:"version"`
	ConflictCopyID string `json:"conflict_copy_id,omitempty"`
	Replayed       bool   `json:"replayed,omitempty"`
}

type conflictPayload struct {
	DocumentID     string `json:"document_id"`
	ConflictCopyID string `json:"conflict_copy_id"`
}

type rejectionPayload struct {
	DocumentID string `json:"document_id"`
	Reason     string `json:"reason"`
}

type eventPayload struct {
	ID              string          `json:"id"`
	Kind            string          `json:"kind"`
	ItemID          string          `json:"item_id"`
	Payload         json.RawMessage `json:"payload"`
	CreatedAtMillis int64           `json:"created_at_ms"`
}

type heartbeatResponsePayload struct {
	ServerVersions versionsPayload         `json:"server_versions"`
	Changes        []changePayload         `json:"changes"`
	Progress       *progressResultPayload  `json:"progress"`
	Documents      []documentResultPayload `json:"documents"`
	Conflicts      []conflictPayload       `json:"conflicts"`
	Rejected       []rejectionPayload      `json:"rejected"`
	Events         []eventPayload          `json:"events"`
	FullResync     bool                    `json:"full_resync"`
	MorePending    bool                    `json:"more_pending"`
}

func (h *httpHandler) handleHeartbeat(c *gin.Context) {
	userID, ok := sessionUser(c)
	if !ok {
		return
	}

	var request heartbeatRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	clientVersions, err := parseVersions(request.ClientVersions)
	if err != nil {
		respondWithError(c, http.StatusBadRequest, "invalid_client_versions", err)
		return
	}

	serviceRequest := heartbeat.Request{
		ItemID:         ids.ItemID(request.ItemID),
		DeviceID:       requestDevice(c, request.DeviceID),
		ClientVersions: clientVersions,
	}
	if progressWrite := request.ClientUpdates.ReadingProgress; progressWrite != nil {
		serviceRequest.Progress = &heartbeat.ProgressWrite{
			Progress:        progressWrite.Progress,
			LastLocation:    progressWrite.LastLocation,
			TimestampMillis: progressWrite.Timestamp,
		}
	}
	for _, write := range request.ClientUpdates.Documents {
		serviceRequest.Documents = append(serviceRequest.Documents, heartbeat.DocumentWrite{
			DocumentID:  ids.DocumentID(write.ID),
			Kind:        documents.Kind(write.Kind),
			BaseVersion: write.BaseVersion,
			Content:     write.Content,
		})
	}
	if request.SinceMillis != nil {
		since := ids.UnixMillis(*request.SinceMillis).Time()
		serviceRequest.Since = &since
	}

	response, err := h.heartbeat.Heartbeat(c.Request.Context(), userID, serviceRequest)
	if err != nil {
		if errors.Is(err, heartbeat.ErrInvalidRequest) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "detail": err.Error()})
			return
		}
		h.logger.Error("heartbeat failed", zap.String("user_id", userID.String()), zap.Error(err))
		respondWithError(c, http.StatusInternalServerError, "heartbeat_failed", err)
		return
	}

	payload, err := buildHeartbeatResponse(response)
	if err != nil {
		h.logger.Error("heartbeat response encoding failed", zap.Error(err))
		respondWithError(c, http.StatusInternalServerError, "encoding_failed", err)
		return
	}
	c.JSON(http.StatusOK, payload)
}

func parseVersions(payload versionsPayload) (artifacts.Versions, error) {
	var versions artifacts.Versions
	for kind, raw := range map[artifacts.Kind]*string{
		artifacts.KindOCR:         payload.OCR,
		artifacts.KindMetadata:    payload.Metadata,
		artifacts.KindVectorIndex: payload.VectorIndex,
	} {
		if raw == nil || *raw == "" {
			continue
		}
		token, err := fingerprint.ParseToken(*raw)
		if err != nil {
			return artifacts.Versions{}, err
		}
		versions = versions.Set(kind, token)
	}
	return versions, nil
}

func tokenPointer(token fingerprint.Token) *string {
	if token.IsZero() {
		return nil
	}
	value := token.String()
	return &value
}

func versionsToPayload(versions artifacts.Versions) versionsPayload {
	return versionsPayload{
		OCR:         tokenPointer(versions.OCR),
		Metadata:    tokenPointer(versions.Metadata),
		VectorIndex: tokenPointer(versions.VectorIndex),
	}
}

func progressToPayload(state progress.ReadingProgress) progressStatePayload {
	return progressStatePayload{
		Progress:         state.Progress,
		LastLocation:     state.LastLocation,
		UpdatedAtMillis:  state.UpdatedAtMillis,
		LastSyncAtMillis: state.LastSyncAtMillis,
		LastWriterDevice: state.LastWriterDevice,
		Versions: versionsToPayload(artifacts.Versions{
			OCR:         fingerprint.Token(state.OCRVersion),
			Metadata:    fingerprint.Token(state.MetadataVersion),
			VectorIndex: fingerprint.Token(state.VectorIndexVersion),
		}),
	}
}

func eventsToPayload(drained []events.Event) ([]eventPayload, error) {
	payloads := make([]eventPayload, 0, len(drained))
	for _, event := range drained {
		body, err := events.EncodePayload(event.Payload)
		if err != nil {
			return nil, err
		}
		payloads = append(payloads, eventPayload{
			ID:              event.ID,
			Kind:            string(event.Kind()),
			ItemID:          event.ItemID.String(),
			Payload:         json.RawMessage(body),
			CreatedAtMillis: event.CreatedAt.UnixMilli(),
		})
	}
	return payloads, nil
}

func buildHeartbeatResponse(response heartbeat.Response) (heartbeatResponsePayload, error) {
	payload := heartbeatResponsePayload{
		ServerVersions: versionsToPayload(response.ServerVersions),
		Changes:        make([]changePayload, 0, len(response.Changes)),
		Documents:      make([]documentResultPayload, 0, len(response.Documents)),
		Conflicts:      make([]conflictPayload, 0, len(response.Conflicts)),
		Rejected:       make([]rejectionPayload, 0, len(response.Rejected)),
		FullResync:     response.FullResync,
		MorePending:    response.MorePending,
	}
	for _, change := range response.Changes {
		payload.Changes = append(payload.Changes, changePayload{
			Artifact:      string(change.Artifact),
			ServerVersion: tokenPointer(change.ServerVersion),
			ClientVersion: tokenPointer(change.ClientVersion),
		})
	}
	if response.Progress != nil {
		payload.Progress = &progressResultPayload{
			Accepted: response.Progress.Accepted,
			Merged:   progressToPayload(response.Progress.Merged),
		}
	}
	for _, result := range response.Documents {
		payload.Documents = append(payload.Documents, documentResultPayload{
			DocumentID:     result.DocumentID.String(),
			State:          string(result.State),
			Version:        result.Version,
			ConflictCopyID: result.ConflictCopyID.String(),
			Replayed:       result.Replayed,
		})
	}
	for _, conflict := range response.Conflicts {
		payload.Conflicts = append(payload.Conflicts, conflictPayload{
			DocumentID:     conflict.DocumentID.String(),
			ConflictCopyID: conflict.ConflictCopyID.String(),
		})
	}
	for _, rejection := range response.Rejected {
		payload.Rejected = append(payload.Rejected, rejectionPayload{
			DocumentID: rejection.DocumentID.String(),
			Reason:     rejection.Reason,
		})
	}
	drained, err := eventsToPayload(response.Events)
	if err != nil {
		return heartbeatResponsePayload{}, err
	}
	payload.Events = drained
	return payload, nil
}

type streamMessagePayload struct {
	ItemID          string `json:"item_id,omitempty"`
	Kind            string `json:"kind"`
	Source          string `json:"source"`
	TimestampMillis int64  `json:"timestamp_ms"`
}

func (h *httpHandler) handleStream(c *gin.Context) {
	userID, ok := sessionUser(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	stream, cleanup := h.realtime.Subscribe(ctx, userID)
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	keepAlive := time.NewTicker(h.keepAlive)
	defer keepAlive.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case message, open := <-stream:
			if !open {
				return false
			}
			c.SSEvent(RealtimeEventSyncPending, streamMessagePayload{
				ItemID:          message.ItemID.String(),
				Kind:            string(message.Kind),
				Source:          realtimeSourceBackend,
				TimestampMillis: message.Timestamp.UnixMilli(),
			})
			return true
		case tick := <-keepAlive.C:
			c.SSEvent(realtimeEventKeepAlive, streamMessagePayload{
				Kind:            realtimeEventKeepAlive,
				Source:          realtimeSourceBackend,
				TimestampMillis: tick.UnixMilli(),
			})
			return true
		}
	})
}
