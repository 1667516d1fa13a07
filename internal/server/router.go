// Package server exposes the sync engine over HTTP.
package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/shelfsync/backend/internal/artifacts"
	"github.com/MarcoPoloResearchLab/shelfsync/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/shelfsync/backend/internal/doclog"
	"github.com/MarcoPoloResearchLab/shelfsync/backend/internal/documents"
	"github.com/MarcoPoloResearchLab/shelfsync/backend/internal/events"
	"github.com/MarcoPoloResearchLab/shelfsync/backend/internal/fingerprint"
	"github.com/MarcoPoloResearchLab/shelfsync/backend/internal/heartbeat"
	"github.com/MarcoPoloResearchLab/shelfsync/backend/internal/ids"
	"github.com/MarcoPoloResearchLab/shelfsync/backend/internal/metrics"
	"github.com/MarcoPoloResearchLab/shelfsync/backend/internal/svcerr"
)

const (
	userIDContextKey   = "shelfsync_user_id"
	deviceIDContextKey = "shelfsync_device_id"

	internalTokenHeader = "X-Internal-Token"
)

var (
	errMissingSessionValidator = errors.New("session validator dependency required")
	errMissingHeartbeatService = errors.New("heartbeat service dependency required")
	errMissingDocumentStore    = errors.New("document store dependency required")
	errMissingDocLogService    = errors.New("document log service dependency required")
	errInvalidAuthorization    = errors.New("authorization token missing or invalid")
)

// SessionValidator authenticates device requests.
type SessionValidator interface {
	ValidateToken(token string) (auth.SessionClaims, error)
	CookieName() string
}

// ArtifactStore persists artifact content delivered by background pipelines.
type ArtifactStore interface {
	Put(ctx context.Context, itemID ids.ItemID, kind artifacts.Kind, content []byte) (fingerprint.Token, error)
}

// Dependencies wires the HTTP surface to the services.
type Dependencies struct {
	Sessions  SessionValidator
	Heartbeat *heartbeat.Service
	Documents *documents.Store
	DocLog    *doclog.Service
	Realtime  *RealtimeDispatcher
	// Notifier, Artifacts and ArtifactCache back the collaborator endpoints, which are only
	// mounted when InternalToken is set.
	Notifier       *events.Notifier
	Artifacts      ArtifactStore
	ArtifactCache  events.ArtifactInvalidator
	InternalToken  string
	Metrics        metrics.Recorder
	MetricsHandler http.Handler
	AllowedOrigins []string
	KeepAlive      time.Duration
	Clock          func() time.Time
	Logger         *zap.Logger
}

// NewHTTPHandler builds the gin engine.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Sessions == nil {
		return nil, errMissingSessionValidator
	}
	if deps.Heartbeat == nil {
		return nil, errMissingHeartbeatService
	}
	if deps.Documents == nil {
		return nil, errMissingDocumentStore
	}
	if deps.DocLog == nil {
		return nil, errMissingDocLogService
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	realtime := deps.Realtime
	if realtime == nil {
		realtime = NewRealtimeDispatcher()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	keepAlive := deps.KeepAlive
	if keepAlive <= 0 {
		keepAlive = defaultKeepAlive
	}

	handler := &httpHandler{
		sessions:      deps.Sessions,
		heartbeat:     deps.Heartbeat,
		documents:     deps.Documents,
		doclog:        deps.DocLog,
		realtime:      realtime,
		notifier:      deps.Notifier,
		artifacts:     deps.Artifacts,
		artifactCache: deps.ArtifactCache,
		internalToken: deps.InternalToken,
		metrics:       metrics.OrNoop(deps.Metrics),
		keepAlive:     keepAlive,
		clock:         clock,
		logger:        logger,
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins...))
	router.Use(handler.observeRequest)

	router.GET("/healthz", handler.handleHealth)
	if deps.MetricsHandler != nil {
		router.GET("/metrics", gin.WrapH(deps.MetricsHandler))
	}

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/sync/heartbeat", handler.handleHeartbeat)
	protected.GET("/sync/stream", handler.handleStream)
	protected.GET("/documents", handler.handleListDocuments)
	protected.POST("/documents/:id/resolve", handler.handleResolveConflict)
	protected.POST("/collab/:id/events", handler.handleAppendDocEvent)
	protected.GET("/collab/:id", handler.handleMaterialize)
	protected.POST("/collab/:id/compact", handler.handleCompact)

	if strings.TrimSpace(deps.InternalToken) != "" {
		internal := router.Group("/internal")
		internal.Use(handler.authorizeInternal)
		internal.POST("/events", handler.handleNotify)
		internal.PUT("/artifacts/:item/:kind", handler.handlePutArtifact)
	}

	return router, nil
}

type httpHandler struct {
	sessions      SessionValidator
	heartbeat     *heartbeat.Service
	documents     *documents.Store
	doclog        *doclog.Service
	realtime      *RealtimeDispatcher
	notifier      *events.Notifier
	artifacts     ArtifactStore
	artifactCache events.ArtifactInvalidator
	internalToken string
	metrics       metrics.Recorder
	keepAlive     time.Duration
	clock         func() time.Time
	logger        *zap.Logger
}

func corsMiddleware(origins ...string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-Device-ID"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(origins) == 0 {
		config.AllowOriginFunc = func(string) bool { return true }
	} else {
		config.AllowOrigins = origins
	}
	return cors.New(config)
}

func (h *httpHandler) observeRequest(c *gin.Context) {
	started := h.clock()
	c.Next()
	endpoint := c.FullPath()
	if endpoint == "" {
		endpoint = "unmatched"
	}
	h.metrics.IncRequestsTotal(endpoint, c.Writer.Status())
	h.metrics.ObserveRequestDuration(endpoint, h.clock().Sub(started))
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token := auth.TokenFromRequest(c.Request, h.sessions.CookieName())
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	claims, err := h.sessions.ValidateToken(token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, claims.UserID)
	c.Set(deviceIDContextKey, claims.DeviceID)
	c.Next()
}

func (h *httpHandler) authorizeInternal(c *gin.Context) {
	presented := c.GetHeader(internalTokenHeader)
	if presented == "" || subtle.ConstantTimeCompare([]byte(presented), []byte(h.internalToken)) != 1 {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Next()
}

func sessionUser(c *gin.Context) (ids.UserID, bool) {
	userID := c.GetString(userIDContextKey)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return "", false
	}
	return ids.UserID(userID), true
}

// requestDevice prefers an explicit device id and falls back to the session's device.
func requestDevice(c *gin.Context, explicit string) ids.DeviceID {
	if trimmed := strings.TrimSpace(explicit); trimmed != "" {
		return ids.DeviceID(trimmed)
	}
	if header := strings.TrimSpace(c.GetHeader("X-Device-ID")); header != "" {
		return ids.DeviceID(header)
	}
	return ids.DeviceID(c.GetString(deviceIDContextKey))
}

func respondWithError(c *gin.Context, status int, message string, err error) {
	payload := gin.H{"error": message}
	if code := svcerr.CodeOf(err); code != "" {
		payload["code"] = code
	}
	c.JSON(status, payload)
}
