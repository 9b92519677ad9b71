package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/neocraft/trilium/internal/ingest"
	"github.com/neocraft/trilium/internal/replicas"
	"github.com/neocraft/trilium/internal/syncupdate"
	"go.uber.org/zap"
)

const (
	replicaIDContextKey      = "trilium_replica_id"
	accessTokenQueryKey      = "access_token"
	defaultHeartbeatInterval = 30 * time.Second
	maxEventLimit            = 1000
)

var (
	errMissingTokenManager  = errors.New("token manager dependency required")
	errMissingBatchApplier  = errors.New("batch applier dependency required")
	errMissingEventLister   = errors.New("event lister dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// TokenValidator resolves a bearer token to the replica id it was issued for.
type TokenValidator interface {
	ValidateToken(token string) (string, error)
}

type BatchApplier interface {
	Apply(ctx context.Context, sourceID string, batch ingest.Batch) ([]ingest.Result, error)
}

type EventLister interface {
	ListEvents(ctx context.Context, limit int) ([]syncupdate.Event, error)
}

type ReplicaLister interface {
	List(ctx context.Context) ([]replicas.Replica, error)
}

// Dependencies wires the HTTP surface. Replicas and Realtime are optional.
type Dependencies struct {
	TokenManager      TokenValidator
	Driver            BatchApplier
	Events            EventLister
	Replicas          ReplicaLister
	Realtime          *RealtimeDispatcher
	AllowedOrigins    []string
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.Driver == nil {
		return nil, errMissingBatchApplier
	}
	if deps.Events == nil {
		return nil, errMissingEventLister
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		tokens:    deps.TokenManager,
		driver:    deps.Driver,
		events:    deps.Events,
		replicas:  deps.Replicas,
		realtime:  deps.Realtime,
		heartbeat: heartbeat,
		logger:    logger,
	}

	router.GET("/healthz", handler.handleHealth)

	protected := router.Group("/sync")
	protected.POST("/update", handler.authorizeRequest(false), handler.handleSyncUpdate)
	protected.GET("/events", handler.authorizeRequest(false), handler.handleListEvents)
	protected.GET("/replicas", handler.authorizeRequest(false), handler.handleListReplicas)
	protected.GET("/stream", handler.authorizeRequest(true), handler.handleSyncStream)

	return router, nil
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type", "Last-Event-ID"},
		MaxAge:       12 * time.Hour,
	}
	origins := make([]string, 0, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		if trimmed := strings.TrimSpace(origin); trimmed != "" && trimmed != "*" {
			origins = append(origins, trimmed)
		}
	}
	if len(origins) == 0 {
		config.AllowAllOrigins = true
	} else {
		config.AllowOrigins = origins
		config.AllowCredentials = true
	}
	return cors.New(config)
}

type httpHandler struct {
	tokens    TokenValidator
	driver    BatchApplier
	events    EventLister
	replicas  ReplicaLister
	realtime  *RealtimeDispatcher
	heartbeat time.Duration
	logger    *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type syncResponsePayload struct {
	Results []ingest.Result `json:"results"`
}

func (h *httpHandler) handleSyncUpdate(c *gin.Context) {
	replicaID := c.GetString(replicaIDContextKey)
	if replicaID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	batch, err := ingest.DecodeBatch(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	results, err := h.driver.Apply(c.Request.Context(), replicaID, batch)
	if err != nil {
		if errors.Is(err, syncupdate.ErrInvalidSourceID) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_replica"})
			return
		}
		h.logger.Error("failed to apply sync batch", zap.String("source_id", replicaID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "sync_failed"})
		return
	}

	c.JSON(http.StatusOK, syncResponsePayload{Results: results})
}

type eventPayload struct {
	ID        string `json:"id"`
	Kind      string `json:"kind"`
	EntityID  string `json:"entity_id"`
	NoteID    string `json:"note_id,omitempty"`
	Message   string `json:"message"`
	DateAdded int64  `json:"date_added"`
}

type eventsResponsePayload struct {
	Events []eventPayload `json:"events"`
}

func (h *httpHandler) handleListEvents(c *gin.Context) {
	limit := 0
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 || parsed > maxEventLimit {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
			return
		}
		limit = parsed
	}

	events, err := h.events.ListEvents(c.Request.Context(), limit)
	if err != nil {
		h.logger.Error("failed to list sync events", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "events_failed"})
		return
	}

	response := eventsResponsePayload{Events: make([]eventPayload, 0, len(events))}
	for _, event := range events {
		response.Events = append(response.Events, eventPayload{
			ID:        event.ID,
			Kind:      string(event.Kind),
			EntityID:  event.EntityID,
			NoteID:    event.NoteID,
			Message:   event.Message(),
			DateAdded: event.DateAdded,
		})
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleListReplicas(c *gin.Context) {
	if h.replicas == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	known, err := h.replicas.List(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to list replicas", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "replicas_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"replicas": known})
}

type realtimePayload struct {
	SourceID   string `json:"sourceId"`
	EntityName string `json:"entityName"`
	EntityID   string `json:"entityId"`
	Timestamp  string `json:"timestamp"`
}

func (h *httpHandler) handleSyncStream(c *gin.Context) {
	if h.realtime == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "realtime_unavailable"})
		return
	}
	replicaID := c.GetString(replicaIDContextKey)
	ctx := c.Request.Context()

	stream, cleanup := h.realtime.Subscribe(ctx, replicaID)
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	c.Stream(func(_ io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case message, ok := <-stream:
			if !ok {
				return false
			}
			c.SSEvent(message.EventType, realtimePayload{
				SourceID:   message.SourceID,
				EntityName: message.EntityName,
				EntityID:   message.EntityID,
				Timestamp:  message.Timestamp.UTC().Format(time.RFC3339),
			})
			return true
		case tick := <-ticker.C:
			c.SSEvent(realtimeEventHeartbeat, gin.H{"timestamp": tick.UTC().Format(time.RFC3339)})
			return true
		}
	})
}

// authorizeRequest validates the replica bearer token. Event streams may pass the
// token as a query parameter since browsers cannot set headers on EventSource.
func (h *httpHandler) authorizeRequest(allowQueryToken bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := ""
		header := c.GetHeader("Authorization")
		switch {
		case strings.HasPrefix(header, "Bearer "):
			token = strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
		case header == "" && allowQueryToken:
			token = strings.TrimSpace(c.Query(accessTokenQueryKey))
		}
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
			return
		}
		replicaID, err := h.tokens.ValidateToken(token)
		if err != nil {
			if errors.Is(err, jwt.ErrTokenExpired) {
				h.logger.Info("token validation failed", zap.Error(err))
			} else {
				h.logger.Warn("token validation failed", zap.Error(err))
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Set(replicaIDContextKey, replicaID)
		c.Next()
	}
}
