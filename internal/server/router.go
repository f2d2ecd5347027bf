package server

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/sportmeet/internal/core"
	"github.com/MarcoPoloResearchLab/sportmeet/internal/offers"
	"github.com/MarcoPoloResearchLab/sportmeet/internal/queue"
	"github.com/MarcoPoloResearchLab/sportmeet/internal/remote"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	defaultHeartbeatInterval = 25 * time.Second
	accessTokenQueryParam    = "access_token"
)

var (
	errMissingSession       = errors.New("session dependency required")
	errMissingRealtime      = errors.New("realtime dispatcher dependency required")
	errMissingAPIToken      = errors.New("api token required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

type Dependencies struct {
	Session           *core.Session
	Realtime          *RealtimeDispatcher
	APIToken          string
	AllowOrigins      []string
	ParticipantLimit  int
	HeartbeatInterval time.Duration
	// OnSignOut runs after a successful sign-out so the daemon can shut down.
	OnSignOut func()
	Logger    *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Session == nil {
		return nil, errMissingSession
	}
	if deps.Realtime == nil {
		return nil, errMissingRealtime
	}
	if strings.TrimSpace(deps.APIToken) == "" {
		return nil, errMissingAPIToken
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}
	participantLimit := deps.ParticipantLimit
	if participantLimit <= 0 {
		participantLimit = core.DefaultParticipantLimit
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowOrigins))

	handler := &httpHandler{
		session:          deps.Session,
		realtime:         deps.Realtime,
		apiToken:         []byte(deps.APIToken),
		participantLimit: participantLimit,
		heartbeat:        heartbeat,
		onSignOut:        deps.OnSignOut,
		logger:           logger,
	}

	router.GET("/healthz", handler.handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/offers", handler.handleListOffers)
	protected.POST("/offers", handler.handleCreateOffer)
	protected.PATCH("/offers/:id", handler.handleUpdateOffer)
	protected.DELETE("/offers/:id", handler.handleDeleteOffer)
	protected.POST("/offers/:id/join", handler.handleJoinOffer)
	protected.POST("/offers/:id/leave", handler.handleLeaveOffer)
	protected.GET("/offers/:id/participants", handler.handleListParticipants)
	protected.DELETE("/offers/:id/participants/:userId", handler.handleRemoveParticipant)
	protected.GET("/queue", handler.handleQueueSnapshot)
	protected.POST("/queue", handler.handleEnqueue)
	protected.POST("/sync", handler.handleSync)
	protected.GET("/failed-operations", handler.handleDeadLetters)
	protected.POST("/failed-operations/retry", handler.handleRetryDeadLetters)
	protected.POST("/session/sign-out", handler.handleSignOut)
	protected.GET("/events", handler.handleEvents)

	return router, nil
}

func corsMiddleware(allowOrigins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}
	if len(allowOrigins) == 0 {
		config.AllowAllOrigins = true
	} else {
		config.AllowOrigins = allowOrigins
	}
	return cors.New(config)
}

type httpHandler struct {
	session          *core.Session
	realtime         *RealtimeDispatcher
	apiToken         []byte
	participantLimit int
	heartbeat        time.Duration
	onSignOut        func()
	signedOut        atomic.Bool
	logger           *zap.Logger
}

type draftPayload struct {
	SportType   string    `json:"sport_type"`
	Location    string    `json:"location"`
	DateTime    time.Time `json:"date_time"`
	Description string    `json:"description"`
}

type writeResponsePayload struct {
	Offer       *offers.TrainingOffer `json:"offer,omitempty"`
	Deferred    bool                  `json:"deferred"`
	OperationID string                `json:"operation_id,omitempty"`
}

type enqueueRequestPayload struct {
	Type   string          `json:"type"`
	Entity string          `json:"entity"`
	Data   json.RawMessage `json:"data"`
}

type queueResponsePayload struct {
	Count      int               `json:"count"`
	Operations []queue.Operation `json:"operations"`
	Syncing    bool              `json:"syncing"`
	Online     bool              `json:"online"`
}

type syncResponsePayload struct {
	Synced       int  `json:"synced"`
	Failed       int  `json:"failed"`
	DeadLettered int  `json:"dead_lettered"`
	Remaining    int  `json:"remaining"`
	Halted       bool `json:"halted"`
	Coalesced    bool `json:"coalesced"`
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"online":      h.session.Online(),
		"queue_count": h.session.QueueCount(),
	})
}

func (h *httpHandler) handleListOffers(c *gin.Context) {
	filter := offers.Filter{
		SportType: c.Query("sport_type"),
		Name:      c.Query("name"),
	}
	list, err := h.session.Refresh(c.Request.Context(), filter)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"offers": list, "online": h.session.Online()})
}

func (h *httpHandler) handleCreateOffer(c *gin.Context) {
	var request draftPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	result, err := h.session.CreateOffer(c.Request.Context(), offers.Draft{
		SportType:   strings.TrimSpace(request.SportType),
		Location:    strings.TrimSpace(request.Location),
		DateTime:    request.DateTime,
		Description: request.Description,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	status := http.StatusCreated
	if result.Deferred {
		status = http.StatusAccepted
	}
	c.JSON(status, toWriteResponse(result))
}

func (h *httpHandler) handleUpdateOffer(c *gin.Context) {
	id, ok := h.offerID(c)
	if !ok {
		return
	}
	var updates offers.Updates
	if err := c.ShouldBindJSON(&updates); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	result, err := h.session.UpdateOffer(c.Request.Context(), id, updates)
	if err != nil {
		h.writeError(c, err)
		return
	}
	status := http.StatusOK
	if result.Deferred {
		status = http.StatusAccepted
	}
	c.JSON(status, toWriteResponse(result))
}

func (h *httpHandler) handleDeleteOffer(c *gin.Context) {
	id, ok := h.offerID(c)
	if !ok {
		return
	}
	result, err := h.session.DeleteOffer(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	status := http.StatusOK
	if result.Deferred {
		status = http.StatusAccepted
	}
	c.JSON(status, toWriteResponse(result))
}

func (h *httpHandler) handleJoinOffer(c *gin.Context) {
	id, ok := h.offerID(c)
	if !ok {
		return
	}
	if err := h.session.JoinOffer(c.Request.Context(), id); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleLeaveOffer(c *gin.Context) {
	id, ok := h.offerID(c)
	if !ok {
		return
	}
	if err := h.session.LeaveOffer(c.Request.Context(), id); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleListParticipants(c *gin.Context) {
	id, ok := h.offerID(c)
	if !ok {
		return
	}
	limit := h.participantLimit
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
			return
		}
		limit = parsed
	}
	participants, err := h.session.Participants(c.Request.Context(), id, limit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"participants": participants})
}

func (h *httpHandler) handleRemoveParticipant(c *gin.Context) {
	id, ok := h.offerID(c)
	if !ok {
		return
	}
	participant := strings.TrimSpace(c.Param("userId"))
	if participant == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_user_id"})
		return
	}
	if err := h.session.RemoveParticipant(c.Request.Context(), id, participant); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleQueueSnapshot(c *gin.Context) {
	operations := h.session.QueueSnapshot()
	c.JSON(http.StatusOK, queueResponsePayload{
		Count:      len(operations),
		Operations: operations,
		Syncing:    h.session.Syncing(),
		Online:     h.session.Online(),
	})
}

func (h *httpHandler) handleEnqueue(c *gin.Context) {
	var request enqueueRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	opType, err := parseOperationType(request.Type)
	if err != nil || len(request.Data) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_operation"})
		return
	}
	entity := strings.TrimSpace(request.Entity)
	if entity == "" {
		entity = offers.EntityTrainingOffer
	}
	id, err := h.session.Enqueue(c.Request.Context(), queue.NewOperation{Type: opType, Entity: entity, Data: request.Data})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"id": id})
}

func (h *httpHandler) handleSync(c *gin.Context) {
	result, err := h.session.Sync(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, syncResponsePayload{
		Synced:       result.Synced,
		Failed:       result.Failed,
		DeadLettered: result.DeadLettered,
		Remaining:    result.Remaining,
		Halted:       result.Halted,
		Coalesced:    result.Coalesced,
	})
}

func (h *httpHandler) handleDeadLetters(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"operations": h.session.DeadLetters()})
}

func (h *httpHandler) handleRetryDeadLetters(c *gin.Context) {
	moved, err := h.session.RetryDeadLetters(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"requeued": moved})
}

func (h *httpHandler) handleSignOut(c *gin.Context) {
	// A failed sign-out still leaves the session closed.
	h.signedOut.Store(true)
	if err := h.session.SignOut(c.Request.Context()); err != nil {
		h.writeError(c, err)
		return
	}
	h.logger.Info("session signed out over http")
	c.Status(http.StatusNoContent)
	if h.onSignOut != nil {
		h.onSignOut()
	}
}

func (h *httpHandler) handleEvents(c *gin.Context) {
	messages, cleanup := h.realtime.Subscribe(c.Request.Context())
	defer cleanup()
	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.SSEvent(realtimeEventHeartbeat, h.heartbeatPayload())
	c.Writer.Flush()

	c.Stream(func(_ io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case message, ok := <-messages:
			if !ok {
				return false
			}
			c.SSEvent(message.EventType, message.Payload)
			return true
		case <-ticker.C:
			c.SSEvent(realtimeEventHeartbeat, h.heartbeatPayload())
			return true
		}
	})
}

func (h *httpHandler) heartbeatPayload() gin.H {
	return gin.H{
		"source":      realtimeSourceDaemon,
		"online":      h.session.Online(),
		"queue_count": h.session.QueueCount(),
	}
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	if h.signedOut.Load() {
		c.AbortWithStatusJSON(http.StatusGone, gin.H{"error": "signed_out"})
		return
	}
	token := ""
	header := c.GetHeader("Authorization")
	switch {
	case strings.HasPrefix(header, "Bearer "):
		token = strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	case header == "":
		token = strings.TrimSpace(c.Query(accessTokenQueryParam))
	}
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	if subtle.ConstantTimeCompare([]byte(token), h.apiToken) != 1 {
		h.logger.Warn("api token rejected", zap.String("path", c.FullPath()))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Next()
}

func (h *httpHandler) offerID(c *gin.Context) (offers.OfferID, bool) {
	id, err := offers.ParseRef(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_offer_id"})
		return offers.OfferID{}, false
	}
	return id, true
}

func (h *httpHandler) writeError(c *gin.Context, err error) {
	var remoteErr *remote.Error
	switch {
	case errors.Is(err, core.ErrSignedOut):
		c.JSON(http.StatusGone, gin.H{"error": "signed_out"})
	case errors.Is(err, core.ErrOffline):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "offline"})
	case errors.Is(err, core.ErrNotOwner):
		c.JSON(http.StatusForbidden, gin.H{"error": "not_owner"})
	case errors.Is(err, core.ErrCannotRemoveSelf):
		c.JSON(http.StatusBadRequest, gin.H{"error": "cannot_remove_self"})
	case errors.Is(err, core.ErrOfferNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "offer_not_found"})
	case errors.Is(err, offers.ErrInvalidDraft), errors.Is(err, core.ErrEmptyUpdate),
		errors.Is(err, offers.ErrInvalidOfferID), errors.Is(err, queue.ErrInvalidPayload):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
	case errors.As(err, &remoteErr) && remoteErr.Kind == remote.KindRejected:
		status := http.StatusBadGateway
		if remoteErr.Status >= 400 && remoteErr.Status < 500 {
			status = remoteErr.Status
		}
		c.JSON(status, gin.H{"error": "rejected"})
	case errors.As(err, &remoteErr) && remoteErr.Kind == remote.KindNetwork:
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": "backend_unreachable"})
	default:
		h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}
}

func toWriteResponse(result core.WriteResult) writeResponsePayload {
	payload := writeResponsePayload{Deferred: result.Deferred, OperationID: result.OperationID}
	if !result.Offer.ID.IsZero() {
		offer := result.Offer
		payload.Offer = &offer
	}
	return payload
}

func parseOperationType(value string) (queue.Type, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case string(queue.TypeCreate):
		return queue.TypeCreate, nil
	case string(queue.TypeUpdate):
		return queue.TypeUpdate, nil
	case string(queue.TypeDelete):
		return queue.TypeDelete, nil
	default:
		return "", errors.New("unknown operation")
	}
}
