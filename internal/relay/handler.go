package relay

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"livesync/internal/apperr"
	"livesync/internal/logger"
	"livesync/internal/models"
	"livesync/internal/storage"
)

type Handler struct {
	Hub     *Hub
	Storage storage.Storage
	Auth    *Auth
	log     *slog.Logger
}

func NewHandler(hub *Hub, s storage.Storage, auth *Auth, log *slog.Logger) *Handler {
	if log == nil {
		log = logger.L()
	}
	return &Handler{Hub: hub, Storage: s, Auth: auth, log: log.With("component", "handler")}
}

// Register mounts the REST API and the push endpoint on r.
func (h *Handler) Register(r *gin.Engine) {
	r.GET("/api/token", h.IssueToken)
	r.GET("/ws", h.ServeWebSocket)

	api := r.Group("/api", h.Auth.Middleware())
	api.GET("/users/:userId/rooms", h.selfOnly, h.ListRooms)
	api.GET("/users/:userId/notifications", h.selfOnly, h.ListNotifications)
	api.POST("/users/:userId/notifications", h.serviceOnly, h.CreateNotification)
	api.PATCH("/users/:userId/notifications/read-all", h.selfOnly, h.MarkAllRead)
	api.PATCH("/users/:userId/notifications/:id/read", h.selfOnly, h.MarkNotificationRead)

	api.POST("/rooms", h.CreateRoom)
	api.GET("/rooms/:roomId", h.GetRoom)
	api.GET("/rooms/:roomId/messages", h.ListMessages)
	api.POST("/rooms/:roomId/messages", h.SendMessage)
}

func (h *Handler) fail(c *gin.Context, err error) {
	status := apperr.ToHTTP(err)
	if status >= http.StatusInternalServerError {
		h.log.Error("request failed", "method", c.Request.Method, "path", c.FullPath(), "error", err)
		c.JSON(status, gin.H{"error": http.StatusText(status)})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

// selfOnly rejects access to another user's resources.
func (h *Handler) selfOnly(c *gin.Context) {
	if c.Param("userId") != currentUser(c) {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}
	c.Next()
}

// serviceOnly admits backend producers only.
func (h *Handler) serviceOnly(c *gin.Context) {
	if currentRole(c) != RoleService {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}
	c.Next()
}

// IssueToken returns a token for the given user id. It stands in for the
// marketplace's login.
func (h *Handler) IssueToken(c *gin.Context) {
	userID := strings.TrimSpace(c.Query("userId"))
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "userId is required"})
		return
	}
	token, err := h.Auth.Sign(userID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token, "userId": userID})
}

func (h *Handler) ListRooms(c *gin.Context) {
	rooms, err := h.Storage.RoomsForUser(c.Request.Context(), currentUser(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rooms)
}

// roomForCaller loads roomID and checks the caller takes part in it. A room
// the caller cannot see is reported as missing.
func (h *Handler) roomForCaller(c *gin.Context, roomID string) (*models.Room, bool) {
	room, err := h.Storage.GetRoomByID(c.Request.Context(), roomID)
	if err != nil {
		h.fail(c, err)
		return nil, false
	}
	if !room.HasParticipant(currentUser(c)) {
		h.fail(c, apperr.ErrNotFound)
		return nil, false
	}
	return room, true
}

func (h *Handler) GetRoom(c *gin.Context) {
	room, ok := h.roomForCaller(c, c.Param("roomId"))
	if !ok {
		return
	}
	c.JSON(http.StatusOK, room.ForViewer(currentUser(c)))
}

func (h *Handler) ListMessages(c *gin.Context) {
	roomID := c.Param("roomId")
	if _, ok := h.roomForCaller(c, roomID); !ok {
		return
	}
	var since time.Time
	if raw := c.Query("since"); raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "since must be an RFC 3339 timestamp"})
			return
		}
		since = t
	}
	msgs, err := h.Storage.MessagesForRoom(c.Request.Context(), roomID, since)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, msgs)
}

type createRoomRequest struct {
	UserID         string `json:"userId"`
	CounterpartyID string `json:"counterpartyId" binding:"required"`
}

func (h *Handler) CreateRoom(c *gin.Context) {
	var req createRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	me := currentUser(c)
	if req.UserID != "" && req.UserID != me {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}
	if req.CounterpartyID == me {
		c.JSON(http.StatusBadRequest, gin.H{"error": "cannot open a room with yourself"})
		return
	}

	room, err := h.Storage.CreateRoom(c.Request.Context(), me, req.CounterpartyID)
	switch {
	case apperr.IsConflict(err) && room != nil:
		c.JSON(http.StatusConflict, gin.H{"error": "room already exists", "room": room})
	case err != nil:
		h.fail(c, err)
	default:
		h.log.Info("room created", "room_id", room.ID, "user_id", me, "counterparty_id", req.CounterpartyID)
		c.JSON(http.StatusCreated, room)
	}
}

type sendMessageRequest struct {
	Body string `json:"body" binding:"required"`
}

func (h *Handler) SendMessage(c *gin.Context) {
	var req sendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Body) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "body is required"})
		return
	}
	msg := &models.Message{
		RoomID:   c.Param("roomId"),
		SenderID: currentUser(c),
		Body:     req.Body,
	}
	room, err := h.Storage.SaveMessage(c.Request.Context(), msg)
	if err != nil {
		if errors.Is(err, apperr.ErrForbidden) {
			err = apperr.ErrNotFound
		}
		h.fail(c, err)
		return
	}

	for _, p := range room.Participants {
		if err := h.Hub.Notify(c.Request.Context(), p, models.EventNewMessage, msg); err != nil {
			h.log.Warn("failed to push message", "message_id", msg.ID, "recipient", p, "error", err)
		}
	}
	c.JSON(http.StatusCreated, msg)
}

func (h *Handler) ListNotifications(c *gin.Context) {
	list, err := h.Storage.NotificationsForUser(c.Request.Context(), currentUser(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

type createNotificationRequest struct {
	Message string `json:"message" binding:"required"`
	Type    string `json:"type"`
	To      string `json:"to"`
}

// CreateNotification raises a notification for userId, e.g. when an
// application changes status, and pushes it with the new unread count.
// Callers need a service token.
func (h *Handler) CreateNotification(c *gin.Context) {
	var req createNotificationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	n := &models.Notification{
		RecipientID: c.Param("userId"),
		Text:        req.Message,
		Type:        req.Type,
		To:          req.To,
	}
	count, err := h.Storage.SaveNotification(c.Request.Context(), n)
	if err != nil {
		h.fail(c, err)
		return
	}
	payload := models.NotificationPayload{Notification: *n, Count: &count}
	if err := h.Hub.Notify(c.Request.Context(), n.RecipientID, models.EventNewNotification, payload); err != nil {
		h.log.Warn("failed to push notification", "notification_id", n.ID, "error", err)
	}
	c.JSON(http.StatusCreated, payload)
}

func (h *Handler) pushCount(c *gin.Context, userID string, count int) {
	err := h.Hub.Notify(c.Request.Context(), userID, models.EventNotificationCountUpdated, models.CountPayload{Count: count})
	if err != nil {
		h.log.Warn("failed to push unread count", "user_id", userID, "error", err)
	}
}

func (h *Handler) MarkNotificationRead(c *gin.Context) {
	me := currentUser(c)
	n, count, err := h.Storage.MarkNotificationRead(c.Request.Context(), me, c.Param("id"))
	switch {
	case apperr.IsConflict(err):
		c.JSON(http.StatusConflict, gin.H{"error": "already read", "notification": n, "count": count})
	case err != nil:
		h.fail(c, err)
	default:
		h.pushCount(c, me, count)
		c.JSON(http.StatusOK, gin.H{"notification": n, "count": count})
	}
}

func (h *Handler) MarkAllRead(c *gin.Context) {
	me := currentUser(c)
	count, err := h.Storage.MarkAllRead(c.Request.Context(), me)
	if err != nil {
		h.fail(c, err)
		return
	}
	h.pushCount(c, me, count)
	c.JSON(http.StatusOK, gin.H{"count": count})
}
