package server

import (
	"errors"
	"net/http"

	"github.com/Hokkyo-create/fxsfzx-sub000/internal/chat"
	"github.com/Hokkyo-create/fxsfzx-sub000/internal/presence"
	"github.com/Hokkyo-create/fxsfzx-sub000/internal/typing"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type presencePayload struct {
	UserID        string `json:"user_id"`
	DisplayHandle string `json:"display_handle"`
	AvatarRef     string `json:"avatar_ref,omitempty"`
}

type typingStatePayload struct {
	Typing *bool `json:"typing" binding:"required"`
}

type typistsPayload struct {
	UserIDs []string `json:"user_ids"`
}

type chatSendPayload struct {
	Text string `json:"text" binding:"required,max=4000"`
}

type chatMessagePayload struct {
	ID              string `json:"id"`
	AuthorID        string `json:"author_id"`
	AuthorHandle    string `json:"author_handle"`
	Text            string `json:"text"`
	AvatarRef       string `json:"avatar_ref,omitempty"`
	ServerTimestamp int64  `json:"server_ts_ms"`
}

type chatResponderPayload struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

// handlePresenceStream joins the caller to the roster for as long as the request lives and
// streams roster snapshots. The end of the request is treated as an abrupt drop: the record
// disappears once the disconnect timeout passes without a heartbeat.
func (h *httpHandler) handlePresenceStream(c *gin.Context) {
	profile := currentProfile(c)
	ctx := c.Request.Context()

	conn, err := h.realtime.Connect(ctx)
	if err != nil {
		h.logger.Error("realtime connect failed", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "realtime_unavailable"})
		return
	}
	defer conn.Drop()

	record := presence.Record{
		UserID:        profile.UserID,
		DisplayHandle: profile.DisplayHandle,
		AvatarRef:     profile.AvatarRef,
	}
	if err := h.presence.Join(ctx, conn, record); err != nil {
		h.logger.Error("presence join failed", zap.String("user_id", profile.UserID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "presence_join_failed"})
		return
	}
	h.live.register(profile.UserID, conn)
	defer h.live.unregister(profile.UserID, conn)

	roster := newLatest[[]presencePayload]()
	subscription, err := h.presence.Watch(ctx, func(records []presence.Record) {
		roster.push(toPresencePayloads(records))
	})
	if err != nil {
		h.logger.Error("presence watch failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "presence_watch_failed"})
		return
	}
	defer subscription.Close()

	relay(c, h.heartbeat, streamEventPresence, roster.values)
}

func (h *httpHandler) handlePresenceLeave(c *gin.Context) {
	profile := currentProfile(c)
	conn, ok := h.live.lookup(profile.UserID)
	if !ok {
		conn = h.serverConn
	}
	if err := h.presence.Leave(c.Request.Context(), conn, profile.UserID); err != nil {
		h.logger.Error("presence leave failed", zap.String("user_id", profile.UserID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "presence_leave_failed"})
		return
	}
	c.Status(http.StatusNoContent)
}

func toPresencePayloads(records []presence.Record) []presencePayload {
	payloads := make([]presencePayload, 0, len(records))
	for _, record := range records {
		payloads = append(payloads, presencePayload{
			UserID:        record.UserID,
			DisplayHandle: record.DisplayHandle,
			AvatarRef:     record.AvatarRef,
		})
	}
	return payloads
}

func (h *httpHandler) handleTypingInput(c *gin.Context) {
	profile := currentProfile(c)
	if err := h.typing.OnInput(c.Request.Context(), profile.UserID); err != nil {
		h.writeTypingError(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

func (h *httpHandler) handleTypingState(c *gin.Context) {
	var request typingStatePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	profile := currentProfile(c)
	if err := h.typing.SetTyping(c.Request.Context(), profile.UserID, *request.Typing); err != nil {
		h.writeTypingError(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

func (h *httpHandler) writeTypingError(c *gin.Context, err error) {
	if errors.Is(err, typing.ErrStopped) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "typing_unavailable"})
		return
	}
	h.logger.Warn("typing event rejected", zap.Error(err))
	c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
}

func (h *httpHandler) handleTypingStream(c *gin.Context) {
	typists := newLatest[typistsPayload]()
	subscription, err := h.typing.Watch(c.Request.Context(), func(ids []string) {
		typists.push(typistsPayload{UserIDs: ids})
	})
	if err != nil {
		h.logger.Error("typing watch failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "typing_watch_failed"})
		return
	}
	defer subscription.Close()

	relay(c, h.heartbeat, streamEventTyping, typists.values)
}

// handleChatSend acknowledges once the message is stored. Clients render it from the chat
// stream, which carries the server-assigned id and timestamp.
func (h *httpHandler) handleChatSend(c *gin.Context) {
	var request chatSendPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_message"})
		return
	}
	profile := currentProfile(c)
	author := chat.Author{ID: profile.UserID, Handle: profile.DisplayHandle, AvatarRef: profile.AvatarRef}

	err := h.chat.Send(c.Request.Context(), h.serverConn, author, request.Text)
	var responderErr *chat.ResponderError
	switch {
	case err == nil:
		c.JSON(http.StatusAccepted, gin.H{"status": "sent"})
	case errors.As(err, &responderErr):
		h.logger.Warn("assistant reply failed", zap.String("user_id", profile.UserID), zap.Error(err))
		c.JSON(http.StatusAccepted, gin.H{"status": "sent", "responder": "failed"})
	case errors.Is(err, chat.ErrEmptyMessage), errors.Is(err, chat.ErrMessageTooLong):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_message"})
	default:
		h.logger.Error("chat send failed", zap.String("user_id", profile.UserID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "send_failed"})
	}
}

func (h *httpHandler) handleChatStream(c *gin.Context) {
	transcript := newLatest[[]chatMessagePayload]()
	subscription, err := h.chat.Subscribe(c.Request.Context(), func(messages []chat.Message) {
		transcript.push(toChatPayloads(messages))
	})
	if err != nil {
		h.logger.Error("chat subscribe failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "chat_watch_failed"})
		return
	}
	defer subscription.Close()

	relay(c, h.heartbeat, streamEventChat, transcript.values)
}

func (h *httpHandler) handleChatResponder(c *gin.Context) {
	userID := currentProfile(c).UserID
	if _, ok := h.admins[userID]; !ok {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}
	var request chatResponderPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	h.chat.SetResponderEnabled(*request.Enabled)
	h.logger.Info("chat responder toggled",
		zap.String("user_id", userID),
		zap.Bool("enabled", *request.Enabled))
	c.JSON(http.StatusOK, gin.H{"enabled": h.chat.ResponderEnabled()})
}

func toChatPayloads(messages []chat.Message) []chatMessagePayload {
	payloads := make([]chatMessagePayload, 0, len(messages))
	for _, message := range messages {
		payloads = append(payloads, chatMessagePayload{
			ID:              message.ID,
			AuthorID:        message.AuthorID,
			AuthorHandle:    message.AuthorHandle,
			Text:            message.Text,
			AvatarRef:       message.AvatarRef,
			ServerTimestamp: message.ServerTimestamp.UnixMilli(),
		})
	}
	return payloads
}
