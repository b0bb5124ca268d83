package server

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/Hokkyo-create/fxsfzx-sub000/internal/aigateway"
	"github.com/Hokkyo-create/fxsfzx-sub000/internal/servicemode"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type serviceModePayload struct {
	Mode     string `json:"mode"`
	Reason   string `json:"reason,omitempty"`
	Degraded bool   `json:"degraded"`
	At       string `json:"at,omitempty"`
}

type aiTurnPayload struct {
	Role    string `json:"role" binding:"required,oneof=user assistant"`
	Content string `json:"content" binding:"required"`
}

type aiChatRequest struct {
	Prompt            string          `json:"prompt" binding:"required"`
	History           []aiTurnPayload `json:"history" binding:"omitempty,max=50,dive"`
	SystemInstruction string          `json:"system_instruction"`
}

type aiPromptRequest struct {
	Prompt string `json:"prompt" binding:"required"`
}

func (h *httpHandler) modePayload() serviceModePayload {
	current := h.mode.Current()
	payload := serviceModePayload{
		Mode:     current.String(),
		Degraded: current == servicemode.ModeSimulated,
	}
	if payload.Degraded {
		payload.Reason = string(h.mode.Reason())
	}
	return payload
}

func (h *httpHandler) handleServiceMode(c *gin.Context) {
	c.JSON(http.StatusOK, h.modePayload())
}

// handleServiceModeStream sends the current mode, then one event per transition.
func (h *httpHandler) handleServiceModeStream(c *gin.Context) {
	ctx := c.Request.Context()
	transitions, cleanup := h.mode.Subscribe(ctx)
	defer cleanup()

	events := make(chan serviceModePayload, 4)
	events <- h.modePayload()
	go forwardTransitions(ctx, transitions, events)

	relay(c, h.heartbeat, streamEventServiceMode, events)
}

func forwardTransitions(ctx context.Context, transitions <-chan servicemode.Transition, events chan<- serviceModePayload) {
	for {
		select {
		case <-ctx.Done():
			return
		case transition := <-transitions:
			payload := serviceModePayload{
				Mode:     transition.To.String(),
				Reason:   string(transition.Reason),
				Degraded: transition.To == servicemode.ModeSimulated,
				At:       transition.At.UTC().Format(time.RFC3339),
			}
			select {
			case events <- payload:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (h *httpHandler) handleAIChat(c *gin.Context) {
	var request aiChatRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	history := make([]aigateway.Turn, 0, len(request.History))
	for _, turn := range request.History {
		history = append(history, aigateway.Turn{Role: turn.Role, Content: turn.Content})
	}
	reply, err := h.gateway.Chat(c.Request.Context(), request.Prompt, history, request.SystemInstruction)
	if err != nil {
		h.writeAIError(c, "chat", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reply": reply, "mode": h.mode.Current().String()})
}

func (h *httpHandler) handleAIImage(c *gin.Context) {
	var request aiPromptRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	image, err := h.gateway.GenerateImage(c.Request.Context(), request.Prompt)
	if err != nil {
		h.writeAIError(c, "image", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"image_base64": base64.StdEncoding.EncodeToString(image),
		"mode":         h.mode.Current().String(),
	})
}

func (h *httpHandler) handleAIVideoStart(c *gin.Context) {
	var request aiPromptRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	handle, err := h.gateway.StartVideo(c.Request.Context(), request.Prompt)
	if err != nil {
		h.writeAIError(c, "video_start", err)
		return
	}
	c.JSON(http.StatusAccepted, publicVideoHandle(handle))
}

func (h *httpHandler) handleAIVideoPoll(c *gin.Context) {
	operationID := trimmed(c.Param("operation"))
	if operationID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	handle, err := h.gateway.PollVideo(c.Request.Context(), aigateway.OperationHandle{ID: operationID})
	if err != nil {
		h.writeAIError(c, "video_poll", err)
		return
	}
	c.JSON(http.StatusOK, publicVideoHandle(handle))
}

// handleAIVideoContent streams a finished video so the upstream credential stays on the
// server. Simulated operations redirect to their public sample clip.
func (h *httpHandler) handleAIVideoContent(c *gin.Context) {
	operationID := trimmed(c.Param("operation"))
	if operationID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	content, err := h.gateway.OpenVideo(c.Request.Context(), aigateway.OperationHandle{ID: operationID, Done: true})
	if err != nil {
		h.writeAIError(c, "video_content", err)
		return
	}
	if content.Location != "" {
		c.Redirect(http.StatusFound, content.Location)
		return
	}
	defer content.Body.Close()
	c.DataFromReader(http.StatusOK, -1, content.ContentType, content.Body, nil)
}

// publicVideoHandle points a completed live operation at the content route.
func publicVideoHandle(handle aigateway.OperationHandle) aigateway.OperationHandle {
	if handle.Done && handle.Error == "" && handle.ResultURI == "" {
		handle.ResultURI = "/ai/videos/" + url.PathEscape(handle.ID) + "/content"
	}
	return handle
}

// writeAIError maps the gateway taxonomy onto HTTP status codes. Quota exhaustion never
// reaches this point: the gateway absorbs it and answers with simulated content.
func (h *httpHandler) writeAIError(c *gin.Context, operation string, err error) {
	var (
		authErr    *aigateway.AuthError
		networkErr *aigateway.NetworkError
		parseErr   *aigateway.ParseError
		quotaErr   *aigateway.QuotaExceededError
	)
	status, code := http.StatusInternalServerError, "ai_failed"
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status, code = http.StatusGatewayTimeout, "ai_timeout"
	case errors.As(err, &quotaErr):
		status, code = http.StatusTooManyRequests, "ai_quota_exceeded"
	case errors.As(err, &authErr):
		status, code = http.StatusBadGateway, "ai_auth_failed"
	case errors.As(err, &networkErr):
		status, code = http.StatusServiceUnavailable, "ai_unavailable"
	case errors.As(err, &parseErr):
		status, code = http.StatusBadGateway, "ai_invalid_response"
	case errors.Is(err, aigateway.ErrGenerationFailed):
		status, code = http.StatusBadGateway, "ai_generation_failed"
	case errors.Is(err, aigateway.ErrResultNotReady):
		status, code = http.StatusConflict, "ai_result_not_ready"
	}
	h.logger.Warn("ai request failed",
		zap.String("operation", operation),
		zap.String("reason", code),
		zap.Error(err))
	c.JSON(status, gin.H{"error": code})
}
