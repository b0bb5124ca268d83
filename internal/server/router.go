package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/Hokkyo-create/fxsfzx-sub000/internal/aigateway"
	"github.com/Hokkyo-create/fxsfzx-sub000/internal/auth"
	"github.com/Hokkyo-create/fxsfzx-sub000/internal/chat"
	"github.com/Hokkyo-create/fxsfzx-sub000/internal/library"
	"github.com/Hokkyo-create/fxsfzx-sub000/internal/presence"
	"github.com/Hokkyo-create/fxsfzx-sub000/internal/realtime"
	"github.com/Hokkyo-create/fxsfzx-sub000/internal/servicemode"
	"github.com/Hokkyo-create/fxsfzx-sub000/internal/typing"
	"github.com/Hokkyo-create/fxsfzx-sub000/internal/users"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	profileContextKey      = "campus_profile"
	defaultStreamHeartbeat = 15 * time.Second
)

var (
	errMissingSessions   = errors.New("session validator dependency required")
	errMissingProfiles   = errors.New("profile resolver dependency required")
	errMissingMode       = errors.New("service mode dependency required")
	errMissingGateway    = errors.New("ai gateway dependency required")
	errMissingRealtime   = errors.New("realtime client dependency required")
	errMissingServerConn = errors.New("server realtime connection required")
	errMissingPresence   = errors.New("presence service dependency required")
	errMissingTyping     = errors.New("typing coordinator dependency required")
	errMissingChat       = errors.New("chat stream dependency required")
	errMissingLibrary    = errors.New("library service dependency required")
	errMissingRefresher  = errors.New("library refresher dependency required")
)

// SessionValidator authenticates a request and returns the session identity.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

// ProfileResolver maps a session identity to the profile shown to other students.
type ProfileResolver interface {
	Resolve(ctx context.Context, claims auth.SessionClaims) (users.Profile, error)
}

type Dependencies struct {
	Sessions SessionValidator
	Profiles ProfileResolver
	Mode     *servicemode.State
	Gateway  *aigateway.Gateway
	Realtime *realtime.Client

	// ServerConn carries writes made on behalf of users outside a presence stream: chat
	// messages and leave requests without a live session.
	ServerConn *realtime.Conn

	Presence  *presence.Service
	Typing    *typing.Coordinator
	Chat      *chat.Stream
	Library   *library.Service
	Refresher *library.Refresher

	// AllowedOrigins are the browser origins allowed to make credentialed cross-origin
	// requests. Requests from any other origin are rejected.
	AllowedOrigins []string

	// ResponderAdmins are the user ids allowed to switch the chat responder, which is
	// shared by every student. Nobody may switch it when empty.
	ResponderAdmins []string

	// StreamHeartbeat is the SSE keepalive interval.
	StreamHeartbeat time.Duration
	Logger          *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	switch {
	case deps.Sessions == nil:
		return nil, errMissingSessions
	case deps.Profiles == nil:
		return nil, errMissingProfiles
	case deps.Mode == nil:
		return nil, errMissingMode
	case deps.Gateway == nil:
		return nil, errMissingGateway
	case deps.Realtime == nil:
		return nil, errMissingRealtime
	case deps.ServerConn == nil:
		return nil, errMissingServerConn
	case deps.Presence == nil:
		return nil, errMissingPresence
	case deps.Typing == nil:
		return nil, errMissingTyping
	case deps.Chat == nil:
		return nil, errMissingChat
	case deps.Library == nil:
		return nil, errMissingLibrary
	case deps.Refresher == nil:
		return nil, errMissingRefresher
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	heartbeat := deps.StreamHeartbeat
	if heartbeat <= 0 {
		heartbeat = defaultStreamHeartbeat
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		sessions:   deps.Sessions,
		profiles:   deps.Profiles,
		mode:       deps.Mode,
		gateway:    deps.Gateway,
		realtime:   deps.Realtime,
		serverConn: deps.ServerConn,
		presence:   deps.Presence,
		typing:     deps.Typing,
		chat:       deps.Chat,
		library:    deps.Library,
		refresher:  deps.Refresher,
		heartbeat:  heartbeat,
		live:       newLiveSessions(),
		admins:     make(map[string]struct{}, len(deps.ResponderAdmins)),
		logger:     logger,
	}
	for _, userID := range deps.ResponderAdmins {
		handler.admins[userID] = struct{}{}
	}

	router.GET("/healthz", handler.handleHealth)
	router.GET("/service-mode", handler.handleServiceMode)
	router.GET("/service-mode/stream", handler.handleServiceModeStream)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)

	protected.GET("/presence/stream", handler.handlePresenceStream)
	protected.POST("/presence/leave", handler.handlePresenceLeave)

	protected.POST("/typing/input", handler.handleTypingInput)
	protected.POST("/typing/state", handler.handleTypingState)
	protected.GET("/typing/stream", handler.handleTypingStream)

	protected.POST("/chat/messages", handler.handleChatSend)
	protected.GET("/chat/stream", handler.handleChatStream)
	protected.POST("/chat/responder", handler.handleChatResponder)

	protected.POST("/ai/chat", handler.handleAIChat)
	protected.POST("/ai/images", handler.handleAIImage)
	protected.POST("/ai/videos", handler.handleAIVideoStart)
	protected.GET("/ai/videos/:operation", handler.handleAIVideoPoll)
	protected.GET("/ai/videos/:operation/content", handler.handleAIVideoContent)

	protected.GET("/library/categories", handler.handleLibraryCategories)
	protected.GET("/library/:category/videos", handler.handleLibraryVideos)
	protected.POST("/library/:category/discover", handler.handleLibraryDiscover)
	protected.POST("/library/refresh", handler.handleLibraryRefresh)

	return router, nil
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	corsConfig := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", "Last-Event-ID"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(allowedOrigins) > 0 {
		corsConfig.AllowOrigins = allowedOrigins
	} else {
		// same-origin clients only
		corsConfig.AllowOriginFunc = func(string) bool {
			return false
		}
	}
	return cors.New(corsConfig)
}

type httpHandler struct {
	sessions   SessionValidator
	profiles   ProfileResolver
	mode       *servicemode.State
	gateway    *aigateway.Gateway
	realtime   *realtime.Client
	serverConn *realtime.Conn
	presence   *presence.Service
	typing     *typing.Coordinator
	chat       *chat.Stream
	library    *library.Service
	refresher  *library.Refresher
	heartbeat  time.Duration
	live       *liveSessions
	admins     map[string]struct{}
	logger     *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "mode": h.mode.Current().String()})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		h.logger.Debug("session validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	profile, err := h.profiles.Resolve(c.Request.Context(), claims)
	if err != nil {
		if errors.Is(err, users.ErrInvalidIdentity) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		h.logger.Error("profile resolution failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "profile_unavailable"})
		return
	}
	c.Set(profileContextKey, profile)
	c.Next()
}

func currentProfile(c *gin.Context) users.Profile {
	value, ok := c.Get(profileContextKey)
	if !ok {
		return users.Profile{}
	}
	profile, _ := value.(users.Profile)
	return profile
}

// liveSessions tracks the realtime connection behind each user's open presence stream so a
// leave request can disarm the directive on the connection that armed it.
type liveSessions struct {
	mu    sync.Mutex
	conns map[string]*realtime.Conn
}

func newLiveSessions() *liveSessions {
	return &liveSessions{conns: make(map[string]*realtime.Conn)}
}

func (s *liveSessions) register(userID string, conn *realtime.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[userID] = conn
}

func (s *liveSessions) unregister(userID string, conn *realtime.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conns[userID] == conn {
		delete(s.conns, userID)
	}
}

func (s *liveSessions) lookup(userID string) (*realtime.Conn, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conn, ok := s.conns[userID]
	return conn, ok
}

func trimmed(value string) string {
	return strings.TrimSpace(value)
}
