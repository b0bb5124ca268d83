package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Hokkyo-create/fxsfzx-sub000/internal/aigateway"
	"github.com/Hokkyo-create/fxsfzx-sub000/internal/auth"
	"github.com/Hokkyo-create/fxsfzx-sub000/internal/chat"
	"github.com/Hokkyo-create/fxsfzx-sub000/internal/database"
	"github.com/Hokkyo-create/fxsfzx-sub000/internal/library"
	"github.com/Hokkyo-create/fxsfzx-sub000/internal/presence"
	"github.com/Hokkyo-create/fxsfzx-sub000/internal/realtime/realtimetest"
	"github.com/Hokkyo-create/fxsfzx-sub000/internal/servicemode"
	"github.com/Hokkyo-create/fxsfzx-sub000/internal/typing"
	"github.com/Hokkyo-create/fxsfzx-sub000/internal/users"
	"github.com/Hokkyo-create/fxsfzx-sub000/internal/video"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	testSigningSecret = "test-secret"
	testCookieName    = "app_session"
	testAllowedOrigin = "https://campus.example.com"
)

type stubDiscoverer struct {
	candidates []video.Candidate
	err        error
	topics     []string
}

func (d *stubDiscoverer) Discover(_ context.Context, topic string, _ []string) ([]video.Candidate, error) {
	d.topics = append(d.topics, topic)
	return d.candidates, d.err
}

type testServer struct {
	handler    http.Handler
	mode       *servicemode.State
	discoverer *stubDiscoverer
	chat       *chat.Stream
}

func newTestServer(t *testing.T) testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx, cancel := context.WithCancel(context.Background())

	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "campus.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	t.Cleanup(func() { _ = sqlDB.Close() })

	sessions, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(testSigningSecret),
		CookieName:    testCookieName,
	})
	if err != nil {
		t.Fatalf("failed to build session validator: %v", err)
	}
	profiles, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to build profile service: %v", err)
	}

	mode := servicemode.New(servicemode.Config{})
	gateway, err := aigateway.NewGateway(aigateway.Config{Mode: mode, Credentialed: false})
	if err != nil {
		t.Fatalf("failed to build gateway: %v", err)
	}

	fixture := realtimetest.New(t)
	serverConn, err := fixture.Client.Connect(ctx)
	if err != nil {
		t.Fatalf("failed to connect server session: %v", err)
	}

	presenceService, err := presence.NewService(presence.Config{Feed: fixture.Client})
	if err != nil {
		t.Fatalf("failed to build presence: %v", err)
	}
	coordinator, err := typing.NewCoordinator(typing.Config{
		Writer:      serverConn,
		Feed:        fixture.Client,
		IdleTimeout: time.Minute,
	})
	if err != nil {
		t.Fatalf("failed to build typing coordinator: %v", err)
	}
	done := make(chan struct{})
	go func() {
		coordinator.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		serverConn.Drop()
	})

	stream, err := chat.NewStream(chat.Config{
		Feed:             fixture.Client,
		Gateway:          gateway,
		Typing:           coordinator,
		ResponderEnabled: true,
	})
	if err != nil {
		t.Fatalf("failed to build chat stream: %v", err)
	}

	libraryService, err := library.NewService(library.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to build library: %v", err)
	}
	discoverer := &stubDiscoverer{}
	refresher, err := library.NewRefresher(library.RefresherConfig{Library: libraryService, Discoverer: discoverer})
	if err != nil {
		t.Fatalf("failed to build refresher: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		Sessions:        sessions,
		Profiles:        profiles,
		Mode:            mode,
		Gateway:         gateway,
		Realtime:        fixture.Client,
		ServerConn:      serverConn,
		Presence:        presenceService,
		Typing:          coordinator,
		Chat:            stream,
		Library:         libraryService,
		Refresher:       refresher,
		AllowedOrigins:  []string{testAllowedOrigin},
		ResponderAdmins: []string{"u1"},
		StreamHeartbeat: time.Hour,
	})
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}
	return testServer{handler: handler, mode: mode, discoverer: discoverer, chat: stream}
}

func sessionToken(t *testing.T, userID, displayName string) string {
	t.Helper()
	token, err := auth.SignSessionToken([]byte(testSigningSecret), "", auth.SessionClaims{
		UserID:          userID,
		UserDisplayName: displayName,
	}, time.Now(), time.Hour)
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return token
}

func (s testServer) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader = http.NoBody
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	}
	request := httptest.NewRequest(method, path, reader)
	request.Header.Set("Content-Type", "application/json")
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	s.handler.ServeHTTP(recorder, request)
	return recorder
}

func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder, target any) {
	t.Helper()
	if err := json.Unmarshal(recorder.Body.Bytes(), target); err != nil {
		t.Fatalf("failed to decode response %q: %v", recorder.Body.String(), err)
	}
}

type eventReader struct {
	reader *bufio.Reader
}

// openStream starts an SSE request against a live server; the stream ends with the test.
func openStream(t *testing.T, server *httptest.Server, path, token string) eventReader {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, server.URL+path, http.NoBody)
	if err != nil {
		cancel()
		t.Fatalf("failed to build request: %v", err)
	}
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	response, err := server.Client().Do(request)
	if err != nil {
		cancel()
		t.Fatalf("stream request failed: %v", err)
	}
	t.Cleanup(func() {
		cancel()
		_ = response.Body.Close()
	})
	if response.StatusCode != http.StatusOK {
		t.Fatalf("expected stream status 200, got %d", response.StatusCode)
	}
	if contentType := response.Header.Get("Content-Type"); !strings.HasPrefix(contentType, "text/event-stream") {
		t.Fatalf("unexpected content type %q", contentType)
	}
	return eventReader{reader: bufio.NewReader(response.Body)}
}

// next returns the data of the next event with the given name.
func (r eventReader) next(t *testing.T, name string) string {
	t.Helper()
	event := ""
	for {
		line, err := r.reader.ReadString('\n')
		if err != nil {
			t.Fatalf("stream ended before %q event: %v", name, err)
		}
		line = strings.TrimRight(line, "\r\n")
		switch {
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if event == name {
				return strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			}
		case line == "":
			event = ""
		}
	}
}

func (r eventReader) until(t *testing.T, name string, match func(data string) bool) string {
	t.Helper()
	for {
		if data := r.next(t, name); match(data) {
			return data
		}
	}
}

func TestHealthAndServiceModeArePublic(t *testing.T) {
	server := newTestServer(t)

	health := server.do(t, http.MethodGet, "/healthz", "", nil)
	if health.Code != http.StatusOK {
		t.Fatalf("expected health 200, got %d", health.Code)
	}

	recorder := server.do(t, http.MethodGet, "/service-mode", "", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	var payload serviceModePayload
	decodeBody(t, recorder, &payload)
	if payload.Mode != "simulated" || !payload.Degraded || payload.Reason != string(servicemode.ReasonMissingCredential) {
		t.Fatalf("expected degraded simulated mode, got %+v", payload)
	}
}

func TestProtectedRoutesRequireSession(t *testing.T) {
	server := newTestServer(t)

	for _, path := range []string{"/library/categories", "/typing/stream", "/chat/stream"} {
		recorder := server.do(t, http.MethodGet, path, "", nil)
		if recorder.Code != http.StatusUnauthorized {
			t.Fatalf("expected 401 for %s, got %d", path, recorder.Code)
		}
	}
	recorder := server.do(t, http.MethodPost, "/chat/messages", "not-a-token", gin.H{"text": "oi"})
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for an invalid token, got %d", recorder.Code)
	}
}

func TestCORSAllowsOnlyConfiguredOrigins(t *testing.T) {
	server := newTestServer(t)

	preflight := func(origin string) *httptest.ResponseRecorder {
		request := httptest.NewRequest(http.MethodOptions, "/chat/messages", http.NoBody)
		request.Header.Set("Origin", origin)
		request.Header.Set("Access-Control-Request-Method", http.MethodPost)
		request.Header.Set("Access-Control-Request-Headers", "Authorization")
		recorder := httptest.NewRecorder()
		server.handler.ServeHTTP(recorder, request)
		return recorder
	}

	allowed := preflight(testAllowedOrigin)
	if allowed.Code != http.StatusNoContent {
		t.Fatalf("expected status %d, got %d", http.StatusNoContent, allowed.Code)
	}
	if allowed.Header().Get("Access-Control-Allow-Origin") != testAllowedOrigin {
		t.Fatalf("expected origin to be echoed, got %q", allowed.Header().Get("Access-Control-Allow-Origin"))
	}
	if allowed.Header().Get("Access-Control-Allow-Credentials") != "true" {
		t.Fatalf("expected credentials to be enabled")
	}

	foreign := preflight("https://evil.example")
	if foreign.Code != http.StatusForbidden {
		t.Fatalf("expected foreign preflight to be rejected, got %d", foreign.Code)
	}
	if foreign.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Fatalf("foreign origin must not be echoed")
	}

	body, err := json.Marshal(gin.H{"text": "oi"})
	if err != nil {
		t.Fatalf("failed to encode body: %v", err)
	}
	request := httptest.NewRequest(http.MethodPost, "/chat/messages", bytes.NewReader(body))
	request.Header.Set("Origin", "https://evil.example")
	request.Header.Set("Content-Type", "text/plain")
	request.AddCookie(&http.Cookie{Name: testCookieName, Value: sessionToken(t, "u1", "Ana")})
	recorder := httptest.NewRecorder()
	server.handler.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusForbidden {
		t.Fatalf("expected a cookie-carrying request from a foreign origin to be rejected, got %d", recorder.Code)
	}
	if recorder.Header().Get("Access-Control-Allow-Credentials") == "true" {
		t.Fatalf("credentials must not be granted to a foreign origin")
	}
}

func TestAIRoutesServeSimulatedContent(t *testing.T) {
	server := newTestServer(t)
	token := sessionToken(t, "u1", "Ana")

	recorder := server.do(t, http.MethodPost, "/ai/chat", token, gin.H{
		"prompt":  "what is gravity?",
		"history": []gin.H{{"role": "user", "content": "hi"}},
	})
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var reply struct {
		Reply string `json:"reply"`
		Mode  string `json:"mode"`
	}
	decodeBody(t, recorder, &reply)
	if reply.Reply != aigateway.MockChatReply("what is gravity?") || reply.Mode != "simulated" {
		t.Fatalf("unexpected reply %+v", reply)
	}

	started := server.do(t, http.MethodPost, "/ai/videos", token, gin.H{"prompt": "a volcano"})
	if started.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", started.Code)
	}
	var handle aigateway.OperationHandle
	decodeBody(t, started, &handle)
	if !handle.Done || handle.ID == "" {
		t.Fatalf("expected a terminal simulated handle, got %+v", handle)
	}

	polled := server.do(t, http.MethodGet, "/ai/videos/"+handle.ID, token, nil)
	if polled.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", polled.Code)
	}

	image := server.do(t, http.MethodPost, "/ai/images", token, gin.H{"prompt": "a cat"})
	if image.Code != http.StatusOK || !strings.Contains(image.Body.String(), "image_base64") {
		t.Fatalf("unexpected image response %d: %s", image.Code, image.Body.String())
	}

	invalid := server.do(t, http.MethodPost, "/ai/chat", token, gin.H{"history": []gin.H{{"role": "system", "content": "x"}}})
	if invalid.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for an invalid request, got %d", invalid.Code)
	}
}

func TestWriteAIErrorMapsTaxonomy(t *testing.T) {
	gin.SetMode(gin.TestMode)
	handler := &httpHandler{logger: zap.NewNop()}
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{name: "auth", err: &aigateway.AuthError{Operation: "op", Err: errors.New("bad key")}, status: http.StatusBadGateway, code: "ai_auth_failed"},
		{name: "network", err: &aigateway.NetworkError{Operation: "op", Err: errors.New("reset")}, status: http.StatusServiceUnavailable, code: "ai_unavailable"},
		{name: "parse", err: &aigateway.ParseError{Operation: "op", Err: errors.New("eof")}, status: http.StatusBadGateway, code: "ai_invalid_response"},
		{name: "timeout", err: context.DeadlineExceeded, status: http.StatusGatewayTimeout, code: "ai_timeout"},
		{name: "unknown", err: errors.New("boom"), status: http.StatusInternalServerError, code: "ai_failed"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			recorder := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(recorder)
			handler.writeAIError(c, "test", tc.err)
			if recorder.Code != tc.status || !strings.Contains(recorder.Body.String(), tc.code) {
				t.Fatalf("expected %d %s, got %d %s", tc.status, tc.code, recorder.Code, recorder.Body.String())
			}
		})
	}
}

func TestLibraryRoutes(t *testing.T) {
	server := newTestServer(t)
	token := sessionToken(t, "u1", "Ana")

	recorder := server.do(t, http.MethodGet, "/library/categories", token, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	var categories struct {
		Categories []categoryPayload `json:"categories"`
	}
	decodeBody(t, recorder, &categories)
	if len(categories.Categories) != len(library.DefaultCategories()) {
		t.Fatalf("expected seeded categories, got %+v", categories.Categories)
	}

	server.discoverer.candidates = []video.Candidate{
		{PlatformID: "dQw4w9WgXcQ", Title: "Intro", DurationLabel: "3:32", ThumbnailURL: "https://i.ytimg.com/vi/dQw4w9WgXcQ/hqdefault.jpg"},
	}
	discover := server.do(t, http.MethodPost, "/library/Marketing%20Digital/discover", token, nil)
	if discover.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", discover.Code, discover.Body.String())
	}
	var report library.RefreshReport
	decodeBody(t, discover, &report)
	if report.Promoted != 1 || report.Category != "Marketing Digital" {
		t.Fatalf("unexpected report %+v", report)
	}

	videos := server.do(t, http.MethodGet, "/library/Marketing%20Digital/videos", token, nil)
	if videos.Code != http.StatusOK || !strings.Contains(videos.Body.String(), "dQw4w9WgXcQ") {
		t.Fatalf("expected promoted video, got %d: %s", videos.Code, videos.Body.String())
	}

	missing := server.do(t, http.MethodGet, "/library/Astronomia/videos", token, nil)
	if missing.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for an unknown category, got %d", missing.Code)
	}

	refresh := server.do(t, http.MethodPost, "/library/refresh", token, nil)
	if refresh.Code != http.StatusOK || !strings.Contains(refresh.Body.String(), "reports") {
		t.Fatalf("unexpected refresh response %d: %s", refresh.Code, refresh.Body.String())
	}
}

func TestChatMessagesFlowThroughStream(t *testing.T) {
	server := newTestServer(t)
	live := httptest.NewServer(server.handler)
	t.Cleanup(live.Close)
	token := sessionToken(t, "u1", "Ana")

	events := openStream(t, live, "/chat/stream", token)
	if initial := events.next(t, streamEventChat); initial != "[]" {
		t.Fatalf("expected an empty transcript, got %s", initial)
	}

	recorder := server.do(t, http.MethodPost, "/chat/messages", token, gin.H{"text": "@ai what is osmosis?"})
	if recorder.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", recorder.Code, recorder.Body.String())
	}

	for {
		var transcript []chatMessagePayload
		if err := json.Unmarshal([]byte(events.next(t, streamEventChat)), &transcript); err != nil {
			t.Fatalf("failed to decode transcript: %v", err)
		}
		if len(transcript) < 2 {
			continue
		}
		if transcript[0].AuthorHandle != "Ana" || transcript[0].ID == "" || transcript[0].ServerTimestamp == 0 {
			t.Fatalf("unexpected user message %+v", transcript[0])
		}
		if transcript[1].AuthorID != "assistant" || transcript[1].Text != aigateway.MockChatReply("what is osmosis?") {
			t.Fatalf("unexpected assistant reply %+v", transcript[1])
		}
		break
	}

	empty := server.do(t, http.MethodPost, "/chat/messages", token, gin.H{"text": "   "})
	if empty.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for blank text, got %d", empty.Code)
	}
}

func TestChatResponderToggle(t *testing.T) {
	server := newTestServer(t)
	token := sessionToken(t, "u1", "Ana")

	recorder := server.do(t, http.MethodPost, "/chat/responder", token, gin.H{"enabled": false})
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	if server.chat.ResponderEnabled() {
		t.Fatalf("expected responder to be disabled")
	}
	missing := server.do(t, http.MethodPost, "/chat/responder", token, gin.H{})
	if missing.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without enabled flag, got %d", missing.Code)
	}
}

func TestChatResponderToggleRequiresAdmin(t *testing.T) {
	server := newTestServer(t)
	token := sessionToken(t, "u2", "Bruno")

	recorder := server.do(t, http.MethodPost, "/chat/responder", token, gin.H{"enabled": false})
	if recorder.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for a student outside the admin list, got %d", recorder.Code)
	}
	if !server.chat.ResponderEnabled() {
		t.Fatalf("responder must stay enabled after a rejected toggle")
	}
}

func TestPresenceStreamJoinsAndLeaves(t *testing.T) {
	server := newTestServer(t)
	live := httptest.NewServer(server.handler)
	t.Cleanup(live.Close)
	token := sessionToken(t, "u1", "Ana")

	events := openStream(t, live, "/presence/stream", token)
	for {
		data := events.next(t, streamEventPresence)
		var roster []presencePayload
		if err := json.Unmarshal([]byte(data), &roster); err != nil {
			t.Fatalf("failed to decode roster: %v", err)
		}
		if len(roster) == 1 && roster[0].UserID == "u1" && roster[0].DisplayHandle == "Ana" {
			break
		}
	}

	recorder := server.do(t, http.MethodPost, "/presence/leave", token, nil)
	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", recorder.Code)
	}
	events.until(t, streamEventPresence, func(data string) bool {
		return data == "[]"
	})
}

func TestTypingRoutes(t *testing.T) {
	server := newTestServer(t)
	live := httptest.NewServer(server.handler)
	t.Cleanup(live.Close)
	token := sessionToken(t, "u2", "Bia")

	events := openStream(t, live, "/typing/stream", token)
	if initial := events.next(t, streamEventTyping); !strings.Contains(initial, `"user_ids":[]`) {
		t.Fatalf("expected nobody typing, got %s", initial)
	}

	if recorder := server.do(t, http.MethodPost, "/typing/input", token, nil); recorder.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", recorder.Code)
	}
	events.until(t, streamEventTyping, func(data string) bool {
		return strings.Contains(data, `"u2"`)
	})

	if recorder := server.do(t, http.MethodPost, "/typing/state", token, gin.H{"typing": false}); recorder.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", recorder.Code)
	}
	events.until(t, streamEventTyping, func(data string) bool {
		return strings.Contains(data, `"user_ids":[]`)
	})

	if recorder := server.do(t, http.MethodPost, "/typing/state", token, gin.H{}); recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without typing flag, got %d", recorder.Code)
	}
}

func TestServiceModeStreamStartsWithCurrentMode(t *testing.T) {
	server := newTestServer(t)
	live := httptest.NewServer(server.handler)
	t.Cleanup(live.Close)

	events := openStream(t, live, "/service-mode/stream", "")
	var payload serviceModePayload
	if err := json.Unmarshal([]byte(events.next(t, streamEventServiceMode)), &payload); err != nil {
		t.Fatalf("failed to decode mode event: %v", err)
	}
	if payload.Mode != "simulated" || !payload.Degraded {
		t.Fatalf("expected the current degraded mode first, got %+v", payload)
	}
}
