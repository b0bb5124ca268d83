package chat

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/Hokkyo-create/fxsfzx-sub000/internal/aigateway"
	"github.com/Hokkyo-create/fxsfzx-sub000/internal/realtime"
	"go.uber.org/zap"
)

const (
	// Collection is the append-only transcript.
	Collection = "chat"

	defaultMentionPrefix   = "@ai"
	defaultAssistantHandle = "AI Tutor"
	defaultContextWindow   = 20
	maxMessageLength       = 4000

	systemInstruction = "You are a friendly study assistant inside a group chat of students. Answer briefly and in the language of the question."
)

var (
	// ErrEmptyMessage reports a message with no text.
	ErrEmptyMessage = errors.New("chat: message text is required")
	// ErrMessageTooLong reports a message above the length limit.
	ErrMessageTooLong = errors.New("chat: message text is too long")

	errMissingFeed    = errors.New("chat: realtime feed is required")
	errMissingGateway = errors.New("chat: ai gateway is required")
	errMissingAuthor  = errors.New("chat: author id is required")
)

// ResponderError reports that the assistant reply failed. The user's own message was
// already delivered and stays in the transcript.
type ResponderError struct {
	Err error
}

func (e *ResponderError) Error() string {
	return fmt.Sprintf("chat: assistant reply failed: %v", e.Err)
}

func (e *ResponderError) Unwrap() error {
	return e.Err
}

// Author identifies the sender of a message.
type Author struct {
	ID        string
	Handle    string
	AvatarRef string
}

// Message is one transcript entry. ID and ServerTimestamp come from the store.
type Message struct {
	ID              string    `json:"id"`
	AuthorID        string    `json:"authorId"`
	AuthorHandle    string    `json:"authorHandle"`
	Text            string    `json:"text"`
	AvatarRef       string    `json:"avatarRef,omitempty"`
	ServerTimestamp time.Time `json:"serverTimestamp"`
}

type storedMessage struct {
	AuthorID     string `json:"authorId"`
	AuthorHandle string `json:"authorHandle"`
	Text         string `json:"text"`
	AvatarRef    string `json:"avatarRef,omitempty"`
}

// Appender is the connection messages are sent through.
type Appender interface {
	Append(ctx context.Context, collection string, value any) (realtime.Record, error)
}

// Feed reads and watches realtime collections.
type Feed interface {
	List(ctx context.Context, collection string) ([]realtime.Record, error)
	Subscribe(ctx context.Context, collection string, onChange func([]realtime.Record)) (*realtime.Subscription, error)
}

// TypingClearer ends a user's typing state once their message is sent.
type TypingClearer interface {
	Submit(ctx context.Context, userID string) error
}

type Config struct {
	Feed             Feed
	Gateway          *aigateway.Gateway
	Typing           TypingClearer
	Assistant        Author
	MentionPrefix    string
	ContextWindow    int
	ResponderEnabled bool
	Logger           *zap.Logger
}

// Stream sends chat messages and renders the transcript.
type Stream struct {
	feed          Feed
	gateway       *aigateway.Gateway
	typing        TypingClearer
	assistant     Author
	mentionPrefix string
	contextWindow int
	responder     atomic.Bool
	logger        *zap.Logger
}

func NewStream(cfg Config) (*Stream, error) {
	if cfg.Feed == nil {
		return nil, errMissingFeed
	}
	if cfg.Gateway == nil {
		return nil, errMissingGateway
	}
	assistant := cfg.Assistant
	if strings.TrimSpace(assistant.ID) == "" {
		assistant.ID = "assistant"
	}
	if strings.TrimSpace(assistant.Handle) == "" {
		assistant.Handle = defaultAssistantHandle
	}
	prefix := strings.TrimSpace(cfg.MentionPrefix)
	if prefix == "" {
		prefix = defaultMentionPrefix
	}
	window := cfg.ContextWindow
	if window <= 0 {
		window = defaultContextWindow
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	stream := &Stream{
		feed:          cfg.Feed,
		gateway:       cfg.Gateway,
		typing:        cfg.Typing,
		assistant:     assistant,
		mentionPrefix: prefix,
		contextWindow: window,
		logger:        logger,
	}
	stream.responder.Store(cfg.ResponderEnabled)
	return stream, nil
}

func (s *Stream) SetResponderEnabled(enabled bool) {
	s.responder.Store(enabled)
}

func (s *Stream) ResponderEnabled() bool {
	return s.responder.Load()
}

// Send appends the message and returns once the store acknowledged it. Callers learn the
// message id and timestamp from their subscription. When the responder is enabled and the
// text starts with the mention prefix, an assistant reply follows; its failure is returned
// as *ResponderError without retracting the user's message.
func (s *Stream) Send(ctx context.Context, conn Appender, author Author, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyMessage
	}
	if len(text) > maxMessageLength {
		return ErrMessageTooLong
	}
	author.ID = strings.TrimSpace(author.ID)
	if author.ID == "" {
		return errMissingAuthor
	}
	if author.Handle == "" {
		author.Handle = author.ID
	}

	sent, err := conn.Append(ctx, Collection, storedMessage{
		AuthorID:     author.ID,
		AuthorHandle: author.Handle,
		Text:         text,
		AvatarRef:    author.AvatarRef,
	})
	if err != nil {
		return fmt.Errorf("chat: send: %w", err)
	}

	if s.typing != nil {
		if err := s.typing.Submit(ctx, author.ID); err != nil {
			s.logger.Debug("typing clear failed", zap.String("user_id", author.ID), zap.Error(err))
		}
	}

	prompt, mentioned := s.mention(text)
	if !mentioned || !s.responder.Load() || author.ID == s.assistant.ID {
		return nil
	}
	return s.respond(ctx, conn, prompt, sent.Key)
}

func (s *Stream) mention(text string) (string, bool) {
	if len(text) < len(s.mentionPrefix) || !strings.EqualFold(text[:len(s.mentionPrefix)], s.mentionPrefix) {
		return "", false
	}
	rest := text[len(s.mentionPrefix):]
	if next, _ := utf8.DecodeRuneInString(rest); rest != "" && !unicode.IsSpace(next) {
		return "", false
	}
	prompt := strings.TrimSpace(rest)
	if prompt == "" {
		return "", false
	}
	return prompt, true
}

func (s *Stream) respond(ctx context.Context, conn Appender, prompt, triggerID string) error {
	records, err := s.feed.List(ctx, Collection)
	if err != nil {
		return &ResponderError{Err: err}
	}
	history := s.history(Transcript(records), triggerID)

	reply, err := s.gateway.Chat(ctx, prompt, history, systemInstruction)
	if err != nil {
		s.logger.Warn("assistant reply failed", zap.Error(err))
		return &ResponderError{Err: err}
	}
	reply = strings.TrimSpace(reply)
	if reply == "" {
		return &ResponderError{Err: aigateway.ErrGenerationFailed}
	}

	if _, err := conn.Append(ctx, Collection, storedMessage{
		AuthorID:     s.assistant.ID,
		AuthorHandle: s.assistant.Handle,
		Text:         reply,
		AvatarRef:    s.assistant.AvatarRef,
	}); err != nil {
		return &ResponderError{Err: err}
	}
	return nil
}

// history turns the messages preceding the trigger into conversation turns.
func (s *Stream) history(transcript []Message, triggerID string) []aigateway.Turn {
	preceding := make([]Message, 0, len(transcript))
	for _, message := range transcript {
		if message.ID == triggerID {
			break
		}
		preceding = append(preceding, message)
	}
	if len(preceding) > s.contextWindow {
		preceding = preceding[len(preceding)-s.contextWindow:]
	}
	turns := make([]aigateway.Turn, 0, len(preceding))
	for _, message := range preceding {
		if message.AuthorID == s.assistant.ID {
			turns = append(turns, aigateway.Turn{Role: aigateway.RoleAssistant, Content: message.Text})
			continue
		}
		turns = append(turns, aigateway.Turn{
			Role:    aigateway.RoleUser,
			Content: message.AuthorHandle + ": " + message.Text,
		})
	}
	return turns
}

// Subscribe delivers the ordered transcript on subscribe and after every new message.
func (s *Stream) Subscribe(ctx context.Context, onTranscript func([]Message)) (*realtime.Subscription, error) {
	return s.feed.Subscribe(ctx, Collection, func(records []realtime.Record) {
		onTranscript(Transcript(records))
	})
}

// Transcript decodes a chat snapshot and orders it by server timestamp, then id. It is
// recomputed from the full snapshot each time so arrival order never matters.
func Transcript(records []realtime.Record) []Message {
	messages := make([]Message, 0, len(records))
	for _, record := range records {
		var stored storedMessage
		if err := record.Decode(&stored); err != nil {
			continue
		}
		messages = append(messages, Message{
			ID:              record.Key,
			AuthorID:        stored.AuthorID,
			AuthorHandle:    stored.AuthorHandle,
			Text:            stored.Text,
			AvatarRef:       stored.AvatarRef,
			ServerTimestamp: record.ServerTimestamp,
		})
	}
	sort.SliceStable(messages, func(i, j int) bool {
		if !messages[i].ServerTimestamp.Equal(messages[j].ServerTimestamp) {
			return messages[i].ServerTimestamp.Before(messages[j].ServerTimestamp)
		}
		return messages[i].ID < messages[j].ID
	})
	return messages
}
