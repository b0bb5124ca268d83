package aigateway

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/Hokkyo-create/fxsfzx-sub000/internal/servicemode"
	"go.uber.org/zap"
)

const (
	defaultPollInterval = 10 * time.Second

	opGenerateText      = "aigateway.generate_text"
	opGenerateImage     = "aigateway.generate_image"
	opGenerateStructure = "aigateway.generate_structured"
	opGenerateGrounded  = "aigateway.generate_grounded"
	opStartVideo        = "aigateway.start_video"
	opPollVideo         = "aigateway.poll_video"
	opOpenVideo         = "aigateway.open_video"
)

// Config wires the gateway. Credentialed is false when no API key is configured; such a
// gateway trips the shared mode at construction and never touches the backend.
type Config struct {
	Backend      Backend
	Mode         *servicemode.State
	Credentialed bool
	PollInterval time.Duration
	Logger       *zap.Logger
}

// Gateway wraps every generative AI operation with uniform fallback handling.
type Gateway struct {
	backend      Backend
	mode         *servicemode.State
	credentialed bool
	pollInterval time.Duration
	logger       *zap.Logger
	liveCalls    atomic.Int64
}

func NewGateway(cfg Config) (*Gateway, error) {
	if cfg.Mode == nil {
		return nil, ErrMissingServiceMode
	}
	if cfg.Credentialed && cfg.Backend == nil {
		return nil, ErrMissingBackend
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}

	gateway := &Gateway{
		backend:      cfg.Backend,
		mode:         cfg.Mode,
		credentialed: cfg.Credentialed,
		pollInterval: pollInterval,
		logger:       logger,
	}
	if !cfg.Credentialed {
		logger.Warn("no ai credential configured; running in simulated mode")
		cfg.Mode.Trip(servicemode.ReasonMissingCredential)
	}
	return gateway, nil
}

// Mode exposes the shared service mode state.
func (g *Gateway) Mode() *servicemode.State {
	return g.mode
}

// LiveCalls counts dispatches that reached the backend.
func (g *Gateway) LiveCalls() int64 {
	return g.liveCalls.Load()
}

// Call describes one network operation against the backend.
type Call[T any] struct {
	Name string
	Run  func(ctx context.Context, backend Backend) (T, error)
}

// MockProducer returns the deterministic substitute for a call.
type MockProducer[T any] func() T

// Invoke dispatches call unless the gateway is simulated, falling back to mock when the
// backend reports quota exhaustion. Other failures propagate classified.
func Invoke[T any](ctx context.Context, g *Gateway, call Call[T], mock MockProducer[T]) (T, error) {
	if !g.credentialed || !g.mode.AllowLive() {
		return simulated(g, call.Name, mock)
	}

	g.liveCalls.Add(1)
	value, err := call.Run(ctx, g.backend)
	if err == nil {
		g.mode.RecordSuccess()
		return value, nil
	}

	classified := Classify(call.Name, err)
	var quotaErr *QuotaExceededError
	if errors.As(classified, &quotaErr) {
		g.logger.Warn("ai quota exhausted; switching to simulated responses",
			zap.String("operation", call.Name),
			zap.Error(err))
		g.mode.Trip(servicemode.ReasonQuotaExhausted)
		return simulated(g, call.Name, mock)
	}

	g.mode.ReleaseProbe()
	g.logger.Debug("ai call failed",
		zap.String("operation", call.Name),
		zap.Error(classified))
	var zero T
	return zero, classified
}

func simulated[T any](g *Gateway, operation string, mock MockProducer[T]) (T, error) {
	if mock == nil {
		var zero T
		return zero, fmt.Errorf("%w: %s", ErrNoMock, operation)
	}
	g.logger.Debug("serving simulated ai response", zap.String("operation", operation))
	return mock(), nil
}

// Chat generates an assistant reply for prompt given the history, oldest first.
func (g *Gateway) Chat(ctx context.Context, prompt string, history []Turn, systemInstruction string) (string, error) {
	return Invoke(ctx, g, Call[string]{
		Name: opGenerateText,
		Run: func(ctx context.Context, backend Backend) (string, error) {
			return backend.GenerateText(ctx, prompt, history, systemInstruction)
		},
	}, func() string {
		return MockChatReply(prompt)
	})
}

// GenerateImage returns encoded image bytes.
func (g *Gateway) GenerateImage(ctx context.Context, prompt string) ([]byte, error) {
	return Invoke(ctx, g, Call[[]byte]{
		Name: opGenerateImage,
		Run: func(ctx context.Context, backend Backend) ([]byte, error) {
			return backend.GenerateImage(ctx, prompt)
		},
	}, MockImage)
}

// Structured asks for a JSON document and decodes it into T, validating `validate` tags.
// Decode failures surface as *ParseError and are never replaced by the mock.
func Structured[T any](ctx context.Context, g *Gateway, prompt string, schemaHint string, mock MockProducer[T]) (T, error) {
	return Invoke(ctx, g, Call[T]{
		Name: opGenerateStructure,
		Run: func(ctx context.Context, backend Backend) (T, error) {
			raw, err := backend.GenerateStructured(ctx, prompt, schemaHint)
			if err != nil {
				var zero T
				return zero, err
			}
			return DecodeStructured[T](opGenerateStructure, raw)
		},
	}, mock)
}

// GroundedStructured is Structured answered from a live web search.
func GroundedStructured[T any](ctx context.Context, g *Gateway, prompt string, schemaHint string, mock MockProducer[T]) (T, error) {
	return Invoke(ctx, g, Call[T]{
		Name: opGenerateGrounded,
		Run: func(ctx context.Context, backend Backend) (T, error) {
			raw, err := backend.GenerateGroundedStructured(ctx, prompt, schemaHint)
			if err != nil {
				var zero T
				return zero, err
			}
			return DecodeStructured[T](opGenerateGrounded, raw)
		},
	}, mock)
}

// StartVideo begins a long-running video generation.
func (g *Gateway) StartVideo(ctx context.Context, prompt string) (OperationHandle, error) {
	return Invoke(ctx, g, Call[OperationHandle]{
		Name: opStartVideo,
		Run: func(ctx context.Context, backend Backend) (OperationHandle, error) {
			return backend.StartLongRunningGeneration(ctx, prompt)
		},
	}, func() OperationHandle {
		return MockVideoOperation(prompt)
	})
}

// PollVideo refreshes handle once. Simulated polls are terminal on the first call.
func (g *Gateway) PollVideo(ctx context.Context, handle OperationHandle) (OperationHandle, error) {
	if handle.Terminal() {
		return handle, nil
	}
	return Invoke(ctx, g, Call[OperationHandle]{
		Name: opPollVideo,
		Run: func(ctx context.Context, backend Backend) (OperationHandle, error) {
			return backend.PollOperation(ctx, handle)
		},
	}, func() OperationHandle {
		return completedMockOperation(handle.ID)
	})
}

// OpenVideo returns the output of a completed video operation. Simulated operations
// resolve to the public sample clip through Location.
func (g *Gateway) OpenVideo(ctx context.Context, handle OperationHandle) (OperationContent, error) {
	mock := func() OperationContent {
		return OperationContent{Location: simulatedVideoURI}
	}
	if IsSimulatedOperation(handle.ID) {
		return mock(), nil
	}
	return Invoke(ctx, g, Call[OperationContent]{
		Name: opOpenVideo,
		Run: func(ctx context.Context, backend Backend) (OperationContent, error) {
			return backend.OpenOperationResult(ctx, handle)
		},
	}, mock)
}

// AwaitVideo polls on the configured interval until the handle is terminal or ctx ends.
func (g *Gateway) AwaitVideo(ctx context.Context, handle OperationHandle) (OperationHandle, error) {
	current := handle
	for !current.Terminal() {
		timer := time.NewTimer(g.pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return current, ctx.Err()
		case <-timer.C:
		}

		next, err := g.PollVideo(ctx, current)
		if err != nil {
			return current, err
		}
		current = next
	}
	if current.Error != "" {
		return current, fmt.Errorf("%w: %s", ErrGenerationFailed, current.Error)
	}
	return current, nil
}
