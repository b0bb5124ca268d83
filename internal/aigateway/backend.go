package aigateway

import (
	"context"
	"io"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Turn is one entry of conversation history handed to the text model, oldest first.
type Turn struct {
	Role    string
	Content string
}

// OperationHandle references a long-running generation job.
type OperationHandle struct {
	ID        string `json:"id"`
	Done      bool   `json:"done"`
	ResultURI string `json:"result_uri,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Terminal reports whether polling can stop.
func (h OperationHandle) Terminal() bool {
	return h.Done
}

// OperationContent streams the output of a finished generation. Location is set instead
// of Body when the output lives at a public address. Callers close Body.
type OperationContent struct {
	Body        io.ReadCloser
	ContentType string
	Location    string
}

// Backend is the generative AI collaborator.
type Backend interface {
	GenerateText(ctx context.Context, prompt string, history []Turn, systemInstruction string) (string, error)
	GenerateImage(ctx context.Context, prompt string) ([]byte, error)
	GenerateStructured(ctx context.Context, prompt string, schemaHint string) ([]byte, error)
	// GenerateGroundedStructured answers from a live web search, so references in the
	// document point at resources that exist now.
	GenerateGroundedStructured(ctx context.Context, prompt string, schemaHint string) ([]byte, error)
	StartLongRunningGeneration(ctx context.Context, prompt string) (OperationHandle, error)
	PollOperation(ctx context.Context, handle OperationHandle) (OperationHandle, error)
	OpenOperationResult(ctx context.Context, handle OperationHandle) (OperationContent, error)
}
