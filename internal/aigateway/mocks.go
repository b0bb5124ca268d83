package aigateway

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
)

const (
	simulatedOperationPrefix = "simulated-video-"
	simulatedVideoURI        = "https://storage.googleapis.com/gtv-videos-bucket/sample/ForBiggerBlazes.mp4"
	placeholderPNGBase64     = "iVBORw0KGgoAAAANSUhEUgAAAAEAAAABCAQAAAC1HAwCAAAAC0lEQVR42mNkYAAAAAYAAjCB0C8AAAAASUVORK5CYII="
)

var placeholderPNG, _ = base64.StdEncoding.DecodeString(placeholderPNGBase64)

// SimulatedVideo is a substitute search result served while the gateway is simulated.
type SimulatedVideo struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

var simulatedCatalog = map[string][]SimulatedVideo{
	"inteligência artificial": {
		{ID: "aircAruvnKk", Title: "But what is a neural network?"},
		{ID: "IHZwWFHWa-w", Title: "Gradient descent, how neural networks learn"},
		{ID: "Ilg3gGewQ5U", Title: "What is backpropagation really doing?"},
		{ID: "tIeHLnjs5U8", Title: "Backpropagation calculus"},
		{ID: "wjZofJX0v4M", Title: "Transformers, the tech behind LLMs"},
		{ID: "eMlx5fFNoYc", Title: "Attention in transformers, step-by-step"},
		{ID: "9-Jl0dxWQs8", Title: "How might LLMs store facts"},
	},
	"marketing digital": {
		{ID: "bixR-KIJKYM", Title: "Digital Marketing In 5 Minutes"},
		{ID: "nU-IIXBWlS4", Title: "Digital Marketing Course for Beginners"},
		{ID: "h95cQkEWBx0", Title: "What is Digital Marketing?"},
		{ID: "DvwS7cV9GmQ", Title: "SEO for Beginners"},
	},
}

// SimulatedCatalog returns the substitute videos registered for topic.
func SimulatedCatalog(topic string) ([]SimulatedVideo, bool) {
	videos, ok := simulatedCatalog[strings.ToLower(strings.TrimSpace(topic))]
	if !ok {
		return nil, false
	}
	return append([]SimulatedVideo(nil), videos...), true
}

// MockChatReply is the deterministic assistant answer used in simulated mode.
func MockChatReply(prompt string) string {
	trimmed := strings.TrimSpace(prompt)
	if trimmed == "" {
		return "I'm running in simulated mode right now. Ask me anything about your courses!"
	}
	return fmt.Sprintf("I'm running in simulated mode right now, so here is a practice answer about %q. Review the lesson notes and try explaining it in your own words.", trimmed)
}

// MockImage returns a 1x1 PNG placeholder.
func MockImage() []byte {
	return append([]byte(nil), placeholderPNG...)
}

// MockVideoOperation returns an already-terminal handle derived from the prompt.
func MockVideoOperation(prompt string) OperationHandle {
	digest := sha256.Sum256([]byte(prompt))
	return completedMockOperation(simulatedOperationPrefix + hex.EncodeToString(digest[:6]))
}

// IsSimulatedOperation reports whether id was issued by a simulated gateway.
func IsSimulatedOperation(id string) bool {
	return strings.HasPrefix(id, simulatedOperationPrefix)
}

func completedMockOperation(id string) OperationHandle {
	if id == "" {
		id = simulatedOperationPrefix + "0"
	}
	return OperationHandle{ID: id, Done: true, ResultURI: simulatedVideoURI}
}
