package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

const (
	streamEventHeartbeat   = "heartbeat"
	streamEventServiceMode = "service-mode"
	streamEventPresence    = "presence"
	streamEventTyping      = "typing"
	streamEventChat        = "chat"
)

// latest holds the most recent snapshot for a stream. A slow client skips intermediate
// snapshots and always receives the newest one. push must be called from one goroutine.
type latest[T any] struct {
	values chan T
}

func newLatest[T any]() *latest[T] {
	return &latest[T]{values: make(chan T, 1)}
}

func (l *latest[T]) push(value T) {
	select {
	case <-l.values:
	default:
	}
	l.values <- value
}

func prepareStream(c *gin.Context) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()
}

// relay writes every value as an SSE event until the client disconnects or values closes,
// interleaving heartbeats so idle proxies keep the stream open.
func relay[T any](c *gin.Context, heartbeat time.Duration, event string, values <-chan T) {
	prepareStream(c)
	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case value, ok := <-values:
			if !ok {
				return
			}
			c.SSEvent(event, value)
			c.Writer.Flush()
		case now := <-ticker.C:
			c.SSEvent(streamEventHeartbeat, gin.H{"at": now.UTC().Format(time.RFC3339)})
			c.Writer.Flush()
		}
	}
}
