package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrInvalidPath reports an empty collection or key.
	ErrInvalidPath = errors.New("realtime: collection and key are required")
	// ErrConnectionClosed reports use of a closed or dropped connection.
	ErrConnectionClosed = errors.New("realtime: connection closed")
)

// Record is one keyed document inside a collection. ServerTimestamp is assigned by the
// store on every write.
type Record struct {
	Collection      string          `json:"collection"`
	Key             string          `json:"key"`
	Value           json.RawMessage `json:"value"`
	ServerTimestamp time.Time       `json:"server_timestamp"`
}

// Decode unmarshals the record value into target.
func (r Record) Decode(target any) error {
	return json.Unmarshal(r.Value, target)
}

// Change notifies watchers that a collection was mutated. Watchers re-read the full
// collection; changes carry no payload.
type Change struct {
	Collection string
	At         time.Time
}

// Store is the substrate behind the realtime client. Implementations must assign server
// timestamps and keys themselves and deliver a Change for every mutation.
type Store interface {
	Put(ctx context.Context, collection, key string, value json.RawMessage) error
	Append(ctx context.Context, collection string, value json.RawMessage) (Record, error)
	Delete(ctx context.Context, collection, key string) error
	List(ctx context.Context, collection string) ([]Record, error)
	Watch(ctx context.Context, collection string) (<-chan Change, func(), error)

	// ArmDisconnect hands the path's directive to connectionID. A directive another
	// connection held for the same path is released, so only the latest writer's
	// disconnect removes the record.
	ArmDisconnect(ctx context.Context, connectionID, collection, key string) error
	DisarmDisconnect(ctx context.Context, connectionID, collection, key string) error
	Heartbeat(ctx context.Context, connectionID string, ttl time.Duration) error
	ExpiredConnections(ctx context.Context) ([]string, error)
	// FireDisconnect deletes every record armed for the connection and clears its directives.
	FireDisconnect(ctx context.Context, connectionID string) error
	// Forget drops the connection's liveness bookkeeping.
	Forget(ctx context.Context, connectionID string) error
}

// ValidatePath rejects empty collections and keys.
func ValidatePath(collection, key string) error {
	if collection == "" || key == "" {
		return ErrInvalidPath
	}
	return nil
}
