package acp

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Connection is one stdio session's observability record: when it opened,
// when a request or notification last touched it, and the protocolVersion
// the client negotiated during initialize (empty until then).
type Connection struct {
	ID              string
	CreatedAt       time.Time
	LastActivity    time.Time
	ProtocolVersion string
}

// ConnectionManager tracks the set of currently-open ACP connections. A
// single acphost process normally serves exactly one stdio connection at a
// time, but the manager itself places no such limit — it exists purely for
// diagnostics, not for routing.
type ConnectionManager struct {
	mu          sync.Mutex
	connections map[string]*Connection
}

// NewConnectionManager builds an empty ConnectionManager.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{connections: make(map[string]*Connection)}
}

// Open records a new connection and returns its id.
func (m *ConnectionManager) Open() string {
	id := uuid.NewString()
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connections[id] = &Connection{ID: id, CreatedAt: now, LastActivity: now}
	return id
}

// Touch updates a connection's last-activity timestamp. A no-op if id is
// unknown (already closed, or the zero value from a context with no
// connection attached).
func (m *ConnectionManager) Touch(id string) {
	if id == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.connections[id]; ok {
		c.LastActivity = time.Now()
	}
}

// SetProtocolVersion records the version negotiated by an initialize call.
func (m *ConnectionManager) SetProtocolVersion(id, version string) {
	if id == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.connections[id]; ok {
		c.ProtocolVersion = version
	}
}

// Close removes a connection from the tracked set.
func (m *ConnectionManager) Close(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.connections, id)
}

// List returns a snapshot of every currently-open connection.
func (m *ConnectionManager) List() []Connection {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Connection, 0, len(m.connections))
	for _, c := range m.connections {
		out = append(out, *c)
	}
	return out
}

type connIDKey struct{}

func withConnectionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, connIDKey{}, id)
}

// ConnectionIDFromContext retrieves the connection id Serve attached to ctx,
// if any.
func ConnectionIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(connIDKey{}).(string)
	return id, ok
}
