package hub

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/codeleash/codeleash/internal/protocol"
)

// Device kinds. The wire names match the handshake contract.
const (
	KindEditorHost = "vscode"
	KindMobile     = "mobile"
)

// Sender writes one envelope to a peer. Implementations must be safe
// for concurrent use; Connection serializes writes on top anyway so a
// single sender sees frames in order.
type Sender interface {
	WriteEnvelope(ctx context.Context, env protocol.Envelope) error
}

// Connection is one live client session.
type Connection struct {
	SocketID    string
	DeviceID    string
	DeviceName  string
	Kind        string
	WorkspaceID string
	ConnectedAt time.Time

	sender       Sender
	writeMu      sync.Mutex
	lastActivity atomic.Int64 // unix ms
}

func NewConnection(socketID, deviceID, deviceName, kind, workspaceID string, sender Sender) *Connection {
	c := &Connection{
		SocketID:    socketID,
		DeviceID:    deviceID,
		DeviceName:  deviceName,
		Kind:        kind,
		WorkspaceID: workspaceID,
		ConnectedAt: time.Now(),
		sender:      sender,
	}
	c.Touch()
	return c
}

// Room returns the workspace room name this connection belongs to.
func (c *Connection) Room() string { return "workspace:" + c.WorkspaceID }

// Touch updates last-activity; called on any inbound frame.
func (c *Connection) Touch() {
	c.lastActivity.Store(time.Now().UnixMilli())
}

// LastActivity returns the time of the last inbound frame.
func (c *Connection) LastActivity() time.Time {
	return time.UnixMilli(c.lastActivity.Load())
}

// Send writes an envelope to the peer, serialized per connection so
// per-sender-per-receiver order holds.
func (c *Connection) Send(ctx context.Context, env protocol.Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.sender.WriteEnvelope(ctx, env)
}

// Registry owns all live connections and their room membership. Rooms
// hold only socket ids; the registry is the single teardown authority.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*Connection          // socket id -> connection
	rooms map[string]map[string]struct{}  // room -> socket id set
}

func NewRegistry() *Registry {
	return &Registry{
		conns: make(map[string]*Connection),
		rooms: make(map[string]map[string]struct{}),
	}
}

// Add registers a connection and joins it to its workspace room.
func (r *Registry) Add(c *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[c.SocketID] = c
	room := c.Room()
	members, ok := r.rooms[room]
	if !ok {
		members = make(map[string]struct{})
		r.rooms[room] = members
	}
	members[c.SocketID] = struct{}{}
}

// Remove drops a connection and its room membership, returning the
// removed connection (nil if unknown).
func (r *Registry) Remove(socketID string) *Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[socketID]
	if !ok {
		return nil
	}
	delete(r.conns, socketID)
	room := c.Room()
	if members, ok := r.rooms[room]; ok {
		delete(members, socketID)
		if len(members) == 0 {
			delete(r.rooms, room)
		}
	}
	return c
}

// Get returns a connection by socket id.
func (r *Registry) Get(socketID string) *Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.conns[socketID]
}

// Members returns the connections in a workspace room.
func (r *Registry) Members(workspaceID string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	members := r.rooms["workspace:"+workspaceID]
	result := make([]*Connection, 0, len(members))
	for id := range members {
		if c, ok := r.conns[id]; ok {
			result = append(result, c)
		}
	}
	return result
}

// Len returns the number of live connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Broadcast sends an envelope to every member of the workspace room
// except the sender. If kind is non-empty only peers of that kind
// receive the frame. Write failures are ignored; the failing peer's own
// read loop tears it down.
func (r *Registry) Broadcast(ctx context.Context, workspaceID, exceptSocketID, kind string, env protocol.Envelope) {
	for _, c := range r.Members(workspaceID) {
		if c.SocketID == exceptSocketID {
			continue
		}
		if kind != "" && c.Kind != kind {
			continue
		}
		_ = c.Send(ctx, env)
	}
}
