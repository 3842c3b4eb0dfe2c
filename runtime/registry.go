// Package runtime owns the live side of the relay: the connection registry
// and the per-group fan-out router. It orchestrates delivery without
// containing any knowledge of payload contents.
package runtime

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"keyrelay/contract"
	"keyrelay/domain"
	relayerrors "keyrelay/errors"
	"keyrelay/observability"
)

type Set map[uuid.UUID]struct{}

type connection struct {
	id     uuid.UUID
	userID string
	state  domain.ConnectionState
	sink   contract.DeliverySink
	groups map[domain.GroupID]struct{}
}

// Registry is the single authoritative table of live connections. Connection
// handles are owned exclusively here: removal from the registry is the one
// signal that releases the underlying sink, so nothing else in the system
// can hold a dangling reference.
//
// Subscriptions live at two levels. Per-connection sets drive live fan-out.
// Per-user identity membership (userGroups) survives disconnects and drives
// the offline pending buffer: a user stays subscribed for buffering purposes
// until their last interested connection explicitly leaves the group.
type Registry struct {
	mu              sync.RWMutex
	log             *slog.Logger
	monitor         *observability.Monitor
	pendingLimit    int
	connections     map[uuid.UUID]*connection
	groupMembers    map[domain.GroupID]Set
	userConnections map[string]Set
	userGroups      map[domain.GroupID]map[string]struct{}
	pending         map[string][]domain.RelayPayload
}

func NewRegistry(log *slog.Logger, pendingLimit int, monitor *observability.Monitor) *Registry {
	return &Registry{
		log:             log,
		monitor:         monitor,
		pendingLimit:    pendingLimit,
		connections:     make(map[uuid.UUID]*connection),
		groupMembers:    make(map[domain.GroupID]Set),
		userConnections: make(map[string]Set),
		userGroups:      make(map[domain.GroupID]map[string]struct{}),
		pending:         make(map[string][]domain.RelayPayload),
	}
}

// Connect registers a new Open connection for the user and flushes the
// user's pending buffer into its sink, oldest first. The handshake already
// succeeded by the time the transport calls this, so the Connecting state is
// passed through immediately.
func (r *Registry) Connect(userID string, s contract.DeliverySink) uuid.UUID {
	c := &connection{
		id:     uuid.New(),
		userID: userID,
		state:  domain.Connecting,
		sink:   s,
		groups: make(map[domain.GroupID]struct{}),
	}

	r.mu.Lock()
	c.state = domain.Open
	r.connections[c.id] = c
	if _, ok := r.userConnections[userID]; !ok {
		r.userConnections[userID] = make(Set)
	}
	r.userConnections[userID][c.id] = struct{}{}

	buffered := r.pending[userID]
	delete(r.pending, userID)
	r.mu.Unlock()

	flushed := uint64(0)
	for _, p := range buffered {
		if err := s.Deliver(noCancel, p); err != nil {
			r.log.Warn("Pending flush failed, shedding connection",
				"user_id", userID, "connection_id", c.id, "error", err)
			r.Disconnect(c.id)
			break
		}
		flushed++
	}
	if flushed > 0 {
		r.monitor.PendingFlushed(flushed)
	}
	return c.id
}

// JoinGroup subscribes a live connection to a group and records the user's
// identity-level membership used for offline buffering.
func (r *Registry) JoinGroup(connID uuid.UUID, group domain.GroupID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.connections[connID]
	if !ok {
		return relayerrors.ErrNotFound
	}
	if c.state != domain.Open {
		return relayerrors.ErrConnectionClosed
	}

	c.groups[group] = struct{}{}
	if _, ok := r.groupMembers[group]; !ok {
		r.groupMembers[group] = make(Set)
	}
	r.groupMembers[group][connID] = struct{}{}

	if _, ok := r.userGroups[group]; !ok {
		r.userGroups[group] = make(map[string]struct{})
	}
	r.userGroups[group][c.userID] = struct{}{}
	return nil
}

// LeaveGroup unsubscribes the connection. When no other connection of the
// same user remains subscribed, the user's identity membership goes too:
// an explicit leave also opts out of offline buffering for that group.
func (r *Registry) LeaveGroup(connID uuid.UUID, group domain.GroupID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.connections[connID]
	if !ok {
		return relayerrors.ErrNotFound
	}
	if c.state != domain.Open {
		return relayerrors.ErrConnectionClosed
	}

	delete(c.groups, group)
	r.removeFromGroupLocked(connID, group)

	if !r.userSubscribedLocked(c.userID, group) {
		delete(r.userGroups[group], c.userID)
		if len(r.userGroups[group]) == 0 {
			delete(r.userGroups, group)
		}
	}
	return nil
}

// Disconnect transitions the connection to Closed, purges it from every
// subscriber set, and closes its sink. Idempotent: a second call is a no-op.
// After it returns no relay can deliver to this connection. Identity-level
// group membership is kept so the user still accrues pending payloads.
func (r *Registry) Disconnect(connID uuid.UUID) {
	r.mu.Lock()
	c, ok := r.connections[connID]
	if !ok || c.state == domain.Closed {
		r.mu.Unlock()
		return
	}

	if c.state.CanTransitionTo(domain.Closing) {
		c.state = domain.Closing
	}
	c.state = domain.Closed

	for group := range c.groups {
		r.removeFromGroupLocked(connID, group)
	}
	c.groups = nil

	if conns, ok := r.userConnections[c.userID]; ok {
		delete(conns, connID)
		if len(conns) == 0 {
			delete(r.userConnections, c.userID)
		}
	}
	delete(r.connections, connID)
	r.mu.Unlock()

	// Closing the sink outside the lock: Deliver guards itself, and a closed
	// sink rejects anything still racing toward this connection.
	c.sink.Close()
	r.log.Debug("Connection closed", "connection_id", connID, "user_id", c.userID)
}

// State reports the lifecycle state of a connection. Unknown connections
// report Closed: once purged, a connection is terminally gone.
func (r *Registry) State(connID uuid.UUID) domain.ConnectionState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if c, ok := r.connections[connID]; ok {
		return c.state
	}
	return domain.Closed
}

func (r *Registry) OpenConnections() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.connections)
}

type deliveryTarget struct {
	connID uuid.UUID
	userID string
	sink   contract.DeliverySink
}

// deliveryPlan resolves, under one read lock, who gets a payload live and
// which subscribed users need offline buffering. The sender's own connection
// is excluded; the sender's other devices still count as live targets.
func (r *Registry) deliveryPlan(group domain.GroupID, exclude uuid.UUID) ([]deliveryTarget, []string) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var targets []deliveryTarget
	for connID := range r.groupMembers[group] {
		if connID == exclude {
			continue
		}
		c, ok := r.connections[connID]
		if !ok || c.state != domain.Open {
			continue
		}
		targets = append(targets, deliveryTarget{connID: connID, userID: c.userID, sink: c.sink})
	}

	var offline []string
	for userID := range r.userGroups[group] {
		if !r.userOnlineLocked(userID) {
			offline = append(offline, userID)
		}
	}
	return targets, offline
}

// enqueuePending appends to the user's bounded pending queue, dropping the
// oldest entry on overflow rather than growing without bound. A limit of zero
// disables buffering entirely: the payload is dropped on arrival.
func (r *Registry) enqueuePending(userID string, p domain.RelayPayload) {
	if r.pendingLimit <= 0 {
		r.monitor.PendingDropped()
		r.log.Debug("Pending buffer disabled, payload dropped", "user_id", userID)
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	q := r.pending[userID]
	if len(q) >= r.pendingLimit {
		q = q[1:]
		r.monitor.PendingDropped()
		r.log.Debug("Pending buffer overflow, oldest payload dropped", "user_id", userID)
	}
	r.pending[userID] = append(q, p)
	r.monitor.PendingEnqueued()
}

// connInfo is the sender-side check the router performs before fan-out.
func (r *Registry) connInfo(connID uuid.UUID) (string, domain.ConnectionState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.connections[connID]
	if !ok {
		return "", domain.Closed, false
	}
	return c.userID, c.state, true
}

func (r *Registry) removeFromGroupLocked(connID uuid.UUID, group domain.GroupID) {
	if members, ok := r.groupMembers[group]; ok {
		delete(members, connID)
		// If no one is left in the group, remove the entry entirely
		if len(members) == 0 {
			delete(r.groupMembers, group)
		}
	}
}

func (r *Registry) userSubscribedLocked(userID string, group domain.GroupID) bool {
	for connID := range r.userConnections[userID] {
		if other, ok := r.connections[connID]; ok {
			if _, subscribed := other.groups[group]; subscribed {
				return true
			}
		}
	}
	return false
}

func (r *Registry) userOnlineLocked(userID string) bool {
	for connID := range r.userConnections[userID] {
		if c, ok := r.connections[connID]; ok && c.state == domain.Open {
			return true
		}
	}
	return false
}
