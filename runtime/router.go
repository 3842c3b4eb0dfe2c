package runtime

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"keyrelay/domain"
	relayerrors "keyrelay/errors"
	"keyrelay/observability"
)

// noCancel is used where delivery must not be abandoned mid-flush.
var noCancel = context.Background()

type groupState struct {
	mu  sync.Mutex
	seq uint64
}

// Router fans a payload out to every open connection subscribed to the
// target group, buffering for subscribed users currently offline.
//
// Concurrent relays to the same group are serialized on a per-group mutex so
// every subscriber observes the group's arrival order (FIFO per group);
// distinct groups proceed fully in parallel. No ordering exists across
// groups, by contract.
type Router struct {
	log      *slog.Logger
	registry *Registry
	monitor  *observability.Monitor

	mu     sync.Mutex
	groups map[domain.GroupID]*groupState
}

func NewRouter(log *slog.Logger, registry *Registry, monitor *observability.Monitor) *Router {
	return &Router{
		log:      log,
		registry: registry,
		monitor:  monitor,
		groups:   make(map[domain.GroupID]*groupState),
	}
}

// Relay delivers blob to every live subscriber of group except the sending
// connection, and enqueues it for subscribed users with no open connection.
// Returns the count of live deliveries; pending enqueues are not counted.
//
// Failure isolation: a full or broken sink force-closes that one connection
// and the fan-out continues. The sender's error cases are its own:
// ErrInvalidPayload for a malformed frame (connection stays open),
// ErrNotFound / ErrConnectionClosed when the sending connection is gone.
func (rt *Router) Relay(ctx context.Context, senderConn uuid.UUID, group domain.GroupID, blob []byte) (int, error) {
	if group == "" || len(blob) == 0 {
		return 0, relayerrors.ErrInvalidPayload
	}

	senderID, state, ok := rt.registry.connInfo(senderConn)
	if !ok {
		return 0, relayerrors.ErrNotFound
	}
	if state != domain.Open {
		return 0, relayerrors.ErrConnectionClosed
	}

	gs := rt.groupState(group)
	gs.mu.Lock()
	defer gs.mu.Unlock()

	gs.seq++
	payload := domain.RelayPayload{
		Group:      group,
		Sender:     senderID,
		SenderConn: senderConn,
		Blob:       blob,
		Seq:        gs.seq,
		At:         time.Now().UTC(),
	}

	targets, offline := rt.registry.deliveryPlan(group, senderConn)

	delivered := 0
	for _, t := range targets {
		err := t.sink.Deliver(ctx, payload)
		switch err {
		case nil:
			delivered++
		case relayerrors.ErrBackpressure:
			// Slow consumer: shed the connection instead of buffering
			// without bound. The client reconnects and re-subscribes.
			rt.log.Warn("Subscriber too slow, force-closing",
				"connection_id", t.connID, "user_id", t.userID, "group", group)
			rt.registry.Disconnect(t.connID)
			rt.monitor.ForcedClose()
		case relayerrors.ErrConnectionClosed:
			// Lost a race with a disconnect; the registry already purged it.
		default:
			rt.log.Error("Delivery failed, force-closing",
				"connection_id", t.connID, "group", group, "error", err)
			rt.registry.Disconnect(t.connID)
			rt.monitor.ForcedClose()
		}
	}

	// Deterministic enqueue order keeps per-user pending queues FIFO even
	// though map iteration above is not ordered across users.
	sort.Strings(offline)
	for _, userID := range offline {
		rt.registry.enqueuePending(userID, payload)
	}

	rt.monitor.PayloadRelayed()
	rt.monitor.LiveDeliveries(uint64(delivered))
	return delivered, nil
}

func (rt *Router) groupState(group domain.GroupID) *groupState {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	gs, ok := rt.groups[group]
	if !ok {
		gs = &groupState{}
		rt.groups[group] = gs
	}
	return gs
}
