package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"keyrelay/auth"
	"keyrelay/domain"
	relayerrors "keyrelay/errors"
	"keyrelay/sink"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 512 * 1024 // 512KB
)

// clientFrame is an inbound websocket frame: join/leave a group or send an
// opaque payload to one.
type clientFrame struct {
	Type  string `json:"type" validate:"required,oneof=join leave send"`
	Group string `json:"group" validate:"required"`
	Blob  []byte `json:"blob,omitempty"`
}

// serverFrame is everything the server pushes: relayed payloads, send acks,
// and per-frame errors.
type serverFrame struct {
	Type      string `json:"type"`
	Group     string `json:"group,omitempty"`
	Sender    string `json:"sender,omitempty"`
	Blob      []byte `json:"blob,omitempty"`
	Seq       uint64 `json:"seq,omitempty"`
	Delivered *int   `json:"delivered,omitempty"`
	Error     string `json:"error,omitempty"`
}

// handleConnect establishes the long-lived connection for real-time
// delivery. It registers a dedicated sink in the registry, which also
// flushes any payloads buffered while the user was offline. The method
// blocks until the client disconnects or a network error occurs; cleanup
// goes through the registry so no dangling subscription survives.
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserID(r.Context())
	if !ok {
		http.Error(w, "unauthenticated", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("Websocket upgrade failed", "user_id", userID, "error", err)
		return
	}

	snk := sink.NewConnSink(s.connBufferSize)
	connID := s.registry.Connect(userID, snk)
	s.log.Info("Connection open", "connection_id", connID, "user_id", userID)

	// gorilla allows a single concurrent writer, so control frames from the
	// read side are funneled through the write pump.
	control := make(chan serverFrame, 8)
	go s.writePump(conn, snk, control, connID)
	s.readPump(conn, control, connID, userID)
}

func (s *Server) readPump(conn *websocket.Conn, control chan serverFrame, connID uuid.UUID, userID string) {
	defer s.registry.Disconnect(connID)

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Warn("Connection read failed", "connection_id", connID, "error", err)
			}
			return
		}

		var frame clientFrame
		if err := json.Unmarshal(message, &frame); err != nil {
			// A malformed frame is the client's problem, the connection
			// stays open.
			s.pushControl(control, errorFrame(relayerrors.ErrInvalidPayload))
			continue
		}
		if err := s.validate.Struct(frame); err != nil {
			s.pushControl(control, errorFrame(relayerrors.ErrInvalidPayload))
			continue
		}

		switch frame.Type {
		case "join":
			if err := s.registry.JoinGroup(connID, domain.GroupID(frame.Group)); err != nil {
				s.pushControl(control, errorFrame(err))
			}
		case "leave":
			if err := s.registry.LeaveGroup(connID, domain.GroupID(frame.Group)); err != nil {
				s.pushControl(control, errorFrame(err))
			}
		case "send":
			delivered, err := s.router.Relay(context.Background(), connID, domain.GroupID(frame.Group), frame.Blob)
			if err != nil {
				s.pushControl(control, errorFrame(err))
				continue
			}
			s.pushControl(control, serverFrame{Type: "sent", Group: frame.Group, Delivered: &delivered})
		}
	}
}

// writePump owns all writes to the websocket. It drains the connection's
// sink and the control channel, and pings on a fixed period. A write failure
// force-closes the connection through the registry; the client is
// responsible for reconnecting and re-subscribing.
func (s *Server) writePump(conn *websocket.Conn, snk *sink.ConnSink, control chan serverFrame, connID uuid.UUID) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	for {
		select {
		case p, ok := <-snk.Out():
			if !ok {
				// The registry closed the sink.
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(payloadFrame(p)); err != nil {
				s.log.Warn("Connection write failed", "connection_id", connID, "error", err)
				s.registry.Disconnect(connID)
				return
			}
		case f := <-control:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(f); err != nil {
				s.registry.Disconnect(connID)
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.registry.Disconnect(connID)
				return
			}
		}
	}
}

// pushControl never blocks the read loop; a dropped ack is acceptable, a
// stalled reader is not.
func (s *Server) pushControl(control chan serverFrame, f serverFrame) {
	select {
	case control <- f:
	default:
	}
}

func payloadFrame(p domain.RelayPayload) serverFrame {
	return serverFrame{
		Type:   "payload",
		Group:  string(p.Group),
		Sender: p.Sender,
		Blob:   p.Blob,
		Seq:    p.Seq,
	}
}

func errorFrame(err error) serverFrame {
	msg := err.Error()
	if relayerrors.MapToHTTPStatus(err) == http.StatusInternalServerError {
		msg = "internal error"
	}
	return serverFrame{Type: "error", Error: msg}
}
