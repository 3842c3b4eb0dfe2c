package sink

import (
	"context"
	"sync"

	"keyrelay/domain"
	relayerrors "keyrelay/errors"
)

// ConnSink is the bounded outbound buffer of one connection. The transport
// side drains Out; the router side feeds it through Deliver.
//
// Deliver never blocks. When the buffer is at its high-watermark the caller
// gets ErrBackpressure and is expected to shed the connection rather than
// queue without bound.
type ConnSink struct {
	mu     sync.Mutex
	out    chan domain.RelayPayload
	closed bool
}

func NewConnSink(bufferSize int) *ConnSink {
	return &ConnSink{out: make(chan domain.RelayPayload, bufferSize)}
}

// Deliver is called by the router's fan-out.
// Redirects the payload through the channel owned by this connection;
// the transport write pump takes it from there.
func (s *ConnSink) Deliver(ctx context.Context, p domain.RelayPayload) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return relayerrors.ErrConnectionClosed
	}
	select {
	case s.out <- p:
		return nil
	default:
		return relayerrors.ErrBackpressure
	}
}

// Close shuts the outbound channel exactly once. Deliver calls racing a
// Close see the closed flag under the mutex, never a closed channel.
func (s *ConnSink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.out)
	}
}

// Out exposes the receive side for the transport write pump. The channel is
// closed when the sink is closed.
func (s *ConnSink) Out() <-chan domain.RelayPayload {
	return s.out
}
