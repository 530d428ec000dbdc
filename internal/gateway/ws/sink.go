package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/coder/websocket"

	"pyrunner/internal/protocol"
)

// sinkBuffer is how many undelivered envelopes a session may accumulate
// before new ones are dropped. Output-heavy scripts can outpace a slow
// client; stalling the broadcaster is worse than losing chunks on that
// one session.
const sinkBuffer = 256

// connSink delivers envelopes to one WebSocket connection. Send never
// blocks; a single writer goroutine drains the queue so delivery order
// matches send order.
type connSink struct {
	ch     chan *protocol.Envelope
	logger *slog.Logger

	once sync.Once
	done chan struct{}
}

func newConnSink(ctx context.Context, conn *websocket.Conn, logger *slog.Logger) *connSink {
	s := &connSink{
		ch:     make(chan *protocol.Envelope, sinkBuffer),
		logger: logger,
		done:   make(chan struct{}),
	}
	go s.writeLoop(ctx, conn)
	return s
}

// Send queues an envelope for delivery. Implements hub.Sink.
func (s *connSink) Send(env *protocol.Envelope) {
	select {
	case <-s.done:
	case s.ch <- env:
	default:
		s.logger.Warn("observer queue full, dropping message",
			slog.String("type", string(env.Type)),
		)
	}
}

// close stops accepting envelopes. Already queued messages may still be
// written until the connection context ends.
func (s *connSink) close() {
	s.once.Do(func() { close(s.done) })
}

func (s *connSink) writeLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		select {
		case <-ctx.Done():
			return
		case env := <-s.ch:
			data, err := json.Marshal(env)
			if err != nil {
				s.logger.Error("failed to marshal envelope", slog.String("error", err.Error()))
				continue
			}
			if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
				s.logger.Debug("observer write failed", slog.String("error", err.Error()))
				return
			}
		}
	}
}
