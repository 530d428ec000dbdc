// Package ws implements the WebSocket server for observer sessions. Each
// connection is an observer that issues commands (start, input, stop, watch,
// status) and receives live output from the executions it watches.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"pyrunner/internal/hub"
	"pyrunner/internal/observability"
	"pyrunner/internal/protocol"
	"pyrunner/internal/supervisor"
	"pyrunner/internal/validator"
)

// Server upgrades observer connections and dispatches their commands to the
// supervisor.
type Server struct {
	sup     *supervisor.Supervisor
	hub     *hub.Hub
	metrics *observability.MetricsCollector
	logger  *slog.Logger
}

// NewServer creates a WebSocket server. Metrics may be nil.
func NewServer(sup *supervisor.Supervisor, h *hub.Hub, metrics *observability.MetricsCollector, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Server{
		sup:     sup,
		hub:     h,
		metrics: metrics,
		logger:  logger,
	}
}

// Handler returns an http.Handler that upgrades connections to WebSocket.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.handleUpgrade)
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// The dashboard is served from arbitrary LAN addresses.
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.logger.Error("websocket accept failed", slog.String("error", err.Error()))
		return
	}
	s.handleConnection(r.Context(), conn)
}

func (s *Server) handleConnection(ctx context.Context, conn *websocket.Conn) {
	observerID := uuid.New().String()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sink := newConnSink(ctx, conn, s.logger.With(slog.String("observer_id", observerID)))
	s.hub.Attach(observerID, sink)
	if s.metrics != nil {
		s.metrics.ConnectedObservers.Inc()
	}
	defer func() {
		s.hub.Detach(observerID)
		sink.close()
		if s.metrics != nil {
			s.metrics.ConnectedObservers.Dec()
		}
		conn.Close(websocket.StatusNormalClosure, "connection closed")
	}()

	s.logger.Info("observer connected", slog.String("observer_id", observerID))

	hostname, _ := os.Hostname()
	s.send(sink, protocol.MsgConnected, protocol.ConnectedPayload{Hostname: hostname})

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure ||
				websocket.CloseStatus(err) == websocket.StatusGoingAway {
				s.logger.Info("observer disconnected", slog.String("observer_id", observerID))
			} else {
				s.logger.Warn("observer connection error",
					slog.String("observer_id", observerID),
					slog.String("error", err.Error()),
				)
			}
			return
		}

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.logger.Warn("invalid message from observer",
				slog.String("observer_id", observerID),
				slog.String("error", err.Error()),
			)
			s.sendError(sink, "invalid message")
			continue
		}

		s.handleCommand(observerID, sink, &env)
	}
}

// handleCommand dispatches one observer command. Commands on the same
// connection are handled sequentially, so a stop's grace window stalls only
// its own session.
func (s *Server) handleCommand(observerID string, sink *connSink, env *protocol.Envelope) {
	switch env.Type {
	case protocol.MsgStart:
		var p protocol.StartPayload
		if err := env.Decode(&p); err != nil || p.Script == "" {
			s.sendError(sink, "script name is required")
			return
		}
		started, err := s.sup.Start(p.Script, observerID)
		if err != nil {
			s.sendStartError(sink, err)
			return
		}
		s.send(sink, protocol.MsgStarted, started)

	case protocol.MsgInput:
		var p protocol.InputPayload
		if err := env.Decode(&p); err != nil || p.Script == "" {
			s.sendError(sink, "script name is required")
			return
		}
		if err := s.sup.Input(p.Script, []byte(p.Data)); err != nil {
			s.sendError(sink, err.Error())
		}

	case protocol.MsgStop:
		var p protocol.StopPayload
		if err := env.Decode(&p); err != nil || p.Script == "" {
			s.sendError(sink, "script name is required")
			return
		}
		if err := s.sup.Stop(p.Script); err != nil {
			s.sendError(sink, err.Error())
		}

	case protocol.MsgStopExternal:
		var p protocol.StopExternalPayload
		if err := env.Decode(&p); err != nil {
			s.sendError(sink, "pid is required")
			return
		}
		if err := s.sup.StopExternal(p.PID); err != nil {
			s.sendError(sink, err.Error())
			return
		}
		s.send(sink, protocol.MsgExternalStopped, protocol.ExternalStoppedPayload{PID: p.PID})

	case protocol.MsgWatch:
		var p protocol.WatchPayload
		if err := env.Decode(&p); err != nil || p.Script == "" {
			s.sendError(sink, "script name is required")
			return
		}
		watching, err := s.sup.Watch(p.Script, observerID)
		if err != nil {
			s.sendError(sink, err.Error())
			return
		}
		s.send(sink, protocol.MsgWatching, watching)

	case protocol.MsgStatus:
		var p protocol.StatusPayload
		if env.Payload != nil {
			if err := env.Decode(&p); err != nil {
				s.sendError(sink, "invalid status request")
				return
			}
		}
		if p.Script != "" {
			s.send(sink, protocol.MsgStatusReply, s.sup.Status(p.Script))
			return
		}
		s.send(sink, protocol.MsgAllStatus, s.sup.StatusAll())

	default:
		s.sendError(sink, fmt.Sprintf("unknown command %q", env.Type))
	}
}

// sendStartError maps a refused start onto an error payload carrying the
// validator's detail when there is any.
func (s *Server) sendStartError(sink *connSink, err error) {
	var verr *supervisor.ValidationError
	if errors.As(err, &verr) {
		s.send(sink, protocol.MsgError, protocol.ErrorPayload{
			Message: "script has validation errors",
			Errors:  validator.Strings(verr.Violations),
		})
		return
	}
	var derr *supervisor.DependencyError
	if errors.As(err, &derr) {
		s.send(sink, protocol.MsgError, protocol.ErrorPayload{
			Message: "script imports local modules that do not exist",
			Missing: derr.Missing,
		})
		return
	}
	s.sendError(sink, err.Error())
}

func (s *Server) send(sink *connSink, msgType protocol.MessageType, payload any) {
	env, err := protocol.NewEnvelope(msgType, payload)
	if err != nil {
		s.logger.Error("failed to encode message",
			slog.String("type", string(msgType)),
			slog.String("error", err.Error()),
		)
		return
	}
	sink.Send(env)
}

func (s *Server) sendError(sink *connSink, message string) {
	s.send(sink, protocol.MsgError, protocol.ErrorPayload{Message: message})
}
