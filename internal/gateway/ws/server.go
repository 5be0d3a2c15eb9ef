// Package ws implements the WebSocket server for preview connections.
// The preview page connects, receives sandbox output and run-state updates in
// real time, and reports browser runtime errors back for self-healing.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/jkaninda/ponya/internal/controller"
	"github.com/jkaninda/ponya/internal/domain"
	"github.com/jkaninda/ponya/internal/protocol"
	"github.com/jkaninda/ponya/internal/session"
)

const (
	pingInterval  = 30 * time.Second
	writeTimeout  = 10 * time.Second
	stateInterval = 2 * time.Second
)

// Server is the WebSocket server for preview connections.
type Server struct {
	sessions *session.Manager
	ctrl     *controller.Controller
	token    string // Empty = no auth (local dev).
	logger   *slog.Logger
}

// NewServer creates a preview WebSocket server.
func NewServer(sessions *session.Manager, ctrl *controller.Controller, token string, logger *slog.Logger) *Server {
	return &Server{
		sessions: sessions,
		ctrl:     ctrl,
		token:    token,
		logger:   logger,
	}
}

// Handler returns an http.Handler that upgrades connections to WebSocket.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.handleUpgrade)
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.token != "" {
		token := r.URL.Query().Get("token")
		if token == "" {
			token = r.Header.Get("Authorization")
			if len(token) > 7 && token[:7] == "Bearer " {
				token = token[7:]
			}
		}
		if token != s.token {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	sessionID, err := uuid.Parse(r.URL.Query().Get("session"))
	if err != nil {
		http.Error(w, "session query parameter is required", http.StatusBadRequest)
		return
	}
	if _, err := s.sessions.Get(sessionID); err != nil {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{"ponya-preview-v1"},
	})
	if err != nil {
		s.logger.Error("websocket accept failed", slog.String("error", err.Error()))
		return
	}

	s.handleConnection(r.Context(), conn, sessionID)
}

func (s *Server) handleConnection(ctx context.Context, conn *websocket.Conn, sessionID uuid.UUID) {
	defer conn.Close(websocket.StatusNormalClosure, "connection closed")

	s.logger.Info("preview connected", slog.String("session_id", sessionID.String()))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go s.streamOutput(ctx, conn, sessionID)

	// Reader loop: runtime error reports and pongs. Rejected messages get an
	// error envelope back; the connection stays up.
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				s.logger.Info("preview disconnected", slog.String("session_id", sessionID.String()))
			} else if ctx.Err() == nil {
				s.logger.Warn("preview connection error",
					slog.String("session_id", sessionID.String()),
					slog.String("error", err.Error()),
				)
			}
			return
		}
		if resp := s.handleMessage(sessionID, data); resp != nil {
			if err := s.writeEnvelope(ctx, conn, resp); err != nil {
				return
			}
		}
	}
}

// handleMessage dispatches one inbound message. It returns an error envelope
// for messages the server rejects, nil otherwise. Unknown message types are
// logged and ignored, never fatal to the connection.
func (s *Server) handleMessage(sessionID uuid.UUID, data []byte) *protocol.Envelope {
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		s.logger.Warn("invalid message from preview",
			slog.String("session_id", sessionID.String()),
			slog.String("error", err.Error()),
		)
		return s.errorEnvelope(sessionID, "message is not valid JSON")
	}

	switch env.Type {
	case protocol.MsgRuntimeError:
		report, err := protocol.DecodeRuntimeError(data)
		if err != nil || report.Message == "" {
			s.logger.Warn("malformed runtime error report",
				slog.String("session_id", sessionID.String()),
			)
			return s.errorEnvelope(sessionID, "runtime error report requires a message")
		}
		if err := s.sessions.HandleRuntimeError(sessionID, report.ErrorType, report.Message, report.Stack); err != nil {
			s.logger.Warn("routing runtime error failed",
				slog.String("session_id", sessionID.String()),
				slog.String("error", err.Error()),
			)
		}

	case protocol.MsgPong:
		// Liveness acknowledged.

	default:
		s.logger.Debug("ignoring message from preview",
			slog.String("session_id", sessionID.String()),
			slog.String("type", string(env.Type)),
		)
	}
	return nil
}

func (s *Server) errorEnvelope(sessionID uuid.UUID, msg string) *protocol.Envelope {
	env, err := protocol.NewEnvelope(protocol.MsgError, protocol.ErrorPayload{Message: msg})
	if err != nil {
		return nil
	}
	env.SessionID = sessionID.String()
	return env
}

// streamOutput replays the buffer and then pushes new output lines, state
// transitions, and pings until the connection context ends.
func (s *Server) streamOutput(ctx context.Context, conn *websocket.Conn, sessionID uuid.UUID) {
	for _, line := range s.ctrl.OutputLines() {
		if !s.writeOutputLine(ctx, conn, sessionID, line) {
			return
		}
	}

	lastState := s.ctrl.State()
	if !s.writeState(ctx, conn, sessionID) {
		return
	}

	// Replay fixes already applied, then push new ones as they land.
	fixesSeen, ok := s.pushFixes(ctx, conn, sessionID, 0)
	if !ok {
		return
	}

	lines, cancel := s.ctrl.Subscribe()
	defer cancel()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()
	stateTick := time.NewTicker(stateInterval)
	defer stateTick.Stop()

	for {
		select {
		case line, ok := <-lines:
			if !ok {
				return
			}
			if !s.writeOutputLine(ctx, conn, sessionID, line) {
				return
			}

		case <-stateTick.C:
			if cur := s.ctrl.State(); cur != lastState {
				lastState = cur
				if !s.writeState(ctx, conn, sessionID) {
					return
				}
			}
			if fixesSeen, ok = s.pushFixes(ctx, conn, sessionID, fixesSeen); !ok {
				return
			}

		case <-ping.C:
			env, _ := protocol.NewEnvelope(protocol.MsgPing, nil)
			env.SessionID = sessionID.String()
			if s.writeEnvelope(ctx, conn, env) != nil {
				return
			}

		case <-ctx.Done():
			return
		}
	}
}

// pushFixes announces every successful heal attempt past the seen offset as
// a fix.applied message and returns the new offset. Failed attempts stay in
// the attempt log; the preview only cares about patches that landed.
func (s *Server) pushFixes(ctx context.Context, conn *websocket.Conn, sessionID uuid.UUID, seen int) (int, bool) {
	sess, err := s.sessions.Get(sessionID)
	if err != nil {
		return seen, true
	}
	log := sess.Healer().Log()
	for _, entry := range log[seen:] {
		if entry.Outcome != domain.AttemptSucceeded {
			continue
		}
		env, err := protocol.NewEnvelope(protocol.MsgFixApplied, protocol.FixAppliedPayload{
			FilePath: entry.FilePath,
			Attempt:  entry.Attempt,
		})
		if err != nil {
			continue
		}
		env.SessionID = sessionID.String()
		if s.writeEnvelope(ctx, conn, env) != nil {
			return seen, false
		}
	}
	return len(log), true
}

func (s *Server) writeOutputLine(ctx context.Context, conn *websocket.Conn, sessionID uuid.UUID, line string) bool {
	env, err := protocol.NewEnvelope(protocol.MsgOutputLine, protocol.OutputLinePayload{Line: line})
	if err != nil {
		return false
	}
	env.SessionID = sessionID.String()
	return s.writeEnvelope(ctx, conn, env) == nil
}

func (s *Server) writeState(ctx context.Context, conn *websocket.Conn, sessionID uuid.UUID) bool {
	st := s.ctrl.State()
	env, err := protocol.NewEnvelope(protocol.MsgRunState, protocol.RunStatePayload{
		Phase:      string(st.Phase()),
		PreviewURL: st.PreviewURL,
		LastError:  st.LastError,
	})
	if err != nil {
		return false
	}
	env.SessionID = sessionID.String()
	return s.writeEnvelope(ctx, conn, env) == nil
}

func (s *Server) writeEnvelope(ctx context.Context, conn *websocket.Conn, env *protocol.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(wctx, websocket.MessageText, data)
}
