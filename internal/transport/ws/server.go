package ws

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"stashcraft.ai/internal/protocol"
	"stashcraft.ai/internal/sim/world"
)

type Server struct {
	world *world.World
	auth  *Authenticator
	log   *log.Logger

	upgrader websocket.Upgrader
}

// NewServer serves participants of w. A nil auth accepts anonymous participants.
func NewServer(w *world.World, auth *Authenticator, logger *log.Logger) *Server {
	return &Server{
		world: w,
		auth:  auth,
		log:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 16 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		sessionID, out, locks := s.handshake(conn, tokenFromRequest(r))
		if sessionID == "" {
			return
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		// Writer goroutine. The world closes both lanes when it drops a session that fell behind
		// on lock verdicts.
		go func() {
			for {
				var b []byte
				var ok bool
				select {
				case <-ctx.Done():
					return
				case b, ok = <-locks:
				case b, ok = <-out:
				}
				if !ok {
					closeWith(conn, "too slow")
					_ = conn.Close()
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
					cancel()
					return
				}
			}
		}()

		// Reader loop.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				cancel()
				break
			}
			s.route(sessionID, msg)
		}

		s.world.Leave() <- sessionID
	}
}

// route forwards one client message to the world. Malformed messages are dropped.
func (s *Server) route(sessionID string, msg []byte) {
	base, err := protocol.DecodeBase(msg)
	if err != nil || base.ProtocolVersion != protocol.Version {
		return
	}
	switch base.Type {
	case protocol.TypeLock:
		var lm protocol.LockMsg
		if err := json.Unmarshal(msg, &lm); err != nil || lm.NodeID == "" {
			return
		}
		s.world.Locks() <- world.LockRequest{SessionID: sessionID, Op: lm.Op, NodeID: lm.NodeID}
	case protocol.TypeAct:
		var act protocol.ActMsg
		if err := json.Unmarshal(msg, &act); err != nil {
			return
		}
		s.world.Inbox() <- world.ActionEnvelope{SessionID: sessionID, Act: act}
	}
}

func (s *Server) handshake(conn *websocket.Conn, headerToken string) (sessionID string, out, locks chan []byte) {
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return "", nil, nil
	}

	base, err := protocol.DecodeBase(msg)
	if err != nil || base.Type != protocol.TypeHello {
		closeWith(conn, "expected HELLO")
		return "", nil, nil
	}
	var hello protocol.HelloMsg
	if err := json.Unmarshal(msg, &hello); err != nil {
		return "", nil, nil
	}
	if hello.ProtocolVersion != protocol.Version {
		closeWith(conn, "bad protocol_version")
		return "", nil, nil
	}

	var subject string
	if s.auth != nil {
		token := headerToken
		if hello.Auth != nil && strings.TrimSpace(hello.Auth.Token) != "" {
			token = strings.TrimSpace(hello.Auth.Token)
		}
		claims, err := s.auth.Validate(token)
		if err != nil {
			s.logf("handshake rejected: %v", err)
			_ = writeJSON(conn, refusal(protocol.ErrUnauthorized, "invalid token"))
			closeWith(conn, "unauthorized")
			return "", nil, nil
		}
		subject = claims.Subject
		if hello.ParticipantName == "" {
			hello.ParticipantName = claims.Name
		}
	}

	out = make(chan []byte, 256)
	locks = make(chan []byte, 1024)
	respCh := make(chan world.JoinResponse, 1)
	s.world.Join() <- world.JoinRequest{
		Name:    hello.ParticipantName,
		Subject: subject,
		Out:     out,
		Locks:   locks,
		Resp:    respCh,
	}
	resp := <-respCh
	if resp.Code != "" {
		_ = writeJSON(conn, refusal(resp.Code, resp.Message))
		closeWith(conn, resp.Message)
		return "", nil, nil
	}

	if err := writeJSON(conn, resp.Welcome); err != nil {
		s.world.Leave() <- resp.Welcome.SessionID
		return "", nil, nil
	}
	if err := writeJSON(conn, resp.NodeConfig); err != nil {
		s.world.Leave() <- resp.Welcome.SessionID
		return "", nil, nil
	}
	for _, ev := range resp.Locks {
		if err := writeJSON(conn, ev); err != nil {
			s.world.Leave() <- resp.Welcome.SessionID
			return "", nil, nil
		}
	}
	return resp.Welcome.SessionID, out, locks
}

func (s *Server) logf(format string, args ...any) {
	if s.log != nil {
		s.log.Printf(format, args...)
	}
}

func refusal(code, message string) protocol.ResultMsg {
	return protocol.ResultMsg{
		Type:            protocol.TypeResult,
		ProtocolVersion: protocol.Version,
		Ref:             "HELLO",
		Kind:            protocol.TypeHello,
		Code:            code,
		Message:         message,
	}
}

func closeWith(conn *websocket.Conn, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason), time.Now().Add(time.Second))
}

func writeJSON(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, b)
}
