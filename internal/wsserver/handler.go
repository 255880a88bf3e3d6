package wsserver

import (
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/arkeep-io/procstar/internal/audit"
	"github.com/arkeep-io/procstar/internal/protocol"
	"github.com/arkeep-io/procstar/internal/registry"
)

// wsConn is the subset of *websocket.Conn the state machine needs.
// Abstracted so tests can drive the handler against an in-process fake
// agent instead of a real TCP socket.
type wsConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetReadDeadline(t time.Time) error
}

// serveConnection runs the full per-socket state machine: AwaitRegister,
// the rebind-or-insert decision, the Reading loop, and Closed cleanup.
// It returns once the socket is closed; the registry record, if any, is
// left in place for a future reconnect.
func (s *Server) serveConnection(ws wsConn, remoteAddr string) {
	log := s.log.With(zap.String("remote_addr", remoteAddr))

	// --- AwaitRegister ---

	if err := ws.SetReadDeadline(time.Now().Add(s.cfg.LoginTimeout)); err != nil {
		log.Warn("failed to set login deadline", zap.Error(err))
		ws.Close()
		return
	}

	msgType, data, err := ws.ReadMessage()
	if err != nil {
		log.Warn("no register received", zap.Error(err))
		ws.Close()
		return
	}

	tag, msg, err := protocol.Decode(msgType == websocket.BinaryMessage, data)
	if err != nil {
		log.Warn("handshake protocol error", zap.Error(err))
		ws.Close()
		return
	}
	if tag != "Register" {
		log.Warn("expected Register, got different frame", zap.String("tag", tag))
		ws.Close()
		return
	}
	reg := msg.(protocol.Register)

	if s.cfg.AccessToken != "" && reg.AccessToken != s.cfg.AccessToken {
		log.Warn("register rejected: token mismatch", zap.String("conn_id", reg.Conn.ConnID))
		ws.Close()
		return
	}

	// --- Registered: rebind-or-insert ---

	socket := registry.NewSocket(ws)
	conn, reconnected, err := s.registry.Bind(reg.Conn.ConnID, remoteAddr, reg.Conn, reg.Proc, socket)
	if err != nil {
		log.Error("register rejected", zap.String("conn_id", reg.Conn.ConnID), zap.Error(err))
		s.recordAudit(audit.EventGroupRejected, reg.Conn.ConnID, reg.Conn.GroupID, err.Error())
		ws.Close()
		return
	}

	connID := conn.ConnID
	if reconnected {
		log.Info("connection reconnected", zap.String("conn_id", connID))
		s.recordAudit(audit.EventConnectionReconnected, connID, conn.Group(), remoteAddr)
	} else {
		log.Info("connection registered", zap.String("conn_id", connID), zap.String("group_id", reg.Conn.GroupID))
		s.recordAudit(audit.EventConnectionRegistered, connID, reg.Conn.GroupID, remoteAddr)
	}

	if err := conn.Send(protocol.Registered{}); err != nil {
		log.Warn("failed to send Registered ack", zap.String("conn_id", connID), zap.Error(err))
	}

	// --- Reading ---

	for {
		if err := ws.SetReadDeadline(time.Time{}); err != nil {
			log.Warn("failed to clear read deadline", zap.String("conn_id", connID), zap.Error(err))
			break
		}
		msgType, data, err := ws.ReadMessage()
		if err != nil {
			log.Info("connection closed", zap.String("conn_id", connID), zap.Error(err))
			break
		}

		_, msg, err := protocol.Decode(msgType == websocket.BinaryMessage, data)
		if err != nil {
			// Non-fatal at this stage: log and keep reading.
			log.Warn("protocol error while reading", zap.String("conn_id", connID), zap.Error(err))
			continue
		}

		s.tracker.OnMessage(connID, msg)
	}

	// --- Closed ---

	// Close the socket this goroutine itself bound, not whatever the
	// Connection currently points at — a concurrent reconnect may have
	// already rebound it to a new socket while this Reading loop was
	// unwinding from a read error on the old one.
	conn.CloseSocket(socket)

	// Only record closure if the connection is actually closed now — a
	// superseded handler exiting late finds the registry already rebound
	// to a newer, open socket, and must not report a closure that didn't
	// happen.
	if _, closed := conn.ClosedSince(); closed {
		s.recordAudit(audit.EventConnectionClosed, connID, conn.Group(), remoteAddr)
	}
}
