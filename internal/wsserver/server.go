// Package wsserver implements the Connection Handler: the per-socket
// state machine that accepts agent WebSocket connections, performs the
// Register handshake, and feeds subsequent frames to the Process
// Tracker.
//
// Only binary frames carrying a MessagePack-encoded map are accepted —
// text frames are always a protocol error.
package wsserver

import (
	"context"
	"crypto/tls"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/arkeep-io/procstar/internal/audit"
	"github.com/arkeep-io/procstar/internal/registry"
	"github.com/arkeep-io/procstar/internal/tracker"
)

// Config controls the handshake and transport policy of a Server.
type Config struct {
	// ListenAddr is host:port to bind. An empty host binds all interfaces.
	ListenAddr string

	// TLSCertFile / TLSKeyFile are required — the wire protocol is
	// WebSocket over TLS only.
	TLSCertFile string
	TLSKeyFile  string

	// AccessToken is the shared bearer token agents must present in
	// Register. An empty token disables the check.
	AccessToken string

	// LoginTimeout bounds how long the server waits for the Register
	// frame after accept. Zero means the spec default of 60s.
	LoginTimeout time.Duration

	// AuditStore, if non-nil, receives a record of every connection
	// lifecycle event (registered, reconnected, group-rejected, closed).
	AuditStore *audit.Store
}

const defaultLoginTimeout = 60 * time.Second

// Server accepts agent WebSocket connections and drives each one through
// the AwaitRegister -> Registered -> Reading -> Closed state machine.
type Server struct {
	cfg      Config
	registry *registry.Registry
	tracker  *tracker.Tracker
	log      *zap.Logger

	upgrader websocket.Upgrader
	http     *http.Server
}

// New builds a Server wired to the given Registry and Tracker. Both are
// shared with the rest of the process (dispatcher, httpapi).
func New(cfg Config, reg *registry.Registry, trk *tracker.Tracker, log *zap.Logger) *Server {
	if cfg.LoginTimeout == 0 {
		cfg.LoginTimeout = defaultLoginTimeout
	}

	s := &Server{
		cfg:      cfg,
		registry: reg,
		tracker:  trk,
		log:      log.Named("wsserver"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Agents are not browsers; there is no cross-origin concern.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleUpgrade)
	s.http = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}
	return s
}

// recordAudit appends a connection lifecycle event if an audit store is
// configured. Best-effort: a failure here is logged, never surfaced to the
// caller — recording history must never block or break dispatch.
func (s *Server) recordAudit(kind audit.EventKind, connID, groupID, detail string) {
	if s.cfg.AuditStore == nil {
		return
	}
	ev := audit.Event{Kind: kind, ConnID: connID, GroupID: groupID, Detail: detail}
	if err := s.cfg.AuditStore.Record(context.Background(), ev); err != nil {
		s.log.Warn("audit: record failed", zap.String("conn_id", connID), zap.Error(err))
	}
}

// ListenAndServeTLS blocks, serving agent connections until the server is
// shut down or accept fails fatally.
func (s *Server) ListenAndServeTLS() error {
	return s.http.ListenAndServeTLS(s.cfg.TLSCertFile, s.cfg.TLSKeyFile)
}

// Shutdown gracefully stops accepting new connections. Already-accepted
// connections continue running their per-socket goroutines until the
// agent disconnects.
func (s *Server) Shutdown() error {
	return s.http.Close()
}

// TLSConfig is exposed for callers (cmd/procstar-server) that want to
// build the *tls.Config themselves, e.g. for client-cert verification.
// Returns nil here: the stdlib ListenAndServeTLS path loads the
// cert/key pair directly from cfg.TLSCertFile/TLSKeyFile.
func (s *Server) TLSConfig() *tls.Config { return nil }

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	remoteAddr := r.RemoteAddr
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.String("remote_addr", remoteAddr), zap.Error(err))
		return
	}

	go s.serveConnection(ws, remoteAddr)
}
