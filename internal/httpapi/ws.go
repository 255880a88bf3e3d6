package httpapi

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/arkeep-io/procstar/internal/registry"
)

// runFeed watches the registry for connection lifecycle events and
// rebroadcasts them to every admin feed client. Runs until ctx is
// cancelled.
func runFeed(ctx context.Context, reg *registry.Registry, h *hub, log *zap.Logger) {
	done := make(chan struct{})
	go h.run(done)

	sub := reg.Watch()
	defer sub.Close()

	go func() {
		<-ctx.Done()
		sub.Close()
	}()

	for {
		ev, ok := sub.Next()
		if !ok {
			close(done)
			return
		}

		if ev.Conn != nil {
			h.broadcast(Message{Type: MsgConnectionUp, ConnID: ev.ConnID, GroupID: ev.Conn.Group()})
		} else {
			h.broadcast(Message{Type: MsgConnectionDown, ConnID: ev.ConnID})
		}
	}
}

// ServeFeed handles GET /admin/v1/feed, upgrading to a WebSocket that
// streams connection lifecycle events as they happen.
func (a *API) ServeFeed(w http.ResponseWriter, r *http.Request) {
	client, err := newWSClient(a.hub, w, r, a.log)
	if err != nil {
		a.log.Warn("admin feed: upgrade failed", zap.Error(err))
		return
	}
	client.run()
}
