package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/arkeep-io/procstar/internal/registry"
)

// connectionResponse is the JSON representation of a registered
// connection returned by the admin API.
type connectionResponse struct {
	ConnID     string `json:"conn_id"`
	GroupID    string `json:"group_id"`
	RemoteAddr string `json:"remote_addr"`
	Open       bool   `json:"open"`
	Pid        int    `json:"pid"`
	Hostname   string `json:"hostname"`
	Username   string `json:"username"`
}

func connectionToResponse(c *registry.Connection) connectionResponse {
	proc := c.ProcessInfo()
	return connectionResponse{
		ConnID:     c.ConnID,
		GroupID:    c.Group(),
		RemoteAddr: c.RemoteAddr(),
		Open:       c.IsOpen(),
		Pid:        proc.Pid,
		Hostname:   proc.Hostname,
		Username:   proc.Username,
	}
}

type listConnectionsResponse struct {
	Items []connectionResponse `json:"items"`
	Total int                  `json:"total"`
}

// ListConnections handles GET /admin/v1/connections.
func (a *API) ListConnections(w http.ResponseWriter, r *http.Request) {
	conns := a.registry.Connections()
	items := make([]connectionResponse, len(conns))
	for i, c := range conns {
		items[i] = connectionToResponse(c)
	}
	Ok(w, listConnectionsResponse{Items: items, Total: len(items)})
}

// GetConnection handles GET /admin/v1/connections/{conn_id}.
func (a *API) GetConnection(w http.ResponseWriter, r *http.Request) {
	connID := chi.URLParam(r, "conn_id")
	conn, err := a.registry.Get(connID)
	if err != nil {
		ErrNotFound(w, err.Error())
		return
	}
	Ok(w, connectionToResponse(conn))
}

// pruneConnectionsRequest is the JSON body expected by
// POST /admin/v1/connections/prune.
type pruneConnectionsRequest struct {
	OlderThanSeconds int `json:"older_than_seconds"`
}

type pruneConnectionsResponse struct {
	Removed int `json:"removed"`
}

// PruneConnections handles POST /admin/v1/connections/prune. It is the
// operator-invoked connection GC — the server never removes a closed
// connection on its own, matching the decision that a connection record
// lives until explicitly pruned.
func (a *API) PruneConnections(w http.ResponseWriter, r *http.Request) {
	var req pruneConnectionsRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.OlderThanSeconds <= 0 {
		ErrBadRequest(w, "older_than_seconds must be positive")
		return
	}

	removed := a.registry.Prune(time.Duration(req.OlderThanSeconds) * time.Second)
	a.log.Info("connections pruned via admin api", zap.Int("removed", removed))
	Ok(w, pruneConnectionsResponse{Removed: removed})
}
