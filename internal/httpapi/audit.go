package httpapi

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/arkeep-io/procstar/internal/audit"
)

// defaultAuditLimit caps how many events a single audit listing returns
// when the caller doesn't specify limit, matching ListByConn/ListByProc's
// own signature.
const defaultAuditLimit = 100

// auditEventResponse is the JSON representation of one audit.Event.
type auditEventResponse struct {
	ID        uint   `json:"id"`
	CreatedAt string `json:"created_at"`
	Kind      string `json:"kind"`
	ConnID    string `json:"conn_id,omitempty"`
	ProcID    string `json:"proc_id,omitempty"`
	GroupID   string `json:"group_id,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

func auditEventToResponse(ev audit.Event) auditEventResponse {
	return auditEventResponse{
		ID:        ev.ID,
		CreatedAt: ev.CreatedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
		Kind:      string(ev.Kind),
		ConnID:    ev.ConnID,
		ProcID:    ev.ProcID,
		GroupID:   ev.GroupID,
		Detail:    ev.Detail,
	}
}

type listAuditEventsResponse struct {
	Items []auditEventResponse `json:"items"`
}

func auditLimitFromQuery(r *http.Request) int {
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return defaultAuditLimit
}

// ListConnectionAuditEvents handles GET /admin/v1/connections/{conn_id}/audit.
// Returns 404 if no audit store is configured — there is nothing to query.
func (a *API) ListConnectionAuditEvents(w http.ResponseWriter, r *http.Request) {
	if a.auditStore == nil {
		ErrNotFound(w, "audit log not configured")
		return
	}
	connID := chi.URLParam(r, "conn_id")

	events, err := a.auditStore.ListByConn(r.Context(), connID, auditLimitFromQuery(r))
	if err != nil {
		a.log.Error("audit: list by conn failed", zap.String("conn_id", connID), zap.Error(err))
		ErrInternal(w)
		return
	}

	items := make([]auditEventResponse, len(events))
	for i, ev := range events {
		items[i] = auditEventToResponse(ev)
	}
	Ok(w, listAuditEventsResponse{Items: items})
}

// ListProcessAuditEvents handles GET /admin/v1/processes/{proc_id}/audit.
func (a *API) ListProcessAuditEvents(w http.ResponseWriter, r *http.Request) {
	if a.auditStore == nil {
		ErrNotFound(w, "audit log not configured")
		return
	}
	procID := chi.URLParam(r, "proc_id")

	events, err := a.auditStore.ListByProc(r.Context(), procID, auditLimitFromQuery(r))
	if err != nil {
		a.log.Error("audit: list by proc failed", zap.String("proc_id", procID), zap.Error(err))
		ErrInternal(w)
		return
	}

	items := make([]auditEventResponse, len(events))
	for i, ev := range events {
		items[i] = auditEventToResponse(ev)
	}
	Ok(w, listAuditEventsResponse{Items: items})
}
