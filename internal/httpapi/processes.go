package httpapi

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/arkeep-io/procstar/internal/dispatcher"
	"github.com/arkeep-io/procstar/internal/tracker"
)

// defaultWaitTimeout bounds how long a blocking get_fd_data request waits
// for a reply before giving up, so one slow agent can't hold an HTTP
// handler goroutine open indefinitely.
const defaultWaitTimeout = 30 * time.Second

// processResponse is the JSON representation of a tracked process.
type processResponse struct {
	ProcID  string           `json:"proc_id"`
	ConnID  string           `json:"conn_id"`
	Deleted bool             `json:"deleted"`
	Results []map[string]any `json:"results"`
	Errors  []string         `json:"errors,omitempty"`
}

func processToResponse(p *tracker.Process) processResponse {
	var results []map[string]any
	it := p.Results()
	for {
		res, ok := it.Next()
		if !ok {
			break
		}
		results = append(results, res)
	}
	return processResponse{
		ProcID:  p.ProcID,
		ConnID:  p.ConnID,
		Deleted: p.IsDeleted(),
		Results: results,
		Errors:  p.Errors(),
	}
}

// startProcessRequest is the JSON body expected by
// POST /admin/v1/processes.
type startProcessRequest struct {
	ProcID  string         `json:"proc_id"`
	GroupID string         `json:"group_id"`
	Spec    map[string]any `json:"spec"`
}

// StartProcess handles POST /admin/v1/processes. proc_id is generated if
// the caller does not supply one.
func (a *API) StartProcess(w http.ResponseWriter, r *http.Request) {
	var req startProcessRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.GroupID == "" {
		ErrBadRequest(w, "group_id is required")
		return
	}
	if req.Spec == nil {
		ErrBadRequest(w, "spec is required")
		return
	}
	if req.ProcID == "" {
		req.ProcID = uuid.NewString()
	}

	proc, err := a.dispatcher.Start(req.ProcID, req.Spec, req.GroupID)
	if err != nil {
		a.writeDispatchError(w, err)
		return
	}
	Created(w, processToResponse(proc))
}

// GetProcess handles GET /admin/v1/processes/{proc_id}.
func (a *API) GetProcess(w http.ResponseWriter, r *http.Request) {
	procID := chi.URLParam(r, "proc_id")
	proc, err := a.tracker.Get(procID)
	if err != nil {
		ErrNotFound(w, err.Error())
		return
	}
	Ok(w, processToResponse(proc))
}

// DeleteProcess handles DELETE /admin/v1/processes/{proc_id}.
func (a *API) DeleteProcess(w http.ResponseWriter, r *http.Request) {
	procID := chi.URLParam(r, "proc_id")
	if err := a.dispatcher.Delete(procID); err != nil {
		a.writeDispatchError(w, err)
		return
	}
	NoContent(w)
}

// signalProcessRequest is the JSON body expected by
// POST /admin/v1/processes/{proc_id}/signal.
type signalProcessRequest struct {
	Signum int `json:"signum"`
}

// SignalProcess handles POST /admin/v1/processes/{proc_id}/signal.
func (a *API) SignalProcess(w http.ResponseWriter, r *http.Request) {
	procID := chi.URLParam(r, "proc_id")

	var req signalProcessRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Signum <= 0 {
		ErrBadRequest(w, "signum must be a positive integer")
		return
	}

	if err := a.dispatcher.Signal(procID, req.Signum); err != nil {
		a.writeDispatchError(w, err)
		return
	}
	NoContent(w)
}

type fdDataResponse struct {
	Fd       string `json:"fd"`
	Start    int64  `json:"start"`
	Stop     int64  `json:"stop"`
	Encoding string `json:"encoding"`
	Data     string `json:"data"` // base64-encoded
}

// GetFdData handles GET /admin/v1/processes/{proc_id}/fds/{fd}. Query
// parameters start and stop bound the requested byte range; stop is
// optional ("through current end").
func (a *API) GetFdData(w http.ResponseWriter, r *http.Request) {
	procID := chi.URLParam(r, "proc_id")
	fd := chi.URLParam(r, "fd")

	var start int64
	if v := r.URL.Query().Get("start"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			ErrBadRequest(w, "invalid start")
			return
		}
		start = n
	}

	var stop *int64
	if v := r.URL.Query().Get("stop"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			ErrBadRequest(w, "invalid stop")
			return
		}
		stop = &n
	}

	ctx, cancel := context.WithTimeout(r.Context(), defaultWaitTimeout)
	defer cancel()

	chunk, err := a.dispatcher.GetFdData(ctx, procID, fd, start, stop)
	if err != nil {
		a.writeDispatchError(w, err)
		return
	}

	Ok(w, fdDataResponse{
		Fd:       chunk.Fd,
		Start:    chunk.Start,
		Stop:     chunk.Stop,
		Encoding: chunk.Encoding,
		Data:     base64.StdEncoding.EncodeToString(chunk.Data),
	})
}

type listProcessesResponse struct {
	ProcIDs []string `json:"proc_ids"`
}

// ListProcesses handles GET /admin/v1/connections/{conn_id}/processes.
func (a *API) ListProcesses(w http.ResponseWriter, r *http.Request) {
	connID := chi.URLParam(r, "conn_id")

	ctx, cancel := context.WithTimeout(r.Context(), defaultWaitTimeout)
	defer cancel()

	procIDs, err := a.dispatcher.List(ctx, connID)
	if err != nil {
		a.writeDispatchError(w, err)
		return
	}
	Ok(w, listProcessesResponse{ProcIDs: procIDs})
}

// reconnectProcessRequest is the JSON body expected by
// POST /admin/v1/connections/{conn_id}/processes/{proc_id}/reconnect.
type reconnectProcessRequest struct{}

// ReconnectProcess handles
// POST /admin/v1/connections/{conn_id}/processes/{proc_id}/reconnect.
// Create-if-absent: no message is sent to the agent.
func (a *API) ReconnectProcess(w http.ResponseWriter, r *http.Request) {
	connID := chi.URLParam(r, "conn_id")
	procID := chi.URLParam(r, "proc_id")

	proc, err := a.dispatcher.ReconnectProcess(connID, procID)
	if err != nil {
		a.writeDispatchError(w, err)
		return
	}
	Ok(w, processToResponse(proc))
}

// writeDispatchError maps a dispatcher error to the appropriate HTTP
// status and envelope.
func (a *API) writeDispatchError(w http.ResponseWriter, err error) {
	switch {
	case errors.As(err, new(*dispatcher.NoGroupError)),
		errors.As(err, new(*dispatcher.NoConnectionError)),
		errors.As(err, new(*dispatcher.NoProcessError)):
		ErrNotFound(w, err.Error())
	case errors.As(err, new(*dispatcher.NoOpenConnectionInGroup)):
		ErrConflict(w, err.Error())
	case errors.Is(err, dispatcher.TransportClosed):
		ErrUnprocessable(w, err.Error())
	default:
		a.log.Error("dispatch error", zap.Error(err))
		ErrInternal(w)
	}
}
