// Package dispatcher implements the public API: start, delete, signal,
// get_fd_data, list, and reconnect_process. Every operation here selects
// a connection (directly or via an already-tracked process), sends a
// typed request, and either returns immediately or waits for the
// matching reply.
package dispatcher

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/arkeep-io/procstar/internal/audit"
	"github.com/arkeep-io/procstar/internal/metrics"
	"github.com/arkeep-io/procstar/internal/protocol"
	"github.com/arkeep-io/procstar/internal/registry"
	"github.com/arkeep-io/procstar/internal/tracker"
)

// DefaultRetryMax is the default number of times Start re-selects a
// connection after a send failure before surfacing TransportClosed.
const DefaultRetryMax = 3

// Dispatcher is the server's single caller-facing API surface, wrapping
// the registry and tracker with the typed request/response operations
// agents expect.
type Dispatcher struct {
	registry   *registry.Registry
	tracker    *tracker.Tracker
	retryMax   int
	metrics    *metrics.Metrics
	auditStore *audit.Store
	log        *zap.Logger
}

// Config controls dispatch behavior.
type Config struct {
	// RetryMax bounds how many times Start re-selects a connection after
	// a send failure. Zero means DefaultRetryMax.
	RetryMax int

	// Metrics, if non-nil, receives a DispatchTotal/DispatchDuration
	// observation for every operation below.
	Metrics *metrics.Metrics

	// AuditStore, if non-nil, receives a record of every dispatch
	// operation (start/delete/signal) and its outcome.
	AuditStore *audit.Store
}

// New builds a Dispatcher over the given Registry and Tracker.
func New(cfg Config, reg *registry.Registry, trk *tracker.Tracker, log *zap.Logger) *Dispatcher {
	retryMax := cfg.RetryMax
	if retryMax == 0 {
		retryMax = DefaultRetryMax
	}
	return &Dispatcher{
		registry:   reg,
		tracker:    trk,
		retryMax:   retryMax,
		metrics:    cfg.Metrics,
		auditStore: cfg.AuditStore,
		log:        log.Named("dispatcher"),
	}
}

// observe records op's outcome and latency if metrics are configured.
func (d *Dispatcher) observe(op string, started time.Time, err error) {
	if d.metrics == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	d.metrics.ObserveDispatch(op, result, time.Since(started).Seconds())
}

// recordAudit appends a dispatch event if an audit store is configured.
// Best-effort, like wsserver's equivalent: never blocks or fails a dispatch.
func (d *Dispatcher) recordAudit(kind audit.EventKind, procID, connID, detail string) {
	if d.auditStore == nil {
		return
	}
	ev := audit.Event{Kind: kind, ProcID: procID, ConnID: connID, Detail: detail}
	if err := d.auditStore.Record(context.Background(), ev); err != nil {
		d.log.Warn("audit: record failed", zap.String("proc_id", procID), zap.Error(err))
	}
}

// Start selects a connection in group, sends it a ProcStart for procID
// with the given opaque spec, and creates the corresponding tracker
// entry. If the send fails because the socket closed between selection
// and send, Start re-selects up to RetryMax times before surfacing
// TransportClosed. The tracker entry is created only after a successful
// send, so an exhausted retry leaves no orphaned process record.
func (d *Dispatcher) Start(procID string, spec map[string]any, group string) (proc *tracker.Process, err error) {
	started := time.Now()
	defer func() { d.observe("start", started, err) }()

	var lastErr error
	for attempt := 0; attempt <= d.retryMax; attempt++ {
		conn, err := d.registry.Choose(group)
		if err != nil {
			return nil, err
		}

		err = conn.Send(protocol.ProcStart{Specs: map[string]map[string]any{procID: spec}})
		if err == nil {
			created := d.tracker.Create(conn.ConnID, procID)
			d.recordAudit(audit.EventDispatchStart, procID, conn.ConnID, group)
			return created, nil
		}

		lastErr = err
		d.log.Warn("start: send failed, re-selecting",
			zap.String("proc_id", procID), zap.String("group_id", group),
			zap.Int("attempt", attempt), zap.Error(err))
	}
	d.log.Error("start: retries exhausted", zap.String("proc_id", procID), zap.Error(lastErr))
	d.recordAudit(audit.EventDispatchFailed, procID, "", fmt.Sprintf("start: %v", lastErr))
	return nil, TransportClosed
}

// Delete looks up procID's owning connection and asks the agent to tear
// it down. The tracker entry is cleared only when the agent replies with
// ProcDelete, routed through Tracker.OnMessage like any other inbound
// message — Delete itself just sends the request.
func (d *Dispatcher) Delete(procID string) (err error) {
	started := time.Now()
	defer func() { d.observe("delete", started, err) }()

	proc, err := d.tracker.Get(procID)
	if err != nil {
		return err
	}
	conn, err := d.registry.Get(proc.ConnID)
	if err != nil {
		return err
	}
	if err := conn.Send(protocol.ProcDeleteRequest{ProcID: procID}); err != nil {
		d.recordAudit(audit.EventDispatchFailed, procID, conn.ConnID, fmt.Sprintf("delete: %v", err))
		return TransportClosed
	}
	d.recordAudit(audit.EventDispatchDelete, procID, conn.ConnID, "")
	return nil
}

// Signal asks procID's owning agent to deliver signum.
func (d *Dispatcher) Signal(procID string, signum int) (err error) {
	started := time.Now()
	defer func() { d.observe("signal", started, err) }()

	proc, err := d.tracker.Get(procID)
	if err != nil {
		return err
	}
	conn, err := d.registry.Get(proc.ConnID)
	if err != nil {
		return err
	}
	if err := conn.Send(protocol.ProcSignalRequest{ProcID: procID, Signum: signum}); err != nil {
		d.recordAudit(audit.EventDispatchFailed, procID, conn.ConnID, fmt.Sprintf("signal %d: %v", signum, err))
		return TransportClosed
	}
	d.recordAudit(audit.EventDispatchSignal, procID, conn.ConnID, fmt.Sprintf("signum=%d", signum))
	return nil
}

// GetFdData requests a [start, stop) byte range of fd from procID's
// owning agent and waits for the matching ProcFdData reply. A nil stop
// means "through the current end". ctx bounds the wait — callers must
// not pass a context with no deadline.
func (d *Dispatcher) GetFdData(ctx context.Context, procID, fd string, start int64, stop *int64) (chunk tracker.FdChunk, err error) {
	started := time.Now()
	defer func() { d.observe("get_fd_data", started, err) }()

	proc, err := d.tracker.Get(procID)
	if err != nil {
		return tracker.FdChunk{}, err
	}
	conn, err := d.registry.Get(proc.ConnID)
	if err != nil {
		return tracker.FdChunk{}, err
	}

	if err := conn.Send(protocol.ProcFdDataRequest{ProcID: procID, Fd: fd, Start: start, Stop: stop}); err != nil {
		return tracker.FdChunk{}, TransportClosed
	}

	chunk, err = proc.WaitFdData(ctx, fd)
	if err != nil {
		return tracker.FdChunk{}, err
	}
	return chunk, nil
}

// List asks connID's agent for its full proc_id list and waits for the
// next ProcidList reply from that agent, returning exactly what it
// reports. ctx bounds the wait — callers must not pass a context with no
// deadline.
func (d *Dispatcher) List(ctx context.Context, connID string) (procIDsResult []string, err error) {
	started := time.Now()
	defer func() { d.observe("list", started, err) }()

	conn, err := d.registry.Get(connID)
	if err != nil {
		return nil, err
	}
	if err := conn.Send(protocol.ProcidListRequest{}); err != nil {
		return nil, TransportClosed
	}

	procIDs, err := d.tracker.WaitProcidList(ctx, connID)
	if err != nil {
		return nil, err
	}
	return procIDs, nil
}

// ReconnectProcess creates a tracker entry for a process that is already
// running on connID but was unknown to this server instance — e.g. after
// a server restart loses its in-memory tracker state while the agent
// keeps running. No message is sent to the agent. It fails with
// NoConnectionError if connID is not registered. If procID is already
// tracked, the existing entry is returned unchanged; otherwise a new entry
// bound to connID is created and receives whatever the agent sends for
// that proc_id from this point on.
func (d *Dispatcher) ReconnectProcess(connID, procID string) (*tracker.Process, error) {
	if _, err := d.registry.Get(connID); err != nil {
		return nil, err
	}
	if proc, err := d.tracker.Get(procID); err == nil {
		return proc, nil
	}
	return d.tracker.Create(connID, procID), nil
}
