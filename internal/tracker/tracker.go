// Package tracker holds Process records keyed by proc_id and routes
// inbound per-process agent messages (ProcResult, ProcFdData, ProcDelete,
// ProcUnknown, IncomingMessageError) to the right one, fanning results out
// to whatever is waiting on that process.
package tracker

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/arkeep-io/procstar/internal/protocol"
)

// Tracker is the server's table of tracked processes. Safe for concurrent
// use.
//
// The zero value is not usable — create instances with New.
type Tracker struct {
	mu    sync.RWMutex
	procs map[string]*Process
	log   *zap.Logger

	procidListWaiters map[string]map[chan []string]struct{}
}

// New returns an empty Tracker.
func New(log *zap.Logger) *Tracker {
	return &Tracker{
		procs:             make(map[string]*Process),
		log:               log.Named("tracker"),
		procidListWaiters: make(map[string]map[chan []string]struct{}),
	}
}

// WaitProcidList blocks until the next ProcidList reply from connID
// arrives, or until ctx is done. Mirrors Process.WaitFdData: a waiter
// registered before the reply resolves to it; one registered after a
// reply already landed sees only the next one, never the one just
// delivered.
func (t *Tracker) WaitProcidList(ctx context.Context, connID string) ([]string, error) {
	ch := make(chan []string, 1)
	t.mu.Lock()
	set := t.procidListWaiters[connID]
	if set == nil {
		set = make(map[chan []string]struct{})
		t.procidListWaiters[connID] = set
	}
	set[ch] = struct{}{}
	t.mu.Unlock()

	select {
	case procIDs := <-ch:
		return procIDs, nil
	case <-ctx.Done():
		t.mu.Lock()
		delete(t.procidListWaiters[connID], ch)
		t.mu.Unlock()
		return nil, ctx.Err()
	}
}

// awakeProcidList delivers procIDs to every WaitProcidList caller
// currently registered for connID, atomically with respect to new
// waiters the same way Process.awake is for per-process waiters.
func (t *Tracker) awakeProcidList(connID string, procIDs []string) {
	t.mu.Lock()
	waiters := t.procidListWaiters[connID]
	delete(t.procidListWaiters, connID)
	t.mu.Unlock()

	out := make([]string, len(procIDs))
	copy(out, procIDs)
	for ch := range waiters {
		ch <- out
	}
}

// Create registers a new process, started by the dispatcher on connID.
// proc_id must not already be tracked.
func (t *Tracker) Create(connID, procID string) *Process {
	t.mu.Lock()
	defer t.mu.Unlock()
	proc := newProcess(connID, procID)
	t.procs[procID] = proc
	return proc
}

// Get returns the tracked process for proc_id.
func (t *Tracker) Get(procID string) (*Process, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	proc, ok := t.procs[procID]
	if !ok {
		return nil, &NoProcessError{ProcID: procID}
	}
	return proc, nil
}

// getOrCreate returns the tracked process for proc_id, creating it
// (attributed to connID) if the tracker has never seen it before — this
// happens when the agent reports a proc_id the server didn't itself
// start, e.g. in the ProcidList sent right after a reconnect.
func (t *Tracker) getOrCreate(connID, procID string) *Process {
	t.mu.Lock()
	defer t.mu.Unlock()
	proc, ok := t.procs[procID]
	if ok {
		return proc
	}
	proc = newProcess(connID, procID)
	t.procs[procID] = proc
	return proc
}

// List returns a snapshot of every tracked proc_id.
func (t *Tracker) List() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.procs))
	for id := range t.procs {
		out = append(out, id)
	}
	return out
}

// remove deletes proc_id from the tracker. Subsequent Get calls fail.
func (t *Tracker) remove(procID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.procs, procID)
}

// OnMessage routes one inbound message received on connID to the process
// (or processes) it concerns. Register is never valid here — it is only
// legal as the very first frame on a connection, handled by the
// connection handler before messages reach the tracker at all.
func (t *Tracker) OnMessage(connID string, msg protocol.Message) {
	switch m := msg.(type) {
	case protocol.ProcidList:
		for _, procID := range m.ProcIDs {
			t.getOrCreate(connID, procID)
		}
		t.awakeProcidList(connID, m.ProcIDs)

	case protocol.ProcResult:
		proc := t.getOrCreate(connID, m.ProcID)
		proc.mu.Lock()
		proc.results = append(proc.results, m.Res)
		proc.mu.Unlock()
		proc.awake(Event{Result: m.Res})

	case protocol.ProcFdData:
		proc := t.getOrCreate(connID, m.ProcID)
		proc.pushFdData(FdChunk{
			Fd:       m.Fd,
			Start:    m.Start,
			Stop:     m.Stop,
			Encoding: m.Encoding,
			Data:     m.Data,
		})

	case protocol.ProcDelete:
		proc := t.getOrCreate(connID, m.ProcID)
		t.remove(m.ProcID)
		proc.mu.Lock()
		proc.deleted = true
		proc.mu.Unlock()
		proc.awake(Event{Deleted: true})

	case protocol.ProcUnknown:
		proc := t.getOrCreate(connID, m.ProcID)
		proc.mu.Lock()
		proc.errs = append(proc.errs, "agent does not recognize process "+m.ProcID)
		proc.mu.Unlock()
		proc.awake(Event{Err: "agent does not recognize process " + m.ProcID})

	case protocol.IncomingMessageError:
		t.log.Warn("agent reported message error", zap.Any("msg", m.Msg), zap.String("err", m.Err))
		if procID, ok := m.Msg["proc_id"].(string); ok {
			proc := t.getOrCreate(connID, procID)
			proc.mu.Lock()
			proc.errs = append(proc.errs, m.Err)
			proc.mu.Unlock()
			proc.awake(Event{Err: m.Err})
		}

	case protocol.Register:
		t.log.Error("unexpected Register outside handshake", zap.String("conn_id", connID))

	default:
		t.log.Warn("unhandled inbound message", zap.String("conn_id", connID), zap.String("tag", msg.Tag()))
	}
}
