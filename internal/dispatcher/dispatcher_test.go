package dispatcher

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/arkeep-io/procstar/internal/protocol"
	"github.com/arkeep-io/procstar/internal/registry"
	"github.com/arkeep-io/procstar/internal/tracker"
)

// fakeSocket is an in-process stand-in for registry.Socket's wire
// connection: it records every frame sent to it instead of writing to a
// real network socket, and can be toggled closed to exercise retry paths.
type fakeSocket struct {
	writes [][]byte
	closed bool
}

func (f *fakeSocket) WriteMessage(_ int, data []byte) error {
	if f.closed {
		return errClosed
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	f.writes = append(f.writes, cp)
	return nil
}

func (f *fakeSocket) Close() error {
	f.closed = true
	return nil
}

var errClosed = &closedErr{}

type closedErr struct{}

func (*closedErr) Error() string { return "fakeSocket: closed" }

func bindFake(t *testing.T, reg *registry.Registry, connID, group string) (*registry.Connection, *fakeSocket) {
	t.Helper()
	sock := &fakeSocket{}
	conn, _, err := reg.Bind(connID, "10.0.0.1:1", protocol.ConnectionInfo{ConnID: connID, GroupID: group}, protocol.ProcessInfo{}, registry.NewSocket(sock))
	if err != nil {
		t.Fatal(err)
	}
	return conn, sock
}

func TestStartSelectsRequestedGroupAndCreatesProcess(t *testing.T) {
	reg := registry.New()
	trk := tracker.New(zap.NewNop())
	d := New(Config{}, reg, trk, zap.NewNop())

	redConn, redSock := bindFake(t, reg, "red-1", "red")
	_, greenSock := bindFake(t, reg, "green-1", "green")

	proc, err := d.Start("p1", map[string]any{"argv": []any{"/bin/echo", "hi"}}, "red")
	if err != nil {
		t.Fatal(err)
	}
	if proc.ConnID != redConn.ConnID {
		t.Fatalf("process bound to %q, want %q", proc.ConnID, redConn.ConnID)
	}
	if len(redSock.writes) != 1 {
		t.Fatalf("red socket got %d writes, want 1", len(redSock.writes))
	}
	if len(greenSock.writes) != 0 {
		t.Fatal("green socket should not have received anything")
	}

	tag, msg, err := protocol.Decode(true, redSock.writes[0])
	if err != nil {
		t.Fatal(err)
	}
	if tag != "ProcStart" {
		t.Fatalf("tag = %q, want ProcStart", tag)
	}
	start := msg.(protocol.ProcStart)
	if _, ok := start.Specs["p1"]; !ok {
		t.Fatal("ProcStart did not carry the requested proc_id")
	}
}

func TestStartUnknownGroupFails(t *testing.T) {
	reg := registry.New()
	trk := tracker.New(zap.NewNop())
	d := New(Config{}, reg, trk, zap.NewNop())

	if _, err := d.Start("p1", nil, "red"); err == nil {
		t.Fatal("expected NoGroupError")
	}
}

func TestStartRetriesOnClosedSocketThenSucceeds(t *testing.T) {
	reg := registry.New()
	trk := tracker.New(zap.NewNop())
	d := New(Config{RetryMax: 2}, reg, trk, zap.NewNop())

	_, badSock := bindFake(t, reg, "bad-1", "red")
	badSock.closed = true
	_, goodSock := bindFake(t, reg, "good-1", "red")

	// Force deterministic selection: the first pick is the closed socket,
	// every later pick is the open one, so Start must re-select once.
	picks := 0
	reg.SetSelectStrategy(func(candidates []*registry.Connection) *registry.Connection {
		picks++
		want := "good-1"
		if picks == 1 {
			want = "bad-1"
		}
		for _, c := range candidates {
			if c.ConnID == want {
				return c
			}
		}
		return candidates[0]
	})

	proc, err := d.Start("p1", nil, "red")
	if err != nil {
		t.Fatal(err)
	}
	if proc.ConnID != "good-1" {
		t.Fatalf("proc bound to %q, want good-1", proc.ConnID)
	}
	if len(goodSock.writes) != 1 {
		t.Fatalf("good socket got %d writes, want 1", len(goodSock.writes))
	}
	if picks != 2 {
		t.Fatalf("Start selected %d times, want 2 (one failed send, one retry)", picks)
	}
}

func TestDeleteSendsRequestAndTrackerClearsOnReply(t *testing.T) {
	reg := registry.New()
	trk := tracker.New(zap.NewNop())
	d := New(Config{}, reg, trk, zap.NewNop())

	_, sock := bindFake(t, reg, "c1", "g1")
	proc, err := d.Start("p1", nil, "g1")
	if err != nil {
		t.Fatal(err)
	}

	if err := d.Delete("p1"); err != nil {
		t.Fatal(err)
	}
	if len(sock.writes) != 2 {
		t.Fatalf("expected ProcStart + ProcDeleteRequest, got %d writes", len(sock.writes))
	}

	// The agent's ProcDelete reply is what actually clears the tracker
	// entry, routed through the tracker like any inbound message.
	trk.OnMessage("c1", protocol.ProcDelete{ProcID: "p1"})
	if _, err := trk.Get("p1"); err == nil {
		t.Fatal("expected process removed after ProcDelete reply")
	}
	_ = proc
}

func TestGetFdDataWaitsForMatchingReply(t *testing.T) {
	reg := registry.New()
	trk := tracker.New(zap.NewNop())
	d := New(Config{}, reg, trk, zap.NewNop())

	bindFake(t, reg, "c1", "g1")
	if _, err := d.Start("p1", nil, "g1"); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	resultCh := make(chan tracker.FdChunk, 1)
	errCh := make(chan error, 1)
	go func() {
		chunk, err := d.GetFdData(ctx, "p1", "stdout", 0, nil)
		if err != nil {
			errCh <- err
			return
		}
		resultCh <- chunk
	}()

	time.Sleep(10 * time.Millisecond)
	trk.OnMessage("c1", protocol.ProcFdData{
		ProcID: "p1", Fd: "stdout", Start: 0, Stop: 14, Encoding: "utf-8", Data: []byte("Hello, world!\n"),
	})

	select {
	case chunk := <-resultCh:
		if string(chunk.Data) != "Hello, world!\n" {
			t.Fatalf("unexpected fd data: %q", chunk.Data)
		}
	case err := <-errCh:
		t.Fatal(err)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for fd data reply")
	}
}

func TestListWaitsForMatchingProcidListReply(t *testing.T) {
	reg := registry.New()
	trk := tracker.New(zap.NewNop())
	d := New(Config{}, reg, trk, zap.NewNop())

	bindFake(t, reg, "c1", "g1")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	resultCh := make(chan []string, 1)
	errCh := make(chan error, 1)
	go func() {
		procIDs, err := d.List(ctx, "c1")
		if err != nil {
			errCh <- err
			return
		}
		resultCh <- procIDs
	}()

	time.Sleep(10 * time.Millisecond)
	trk.OnMessage("c1", protocol.ProcidList{ProcIDs: []string{"p1", "p2"}})

	select {
	case procIDs := <-resultCh:
		if len(procIDs) != 2 || procIDs[0] != "p1" || procIDs[1] != "p2" {
			t.Fatalf("unexpected proc_id list: %v", procIDs)
		}
	case err := <-errCh:
		t.Fatal(err)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for ProcidList reply")
	}
}

func TestListTimesOutIfNoReplyArrives(t *testing.T) {
	reg := registry.New()
	trk := tracker.New(zap.NewNop())
	d := New(Config{}, reg, trk, zap.NewNop())

	bindFake(t, reg, "c1", "g1")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := d.List(ctx, "c1"); err == nil {
		t.Fatal("expected List to time out when no ProcidList reply arrives")
	}
}

func TestReconnectProcessCreatesIfAbsentNoMessageSent(t *testing.T) {
	reg := registry.New()
	trk := tracker.New(zap.NewNop())
	d := New(Config{}, reg, trk, zap.NewNop())

	_, sock := bindFake(t, reg, "c1", "g1")

	proc, err := d.ReconnectProcess("c1", "p1")
	if err != nil {
		t.Fatal(err)
	}
	if proc.ConnID != "c1" {
		t.Fatalf("ConnID = %q, want c1", proc.ConnID)
	}
	if len(sock.writes) != 0 {
		t.Fatal("ReconnectProcess must not send anything to the agent")
	}

	again, err := d.ReconnectProcess("c1", "p1")
	if err != nil {
		t.Fatal(err)
	}
	if again != proc {
		t.Fatal("ReconnectProcess on an already-tracked proc_id must return the same Process")
	}
}

func TestMultiGroupDispatchStaysWithinRequestedGroup(t *testing.T) {
	reg := registry.New()
	trk := tracker.New(zap.NewNop())
	d := New(Config{}, reg, trk, zap.NewNop())

	groupSizes := map[string]int{"red": 1, "green": 3, "blue": 2}
	for group, n := range groupSizes {
		for i := 0; i < n; i++ {
			bindFake(t, reg, group+string(rune('a'+i)), group)
		}
	}

	counts := map[string]int{}
	for i := 0; i < 64; i++ {
		group := []string{"red", "green", "blue"}[i%3]
		proc, err := d.Start(stringID(i), nil, group)
		if err != nil {
			t.Fatal(err)
		}
		conn, err := reg.Get(proc.ConnID)
		if err != nil {
			t.Fatal(err)
		}
		if conn.Group() != group {
			t.Fatalf("process dispatched to group %q, want %q", conn.Group(), group)
		}
		counts[group]++
	}

	if counts["red"] == 0 || counts["green"] == 0 || counts["blue"] == 0 {
		t.Fatalf("expected dispatch across all three groups, got %+v", counts)
	}
}

func stringID(i int) string {
	const hex = "0123456789abcdef"
	if i < 16 {
		return "p" + string(hex[i])
	}
	return "p" + string(hex[i/16]) + string(hex[i%16])
}
