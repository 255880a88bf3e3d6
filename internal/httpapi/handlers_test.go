package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"

	"github.com/arkeep-io/procstar/internal/dispatcher"
	"github.com/arkeep-io/procstar/internal/metrics"
	"github.com/arkeep-io/procstar/internal/protocol"
	"github.com/arkeep-io/procstar/internal/registry"
	"github.com/arkeep-io/procstar/internal/tracker"
)

type fakeSocket struct {
	writes [][]byte
	closed bool
}

func (f *fakeSocket) WriteMessage(_ int, data []byte) error {
	if f.closed {
		return errClosed{}
	}
	f.writes = append(f.writes, append([]byte(nil), data...))
	return nil
}

func (f *fakeSocket) Close() error { f.closed = true; return nil }

type errClosed struct{}

func (errClosed) Error() string { return "fakeSocket: closed" }

func bindFake(t *testing.T, reg *registry.Registry, connID, group string) *fakeSocket {
	t.Helper()
	sock := &fakeSocket{}
	_, _, err := reg.Bind(connID, "10.0.0.1:1", protocol.ConnectionInfo{ConnID: connID, GroupID: group}, protocol.ProcessInfo{Pid: 123, Hostname: "h1"}, registry.NewSocket(sock))
	if err != nil {
		t.Fatal(err)
	}
	return sock
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestListAndGetConnection(t *testing.T) {
	reg := registry.New()
	trk := tracker.New(zap.NewNop())
	disp := dispatcher.New(dispatcher.Config{}, reg, trk, zap.NewNop())
	m := metrics.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	router := NewRouter(ctx, Config{Registry: reg, Tracker: trk, Dispatcher: disp, Metrics: m, Logger: zap.NewNop()})

	bindFake(t, reg, "conn-1", "red")

	rec := doJSON(t, router, http.MethodGet, "/admin/v1/connections", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var listResp struct {
		Data listConnectionsResponse `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &listResp); err != nil {
		t.Fatal(err)
	}
	if listResp.Data.Total != 1 {
		t.Fatalf("expected 1 connection, got %d", listResp.Data.Total)
	}

	rec = doJSON(t, router, http.MethodGet, "/admin/v1/connections/conn-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	rec = doJSON(t, router, http.MethodGet, "/admin/v1/connections/missing", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestStartGetDeleteProcess(t *testing.T) {
	reg := registry.New()
	trk := tracker.New(zap.NewNop())
	disp := dispatcher.New(dispatcher.Config{}, reg, trk, zap.NewNop())
	m := metrics.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	router := NewRouter(ctx, Config{Registry: reg, Tracker: trk, Dispatcher: disp, Metrics: m, Logger: zap.NewNop()})

	bindFake(t, reg, "conn-1", "red")

	rec := doJSON(t, router, http.MethodPost, "/admin/v1/processes", startProcessRequest{
		ProcID:  "proc-1",
		GroupID: "red",
		Spec:    map[string]any{"argv": []any{"echo", "hi"}},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, router, http.MethodGet, "/admin/v1/processes/proc-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	rec = doJSON(t, router, http.MethodDelete, "/admin/v1/processes/proc-1", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestStartProcessUnknownGroupNotFound(t *testing.T) {
	reg := registry.New()
	trk := tracker.New(zap.NewNop())
	disp := dispatcher.New(dispatcher.Config{}, reg, trk, zap.NewNop())
	m := metrics.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	router := NewRouter(ctx, Config{Registry: reg, Tracker: trk, Dispatcher: disp, Metrics: m, Logger: zap.NewNop()})

	rec := doJSON(t, router, http.MethodPost, "/admin/v1/processes", startProcessRequest{
		GroupID: "nonexistent",
		Spec:    map[string]any{},
	})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown group, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestPruneConnections(t *testing.T) {
	reg := registry.New()
	trk := tracker.New(zap.NewNop())
	disp := dispatcher.New(dispatcher.Config{}, reg, trk, zap.NewNop())
	m := metrics.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	router := NewRouter(ctx, Config{Registry: reg, Tracker: trk, Dispatcher: disp, Metrics: m, Logger: zap.NewNop()})

	sock := bindFake(t, reg, "conn-1", "red")
	conn, err := reg.Get("conn-1")
	if err != nil {
		t.Fatal(err)
	}
	conn.CloseSocket(conn.CurrentSocket())
	_ = sock

	rec := doJSON(t, router, http.MethodPost, "/admin/v1/connections/prune", pruneConnectionsRequest{OlderThanSeconds: 0})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for non-positive older_than_seconds, got %d", rec.Code)
	}
}

func TestReconnectProcessCreatesWithoutMessage(t *testing.T) {
	reg := registry.New()
	trk := tracker.New(zap.NewNop())
	disp := dispatcher.New(dispatcher.Config{}, reg, trk, zap.NewNop())
	m := metrics.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	router := NewRouter(ctx, Config{Registry: reg, Tracker: trk, Dispatcher: disp, Metrics: m, Logger: zap.NewNop()})

	sock := bindFake(t, reg, "conn-1", "red")

	rec := doJSON(t, router, http.MethodPost, "/admin/v1/connections/conn-1/processes/proc-9/reconnect", reconnectProcessRequest{})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(sock.writes) != 0 {
		t.Fatalf("expected no message sent to agent, got %d writes", len(sock.writes))
	}
}

func TestMetricsEndpointServesPrometheusFormat(t *testing.T) {
	reg := registry.New()
	trk := tracker.New(zap.NewNop())
	disp := dispatcher.New(dispatcher.Config{}, reg, trk, zap.NewNop())
	m := metrics.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	router := NewRouter(ctx, Config{Registry: reg, Tracker: trk, Dispatcher: disp, Metrics: m, Logger: zap.NewNop()})

	rec := doJSON(t, router, http.MethodGet, "/metrics", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestAuthenticateRejectsMissingToken(t *testing.T) {
	reg := registry.New()
	trk := tracker.New(zap.NewNop())
	disp := dispatcher.New(dispatcher.Config{}, reg, trk, zap.NewNop())
	m := metrics.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	router := NewRouter(ctx, Config{Registry: reg, Tracker: trk, Dispatcher: disp, Metrics: m, Logger: zap.NewNop(), AccessToken: "s3cret"})

	rec := doJSON(t, router, http.MethodGet, "/admin/v1/connections", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}
