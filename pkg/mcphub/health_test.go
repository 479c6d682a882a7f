package mcphub

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// TestMain lets the test binary double as a stdio MCP backend: with the
// marker variable set the process serves MCP on stdin/stdout instead of
// running the suite, so tests can spawn a real child process without an
// external server binary.
func TestMain(m *testing.M) {
	if os.Getenv("MCPHUB_STDIO_BACKEND") == "1" {
		runStdioBackend()
		return
	}
	os.Exit(m.Run())
}

// runStdioBackend serves echo plus a quit tool that exits the process
// shortly after replying, leaving the hub with a dead session.
func runStdioBackend() {
	srv := newBackendServer("alpha")
	addEchoTool(srv, "alpha", "echo")
	mcp.AddTool(srv, &mcp.Tool{Name: "quit", Description: "exit the backend process"},
		func(_ context.Context, _ *mcp.CallToolRequest, _ echoArgs) (*mcp.CallToolResult, any, error) {
			time.AfterFunc(250*time.Millisecond, func() { os.Exit(1) })
			return &mcp.CallToolResult{
				Content: []mcp.Content{&mcp.TextContent{Text: "quitting"}},
			}, nil, nil
		})
	if err := srv.Run(context.Background(), &mcp.StdioTransport{}); err != nil {
		os.Exit(1)
	}
}

func TestSupervisorDegradedBackendKeepsServing(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping supervisor test in short mode")
	}

	srv := newBackendServer("alpha")
	addEchoTool(srv, "alpha", "echo")
	flaky := newFlakyListProxy(srv)
	hs := httptest.NewServer(flaky)
	t.Cleanup(hs.Close)

	recorder := &stateRecorder{}
	m := newTestManager(t, &Options{
		HealthInterval:     40 * time.Millisecond,
		ProbeTimeout:       2 * time.Second,
		UnhealthyThreshold: 1000,
		Observer:           recorder,
	})
	ctx := context.Background()
	if err := m.AddBackend(ctx, BackendConfig{Name: "alpha", URL: hs.URL}); err != nil {
		t.Fatalf("AddBackend: %v", err)
	}
	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	flaky.failing.Store(true)
	waitFor(t, 10*time.Second, func() bool {
		return m.Status()[0].State == StateDegraded
	}, "backend never degraded")

	if tools := toolNames(m.ListTools()); !reflect.DeepEqual(tools, []string{"alpha__echo"}) {
		t.Fatalf("degraded backend lost its catalog entries: %v", tools)
	}
	res, err := m.CallTool(ctx, "alpha__echo", map[string]any{"text": "still here"})
	if err != nil {
		t.Fatalf("CallTool while degraded: %v", err)
	}
	if got := resultText(t, res); got != "alpha:still here" {
		t.Fatalf("unexpected reply %q", got)
	}
	if st := m.Status()[0]; st.ProbeFailures == 0 || st.LastError == "" {
		t.Fatalf("degraded status not reported: %+v", st)
	}

	flaky.failing.Store(false)
	waitFor(t, 10*time.Second, func() bool {
		st := m.Status()[0]
		return st.State == StateConnected && st.ProbeFailures == 0
	}, "backend never recovered")

	if !recorder.saw(StateConnected, StateDegraded) || !recorder.saw(StateDegraded, StateConnected) {
		t.Fatalf("missing degrade or recover transition: %v", recorder.all())
	}
}

func TestSupervisorTripsThresholdThenReconnects(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping supervisor test in short mode")
	}

	srv := newBackendServer("alpha")
	addEchoTool(srv, "alpha", "echo")
	flaky := newFlakyListProxy(srv)
	hs := httptest.NewServer(flaky)
	t.Cleanup(hs.Close)

	recorder := &stateRecorder{}
	m := newTestManager(t, &Options{
		HealthInterval:       40 * time.Millisecond,
		ProbeTimeout:         2 * time.Second,
		UnhealthyThreshold:   2,
		MaxReconnectAttempts: 100,
		Backoff: BackoffConfig{
			InitialInterval: 50 * time.Millisecond,
			MaxInterval:     100 * time.Millisecond,
			Multiplier:      2,
		},
		Observer: recorder,
	})
	ctx := context.Background()
	if err := m.AddBackend(ctx, BackendConfig{Name: "alpha", URL: hs.URL}); err != nil {
		t.Fatalf("AddBackend: %v", err)
	}
	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	flaky.failing.Store(true)
	waitFor(t, 10*time.Second, func() bool {
		return m.Status()[0].State == StateDisconnected && len(m.ListTools()) == 0
	}, "unhealthy backend never disconnected")

	flaky.failing.Store(false)
	waitFor(t, 10*time.Second, func() bool {
		return m.Status()[0].State == StateConnected &&
			reflect.DeepEqual(toolNames(m.ListTools()), []string{"alpha__echo"})
	}, "backend never came back")

	if !recorder.saw(StateConnected, StateDegraded) || !recorder.saw(StateDegraded, StateDisconnected) {
		t.Fatalf("missing threshold transitions: %v", recorder.all())
	}
}

func TestSupervisorMarksBackendFailedAfterBudget(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping supervisor test in short mode")
	}

	dead := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	deadURL := dead.URL
	dead.Close()

	m := newTestManager(t, &Options{
		HealthInterval:       25 * time.Millisecond,
		ConnectTimeout:       2 * time.Second,
		MaxReconnectAttempts: 2,
		Backoff: BackoffConfig{
			InitialInterval: 10 * time.Millisecond,
			MaxInterval:     20 * time.Millisecond,
			Multiplier:      2,
		},
	})
	events := make(chan Event, 16)
	cancel := m.Subscribe(func(ev Event) { events <- ev })
	defer cancel()

	ctx := context.Background()
	if err := m.AddBackend(ctx, BackendConfig{Name: "alpha", URL: deadURL}); !errors.Is(err, ErrConnectionFailed) {
		t.Fatalf("AddBackend to dead endpoint = %v", err)
	}
	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitFor(t, 20*time.Second, func() bool {
		return m.Status()[0].State == StateFailed
	}, "backend never exhausted its reconnect budget")

	deadline := time.After(5 * time.Second)
waitEvent:
	for {
		select {
		case ev := <-events:
			if failed, ok := ev.(BackendFailed); ok {
				if failed.Name != "alpha" || failed.Err == nil {
					t.Fatalf("unexpected failure event: %+v", failed)
				}
				break waitEvent
			}
		case <-deadline:
			t.Fatalf("backend failure event not delivered")
		}
	}

	if err := m.ConnectAll(ctx); err != nil {
		t.Fatalf("ConnectAll: %v", err)
	}
	if st := m.Status()[0]; st.State != StateFailed {
		t.Fatalf("ConnectAll must skip failed backends, state = %s", st.State)
	}

	if err := m.RemoveBackend(ctx, "alpha"); err != nil {
		t.Fatalf("RemoveBackend: %v", err)
	}
	if err := m.AddBackend(ctx, BackendConfig{Name: "alpha", URL: deadURL}); !errors.Is(err, ErrConnectionFailed) {
		t.Fatalf("re-added backend connect = %v", err)
	}
	if st := m.Status()[0]; st.State != StateDisconnected {
		t.Fatalf("re-added backend must start with a fresh budget, state = %s", st.State)
	}
}

func TestSupervisorRecoversAfterBackendRestart(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping supervisor test in short mode")
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()

	first := newBackendServer("alpha")
	addEchoTool(first, "alpha", "echo")
	hs1 := &http.Server{Handler: mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return first }, nil)}
	go func() { _ = hs1.Serve(ln) }()
	t.Cleanup(func() { _ = hs1.Close() })

	m := newTestManager(t, &Options{
		HealthInterval:       40 * time.Millisecond,
		ProbeTimeout:         2 * time.Second,
		ConnectTimeout:       2 * time.Second,
		MaxReconnectAttempts: 1000,
		Backoff: BackoffConfig{
			InitialInterval: 25 * time.Millisecond,
			MaxInterval:     100 * time.Millisecond,
			Multiplier:      2,
		},
	})
	ctx := context.Background()
	if err := m.AddBackend(ctx, BackendConfig{Name: "alpha", URL: "http://" + addr}); err != nil {
		t.Fatalf("AddBackend: %v", err)
	}
	if len(m.ListTools()) != 1 {
		t.Fatalf("backend tools missing before restart")
	}
	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	_ = hs1.Close()
	waitFor(t, 15*time.Second, func() bool {
		return len(m.ListTools()) == 0
	}, "dead backend entries never retired")

	var ln2 net.Listener
	waitFor(t, 5*time.Second, func() bool {
		l, lerr := net.Listen("tcp", addr)
		if lerr != nil {
			return false
		}
		ln2 = l
		return true
	}, "backend address never freed for rebind")

	second := newBackendServer("alpha")
	addEchoTool(second, "alpha", "echo")
	addEchoTool(second, "alpha", "shout")
	hs2 := &http.Server{Handler: mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return second }, nil)}
	go func() { _ = hs2.Serve(ln2) }()
	t.Cleanup(func() { _ = hs2.Close() })

	waitFor(t, 20*time.Second, func() bool {
		return reflect.DeepEqual(toolNames(m.ListTools()), []string{"alpha__echo", "alpha__shout"})
	}, "restarted backend never rejoined the catalog")

	if st := m.Status()[0]; st.State != StateConnected {
		t.Fatalf("state after restart = %s", st.State)
	}
	res, err := m.CallTool(ctx, "alpha__shout", map[string]any{"text": "back"})
	if err != nil {
		t.Fatalf("CallTool after restart: %v", err)
	}
	if got := resultText(t, res); got != "alpha:back" {
		t.Fatalf("unexpected reply %q", got)
	}
}

func TestCrashedBackendFailsFastKeepsSibling(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping child process test in short mode")
	}

	bravo := newBackendServer("bravo")
	addEchoTool(bravo, "bravo", "echo")
	bravoSrv := serveBackend(t, bravo)

	// No Start call: the death must be observed by the session monitor, not
	// by a probe, and nothing rebuilds the catalog until a probe runs.
	m := newTestManager(t, nil)
	ctx := context.Background()
	if err := m.AddBackend(ctx, BackendConfig{
		Name:    "alpha",
		Command: os.Args[0],
		Env:     map[string]string{"MCPHUB_STDIO_BACKEND": "1"},
	}); err != nil {
		t.Fatalf("AddBackend(alpha): %v", err)
	}
	if err := m.AddBackend(ctx, BackendConfig{Name: "bravo", URL: bravoSrv.URL}); err != nil {
		t.Fatalf("AddBackend(bravo): %v", err)
	}

	wantTools := []string{"alpha__echo", "alpha__quit", "bravo__echo"}
	if got := toolNames(m.ListTools()); !reflect.DeepEqual(got, wantTools) {
		t.Fatalf("catalog = %v, expected %v", got, wantTools)
	}
	res, err := m.CallTool(ctx, "alpha__echo", map[string]any{"text": "hi"})
	if err != nil {
		t.Fatalf("CallTool before the crash: %v", err)
	}
	if got := resultText(t, res); got != "alpha:hi" {
		t.Fatalf("unexpected reply %q", got)
	}

	if _, err := m.CallTool(ctx, "alpha__quit", map[string]any{"text": "bye"}); err != nil {
		t.Fatalf("CallTool(quit): %v", err)
	}
	waitFor(t, 10*time.Second, func() bool {
		return m.Status()[0].State == StateDisconnected
	}, "session monitor never observed the process exit")

	// Catalog retirement belongs to the next probe; between the death and
	// that probe the entries are still listed and calls fail fast.
	if got := toolNames(m.ListTools()); !reflect.DeepEqual(got, wantTools) {
		t.Fatalf("catalog rebuilt before any probe ran: %v", got)
	}
	if _, err := m.CallTool(ctx, "alpha__echo", map[string]any{"text": "hi"}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("call to crashed backend = %v, expected ErrNotConnected", err)
	}
	if st := m.Status()[0]; st.LastError == "" {
		t.Fatalf("crash left no error in status: %+v", st)
	}

	res, err = m.CallTool(ctx, "bravo__echo", map[string]any{"text": "hi"})
	if err != nil {
		t.Fatalf("sibling call after the crash: %v", err)
	}
	if got := resultText(t, res); got != "bravo:hi" {
		t.Fatalf("unexpected sibling reply %q", got)
	}
	if st := m.Status()[1]; st.State != StateConnected {
		t.Fatalf("sibling state = %s after the crash", st.State)
	}
}

func TestDisconnectAllBoundedByHungClose(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping supervisor test in short mode")
	}

	alpha := newBackendServer("alpha")
	addEchoTool(alpha, "alpha", "echo")
	inner := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return alpha }, nil)
	release := make(chan struct{})
	holding := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodDelete {
			<-release
		}
		inner.ServeHTTP(w, r)
	})
	hsAlpha := httptest.NewServer(holding)
	t.Cleanup(hsAlpha.Close)
	t.Cleanup(func() { close(release) })

	bravo := newBackendServer("bravo")
	addEchoTool(bravo, "bravo", "echo")
	hsBravo := serveBackend(t, bravo)

	m := newTestManager(t, &Options{DisconnectTimeout: 150 * time.Millisecond})
	ctx := context.Background()
	if err := m.AddBackend(ctx, BackendConfig{Name: "alpha", URL: hsAlpha.URL}); err != nil {
		t.Fatalf("AddBackend(alpha): %v", err)
	}
	if err := m.AddBackend(ctx, BackendConfig{Name: "bravo", URL: hsBravo.URL}); err != nil {
		t.Fatalf("AddBackend(bravo): %v", err)
	}

	start := time.Now()
	err := m.DisconnectAll(ctx)
	elapsed := time.Since(start)
	if err != nil && !errors.Is(err, ErrTimeout) {
		t.Fatalf("DisconnectAll: %v", err)
	}
	if elapsed > 3*time.Second {
		t.Fatalf("DisconnectAll took %v despite the per-backend bound", elapsed)
	}
	for _, st := range m.Status() {
		if st.State != StateDisconnected {
			t.Fatalf("backend %s = %s after DisconnectAll", st.Name, st.State)
		}
	}
	if len(m.ListTools()) != 0 {
		t.Fatalf("catalog not emptied: %v", toolNames(m.ListTools()))
	}
}

// flakyListProxy fronts a backend and, while failing is set, answers list
// requests with a JSON-RPC error while letting every other frame through.
// Failing at the protocol level keeps the underlying session alive, which is
// exactly the shape of a backend that responds but cannot serve.
type flakyListProxy struct {
	next    http.Handler
	failing atomic.Bool
}

func newFlakyListProxy(srv *mcp.Server) *flakyListProxy {
	return &flakyListProxy{
		next: mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return srv }, nil),
	}
}

func (p *flakyListProxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if p.failing.Load() && r.Method == http.MethodPost {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		var req struct {
			ID     any    `json:"id"`
			Method string `json:"method"`
		}
		if json.Unmarshal(body, &req) == nil && strings.HasSuffix(req.Method, "/list") {
			resp, _ := json.Marshal(map[string]any{
				"jsonrpc": "2.0",
				"id":      req.ID,
				"error":   map[string]any{"code": -32603, "message": "list temporarily unavailable"},
			})
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write(resp)
			return
		}
	}
	p.next.ServeHTTP(w, r)
}

type stateRecorder struct {
	mu      sync.Mutex
	changes [][2]ConnectionState
}

func (r *stateRecorder) StateChanged(backend string, from, to ConnectionState) {
	r.mu.Lock()
	r.changes = append(r.changes, [2]ConnectionState{from, to})
	r.mu.Unlock()
}

func (r *stateRecorder) RequestCompleted(string, string, string, time.Duration, error) {}
func (r *stateRecorder) ProbeCompleted(string, time.Duration, error)                   {}
func (r *stateRecorder) CatalogRebuilt(int, int, int)                                  {}

func (r *stateRecorder) saw(from, to ConnectionState) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.changes {
		if c[0] == from && c[1] == to {
			return true
		}
	}
	return false
}

func (r *stateRecorder) all() [][2]ConnectionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][2]ConnectionState, len(r.changes))
	copy(out, r.changes)
	return out
}
