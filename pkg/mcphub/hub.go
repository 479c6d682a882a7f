package mcphub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Manager aggregates a fleet of MCP backends behind one namespaced catalog.
// Backends are registered with AddBackend, forwarded requests are routed by
// their namespaced identifier, and a supervisor started with Start keeps the
// fleet healthy. All methods are safe for concurrent use.
type Manager struct {
	opts     Options
	logger   *slog.Logger
	observer Observer
	ns       NamespaceStrategy
	backoff  func(int) time.Duration

	mu     sync.RWMutex
	conns  map[string]*backendConn
	order  []string
	closed bool

	catalog *catalog
	// rebuildMu serializes catalog rebuilds so concurrent triggers cannot
	// interleave their capture and swap steps.
	rebuildMu sync.Mutex

	subsMu  sync.Mutex
	subs    map[uint64]func(Event)
	nextSub uint64

	resourceSubsMu  sync.Mutex
	resourceSubs    map[uint64]func(backend, hubURI string)
	nextResourceSub uint64

	progressSubsMu  sync.Mutex
	progressSubs    map[uint64]func(backend string, params *mcp.ProgressNotificationParams)
	nextProgressSub uint64

	supMu sync.Mutex
	sup   *supervisor
}

// NewManager returns a manager with no backends registered. Pass nil opts to
// accept all defaults.
func NewManager(opts *Options) *Manager {
	options := opts.normalized()
	return &Manager{
		opts:         options,
		logger:       options.Logger,
		observer:     options.Observer,
		ns:           options.Namespace,
		backoff:      exponentialBackoff(options.Backoff),
		conns:        make(map[string]*backendConn),
		catalog:      newCatalog(options.Namespace),
		subs:         make(map[uint64]func(Event)),
		resourceSubs: make(map[uint64]func(string, string)),
		progressSubs: make(map[uint64]func(string, *mcp.ProgressNotificationParams)),
	}
}

// AddBackend registers a backend and connects it. Names must be unique; a
// second registration under the same name fails with ErrDuplicateBackend
// regardless of configuration. When the initial connect fails the backend
// stays registered as disconnected, the error is returned, and the
// supervisor retries it on the backoff schedule.
func (m *Manager) AddBackend(ctx context.Context, cfg BackendConfig) error {
	if err := cfg.validate(m.ns); err != nil {
		return err
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if _, exists := m.conns[cfg.Name]; exists {
		m.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrDuplicateBackend, cfg.Name)
	}
	conn := newBackendConn(cfg, &m.opts, connHooks{
		capabilitiesChanged: m.rebuildCatalog,
		resourceUpdated:     m.dispatchResourceUpdated,
		progress:            m.dispatchProgress,
	})
	m.conns[cfg.Name] = conn
	m.order = append(m.order, cfg.Name)
	m.mu.Unlock()

	if err := conn.connect(ctx); err != nil {
		conn.scheduleReconnect(m.backoff(1))
		return err
	}
	m.rebuildCatalog()
	return nil
}

// RemoveBackend disconnects a backend and retires its catalog entries.
// Removing an unknown name is a no-op.
func (m *Manager) RemoveBackend(ctx context.Context, name string) error {
	m.mu.Lock()
	conn, ok := m.conns[name]
	if ok {
		delete(m.conns, name)
		for i, n := range m.order {
			if n == name {
				m.order = append(m.order[:i], m.order[i+1:]...)
				break
			}
		}
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}
	dctx, cancel := withTimeout(ctx, m.opts.DisconnectTimeout)
	defer cancel()
	if err := conn.disconnect(dctx); err != nil {
		m.logger.Warn("disconnect during removal", "backend", name, "error", err)
	}
	m.rebuildCatalog()
	return nil
}

// ListTools returns the namespaced tool catalog. Enumeration order follows
// backend configuration order, then each backend's own declaration order.
// The result is built from an immutable snapshot and never reflects rebuilds
// that happen after the call.
func (m *Manager) ListTools() []*mcp.Tool {
	return m.catalog.snapshot().listTools()
}

// ListResources returns the namespaced resource catalog.
func (m *Manager) ListResources() []*mcp.Resource {
	return m.catalog.snapshot().listResources()
}

// ListPrompts returns the namespaced prompt catalog.
func (m *Manager) ListPrompts() []*mcp.Prompt {
	return m.catalog.snapshot().listPrompts()
}

// CallTool forwards a namespaced tool call to its backend. Tool-level
// failures reported by the backend come back verbatim in the result; the
// returned error is reserved for routing, connectivity, and transport
// problems.
func (m *Manager) CallTool(ctx context.Context, name string, args any) (*mcp.CallToolResult, error) {
	return m.CallToolWithParams(ctx, &mcp.CallToolParams{Name: name, Arguments: args})
}

// CallToolWithParams routes a call whose params carry metadata beyond the
// arguments, such as a progress token. params.Name holds the namespaced
// name; the forwarded copy is rewritten to the backend's native name and the
// rest of the params pass through untouched.
func (m *Manager) CallToolWithParams(ctx context.Context, params *mcp.CallToolParams) (*mcp.CallToolResult, error) {
	if m.isClosed() {
		return nil, ErrClosed
	}
	if params == nil || params.Name == "" {
		return nil, fmt.Errorf("%w: missing tool name", ErrToolNotFound)
	}
	target, ok := m.catalog.snapshot().toolTarget(params.Name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrToolNotFound, params.Name)
	}
	conn := m.connection(target.Backend)
	if conn == nil {
		return nil, fmt.Errorf("%w: %q", ErrToolNotFound, params.Name)
	}
	forwarded := *params
	forwarded.Name = target.NativeName
	return conn.callTool(ctx, &forwarded)
}

// ReadResource forwards a namespaced resource read to its backend using the
// original backend URI recorded in the catalog.
func (m *Manager) ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error) {
	if m.isClosed() {
		return nil, ErrClosed
	}
	target, ok := m.catalog.snapshot().resourceTarget(uri)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrResourceNotFound, uri)
	}
	conn := m.connection(target.Backend)
	if conn == nil {
		return nil, fmt.Errorf("%w: %q", ErrResourceNotFound, uri)
	}
	return conn.readResource(ctx, target.NativeName)
}

// GetPrompt forwards a namespaced prompt fetch to its backend.
func (m *Manager) GetPrompt(ctx context.Context, name string, args map[string]string) (*mcp.GetPromptResult, error) {
	if m.isClosed() {
		return nil, ErrClosed
	}
	target, ok := m.catalog.snapshot().promptTarget(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrPromptNotFound, name)
	}
	conn := m.connection(target.Backend)
	if conn == nil {
		return nil, fmt.Errorf("%w: %q", ErrPromptNotFound, name)
	}
	return conn.getPrompt(ctx, target.NativeName, args)
}

// SubscribeResource asks the owning backend for update notifications on a
// namespaced resource. Updates arrive through OnResourceUpdated callbacks.
func (m *Manager) SubscribeResource(ctx context.Context, uri string) error {
	if m.isClosed() {
		return ErrClosed
	}
	target, ok := m.catalog.snapshot().resourceTarget(uri)
	if !ok {
		return fmt.Errorf("%w: %q", ErrResourceNotFound, uri)
	}
	conn := m.connection(target.Backend)
	if conn == nil {
		return fmt.Errorf("%w: %q", ErrResourceNotFound, uri)
	}
	return conn.subscribeResource(ctx, target.NativeName)
}

// UnsubscribeResource cancels a resource subscription.
func (m *Manager) UnsubscribeResource(ctx context.Context, uri string) error {
	if m.isClosed() {
		return ErrClosed
	}
	target, ok := m.catalog.snapshot().resourceTarget(uri)
	if !ok {
		return fmt.Errorf("%w: %q", ErrResourceNotFound, uri)
	}
	conn := m.connection(target.Backend)
	if conn == nil {
		return fmt.Errorf("%w: %q", ErrResourceNotFound, uri)
	}
	return conn.unsubscribeResource(ctx, target.NativeName)
}

// ConnectAll connects every registered backend that is not already
// connected, running at most Options.MaxConcurrency attempts in parallel.
// Individual failures are aggregated and the catalog is rebuilt exactly once
// after all attempts settle. Backends in StateFailed are skipped; only
// removal and re-addition revives those.
func (m *Manager) ConnectAll(ctx context.Context) error {
	if m.isClosed() {
		return ErrClosed
	}
	var (
		wg    sync.WaitGroup
		sem   = make(chan struct{}, m.opts.MaxConcurrency)
		errMu sync.Mutex
		errs  []error
	)
	for _, conn := range m.connections() {
		if conn.currentState() == StateFailed {
			continue
		}
		wg.Add(1)
		go func(conn *backendConn) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			if err := conn.connect(ctx); err != nil {
				conn.scheduleReconnect(m.backoff(1))
				errMu.Lock()
				errs = append(errs, err)
				errMu.Unlock()
			}
		}(conn)
	}
	wg.Wait()
	m.rebuildCatalog()
	return errors.Join(errs...)
}

// DisconnectAll disconnects every backend in parallel. Each disconnect is
// individually bounded by Options.DisconnectTimeout, so one hung backend
// cannot stall the rest; its timeout is reported in the aggregated error
// while every other connection still comes down.
func (m *Manager) DisconnectAll(ctx context.Context) error {
	if m.isClosed() {
		return ErrClosed
	}
	return m.disconnectAll(ctx)
}

func (m *Manager) disconnectAll(ctx context.Context) error {
	var (
		wg    sync.WaitGroup
		sem   = make(chan struct{}, m.opts.MaxConcurrency)
		errMu sync.Mutex
		errs  []error
	)
	for _, conn := range m.connections() {
		wg.Add(1)
		go func(conn *backendConn) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			dctx, cancel := withTimeout(ctx, m.opts.DisconnectTimeout)
			defer cancel()
			if err := conn.disconnect(dctx); err != nil {
				errMu.Lock()
				errs = append(errs, err)
				errMu.Unlock()
			}
		}(conn)
	}
	wg.Wait()
	m.rebuildCatalog()
	return errors.Join(errs...)
}

// BackendStatus is a point-in-time health summary for one backend.
type BackendStatus struct {
	Name              string          `json:"name"`
	State             ConnectionState `json:"state"`
	LastError         string          `json:"last_error,omitempty"`
	ProbeFailures     int             `json:"probe_failures,omitempty"`
	ReconnectAttempts int             `json:"reconnect_attempts,omitempty"`
	LastConnected     *time.Time      `json:"last_connected,omitempty"`
	LastProbe         *time.Time      `json:"last_probe,omitempty"`
}

// Status reports every registered backend in configuration order.
func (m *Manager) Status() []BackendStatus {
	conns := m.connections()
	out := make([]BackendStatus, 0, len(conns))
	for _, conn := range conns {
		out = append(out, conn.status())
	}
	return out
}

// Start launches the health supervisor, which probes connected backends and
// reconnects disconnected ones every Options.HealthInterval. It returns
// immediately; the supervisor runs until ctx is canceled or the manager is
// closed. Starting an already started manager is a no-op.
func (m *Manager) Start(ctx context.Context) error {
	if m.isClosed() {
		return ErrClosed
	}
	m.supMu.Lock()
	defer m.supMu.Unlock()
	if m.sup != nil {
		return nil
	}
	m.sup = newSupervisor(m)
	go m.sup.run(ctx)
	return nil
}

// Close stops the supervisor, disconnects every backend, and marks the
// manager closed. Subsequent operations fail with ErrClosed. Close is
// bounded: each disconnect gets Options.DisconnectTimeout and hung sessions
// are abandoned rather than waited on.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	m.supMu.Lock()
	sup := m.sup
	m.sup = nil
	m.supMu.Unlock()
	if sup != nil {
		sup.stop()
	}
	return m.disconnectAll(ctx)
}

// Subscribe registers fn for lifecycle events. Events are delivered on fresh
// goroutines, so a slow or panicking subscriber cannot stall the hub. The
// returned cancel function removes the subscription.
func (m *Manager) Subscribe(fn func(Event)) (cancel func()) {
	m.subsMu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	m.subsMu.Unlock()
	return func() {
		m.subsMu.Lock()
		delete(m.subs, id)
		m.subsMu.Unlock()
	}
}

// OnResourceUpdated registers fn for backend resource update notifications,
// with the URI already translated into the hub namespace. Notifications for
// resources absent from the catalog are dropped.
func (m *Manager) OnResourceUpdated(fn func(backend, hubURI string)) (cancel func()) {
	m.resourceSubsMu.Lock()
	id := m.nextResourceSub
	m.nextResourceSub++
	m.resourceSubs[id] = fn
	m.resourceSubsMu.Unlock()
	return func() {
		m.resourceSubsMu.Lock()
		delete(m.resourceSubs, id)
		m.resourceSubsMu.Unlock()
	}
}

// OnProgress registers fn for progress notifications pushed by backends
// during forwarded calls. The params arrive exactly as the backend sent
// them; correlating the progress token with an originating call is the
// subscriber's concern.
func (m *Manager) OnProgress(fn func(backend string, params *mcp.ProgressNotificationParams)) (cancel func()) {
	m.progressSubsMu.Lock()
	id := m.nextProgressSub
	m.nextProgressSub++
	m.progressSubs[id] = fn
	m.progressSubsMu.Unlock()
	return func() {
		m.progressSubsMu.Lock()
		delete(m.progressSubs, id)
		m.progressSubsMu.Unlock()
	}
}

func (m *Manager) emit(ev Event) {
	m.subsMu.Lock()
	handlers := make([]func(Event), 0, len(m.subs))
	for _, fn := range m.subs {
		handlers = append(handlers, fn)
	}
	m.subsMu.Unlock()
	for _, fn := range handlers {
		go func(fn func(Event)) {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error("event subscriber panicked", "panic", r)
				}
			}()
			fn(ev)
		}(fn)
	}
}

func (m *Manager) dispatchResourceUpdated(backend, nativeURI string) {
	hubURI, ok := m.catalog.snapshot().hubResourceURI(backend, nativeURI)
	if !ok {
		return
	}
	m.resourceSubsMu.Lock()
	handlers := make([]func(string, string), 0, len(m.resourceSubs))
	for _, fn := range m.resourceSubs {
		handlers = append(handlers, fn)
	}
	m.resourceSubsMu.Unlock()
	for _, fn := range handlers {
		go func(fn func(string, string)) {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error("resource update subscriber panicked", "panic", r)
				}
			}()
			fn(backend, hubURI)
		}(fn)
	}
}

func (m *Manager) dispatchProgress(backend string, params *mcp.ProgressNotificationParams) {
	m.progressSubsMu.Lock()
	handlers := make([]func(string, *mcp.ProgressNotificationParams), 0, len(m.progressSubs))
	for _, fn := range m.progressSubs {
		handlers = append(handlers, fn)
	}
	m.progressSubsMu.Unlock()
	for _, fn := range handlers {
		go func(fn func(string, *mcp.ProgressNotificationParams)) {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error("progress subscriber panicked", "panic", r)
				}
			}()
			fn(backend, params)
		}(fn)
	}
}

// rebuildCatalog rebuilds the aggregated catalog from scratch and publishes
// it. Capability lists are captured per connection in configuration order,
// the replacement snapshot is constructed away from the read path, and the
// final swap is a single pointer store.
func (m *Manager) rebuildCatalog() {
	m.rebuildMu.Lock()
	conns := m.connections()
	caps := make([]backendCapabilities, 0, len(conns))
	for _, conn := range conns {
		if snapshot, ok := conn.capabilitySnapshot(); ok {
			caps = append(caps, snapshot)
		}
	}
	next := buildCatalog(m.ns, caps)
	m.catalog.swap(next)
	m.rebuildMu.Unlock()

	tools, resources, prompts := next.counts()
	m.observer.CatalogRebuilt(tools, resources, prompts)
	m.emit(CatalogChanged{})
}

// reconcileCatalog rebuilds only when the set of backends represented in the
// current snapshot no longer matches the set of healthy connections.
func (m *Manager) reconcileCatalog() {
	snap := m.catalog.snapshot()
	healthy := 0
	for _, conn := range m.connections() {
		if st := conn.currentState(); st == StateConnected || st == StateDegraded {
			healthy++
			if !snap.includes(conn.name()) {
				m.rebuildCatalog()
				return
			}
		}
	}
	if len(snap.backends) != healthy {
		m.rebuildCatalog()
	}
}

// connections returns registered connections in configuration order.
func (m *Manager) connections() []*backendConn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*backendConn, 0, len(m.order))
	for _, name := range m.order {
		if conn, ok := m.conns[name]; ok {
			out = append(out, conn)
		}
	}
	return out
}

func (m *Manager) connection(name string) *backendConn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.conns[name]
}

func (m *Manager) isClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}
