package mcphub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// ConnectionState is the lifecycle state of one backend connection.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	// StateDegraded marks a live session with a failing probe streak below
	// the unhealthy threshold. Degraded backends still serve requests.
	StateDegraded ConnectionState = "degraded"
	// StateFailed marks a backend that exhausted its reconnect budget. Only
	// removing and re-adding the backend revives it.
	StateFailed ConnectionState = "failed"
)

// connHooks are manager callbacks a connection invokes outside its own lock.
type connHooks struct {
	capabilitiesChanged func()
	resourceUpdated     func(backend, nativeURI string)
	progress            func(backend string, params *mcp.ProgressNotificationParams)
}

// backendConn owns one backend's session lifecycle, capability cache, and
// health bookkeeping. All mutable fields are guarded by mu; session requests
// themselves run outside the lock so slow backends never block state
// transitions or each other.
type backendConn struct {
	cfg      BackendConfig
	opts     *Options
	logger   *slog.Logger
	observer Observer
	hooks    connHooks

	mu         sync.Mutex
	state      ConnectionState
	lastErr    error
	client     *mcp.Client
	session    *mcp.ClientSession
	gen        int
	connecting bool
	connectCh  chan struct{}

	tools     []*mcp.Tool
	resources []*mcp.Resource
	prompts   []*mcp.Prompt

	connectedAt   time.Time
	lastProbe     time.Time
	probeFailures int
	probing       bool

	reconnectAttempts int
	nextReconnect     time.Time
}

func newBackendConn(cfg BackendConfig, opts *Options, hooks connHooks) *backendConn {
	return &backendConn{
		cfg:      cfg,
		opts:     opts,
		logger:   opts.Logger.With("backend", cfg.Name),
		observer: opts.Observer,
		hooks:    hooks,
		state:    StateDisconnected,
	}
}

func (c *backendConn) name() string { return c.cfg.Name }

func (c *backendConn) requestTimeout() time.Duration {
	if c.cfg.Timeout > 0 {
		return c.cfg.Timeout
	}
	return c.opts.Timeout
}

// setStateLocked transitions the connection state and reports the change.
// Callers must hold c.mu.
func (c *backendConn) setStateLocked(next ConnectionState) {
	if c.state == next {
		return
	}
	prev := c.state
	c.state = next
	c.observer.StateChanged(c.cfg.Name, prev, next)
}

func (c *backendConn) currentState() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// connect establishes the session and fetches the initial capability lists.
// Concurrent callers coalesce onto a single in-flight attempt; whoever loses
// the race waits for the winner's outcome and re-examines the state.
func (c *backendConn) connect(ctx context.Context) error {
	for {
		c.mu.Lock()
		if c.state == StateConnected || c.state == StateDegraded {
			c.mu.Unlock()
			return nil
		}
		if !c.connecting {
			c.connecting = true
			c.connectCh = make(chan struct{})
			c.setStateLocked(StateConnecting)
			c.mu.Unlock()
			break
		}
		ch := c.connectCh
		c.mu.Unlock()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}

	session, client, err := c.dial(ctx)

	c.mu.Lock()
	c.connecting = false
	close(c.connectCh)
	if err != nil {
		c.lastErr = err
		c.setStateLocked(StateDisconnected)
		c.mu.Unlock()
		return fmt.Errorf("%w: backend %q: %v", ErrConnectionFailed, c.cfg.Name, err)
	}
	c.client = client
	c.session = session
	c.gen++
	gen := c.gen
	c.connectedAt = time.Now()
	c.lastErr = nil
	c.probeFailures = 0
	c.setStateLocked(StateConnected)
	c.mu.Unlock()

	go c.monitor(session, gen)

	if _, err := c.refreshCapabilities(ctx); err != nil {
		// Not a connectivity failure: the session stays up and any previous
		// cache remains in effect until a later fetch succeeds.
		c.logger.Warn("initial capability fetch failed", "error", err)
	}
	return nil
}

func (c *backendConn) dial(ctx context.Context) (*mcp.ClientSession, *mcp.Client, error) {
	transport, err := c.buildTransport()
	if err != nil {
		return nil, nil, err
	}
	if c.opts.RPCLogger != nil {
		transport = &loggingTransport{backend: c.cfg.Name, delegate: transport, logger: c.opts.RPCLogger}
	}
	impl := &mcp.Implementation{Name: c.opts.ClientName, Version: c.opts.ClientVersion}
	client := mcp.NewClient(impl, c.clientOptions())
	ctx, cancel := withTimeout(ctx, c.opts.ConnectTimeout)
	defer cancel()
	session, err := client.Connect(ctx, transport, nil)
	if err != nil {
		return nil, nil, err
	}
	return session, client, nil
}

func (c *backendConn) buildTransport() (mcp.Transport, error) {
	if c.cfg.isStdio() {
		cmd := exec.Command(c.cfg.Command, c.cfg.Args...)
		if len(c.cfg.Env) > 0 {
			cmd.Env = mergeEnviron(os.Environ(), c.cfg.Env)
		}
		return &mcp.CommandTransport{Command: cmd}, nil
	}
	if c.cfg.URL == "" {
		return nil, fmt.Errorf("mcphub: backend %q has no transport configured", c.cfg.Name)
	}
	httpClient := &http.Client{}
	if len(c.cfg.Headers) > 0 {
		httpClient.Transport = &headerRoundTripper{headers: c.cfg.Headers, base: http.DefaultTransport}
	}
	if strings.HasSuffix(strings.ToLower(c.cfg.URL), "/sse") {
		return &mcp.SSEClientTransport{Endpoint: c.cfg.URL, HTTPClient: httpClient}, nil
	}
	return &mcp.StreamableClientTransport{Endpoint: c.cfg.URL, HTTPClient: httpClient}, nil
}

func (c *backendConn) clientOptions() *mcp.ClientOptions {
	return &mcp.ClientOptions{
		ToolListChangedHandler: func(context.Context, *mcp.ToolListChangedRequest) {
			c.scheduleRefresh()
		},
		ResourceListChangedHandler: func(context.Context, *mcp.ResourceListChangedRequest) {
			c.scheduleRefresh()
		},
		PromptListChangedHandler: func(context.Context, *mcp.PromptListChangedRequest) {
			c.scheduleRefresh()
		},
		ResourceUpdatedHandler: func(_ context.Context, req *mcp.ResourceUpdatedNotificationRequest) {
			if c.hooks.resourceUpdated == nil || req == nil || req.Params == nil {
				return
			}
			c.hooks.resourceUpdated(c.cfg.Name, req.Params.URI)
		},
		ProgressNotificationHandler: func(_ context.Context, req *mcp.ProgressNotificationClientRequest) {
			if c.hooks.progress == nil || req == nil || req.Params == nil {
				return
			}
			c.hooks.progress(c.cfg.Name, req.Params)
		},
		LoggingMessageHandler: func(_ context.Context, req *mcp.LoggingMessageRequest) {
			if req == nil || req.Params == nil {
				return
			}
			c.logger.Debug("backend log message", "level", req.Params.Level, "data", req.Params.Data)
		},
	}
}

// scheduleRefresh re-fetches capabilities off the notification goroutine and
// signals the manager when the cached lists actually changed.
func (c *backendConn) scheduleRefresh() {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.opts.ProbeTimeout)
		defer cancel()
		changed, err := c.refreshCapabilities(ctx)
		if err != nil {
			c.logger.Warn("capability refresh failed", "error", err)
			return
		}
		if changed && c.hooks.capabilitiesChanged != nil {
			c.hooks.capabilitiesChanged()
		}
	}()
}

// monitor clears the published session when it terminates, so a crashed
// backend is observable as disconnected before the next health tick runs.
// The generation guard keeps a stale monitor from clobbering a session
// established after a reconnect.
func (c *backendConn) monitor(session *mcp.ClientSession, gen int) {
	err := session.Wait()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen || c.session != session {
		return
	}
	c.session = nil
	c.client = nil
	c.tools, c.resources, c.prompts = nil, nil, nil
	c.probeFailures = 0
	if err == nil {
		err = errors.New("session terminated")
	}
	c.lastErr = err
	c.setStateLocked(StateDisconnected)
	c.reconnectAttempts = 0
	c.nextReconnect = time.Now()
	c.logger.Warn("session terminated", "error", err)
}

// disconnect tears the session down and always leaves the connection in a
// terminal-free state; the returned error only reports a close that failed
// to finish before ctx expired. A connection that already failed permanently
// keeps StateFailed.
func (c *backendConn) disconnect(ctx context.Context) error {
	c.waitConnectSettled(ctx)

	c.mu.Lock()
	session := c.session
	c.session = nil
	c.client = nil
	c.gen++
	c.tools, c.resources, c.prompts = nil, nil, nil
	c.probeFailures = 0
	c.reconnectAttempts = 0
	c.nextReconnect = time.Time{}
	if c.state != StateFailed {
		c.setStateLocked(StateDisconnected)
	}
	c.mu.Unlock()

	if session == nil {
		return nil
	}
	done := make(chan error, 1)
	go func() { done <- session.Close() }()
	select {
	case <-ctx.Done():
		c.logger.Warn("session close abandoned", "error", ctx.Err())
		return fmt.Errorf("%w: disconnect %q", ErrTimeout, c.cfg.Name)
	case err := <-done:
		if err != nil {
			c.logger.Warn("session close reported error", "error", err)
		}
		return nil
	}
}

func (c *backendConn) waitConnectSettled(ctx context.Context) {
	c.mu.Lock()
	for c.connecting {
		ch := c.connectCh
		c.mu.Unlock()
		select {
		case <-ctx.Done():
			return
		case <-ch:
		}
		c.mu.Lock()
	}
	c.mu.Unlock()
}

// liveSession returns the current session when the connection can serve
// forwarded requests, which includes the degraded state.
func (c *backendConn) liveSession() (*mcp.ClientSession, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil || (c.state != StateConnected && c.state != StateDegraded) {
		return nil, fmt.Errorf("%w: %q", ErrNotConnected, c.cfg.Name)
	}
	return c.session, nil
}

// callTool forwards the prepared params, which already carry the backend's
// native tool name and any caller metadata such as a progress token.
func (c *backendConn) callTool(ctx context.Context, params *mcp.CallToolParams) (*mcp.CallToolResult, error) {
	session, err := c.liveSession()
	if err != nil {
		return nil, err
	}
	ctx, cancel := withTimeout(ctx, c.requestTimeout())
	defer cancel()
	start := time.Now()
	res, err := session.CallTool(ctx, params)
	c.observer.RequestCompleted(c.cfg.Name, RequestKindTool, params.Name, time.Since(start), err)
	if err != nil {
		return nil, wrapForwardError(c.cfg.Name, RequestKindTool, params.Name, err)
	}
	return res, nil
}

func (c *backendConn) readResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error) {
	session, err := c.liveSession()
	if err != nil {
		return nil, err
	}
	ctx, cancel := withTimeout(ctx, c.requestTimeout())
	defer cancel()
	start := time.Now()
	res, err := session.ReadResource(ctx, &mcp.ReadResourceParams{URI: uri})
	c.observer.RequestCompleted(c.cfg.Name, RequestKindResource, uri, time.Since(start), err)
	if err != nil {
		return nil, wrapForwardError(c.cfg.Name, RequestKindResource, uri, err)
	}
	return res, nil
}

func (c *backendConn) getPrompt(ctx context.Context, name string, args map[string]string) (*mcp.GetPromptResult, error) {
	session, err := c.liveSession()
	if err != nil {
		return nil, err
	}
	ctx, cancel := withTimeout(ctx, c.requestTimeout())
	defer cancel()
	start := time.Now()
	res, err := session.GetPrompt(ctx, &mcp.GetPromptParams{Name: name, Arguments: args})
	c.observer.RequestCompleted(c.cfg.Name, RequestKindPrompt, name, time.Since(start), err)
	if err != nil {
		return nil, wrapForwardError(c.cfg.Name, RequestKindPrompt, name, err)
	}
	return res, nil
}

func (c *backendConn) subscribeResource(ctx context.Context, uri string) error {
	session, err := c.liveSession()
	if err != nil {
		return err
	}
	ctx, cancel := withTimeout(ctx, c.requestTimeout())
	defer cancel()
	if err := session.Subscribe(ctx, &mcp.SubscribeParams{URI: uri}); err != nil {
		return wrapForwardError(c.cfg.Name, RequestKindResource, uri, err)
	}
	return nil
}

func (c *backendConn) unsubscribeResource(ctx context.Context, uri string) error {
	session, err := c.liveSession()
	if err != nil {
		return err
	}
	ctx, cancel := withTimeout(ctx, c.requestTimeout())
	defer cancel()
	if err := session.Unsubscribe(ctx, &mcp.UnsubscribeParams{URI: uri}); err != nil {
		return wrapForwardError(c.cfg.Name, RequestKindResource, uri, err)
	}
	return nil
}

// refreshCapabilities fetches the backend's full tool, resource, and prompt
// lists and replaces the cached copies. The fetch is all-or-nothing: on any
// error the previous cache stays in effect. Backends that do not implement a
// list method contribute an empty list for that kind.
func (c *backendConn) refreshCapabilities(ctx context.Context) (changed bool, err error) {
	c.mu.Lock()
	session := c.session
	c.mu.Unlock()
	if session == nil {
		return false, fmt.Errorf("%w: %q", ErrNotConnected, c.cfg.Name)
	}

	tools, err := listBackendTools(ctx, session)
	if err != nil {
		return false, wrapForwardError(c.cfg.Name, "list", "tools", err)
	}
	resources, err := listBackendResources(ctx, session)
	if err != nil {
		return false, wrapForwardError(c.cfg.Name, "list", "resources", err)
	}
	prompts, err := listBackendPrompts(ctx, session)
	if err != nil {
		return false, wrapForwardError(c.cfg.Name, "list", "prompts", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != session {
		// The session turned over mid-fetch; discard rather than publish
		// lists from a dead process.
		return false, fmt.Errorf("%w: %q", ErrNotConnected, c.cfg.Name)
	}
	changed = !reflect.DeepEqual(c.tools, tools) ||
		!reflect.DeepEqual(c.resources, resources) ||
		!reflect.DeepEqual(c.prompts, prompts)
	c.tools = tools
	c.resources = resources
	c.prompts = prompts
	return changed, nil
}

// capabilitySnapshot returns the cached lists when the connection should be
// represented in the aggregated catalog.
func (c *backendConn) capabilitySnapshot() (backendCapabilities, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateConnected && c.state != StateDegraded {
		return backendCapabilities{}, false
	}
	return backendCapabilities{
		name:      c.cfg.Name,
		tools:     c.tools,
		resources: c.resources,
		prompts:   c.prompts,
	}, true
}

// tryBeginProbe claims the probe slot so overlapping health ticks skip a
// connection that is still being checked.
func (c *backendConn) tryBeginProbe() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.probing {
		return false
	}
	c.probing = true
	return true
}

func (c *backendConn) endProbe() {
	c.mu.Lock()
	c.probing = false
	c.mu.Unlock()
}

// recordProbeSuccess resets the failure streak and restores a degraded
// connection, reporting whether the state recovered.
func (c *backendConn) recordProbeSuccess() (recovered bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastProbe = time.Now()
	c.probeFailures = 0
	c.lastErr = nil
	if c.state == StateDegraded {
		c.setStateLocked(StateConnected)
		return true
	}
	return false
}

// recordProbeFailure counts a failed probe against the streak. Below the
// threshold the connection turns degraded but keeps serving; reaching the
// threshold reports tripped and the caller tears the session down.
func (c *backendConn) recordProbeFailure(threshold int, err error) (tripped bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastProbe = time.Now()
	c.probeFailures++
	c.lastErr = err
	if c.probeFailures >= threshold {
		return true
	}
	if c.state == StateConnected {
		c.setStateLocked(StateDegraded)
	}
	return false
}

func (c *backendConn) scheduleReconnect(delay time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextReconnect = time.Now().Add(delay)
}

func (c *backendConn) reconnectDue(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateDisconnected && !now.Before(c.nextReconnect)
}

// recordReconnectFailure advances the reconnect schedule and reports whether
// the attempt budget is exhausted, in which case the connection fails
// permanently.
func (c *backendConn) recordReconnectFailure(maxAttempts int, schedule func(int) time.Duration, err error) (failed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reconnectAttempts++
	c.lastErr = err
	if c.reconnectAttempts >= maxAttempts {
		c.setStateLocked(StateFailed)
		return true
	}
	c.nextReconnect = time.Now().Add(schedule(c.reconnectAttempts + 1))
	return false
}

func (c *backendConn) resetReconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reconnectAttempts = 0
	c.nextReconnect = time.Time{}
}

func (c *backendConn) status() BackendStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := BackendStatus{
		Name:              c.cfg.Name,
		State:             c.state,
		ProbeFailures:     c.probeFailures,
		ReconnectAttempts: c.reconnectAttempts,
	}
	if c.lastErr != nil {
		st.LastError = c.lastErr.Error()
	}
	if !c.connectedAt.IsZero() {
		t := c.connectedAt
		st.LastConnected = &t
	}
	if !c.lastProbe.IsZero() {
		t := c.lastProbe
		st.LastProbe = &t
	}
	return st
}

func listBackendTools(ctx context.Context, session *mcp.ClientSession) ([]*mcp.Tool, error) {
	tools := []*mcp.Tool{}
	var cursor string
	for {
		res, err := session.ListTools(ctx, &mcp.ListToolsParams{Cursor: cursor})
		if err != nil {
			if isMethodUnavailableError(err, "tools/list") {
				return tools, nil
			}
			return nil, err
		}
		tools = append(tools, res.Tools...)
		if res.NextCursor == "" {
			return tools, nil
		}
		cursor = res.NextCursor
	}
}

func listBackendResources(ctx context.Context, session *mcp.ClientSession) ([]*mcp.Resource, error) {
	resources := []*mcp.Resource{}
	var cursor string
	for {
		res, err := session.ListResources(ctx, &mcp.ListResourcesParams{Cursor: cursor})
		if err != nil {
			if isMethodUnavailableError(err, "resources/list") {
				return resources, nil
			}
			return nil, err
		}
		resources = append(resources, res.Resources...)
		if res.NextCursor == "" {
			return resources, nil
		}
		cursor = res.NextCursor
	}
}

func listBackendPrompts(ctx context.Context, session *mcp.ClientSession) ([]*mcp.Prompt, error) {
	prompts := []*mcp.Prompt{}
	var cursor string
	for {
		res, err := session.ListPrompts(ctx, &mcp.ListPromptsParams{Cursor: cursor})
		if err != nil {
			if isMethodUnavailableError(err, "prompts/list") {
				return prompts, nil
			}
			return nil, err
		}
		prompts = append(prompts, res.Prompts...)
		if res.NextCursor == "" {
			return prompts, nil
		}
		cursor = res.NextCursor
	}
}

// isMethodUnavailableError reports whether err looks like the backend simply
// does not implement the given method, in which case list calls degrade to
// empty results instead of failing the fetch.
func isMethodUnavailableError(err error, method string) bool {
	if err == nil {
		return false
	}
	lower := strings.ToLower(err.Error())
	if !(strings.Contains(lower, "method not found") ||
		strings.Contains(lower, "not implemented") ||
		strings.Contains(lower, "unsupported") ||
		strings.Contains(lower, "does not support") ||
		strings.Contains(lower, "unimplemented")) {
		return false
	}
	method = strings.ToLower(method)
	if strings.Contains(lower, method) {
		return true
	}
	for _, part := range strings.FieldsFunc(method, func(r rune) bool {
		return r == '/' || r == ':' || r == '.' || r == '_' || r == '-'
	}) {
		if part != "" && strings.Contains(lower, part) {
			return true
		}
	}
	return true
}

// headerRoundTripper adds the backend's configured headers to every outbound
// HTTP request.
type headerRoundTripper struct {
	headers map[string]string
	base    http.RoundTripper
}

func (t *headerRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	for k, v := range t.headers {
		clone.Header.Set(k, v)
	}
	return t.base.RoundTrip(clone)
}

func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, timeout)
}
