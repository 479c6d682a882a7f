package mcpgateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/auth"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/cors"

	"github.com/toolgate/mcp-hub/pkg/mcphub"
)

// Gateway serves a hub's aggregated catalog as a single Streamable MCP
// server. The advertised tools, prompts, and resources keep the hub's
// namespaced identifiers, so routing an incoming request is a straight
// forward to the hub.
type Gateway struct {
	hub  *mcphub.Manager
	opts Options

	server        *mcp.Server
	streamHandler *mcp.StreamableHTTPHandler
	mux           *http.ServeMux
	httpHandler   http.Handler

	progress *progressTracker

	// serverMu serializes mirror diffs against the embedded server's
	// feature registry so concurrent catalog changes cannot interleave
	// their remove and add batches.
	serverMu sync.Mutex
	mirror   *catalogMirror

	httpServerMu sync.Mutex
	httpServer   *http.Server

	watchMu sync.Mutex
	unwatch []func()
}

// NewGateway builds a Gateway over the hub, advertises the current catalog,
// and registers watchers that keep the advertised set in sync with the
// hub's catalog change events.
func NewGateway(hub *mcphub.Manager, opts *Options) (*Gateway, error) {
	if hub == nil {
		return nil, fmt.Errorf("mcpgateway: hub manager is required")
	}
	options := opts.withDefaults()
	if options.TokenOptions != nil && options.TokenVerifier == nil {
		return nil, fmt.Errorf("mcpgateway: token options require a token verifier")
	}
	g := &Gateway{
		hub:      hub,
		opts:     options,
		mirror:   newCatalogMirror(),
		progress: newProgressTracker(options.Logger),
	}

	g.server = mcp.NewServer(options.Implementation, &mcp.ServerOptions{
		HasTools:           true,
		HasPrompts:         true,
		HasResources:       true,
		SubscribeHandler:   g.handleSubscribe,
		UnsubscribeHandler: g.handleUnsubscribe,
	})
	g.streamHandler = mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return g.server
	}, &options.Streamable)
	g.httpHandler = g.mountHandler()

	cancelEvents := hub.Subscribe(func(ev mcphub.Event) {
		if _, ok := ev.(mcphub.CatalogChanged); ok {
			g.Resync()
		}
	})
	cancelUpdates := hub.OnResourceUpdated(g.forwardResourceUpdate)
	cancelProgress := hub.OnProgress(g.forwardProgress)
	g.unwatch = []func(){cancelEvents, cancelUpdates, cancelProgress}

	if options.AutoConnect {
		if err := hub.ConnectAll(context.Background()); err != nil {
			options.Logger.Warn("autoconnect failed", "error", err)
		}
	}
	g.Resync()

	return g, nil
}

// Handler exposes the HTTP handler that serves the Streamable endpoint.
func (g *Gateway) Handler() http.Handler {
	return g.httpHandler
}

// ServeMux exposes the gateway's mux so consumers can mount custom routes
// next to the MCP endpoint. The standard net/http ServeMux permits
// registration even after serving has started.
func (g *Gateway) ServeMux() *http.ServeMux {
	return g.mux
}

// ListenAndServe runs an HTTP server until the provided context is cancelled
// or the server stops.
func (g *Gateway) ListenAndServe(ctx context.Context) error {
	g.httpServerMu.Lock()
	if g.httpServer != nil {
		serv := g.httpServer
		g.httpServerMu.Unlock()
		return fmt.Errorf("mcpgateway: server already running on %s", serv.Addr)
	}
	srv := &http.Server{Addr: g.opts.Addr, Handler: g.Handler()}
	g.httpServer = srv
	g.httpServerMu.Unlock()
	defer func() {
		g.httpServerMu.Lock()
		if g.httpServer == srv {
			g.httpServer = nil
		}
		g.httpServerMu.Unlock()
	}()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), g.opts.ShutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// ServeStdio serves the gateway on this process's stdin and stdout instead
// of HTTP, for embedding the hub as a child server of another MCP client. It
// blocks until the peer disconnects or ctx is cancelled.
func (g *Gateway) ServeStdio(ctx context.Context) error {
	return g.server.Run(ctx, &mcp.StdioTransport{})
}

// Shutdown detaches the gateway from the hub's event streams and stops the
// embedded HTTP server if one is running. The hub itself keeps running; the
// gateway simply stops resyncing and relaying.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.watchMu.Lock()
	unwatch := g.unwatch
	g.unwatch = nil
	g.watchMu.Unlock()
	for _, cancel := range unwatch {
		cancel()
	}

	g.httpServerMu.Lock()
	srv := g.httpServer
	g.httpServer = nil
	g.httpServerMu.Unlock()
	if srv == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return srv.Shutdown(ctx)
}

// Resync replaces the advertised feature set with the hub's current catalog.
// The mirror turns the full catalog into minimal remove and add batches, so
// unchanged entries are never re-registered and connected clients only see
// list-changed notifications for real differences. Resync runs automatically
// on every hub catalog change.
func (g *Gateway) Resync() {
	g.serverMu.Lock()
	defer g.serverMu.Unlock()

	removedTools, addedTools := g.mirror.updateTools(g.hub.ListTools())
	if len(removedTools) > 0 {
		g.server.RemoveTools(removedTools...)
	}
	for _, tool := range addedTools {
		g.server.AddTool(tool, g.makeToolHandler(tool))
	}

	removedResources, addedResources := g.mirror.updateResources(g.hub.ListResources())
	if len(removedResources) > 0 {
		g.server.RemoveResources(removedResources...)
	}
	for _, resource := range addedResources {
		g.server.AddResource(resource, g.readResource)
	}

	removedPrompts, addedPrompts := g.mirror.updatePrompts(g.hub.ListPrompts())
	if len(removedPrompts) > 0 {
		g.server.RemovePrompts(removedPrompts...)
	}
	for _, prompt := range addedPrompts {
		g.server.AddPrompt(prompt, g.getPrompt)
	}
}

// makeToolHandler forwards calls for one advertised tool through the hub.
// The owning backend is captured from the catalog metadata so solicited
// progress notifications can be correlated back to the downstream session.
func (g *Gateway) makeToolHandler(tool *mcp.Tool) mcp.ToolHandler {
	name := tool.Name
	backend, _ := tool.Meta[mcphub.MetaKeyBackend].(string)
	return func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		params := &mcp.CallToolParams{Name: name}
		if req.Params != nil {
			params.Meta = req.Params.Meta
			if len(req.Params.Arguments) > 0 {
				params.Arguments = json.RawMessage(req.Params.Arguments)
			}
		}
		release := g.progress.track(backend, req.Session, params)
		defer release()
		return g.hub.CallToolWithParams(ctx, params)
	}
}

func (g *Gateway) readResource(ctx context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
	if req == nil || req.Params == nil {
		return nil, fmt.Errorf("mcpgateway: missing read resource params")
	}
	return g.hub.ReadResource(ctx, req.Params.URI)
}

func (g *Gateway) getPrompt(ctx context.Context, req *mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	if req == nil || req.Params == nil {
		return nil, fmt.Errorf("mcpgateway: missing get prompt params")
	}
	return g.hub.GetPrompt(ctx, req.Params.Name, req.Params.Arguments)
}

func (g *Gateway) handleSubscribe(ctx context.Context, req *mcp.SubscribeRequest) error {
	if req == nil || req.Params == nil {
		return fmt.Errorf("mcpgateway: missing subscribe params")
	}
	return g.hub.SubscribeResource(ctx, req.Params.URI)
}

func (g *Gateway) handleUnsubscribe(ctx context.Context, req *mcp.UnsubscribeRequest) error {
	if req == nil || req.Params == nil {
		return fmt.Errorf("mcpgateway: missing unsubscribe params")
	}
	return g.hub.UnsubscribeResource(ctx, req.Params.URI)
}

// forwardResourceUpdate pushes a hub resource update to every downstream
// session subscribed to the namespaced URI.
func (g *Gateway) forwardResourceUpdate(backend, hubURI string) {
	params := &mcp.ResourceUpdatedNotificationParams{URI: hubURI}
	if err := g.server.ResourceUpdated(context.Background(), params); err != nil {
		g.logError("forward resource update", err, "backend", backend)
	}
}

// forwardProgress relays a backend progress notification to the downstream
// session whose in-flight call solicited it. Notifications without a tracked
// token are dropped.
func (g *Gateway) forwardProgress(backend string, params *mcp.ProgressNotificationParams) {
	sink := g.progress.lookup(backend, params.ProgressToken)
	if sink == nil {
		return
	}
	if err := sink.NotifyProgress(context.Background(), params); err != nil {
		g.logError("forward progress", err, "backend", backend)
	}
}

func (g *Gateway) mountHandler() http.Handler {
	path := g.opts.Path

	var endpoint http.Handler = g.streamHandler
	if g.opts.TokenVerifier != nil {
		endpoint = auth.RequireBearerToken(g.opts.TokenVerifier, g.opts.TokenOptions)(endpoint)
	}

	mux := http.NewServeMux()
	mux.Handle(path, endpoint)
	if !strings.HasSuffix(path, "/") {
		mux.Handle(path+"/", endpoint)
	}
	if g.opts.TokenVerifier != nil {
		// RFC 9728 discovery must stay reachable without a token and from
		// any browser origin.
		mux.Handle("/.well-known/oauth-protected-resource",
			cors.AllowAll().Handler(http.HandlerFunc(g.serveProtectedResourceMetadata)))
	}
	g.mux = mux

	if g.opts.CORS != nil {
		return cors.New(*g.opts.CORS).Handler(mux)
	}
	return mux
}

type protectedResourceMetadata struct {
	Resource               string   `json:"resource"`
	AuthorizationServers   []string `json:"authorization_servers,omitempty"`
	ScopesSupported        []string `json:"scopes_supported,omitempty"`
	BearerMethodsSupported []string `json:"bearer_methods_supported"`
}

func (g *Gateway) serveProtectedResourceMetadata(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	meta := protectedResourceMetadata{
		Resource:               scheme + "://" + r.Host + g.opts.Path,
		BearerMethodsSupported: []string{"header"},
	}
	if g.opts.AuthorizationServer != "" {
		meta.AuthorizationServers = []string{g.opts.AuthorizationServer}
	}
	if g.opts.TokenOptions != nil {
		meta.ScopesSupported = g.opts.TokenOptions.Scopes
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(meta); err != nil {
		g.logError("write protected resource metadata", err)
	}
}

func (g *Gateway) logError(msg string, err error, args ...any) {
	if err == nil {
		return
	}
	attrs := append([]any{"error", err}, args...)
	g.opts.Logger.Error(msg, attrs...)
}
