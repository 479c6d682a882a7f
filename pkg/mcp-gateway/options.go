package mcpgateway

import (
	"log/slog"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/auth"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/cors"
)

// Options configure a Gateway instance.
type Options struct {
	// Implementation identifies the gateway's MCP server implementation metadata.
	Implementation *mcp.Implementation
	// Addr controls the listen address used by ListenAndServe. Defaults to ":8700".
	Addr string
	// Path mounts the Streamable handler under a specific HTTP path.
	// Defaults to "/mcp".
	Path string
	// AutoConnect eagerly connects every backend registered with the hub
	// during construction.
	AutoConnect bool
	// Streamable tweaks the Streamable HTTP handler behavior passed to
	// mcp.NewStreamableHTTPHandler.
	Streamable mcp.StreamableHTTPOptions
	// Logger receives structured diagnostics.
	Logger *slog.Logger
	// ShutdownTimeout bounds the graceful stop of the embedded HTTP server.
	// Defaults to 10s.
	ShutdownTimeout time.Duration

	// TokenVerifier enables bearer-token authentication on the MCP endpoint.
	// When nil the endpoint is served unauthenticated.
	TokenVerifier auth.TokenVerifier
	// TokenOptions tune the bearer-token middleware. Setting TokenOptions
	// without a TokenVerifier is a construction error.
	TokenOptions *auth.RequireBearerTokenOptions
	// AuthorizationServer is advertised in the protected resource metadata
	// document served under /.well-known/oauth-protected-resource.
	AuthorizationServer string

	// CORS wraps the whole handler in the configured policy when set. The
	// protected resource metadata endpoint answers cross-origin requests
	// regardless, so browser-based clients can always run discovery.
	CORS *cors.Options
}

func (o *Options) withDefaults() Options {
	if o == nil {
		o = &Options{}
	}
	opts := *o
	if opts.Implementation == nil {
		opts.Implementation = &mcp.Implementation{
			Name:    "mcp-hub",
			Title:   "MCP Hub Gateway",
			Version: "1.0.0",
		}
	} else {
		impl := *opts.Implementation
		opts.Implementation = &impl
	}
	if opts.Addr == "" {
		opts.Addr = ":8700"
	}
	if opts.Path == "" {
		opts.Path = "/mcp"
	}
	if !strings.HasPrefix(opts.Path, "/") {
		opts.Path = "/" + opts.Path
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 10 * time.Second
	}
	return opts
}
