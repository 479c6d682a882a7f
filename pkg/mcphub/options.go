package mcphub

import (
	"log/slog"
	"time"
)

// Defaults applied by Options.normalized for zero-valued fields.
const (
	DefaultClientName           = "mcp-hub"
	DefaultClientVersion        = "1.0.0"
	DefaultTimeout              = 30 * time.Second
	DefaultConnectTimeout       = 30 * time.Second
	DefaultDisconnectTimeout    = 10 * time.Second
	DefaultHealthInterval       = 30 * time.Second
	DefaultProbeTimeout         = 10 * time.Second
	DefaultUnhealthyThreshold   = 3
	DefaultMaxReconnectAttempts = 8
	DefaultMaxConcurrency       = 4
)

// Options configures a Manager. The zero value is usable; NewManager fills
// every unset field with the defaults above.
type Options struct {
	// ClientName and ClientVersion identify the hub to its backends during
	// the MCP handshake.
	ClientName    string
	ClientVersion string

	// Timeout bounds each forwarded request unless the backend's config
	// overrides it.
	Timeout time.Duration
	// ConnectTimeout bounds transport spawn plus MCP handshake.
	ConnectTimeout time.Duration
	// DisconnectTimeout bounds a single session close during disconnect.
	DisconnectTimeout time.Duration

	// HealthInterval is the supervisor tick period.
	HealthInterval time.Duration
	// ProbeTimeout bounds one health probe.
	ProbeTimeout time.Duration
	// UnhealthyThreshold is the consecutive probe failure count at which a
	// degraded backend is disconnected and scheduled for reconnection.
	UnhealthyThreshold int
	// Backoff shapes the reconnect delay schedule.
	Backoff BackoffConfig
	// MaxReconnectAttempts is the reconnect budget before a backend is marked
	// failed. Failed backends stay down until removed and re-added.
	MaxReconnectAttempts int

	// MaxConcurrency bounds the parallelism of ConnectAll and DisconnectAll.
	MaxConcurrency int

	// Namespace rewrites backend capability identifiers into the aggregated
	// catalog. Defaults to BackendPrefixNamespace with the "__" separator.
	Namespace NamespaceStrategy

	// Logger receives structured hub logs. Defaults to slog.Default().
	Logger *slog.Logger
	// Observer receives hot-path measurements. Defaults to NopObserver.
	Observer Observer
	// RPCLogger, when set, receives every JSON-RPC frame exchanged with
	// every backend.
	RPCLogger RPCLogger
}

func (o *Options) normalized() Options {
	var opts Options
	if o != nil {
		opts = *o
	}
	if opts.ClientName == "" {
		opts.ClientName = DefaultClientName
	}
	if opts.ClientVersion == "" {
		opts.ClientVersion = DefaultClientVersion
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if opts.DisconnectTimeout <= 0 {
		opts.DisconnectTimeout = DefaultDisconnectTimeout
	}
	if opts.HealthInterval <= 0 {
		opts.HealthInterval = DefaultHealthInterval
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = DefaultProbeTimeout
	}
	if opts.UnhealthyThreshold <= 0 {
		opts.UnhealthyThreshold = DefaultUnhealthyThreshold
	}
	opts.Backoff = opts.Backoff.normalized()
	if opts.MaxReconnectAttempts <= 0 {
		opts.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = DefaultMaxConcurrency
	}
	if opts.Namespace == nil {
		opts.Namespace = BackendPrefixNamespace{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Observer == nil {
		opts.Observer = NopObserver{}
	}
	return opts
}
