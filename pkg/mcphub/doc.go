// Package mcphub multiplexes a fleet of Model Context Protocol (MCP) backends
// behind one aggregated, namespaced capability catalog. It layers connection
// lifecycle tracking, health supervision with backoff-driven reconnection,
// and catalog aggregation on top of the modelcontextprotocol/go-sdk client so
// callers address every backend tool, resource, and prompt through a single
// Manager.
//
// # Core entry points
//
//   - Manager is the long-lived orchestration type. Construct it with
//     NewManager, register backends with AddBackend, and call Start to run
//     the health supervisor.
//   - BackendConfig declares how each backend is launched (stdio command) or
//     contacted (streamable HTTP or SSE endpoint).
//   - Options tune timeouts, the probe cadence, the unhealthy threshold, the
//     reconnect backoff schedule, and the namespace strategy.
//
// Namespaced identifiers follow the configured NamespaceStrategy; the default
// BackendPrefixNamespace exposes backend alpha's echo tool as alpha__echo and
// its file:///tmp/x resource as alpha:///tmp/x. Forwarded requests route on
// catalog entries, so ambiguous string surgery on identifiers never happens
// on the hot path.
//
// Catalog reads through ListTools, ListResources, and ListPrompts are
// snapshot-based and never block behind rebuilds. Subscribe delivers
// CatalogChanged and BackendFailed events; OnResourceUpdated relays backend
// resource update notifications with hub-namespaced URIs, and OnProgress
// relays progress notifications emitted during forwarded calls.
package mcphub
