// Package mcpgateway re-serves the aggregated catalog of an mcphub.Manager
// as one MCP server, over streamable HTTP or on stdio for running as a child
// server of another client. Downstream clients see the hub's
// namespaced tools, prompts, and resources, and every call routes back
// through the hub to the owning backend. The advertised feature set tracks
// the hub's catalog change events. Resource updates and solicited progress
// notifications are relayed to downstream sessions, and the endpoint can be
// guarded with bearer-token authentication and CORS.
package mcpgateway
