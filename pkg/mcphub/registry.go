package mcphub

import (
	"maps"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Catalog metadata keys attached to every aggregated capability so callers
// can recover the originating backend and the native identifier.
const (
	MetaKeyBackend    = "mcphub.backend"
	MetaKeyNativeName = "mcphub.native_name"
	MetaKeyNativeURI  = "mcphub.native_uri"
)

// capabilityTarget locates the native capability behind a namespaced catalog
// entry. NativeName carries the tool or prompt name, or the resource URI.
type capabilityTarget struct {
	Backend    string
	NativeName string
}

type toolEntry struct {
	target capabilityTarget
	tool   *mcp.Tool
}

type resourceEntry struct {
	target   capabilityTarget
	resource *mcp.Resource
}

type promptEntry struct {
	target capabilityTarget
	prompt *mcp.Prompt
}

// backendCapabilities is one backend's raw capability lists as captured from
// its connection at rebuild time.
type backendCapabilities struct {
	name      string
	tools     []*mcp.Tool
	resources []*mcp.Resource
	prompts   []*mcp.Prompt
}

// catalogSnapshot is one immutable aggregated capability catalog. Readers use
// a snapshot without further coordination; rebuilds construct a fresh
// snapshot from scratch and swap it in, they never patch one in place.
type catalogSnapshot struct {
	backends map[string]struct{}

	tools     map[string]toolEntry
	toolOrder []string

	resources     map[string]resourceEntry
	resourceOrder []string

	prompts     map[string]promptEntry
	promptOrder []string

	// resourceReverse maps backend + "\x00" + native URI back to the hub URI
	// so resource update notifications can be renamed on the way out.
	resourceReverse map[string]string
}

// buildCatalog aggregates per-backend capability lists into one snapshot.
// Backends are processed in the order given, which the manager fixes to
// configuration order, so enumeration order is deterministic. Within a
// backend a repeated name overwrites the earlier entry but keeps its
// position.
func buildCatalog(ns NamespaceStrategy, caps []backendCapabilities) *catalogSnapshot {
	snap := &catalogSnapshot{
		backends:        make(map[string]struct{}, len(caps)),
		tools:           make(map[string]toolEntry),
		resources:       make(map[string]resourceEntry),
		prompts:         make(map[string]promptEntry),
		resourceReverse: make(map[string]string),
	}
	for _, backend := range caps {
		snap.backends[backend.name] = struct{}{}
		for _, tool := range backend.tools {
			if tool == nil {
				continue
			}
			hubName := ns.ToolName(backend.name, tool.Name)
			if _, exists := snap.tools[hubName]; !exists {
				snap.toolOrder = append(snap.toolOrder, hubName)
			}
			snap.tools[hubName] = toolEntry{
				target: capabilityTarget{Backend: backend.name, NativeName: tool.Name},
				tool:   namespacedTool(tool, hubName, backend.name),
			}
		}
		for _, resource := range backend.resources {
			if resource == nil {
				continue
			}
			hubURI := ns.ResourceURI(backend.name, resource.URI)
			if _, exists := snap.resources[hubURI]; !exists {
				snap.resourceOrder = append(snap.resourceOrder, hubURI)
			}
			snap.resources[hubURI] = resourceEntry{
				target:   capabilityTarget{Backend: backend.name, NativeName: resource.URI},
				resource: namespacedResource(resource, hubURI, backend.name),
			}
			snap.resourceReverse[reverseKey(backend.name, resource.URI)] = hubURI
		}
		for _, prompt := range backend.prompts {
			if prompt == nil {
				continue
			}
			hubName := ns.PromptName(backend.name, prompt.Name)
			if _, exists := snap.prompts[hubName]; !exists {
				snap.promptOrder = append(snap.promptOrder, hubName)
			}
			snap.prompts[hubName] = promptEntry{
				target: capabilityTarget{Backend: backend.name, NativeName: prompt.Name},
				prompt: namespacedPrompt(prompt, hubName, backend.name),
			}
		}
	}
	return snap
}

func (s *catalogSnapshot) listTools() []*mcp.Tool {
	out := make([]*mcp.Tool, 0, len(s.toolOrder))
	for _, name := range s.toolOrder {
		out = append(out, s.tools[name].tool)
	}
	return out
}

func (s *catalogSnapshot) listResources() []*mcp.Resource {
	out := make([]*mcp.Resource, 0, len(s.resourceOrder))
	for _, uri := range s.resourceOrder {
		out = append(out, s.resources[uri].resource)
	}
	return out
}

func (s *catalogSnapshot) listPrompts() []*mcp.Prompt {
	out := make([]*mcp.Prompt, 0, len(s.promptOrder))
	for _, name := range s.promptOrder {
		out = append(out, s.prompts[name].prompt)
	}
	return out
}

func (s *catalogSnapshot) toolTarget(name string) (capabilityTarget, bool) {
	entry, ok := s.tools[name]
	return entry.target, ok
}

func (s *catalogSnapshot) resourceTarget(uri string) (capabilityTarget, bool) {
	entry, ok := s.resources[uri]
	return entry.target, ok
}

func (s *catalogSnapshot) promptTarget(name string) (capabilityTarget, bool) {
	entry, ok := s.prompts[name]
	return entry.target, ok
}

func (s *catalogSnapshot) hubResourceURI(backend, nativeURI string) (string, bool) {
	uri, ok := s.resourceReverse[reverseKey(backend, nativeURI)]
	return uri, ok
}

func (s *catalogSnapshot) includes(backend string) bool {
	_, ok := s.backends[backend]
	return ok
}

func (s *catalogSnapshot) counts() (tools, resources, prompts int) {
	return len(s.tools), len(s.resources), len(s.prompts)
}

func reverseKey(backend, nativeURI string) string {
	return backend + "\x00" + nativeURI
}

// catalog holds the current snapshot. Writers build the replacement outside
// the lock; the lock only covers the pointer swap.
type catalog struct {
	mu      sync.RWMutex
	current *catalogSnapshot
}

func newCatalog(ns NamespaceStrategy) *catalog {
	return &catalog{current: buildCatalog(ns, nil)}
}

func (c *catalog) snapshot() *catalogSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

func (c *catalog) swap(next *catalogSnapshot) {
	c.mu.Lock()
	c.current = next
	c.mu.Unlock()
}

func namespacedTool(tool *mcp.Tool, hubName, backend string) *mcp.Tool {
	clone := *tool
	clone.Name = hubName
	clone.Meta = withMeta(tool.Meta, map[string]any{
		MetaKeyBackend:    backend,
		MetaKeyNativeName: tool.Name,
	})
	return &clone
}

func namespacedResource(resource *mcp.Resource, hubURI, backend string) *mcp.Resource {
	clone := *resource
	clone.URI = hubURI
	clone.Meta = withMeta(resource.Meta, map[string]any{
		MetaKeyBackend:   backend,
		MetaKeyNativeURI: resource.URI,
	})
	return &clone
}

func namespacedPrompt(prompt *mcp.Prompt, hubName, backend string) *mcp.Prompt {
	clone := *prompt
	clone.Name = hubName
	clone.Meta = withMeta(prompt.Meta, map[string]any{
		MetaKeyBackend:    backend,
		MetaKeyNativeName: prompt.Name,
	})
	return &clone
}

func withMeta(base map[string]any, extras map[string]any) map[string]any {
	out := maps.Clone(base)
	if out == nil {
		out = make(map[string]any)
	}
	for k, v := range extras {
		out[k] = v
	}
	return out
}
