package mcpgateway

import (
	"reflect"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// catalogMirror tracks the descriptors currently advertised on the embedded
// server so a resync can translate the hub's full catalog into minimal
// remove and add batches. The hub already namespaces every identifier, so
// the mirror only diffs; it never rewrites names or URIs. Guarded by
// Gateway.serverMu.
type catalogMirror struct {
	tools     map[string]*mcp.Tool
	resources map[string]*mcp.Resource
	prompts   map[string]*mcp.Prompt
}

func newCatalogMirror() *catalogMirror {
	return &catalogMirror{
		tools:     make(map[string]*mcp.Tool),
		resources: make(map[string]*mcp.Resource),
		prompts:   make(map[string]*mcp.Prompt),
	}
}

// updateTools diffs the next catalog against the advertised set. Names that
// vanished are returned for removal; new and changed descriptors are
// returned for registration in catalog order. Re-registering a changed
// descriptor replaces the previous one in place.
func (m *catalogMirror) updateTools(next []*mcp.Tool) (removed []string, added []*mcp.Tool) {
	current := make(map[string]*mcp.Tool, len(next))
	for _, tool := range next {
		if tool == nil {
			continue
		}
		current[tool.Name] = tool
		if prev, ok := m.tools[tool.Name]; !ok || !reflect.DeepEqual(prev, tool) {
			added = append(added, tool)
		}
	}
	for name := range m.tools {
		if _, ok := current[name]; !ok {
			removed = append(removed, name)
		}
	}
	m.tools = current
	return removed, added
}

func (m *catalogMirror) updateResources(next []*mcp.Resource) (removed []string, added []*mcp.Resource) {
	current := make(map[string]*mcp.Resource, len(next))
	for _, resource := range next {
		if resource == nil {
			continue
		}
		current[resource.URI] = resource
		if prev, ok := m.resources[resource.URI]; !ok || !reflect.DeepEqual(prev, resource) {
			added = append(added, resource)
		}
	}
	for uri := range m.resources {
		if _, ok := current[uri]; !ok {
			removed = append(removed, uri)
		}
	}
	m.resources = current
	return removed, added
}

func (m *catalogMirror) updatePrompts(next []*mcp.Prompt) (removed []string, added []*mcp.Prompt) {
	current := make(map[string]*mcp.Prompt, len(next))
	for _, prompt := range next {
		if prompt == nil {
			continue
		}
		current[prompt.Name] = prompt
		if prev, ok := m.prompts[prompt.Name]; !ok || !reflect.DeepEqual(prev, prompt) {
			added = append(added, prompt)
		}
	}
	for name := range m.prompts {
		if _, ok := current[name]; !ok {
			removed = append(removed, name)
		}
	}
	m.prompts = current
	return removed, added
}
