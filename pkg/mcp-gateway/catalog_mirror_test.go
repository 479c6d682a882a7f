package mcpgateway

import (
	"reflect"
	"sort"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

func TestCatalogMirrorDiffsTools(t *testing.T) {
	t.Parallel()

	mirror := newCatalogMirror()

	first := []*mcp.Tool{
		{Name: "alpha__echo", Description: "echo"},
		{Name: "bravo__sum", Description: "sum"},
	}
	removed, added := mirror.updateTools(first)
	if len(removed) != 0 {
		t.Fatalf("first update removed %v, want none", removed)
	}
	if got := toolNames(added); !reflect.DeepEqual(got, []string{"alpha__echo", "bravo__sum"}) {
		t.Fatalf("first update added %v", got)
	}

	removed, added = mirror.updateTools(first)
	if len(removed) != 0 || len(added) != 0 {
		t.Fatalf("unchanged catalog produced diff: removed %v added %v", removed, toolNames(added))
	}

	changed := []*mcp.Tool{
		{Name: "alpha__echo", Description: "echo text back"},
		{Name: "bravo__sum", Description: "sum"},
	}
	removed, added = mirror.updateTools(changed)
	if len(removed) != 0 {
		t.Fatalf("descriptor change removed %v, want none", removed)
	}
	if got := toolNames(added); !reflect.DeepEqual(got, []string{"alpha__echo"}) {
		t.Fatalf("descriptor change re-added %v", got)
	}

	removed, added = mirror.updateTools([]*mcp.Tool{{Name: "bravo__sum", Description: "sum"}})
	if !reflect.DeepEqual(removed, []string{"alpha__echo"}) {
		t.Fatalf("dropped tool not removed: %v", removed)
	}
	if len(added) != 0 {
		t.Fatalf("shrinking catalog added %v", toolNames(added))
	}
}

func TestCatalogMirrorDiffsResourcesAndPrompts(t *testing.T) {
	t.Parallel()

	mirror := newCatalogMirror()

	removedURIs, addedResources := mirror.updateResources([]*mcp.Resource{
		{URI: "alpha:///docs/readme.md", Name: "readme"},
	})
	if len(removedURIs) != 0 || len(addedResources) != 1 {
		t.Fatalf("resource seed diff: removed %v added %d", removedURIs, len(addedResources))
	}
	removedURIs, addedResources = mirror.updateResources(nil)
	if !reflect.DeepEqual(removedURIs, []string{"alpha:///docs/readme.md"}) || len(addedResources) != 0 {
		t.Fatalf("resource drop diff: removed %v added %d", removedURIs, len(addedResources))
	}

	removedNames, addedPrompts := mirror.updatePrompts([]*mcp.Prompt{
		{Name: "alpha__greet", Description: "greeting"},
	})
	if len(removedNames) != 0 || len(addedPrompts) != 1 {
		t.Fatalf("prompt seed diff: removed %v added %d", removedNames, len(addedPrompts))
	}
	removedNames, addedPrompts = mirror.updatePrompts([]*mcp.Prompt{
		{Name: "alpha__greet", Description: "time of day greeting"},
	})
	if len(removedNames) != 0 || len(addedPrompts) != 1 {
		t.Fatalf("prompt change diff: removed %v added %d", removedNames, len(addedPrompts))
	}
}

func TestCatalogMirrorSkipsNilEntries(t *testing.T) {
	t.Parallel()

	mirror := newCatalogMirror()
	removed, added := mirror.updateTools([]*mcp.Tool{nil, {Name: "alpha__echo"}, nil})
	if len(removed) != 0 {
		t.Fatalf("removed %v, want none", removed)
	}
	if got := toolNames(added); !reflect.DeepEqual(got, []string{"alpha__echo"}) {
		t.Fatalf("added %v, want only the real tool", got)
	}
}

func toolNames(tools []*mcp.Tool) []string {
	names := make([]string, 0, len(tools))
	for _, tool := range tools {
		names = append(names, tool.Name)
	}
	sort.Strings(names)
	return names
}
