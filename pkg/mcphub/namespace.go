package mcphub

import (
	"fmt"
	"strings"
)

// NamespaceStrategy controls how backend capability identifiers are rewritten
// into the hub's aggregated namespace and how hub identifiers map back to
// their native form.
type NamespaceStrategy interface {
	// ToolName returns the namespaced name for a backend tool.
	ToolName(backend, name string) string
	// PromptName returns the namespaced name for a backend prompt.
	PromptName(backend, name string) string
	// ResourceURI returns the namespaced URI for a backend resource.
	ResourceURI(backend, uri string) string
	// NativeToolName reverses ToolName, reporting whether the namespaced name
	// belongs to the given backend.
	NativeToolName(backend, name string) (string, bool)
	// NativePromptName reverses PromptName.
	NativePromptName(backend, name string) (string, bool)
	// ValidateBackendName rejects backend names the strategy cannot namespace
	// unambiguously.
	ValidateBackendName(name string) error
}

// BackendPrefixNamespace namespaces tools and prompts as
// "<backend><separator><name>" and resources by replacing the URI scheme with
// the backend name, so alpha's file:///tmp/x surfaces as alpha:///tmp/x.
// Reversing a resource URI requires the catalog entry because the native
// scheme is not recoverable from the namespaced form.
type BackendPrefixNamespace struct {
	// Separator splits backend from native name. Defaults to "__".
	Separator string
}

func (n BackendPrefixNamespace) separator() string {
	if n.Separator == "" {
		return "__"
	}
	return n.Separator
}

func (n BackendPrefixNamespace) ToolName(backend, name string) string {
	return backend + n.separator() + name
}

func (n BackendPrefixNamespace) PromptName(backend, name string) string {
	return backend + n.separator() + name
}

func (n BackendPrefixNamespace) ResourceURI(backend, uri string) string {
	rest := uri
	if i := strings.Index(uri, "://"); i >= 0 {
		rest = uri[i+3:]
	} else if i := strings.Index(uri, ":"); i >= 0 {
		rest = uri[i+1:]
	}
	return backend + "://" + rest
}

func (n BackendPrefixNamespace) NativeToolName(backend, name string) (string, bool) {
	return strings.CutPrefix(name, backend+n.separator())
}

func (n BackendPrefixNamespace) NativePromptName(backend, name string) (string, bool) {
	return strings.CutPrefix(name, backend+n.separator())
}

func (n BackendPrefixNamespace) ValidateBackendName(name string) error {
	if name == "" {
		return fmt.Errorf("mcphub: backend name must not be empty")
	}
	if sep := n.separator(); strings.Contains(name, sep) {
		return fmt.Errorf("mcphub: backend name %q must not contain namespace separator %q", name, sep)
	}
	if strings.ContainsAny(name, ":/") {
		return fmt.Errorf("mcphub: backend name %q must not contain %q or %q", name, ':', '/')
	}
	return nil
}
