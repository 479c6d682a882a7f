package mcphub

import "time"

// Request kinds reported to Observer.RequestCompleted.
const (
	RequestKindTool     = "tool"
	RequestKindResource = "resource"
	RequestKindPrompt   = "prompt"
)

// Observer receives measurements from the hub's hot paths. Implementations
// must be safe for concurrent use and must not block; the hub calls them
// inline. NopObserver is used when Options does not supply one.
type Observer interface {
	// RequestCompleted reports one forwarded tool call, resource read, or
	// prompt fetch, with the native capability name.
	RequestCompleted(backend, kind, name string, elapsed time.Duration, err error)
	// ProbeCompleted reports one health probe.
	ProbeCompleted(backend string, elapsed time.Duration, err error)
	// StateChanged reports a backend connection state transition.
	StateChanged(backend string, from, to ConnectionState)
	// CatalogRebuilt reports the size of a freshly built catalog.
	CatalogRebuilt(tools, resources, prompts int)
}

// NopObserver discards all measurements.
type NopObserver struct{}

func (NopObserver) RequestCompleted(string, string, string, time.Duration, error) {}
func (NopObserver) ProbeCompleted(string, time.Duration, error)                   {}
func (NopObserver) StateChanged(string, ConnectionState, ConnectionState)         {}
func (NopObserver) CatalogRebuilt(int, int, int)                                  {}
