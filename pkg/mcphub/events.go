package mcphub

// Event is a lifecycle notification delivered to Subscribe callbacks.
type Event interface {
	event()
}

// CatalogChanged reports that the aggregated capability catalog was rebuilt.
// Subscribers re-read the catalog through ListTools, ListResources, and
// ListPrompts; the event itself carries no payload.
type CatalogChanged struct{}

func (CatalogChanged) event() {}

// BackendFailed reports that a backend exhausted its reconnect budget and
// will not be retried until it is removed and added again.
type BackendFailed struct {
	Name string
	Err  error
}

func (BackendFailed) event() {}
