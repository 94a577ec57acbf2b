package events

// ErrorPublisherAdapter lets the errors package publish to the bus without
// importing it.
type ErrorPublisherAdapter struct {
	bus *EventBus
}

// NewErrorPublisherAdapter creates a new adapter
func NewErrorPublisherAdapter(bus *EventBus) *ErrorPublisherAdapter {
	return &ErrorPublisherAdapter{bus: bus}
}

// TryPublish accepts any value satisfying ErrorSource and drops the rest.
func (a *ErrorPublisherAdapter) TryPublish(event any) bool {
	if a == nil || a.bus == nil {
		return false
	}
	src, ok := event.(ErrorSource)
	if !ok {
		return false
	}
	return a.bus.TryPublish(ErrorEvent{ErrorSource: src})
}
