package emit

// NullEmitter discards all events.
//
// The engine falls back to a NullEmitter when no emitter is configured, so
// emit sites never need a nil check.
type NullEmitter struct{}

// NewNullEmitter creates an emitter that drops everything.
func NewNullEmitter() *NullEmitter {
	return &NullEmitter{}
}

// Emit discards the event.
func (n *NullEmitter) Emit(Event) {}
