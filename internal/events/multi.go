package events

// MultiEmitter fans one event out to several emitters.
type MultiEmitter struct {
	emitters []Emitter
}

// NewMultiEmitter wraps the given emitters.
func NewMultiEmitter(emitters ...Emitter) *MultiEmitter {
	return &MultiEmitter{emitters: emitters}
}

// Emit implements Emitter.
func (m *MultiEmitter) Emit(event DecisionEvent) {
	for _, e := range m.emitters {
		e.Emit(event)
	}
}
