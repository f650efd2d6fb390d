package progress

import (
	"context"
	"sync"
)

// Sink consumes batches of progress events. Implementations must be safe for
// repeated calls, honor ctx deadlines, and may be invoked concurrently.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}

// Emitter publishes individual events; Hub satisfies this interface so
// components can remain agnostic about how events are buffered or consumed.
type Emitter interface {
	Emit(evt Event)
}

// Nop discards every event.
type Nop struct{}

// Emit implements Emitter.
func (Nop) Emit(Event) {}

// Recorder is a synchronous Emitter that keeps every valid event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// NewRecorder returns an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Emit stores evt if it validates.
func (r *Recorder) Emit(evt Event) {
	if evt.Validate() != nil {
		return
	}
	r.mu.Lock()
	r.events = append(r.events, evt)
	r.mu.Unlock()
}

// Events returns a copy of the recorded events in emit order.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Filter returns recorded events with the given stage.
func (r *Recorder) Filter(stage Stage) []Event {
	var out []Event
	for _, evt := range r.Events() {
		if evt.Stage == stage {
			out = append(out, evt)
		}
	}
	return out
}

// Count returns how many events with the given stage were recorded.
func (r *Recorder) Count(stage Stage) int {
	return len(r.Filter(stage))
}
