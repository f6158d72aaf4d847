package tt

import (
	"context"
	"strings"
	"sync"

	"github.com/rickchristie/regent"
)

// Event is one recorded emission.
type Event struct {
	Path string
	Name string
	Data any
	Meta *regent.EventMeta
}

// Recorder collects events matched on an emitter, in delivery order.
type Recorder struct {
	mu      sync.Mutex
	events  []Event
	cleanup regent.CleanupFunc
}

// Record attaches a blocking listener for matcher to e. Pass nil to record every event,
// nested runs included.
func Record(e *regent.Emitter, matcher regent.Matcher) *Recorder {
	if matcher == nil {
		matcher = regent.Pattern("*.*")
	}
	r := &Recorder{}
	r.cleanup = e.Match(matcher, func(_ context.Context, data any, meta *regent.EventMeta) error {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.events = append(r.events, Event{Path: meta.Path, Name: meta.Name, Data: data, Meta: meta})
		return nil
	}, regent.Blocking())
	return r
}

// Stop detaches the recorder.
func (r *Recorder) Stop() {
	r.cleanup()
}

// Events returns the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Paths returns the paths of the recorded events.
func (r *Recorder) Paths() []string {
	var paths []string
	for _, e := range r.Events() {
		paths = append(paths, e.Path)
	}
	return paths
}

// PathsWithPrefix returns the recorded paths starting with prefix.
func (r *Recorder) PathsWithPrefix(prefix string) []string {
	var paths []string
	for _, p := range r.Paths() {
		if strings.HasPrefix(p, prefix) {
			paths = append(paths, p)
		}
	}
	return paths
}

// Names returns the names of the recorded events.
func (r *Recorder) Names() []string {
	var names []string
	for _, e := range r.Events() {
		names = append(names, e.Name)
	}
	return names
}
