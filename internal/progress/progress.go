// Package progress delivers typed progress events to subscribed listeners.
package progress

import (
	"sync"
)

// EventType identifies the kind of progress event.
type EventType string

const (
	EventScan     EventType = "scan"
	EventDecrypt  EventType = "decrypt"
	EventUpdate   EventType = "update"
	EventMigrate  EventType = "migrate"
	EventComplete EventType = "complete"
	EventError    EventType = "error"
)

// Event is a single progress notification.
type Event struct {
	Type     EventType `json:"type"`
	Current  int       `json:"current,omitempty"`
	Total    int       `json:"total,omitempty"`
	FileName string    `json:"fileName,omitempty"`

	// FileProgress is the progress of the current file in percent.
	FileProgress float64 `json:"fileProgress,omitempty"`

	Err string `json:"error,omitempty"`
}

// Listener receives events. Listeners are called synchronously and must
// not block.
type Listener func(Event)

// Registry holds the set of listeners.
type Registry struct {
	mu        sync.RWMutex
	next      int
	listeners map[int]Listener
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{listeners: make(map[int]Listener)}
}

// Subscribe adds a listener and returns a function that removes it.
// Calling the returned function more than once is safe.
func (r *Registry) Subscribe(l Listener) func() {
	r.mu.Lock()
	id := r.next
	r.next++
	r.listeners[id] = l
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.listeners, id)
			r.mu.Unlock()
		})
	}
}

// Emit delivers ev to every listener.
func (r *Registry) Emit(ev Event) {
	r.mu.RLock()
	ls := make([]Listener, 0, len(r.listeners))
	for _, l := range r.listeners {
		ls = append(ls, l)
	}
	r.mu.RUnlock()

	for _, l := range ls {
		l(ev)
	}
}

// Len returns the number of listeners.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.listeners)
}

// Sink is the emitter handed to one operation. When Verbose is false events
// are dropped; the operation itself behaves the same.
type Sink struct {
	Registry *Registry
	Verbose  bool
}

// Emit delivers ev if the sink is verbose.
func (s Sink) Emit(ev Event) {
	if !s.Verbose || s.Registry == nil {
		return
	}
	s.Registry.Emit(ev)
}

// Progress emits a progress event of type t.
func (s Sink) Progress(t EventType, current, total int, fileName string, fileProgress float64) {
	s.Emit(Event{Type: t, Current: current, Total: total, FileName: fileName, FileProgress: fileProgress})
}

// Complete emits a completion event.
func (s Sink) Complete() {
	s.Emit(Event{Type: EventComplete})
}

// Error emits an error event.
func (s Sink) Error(err error) {
	if err == nil {
		return
	}
	s.Emit(Event{Type: EventError, Err: err.Error()})
}
