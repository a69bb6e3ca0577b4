package progress

import (
	"errors"
	"testing"
)

func TestRegistry_SubscribeUnsubscribe(t *testing.T) {
	r := NewRegistry()

	var a, b []Event
	unsubA := r.Subscribe(func(ev Event) { a = append(a, ev) })
	r.Subscribe(func(ev Event) { b = append(b, ev) })

	if r.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", r.Len())
	}

	r.Emit(Event{Type: EventScan})
	unsubA()
	unsubA()
	r.Emit(Event{Type: EventComplete})

	if len(a) != 1 {
		t.Errorf("listener a got %d events, want 1", len(a))
	}
	if len(b) != 2 {
		t.Errorf("listener b got %d events, want 2", len(b))
	}
	if r.Len() != 1 {
		t.Errorf("Len() = %d after unsubscribe, want 1", r.Len())
	}
}

func TestSink_Silent(t *testing.T) {
	r := NewRegistry()
	var got []Event
	r.Subscribe(func(ev Event) { got = append(got, ev) })

	silent := Sink{Registry: r}
	silent.Progress(EventDecrypt, 1, 2, "a.db", 50)
	silent.Complete()
	if len(got) != 0 {
		t.Fatalf("silent sink delivered %d events", len(got))
	}

	loud := Sink{Registry: r, Verbose: true}
	loud.Progress(EventDecrypt, 1, 2, "a.db", 50)
	loud.Error(errors.New("boom"))
	loud.Error(nil)
	loud.Complete()

	if len(got) != 3 {
		t.Fatalf("verbose sink delivered %d events, want 3", len(got))
	}
	if got[0].FileName != "a.db" || got[0].FileProgress != 50 {
		t.Errorf("unexpected progress event %+v", got[0])
	}
	if got[1].Type != EventError || got[1].Err != "boom" {
		t.Errorf("unexpected error event %+v", got[1])
	}
}

func TestSink_NilRegistry(t *testing.T) {
	s := Sink{Verbose: true}
	s.Complete()
}
