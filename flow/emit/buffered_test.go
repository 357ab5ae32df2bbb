package emit

import (
	"sync"
	"testing"
)

func TestBufferedEmitterHistory(t *testing.T) {
	emitter := NewBufferedEmitter()

	emitter.Emit(Event{RunID: "run-1", Step: 0, Msg: "run start"})
	emitter.Emit(Event{RunID: "run-1", Step: 1, NodeID: "a", Msg: "node active"})
	emitter.Emit(Event{RunID: "run-1", Step: 1, NodeID: "a", Msg: "node completed"})
	emitter.Emit(Event{RunID: "run-2", Step: 1, NodeID: "b", Msg: "node active"})

	t.Run("returns events in emission order", func(t *testing.T) {
		events := emitter.History("run-1")
		if len(events) != 3 {
			t.Fatalf("expected 3 events, got %d", len(events))
		}
		if events[0].Msg != "run start" || events[2].Msg != "node completed" {
			t.Errorf("unexpected order: %v, %v", events[0].Msg, events[2].Msg)
		}
	})

	t.Run("isolates runs", func(t *testing.T) {
		if got := len(emitter.History("run-2")); got != 1 {
			t.Errorf("expected 1 event for run-2, got %d", got)
		}
	})

	t.Run("unknown run yields empty slice", func(t *testing.T) {
		events := emitter.History("missing")
		if events == nil {
			t.Fatal("expected empty slice, got nil")
		}
		if len(events) != 0 {
			t.Errorf("expected no events, got %d", len(events))
		}
	})

	t.Run("history returns a copy", func(t *testing.T) {
		events := emitter.History("run-1")
		events[0].Msg = "mutated"
		if emitter.History("run-1")[0].Msg != "run start" {
			t.Error("mutating the returned slice changed stored events")
		}
	})
}

func TestBufferedEmitterFilter(t *testing.T) {
	emitter := NewBufferedEmitter()
	emitter.Emit(Event{RunID: "run-1", Step: 1, NodeID: "a", Msg: "node active"})
	emitter.Emit(Event{RunID: "run-1", Step: 2, NodeID: "b", Msg: "node active"})
	emitter.Emit(Event{RunID: "run-1", Step: 3, NodeID: "b", Msg: "node error", Meta: map[string]interface{}{"error": "boom"}})

	t.Run("filter by node", func(t *testing.T) {
		events := emitter.HistoryWithFilter("run-1", HistoryFilter{NodeID: "b"})
		if len(events) != 2 {
			t.Errorf("expected 2 events for node b, got %d", len(events))
		}
	})

	t.Run("filter by message", func(t *testing.T) {
		events := emitter.HistoryWithFilter("run-1", HistoryFilter{Msg: "node error"})
		if len(events) != 1 {
			t.Fatalf("expected 1 error event, got %d", len(events))
		}
		if events[0].NodeID != "b" {
			t.Errorf("expected error on node b, got %s", events[0].NodeID)
		}
	})

	t.Run("filter by step range", func(t *testing.T) {
		minStep, maxStep := 2, 3
		events := emitter.HistoryWithFilter("run-1", HistoryFilter{MinStep: &minStep, MaxStep: &maxStep})
		if len(events) != 2 {
			t.Errorf("expected 2 events in step range, got %d", len(events))
		}
	})

	t.Run("combined filters use AND", func(t *testing.T) {
		events := emitter.HistoryWithFilter("run-1", HistoryFilter{NodeID: "b", Msg: "node active"})
		if len(events) != 1 {
			t.Errorf("expected 1 event, got %d", len(events))
		}
	})
}

func TestBufferedEmitterClear(t *testing.T) {
	emitter := NewBufferedEmitter()
	emitter.Emit(Event{RunID: "run-1", Msg: "run start"})
	emitter.Emit(Event{RunID: "run-2", Msg: "run start"})

	emitter.Clear("run-1")
	if len(emitter.History("run-1")) != 0 {
		t.Error("expected run-1 history cleared")
	}
	if len(emitter.History("run-2")) != 1 {
		t.Error("expected run-2 history retained")
	}

	emitter.Clear("")
	if len(emitter.History("run-2")) != 0 {
		t.Error("expected all histories cleared")
	}
}

func TestBufferedEmitterConcurrent(t *testing.T) {
	emitter := NewBufferedEmitter()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				emitter.Emit(Event{RunID: "run-c", Step: j, Msg: "node completed"})
			}
		}()
	}
	wg.Wait()

	if got := len(emitter.History("run-c")); got != 400 {
		t.Errorf("expected 400 events, got %d", got)
	}
}
