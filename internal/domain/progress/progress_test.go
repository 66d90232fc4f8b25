package progress

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/ehr/assistant/internal/domain/access"
)

func drain(c *Coordinator) []Event {
	var out []Event
	for ev := range c.Events() {
		out = append(out, ev)
	}
	return out
}

func runTo(t *testing.T, c *Coordinator, last State) {
	t.Helper()
	for s := Classifying; s <= last; s++ {
		if err := c.Advance(context.Background(), s); err != nil {
			t.Fatalf("advance to %s: %v", s, err)
		}
	}
}

func TestCoordinator_HappyPath(t *testing.T) {
	c := New("req-1", nil)
	runTo(t, c, Validating)
	if err := c.Complete("Your A1c was 6.1%.", []string{"data"}, []access.Category{access.CategoryLabs}); err != nil {
		t.Fatalf("complete: %v", err)
	}

	events := drain(c)
	want := []State{Started, Classifying, Retrieving, Assembling, Generating, Validating, Completed}
	if len(events) != len(want) {
		t.Fatalf("expected %d events, got %d", len(want), len(events))
	}
	for i, ev := range events {
		if ev.Stage != want[i] {
			t.Errorf("event %d: expected %s, got %s", i, want[i], ev.Stage)
		}
		if ev.Sequence != i+1 {
			t.Errorf("event %d: expected sequence %d, got %d", i, i+1, ev.Sequence)
		}
		if ev.RequestID != "req-1" {
			t.Errorf("event %d: expected request id req-1, got %s", i, ev.RequestID)
		}
		if i < len(events)-1 && (ev.Answer != "" || ev.Terminal) {
			t.Errorf("intermediate event %d carries answer or terminal flag", i)
		}
	}
	final := events[len(events)-1]
	if !final.Terminal || final.Answer != "Your A1c was 6.1%." {
		t.Errorf("unexpected final event: %+v", final)
	}
	if events[0].Message != "I'm thinking about your question..." {
		t.Errorf("unexpected first message %q", events[0].Message)
	}
}

func TestCoordinator_InvalidTransition(t *testing.T) {
	c := New("req-1", nil)
	if err := c.Advance(context.Background(), Generating); !errors.Is(err, access.ErrInternal) {
		t.Errorf("expected internal error for skipped stage, got %v", err)
	}
	if err := c.Advance(context.Background(), Completed); err == nil {
		t.Error("expected error advancing to a terminal state")
	}
	if err := c.Complete("x", nil, nil); err == nil {
		t.Error("expected error completing before validation")
	}
	if c.State() != Started {
		t.Errorf("expected state to stay started, got %s", c.State())
	}
}

func TestCoordinator_CancelBeforeGeneration(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	called := false
	c := New("req-2", func() { called = true; cancel() })
	runTo(t, c, Assembling)

	if !c.Cancel() {
		t.Fatal("expected cancel to transition")
	}
	if !called {
		t.Error("expected cancel func to be invoked")
	}
	if err := c.Advance(ctx, Generating); !errors.Is(err, access.ErrCancelled) {
		t.Errorf("expected cancelled error, got %v", err)
	}
	if err := c.Complete("late answer", nil, nil); !errors.Is(err, access.ErrCancelled) {
		t.Errorf("expected late answer to be discarded, got %v", err)
	}

	events := drain(c)
	last := events[len(events)-1]
	if last.Stage != Cancelled || !last.Terminal {
		t.Fatalf("expected cancelled terminal event, got %+v", last)
	}
	for _, ev := range events {
		if ev.Stage == Completed || ev.Stage == Generating || ev.Answer != "" {
			t.Errorf("unexpected event after cancellation: %+v", ev)
		}
	}
}

func TestCoordinator_ContextCancelledObservedOnAdvance(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	c := New("req-3", cancel)
	cancel()

	err := c.Advance(ctx, Classifying)
	if !errors.Is(err, access.ErrCancelled) {
		t.Fatalf("expected cancelled, got %v", err)
	}
	events := drain(c)
	if len(events) != 2 || events[1].Stage != Cancelled {
		t.Errorf("expected started then cancelled, got %+v", events)
	}
}

func TestCoordinator_FailOnce(t *testing.T) {
	c := New("req-4", nil)
	runTo(t, c, Retrieving)
	c.Fail(access.KindConsentDenied)
	c.Fail(access.KindInternal)
	if c.Cancel() {
		t.Error("expected cancel after failure to be a no-op")
	}

	events := drain(c)
	terminal := 0
	for _, ev := range events {
		if ev.Terminal {
			terminal++
		}
	}
	if terminal != 1 {
		t.Fatalf("expected exactly one terminal event, got %d", terminal)
	}
	final, ok := c.Final()
	if !ok || final.Stage != Failed || final.ErrorKind != access.KindConsentDenied {
		t.Errorf("unexpected final event %+v", final)
	}
	if final.Message != access.KindConsentDenied.PublicMessage() {
		t.Errorf("expected public message, got %q", final.Message)
	}
}

func TestCoordinator_FailCancelledKind(t *testing.T) {
	c := New("req-5", nil)
	c.Fail(access.KindCancelled)
	if c.State() != Cancelled {
		t.Errorf("expected cancelled state, got %s", c.State())
	}
}

func TestCoordinator_ConcurrentCancel(t *testing.T) {
	for i := 0; i < 50; i++ {
		c := New("req", nil)
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			for s := Classifying; s <= Validating; s++ {
				if c.Advance(context.Background(), s) != nil {
					return
				}
			}
			c.Complete("answer", nil, nil)
		}()
		go func() {
			defer wg.Done()
			c.Cancel()
		}()
		wg.Wait()

		events := drain(c)
		last := events[len(events)-1]
		if !last.Terminal {
			t.Fatalf("expected terminal last event, got %+v", last)
		}
		for _, ev := range events[:len(events)-1] {
			if ev.Terminal {
				t.Fatalf("terminal event before the end: %+v", ev)
			}
		}
	}
}

func TestEvent_JSON(t *testing.T) {
	b, err := json.Marshal(Event{RequestID: "r", Stage: Retrieving, Message: "m", Sequence: 3, Step: 2, TotalSteps: 5})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got map[string]any
	json.Unmarshal(b, &got)
	if got["stage"] != "retrieving" {
		t.Errorf("expected stage name, got %v", got["stage"])
	}
	if _, ok := got["answer"]; ok {
		t.Error("expected answer to be omitted")
	}

	var s State
	if err := s.UnmarshalText([]byte("validating")); err != nil || s != Validating {
		t.Errorf("expected validating, got %v, %v", s, err)
	}
	if err := s.UnmarshalText([]byte("nope")); err == nil {
		t.Error("expected error for unknown state")
	}
}
