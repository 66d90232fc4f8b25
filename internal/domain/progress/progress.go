// Package progress implements the Streaming Progress Coordinator: a per-request
// state machine that publishes one ordered event per transition on a channel
// and closes the channel after exactly one terminal event.
package progress

import (
	"context"
	"fmt"
	"sync"

	"github.com/ehr/assistant/internal/domain/access"
)

type State uint8

const (
	Started State = iota
	Classifying
	Retrieving
	Assembling
	Generating
	Validating
	Completed
	Cancelled
	Failed
)

var stateNames = [...]string{
	Started:     "started",
	Classifying: "classifying",
	Retrieving:  "retrieving",
	Assembling:  "assembling",
	Generating:  "generating",
	Validating:  "validating",
	Completed:   "completed",
	Cancelled:   "cancelled",
	Failed:      "failed",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	for i, n := range stateNames {
		if n == string(b) {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("unknown progress state %q", b)
}

func (s State) Terminal() bool {
	return s == Completed || s == Cancelled || s == Failed
}

// steps is the number of non-terminal working stages after Started.
const steps = int(Validating)

var messages = map[State]string{
	Started:     "I'm thinking about your question...",
	Classifying: "Working out what kind of question this is...",
	Retrieving:  "Let me search for relevant information in your records...",
	Assembling:  "Putting the relevant details together...",
	Generating:  "I'm preparing your answer now...",
	Validating:  "Checking the answer before sending it...",
	Cancelled:   "Your request was cancelled.",
}

// Event is one transition. Answer is set only on the Completed event.
type Event struct {
	RequestID  string            `json:"request_id"`
	Stage      State             `json:"stage"`
	Message    string            `json:"message"`
	Sequence   int               `json:"sequence"`
	Step       int               `json:"step"`
	TotalSteps int               `json:"total_steps"`
	Terminal   bool              `json:"terminal"`
	Answer     string            `json:"answer,omitempty"`
	Intents    []string          `json:"intents,omitempty"`
	Categories []access.Category `json:"categories,omitempty"`
	ErrorKind  access.Kind       `json:"error_kind,omitempty"`
}

// Coordinator is safe for concurrent use; Cancel is typically called from a
// different goroutine than the pipeline.
type Coordinator struct {
	mu        sync.Mutex
	requestID string
	state     State
	seq       int
	events    chan Event
	cancel    context.CancelFunc
	last      Event
}

// New starts a coordinator in the Started state and emits its first event.
// cancel, when non-nil, is called on cancellation so in-flight calls observe
// it through their context.
func New(requestID string, cancel context.CancelFunc) *Coordinator {
	c := &Coordinator{
		requestID: requestID,
		state:     Started,
		events:    make(chan Event, int(Failed)+1),
		cancel:    cancel,
	}
	c.emit(Event{Stage: Started, Message: messages[Started]})
	return c
}

func (c *Coordinator) RequestID() string { return c.requestID }

// Events yields every event in order and is closed after the terminal one.
func (c *Coordinator) Events() <-chan Event { return c.events }

func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Final returns the terminal event once one has been emitted.
func (c *Coordinator) Final() (Event, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last, c.state.Terminal()
}

// emit must be called with mu held or before the coordinator is shared. The
// channel holds one slot per state, so sends never block.
func (c *Coordinator) emit(ev Event) {
	c.seq++
	ev.RequestID = c.requestID
	ev.Sequence = c.seq
	ev.TotalSteps = steps
	if !ev.Stage.Terminal() {
		ev.Step = int(ev.Stage)
	} else {
		ev.Terminal = true
		ev.Step = steps
	}
	c.state = ev.Stage
	c.last = ev
	c.events <- ev
	if ev.Terminal {
		close(c.events)
	}
}

// Advance moves to the next working stage. If ctx is done the request is
// cancelled instead and a cancelled error is returned. Stages must be
// entered in order.
func (c *Coordinator) Advance(ctx context.Context, next State) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.Terminal() {
		return c.terminalErr()
	}
	if ctx.Err() != nil {
		c.cancelLocked()
		return access.AtStage(next.String(), access.ErrCancelled)
	}
	if next.Terminal() || next != c.state+1 {
		return access.Errorf(access.KindInternal, "progress: invalid transition %s -> %s", c.state, next)
	}
	c.emit(Event{Stage: next, Message: messages[next]})
	return nil
}

// Complete emits the Completed event carrying the sanitized answer. It is
// only valid from Validating; after cancellation the answer is discarded
// and a cancelled error is returned.
func (c *Coordinator) Complete(answer string, intents []string, categories []access.Category) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.Terminal() {
		return c.terminalErr()
	}
	if c.state != Validating {
		return access.Errorf(access.KindInternal, "progress: cannot complete from %s", c.state)
	}
	c.emit(Event{
		Stage:      Completed,
		Message:    answer,
		Answer:     answer,
		Intents:    intents,
		Categories: categories,
	})
	return nil
}

// Fail emits the Failed event with the kind's public message. A cancelled
// kind is treated as Cancel. It is a no-op once terminal.
func (c *Coordinator) Fail(kind access.Kind) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.Terminal() {
		return
	}
	if kind == access.KindCancelled {
		c.cancelLocked()
		return
	}
	c.emit(Event{Stage: Failed, Message: kind.PublicMessage(), ErrorKind: kind})
}

// Cancel moves a running request to Cancelled. It reports whether this call
// performed the transition.
func (c *Coordinator) Cancel() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.Terminal() {
		return false
	}
	c.cancelLocked()
	return true
}

func (c *Coordinator) cancelLocked() {
	c.emit(Event{Stage: Cancelled, Message: messages[Cancelled], ErrorKind: access.KindCancelled})
	if c.cancel != nil {
		c.cancel()
	}
}

func (c *Coordinator) terminalErr() error {
	if c.state == Cancelled {
		return access.AtStage(c.state.String(), access.ErrCancelled)
	}
	return access.Errorf(access.KindInternal, "progress: request already %s", c.state)
}
