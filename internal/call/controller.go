// Package call holds the call lifecycle as an explicit state machine.
package call

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/unimindcare/carechat/internal/observability"
)

// State is the phase of the single call a client may hold
type State string

const (
	Idle            State = "idle"
	OutgoingRinging State = "outgoing-ringing"
	IncomingRinging State = "incoming-ringing"
	Connected       State = "connected"
)

// Event drives a transition
type Event string

const (
	Dial     Event = "dial"
	Ring     Event = "ring"
	Answered Event = "answered"
	Accepted Event = "accepted"
	Rejected Event = "rejected"
	Hangup   Event = "hangup"
)

var ErrInvalidTransition = errors.New("invalid call transition")

// Every path back to Idle is the end of a call; there is no separate failed state.
var transitions = map[State]map[Event]State{
	Idle: {
		Dial:   OutgoingRinging,
		Ring:   IncomingRinging,
		Hangup: Idle,
	},
	OutgoingRinging: {
		Answered: Connected,
		Hangup:   Idle,
	},
	IncomingRinging: {
		Accepted: Connected,
		Rejected: Idle,
		Hangup:   Idle,
	},
	Connected: {
		Hangup: Idle,
	},
}

// Transition describes one applied state change
type Transition struct {
	From        State  `json:"from"`
	To          State  `json:"to"`
	Event       Event  `json:"event"`
	Counterpart string `json:"counterpart,omitempty"`
}

// Status is what a UI renders
type Status struct {
	State       State  `json:"state"`
	Counterpart string `json:"counterpart,omitempty"`
	Error       string `json:"error,omitempty"`
}

type Observer func(Transition)

type Controller struct {
	mu          sync.Mutex
	state       State
	counterpart string
	errMsg      string
	observers   []Observer
	logger      *slog.Logger
}

func NewController(logger *slog.Logger) *Controller {
	return &Controller{
		state:  Idle,
		logger: observability.OrDiscard(logger),
	}
}

// Subscribe registers an observer called after every applied transition,
// outside the controller's lock.
func (c *Controller) Subscribe(obs Observer) {
	c.mu.Lock()
	c.observers = append(c.observers, obs)
	c.mu.Unlock()
}

// Fire applies ev. Dial and Ring bind the counterpart; any other event must
// name the current counterpart or leave it empty. Hangup while idle is a no-op.
func (c *Controller) Fire(ev Event, counterpart string) (Transition, error) {
	c.mu.Lock()

	from := c.state
	to, ok := transitions[from][ev]
	if !ok {
		c.mu.Unlock()
		return Transition{}, fmt.Errorf("%w: %s on %s", ErrInvalidTransition, ev, from)
	}

	switch ev {
	case Dial, Ring:
		if counterpart == "" {
			c.mu.Unlock()
			return Transition{}, fmt.Errorf("%w: %s needs a counterpart", ErrInvalidTransition, ev)
		}
		c.counterpart = counterpart
		if ev == Dial {
			c.errMsg = ""
		}
	default:
		if counterpart != "" && c.counterpart != "" && counterpart != c.counterpart {
			c.mu.Unlock()
			return Transition{}, fmt.Errorf("%w: %s from %s during call with %s", ErrInvalidTransition, ev, counterpart, c.counterpart)
		}
	}

	tr := Transition{From: from, To: to, Event: ev, Counterpart: c.counterpart}
	c.state = to
	if to == Idle {
		c.counterpart = ""
	}

	if from == Idle && to == Idle {
		c.mu.Unlock()
		return tr, nil
	}

	observers := make([]Observer, len(c.observers))
	copy(observers, c.observers)
	c.mu.Unlock()

	observability.CallTransitions.WithLabelValues(string(from), string(to)).Inc()
	c.logger.Info("call transition",
		slog.String("from", string(from)),
		slog.String("to", string(to)),
		slog.String("event", string(ev)),
		slog.String("counterpart", tr.Counterpart),
	)
	for _, obs := range observers {
		obs(tr)
	}
	return tr, nil
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) Counterpart() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counterpart
}

func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{State: c.state, Counterpart: c.counterpart, Error: c.errMsg}
}

// SetError records a user-visible call error without touching the state
func (c *Controller) SetError(msg string) {
	c.mu.Lock()
	c.errMsg = msg
	c.mu.Unlock()
}

func (c *Controller) Error() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errMsg
}

func (c *Controller) ClearError() {
	c.SetError("")
}
