package call

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestController_OutgoingLifecycle(t *testing.T) {
	c := NewController(nil)
	assert.Equal(t, Idle, c.State())

	tr, err := c.Fire(Dial, "bob")
	require.NoError(t, err)
	assert.Equal(t, Transition{From: Idle, To: OutgoingRinging, Event: Dial, Counterpart: "bob"}, tr)

	_, err = c.Fire(Answered, "bob")
	require.NoError(t, err)
	assert.Equal(t, Connected, c.State())
	assert.Equal(t, "bob", c.Counterpart())

	_, err = c.Fire(Hangup, "")
	require.NoError(t, err)
	assert.Equal(t, Status{State: Idle}, c.Status())
}

func TestController_IncomingRejected(t *testing.T) {
	c := NewController(nil)

	_, err := c.Fire(Ring, "alice")
	require.NoError(t, err)
	assert.Equal(t, IncomingRinging, c.State())

	_, err = c.Fire(Rejected, "alice")
	require.NoError(t, err)
	assert.Equal(t, Idle, c.State())
	assert.Empty(t, c.Counterpart())
}

func TestController_InvalidTransitions(t *testing.T) {
	tests := []struct {
		name  string
		setup []Event
		event Event
	}{
		{"answer while idle", nil, Answered},
		{"accept outgoing", []Event{Dial}, Accepted},
		{"ring while ringing", []Event{Ring}, Ring},
		{"dial while connected", []Event{Dial, Answered}, Dial},
		{"reject connected", []Event{Ring, Accepted}, Rejected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewController(nil)
			for _, ev := range tt.setup {
				_, err := c.Fire(ev, "bob")
				require.NoError(t, err)
			}
			before := c.State()

			_, err := c.Fire(tt.event, "bob")
			assert.ErrorIs(t, err, ErrInvalidTransition)
			assert.Equal(t, before, c.State())
		})
	}
}

func TestController_RejectsOtherCounterpart(t *testing.T) {
	c := NewController(nil)
	_, err := c.Fire(Dial, "bob")
	require.NoError(t, err)

	_, err = c.Fire(Answered, "mallory")
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, OutgoingRinging, c.State())
}

func TestController_HangupWhileIdleIsSilent(t *testing.T) {
	c := NewController(nil)
	var seen []Transition
	c.Subscribe(func(tr Transition) { seen = append(seen, tr) })

	for i := 0; i < 2; i++ {
		_, err := c.Fire(Hangup, "")
		require.NoError(t, err)
	}
	assert.Equal(t, Idle, c.State())
	assert.Empty(t, seen)
}

func TestController_ObserversSeeEveryChange(t *testing.T) {
	c := NewController(nil)
	var seen []State
	c.Subscribe(func(tr Transition) {
		// observers run outside the lock and may read the controller
		assert.Equal(t, tr.To, c.State())
		seen = append(seen, tr.To)
	})

	_, _ = c.Fire(Ring, "alice")
	_, _ = c.Fire(Accepted, "")
	_, _ = c.Fire(Hangup, "")

	assert.Equal(t, []State{IncomingRinging, Connected, Idle}, seen)
}

func TestController_ErrorIsNotAState(t *testing.T) {
	c := NewController(nil)
	c.SetError("camera unavailable")

	assert.Equal(t, Idle, c.State())
	assert.Equal(t, "camera unavailable", c.Status().Error)

	// a new dial starts clean
	_, err := c.Fire(Dial, "bob")
	require.NoError(t, err)
	assert.Empty(t, c.Error())

	c.SetError("x")
	c.ClearError()
	assert.Empty(t, c.Error())
}
