package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{AwaitingModelOutput, Validating, true},
		{AwaitingModelOutput, Dispatching, false},
		{Validating, Dispatching, true},
		{Validating, AwaitingResults, false},
		{Dispatching, AwaitingResults, true},
		{AwaitingResults, Composing, true},
		{AwaitingResults, AwaitingModelOutput, false},
		{Composing, AwaitingModelOutput, true},
		{Responding, AwaitingModelOutput, true},
		{Responding, Terminated, true},
		{Terminated, AwaitingModelOutput, false},
		{Terminated, Terminated, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CanTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestTransitionErrorLeavesState(t *testing.T) {
	h := newHarness(t, Options{})
	c := h.mgr.Open()
	err := c.transition(AwaitingResults)
	var terr *TransitionError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, AwaitingModelOutput, terr.From)
	assert.Equal(t, AwaitingResults, terr.To)
	assert.Equal(t, AwaitingModelOutput, c.State())
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestSweepClosesIdleSessions(t *testing.T) {
	h := newHarness(t, Options{IdleTimeout: time.Minute}, `{"response_text": "hi"}`)
	clk := &clock{t: fixedNow}
	h.mgr.now = clk.now

	idle := h.mgr.Open()
	clk.advance(50 * time.Second)
	active := h.mgr.Open()
	clk.advance(20 * time.Second)

	_, err := active.HandleUtterance(context.Background(), "still here")
	require.NoError(t, err)
	assert.Len(t, h.mgr.List(), 2)

	assert.Equal(t, 1, h.mgr.Sweep(context.Background()))
	_, ok := h.mgr.Get(idle.ID())
	assert.False(t, ok)
	assert.Equal(t, Terminated, idle.State())

	infos := h.mgr.List()
	require.Len(t, infos, 1)
	assert.Equal(t, active.ID(), infos[0].ID)
	assert.Equal(t, 1, infos[0].Utterances)

	h.mgr.CloseAll(context.Background())
	assert.Empty(t, h.mgr.List())
	assert.Equal(t, Terminated, active.State())
}
