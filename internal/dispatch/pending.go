package dispatch

import (
	"context"
	"sync"

	"github.com/nidhogg/grace/internal/command"
)

// Pending is the handle on one turn's dispatched commands.
type Pending struct {
	SessionID string
	TurnID    string

	ids      []string
	mu       sync.Mutex
	results  []command.Result
	resolved []bool
	observed []string
	done     chan struct{}

	detached sync.WaitGroup // fire-and-forget handlers still running
	late     []command.Result
	settled  chan struct{}
}

func newPending(sessionID, turnID string, cmds []command.Command) *Pending {
	ids := make([]string, len(cmds))
	for i, c := range cmds {
		ids[i] = c.ID
	}
	p := &Pending{
		SessionID: sessionID,
		TurnID:    turnID,
		ids:       ids,
		results:   make([]command.Result, len(cmds)),
		resolved:  make([]bool, len(cmds)),
		done:      make(chan struct{}),
		settled:   make(chan struct{}),
	}
	return p
}

func (p *Pending) set(i int, r command.Result) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.resolved[i] {
		return
	}
	p.results[i] = r
	p.resolved[i] = true
	p.observed = append(p.observed, r.CommandID)
}

func (p *Pending) finish() {
	close(p.done)
	go func() {
		p.detached.Wait()
		close(p.settled)
	}()
}

// settle records the real outcome of a fire-and-forget command. Only
// unsuccessful outcomes are kept.
func (p *Pending) settle(r command.Result) {
	if !r.OK() {
		p.mu.Lock()
		p.late = append(p.late, r)
		p.mu.Unlock()
	}
	p.detached.Done()
}

// Settled is closed once every command has a result and every
// fire-and-forget handler has returned.
func (p *Pending) Settled() <-chan struct{} { return p.settled }

// Late returns fire-and-forget commands whose handlers failed or timed
// out after they were accepted. It is complete once Settled is closed.
func (p *Pending) Late() []command.Result {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]command.Result(nil), p.late...)
}

// Done is closed once every command has a result.
func (p *Pending) Done() <-chan struct{} { return p.done }

// Wait blocks until every command has a result and returns them in
// command order. If ctx ends first, the results so far are returned with
// ctx's error; unresolved entries are zero values.
func (p *Pending) Wait(ctx context.Context) ([]command.Result, error) {
	select {
	case <-p.done:
		return p.snapshot(), nil
	case <-ctx.Done():
		return p.snapshot(), ctx.Err()
	}
}

func (p *Pending) snapshot() []command.Result {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]command.Result, len(p.results))
	copy(out, p.results)
	return out
}

// Outstanding returns the ids of commands still awaiting a result.
func (p *Pending) Outstanding() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for i, ok := range p.resolved {
		if !ok {
			out = append(out, p.ids[i])
		}
	}
	return out
}

// Observed returns command ids in the order their results arrived.
func (p *Pending) Observed() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.observed))
	copy(out, p.observed)
	return out
}
