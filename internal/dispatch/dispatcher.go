// Package dispatch routes validated commands to subsystem handlers.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/nidhogg/grace/internal/command"
	"github.com/nidhogg/grace/internal/schema"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DefaultTimeout applies when neither config nor the registration names one.
const DefaultTimeout = 10 * time.Second

// Handler executes one command for a subsystem.
type Handler interface {
	Handle(ctx context.Context, sessionID string, cmd command.Command) (*command.Result, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, sessionID string, cmd command.Command) (*command.Result, error)

func (f HandlerFunc) Handle(ctx context.Context, sessionID string, cmd command.Command) (*command.Result, error) {
	return f(ctx, sessionID, cmd)
}

// Registration is what a subsystem declares at startup.
type Registration struct {
	Target      command.Target
	Handler     Handler
	Schema      schema.PayloadSchema
	Concurrent  bool // commands for this target are independent of each other
	Timeout     time.Duration
	Description string
}

// DispatchError reports a command that could not be routed.
type DispatchError struct {
	CommandID string
	Target    command.Target
	Reason    string
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch %s to %s: %s", e.CommandID, e.Target, e.Reason)
}

// Dispatcher delivers each command to exactly one subsystem handler.
type Dispatcher struct {
	mu          sync.RWMutex
	subsystems  map[command.Target]*Registration
	timeouts    map[command.Target]time.Duration
	concurrency map[command.Target]bool
	validator   *schema.Validator

	trackMu   sync.Mutex
	delivered map[string]map[string]struct{}         // session -> turn/command
	inflight  map[string]map[string]command.Command // session -> turn/command

	pool   chan struct{}
	logger *zap.Logger
}

// New creates a dispatcher. Registered payload schemas are forwarded to
// validator when it is non-nil. poolSize bounds concurrently running
// handlers within parallel batches.
func New(validator *schema.Validator, poolSize int, logger *zap.Logger) *Dispatcher {
	if poolSize <= 0 {
		poolSize = 8
	}
	return &Dispatcher{
		subsystems:  make(map[command.Target]*Registration),
		timeouts:    make(map[command.Target]time.Duration),
		concurrency: make(map[command.Target]bool),
		validator:   validator,
		delivered:   make(map[string]map[string]struct{}),
		inflight:    make(map[string]map[string]command.Command),
		pool:        make(chan struct{}, poolSize),
		logger:      logger,
	}
}

// Register installs a subsystem for its target.
func (d *Dispatcher) Register(reg Registration) error {
	if !reg.Target.Valid() {
		return fmt.Errorf("register subsystem: unknown target %q", reg.Target)
	}
	if reg.Handler == nil {
		return fmt.Errorf("register subsystem %s: nil handler", reg.Target)
	}
	if d.validator != nil {
		if err := d.validator.Register(reg.Target, reg.Schema); err != nil {
			return err
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	r := reg
	d.subsystems[reg.Target] = &r
	d.logger.Info("registered subsystem",
		zap.String("target", string(reg.Target)),
		zap.Bool("concurrent", reg.Concurrent),
		zap.Duration("timeout", reg.Timeout))
	return nil
}

// SetTimeout overrides the default timeout for a target.
func (d *Dispatcher) SetTimeout(target command.Target, timeout time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.timeouts[target] = timeout
}

// SetConcurrent overrides whether consecutive commands for a target may
// run in parallel.
func (d *Dispatcher) SetConcurrent(target command.Target, concurrent bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.concurrency[target] = concurrent
}

// Subsystems returns the registered subsystems sorted by target.
func (d *Dispatcher) Subsystems() []Registration {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Registration, 0, len(d.subsystems))
	for _, r := range d.subsystems {
		reg := *r
		if c, ok := d.concurrency[reg.Target]; ok {
			reg.Concurrent = c
		}
		out = append(out, reg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Target < out[j].Target })
	return out
}

// Targets returns the targets that have a registered subsystem, in the
// order of command.Targets.
func (d *Dispatcher) Targets() []command.Target {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []command.Target
	for _, t := range command.Targets {
		if _, ok := d.subsystems[t]; ok {
			out = append(out, t)
		}
	}
	return out
}

func (d *Dispatcher) lookup(target command.Target) (*Registration, time.Duration, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	reg, ok := d.subsystems[target]
	if !ok {
		return nil, 0, false
	}
	timeout := DefaultTimeout
	if reg.Timeout > 0 {
		timeout = reg.Timeout
	}
	if t, ok := d.timeouts[target]; ok && t > 0 {
		timeout = t
	}
	return reg, timeout, true
}

// Dispatch issues commands in model order and returns a handle on their
// results. Consecutive commands whose subsystems are concurrent run in
// parallel; any other command is awaited before the next is issued.
func (d *Dispatcher) Dispatch(ctx context.Context, sessionID, turnID string, cmds []command.Command) *Pending {
	p := newPending(sessionID, turnID, cmds)
	go d.run(ctx, p, cmds)
	return p
}

func (d *Dispatcher) run(ctx context.Context, p *Pending, cmds []command.Command) {
	defer p.finish()

	for i := 0; i < len(cmds); {
		if ctx.Err() != nil {
			for ; i < len(cmds); i++ {
				p.set(i, command.Result{
					CommandID:   cmds[i].ID,
					Target:      cmds[i].Target,
					Status:      command.StatusFailure,
					ErrorDetail: "cancelled before dispatch",
				})
			}
			d.logger.Info("dispatch cancelled",
				zap.String("session", p.SessionID),
				zap.String("turn", p.TurnID))
			return
		}

		end := i + 1
		if d.concurrent(cmds[i].Target) {
			for end < len(cmds) && d.concurrent(cmds[end].Target) {
				end++
			}
		}

		if end-i == 1 {
			p.set(i, d.execute(ctx, p, cmds[i]))
			i = end
			continue
		}

		var g errgroup.Group
		for j := i; j < end; j++ {
			j := j
			g.Go(func() error {
				d.pool <- struct{}{}
				defer func() { <-d.pool }()
				p.set(j, d.execute(ctx, p, cmds[j]))
				return nil
			})
		}
		_ = g.Wait()
		i = end
	}
}

func (d *Dispatcher) concurrent(target command.Target) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	reg, ok := d.subsystems[target]
	if !ok {
		return false
	}
	if c, ok := d.concurrency[target]; ok {
		return c
	}
	return reg.Concurrent
}

// execute delivers one command and blocks until its result or timeout.
func (d *Dispatcher) execute(ctx context.Context, p *Pending, cmd command.Command) command.Result {
	key := p.TurnID + "/" + cmd.ID
	if !d.markDelivered(p.SessionID, key) {
		d.logger.Warn("duplicate command rejected",
			zap.String("session", p.SessionID),
			zap.String("command", key))
		return failure(cmd, "duplicate command: already delivered")
	}

	reg, timeout, ok := d.lookup(cmd.Target)
	if !ok {
		err := &DispatchError{CommandID: cmd.ID, Target: cmd.Target, Reason: "no handler registered"}
		d.logger.Warn("dispatch failed", zap.Error(err))
		return failure(cmd, err.Error())
	}

	// In-flight handlers are not torn down when the session is cancelled;
	// they run until their own deadline.
	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	start := time.Now()
	d.trackStart(p.SessionID, key, cmd)

	done := make(chan command.Result, 1)
	go func() {
		defer d.trackEnd(p.SessionID, key)
		done <- d.invoke(hctx, reg, p.SessionID, cmd, start)
	}()

	if !cmd.ExpectsResult {
		p.detached.Add(1)
		go func() {
			defer cancel()
			var r command.Result
			select {
			case r = <-done:
			case <-hctx.Done():
				select {
				case r = <-done:
				default:
					r = timedOut(cmd, timeout, start)
				}
			}
			if r.OK() {
				d.logger.Debug("fire-and-forget command finished", zap.String("command", cmd.ID))
			} else {
				d.logger.Warn("fire-and-forget command failed",
					zap.String("session", p.SessionID),
					zap.String("command", cmd.ID),
					zap.String("target", string(cmd.Target)),
					zap.String("status", string(r.Status)),
					zap.String("error", r.ErrorDetail))
			}
			p.settle(r)
		}()
		return command.Result{
			CommandID: cmd.ID,
			Target:    cmd.Target,
			Status:    command.StatusSuccess,
			Accepted:  true,
		}
	}

	defer cancel()
	select {
	case r := <-done:
		return r
	case <-hctx.Done():
		select {
		case r := <-done:
			return r
		default:
		}
		d.logger.Warn("command timed out",
			zap.String("session", p.SessionID),
			zap.String("command", cmd.ID),
			zap.String("target", string(cmd.Target)),
			zap.Duration("timeout", timeout))
		return timedOut(cmd, timeout, start)
	}
}

func timedOut(cmd command.Command, timeout time.Duration, start time.Time) command.Result {
	return command.Result{
		CommandID:   cmd.ID,
		Target:      cmd.Target,
		Status:      command.StatusTimeout,
		ErrorDetail: fmt.Sprintf("no result within %s", timeout),
		Duration:    time.Since(start),
	}
}

func (d *Dispatcher) invoke(ctx context.Context, reg *Registration, sessionID string, cmd command.Command, start time.Time) (res command.Result) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("handler panic",
				zap.String("command", cmd.ID),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			res = failure(cmd, fmt.Sprintf("handler panic: %v", r))
			res.Duration = time.Since(start)
		}
	}()

	out, err := reg.Handler.Handle(ctx, sessionID, cmd)
	if err != nil {
		res = failure(cmd, err.Error())
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() != nil {
			res.Status = command.StatusTimeout
		}
		res.Err = err
	} else if out == nil {
		res = command.Result{Status: command.StatusSuccess}
	} else {
		res = *out
		if res.Status == "" {
			res.Status = command.StatusSuccess
		}
	}
	res.CommandID = cmd.ID
	res.Target = cmd.Target
	res.Duration = time.Since(start)
	return res
}

func failure(cmd command.Command, detail string) command.Result {
	return command.Result{
		CommandID:   cmd.ID,
		Target:      cmd.Target,
		Status:      command.StatusFailure,
		ErrorDetail: detail,
	}
}

func (d *Dispatcher) markDelivered(sessionID, key string) bool {
	d.trackMu.Lock()
	defer d.trackMu.Unlock()
	seen, ok := d.delivered[sessionID]
	if !ok {
		seen = make(map[string]struct{})
		d.delivered[sessionID] = seen
	}
	if _, dup := seen[key]; dup {
		return false
	}
	seen[key] = struct{}{}
	return true
}

func (d *Dispatcher) trackStart(sessionID, key string, cmd command.Command) {
	d.trackMu.Lock()
	defer d.trackMu.Unlock()
	m, ok := d.inflight[sessionID]
	if !ok {
		m = make(map[string]command.Command)
		d.inflight[sessionID] = m
	}
	m[key] = cmd
}

func (d *Dispatcher) trackEnd(sessionID, key string) {
	d.trackMu.Lock()
	defer d.trackMu.Unlock()
	if m, ok := d.inflight[sessionID]; ok {
		delete(m, key)
		if len(m) == 0 {
			delete(d.inflight, sessionID)
		}
	}
}

// InFlight returns the commands whose handlers are still running for a session.
func (d *Dispatcher) InFlight(sessionID string) []command.Command {
	d.trackMu.Lock()
	defer d.trackMu.Unlock()
	m := d.inflight[sessionID]
	out := make([]command.Command, 0, len(m))
	for _, c := range m {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Forget drops delivery bookkeeping for a terminated session.
func (d *Dispatcher) Forget(sessionID string) {
	d.trackMu.Lock()
	defer d.trackMu.Unlock()
	delete(d.delivered, sessionID)
}
