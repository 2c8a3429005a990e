// Package session runs the per-conversation state machine: model output
// is validated, its commands dispatched, its memories routed, and the
// model re-invoked until the turn is ready to be spoken.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/grace/internal/command"
	"github.com/nidhogg/grace/internal/dispatch"
	"github.com/nidhogg/grace/internal/llm"
	"github.com/nidhogg/grace/internal/memrouter"
	"github.com/nidhogg/grace/internal/record"
	"github.com/nidhogg/grace/internal/schema"
	"github.com/nidhogg/grace/internal/speech"
)

var (
	// ErrTerminated is returned for utterances sent to a closed session.
	ErrTerminated = errors.New("session terminated")
	// ErrInterrupted is returned when a turn is cancelled mid-flight.
	ErrInterrupted = errors.New("turn interrupted")
)

// Canned responses.
const (
	fallbackText        = "Sorry, I didn't quite get that. Could you say it again?"
	unableText          = "Sorry, I was unable to complete that request."
	modelDownText       = "Sorry, I can't reach my language model right now."
	interruptedText     = "Okay, stopping."
	doneText            = "Done."
	memoryWarningText   = "I couldn't save something to memory yet; I'll keep trying."
	speechWarningText   = "speech output unavailable"
	defaultHistoryLimit = 6
)

// Memory is the memory router as seen by a session.
type Memory interface {
	Persist(ctx context.Context, d record.Draft, sessionID string) (*record.Record, error)
	Retrieve(ctx context.Context, q memrouter.Query, sessionID string) (*memrouter.Bundle, error)
	Forget(sessionID string)
}

// Dispatcher issues a turn's commands.
type Dispatcher interface {
	Dispatch(ctx context.Context, sessionID, turnID string, cmds []command.Command) *dispatch.Pending
	Forget(sessionID string)
}

// Deps are the collaborators shared by every session.
type Deps struct {
	Model      llm.Model
	Composer   *llm.Composer
	Validator  *schema.Validator
	Dispatcher Dispatcher
	Memory     Memory
	Speaker    speech.Speaker
}

// Options tune the turn loop.
type Options struct {
	MaxTurns     int
	IdleTimeout  time.Duration
	WriteRetries int
	RetryBackoff time.Duration
	HistoryLimit int // prior exchanges included in each prompt
}

func (o Options) withDefaults() Options {
	if o.MaxTurns <= 0 {
		o.MaxTurns = 6
	}
	if o.WriteRetries < 0 {
		o.WriteRetries = 0
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = 200 * time.Millisecond
	}
	if o.HistoryLimit <= 0 {
		o.HistoryLimit = defaultHistoryLimit
	}
	return o
}

// Reply is the outcome of one utterance.
type Reply struct {
	SessionID   string           `json:"session_id"`
	Text        string           `json:"text"`
	Turns       int              `json:"turns"`
	Results     []command.Result `json:"results,omitempty"`
	Fallback    bool             `json:"fallback,omitempty"`
	Interrupted bool             `json:"interrupted,omitempty"`
	Partial     bool             `json:"partial_context,omitempty"`
	Warnings    []string         `json:"warnings,omitempty"`
}

// Info is a snapshot of a session.
type Info struct {
	ID         string    `json:"id"`
	State      State     `json:"state"`
	Utterances int       `json:"utterances"`
	Queued     int       `json:"queued_writes"`
	CreatedAt  time.Time `json:"created_at"`
	LastActive time.Time `json:"last_active"`
}

// Controller owns one session. It handles one utterance at a time.
type Controller struct {
	id   string
	deps Deps
	opts Options

	turnMu sync.Mutex // held for a whole utterance

	mu         sync.Mutex
	state      State
	cancel     context.CancelFunc
	history    []llm.Message
	queue      []record.Draft
	utterances int
	created    time.Time
	lastActive time.Time
	observers  []func(from, to State)

	busy   atomic.Bool
	now    func() time.Time
	logger *zap.Logger
}

func newController(id string, deps Deps, opts Options, logger *zap.Logger) *Controller {
	now := time.Now()
	return &Controller{
		id:         id,
		deps:       deps,
		opts:       opts.withDefaults(),
		state:      AwaitingModelOutput,
		created:    now,
		lastActive: now,
		now:        time.Now,
		logger:     logger.With(zap.String("session", id)),
	}
}

// ID returns the session id.
func (c *Controller) ID() string { return c.id }

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Info returns a snapshot of the session.
func (c *Controller) Info() Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Info{
		ID:         c.id,
		State:      c.state,
		Utterances: c.utterances,
		Queued:     len(c.queue),
		CreatedAt:  c.created,
		LastActive: c.lastActive,
	}
}

// OnTransition registers an observer called after every state change.
func (c *Controller) OnTransition(fn func(from, to State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers = append(c.observers, fn)
}

func (c *Controller) transition(to State) error {
	c.mu.Lock()
	from := c.state
	if !CanTransition(from, to) {
		c.mu.Unlock()
		err := &TransitionError{From: from, To: to}
		c.logger.Error("state machine violation", zap.Error(err))
		return err
	}
	c.state = to
	observers := append([]func(from, to State){}, c.observers...)
	c.mu.Unlock()

	c.logger.Debug("session transition", zap.String("from", string(from)), zap.String("to", string(to)))
	for _, fn := range observers {
		fn(from, to)
	}
	return nil
}

// Interrupt cancels the utterance in progress. It reports whether one
// was running.
func (c *Controller) Interrupt() bool {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel == nil {
		return false
	}
	cancel()
	c.logger.Info("turn interrupt requested")
	return true
}

func (c *Controller) idleSince() (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActive, c.busy.Load()
}

// terminate interrupts any running turn, makes a last attempt at queued
// writes and moves the session to Terminated.
func (c *Controller) terminate(ctx context.Context, reason string) {
	c.Interrupt()
	c.turnMu.Lock()
	defer c.turnMu.Unlock()
	if c.State() == Terminated {
		return
	}
	c.flushQueue(ctx)
	c.mu.Lock()
	left := append([]record.Draft(nil), c.queue...)
	c.mu.Unlock()
	for _, d := range left {
		c.logger.Error("session closed with unsaved memory",
			zap.String("category", string(d.Category)),
			zap.Strings("tags", d.Tags),
			zap.String("body", d.Body))
	}
	if err := c.transition(Terminated); err != nil {
		return
	}
	c.logger.Info("session terminated", zap.String("reason", reason))
}

// turn is the working state of one utterance.
type turn struct {
	text      string
	reply     *Reply
	messages  []llm.Message
	unseen    []command.Result // results the model has not been shown
	writeErrs []error
}

// HandleUtterance runs the turn loop for one user utterance and returns
// the spoken reply. A non-nil error may accompany a reply: memory write
// failures and interruptions still produce a response.
func (c *Controller) HandleUtterance(ctx context.Context, text string) (*Reply, error) {
	c.turnMu.Lock()
	defer c.turnMu.Unlock()
	if c.State() == Terminated {
		return nil, ErrTerminated
	}

	c.busy.Store(true)
	defer c.busy.Store(false)
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.utterances++
	c.lastActive = c.now()
	history := append([]llm.Message(nil), c.history...)
	c.mu.Unlock()
	defer func() {
		cancel()
		c.mu.Lock()
		c.cancel = nil
		c.lastActive = c.now()
		c.mu.Unlock()
	}()

	start := c.now()
	t := &turn{text: text, reply: &Reply{SessionID: c.id}}
	if err := c.flushQueue(ctx); err != nil {
		t.writeErrs = append(t.writeErrs, err)
		t.reply.Warnings = appendOnce(t.reply.Warnings, memoryWarningText)
	}

	bundle := c.retrieve(ctx, t)
	t.messages = c.deps.Composer.First(history, text, bundle)

	err := c.loop(ctx, t)
	var terr *TransitionError
	if errors.As(err, &terr) {
		return nil, err
	}
	if err := c.respond(ctx, t); err != nil {
		return nil, err
	}

	c.logger.Info("utterance handled",
		zap.Int("turns", t.reply.Turns),
		zap.Int("commands", len(t.reply.Results)),
		zap.Bool("fallback", t.reply.Fallback),
		zap.Bool("interrupted", t.reply.Interrupted),
		zap.Duration("took", c.now().Sub(start)))

	var errs []error
	if t.reply.Interrupted {
		errs = append(errs, ErrInterrupted)
	}
	errs = append(errs, t.writeErrs...)
	return t.reply, errors.Join(errs...)
}

// loop runs AwaitingModelOutput through Composing until the turn is
// ready for Responding. The state is Responding when it returns nil.
func (c *Controller) loop(ctx context.Context, t *turn) error {
	for {
		if t.reply.Turns >= c.opts.MaxTurns {
			c.logger.Warn("max turns reached", zap.Int("max", c.opts.MaxTurns))
			t.reply.Text = unableText
			return c.transition(Responding)
		}
		t.reply.Turns++

		raw, err := c.deps.Model.Complete(ctx, t.messages)
		if err != nil {
			if ctx.Err() != nil {
				return c.interrupted(ctx, t)
			}
			c.logger.Error("model invocation failed", zap.Error(err))
			t.reply.Text = modelDownText
			return c.transition(Responding)
		}

		if err := c.transition(Validating); err != nil {
			return err
		}
		out, err := c.deps.Validator.Validate(raw)
		if err != nil {
			var verr *schema.ValidationError
			errors.As(err, &verr)
			c.logger.Warn("model output rejected", zap.Error(err))
			t.reply.Fallback = true
			t.reply.Text = fallbackText
			if verr != nil && verr.ResponseText != "" {
				t.reply.Text = verr.ResponseText
			}
			return c.transition(Responding)
		}

		writes := c.persistAsync(ctx, out.Memories)
		var results []command.Result
		if out.HasCommands() {
			if err := c.transition(Dispatching); err != nil {
				return err
			}
			pending := c.deps.Dispatcher.Dispatch(ctx, c.id, out.TurnID, out.Commands)
			if err := c.transition(AwaitingResults); err != nil {
				return err
			}
			results, err = pending.Wait(ctx)
			c.settleDetached(ctx, t, pending)
			if err != nil {
				t.writeErrs = append(t.writeErrs, <-writes...)
				return c.interrupted(ctx, t, pending.Outstanding()...)
			}
			t.reply.Results = append(t.reply.Results, results...)
		}
		if errs := <-writes; len(errs) > 0 {
			t.writeErrs = append(t.writeErrs, errs...)
			t.reply.Warnings = appendOnce(t.reply.Warnings, memoryWarningText)
		}

		if !shouldContinue(out, results) {
			t.unseen = results
			t.reply.Text = out.ResponseText
			if !out.HasCommands() {
				return c.transition(Responding)
			}
			if err := c.transition(Composing); err != nil {
				return err
			}
			return c.transition(Responding)
		}

		if err := c.transition(Composing); err != nil {
			return err
		}
		bundle := c.retrieve(ctx, t)
		if ctx.Err() != nil {
			return c.interrupted(ctx, t)
		}
		t.messages = c.deps.Composer.FollowUp(t.messages, raw, results, bundle)
		if err := c.transition(AwaitingModelOutput); err != nil {
			return err
		}
	}
}

// shouldContinue decides whether the model is invoked again: a handler
// or the model asked for it, or a result is needed but nothing was said.
func shouldContinue(out *command.StructuredOutput, results []command.Result) bool {
	if out.Continue {
		return true
	}
	for _, r := range results {
		if r.Continue {
			return true
		}
	}
	if out.ResponseText == "" {
		for _, cmd := range out.Commands {
			if cmd.ExpectsResult {
				return true
			}
		}
	}
	return false
}

func (c *Controller) interrupted(ctx context.Context, t *turn, outstanding ...string) error {
	t.reply.Interrupted = true
	t.reply.Text = interruptedText
	c.logger.Info("turn interrupted", zap.Strings("outstanding", outstanding))

	body := fmt.Sprintf("turn interrupted during %q", t.text)
	if len(outstanding) > 0 {
		body += "; in-flight commands: " + strings.Join(outstanding, ", ")
	}
	c.persistLogged(context.WithoutCancel(ctx), t, record.Draft{
		Category: record.CategoryLog,
		Tags:     []string{"session", "interrupt"},
		Body:     body,
	})
	return c.transition(Responding)
}

func (c *Controller) retrieve(ctx context.Context, t *turn) *memrouter.Bundle {
	bundle, err := c.deps.Memory.Retrieve(ctx, memrouter.Query{Text: t.text}, c.id)
	if err != nil {
		c.logger.Warn("memory unavailable for prompt", zap.Error(err))
		t.reply.Partial = true
		return bundle
	}
	if bundle.Partial {
		t.reply.Partial = true
	}
	return bundle
}

// respond speaks the reply, logs the exchange to the reference store and
// returns the session to AwaitingModelOutput.
func (c *Controller) respond(ctx context.Context, t *turn) error {
	r := t.reply
	if ack := acknowledgeFailures(t.unseen); ack != "" && !r.Interrupted {
		if r.Text == "" {
			r.Text = ack
		} else {
			r.Text = strings.TrimSpace(r.Text) + " " + ack
		}
	}
	if r.Text == "" {
		r.Text = doneText
	}

	if !r.Interrupted && c.deps.Speaker != nil {
		if err := c.deps.Speaker.Speak(ctx, r.Text); err != nil {
			c.logger.Warn("speech output failed", zap.Error(err))
			r.Warnings = appendOnce(r.Warnings, speechWarningText)
		}
	}

	c.persistLogged(context.WithoutCancel(ctx), t, record.Draft{
		Category: record.CategoryLog,
		Tags:     []string{"session", "turn"},
		Body:     turnLog(t),
	})

	c.mu.Lock()
	c.history = append(c.history,
		llm.Message{Role: llm.RoleUser, Content: t.text},
		llm.Message{Role: llm.RoleAssistant, Content: r.Text})
	if max := 2 * c.opts.HistoryLimit; len(c.history) > max {
		c.history = append([]llm.Message(nil), c.history[len(c.history)-max:]...)
	}
	c.mu.Unlock()

	return c.transition(AwaitingModelOutput)
}

func turnLog(t *turn) string {
	var b strings.Builder
	fmt.Fprintf(&b, "user: %s\nassistant: %s", t.text, t.reply.Text)
	for _, res := range t.reply.Results {
		fmt.Fprintf(&b, "\ncommand %s (%s): %s", res.CommandID, res.Target, res.Status)
		if res.ErrorDetail != "" {
			fmt.Fprintf(&b, " %s", res.ErrorDetail)
		}
	}
	return b.String()
}

// acknowledgeFailures returns a sentence naming failed commands.
func acknowledgeFailures(results []command.Result) string {
	var failed []string
	for _, r := range results {
		switch r.Status {
		case command.StatusTimeout:
			failed = append(failed, r.CommandID+" timed out")
		case command.StatusFailure:
			failed = append(failed, r.CommandID+" failed")
		}
	}
	if len(failed) == 0 {
		return ""
	}
	return "Sorry, part of that didn't work (" + strings.Join(failed, ", ") + ")."
}

func appendOnce(list []string, s string) []string {
	for _, v := range list {
		if v == s {
			return list
		}
	}
	return append(list, s)
}
