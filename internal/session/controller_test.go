package session

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nidhogg/grace/internal/command"
	"github.com/nidhogg/grace/internal/dispatch"
	"github.com/nidhogg/grace/internal/llm"
	"github.com/nidhogg/grace/internal/memory"
	"github.com/nidhogg/grace/internal/memrouter"
	"github.com/nidhogg/grace/internal/record"
	"github.com/nidhogg/grace/internal/refstore"
	"github.com/nidhogg/grace/internal/schema"
	"github.com/nidhogg/grace/internal/speech"
	"github.com/nidhogg/grace/internal/tools"
)

var fixedNow = time.Date(2026, 10, 18, 9, 30, 0, 0, time.UTC)

// scriptModel replays canned outputs and records every prompt.
type scriptModel struct {
	mu      sync.Mutex
	outputs []string
	prompts [][]llm.Message
	// blockOn makes the n-th call (1-based) wait for cancellation.
	blockOn int
	entered chan struct{}
}

func (m *scriptModel) Name() string { return "script" }

func (m *scriptModel) Complete(ctx context.Context, msgs []llm.Message) (string, error) {
	m.mu.Lock()
	m.prompts = append(m.prompts, msgs)
	call := len(m.prompts)
	if call == m.blockOn {
		m.mu.Unlock()
		close(m.entered)
		<-ctx.Done()
		return "", ctx.Err()
	}
	defer m.mu.Unlock()
	if len(m.outputs) == 0 {
		return "", errors.New("script exhausted")
	}
	out := m.outputs[0]
	if len(m.outputs) > 1 {
		m.outputs = m.outputs[1:]
	}
	return out, nil
}

func (m *scriptModel) calls() [][]llm.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]llm.Message(nil), m.prompts...)
}

// flakyMemory fails permanent writes while failing is set.
type flakyMemory struct {
	*memrouter.Router
	failing atomic.Bool
	calls   atomic.Int32
}

func (f *flakyMemory) Persist(ctx context.Context, d record.Draft, sessionID string) (*record.Record, error) {
	f.calls.Add(1)
	if f.failing.Load() {
		if tier, err := f.Classify(d); err == nil && tier == record.TierPermanent {
			return nil, &memrouter.MemoryWriteError{Draft: d, Tier: tier, SessionID: sessionID, Err: errors.New("disk full")}
		}
	}
	return f.Router.Persist(ctx, d, sessionID)
}

type harness struct {
	mgr     *Manager
	model   *scriptModel
	refs    *refstore.SQLiteStore
	engine  *memory.LocalEngine
	memory  *flakyMemory
	speaker *speech.Recorder
	steps   atomic.Int32
}

func newHarness(t *testing.T, opts Options, outputs ...string) *harness {
	t.Helper()
	logger := zap.NewNop()
	h := &harness{model: &scriptModel{outputs: outputs, entered: make(chan struct{})}, speaker: &speech.Recorder{}}

	refs, err := refstore.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "ref.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { refs.Close() })
	h.refs = refs
	h.engine = memory.NewLocalEngine(0)
	router := memrouter.New(nil, refs, h.engine, memrouter.Options{}, logger)
	h.memory = &flakyMemory{Router: router}

	v := schema.NewValidator()
	v.KnownCategory = router.Table().Known
	d := dispatch.New(v, 4, logger)

	reg := tools.NewRegistry(logger)
	require.NoError(t, tools.RegisterBuiltins(reg, func() time.Time { return fixedNow }))
	require.NoError(t, d.Register(reg.Registration(time.Second)))
	require.NoError(t, d.Register(dispatch.Registration{
		Target:  command.TargetIntentHandler,
		Handler: dispatch.HandlerFunc(h.intent),
		Schema: schema.PayloadSchema{
			Required:   []string{"intent"},
			Properties: map[string]schema.FieldType{"intent": schema.TypeString},
		},
		Timeout: 50 * time.Millisecond,
	}))

	h.mgr = NewManager(Deps{
		Model:      h.model,
		Composer:   llm.NewComposer("", reg.Describe, nil).WithTargets(d.Targets),
		Validator:  v,
		Dispatcher: d,
		Memory:     h.memory,
		Speaker:    h.speaker,
	}, opts, logger)
	return h
}

func (h *harness) intent(ctx context.Context, sessionID string, cmd command.Command) (*command.Result, error) {
	switch cmd.Payload["intent"] {
	case "remember":
		body, _ := cmd.Payload["body"].(string)
		rec, err := h.memory.Persist(ctx, record.Draft{Category: record.CategoryConfig, Tags: []string{"config"}, Body: body}, sessionID)
		if err != nil {
			return nil, err
		}
		return &command.Result{Data: rec.ID}, nil
	case "slow":
		<-ctx.Done()
		time.Sleep(100 * time.Millisecond)
		return nil, ctx.Err()
	case "step":
		n := h.steps.Add(1)
		return &command.Result{Data: n, Continue: n < 2}, nil
	case "explode":
		return nil, errors.New("light bulb missing")
	}
	return nil, fmt.Errorf("unexpected intent %v", cmd.Payload["intent"])
}

func (h *harness) count(t *testing.T) int64 {
	t.Helper()
	n, err := h.refs.Count(context.Background())
	require.NoError(t, err)
	return n
}

func recordTransitions(c *Controller) func() []string {
	var mu sync.Mutex
	var seen []string
	c.OnTransition(func(from, to State) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, string(from)+">"+string(to))
	})
	return func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), seen...)
	}
}

const getTime = `{"commands": [{"id": "c1", "target": "tool", "payload": {"op": "get_time"}, "expects_result": true}]}`

func TestResponseOnlySkipsDispatch(t *testing.T) {
	h := newHarness(t, Options{}, `{"response_text": "Hello"}`)
	c := h.mgr.Open()
	transitions := recordTransitions(c)

	reply, err := c.HandleUtterance(context.Background(), "hi")
	require.NoError(t, err)
	assert.Equal(t, "Hello", reply.Text)
	assert.Equal(t, 1, reply.Turns)
	assert.Empty(t, reply.Results)
	assert.Equal(t, []string{
		"awaiting_model_output>validating",
		"validating>responding",
		"responding>awaiting_model_output",
	}, transitions())
	assert.Equal(t, []string{"Hello"}, h.speaker.Spoken())
	assert.EqualValues(t, 1, h.count(t), "only the turn log is written")
	assert.Equal(t, AwaitingModelOutput, c.State())
}

func TestCommandResultFedBackToModel(t *testing.T) {
	h := newHarness(t, Options{}, getTime, `{"response_text": "It is 09:30."}`)
	c := h.mgr.Open()
	transitions := recordTransitions(c)

	reply, err := c.HandleUtterance(context.Background(), "what time is it?")
	require.NoError(t, err)
	assert.Equal(t, "It is 09:30.", reply.Text)
	assert.Equal(t, 2, reply.Turns)
	require.Len(t, reply.Results, 1)
	assert.Equal(t, command.StatusSuccess, reply.Results[0].Status)

	prompts := h.model.calls()
	require.Len(t, prompts, 2)
	followUp := prompts[1][len(prompts[1])-1]
	assert.Equal(t, llm.RoleUser, followUp.Role)
	assert.Contains(t, followUp.Content, "- c1 (tool): success")
	assert.Contains(t, followUp.Content, `"time":"09:30"`)

	assert.Equal(t, []string{
		"awaiting_model_output>validating",
		"validating>dispatching",
		"dispatching>awaiting_results",
		"awaiting_results>composing",
		"composing>awaiting_model_output",
		"awaiting_model_output>validating",
		"validating>responding",
		"responding>awaiting_model_output",
	}, transitions())
	assert.EqualValues(t, 1, h.count(t), "results are not stored unless tagged for storage")
}

func TestConcurrentCommandsKeepModelOrder(t *testing.T) {
	h := newHarness(t, Options{}, `{"response_text": "Here you go.", "commands": [
		{"id": "a", "target": "tool", "payload": {"op": "get_date"}, "expects_result": true},
		{"id": "b", "target": "tool", "payload": {"op": "echo", "text": "x"}, "expects_result": true}
	]}`)
	reply, err := h.mgr.Open().HandleUtterance(context.Background(), "date and echo")
	require.NoError(t, err)
	require.Len(t, reply.Results, 2)
	assert.Equal(t, "a", reply.Results[0].CommandID)
	assert.Equal(t, "b", reply.Results[1].CommandID)
	assert.Equal(t, "x", reply.Results[1].Data)
	assert.Equal(t, 1, reply.Turns, "response text present and nothing asked to continue")
}

func TestHandlerContinueReinvokesModel(t *testing.T) {
	step := `{"response_text": "Working.", "commands": [{"target": "intent_handler", "payload": {"intent": "step"}, "expects_result": true}]}`
	h := newHarness(t, Options{}, step, step, `{"response_text": "All steps done."}`)
	reply, err := h.mgr.Open().HandleUtterance(context.Background(), "run the steps")
	require.NoError(t, err)
	assert.Equal(t, 2, reply.Turns, "second step result no longer asks to continue")
	assert.Equal(t, "Working.", reply.Text)
	assert.EqualValues(t, 2, h.steps.Load())
}

func TestMemoriesRoutedByCategory(t *testing.T) {
	h := newHarness(t, Options{}, `{
		"response_text": "Noted.",
		"memories": [
			{"category": "reference", "tags": ["config"], "body": "port=8080"},
			{"category": "preference", "body": "likes short answers"}
		]
	}`)
	c := h.mgr.Open()
	_, err := c.HandleUtterance(context.Background(), "the server port is 8080 and keep it short")
	require.NoError(t, err)
	assert.EqualValues(t, 2, h.count(t), "reference record plus turn log")
	assert.Equal(t, 1, h.engine.Len())

	if !testing.Short() {
		for i := 0; i < 10000; i++ {
			_, err := h.memory.Persist(context.Background(), record.Draft{Category: record.CategoryConversation, Body: fmt.Sprintf("chatter %d", i)}, c.ID())
			require.NoError(t, err)
		}
	}
	it, err := h.refs.Search(context.Background(), record.Filter{Category: record.CategoryReference, Tags: []string{"config"}})
	require.NoError(t, err)
	hits, err := refstore.Collect(context.Background(), it, 0)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "port=8080", hits[0].Record.Body)
}

func TestMalformedOutputStillResponds(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"not json", "sure thing!", fallbackText},
		{"unknown target", `{"commands": [{"target": "kernel", "payload": {"x": 1}}]}`, fallbackText},
		{"salvaged text", `{"response_text": "Hi there", "mood": "cheerful"}`, "Hi there"},
		{"unknown memory category", `{"response_text": "ok", "memories": [{"category": "gossip", "body": "x"}]}`, "ok"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, Options{}, tt.raw)
			c := h.mgr.Open()
			reply, err := c.HandleUtterance(context.Background(), "hello")
			require.NoError(t, err)
			assert.True(t, reply.Fallback)
			assert.Equal(t, tt.want, reply.Text)
			assert.Equal(t, AwaitingModelOutput, c.State())
			assert.EqualValues(t, 1, h.count(t))
		})
	}
}

func TestTimeoutIsAcknowledged(t *testing.T) {
	h := newHarness(t, Options{}, `{"response_text": "Let me check.", "commands": [
		{"id": "c1", "target": "intent_handler", "payload": {"intent": "slow"}, "expects_result": true},
		{"id": "c2", "target": "intent_handler", "payload": {"intent": "explode"}, "expects_result": true}
	]}`)
	start := time.Now()
	reply, err := h.mgr.Open().HandleUtterance(context.Background(), "check the garage")
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
	require.Len(t, reply.Results, 2)
	assert.Equal(t, command.StatusTimeout, reply.Results[0].Status)
	assert.Equal(t, command.StatusFailure, reply.Results[1].Status)
	assert.Equal(t, "light bulb missing", reply.Results[1].ErrorDetail)
	assert.Equal(t, "Let me check. Sorry, part of that didn't work (c1 timed out, c2 failed).", reply.Text)
}

func TestMaxTurnsGivesUp(t *testing.T) {
	h := newHarness(t, Options{MaxTurns: 2}, getTime)
	reply, err := h.mgr.Open().HandleUtterance(context.Background(), "loop forever")
	require.NoError(t, err)
	assert.Equal(t, unableText, reply.Text)
	assert.Equal(t, 2, reply.Turns)
	assert.Len(t, h.model.calls(), 2)
}

func TestModelFailure(t *testing.T) {
	h := newHarness(t, Options{})
	reply, err := h.mgr.Open().HandleUtterance(context.Background(), "anyone there?")
	require.NoError(t, err)
	assert.Equal(t, modelDownText, reply.Text)
}

func TestInterruptCancelsTurn(t *testing.T) {
	h := newHarness(t, Options{}, getTime)
	h.model.blockOn = 2
	c := h.mgr.Open()

	type outcome struct {
		reply *Reply
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		r, err := c.HandleUtterance(context.Background(), "what time is it?")
		done <- outcome{r, err}
	}()

	<-h.model.entered
	assert.True(t, c.Interrupt())

	var out outcome
	select {
	case out = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("interrupt did not end the turn")
	}
	assert.ErrorIs(t, out.err, ErrInterrupted)
	require.NotNil(t, out.reply)
	assert.True(t, out.reply.Interrupted)
	assert.Equal(t, interruptedText, out.reply.Text)
	assert.Empty(t, h.speaker.Spoken())
	assert.False(t, c.Interrupt(), "nothing left to interrupt")

	it, err := h.refs.Search(context.Background(), record.Filter{Tags: []string{"interrupt"}})
	require.NoError(t, err)
	hits, err := refstore.Collect(context.Background(), it, 0)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Contains(t, hits[0].Record.Body, "what time is it?")
	assert.Equal(t, AwaitingModelOutput, c.State())
}

func TestWriteFailureIsQueuedAndRetried(t *testing.T) {
	h := newHarness(t, Options{WriteRetries: 1, RetryBackoff: time.Millisecond},
		`{"response_text": "I'll remember.", "memories": [{"category": "date_fact", "tags": ["anniversary"], "body": "anniversary is June 4"}]}`,
		`{"response_text": "You're welcome."}`)
	h.memory.failing.Store(true)
	c := h.mgr.Open()

	reply, err := c.HandleUtterance(context.Background(), "our anniversary is June 4")
	require.Error(t, err)
	assert.True(t, memrouter.IsWriteError(err))
	require.NotNil(t, reply)
	assert.Equal(t, "I'll remember.", reply.Text)
	assert.Contains(t, reply.Warnings, memoryWarningText)
	assert.Equal(t, 2, c.Info().Queued, "fact and turn log wait for the store")
	assert.EqualValues(t, 4, h.memory.calls.Load(), "each draft tried once plus one retry")
	assert.EqualValues(t, 0, h.count(t))

	h.memory.failing.Store(false)
	_, err = c.HandleUtterance(context.Background(), "thanks")
	require.NoError(t, err)
	assert.Equal(t, 0, c.Info().Queued)
	assert.EqualValues(t, 3, h.count(t))
}

func TestAcceptedRememberFailureIsQueued(t *testing.T) {
	h := newHarness(t, Options{RetryBackoff: time.Millisecond},
		`{"response_text": "Saved.", "commands": [{"id": "c1", "target": "intent_handler", "payload": {"intent": "remember", "body": "port=8080"}, "expects_result": false}]}`,
		`{"response_text": "Sure."}`)
	h.memory.failing.Store(true)
	c := h.mgr.Open()

	reply, err := c.HandleUtterance(context.Background(), "remember the server port is 8080")
	assert.True(t, memrouter.IsWriteError(err))
	require.NotNil(t, reply)
	require.Len(t, reply.Results, 1)
	assert.True(t, reply.Results[0].Accepted)
	assert.Contains(t, reply.Warnings, memoryWarningText)
	assert.Eventually(t, func() bool { return c.Info().Queued == 2 }, 2*time.Second, 5*time.Millisecond,
		"config fact and turn log wait for the store")

	h.memory.failing.Store(false)
	_, err = c.HandleUtterance(context.Background(), "thanks")
	require.NoError(t, err)
	assert.Equal(t, 0, c.Info().Queued)

	it, err := h.refs.Search(context.Background(), record.Filter{Category: record.CategoryConfig})
	require.NoError(t, err)
	hits, err := refstore.Collect(context.Background(), it, 0)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "port=8080", hits[0].Record.Body)
}

func TestRepeatedModelTurnIDIsNotDuplicate(t *testing.T) {
	const sameTurn = `{"turn_id": "t1", "response_text": "Checking.", "commands": [{"id": "c1", "target": "tool", "payload": {"op": "get_time"}, "expects_result": true}]}`
	h := newHarness(t, Options{}, sameTurn, sameTurn)
	c := h.mgr.Open()
	for _, u := range []string{"what time is it?", "and now?"} {
		reply, err := c.HandleUtterance(context.Background(), u)
		require.NoError(t, err)
		require.Len(t, reply.Results, 1)
		assert.Equal(t, command.StatusSuccess, reply.Results[0].Status, reply.Results[0].ErrorDetail)
		assert.Equal(t, "Checking.", reply.Text)
	}
}

func TestUnregisteredTargetFailsPerCommand(t *testing.T) {
	h := newHarness(t, Options{}, `{"response_text": "Sent.", "commands": [
		{"id": "c1", "target": "message_bus", "payload": {"topic": "lights", "message": "off"}},
		{"id": "c2", "target": "tool", "payload": {"op": "echo", "text": "x"}, "expects_result": true}
	]}`)
	reply, err := h.mgr.Open().HandleUtterance(context.Background(), "turn off the lights")
	require.NoError(t, err)
	assert.False(t, reply.Fallback)
	require.Len(t, reply.Results, 2)
	assert.Equal(t, command.StatusFailure, reply.Results[0].Status)
	assert.Contains(t, reply.Results[0].ErrorDetail, "no handler registered")
	assert.Equal(t, command.StatusSuccess, reply.Results[1].Status)
	assert.Equal(t, "Sent. Sorry, part of that didn't work (c1 failed).", reply.Text)
}

func TestTerminatedSessionRejectsUtterances(t *testing.T) {
	h := newHarness(t, Options{}, `{"response_text": "bye"}`)
	c := h.mgr.Open()
	transitions := recordTransitions(c)
	assert.True(t, h.mgr.Close(context.Background(), c.ID()))
	assert.False(t, h.mgr.Close(context.Background(), c.ID()))

	_, err := c.HandleUtterance(context.Background(), "hello?")
	assert.ErrorIs(t, err, ErrTerminated)
	assert.Equal(t, []string{"awaiting_model_output>terminated"}, transitions())
}

func TestHistoryCarriesPriorExchanges(t *testing.T) {
	h := newHarness(t, Options{HistoryLimit: 1}, `{"response_text": "one"}`, `{"response_text": "two"}`, `{"response_text": "three"}`)
	c := h.mgr.Open()
	for _, u := range []string{"first", "second", "third"} {
		_, err := c.HandleUtterance(context.Background(), u)
		require.NoError(t, err)
	}
	last := h.model.calls()[2]
	var contents []string
	for _, m := range last {
		if m.Role != llm.RoleSystem {
			contents = append(contents, m.Content)
		}
	}
	assert.Equal(t, []string{"second", "two", "third"}, contents)
}
