package memrouter

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nidhogg/grace/internal/config"
	"github.com/nidhogg/grace/internal/memory"
	"github.com/nidhogg/grace/internal/record"
	"github.com/nidhogg/grace/internal/refstore"
)

var errDown = errors.New("backend down")

type failingStore struct {
	refstore.Store
}

func (failingStore) Append(context.Context, string, record.Draft) (*record.Record, error) {
	return nil, errDown
}

func (failingStore) Search(context.Context, record.Filter) (*refstore.Iterator, error) {
	return nil, errDown
}

type failingEngine struct{}

func (failingEngine) Write(context.Context, *record.Record) error { return errDown }
func (failingEngine) Query(context.Context, memory.Query) ([]memory.Hit, error) {
	return nil, errDown
}
func (failingEngine) Close(context.Context) error { return nil }

type blockingEngine struct{ failingEngine }

func (blockingEngine) Query(ctx context.Context, _ memory.Query) ([]memory.Hit, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func newTestRouter(t *testing.T, opts Options) (*Router, *refstore.SQLiteStore, *memory.LocalEngine) {
	t.Helper()
	refs, err := refstore.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "ref.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { refs.Close() })
	engine := memory.NewLocalEngine(0)
	return New(nil, refs, engine, opts, zap.NewNop()), refs, engine
}

func persist(t *testing.T, r *Router, cat record.Category, body string, tags ...string) *record.Record {
	t.Helper()
	rec, err := r.Persist(context.Background(), record.Draft{Category: cat, Body: body, Tags: tags}, "s1")
	require.NoError(t, err)
	return rec
}

func bodies(b *Bundle) []string {
	out := make([]string, len(b.Items))
	for i, it := range b.Items {
		out[i] = it.Record.Body
	}
	return out
}

func TestClassify(t *testing.T) {
	r := New(nil, nil, nil, Options{}, zap.NewNop())

	tests := []struct {
		name  string
		draft record.Draft
		want  record.Tier
		err   bool
	}{
		{"conversation", record.Draft{Category: record.CategoryConversation}, record.TierContextual, false},
		{"preference", record.Draft{Category: record.CategoryPreference}, record.TierContextual, false},
		{"log", record.Draft{Category: record.CategoryLog}, record.TierPermanent, false},
		{"date fact", record.Draft{Category: record.CategoryFact}, record.TierPermanent, false},
		{"source artifact", record.Draft{Category: record.CategorySourceArtifact}, record.TierPermanent, false},
		{"config", record.Draft{Category: record.CategoryConfig}, record.TierPermanent, false},
		{"permanent ignores routing tags", record.Draft{Category: record.CategoryLog, Tags: []string{"preference"}}, record.TierPermanent, false},
		{"routing tag without category", record.Draft{Tags: []string{"Relational"}}, record.TierContextual, false},
		{"no category", record.Draft{Tags: []string{"misc"}}, "", true},
		{"unknown category", record.Draft{Category: "gossip"}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tier, err := r.Classify(tt.draft)
			if tt.err {
				assert.ErrorIs(t, err, ErrUnclassified)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, tier)
		})
	}
}

func TestTableRegister(t *testing.T) {
	table := DefaultTable()
	require.NoError(t, table.Register("recipe", record.TierPermanent))
	assert.True(t, table.Known("recipe"))
	assert.Error(t, table.Register("recipe", record.TierContextual))
	assert.Error(t, table.Register(record.CategoryLog, record.TierContextual))
	assert.NoError(t, table.Register(record.CategoryPreference, record.TierPermanent))
	assert.Error(t, table.Register("mood", "volatile"))

	table, err := TableFromConfig(config.MemoryConfig{Categories: map[string]string{"mood": "contextual"}})
	require.NoError(t, err)
	tier, ok := table.Tier("mood")
	assert.True(t, ok)
	assert.Equal(t, record.TierContextual, tier)

	_, err = TableFromConfig(config.MemoryConfig{Categories: map[string]string{"log": "contextual"}})
	assert.Error(t, err)
}

func TestPersistRoutesByTier(t *testing.T) {
	r, refs, engine := newTestRouter(t, Options{})
	ctx := context.Background()

	logRec := persist(t, r, record.CategoryLog, "oven timer set for 20 minutes", "kitchen")
	assert.Equal(t, record.TierPermanent, logRec.Tier)
	n, err := refs.Count(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	assert.Equal(t, 0, engine.Len())

	pref := persist(t, r, record.CategoryPreference, "likes jazz in the evening")
	assert.Equal(t, record.TierContextual, pref.Tier)
	assert.Equal(t, "s1", pref.SessionID)
	assert.NotEmpty(t, pref.ID)
	assert.Equal(t, 1, engine.Len())

	tagged, err := r.Persist(ctx, record.Draft{Tags: []string{"conversation"}, Body: "asked about the weather"}, "s1")
	require.NoError(t, err)
	assert.Equal(t, record.CategoryConversation, tagged.Category)
	assert.Equal(t, 2, engine.Len())

	_, err = r.Persist(ctx, record.Draft{Category: "gossip", Body: "x"}, "s1")
	assert.ErrorIs(t, err, ErrUnclassified)
	assert.False(t, IsWriteError(err))
}

func TestPersistFailuresSurface(t *testing.T) {
	r := New(nil, failingStore{}, failingEngine{}, Options{}, zap.NewNop())

	_, err := r.Persist(context.Background(), record.Draft{Category: record.CategoryLog, Body: "door opened"}, "s1")
	var we *MemoryWriteError
	require.ErrorAs(t, err, &we)
	assert.Equal(t, record.TierPermanent, we.Tier)
	assert.Equal(t, "door opened", we.Draft.Body)
	assert.ErrorIs(t, err, errDown)

	_, err = r.Persist(context.Background(), record.Draft{Category: record.CategoryConversation, Body: "hi"}, "s1")
	require.ErrorAs(t, err, &we)
	assert.Equal(t, record.TierContextual, we.Tier)
}

func TestRetrieveMergeOrder(t *testing.T) {
	r, _, _ := newTestRouter(t, Options{})
	persist(t, r, record.CategoryLog, "bought new beans", "coffee")
	persist(t, r, record.CategoryReference, "coffee brewing ratio is one to sixteen")
	persist(t, r, record.CategoryPreference, "likes coffee strong", "coffee")
	persist(t, r, record.CategoryReference, "tea steeping times")

	b, err := r.Retrieve(context.Background(), Query{Text: "coffee", Tags: []string{"coffee"}}, "s1")
	require.NoError(t, err)
	assert.False(t, b.Partial)
	assert.Equal(t, []string{
		"bought new beans",
		"likes coffee strong",
		"coffee brewing ratio is one to sixteen",
	}, bodies(b))
	assert.Equal(t, MatchExact, b.Items[0].MatchKind)
	assert.Equal(t, MatchContextual, b.Items[1].MatchKind)
	assert.Equal(t, MatchText, b.Items[2].MatchKind)

	r.opts.Policy = ContextualFirst
	b, err = r.Retrieve(context.Background(), Query{Text: "coffee", Tags: []string{"coffee"}}, "s1")
	require.NoError(t, err)
	assert.Equal(t, "likes coffee strong", b.Items[0].Record.Body)
}

func TestNamedPermanentFactOutranksContextual(t *testing.T) {
	r, _, _ := newTestRouter(t, Options{})
	persist(t, r, record.CategoryConfig, "port=8080", "config")
	persist(t, r, record.CategoryLog, "user asked about the config port", "config")
	for i := 0; i < 20; i++ {
		persist(t, r, record.CategoryConversation, fmt.Sprintf("talked about the config port again (%d)", i))
	}

	b, err := r.Retrieve(context.Background(), Query{Text: "what is the server config port"}, "s1")
	require.NoError(t, err)
	require.Len(t, b.Items, 12)
	assert.Equal(t, "port=8080", b.Items[0].Record.Body)
	assert.Equal(t, MatchExact, b.Items[0].MatchKind)
	assert.Equal(t, MatchContextual, b.Items[1].MatchKind, "session logs are not promoted")
}

func TestReferenceFactSurvivesContextualChurn(t *testing.T) {
	r, refs, _ := newTestRouter(t, Options{})
	ctx := context.Background()
	fact := persist(t, r, record.CategoryReference, "the wifi password is hunter2", "wifi")

	for i := 0; i < 10000; i++ {
		persist(t, r, record.CategoryConversation, fmt.Sprintf("small talk about the wifi, round %d", i))
	}

	got, err := refs.Get(ctx, fact.ID)
	require.NoError(t, err)
	assert.Equal(t, fact.Body, got.Body)
	ok, err := refs.Verify(ctx, fact.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	b, err := r.Retrieve(ctx, Query{Text: "what is the wifi password"}, "s1")
	require.NoError(t, err)
	require.NotEmpty(t, b.Items)
	assert.Equal(t, fact.ID, b.Items[0].Record.ID)
}

func TestRetrieveBudget(t *testing.T) {
	t.Run("max items keeps newest exact matches", func(t *testing.T) {
		r, _, _ := newTestRouter(t, Options{MaxItems: 2})
		for _, body := range []string{"lamp on", "lamp off", "lamp dimmed", "lamp off again"} {
			persist(t, r, record.CategoryLog, body, "lamp")
		}
		b, err := r.Retrieve(context.Background(), Query{Tags: []string{"lamp"}}, "s1")
		require.NoError(t, err)
		assert.Equal(t, []string{"lamp off again", "lamp dimmed"}, bodies(b))
	})

	t.Run("token budget skips oversized records", func(t *testing.T) {
		r, _, _ := newTestRouter(t, Options{MaxTokens: 10})
		persist(t, r, record.CategoryLog, "lamp on", "lamp")
		persist(t, r, record.CategoryLog, strings.Repeat("lamp ", 40), "lamp")
		b, err := r.Retrieve(context.Background(), Query{Tags: []string{"lamp"}}, "s1")
		require.NoError(t, err)
		assert.Equal(t, []string{"lamp on"}, bodies(b))
		assert.LessOrEqual(t, b.Tokens, 10)
	})
}

func TestRetrievePartialAndFailure(t *testing.T) {
	r, refs, _ := newTestRouter(t, Options{})
	persist(t, r, record.CategoryLog, "garage closed", "garage")

	r.engine = failingEngine{}
	b, err := r.Retrieve(context.Background(), Query{Tags: []string{"garage"}}, "s1")
	require.NoError(t, err)
	assert.True(t, b.Partial)
	assert.Len(t, b.Errors, 1)
	assert.Equal(t, []string{"garage closed"}, bodies(b))
	assert.Contains(t, b.Format(), "some memory sources were unavailable")

	r = New(nil, failingStore{Store: refs}, failingEngine{}, Options{}, zap.NewNop())
	_, err = r.Retrieve(context.Background(), Query{Text: "garage"}, "s1")
	var re *MemoryReadError
	require.ErrorAs(t, err, &re)
	assert.Len(t, re.Errs, 2)
	assert.ErrorIs(t, err, errDown)
}

func TestRetrieveTimesOutSlowTier(t *testing.T) {
	r, _, _ := newTestRouter(t, Options{ReadTimeout: 50 * time.Millisecond})
	persist(t, r, record.CategoryFact, "anniversary is june 4", "anniversary")
	r.engine = blockingEngine{}

	start := time.Now()
	b, err := r.Retrieve(context.Background(), Query{Text: "anniversary"}, "s1")
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.True(t, b.Partial)
	assert.Equal(t, []string{"anniversary is june 4"}, bodies(b))
}

func TestReadYourWritesThroughOverlay(t *testing.T) {
	r, _, _ := newTestRouter(t, Options{})
	overlay := memory.NewOverlay(memory.NewLocalEngine(0))
	r.engine = overlay

	persist(t, r, record.CategoryConversation, "user said call me Sam")
	b, err := r.Retrieve(context.Background(), Query{}, "s1")
	require.NoError(t, err)
	assert.Equal(t, []string{"user said call me Sam"}, bodies(b))
	r.Forget("s1")
}

func TestBundleFormat(t *testing.T) {
	at := time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)
	b := &Bundle{Items: []Item{
		{Tier: record.TierPermanent, Record: &record.Record{Category: record.CategoryLog, Tags: []string{"oven"}, Body: "oven on", CreatedAt: at}},
		{Tier: record.TierContextual, Record: &record.Record{Category: record.CategoryPreference, Body: "likes tea", CreatedAt: at}},
	}}
	assert.Equal(t,
		"[Memory Context]\n"+
			"- (permanent/log [oven] 2026-10-18 09:00): oven on\n"+
			"- (contextual/preference 2026-10-18 09:00): likes tea\n",
		b.Format())
	assert.Equal(t, "", (&Bundle{}).Format())
}
