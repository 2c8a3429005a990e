package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nidhogg/grace/internal/record"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// laggingEngine accepts writes but never returns them, like an engine
// that indexes asynchronously.
type laggingEngine struct {
	writes  int
	failing bool
}

func (l *laggingEngine) Write(context.Context, *record.Record) error {
	if l.failing {
		return errors.New("engine down")
	}
	l.writes++
	return nil
}

func (l *laggingEngine) Query(context.Context, Query) ([]Hit, error) { return nil, nil }
func (l *laggingEngine) Close(context.Context) error                 { return nil }

func TestOverlayReadYourWrites(t *testing.T) {
	inner := &laggingEngine{}
	o := NewOverlay(inner)
	o.now = func() time.Time { return t0 }
	ctx := context.Background()

	r := rec("pref", record.CategoryPreference, "call me Sam", time.Second, "name")
	require.NoError(t, o.Write(ctx, r))
	assert.Equal(t, 1, inner.writes)

	hits, err := o.Query(ctx, Query{Text: "Sam", Session: "s1"})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "session", hits[0].Source)

	hits, err = o.Query(ctx, Query{Text: "Sam", Session: "s2"})
	require.NoError(t, err)
	assert.Empty(t, hits, "other sessions see only what the engine returns")

	o.Forget("s1")
	hits, err = o.Query(ctx, Query{Text: "Sam", Session: "s1"})
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestOverlaySkipsFailedWrites(t *testing.T) {
	o := NewOverlay(&laggingEngine{failing: true})
	ctx := context.Background()
	assert.Error(t, o.Write(ctx, rec("x", record.CategoryConversation, "lost", 0)))
	hits, err := o.Query(ctx, Query{Session: "s1"})
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestOverlayDedupesAgainstEngine(t *testing.T) {
	local := NewLocalEngine(0)
	local.now = func() time.Time { return t0 }
	o := NewOverlay(local)
	o.now = local.now
	ctx := context.Background()

	require.NoError(t, o.Write(ctx, rec("a", record.CategoryConversation, "weather in Oslo", time.Minute)))
	hits, err := o.Query(ctx, Query{Text: "oslo", Session: "s1"})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "a", hits[0].Record.ID)
}
