package speech

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nidhogg/grace/internal/config"
)

type failingSpeaker struct{ calls int }

func (f *failingSpeaker) Name() string { return "broken" }

func (f *failingSpeaker) Speak(context.Context, string) error {
	f.calls++
	return errors.New("no audio device")
}

type blockingSpeaker struct{ started chan struct{} }

func (b *blockingSpeaker) Name() string { return "slow" }

func (b *blockingSpeaker) Speak(ctx context.Context, _ string) error {
	close(b.started)
	<-ctx.Done()
	return ctx.Err()
}

func TestChainFallsBack(t *testing.T) {
	broken := &failingSpeaker{}
	rec := &Recorder{}
	c := NewChain(zap.NewNop(), false, broken, rec)

	require.NoError(t, c.Speak(context.Background(), "  good morning  "))
	assert.Equal(t, []string{"good morning"}, rec.Spoken())
	assert.Equal(t, 1, broken.calls)

	st := c.Status()
	assert.Equal(t, "recorder", st.LastSpeaker)
	assert.Equal(t, 1, st.Spoken)
	assert.Empty(t, st.LastError)
	assert.Len(t, st.Speakers, 2)

	require.NoError(t, c.Speak(context.Background(), ""))
	assert.Len(t, rec.Spoken(), 1)
}

func TestChainAllFail(t *testing.T) {
	c := NewChain(zap.NewNop(), false, &failingSpeaker{}, &failingSpeaker{})
	err := c.Speak(context.Background(), "hello")
	assert.ErrorContains(t, err, "no audio device")
	assert.Contains(t, c.Status().LastError, "no audio device")

	assert.ErrorIs(t, NewChain(zap.NewNop(), false).Speak(context.Background(), "hi"), ErrNoSpeaker)
}

func TestChainMuted(t *testing.T) {
	rec := &Recorder{}
	c := NewChain(zap.NewNop(), true, rec)
	require.NoError(t, c.Speak(context.Background(), "shh"))
	assert.Empty(t, rec.Spoken())
	assert.True(t, c.Status().Muted)
}

func TestChainStop(t *testing.T) {
	slow := &blockingSpeaker{started: make(chan struct{})}
	rec := &Recorder{}
	c := NewChain(zap.NewNop(), false, slow, rec)

	errc := make(chan error, 1)
	go func() { errc <- c.Speak(context.Background(), "a very long story") }()
	<-slow.started
	assert.True(t, c.Status().Speaking)
	c.Stop()

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not abort speech")
	}
	assert.Empty(t, rec.Spoken(), "stopped speech must not fall through to the next speaker")
	assert.False(t, c.Status().Speaking)
}

func TestCommandSpeaker(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	out := filepath.Join(t.TempDir(), "spoken.txt")
	s := NewCommandSpeaker([]string{"sh", "-c", "cat > " + out}, time.Second)
	assert.True(t, s.Available())
	require.NoError(t, s.Speak(context.Background(), "hello there"))
	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "hello there\n", string(data))

	fail := NewCommandSpeaker([]string{"sh", "-c", "echo no voice model >&2; exit 3"}, time.Second)
	err = fail.Speak(context.Background(), "x")
	assert.ErrorContains(t, err, "no voice model")

	slow := NewCommandSpeaker([]string{"sh", "-c", "exec sleep 5"}, 50*time.Millisecond)
	err = slow.Speak(context.Background(), "x")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	missing := NewCommandSpeaker([]string{"grace-no-such-tts"}, time.Second)
	assert.False(t, missing.Available())
	assert.Error(t, missing.Speak(context.Background(), "x"))
}

func TestFromConfig(t *testing.T) {
	c := FromConfig(config.SpeechConfig{
		Commands: [][]string{{"piper", "--model", "voice.onnx"}, {}, {"espeak"}},
		Mute:     true,
	}, zap.NewNop())
	st := c.Status()
	require.Len(t, st.Speakers, 2)
	assert.Equal(t, "piper", st.Speakers[0].Name)
	assert.Equal(t, "espeak", st.Speakers[1].Name)
	assert.True(t, st.Muted)
}
