// Package speech is the speech output boundary. Text is handed to
// external text-to-speech commands, tried in order until one succeeds.
package speech

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/grace/internal/config"
)

// ErrNoSpeaker is returned when no speaker is configured.
var ErrNoSpeaker = errors.New("no speech output configured")

// Speaker turns text into speech.
type Speaker interface {
	Name() string
	Speak(ctx context.Context, text string) error
}

// CommandSpeaker pipes text on stdin into an external TTS command such
// as piper or espeak.
type CommandSpeaker struct {
	argv    []string
	timeout time.Duration
}

// NewCommandSpeaker creates a speaker for argv. timeout bounds each call.
func NewCommandSpeaker(argv []string, timeout time.Duration) *CommandSpeaker {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &CommandSpeaker{argv: argv, timeout: timeout}
}

// Name returns the command name.
func (s *CommandSpeaker) Name() string {
	if len(s.argv) == 0 {
		return ""
	}
	return s.argv[0]
}

// Available reports whether the command is on PATH.
func (s *CommandSpeaker) Available() bool {
	if len(s.argv) == 0 {
		return false
	}
	_, err := exec.LookPath(s.argv[0])
	return err == nil
}

// Speak runs the command with text on stdin and waits for it to exit.
func (s *CommandSpeaker) Speak(ctx context.Context, text string) error {
	if len(s.argv) == 0 {
		return fmt.Errorf("speak: empty command")
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, s.argv[0], s.argv[1:]...)
	cmd.Stdin = strings.NewReader(text + "\n")
	cmd.WaitDelay = time.Second
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%s: %w", s.Name(), ctx.Err())
		}
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("%s: %w: %s", s.Name(), err, truncate(msg, 200))
		}
		return fmt.Errorf("%s: %w", s.Name(), err)
	}
	return nil
}

// Status reports the state of the speech output.
type Status struct {
	Muted       bool            `json:"muted"`
	Speaking    bool            `json:"speaking"`
	LastSpeaker string          `json:"last_speaker,omitempty"`
	LastError   string          `json:"last_error,omitempty"`
	Spoken      int             `json:"spoken"`
	Speakers    []SpeakerStatus `json:"speakers"`
}

// SpeakerStatus describes one configured speaker.
type SpeakerStatus struct {
	Name      string `json:"name"`
	Available bool   `json:"available"`
}

// Chain tries speakers in order, falling back on failure.
type Chain struct {
	speakers []Speaker
	muted    bool
	speakMu  sync.Mutex // one utterance at a time

	mu          sync.Mutex
	cancel      context.CancelFunc
	lastSpeaker string
	lastErr     error
	spoken      int

	logger *zap.Logger
}

// NewChain creates a chain over speakers.
func NewChain(logger *zap.Logger, muted bool, speakers ...Speaker) *Chain {
	return &Chain{speakers: speakers, muted: muted, logger: logger}
}

// FromConfig builds a chain of command speakers.
func FromConfig(cfg config.SpeechConfig, logger *zap.Logger) *Chain {
	speakers := make([]Speaker, 0, len(cfg.Commands))
	for _, argv := range cfg.Commands {
		if len(argv) == 0 {
			continue
		}
		speakers = append(speakers, NewCommandSpeaker(argv, cfg.Timeout.Std()))
	}
	return NewChain(logger, cfg.Mute, speakers...)
}

// Name implements Speaker.
func (c *Chain) Name() string { return "chain" }

// Speak says text with the first speaker that succeeds. Empty text and a
// muted chain are no-ops. Stop aborts the utterance in progress.
func (c *Chain) Speak(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if c.muted {
		c.logger.Debug("speech muted", zap.Int("chars", len(text)))
		return nil
	}
	if len(c.speakers) == 0 {
		c.record("", ErrNoSpeaker)
		return ErrNoSpeaker
	}

	c.speakMu.Lock()
	defer c.speakMu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.cancel = nil
		c.mu.Unlock()
		cancel()
	}()

	var errs []error
	for i, s := range c.speakers {
		err := s.Speak(ctx, text)
		if err == nil {
			if i > 0 {
				c.logger.Info("used fallback speech output", zap.String("speaker", s.Name()))
			}
			c.record(s.Name(), nil)
			return nil
		}
		errs = append(errs, err)
		if ctx.Err() != nil {
			break
		}
		c.logger.Warn("speech output failed", zap.String("speaker", s.Name()), zap.Error(err))
	}
	err := errors.Join(errs...)
	c.record("", err)
	return fmt.Errorf("speak: %w", err)
}

func (c *Chain) record(speaker string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastErr = err
	if err == nil {
		c.lastSpeaker = speaker
		c.spoken++
	}
}

// Stop aborts the utterance being spoken, if any.
func (c *Chain) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
	}
}

// Status reports the chain's state.
func (c *Chain) Status() Status {
	st := Status{Muted: c.muted}
	for _, s := range c.speakers {
		ss := SpeakerStatus{Name: s.Name(), Available: true}
		if cs, ok := s.(*CommandSpeaker); ok {
			ss.Available = cs.Available()
		}
		st.Speakers = append(st.Speakers, ss)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	st.Speaking = c.cancel != nil
	st.LastSpeaker = c.lastSpeaker
	st.Spoken = c.spoken
	if c.lastErr != nil {
		st.LastError = c.lastErr.Error()
	}
	return st
}

// Recorder is a Speaker that keeps what it was asked to say.
type Recorder struct {
	mu     sync.Mutex
	spoken []string
}

// Name implements Speaker.
func (r *Recorder) Name() string { return "recorder" }

// Speak records text.
func (r *Recorder) Speak(_ context.Context, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.spoken = append(r.spoken, text)
	return nil
}

// Spoken returns everything recorded so far.
func (r *Recorder) Spoken() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.spoken...)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
