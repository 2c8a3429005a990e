package session

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/grace/internal/command"
	"github.com/nidhogg/grace/internal/dispatch"
	"github.com/nidhogg/grace/internal/memrouter"
	"github.com/nidhogg/grace/internal/record"
)

// persistWithRetry writes d, retrying memory write failures with linear
// backoff. Other errors are returned at once.
func (c *Controller) persistWithRetry(ctx context.Context, d record.Draft) error {
	var err error
	for attempt := 0; attempt <= c.opts.WriteRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return err
			case <-time.After(time.Duration(attempt) * c.opts.RetryBackoff):
			}
		}
		if _, err = c.deps.Memory.Persist(ctx, d, c.id); err == nil {
			return nil
		}
		if !memrouter.IsWriteError(err) {
			return err
		}
		c.logger.Warn("memory write failed, retrying",
			zap.Int("attempt", attempt+1),
			zap.String("category", string(d.Category)),
			zap.Error(err))
	}
	return err
}

// persist writes one draft. A draft that still fails after its retries
// is queued on the session for the next turn.
func (c *Controller) persist(ctx context.Context, d record.Draft) error {
	err := c.persistWithRetry(ctx, d)
	if err == nil {
		return nil
	}
	if !memrouter.IsWriteError(err) {
		c.logger.Warn("memory draft dropped", zap.String("category", string(d.Category)), zap.Error(err))
		return nil
	}
	c.mu.Lock()
	c.queue = append(c.queue, d)
	queued := len(c.queue)
	c.mu.Unlock()
	c.logger.Error("memory write failed, draft queued",
		zap.String("category", string(d.Category)),
		zap.Int("queued", queued),
		zap.Error(err))
	return err
}

// persistAsync writes drafts in order on a separate goroutine so that
// dispatch is not blocked. The channel yields the write failures.
func (c *Controller) persistAsync(ctx context.Context, drafts []record.Draft) <-chan []error {
	ch := make(chan []error, 1)
	if len(drafts) == 0 {
		ch <- nil
		return ch
	}
	ctx = context.WithoutCancel(ctx)
	go func() {
		var errs []error
		for _, d := range drafts {
			if err := c.persist(ctx, d); err != nil {
				errs = append(errs, err)
			}
		}
		ch <- errs
	}()
	return ch
}

// persistLogged writes a session log entry and records any failure on t.
func (c *Controller) persistLogged(ctx context.Context, t *turn, d record.Draft) {
	if err := c.persist(ctx, d); err != nil {
		t.writeErrs = append(t.writeErrs, err)
		t.reply.Warnings = appendOnce(t.reply.Warnings, memoryWarningText)
	}
}

// flushQueue retries drafts queued by earlier turns, once each. The
// first draft that fails again stops the flush; it and the rest stay
// queued in order.
func (c *Controller) flushQueue(ctx context.Context) error {
	c.mu.Lock()
	queued := c.queue
	c.queue = nil
	c.mu.Unlock()
	if len(queued) == 0 {
		return nil
	}

	ctx = context.WithoutCancel(ctx)
	var (
		failed []record.Draft
		err    error
	)
	for i, d := range queued {
		if _, err = c.deps.Memory.Persist(ctx, d, c.id); err == nil {
			continue
		}
		if !memrouter.IsWriteError(err) {
			c.logger.Warn("queued memory draft dropped", zap.Error(err))
			err = nil
			continue
		}
		failed = queued[i:]
		break
	}

	c.mu.Lock()
	c.queue = append(append([]record.Draft(nil), failed...), c.queue...)
	remaining := len(c.queue)
	c.mu.Unlock()
	if len(failed) > 0 {
		c.logger.Error("queued memory writes still failing", zap.Int("queued", remaining), zap.Error(err))
		return err
	}
	c.logger.Info("queued memory writes flushed", zap.Int("count", len(queued)))
	return nil
}

// settleDetached recovers memory drafts from fire-and-forget commands
// whose write failed after the command was accepted. Handlers that have
// already returned are reported on this turn; the rest are picked up in
// the background once they settle.
func (c *Controller) settleDetached(ctx context.Context, t *turn, p *dispatch.Pending) {
	ctx = context.WithoutCancel(ctx)
	select {
	case <-p.Settled():
		if errs := c.requeueLate(ctx, p.Late()); len(errs) > 0 {
			t.writeErrs = append(t.writeErrs, errs...)
			t.reply.Warnings = appendOnce(t.reply.Warnings, memoryWarningText)
		}
	default:
		go func() {
			<-p.Settled()
			c.requeueLate(ctx, p.Late())
		}()
	}
}

func (c *Controller) requeueLate(ctx context.Context, late []command.Result) []error {
	var errs []error
	for _, r := range late {
		var we *memrouter.MemoryWriteError
		if !errors.As(r.Err, &we) {
			continue
		}
		c.logger.Error("accepted command failed to store memory",
			zap.String("command", r.CommandID),
			zap.String("target", string(r.Target)),
			zap.String("category", string(we.Draft.Category)),
			zap.Error(we))
		if err := c.persist(ctx, we.Draft); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}
