package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bomba-atomica/atomica-sub004/protocol"
)

// DefaultRevealRetry is how long the coordinator waits before retrying a
// reveal whose beacon round is not available yet.
const DefaultRevealRetry = 2 * time.Second

type subscriber struct {
	ctx context.Context
	ch  chan EpochReport
}

// Coordinator drives the daily epoch cycle: it waits for each close, runs
// the epoch once the beacon has emitted the reveal round and notifies
// subscribers of the report.
type Coordinator struct {
	scheduler *Scheduler
	schedule  *protocol.EpochSchedule
	retry     time.Duration
	logger    *slog.Logger
	now       func() time.Time

	mu          sync.RWMutex
	lastEpoch   protocol.EpochID
	subscribers []subscriber
	started     *atomic.Bool
}

// NewCoordinator creates a coordinator for s. retry defaults to
// DefaultRevealRetry.
func NewCoordinator(s *Scheduler, retry time.Duration) *Coordinator {
	if retry <= 0 {
		retry = DefaultRevealRetry
	}
	return &Coordinator{
		scheduler: s,
		schedule:  s.cfg.Schedule,
		retry:     retry,
		logger:    s.cfg.Logger,
		now:       s.cfg.Now,
		started:   &atomic.Bool{},
	}
}

// LastEpoch returns the last epoch the coordinator closed.
func (c *Coordinator) LastEpoch() protocol.EpochID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastEpoch
}

// Subscribe receives the report of every epoch closed after the call
// until ctx is done.
func (c *Coordinator) Subscribe(ctx context.Context) <-chan EpochReport {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan EpochReport, 4)
	c.subscribers = append(c.subscribers, subscriber{ctx, ch})
	return ch
}

// Start runs epochs as they close until ctx is done. Epochs that closed
// before Start and were never run are run first, oldest first.
func (c *Coordinator) Start(ctx context.Context) {
	if c.started.Swap(true) {
		return
	}

	go func() {
		next := c.schedule.EpochAt(c.now())
		for _, missed := range c.missed(next) {
			if _, err := c.RunEpoch(ctx, missed); err != nil {
				if ctx.Err() != nil {
					return
				}
				c.logger.Error("catch-up epoch failed", "epoch", missed, "err", err)
			}
		}

		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Until(c.schedule.CloseTime(next))):
				if _, err := c.RunEpoch(ctx, next); err != nil && ctx.Err() == nil {
					c.logger.Error("epoch run failed", "epoch", next, "err", err)
				}
				next++
			}
		}
	}()
}

// missed returns the closed epochs before next that were never run: every
// epoch from the oldest one still holding sealed bids, and at least the one
// that closed last.
func (c *Coordinator) missed(next protocol.EpochID) []protocol.EpochID {
	oldest := next - 1
	if sealed := c.scheduler.cfg.Book.SealedEpochs(); len(sealed) > 0 && sealed[0] < oldest {
		oldest = sealed[0]
	}
	var out []protocol.EpochID
	for epoch := oldest; epoch < next; epoch++ {
		if epoch > 0 && c.scheduler.State(epoch) == EpochScheduled {
			out = append(out, epoch)
		}
	}
	return out
}

// RunEpoch runs epoch, retrying while its reveal round is not available,
// and notifies subscribers. An epoch that already ran is not run again and
// subscribers are not notified twice.
func (c *Coordinator) RunEpoch(ctx context.Context, epoch protocol.EpochID) (*EpochReport, error) {
	for {
		report, err := c.scheduler.RunEpoch(ctx, epoch)
		switch {
		case err == nil:
			c.advance(*report)
			return report, nil
		case errors.Is(err, protocol.ErrTooEarly):
			c.logger.Debug("reveal round not available yet", "epoch", epoch, "retry", c.retry)
		default:
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.retry):
		}
	}
}

func (c *Coordinator) advance(report EpochReport) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if report.Epoch > c.lastEpoch {
		c.lastEpoch = report.Epoch
	}

	toRemove := []int{}
	for i, sub := range c.subscribers {
		select {
		case <-sub.ctx.Done():
			close(sub.ch)
			toRemove = append(toRemove, i)
		case sub.ch <- report:
		default:
			c.logger.Warn("dropping epoch report for slow subscriber", "epoch", report.Epoch)
		}
	}

	slices.Reverse(toRemove)
	for _, i := range toRemove {
		c.subscribers = slices.Delete(c.subscribers, i, i+1)
	}
}
