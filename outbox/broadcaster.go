package outbox

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/IBM/sarama"
	"github.com/bomba-atomica/atomica-sub004/eventlog"
	"github.com/bomba-atomica/atomica-sub004/metrics"
)

var errStop = errors.New("stop replay")

// Published lists the event kinds the broadcaster forwards by default:
// what other venues and settlement relayers act on.
var Published = []eventlog.Kind{
	eventlog.KindAuctionCleared,
	eventlog.KindAuctionUnresolved,
	eventlog.KindEpochClosed,
	eventlog.KindObligation,
	eventlog.KindLiquidation,
}

// NewSyncProducer connects a producer that waits for every in-sync
// replica to acknowledge.
func NewSyncProducer(brokers []string) (sarama.SyncProducer, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 5
	return sarama.NewSyncProducer(brokers, cfg)
}

// BroadcasterConfig configures a Broadcaster.
type BroadcasterConfig struct {
	Topic    string
	Kinds    []eventlog.Kind
	Interval time.Duration
	Logger   *slog.Logger
}

// Broadcaster copies events from the event log into the outbox and
// publishes the outbox to Kafka, at least once per event.
type Broadcaster struct {
	outbox   *Outbox
	producer sarama.SyncProducer
	cfg      BroadcasterConfig
	kinds    map[eventlog.Kind]bool
}

func NewBroadcaster(outbox *Outbox, producer sarama.SyncProducer, cfg BroadcasterConfig) *Broadcaster {
	if len(cfg.Kinds) == 0 {
		cfg.Kinds = Published
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 250 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	kinds := make(map[eventlog.Kind]bool, len(cfg.Kinds))
	for _, k := range cfg.Kinds {
		kinds[k] = true
	}
	return &Broadcaster{outbox: outbox, producer: producer, cfg: cfg, kinds: kinds}
}

// CatchUp queues the published events appended to log after the outbox
// cursor.
func (b *Broadcaster) CatchUp(ctx context.Context, log eventlog.Log) error {
	cursor, err := b.outbox.Cursor()
	if err != nil {
		return err
	}
	_, err = eventlog.Replay(ctx, log, cursor, b.capture)
	return err
}

func (b *Broadcaster) capture(ev eventlog.Event) error {
	if !b.kinds[ev.Kind] {
		return nil
	}
	return b.outbox.Put(ev)
}

// Capture queues published events of log as they are appended until ctx is
// done. Events appended while the node was down are queued first, and
// events the subscription dropped are read back from the log.
func (b *Broadcaster) Capture(ctx context.Context, log eventlog.Log) error {
	events, unsubscribe := log.Subscribe(1024)
	defer unsubscribe()

	cursor, err := b.outbox.Cursor()
	if err != nil {
		return err
	}
	last, err := eventlog.Replay(ctx, log, cursor, b.capture)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			switch {
			case ev.Seq <= last:
				continue
			case ev.Seq > last+1:
				if last, err = eventlog.Replay(ctx, log, last, b.capture); err != nil {
					b.cfg.Logger.Error("failed to catch up outbox", "after", last, "err", err)
				}
				continue
			}
			if err := b.capture(ev); err != nil {
				b.cfg.Logger.Error("failed to queue event", "seq", ev.Seq, "kind", ev.Kind, "err", err)
				continue
			}
			last = ev.Seq
		}
	}
}

// ReplayOnce publishes every pending entry in sequence order and returns
// how many were acknowledged. It stops at the first failed send so events
// leave in order; the failed entry is retried on the next pass.
func (b *Broadcaster) ReplayOnce() int {
	acked := 0
	err := b.outbox.ScanPending(func(e Entry) error {
		if err := b.outbox.MarkSent(e.Seq); err != nil {
			return err
		}

		msg := &sarama.ProducerMessage{
			Topic: b.cfg.Topic,
			Key:   sarama.StringEncoder(e.Subject),
			Value: sarama.ByteEncoder(e.Payload),
			Headers: []sarama.RecordHeader{
				{Key: []byte("kind"), Value: []byte(e.Kind)},
			},
		}
		if _, _, err := b.producer.SendMessage(msg); err != nil {
			b.cfg.Logger.Warn("broadcast failed, will retry", "seq", e.Seq, "retries", e.Retries+1, "err", err)
			return errStop
		}

		if err := b.outbox.MarkAcked(e.Seq); err != nil {
			return err
		}
		acked++
		return nil
	})
	if err != nil && !errors.Is(err, errStop) {
		b.cfg.Logger.Error("outbox replay failed", "err", err)
	}

	if pending, err := b.outbox.Pending(); err == nil {
		metrics.OutboxPending.Set(float64(pending))
	}
	return acked
}

// Start publishes the outbox every interval until ctx is done, pruning
// acknowledged entries as it goes.
func (b *Broadcaster) Start(ctx context.Context) {
	b.cfg.Logger.Info("broadcaster started", "topic", b.cfg.Topic)

	go func() {
		ticker := time.NewTicker(b.cfg.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if b.ReplayOnce() > 0 {
					if _, err := b.outbox.Prune(); err != nil {
						b.cfg.Logger.Error("outbox prune failed", "err", err)
					}
				}
			}
		}
	}()
}

func (b *Broadcaster) Close() error {
	return b.producer.Close()
}
