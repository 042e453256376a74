package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bomba-atomica/atomica-sub004/protocol"
	"github.com/segmentio/kafka-go"
)

// KafkaConfig configures a KafkaFeed.
type KafkaConfig struct {
	Brokers []string
	Topic   string
	GroupID string

	// MaxAge discards quotes older than this. Zero keeps every quote.
	MaxAge time.Duration

	Logger *slog.Logger
	Now    func() time.Time
}

// oracleMessage is the wire format published by the oracle collaborators.
type oracleMessage struct {
	Pair      string `json:"pair"`
	Price     string `json:"price"`
	Source    string `json:"source"`
	Timestamp int64  `json:"timestamp_ms"`
}

// KafkaFeed keeps the latest oracle quote per pair from a Kafka topic.
type KafkaFeed struct {
	cfg    KafkaConfig
	reader *kafka.Reader

	mu     sync.RWMutex
	latest map[protocol.AssetPair]Quote
}

// NewKafkaFeed creates a feed. Call Run to start consuming.
func NewKafkaFeed(cfg KafkaConfig) *KafkaFeed {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	f := &KafkaFeed{cfg: cfg, latest: make(map[protocol.AssetPair]Quote)}
	if len(cfg.Brokers) > 0 {
		f.reader = kafka.NewReader(kafka.ReaderConfig{
			Brokers:  cfg.Brokers,
			Topic:    cfg.Topic,
			GroupID:  cfg.GroupID,
			MinBytes: 1,
			MaxBytes: 1 << 20,
			MaxWait:  time.Second,
		})
	}
	return f
}

// Run consumes until ctx is done.
func (f *KafkaFeed) Run(ctx context.Context) error {
	if f.reader == nil {
		return errors.New("kafka feed has no brokers")
	}
	for {
		msg, err := f.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			f.cfg.Logger.Warn("reference feed read failed", "topic", f.cfg.Topic, "err", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}
		if err := f.Handle(msg); err != nil {
			f.cfg.Logger.Warn("dropping malformed reference quote", "offset", msg.Offset, "err", err)
		}
	}
}

// Handle decodes one oracle message and keeps it if it is newer than the
// quote already held for its pair.
func (f *KafkaFeed) Handle(msg kafka.Message) error {
	var wire oracleMessage
	if err := json.Unmarshal(msg.Value, &wire); err != nil {
		return err
	}
	pair, err := protocol.ParseAssetPair(wire.Pair)
	if err != nil {
		return err
	}
	q := Quote{Pair: pair, Source: wire.Source, At: time.UnixMilli(wire.Timestamp).UTC()}
	if err := q.Price.UnmarshalText([]byte(wire.Price)); err != nil {
		return fmt.Errorf("price %q: %w", wire.Price, err)
	}
	if !q.Price.IsPositive() {
		return fmt.Errorf("price %s is not positive", q.Price)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if prev, ok := f.latest[pair]; ok && prev.At.After(q.At) {
		return nil
	}
	f.latest[pair] = q
	return nil
}

func (f *KafkaFeed) Quote(_ context.Context, pair protocol.AssetPair) (Quote, error) {
	f.mu.RLock()
	q, ok := f.latest[pair]
	f.mu.RUnlock()
	if !ok {
		return Quote{}, ErrNoQuote
	}
	if f.cfg.MaxAge > 0 && f.cfg.Now().Sub(q.At) > f.cfg.MaxAge {
		return Quote{}, fmt.Errorf("%w: %s quote is from %s", ErrNoQuote, pair, q.At.Format(time.RFC3339))
	}
	return q, nil
}

func (f *KafkaFeed) Close() error {
	if f.reader == nil {
		return nil
	}
	return f.reader.Close()
}
