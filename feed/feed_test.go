package feed

import (
	"context"
	"testing"
	"time"

	"github.com/bomba-atomica/atomica-sub004/protocol"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

var aptUSDC = protocol.AssetPair{Base: "APT", Quote: "USDC"}

func TestDeviation(t *testing.T) {
	dev, ok := Deviation(decimal.NewFromInt(9), decimal.NewFromInt(10))
	require.True(t, ok)
	require.True(t, dev.Equal(decimal.RequireFromString("0.1")))

	dev, ok = Deviation(decimal.NewFromInt(12), decimal.NewFromInt(10))
	require.True(t, ok)
	require.True(t, dev.Equal(decimal.RequireFromString("0.2")))

	_, ok = Deviation(decimal.NewFromInt(12), decimal.Zero)
	require.False(t, ok)
}

func TestStaticFeed(t *testing.T) {
	f := NewStaticFeed(Quote{Pair: aptUSDC, Price: decimal.NewFromInt(9)})
	q, err := f.Quote(context.Background(), aptUSDC)
	require.NoError(t, err)
	require.True(t, q.Price.Equal(decimal.NewFromInt(9)))

	_, err = f.Quote(context.Background(), protocol.AssetPair{Base: "ETH", Quote: "USDC"})
	require.ErrorIs(t, err, ErrNoQuote)
}

func TestKafkaFeedHandle(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000).UTC()
	f := NewKafkaFeed(KafkaConfig{MaxAge: time.Minute, Now: func() time.Time { return now }})

	msg := func(price string, at time.Time) kafka.Message {
		return kafka.Message{Value: []byte(`{"pair":"APT/USDC","price":"` + price + `","source":"oracle-a","timestamp_ms":` +
			decimal.NewFromInt(at.UnixMilli()).String() + `}`)}
	}

	require.NoError(t, f.Handle(msg("9.5", now.Add(-10*time.Second))))
	require.NoError(t, f.Handle(msg("8", now.Add(-20*time.Second))), "older quotes are ignored")

	q, err := f.Quote(context.Background(), aptUSDC)
	require.NoError(t, err)
	require.True(t, q.Price.Equal(decimal.RequireFromString("9.5")))
	require.Equal(t, "oracle-a", q.Source)

	require.Error(t, f.Handle(kafka.Message{Value: []byte(`{"pair":"APT","price":"1"}`)}))
	require.Error(t, f.Handle(msg("-1", now)))
	require.Error(t, f.Handle(kafka.Message{Value: []byte(`not json`)}))

	now = now.Add(2 * time.Minute)
	_, err = f.Quote(context.Background(), aptUSDC)
	require.ErrorIs(t, err, ErrNoQuote, "stale quotes are not served")

	require.Error(t, f.Run(context.Background()), "no brokers configured")
	require.NoError(t, f.Close())
}
