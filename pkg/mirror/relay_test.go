package mirror

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama/mocks"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stockstream.com/pkg/cache"
	"stockstream.com/pkg/kafka"
	"stockstream.com/pkg/market"
)

type fakeTarget struct {
	name   string
	fail   bool
	mu     sync.Mutex
	seqs   []uint64
	closed bool
}

func (f *fakeTarget) Name() string { return f.name }

func (f *fakeTarget) Send(_ context.Context, t market.Tick) error {
	if f.fail {
		return errors.New("boom")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seqs = append(f.seqs, t.Sequence)
	return nil
}

func (f *fakeTarget) Close() error {
	f.closed = true
	return nil
}

func TestRelay_FailingTargetDoesNotBlockOthers(t *testing.T) {
	bad := &fakeTarget{name: "bad", fail: true}
	good := &fakeTarget{name: "good"}
	r := NewRelay(time.Second, nil, bad, good)

	for seq := uint64(1); seq <= 5; seq++ {
		r.Handle(market.Tick{Symbol: "AAPL", Sequence: seq, Price: 150})
	}

	assert.Equal(t, []uint64{1, 2, 3, 4, 5}, good.seqs)
	stats := r.Stats()
	require.Len(t, stats, 2)
	assert.Equal(t, TargetStats{Name: "bad", Sent: 0, Failed: 5}, stats[0])
	assert.Equal(t, TargetStats{Name: "good", Sent: 5, Failed: 0}, stats[1])

	require.NoError(t, r.Close())
	assert.True(t, bad.closed)
	assert.True(t, good.closed)
}

func TestRelay_RedisTarget(t *testing.T) {
	mr := miniredis.RunT(t)
	c := cache.NewTickCache(redis.NewClient(&redis.Options{Addr: mr.Addr()}), 10)
	r := NewRelay(time.Second, nil, Redis(c))
	defer r.Close()

	r.Handle(market.Tick{Symbol: "AAPL", Sequence: 1, Price: 150})
	r.Handle(market.Tick{Symbol: "AAPL", Sequence: 2, Price: 151})

	latest, err := c.Latest(context.Background(), "AAPL")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), latest.Sequence)
	assert.Equal(t, int64(2), r.Stats()[0].Sent)
}

func TestRelay_KafkaTargetReportsProducerStats(t *testing.T) {
	cfg := kafka.DefaultProducerConfig([]string{"mock:9092"})
	ap := mocks.NewAsyncProducer(t, cfg.SaramaConfig())
	ap.ExpectInputAndSucceed()
	ap.ExpectInputAndSucceed()

	r := NewRelay(time.Second, nil, Kafka(kafka.NewProducerWith(ap, cfg, nil)))
	r.Handle(market.Tick{Symbol: "AAPL", Sequence: 1, Price: 150})
	r.Handle(market.Tick{Symbol: "AAPL", Sequence: 2, Price: 151})

	stats := r.Stats()
	require.Len(t, stats, 1)
	assert.Equal(t, "kafka", stats[0].Name)
	assert.Equal(t, int64(2), stats[0].Sent)
	backend, ok := stats[0].Backend.(kafka.ProducerStats)
	require.True(t, ok)
	assert.Equal(t, int64(2), backend.SentCount)

	require.NoError(t, r.Close())
}
