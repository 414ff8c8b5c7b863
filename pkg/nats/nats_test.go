package nats

import (
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stockstream.com/pkg/market"
)

func TestSubjects(t *testing.T) {
	assert.Equal(t, "market.AAPL.tick", TickSubject("AAPL"))
	assert.Equal(t, "control.AAPL.shock.toggle", ControlSubject("AAPL", "shock.toggle"))
}

// natsURL 本地 NATS，不可用时跳过
func natsURL(t *testing.T) string {
	url := os.Getenv("STOCKSTREAM_TEST_NATS_URL")
	if url == "" {
		url = "nats://localhost:4222"
	}
	return url
}

func setupNATS(t *testing.T) (*Publisher, *Subscriber) {
	url := natsURL(t)
	pub, err := NewPublisher(url, nil)
	if err != nil {
		t.Skipf("skipping test; nats not available: %v", err)
	}
	sub, err := NewSubscriber(url, nil)
	if err != nil {
		pub.Close()
		t.Skipf("skipping test; nats not available: %v", err)
	}
	t.Cleanup(func() {
		sub.Close()
		pub.Close()
	})
	return pub, sub
}

func TestPublisher_PublishTick(t *testing.T) {
	pub, sub := setupNATS(t)

	var (
		mu  sync.Mutex
		got []market.Quote
	)
	err := sub.Subscribe(func(_ string, data []byte) error {
		q, err := market.DecodeQuote(data)
		if err != nil {
			return err
		}
		mu.Lock()
		got = append(got, q)
		mu.Unlock()
		return nil
	}, TickSubject("TEST"))
	require.NoError(t, err)
	require.NoError(t, sub.conn.Flush())

	for seq := uint64(1); seq <= 3; seq++ {
		require.NoError(t, pub.PublishTick(market.Tick{Symbol: "TEST", Sequence: seq, Price: 100}))
	}
	require.NoError(t, pub.Flush())

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for i, q := range got {
		assert.Equal(t, uint64(i+1), q.Sequence)
	}
}

func TestSubscriber_Reply(t *testing.T) {
	pub, sub := setupNATS(t)

	subject := ControlSubject("TEST", "echo")
	require.NoError(t, sub.Reply(subject, func(_ string, data []byte) ([]byte, error) {
		return append([]byte("re:"), data...), nil
	}))
	require.NoError(t, sub.conn.Flush())

	resp, err := pub.Request(subject, []byte("ping"), time.Second)
	require.NoError(t, err)
	assert.Equal(t, "re:ping", string(resp))
}

func TestSubscriber_QueueDeliversOnce(t *testing.T) {
	pub, sub := setupNATS(t)
	other, err := NewSubscriber(natsURL(t), nil)
	require.NoError(t, err)
	defer other.Close()

	var (
		mu    sync.Mutex
		count int
	)
	handler := func(_ string, _ []byte) error {
		mu.Lock()
		count++
		mu.Unlock()
		return nil
	}
	subject := TickSubject("QUEUE")
	require.NoError(t, sub.SubscribeQueue(subject, "watchers", handler))
	require.NoError(t, other.SubscribeQueue(subject, "watchers", handler))
	require.NoError(t, sub.conn.Flush())
	require.NoError(t, other.conn.Flush())

	for seq := uint64(1); seq <= 10; seq++ {
		require.NoError(t, pub.PublishTick(market.Tick{Symbol: "QUEUE", Sequence: seq, Price: 100}))
	}
	require.NoError(t, pub.Flush())

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 10
	}, 2*time.Second, 10*time.Millisecond)

	// 同一队列组里每条消息只投递一次
	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 10, count)
}

func TestUnmarshalJSON(t *testing.T) {
	type body struct {
		Enabled bool `json:"enabled"`
	}
	v, err := UnmarshalJSON[body]([]byte(`{"enabled":true}`))
	require.NoError(t, err)
	assert.True(t, v.Enabled)

	_, err = UnmarshalJSON[body]([]byte(`{`))
	assert.Error(t, err)
}
