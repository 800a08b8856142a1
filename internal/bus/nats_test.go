package bus

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func natsAvailable(t *testing.T) {
	t.Helper()
	conn, err := nats.Connect(nats.DefaultURL, nats.Timeout(2*time.Second))
	if err != nil {
		t.Skip("NATS server not available, skipping test")
	}
	conn.Close()
}

func TestNewNATSBus_InvalidURL(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	_, err := NewNATSBus(NATSConfig{URL: "nats://invalid.invalid:4222", Name: "test"}, logger)
	assert.Error(t, err)
}

func TestNATSBus_RoundTrip(t *testing.T) {
	natsAvailable(t)
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	b, err := NewNATSBus(NATSConfig{URL: nats.DefaultURL, Name: "test"}, logger)
	require.NoError(t, err)
	defer b.Close()

	q := NewQueue(8, Block)
	sub, err := b.Subscribe("test.findings.*", func(m *Message) { _ = q.Push(context.Background(), m) })
	require.NoError(t, err)
	defer sub.Unsubscribe()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, b.Publish(ctx, "test.findings.wifi", []byte(`{"ok":true}`), map[string]string{"x-finding-id": "f-1"}))

	m, err := q.Pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, "test.findings.wifi", m.Topic)
	assert.JSONEq(t, `{"ok":true}`, string(m.Data))
	assert.Equal(t, int64(0), b.Dropped())
}

func TestNATSBus_ConcurrentSubscribeRedialsOnce(t *testing.T) {
	natsAvailable(t)
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	b, err := NewNATSBus(NATSConfig{URL: nats.DefaultURL, Name: "test"}, logger)
	require.NoError(t, err)
	defer b.Close()

	b.mu.RLock()
	b.conn.Close()
	b.mu.RUnlock()

	const subscribers = 8
	var wg sync.WaitGroup
	errs := make(chan error, subscribers)
	for i := 0; i < subscribers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := b.Subscribe("test.redial", func(*Message) {})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int64(1), b.GetStats()["redials"])
}
