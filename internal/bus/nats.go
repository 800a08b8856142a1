package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
)

const (
	// ConnectTimeout bounds the initial dial
	ConnectTimeout = 10 * time.Second
	// ReconnectWait is the pause between reconnect attempts
	ReconnectWait = 2 * time.Second
	// DefaultReconnectBufSize bounds bytes buffered locally while disconnected
	DefaultReconnectBufSize = 8 * 1024 * 1024
)

// NATSConfig holds connection parameters for the NATS transport
type NATSConfig struct {
	URL              string
	Name             string
	MaxReconnects    int // -1 retries forever
	ReconnectWait    time.Duration
	ReconnectBufSize int
	// CompressThreshold zstd-compresses payloads of at least this many bytes; 0 disables
	CompressThreshold int
}

// NATSBus implements Bus on a NATS connection. While disconnected, publishes
// are buffered by the client up to ReconnectBufSize bytes; beyond that they are
// dropped and counted.
type NATSBus struct {
	cfg     NATSConfig
	logger  *slog.Logger
	mu      sync.RWMutex
	dialMu  sync.Mutex
	conn    *nats.Conn
	closed  chan struct{}
	shut    bool
	dropped atomic.Int64
	redials atomic.Int64
}

// NewNATSBus connects to NATS, failing fast if the server is unreachable
func NewNATSBus(cfg NATSConfig, logger *slog.Logger) (*NATSBus, error) {
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = ReconnectWait
	}
	if cfg.ReconnectBufSize <= 0 {
		cfg.ReconnectBufSize = DefaultReconnectBufSize
	}
	if cfg.MaxReconnects == 0 {
		cfg.MaxReconnects = -1
	}

	b := &NATSBus{cfg: cfg, logger: logger}
	if err := b.connect(); err != nil {
		return nil, err
	}
	return b, nil
}

// connect establishes a new connection; callers must not hold b.mu
func (b *NATSBus) connect() error {
	closed := make(chan struct{})
	var once sync.Once

	conn, err := nats.Connect(b.cfg.URL,
		nats.Name(b.cfg.Name),
		nats.Timeout(ConnectTimeout),
		nats.MaxReconnects(b.cfg.MaxReconnects),
		nats.ReconnectWait(b.cfg.ReconnectWait),
		nats.ReconnectBufSize(b.cfg.ReconnectBufSize),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			b.logger.Warn("NATS disconnected", "url", b.cfg.URL, "error", err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			b.logger.Info("NATS reconnected", "url", c.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			b.logger.Warn("NATS connection closed", "url", b.cfg.URL)
			once.Do(func() { close(closed) })
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS at %s: %w", b.cfg.URL, err)
	}

	b.mu.Lock()
	b.conn = conn
	b.closed = closed
	b.mu.Unlock()

	b.logger.Info("Connected to NATS", "url", b.cfg.URL, "name", b.cfg.Name)
	return nil
}

// current returns a live connection, redialing if the previous one was
// permanently closed. Concurrent callers share a single redial.
func (b *NATSBus) current() (*nats.Conn, error) {
	if conn, err := b.live(); conn != nil || err != nil {
		return conn, err
	}

	b.dialMu.Lock()
	defer b.dialMu.Unlock()
	if conn, err := b.live(); conn != nil || err != nil {
		return conn, err
	}
	if err := b.connect(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBusDisconnected, err)
	}
	b.redials.Add(1)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.shut {
		b.conn.Close()
		return nil, ErrBusClosed
	}
	return b.conn, nil
}

// live returns the connection if it is open, or ErrBusClosed after Close
func (b *NATSBus) live() (*nats.Conn, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.shut {
		return nil, ErrBusClosed
	}
	if b.conn != nil && !b.conn.IsClosed() {
		return b.conn, nil
	}
	return nil, nil
}

// Publish sends data on topic with optional headers
func (b *NATSBus) Publish(ctx context.Context, topic string, data []byte, header map[string]string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("publish timeout: %w", err)
	}

	b.mu.RLock()
	conn, shut := b.conn, b.shut
	b.mu.RUnlock()
	if shut {
		return ErrBusClosed
	}
	if conn == nil || conn.IsClosed() {
		b.drop(topic)
		return ErrBusDisconnected
	}

	data, header, err := compressPayload(data, header, b.cfg.CompressThreshold)
	if err != nil {
		return err
	}

	msg := nats.NewMsg(topic)
	msg.Data = data
	for k, v := range header {
		msg.Header.Set(k, v)
	}

	if err := conn.PublishMsg(msg); err != nil {
		if errors.Is(err, nats.ErrReconnectBufExceeded) {
			b.drop(topic)
			return fmt.Errorf("%w: local buffer full", ErrBusDisconnected)
		}
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

// Subscribe registers h for topic, reconnecting first if needed
func (b *NATSBus) Subscribe(topic string, h Handler) (Subscription, error) {
	conn, err := b.current()
	if err != nil {
		return nil, err
	}

	sub, err := conn.Subscribe(topic, func(m *nats.Msg) {
		var hdr map[string]string
		if len(m.Header) > 0 {
			hdr = make(map[string]string, len(m.Header))
			for k := range m.Header {
				hdr[k] = m.Header.Get(k)
			}
		}
		data, hdr, err := decompressPayload(m.Data, hdr)
		if err != nil {
			b.logger.Warn("Dropping undecodable message", "subject", m.Subject, "error", err)
			return
		}
		h(&Message{Topic: m.Subject, Data: data, Header: hdr})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}
	b.logger.Info("Subscribed", "subject", topic)
	return sub, nil
}

// Closed is closed when the current connection is permanently lost
func (b *NATSBus) Closed() <-chan struct{} {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.closed
}

// Dropped returns how many publishes were discarded while disconnected
func (b *NATSBus) Dropped() int64 {
	return b.dropped.Load()
}

// Close drains and closes the connection
func (b *NATSBus) Close() error {
	b.mu.Lock()
	conn := b.conn
	b.shut = true
	b.mu.Unlock()

	if conn == nil || conn.IsClosed() {
		return nil
	}
	if err := conn.Drain(); err != nil {
		conn.Close()
		return fmt.Errorf("failed to drain NATS connection: %w", err)
	}
	b.logger.Info("NATS bus closed")
	return nil
}

// GetStats returns statistics about the NATS bus
func (b *NATSBus) GetStats() map[string]interface{} {
	b.mu.RLock()
	connected := b.conn != nil && b.conn.IsConnected()
	b.mu.RUnlock()
	return map[string]interface{}{
		"connected": connected,
		"dropped":   b.dropped.Load(),
		"redials":   b.redials.Load(),
	}
}

func (b *NATSBus) drop(topic string) {
	n := b.dropped.Add(1)
	b.logger.Warn("Dropped publish while disconnected", "subject", topic, "dropped_total", n)
}
