package classifier

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sgerhart/netsentry/internal/bus"
	"github.com/sgerhart/netsentry/internal/metrics"
	"github.com/sgerhart/netsentry/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestService_IngestPublishesToExactlyOneTopic(t *testing.T) {
	b := bus.NewMemoryBus()
	defer b.Close()

	var got []*bus.Message
	_, err := b.Subscribe("logs.*", func(m *bus.Message) { got = append(got, m) })
	require.NoError(t, err)

	m := metrics.NewNop()
	svc := NewService(b, testLogger(), m)

	lines := []Line{
		{Text: "<30>Jan  2 03:04:05 R1 hostapd[1]: auth fail", SourceIP: "10.0.0.1"},
		{Text: "hostapd hit oom", SourceIP: "10.0.0.1"},
	}
	for _, l := range lines {
		require.NoError(t, svc.Ingest(context.Background(), l))
	}

	require.Len(t, got, 2)
	assert.Equal(t, "logs.wifi", got[0].Topic)
	assert.Equal(t, "logs.generic", got[1].Topic)

	var ev model.ParsedLogEvent
	require.NoError(t, json.Unmarshal(got[0].Data, &ev))
	assert.Equal(t, ev.EventID, got[0].Header["x-event-id"])
	assert.Equal(t, "auth fail", ev.Message)

	assert.Equal(t, float64(2), testutil.ToFloat64(m.LinesTotal))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ParseFailures))
}

func TestService_IngestBusClosed(t *testing.T) {
	b := bus.NewMemoryBus()
	require.NoError(t, b.Close())

	m := metrics.NewNop()
	svc := NewService(b, testLogger(), m)

	err := svc.Ingest(context.Background(), Line{Text: "x"})
	assert.ErrorIs(t, err, bus.ErrBusClosed)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.BusPublishErrors.WithLabelValues("classifier")))
}

func TestService_RunStopsOnClosedChannel(t *testing.T) {
	b := bus.NewMemoryBus()
	defer b.Close()

	count := 0
	_, err := b.Subscribe("logs.>", func(*bus.Message) { count++ })
	require.NoError(t, err)

	lines := make(chan Line, 3)
	lines <- Line{Text: "a"}
	lines <- Line{Text: "b"}
	close(lines)

	svc := NewService(b, testLogger(), metrics.NewNop())
	require.NoError(t, svc.Run(context.Background(), lines))
	assert.Equal(t, 2, count)
}

func TestListener_UDPAndTCP(t *testing.T) {
	m := metrics.NewNop()
	l := NewListener(ListenerConfig{UDPAddr: "127.0.0.1:0", TCPAddr: "127.0.0.1:0"}, testLogger(), m)
	require.NoError(t, l.Start())
	defer l.Stop()

	uc, err := net.Dial("udp", l.UDPAddr().String())
	require.NoError(t, err)
	defer uc.Close()
	_, err = uc.Write([]byte("udp line one\nudp line two"))
	require.NoError(t, err)

	tc, err := net.Dial("tcp", l.TCPAddr().String())
	require.NoError(t, err)
	defer tc.Close()
	_, err = tc.Write([]byte("tcp line\r\n"))
	require.NoError(t, err)

	seen := map[string]string{}
	timeout := time.After(2 * time.Second)
	for len(seen) < 3 {
		select {
		case line := <-l.Lines():
			seen[line.Text] = line.SourceIP
		case <-timeout:
			t.Fatalf("received only %d lines: %v", len(seen), seen)
		}
	}

	assert.Equal(t, "127.0.0.1", seen["udp line one"])
	assert.Contains(t, seen, "udp line two")
	assert.Equal(t, "127.0.0.1", seen["tcp line"])
}

func TestListener_DropsWhenFull(t *testing.T) {
	m := metrics.NewNop()
	l := NewListener(ListenerConfig{UDPAddr: "127.0.0.1:0", LineChannelSize: 1}, testLogger(), m)

	l.deliver(Line{Text: "one"})
	l.deliver(Line{Text: "two"})
	l.deliver(Line{Text: ""})

	assert.Len(t, l.lines, 1)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.LinesDropped))
}

func TestListener_RequiresAddress(t *testing.T) {
	l := NewListener(ListenerConfig{}, testLogger(), metrics.NewNop())
	assert.Error(t, l.Start())
}

// failingListener fails every Accept with a transient error until closed
type failingListener struct {
	accepts atomic.Int32
	closed  chan struct{}
}

func (f *failingListener) Accept() (net.Conn, error) {
	f.accepts.Add(1)
	select {
	case <-f.closed:
		return nil, net.ErrClosed
	default:
		return nil, errors.New("accept: too many open files")
	}
}

func (f *failingListener) Close() error   { close(f.closed); return nil }
func (f *failingListener) Addr() net.Addr { return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)} }

func TestListener_AcceptErrorsBackOff(t *testing.T) {
	m := metrics.NewNop()
	l := NewListener(ListenerConfig{TCPAddr: "127.0.0.1:0"}, testLogger(), m)
	fl := &failingListener{closed: make(chan struct{})}
	l.tcp = fl
	l.wg.Add(1)
	go l.serveTCP()

	time.Sleep(100 * time.Millisecond)
	require.NoError(t, l.Stop())

	// 5, 10, 20 and 40ms waits fit in 100ms
	n := fl.accepts.Load()
	assert.GreaterOrEqual(t, n, int32(2))
	assert.LessOrEqual(t, n, int32(8))
	assert.InDelta(t, float64(n), testutil.ToFloat64(m.AcceptErrors), 1)
}

func TestListener_PauseDoublesUpToMax(t *testing.T) {
	l := NewListener(ListenerConfig{}, testLogger(), metrics.NewNop())
	assert.Equal(t, errorBackoffMin, l.pause(0))
	assert.Equal(t, 2*errorBackoffMin, l.pause(errorBackoffMin))

	l.cancel()
	assert.Equal(t, time.Duration(0), l.pause(errorBackoffMax))
}
