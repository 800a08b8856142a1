package classifier

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/sgerhart/netsentry/internal/metrics"
)

const (
	// DefaultLineChannelSize is the default buffer size for received lines
	DefaultLineChannelSize = 10_000

	// DefaultMaxLineSize is the default maximum size of a single log line
	DefaultMaxLineSize = 64 * 1024

	// pause bounds after a failed read or accept
	errorBackoffMin = 5 * time.Millisecond
	errorBackoffMax = time.Second
)

// Line is one raw log line and the address it came from
type Line struct {
	Text     string
	SourceIP string
}

// ListenerConfig holds the syslog listener parameters. An empty address
// disables that transport.
type ListenerConfig struct {
	UDPAddr         string
	TCPAddr         string
	LineChannelSize int
	MaxLineSize     int
}

// Listener receives syslog over UDP datagrams and newline-delimited TCP. Lines
// are dropped and counted when the channel is full.
type Listener struct {
	cfg     ListenerConfig
	logger  *slog.Logger
	metrics *metrics.Metrics

	lines  chan Line
	udp    net.PacketConn
	tcp    net.Listener
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewListener creates a listener; call Start to bind
func NewListener(cfg ListenerConfig, logger *slog.Logger, m *metrics.Metrics) *Listener {
	if cfg.LineChannelSize <= 0 {
		cfg.LineChannelSize = DefaultLineChannelSize
	}
	if cfg.MaxLineSize <= 0 {
		cfg.MaxLineSize = DefaultMaxLineSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Listener{
		cfg:     cfg,
		logger:  logger.With("component", "syslog-listener"),
		metrics: m,
		lines:   make(chan Line, cfg.LineChannelSize),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start binds the configured transports
func (l *Listener) Start() error {
	if l.cfg.UDPAddr == "" && l.cfg.TCPAddr == "" {
		return errors.New("no syslog listen address configured")
	}

	if l.cfg.UDPAddr != "" {
		pc, err := net.ListenPacket("udp", l.cfg.UDPAddr)
		if err != nil {
			return fmt.Errorf("failed to listen on udp %s: %w", l.cfg.UDPAddr, err)
		}
		l.udp = pc
		l.wg.Add(1)
		go l.serveUDP()
		l.logger.Info("Syslog UDP listener started", "addr", pc.LocalAddr().String())
	}

	if l.cfg.TCPAddr != "" {
		ln, err := net.Listen("tcp", l.cfg.TCPAddr)
		if err != nil {
			if l.udp != nil {
				l.udp.Close()
			}
			return fmt.Errorf("failed to listen on tcp %s: %w", l.cfg.TCPAddr, err)
		}
		l.tcp = ln
		l.wg.Add(1)
		go l.serveTCP()
		l.logger.Info("Syslog TCP listener started", "addr", ln.Addr().String())
	}
	return nil
}

func (l *Listener) serveUDP() {
	defer l.wg.Done()
	buf := make([]byte, l.cfg.MaxLineSize)
	var backoff time.Duration
	for {
		n, addr, err := l.udp.ReadFrom(buf)
		if err != nil {
			if l.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			l.logger.Warn("UDP read failed", "error", err)
			if backoff = l.pause(backoff); backoff == 0 {
				return
			}
			continue
		}
		backoff = 0
		ip := hostOf(addr)
		// a datagram may carry several lines
		for _, text := range strings.Split(string(buf[:n]), "\n") {
			l.deliver(Line{Text: text, SourceIP: ip})
		}
	}
}

func (l *Listener) serveTCP() {
	defer l.wg.Done()
	var backoff time.Duration
	for {
		conn, err := l.tcp.Accept()
		if err != nil {
			if l.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			l.metrics.AcceptErrors.Inc()
			l.logger.Warn("TCP accept failed", "error", err)
			if backoff = l.pause(backoff); backoff == 0 {
				return
			}
			continue
		}
		backoff = 0
		l.wg.Add(1)
		go l.handleConn(conn)
	}
}

// pause sleeps after a transport error, doubling the previous wait up to
// errorBackoffMax. It returns the wait used, or 0 once the listener stops.
func (l *Listener) pause(prev time.Duration) time.Duration {
	d := prev * 2
	if d < errorBackoffMin {
		d = errorBackoffMin
	}
	if d > errorBackoffMax {
		d = errorBackoffMax
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-l.ctx.Done():
		return 0
	case <-t.C:
		return d
	}
}

func (l *Listener) handleConn(conn net.Conn) {
	defer l.wg.Done()
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-l.ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	ip := hostOf(conn.RemoteAddr())
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), l.cfg.MaxLineSize)
	for scanner.Scan() {
		l.deliver(Line{Text: scanner.Text(), SourceIP: ip})
	}
	if err := scanner.Err(); err != nil && l.ctx.Err() == nil {
		if errors.Is(err, bufio.ErrTooLong) {
			l.logger.Warn("Dropped connection on oversized line", "peer", conn.RemoteAddr().String(), "max_line_size", l.cfg.MaxLineSize)
			return
		}
		l.logger.Warn("Scanner error", "peer", conn.RemoteAddr().String(), "error", err)
	}
}

func (l *Listener) deliver(line Line) {
	line.Text = strings.TrimRight(line.Text, "\r\x00")
	if line.Text == "" {
		return
	}
	select {
	case l.lines <- line:
	default:
		l.metrics.LinesDropped.Inc()
	}
}

// Lines returns the channel of received lines. It is closed by Stop.
func (l *Listener) Lines() <-chan Line {
	return l.lines
}

// UDPAddr returns the bound UDP address, or nil
func (l *Listener) UDPAddr() net.Addr {
	if l.udp == nil {
		return nil
	}
	return l.udp.LocalAddr()
}

// TCPAddr returns the bound TCP address, or nil
func (l *Listener) TCPAddr() net.Addr {
	if l.tcp == nil {
		return nil
	}
	return l.tcp.Addr()
}

// Stop closes the transports, waits for readers and closes Lines
func (l *Listener) Stop() error {
	l.cancel()
	if l.udp != nil {
		l.udp.Close()
	}
	if l.tcp != nil {
		l.tcp.Close()
	}
	l.wg.Wait()
	close(l.lines)
	l.logger.Info("Syslog listener stopped")
	return nil
}

func hostOf(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
