package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/pocketmesh/pocketmesh-go/pkg/log"
)

// TCP defaults.
const (
	// DefaultTCPPort is the companion firmware's default TCP port.
	DefaultTCPPort = 5000

	// DefaultDialTimeout applies when the Connect context has no deadline.
	DefaultDialTimeout = 10 * time.Second
)

// TCPConfig configures a TCP transport.
type TCPConfig struct {
	Host string
	Port int

	// DialTimeout bounds Connect when ctx has no deadline (default 10s).
	DialTimeout time.Duration

	// MaxFrameSize bounds received payloads (default 512).
	MaxFrameSize int

	// EventLog receives frame events (optional).
	EventLog log.Logger

	// Logger is the optional operational logger.
	Logger *slog.Logger
}

// TCP is the wide-area transport. A TCP object can be connected again
// after a disconnect, but the lifecycle manager builds a fresh one for
// every reconnect attempt.
type TCP struct {
	cfg    TCPConfig
	frames chan []byte
	events chan Event

	mu      sync.Mutex
	conn    net.Conn
	writer  *FrameWriter
	done    chan struct{}
	readers sync.WaitGroup
}

// NewTCP creates a disconnected TCP transport.
func NewTCP(cfg TCPConfig) *TCP {
	if cfg.Port == 0 {
		cfg.Port = DefaultTCPPort
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.MaxFrameSize == 0 {
		cfg.MaxFrameSize = DefaultMaxFrameSize
	}
	cfg.EventLog = log.OrNoop(cfg.EventLog)
	return &TCP{
		cfg:    cfg,
		frames: make(chan []byte, 32),
		events: make(chan Event, eventBuffer),
	}
}

// Address returns host:port.
func (t *TCP) Address() string {
	return net.JoinHostPort(t.cfg.Host, strconv.Itoa(t.cfg.Port))
}

// Host returns the configured host.
func (t *TCP) Host() string { return t.cfg.Host }

// Port returns the configured port.
func (t *TCP) Port() int { return t.cfg.Port }

// Type implements Transport.
func (t *TCP) Type() Type { return TypeWideArea }

// Frames implements Transport.
func (t *TCP) Frames() <-chan []byte { return t.frames }

// Events implements Transport.
func (t *TCP) Events() <-chan Event { return t.events }

// Connected implements Transport.
func (t *TCP) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn != nil
}

// Connect dials the radio.
func (t *TCP) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.conn != nil {
		t.mu.Unlock()
		return ErrAlreadyConnected
	}
	t.mu.Unlock()

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.cfg.DialTimeout)
		defer cancel()
	}

	dialer := &net.Dialer{KeepAlive: 15 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", t.Address())
	if err != nil {
		return fmt.Errorf("dial %s: %w", t.Address(), err)
	}

	t.mu.Lock()
	if t.conn != nil {
		t.mu.Unlock()
		conn.Close()
		return ErrAlreadyConnected
	}
	t.conn = conn
	t.writer = NewFrameWriter(conn)
	t.done = make(chan struct{})
	done := t.done
	t.readers.Add(1)
	t.mu.Unlock()

	go t.readLoop(conn, done)

	if t.cfg.Logger != nil {
		t.cfg.Logger.Debug("tcp connected", "addr", t.Address())
	}
	return nil
}

// Disconnect closes the connection and waits for the read loop to exit.
// Safe to call when not connected.
func (t *TCP) Disconnect() error {
	t.mu.Lock()
	conn := t.conn
	done := t.done
	t.conn = nil
	t.writer = nil
	t.done = nil
	t.mu.Unlock()

	if conn == nil {
		return nil
	}
	close(done)
	err := conn.Close()
	t.readers.Wait()
	return err
}

// Send writes one frame. The ctx deadline, if any, becomes the write deadline.
func (t *TCP) Send(ctx context.Context, payload []byte) error {
	t.mu.Lock()
	conn, writer := t.conn, t.writer
	t.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
		defer conn.SetWriteDeadline(time.Time{})
	}
	if err := writer.WriteFrame(payload); err != nil {
		return err
	}
	t.cfg.EventLog.Log(log.FrameRecord(TypeWideArea.String(), log.DirectionOut, payload))
	return nil
}

func (t *TCP) readLoop(conn net.Conn, done chan struct{}) {
	defer t.readers.Done()

	reader := NewFrameReader(conn)
	reader.SetMaxFrameSize(t.cfg.MaxFrameSize)

	for {
		payload, err := reader.ReadFrame()
		if err != nil {
			t.handleReadError(conn, done, err)
			return
		}
		t.cfg.EventLog.Log(log.FrameRecord(TypeWideArea.String(), log.DirectionIn, payload))

		select {
		case t.frames <- payload:
		case <-done:
			return
		}
	}
}

// handleReadError reports link loss unless Disconnect caused it.
func (t *TCP) handleReadError(conn net.Conn, done chan struct{}, err error) {
	select {
	case <-done:
		return
	default:
	}

	t.mu.Lock()
	if t.conn != conn {
		t.mu.Unlock()
		return
	}
	t.conn = nil
	t.writer = nil
	t.done = nil
	t.mu.Unlock()

	close(done)
	conn.Close()

	if errors.Is(err, net.ErrClosed) {
		err = ErrConnectionClosed
	}
	if t.cfg.Logger != nil {
		t.cfg.Logger.Debug("tcp link lost", "addr", t.Address(), "error", err)
	}
	emit(t.events, Event{Kind: EventDisconnected, Address: t.Address(), Err: err})
}

var _ Transport = (*TCP)(nil)
