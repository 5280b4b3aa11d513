package companion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Session errors.
var (
	ErrSessionStopped  = errors.New("companion: session stopped")
	ErrNotStarted      = errors.New("companion: session not started")
	ErrRequestTimeout  = errors.New("companion: request timed out")
	ErrUnexpectedReply = errors.New("companion: unexpected reply")

	// ErrDeviceBusy is returned by Start when the radio refuses the session
	// because another controller owns it.
	ErrDeviceBusy = errors.New("companion: device is in use by another controller")
)

// DefaultRequestTimeout bounds a single request when ctx has no deadline.
const DefaultRequestTimeout = 10 * time.Second

// Link is the frame-level channel a session runs on. transport.Transport
// satisfies it.
type Link interface {
	Send(ctx context.Context, payload []byte) error
	Frames() <-chan []byte
}

// PushHandler receives unsolicited radio frames (code >= PushCodeMin).
type PushHandler func(code byte, frame []byte)

// Config configures a Session.
type Config struct {
	// ClientID is sent in the handshake (max 5 characters, default "MCore").
	ClientID string

	// RequestTimeout bounds each request when ctx has no deadline.
	RequestTimeout time.Duration

	// OnPush is called from the session's read loop for push frames.
	OnPush PushHandler

	Logger *slog.Logger
}

// Session is a MeshCore companion protocol session on one link.
//
// The protocol has no request identifiers, so requests are serialized:
// exactly one is outstanding and the next non-push frame answers it.
// Stop must be called before another Session reads from the same link.
type Session struct {
	link Link
	cfg  Config

	reqMu sync.Mutex // one request in flight

	mu       sync.Mutex
	pending  chan []byte
	started  bool
	stopped  bool
	selfInfo *SelfInfo
	stop     chan struct{}
	done     chan struct{}
}

// NewSession creates a session on link. Start runs the handshake.
func NewSession(link Link, cfg Config) *Session {
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	return &Session{
		link: link,
		cfg:  cfg,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
}

func (s *Session) debugLog(msg string, args ...any) {
	if s.cfg.Logger != nil {
		s.cfg.Logger.Debug(msg, args...)
	}
}

// Start begins reading frames and performs the app-start handshake.
// It returns the radio's self description.
func (s *Session) Start(ctx context.Context) (*SelfInfo, error) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil, ErrSessionStopped
	}
	if !s.started {
		s.started = true
		go s.readLoop()
	}
	s.mu.Unlock()

	resp, err := s.request(ctx, EncodeAppStart(s.cfg.ClientID))
	if err != nil {
		var perr *ProtocolError
		if errors.As(err, &perr) && perr.Code == ErrCodeBadState {
			return nil, fmt.Errorf("%w: %v", ErrDeviceBusy, err)
		}
		return nil, fmt.Errorf("app start: %w", err)
	}
	info, err := DecodeSelfInfo(resp)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.selfInfo = info
	s.mu.Unlock()
	s.debugLog("companion session started", "name", info.Name)
	return info, nil
}

// SelfInfo returns the self description from the handshake, or nil.
func (s *Session) SelfInfo() *SelfInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selfInfo
}

// Stop ends the session and waits for its read loop to exit. Pending
// requests fail with ErrSessionStopped. Safe to call more than once.
func (s *Session) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	started := s.started
	close(s.stop)
	s.mu.Unlock()

	if started {
		<-s.done
	}
}

// Stopped reports whether Stop was called.
func (s *Session) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// QueryDevice asks the radio for its capabilities.
func (s *Session) QueryDevice(ctx context.Context) (*DeviceInfo, error) {
	resp, err := s.request(ctx, EncodeDeviceQuery())
	if err != nil {
		return nil, fmt.Errorf("device query: %w", err)
	}
	return DecodeDeviceInfo(resp)
}

// GetTime reads the radio clock. It doubles as the liveness probe.
func (s *Session) GetTime(ctx context.Context) (time.Time, error) {
	resp, err := s.request(ctx, EncodeGetTime())
	if err != nil {
		return time.Time{}, fmt.Errorf("get time: %w", err)
	}
	return DecodeCurrTime(resp)
}

// SetTime sets the radio clock.
func (s *Session) SetTime(ctx context.Context, t time.Time) error {
	resp, err := s.request(ctx, EncodeSetTime(t))
	if err != nil {
		return fmt.Errorf("set time: %w", err)
	}
	if resp[0] != RespOK {
		return fmt.Errorf("set time: %w: code %#x", ErrUnexpectedReply, resp[0])
	}
	return nil
}

// Battery reads the battery and storage report.
func (s *Session) Battery(ctx context.Context) (*BatteryInfo, error) {
	resp, err := s.request(ctx, EncodeGetBattery())
	if err != nil {
		return nil, fmt.Errorf("battery: %w", err)
	}
	return DecodeBattery(resp)
}

// request sends one command and waits for its reply. RespErr replies are
// returned as *ProtocolError.
func (s *Session) request(ctx context.Context, cmd []byte) ([]byte, error) {
	s.reqMu.Lock()
	defer s.reqMu.Unlock()

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil, ErrSessionStopped
	}
	if !s.started {
		s.mu.Unlock()
		return nil, ErrNotStarted
	}
	respCh := make(chan []byte, 1)
	s.pending = respCh
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		if s.pending == respCh {
			s.pending = nil
		}
		s.mu.Unlock()
	}()

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.RequestTimeout)
		defer cancel()
	}

	if err := s.link.Send(ctx, cmd); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrRequestTimeout
		}
		return nil, ctx.Err()
	case <-s.stop:
		return nil, ErrSessionStopped
	case resp := <-respCh:
		if resp[0] == RespErr {
			return nil, decodeErr(resp)
		}
		return resp, nil
	}
}

func (s *Session) readLoop() {
	defer close(s.done)
	frames := s.link.Frames()
	for {
		select {
		case <-s.stop:
			return
		case frame, ok := <-frames:
			if !ok {
				return
			}
			if len(frame) == 0 {
				continue
			}
			s.dispatch(frame)
		}
	}
}

func (s *Session) dispatch(frame []byte) {
	code := frame[0]
	if code >= PushCodeMin {
		if s.cfg.OnPush != nil {
			s.cfg.OnPush(code, frame)
		}
		return
	}

	s.mu.Lock()
	ch := s.pending
	s.pending = nil
	s.mu.Unlock()

	if ch == nil {
		s.debugLog("companion: dropping unsolicited reply", "code", code)
		return
	}
	ch <- frame
}
