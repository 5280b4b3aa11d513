package connection

import (
	"math/rand"
	"sync"
	"time"
)

// Backoff calculates exponential delays with optional jitter.
//
// The lifecycle manager runs three of them with different shapes:
//
//	connect retry:  0.3s, 0.6s, 1.2s, ...  + 0-10 % jitter
//	WiFi reconnect: 0.5s, 1s, 2s, 4s, 4s, ...
//	watchdog:       30s, 60s, 120s, 120s, ...
type Backoff struct {
	mu sync.Mutex

	// Current backoff delay (before jitter)
	current time.Duration

	initial    time.Duration
	max        time.Duration
	multiplier float64
	jitter     float64

	attempts int

	rng *rand.Rand
}

// BackoffConfig configures a Backoff.
type BackoffConfig struct {
	Initial time.Duration

	// Max caps the delay before jitter. Zero means no cap.
	Max time.Duration

	// Multiplier defaults to 2.
	Multiplier float64

	// Jitter is the maximum added jitter as a fraction of the base delay.
	Jitter float64
}

// NewBackoff creates a backoff calculator.
func NewBackoff(cfg BackoffConfig) *Backoff {
	if cfg.Initial <= 0 {
		cfg.Initial = time.Second
	}
	if cfg.Multiplier <= 1 {
		cfg.Multiplier = 2
	}
	if cfg.Jitter < 0 {
		cfg.Jitter = 0
	}
	return &Backoff{
		current:    cfg.Initial,
		initial:    cfg.Initial,
		max:        cfg.Max,
		multiplier: cfg.Multiplier,
		jitter:     cfg.Jitter,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Next returns the next delay (with jitter) and advances the backoff.
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	delay := b.addJitter(b.current)

	b.attempts++
	next := time.Duration(float64(b.current) * b.multiplier)
	if b.max > 0 && next > b.max {
		next = b.max
	}
	b.current = next

	return delay
}

// Reset returns to the initial delay.
func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.current = b.initial
	b.attempts = 0
}

// Attempts returns the number of delays handed out since the last reset.
func (b *Backoff) Attempts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempts
}

func (b *Backoff) addJitter(d time.Duration) time.Duration {
	if b.jitter <= 0 {
		return d
	}
	return d + time.Duration(float64(d)*b.jitter*b.rng.Float64())
}

func (m *Manager) connectBackoff() *Backoff {
	return NewBackoff(BackoffConfig{
		Initial: m.cfg.ConnectBaseDelay,
		Jitter:  m.cfg.ConnectJitter,
	})
}

func (m *Manager) wifiBackoff() *Backoff {
	return NewBackoff(BackoffConfig{
		Initial: m.cfg.WiFiBaseDelay,
		Max:     m.cfg.WiFiMaxDelay,
	})
}

func (m *Manager) watchdogBackoff() *Backoff {
	return NewBackoff(BackoffConfig{
		Initial: m.cfg.WatchdogInitial,
		Max:     m.cfg.WatchdogMax,
	})
}
