package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pocketmesh/pocketmesh-go/internal/bluez"
	"github.com/pocketmesh/pocketmesh-go/pkg/companion"
	"github.com/pocketmesh/pocketmesh-go/pkg/devicesync"
	"github.com/pocketmesh/pocketmesh-go/pkg/persistence"
	"github.com/pocketmesh/pocketmesh-go/pkg/transport"
)

func TestCircuitBreaker(t *testing.T) {
	now := time.Unix(1704067200, 0)
	clock := func() time.Time { return now }

	t.Run("OpensOnFailure", func(t *testing.T) {
		b := NewCircuitBreaker(30*time.Second, clock)
		assert.Equal(t, BreakerClosed, b.State())
		assert.True(t, b.ShouldAllow(false))

		b.RecordFailure()
		assert.Equal(t, BreakerOpen, b.State())
		assert.False(t, b.ShouldAllow(false))
		assert.True(t, b.ShouldAllow(true), "force bypasses the breaker")
		assert.Equal(t, BreakerOpen, b.State())
	})

	t.Run("HalfOpenAfterCooldown", func(t *testing.T) {
		at := now
		b := NewCircuitBreaker(30*time.Second, func() time.Time { return at })
		b.RecordFailure()

		at = now.Add(29 * time.Second)
		assert.False(t, b.ShouldAllow(false))

		at = now.Add(30 * time.Second)
		assert.True(t, b.ShouldAllow(false))
		assert.Equal(t, BreakerHalfOpen, b.State())

		b.RecordFailure()
		assert.Equal(t, BreakerOpen, b.State())
		assert.Equal(t, at, b.OpenedAt())

		at = at.Add(30 * time.Second)
		require.True(t, b.ShouldAllow(false))
		b.RecordSuccess()
		assert.Equal(t, BreakerClosed, b.State())
		assert.True(t, b.OpenedAt().IsZero())
	})

	t.Run("RepeatedFailureKeepsOpeningTime", func(t *testing.T) {
		at := now
		b := NewCircuitBreaker(30*time.Second, func() time.Time { return at })
		b.RecordFailure()
		at = now.Add(10 * time.Second)
		b.RecordFailure()
		assert.Equal(t, now, b.OpenedAt())
	})
}

func TestIntentJSON(t *testing.T) {
	cases := []Intent{{}, WantsConnection(false), WantsConnection(true), UserDisconnected()}
	for _, in := range cases {
		t.Run(in.String(), func(t *testing.T) {
			b, err := json.Marshal(in)
			require.NoError(t, err)
			var out Intent
			require.NoError(t, json.Unmarshal(b, &out))
			assert.Equal(t, in, out)
		})
	}

	t.Run("Wire", func(t *testing.T) {
		b, err := json.Marshal(WantsConnection(true))
		require.NoError(t, err)
		assert.JSONEq(t, `{"kind":"wantsConnection","force_full_sync":true}`, string(b))
	})

	t.Run("UnknownKind", func(t *testing.T) {
		var out Intent
		assert.Error(t, json.Unmarshal([]byte(`{"kind":"sometimes"}`), &out))
	})
}

func TestDisconnectReasonUserInitiated(t *testing.T) {
	user := []DisconnectReason{
		ReasonUserInitiated, ReasonForgetDevice, ReasonDeviceRemovedExternally,
		ReasonFactoryReset, ReasonSwitchingDevice,
	}
	for _, r := range user {
		assert.True(t, r.UserInitiated(), r.String())
	}
	transient := []DisconnectReason{
		ReasonResyncFailed, ReasonWiFiAddressChanged, ReasonPairingFailed, ReasonConnectionLost,
		ReasonHeartbeatFailed, ReasonAutoReconnectTimeout, ReasonWiFiReconnectFailed,
		ReasonSessionRebuildFailed, ReasonConnectFailed, ReasonShutdown,
	}
	for _, r := range transient {
		assert.False(t, r.UserInitiated(), r.String())
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want ErrorClass
	}{
		{"RadioOff", fmt.Errorf("connect: %w", transport.ErrRadioPoweredOff), ClassPrecondition},
		{"Unauthorized", transport.ErrRadioUnauthorized, ClassPrecondition},
		{"CoolingDown", policy(ErrCoolingDown), ClassPolicy},
		{"DeviceBusy", fmt.Errorf("handshake: %w", companion.ErrDeviceBusy), ClassPolicy},
		{"BadAddress", bluez.ErrInvalidAddress, ClassPolicy},
		{"SyncFailed", ErrSyncFailed, ClassData},
		{"SyncCancelled", devicesync.ErrSyncCancelled, ClassData},
		{"Timeout", ErrOperationTimeout, ClassTransient},
		{"Unknown", errors.New("le-connection-abort-by-local"), ClassTransient},
		{"Explicit", &ClassifiedError{Class: ClassData, Err: transport.ErrRadioPoweredOff}, ClassData},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Classify(tc.err))
		})
	}

	assert.ErrorIs(t, policy(ErrCoolingDown), ErrCoolingDown)
}

func TestReadyRequiresSession(t *testing.T) {
	rec := &persistence.DeviceRecord{ID: uuid.New()}
	assert.Panics(t, func() { newReady(nil, rec, newServices(rec.ID, nil), transport.TypeShortRange) })
	assert.Panics(t, func() { newReady(&fakeSession{}, nil, newServices(rec.ID, nil), transport.TypeShortRange) })
	assert.Panics(t, func() { newReady(&fakeSession{}, rec, nil, transport.TypeShortRange) })

	r := newReady(&fakeSession{}, rec, newServices(rec.ID, nil), transport.TypeWideArea)
	assert.Equal(t, rec.ID, r.DeviceID())
	assert.Equal(t, rec.ID, StateDeviceID(r))
	assert.Equal(t, PhaseReady, r.Phase())
	assert.Equal(t, transport.TypeWideArea, r.Transport())

	r.Device().Name = "changed"
	assert.Empty(t, r.Device().Name, "Device returns a copy")
}

func TestStateDeviceID(t *testing.T) {
	id := uuid.New()
	assert.Equal(t, uuid.Nil, StateDeviceID(Disconnected{}))
	assert.Equal(t, id, StateDeviceID(Connecting{DeviceID: id}))
	assert.Equal(t, id, StateDeviceID(Connected{DeviceID: id}))
	assert.True(t, sameState(Connecting{DeviceID: id}, Connecting{DeviceID: id}))
	assert.False(t, sameState(Connecting{DeviceID: id}, Connected{DeviceID: id}))
}

func TestServicesFailAfterDisconnect(t *testing.T) {
	sess := &fakeSession{h: &harness{}}
	svc := newServices(uuid.New(), sess)

	_, err := svc.Battery(context.Background())
	require.NoError(t, err)

	svc.PrepareForDisconnect()
	assert.True(t, svc.Disconnected())
	_, err = svc.GetTime(context.Background())
	assert.ErrorIs(t, err, ErrServicesClosed)
	assert.ErrorIs(t, svc.SetTime(context.Background(), time.Now()), ErrServicesClosed)
	_, err = svc.QueryDevice(context.Background())
	assert.ErrorIs(t, err, ErrServicesClosed)
}

func TestSuspendableClock(t *testing.T) {
	t.Run("SleepRuns", func(t *testing.T) {
		c := NewSuspendableClock(nil)
		start := time.Now()
		require.NoError(t, c.Sleep(context.Background(), 20*time.Millisecond))
		assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	})

	t.Run("SuspendPausesSleep", func(t *testing.T) {
		c := NewSuspendableClock(nil)
		c.Suspend()
		assert.True(t, c.Suspended())

		done := make(chan error, 1)
		go func() { done <- c.Sleep(context.Background(), 10*time.Millisecond) }()

		select {
		case <-done:
			t.Fatal("sleep finished while suspended")
		case <-time.After(50 * time.Millisecond):
		}

		c.Resume()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatal("sleep did not finish after resume")
		}
	})

	t.Run("ContextCancels", func(t *testing.T) {
		c := NewSuspendableClock(nil)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		assert.ErrorIs(t, c.Sleep(ctx, time.Hour), context.Canceled)
	})
}

func TestRaceTimeout(t *testing.T) {
	c := NewSuspendableClock(nil)

	t.Run("OperationWins", func(t *testing.T) {
		err := raceTimeout(context.Background(), c, time.Second, func(ctx context.Context) error {
			return nil
		})
		assert.NoError(t, err)
	})

	t.Run("OperationError", func(t *testing.T) {
		boom := errors.New("boom")
		err := raceTimeout(context.Background(), c, time.Second, func(ctx context.Context) error {
			return boom
		})
		assert.ErrorIs(t, err, boom)
	})

	t.Run("TimeoutWinsAndCancels", func(t *testing.T) {
		cancelled := make(chan struct{})
		err := raceTimeout(context.Background(), c, 10*time.Millisecond, func(ctx context.Context) error {
			<-ctx.Done()
			close(cancelled)
			return ctx.Err()
		})
		assert.ErrorIs(t, err, ErrOperationTimeout)
		select {
		case <-cancelled:
		case <-time.After(time.Second):
			t.Fatal("operation was not cancelled")
		}
	})
}

func TestTaskGroup(t *testing.T) {
	block := func(ctx context.Context) { <-ctx.Done() }

	t.Run("ReplaceSameName", func(t *testing.T) {
		g := newTaskGroup(context.Background())
		first := make(chan struct{})
		g.Start("a", func(ctx context.Context) {
			<-ctx.Done()
			close(first)
		})
		g.Start("a", block)

		select {
		case <-first:
		case <-time.After(time.Second):
			t.Fatal("first task was not cancelled")
		}
		assert.Equal(t, []string{"a"}, g.Names())
		g.CancelAll()
		g.Wait()
		assert.Empty(t, g.Names())
	})

	t.Run("FinishedTaskUnregisters", func(t *testing.T) {
		g := newTaskGroup(context.Background())
		g.Start("once", func(context.Context) {})
		g.Wait()
		assert.False(t, g.Running("once"))
	})

	t.Run("CancelNamed", func(t *testing.T) {
		g := newTaskGroup(context.Background())
		g.Start("a", block)
		g.Start("b", block)
		g.Cancel("a")
		assert.Equal(t, []string{"b"}, g.Names())
		g.CancelAll()
		g.Wait()
	})
}

func TestOutboxOrder(t *testing.T) {
	o := newOutbox()
	var mu sync.Mutex
	var got []int
	for i := 0; i < 100; i++ {
		o.post(func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		})
	}
	o.flush()
	o.close()

	require.Len(t, got, 100)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
	o.post(func() { t.Error("posted after close") })
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	cases := map[string]func(c *Config){
		"NoAttempts":    func(c *Config) { c.ConnectAttempts = 0 },
		"NoResync":      func(c *Config) { c.ResyncAttempts = 0 },
		"Jitter":        func(c *Config) { c.ConnectJitter = 2 },
		"ZeroHandshake": func(c *Config) { c.HandshakeTimeout = 0 },
		"WiFiDelays":    func(c *Config) { c.WiFiMaxDelay = c.WiFiBaseDelay / 2 },
		"Watchdog":      func(c *Config) { c.WatchdogMax = time.Second },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := DefaultConfig()
			mutate(&c)
			assert.ErrorIs(t, c.Validate(), ErrInvalidConfig)
		})
	}
}
