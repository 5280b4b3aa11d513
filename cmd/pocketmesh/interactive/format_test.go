package interactive

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pocketmesh/pocketmesh-go/pkg/connection"
	"github.com/pocketmesh/pocketmesh-go/pkg/persistence"
	"github.com/pocketmesh/pocketmesh-go/pkg/transport"
)

func TestParseEndpoint(t *testing.T) {
	tests := []struct {
		in       string
		wantHost string
		wantPort int
		wantErr  bool
	}{
		{"10.0.0.2", "10.0.0.2", 5000, false},
		{"10.0.0.2:4403", "10.0.0.2", 4403, false},
		{"radio.local", "radio.local", 5000, false},
		{"[fe80::1]:5001", "fe80::1", 5001, false},
		{"fe80::1", "fe80::1", 5000, false},
		{"10.0.0.2:http", "", 0, true},
		{"10.0.0.2:70000", "", 0, true},
		{":5000", "", 0, true},
		{"  ", "", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			host, port, err := ParseEndpoint(tt.in, 5000)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantHost, host)
			assert.Equal(t, tt.wantPort, port)
		})
	}
}

func TestMatchDevice(t *testing.T) {
	a := &persistence.DeviceRecord{ID: uuid.MustParse("a1b2c3d4-0000-0000-0000-000000000001"), Name: "Pocket"}
	b := &persistence.DeviceRecord{ID: uuid.MustParse("a1b2ffff-0000-0000-0000-000000000002"), Name: "Base"}
	recs := []*persistence.DeviceRecord{a, b}

	t.Run("FullID", func(t *testing.T) {
		got, err := MatchDevice(recs, a.ID.String())
		require.NoError(t, err)
		assert.Same(t, a, got)
	})

	t.Run("Prefix", func(t *testing.T) {
		got, err := MatchDevice(recs, "a1b2f")
		require.NoError(t, err)
		assert.Same(t, b, got)
	})

	t.Run("Name", func(t *testing.T) {
		got, err := MatchDevice(recs, "POCKET")
		require.NoError(t, err)
		assert.Same(t, a, got)
	})

	t.Run("Ambiguous", func(t *testing.T) {
		_, err := MatchDevice(recs, "a1b2")
		assert.ErrorIs(t, err, ErrAmbiguousMatch)
	})

	t.Run("None", func(t *testing.T) {
		_, err := MatchDevice(recs, "zz")
		assert.ErrorIs(t, err, ErrNoMatch)
	})
}

func TestFormatStatus(t *testing.T) {
	snap := connection.Snapshot{
		State:            connection.Disconnected{},
		Intent:           connection.WantsConnection(false),
		Transport:        transport.TypeNone,
		Breaker:          connection.BreakerOpen,
		RadioPoweredOff:  true,
		Tasks:            []string{"watchdog"},
		LastDeviceName:   "Pocket",
		LastDisconnect:   "connectionLost",
		LastDisconnectAt: time.Now().Add(-time.Minute),
	}

	out := FormatStatus(snap, nil)
	assert.Contains(t, out, "Last device:    Pocket")
	assert.Contains(t, out, "radio-off")
	assert.Contains(t, out, "watchdog")
	assert.Contains(t, out, "connectionLost")
	assert.Contains(t, out, connection.BreakerOpen.String())

	dev := &persistence.DeviceRecord{ID: uuid.New(), Name: "Pocket", Model: "T1000-E", BatteryMilliVolts: 3950}
	out = FormatStatus(connection.Snapshot{State: connection.Disconnected{}}, dev)
	assert.Contains(t, out, "T1000-E")
	assert.Contains(t, out, "3.95 V")
	assert.NotContains(t, out, "Flags")
}
