package pairing

import (
	"context"
	"testing"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pocketmesh/pocketmesh-go/pkg/companion"
	"github.com/pocketmesh/pocketmesh-go/pkg/transport"
)

func TestCollect(t *testing.T) {
	ch := make(chan transport.Discovery, 4)
	ch <- transport.Discovery{Address: "aa:bb:cc:dd:ee:01", Name: "Far", RSSI: -90}
	ch <- transport.Discovery{Address: "AA:BB:CC:DD:EE:02", Name: "Near", RSSI: -40}
	ch <- transport.Discovery{Address: "AA:BB:CC:DD:EE:01", Name: "Far", RSSI: -70}
	close(ch)

	got := collect(ch)
	require.Len(t, got, 2)
	assert.Equal(t, "Near", got[0].Name)
	assert.Equal(t, "AA:BB:CC:DD:EE:01", got[1].Address)
	assert.Equal(t, int16(-70), got[1].RSSI, "later sighting replaces earlier one")
	assert.Equal(t, companion.DeviceIDFromBLEAddress("AA:BB:CC:DD:EE:01"), got[1].ID)
}

func TestPairedFromProps(t *testing.T) {
	props := map[string]dbus.Variant{
		"Paired":  dbus.MakeVariant(true),
		"UUIDs":   dbus.MakeVariant([]string{"0000180f-0000-1000-8000-00805f9b34fb", transport.NUSServiceUUID}),
		"Address": dbus.MakeVariant("AA:BB:CC:DD:EE:FF"),
		"Alias":   dbus.MakeVariant("MeshPocket"),
	}
	d, ok := pairedFromProps("/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF", props)
	require.True(t, ok)
	assert.Equal(t, "MeshPocket", d.Name)
	assert.Equal(t, companion.DeviceIDFromBLEAddress("AA:BB:CC:DD:EE:FF"), d.ID)

	props["Paired"] = dbus.MakeVariant(false)
	_, ok = pairedFromProps("/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF", props)
	assert.False(t, ok)

	_, ok = pairedFromProps("/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF", nil)
	assert.False(t, ok)
}

func TestBondLost(t *testing.T) {
	p := New(nil, Config{})
	known := newDevice("AA:BB:CC:DD:EE:FF", "Pocket", 0)
	expected := newDevice("AA:BB:CC:DD:EE:00", "Other", 0)
	p.known[known.ID] = known
	p.known[expected.ID] = expected
	p.removing[expected.ID] = true

	p.bondLost("AA:BB:CC:DD:EE:00")
	p.bondLost("11:22:33:44:55:66")
	p.bondLost("AA:BB:CC:DD:EE:FF")

	select {
	case ev := <-p.Events():
		assert.Equal(t, EventDeviceRemoved, ev.Kind)
		assert.Equal(t, known.ID, ev.DeviceID)
	default:
		t.Fatal("expected a removal event")
	}
	select {
	case ev := <-p.Events():
		t.Fatalf("unexpected event %v", ev.Kind)
	default:
	}

	_, ok := p.Lookup(known.ID)
	assert.False(t, ok)
}

func TestShowPickerNeedsChooser(t *testing.T) {
	p := New(nil, Config{})
	_, err := p.ShowPicker(context.Background())
	assert.ErrorIs(t, err, ErrNoChooser)
}
