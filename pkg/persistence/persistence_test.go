package persistence

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pocketmesh/pocketmesh-go/pkg/transport"
)

func TestLifecycleStore(t *testing.T) {
	t.Run("LoadNonExistent", func(t *testing.T) {
		store := NewLifecycleStore(filepath.Join(t.TempDir(), "lifecycle.json"))

		got, err := store.Load()
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}
		if got != nil {
			t.Errorf("Load() = %v, want nil for non-existent file", got)
		}
	})

	t.Run("SaveAndLoad", func(t *testing.T) {
		store := NewLifecycleStore(filepath.Join(t.TempDir(), "nested", "lifecycle.json"))
		id := uuid.New()

		err := store.Save(&LifecycleState{
			LastDeviceID:   id,
			LastDeviceName: "Base Camp",
			Intent:         json.RawMessage(`{"kind":"wantsConnection","force_full_sync":true}`),
			LastDisconnect: "resyncFailed",
		})
		require.NoError(t, err)

		got, err := store.Load()
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, StateVersion, got.Version)
		assert.False(t, got.SavedAt.IsZero())
		assert.Equal(t, id, got.LastDeviceID)
		assert.Equal(t, "Base Camp", got.LastDeviceName)
		assert.JSONEq(t, `{"kind":"wantsConnection","force_full_sync":true}`, string(got.Intent))
		assert.Equal(t, "resyncFailed", got.LastDisconnect)
	})

	t.Run("Update", func(t *testing.T) {
		store := NewLifecycleStore(filepath.Join(t.TempDir(), "lifecycle.json"))

		require.NoError(t, store.Update(func(s *LifecycleState) { s.LastDeviceName = "a" }))
		require.NoError(t, store.Update(func(s *LifecycleState) { s.LastDisconnect = "userInitiated" }))

		got, err := store.Load()
		require.NoError(t, err)
		assert.Equal(t, "a", got.LastDeviceName)
		assert.Equal(t, "userInitiated", got.LastDisconnect)
	})

	t.Run("Clear", func(t *testing.T) {
		store := NewLifecycleStore(filepath.Join(t.TempDir(), "lifecycle.json"))
		require.NoError(t, store.Save(&LifecycleState{}))
		require.NoError(t, store.Clear())
		require.NoError(t, store.Clear())

		_, err := os.Stat(store.Path())
		assert.True(t, os.IsNotExist(err))
	})

	t.Run("CorruptFile", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "lifecycle.json")
		require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))

		_, err := NewLifecycleStore(path).Load()
		assert.Error(t, err)
	})
}

func TestDeviceStore(t *testing.T) {
	now := time.Now().Truncate(time.Second)
	bleDev := &DeviceRecord{
		ID:            uuid.New(),
		Name:          "Pocket",
		Transport:     transport.TypeShortRange,
		BLEAddress:    "AA:BB:CC:DD:EE:FF",
		LastConnected: now.Add(-time.Hour),
	}
	wifiDev := &DeviceRecord{
		ID:            uuid.New(),
		Name:          "Roof",
		PublicKey:     []byte{1, 2, 3},
		Transport:     transport.TypeWideArea,
		Host:          "192.168.1.50",
		Port:          5000,
		LastConnected: now,
	}

	t.Run("SaveFetchDelete", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "devices.json")
		store := NewDeviceStore(path)

		require.NoError(t, store.SaveDevice(bleDev))
		require.NoError(t, store.SaveDevice(wifiDev))

		got, err := store.FetchDevice(wifiDev.ID)
		require.NoError(t, err)
		assert.Equal(t, "Roof", got.Name)
		assert.True(t, got.WideArea())
		assert.Equal(t, []byte{1, 2, 3}, got.PublicKey)

		// Records survive a new store instance.
		reopened := NewDeviceStore(path)
		all, err := reopened.FetchDevices()
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.Equal(t, wifiDev.ID, all[0].ID, "most recently connected first")
		assert.Equal(t, transport.TypeShortRange, all[1].Transport)

		byAddr, err := reopened.FetchDeviceByAddress("aa:bb:cc:dd:ee:ff")
		require.NoError(t, err)
		assert.Equal(t, bleDev.ID, byAddr.ID)

		require.NoError(t, reopened.DeleteDevice(bleDev.ID))
		require.NoError(t, reopened.DeleteDevice(bleDev.ID))
		_, err = reopened.FetchDevice(bleDev.ID)
		assert.ErrorIs(t, err, ErrDeviceNotFound)
	})

	t.Run("ReturnsCopies", func(t *testing.T) {
		store := NewDeviceStore(filepath.Join(t.TempDir(), "devices.json"))
		require.NoError(t, store.SaveDevice(wifiDev))

		got, err := store.FetchDevice(wifiDev.ID)
		require.NoError(t, err)
		got.Name = "changed"
		got.PublicKey[0] = 9

		again, err := store.FetchDevice(wifiDev.ID)
		require.NoError(t, err)
		assert.Equal(t, "Roof", again.Name)
		assert.Equal(t, byte(1), again.PublicKey[0])
	})

	t.Run("RejectsMissingID", func(t *testing.T) {
		store := NewDeviceStore(filepath.Join(t.TempDir(), "devices.json"))
		assert.Error(t, store.SaveDevice(&DeviceRecord{Name: "x"}))
		assert.Error(t, store.SaveDevice(nil))
	})

	t.Run("UnknownDevice", func(t *testing.T) {
		store := NewDeviceStore(filepath.Join(t.TempDir(), "devices.json"))
		_, err := store.FetchDevice(uuid.New())
		assert.ErrorIs(t, err, ErrDeviceNotFound)
		_, err = store.FetchDeviceByAddress("00:00:00:00:00:00")
		assert.ErrorIs(t, err, ErrDeviceNotFound)
	})
}
