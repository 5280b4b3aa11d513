package commands

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/pocketmesh/pocketmesh-go/pkg/log"
)

func createTestLogFile(t *testing.T, events []log.Event) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.plog")

	logger, err := log.NewFileLogger(path)
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	for _, e := range events {
		logger.Log(e)
	}
	logger.Close()
	return path
}

var testTime = time.Date(2026, 1, 28, 10, 15, 32, 123456000, time.UTC)

// sessionEvents is a connect walk that reaches ready and later drops.
func sessionEvents() []log.Event {
	return []log.Event{
		{
			Timestamp: testTime, ConnectionID: "abc12345-0000", DeviceID: "dev-1", Transport: "ble",
			Layer: log.LayerLifecycle, Category: log.CategoryState,
			StateChange: &log.StateChangeEvent{Entity: log.StateEntityConnection, OldState: "DISCONNECTED", NewState: "CONNECTING"},
		},
		{
			Timestamp: testTime.Add(10 * time.Millisecond), ConnectionID: "abc12345-0000", Transport: "ble",
			Layer: log.LayerTransport, Category: log.CategoryFrame, Direction: log.DirectionOut,
			Frame: &log.FrameEvent{Code: 0x16, Size: 3, Data: []byte{0x16, 0x03, 0x01}},
		},
		{
			Timestamp: testTime.Add(time.Second), ConnectionID: "abc12345-0000", DeviceID: "dev-1", Transport: "ble",
			Layer: log.LayerLifecycle, Category: log.CategoryState,
			StateChange: &log.StateChangeEvent{Entity: log.StateEntityConnection, OldState: "CONNECTING", NewState: "READY"},
		},
		{
			Timestamp: testTime.Add(time.Minute), ConnectionID: "abc12345-0000", DeviceID: "dev-1", Transport: "ble",
			Layer: log.LayerLifecycle, Category: log.CategoryState,
			StateChange: &log.StateChangeEvent{Entity: log.StateEntityConnection, OldState: "READY", NewState: "DISCONNECTED", Reason: "connectionLost"},
		},
		{
			Timestamp: testTime.Add(time.Minute + time.Second),
			Layer:     log.LayerLifecycle, Category: log.CategoryRecovery,
			Recovery: &log.RecoveryEvent{Task: "watchdog", Action: log.RecoveryAttempt, Attempt: 1, Delay: 30 * time.Second},
		},
		{
			Timestamp: testTime.Add(2 * time.Minute), ConnectionID: "def67890-0000", Transport: "wifi",
			Layer: log.LayerLifecycle, Category: log.CategoryError,
			Error: &log.ErrorEventData{Message: "connection refused", Class: "transient", Context: "connect"},
		},
		{
			Timestamp: testTime.Add(3 * time.Minute), Transport: "wifi",
			Layer: log.LayerSession, Category: log.CategoryProbe,
			Probe: &log.ProbeEvent{OK: true, Latency: 42 * time.Millisecond},
		},
	}
}
