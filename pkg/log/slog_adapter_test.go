package log

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"
)

func captureSlog(t *testing.T, event Event) map[string]any {
	t.Helper()
	var buf bytes.Buffer
	handler := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	NewSlogAdapter(slog.New(handler)).Log(event)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("parse slog output %q: %v", buf.String(), err)
	}
	return entry
}

func TestSlogAdapterStateChange(t *testing.T) {
	entry := captureSlog(t, Event{
		Timestamp: time.Now(),
		DeviceID:  "dev-9",
		Layer:     LayerLifecycle,
		Category:  CategoryState,
		StateChange: &StateChangeEvent{
			Entity:   StateEntityIntent,
			OldState: "wantsConnection",
			NewState: "userDisconnected",
			Reason:   "userInitiated",
		},
	})

	if entry["level"] != "DEBUG" {
		t.Errorf("level = %v, want DEBUG", entry["level"])
	}
	if entry["entity"] != "INTENT" {
		t.Errorf("entity = %v, want INTENT", entry["entity"])
	}
	if entry["reason"] != "userInitiated" {
		t.Errorf("reason = %v, want userInitiated", entry["reason"])
	}
	if entry["device_id"] != "dev-9" {
		t.Errorf("device_id = %v, want dev-9", entry["device_id"])
	}
}

func TestSlogAdapterErrorsAtWarn(t *testing.T) {
	entry := captureSlog(t, Event{
		Timestamp: time.Now(),
		Layer:     LayerLifecycle,
		Category:  CategoryError,
		Error:     &ErrorEventData{Message: errors.New("boom").Error(), Class: "transient"},
	})
	if entry["level"] != "WARN" {
		t.Errorf("level = %v, want WARN", entry["level"])
	}
	if entry["error"] != "boom" {
		t.Errorf("error = %v, want boom", entry["error"])
	}
}

func TestFrameRecordTruncates(t *testing.T) {
	payload := make([]byte, MaxFrameDataSize+10)
	payload[0] = 0x85
	ev := FrameRecord("ble", DirectionIn, payload)

	if ev.Frame.Code != 0x85 {
		t.Errorf("Code = %#x, want 0x85", ev.Frame.Code)
	}
	if ev.Frame.Size != len(payload) {
		t.Errorf("Size = %d, want %d", ev.Frame.Size, len(payload))
	}
	if !ev.Frame.Truncated || len(ev.Frame.Data) != MaxFrameDataSize {
		t.Errorf("Truncated = %v, len(Data) = %d", ev.Frame.Truncated, len(ev.Frame.Data))
	}
}

func TestMultiLoggerSkipsNil(t *testing.T) {
	var buf bytes.Buffer
	a := NewSlogAdapter(slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	m := NewMultiLogger(nil, a, nil)
	m.Log(Event{Timestamp: time.Now(), Category: CategoryProbe, Probe: &ProbeEvent{OK: true}})
	if buf.Len() == 0 {
		t.Error("MultiLogger did not forward to adapter")
	}
}
