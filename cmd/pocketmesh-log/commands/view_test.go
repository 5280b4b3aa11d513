package commands

import (
	"bytes"
	"strings"
	"testing"

	"github.com/pocketmesh/pocketmesh-go/pkg/log"
)

func TestRunView(t *testing.T) {
	path := createTestLogFile(t, sessionEvents())

	var buf bytes.Buffer
	if err := RunView(path, ViewFilter{}, &buf); err != nil {
		t.Fatalf("RunView failed: %v", err)
	}
	out := buf.String()

	for _, want := range []string{
		"2026-01-28T10:15:32.123456Z [conn:abc12345] LIFECYCLE State (ble)",
		"  Device: dev-1",
		"  CONNECTING -> READY",
		"  Reason: connectionLost",
		"  OUT code=0x16 size=3 bytes",
		"  Data: 160301",
		"  Task: watchdog ATTEMPT",
		"  Delay: 30s",
		"  Class: transient",
		"  OK in 42.000ms",
		"[conn:-]",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q\n%s", want, out)
		}
	}
}

func TestRunViewFilters(t *testing.T) {
	path := createTestLogFile(t, sessionEvents())

	tests := []struct {
		name   string
		filter func() ViewFilter
		count  int
	}{
		{"Layer", func() ViewFilter {
			l := log.LayerTransport
			return ViewFilter{Layer: &l}
		}, 1},
		{"Category", func() ViewFilter {
			c := log.CategoryState
			return ViewFilter{Category: &c}
		}, 3},
		{"DirectionOnlyMatchesFrames", func() ViewFilter {
			d := log.DirectionIn
			return ViewFilter{Direction: &d}
		}, 0},
		{"Transport", func() ViewFilter {
			return ViewFilter{Transport: "wifi"}
		}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := tt.filter()
			f.Compact = true
			var buf bytes.Buffer
			if err := RunView(path, f, &buf); err != nil {
				t.Fatalf("RunView failed: %v", err)
			}
			lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
			if buf.Len() == 0 {
				lines = nil
			}
			if len(lines) != tt.count {
				t.Errorf("got %d lines, want %d:\n%s", len(lines), tt.count, buf.String())
			}
		})
	}
}

func TestRunViewCompact(t *testing.T) {
	path := createTestLogFile(t, sessionEvents()[3:4])

	var buf bytes.Buffer
	if err := RunView(path, ViewFilter{Compact: true}, &buf); err != nil {
		t.Fatalf("RunView failed: %v", err)
	}
	want := "connection READY -> DISCONNECTED (connectionLost)"
	if !strings.Contains(buf.String(), want) {
		t.Errorf("compact output %q missing %q", buf.String(), want)
	}
}

func TestRunViewMissingFile(t *testing.T) {
	if err := RunView("/nonexistent/events.plog", ViewFilter{}, &bytes.Buffer{}); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestParseFlags(t *testing.T) {
	if l, err := ParseLayerFlag("Session"); err != nil || l != log.LayerSession {
		t.Errorf("ParseLayerFlag(Session) = %v, %v", l, err)
	}
	if _, err := ParseLayerFlag("wire"); err == nil {
		t.Error("expected error for unknown layer")
	}
	if d, err := ParseDirectionFlag("OUT"); err != nil || d != log.DirectionOut {
		t.Errorf("ParseDirectionFlag(OUT) = %v, %v", d, err)
	}
	if _, err := ParseDirectionFlag("sideways"); err == nil {
		t.Error("expected error for unknown direction")
	}
	if c, err := ParseCategoryFlag("recovery"); err != nil || c != log.CategoryRecovery {
		t.Errorf("ParseCategoryFlag(recovery) = %v, %v", c, err)
	}
	if _, err := ParseCategoryFlag("message"); err == nil {
		t.Error("expected error for unknown category")
	}
}
