package log

import (
	"context"
	"log/slog"
)

// SlogAdapter writes events to an slog.Logger at Debug level
// (errors at Warn).
type SlogAdapter struct {
	logger *slog.Logger
}

// NewSlogAdapter creates a SlogAdapter.
func NewSlogAdapter(logger *slog.Logger) *SlogAdapter {
	return &SlogAdapter{logger: logger}
}

// Log writes the event.
func (a *SlogAdapter) Log(event Event) {
	attrs := []slog.Attr{
		slog.String("layer", event.Layer.String()),
		slog.String("category", event.Category.String()),
	}
	if event.ConnectionID != "" {
		attrs = append(attrs, slog.String("conn_id", event.ConnectionID))
	}
	if event.DeviceID != "" {
		attrs = append(attrs, slog.String("device_id", event.DeviceID))
	}
	if event.Transport != "" {
		attrs = append(attrs, slog.String("transport", event.Transport))
	}

	level := slog.LevelDebug
	switch {
	case event.Frame != nil:
		attrs = append(attrs,
			slog.String("direction", event.Direction.String()),
			slog.Int("code", int(event.Frame.Code)),
			slog.Int("size", event.Frame.Size),
		)
	case event.StateChange != nil:
		attrs = append(attrs,
			slog.String("entity", event.StateChange.Entity.String()),
			slog.String("old_state", event.StateChange.OldState),
			slog.String("new_state", event.StateChange.NewState),
		)
		if event.StateChange.Reason != "" {
			attrs = append(attrs, slog.String("reason", event.StateChange.Reason))
		}
	case event.Recovery != nil:
		attrs = append(attrs,
			slog.String("task", event.Recovery.Task),
			slog.String("action", event.Recovery.Action.String()),
		)
		if event.Recovery.Attempt > 0 {
			attrs = append(attrs, slog.Int("attempt", event.Recovery.Attempt))
		}
		if event.Recovery.Delay > 0 {
			attrs = append(attrs, slog.Duration("delay", event.Recovery.Delay))
		}
	case event.Probe != nil:
		attrs = append(attrs,
			slog.Bool("ok", event.Probe.OK),
			slog.Duration("latency", event.Probe.Latency),
		)
	case event.Error != nil:
		level = slog.LevelWarn
		attrs = append(attrs,
			slog.String("error", event.Error.Message),
			slog.String("class", event.Error.Class),
			slog.String("context", event.Error.Context),
		)
	}

	a.logger.LogAttrs(context.Background(), level, "lifecycle", attrs...)
}

var _ Logger = (*SlogAdapter)(nil)
