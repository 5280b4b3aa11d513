package log

import (
	"fmt"
	"strings"
)

// Summary describes the event's payload in one line, without timestamp or
// identifiers.
func Summary(event Event) string {
	switch {
	case event.StateChange != nil:
		sc := event.StateChange
		s := fmt.Sprintf("%s %s -> %s", strings.ToLower(sc.Entity.String()), orDash(sc.OldState), sc.NewState)
		if sc.Reason != "" {
			s += " (" + sc.Reason + ")"
		}
		return s
	case event.Recovery != nil:
		r := event.Recovery
		s := fmt.Sprintf("%s %s", r.Task, strings.ToLower(r.Action.String()))
		if r.Attempt > 0 {
			s += fmt.Sprintf(" #%d", r.Attempt)
		}
		if r.Delay > 0 {
			s += fmt.Sprintf(" after %s", r.Delay)
		}
		return s
	case event.Probe != nil:
		if event.Probe.OK {
			return fmt.Sprintf("probe ok in %s", event.Probe.Latency)
		}
		return "probe failed"
	case event.Error != nil:
		e := event.Error
		s := "error"
		if e.Context != "" {
			s += " in " + e.Context
		}
		if e.Class != "" {
			s += " [" + e.Class + "]"
		}
		return s + ": " + e.Message
	case event.Frame != nil:
		return fmt.Sprintf("frame %s code=0x%02x %dB", event.Direction, event.Frame.Code, event.Frame.Size)
	default:
		return strings.ToLower(event.Category.String())
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
