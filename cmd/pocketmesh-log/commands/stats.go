package commands

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/pocketmesh/pocketmesh-go/pkg/log"
)

// Stats holds aggregate statistics about a log file.
type Stats struct {
	TotalEvents      int
	EventsByLayer    map[log.Layer]int
	EventsByCategory map[log.Category]int
	Connections      map[string]*ConnectionStats
	Recoveries       map[string]*RecoveryStats
	Disconnects      map[string]int
	ProbesOK         int
	ProbesFailed     int
	MaxProbeLatency  time.Duration
	Errors           int
	ErrorsByClass    map[string]int
	TimeRange        struct {
		Start time.Time
		End   time.Time
	}
}

// ConnectionStats holds statistics for a single connect walk.
type ConnectionStats struct {
	FirstSeen time.Time
	LastSeen  time.Time
	Events    int
	DeviceID  string
	Transport string
	Reached   string
}

// RecoveryStats counts the activity of one recovery task.
type RecoveryStats struct {
	Started   int
	Attempts  int
	Succeeded int
	GaveUp    int
	Cancelled int
	Skipped   int
}

func newStats() *Stats {
	return &Stats{
		EventsByLayer:    make(map[log.Layer]int),
		EventsByCategory: make(map[log.Category]int),
		Connections:      make(map[string]*ConnectionStats),
		Recoveries:       make(map[string]*RecoveryStats),
		Disconnects:      make(map[string]int),
		ErrorsByClass:    make(map[string]int),
	}
}

func (s *Stats) add(event log.Event) {
	s.TotalEvents++
	s.EventsByLayer[event.Layer]++
	s.EventsByCategory[event.Category]++

	if s.TimeRange.Start.IsZero() || event.Timestamp.Before(s.TimeRange.Start) {
		s.TimeRange.Start = event.Timestamp
	}
	if event.Timestamp.After(s.TimeRange.End) {
		s.TimeRange.End = event.Timestamp
	}

	if event.ConnectionID != "" {
		conn, ok := s.Connections[event.ConnectionID]
		if !ok {
			conn = &ConnectionStats{FirstSeen: event.Timestamp, LastSeen: event.Timestamp}
			s.Connections[event.ConnectionID] = conn
		}
		conn.Events++
		if event.Timestamp.After(conn.LastSeen) {
			conn.LastSeen = event.Timestamp
		}
		if event.DeviceID != "" && conn.DeviceID == "" {
			conn.DeviceID = event.DeviceID
		}
		if event.Transport != "" && conn.Transport == "" {
			conn.Transport = event.Transport
		}
		if sc := event.StateChange; sc != nil && sc.Entity == log.StateEntityConnection {
			conn.Reached = sc.NewState
		}
	}

	switch {
	case event.StateChange != nil:
		sc := event.StateChange
		if sc.Entity == log.StateEntityConnection && strings.EqualFold(sc.NewState, "disconnected") && sc.Reason != "" {
			s.Disconnects[sc.Reason]++
		}
	case event.Recovery != nil:
		r := s.Recoveries[event.Recovery.Task]
		if r == nil {
			r = &RecoveryStats{}
			s.Recoveries[event.Recovery.Task] = r
		}
		switch event.Recovery.Action {
		case log.RecoveryStarted:
			r.Started++
		case log.RecoveryAttempt:
			r.Attempts++
		case log.RecoverySucceeded:
			r.Succeeded++
		case log.RecoveryGaveUp:
			r.GaveUp++
		case log.RecoveryCancelled:
			r.Cancelled++
		case log.RecoverySkipped:
			r.Skipped++
		}
	case event.Probe != nil:
		if event.Probe.OK {
			s.ProbesOK++
			if event.Probe.Latency > s.MaxProbeLatency {
				s.MaxProbeLatency = event.Probe.Latency
			}
		} else {
			s.ProbesFailed++
		}
	case event.Error != nil:
		s.Errors++
		class := event.Error.Class
		if class == "" {
			class = "unclassified"
		}
		s.ErrorsByClass[class]++
	}
}

// RunStats analyzes the log file and prints statistics.
func RunStats(path string, w io.Writer) error {
	reader, err := log.NewReader(path)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer reader.Close()

	stats := newStats()
	if err := each(reader, func(event log.Event) error {
		stats.add(event)
		return nil
	}); err != nil {
		return err
	}

	printStats(w, stats)
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func printStats(w io.Writer, stats *Stats) {
	fmt.Fprintln(w, "=== pocketmesh Event Log Statistics ===")
	fmt.Fprintln(w)

	if stats.TotalEvents > 0 {
		fmt.Fprintf(w, "Time Range: %s to %s\n",
			stats.TimeRange.Start.Format(time.RFC3339),
			stats.TimeRange.End.Format(time.RFC3339))
		fmt.Fprintf(w, "Duration:   %s\n", stats.TimeRange.End.Sub(stats.TimeRange.Start).Round(time.Second))
		fmt.Fprintln(w)
	}

	fmt.Fprintf(w, "Total Events: %d\n", stats.TotalEvents)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Events by Layer:")
	for _, layer := range []log.Layer{log.LayerTransport, log.LayerSession, log.LayerLifecycle} {
		if count := stats.EventsByLayer[layer]; count > 0 {
			fmt.Fprintf(w, "  %-12s %d\n", layer.String()+":", count)
		}
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Events by Category:")
	for _, cat := range []log.Category{log.CategoryFrame, log.CategoryState, log.CategoryRecovery, log.CategoryProbe, log.CategoryError} {
		if count := stats.EventsByCategory[cat]; count > 0 {
			fmt.Fprintf(w, "  %-12s %d\n", cat.String()+":", count)
		}
	}

	if len(stats.Disconnects) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "Disconnects by Reason:")
		for _, reason := range sortedKeys(stats.Disconnects) {
			fmt.Fprintf(w, "  %-26s %d\n", reason+":", stats.Disconnects[reason])
		}
	}

	if len(stats.Recoveries) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "Recovery Tasks:")
		for _, task := range sortedKeys(stats.Recoveries) {
			r := stats.Recoveries[task]
			fmt.Fprintf(w, "  %-16s started=%d attempts=%d succeeded=%d gave_up=%d cancelled=%d skipped=%d\n",
				task, r.Started, r.Attempts, r.Succeeded, r.GaveUp, r.Cancelled, r.Skipped)
		}
	}

	if stats.ProbesOK+stats.ProbesFailed > 0 {
		fmt.Fprintln(w)
		fmt.Fprintf(w, "Probes: %d ok, %d failed (max latency %s)\n",
			stats.ProbesOK, stats.ProbesFailed, formatDuration(stats.MaxProbeLatency))
	}

	fmt.Fprintln(w)
	fmt.Fprintf(w, "Connections: %d\n", len(stats.Connections))
	if len(stats.Connections) > 0 {
		type connInfo struct {
			id    string
			stats *ConnectionStats
		}
		conns := make([]connInfo, 0, len(stats.Connections))
		for id, cs := range stats.Connections {
			conns = append(conns, connInfo{id, cs})
		}
		sort.Slice(conns, func(i, j int) bool {
			return conns[i].stats.FirstSeen.Before(conns[j].stats.FirstSeen)
		})

		fmt.Fprintln(w)
		for _, c := range conns {
			duration := c.stats.LastSeen.Sub(c.stats.FirstSeen).Round(time.Millisecond)
			fmt.Fprintf(w, "  [%s] %d events, duration %s", shortenID(c.id), c.stats.Events, duration)
			if c.stats.Transport != "" {
				fmt.Fprintf(w, ", %s", c.stats.Transport)
			}
			if c.stats.Reached != "" {
				fmt.Fprintf(w, ", last state %s", c.stats.Reached)
			}
			fmt.Fprintln(w)
			if c.stats.DeviceID != "" {
				fmt.Fprintf(w, "           Device: %s\n", c.stats.DeviceID)
			}
		}
	}

	if stats.Errors > 0 {
		fmt.Fprintln(w)
		fmt.Fprintf(w, "Errors: %d\n", stats.Errors)
		for _, class := range sortedKeys(stats.ErrorsByClass) {
			fmt.Fprintf(w, "  %-14s %d\n", class+":", stats.ErrorsByClass[class])
		}
	}
}
