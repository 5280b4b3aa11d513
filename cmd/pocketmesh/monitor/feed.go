package monitor

import (
	"fmt"
	"sync"

	"github.com/pocketmesh/pocketmesh-go/pkg/log"
)

// Feed keeps the most recent lifecycle events for display. It is a
// log.Logger; add it to the manager's event log chain.
type Feed struct {
	mu    sync.Mutex
	lines []string
	max   int
	seq   uint64
}

// NewFeed creates a feed holding up to max lines.
func NewFeed(max int) *Feed {
	if max <= 0 {
		max = 200
	}
	return &Feed{max: max}
}

// Log records the event. Frame events are skipped.
func (f *Feed) Log(event log.Event) {
	if event.Frame != nil {
		return
	}
	line := fmt.Sprintf("%s  %s", event.Timestamp.Format("15:04:05.000"), log.Summary(event))

	f.mu.Lock()
	defer f.mu.Unlock()
	f.lines = append(f.lines, line)
	if len(f.lines) > f.max {
		f.lines = f.lines[len(f.lines)-f.max:]
	}
	f.seq++
}

// Lines returns a copy of the buffered lines and a sequence number that
// changes whenever a line is added.
func (f *Feed) Lines() ([]string, uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.lines...), f.seq
}
