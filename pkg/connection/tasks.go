package connection

import (
	"context"
	"sort"
	"sync"
)

// Supervised task names.
const (
	taskAutoReconnectTimeout = "autoReconnectTimeout"
	taskWiFiReconnect        = "wifiReconnect"
	taskHeartbeat            = "heartbeat"
	taskWatchdog             = "watchdog"
	taskResync               = "resync"
	taskSessionRebuild       = "sessionRebuild"
	taskReconnect            = "reconnect"
)

// recoveryTasks are mutually exclusive: starting one cancels the others.
var recoveryTasks = []string{taskAutoReconnectTimeout, taskWiFiReconnect, taskWatchdog}

// taskGroup is the registry of background work owned by the manager.
// Disconnect cancels everything through CancelAll.
type taskGroup struct {
	parent context.Context

	mu    sync.Mutex
	seq   uint64
	tasks map[string]registeredTask
	wg    sync.WaitGroup
}

type registeredTask struct {
	id     uint64
	cancel context.CancelFunc
}

func newTaskGroup(parent context.Context) *taskGroup {
	return &taskGroup{parent: parent, tasks: make(map[string]registeredTask)}
}

// Start runs fn under name, cancelling a task already registered under the
// same name. Cancellation never waits, so a task may replace or cancel
// itself.
func (g *taskGroup) Start(name string, fn func(ctx context.Context)) {
	g.mu.Lock()
	if prev, ok := g.tasks[name]; ok {
		prev.cancel()
	}
	g.seq++
	id := g.seq
	ctx, cancel := context.WithCancel(g.parent)
	g.tasks[name] = registeredTask{id: id, cancel: cancel}
	g.wg.Add(1)
	g.mu.Unlock()

	go func() {
		defer g.wg.Done()
		defer g.finish(name, id, cancel)
		fn(ctx)
	}()
}

func (g *taskGroup) finish(name string, id uint64, cancel context.CancelFunc) {
	g.mu.Lock()
	if t, ok := g.tasks[name]; ok && t.id == id {
		delete(g.tasks, name)
	}
	g.mu.Unlock()
	cancel()
}

// Cancel cancels the named tasks.
func (g *taskGroup) Cancel(names ...string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, name := range names {
		if t, ok := g.tasks[name]; ok {
			t.cancel()
			delete(g.tasks, name)
		}
	}
}

// CancelAll cancels every registered task.
func (g *taskGroup) CancelAll() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for name, t := range g.tasks {
		t.cancel()
		delete(g.tasks, name)
	}
}

// Running reports whether a task is registered under name.
func (g *taskGroup) Running(name string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.tasks[name]
	return ok
}

// Names returns the registered task names, sorted.
func (g *taskGroup) Names() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	names := make([]string, 0, len(g.tasks))
	for name := range g.tasks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Wait blocks until every started task has returned.
func (g *taskGroup) Wait() {
	g.wg.Wait()
}
