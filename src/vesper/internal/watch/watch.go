// Package watch implements the file-watch subsystem behind dynamic
// workspace/didChangeWatchedFiles registrations.
package watch

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	tally "github.com/uber-go/tally/v4"
	"github.com/vesper-editor/vesper/src/vesper/entity"
	"github.com/vesper-editor/vesper/src/vesper/gateway/editor"
	"go.lsp.dev/protocol"
	"go.lsp.dev/uri"
	"go.uber.org/fx"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	_flushDelay = 100 * time.Millisecond

	_methodDidChangeWatchedFiles = "workspace/didChangeWatchedFiles"
)

// Module is the Fx module for this package.
var Module = fx.Options(
	fx.Provide(New),
)

// Watcher forwards matching filesystem events to the servers that registered
// interest in them.
type Watcher interface {
	// Register adds the watchers for one (server, registration id) pair.
	Register(serverID entity.ServerID, registrationID string, watchers []protocol.FileSystemWatcher) error
	// Unregister removes one registration.
	Unregister(serverID entity.ServerID, registrationID string) error
	// RemoveServer removes every registration belonging to a server.
	RemoveServer(serverID entity.ServerID)
	// BindRegistry attaches the server registry after construction. The
	// registry depends on the dispatcher which depends on this watcher, so
	// the app module closes the loop once all three exist.
	BindRegistry(registry editor.Registry)
	// Close stops watching.
	Close() error
}

// Params defines the dependencies of this package.
type Params struct {
	fx.In

	Lifecycle fx.Lifecycle
	Logger    *zap.SugaredLogger
	Stats     tally.Scope
}

type registration struct {
	serverID entity.ServerID
	patterns []string
}

type watcher struct {
	mu       sync.Mutex
	regs     map[string]*registration
	watched  map[string]int
	pending  map[entity.ServerID][]protocol.FileEvent
	flushers map[entity.ServerID]*time.Timer
	closed   bool

	fsWatcher *fsnotify.Watcher
	registry  editor.Registry
	logger    *zap.SugaredLogger
	stats     tally.Scope
	done      chan struct{}
}

// New creates a Watcher and hooks its shutdown into the fx lifecycle.
func New(p Params) (Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &watcher{
		regs:      make(map[string]*registration),
		watched:   make(map[string]int),
		pending:   make(map[entity.ServerID][]protocol.FileEvent),
		flushers:  make(map[entity.ServerID]*time.Timer),
		fsWatcher: fsw,
		logger:    p.Logger.With("component", "watch"),
		stats:     p.Stats.SubScope("watch"),
		done:      make(chan struct{}),
	}
	go w.run()

	p.Lifecycle.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return w.Close()
		},
	})
	return w, nil
}

// BindRegistry attaches the server registry after construction.
func (w *watcher) BindRegistry(registry editor.Registry) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.registry = registry
}

func regKey(serverID entity.ServerID, registrationID string) string {
	return serverID.String() + "/" + registrationID
}

// Register adds the watchers for one (server, registration id) pair.
func (w *watcher) Register(serverID entity.ServerID, registrationID string, watchers []protocol.FileSystemWatcher) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}

	patterns := make([]string, 0, len(watchers))
	var err error
	for _, fsWatcher := range watchers {
		pattern := string(fsWatcher.GlobPattern)
		patterns = append(patterns, pattern)
		base := globBase(pattern)
		if base == "" {
			continue
		}
		if w.watched[base] == 0 {
			if addErr := w.fsWatcher.Add(base); addErr != nil {
				err = multierr.Append(err, addErr)
				continue
			}
		}
		w.watched[base]++
	}

	w.regs[regKey(serverID, registrationID)] = &registration{serverID: serverID, patterns: patterns}
	w.stats.Gauge("registrations").Update(float64(len(w.regs)))
	w.logger.Debugw("watch registration added", "serverID", serverID, "registrationID", registrationID, "patterns", patterns)
	return err
}

// Unregister removes one registration.
func (w *watcher) Unregister(serverID entity.ServerID, registrationID string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.removeLocked(regKey(serverID, registrationID))
	w.stats.Gauge("registrations").Update(float64(len(w.regs)))
	return nil
}

// RemoveServer removes every registration belonging to a server.
func (w *watcher) RemoveServer(serverID entity.ServerID) {
	w.mu.Lock()
	defer w.mu.Unlock()

	for key, reg := range w.regs {
		if reg.serverID == serverID {
			w.removeLocked(key)
		}
	}
	delete(w.pending, serverID)
	if timer, ok := w.flushers[serverID]; ok {
		timer.Stop()
		delete(w.flushers, serverID)
	}
	w.stats.Gauge("registrations").Update(float64(len(w.regs)))
}

func (w *watcher) removeLocked(key string) {
	reg, ok := w.regs[key]
	if !ok {
		return
	}
	delete(w.regs, key)
	for _, pattern := range reg.patterns {
		base := globBase(pattern)
		if base == "" {
			continue
		}
		w.watched[base]--
		if w.watched[base] <= 0 {
			delete(w.watched, base)
			w.fsWatcher.Remove(base)
		}
	}
}

// Close stops watching.
func (w *watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	for _, timer := range w.flushers {
		timer.Stop()
	}
	w.mu.Unlock()

	err := w.fsWatcher.Close()
	<-w.done
	return err
}

func (w *watcher) run() {
	defer close(w.done)
	for {
		select {
		case ev, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			w.handleEvent(ev)
		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Warnw("filesystem watch error", "error", err)
		}
	}
}

// handleEvent queues the change for every server whose patterns match and
// arms a short flush timer so bursts collapse into one notification.
func (w *watcher) handleEvent(ev fsnotify.Event) {
	changeType, ok := changeTypeOf(ev.Op)
	if !ok {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}

	for _, reg := range w.regs {
		if !matchesAny(reg.patterns, ev.Name) {
			continue
		}
		w.pending[reg.serverID] = append(w.pending[reg.serverID], protocol.FileEvent{
			URI:  uri.File(ev.Name),
			Type: changeType,
		})
		if _, armed := w.flushers[reg.serverID]; !armed {
			serverID := reg.serverID
			w.flushers[serverID] = time.AfterFunc(_flushDelay, func() { w.flush(serverID) })
		}
	}
}

func (w *watcher) flush(serverID entity.ServerID) {
	w.mu.Lock()
	events := w.pending[serverID]
	delete(w.pending, serverID)
	delete(w.flushers, serverID)
	w.mu.Unlock()

	if len(events) == 0 {
		return
	}

	w.mu.Lock()
	registry := w.registry
	w.mu.Unlock()
	if registry == nil {
		return
	}
	client, ok := registry.GetByID(serverID)
	if !ok {
		return
	}
	params := &protocol.DidChangeWatchedFilesParams{Changes: toPointerSlice(events)}
	if err := client.Notify(context.Background(), _methodDidChangeWatchedFiles, params); err != nil {
		w.logger.Warnw("failed to deliver watched-files notification", "serverID", serverID, "error", err)
		return
	}
	w.stats.Counter("notifications").Inc(1)
}

func toPointerSlice(events []protocol.FileEvent) []*protocol.FileEvent {
	out := make([]*protocol.FileEvent, 0, len(events))
	for i := range events {
		out = append(out, &events[i])
	}
	return out
}

func changeTypeOf(op fsnotify.Op) (protocol.FileChangeType, bool) {
	switch {
	case op.Has(fsnotify.Create):
		return protocol.FileChangeTypeCreated, true
	case op.Has(fsnotify.Write):
		return protocol.FileChangeTypeChanged, true
	case op.Has(fsnotify.Remove), op.Has(fsnotify.Rename):
		return protocol.FileChangeTypeDeleted, true
	default:
		return 0, false
	}
}

// globBase returns the deepest directory prefix of a pattern with no
// wildcard in it. That directory is what gets watched.
func globBase(pattern string) string {
	segments := strings.Split(filepath.ToSlash(pattern), "/")
	var base []string
	for _, seg := range segments[:max(len(segments)-1, 0)] {
		if strings.ContainsAny(seg, "*?[{") {
			break
		}
		base = append(base, seg)
	}
	if len(base) == 0 {
		return ""
	}
	return strings.Join(base, "/")
}

func matchesAny(patterns []string, path string) bool {
	for _, pattern := range patterns {
		if matchGlob(pattern, filepath.ToSlash(path)) {
			return true
		}
	}
	return false
}

// matchGlob matches LSP glob patterns, including the ** segment.
func matchGlob(pattern, path string) bool {
	return matchSegments(strings.Split(filepath.ToSlash(pattern), "/"), strings.Split(path, "/"))
}

func matchSegments(pattern, path []string) bool {
	if len(pattern) == 0 {
		return len(path) == 0
	}
	if pattern[0] == "**" {
		for skip := 0; skip <= len(path); skip++ {
			if matchSegments(pattern[1:], path[skip:]) {
				return true
			}
		}
		return false
	}
	if len(path) == 0 {
		return false
	}
	if ok, err := filepath.Match(pattern[0], path[0]); err != nil || !ok {
		return false
	}
	return matchSegments(pattern[1:], path[1:])
}
