// Package lspevents is the authoritative consumer of server lifecycle
// events. It alone mutates the active-server, health, and progress maps;
// every other component reads them through this handler or keeps its own
// projection fed by the same event stream.
package lspevents

import (
	"context"
	"fmt"
	"sync"

	tally "github.com/uber-go/tally/v4"
	"github.com/vesper-editor/vesper/src/vesper/entity"
	"github.com/vesper-editor/vesper/src/vesper/event/lspevent"
	"github.com/vesper-editor/vesper/src/vesper/internal/errors"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const _subscriberName = "lspevents"

// Module is the Fx module for this package.
var Module = fx.Options(
	fx.Provide(New),
)

// Handler maintains the authoritative server lifecycle maps.
type Handler interface {
	// Initialize arms the handler. Events arriving before Initialize are
	// rejected with ErrNotInitialized so startup-ordering bugs are loud.
	Initialize()
	// HandleEvent applies one domain event to the maps.
	HandleEvent(ev lspevent.Event) error

	// ActiveServers returns the initialized servers for a workspace root.
	ActiveServers(workspaceRoot string) []entity.ActiveServer
	// HealthFor returns the recorded health of a server.
	HealthFor(id entity.ServerID) entity.ServerHealth
	// ProgressFor returns the live progress operations of a server.
	ProgressFor(id entity.ServerID) []entity.Progress
}

// Params defines the dependencies of this package.
type Params struct {
	fx.In

	Logger    *zap.SugaredLogger
	Stats     tally.Scope
	Lifecycle fx.Lifecycle
	Bus       lspevent.Bus
}

type handler struct {
	mu          sync.Mutex
	initialized bool

	// active is keyed by workspace root. serverRoots maps a server id back to
	// its root so exits can find the right list.
	active      map[string][]entity.ActiveServer
	serverRoots map[entity.ServerID]string
	health      map[entity.ServerID]entity.ServerHealth
	progress    map[string]entity.Progress

	cancelSub func()
	done      chan struct{}

	logger *zap.SugaredLogger
	stats  tally.Scope
}

// New creates a Handler and subscribes it to the event bus on start.
func New(p Params) Handler {
	h := &handler{
		active:      make(map[string][]entity.ActiveServer),
		serverRoots: make(map[entity.ServerID]string),
		health:      make(map[entity.ServerID]entity.ServerHealth),
		progress:    make(map[string]entity.Progress),
		logger:      p.Logger.With("component", "lspevents"),
		stats:       p.Stats.SubScope("lspevents"),
	}

	p.Lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			events, cancel := p.Bus.Subscribe(_subscriberName)
			h.cancelSub = cancel
			h.done = make(chan struct{})
			go h.consume(events)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			h.cancelSub()
			<-h.done
			return nil
		},
	})
	return h
}

func (h *handler) consume(events <-chan lspevent.Event) {
	defer close(h.done)
	for ev := range events {
		if err := h.HandleEvent(ev); err != nil {
			h.stats.Counter("rejected").Inc(1)
			h.logger.Errorw("event rejected", "kind", ev.Kind(), "error", err)
		}
	}
}

// Initialize arms the handler.
func (h *handler) Initialize() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.initialized = true
}

// HandleEvent applies one domain event to the maps.
func (h *handler) HandleEvent(ev lspevent.Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.initialized {
		return fmt.Errorf("%w: dropped %s", errors.ErrNotInitialized, ev.Kind())
	}
	h.stats.Tagged(map[string]string{"kind": ev.Kind()}).Counter("handled").Inc(1)

	switch ev := ev.(type) {
	case lspevent.ServerStartupRequested:
		h.logger.Debugw("server startup requested", "server", ev.ServerName, "workspaceRoot", ev.WorkspaceRoot)

	case lspevent.ServerStartupCompleted:
		if ev.Failed() {
			h.logger.Warnw("server startup failed", "server", ev.ServerName,
				"workspaceRoot", ev.WorkspaceRoot, "error", ev.Err)
		}

	case lspevent.ServerInitialized:
		h.active[ev.WorkspaceRoot] = append(h.active[ev.WorkspaceRoot], entity.ActiveServer{
			ServerID:      ev.ServerID,
			ServerName:    ev.ServerName,
			LanguageIDs:   ev.LanguageIDs,
			Health:        entity.HealthHealthy,
			StartupTimeMS: ev.StartupTimeMS,
		})
		h.serverRoots[ev.ServerID] = ev.WorkspaceRoot
		h.health[ev.ServerID] = entity.HealthHealthy
		h.updateGauges()

	case lspevent.ServerExited:
		h.removeServer(ev.ServerID)
		h.updateGauges()

	case lspevent.ServerRestarted:
		// The old instance is gone; the new one announces itself via its own
		// ServerInitialized event.
		h.removeServer(ev.OldServerID)
		h.updateGauges()

	case lspevent.ServerError:
		if ev.Fatal {
			h.setHealth(ev.ServerID, entity.HealthUnhealthy)
		}
		h.logger.Warnw("server error", "serverID", ev.ServerID, "message", ev.Message, "fatal", ev.Fatal)

	case lspevent.HealthCheckCompleted:
		h.setHealth(ev.ServerID, ev.Health)

	case lspevent.ProgressStarted:
		h.progress[entity.ProgressKey(ev.ServerID, ev.Token)] = entity.Progress{
			ServerID: ev.ServerID,
			Token:    ev.Token,
			Title:    ev.Title,
		}
		h.updateGauges()

	case lspevent.ProgressUpdated:
		key := entity.ProgressKey(ev.ServerID, ev.Token)
		p, ok := h.progress[key]
		if !ok {
			h.logger.Debugw("progress update for unknown token", "serverID", ev.ServerID, "token", ev.Token)
			break
		}
		if ev.HasMessage {
			p.Message = ev.Message
			p.HasMessage = true
		}
		if ev.HasPercentage {
			p.Percentage = ev.Percentage
			p.HasPercentage = true
		}
		h.progress[key] = p

	case lspevent.ProgressCompleted:
		delete(h.progress, entity.ProgressKey(ev.ServerID, ev.Token))
		h.updateGauges()

	case lspevent.ProjectDetected:
		h.logger.Infow("project detected", "workspaceRoot", ev.WorkspaceRoot, "projectType", ev.ProjectType)

	case lspevent.ProjectServersReady:
		h.logger.Infow("project servers ready", "workspaceRoot", ev.WorkspaceRoot)

	default:
		h.logger.Debugw("unhandled event", "kind", ev.Kind())
	}
	return nil
}

// removeServer drops every trace of a server. Called with mu held.
func (h *handler) removeServer(id entity.ServerID) {
	if root, ok := h.serverRoots[id]; ok {
		kept := h.active[root][:0:0]
		for _, s := range h.active[root] {
			if s.ServerID != id {
				kept = append(kept, s)
			}
		}
		if len(kept) == 0 {
			delete(h.active, root)
		} else {
			h.active[root] = kept
		}
		delete(h.serverRoots, id)
	}
	delete(h.health, id)
	for key, p := range h.progress {
		if p.ServerID == id {
			delete(h.progress, key)
		}
	}
}

// setHealth updates both the health map and the active-server entry. Called
// with mu held.
func (h *handler) setHealth(id entity.ServerID, health entity.ServerHealth) {
	h.health[id] = health
	if root, ok := h.serverRoots[id]; ok {
		for i, s := range h.active[root] {
			if s.ServerID == id {
				h.active[root][i].Health = health
			}
		}
	}
}

func (h *handler) updateGauges() {
	h.stats.Gauge("active_servers").Update(float64(len(h.serverRoots)))
	h.stats.Gauge("live_progress").Update(float64(len(h.progress)))
}

// ActiveServers returns the initialized servers for a workspace root.
func (h *handler) ActiveServers(workspaceRoot string) []entity.ActiveServer {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]entity.ActiveServer(nil), h.active[workspaceRoot]...)
}

// HealthFor returns the recorded health of a server.
func (h *handler) HealthFor(id entity.ServerID) entity.ServerHealth {
	h.mu.Lock()
	defer h.mu.Unlock()
	if health, ok := h.health[id]; ok {
		return health
	}
	return entity.HealthUnknown
}

// ProgressFor returns the live progress operations of a server.
func (h *handler) ProgressFor(id entity.ServerID) []entity.Progress {
	h.mu.Lock()
	defer h.mu.Unlock()

	var out []entity.Progress
	for _, p := range h.progress {
		if p.ServerID == id {
			out = append(out, p)
		}
	}
	return out
}
