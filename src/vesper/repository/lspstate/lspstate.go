// Package lspstate is the UI-facing read model of the LSP subsystem. It
// keeps its own projection of servers and progress fed by the event bus,
// never by reading the event handler's maps, and formats the adaptive status
// indicator the editor renders in constrained widths.
package lspstate

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	tally "github.com/uber-go/tally/v4"
	"github.com/vesper-editor/vesper/src/vesper/entity"
	"github.com/vesper-editor/vesper/src/vesper/event/lspevent"
	"github.com/vesper-editor/vesper/src/vesper/internal/diagnostics"
	"go.lsp.dev/protocol"
	"go.lsp.dev/uri"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	_subscriberName  = "lspstate"
	_spinnerInterval = 80 * time.Millisecond

	// _placeholder is rendered when no server is registered so the UI always
	// has something to draw.
	_placeholder = "LSP: ●"
	_dot         = "●"

	_separator = " ⋅ "
)

var _spinnerFrames = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧"}

// _wellKnownAbbreviations shortens common server names beyond the generic
// first-6-runes rule.
var _wellKnownAbbreviations = map[string]string{
	"rust-analyzer":              "RA",
	"typescript-language-server": "TS",
	"pyright":                    "Py",
	"gopls":                      "Go",
	"clangd":                     "C",
}

// Module is the Fx module for this package.
var Module = fx.Options(
	fx.Provide(New),
)

// FileDiagnostics is one file's merged diagnostic view.
type FileDiagnostics struct {
	File        uri.URI
	Diagnostics []protocol.Diagnostic
}

// Store is the read model consumed by UI polling.
type Store interface {
	// Apply folds one domain event into the projection. The bus consumer
	// calls it; tests may drive it directly.
	Apply(ev lspevent.Event)

	// ServerCount returns the number of running servers.
	ServerCount() int
	// IsBusy reports whether any progress operation is live.
	IsBusy() bool
	// Servers returns a snapshot of the running servers.
	Servers() []entity.ActiveServer
	// Diagnostics returns the merged per-file views in lexical file order.
	Diagnostics() []FileDiagnostics
	// StatusString returns an unconstrained human-readable status line.
	StatusString() string
	// IndicatorWithMaxWidth returns the most verbose status indicator that
	// fits the given width in runes. With no servers it returns a fixed
	// placeholder.
	IndicatorWithMaxWidth(width int) string
	// ClearAll wipes the projection, for a project root change.
	ClearAll()
}

// Params defines the dependencies of this package.
type Params struct {
	fx.In

	Logger    *zap.SugaredLogger
	Stats     tally.Scope
	Lifecycle fx.Lifecycle
	Bus       lspevent.Bus
	Index     *diagnostics.Index
}

type store struct {
	mu sync.Mutex

	servers     map[entity.ServerID]entity.ActiveServer
	progress    map[string]entity.Progress
	lastFailure string

	frame       int
	spinnerLast time.Time
	now         func() time.Time

	index *diagnostics.Index

	cancelSub func()
	done      chan struct{}

	logger *zap.SugaredLogger
	stats  tally.Scope
}

// New creates a Store and subscribes it to the event bus on start.
func New(p Params) Store {
	s := &store{
		servers:  make(map[entity.ServerID]entity.ActiveServer),
		progress: make(map[string]entity.Progress),
		now:      time.Now,
		index:    p.Index,
		logger:   p.Logger.With("component", "lspstate"),
		stats:    p.Stats.SubScope("lspstate"),
	}

	p.Lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			events, cancel := p.Bus.Subscribe(_subscriberName)
			s.cancelSub = cancel
			s.done = make(chan struct{})
			go s.consume(events)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			s.cancelSub()
			<-s.done
			return nil
		},
	})
	return s
}

func (s *store) consume(events <-chan lspevent.Event) {
	defer close(s.done)
	for ev := range events {
		s.Apply(ev)
	}
}

// Apply folds one domain event into the projection.
func (s *store) Apply(ev lspevent.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch ev := ev.(type) {
	case lspevent.ServerInitialized:
		s.servers[ev.ServerID] = entity.ActiveServer{
			ServerID:      ev.ServerID,
			ServerName:    ev.ServerName,
			LanguageIDs:   ev.LanguageIDs,
			Health:        entity.HealthHealthy,
			StartupTimeMS: ev.StartupTimeMS,
		}
		if s.lastFailure != "" {
			s.lastFailure = ""
		}

	case lspevent.ServerStartupCompleted:
		if ev.Failed() {
			s.lastFailure = fmt.Sprintf("%s failed to start", ev.ServerName)
		}

	case lspevent.ServerExited:
		s.removeServer(ev.ServerID)

	case lspevent.ServerRestarted:
		s.removeServer(ev.OldServerID)

	case lspevent.ServerError:
		if ev.Fatal {
			s.setHealth(ev.ServerID, entity.HealthUnhealthy)
		}

	case lspevent.HealthCheckCompleted:
		s.setHealth(ev.ServerID, ev.Health)

	case lspevent.ProgressStarted:
		s.progress[entity.ProgressKey(ev.ServerID, ev.Token)] = entity.Progress{
			ServerID: ev.ServerID,
			Token:    ev.Token,
			Title:    ev.Title,
		}

	case lspevent.ProgressUpdated:
		key := entity.ProgressKey(ev.ServerID, ev.Token)
		if p, ok := s.progress[key]; ok {
			if ev.HasMessage {
				p.Message = ev.Message
				p.HasMessage = true
			}
			if ev.HasPercentage {
				p.Percentage = ev.Percentage
				p.HasPercentage = true
			}
			s.progress[key] = p
		}

	case lspevent.ProgressCompleted:
		delete(s.progress, entity.ProgressKey(ev.ServerID, ev.Token))
	}

	s.stats.Gauge("servers").Update(float64(len(s.servers)))
	s.stats.Gauge("progress").Update(float64(len(s.progress)))
}

// removeServer drops the server and its progress. Called with mu held.
func (s *store) removeServer(id entity.ServerID) {
	delete(s.servers, id)
	for key, p := range s.progress {
		if p.ServerID == id {
			delete(s.progress, key)
		}
	}
}

func (s *store) setHealth(id entity.ServerID, health entity.ServerHealth) {
	if srv, ok := s.servers[id]; ok {
		srv.Health = health
		s.servers[id] = srv
	}
}

// ServerCount returns the number of running servers.
func (s *store) ServerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.servers)
}

// IsBusy reports whether any progress operation is live.
func (s *store) IsBusy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.progress) > 0
}

// Servers returns a snapshot ordered by server name for deterministic
// iteration.
func (s *store) Servers() []entity.ActiveServer {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]entity.ActiveServer, 0, len(s.servers))
	for _, srv := range s.servers {
		out = append(out, srv)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ServerName != out[j].ServerName {
			return out[i].ServerName < out[j].ServerName
		}
		return out[i].ServerID.String() < out[j].ServerID.String()
	})
	return out
}

// Diagnostics returns the merged per-file views in lexical file order.
func (s *store) Diagnostics() []FileDiagnostics {
	files := s.index.Files()
	out := make([]FileDiagnostics, 0, len(files))
	for _, file := range files {
		out = append(out, FileDiagnostics{File: file, Diagnostics: s.index.ViewFor(file)})
	}
	return out
}

// StatusString returns an unconstrained status line. Startup failures take
// precedence so a failed server never looks like a missing one.
func (s *store) StatusString() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.lastFailure != "" {
		return s.lastFailure
	}
	if p, ok := s.importantProgress(); ok {
		return progressText(serverNameLocked(s.servers, p.ServerID), p, true)
	}
	if len(s.servers) == 0 {
		return _placeholder
	}
	if len(s.servers) == 1 {
		for _, srv := range s.servers {
			return fmt.Sprintf("%s %s", srv.ServerName, srv.Health)
		}
	}
	return fmt.Sprintf("%d language servers active", len(s.servers))
}

// IndicatorWithMaxWidth tries formats in decreasing verbosity and returns the
// first that fits. The spinner advances at most one frame per read interval,
// however long the gap since the last read actually was.
func (s *store) IndicatorWithMaxWidth(width int) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.servers) == 0 {
		return _placeholder
	}

	frame := s.advanceSpinnerLocked()
	var candidates []string

	if p, ok := s.importantProgress(); ok {
		name := serverNameLocked(s.servers, p.ServerID)
		candidates = []string{
			frame + " " + progressText(name, p, true),
			progressText(name, p, false),
			compactText(name, p),
			compactText(abbreviate(name), p),
			frame,
		}
	} else {
		names := make([]string, 0, len(s.servers))
		for _, srv := range s.servers {
			names = append(names, srv.ServerName)
		}
		sort.Strings(names)
		short := make([]string, len(names))
		for i, n := range names {
			short[i] = abbreviate(n)
		}
		candidates = []string{
			"LSP: " + strings.Join(names, ", "),
			"LSP: " + strings.Join(short, ", "),
			_dot,
		}
	}

	for _, c := range candidates {
		if utf8.RuneCountInString(c) <= width {
			return c
		}
	}
	return ""
}

// ClearAll wipes the projection and the shared diagnostics index, for a
// project root change.
func (s *store) ClearAll() {
	s.mu.Lock()
	s.servers = make(map[entity.ServerID]entity.ActiveServer)
	s.progress = make(map[string]entity.Progress)
	s.lastFailure = ""
	s.stats.Gauge("servers").Update(0)
	s.stats.Gauge("progress").Update(0)
	s.mu.Unlock()

	s.index.Clear()
	s.logger.Infow("state cleared")
}

// importantProgress picks the most informative live operation: one carrying
// both title and message beats message-only beats title-only. Ties break on
// the map key so repeated reads agree. Called with mu held.
func (s *store) importantProgress() (entity.Progress, bool) {
	bestScore := -1
	bestKey := ""
	var best entity.Progress
	for key, p := range s.progress {
		score := 0
		switch {
		case p.Title != "" && p.HasMessage:
			score = 2
		case p.HasMessage:
			score = 1
		}
		if score > bestScore || (score == bestScore && key < bestKey) {
			bestScore, bestKey, best = score, key, p
		}
	}
	return best, bestScore >= 0
}

// advanceSpinnerLocked moves the spinner by one frame when at least one
// interval elapsed since the last read. Called with mu held.
func (s *store) advanceSpinnerLocked() string {
	now := s.now()
	if now.Sub(s.spinnerLast) >= _spinnerInterval {
		s.frame = (s.frame + 1) % len(_spinnerFrames)
		s.spinnerLast = now
	}
	return _spinnerFrames[s.frame]
}

func serverNameLocked(servers map[entity.ServerID]entity.ActiveServer, id entity.ServerID) string {
	if srv, ok := servers[id]; ok {
		return srv.ServerName
	}
	return "lsp"
}

// progressText renders "Name: NN% Title ⋅ Message". The percentage appears
// only in the verbose form.
func progressText(name string, p entity.Progress, verbose bool) string {
	var b strings.Builder
	b.WriteString(name)
	b.WriteString(": ")
	if verbose && p.HasPercentage {
		fmt.Fprintf(&b, "%d%% ", p.Percentage)
	}
	b.WriteString(p.Title)
	if p.HasMessage && p.Message != "" {
		if p.Title != "" {
			b.WriteString(_separator)
		}
		b.WriteString(p.Message)
	}
	return b.String()
}

func compactText(name string, p entity.Progress) string {
	if p.Title != "" {
		return name + ": " + p.Title
	}
	return name + ": " + p.Message
}

// abbreviate shortens a server name for narrow widths. Well-known servers
// get a fixed abbreviation, everything else keeps its first 6 runes.
func abbreviate(name string) string {
	if short, ok := _wellKnownAbbreviations[name]; ok {
		return short
	}
	runes := []rune(name)
	if len(runes) <= 6 {
		return name
	}
	return string(runes[:6]) + ".."
}
