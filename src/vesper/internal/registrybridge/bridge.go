// Package registrybridge adapts server lifecycle requests onto the editor's
// server registry. It is the only component that mutates registry state.
package registrybridge

import (
	"context"
	"fmt"
	"time"

	tally "github.com/uber-go/tally/v4"
	"github.com/vesper-editor/vesper/src/vesper/entity"
	"github.com/vesper-editor/vesper/src/vesper/event/lspevent"
	"github.com/vesper-editor/vesper/src/vesper/gateway/editor"
	"github.com/vesper-editor/vesper/src/vesper/internal/envprovider"
	"github.com/vesper-editor/vesper/src/vesper/internal/errors"
	"github.com/vesper-editor/vesper/src/vesper/mapper"
	"go.uber.org/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const _configKeyLanguageServers = "languageServers"

// Module is the Fx module for this package.
var Module = fx.Options(
	fx.Provide(New),
)

// Bridge starts and stops language servers through the editor registry and
// performs per-document did-open tracking.
type Bridge interface {
	// StartServer starts the named server for a workspace root, or returns
	// the id of an already running server with that name.
	StartServer(ctx context.Context, workspaceRoot string, serverName string, languageID string) (entity.ServerID, error)
	// StopServer stops one running server.
	StopServer(ctx context.Context, id entity.ServerID) error
	// EnsureDocumentTracked announces a document to a server via didOpen.
	EnsureDocumentTracked(ctx context.Context, id entity.ServerID, docID entity.DocumentID) error
	// GetServerCapabilities returns a server's advertised capabilities.
	GetServerCapabilities(id entity.ServerID) (map[string]interface{}, error)
	// IsServerReady reports whether a server has completed initialize.
	IsServerReady(id entity.ServerID) bool
	// ConfigForServer returns the language configuration of a server name.
	ConfigForServer(serverName string) (entity.LanguageConfig, bool)
}

// Params defines the dependencies of this package.
type Params struct {
	fx.In

	Config   config.Provider
	Logger   *zap.SugaredLogger
	Stats    tally.Scope
	Registry editor.Registry
	Editor   editor.Editor
	Env      envprovider.Provider
	Bus      lspevent.Bus
}

type bridge struct {
	configs  entity.LanguageConfigs
	registry editor.Registry
	editor   editor.Editor
	env      envprovider.Provider
	bus      lspevent.Bus
	logger   *zap.SugaredLogger
	stats    tally.Scope
	starts   singleflight.Group
}

// New creates a Bridge.
func New(p Params) (Bridge, error) {
	var configs entity.LanguageConfigs
	if err := p.Config.Get(_configKeyLanguageServers).Populate(&configs); err != nil {
		return nil, fmt.Errorf("failed to read language server config: %w", err)
	}

	return &bridge{
		configs:  configs,
		registry: p.Registry,
		editor:   p.Editor,
		env:      p.Env,
		bus:      p.Bus,
		logger:   p.Logger.With("component", "registrybridge"),
		stats:    p.Stats.SubScope("bridge"),
	}, nil
}

// StartServer starts the named server. Requests for the same name are
// deduplicated: a concurrent or later call while the server runs returns the
// existing id without spawning a second process. The check is by name only;
// workspace membership of the existing server is not verified.
func (b *bridge) StartServer(ctx context.Context, workspaceRoot string, serverName string, languageID string) (entity.ServerID, error) {
	result, err, _ := b.starts.Do(serverName, func() (interface{}, error) {
		return b.startServerLocked(ctx, workspaceRoot, serverName, languageID)
	})
	if err != nil {
		return entity.InvalidServerID, err
	}
	return result.(entity.ServerID), nil
}

func (b *bridge) startServerLocked(ctx context.Context, workspaceRoot string, serverName string, languageID string) (entity.ServerID, error) {
	for _, c := range b.registry.Clients() {
		if c.Name() == serverName {
			b.logger.Debugw("server already running, reusing", "server", serverName, "serverID", c.ID())
			return c.ID(), nil
		}
	}

	cfg, ok := b.configs.ByName(serverName)
	if !ok {
		return entity.InvalidServerID, &errors.ConfigurationError{
			Detail: fmt.Sprintf("no language server configuration named %q for language %q", serverName, languageID),
		}
	}

	env, err := b.env.EnvironmentForDirectory(ctx, workspaceRoot)
	if err != nil {
		b.logger.Warnw("environment resolution failed, using process environment", "workspaceRoot", workspaceRoot, "error", err)
		env = envprovider.ProcessEnvironment()
	}

	b.bus.Publish(lspevent.ServerStartupRequested{
		WorkspaceRoot: workspaceRoot,
		ServerName:    serverName,
		LanguageID:    languageID,
	})

	started := time.Now()
	results, err := b.registry.Launch(ctx, cfg, workspaceRoot, env)
	if err == nil {
		err = fmt.Errorf("registry returned no client named %q", serverName)
	}
	var client editor.Client
	for _, res := range results {
		if res.Name != serverName {
			continue
		}
		if res.Err != nil {
			err = res.Err
			continue
		}
		client = res.Client
		err = nil
		break
	}

	elapsed := time.Since(started).Milliseconds()
	if client == nil {
		b.stats.Counter("startup_failures").Inc(1)
		b.bus.Publish(lspevent.ServerStartupCompleted{
			ServerID:      entity.InvalidServerID,
			ServerName:    serverName,
			LanguageID:    languageID,
			WorkspaceRoot: workspaceRoot,
			StartupTimeMS: elapsed,
			Err:           err,
		})
		return entity.InvalidServerID, &errors.ServerStartupError{ServerName: serverName, Err: err}
	}

	b.afterInitialize(ctx, client, cfg)

	b.stats.Counter("startups").Inc(1)
	b.bus.Publish(lspevent.ServerStartupCompleted{
		ServerID:      client.ID(),
		ServerName:    serverName,
		LanguageID:    languageID,
		WorkspaceRoot: workspaceRoot,
		StartupTimeMS: elapsed,
	})
	b.bus.Publish(lspevent.ServerInitialized{
		ServerID:      client.ID(),
		ServerName:    serverName,
		LanguageIDs:   cfg.LanguageIDs,
		WorkspaceRoot: workspaceRoot,
		StartupTimeMS: elapsed,
	})
	b.logger.Infow("server started", "server", serverName, "serverID", client.ID(), "startupTimeMS", elapsed)
	return client.ID(), nil
}

// afterInitialize pushes configuration and announces every open document the
// server supports.
func (b *bridge) afterInitialize(ctx context.Context, client editor.Client, cfg entity.LanguageConfig) {
	if len(cfg.Settings) > 0 {
		if err := client.DidChangeConfiguration(ctx, cfg.Settings); err != nil {
			b.logger.Warnw("failed to push configuration", "server", client.Name(), "error", err)
		}
	}
	for _, doc := range b.editor.Documents() {
		if err := b.trackDocument(ctx, client, doc); err != nil {
			b.logger.Warnw("failed to announce open document", "server", client.Name(), "doc", doc.ID(), "error", err)
		}
	}
}

// StopServer stops one running server.
func (b *bridge) StopServer(ctx context.Context, id entity.ServerID) error {
	if err := b.registry.RemoveByID(ctx, id); err != nil {
		return &errors.ServerCommunicationError{Method: "shutdown", Err: err}
	}
	return nil
}

// EnsureDocumentTracked announces a document to a server via didOpen.
func (b *bridge) EnsureDocumentTracked(ctx context.Context, id entity.ServerID, docID entity.DocumentID) error {
	client, ok := b.registry.GetByID(id)
	if !ok {
		return &errors.InternalError{Detail: fmt.Sprintf("no running server with id %s", id)}
	}
	doc, ok := b.editor.Document(docID)
	if !ok {
		return &errors.InternalError{Detail: fmt.Sprintf("no open document with id %s", docID)}
	}
	return b.trackDocument(ctx, client, doc)
}

func (b *bridge) trackDocument(ctx context.Context, client editor.Client, doc editor.Document) error {
	if !doc.SupportsServer(client.Name()) {
		return nil
	}
	docURI, ok := doc.URI()
	if !ok {
		// Scratch buffers have no URI. Expected, not an error.
		b.logger.Warnw("document has no URI, skipping didOpen", "doc", doc.ID(), "server", client.Name())
		return nil
	}
	return client.TextDocumentDidOpen(ctx, mapper.DocumentToDidOpenParams(docURI, doc))
}

// GetServerCapabilities returns a server's advertised capabilities.
func (b *bridge) GetServerCapabilities(id entity.ServerID) (map[string]interface{}, error) {
	client, ok := b.registry.GetByID(id)
	if !ok {
		return nil, &errors.InternalError{Detail: fmt.Sprintf("no running server with id %s", id)}
	}
	return client.Capabilities(), nil
}

// IsServerReady reports whether a server has completed initialize.
func (b *bridge) IsServerReady(id entity.ServerID) bool {
	client, ok := b.registry.GetByID(id)
	return ok && client.IsInitialized()
}

// ConfigForServer returns the language configuration of a server name.
func (b *bridge) ConfigForServer(serverName string) (entity.LanguageConfig, bool) {
	return b.configs.ByName(serverName)
}
