// Package dispatcher consumes the RPC traffic arriving from running
// language servers and applies it to editor state. One handler instance is
// bound per server id; all branches complete synchronously and reply exactly
// once.
package dispatcher

import (
	"context"
	"fmt"
	"sync"

	tally "github.com/uber-go/tally/v4"
	"github.com/vesper-editor/vesper/src/vesper/entity"
	"github.com/vesper-editor/vesper/src/vesper/event/lspevent"
	"github.com/vesper-editor/vesper/src/vesper/gateway/editor"
	"github.com/vesper-editor/vesper/src/vesper/internal/diagnostics"
	"github.com/vesper-editor/vesper/src/vesper/internal/watch"
	"go.lsp.dev/jsonrpc2"
	"go.lsp.dev/protocol"
	"go.uber.org/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const _configKeyLanguageServers = "languageServers"

// Module is the Fx module for this package.
var Module = fx.Options(
	fx.Provide(diagnostics.NewIndex),
	fx.Provide(New),
	fx.Provide(func(c Controller) editor.ServerMessageHandler { return c }),
)

// Controller dispatches per-server RPC traffic.
type Controller interface {
	editor.ServerMessageHandler

	// BindRegistry attaches the server registry after construction. The
	// registry itself needs the handler to launch connections, so the two
	// are tied together by the app module rather than by constructor args.
	BindRegistry(registry editor.Registry)
	// DiagnosticsIndex exposes the merged diagnostic store for read models.
	DiagnosticsIndex() *diagnostics.Index
}

// Params defines the dependencies of this package.
type Params struct {
	fx.In

	Config  config.Provider
	Logger  *zap.SugaredLogger
	Stats   tally.Scope
	Editor  editor.Editor
	Bus     lspevent.Bus
	Watcher watch.Watcher
	Index   *diagnostics.Index
}

type controller struct {
	mu       sync.Mutex
	registry editor.Registry
	// tokens tracks progress tokens created via window/workDoneProgress/create,
	// keyed by "{server_id}-{token}".
	tokens map[string]struct{}

	configs entity.LanguageConfigs
	index   *diagnostics.Index
	editor  editor.Editor
	bus     lspevent.Bus
	watcher watch.Watcher
	logger  *zap.SugaredLogger
	stats   tally.Scope
}

// New creates a Controller.
func New(p Params) (Controller, error) {
	var configs entity.LanguageConfigs
	if err := p.Config.Get(_configKeyLanguageServers).Populate(&configs); err != nil {
		return nil, fmt.Errorf("failed to read language server config: %w", err)
	}

	return &controller{
		tokens:  make(map[string]struct{}),
		configs: configs,
		index:   p.Index,
		editor:  p.Editor,
		bus:     p.Bus,
		watcher: p.Watcher,
		logger:  p.Logger.With("component", "dispatcher"),
		stats:   p.Stats.SubScope("dispatcher"),
	}, nil
}

// BindRegistry attaches the server registry after construction.
func (c *controller) BindRegistry(registry editor.Registry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.registry = registry
}

// DiagnosticsIndex exposes the merged diagnostic store.
func (c *controller) DiagnosticsIndex() *diagnostics.Index {
	return c.index
}

// Handler returns the jsonrpc2 handler consuming traffic from one server.
func (c *controller) Handler(serverID entity.ServerID) jsonrpc2.Handler {
	return func(ctx context.Context, reply jsonrpc2.Replier, req jsonrpc2.Request) (err error) {
		// One bad message from one server must not tear down its handler.
		defer func() {
			if r := recover(); r != nil {
				c.logger.Errorw("panic while handling server message", "serverID", serverID, "method", req.Method(), "panic", r)
				err = reply(ctx, nil, fmt.Errorf("%w: internal error", jsonrpc2.ErrInternal))
			}
		}()
		c.stats.Tagged(map[string]string{"method": req.Method()}).Counter("messages").Inc(1)
		return c.route(ctx, serverID, reply, req)
	}
}

func (c *controller) route(ctx context.Context, serverID entity.ServerID, reply jsonrpc2.Replier, req jsonrpc2.Request) error {
	switch req.Method() {
	// Notifications.
	case protocol.MethodTextDocumentPublishDiagnostics:
		return c.PublishDiagnostics(ctx, serverID, reply, req)

	case protocol.MethodProgress:
		return c.Progress(ctx, serverID, reply, req)

	case protocol.MethodWindowLogMessage:
		return c.LogMessage(ctx, serverID, reply, req)

	case protocol.MethodWindowShowMessage:
		return c.ShowMessage(ctx, serverID, reply, req)

	case protocol.MethodInitialized:
		return c.Initialized(ctx, serverID, reply, req)

	case protocol.MethodExit:
		return c.Exit(ctx, serverID, reply, req)

	// Method calls. Each replies exactly once.
	case protocol.MethodWorkDoneProgressCreate:
		return c.WorkDoneProgressCreate(ctx, serverID, reply, req)

	case protocol.MethodWorkspaceApplyEdit:
		return c.ApplyWorkspaceEdit(ctx, serverID, reply, req)

	case protocol.MethodWorkspaceWorkspaceFolders:
		return c.WorkspaceFolders(ctx, serverID, reply, req)

	case protocol.MethodWorkspaceConfiguration:
		return c.WorkspaceConfiguration(ctx, serverID, reply, req)

	case protocol.MethodClientRegisterCapability:
		return c.RegisterCapability(ctx, serverID, reply, req)

	case protocol.MethodClientUnregisterCapability:
		return c.UnregisterCapability(ctx, serverID, reply, req)

	case protocol.MethodShowDocument:
		return c.ShowDocument(ctx, serverID, reply, req)

	default:
		return jsonrpc2.MethodNotFoundHandler(ctx, reply, req)
	}
}

// client returns the running client for a server id, if the registry has
// been bound and knows it.
func (c *controller) client(serverID entity.ServerID) (editor.Client, bool) {
	c.mu.Lock()
	registry := c.registry
	c.mu.Unlock()

	if registry == nil {
		return nil, false
	}
	return registry.GetByID(serverID)
}

// persistentSources returns the persistent diagnostic sources configured for
// the server, resolved by server name.
func (c *controller) persistentSources(serverID entity.ServerID) []string {
	client, ok := c.client(serverID)
	if !ok {
		return nil
	}
	cfg, ok := c.configs.ByName(client.Name())
	if !ok {
		return nil
	}
	return cfg.PersistentDiagnosticSources
}

// settingsFor returns the configured settings blob for the server.
func (c *controller) settingsFor(serverID entity.ServerID) map[string]interface{} {
	client, ok := c.client(serverID)
	if !ok {
		return nil
	}
	cfg, ok := c.configs.ByName(client.Name())
	if !ok {
		return nil
	}
	return cfg.Settings
}
