package registry

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/vesper-editor/vesper/src/vesper/entity"
	"go.lsp.dev/jsonrpc2"
	"go.lsp.dev/protocol"
	"go.lsp.dev/uri"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// client is one running language-server connection.
type client struct {
	id            entity.ServerID
	name          string
	workspaceRoot string
	settings      map[string]interface{}

	conn   jsonrpc2.Conn
	server protocol.Server
	cmd    *exec.Cmd

	initialized atomic.Bool
	capsMu      sync.Mutex
	caps        map[string]interface{}
}

func newClient(id entity.ServerID, cfg entity.LanguageConfig, conn jsonrpc2.Conn, cmd *exec.Cmd, workspaceRoot string, logger *zap.Logger) *client {
	return &client{
		id:            id,
		name:          cfg.Name,
		workspaceRoot: workspaceRoot,
		settings:      cfg.Settings,
		conn:          conn,
		server:        protocol.ServerDispatcher(conn, logger.Named(cfg.Name)),
		cmd:           cmd,
	}
}

// initialize performs the LSP handshake and records the server capabilities.
func (c *client) initialize(ctx context.Context) error {
	result, err := c.server.Initialize(ctx, &protocol.InitializeParams{
		ProcessID: int32(os.Getpid()),
		RootURI:   uri.File(c.workspaceRoot),
		WorkspaceFolders: []protocol.WorkspaceFolder{
			{URI: string(uri.File(c.workspaceRoot)), Name: filepath.Base(c.workspaceRoot)},
		},
		Capabilities: protocol.ClientCapabilities{
			Workspace: &protocol.WorkspaceClientCapabilities{
				ApplyEdit:        true,
				WorkspaceFolders: true,
				Configuration:    true,
				DidChangeWatchedFiles: &protocol.DidChangeWatchedFilesWorkspaceClientCapabilities{
					DynamicRegistration: true,
				},
			},
		},
	})
	if err != nil {
		return err
	}
	if err := c.server.Initialized(ctx, &protocol.InitializedParams{}); err != nil {
		return err
	}

	caps := make(map[string]interface{})
	if raw, err := json.Marshal(result.Capabilities); err == nil {
		json.Unmarshal(raw, &caps)
	}
	c.capsMu.Lock()
	c.caps = caps
	c.capsMu.Unlock()
	c.initialized.Store(true)
	return nil
}

// ID returns the server id.
func (c *client) ID() entity.ServerID { return c.id }

// Name returns the configured server name.
func (c *client) Name() string { return c.name }

// IsInitialized reports whether the handshake has completed.
func (c *client) IsInitialized() bool { return c.initialized.Load() }

// Capabilities returns the advertised server capabilities.
func (c *client) Capabilities() map[string]interface{} {
	c.capsMu.Lock()
	defer c.capsMu.Unlock()
	return c.caps
}

// WorkspaceFolders returns the folders the server was launched with.
func (c *client) WorkspaceFolders(ctx context.Context) ([]protocol.WorkspaceFolder, error) {
	return []protocol.WorkspaceFolder{
		{URI: string(uri.File(c.workspaceRoot)), Name: filepath.Base(c.workspaceRoot)},
	}, nil
}

// DidChangeConfiguration pushes settings to the server. Launch-time settings
// are used when none are supplied.
func (c *client) DidChangeConfiguration(ctx context.Context, settings map[string]interface{}) error {
	if settings == nil {
		settings = c.settings
	}
	return c.server.DidChangeConfiguration(ctx, &protocol.DidChangeConfigurationParams{Settings: settings})
}

// TextDocumentDidOpen announces an open document to the server.
func (c *client) TextDocumentDidOpen(ctx context.Context, params *protocol.DidOpenTextDocumentParams) error {
	return c.server.DidOpen(ctx, params)
}

// Notify sends an arbitrary notification.
func (c *client) Notify(ctx context.Context, method string, params interface{}) error {
	return c.conn.Notify(ctx, method, params)
}

// Stop shuts the server down. The process is killed if the polite shutdown
// fails.
func (c *client) Stop(ctx context.Context) error {
	c.initialized.Store(false)
	err := multierr.Append(c.server.Shutdown(ctx), c.server.Exit(ctx))
	if closeErr := c.conn.Close(); closeErr != nil {
		err = multierr.Append(err, closeErr)
	}
	if err != nil && c.cmd.Process != nil {
		c.cmd.Process.Kill()
	}
	return err
}
