// Package editor defines the boundary to the host editor core. The
// orchestration components only see these interfaces; the editing core and
// the language-server client library live behind them.
package editor

import (
	"context"

	"github.com/vesper-editor/vesper/src/vesper/entity"
	"go.lsp.dev/jsonrpc2"
	"go.lsp.dev/protocol"
	"go.lsp.dev/uri"
)

// Editor is the document and status surface of the editing core.
type Editor interface {
	// Document returns the open document with the given id.
	Document(id entity.DocumentID) (Document, bool)
	// DocumentByURI returns the open document at the given URI.
	DocumentByURI(u uri.URI) (Document, bool)
	// Documents returns all open documents.
	Documents() []Document
	// SetStatus displays a transient message on the status line.
	SetStatus(message string)
	// ApplyEdit applies a workspace edit to the affected documents.
	ApplyEdit(ctx context.Context, edit protocol.WorkspaceEdit) (bool, error)
}

// Document is one open buffer. Unsaved scratch buffers have no URI.
type Document interface {
	ID() entity.DocumentID
	URI() (uri.URI, bool)
	Version() int32
	Text() string
	LanguageID() string
	// SupportsServer reports whether this document's language is served by
	// the named server.
	SupportsServer(serverName string) bool
	// ReplaceDiagnostics swaps the document's visible diagnostic view.
	ReplaceDiagnostics(diagnostics []protocol.Diagnostic)
	// ClearDiagnosticsForServer removes the view contribution of one server.
	ClearDiagnosticsForServer(id entity.ServerID)
}

// LaunchResult is one (name, client-or-error) pair returned by a launch.
type LaunchResult struct {
	Name   string
	Client Client
	Err    error
}

// Registry owns the running language-server clients. Only the server
// registry bridge may call its mutating methods.
type Registry interface {
	// Launch spawns the clients for a language configuration with the
	// workspace as root directory, using the given process environment.
	Launch(ctx context.Context, cfg entity.LanguageConfig, workspaceRoot string, env map[string]string) ([]LaunchResult, error)
	// GetByID returns a running client.
	GetByID(id entity.ServerID) (Client, bool)
	// RemoveByID stops and forgets a client.
	RemoveByID(ctx context.Context, id entity.ServerID) error
	// Clients returns all running clients.
	Clients() []Client
}

// Client is one running language-server connection.
type Client interface {
	ID() entity.ServerID
	Name() string
	IsInitialized() bool
	// Capabilities returns the server's advertised capabilities as a JSON
	// object.
	Capabilities() map[string]interface{}
	WorkspaceFolders(ctx context.Context) ([]protocol.WorkspaceFolder, error)
	DidChangeConfiguration(ctx context.Context, settings map[string]interface{}) error
	TextDocumentDidOpen(ctx context.Context, params *protocol.DidOpenTextDocumentParams) error
	// Notify sends an arbitrary notification to the server.
	Notify(ctx context.Context, method string, params interface{}) error
	// Stop shuts the connection down.
	Stop(ctx context.Context) error
}

// ServerMessageHandler builds the jsonrpc2 handler that consumes traffic
// arriving from one server. Implemented by the message dispatcher.
type ServerMessageHandler interface {
	Handler(serverID entity.ServerID) jsonrpc2.Handler
}
