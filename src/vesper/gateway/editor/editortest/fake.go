// Package editortest provides scripted fakes for the editor boundary.
package editortest

import (
	"context"
	"sync"

	"github.com/vesper-editor/vesper/src/vesper/entity"
	"github.com/vesper-editor/vesper/src/vesper/gateway/editor"
	"go.lsp.dev/protocol"
)

// FakeClient is a scripted editor.Client that records traffic.
type FakeClient struct {
	mu sync.Mutex

	ServerID    entity.ServerID
	ServerName  string
	Initialized bool
	Caps        map[string]interface{}
	Folders     []protocol.WorkspaceFolder

	StopErr error

	didOpen       []*protocol.DidOpenTextDocumentParams
	notifications []Notification
	settings      []map[string]interface{}
	stopped       bool
}

// Notification is one recorded Notify call.
type Notification struct {
	Method string
	Params interface{}
}

// NewFakeClient builds an initialized client with a fresh id.
func NewFakeClient(name string) *FakeClient {
	return &FakeClient{
		ServerID:    entity.NewServerID(),
		ServerName:  name,
		Initialized: true,
	}
}

// ID returns the server id.
func (c *FakeClient) ID() entity.ServerID { return c.ServerID }

// Name returns the server name.
func (c *FakeClient) Name() string { return c.ServerName }

// IsInitialized reports the scripted initialization state.
func (c *FakeClient) IsInitialized() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Initialized
}

// Capabilities returns the scripted capabilities.
func (c *FakeClient) Capabilities() map[string]interface{} { return c.Caps }

// WorkspaceFolders returns the scripted folders.
func (c *FakeClient) WorkspaceFolders(ctx context.Context) ([]protocol.WorkspaceFolder, error) {
	return c.Folders, nil
}

// DidChangeConfiguration records the pushed settings.
func (c *FakeClient) DidChangeConfiguration(ctx context.Context, settings map[string]interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.settings = append(c.settings, settings)
	return nil
}

// TextDocumentDidOpen records the announced document.
func (c *FakeClient) TextDocumentDidOpen(ctx context.Context, params *protocol.DidOpenTextDocumentParams) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.didOpen = append(c.didOpen, params)
	return nil
}

// Notify records the notification.
func (c *FakeClient) Notify(ctx context.Context, method string, params interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notifications = append(c.notifications, Notification{Method: method, Params: params})
	return nil
}

// Stop records the shutdown.
func (c *FakeClient) Stop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
	c.Initialized = false
	return c.StopErr
}

// DidOpenCalls returns the recorded didOpen params.
func (c *FakeClient) DidOpenCalls() []*protocol.DidOpenTextDocumentParams {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*protocol.DidOpenTextDocumentParams(nil), c.didOpen...)
}

// Notifications returns the recorded Notify calls.
func (c *FakeClient) Notifications() []Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Notification(nil), c.notifications...)
}

// ConfigurationPushes returns the recorded settings pushes.
func (c *FakeClient) ConfigurationPushes() []map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]map[string]interface{}(nil), c.settings...)
}

// Stopped reports whether Stop was called.
func (c *FakeClient) Stopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}

// FakeRegistry is a scripted editor.Registry.
type FakeRegistry struct {
	mu sync.Mutex

	// LaunchFunc scripts Launch behavior. When nil, Launch returns a fresh
	// initialized FakeClient named after the configuration.
	LaunchFunc func(ctx context.Context, cfg entity.LanguageConfig, workspaceRoot string, env map[string]string) ([]editor.LaunchResult, error)

	clients  map[entity.ServerID]editor.Client
	launches int
}

// NewFakeRegistry builds an empty registry.
func NewFakeRegistry() *FakeRegistry {
	return &FakeRegistry{clients: make(map[entity.ServerID]editor.Client)}
}

// Launch runs the scripted launch and tracks returned clients.
func (r *FakeRegistry) Launch(ctx context.Context, cfg entity.LanguageConfig, workspaceRoot string, env map[string]string) ([]editor.LaunchResult, error) {
	r.mu.Lock()
	r.launches++
	fn := r.LaunchFunc
	r.mu.Unlock()

	var results []editor.LaunchResult
	var err error
	if fn != nil {
		results, err = fn(ctx, cfg, workspaceRoot, env)
	} else {
		results = []editor.LaunchResult{{Name: cfg.Name, Client: NewFakeClient(cfg.Name)}}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, res := range results {
		if res.Client != nil {
			r.clients[res.Client.ID()] = res.Client
		}
	}
	return results, err
}

// Add registers an existing client, as if it had been launched.
func (r *FakeRegistry) Add(c editor.Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[c.ID()] = c
}

// GetByID returns a tracked client.
func (r *FakeRegistry) GetByID(id entity.ServerID) (editor.Client, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[id]
	return c, ok
}

// RemoveByID stops and forgets a tracked client.
func (r *FakeRegistry) RemoveByID(ctx context.Context, id entity.ServerID) error {
	r.mu.Lock()
	c, ok := r.clients[id]
	delete(r.clients, id)
	r.mu.Unlock()

	if !ok {
		return nil
	}
	return c.Stop(ctx)
}

// Clients returns all tracked clients.
func (r *FakeRegistry) Clients() []editor.Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]editor.Client, 0, len(r.clients))
	for _, c := range r.clients {
		out = append(out, c)
	}
	return out
}

// LaunchCount returns how many times Launch was called.
func (r *FakeRegistry) LaunchCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.launches
}
