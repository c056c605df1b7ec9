// Package registry runs language-server processes and their jsonrpc2
// connections. It implements the editor.Registry boundary.
package registry

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"

	tally "github.com/uber-go/tally/v4"
	"github.com/vesper-editor/vesper/src/vesper/entity"
	"github.com/vesper-editor/vesper/src/vesper/event/lspevent"
	"github.com/vesper-editor/vesper/src/vesper/gateway/editor"
	"go.lsp.dev/jsonrpc2"
	"go.uber.org/fx"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Module is the Fx module for this package.
var Module = fx.Options(
	fx.Provide(New),
)

// Params defines the dependencies of this package.
type Params struct {
	fx.In

	Logger    *zap.SugaredLogger
	ZapLogger *zap.Logger
	Stats     tally.Scope
	Bus       lspevent.Bus
	Handler   editor.ServerMessageHandler
}

type registry struct {
	mu      sync.Mutex
	clients map[entity.ServerID]*client

	logger    *zap.SugaredLogger
	zapLogger *zap.Logger
	stats     tally.Scope
	bus       lspevent.Bus
	handler   editor.ServerMessageHandler
}

// New creates a Registry.
func New(p Params) editor.Registry {
	return &registry{
		clients:   make(map[entity.ServerID]*client),
		logger:    p.Logger.With("component", "registry"),
		zapLogger: p.ZapLogger,
		stats:     p.Stats.SubScope("registry"),
		bus:       p.Bus,
		handler:   p.Handler,
	}
}

// Launch spawns the server process for a language configuration and performs
// the initialize handshake.
func (r *registry) Launch(ctx context.Context, cfg entity.LanguageConfig, workspaceRoot string, env map[string]string) ([]editor.LaunchResult, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("language configuration %q has no command", cfg.Name)
	}

	id := entity.NewServerID()
	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Dir = workspaceRoot
	cmd.Env = flattenEnv(env)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return []editor.LaunchResult{{Name: cfg.Name, Err: err}}, nil
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return []editor.LaunchResult{{Name: cfg.Name, Err: err}}, nil
	}
	if err := cmd.Start(); err != nil {
		return []editor.LaunchResult{{Name: cfg.Name, Err: fmt.Errorf("spawning %q: %w", cfg.Command, err)}}, nil
	}

	stream := jsonrpc2.NewStream(&pipeReadWriteCloser{reader: stdout, writer: stdin})
	conn := jsonrpc2.NewConn(stream)
	conn.Go(ctx, r.handler.Handler(id))

	c := newClient(id, cfg, conn, cmd, workspaceRoot, r.zapLogger)
	if err := c.initialize(ctx); err != nil {
		conn.Close()
		cmd.Process.Kill()
		// The exit watcher only runs for registered clients, so the killed
		// process must be reaped here.
		cmd.Wait()
		return []editor.LaunchResult{{Name: cfg.Name, Err: fmt.Errorf("initializing %q: %w", cfg.Name, err)}}, nil
	}

	r.mu.Lock()
	r.clients[id] = c
	r.stats.Gauge("running_servers").Update(float64(len(r.clients)))
	r.mu.Unlock()

	go r.watchExit(c)

	r.logger.Infow("language server launched", "server", cfg.Name, "serverID", id, "workspaceRoot", workspaceRoot)
	return []editor.LaunchResult{{Name: cfg.Name, Client: c}}, nil
}

// watchExit publishes a ServerExited event when the connection dies, whether
// through Stop or a process crash.
func (r *registry) watchExit(c *client) {
	<-c.conn.Done()
	c.cmd.Wait()

	r.mu.Lock()
	_, known := r.clients[c.id]
	delete(r.clients, c.id)
	r.stats.Gauge("running_servers").Update(float64(len(r.clients)))
	r.mu.Unlock()

	if known {
		r.logger.Infow("language server exited", "server", c.name, "serverID", c.id)
		r.bus.Publish(lspevent.ServerExited{ServerID: c.id})
	}
}

// GetByID returns a running client.
func (r *registry) GetByID(id entity.ServerID) (editor.Client, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.clients[id]
	return c, ok
}

// RemoveByID stops and forgets a client.
func (r *registry) RemoveByID(ctx context.Context, id entity.ServerID) error {
	r.mu.Lock()
	c, ok := r.clients[id]
	delete(r.clients, id)
	r.stats.Gauge("running_servers").Update(float64(len(r.clients)))
	r.mu.Unlock()

	if !ok {
		return nil
	}
	return c.Stop(ctx)
}

// Clients returns all running clients.
func (r *registry) Clients() []editor.Client {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]editor.Client, 0, len(r.clients))
	for _, c := range r.clients {
		out = append(out, c)
	}
	return out
}

func flattenEnv(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

// pipeReadWriteCloser joins the child's stdout and stdin into the single
// stream jsonrpc2 expects.
type pipeReadWriteCloser struct {
	reader io.ReadCloser
	writer io.WriteCloser
}

func (p *pipeReadWriteCloser) Read(b []byte) (int, error)  { return p.reader.Read(b) }
func (p *pipeReadWriteCloser) Write(b []byte) (int, error) { return p.writer.Write(b) }

func (p *pipeReadWriteCloser) Close() error {
	return multierr.Append(p.reader.Close(), p.writer.Close())
}
