// Package orchestrator is the single authority deciding whether and how a
// language server gets started for a file or workspace. Commands arrive on a
// single-consumer channel and are processed strictly in send order; every
// command receives exactly one reply.
package orchestrator

import (
	"context"
	"sync"
	"time"

	tally "github.com/uber-go/tally/v4"
	"github.com/vesper-editor/vesper/src/vesper/entity"
	"github.com/vesper-editor/vesper/src/vesper/event/lspevent"
	"github.com/vesper-editor/vesper/src/vesper/gateway/editor"
	"github.com/vesper-editor/vesper/src/vesper/internal/envprovider"
	"github.com/vesper-editor/vesper/src/vesper/internal/errors"
	"github.com/vesper-editor/vesper/src/vesper/internal/fs"
	"github.com/vesper-editor/vesper/src/vesper/internal/registrybridge"
	"go.uber.org/config"
	"go.uber.org/fx"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	_configKeyOrchestrator    = "orchestrator"
	_configKeyLanguageServers = "languageServers"

	_commandBuffer         = 64
	_defaultStartupTimeout = 5 * time.Second
)

// Module is the Fx module for this package.
var Module = fx.Options(
	fx.Provide(New),
)

// Controller owns the project and server lifecycle.
type Controller interface {
	// Start begins consuming the command channel. A second call reports
	// ErrAlreadyStarted and does not add another consumer.
	Start(ctx context.Context) error
	// Stop drains outstanding commands, stops consumption, and shuts down
	// every managed server.
	Stop(ctx context.Context) error
	// Submit enqueues a command for the processing loop. A command submitted
	// after Stop is failed with ErrStopped so its reply channel still fires.
	Submit(cmd entity.Command) error
	// GetProjectInfo is a pure read of the detected project for a root.
	GetProjectInfo(workspaceRoot string) (entity.ProjectInfo, bool)
}

// Config is the orchestrator section of the YAML config.
type Config struct {
	// ProjectStartupEnabled turns on project-wide server startup when a
	// project root is detected.
	ProjectStartupEnabled bool `yaml:"projectStartupEnabled"`
	// StartupTimeoutMS bounds project-mode startup before falling back.
	StartupTimeoutMS int `yaml:"startupTimeoutMs"`
	// FallbackEnabled permits single-file startup when project mode is off,
	// detection found nothing, or project startup timed out.
	FallbackEnabled bool `yaml:"fallbackEnabled"`
	// HealthCheckIntervalMS is the background health probe period. Zero
	// disables the probe.
	HealthCheckIntervalMS int `yaml:"healthCheckIntervalMs"`
	// ProjectMarkers overrides the builtin manifest marker table.
	ProjectMarkers []entity.ProjectMarker `yaml:"projectMarkers"`
}

// Params defines the dependencies of this package.
type Params struct {
	fx.In

	Config    config.Provider
	Logger    *zap.SugaredLogger
	Stats     tally.Scope
	Lifecycle fx.Lifecycle
	FS        fs.VesperFS
	Bridge    registrybridge.Bridge
	Editor    editor.Editor
	Env       envprovider.Provider
	Bus       lspevent.Bus
}

type controller struct {
	mu       sync.Mutex
	started  bool
	stopped  bool
	quit     chan struct{}
	commands chan entity.Command
	wg       sync.WaitGroup

	// projects and managed are guarded by mu: the loop goroutine writes them,
	// late-completing startup goroutines and public reads also touch them.
	projects map[string]entity.ProjectInfo
	managed  map[entity.ServerID]entity.ManagedServer

	cfg            Config
	startupTimeout time.Duration
	healthInterval time.Duration
	markers        []entity.ProjectMarker

	configs entity.LanguageConfigs
	bridge  registrybridge.Bridge
	editor  editor.Editor
	env     envprovider.Provider
	fs      fs.VesperFS
	bus     lspevent.Bus
	logger  *zap.SugaredLogger
	stats   tally.Scope
}

// New creates a Controller and ties it to the application lifecycle.
func New(p Params) (Controller, error) {
	var cfg Config
	if err := p.Config.Get(_configKeyOrchestrator).Populate(&cfg); err != nil {
		return nil, &errors.ConfigurationError{Detail: "failed to read orchestrator config: " + err.Error()}
	}
	var configs entity.LanguageConfigs
	if err := p.Config.Get(_configKeyLanguageServers).Populate(&configs); err != nil {
		return nil, &errors.ConfigurationError{Detail: "failed to read language server config: " + err.Error()}
	}

	timeout := _defaultStartupTimeout
	if cfg.StartupTimeoutMS > 0 {
		timeout = time.Duration(cfg.StartupTimeoutMS) * time.Millisecond
	}

	markers := entity.BuiltinMarkers()
	if len(cfg.ProjectMarkers) > 0 {
		markers = cfg.ProjectMarkers
	}

	c := &controller{
		commands:       make(chan entity.Command, _commandBuffer),
		projects:       make(map[string]entity.ProjectInfo),
		managed:        make(map[entity.ServerID]entity.ManagedServer),
		cfg:            cfg,
		startupTimeout: timeout,
		healthInterval: time.Duration(cfg.HealthCheckIntervalMS) * time.Millisecond,
		markers:        entity.SortMarkers(markers),
		configs:        configs,
		bridge:         p.Bridge,
		editor:         p.Editor,
		env:            p.Env,
		fs:             p.FS,
		bus:            p.Bus,
		logger:         p.Logger.With("component", "orchestrator"),
		stats:          p.Stats.SubScope("orchestrator"),
	}

	p.Lifecycle.Append(fx.Hook{
		OnStart: c.Start,
		OnStop:  c.Stop,
	})
	return c, nil
}

// Start begins consuming the command channel.
func (c *controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		return errors.ErrAlreadyStarted
	}
	c.started = true
	c.quit = make(chan struct{})

	c.wg.Add(1)
	go c.run()
	if c.healthInterval > 0 {
		c.wg.Add(1)
		go c.healthLoop()
	}
	c.logger.Infow("orchestrator started", "healthCheckInterval", c.healthInterval.String())
	return nil
}

// Stop drains outstanding commands and shuts down every managed server.
func (c *controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	if !c.started || c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	close(c.quit)
	c.mu.Unlock()

	c.wg.Wait()

	// Submit enqueues under mu, so once it is held here nothing further can
	// land in the channel and this drain is final. Commands that slipped in
	// while the loop was shutting down still get their reply.
	c.mu.Lock()
	for {
		select {
		case cmd := <-c.commands:
			cmd.Fail(errors.ErrStopped)
			continue
		default:
		}
		break
	}

	ids := make([]entity.ServerID, 0, len(c.managed))
	for id := range c.managed {
		ids = append(ids, id)
	}
	c.managed = make(map[entity.ServerID]entity.ManagedServer)
	c.mu.Unlock()

	var errs error
	for _, id := range ids {
		errs = multierr.Append(errs, c.bridge.StopServer(ctx, id))
	}
	c.logger.Infow("orchestrator stopped", "serversStopped", len(ids))
	return errs
}

// Submit enqueues a command for the processing loop. The stopped check and
// the enqueue share one lock acquisition so a send cannot interleave after
// Stop's final drain; any refused command is failed, so its reply fires.
func (c *controller) Submit(cmd entity.Command) error {
	c.mu.Lock()
	if !c.started || c.stopped {
		c.mu.Unlock()
		cmd.Fail(errors.ErrStopped)
		return errors.ErrStopped
	}
	select {
	case c.commands <- cmd:
		c.mu.Unlock()
		return nil
	default:
	}
	c.mu.Unlock()

	// A full buffer is refused rather than waited on: a blocking send under
	// mu would deadlock against handlers that take it.
	cmd.Fail(errors.ErrStopped)
	return errors.ErrStopped
}

// GetProjectInfo is a pure read of the detected project for a root.
func (c *controller) GetProjectInfo(workspaceRoot string) (entity.ProjectInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	info, ok := c.projects[workspaceRoot]
	return info, ok
}

func (c *controller) run() {
	defer c.wg.Done()
	for {
		select {
		case <-c.quit:
			c.drain()
			return
		case cmd := <-c.commands:
			c.process(cmd)
		}
	}
}

// drain finishes commands already enqueued when Stop was requested.
func (c *controller) drain() {
	for {
		select {
		case cmd := <-c.commands:
			c.process(cmd)
		default:
			return
		}
	}
}

// process runs one command. The deferred Fail delivers an error reply when a
// handler returned, or panicked, without replying; a handler that already
// replied makes it a no-op. This is what guarantees exactly one reply per
// command.
func (c *controller) process(cmd entity.Command) {
	log := c.logger.With(cmd.Trace().LogFields()...)
	defer func() {
		if r := recover(); r != nil {
			log.Errorw("panic while processing command", "panic", r)
		}
		cmd.Fail(&errors.InternalError{Detail: "command ended without a reply"})
	}()

	sw := c.stats.Tagged(map[string]string{"method": cmd.Trace().Method}).Timer("command").Start()
	defer sw.Stop()

	switch cmd := cmd.(type) {
	case *entity.DetectAndStartProjectCommand:
		c.handleDetectAndStartProject(log, cmd)
	case *entity.GetProjectStatusCommand:
		c.handleGetProjectStatus(cmd)
	case *entity.StartServerCommand:
		c.handleStartServer(log, cmd)
	case *entity.StopServerCommand:
		c.handleStopServer(log, cmd)
	case *entity.EnsureDocumentTrackedCommand:
		c.handleEnsureDocumentTracked(cmd)
	case *entity.RestartServersForWorkspaceChangeCommand:
		c.handleRestartForWorkspaceChange(log, cmd)
	default:
		log.Errorw("unknown command type")
	}
}

func (c *controller) healthLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.healthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.quit:
			return
		case <-ticker.C:
			c.checkHealth()
		}
	}
}

// checkHealth probes every managed server and publishes the result. The
// domain event handler, not this loop, owns the authoritative health map.
func (c *controller) checkHealth() {
	c.mu.Lock()
	servers := make([]entity.ManagedServer, 0, len(c.managed))
	for _, m := range c.managed {
		servers = append(servers, m)
	}
	c.mu.Unlock()

	now := time.Now()
	for _, m := range servers {
		health := entity.HealthUnhealthy
		if c.bridge.IsServerReady(m.ServerID) {
			health = entity.HealthHealthy
		}

		c.mu.Lock()
		if cur, ok := c.managed[m.ServerID]; ok {
			cur.Health = health
			cur.LastHealthCheck = now
			c.managed[m.ServerID] = cur
		}
		c.mu.Unlock()

		c.bus.Publish(lspevent.HealthCheckCompleted{ServerID: m.ServerID, Health: health})
	}
	c.stats.Gauge("managed_servers").Update(float64(len(servers)))
}

func (c *controller) recordManaged(id entity.ServerID, name string, languageID string, root string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.managed[id] = entity.ManagedServer{
		ServerID:      id,
		ServerName:    name,
		LanguageID:    languageID,
		WorkspaceRoot: root,
		StartedAt:     time.Now(),
		Health:        entity.HealthStarting,
	}
}

func (c *controller) forgetManaged(id entity.ServerID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.managed, id)
}
