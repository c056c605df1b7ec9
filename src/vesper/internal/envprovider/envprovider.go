// Package envprovider resolves the process environment to use when spawning
// a language server for a given directory. Precedence: configured overrides,
// then the directory's login shell environment, then the current process
// environment.
package envprovider

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/vesper-editor/vesper/src/vesper/internal/executor"
	"github.com/vesper-editor/vesper/src/vesper/internal/fs"
	"go.uber.org/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

const (
	_configKey = "environment"

	_defaultShell          = "/bin/sh"
	_defaultCaptureTimeout = 5 * time.Second
	_defaultMaxCaptures    = 4
)

// Module is the Fx module for this package.
var Module = fx.Options(
	fx.Provide(New),
)

// Provider resolves per-directory environments with caching.
type Provider interface {
	// EnvironmentForDirectory returns the merged environment for dir. The
	// result is cached per canonicalized directory.
	EnvironmentForDirectory(ctx context.Context, dir string) (map[string]string, error)
	// ClearDirectoryCache drops the cached environment for dir.
	ClearDirectoryCache(dir string)
	// ClearAll drops all cached environments.
	ClearAll()
}

// Config is the environment section of the YAML config.
type Config struct {
	// Overrides take precedence over everything captured from the shell.
	Overrides map[string]string `yaml:"overrides"`
	// CaptureTimeoutMS bounds one login shell invocation.
	CaptureTimeoutMS int `yaml:"captureTimeoutMs"`
	// MaxConcurrentCaptures bounds simultaneous shell subprocesses.
	MaxConcurrentCaptures int64 `yaml:"maxConcurrentCaptures"`
}

// Params defines the dependencies of this package.
type Params struct {
	fx.In

	Config   config.Provider
	Logger   *zap.SugaredLogger
	Executor executor.Executor
	FS       fs.VesperFS
}

type provider struct {
	mu    sync.Mutex
	cache map[string]map[string]string

	sem            *semaphore.Weighted
	captureTimeout time.Duration
	overrides      map[string]string

	logger   *zap.SugaredLogger
	executor executor.Executor
	fs       fs.VesperFS
}

// New creates a Provider.
func New(p Params) (Provider, error) {
	var cfg Config
	if err := p.Config.Get(_configKey).Populate(&cfg); err != nil {
		return nil, fmt.Errorf("failed to read environment config: %w", err)
	}

	timeout := _defaultCaptureTimeout
	if cfg.CaptureTimeoutMS > 0 {
		timeout = time.Duration(cfg.CaptureTimeoutMS) * time.Millisecond
	}
	maxCaptures := cfg.MaxConcurrentCaptures
	if maxCaptures <= 0 {
		maxCaptures = _defaultMaxCaptures
	}

	return &provider{
		cache:          make(map[string]map[string]string),
		sem:            semaphore.NewWeighted(maxCaptures),
		captureTimeout: timeout,
		overrides:      cfg.Overrides,
		logger:         p.Logger.With("component", "envprovider"),
		executor:       p.Executor,
		fs:             p.FS,
	}, nil
}

// ProcessEnvironment returns the current process environment as a map. Used
// as the base layer and as the fallback when shell capture fails.
func ProcessEnvironment() map[string]string {
	env := make(map[string]string)
	for _, kv := range os.Environ() {
		if key, value, ok := strings.Cut(kv, "="); ok {
			env[key] = value
		}
	}
	return env
}

// EnvironmentForDirectory returns the merged environment for dir.
func (p *provider) EnvironmentForDirectory(ctx context.Context, dir string) (map[string]string, error) {
	key, err := p.fs.Canonicalize(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to canonicalize %q: %w", dir, err)
	}

	p.mu.Lock()
	if cached, ok := p.cache[key]; ok {
		p.mu.Unlock()
		return cached, nil
	}
	p.mu.Unlock()

	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer p.sem.Release(1)

	// Another caller may have populated the cache while we waited.
	p.mu.Lock()
	if cached, ok := p.cache[key]; ok {
		p.mu.Unlock()
		return cached, nil
	}
	p.mu.Unlock()

	env := ProcessEnvironment()
	shellEnv, err := p.captureShellEnvironment(ctx, key)
	if err != nil {
		p.logger.Warnw("shell environment capture failed, using process environment", "dir", key, "error", err)
	} else {
		for k, v := range shellEnv {
			env[k] = v
		}
	}
	for k, v := range p.overrides {
		env[k] = v
	}

	p.mu.Lock()
	p.cache[key] = env
	p.mu.Unlock()
	return env, nil
}

// ClearDirectoryCache drops the cached environment for dir.
func (p *provider) ClearDirectoryCache(dir string) {
	key, err := p.fs.Canonicalize(dir)
	if err != nil {
		// The directory may no longer exist. Drop the raw key too.
		key = dir
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.cache, key)
	delete(p.cache, dir)
}

// ClearAll drops all cached environments.
func (p *provider) ClearAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cache = make(map[string]map[string]string)
}

// captureShellEnvironment runs the user's login shell in dir and parses its
// printed environment.
func (p *provider) captureShellEnvironment(ctx context.Context, dir string) (map[string]string, error) {
	shell := os.Getenv("SHELL")
	if shell == "" {
		shell = _defaultShell
	}

	ctx, cancel := context.WithTimeout(ctx, p.captureTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, shell, "-l", "-c", "env")
	cmd.Dir = dir
	stdout, stderr, exitCode, err := p.executor.Run(cmd)
	if err != nil {
		return nil, fmt.Errorf("shell exited with code %d: %w (stderr: %s)", exitCode, err, strings.TrimSpace(stderr))
	}

	env := make(map[string]string)
	for _, line := range strings.Split(stdout, "\n") {
		if key, value, ok := strings.Cut(line, "="); ok && key != "" {
			env[key] = value
		}
	}
	if len(env) == 0 {
		return nil, fmt.Errorf("shell produced no environment output")
	}
	return env, nil
}
