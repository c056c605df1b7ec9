package executor

import (
	"bytes"
	"os/exec"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Module provides a module to inject using fx.
var Module = fx.Options(
	fx.Supply(
		fx.Annotate(New(), fx.As(new(Executor))),
	),
)

// Executor wraps the execution of "os/exec".Cmd's so calls can be logged and
// substituted in tests.
type Executor interface {
	// Run executes the Cmd and returns its captured output.
	Run(cmd *exec.Cmd) (stdout string, stderr string, exitCode int, err error)
}

type executorImpl struct {
	logger *zap.SugaredLogger
	// execFunc may be overridden in tests.
	execFunc func(cmd *exec.Cmd) error
}

// Option customizes executor behavior.
type Option func(*executorImpl)

// WithLogger overrides the default noop logger.
func WithLogger(logger *zap.SugaredLogger) Option {
	return func(e *executorImpl) {
		e.logger = logger
	}
}

// WithExecFunc provides customized exec behavior.
func WithExecFunc(execFunc func(cmd *exec.Cmd) error) Option {
	return func(e *executorImpl) {
		e.execFunc = execFunc
	}
}

// New creates an Executor.
func New(opts ...Option) Executor {
	e := &executorImpl{
		logger:   zap.NewNop().Sugar(),
		execFunc: func(cmd *exec.Cmd) error { return cmd.Run() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run executes the Cmd with its Stdout/Stderr redirected into buffers.
func (e *executorImpl) Run(cmd *exec.Cmd) (string, string, int, error) {
	e.logger.Debugw("exec", "path", cmd.Path, "dir", cmd.Dir, "args", cmd.Args[1:])

	var stdoutB, stderrB bytes.Buffer
	cmd.Stdout = &stdoutB
	cmd.Stderr = &stderrB
	err := e.execFunc(cmd)

	exitCode := 0
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}
	return stdoutB.String(), stderrB.String(), exitCode, err
}
