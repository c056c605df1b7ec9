// Package lspevent defines the domain events emitted by the LSP
// orchestration components and the bus that fans them out to consumers.
package lspevent

import (
	"github.com/vesper-editor/vesper/src/vesper/entity"
)

// Event is implemented by every domain event. Kind is a stable name used in
// logs and metrics.
type Event interface {
	Kind() string
}

// ServerStartupRequested is emitted when the orchestrator asks the registry
// bridge to start a server.
type ServerStartupRequested struct {
	WorkspaceRoot string
	ServerName    string
	LanguageID    string
}

// Kind returns the event name.
func (ServerStartupRequested) Kind() string { return "server.startup.requested" }

// ServerStartupCompleted reports the outcome of a startup request. On
// failure ServerID is entity.InvalidServerID and Err is set.
type ServerStartupCompleted struct {
	ServerID      entity.ServerID
	ServerName    string
	LanguageID    string
	WorkspaceRoot string
	StartupTimeMS int64
	Err           error
}

// Kind returns the event name.
func (ServerStartupCompleted) Kind() string { return "server.startup.completed" }

// Failed reports whether the startup failed.
func (e ServerStartupCompleted) Failed() bool { return e.Err != nil }

// ServerInitialized is emitted once a server completed the initialize
// handshake and is ready for traffic.
type ServerInitialized struct {
	ServerID      entity.ServerID
	ServerName    string
	LanguageIDs   []string
	WorkspaceRoot string
	StartupTimeMS int64
}

// Kind returns the event name.
func (ServerInitialized) Kind() string { return "server.initialized" }

// ServerExited is emitted when a server process exits for any reason.
type ServerExited struct {
	ServerID entity.ServerID
}

// Kind returns the event name.
func (ServerExited) Kind() string { return "server.exited" }

// ServerError reports a server-level error. Fatal errors mark the server
// unhealthy; they do not restart it.
type ServerError struct {
	ServerID entity.ServerID
	Message  string
	Fatal    bool
}

// Kind returns the event name.
func (ServerError) Kind() string { return "server.error" }

// ServerRestarted is emitted when a server has been explicitly restarted.
// DowntimeMS covers the window between the old instance exiting and the new
// one completing initialize.
type ServerRestarted struct {
	OldServerID entity.ServerID
	NewServerID entity.ServerID
	ServerName  string
	DowntimeMS  int64
}

// Kind returns the event name.
func (ServerRestarted) Kind() string { return "server.restarted" }

// HealthCheckCompleted reports the result of one background health probe.
type HealthCheckCompleted struct {
	ServerID entity.ServerID
	Health   entity.ServerHealth
}

// Kind returns the event name.
func (HealthCheckCompleted) Kind() string { return "server.healthcheck.completed" }

// ProjectDetected is emitted after successful project detection.
type ProjectDetected struct {
	WorkspaceRoot string
	ProjectType   entity.ProjectType
	Servers       []string
}

// Kind returns the event name.
func (ProjectDetected) Kind() string { return "project.detected" }

// ProjectServersReady is emitted once every recommended server for a
// workspace has completed startup, successfully or not.
type ProjectServersReady struct {
	WorkspaceRoot string
}

// Kind returns the event name.
func (ProjectServersReady) Kind() string { return "project.servers.ready" }

// ProgressStarted begins one long-running server operation.
type ProgressStarted struct {
	ServerID entity.ServerID
	Token    string
	Title    string
}

// Kind returns the event name.
func (ProgressStarted) Kind() string { return "progress.started" }

// ProgressUpdated updates an operation in place. HasMessage and
// HasPercentage distinguish absent fields from zero values.
type ProgressUpdated struct {
	ServerID      entity.ServerID
	Token         string
	Message       string
	Percentage    int
	HasMessage    bool
	HasPercentage bool
}

// Kind returns the event name.
func (ProgressUpdated) Kind() string { return "progress.updated" }

// ProgressCompleted ends one operation.
type ProgressCompleted struct {
	ServerID entity.ServerID
	Token    string
}

// Kind returns the event name.
func (ProgressCompleted) Kind() string { return "progress.completed" }
