package entity

import (
	"sync"

	"github.com/gofrs/uuid"
)

// Trace correlates a command with every log line and side effect it causes.
// The orchestrator attaches it to its logger before processing a command.
type Trace struct {
	ID     uuid.UUID
	Method string
}

// NewTrace issues a trace handle for the given command method.
func NewTrace(method string) Trace {
	return Trace{ID: uuid.Must(uuid.NewV4()), Method: method}
}

// LogFields returns alternating key/value pairs for a sugared logger.
func (t Trace) LogFields() []interface{} {
	return []interface{}{"traceID", t.ID.String(), "method", t.Method}
}

// Result is the payload delivered on a command's one-shot reply channel.
type Result[T any] struct {
	Value T
	Err   error
}

// replySlot delivers at most one Result and never blocks. The channel is
// buffered so a caller that stopped waiting does not wedge the sender.
type replySlot[T any] struct {
	ch   chan Result[T]
	once sync.Once
}

func newReplySlot[T any]() *replySlot[T] {
	return &replySlot[T]{ch: make(chan Result[T], 1)}
}

func (r *replySlot[T]) deliver(value T, err error) {
	r.once.Do(func() {
		r.ch <- Result[T]{Value: value, Err: err}
	})
}

// Command is one unit of work for the orchestrator's processing loop.
// Every command carries a one-shot reply slot. Fail delivers an error reply
// if no reply has been sent yet, so the loop can guarantee exactly one reply
// per command even on internal failure.
type Command interface {
	Trace() Trace
	Fail(err error)
}

// DetectAndStartProjectCommand asks the orchestrator to detect the project at
// a workspace root and bring up its recommended servers. DocumentID names the
// file whose open triggered detection; it is used for file-mode fallback.
type DetectAndStartProjectCommand struct {
	WorkspaceRoot string
	DocumentID    DocumentID

	trace Trace
	reply *replySlot[struct{}]
}

// NewDetectAndStartProject builds the command and its reply channel.
func NewDetectAndStartProject(workspaceRoot string, docID DocumentID) (*DetectAndStartProjectCommand, <-chan Result[struct{}]) {
	c := &DetectAndStartProjectCommand{
		WorkspaceRoot: workspaceRoot,
		DocumentID:    docID,
		trace:         NewTrace("detectAndStartProject"),
		reply:         newReplySlot[struct{}](),
	}
	return c, c.reply.ch
}

// Trace returns the command's correlation handle.
func (c *DetectAndStartProjectCommand) Trace() Trace { return c.trace }

// Reply delivers the command outcome.
func (c *DetectAndStartProjectCommand) Reply(err error) { c.reply.deliver(struct{}{}, err) }

// Fail delivers an error reply if none has been sent.
func (c *DetectAndStartProjectCommand) Fail(err error) { c.Reply(err) }

// GetProjectStatusCommand reads the current project status for a workspace
// root. Pure read, no side effects.
type GetProjectStatusCommand struct {
	WorkspaceRoot string

	trace Trace
	reply *replySlot[ProjectStatus]
}

// NewGetProjectStatus builds the command and its reply channel.
func NewGetProjectStatus(workspaceRoot string) (*GetProjectStatusCommand, <-chan Result[ProjectStatus]) {
	c := &GetProjectStatusCommand{
		WorkspaceRoot: workspaceRoot,
		trace:         NewTrace("getProjectStatus"),
		reply:         newReplySlot[ProjectStatus](),
	}
	return c, c.reply.ch
}

// Trace returns the command's correlation handle.
func (c *GetProjectStatusCommand) Trace() Trace { return c.trace }

// Reply delivers the command outcome.
func (c *GetProjectStatusCommand) Reply(status ProjectStatus, err error) {
	c.reply.deliver(status, err)
}

// Fail delivers an error reply if none has been sent.
func (c *GetProjectStatusCommand) Fail(err error) { c.Reply(ProjectStatus{}, err) }

// StartServerCommand starts a named server for a workspace root.
type StartServerCommand struct {
	WorkspaceRoot string
	ServerName    string
	LanguageID    string

	trace Trace
	reply *replySlot[ServerStartResult]
}

// NewStartServer builds the command and its reply channel.
func NewStartServer(workspaceRoot string, serverName string, languageID string) (*StartServerCommand, <-chan Result[ServerStartResult]) {
	c := &StartServerCommand{
		WorkspaceRoot: workspaceRoot,
		ServerName:    serverName,
		LanguageID:    languageID,
		trace:         NewTrace("startServer"),
		reply:         newReplySlot[ServerStartResult](),
	}
	return c, c.reply.ch
}

// Trace returns the command's correlation handle.
func (c *StartServerCommand) Trace() Trace { return c.trace }

// Reply delivers the command outcome.
func (c *StartServerCommand) Reply(result ServerStartResult, err error) {
	c.reply.deliver(result, err)
}

// Fail delivers an error reply if none has been sent.
func (c *StartServerCommand) Fail(err error) { c.Reply(ServerStartResult{}, err) }

// StopServerCommand stops one running server.
type StopServerCommand struct {
	ServerID ServerID

	trace Trace
	reply *replySlot[struct{}]
}

// NewStopServer builds the command and its reply channel.
func NewStopServer(id ServerID) (*StopServerCommand, <-chan Result[struct{}]) {
	c := &StopServerCommand{
		ServerID: id,
		trace:    NewTrace("stopServer"),
		reply:    newReplySlot[struct{}](),
	}
	return c, c.reply.ch
}

// Trace returns the command's correlation handle.
func (c *StopServerCommand) Trace() Trace { return c.trace }

// Reply delivers the command outcome.
func (c *StopServerCommand) Reply(err error) { c.reply.deliver(struct{}{}, err) }

// Fail delivers an error reply if none has been sent.
func (c *StopServerCommand) Fail(err error) { c.Reply(err) }

// EnsureDocumentTrackedCommand asks the orchestrator to send didOpen for a
// document to a specific server if the server supports it.
type EnsureDocumentTrackedCommand struct {
	ServerID   ServerID
	DocumentID DocumentID

	trace Trace
	reply *replySlot[struct{}]
}

// NewEnsureDocumentTracked builds the command and its reply channel.
func NewEnsureDocumentTracked(id ServerID, docID DocumentID) (*EnsureDocumentTrackedCommand, <-chan Result[struct{}]) {
	c := &EnsureDocumentTrackedCommand{
		ServerID:   id,
		DocumentID: docID,
		trace:      NewTrace("ensureDocumentTracked"),
		reply:      newReplySlot[struct{}](),
	}
	return c, c.reply.ch
}

// Trace returns the command's correlation handle.
func (c *EnsureDocumentTrackedCommand) Trace() Trace { return c.trace }

// Reply delivers the command outcome.
func (c *EnsureDocumentTrackedCommand) Reply(err error) { c.reply.deliver(struct{}{}, err) }

// Fail delivers an error reply if none has been sent.
func (c *EnsureDocumentTrackedCommand) Fail(err error) { c.Reply(err) }

// RestartServersForWorkspaceChangeCommand restarts workspace servers after
// the project root moved, clearing the cached environment for the old root.
type RestartServersForWorkspaceChangeCommand struct {
	OldRoot string
	NewRoot string

	trace Trace
	reply *replySlot[struct{}]
}

// NewRestartServersForWorkspaceChange builds the command and its reply channel.
func NewRestartServersForWorkspaceChange(oldRoot string, newRoot string) (*RestartServersForWorkspaceChangeCommand, <-chan Result[struct{}]) {
	c := &RestartServersForWorkspaceChangeCommand{
		OldRoot: oldRoot,
		NewRoot: newRoot,
		trace:   NewTrace("restartServersForWorkspaceChange"),
		reply:   newReplySlot[struct{}](),
	}
	return c, c.reply.ch
}

// Trace returns the command's correlation handle.
func (c *RestartServersForWorkspaceChangeCommand) Trace() Trace { return c.trace }

// Reply delivers the command outcome.
func (c *RestartServersForWorkspaceChangeCommand) Reply(err error) {
	c.reply.deliver(struct{}{}, err)
}

// Fail delivers an error reply if none has been sent.
func (c *RestartServersForWorkspaceChangeCommand) Fail(err error) { c.Reply(err) }
