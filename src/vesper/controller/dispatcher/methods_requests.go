package dispatcher

import (
	"context"
	"fmt"

	"github.com/vesper-editor/vesper/src/vesper/entity"
	"github.com/vesper-editor/vesper/src/vesper/mapper"
	"go.lsp.dev/jsonrpc2"
	"go.lsp.dev/protocol"
)

// WorkDoneProgressCreate registers a progress token for the server.
func (c *controller) WorkDoneProgressCreate(ctx context.Context, serverID entity.ServerID, reply jsonrpc2.Replier, req jsonrpc2.Request) error {
	params, err := mapper.RequestToWorkDoneProgressCreateParams(req)
	if err != nil {
		return reply(ctx, nil, err)
	}

	c.mu.Lock()
	c.tokens[entity.ProgressKey(serverID, params.Token.String())] = struct{}{}
	c.mu.Unlock()
	return reply(ctx, nil, nil)
}

// ApplyWorkspaceEdit applies a server-requested edit. Edits from a server
// that has not completed initialize are rejected, never silently dropped.
func (c *controller) ApplyWorkspaceEdit(ctx context.Context, serverID entity.ServerID, reply jsonrpc2.Replier, req jsonrpc2.Request) error {
	params, err := mapper.RequestToApplyWorkspaceEditParams(req)
	if err != nil {
		return reply(ctx, nil, err)
	}

	client, ok := c.client(serverID)
	if !ok || !client.IsInitialized() {
		return reply(ctx, nil, fmt.Errorf("%w: server %s is not initialized", jsonrpc2.ErrInvalidRequest, serverID))
	}

	applied, err := c.editor.ApplyEdit(ctx, params.Edit)
	if err != nil {
		return reply(ctx, nil, fmt.Errorf("%w: %s", jsonrpc2.ErrInternal, err))
	}
	return reply(ctx, &protocol.ApplyWorkspaceEditResponse{Applied: applied}, nil)
}

// WorkspaceFolders answers with the folders the server was launched with.
func (c *controller) WorkspaceFolders(ctx context.Context, serverID entity.ServerID, reply jsonrpc2.Replier, req jsonrpc2.Request) error {
	client, ok := c.client(serverID)
	if !ok {
		return reply(ctx, nil, fmt.Errorf("%w: unknown server %s", jsonrpc2.ErrInvalidRequest, serverID))
	}
	folders, err := client.WorkspaceFolders(ctx)
	if err != nil {
		return reply(ctx, nil, err)
	}
	return reply(ctx, folders, nil)
}

// WorkspaceConfiguration walks the dotted section path of each requested
// item through the server's configured settings. Missing sections yield
// null, not an error.
func (c *controller) WorkspaceConfiguration(ctx context.Context, serverID entity.ServerID, reply jsonrpc2.Replier, req jsonrpc2.Request) error {
	params, err := mapper.RequestToConfigurationParams(req)
	if err != nil {
		return reply(ctx, nil, err)
	}

	settings := c.settingsFor(serverID)
	results := make([]interface{}, len(params.Items))
	for i, item := range params.Items {
		if value, ok := mapper.ConfigSectionValue(settings, item.Section); ok {
			results[i] = value
		}
	}
	return reply(ctx, results, nil)
}

// RegisterCapability wires workspace/didChangeWatchedFiles registrations to
// the file-watch subsystem. Every other dynamic registration is acknowledged
// with success and otherwise ignored, so servers that assume registration
// always succeeds keep working.
func (c *controller) RegisterCapability(ctx context.Context, serverID entity.ServerID, reply jsonrpc2.Replier, req jsonrpc2.Request) error {
	params, err := mapper.RequestToRegistrationParams(req)
	if err != nil {
		return reply(ctx, nil, err)
	}

	for _, reg := range params.Registrations {
		if reg.Method != protocol.MethodWorkspaceDidChangeWatchedFiles {
			c.logger.Debugw("dynamic registration acknowledged without effect", "serverID", serverID, "method", reg.Method)
			continue
		}
		watchers, err := mapper.RegistrationToWatchers(reg)
		if err != nil {
			return reply(ctx, nil, err)
		}
		if err := c.watcher.Register(serverID, reg.ID, watchers); err != nil {
			c.logger.Warnw("watch registration failed", "serverID", serverID, "registrationID", reg.ID, "error", err)
		}
	}
	return reply(ctx, nil, nil)
}

// UnregisterCapability removes watched-files registrations; everything else
// is acknowledged and ignored.
func (c *controller) UnregisterCapability(ctx context.Context, serverID entity.ServerID, reply jsonrpc2.Replier, req jsonrpc2.Request) error {
	params, err := mapper.RequestToUnregistrationParams(req)
	if err != nil {
		return reply(ctx, nil, err)
	}

	for _, unreg := range params.Unregisterations {
		if unreg.Method != protocol.MethodWorkspaceDidChangeWatchedFiles {
			continue
		}
		if err := c.watcher.Unregister(serverID, unreg.ID); err != nil {
			c.logger.Warnw("watch unregistration failed", "serverID", serverID, "registrationID", unreg.ID, "error", err)
		}
	}
	return reply(ctx, nil, nil)
}

// ShowDocument is acknowledged without opening anything.
func (c *controller) ShowDocument(ctx context.Context, serverID entity.ServerID, reply jsonrpc2.Replier, req jsonrpc2.Request) error {
	if _, err := mapper.RequestToShowDocumentParams(req); err != nil {
		return reply(ctx, nil, err)
	}
	return reply(ctx, &protocol.ShowDocumentResult{Success: true}, nil)
}
