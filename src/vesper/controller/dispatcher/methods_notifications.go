package dispatcher

import (
	"context"
	"fmt"
	"strings"

	"github.com/vesper-editor/vesper/src/vesper/entity"
	"github.com/vesper-editor/vesper/src/vesper/event/lspevent"
	"github.com/vesper-editor/vesper/src/vesper/internal/diagnostics"
	"github.com/vesper-editor/vesper/src/vesper/mapper"
	"go.lsp.dev/jsonrpc2"
)

// PublishDiagnostics merges one server's published diagnostics into the
// per-file index and pushes the recomputed view to the document.
func (c *controller) PublishDiagnostics(ctx context.Context, serverID entity.ServerID, reply jsonrpc2.Replier, req jsonrpc2.Request) error {
	params, hasVersion, err := mapper.RequestToPublishDiagnosticsParams(req)
	if err != nil {
		return reply(ctx, nil, err)
	}

	if !strings.HasPrefix(string(params.URI), "file://") {
		c.logger.Warnw("unsupported URI scheme in diagnostics, dropping", "serverID", serverID, "uri", params.URI)
		c.stats.Counter("diagnostics_rejected").Inc(1)
		return reply(ctx, nil, nil)
	}

	apply := diagnostics.ApplyParams{
		URI:               params.URI,
		ServerID:          serverID,
		Version:           int32(params.Version),
		HasVersion:        hasVersion,
		Diagnostics:       params.Diagnostics,
		PersistentSources: c.persistentSources(serverID),
	}
	doc, hasDoc := c.editor.DocumentByURI(params.URI)
	if hasDoc {
		apply.DocumentVersion = doc.Version()
		apply.HasDocument = true
	}

	result := c.index.Apply(apply)
	if result.Stale {
		c.stats.Counter("diagnostics_stale_dropped").Inc(1)
		c.logger.Debugw("stale diagnostics dropped", "serverID", serverID, "uri", params.URI,
			"version", params.Version, "documentVersion", apply.DocumentVersion)
		return reply(ctx, nil, nil)
	}

	if result.Changed && hasDoc {
		doc.ReplaceDiagnostics(result.View)
	}
	c.stats.Counter("diagnostics_published").Inc(1)
	return reply(ctx, nil, nil)
}

// Progress translates $/progress notifications into domain events.
func (c *controller) Progress(ctx context.Context, serverID entity.ServerID, reply jsonrpc2.Replier, req jsonrpc2.Request) error {
	params, err := mapper.RequestToProgressParams(req)
	if err != nil {
		return reply(ctx, nil, err)
	}
	value, err := mapper.ProgressParamsToValue(params)
	if err != nil {
		return reply(ctx, nil, err)
	}

	token := params.Token.String()
	event, err := mapper.ProgressToEvent(serverID, token, value)
	if err != nil {
		c.logger.Warnw("unparseable progress payload", "serverID", serverID, "token", token, "error", err)
		return reply(ctx, nil, nil)
	}

	c.mu.Lock()
	key := entity.ProgressKey(serverID, token)
	switch event.(type) {
	case lspevent.ProgressStarted:
		c.tokens[key] = struct{}{}
	case lspevent.ProgressCompleted:
		delete(c.tokens, key)
	}
	c.mu.Unlock()

	c.bus.Publish(event)
	return reply(ctx, nil, nil)
}

// LogMessage forwards a server log line to the status surface.
func (c *controller) LogMessage(ctx context.Context, serverID entity.ServerID, reply jsonrpc2.Replier, req jsonrpc2.Request) error {
	params, err := mapper.RequestToLogMessageParams(req)
	if err != nil {
		return reply(ctx, nil, err)
	}
	c.editor.SetStatus(fmt.Sprintf("%s: %s", mapper.MessageTypeToStatusPrefix(params.Type), params.Message))
	return reply(ctx, nil, nil)
}

// ShowMessage maps a server message to the status line.
func (c *controller) ShowMessage(ctx context.Context, serverID entity.ServerID, reply jsonrpc2.Replier, req jsonrpc2.Request) error {
	params, err := mapper.RequestToShowMessageParams(req)
	if err != nil {
		return reply(ctx, nil, err)
	}
	c.editor.SetStatus(fmt.Sprintf("%s: %s", mapper.MessageTypeToStatusPrefix(params.Type), params.Message))
	return reply(ctx, nil, nil)
}

// Initialized pushes configuration to the server and announces every
// already-open document it supports.
func (c *controller) Initialized(ctx context.Context, serverID entity.ServerID, reply jsonrpc2.Replier, req jsonrpc2.Request) error {
	client, ok := c.client(serverID)
	if !ok {
		return reply(ctx, nil, nil)
	}

	if settings := c.settingsFor(serverID); len(settings) > 0 {
		if err := client.DidChangeConfiguration(ctx, settings); err != nil {
			c.logger.Warnw("failed to push configuration", "serverID", serverID, "error", err)
		}
	}
	for _, doc := range c.editor.Documents() {
		if !doc.SupportsServer(client.Name()) {
			continue
		}
		docURI, ok := doc.URI()
		if !ok {
			continue
		}
		if err := client.TextDocumentDidOpen(ctx, mapper.DocumentToDidOpenParams(docURI, doc)); err != nil {
			c.logger.Warnw("failed to announce open document", "serverID", serverID, "doc", doc.ID(), "error", err)
		}
	}
	return reply(ctx, nil, nil)
}

// Exit purges everything attributable to the server and removes it from the
// registry.
func (c *controller) Exit(ctx context.Context, serverID entity.ServerID, reply jsonrpc2.Replier, req jsonrpc2.Request) error {
	affected := c.index.RemoveServer(serverID)
	for file, view := range affected {
		doc, ok := c.editor.DocumentByURI(file)
		if !ok {
			continue
		}
		if view == nil {
			doc.ClearDiagnosticsForServer(serverID)
		} else {
			doc.ReplaceDiagnostics(view)
		}
	}

	c.watcher.RemoveServer(serverID)

	// Complete any outstanding progress so the UI does not spin forever.
	c.mu.Lock()
	registry := c.registry
	prefix := serverID.String() + "-"
	var tokens []string
	for key := range c.tokens {
		if strings.HasPrefix(key, prefix) {
			tokens = append(tokens, strings.TrimPrefix(key, prefix))
			delete(c.tokens, key)
		}
	}
	c.mu.Unlock()
	for _, token := range tokens {
		c.bus.Publish(lspevent.ProgressCompleted{ServerID: serverID, Token: token})
	}

	if registry != nil {
		if err := registry.RemoveByID(ctx, serverID); err != nil {
			c.logger.Warnw("failed to remove exited server from registry", "serverID", serverID, "error", err)
		}
	}

	c.bus.Publish(lspevent.ServerExited{ServerID: serverID})
	c.logger.Infow("server exit processed", "serverID", serverID, "filesCleared", len(affected))
	return reply(ctx, nil, nil)
}
