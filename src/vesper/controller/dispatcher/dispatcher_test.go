package dispatcher

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tally "github.com/uber-go/tally/v4"
	"github.com/vesper-editor/vesper/src/vesper/entity"
	"github.com/vesper-editor/vesper/src/vesper/event/lspevent"
	"github.com/vesper-editor/vesper/src/vesper/factory"
	"github.com/vesper-editor/vesper/src/vesper/gateway/editor"
	"github.com/vesper-editor/vesper/src/vesper/gateway/editor/editortest"
	"github.com/vesper-editor/vesper/src/vesper/gateway/editor/memeditor"
	"github.com/vesper-editor/vesper/src/vesper/internal/diagnostics"
	"go.lsp.dev/jsonrpc2"
	"go.lsp.dev/protocol"
	"go.lsp.dev/uri"
	"go.uber.org/config"
	"go.uber.org/zap"
)

type fakeWatcher struct {
	registered   map[string][]protocol.FileSystemWatcher
	unregistered []string
	removed      []entity.ServerID
}

func newFakeWatcher() *fakeWatcher {
	return &fakeWatcher{registered: make(map[string][]protocol.FileSystemWatcher)}
}

func (w *fakeWatcher) Register(serverID entity.ServerID, registrationID string, watchers []protocol.FileSystemWatcher) error {
	w.registered[registrationID] = watchers
	return nil
}

func (w *fakeWatcher) Unregister(serverID entity.ServerID, registrationID string) error {
	w.unregistered = append(w.unregistered, registrationID)
	return nil
}

func (w *fakeWatcher) RemoveServer(serverID entity.ServerID) {
	w.removed = append(w.removed, serverID)
}

func (w *fakeWatcher) BindRegistry(registry editor.Registry) {}

func (w *fakeWatcher) Close() error { return nil }

type replyRecorder struct {
	calls  int
	result interface{}
	err    error
}

func (r *replyRecorder) replier() jsonrpc2.Replier {
	return func(ctx context.Context, result interface{}, err error) error {
		r.calls++
		r.result = result
		r.err = err
		return err
	}
}

type testFixture struct {
	controller Controller
	editor     *memeditor.Editor
	registry   *editortest.FakeRegistry
	client     *editortest.FakeClient
	watcher    *fakeWatcher
	events     <-chan lspevent.Event
	handler    jsonrpc2.Handler
}

func newTestFixture(t *testing.T) *testFixture {
	mem := memeditor.NewEditor(zap.NewNop().Sugar())
	registry := editortest.NewFakeRegistry()
	client := editortest.NewFakeClient("rust-analyzer")
	registry.Add(client)
	watcher := newFakeWatcher()
	bus := lspevent.New(lspevent.Params{Logger: zap.NewNop().Sugar(), Stats: tally.NewTestScope("", nil)})
	events, cancel := bus.Subscribe("test")
	t.Cleanup(cancel)

	provider, err := config.NewStaticProvider(map[string]interface{}{
		"languageServers": []map[string]interface{}{
			{
				"name":                        "rust-analyzer",
				"command":                     "/usr/bin/rust-analyzer",
				"languageIds":                 []string{"rust"},
				"persistentDiagnosticSources": []string{"clippy"},
				"settings": map[string]interface{}{
					"rust-analyzer": map[string]interface{}{
						"cargo": map[string]interface{}{"features": "all"},
					},
				},
			},
		},
	})
	require.NoError(t, err)

	c, err := New(Params{
		Config:  provider,
		Logger:  zap.NewNop().Sugar(),
		Stats:   tally.NewTestScope("", nil),
		Editor:  mem,
		Bus:     bus,
		Watcher: watcher,
		Index:   diagnostics.NewIndex(),
	})
	require.NoError(t, err)
	c.BindRegistry(registry)

	return &testFixture{
		controller: c,
		editor:     mem,
		registry:   registry,
		client:     client,
		watcher:    watcher,
		events:     events,
		handler:    c.Handler(client.ID()),
	}
}

func publishParams(docURI uri.URI, version uint32, diags ...protocol.Diagnostic) protocol.PublishDiagnosticsParams {
	return protocol.PublishDiagnosticsParams{URI: docURI, Version: version, Diagnostics: diags}
}

func TestPublishDiagnosticsAppliedToDocument(t *testing.T) {
	f := newTestFixture(t)
	docURI := uri.File("/work/proj/main.rs")
	doc := f.editor.OpenDocument("doc-1", docURI, "rust", 3, "fn main() {}", "rust-analyzer")

	rec := &replyRecorder{}
	req := factory.JSONRPCNotification(protocol.MethodTextDocumentPublishDiagnostics,
		publishParams(docURI, 3, factory.Diagnostic(protocol.DiagnosticSeverityError, 5, "rustc")))
	require.NoError(t, f.handler(context.Background(), rec.replier(), req))

	assert.Equal(t, 1, rec.calls)
	require.Len(t, doc.Diagnostics(), 1)
	assert.Equal(t, protocol.DiagnosticSeverityError, doc.Diagnostics()[0].Severity)
}

func TestPublishDiagnosticsStaleVersionDropped(t *testing.T) {
	f := newTestFixture(t)
	docURI := uri.File("/work/proj/main.rs")
	doc := f.editor.OpenDocument("doc-1", docURI, "rust", 3, "fn main() {}", "rust-analyzer")

	rec := &replyRecorder{}
	req := factory.JSONRPCNotification(protocol.MethodTextDocumentPublishDiagnostics,
		publishParams(docURI, 3, factory.Diagnostic(protocol.DiagnosticSeverityError, 5, "rustc")))
	require.NoError(t, f.handler(context.Background(), rec.replier(), req))
	before := doc.Diagnostics()

	// The document moved on; diagnostics for version 3 are stale.
	doc.SetVersion(4)
	req = factory.JSONRPCNotification(protocol.MethodTextDocumentPublishDiagnostics,
		publishParams(docURI, 3))
	require.NoError(t, f.handler(context.Background(), rec.replier(), req))

	assert.Equal(t, before, doc.Diagnostics())
	assert.Len(t, f.controller.DiagnosticsIndex().ViewFor(docURI), 1)
}

func TestPublishDiagnosticsVersionZeroIsAVersion(t *testing.T) {
	f := newTestFixture(t)
	docURI := uri.File("/work/proj/main.rs")
	doc := f.editor.OpenDocument("doc-1", docURI, "rust", 4, "fn main() {}", "rust-analyzer")

	// An explicit version 0 on the wire is stale against a version-4
	// document, not an absent version.
	rec := &replyRecorder{}
	req := factory.JSONRPCNotification(protocol.MethodTextDocumentPublishDiagnostics,
		map[string]interface{}{
			"uri":         string(docURI),
			"version":     0,
			"diagnostics": []protocol.Diagnostic{factory.Diagnostic(protocol.DiagnosticSeverityError, 5, "rustc")},
		})
	require.NoError(t, f.handler(context.Background(), rec.replier(), req))
	assert.Empty(t, doc.Diagnostics())

	// No version field at all skips the staleness check.
	req = factory.JSONRPCNotification(protocol.MethodTextDocumentPublishDiagnostics,
		map[string]interface{}{
			"uri":         string(docURI),
			"diagnostics": []protocol.Diagnostic{factory.Diagnostic(protocol.DiagnosticSeverityError, 5, "rustc")},
		})
	require.NoError(t, f.handler(context.Background(), rec.replier(), req))
	assert.Len(t, doc.Diagnostics(), 1)
}

func TestPublishDiagnosticsUnsupportedScheme(t *testing.T) {
	f := newTestFixture(t)

	rec := &replyRecorder{}
	req := factory.JSONRPCNotification(protocol.MethodTextDocumentPublishDiagnostics,
		publishParams(uri.URI("untitled://buffer-1"), 1, factory.Diagnostic(protocol.DiagnosticSeverityError, 1, "rustc")))
	require.NoError(t, f.handler(context.Background(), rec.replier(), req))

	assert.Equal(t, 1, rec.calls)
	assert.NoError(t, rec.err)
	assert.Empty(t, f.controller.DiagnosticsIndex().Files())
}

func TestExitPurgesOnlyThatServer(t *testing.T) {
	f := newTestFixture(t)
	other := editortest.NewFakeClient("gopls")
	f.registry.Add(other)

	docURI := uri.File("/work/proj/main.rs")
	doc := f.editor.OpenDocument("doc-1", docURI, "rust", 1, "fn main() {}", "rust-analyzer", "gopls")

	req := factory.JSONRPCNotification(protocol.MethodTextDocumentPublishDiagnostics,
		publishParams(docURI, 1, factory.Diagnostic(protocol.DiagnosticSeverityError, 5, "rustc")))
	require.NoError(t, f.handler(context.Background(), (&replyRecorder{}).replier(), req))

	otherHandler := f.controller.Handler(other.ID())
	req = factory.JSONRPCNotification(protocol.MethodTextDocumentPublishDiagnostics,
		publishParams(docURI, 1, factory.Diagnostic(protocol.DiagnosticSeverityWarning, 2, "go")))
	require.NoError(t, otherHandler(context.Background(), (&replyRecorder{}).replier(), req))
	require.Len(t, doc.Diagnostics(), 2)

	req = factory.JSONRPCNotification(protocol.MethodExit, nil)
	require.NoError(t, f.handler(context.Background(), (&replyRecorder{}).replier(), req))

	// Only the other server's diagnostics remain.
	entries := f.controller.DiagnosticsIndex().EntriesFor(docURI)
	require.Len(t, entries, 1)
	assert.Equal(t, other.ID(), entries[0].ServerID)
	require.Len(t, doc.Diagnostics(), 1)
	assert.Equal(t, protocol.DiagnosticSeverityWarning, doc.Diagnostics()[0].Severity)

	// Exited server is removed from the registry and its watches dropped.
	_, stillThere := f.registry.GetByID(f.client.ID())
	assert.False(t, stillThere)
	assert.Contains(t, f.watcher.removed, f.client.ID())
}

func TestProgressLifecycleEvents(t *testing.T) {
	f := newTestFixture(t)

	send := func(value interface{}) {
		req := factory.JSONRPCNotification(protocol.MethodProgress, protocol.ProgressParams{
			Token: *protocol.NewProgressToken("indexing"),
			Value: value,
		})
		require.NoError(t, f.handler(context.Background(), (&replyRecorder{}).replier(), req))
	}

	send(map[string]interface{}{"kind": "begin", "title": "Indexing"})
	send(map[string]interface{}{"kind": "report", "message": "3/10 crates", "percentage": 30})
	send(map[string]interface{}{"kind": "end"})

	started := (<-f.events).(lspevent.ProgressStarted)
	assert.Equal(t, "Indexing", started.Title)
	assert.Equal(t, f.client.ID(), started.ServerID)

	updated := (<-f.events).(lspevent.ProgressUpdated)
	assert.True(t, updated.HasMessage)
	assert.Equal(t, "3/10 crates", updated.Message)
	assert.True(t, updated.HasPercentage)
	assert.Equal(t, 30, updated.Percentage)

	completed := (<-f.events).(lspevent.ProgressCompleted)
	assert.Equal(t, "indexing", completed.Token)
}

func TestApplyWorkspaceEditRejectedWhenUninitialized(t *testing.T) {
	f := newTestFixture(t)
	f.client.Initialized = false

	rec := &replyRecorder{}
	req := factory.JSONRPCRequest(protocol.MethodWorkspaceApplyEdit, protocol.ApplyWorkspaceEditParams{})
	f.handler(context.Background(), rec.replier(), req)

	assert.Equal(t, 1, rec.calls)
	require.Error(t, rec.err)
	assert.ErrorIs(t, rec.err, jsonrpc2.ErrInvalidRequest)
}

func TestApplyWorkspaceEditApplied(t *testing.T) {
	f := newTestFixture(t)
	docURI := uri.File("/work/proj/main.rs")
	doc := f.editor.OpenDocument("doc-1", docURI, "rust", 1, "fn main() {}", "rust-analyzer")

	rec := &replyRecorder{}
	req := factory.JSONRPCRequest(protocol.MethodWorkspaceApplyEdit, protocol.ApplyWorkspaceEditParams{
		Edit: protocol.WorkspaceEdit{
			Changes: map[uri.URI][]protocol.TextEdit{
				docURI: {{
					Range:   protocol.Range{Start: protocol.Position{Line: 0, Character: 3}, End: protocol.Position{Line: 0, Character: 7}},
					NewText: "run",
				}},
			},
		},
	})
	require.NoError(t, f.handler(context.Background(), rec.replier(), req))

	response, ok := rec.result.(*protocol.ApplyWorkspaceEditResponse)
	require.True(t, ok)
	assert.True(t, response.Applied)
	assert.Equal(t, "fn run() {}", doc.Text())
	assert.Equal(t, int32(2), doc.Version())
}

func TestWorkspaceConfigurationDottedPath(t *testing.T) {
	f := newTestFixture(t)

	rec := &replyRecorder{}
	req := factory.JSONRPCRequest(protocol.MethodWorkspaceConfiguration, protocol.ConfigurationParams{
		Items: []protocol.ConfigurationItem{
			{Section: "rust-analyzer.cargo.features"},
			{Section: "rust-analyzer.missing.section"},
		},
	})
	require.NoError(t, f.handler(context.Background(), rec.replier(), req))

	results, ok := rec.result.([]interface{})
	require.True(t, ok)
	require.Len(t, results, 2)
	assert.Equal(t, "all", results[0])
	assert.Nil(t, results[1])
}

func TestRegisterCapabilityWatchedFiles(t *testing.T) {
	f := newTestFixture(t)

	rec := &replyRecorder{}
	req := factory.JSONRPCRequest(protocol.MethodClientRegisterCapability, protocol.RegistrationParams{
		Registrations: []protocol.Registration{
			{
				ID:     "watch-1",
				Method: protocol.MethodWorkspaceDidChangeWatchedFiles,
				RegisterOptions: map[string]interface{}{
					"watchers": []map[string]interface{}{{"globPattern": "/work/**/*.rs"}},
				},
			},
			{ID: "other-1", Method: "textDocument/formatting"},
		},
	})
	require.NoError(t, f.handler(context.Background(), rec.replier(), req))

	assert.Equal(t, 1, rec.calls)
	assert.NoError(t, rec.err)
	require.Contains(t, f.watcher.registered, "watch-1")
	assert.NotContains(t, f.watcher.registered, "other-1")
}

func TestUnregisterCapability(t *testing.T) {
	f := newTestFixture(t)

	rec := &replyRecorder{}
	req := factory.JSONRPCRequest(protocol.MethodClientUnregisterCapability, protocol.UnregistrationParams{
		Unregisterations: []protocol.Unregistration{
			{ID: "watch-1", Method: protocol.MethodWorkspaceDidChangeWatchedFiles},
		},
	})
	require.NoError(t, f.handler(context.Background(), rec.replier(), req))
	assert.Equal(t, []string{"watch-1"}, f.watcher.unregistered)
}

func TestShowDocumentAcknowledged(t *testing.T) {
	f := newTestFixture(t)

	rec := &replyRecorder{}
	req := factory.JSONRPCRequest(protocol.MethodShowDocument, protocol.ShowDocumentParams{URI: uri.File("/work/proj/main.rs")})
	require.NoError(t, f.handler(context.Background(), rec.replier(), req))

	result, ok := rec.result.(*protocol.ShowDocumentResult)
	require.True(t, ok)
	assert.True(t, result.Success)
}

func TestUnknownMethodReturnsMethodNotFound(t *testing.T) {
	f := newTestFixture(t)

	rec := &replyRecorder{}
	req := factory.JSONRPCRequest("custom/unknownMethod", nil)
	f.handler(context.Background(), rec.replier(), req)

	assert.Equal(t, 1, rec.calls)
	require.Error(t, rec.err)
	assert.ErrorIs(t, rec.err, jsonrpc2.ErrMethodNotFound)
}

func TestMalformedParamsReturnParseError(t *testing.T) {
	f := newTestFixture(t)

	rec := &replyRecorder{}
	req := factory.JSONRPCNotification(protocol.MethodTextDocumentPublishDiagnostics, "not an object")
	f.handler(context.Background(), rec.replier(), req)

	assert.Equal(t, 1, rec.calls)
	require.Error(t, rec.err)
	assert.Contains(t, rec.err.Error(), jsonrpc2.ErrParse.Error())
}

func TestLogMessageForwardedToStatus(t *testing.T) {
	f := newTestFixture(t)

	req := factory.JSONRPCNotification(protocol.MethodWindowLogMessage, protocol.LogMessageParams{
		Type:    protocol.MessageTypeInfo,
		Message: "cargo check finished",
	})
	require.NoError(t, f.handler(context.Background(), (&replyRecorder{}).replier(), req))
	assert.Equal(t, "info: cargo check finished", f.editor.LastStatus())
}

func TestInitializedAnnouncesOpenDocuments(t *testing.T) {
	f := newTestFixture(t)
	f.editor.OpenDocument("doc-1", uri.File("/work/proj/main.rs"), "rust", 1, "fn main() {}", "rust-analyzer")
	f.editor.OpenDocument("doc-2", uri.File("/work/proj/notes.md"), "markdown", 1, "# notes")

	req := factory.JSONRPCNotification(protocol.MethodInitialized, protocol.InitializedParams{})
	require.NoError(t, f.handler(context.Background(), (&replyRecorder{}).replier(), req))

	// Settings push plus didOpen for the one supported document.
	assert.Len(t, f.client.ConfigurationPushes(), 1)
	calls := f.client.DidOpenCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, uri.File("/work/proj/main.rs"), calls[0].TextDocument.URI)
}
