// Package memeditor is an in-memory implementation of the editor boundary.
// The standalone vesper binary uses it as its document store; an embedding
// editor shell replaces it with an adapter over its own core.
package memeditor

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/vesper-editor/vesper/src/vesper/entity"
	"github.com/vesper-editor/vesper/src/vesper/gateway/editor"
	"go.lsp.dev/protocol"
	"go.lsp.dev/uri"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Module is the Fx module for this package.
var Module = fx.Options(
	fx.Provide(New),
)

// Params defines the dependencies of this package.
type Params struct {
	fx.In

	Logger *zap.SugaredLogger
}

// Editor is the in-memory editor. It exposes OpenDocument and CloseDocument
// beyond the editor.Editor interface so the embedding shell and tests can
// manage buffers.
type Editor struct {
	mu     sync.Mutex
	docs   map[entity.DocumentID]*Document
	status string

	logger *zap.SugaredLogger
}

// New creates the in-memory editor.
func New(p Params) editor.Editor {
	return NewEditor(p.Logger)
}

// NewEditor creates the in-memory editor outside of fx.
func NewEditor(logger *zap.SugaredLogger) *Editor {
	return &Editor{
		docs:   make(map[entity.DocumentID]*Document),
		logger: logger.With("component", "memeditor"),
	}
}

// OpenDocument adds a buffer. A zero URI marks a scratch buffer.
func (e *Editor) OpenDocument(id entity.DocumentID, docURI uri.URI, languageID string, version int32, text string, servers ...string) *Document {
	e.mu.Lock()
	defer e.mu.Unlock()

	d := &Document{
		id:         id,
		uri:        docURI,
		languageID: languageID,
		version:    version,
		text:       text,
		servers:    servers,
	}
	e.docs[id] = d
	return d
}

// CloseDocument removes a buffer.
func (e *Editor) CloseDocument(id entity.DocumentID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.docs, id)
}

// Document returns the open document with the given id.
func (e *Editor) Document(id entity.DocumentID) (editor.Document, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	d, ok := e.docs[id]
	if !ok {
		return nil, false
	}
	return d, true
}

// DocumentByURI returns the open document at the given URI.
func (e *Editor) DocumentByURI(u uri.URI) (editor.Document, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, d := range e.docs {
		if d.uri != "" && d.uri == u {
			return d, true
		}
	}
	return nil, false
}

// Documents returns all open documents in a stable order.
func (e *Editor) Documents() []editor.Document {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]editor.Document, 0, len(e.docs))
	for _, d := range e.docs {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// SetStatus displays a transient message on the status line.
func (e *Editor) SetStatus(message string) {
	e.mu.Lock()
	e.status = message
	e.mu.Unlock()
	e.logger.Debugw("status", "message", message)
}

// LastStatus returns the most recent status message.
func (e *Editor) LastStatus() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// ApplyEdit applies a workspace edit to the affected open documents. Edits
// for documents that are not open are skipped.
func (e *Editor) ApplyEdit(ctx context.Context, edit protocol.WorkspaceEdit) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	applied := false
	for target, edits := range edit.Changes {
		for _, d := range e.docs {
			if d.uri == "" || d.uri != target {
				continue
			}
			d.applyTextEdits(edits)
			applied = true
		}
	}
	return applied, nil
}

// Document is one in-memory buffer.
type Document struct {
	mu         sync.Mutex
	id         entity.DocumentID
	uri        uri.URI
	languageID string
	version    int32
	text       string
	servers    []string
	view       []protocol.Diagnostic
}

// ID returns the document id.
func (d *Document) ID() entity.DocumentID { return d.id }

// URI returns the document URI. Scratch buffers have none.
func (d *Document) URI() (uri.URI, bool) {
	if d.uri == "" {
		return "", false
	}
	return d.uri, true
}

// Version returns the current document version.
func (d *Document) Version() int32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.version
}

// SetVersion moves the document to a new version, as an edit would.
func (d *Document) SetVersion(v int32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.version = v
}

// Text returns the buffer contents.
func (d *Document) Text() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.text
}

// LanguageID returns the buffer's language.
func (d *Document) LanguageID() string { return d.languageID }

// SupportsServer reports whether the named server serves this document.
func (d *Document) SupportsServer(serverName string) bool {
	for _, s := range d.servers {
		if s == serverName {
			return true
		}
	}
	return false
}

// ReplaceDiagnostics swaps the visible diagnostic view.
func (d *Document) ReplaceDiagnostics(diagnostics []protocol.Diagnostic) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.view = diagnostics
}

// ClearDiagnosticsForServer drops the current view. Callers push a
// recomputed view afterwards.
func (d *Document) ClearDiagnosticsForServer(id entity.ServerID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.view = nil
}

// Diagnostics returns the visible diagnostic view.
func (d *Document) Diagnostics() []protocol.Diagnostic {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.view
}

// applyTextEdits rewrites the buffer text. Edits are applied last-first so
// earlier offsets stay valid; the version advances once per batch.
func (d *Document) applyTextEdits(edits []protocol.TextEdit) {
	d.mu.Lock()
	defer d.mu.Unlock()

	ordered := make([]protocol.TextEdit, len(edits))
	copy(ordered, edits)
	sort.SliceStable(ordered, func(i, j int) bool {
		a, b := ordered[i].Range.Start, ordered[j].Range.Start
		if a.Line != b.Line {
			return a.Line > b.Line
		}
		return a.Character > b.Character
	})

	for _, edit := range ordered {
		start := positionToOffset(d.text, edit.Range.Start)
		end := positionToOffset(d.text, edit.Range.End)
		if start < 0 || end < start || end > len(d.text) {
			continue
		}
		d.text = d.text[:start] + edit.NewText + d.text[end:]
	}
	d.version++
}

func positionToOffset(text string, pos protocol.Position) int {
	offset := 0
	for line := uint32(0); line < pos.Line; line++ {
		next := strings.IndexByte(text[offset:], '\n')
		if next < 0 {
			return -1
		}
		offset += next + 1
	}
	offset += int(pos.Character)
	if offset > len(text) {
		return -1
	}
	return offset
}
