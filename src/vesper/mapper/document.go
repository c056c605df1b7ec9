package mapper

import (
	"github.com/vesper-editor/vesper/src/vesper/gateway/editor"
	"go.lsp.dev/protocol"
	"go.lsp.dev/uri"
)

// DocumentToDidOpenParams builds the didOpen payload for an open document.
func DocumentToDidOpenParams(docURI uri.URI, doc editor.Document) *protocol.DidOpenTextDocumentParams {
	return &protocol.DidOpenTextDocumentParams{
		TextDocument: protocol.TextDocumentItem{
			URI:        docURI,
			LanguageID: protocol.LanguageIdentifier(doc.LanguageID()),
			Version:    doc.Version(),
			Text:       doc.Text(),
		},
	}
}
