// Package diagnostics maintains the per-file diagnostic index merged across
// language servers. All operations are synchronous CPU-bound work so a
// message is fully applied before the next one is handled.
package diagnostics

import (
	"encoding/json"
	"sort"
	"sync"

	"github.com/vesper-editor/vesper/src/vesper/entity"
	"go.lsp.dev/protocol"
	"go.lsp.dev/uri"
)

// Index is the diagnostic store. Each file's list is partitioned by server
// so one server's diagnostics can be replaced without disturbing another's.
type Index struct {
	mu     sync.Mutex
	byFile map[uri.URI][]entity.DiagnosticEntry
}

// NewIndex creates an empty Index.
func NewIndex() *Index {
	return &Index{byFile: make(map[uri.URI][]entity.DiagnosticEntry)}
}

// ApplyParams describes one PublishDiagnostics notification after the caller
// resolved the document.
type ApplyParams struct {
	URI      uri.URI
	ServerID entity.ServerID

	// Version is the document version the diagnostics were produced for.
	// HasVersion is false when the notification carried none.
	Version    int32
	HasVersion bool

	// DocumentVersion is the open document's current version. HasDocument is
	// false when no document is open at the URI; staleness cannot be judged
	// then and the update is applied.
	DocumentVersion int32
	HasDocument     bool

	Diagnostics []protocol.Diagnostic

	// PersistentSources are the diagnostic sources whose unchanged output is
	// preserved without marking the file changed.
	PersistentSources []string
}

// ApplyResult reports what an update did.
type ApplyResult struct {
	// Stale is true when the notification was dropped for a version
	// mismatch. Nothing was mutated.
	Stale bool
	// Changed is false when the server's stored set came out identical, so
	// no view push is needed.
	Changed bool
	// UnchangedSources lists the persistent sources whose diagnostics were
	// byte-for-byte identical to the stored ones.
	UnchangedSources []string
	// View is the merged, deterministically ordered visible list for the
	// file after the update.
	View []protocol.Diagnostic
}

// Apply merges one server's published diagnostics for a file.
func (x *Index) Apply(p ApplyParams) ApplyResult {
	if p.HasVersion && p.HasDocument && p.Version != p.DocumentVersion {
		return ApplyResult{Stale: true}
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	var prev, others []entity.DiagnosticEntry
	for _, e := range x.byFile[p.URI] {
		if e.ServerID == p.ServerID {
			prev = append(prev, e)
		} else {
			others = append(others, e)
		}
	}

	next := make([]entity.DiagnosticEntry, 0, len(p.Diagnostics))
	for _, d := range p.Diagnostics {
		next = append(next, entity.DiagnosticEntry{Diagnostic: d, ServerID: p.ServerID})
	}

	unchanged := unchangedSources(p.PersistentSources, prev, next)
	changed := !equalSets(prev, next)

	merged := append(others, next...)
	if len(merged) == 0 {
		delete(x.byFile, p.URI)
	} else {
		sort.SliceStable(merged, func(i, j int) bool {
			return entity.CompareDiagnosticEntries(merged[i], merged[j]) < 0
		})
		x.byFile[p.URI] = merged
	}

	return ApplyResult{
		Changed:          changed,
		UnchangedSources: unchanged,
		View:             viewOf(merged),
	}
}

// RemoveServer drops every diagnostic attributed to the server and returns
// the views of the affected files. Files whose lists become empty are pruned
// and appear with a nil view.
func (x *Index) RemoveServer(id entity.ServerID) map[uri.URI][]protocol.Diagnostic {
	x.mu.Lock()
	defer x.mu.Unlock()

	affected := make(map[uri.URI][]protocol.Diagnostic)
	for file, entries := range x.byFile {
		kept := entries[:0:0]
		removed := false
		for _, e := range entries {
			if e.ServerID == id {
				removed = true
				continue
			}
			kept = append(kept, e)
		}
		if !removed {
			continue
		}
		if len(kept) == 0 {
			delete(x.byFile, file)
			affected[file] = nil
		} else {
			x.byFile[file] = kept
			affected[file] = viewOf(kept)
		}
	}
	return affected
}

// ViewFor returns the merged visible list for a file.
func (x *Index) ViewFor(file uri.URI) []protocol.Diagnostic {
	x.mu.Lock()
	defer x.mu.Unlock()
	return viewOf(x.byFile[file])
}

// EntriesFor returns the attributed entries for a file.
func (x *Index) EntriesFor(file uri.URI) []entity.DiagnosticEntry {
	x.mu.Lock()
	defer x.mu.Unlock()
	return append([]entity.DiagnosticEntry(nil), x.byFile[file]...)
}

// Files returns the tracked file URIs in lexical order for deterministic
// iteration.
func (x *Index) Files() []uri.URI {
	x.mu.Lock()
	defer x.mu.Unlock()

	out := make([]uri.URI, 0, len(x.byFile))
	for file := range x.byFile {
		out = append(out, file)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Count returns the total number of diagnostics across all files.
func (x *Index) Count() int {
	x.mu.Lock()
	defer x.mu.Unlock()

	n := 0
	for _, entries := range x.byFile {
		n += len(entries)
	}
	return n
}

// Clear drops everything.
func (x *Index) Clear() {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.byFile = make(map[uri.URI][]entity.DiagnosticEntry)
}

func viewOf(entries []entity.DiagnosticEntry) []protocol.Diagnostic {
	if len(entries) == 0 {
		return nil
	}
	out := make([]protocol.Diagnostic, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Diagnostic)
	}
	return out
}

// unchangedSources compares, per persistent source, the new diagnostics
// against the stored ones after sorting both by severity then start
// position. Byte-for-byte equal sets mark the source unchanged.
func unchangedSources(sources []string, prev, next []entity.DiagnosticEntry) []string {
	if len(sources) == 0 {
		return nil
	}

	var unchanged []string
	for _, source := range sources {
		if equalDiagnostics(diagnosticsBySource(prev, source), diagnosticsBySource(next, source)) {
			unchanged = append(unchanged, source)
		}
	}
	return unchanged
}

func diagnosticsBySource(entries []entity.DiagnosticEntry, source string) []protocol.Diagnostic {
	var out []protocol.Diagnostic
	for _, e := range entries {
		if e.Diagnostic.Source == source {
			out = append(out, e.Diagnostic)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return entity.CompareDiagnosticEntries(
			entity.DiagnosticEntry{Diagnostic: out[i]},
			entity.DiagnosticEntry{Diagnostic: out[j]},
		) < 0
	})
	return out
}

func equalDiagnostics(a, b []protocol.Diagnostic) bool {
	if len(a) != len(b) {
		return false
	}
	rawA, errA := json.Marshal(a)
	rawB, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return string(rawA) == string(rawB)
}

func equalSets(prev, next []entity.DiagnosticEntry) bool {
	return equalDiagnostics(sortedCopy(prev), sortedCopy(next))
}

func sortedCopy(entries []entity.DiagnosticEntry) []protocol.Diagnostic {
	out := make([]protocol.Diagnostic, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Diagnostic)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return entity.CompareDiagnosticEntries(
			entity.DiagnosticEntry{Diagnostic: out[i]},
			entity.DiagnosticEntry{Diagnostic: out[j]},
		) < 0
	})
	return out
}
