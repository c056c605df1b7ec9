package entity

import (
	"go.lsp.dev/protocol"
)

// DiagnosticEntry is one diagnostic attributed to the server that produced
// it. Attribution allows one server's diagnostics to be replaced or removed
// without disturbing another server's contributions for the same file.
type DiagnosticEntry struct {
	Diagnostic protocol.Diagnostic
	ServerID   ServerID
}

// severityRank orders severities with Error first. The protocol encodes
// Error as 1 so the wire value already sorts correctly; zero (unset) sorts
// last per the LSP recommendation to treat it as Hint-like.
func severityRank(s protocol.DiagnosticSeverity) int {
	if s == 0 {
		return int(protocol.DiagnosticSeverityHint) + 1
	}
	return int(s)
}

// CompareDiagnosticEntries is the deterministic order for a file's merged
// diagnostic list: severity, then start position, then server id. The order
// is independent of arrival order across servers.
func CompareDiagnosticEntries(a, b DiagnosticEntry) int {
	if r := severityRank(a.Diagnostic.Severity) - severityRank(b.Diagnostic.Severity); r != 0 {
		return r
	}
	as, bs := a.Diagnostic.Range.Start, b.Diagnostic.Range.Start
	if as.Line != bs.Line {
		if as.Line < bs.Line {
			return -1
		}
		return 1
	}
	if as.Character != bs.Character {
		if as.Character < bs.Character {
			return -1
		}
		return 1
	}
	aid, bid := a.ServerID.String(), b.ServerID.String()
	switch {
	case aid < bid:
		return -1
	case aid > bid:
		return 1
	default:
		return 0
	}
}
