package factory

import (
	"math/rand"

	"go.lsp.dev/protocol"
)

// Range returns a random protocol.Range.
func Range() protocol.Range {
	start := protocol.Position{Line: uint32(rand.Intn(100)), Character: uint32(rand.Intn(100))}
	end := protocol.Position{Line: start.Line + uint32(rand.Intn(100)), Character: uint32(rand.Intn(100))}

	if start.Line == end.Line && start.Character > end.Character {
		end.Character = start.Character + uint32(rand.Intn(100))
	}

	return protocol.Range{
		Start: start,
		End:   end,
	}
}

// RangeAt returns a range starting at the given line.
func RangeAt(line uint32) protocol.Range {
	return protocol.Range{
		Start: protocol.Position{Line: line, Character: 0},
		End:   protocol.Position{Line: line, Character: 10},
	}
}

// Diagnostic returns a diagnostic with the given severity, line, and source.
func Diagnostic(severity protocol.DiagnosticSeverity, line uint32, source string) protocol.Diagnostic {
	return protocol.Diagnostic{
		Range:    RangeAt(line),
		Severity: severity,
		Source:   source,
		Message:  "diagnostic message",
	}
}
