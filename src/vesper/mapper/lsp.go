// Package mapper converts between wire-level LSP shapes and domain types.
package mapper

import (
	"encoding/json"
	"fmt"

	"github.com/vesper-editor/vesper/src/vesper/entity"
	"github.com/vesper-editor/vesper/src/vesper/event/lspevent"
	"go.lsp.dev/jsonrpc2"
	"go.lsp.dev/protocol"
)

// RequestToPublishDiagnosticsParams maps the parameters from a jsonrpc2.Request into protocol.PublishDiagnosticsParams.
// The bool reports whether the optional version field was present on the
// wire; version 0 is a real version, not an absence.
func RequestToPublishDiagnosticsParams(req jsonrpc2.Request) (*protocol.PublishDiagnosticsParams, bool, error) {
	params := protocol.PublishDiagnosticsParams{}
	if err := json.Unmarshal(req.Params(), &params); err != nil {
		return nil, false, wrapErrParse(err)
	}
	var presence struct {
		Version *uint32 `json:"version"`
	}
	if err := json.Unmarshal(req.Params(), &presence); err != nil {
		return nil, false, wrapErrParse(err)
	}
	return &params, presence.Version != nil, nil
}

// RequestToProgressParams maps the parameters from a jsonrpc2.Request into protocol.ProgressParams.
func RequestToProgressParams(req jsonrpc2.Request) (*protocol.ProgressParams, error) {
	params := protocol.ProgressParams{}
	if err := json.Unmarshal(req.Params(), &params); err != nil {
		return nil, wrapErrParse(err)
	}
	return &params, nil
}

// RequestToLogMessageParams maps the parameters from a jsonrpc2.Request into protocol.LogMessageParams.
func RequestToLogMessageParams(req jsonrpc2.Request) (*protocol.LogMessageParams, error) {
	params := protocol.LogMessageParams{}
	if err := json.Unmarshal(req.Params(), &params); err != nil {
		return nil, wrapErrParse(err)
	}
	return &params, nil
}

// RequestToShowMessageParams maps the parameters from a jsonrpc2.Request into protocol.ShowMessageParams.
func RequestToShowMessageParams(req jsonrpc2.Request) (*protocol.ShowMessageParams, error) {
	params := protocol.ShowMessageParams{}
	if err := json.Unmarshal(req.Params(), &params); err != nil {
		return nil, wrapErrParse(err)
	}
	return &params, nil
}

// RequestToWorkDoneProgressCreateParams maps the parameters from a jsonrpc2.Request into protocol.WorkDoneProgressCreateParams.
func RequestToWorkDoneProgressCreateParams(req jsonrpc2.Request) (*protocol.WorkDoneProgressCreateParams, error) {
	params := protocol.WorkDoneProgressCreateParams{}
	if err := json.Unmarshal(req.Params(), &params); err != nil {
		return nil, wrapErrParse(err)
	}
	return &params, nil
}

// RequestToApplyWorkspaceEditParams maps the parameters from a jsonrpc2.Request into protocol.ApplyWorkspaceEditParams.
func RequestToApplyWorkspaceEditParams(req jsonrpc2.Request) (*protocol.ApplyWorkspaceEditParams, error) {
	params := protocol.ApplyWorkspaceEditParams{}
	if err := json.Unmarshal(req.Params(), &params); err != nil {
		return nil, wrapErrParse(err)
	}
	return &params, nil
}

// RequestToConfigurationParams maps the parameters from a jsonrpc2.Request into protocol.ConfigurationParams.
func RequestToConfigurationParams(req jsonrpc2.Request) (*protocol.ConfigurationParams, error) {
	params := protocol.ConfigurationParams{}
	if err := json.Unmarshal(req.Params(), &params); err != nil {
		return nil, wrapErrParse(err)
	}
	return &params, nil
}

// RequestToRegistrationParams maps the parameters from a jsonrpc2.Request into protocol.RegistrationParams.
func RequestToRegistrationParams(req jsonrpc2.Request) (*protocol.RegistrationParams, error) {
	params := protocol.RegistrationParams{}
	if err := json.Unmarshal(req.Params(), &params); err != nil {
		return nil, wrapErrParse(err)
	}
	return &params, nil
}

// RequestToUnregistrationParams maps the parameters from a jsonrpc2.Request into protocol.UnregistrationParams.
func RequestToUnregistrationParams(req jsonrpc2.Request) (*protocol.UnregistrationParams, error) {
	params := protocol.UnregistrationParams{}
	if err := json.Unmarshal(req.Params(), &params); err != nil {
		return nil, wrapErrParse(err)
	}
	return &params, nil
}

// RequestToShowDocumentParams maps the parameters from a jsonrpc2.Request into protocol.ShowDocumentParams.
func RequestToShowDocumentParams(req jsonrpc2.Request) (*protocol.ShowDocumentParams, error) {
	params := protocol.ShowDocumentParams{}
	if err := json.Unmarshal(req.Params(), &params); err != nil {
		return nil, wrapErrParse(err)
	}
	return &params, nil
}

// RegistrationToWatchers decodes the register options of a
// workspace/didChangeWatchedFiles registration.
func RegistrationToWatchers(reg protocol.Registration) ([]protocol.FileSystemWatcher, error) {
	raw, err := json.Marshal(reg.RegisterOptions)
	if err != nil {
		return nil, wrapErrParse(err)
	}
	options := protocol.DidChangeWatchedFilesRegistrationOptions{}
	if err := json.Unmarshal(raw, &options); err != nil {
		return nil, wrapErrParse(err)
	}
	return options.Watchers, nil
}

// ProgressValue is the decoded value of a $/progress notification.
type ProgressValue struct {
	Kind       string   `json:"kind"`
	Title      string   `json:"title"`
	Message    *string  `json:"message"`
	Percentage *float64 `json:"percentage"`
}

// ProgressParamsToValue decodes the untyped progress payload.
func ProgressParamsToValue(params *protocol.ProgressParams) (ProgressValue, error) {
	raw, err := json.Marshal(params.Value)
	if err != nil {
		return ProgressValue{}, wrapErrParse(err)
	}
	value := ProgressValue{}
	if err := json.Unmarshal(raw, &value); err != nil {
		return ProgressValue{}, wrapErrParse(err)
	}
	return value, nil
}

// ProgressToEvent maps one decoded progress payload to its domain event.
func ProgressToEvent(serverID entity.ServerID, token string, value ProgressValue) (lspevent.Event, error) {
	switch value.Kind {
	case "begin":
		return lspevent.ProgressStarted{ServerID: serverID, Token: token, Title: value.Title}, nil
	case "report":
		ev := lspevent.ProgressUpdated{ServerID: serverID, Token: token}
		if value.Message != nil {
			ev.Message = *value.Message
			ev.HasMessage = true
		}
		if value.Percentage != nil {
			ev.Percentage = int(*value.Percentage)
			ev.HasPercentage = true
		}
		return ev, nil
	case "end":
		return lspevent.ProgressCompleted{ServerID: serverID, Token: token}, nil
	default:
		return nil, fmt.Errorf("unknown progress kind %q", value.Kind)
	}
}

// MessageTypeToStatusPrefix maps an LSP message severity to a status-line
// prefix.
func MessageTypeToStatusPrefix(t protocol.MessageType) string {
	switch t {
	case protocol.MessageTypeError:
		return "error"
	case protocol.MessageTypeWarning:
		return "warn"
	case protocol.MessageTypeInfo:
		return "info"
	default:
		return "log"
	}
}

// ConfigSectionValue walks a dotted section path through a settings object.
// Missing sections yield (nil, false).
func ConfigSectionValue(settings map[string]interface{}, section string) (interface{}, bool) {
	if section == "" {
		return settings, true
	}
	var current interface{} = settings
	start := 0
	for i := 0; i <= len(section); i++ {
		if i < len(section) && section[i] != '.' {
			continue
		}
		key := section[start:i]
		start = i + 1
		node, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		current, ok = node[key]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func wrapErrParse(err error) error {
	return fmt.Errorf("%s: %w", jsonrpc2.ErrParse, err)
}
