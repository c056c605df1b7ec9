// Package factory provides test data builders.
package factory

import (
	"github.com/gofrs/uuid"
	"github.com/vesper-editor/vesper/src/vesper/entity"
	"go.lsp.dev/jsonrpc2"
)

// UUID is a user-defined factory for a random uuid.UUID.
func UUID() uuid.UUID {
	return uuid.Must(uuid.NewV4())
}

// ServerID is a factory for a random entity.ServerID.
func ServerID() entity.ServerID {
	return entity.NewServerID()
}

// JSONRPCRequest is a user-defined factory for a JSON-RPC request containing the specified method and parameters.
func JSONRPCRequest(method string, params interface{}) jsonrpc2.Request {
	req, _ := jsonrpc2.NewCall(jsonrpc2.NewNumberID(5), method, params)
	return req
}

// JSONRPCNotification is a factory for a JSON-RPC notification.
func JSONRPCNotification(method string, params interface{}) jsonrpc2.Request {
	req, _ := jsonrpc2.NewNotification(method, params)
	return req
}

// LanguageConfig is a factory for a minimal language configuration.
func LanguageConfig(name string, languageIDs ...string) entity.LanguageConfig {
	if len(languageIDs) == 0 {
		languageIDs = []string{"rust"}
	}
	return entity.LanguageConfig{
		Name:        name,
		Command:     "/usr/bin/" + name,
		LanguageIDs: languageIDs,
	}
}
