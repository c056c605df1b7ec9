// Package entity contains the domain types for the vesper LSP
// orchestration service.
package entity

import (
	"fmt"
	"time"

	"github.com/gofrs/uuid"
)

// ServerID identifies a running language-server process. IDs are issued by
// the registry bridge; orchestration logic never constructs one except for
// the explicit InvalidServerID sentinel on failure paths.
type ServerID uuid.UUID

// InvalidServerID is the sentinel reported on startup failure so that a
// failure event never carries an id that looks like a live server.
var InvalidServerID = ServerID(uuid.Nil)

// NewServerID issues a fresh server id.
func NewServerID() ServerID {
	return ServerID(uuid.Must(uuid.NewV4()))
}

// Valid reports whether the id refers to a real server.
func (id ServerID) Valid() bool {
	return uuid.UUID(id) != uuid.Nil
}

// String implements fmt.Stringer.
func (id ServerID) String() string {
	return uuid.UUID(id).String()
}

// DocumentID identifies an open document in the host editor core.
type DocumentID string

// ServerHealth is the health classification of a language server. Only the
// domain event handler may write it; UI components read it.
type ServerHealth int

const (
	// HealthUnknown means no health signal has been observed yet.
	HealthUnknown ServerHealth = iota
	// HealthStarting means a startup has been requested but the server has
	// not completed initialize.
	HealthStarting
	// HealthHealthy means the last health check or lifecycle signal was good.
	HealthHealthy
	// HealthUnhealthy means a fatal error or failed health check was observed.
	HealthUnhealthy
)

// String implements fmt.Stringer.
func (h ServerHealth) String() string {
	switch h {
	case HealthStarting:
		return "starting"
	case HealthHealthy:
		return "healthy"
	case HealthUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// ActiveServer describes one initialized server within a workspace. Owned by
// the domain event handler, keyed by workspace root.
type ActiveServer struct {
	ServerID      ServerID
	ServerName    string
	LanguageIDs   []string
	Health        ServerHealth
	StartupTimeMS int64
}

// ManagedServer tracks a server the orchestrator started, from the
// orchestrator's point of view.
type ManagedServer struct {
	ServerID        ServerID
	ServerName      string
	LanguageID      string
	WorkspaceRoot   string
	StartedAt       time.Time
	LastHealthCheck time.Time
	Health          ServerHealth
}

// Progress is one long-running server-reported operation.
type Progress struct {
	ServerID   ServerID
	Token      string
	Title      string
	Message    string
	Percentage int
	// HasMessage and HasPercentage distinguish "absent" from zero values on
	// the wire.
	HasMessage    bool
	HasPercentage bool
}

// Key returns the map key for this progress operation. Multiple tokens may
// be live concurrently per server.
func (p Progress) Key() string {
	return ProgressKey(p.ServerID, p.Token)
}

// ProgressKey builds the "{server_id}-{token}" progress map key.
func ProgressKey(id ServerID, token string) string {
	return fmt.Sprintf("%s-%s", id, token)
}

// ServerStartResult is the successful payload of a StartServer command.
type ServerStartResult struct {
	ServerID   ServerID
	ServerName string
	LanguageID string
}
