package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tally "github.com/uber-go/tally/v4"
	"github.com/vesper-editor/vesper/src/vesper/entity"
	"github.com/vesper-editor/vesper/src/vesper/event/lspevent"
	"go.lsp.dev/jsonrpc2"
	"go.uber.org/zap"
)

// silentHandler never replies; launch-path tests need no dispatcher.
type silentHandler struct{}

func (silentHandler) Handler(entity.ServerID) jsonrpc2.Handler {
	return func(ctx context.Context, reply jsonrpc2.Replier, req jsonrpc2.Request) error {
		return nil
	}
}

func newTestRegistry(t *testing.T) *registry {
	t.Helper()
	bus := lspevent.New(lspevent.Params{Logger: zap.NewNop().Sugar(), Stats: tally.NewTestScope("", nil)})
	r := New(Params{
		Logger:    zap.NewNop().Sugar(),
		ZapLogger: zap.NewNop(),
		Stats:     tally.NewTestScope("", nil),
		Bus:       bus,
		Handler:   silentHandler{},
	})
	return r.(*registry)
}

func TestLaunchRejectsEmptyCommand(t *testing.T) {
	r := newTestRegistry(t)

	results, err := r.Launch(context.Background(), entity.LanguageConfig{Name: "ghost"}, t.TempDir(), nil)
	require.Error(t, err)
	assert.Nil(t, results)
}

func TestLaunchReportsSpawnFailure(t *testing.T) {
	r := newTestRegistry(t)

	cfg := entity.LanguageConfig{Name: "ghost", Command: "/nonexistent/ghost-lsp"}
	results, err := r.Launch(context.Background(), cfg, t.TempDir(), nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Error(t, results[0].Err)
	assert.Empty(t, r.Clients())
}

func TestLaunchInitializeFailureLeavesNoClient(t *testing.T) {
	r := newTestRegistry(t)

	// sleep never answers the handshake; the deadline forces the failure
	// path, which must kill and reap the child before returning.
	cfg := entity.LanguageConfig{Name: "mute", Command: "sleep", Args: []string{"60"}}
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	started := time.Now()
	results, err := r.Launch(ctx, cfg, t.TempDir(), map[string]string{"PATH": "/usr/bin:/bin"})
	elapsed := time.Since(started)

	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Error(t, results[0].Err)
	assert.Nil(t, results[0].Client)
	assert.Empty(t, r.Clients())

	// Launch reaped the killed child instead of waiting out the sleep.
	assert.Less(t, elapsed, 5*time.Second)
}
