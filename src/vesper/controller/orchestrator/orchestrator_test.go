package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tally "github.com/uber-go/tally/v4"
	"github.com/vesper-editor/vesper/src/vesper/entity"
	"github.com/vesper-editor/vesper/src/vesper/event/lspevent"
	"github.com/vesper-editor/vesper/src/vesper/gateway/editor/memeditor"
	"github.com/vesper-editor/vesper/src/vesper/internal/errors"
	"github.com/vesper-editor/vesper/src/vesper/internal/fs"
	"go.uber.org/config"
	"go.uber.org/fx/fxtest"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeBridge struct {
	mu sync.Mutex

	starts    []string
	stopped   []entity.ServerID
	tracked   []entity.DocumentID
	ready     bool
	startErr  error
	panicNext bool

	// delayFirst stalls only the first StartServer call.
	delayFirst time.Duration
	delayed    bool
}

func newFakeBridge() *fakeBridge {
	return &fakeBridge{ready: true}
}

func (b *fakeBridge) StartServer(ctx context.Context, workspaceRoot string, serverName string, languageID string) (entity.ServerID, error) {
	b.mu.Lock()
	if b.panicNext {
		b.panicNext = false
		b.mu.Unlock()
		panic("scripted bridge panic")
	}
	delay := time.Duration(0)
	if b.delayFirst > 0 && !b.delayed {
		b.delayed = true
		delay = b.delayFirst
	}
	b.starts = append(b.starts, fmt.Sprintf("%s|%s|%s", workspaceRoot, serverName, languageID))
	err := b.startErr
	b.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if err != nil {
		return entity.InvalidServerID, err
	}
	return entity.NewServerID(), nil
}

func (b *fakeBridge) StopServer(ctx context.Context, id entity.ServerID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopped = append(b.stopped, id)
	return nil
}

func (b *fakeBridge) EnsureDocumentTracked(ctx context.Context, id entity.ServerID, docID entity.DocumentID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tracked = append(b.tracked, docID)
	return nil
}

func (b *fakeBridge) GetServerCapabilities(id entity.ServerID) (map[string]interface{}, error) {
	return nil, nil
}

func (b *fakeBridge) IsServerReady(id entity.ServerID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ready
}

func (b *fakeBridge) ConfigForServer(serverName string) (entity.LanguageConfig, bool) {
	return entity.LanguageConfig{}, false
}

func (b *fakeBridge) startCalls() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.starts...)
}

func (b *fakeBridge) stoppedServers() []entity.ServerID {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]entity.ServerID(nil), b.stopped...)
}

type fakeEnv struct {
	mu       sync.Mutex
	cleared  []string
	captured []string
}

func (e *fakeEnv) EnvironmentForDirectory(ctx context.Context, dir string) (map[string]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.captured = append(e.captured, dir)
	return map[string]string{"PATH": "/usr/bin"}, nil
}

func (e *fakeEnv) ClearDirectoryCache(dir string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cleared = append(e.cleared, dir)
}

func (e *fakeEnv) ClearAll() {}

type fixture struct {
	controller Controller
	bridge     *fakeBridge
	env        *fakeEnv
	editor     *memeditor.Editor
	events     <-chan lspevent.Event
}

func newFixture(t *testing.T, orchestratorCfg map[string]interface{}) *fixture {
	bridge := newFakeBridge()
	env := &fakeEnv{}
	mem := memeditor.NewEditor(zap.NewNop().Sugar())
	bus := lspevent.New(lspevent.Params{Logger: zap.NewNop().Sugar(), Stats: tally.NewTestScope("", nil)})
	events, cancel := bus.Subscribe("test")
	t.Cleanup(cancel)

	provider, err := config.NewStaticProvider(map[string]interface{}{
		"orchestrator": orchestratorCfg,
		"languageServers": []map[string]interface{}{
			{"name": "rust-analyzer", "command": "/usr/bin/rust-analyzer", "languageIds": []string{"rust"}},
			{"name": "gopls", "command": "/usr/bin/gopls", "languageIds": []string{"go"}},
		},
	})
	require.NoError(t, err)

	c, err := New(Params{
		Config:    provider,
		Logger:    zap.NewNop().Sugar(),
		Stats:     tally.NewTestScope("", nil),
		Lifecycle: fxtest.NewLifecycle(t),
		FS:        fs.New(),
		Bridge:    bridge,
		Editor:    mem,
		Env:       env,
		Bus:       bus,
	})
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() {
		assert.NoError(t, c.Stop(context.Background()))
	})

	return &fixture{controller: c, bridge: bridge, env: env, editor: mem, events: events}
}

func defaultConfig() map[string]interface{} {
	return map[string]interface{}{
		"projectStartupEnabled": true,
		"startupTimeoutMs":      2000,
		"fallbackEnabled":       true,
		"healthCheckIntervalMs": 0,
	}
}

func awaitReply[T any](t *testing.T, ch <-chan entity.Result[T]) entity.Result[T] {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for command reply")
		return entity.Result[T]{}
	}
}

func awaitEvent[T lspevent.Event](t *testing.T, events <-chan lspevent.Event) T {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-events:
			if typed, ok := ev.(T); ok {
				return typed
			}
		case <-deadline:
			var zero T
			t.Fatalf("timed out waiting for %s event", zero.Kind())
			return zero
		}
	}
}

func projectDir(t *testing.T, markers ...string) string {
	t.Helper()
	dir := t.TempDir()
	for _, m := range markers {
		require.NoError(t, os.WriteFile(filepath.Join(dir, m), []byte(""), 0o644))
	}
	return dir
}

func TestStartTwiceDoesNotDuplicateConsumers(t *testing.T) {
	f := newFixture(t, defaultConfig())

	assert.ErrorIs(t, f.controller.Start(context.Background()), errors.ErrAlreadyStarted)

	// A single reply proves a single consumer picked the command up.
	cmd, reply := entity.NewGetProjectStatus("/nowhere")
	require.NoError(t, f.controller.Submit(cmd))
	res := awaitReply(t, reply)
	assert.NoError(t, res.Err)

	select {
	case extra := <-reply:
		t.Fatalf("unexpected second reply: %+v", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCommandsProcessedInSendOrder(t *testing.T) {
	f := newFixture(t, defaultConfig())

	var replies []<-chan entity.Result[entity.ServerStartResult]
	var want []string
	for i := 0; i < 5; i++ {
		name := fmt.Sprintf("server-%d", i)
		cmd, reply := entity.NewStartServer("/work", name, "rust")
		require.NoError(t, f.controller.Submit(cmd))
		replies = append(replies, reply)
		want = append(want, "/work|"+name+"|rust")
	}
	for _, reply := range replies {
		awaitReply(t, reply)
	}

	assert.Equal(t, want, f.bridge.startCalls())
}

func TestReplyDeliveredExactlyOnceOnInternalPanic(t *testing.T) {
	f := newFixture(t, defaultConfig())
	f.bridge.panicNext = true

	cmd, reply := entity.NewStartServer("/work", "rust-analyzer", "rust")
	require.NoError(t, f.controller.Submit(cmd))

	res := awaitReply(t, reply)
	require.Error(t, res.Err)
	var internal *errors.InternalError
	assert.ErrorAs(t, res.Err, &internal)

	// The loop survives the panic and keeps serving.
	next, nextReply := entity.NewGetProjectStatus("/work")
	require.NoError(t, f.controller.Submit(next))
	assert.NoError(t, awaitReply(t, nextReply).Err)
}

func TestProjectModeStartsRecommendedServers(t *testing.T) {
	f := newFixture(t, defaultConfig())
	root := projectDir(t, "Cargo.toml")
	f.editor.OpenDocument("doc-1", "", "rust", 1, "fn main() {}")

	cmd, reply := entity.NewDetectAndStartProject(root, "doc-1")
	require.NoError(t, f.controller.Submit(cmd))
	require.NoError(t, awaitReply(t, reply).Err)

	detected := awaitEvent[lspevent.ProjectDetected](t, f.events)
	assert.Equal(t, entity.ProjectRust, detected.ProjectType)
	assert.Equal(t, []string{"rust-analyzer"}, detected.Servers)
	awaitEvent[lspevent.ProjectServersReady](t, f.events)

	calls := f.bridge.startCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, root+"|rust-analyzer|rust", calls[0])

	info, ok := f.controller.GetProjectInfo(root)
	require.True(t, ok)
	assert.Equal(t, entity.ProjectRust, info.ProjectType)
}

func TestDetectionFailureReturnsProjectDetectionError(t *testing.T) {
	f := newFixture(t, defaultConfig())

	cmd, reply := entity.NewDetectAndStartProject(filepath.Join(t.TempDir(), "missing"), "doc-1")
	require.NoError(t, f.controller.Submit(cmd))

	res := awaitReply(t, reply)
	require.Error(t, res.Err)
	var detection *errors.ProjectDetectionError
	assert.ErrorAs(t, res.Err, &detection)
	assert.Empty(t, f.bridge.startCalls())
}

func TestFileModeWhenNoProjectDetected(t *testing.T) {
	f := newFixture(t, defaultConfig())
	root := projectDir(t)
	f.editor.OpenDocument("doc-1", "", "rust", 1, "fn main() {}")

	cmd, reply := entity.NewDetectAndStartProject(root, "doc-1")
	require.NoError(t, f.controller.Submit(cmd))
	require.NoError(t, awaitReply(t, reply).Err)

	calls := f.bridge.startCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, root+"|rust-analyzer|rust", calls[0])

	info, ok := f.controller.GetProjectInfo(root)
	require.True(t, ok)
	assert.Equal(t, entity.ProjectUnknown, info.ProjectType)
}

func TestFileModeWithoutConfigIsConfigurationError(t *testing.T) {
	f := newFixture(t, defaultConfig())
	root := projectDir(t)
	f.editor.OpenDocument("doc-1", "", "markdown", 1, "# notes")

	cmd, reply := entity.NewDetectAndStartProject(root, "doc-1")
	require.NoError(t, f.controller.Submit(cmd))

	res := awaitReply(t, reply)
	require.Error(t, res.Err)
	var cfgErr *errors.ConfigurationError
	assert.ErrorAs(t, res.Err, &cfgErr)
	assert.False(t, errors.IsRetryable(res.Err))
}

func TestProjectStartupTimeoutFallsBackAndAppliesLateSuccess(t *testing.T) {
	cfg := defaultConfig()
	cfg["startupTimeoutMs"] = 50
	f := newFixture(t, cfg)
	f.bridge.delayFirst = 300 * time.Millisecond

	root := projectDir(t, "Cargo.toml")
	f.editor.OpenDocument("doc-1", "", "rust", 1, "fn main() {}")

	started := time.Now()
	cmd, reply := entity.NewDetectAndStartProject(root, "doc-1")
	require.NoError(t, f.controller.Submit(cmd))
	res := awaitReply(t, reply)
	elapsed := time.Since(started)

	// The reply came from the file-mode fallback, well before the slow
	// project-mode spawn finished.
	require.NoError(t, res.Err)
	assert.Less(t, elapsed, 250*time.Millisecond)
	assert.GreaterOrEqual(t, elapsed, 50*time.Millisecond)

	// The slow spawn is not cancelled; once it succeeds its server is
	// recorded alongside the fallback one.
	require.Eventually(t, func() bool {
		status, statusReply := entity.NewGetProjectStatus(root)
		if f.controller.Submit(status) != nil {
			return false
		}
		return len(awaitReply(t, statusReply).Value.Servers) == 2
	}, 2*time.Second, 20*time.Millisecond)
}

func TestHealthCheckPublishesEvents(t *testing.T) {
	cfg := defaultConfig()
	cfg["healthCheckIntervalMs"] = 10
	f := newFixture(t, cfg)

	cmd, reply := entity.NewStartServer("/work", "rust-analyzer", "rust")
	require.NoError(t, f.controller.Submit(cmd))
	res := awaitReply(t, reply)
	require.NoError(t, res.Err)

	check := awaitEvent[lspevent.HealthCheckCompleted](t, f.events)
	assert.Equal(t, res.Value.ServerID, check.ServerID)
	assert.Equal(t, entity.HealthHealthy, check.Health)

	f.bridge.mu.Lock()
	f.bridge.ready = false
	f.bridge.mu.Unlock()
	require.Eventually(t, func() bool {
		select {
		case ev := <-f.events:
			hc, ok := ev.(lspevent.HealthCheckCompleted)
			return ok && hc.Health == entity.HealthUnhealthy
		default:
			return false
		}
	}, 2*time.Second, 5*time.Millisecond)
}

func TestRestartServersForWorkspaceChange(t *testing.T) {
	f := newFixture(t, defaultConfig())

	start, startReply := entity.NewStartServer("/old", "rust-analyzer", "rust")
	require.NoError(t, f.controller.Submit(start))
	startRes := awaitReply(t, startReply)
	require.NoError(t, startRes.Err)

	restart, restartReply := entity.NewRestartServersForWorkspaceChange("/old", "/new")
	require.NoError(t, f.controller.Submit(restart))
	require.NoError(t, awaitReply(t, restartReply).Err)

	f.env.mu.Lock()
	cleared, captured := f.env.cleared, f.env.captured
	f.env.mu.Unlock()
	assert.Contains(t, cleared, "/old")
	assert.Contains(t, captured, "/new")

	restarted := awaitEvent[lspevent.ServerRestarted](t, f.events)
	assert.Equal(t, startRes.Value.ServerID, restarted.OldServerID)
	assert.True(t, restarted.NewServerID.Valid())
	assert.Contains(t, f.bridge.stoppedServers(), startRes.Value.ServerID)

	status, statusReply := entity.NewGetProjectStatus("/new")
	require.NoError(t, f.controller.Submit(status))
	servers := awaitReply(t, statusReply).Value.Servers
	require.Len(t, servers, 1)
	assert.Equal(t, "/new", servers[0].WorkspaceRoot)
}

func TestEnsureDocumentTracked(t *testing.T) {
	f := newFixture(t, defaultConfig())

	id := entity.NewServerID()
	cmd, reply := entity.NewEnsureDocumentTracked(id, "doc-9")
	require.NoError(t, f.controller.Submit(cmd))
	require.NoError(t, awaitReply(t, reply).Err)

	f.bridge.mu.Lock()
	defer f.bridge.mu.Unlock()
	assert.Equal(t, []entity.DocumentID{"doc-9"}, f.bridge.tracked)
}

func TestSubmitAfterStopFailsTheCommand(t *testing.T) {
	f := newFixture(t, defaultConfig())
	require.NoError(t, f.controller.Stop(context.Background()))

	cmd, reply := entity.NewGetProjectStatus("/work")
	assert.ErrorIs(t, f.controller.Submit(cmd), errors.ErrStopped)
	assert.ErrorIs(t, awaitReply(t, reply).Err, errors.ErrStopped)
}

func TestSubmitRacingStopAlwaysReplies(t *testing.T) {
	// A submitter that passes its liveness check just as Stop begins must
	// still see its reply fire, with a result or with ErrStopped. A reply
	// channel that never fires hangs awaitReply and fails the test.
	for i := 0; i < 10; i++ {
		f := newFixture(t, defaultConfig())

		const submitters = 8
		replies := make(chan (<-chan entity.Result[entity.ProjectStatus]), submitters*4)
		start := make(chan struct{})
		var wg sync.WaitGroup
		for g := 0; g < submitters; g++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				for j := 0; j < 4; j++ {
					cmd, reply := entity.NewGetProjectStatus("/work")
					f.controller.Submit(cmd)
					replies <- reply
				}
			}()
		}
		close(start)
		require.NoError(t, f.controller.Stop(context.Background()))
		wg.Wait()
		close(replies)

		for reply := range replies {
			awaitReply(t, reply)
		}
	}
}

func TestStopShutsDownManagedServers(t *testing.T) {
	f := newFixture(t, defaultConfig())

	cmd, reply := entity.NewStartServer("/work", "gopls", "go")
	require.NoError(t, f.controller.Submit(cmd))
	res := awaitReply(t, reply)
	require.NoError(t, res.Err)

	require.NoError(t, f.controller.Stop(context.Background()))
	assert.Contains(t, f.bridge.stoppedServers(), res.Value.ServerID)
}
