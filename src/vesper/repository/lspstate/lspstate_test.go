package lspstate

import (
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tally "github.com/uber-go/tally/v4"
	"github.com/vesper-editor/vesper/src/vesper/entity"
	"github.com/vesper-editor/vesper/src/vesper/event/lspevent"
	"github.com/vesper-editor/vesper/src/vesper/factory"
	"github.com/vesper-editor/vesper/src/vesper/internal/diagnostics"
	"go.lsp.dev/protocol"
	"go.lsp.dev/uri"
	"go.uber.org/fx/fxtest"
	"go.uber.org/zap"
)

type testStore struct {
	Store
	impl  *store
	index *diagnostics.Index
	clock *fakeClock
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) advance(d time.Duration) { c.now = c.now.Add(d) }

func newStore(t *testing.T) *testStore {
	bus := lspevent.New(lspevent.Params{Logger: zap.NewNop().Sugar(), Stats: tally.NewTestScope("", nil)})
	index := diagnostics.NewIndex()
	s := New(Params{
		Logger:    zap.NewNop().Sugar(),
		Stats:     tally.NewTestScope("", nil),
		Lifecycle: fxtest.NewLifecycle(t),
		Bus:       bus,
		Index:     index,
	})

	clock := &fakeClock{now: time.Unix(1724572800, 0)}
	impl := s.(*store)
	impl.now = func() time.Time { return clock.now }
	return &testStore{Store: s, impl: impl, index: index, clock: clock}
}

func addServer(s Store, name string) entity.ServerID {
	id := factory.ServerID()
	s.Apply(lspevent.ServerInitialized{
		ServerID:      id,
		ServerName:    name,
		LanguageIDs:   []string{"rust"},
		WorkspaceRoot: "/work/proj",
		StartupTimeMS: 100,
	})
	return id
}

func TestPlaceholderWhenNoServers(t *testing.T) {
	s := newStore(t)

	assert.Equal(t, _placeholder, s.IndicatorWithMaxWidth(80))
	assert.Equal(t, _placeholder, s.IndicatorWithMaxWidth(1))
	assert.Equal(t, _placeholder, s.StatusString())
	assert.Equal(t, 0, s.ServerCount())
	assert.False(t, s.IsBusy())
}

func TestIndicatorNeverExceedsWidth(t *testing.T) {
	s := newStore(t)
	id := addServer(s, "rust-analyzer")
	s.Apply(lspevent.ProgressStarted{ServerID: id, Token: "indexing", Title: "Indexing"})
	s.Apply(lspevent.ProgressUpdated{
		ServerID: id, Token: "indexing",
		Message: "building crate graph for workspace", HasMessage: true,
		Percentage: 45, HasPercentage: true,
	})

	for width := 1; width <= 80; width++ {
		got := s.IndicatorWithMaxWidth(width)
		assert.LessOrEqual(t, utf8.RuneCountInString(got), width, "width %d", width)
		assert.NotEmpty(t, got, "width %d", width)
	}
}

func TestIndicatorDegradesWithWidth(t *testing.T) {
	s := newStore(t)
	id := addServer(s, "rust-analyzer")
	s.Apply(lspevent.ProgressStarted{ServerID: id, Token: "indexing", Title: "Indexing"})
	s.Apply(lspevent.ProgressUpdated{
		ServerID: id, Token: "indexing",
		Message: "3/10 crates", HasMessage: true,
		Percentage: 30, HasPercentage: true,
	})

	full := s.IndicatorWithMaxWidth(80)
	assert.Contains(t, full, "rust-analyzer: 30% Indexing")
	assert.Contains(t, full, "3/10 crates")

	medium := s.IndicatorWithMaxWidth(utf8.RuneCountInString(full) - 1)
	assert.Equal(t, "rust-analyzer: Indexing"+_separator+"3/10 crates", medium)

	compact := s.IndicatorWithMaxWidth(25)
	assert.Equal(t, "rust-analyzer: Indexing", compact)

	abbreviated := s.IndicatorWithMaxWidth(14)
	assert.Equal(t, "RA: Indexing", abbreviated)

	tiny := s.IndicatorWithMaxWidth(1)
	assert.Equal(t, 1, utf8.RuneCountInString(tiny))
	assert.Contains(t, _spinnerFrames, tiny)
}

func TestAbbreviateFallsBackToPrefix(t *testing.T) {
	assert.Equal(t, "RA", abbreviate("rust-analyzer"))
	assert.Equal(t, "lua-ls..", abbreviate("lua-language-server"))
	assert.Equal(t, "gopls", abbreviate("gopls"))
}

func TestIdleIndicatorListsServers(t *testing.T) {
	s := newStore(t)
	addServer(s, "gopls")
	addServer(s, "rust-analyzer")

	assert.Equal(t, "LSP: gopls, rust-analyzer", s.IndicatorWithMaxWidth(40))
	assert.Equal(t, "LSP: Go, RA", s.IndicatorWithMaxWidth(15))
	assert.Equal(t, _dot, s.IndicatorWithMaxWidth(3))
}

func TestSpinnerAdvancesOneFramePerRead(t *testing.T) {
	s := newStore(t)
	id := addServer(s, "rust-analyzer")
	s.Apply(lspevent.ProgressStarted{ServerID: id, Token: "t", Title: "Working"})

	first := s.IndicatorWithMaxWidth(1)

	// A read within the interval does not advance.
	s.clock.advance(20 * time.Millisecond)
	assert.Equal(t, first, s.IndicatorWithMaxWidth(1))

	// One interval advances exactly one frame.
	s.clock.advance(_spinnerInterval)
	second := s.IndicatorWithMaxWidth(1)
	assert.NotEqual(t, first, second)

	// A long stale gap still advances only one frame.
	s.clock.advance(10 * _spinnerInterval)
	third := s.IndicatorWithMaxWidth(1)
	assert.Equal(t, frameAfter(t, second), third)
}

func frameAfter(t *testing.T, frame string) string {
	t.Helper()
	for i, f := range _spinnerFrames {
		if f == frame {
			return _spinnerFrames[(i+1)%len(_spinnerFrames)]
		}
	}
	t.Fatalf("unknown frame %q", frame)
	return ""
}

func TestProgressPriorityPicksRichestOperation(t *testing.T) {
	s := newStore(t)
	id := addServer(s, "rust-analyzer")
	s.Apply(lspevent.ProgressStarted{ServerID: id, Token: "title-only", Title: "Loading"})
	s.Apply(lspevent.ProgressStarted{ServerID: id, Token: "rich", Title: "Indexing"})
	s.Apply(lspevent.ProgressUpdated{ServerID: id, Token: "rich", Message: "3/10", HasMessage: true})

	assert.Contains(t, s.IndicatorWithMaxWidth(80), "Indexing")
	assert.Contains(t, s.IndicatorWithMaxWidth(80), "3/10")
}

func TestBusyTracksProgress(t *testing.T) {
	s := newStore(t)
	id := addServer(s, "rust-analyzer")

	assert.False(t, s.IsBusy())
	s.Apply(lspevent.ProgressStarted{ServerID: id, Token: "t", Title: "Working"})
	assert.True(t, s.IsBusy())
	s.Apply(lspevent.ProgressCompleted{ServerID: id, Token: "t"})
	assert.False(t, s.IsBusy())
}

func TestServerExitDropsServerAndProgress(t *testing.T) {
	s := newStore(t)
	id := addServer(s, "rust-analyzer")
	other := addServer(s, "gopls")
	s.Apply(lspevent.ProgressStarted{ServerID: id, Token: "t", Title: "Working"})

	s.Apply(lspevent.ServerExited{ServerID: id})

	assert.Equal(t, 1, s.ServerCount())
	assert.False(t, s.IsBusy())
	servers := s.Servers()
	require.Len(t, servers, 1)
	assert.Equal(t, other, servers[0].ServerID)
}

func TestStartupFailureSurfacesInStatus(t *testing.T) {
	s := newStore(t)
	s.Apply(lspevent.ServerStartupCompleted{
		ServerID:   entity.InvalidServerID,
		ServerName: "rust-analyzer",
		Err:        assert.AnError,
	})

	assert.Equal(t, "rust-analyzer failed to start", s.StatusString())

	// A later successful start clears the failure.
	addServer(s, "rust-analyzer")
	assert.NotContains(t, s.StatusString(), "failed")
}

func TestHealthUpdatesVisibleInSnapshot(t *testing.T) {
	s := newStore(t)
	id := addServer(s, "rust-analyzer")

	s.Apply(lspevent.HealthCheckCompleted{ServerID: id, Health: entity.HealthUnhealthy})
	servers := s.Servers()
	require.Len(t, servers, 1)
	assert.Equal(t, entity.HealthUnhealthy, servers[0].Health)

	assert.Contains(t, s.StatusString(), "unhealthy")
}

func TestDiagnosticsOrderedByFile(t *testing.T) {
	s := newStore(t)
	id := factory.ServerID()

	for _, file := range []uri.URI{uri.File("/work/b.rs"), uri.File("/work/a.rs")} {
		s.index.Apply(diagnostics.ApplyParams{
			URI:         file,
			ServerID:    id,
			Diagnostics: []protocol.Diagnostic{factory.Diagnostic(protocol.DiagnosticSeverityError, 1, "rustc")},
		})
	}

	files := s.Diagnostics()
	require.Len(t, files, 2)
	assert.Equal(t, uri.File("/work/a.rs"), files[0].File)
	assert.Equal(t, uri.File("/work/b.rs"), files[1].File)
	require.Len(t, files[0].Diagnostics, 1)
}

func TestClearAll(t *testing.T) {
	s := newStore(t)
	id := addServer(s, "rust-analyzer")
	s.Apply(lspevent.ProgressStarted{ServerID: id, Token: "t", Title: "Working"})
	s.index.Apply(diagnostics.ApplyParams{
		URI:         uri.File("/work/a.rs"),
		ServerID:    id,
		Diagnostics: []protocol.Diagnostic{factory.Diagnostic(protocol.DiagnosticSeverityError, 1, "rustc")},
	})

	s.ClearAll()

	assert.Equal(t, 0, s.ServerCount())
	assert.False(t, s.IsBusy())
	assert.Empty(t, s.Diagnostics())
	assert.Equal(t, _placeholder, s.IndicatorWithMaxWidth(80))
}

func TestConsumesFromBus(t *testing.T) {
	bus := lspevent.New(lspevent.Params{Logger: zap.NewNop().Sugar(), Stats: tally.NewTestScope("", nil)})
	lc := fxtest.NewLifecycle(t)
	s := New(Params{
		Logger:    zap.NewNop().Sugar(),
		Stats:     tally.NewTestScope("", nil),
		Lifecycle: lc,
		Bus:       bus,
		Index:     diagnostics.NewIndex(),
	})
	lc.RequireStart()
	defer lc.RequireStop()

	bus.Publish(lspevent.ServerInitialized{ServerID: factory.ServerID(), ServerName: "gopls"})
	assert.Eventually(t, func() bool { return s.ServerCount() == 1 }, time.Second, 5*time.Millisecond)
}
