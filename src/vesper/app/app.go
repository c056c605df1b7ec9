// Package app composes the vesper service modules.
package app

import (
	"context"
	"time"

	tally "github.com/uber-go/tally/v4"
	"github.com/vesper-editor/vesper/src/vesper/controller/dispatcher"
	"github.com/vesper-editor/vesper/src/vesper/controller/orchestrator"
	"github.com/vesper-editor/vesper/src/vesper/event/lspevent"
	"github.com/vesper-editor/vesper/src/vesper/gateway/editor"
	"github.com/vesper-editor/vesper/src/vesper/gateway/editor/memeditor"
	"github.com/vesper-editor/vesper/src/vesper/gateway/editor/registry"
	"github.com/vesper-editor/vesper/src/vesper/handler/lspevents"
	"github.com/vesper-editor/vesper/src/vesper/internal/core"
	"github.com/vesper-editor/vesper/src/vesper/internal/envprovider"
	"github.com/vesper-editor/vesper/src/vesper/internal/executor"
	"github.com/vesper-editor/vesper/src/vesper/internal/fs"
	"github.com/vesper-editor/vesper/src/vesper/internal/registrybridge"
	"github.com/vesper-editor/vesper/src/vesper/internal/watch"
	"github.com/vesper-editor/vesper/src/vesper/repository/lspstate"
	"go.uber.org/fx"
)

// Module defines the vesper application module.
var Module = fx.Options(
	core.ConfigModule,
	core.LoggerModule,
	fs.Module,
	executor.Module,
	envprovider.Module,
	lspevent.Module,
	memeditor.Module,
	registry.Module,
	watch.Module,
	dispatcher.Module,
	registrybridge.Module,
	orchestrator.Module,
	lspevents.Module,
	lspstate.Module,
	fx.Provide(func(lc fx.Lifecycle) tally.Scope {
		rs, closer := tally.NewRootScope(tally.ScopeOptions{
			Tags: map[string]string{
				"service": "vesper",
			},
		}, 1*time.Second)

		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				return closer.Close()
			},
		})

		return rs
	}),
	// The registry needs the dispatcher's handler and the dispatcher and
	// watcher need the registry, so the loop is closed here instead of in
	// constructor arguments.
	fx.Invoke(func(c dispatcher.Controller, w watch.Watcher, r editor.Registry) {
		c.BindRegistry(r)
		w.BindRegistry(r)
	}),
	// Arm the event handler before any lifecycle event can reach it.
	fx.Invoke(func(h lspevents.Handler) {
		h.Initialize()
	}),
)
