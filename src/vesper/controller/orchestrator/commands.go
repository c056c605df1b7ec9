package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/vesper-editor/vesper/src/vesper/entity"
	"github.com/vesper-editor/vesper/src/vesper/event/lspevent"
	"github.com/vesper-editor/vesper/src/vesper/internal/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// handleDetectAndStartProject runs the startup-mode decision for one
// file-open event. Project mode when project startup is enabled and a project
// was detected; file mode otherwise, or after a project-mode timeout with
// fallback enabled. The decision is one-shot; it does not retry.
func (c *controller) handleDetectAndStartProject(log *zap.SugaredLogger, cmd *entity.DetectAndStartProjectCommand) {
	info, err := c.detectProject(cmd.WorkspaceRoot)
	if err != nil {
		log.Warnw("project detection failed", "workspaceRoot", cmd.WorkspaceRoot, "error", err)
		cmd.Reply(err)
		return
	}

	c.mu.Lock()
	c.projects[cmd.WorkspaceRoot] = info
	c.mu.Unlock()
	c.bus.Publish(lspevent.ProjectDetected{
		WorkspaceRoot: cmd.WorkspaceRoot,
		ProjectType:   info.ProjectType,
		Servers:       info.LanguageServers,
	})
	log.Infow("project detected", "workspaceRoot", cmd.WorkspaceRoot,
		"projectType", info.ProjectType, "servers", info.LanguageServers)

	if c.cfg.ProjectStartupEnabled && len(info.LanguageServers) > 0 {
		done := make(chan error, 1)
		go func() {
			done <- c.startProjectServers(cmd.WorkspaceRoot, info)
		}()

		select {
		case err := <-done:
			cmd.Reply(err)
			return
		case <-time.After(c.startupTimeout):
			// The in-flight startup is not cancelled. When it eventually
			// succeeds its servers are recorded and its events applied.
			c.stats.Counter("project_startup_timeouts").Inc(1)
			log.Warnw("project startup timed out", "workspaceRoot", cmd.WorkspaceRoot,
				"timeout", c.startupTimeout.String())
		}

		if !c.cfg.FallbackEnabled {
			cmd.Reply(&errors.ServerStartupError{
				ServerName: fmt.Sprintf("%v", info.LanguageServers),
				Err:        fmt.Errorf("project startup exceeded %s", c.startupTimeout),
			})
			return
		}
	}

	cmd.Reply(c.startFileMode(log, cmd.WorkspaceRoot, cmd.DocumentID))
}

// startProjectServers starts every recommended server for the workspace. It
// runs off the command loop so a timeout can release the loop while the
// startup continues.
func (c *controller) startProjectServers(root string, info entity.ProjectInfo) error {
	languageID := info.ProjectType.PrimaryLanguageID()
	var errs error
	for _, name := range info.LanguageServers {
		id, err := c.bridge.StartServer(context.Background(), root, name, languageID)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		c.recordManaged(id, name, languageID, root)
	}
	c.bus.Publish(lspevent.ProjectServersReady{WorkspaceRoot: root})
	return errs
}

// startFileMode starts a single server keyed only on the buffer's language.
func (c *controller) startFileMode(log *zap.SugaredLogger, root string, docID entity.DocumentID) error {
	doc, ok := c.editor.Document(docID)
	if !ok {
		return &errors.InternalError{Detail: fmt.Sprintf("no open document with id %s", docID)}
	}

	languageID := doc.LanguageID()
	candidates := c.configs.ForLanguage(languageID)
	if len(candidates) == 0 {
		return &errors.ConfigurationError{
			Detail: fmt.Sprintf("no language server configured for language %q", languageID),
		}
	}

	cfg := candidates[0]
	id, err := c.bridge.StartServer(context.Background(), root, cfg.Name, languageID)
	if err != nil {
		return err
	}
	c.recordManaged(id, cfg.Name, languageID, root)
	log.Infow("file-mode server started", "server", cfg.Name, "serverID", id, "languageID", languageID)
	return nil
}

func (c *controller) handleGetProjectStatus(cmd *entity.GetProjectStatusCommand) {
	c.mu.Lock()
	defer c.mu.Unlock()

	status := entity.ProjectStatus{}
	if info, ok := c.projects[cmd.WorkspaceRoot]; ok {
		status.Info = &info
	}
	for _, m := range c.managed {
		if m.WorkspaceRoot == cmd.WorkspaceRoot {
			status.Servers = append(status.Servers, m)
		}
	}
	cmd.Reply(status, nil)
}

func (c *controller) handleStartServer(log *zap.SugaredLogger, cmd *entity.StartServerCommand) {
	id, err := c.bridge.StartServer(context.Background(), cmd.WorkspaceRoot, cmd.ServerName, cmd.LanguageID)
	if err != nil {
		cmd.Reply(entity.ServerStartResult{}, err)
		return
	}
	c.recordManaged(id, cmd.ServerName, cmd.LanguageID, cmd.WorkspaceRoot)
	log.Infow("server started by command", "server", cmd.ServerName, "serverID", id)
	cmd.Reply(entity.ServerStartResult{
		ServerID:   id,
		ServerName: cmd.ServerName,
		LanguageID: cmd.LanguageID,
	}, nil)
}

func (c *controller) handleStopServer(log *zap.SugaredLogger, cmd *entity.StopServerCommand) {
	err := c.bridge.StopServer(context.Background(), cmd.ServerID)
	c.forgetManaged(cmd.ServerID)
	if err != nil {
		log.Warnw("server stop failed", "serverID", cmd.ServerID, "error", err)
	}
	cmd.Reply(err)
}

func (c *controller) handleEnsureDocumentTracked(cmd *entity.EnsureDocumentTrackedCommand) {
	cmd.Reply(c.bridge.EnsureDocumentTracked(context.Background(), cmd.ServerID, cmd.DocumentID))
}

// handleRestartForWorkspaceChange restarts every server managed under the old
// root against the new one. The cached environment for the old root is
// dropped and the new root's environment captured up front so restarts do not
// each pay the shell capture.
func (c *controller) handleRestartForWorkspaceChange(log *zap.SugaredLogger, cmd *entity.RestartServersForWorkspaceChangeCommand) {
	c.env.ClearDirectoryCache(cmd.OldRoot)

	ctx, cancel := context.WithTimeout(context.Background(), c.startupTimeout)
	if _, err := c.env.EnvironmentForDirectory(ctx, cmd.NewRoot); err != nil {
		log.Warnw("environment capture for new root failed, restarts fall back to process environment",
			"newRoot", cmd.NewRoot, "error", err)
	}
	cancel()

	c.mu.Lock()
	var affected []entity.ManagedServer
	for _, m := range c.managed {
		if m.WorkspaceRoot == cmd.OldRoot {
			affected = append(affected, m)
		}
	}
	if info, ok := c.projects[cmd.OldRoot]; ok {
		delete(c.projects, cmd.OldRoot)
		info.WorkspaceRoot = cmd.NewRoot
		c.projects[cmd.NewRoot] = info
	}
	c.mu.Unlock()

	var errs error
	for _, m := range affected {
		downSince := time.Now()
		if err := c.bridge.StopServer(context.Background(), m.ServerID); err != nil {
			log.Warnw("stop during restart failed", "serverID", m.ServerID, "error", err)
		}
		c.forgetManaged(m.ServerID)

		newID, err := c.bridge.StartServer(context.Background(), cmd.NewRoot, m.ServerName, m.LanguageID)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		c.recordManaged(newID, m.ServerName, m.LanguageID, cmd.NewRoot)
		c.bus.Publish(lspevent.ServerRestarted{
			OldServerID: m.ServerID,
			NewServerID: newID,
			ServerName:  m.ServerName,
			DowntimeMS:  time.Since(downSince).Milliseconds(),
		})
		log.Infow("server restarted for workspace change", "server", m.ServerName,
			"oldServerID", m.ServerID, "newServerID", newID)
	}
	cmd.Reply(errs)
}
