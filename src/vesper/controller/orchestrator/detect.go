package orchestrator

import (
	"fmt"
	"time"

	"github.com/vesper-editor/vesper/src/vesper/entity"
	"github.com/vesper-editor/vesper/src/vesper/internal/errors"
)

// detectProject scans the root's direct entries for manifest markers. The
// marker table is sorted by descending priority; the first match wins. An
// unreadable root is an error, a readable root with no markers is a valid
// project of unknown type.
func (c *controller) detectProject(root string) (entity.ProjectInfo, error) {
	ok, err := c.fs.DirExists(root)
	if err != nil {
		return entity.ProjectInfo{}, &errors.ProjectDetectionError{WorkspaceRoot: root, Err: err}
	}
	if !ok {
		return entity.ProjectInfo{}, &errors.ProjectDetectionError{
			WorkspaceRoot: root,
			Err:           fmt.Errorf("not a directory"),
		}
	}

	entries, err := c.fs.ReadDir(root)
	if err != nil {
		return entity.ProjectInfo{}, &errors.ProjectDetectionError{WorkspaceRoot: root, Err: err}
	}

	present := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		present[e.Name()] = struct{}{}
	}

	projectType := matchMarkers(c.markers, present)
	if projectType == entity.ProjectUnknown && len(c.cfg.ProjectMarkers) > 0 {
		// Custom tables narrow, they do not replace, the builtin knowledge.
		projectType = matchMarkers(entity.SortMarkers(entity.BuiltinMarkers()), present)
	}

	return entity.ProjectInfo{
		WorkspaceRoot:   root,
		ProjectType:     projectType,
		LanguageServers: projectType.RecommendedServers(),
		DetectedAt:      time.Now(),
	}, nil
}

func matchMarkers(markers []entity.ProjectMarker, present map[string]struct{}) entity.ProjectType {
	for _, m := range markers {
		if _, ok := present[m.Pattern]; ok {
			return m.ProjectType
		}
	}
	return entity.ProjectUnknown
}
