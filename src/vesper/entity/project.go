package entity

import (
	"sort"
	"time"
)

// ProjectType classifies a workspace by its dominant toolchain.
type ProjectType string

const (
	ProjectRust       ProjectType = "rust"
	ProjectTypeScript ProjectType = "typescript"
	ProjectJavaScript ProjectType = "javascript"
	ProjectPython     ProjectType = "python"
	ProjectGo         ProjectType = "go"
	ProjectC          ProjectType = "c"
	ProjectCpp        ProjectType = "cpp"
	ProjectUnknown    ProjectType = "unknown"
)

// RecommendedServers returns the default language servers for a project type.
func (p ProjectType) RecommendedServers() []string {
	switch p {
	case ProjectRust:
		return []string{"rust-analyzer"}
	case ProjectTypeScript, ProjectJavaScript:
		return []string{"typescript-language-server"}
	case ProjectPython:
		return []string{"pyright"}
	case ProjectGo:
		return []string{"gopls"}
	case ProjectC, ProjectCpp:
		return []string{"clangd"}
	default:
		return nil
	}
}

// PrimaryLanguageID returns the language identifier used when starting a
// server for this project type.
func (p ProjectType) PrimaryLanguageID() string {
	if p == ProjectUnknown {
		return "unknown"
	}
	return string(p)
}

// ProjectMarker maps a manifest file to a project type. Markers with higher
// priority win when several match; ties are broken by registration order
// (stable sort).
type ProjectMarker struct {
	Pattern     string      `yaml:"pattern"`
	ProjectType ProjectType `yaml:"projectType"`
	Priority    int         `yaml:"priority"`
}

// BuiltinMarkers is the default manifest marker table, checked when no
// custom markers are configured or none match.
func BuiltinMarkers() []ProjectMarker {
	return []ProjectMarker{
		{Pattern: "Cargo.toml", ProjectType: ProjectRust, Priority: 10},
		{Pattern: "go.mod", ProjectType: ProjectGo, Priority: 10},
		{Pattern: "tsconfig.json", ProjectType: ProjectTypeScript, Priority: 10},
		{Pattern: "package.json", ProjectType: ProjectJavaScript, Priority: 5},
		{Pattern: "pyproject.toml", ProjectType: ProjectPython, Priority: 10},
		{Pattern: "requirements.txt", ProjectType: ProjectPython, Priority: 5},
		{Pattern: "setup.py", ProjectType: ProjectPython, Priority: 5},
		{Pattern: "CMakeLists.txt", ProjectType: ProjectCpp, Priority: 5},
		{Pattern: "Makefile", ProjectType: ProjectC, Priority: 1},
	}
}

// SortMarkers orders markers by descending priority, preserving registration
// order between equal priorities.
func SortMarkers(markers []ProjectMarker) []ProjectMarker {
	out := make([]ProjectMarker, len(markers))
	copy(out, markers)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Priority > out[j].Priority
	})
	return out
}

// ProjectInfo describes a detected project. One entry per known workspace
// root; created by detection, updated as servers come online, destroyed when
// the project closes.
type ProjectInfo struct {
	WorkspaceRoot   string
	ProjectType     ProjectType
	LanguageServers []string
	DetectedAt      time.Time
}

// ProjectStatus is the reply payload of a GetProjectStatus command.
type ProjectStatus struct {
	Info    *ProjectInfo
	Servers []ManagedServer
}
