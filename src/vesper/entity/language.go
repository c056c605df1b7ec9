package entity

import "slices"

// LanguageConfig describes one configured language server, loaded from the
// languageServers section of the YAML config.
type LanguageConfig struct {
	// Name is the server name, e.g. "rust-analyzer".
	Name string `yaml:"name"`
	// Command and Args are the process to spawn.
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
	// LanguageIDs the server handles, e.g. ["rust"].
	LanguageIDs []string `yaml:"languageIds"`
	// PersistentDiagnosticSources are diagnostic source values whose
	// unchanged output is preserved across rescans to avoid UI churn.
	PersistentDiagnosticSources []string `yaml:"persistentDiagnosticSources"`
	// Settings is the server-specific configuration blob sent via
	// workspace/didChangeConfiguration and served for
	// workspace/configuration requests.
	Settings map[string]interface{} `yaml:"settings"`
}

// SupportsLanguage reports whether the server handles the given language id.
func (c LanguageConfig) SupportsLanguage(languageID string) bool {
	return slices.Contains(c.LanguageIDs, languageID)
}

// LanguageConfigs is the set of configured servers.
type LanguageConfigs []LanguageConfig

// ByName returns the config for a server name.
func (cs LanguageConfigs) ByName(name string) (LanguageConfig, bool) {
	for _, c := range cs {
		if c.Name == name {
			return c, true
		}
	}
	return LanguageConfig{}, false
}

// ForLanguage returns all configs that handle the given language id, in
// declaration order.
func (cs LanguageConfigs) ForLanguage(languageID string) []LanguageConfig {
	var out []LanguageConfig
	for _, c := range cs {
		if c.SupportsLanguage(languageID) {
			out = append(out, c)
		}
	}
	return out
}
