package config

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level      string          `yaml:"level" toml:"level" json:"level,omitempty"`                // debug, info, warn, error
	Format     string          `yaml:"format" toml:"format" json:"format,omitempty"`             // json, console
	File       string          `yaml:"file" toml:"file" json:"file,omitempty"`                   // optional extra sink
	DebugMode  bool            `yaml:"debug_mode" toml:"debug_mode" json:"debug_mode,omitempty"` // forces debug level and enables category filtering
	Categories map[string]bool `yaml:"categories" toml:"categories" json:"categories,omitempty"` // per-category toggles
}

// IsCategoryEnabled returns whether logging is enabled for a category.
// Outside debug mode every category logs at the configured level.
// In debug mode a category logs unless it is explicitly set to false.
func (c *LoggingConfig) IsCategoryEnabled(category string) bool {
	if !c.DebugMode || c.Categories == nil {
		return true
	}
	enabled, exists := c.Categories[category]
	if !exists {
		return true // Enable by default if not specified
	}
	return enabled
}
