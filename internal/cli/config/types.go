// Package config provides configuration management for the metabridge CLI.
package config

import "time"

// Config holds all CLI configuration options.
type Config struct {
	// Manifest is the path to a dbt manifest.json.
	Manifest string `koanf:"manifest"`
	// ProjectDir is the path to a dbt project root, parsed directly when no
	// manifest is available.
	ProjectDir string `koanf:"project_dir"`
	// DBTDatabase and DBTSchema supply catalog coordinates for models parsed
	// from a project directory, which does not carry them itself.
	DBTDatabase string `koanf:"dbt_database"`
	DBTSchema   string `koanf:"dbt_schema"`

	Metabase MetabaseConfig `koanf:"metabase"`

	Verbose bool `koanf:"verbose"`
}

// MetabaseConfig holds connection settings for the Metabase API.
type MetabaseConfig struct {
	URL       string `koanf:"url"`
	Username  string `koanf:"username"`
	Password  string `koanf:"password"`
	SessionID string `koanf:"session_id"`
	APIKey    string `koanf:"api_key"`

	Timeout    time.Duration `koanf:"timeout"`
	SkipVerify bool          `koanf:"skip_verify"`
}

// Default configuration values.
const (
	DefaultManifest = "target/manifest.json"
	DefaultTimeout  = 15 * time.Second
)
