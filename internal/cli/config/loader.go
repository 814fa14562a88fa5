package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"
)

// loggerKey stores the run logger in the command context. Shared with the cli
// package through LoggerKey to avoid an import cycle.
type loggerKey struct{}

var (
	k              = koanf.New(".")
	configFileUsed string
	currentConfig  *Config
)

// envPrefix is stripped from METABRIDGE_* variables; a double underscore in
// the remainder nests below a group, so METABRIDGE_METABASE__API_KEY becomes
// metabase.api_key while session_id style keys stay intact.
const envPrefix = "METABRIDGE_"

// LoadConfig merges configuration sources onto a fresh koanf instance.
// Later sources win: defaults, then metabridge.yaml/.yml (or the explicit
// cfgFile), then METABRIDGE_* environment variables, then changed flags.
func LoadConfig(cfgFile string, flags *pflag.FlagSet) (*Config, error) {
	k = koanf.New(".")

	defaults := confmap.Provider(map[string]interface{}{
		"manifest":         DefaultManifest,
		"metabase.timeout": DefaultTimeout,
		"verbose":          false,
	}, ".")
	if err := k.Load(defaults, nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	configFileUsed = findConfigFile(cfgFile)
	if configFileUsed != "" {
		if err := k.Load(file.Provider(configFileUsed), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", configFileUsed, err)
		}
	}

	envVars := env.Provider(envPrefix, ".", func(s string) string {
		s = strings.ToLower(strings.TrimPrefix(s, envPrefix))
		return strings.ReplaceAll(s, "__", ".")
	})
	if err := k.Load(envVars, nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	if flags != nil {
		// Only flags the user actually set may shadow file and env values,
		// flag defaults must not.
		provider := posflag.ProviderWithFlag(flags, ".", k, func(f *pflag.Flag) (string, interface{}) {
			if !f.Changed {
				return "", nil
			}
			return flagKey(f.Name), posflag.FlagVal(flags, f)
		})
		if err := k.Load(provider, nil); err != nil {
			return nil, fmt.Errorf("load flags: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	currentConfig = &cfg
	return &cfg, nil
}

// findConfigFile returns the explicit path when given, otherwise the first
// metabridge.yaml or metabridge.yml found in the working directory.
func findConfigFile(explicit string) string {
	if explicit != "" {
		return explicit
	}
	for _, name := range []string{"metabridge.yaml", "metabridge.yml"} {
		if _, err := os.Stat(name); err == nil {
			return name
		}
	}
	return ""
}

// flagKey maps a kebab-case flag name to its config key. Flags in the
// metabase group become nested keys.
func flagKey(name string) string {
	key := strings.ReplaceAll(name, "-", "_")
	if rest, ok := strings.CutPrefix(key, "metabase_"); ok {
		return "metabase." + rest
	}
	return key
}

// ResetConfig clears the loader state between tests.
func ResetConfig() {
	k = koanf.New(".")
	configFileUsed = ""
	currentConfig = nil
}

// GetConfigFileUsed reports which config file the last load read, if any.
func GetConfigFileUsed() string {
	return configFileUsed
}

// GetCurrentConfig returns the configuration from the last LoadConfig call.
func GetCurrentConfig() *Config {
	return currentConfig
}

// LoggerKey returns the context key under which the CLI stores its logger.
func LoggerKey() interface{} {
	return loggerKey{}
}

// GetLogger retrieves the run logger from the command context, falling back
// to a discard logger so library code never nil-checks.
func GetLogger(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*slog.Logger); ok {
		return l
	}
	return slog.New(slog.DiscardHandler)
}
