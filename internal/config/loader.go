package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// EnvConfigPath names the environment variable that points at a config file.
const EnvConfigPath = "SIDECAR_CONFIG"

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads a YAML config file on top of Defaults().
func Load(configPath string) (*Config, error) {
	return loadOnto(Defaults(), configPath)
}

// Discover returns the config named by explicit, then $SIDECAR_CONFIG, then
// the built-in defaults.
func Discover(explicit string) (*Config, error) {
	if explicit != "" {
		return Load(explicit)
	}
	if path := os.Getenv(EnvConfigPath); path != "" {
		return Load(path)
	}
	return Defaults(), nil
}

// ForRoot overlays <root>/sidecar.yaml onto base when base came from the
// defaults. An explicitly loaded config always wins over the project file.
func ForRoot(base *Config, root string) (*Config, error) {
	if base.Source != "" {
		return base, nil
	}
	path := filepath.Join(root, ProjectFileName)
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return base, nil
		}
		return nil, fmt.Errorf("stat project config: %w", err)
	}
	return loadOnto(base.Clone(), path)
}

func loadOnto(cfg *Config, configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}

	interpolated := interpolateEnv(string(data))
	if err := yaml.Unmarshal([]byte(interpolated), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML in %s: %w", absPath, err)
	}
	if cfg.Server.Env == nil {
		cfg.Server.Env = make(map[string]string)
	}
	cfg.Source = absPath

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// interpolateEnv replaces ${VAR} with the value of VAR. Unset variables are
// left in place so validation can name them.
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

// validate performs basic validation on the configuration.
func validate(cfg *Config) error {
	if strings.TrimSpace(cfg.Locate.Manifest) == "" {
		return fmt.Errorf("locate.manifest is required")
	}
	if strings.ContainsRune(cfg.Locate.Manifest, os.PathSeparator) {
		return fmt.Errorf("locate.manifest must be a file name, got %q", cfg.Locate.Manifest)
	}
	if cfg.Locate.MaxDepth < 1 {
		return fmt.Errorf("locate.max_depth must be at least 1")
	}

	if cfg.Provision.DatabasePath == "" {
		return fmt.Errorf("provision.database_path is required")
	}
	if cfg.Provision.EnvVar == "" {
		return fmt.Errorf("provision.env_var is required")
	}

	switch cfg.Build.Output {
	case OutputPiped, OutputInherit:
		if len(cfg.Build.Command) == 0 {
			return fmt.Errorf("build.command is required unless build.output is %q", OutputSkip)
		}
	case OutputSkip:
	default:
		return fmt.Errorf("build.output must be one of: piped, inherit, skip (got %q)", cfg.Build.Output)
	}

	if len(cfg.Server.Command) == 0 {
		return fmt.Errorf("server.command is required")
	}
	if cfg.Server.Output != OutputDiscard && cfg.Server.Output != OutputInherit {
		return fmt.Errorf("server.output must be one of: discard, inherit (got %q)", cfg.Server.Output)
	}
	if cfg.Server.Warmup < 0 {
		return fmt.Errorf("server.warmup must not be negative")
	}
	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", cfg.Server.Port)
	}

	if cfg.Control.Enabled && cfg.Control.Listen == "" {
		return fmt.Errorf("control.listen is required when control is enabled")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[strings.ToLower(cfg.Log.Level)] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error (got %q)", cfg.Log.Level)
	}

	for _, argv := range [][]string{cfg.Build.Command, cfg.Server.Command, cfg.Provision.GenerateCommand, cfg.Provision.InitCommand} {
		for _, a := range argv {
			if m := envVarPattern.FindStringSubmatch(a); m != nil {
				return fmt.Errorf("command argument %q: environment variable ${%s} is not set", a, m[1])
			}
		}
	}
	return nil
}
