package config

import "time"

// Output policies shared by the build and server stages.
const (
	OutputPiped   = "piped"
	OutputInherit = "inherit"
	OutputSkip    = "skip"
	OutputDiscard = "discard"
)

// ProjectFileName is the per-project override file looked up in the resolved root.
const ProjectFileName = "sidecar.yaml"

// Config represents the complete launcher configuration.
type Config struct {
	App       AppConfig       `yaml:"app"`
	Locate    LocateConfig    `yaml:"locate"`
	Provision ProvisionConfig `yaml:"provision"`
	Build     BuildConfig     `yaml:"build"`
	Server    ServerConfig    `yaml:"server"`
	Control   ControlConfig   `yaml:"control"`
	Log       LogConfig       `yaml:"log"`

	// Source is the file this config was loaded from; empty for defaults.
	Source string `yaml:"-"`
}

// AppConfig describes the managed application for the host's query command.
type AppConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// LocateConfig controls project root discovery.
type LocateConfig struct {
	Manifest  string `yaml:"manifest"`
	BundleDir string `yaml:"bundle_dir,omitempty"`
	MaxDepth  int    `yaml:"max_depth"`
}

// ProvisionConfig controls environment and database preparation.
type ProvisionConfig struct {
	DatabasePath    string   `yaml:"database_path"`
	EnvVar          string   `yaml:"env_var"`
	GenerateCommand []string `yaml:"generate_command,omitempty"`
	InitCommand     []string `yaml:"init_command,omitempty"`
	SchemaFile      string   `yaml:"schema_file,omitempty"`
}

// BuildConfig controls the one-shot build step.
type BuildConfig struct {
	Command []string `yaml:"command"`
	Output  string   `yaml:"output"` // piped, inherit or skip
}

// ServerConfig controls the long-running server process.
type ServerConfig struct {
	Command      []string          `yaml:"command"`
	Host         string            `yaml:"host"`
	Port         int               `yaml:"port,omitempty"`
	Warmup       time.Duration     `yaml:"warmup"`
	ReadyTimeout time.Duration     `yaml:"ready_timeout,omitempty"`
	Output       string            `yaml:"output"` // discard or inherit
	Env          map[string]string `yaml:"env,omitempty"`
}

// ControlConfig defines the local control server used by the host shell.
type ControlConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// LogConfig defines logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file,omitempty"`
}

// Defaults returns a Config matching the packaged Next.js layout.
func Defaults() *Config {
	return &Config{
		App: AppConfig{
			Name:    "Competitor Dashboard",
			Version: "0.1.0",
		},
		Locate: LocateConfig{
			Manifest: "package.json",
			MaxDepth: 10,
		},
		Provision: ProvisionConfig{
			DatabasePath: "data/store.db",
			EnvVar:       "DATABASE_URL",
		},
		Build: BuildConfig{
			Command: []string{"npm", "run", "build"},
			Output:  OutputPiped,
		},
		Server: ServerConfig{
			Command: []string{"npm", "run", "start"},
			Host:    "0.0.0.0",
			Warmup:  8 * time.Second,
			Output:  OutputDiscard,
			Env:     make(map[string]string),
		},
		Control: ControlConfig{
			Enabled: false,
			Listen:  "127.0.0.1:3099",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Clone returns a copy that shares no mutable state with c.
func (c *Config) Clone() *Config {
	out := *c
	out.Provision.GenerateCommand = append([]string(nil), c.Provision.GenerateCommand...)
	out.Provision.InitCommand = append([]string(nil), c.Provision.InitCommand...)
	out.Build.Command = append([]string(nil), c.Build.Command...)
	out.Server.Command = append([]string(nil), c.Server.Command...)
	out.Server.Env = make(map[string]string, len(c.Server.Env))
	for k, v := range c.Server.Env {
		out.Server.Env[k] = v
	}
	return &out
}
