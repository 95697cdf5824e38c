package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/mattjoyce/sidecar/internal/config"
	"github.com/mattjoyce/sidecar/internal/doctor"
	"github.com/mattjoyce/sidecar/internal/locate"
	"github.com/mattjoyce/sidecar/internal/log"
	"github.com/mattjoyce/sidecar/internal/shell"
)

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(cliArgs []string) int {
	if len(cliArgs) < 1 {
		printUsage()
		return 1
	}

	cmd := cliArgs[0]
	args := cliArgs[1:]

	switch cmd {
	case "start":
		return runStart(args)
	case "locate":
		return runLocate(args)
	case "doctor":
		return runDoctor(args)
	case "info":
		return runInfo(args)
	case "version", "--version":
		return runVersion(args)
	case "help", "--help", "-h":
		printUsage()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		return 1
	}
}

func printUsage() {
	fmt.Print(`sidecar - start and supervise a bundled web application server

Usage:
  sidecar <command> [flags]

Commands:
  start     Locate, provision, build and start the server, then wait for the window to close
  locate    Print the resolved project directory
  doctor    Check configuration, tools and ports
  info      Print the application name and version
  version   Show version information
  help      Show this help message

Common flags:
  --config <path>      Config file (default: $SIDECAR_CONFIG, then built-in defaults)
  --bundle-dir <dir>   Packaged resource directory to try before walking up

Start flags:
  --dev                Do not orchestrate; expect an externally started dev server
  --window             Show the terminal window; closing it stops the server
`)
}

// commonFlags registers the flags every command shares.
type commonFlags struct {
	configPath string
	bundleDir  string
}

func (c *commonFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&c.configPath, "config", "", "Path to configuration file")
	fs.StringVar(&c.bundleDir, "bundle-dir", "", "Packaged resource directory")
}

// load discovers the config and applies flag overrides.
func (c *commonFlags) load() (*config.Config, error) {
	cfg, err := config.Discover(c.configPath)
	if err != nil {
		return nil, err
	}
	if c.bundleDir != "" {
		cfg.Locate.BundleDir = c.bundleDir
	}
	return cfg, nil
}

func locateContext(cfg *config.Config) locate.Context {
	return locate.NewContext(cfg.Locate.Manifest, cfg.Locate.BundleDir, cfg.Locate.MaxDepth)
}

func runLocate(args []string) int {
	fs := flag.NewFlagSet("locate", flag.ContinueOnError)
	var common commonFlags
	common.register(fs)
	if err := fs.Parse(args); err != nil {
		return 1
	}

	cfg, err := common.load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	log.Setup("ERROR", cfg.Log.Format)

	root, err := locate.Resolve(locateContext(cfg))
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	fmt.Println(root)
	return 0
}

func runInfo(args []string) int {
	fs := flag.NewFlagSet("info", flag.ContinueOnError)
	var common commonFlags
	common.register(fs)
	if err := fs.Parse(args); err != nil {
		return 1
	}

	cfg, err := common.load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	fmt.Println(shell.NewBridge(cfg.App, nil).AppInfo())
	return 0
}

func runDoctor(args []string) int {
	fs := flag.NewFlagSet("doctor", flag.ContinueOnError)
	var common commonFlags
	common.register(fs)
	jsonOut := fs.Bool("json", false, "Output the report as JSON")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	cfg, err := common.load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	log.Setup("ERROR", cfg.Log.Format)

	root, rootErr := locate.Resolve(locateContext(cfg))
	if rootErr == nil {
		if cfg, err = config.ForRoot(cfg, root.String()); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load project config: %v\n", err)
			return 1
		}
	}

	result := doctor.New(cfg, root, rootErr).Validate()
	if *jsonOut {
		out, err := doctor.FormatJSON(result)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render JSON: %v\n", err)
			return 1
		}
		fmt.Println(out)
	} else {
		fmt.Print(doctor.FormatHuman(result))
	}
	if !result.Valid {
		return 1
	}
	return 0
}

func runVersion(args []string) int {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "Output version metadata as JSON")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	info := currentVersionInfo()
	if *jsonOut {
		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render version JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	fmt.Printf("sidecar %s\n", info.Version)
	fmt.Printf("commit: %s\n", info.Commit)
	fmt.Printf("built_at: %s\n", info.BuildTime)
	return 0
}
