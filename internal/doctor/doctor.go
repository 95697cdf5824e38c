// Package doctor checks that a launcher configuration can work on this
// machine: the project is found, the tools exist and the ports are free.
package doctor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/mattjoyce/sidecar/internal/config"
	"github.com/mattjoyce/sidecar/internal/locate"
	"github.com/mattjoyce/sidecar/internal/lock"
	"github.com/mattjoyce/sidecar/internal/storage"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Root     string  `json:"root,omitempty"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor validates a config against the resolved project root.
type Doctor struct {
	cfg     *config.Config
	root    locate.Root
	rootErr error

	// LookPath defaults to exec.LookPath.
	LookPath func(string) (string, error)
	// PortFree defaults to trying to listen on the port.
	PortFree func(port int) bool
}

// New creates a Doctor. rootErr is the error from resolving root, if any.
func New(cfg *config.Config, root locate.Root, rootErr error) *Doctor {
	return &Doctor{
		cfg:      cfg,
		root:     root,
		rootErr:  rootErr,
		LookPath: exec.LookPath,
		PortFree: portFree,
	}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true, Root: d.root.String()}

	d.validateRoot(r)
	d.validateTools(r)
	d.validateDatabase(r)
	d.validatePorts(r)
	d.warnRunningLauncher(r)
	d.warnNoWarmup(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) validateRoot(r *Result) {
	if d.rootErr != nil || d.root == "" {
		msg := fmt.Sprintf("no %s found in bundle, executable ancestors or working directory", d.cfg.Locate.Manifest)
		if d.rootErr != nil {
			msg = d.rootErr.Error()
		}
		d.addError(r, "project", "locate.manifest", msg)
	}
}

// validateTools checks that every configured command can be started.
func (d *Doctor) validateTools(r *Result) {
	if d.cfg.Build.Output != config.OutputSkip {
		d.checkCommand(r, "build.command", d.cfg.Build.Command, true)
	}
	d.checkCommand(r, "server.command", d.cfg.Server.Command, true)
	d.checkCommand(r, "provision.generate_command", d.cfg.Provision.GenerateCommand, false)
	d.checkCommand(r, "provision.init_command", d.cfg.Provision.InitCommand, false)
}

func (d *Doctor) checkCommand(r *Result, field string, argv []string, required bool) {
	if len(argv) == 0 {
		if required {
			d.addError(r, "tools", field, "no command configured")
		}
		return
	}
	name := argv[0]
	var err error
	if strings.ContainsRune(name, filepath.Separator) {
		// Relative paths are run from the project root.
		if !filepath.IsAbs(name) && d.root != "" {
			name = d.root.Join(name)
		}
		_, err = os.Stat(name)
	} else {
		_, err = d.LookPath(name)
	}
	if err == nil {
		return
	}
	msg := fmt.Sprintf("%s not found: %v", argv[0], err)
	if required {
		d.addError(r, "tools", field, msg)
	} else {
		d.addWarning(r, "tools", field, msg+" (provisioning continues without it)")
	}
}

func (d *Doctor) validateDatabase(r *Result) {
	p := d.cfg.Provision
	if d.root == "" {
		return
	}
	dbPath := p.DatabasePath
	if !filepath.IsAbs(dbPath) {
		dbPath = d.root.Join(dbPath)
	}
	if err := storage.CheckLocalFilesystem(dbPath); err != nil {
		d.addWarning(r, "database", "provision.database_path", err.Error())
	}
	d.checkSchema(r, dbPath)

	if p.SchemaFile == "" {
		return
	}
	if len(p.InitCommand) > 0 {
		d.addWarning(r, "database", "provision.schema_file", "ignored because init_command is set")
		return
	}
	schema := p.SchemaFile
	if !filepath.IsAbs(schema) {
		schema = d.root.Join(schema)
	}
	if _, err := os.Stat(schema); err != nil {
		d.addError(r, "database", "provision.schema_file", fmt.Sprintf("schema file unreadable: %v", err))
	}
}

// checkSchema flags a database file without tables. Provisioning skips
// schema initialisation once the file exists, so it would stay empty.
func (d *Doctor) checkSchema(r *Result, dbPath string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	tables, err := storage.TablesAt(ctx, dbPath)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		d.addWarning(r, "database", "provision.database_path", fmt.Sprintf("database unreadable: %v", err))
	case len(tables) == 0:
		d.addWarning(r, "database", "provision.database_path",
			fmt.Sprintf("%s has no tables; remove it so the schema is initialised on the next start", dbPath))
	}
}

func (d *Doctor) validatePorts(r *Result) {
	port := d.cfg.Server.Port
	if d.cfg.Control.Enabled {
		if _, p, err := net.SplitHostPort(d.cfg.Control.Listen); err != nil {
			d.addError(r, "control", "control.listen", fmt.Sprintf("invalid listen address: %v", err))
		} else if port > 0 && p == strconv.Itoa(port) {
			d.addError(r, "control", "control.listen", "control server and application server use the same port")
		}
	}
	if port > 0 && !d.PortFree(port) {
		d.addWarning(r, "server", "server.port",
			fmt.Sprintf("port %d is already in use, a server may already be running", port))
	}
}

func (d *Doctor) warnRunningLauncher(r *Result) {
	if d.root == "" {
		return
	}
	pid, ok := lock.Holder(d.root.Join(lock.RelPath))
	if !ok || pid == os.Getpid() {
		return
	}
	if alive, err := process.PidExists(int32(pid)); err == nil && alive {
		d.addWarning(r, "lock", "", fmt.Sprintf("a launcher (pid %d) may already be running for this project", pid))
	}
}

func (d *Doctor) warnNoWarmup(r *Result) {
	if d.cfg.Server.Warmup == 0 && d.cfg.Server.Port == 0 {
		d.addWarning(r, "server", "server.warmup",
			"no warm-up and no port: the window may open before the server is listening")
	}
}

func portFree(port int) bool {
	ln, err := net.Listen("tcp", ":"+strconv.Itoa(port))
	if err != nil {
		return false
	}
	_ = ln.Close()
	return true
}

// ErrInvalid is returned by Check for an invalid result.
var ErrInvalid = errors.New("configuration invalid")

// Check validates and returns ErrInvalid when any error was found.
func (d *Doctor) Check() (*Result, error) {
	r := d.Validate()
	if !r.Valid {
		return r, ErrInvalid
	}
	return r, nil
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.Root != "" {
		fmt.Fprintf(&b, "Project: %s\n", r.Root)
	}
	switch {
	case r.Valid && len(r.Warnings) == 0:
		b.WriteString("Configuration valid.\n")
		return b.String()
	case r.Valid:
		fmt.Fprintf(&b, "Configuration valid (%d warning(s))\n", len(r.Warnings))
	default:
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	writeIssues(&b, "ERROR", r.Errors)
	writeIssues(&b, "WARN ", r.Warnings)
	return b.String()
}

func writeIssues(b *strings.Builder, label string, issues []Issue) {
	for _, is := range issues {
		if is.Field != "" {
			fmt.Fprintf(b, "  %s [%s] %s: %s\n", label, is.Category, is.Field, is.Message)
		} else {
			fmt.Fprintf(b, "  %s [%s] %s\n", label, is.Category, is.Message)
		}
	}
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
