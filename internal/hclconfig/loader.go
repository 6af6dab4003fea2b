// Package hclconfig loads gridtune's file configuration. A config path may
// be a single .hcl file or a directory; all files found are decoded in
// lexical order and later values override earlier ones.
//
// Expressions are evaluated with an `env` object holding the process
// environment, so secrets never have to be written to disk:
//
//	runner "socketio" {
//	  url = "https://${env.AGENT_HOST}/socket.io/"
//	}
package hclconfig

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"

	"github.com/specialistvlad/gridtune/internal/ctxlog"
	"github.com/specialistvlad/gridtune/internal/fsutil"
	"github.com/specialistvlad/gridtune/internal/tuneerr"
)

// Runner transport types.
const (
	RunnerExec     = "exec"
	RunnerSocketIO = "socketio"
)

// Config is the decoded file configuration. Zero values mean "not set".
type Config struct {
	StateFile   string
	WorkersFile string

	LaunchDelay   time.Duration
	RoundCooldown time.Duration
	SettleDelay   time.Duration

	Runner *Runner

	OperatorPort int
	LogLevel     string
	LogFormat    string
}

// Runner selects and configures the job-runner transport.
type Runner struct {
	Type               string
	Command            []string
	URL                string
	Namespace          string
	Timeout            time.Duration
	InsecureSkipVerify bool
}

// fileRoot decodes every top-level construct a config file may hold.
type fileRoot struct {
	StateFile   string          `hcl:"state_file,optional"`
	WorkersFile string          `hcl:"workers_file,optional"`
	Scheduler   *schedulerBlock `hcl:"scheduler,block"`
	Runners     []*runnerBlock  `hcl:"runner,block"`
	Operator    *operatorBlock  `hcl:"operator,block"`
	Logging     *loggingBlock   `hcl:"logging,block"`
}

type schedulerBlock struct {
	LaunchDelay   string `hcl:"launch_delay,optional"`
	RoundCooldown string `hcl:"round_cooldown,optional"`
	SettleDelay   string `hcl:"settle_delay,optional"`
}

type runnerBlock struct {
	Type               string   `hcl:"type,label"`
	Command            []string `hcl:"command,optional"`
	URL                string   `hcl:"url,optional"`
	Namespace          string   `hcl:"namespace,optional"`
	Timeout            string   `hcl:"timeout,optional"`
	InsecureSkipVerify bool     `hcl:"insecure_skip_verify,optional"`
}

type operatorBlock struct {
	Port int `hcl:"port,optional"`
}

type loggingBlock struct {
	Level  string `hcl:"level,optional"`
	Format string `hcl:"format,optional"`
}

// Loader decodes HCL config files.
type Loader struct {
	// Environ supplies the `env` object. Defaults to os.Environ.
	Environ func() []string
}

// NewLoader creates a loader that reads the process environment.
func NewLoader() *Loader {
	return &Loader{Environ: os.Environ}
}

// Load reads every .hcl file under path and merges them into one Config.
func (l *Loader) Load(ctx context.Context, path string) (*Config, error) {
	logger := ctxlog.FromContext(ctx)
	logger.Debug("HCL loader started.", "path", path)

	files, err := fsutil.FindFilesByExtension(path, ".hcl")
	if err != nil {
		return nil, tuneerr.Configf("config path %s: %v", path, err)
	}
	if len(files) == 0 {
		return nil, tuneerr.Configf("no .hcl files found at %s", path)
	}
	slices.Sort(files)
	logger.Debug("Discovered HCL files.", "count", len(files))

	evalCtx := l.evalContext()
	parser := hclparse.NewParser()
	cfg := &Config{}

	for _, file := range files {
		hclFile, diags := parser.ParseHCLFile(file)
		if diags.HasErrors() {
			return nil, &tuneerr.ConfigError{Path: file, Msg: fmt.Sprintf("failed to parse: %s", diags.Error())}
		}

		var root fileRoot
		diags = gohcl.DecodeBody(hclFile.Body, evalCtx, &root)
		if diags.HasErrors() {
			return nil, &tuneerr.ConfigError{Path: file, Msg: fmt.Sprintf("failed to decode: %s", diags.Error())}
		}

		if err := merge(cfg, &root); err != nil {
			var cerr *tuneerr.ConfigError
			if errors.As(err, &cerr) && cerr.Path == "" {
				cerr.Path = file
			}
			return nil, err
		}
	}

	logger.Debug("HCL loading complete.", "files", len(files), "runner", runnerType(cfg.Runner))
	return cfg, nil
}

func (l *Loader) evalContext() *hcl.EvalContext {
	environ := l.Environ
	if environ == nil {
		environ = os.Environ
	}
	vars := make(map[string]cty.Value)
	for _, kv := range environ() {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || name == "" || !hclIdentifier(name) {
			continue
		}
		vars[name] = cty.StringVal(value)
	}
	env := cty.EmptyObjectVal
	if len(vars) > 0 {
		env = cty.ObjectVal(vars)
	}
	return &hcl.EvalContext{Variables: map[string]cty.Value{"env": env}}
}

// hclIdentifier reports whether name can be used in an attribute traversal.
func hclIdentifier(name string) bool {
	for i, r := range name {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case i > 0 && (r == '-' || r >= '0' && r <= '9'):
		default:
			return false
		}
	}
	return true
}

func merge(cfg *Config, root *fileRoot) error {
	if root.StateFile != "" {
		cfg.StateFile = root.StateFile
	}
	if root.WorkersFile != "" {
		cfg.WorkersFile = root.WorkersFile
	}

	if s := root.Scheduler; s != nil {
		for _, d := range []struct {
			name string
			raw  string
			dst  *time.Duration
		}{
			{"scheduler.launch_delay", s.LaunchDelay, &cfg.LaunchDelay},
			{"scheduler.round_cooldown", s.RoundCooldown, &cfg.RoundCooldown},
			{"scheduler.settle_delay", s.SettleDelay, &cfg.SettleDelay},
		} {
			if d.raw == "" {
				continue
			}
			v, err := parseDuration(d.name, d.raw)
			if err != nil {
				return err
			}
			*d.dst = v
		}
	}

	switch len(root.Runners) {
	case 0:
	case 1:
		r, err := translateRunner(root.Runners[0])
		if err != nil {
			return err
		}
		cfg.Runner = r
	default:
		return tuneerr.Configf("at most one runner block is allowed, found %d", len(root.Runners))
	}

	if root.Operator != nil && root.Operator.Port != 0 {
		cfg.OperatorPort = root.Operator.Port
	}
	if lg := root.Logging; lg != nil {
		if lg.Level != "" {
			cfg.LogLevel = lg.Level
		}
		if lg.Format != "" {
			cfg.LogFormat = lg.Format
		}
	}
	return nil
}

func translateRunner(b *runnerBlock) (*Runner, error) {
	r := &Runner{
		Type:               b.Type,
		Command:            b.Command,
		URL:                b.URL,
		Namespace:          b.Namespace,
		InsecureSkipVerify: b.InsecureSkipVerify,
	}
	if b.Timeout != "" {
		d, err := parseDuration("runner.timeout", b.Timeout)
		if err != nil {
			return nil, err
		}
		r.Timeout = d
	}

	switch b.Type {
	case RunnerExec:
		if len(b.Command) == 0 {
			return nil, tuneerr.Configf(`runner "exec" requires a command`)
		}
	case RunnerSocketIO:
		if b.URL == "" {
			return nil, tuneerr.Configf(`runner "socketio" requires a url`)
		}
		if r.Namespace == "" {
			r.Namespace = "/"
		}
	default:
		return nil, tuneerr.Configf("unknown runner type %q (want %q or %q)", b.Type, RunnerExec, RunnerSocketIO)
	}
	return r, nil
}

func parseDuration(name, raw string) (time.Duration, error) {
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, tuneerr.Configf("%s: %v", name, err)
	}
	if d < 0 {
		return 0, tuneerr.Configf("%s must not be negative", name)
	}
	return d, nil
}

func runnerType(r *Runner) string {
	if r == nil {
		return ""
	}
	return r.Type
}
