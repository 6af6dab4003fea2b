package app

import (
	"errors"
	"fmt"
	"time"

	"github.com/specialistvlad/gridtune/internal/hclconfig"
	"github.com/specialistvlad/gridtune/internal/runner"
	"github.com/specialistvlad/gridtune/internal/scheduler"
)

// Defaults for fields left empty.
const (
	DefaultStateFile   = "./tune_params.json"
	DefaultWorkersFile = "./studios.json"
	DefaultSettleDelay = time.Second
)

// DefaultRunnerCommand is the runner script invoked by the exec transport.
var DefaultRunnerCommand = []string{"python", "./studioManager.py"}

// Config holds all the necessary configuration for an App instance to run.
type Config struct {
	StateFile   string // tuning-state document
	WorkersFile string // worker registry

	LaunchDelay   time.Duration
	RoundCooldown time.Duration
	SettleDelay   time.Duration
	ForceNewRun   bool
	// Seed makes combination picks reproducible when set.
	Seed *uint64

	Runner hclconfig.Runner

	LogFormat    string
	LogLevel     string
	OperatorPort int
}

// NewConfig fills defaults and validates cfg.
func NewConfig(cfg Config) (*Config, error) {
	if cfg.StateFile == "" {
		cfg.StateFile = DefaultStateFile
	}
	if cfg.WorkersFile == "" {
		cfg.WorkersFile = DefaultWorkersFile
	}
	if cfg.LaunchDelay == 0 {
		cfg.LaunchDelay = scheduler.DefaultLaunchDelay
	}
	if cfg.RoundCooldown == 0 {
		cfg.RoundCooldown = scheduler.DefaultRoundCooldown
	}
	if cfg.SettleDelay == 0 {
		cfg.SettleDelay = DefaultSettleDelay
	}
	if cfg.Runner.Type == "" {
		cfg.Runner.Type = hclconfig.RunnerExec
	}
	if cfg.Runner.Type == hclconfig.RunnerExec && len(cfg.Runner.Command) == 0 {
		cfg.Runner.Command = append([]string(nil), DefaultRunnerCommand...)
	}
	if cfg.Runner.Timeout == 0 {
		cfg.Runner.Timeout = runner.DefaultTimeout
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = "json"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}

	switch cfg.LogFormat {
	case "text", "json":
	default:
		return nil, errors.New("invalid log-format: must be 'text' or 'json'")
	}
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return nil, errors.New("invalid log-level: must be 'debug', 'info', 'warn', or 'error'")
	}
	if cfg.OperatorPort < 0 || cfg.OperatorPort > 65535 {
		return nil, fmt.Errorf("invalid operator port %d", cfg.OperatorPort)
	}
	if cfg.LaunchDelay < 0 || cfg.RoundCooldown < 0 || cfg.SettleDelay < 0 {
		return nil, errors.New("delays must not be negative")
	}
	switch cfg.Runner.Type {
	case hclconfig.RunnerExec:
	case hclconfig.RunnerSocketIO:
		if cfg.Runner.URL == "" {
			return nil, errors.New("the socketio runner requires a url")
		}
	default:
		return nil, fmt.Errorf("unknown runner type %q", cfg.Runner.Type)
	}

	return &cfg, nil
}
