package cli

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/specialistvlad/gridtune/internal/app"
	"github.com/specialistvlad/gridtune/internal/hclconfig"
	"github.com/specialistvlad/gridtune/internal/version"
)

// ExitError is a custom error type that includes a specific exit code.
type ExitError struct {
	Code    int
	Message string
}

// Error implements the error interface for ExitError.
func (e *ExitError) Error() string {
	return e.Message
}

func usageError(format string, args ...any) error {
	return &ExitError{Code: 2, Message: fmt.Sprintf(format, args...)}
}

// Options holds the global flags shared by every command.
type Options struct {
	ConfigPath  string
	StateFile   string
	WorkersFile string
	LogLevel    string
	LogFormat   string

	appOpts []app.Option
}

// runOptions holds the flags of the run command.
type runOptions struct {
	LaunchDelay   time.Duration
	RoundCooldown time.Duration
	OperatorPort  int
	ForceNewRun   bool
	Seed          uint64
}

// NewRootCmd constructs the command tree. appOpts are passed to every App
// the commands build.
func NewRootCmd(appOpts ...app.Option) *cobra.Command {
	opts := &Options{appOpts: appOpts}

	cmd := &cobra.Command{
		Use:   "gridtune",
		Short: "Grid-search hyperparameter tuning across remote training workers",
		Long: `gridtune expands a tuning specification into parameter combinations,
assigns each combination to exactly one worker, skips work that already
ran, and persists progress so a restart resumes where it left off.`,
		Version:       version.Full(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := cmd.PersistentFlags()
	flags.StringVarP(&opts.ConfigPath, "config", "c", "", "Path to a .hcl config file or a directory of them.")
	flags.StringVar(&opts.StateFile, "state-file", "", "Path to the tuning-state document (default ./tune_params.json).")
	flags.StringVar(&opts.WorkersFile, "workers-file", "", "Path to the worker registry (default ./studios.json).")
	flags.StringVar(&opts.LogLevel, "log-level", "", "Logging level: 'debug', 'info', 'warn', 'error' (default info).")
	flags.StringVar(&opts.LogFormat, "log-format", "", "Log output format: 'text' or 'json' (default json).")

	cmd.AddCommand(newRunCmd(opts))
	cmd.AddCommand(newStatusCmd(opts))
	cmd.AddCommand(newInitCmd(opts))
	cmd.AddCommand(newWorkersCmd(opts))
	cmd.AddCommand(newWorkerCmd(opts))
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// loadConfig merges the config file (if any) with explicitly set flags and
// validates the result. Flags win over file values.
func loadConfig(cmd *cobra.Command, opts *Options, ro *runOptions) (*app.Config, error) {
	cfg := app.Config{}
	if opts.ConfigPath != "" {
		fc, err := hclconfig.NewLoader().Load(commandContext(cmd), opts.ConfigPath)
		if err != nil {
			return nil, usageError("%v", err)
		}
		cfg = fromFile(fc)
	}

	flags := cmd.Flags()
	if flags.Changed("state-file") {
		cfg.StateFile = opts.StateFile
	}
	if flags.Changed("workers-file") {
		cfg.WorkersFile = opts.WorkersFile
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = strings.ToLower(opts.LogLevel)
	}
	if flags.Changed("log-format") {
		cfg.LogFormat = strings.ToLower(opts.LogFormat)
	}
	if ro != nil {
		if flags.Changed("launch-delay") {
			cfg.LaunchDelay = ro.LaunchDelay
		}
		if flags.Changed("round-cooldown") {
			cfg.RoundCooldown = ro.RoundCooldown
		}
		if flags.Changed("operator-port") {
			cfg.OperatorPort = ro.OperatorPort
		}
		if flags.Changed("seed") {
			seed := ro.Seed
			cfg.Seed = &seed
		}
		cfg.ForceNewRun = ro.ForceNewRun
	}

	validated, err := app.NewConfig(cfg)
	if err != nil {
		return nil, usageError("%v", err)
	}
	return validated, nil
}

func fromFile(fc *hclconfig.Config) app.Config {
	cfg := app.Config{
		StateFile:     fc.StateFile,
		WorkersFile:   fc.WorkersFile,
		LaunchDelay:   fc.LaunchDelay,
		RoundCooldown: fc.RoundCooldown,
		SettleDelay:   fc.SettleDelay,
		OperatorPort:  fc.OperatorPort,
		LogLevel:      fc.LogLevel,
		LogFormat:     fc.LogFormat,
	}
	if fc.Runner != nil {
		cfg.Runner = *fc.Runner
	}
	return cfg
}

// newApp builds the App for a command. Logs go to the command's error
// stream so command output stays machine-readable.
func newApp(cmd *cobra.Command, opts *Options, ro *runOptions) (*app.App, error) {
	cfg, err := loadConfig(cmd, opts, ro)
	if err != nil {
		return nil, err
	}
	return app.NewApp(logWriter(cmd), cfg, opts.appOpts...)
}

func logWriter(cmd *cobra.Command) io.Writer {
	return cmd.ErrOrStderr()
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
