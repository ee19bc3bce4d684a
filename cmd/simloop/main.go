package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"syscall"

	"github.com/gxo-labs/simloop/internal/config"
	"github.com/gxo-labs/simloop/internal/logger"
	simlog "github.com/gxo-labs/simloop/pkg/simloop/v1/log"

	"github.com/spf13/cobra"
)

const (
	ExitSuccess         = 0
	ExitFailure         = 1
	ExitUsageError      = 2
	ExitSigIntBase      = 128
	ExitSigInt          = ExitSigIntBase + int(syscall.SIGINT)
	ExitSigTerm         = ExitSigIntBase + int(syscall.SIGTERM)
	DefaultLogLevel     = "info"
	DefaultLogFmt       = "text"
	DefaultEventBusSize = 256
	DefaultServerURL    = "http://127.0.0.1:8080"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

// exitError carries a process exit code out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

type rootOptions struct {
	configPath string
	logLevel   string
	logFormat  string
	serverURL  string
	token      string
}

func main() {
	os.Exit(execute(os.Args[1:], os.Stdout, os.Stderr))
}

func execute(args []string, stdout, stderr io.Writer) int {
	root := newRootCmd(stdout, stderr)
	root.SetArgs(args)
	err := root.Execute()
	if err == nil {
		return ExitSuccess
	}
	var ee *exitError
	if errors.As(err, &ee) {
		if ee.err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", ee.err)
		}
		return ee.code
	}
	fmt.Fprintf(stderr, "Error: %v\n", err)
	return ExitFailure
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "simloop",
		Short:         "Self-improving workflow generation simulation loop",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	pf := root.PersistentFlags()
	pf.StringVarP(&opts.configPath, "config", "c", "", "Path to the simloop YAML config file")
	pf.StringVar(&opts.logLevel, "log-level", "", "Log level (debug, info, warn, error); overrides the config")
	pf.StringVar(&opts.logFormat, "log-format", "", "Log format (text, json); overrides the config")
	pf.StringVar(&opts.serverURL, "server", envOr("SIMLOOP_SERVER", DefaultServerURL), "Admin API base URL for control commands")
	pf.StringVar(&opts.token, "token", os.Getenv("SIMLOOP_TOKEN"), "Bearer token for the admin API")

	root.AddCommand(
		newRunCmd(opts),
		newValidateCmd(opts),
		newVersionCmd(),
	)
	root.AddCommand(newControlCmds(opts)...)
	root.AddCommand(newDataCmds(opts)...)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "simloop version %s\n", version)
			fmt.Fprintf(out, "commit: %s\n", commit)
			fmt.Fprintf(out, "built: %s\n", buildDate)
			fmt.Fprintf(out, "go version: %s\n", runtime.Version())
			fmt.Fprintf(out, "os/arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	}
}

func newValidateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate a config file against the schema and logical rules",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if opts.configPath == "" {
				return &exitError{code: ExitUsageError, err: errors.New("--config is required for validation")}
			}
			log := logger.NewLogger(stringOr(opts.logLevel, DefaultLogLevel), stringOr(opts.logFormat, DefaultLogFmt), cmd.ErrOrStderr())
			log.Infof("Validating config: %s", opts.configPath)
			if _, err := config.LoadFromFile(opts.configPath); err != nil {
				log.Errorf("Config validation failed:\n%v", err)
				return &exitError{code: ExitFailure}
			}
			log.Infof("Config validation successful: %s", opts.configPath)
			return nil
		},
	}
}

// loadConfig reads the config file, or returns the defaults when no path
// was given.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.LoadFromFile(path)
}

func newLogger(opts *rootOptions, cfg *config.Config, w io.Writer) simlog.Logger {
	level := stringOr(opts.logLevel, cfg.Logging.GetLevel())
	format := stringOr(opts.logFormat, cfg.Logging.GetFormat())
	return logger.NewLogger(level, format, w).With("simloop_version", version)
}

func stringOr(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
