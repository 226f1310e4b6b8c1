package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/tonimelisma/cartsync/internal/config"
)

// version is set at build time via ldflags.
var version = "dev"

// logFileMaxSizeMB caps each rotated log file.
const logFileMaxSizeMB = 50

// skipConfigAnnotation marks commands that must run even when the config
// file is broken (they only print or rewrite it).
const skipConfigAnnotation = "cartsync.skipConfig"

// CLIFlags holds the persistent flags shared by every command.
type CLIFlags struct {
	ConfigPath string
	Group      string
	HubURL     string
	User       string
	DataDir    string
	JSON       bool
	Verbose    bool
	Quiet      bool
}

// CLIContext is built once in PersistentPreRunE and carried on the command
// context. Cfg is nil for commands annotated with skipConfigAnnotation.
type CLIContext struct {
	Flags  CLIFlags
	Cfg    *config.Resolved
	Logger *slog.Logger

	// Level is the live log level; a config reload may change it.
	Level *slog.LevelVar

	closeLog func() error
}

type cliContextKey struct{}

func withCLIContext(ctx context.Context, cc *CLIContext) context.Context {
	return context.WithValue(ctx, cliContextKey{}, cc)
}

// mustCLIContext returns the CLIContext installed by the root command.
// Panics if called outside a command run.
func mustCLIContext(ctx context.Context) *CLIContext {
	cc, ok := ctx.Value(cliContextKey{}).(*CLIContext)
	if !ok {
		panic("cartsync: CLIContext missing from command context")
	}

	return cc
}

// newRootCmd builds and returns the fully-assembled root command with all
// subcommands registered. Called once from main().
func newRootCmd() *cobra.Command {
	flags := &CLIFlags{}

	cmd := &cobra.Command{
		Use:   "cartsync",
		Short: "Offline-first sync for shared shopping lists",
		Long: `cartsync keeps a local copy of a group's shopping lists, applies edits
immediately, and synchronizes them with a hub whenever the network allows.`,
		Version: version,
		// Errors are printed once by main.
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cc, err := newCLIContext(cmd, *flags)
			if err != nil {
				return err
			}

			cmd.SetContext(withCLIContext(cmd.Context(), cc))

			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd.Context())
			if cc.closeLog != nil {
				return cc.closeLog()
			}

			return nil
		},
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&flags.ConfigPath, "config", "", "config file path")
	pf.StringVar(&flags.Group, "group", "", "shared group id")
	pf.StringVar(&flags.HubURL, "hub", "", "hub WebSocket URL")
	pf.StringVar(&flags.User, "user", "", "user id recorded on list locks")
	pf.StringVar(&flags.DataDir, "data-dir", "", "directory for the database and credentials")
	pf.BoolVar(&flags.JSON, "json", false, "output in JSON format")
	pf.BoolVarP(&flags.Verbose, "verbose", "v", false, "enable debug logging")
	pf.BoolVarP(&flags.Quiet, "quiet", "q", false, "suppress informational output")

	cmd.MarkFlagsMutuallyExclusive("verbose", "quiet")

	cmd.AddCommand(newHubCmd())
	cmd.AddCommand(newJoinCmd())
	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newListCmd())
	cmd.AddCommand(newItemCmd())
	cmd.AddCommand(newQueueCmd())
	cmd.AddCommand(newDrainCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newConfigCmd())

	return cmd
}

// newCLIContext resolves configuration (unless the command opts out) and
// builds the logger.
func newCLIContext(cmd *cobra.Command, flags CLIFlags) (*CLIContext, error) {
	cc := &CLIContext{Flags: flags}

	logging := config.DefaultConfig().Logging

	if cmd.Annotations[skipConfigAnnotation] == "" {
		resolved, err := config.Resolve(config.ReadEnvOverrides(), cliOverrides(cmd, flags))
		if err != nil {
			return nil, fmt.Errorf("loading config: %w", err)
		}

		cc.Cfg = resolved
		logging = resolved.Logging
	}

	logger, level, closeLog := buildLogger(logging, flags, os.Stderr)
	cc.Logger = logger
	cc.Level = level
	cc.closeLog = closeLog

	return cc, nil
}

// cliOverrides passes only the flags the user explicitly set.
func cliOverrides(cmd *cobra.Command, flags CLIFlags) config.CLIOverrides {
	cli := config.CLIOverrides{ConfigPath: flags.ConfigPath}

	changed := func(name string) bool {
		f := cmd.Flags().Lookup(name)
		return f != nil && f.Changed
	}

	if changed("group") {
		cli.Group = &flags.Group
	}

	if changed("hub") {
		cli.HubURL = &flags.HubURL
	}

	if changed("user") {
		cli.User = &flags.User
	}

	if changed("data-dir") {
		cli.DataDir = &flags.DataDir
	}

	return cli
}

// logLevel maps the config level to slog. --verbose and --quiet override it
// because CLI flags always win.
func logLevel(cfgLevel string, flags CLIFlags) slog.Level {
	level := parseLogLevel(cfgLevel)

	if flags.Verbose {
		level = slog.LevelDebug
	}

	if flags.Quiet {
		level = slog.LevelError
	}

	return level
}

func parseLogLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// buildLogger creates the process logger. A configured log_file is rotated
// by lumberjack; otherwise logs go to stderr. Format "auto" picks text for a
// terminal and JSON for everything else.
func buildLogger(l config.LoggingConfig, flags CLIFlags, stderr *os.File) (*slog.Logger, *slog.LevelVar, func() error) {
	level := &slog.LevelVar{}
	level.Set(logLevel(l.LogLevel, flags))

	var (
		out      io.Writer = stderr
		terminal           = isatty.IsTerminal(stderr.Fd()) || isatty.IsCygwinTerminal(stderr.Fd())
		closeFn            = func() error { return nil }
	)

	if l.LogFile != "" {
		lj := &lumberjack.Logger{
			Filename: l.LogFile,
			MaxSize:  logFileMaxSizeMB,
			MaxAge:   l.LogRetentionDays,
		}

		out = lj
		terminal = false
		closeFn = lj.Close
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler

	switch {
	case l.LogFormat == "json", l.LogFormat == "auto" && !terminal:
		handler = slog.NewJSONHandler(out, opts)
	default:
		handler = slog.NewTextHandler(out, opts)
	}

	return slog.New(handler), level, closeFn
}

// Statusf prints a status message to stderr unless quiet mode is set.
func (cc *CLIContext) Statusf(format string, args ...any) {
	statusf(cc.Flags.Quiet, format, args...)
}

// requireGroup returns an error naming the missing setting.
func (cc *CLIContext) requireGroup() error {
	if cc.Cfg == nil || cc.Cfg.Group == "" {
		return errors.New("no group configured: run `cartsync join` or pass --group")
	}

	return nil
}

// exitOnError prints a user-friendly error message to stderr and exits.
func exitOnError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
