package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"proserve/cmd/internal/app"
)

// cli holds per-invocation state shared by subcommands.
type cli struct {
	in  io.Reader
	out io.Writer

	envFile  string
	logLevel string
	logFmt   string

	cfg app.Config
	log *slog.Logger

	// newRuntime is swapped in tests.
	newRuntime func(*cobra.Command, app.Config, *slog.Logger) (*app.Runtime, error)
}

func newRootCmd(in io.Reader, out, errOut io.Writer) *cobra.Command {
	c := &cli{in: in, out: out, newRuntime: defaultRuntime}

	root := &cobra.Command{
		Use:   "proserve",
		Short: "Kiosk session core: relay, sign-in and cashier sessions",
		Long: `proserve keeps a point-of-sale terminal's sessions in step.

Example usage:
  proserve relay                       # Serve the cross-terminal bus relay
  proserve login -u ana                # Sign in (password read from stdin)
  proserve cashier start --id 5 --name "Ana Perez"
  proserve cashier status              # Show the cashier session and time left
  proserve watch                       # Follow changes and expiry notices`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.init(cmd)
		},
	}
	root.SetIn(in)
	root.SetOut(out)
	root.SetErr(errOut)

	root.PersistentFlags().StringVar(&c.envFile, "env-file", ".env", "dotenv file loaded before reading PROSERVE_* variables")
	root.PersistentFlags().StringVar(&c.logLevel, "log-level", "", "log level (overrides PROSERVE_LOG_LEVEL)")
	root.PersistentFlags().StringVar(&c.logFmt, "log-format", "", "log format: json or pretty (overrides PROSERVE_LOG_FORMAT)")

	root.AddCommand(
		newRelayCmd(c),
		newLoginCmd(c),
		newWhoamiCmd(c),
		newLogoutCmd(c),
		newCashierCmd(c),
		newWatchCmd(c),
	)
	return root
}

func (c *cli) init(cmd *cobra.Command) error {
	if c.envFile != "" {
		if err := godotenv.Load(c.envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("loading %s: %w", c.envFile, err)
		}
	}

	c.cfg = app.LoadConfig()
	if c.logLevel != "" {
		c.cfg.LogLevel = c.logLevel
	}
	if c.logFmt != "" {
		c.cfg.LogFormat = c.logFmt
	}
	if c.log == nil {
		c.log = app.NewLogger(c.cfg.LogLevel, c.cfg.LogFormat)
	}

	c.log.Debug("cli.config",
		"command", cmd.CommandPath(),
		"store", c.cfg.StoreDriver,
		"bus", c.cfg.BusDriver,
		"api", c.cfg.APIBaseURL,
	)
	return nil
}

// runtime opens the terminal runtime; callers must Close it.
func (c *cli) runtime(cmd *cobra.Command) (*app.Runtime, error) {
	return c.newRuntime(cmd, c.cfg, c.log)
}

func defaultRuntime(cmd *cobra.Command, cfg app.Config, log *slog.Logger) (*app.Runtime, error) {
	return app.NewRuntime(cmd.Context(), cfg, log)
}
