// Package cmd implements the CLI commands for fsgate.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/thegrumpylion/fsgate/internal/auth"
	"github.com/thegrumpylion/fsgate/internal/drive"
	"github.com/thegrumpylion/fsgate/internal/gate"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	configDir       string
	credentialsFile string
	version         = "dev"
)

// SetVersion sets the version string used in the CLI and MCP server.
func SetVersion(v string) {
	version = v
}

func newManager() (*auth.Manager, error) {
	return auth.NewManager(configDir, credentialsFile)
}

// globalFlags holds the flags shared by every command.
type globalFlags struct {
	configFile string
	logLevel   string
	logFormat  string

	log *zap.Logger
}

// NewRootCmd creates the root cobra command.
func NewRootCmd() *cobra.Command {
	g := &globalFlags{log: zap.NewNop()}
	v := viper.New()

	root := &cobra.Command{
		Use:   "fsgate",
		Short: "Sandboxed file access for MCP clients, wasm guests and C callers",
		Long: `fsgate reads and writes files strictly inside a root directory. Filenames
are untrusted: traversal, absolute paths and symlinks that would leave the
root are refused before any I/O.

  fsgate serve --root DIR          - MCP server over stdio
  fsgate write --root DIR NAME     - write one file (legacy status codes)
  fsgate read --root DIR NAME      - read one file (legacy sentinels)
  fsgate wasm --root DIR MOD.wasm  - run a wasm guest against the fsgate host module

Every flag can also be set as FSGATE_<FLAG> (e.g. FSGATE_ROOT, FSGATE_MAX_READ_SIZE)
or in a YAML file passed with --config.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := loadConfig(v, g.configFile, cmd.Flags()); err != nil {
				return err
			}
			l, err := newLogger(g.logLevel, g.logFormat)
			if err != nil {
				return err
			}
			g.log = l
			gate.SetLogger(l)
			return nil
		},
	}

	root.PersistentFlags().StringVar(&configDir, "config-dir", "", "config directory (default: $XDG_CONFIG_HOME/fsgate)")
	root.PersistentFlags().StringVar(&credentialsFile, "credentials", "", "path to Google OAuth credentials.json (default: <config-dir>/credentials.json)")
	root.PersistentFlags().StringVar(&g.configFile, "config", "", "YAML file with flag values")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&g.logFormat, "log-format", "json", "log format (json, console)")

	root.AddCommand(
		newAuthCmd(),
		newServeCmd(g),
		newWriteCmd(),
		newReadCmd(),
		newWasmCmd(g),
	)

	return root
}

// loadConfig layers the config file and FSGATE_* environment variables under
// the command line: a value is taken from them only for flags that were not
// set explicitly.
func loadConfig(v *viper.Viper, configFile string, flags *pflag.FlagSet) error {
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("reading config file: %w", err)
		}
	}
	v.SetEnvPrefix("FSGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(flags); err != nil {
		return fmt.Errorf("binding flags: %w", err)
	}

	var errs []error
	flags.VisitAll(func(f *pflag.Flag) {
		if f.Changed || !v.IsSet(f.Name) {
			return
		}
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			if err := sv.Replace(v.GetStringSlice(f.Name)); err != nil {
				errs = append(errs, fmt.Errorf("--%s: %w", f.Name, err))
			}
			return
		}
		if err := flags.Set(f.Name, v.GetString(f.Name)); err != nil {
			errs = append(errs, fmt.Errorf("--%s: %w", f.Name, err))
		}
	})
	return errors.Join(errs...)
}

// newLogger builds the process logger. It always writes to stderr since
// stdout carries the MCP stream.
func newLogger(level, format string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid --log-level: %w", err)
	}

	var cfg zap.Config
	switch format {
	case "json":
		cfg = zap.NewProductionConfig()
	case "console":
		cfg = zap.NewDevelopmentConfig()
	default:
		return nil, fmt.Errorf("invalid --log-format %q (want json or console)", format)
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	return cfg.Build()
}

// --- auth commands ---

func newAuthCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Manage Google account authentication for the Drive tools",
	}

	cmd.AddCommand(
		newAuthAddCmd(),
		newAuthListCmd(),
		newAuthRemoveCmd(),
	)

	return cmd
}

func newAuthAddCmd() *cobra.Command {
	var scopes []string

	cmd := &cobra.Command{
		Use:   "add <account-name>",
		Short: "Add a Google account via OAuth browser flow",
		Long: `Authenticate a Google account and store the token under the given name.
The name is your own label (e.g. "personal", "work").

Requires credentials.json from Google Cloud Console at the default
path (~/.config/fsgate/credentials.json) or via --credentials.

The Drive scopes used by serve --drive are always requested. Use --scopes to
request additional ones.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := newManager()
			if err != nil {
				return err
			}
			return mgr.Authenticate(cmd.Context(), cmd.OutOrStdout(), args[0], mergeScopes(drive.Scopes, scopes))
		},
	}

	cmd.Flags().StringSliceVar(&scopes, "scopes", nil, "additional OAuth scopes to request")

	return cmd
}

func newAuthListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List configured accounts",
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := newManager()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			accounts := mgr.ListAccounts()
			if len(accounts) == 0 {
				fmt.Fprintln(out, "No accounts configured.")
				return nil
			}

			fmt.Fprintln(out, "Configured accounts:")
			for _, a := range accounts {
				fmt.Fprintf(out, "  - %s\n", a.Name)
				for _, s := range a.Scopes {
					fmt.Fprintf(out, "      %s\n", s)
				}
			}
			return nil
		},
	}
}

func newAuthRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <account-name>",
		Short: "Remove a stored account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := newManager()
			if err != nil {
				return err
			}
			if err := mgr.RemoveAccount(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Account %q removed.\n", args[0])
			return nil
		},
	}
}

// --- helpers ---

func mergeScopes(scopeSets ...[]string) []string {
	seen := make(map[string]bool)
	var result []string
	for _, scopes := range scopeSets {
		for _, s := range scopes {
			if !seen[s] {
				seen[s] = true
				result = append(result, s)
			}
		}
	}
	return result
}

// exitError carries a process exit code out of a command. The command has
// already printed its result, so Execute prints nothing else.
type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

// Execute runs the root command.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := NewRootCmd().ExecuteContext(ctx)
	stop()
	if err == nil {
		return
	}

	var ee *exitError
	if errors.As(err, &ee) {
		os.Exit(ee.code)
	}
	fmt.Fprintln(os.Stderr, "Error:", err)
	os.Exit(1)
}
