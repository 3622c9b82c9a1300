package cmd

import (
	"fmt"
	"os"
	"strconv"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"
	"github.com/thegrumpylion/fsgate/internal/drive"
	"github.com/thegrumpylion/fsgate/internal/gate"
	"github.com/thegrumpylion/fsgate/internal/resolver"
	"github.com/thegrumpylion/fsgate/internal/server"
	"go.uber.org/zap"
)

// toolFilterFlags holds the CLI flags for tool filtering.
type toolFilterFlags struct {
	readOnly bool
	enable   []string
	disable  []string
}

// addToolFilterFlags adds --read-only, --enable, and --disable flags to a command.
func addToolFilterFlags(cmd *cobra.Command, f *toolFilterFlags) {
	cmd.Flags().BoolVar(&f.readOnly, "read-only", false, "only expose read-only tools (no mutations)")
	cmd.Flags().StringSliceVar(&f.enable, "enable", nil, "whitelist of tool names to expose (comma-separated)")
	cmd.Flags().StringSliceVar(&f.disable, "disable", nil, "blacklist of tool names to hide (comma-separated)")
	cmd.MarkFlagsMutuallyExclusive("enable", "disable")
}

// toToolFilter converts the CLI flags to an server.ToolFilter.
func (f *toolFilterFlags) toToolFilter() server.ToolFilter {
	return server.ToolFilter{
		ReadOnly: f.readOnly,
		Enable:   f.enable,
		Disable:  f.disable,
	}
}

// gateFlags holds the CLI flags that configure the gate.
type gateFlags struct {
	root          string
	maxReadSize   int64
	createParents bool
	fileMode      string
}

func addGateFlags(cmd *cobra.Command, f *gateFlags) {
	cmd.Flags().StringVar(&f.root, "root", "", "sandbox root directory (required)")
	cmd.Flags().Int64Var(&f.maxReadSize, "max-read-size", 0, "refuse to read files larger than this many bytes (0: unlimited)")
	cmd.Flags().BoolVar(&f.createParents, "create-parents", false, "create missing parent directories inside the root on write")
	cmd.Flags().StringVar(&f.fileMode, "file-mode", "0644", "permission bits, in octal, for files created on write")
}

// sandbox validates the root and builds the gate.
func (f *gateFlags) sandbox() (string, *gate.Gate, error) {
	if f.root == "" {
		return "", nil, fmt.Errorf("--root is required (or set FSGATE_ROOT)")
	}
	root, err := resolver.CanonicalRoot(f.root)
	if err != nil {
		return "", nil, err
	}
	mode, err := strconv.ParseUint(f.fileMode, 8, 32)
	if err != nil || mode&^0o777 != 0 {
		return "", nil, fmt.Errorf("invalid --file-mode %q: want octal permission bits such as 0644", f.fileMode)
	}
	return root, gate.New(
		gate.WithMaxReadSize(f.maxReadSize),
		gate.WithCreateParents(f.createParents),
		gate.WithFileMode(os.FileMode(mode)),
	), nil
}

func newServeCmd(gf *globalFlags) *cobra.Command {
	var (
		flags       toolFilterFlags
		sbFlags     gateFlags
		enableDrive bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the sandboxed file MCP server (stdio)",
		Long: `Starts an MCP server over stdio with file tools confined to --root:
  list_files, read_file, write_file.

With --drive, the Google Drive bridge tools are added:
  list_accounts, search_drive, drive_import, drive_export.
They need an account added with 'fsgate auth add <name>'.

Use --read-only to expose only read-only tools.
Use --enable or --disable for granular tool control.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			root, g, err := sbFlags.sandbox()
			if err != nil {
				return err
			}

			srv := server.NewServer(&mcp.Implementation{
				Name:    "fsgate",
				Version: version,
			}, nil)
			srv.SetSandbox(root, g)
			server.RegisterSandboxTools(srv)

			if enableDrive {
				mgr, err := newManager()
				if err != nil {
					return err
				}
				if err := mgr.CheckOutside(root); err != nil {
					return err
				}
				drive.RegisterTools(srv, mgr)
			}

			if err := srv.ApplyFilter(flags.toToolFilter()); err != nil {
				return err
			}

			gf.log.Info("serving sandbox over stdio",
				zap.String("root", root),
				zap.Bool("drive", enableDrive),
				zap.Bool("read_only", flags.readOnly))
			return srv.Run(cmd.Context(), &mcp.StdioTransport{})
		},
	}
	addToolFilterFlags(cmd, &flags)
	addGateFlags(cmd, &sbFlags)
	cmd.Flags().BoolVar(&enableDrive, "drive", false, "register the Google Drive bridge tools")
	return cmd
}
