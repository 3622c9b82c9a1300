package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"
	"github.com/thegrumpylion/fsgate/internal/wasmhost"
	"go.uber.org/zap"
)

func newWasmCmd(gf *globalFlags) *cobra.Command {
	var flags gateFlags
	cmd := &cobra.Command{
		Use:   "wasm <module.wasm> [args...]",
		Short: "Run a WASI guest with the fsgate host module",
		Long: `Runs a WebAssembly module's _start function with WASI and the "fsgate"
host module (fsgate.write, fsgate.read) available as imports.

The guest gets no preopened directories. Its only file access is through the
fsgate imports, and every root it passes must be --root or a directory beneath
it. The canonical root is exported to the guest as FSGATE_ROOT.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			root, g, err := flags.sandbox()
			if err != nil {
				return err
			}
			bin, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("reading module: %w", err)
			}

			ctx := cmd.Context()
			rt := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig().WithCloseOnContextDone(true))
			defer rt.Close(ctx)

			wasi_snapshot_preview1.MustInstantiate(ctx, rt)
			host := wasmhost.New(g, wasmhost.WithLogger(gf.log), wasmhost.WithRootConstraint(root))
			if _, err := host.Instantiate(ctx, rt); err != nil {
				return fmt.Errorf("instantiating host module: %w", err)
			}

			name := filepath.Base(args[0])
			cfg := wazero.NewModuleConfig().
				WithName(name).
				WithArgs(append([]string{name}, args[1:]...)...).
				WithEnv("FSGATE_ROOT", root).
				WithStdin(cmd.InOrStdin()).
				WithStdout(cmd.OutOrStdout()).
				WithStderr(cmd.ErrOrStderr())

			gf.log.Debug("running guest", zap.String("module", name), zap.String("root", root))
			_, err = rt.InstantiateWithConfig(ctx, bin, cfg)

			var exit *sys.ExitError
			if errors.As(err, &exit) {
				if exit.ExitCode() != 0 {
					return &exitError{code: int(exit.ExitCode())}
				}
				return nil
			}
			if err != nil {
				return fmt.Errorf("running %s: %w", name, err)
			}
			return nil
		},
	}
	addGateFlags(cmd, &flags)
	return cmd
}
