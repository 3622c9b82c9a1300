package cmd

import (
	"fmt"
	"io"
	"unicode/utf8"

	"github.com/spf13/cobra"
	"github.com/thegrumpylion/fsgate/internal/boundary"
)

// The one-shot commands print the legacy result on stdout and exit with the
// negated status code, so scripts can branch on either.

func newWriteCmd() *cobra.Command {
	var flags gateFlags
	cmd := &cobra.Command{
		Use:   "write <filename> [content]",
		Short: "Write one file inside --root",
		Long: `Writes content to filename inside --root, reading stdin when content is
omitted. Prints the legacy status code:
  0   written
  -1  access denied (the filename resolves outside the root)
  -2  I/O error
and exits with 0, 1 or 2 respectively.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			root, g, err := flags.sandbox()
			if err != nil {
				return err
			}

			var content string
			if len(args) == 2 {
				content = args[1]
			} else {
				data, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("reading stdin: %w", err)
				}
				content = string(data)
			}

			status := boundary.LegacyWrite(g, root, args[0], content)
			fmt.Fprintln(cmd.OutOrStdout(), status)
			if status != boundary.StatusOK {
				return &exitError{code: int(-status)}
			}
			return nil
		},
	}
	addGateFlags(cmd, &flags)
	return cmd
}

func newReadCmd() *cobra.Command {
	var flags gateFlags
	cmd := &cobra.Command{
		Use:   "read <filename>",
		Short: "Read one file inside --root",
		Long: `Prints the contents of filename inside --root, or one of the legacy
sentinels:
  ERROR: Access Denied   (exit 1)
  ERROR: File not found  (exit 3, also for files that are not UTF-8 text)
Other I/O errors print the not-found sentinel and exit 2.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			root, g, err := flags.sandbox()
			if err != nil {
				return err
			}

			data, err := g.Read(root, boundary.Text(args[0]))
			fmt.Fprint(cmd.OutOrStdout(), boundary.ReadText(data, err))

			status := boundary.Status(err)
			if status == boundary.StatusOK && !utf8.Valid(data) {
				status = boundary.StatusNotFound
			}
			if status != boundary.StatusOK {
				return &exitError{code: int(-status)}
			}
			return nil
		},
	}
	addGateFlags(cmd, &flags)
	return cmd
}
