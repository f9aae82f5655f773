package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fmueller/quietwav/internal/platform"
	"github.com/fmueller/quietwav/internal/version"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		RunE: func(cmd *cobra.Command, _ []string) error {
			info := version.Resolve()
			fmt.Fprintf(cmd.OutOrStdout(), "quietwav v%s %s\n", info, platform.CurrentRuntime())
			if info.Date != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "built %s\n", info.Date)
			}
			return nil
		},
	}
}
