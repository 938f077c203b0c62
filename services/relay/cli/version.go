package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sentinel-honeypot/relay/internal/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprint(cmd.OutOrStdout(), version.String("relay"))
	},
}
