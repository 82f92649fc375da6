package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/andywolf/issuelens/internal/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  `Print version information including commit hash, build date and Go version.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		info := version.Get()
		asJSON, _ := cmd.Flags().GetBool("json")
		if asJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(info)
		}
		fmt.Fprintln(cmd.OutOrStdout(), info.String())
		return nil
	},
}

func init() {
	versionCmd.Flags().Bool("json", false, "print version information as JSON")
	rootCmd.AddCommand(versionCmd)
}
