package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version is set at build time with -ldflags "-X .../cmd.Version=...".
var Version = "dev"

const banner = `
        _                    _       
  _   _(_) __ _  __ _  __ _| |_ ___ 
 | | | | |/ _` + "`" + ` |/ _` + "`" + ` |/ _` + "`" + ` | __/ _ \
 | |_| | | (_| | (_| | (_| | ||  __/
  \__,_|_|\__,_|\__, |\__,_|\__\___|
                |___/               
`

func printBanner() {
	fmt.Printf("\x1b[34m%s\x1b[0m", banner)
	fmt.Printf("\x1b[32m  Matrix UIA Gateway - Version %s\x1b[0m\n\n", Version)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), Version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
