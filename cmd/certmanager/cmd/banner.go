package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

// Version is set at build time with -ldflags "-X ...cmd.Version=v1.2.3".
var Version = "dev"

const banner = `
                   _
  ___ ___ _ __| |_ _ __ ___   __ _ _ __   __ _  __ _  ___ _ __
 / __/ _ \ '__| __| '_ ` + "`" + ` _ \ / _` + "`" + ` | '_ \ / _` + "`" + ` |/ _` + "`" + ` |/ _ \ '__|
| (_|  __/ |  | |_| | | | | | (_| | | | | (_| | (_| |  __/ |
 \___\___|_|   \__|_| |_| |_|\__,_|_| |_|\__,_|\__, |\___|_|
                                                |___/
`

func printBanner(w io.Writer) {
	fmt.Fprintf(w, "\x1b[34m%s\x1b[0m", banner)
	fmt.Fprintf(w, "\x1b[32m  Certificate Manager - Version %s\x1b[0m\n\n", Version)
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		// No config is needed to print a version.
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), Version)
		},
	}
}
