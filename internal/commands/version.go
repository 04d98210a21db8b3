package commands

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

// Version metadata, overridable at build time via -ldflags.
var (
	Version   = "0.1.0"
	BuildTime = "dev"
)

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("spine %s (build: %s, %s/%s)\n", Version, BuildTime, runtime.GOOS, runtime.GOARCH)
		},
	}
}
