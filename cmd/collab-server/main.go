// collab-server is the multi-agent orchestration engine: it exposes the
// streaming invoke API and coordinates remote agents through the gateway.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "collab-server",
	Short: "Multi-agent orchestration engine",
	Long: `collab-server coordinates remote agents behind an agent gateway,
either through a manager-delegation round loop or a plan-then-execute
flow with optional human approval, and streams progress over SSE.`,
	SilenceUsage: true,
}

func main() {
	rootCmd.AddCommand(serveCmd, tailCmd, configCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
