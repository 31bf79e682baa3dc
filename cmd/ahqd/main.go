// Command ahqd runs the agent headquarters daemon.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/baiirun/ahq/internal/daemon"
)

// version is set via ldflags at build time.
var version = "dev"

func main() {
	var flags daemon.Flags
	root := &cobra.Command{
		Use:   "ahqd",
		Short: "Agent headquarters daemon",
		Long: `ahqd tracks CI agents, matches sessions to agents by label, and
dispatches work to them. State lives in Redis so several ahqd processes
can share one store.`,
		Version:       version,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return flags.Serve(cmd.Context())
		},
	}
	flags.Bind(root.Flags())

	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
