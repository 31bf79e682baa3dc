package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/baiirun/ahq/internal/client"
	"github.com/baiirun/ahq/internal/term"
)

// addrEnv overrides the default daemon address.
const addrEnv = "AHQ_ADDR"

var rootCmd = &cobra.Command{
	Use:   "ahq",
	Short: "CI agent headquarters CLI",
	Long: `ahq is the CLI for the agent headquarters.

It registers agents, submits and allocates sessions, and inspects the
registry, the pending queue and session history.

The daemon (ahqd, or "ahq daemon start") must be running for most
commands to work.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		noColor, _ := cmd.Flags().GetBool("no-color")
		term.Disable(noColor)
	},
}

// SetVersion sets the version reported by --version.
func SetVersion(v string) {
	rootCmd.Version = v
}

// Execute runs the root command.
func Execute() error {
	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
	}
	return err
}

func init() {
	rootCmd.PersistentFlags().StringP("addr", "a", os.Getenv(addrEnv), "daemon address (default :6699, or $"+addrEnv+")")
	rootCmd.PersistentFlags().Bool("no-color", false, "Disable colored output")
}

// Fatal prints an error and exits.
func Fatal(msg string, args ...any) {
	fmt.Fprintf(os.Stderr, "error: "+msg+"\n", args...)
	os.Exit(1)
}

func newClient(cmd *cobra.Command) *client.Client {
	addr, _ := cmd.Flags().GetString("addr")
	return client.New(addr)
}

func ctx(cmd *cobra.Command) context.Context {
	if c := cmd.Context(); c != nil {
		return c
	}
	return context.Background()
}

// printJSON writes v indented to stdout.
func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		Fatal("encoding json: %v", err)
	}
}
