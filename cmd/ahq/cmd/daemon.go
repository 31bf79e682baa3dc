package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/baiirun/ahq/internal/daemon"
	"github.com/baiirun/ahq/internal/term"
)

var daemonFlags daemon.Flags

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Manage the daemon",
	Long:  `Start the daemon or check whether it is healthy.`,
	Run: func(cmd *cobra.Command, args []string) {
		c := newClient(cmd)
		if err := c.Health(ctx(cmd)); err != nil {
			fmt.Println(term.Red("not running"), term.Dimf("(%v)", err))
			fmt.Println("\nTo start: ahq daemon start")
			return
		}
		fmt.Println(term.Green("running"))
	},
}

var daemonStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the daemon",
	Long: `Start ahqd in the foreground. Flags override the config file, which
overrides the defaults. Stop it with Ctrl-C or SIGTERM.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		if err := daemonFlags.Serve(ctx(cmd)); err != nil {
			Fatal("%v", err)
		}
	},
}

func init() {
	rootCmd.AddCommand(daemonCmd)
	daemonCmd.AddCommand(daemonStartCmd)
	daemonFlags.Bind(daemonStartCmd.Flags())
}
