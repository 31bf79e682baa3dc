package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/baiirun/ahq/internal/protocol"
	"github.com/baiirun/ahq/internal/term"
)

var submitCmd = &cobra.Command{
	Use:   "submit <job> [args...]",
	Short: "Run a job on a matching agent",
	Long: `Create a session for <job>, allocate an agent carrying every --label,
and dispatch the job to it. With no matching agent the session waits in
the queue.

With --wait the command blocks until the session finishes and exits
non-zero unless it succeeded.`,
	Example: `  ahq submit unit-tests -l linux -l go
  ahq submit deploy --build B42 -e TARGET=staging --wait 10m`,
	Args: cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		asJSON, _ := cmd.Flags().GetBool("json")
		buildID, _ := cmd.Flags().GetString("build")
		labels, _ := cmd.Flags().GetStringSlice("label")
		envPairs, _ := cmd.Flags().GetStringArray("env")
		wait, _ := cmd.Flags().GetDuration("wait")

		env, err := parseEnv(envPairs)
		if err != nil {
			Fatal("%v", err)
		}

		c := newClient(cmd)
		resp, err := c.Submit(ctx(cmd), protocol.SubmitRequest{
			BuildID: buildID,
			Job:     args[0],
			Labels:  labels,
			Env:     env,
			Args:    args[1:],
		})
		if err != nil {
			Fatal("%v", err)
		}
		if asJSON && wait == 0 {
			printJSON(resp)
			return
		}
		if !asJSON {
			printSubmit(resp)
		}
		if wait == 0 {
			return
		}

		s, err := c.Result(ctx(cmd), resp.SessionID, wait)
		if err != nil {
			Fatal("%v", err)
		}
		if asJSON {
			printJSON(s)
		} else {
			printSession(s, time.Now())
		}
		exitForResult(s)
	},
}

func printSubmit(resp *protocol.SubmitResponse) {
	state := term.ForState(resp.State)(resp.State)
	if resp.AgentID == "" {
		fmt.Printf("%s %s\n", resp.SessionID, state)
		return
	}
	fmt.Printf("%s %s on %s at %s\n", resp.SessionID, state, term.Bold(resp.AgentID), resp.Address)
}

func init() {
	rootCmd.AddCommand(submitCmd)
	submitCmd.Flags().Bool("json", false, "Output raw JSON")
	submitCmd.Flags().StringP("build", "b", "", "Build to add the session to (default: a new build)")
	submitCmd.Flags().StringSliceP("label", "l", nil, "Required agent label (repeatable)")
	submitCmd.Flags().StringArrayP("env", "e", nil, "Environment variable KEY=VALUE for the job (repeatable)")
	submitCmd.Flags().Duration("wait", 0, "Wait up to this long for the session to finish")
}
