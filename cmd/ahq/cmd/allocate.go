package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/baiirun/ahq/internal/hq"
	"github.com/baiirun/ahq/internal/protocol"
	"github.com/baiirun/ahq/internal/term"
)

var allocateCmd = &cobra.Command{
	Use:   "allocate",
	Short: "Reserve an agent carrying every label",
	Long: `Reserve an available agent that advertises every --label. When none
matches the request is queued and handed to the first matching agent that
checks in available.

Allocation does not dispatch: the caller contacts the agent itself. Use
"ahq submit" to allocate and dispatch in one step.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		asJSON, _ := cmd.Flags().GetBool("json")
		sessionID, _ := cmd.Flags().GetString("session")
		labels, _ := cmd.Flags().GetStringSlice("label")
		payload, _ := cmd.Flags().GetString("payload")

		req := protocol.AllocateRequest{SessionID: sessionID, Labels: labels}
		if payload != "" {
			if !json.Valid([]byte(payload)) {
				Fatal("--payload is not valid JSON")
			}
			req.Payload = json.RawMessage(payload)
		}

		resp, err := newClient(cmd).Allocate(ctx(cmd), req)
		if err != nil {
			Fatal("%v", err)
		}
		if asJSON {
			printJSON(resp)
			return
		}

		if resp.Status == hq.StatusQueued {
			fmt.Printf("%s %s %s\n", term.Yellow("queued"), resp.SessionID, term.Dimf("(no agent with labels %s)", formatLabels(labels)))
			return
		}
		fmt.Printf("%s %s -> %s %s at %s\n", term.Green("allocated"), resp.SessionID, term.Bold(resp.AgentID), resp.Nick, resp.Address)
	},
}

func init() {
	rootCmd.AddCommand(allocateCmd)
	allocateCmd.Flags().Bool("json", false, "Output raw JSON")
	allocateCmd.Flags().StringP("session", "s", "", "Session to allocate for (default: a new session)")
	allocateCmd.Flags().StringSliceP("label", "l", nil, "Required label (repeatable)")
	allocateCmd.Flags().String("payload", "", "JSON payload kept with a queued allocation")
}
