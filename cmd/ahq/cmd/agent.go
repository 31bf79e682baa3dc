package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/baiirun/ahq/internal/hq"
	"github.com/baiirun/ahq/internal/protocol"
	"github.com/baiirun/ahq/internal/term"
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Act as or inspect a single agent",
	Long: `Register an agent, check it in, and inspect its recent activity.

The register, checkin and ping subcommands speak the agent side of the
protocol and are handy for scripting an agent from a shell.`,
}

var agentShowCmd = &cobra.Command{
	Use:   "show <agent-id>",
	Short: "Show one agent",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		asJSON, _ := cmd.Flags().GetBool("json")

		a, err := newClient(cmd).Agent(ctx(cmd), args[0])
		if err != nil {
			Fatal("%v", err)
		}
		if asJSON {
			printJSON(a)
			return
		}

		now := time.Now()
		fmt.Printf("%s %s\n", term.Bold(a.ID), term.Dim(a.Nick))
		fmt.Printf("  state:      %s\n", term.ForState(string(a.State))(string(a.State)))
		fmt.Printf("  address:    %s\n", a.Address())
		fmt.Printf("  labels:     %s\n", formatLabels(a.Labels))
		fmt.Printf("  session:    %s\n", orDash(a.Session))
		fmt.Printf("  seen:       %s ago\n", formatAge(a.Seen, now))
		fmt.Printf("  registered: %s ago\n", formatAge(a.Registered, now))
		if !a.Allocated.IsZero() {
			fmt.Printf("  allocated:  %s ago\n", formatAge(a.Allocated, now))
		}
	},
}

var agentRegisterCmd = &cobra.Command{
	Use:   "register",
	Short: "Register an agent and print its token",
	Long: `Register an agent listening on --port. The host defaults to the
address the daemon sees the request come from.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		asJSON, _ := cmd.Flags().GetBool("json")
		id, _ := cmd.Flags().GetString("id")
		nick, _ := cmd.Flags().GetString("nick")
		host, _ := cmd.Flags().GetString("host")
		port, _ := cmd.Flags().GetInt("port")
		labels, _ := cmd.Flags().GetStringSlice("label")

		resp, err := newClient(cmd).Register(ctx(cmd), protocol.RegisterRequest{
			ID:     id,
			Nick:   nick,
			Host:   host,
			Port:   port,
			Labels: labels,
		})
		if err != nil {
			Fatal("%v", err)
		}
		if asJSON {
			printJSON(resp)
			return
		}
		fmt.Printf("registered %s (%s)\n", term.Bold(resp.AgentID), resp.Nick)
		fmt.Println(resp.Token)
	},
}

var agentCheckInCmd = &cobra.Command{
	Use:   "checkin <token>",
	Short: "Check an agent in as available or busy",
	Long: `Check in as available (the default), optionally reporting the result
of the session just finished, or as busy with --busy --session.

An available check-in may come back with a queued session already bound
to the agent; its dispatch payload is printed.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		asJSON, _ := cmd.Flags().GetBool("json")
		busy, _ := cmd.Flags().GetBool("busy")
		sessionID, _ := cmd.Flags().GetString("session")
		result, _ := cmd.Flags().GetString("result")
		output, _ := cmd.Flags().GetString("output")

		c := newClient(cmd)
		var resp *protocol.CheckInResponse
		var err error
		if busy {
			if result != "" {
				Fatal("--result applies to available check-ins only")
			}
			resp, err = c.Busy(ctx(cmd), args[0], sessionID)
		} else {
			resp, err = c.Available(ctx(cmd), args[0], protocol.CheckInRequest{
				SessionID: sessionID,
				Result:    result,
				Output:    output,
			})
		}
		if err != nil {
			Fatal("%v", err)
		}
		if asJSON {
			printJSON(resp)
			return
		}

		fmt.Printf("%s %s", resp.AgentID, term.ForState(resp.State)(resp.State))
		if resp.SessionID != "" {
			fmt.Printf(" %s", resp.SessionID)
		}
		fmt.Println()
		if len(resp.Dispatch) > 0 {
			fmt.Println(string(resp.Dispatch))
		}
	},
}

var agentPingCmd = &cobra.Command{
	Use:   "ping <token>",
	Short: "Refresh an agent's last-seen time",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		id, err := newClient(cmd).Ping(ctx(cmd), args[0])
		if err != nil {
			Fatal("%v", err)
		}
		fmt.Println(id)
	},
}

var agentEventsCmd = &cobra.Command{
	Use:   "events <agent-id>",
	Short: "Show an agent's recent activity",
	Long: `Show the activity the daemon has buffered for an agent: state
transitions, allocations and dispatches. The buffer lives in the daemon's
memory and starts empty when it restarts.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		asJSON, _ := cmd.Flags().GetBool("json")
		sinceDur, _ := cmd.Flags().GetDuration("since")

		var since time.Time
		if sinceDur > 0 {
			since = time.Now().Add(-sinceDur)
		}
		events, err := newClient(cmd).AgentEvents(ctx(cmd), args[0], since)
		if err != nil {
			Fatal("%v", err)
		}
		if asJSON {
			printJSON(events)
			return
		}
		if len(events) == 0 {
			fmt.Println(term.Dim("No activity"))
			return
		}
		printEvents(events)
	},
}

func printEvents(events []hq.Activity) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tKIND\tTRANSITION\tSESSION\tDETAIL")
	for _, e := range events {
		transition := "-"
		if e.From != "" || e.To != "" {
			transition = fmt.Sprintf("%s -> %s", orDash(string(e.From)), orDash(string(e.To)))
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			e.Time.Local().Format("15:04:05.000"),
			e.Kind,
			transition,
			orDash(e.SessionID),
			truncate(orDash(e.Detail), columnWidth(70)),
		)
	}
	w.Flush()
}

func init() {
	rootCmd.AddCommand(agentCmd)
	agentCmd.AddCommand(agentShowCmd)
	agentCmd.AddCommand(agentRegisterCmd)
	agentCmd.AddCommand(agentCheckInCmd)
	agentCmd.AddCommand(agentPingCmd)
	agentCmd.AddCommand(agentEventsCmd)

	agentShowCmd.Flags().Bool("json", false, "Output raw JSON")

	agentRegisterCmd.Flags().Bool("json", false, "Output raw JSON")
	agentRegisterCmd.Flags().String("id", "", "Agent id (default: generated)")
	agentRegisterCmd.Flags().String("nick", "", "Display name (default: generated)")
	agentRegisterCmd.Flags().String("host", "", "Host the daemon dispatches to (default: request address)")
	agentRegisterCmd.Flags().IntP("port", "p", 0, "Port the agent listens on for dispatches")
	agentRegisterCmd.Flags().StringSliceP("label", "l", nil, "Label the agent advertises (repeatable)")
	_ = agentRegisterCmd.MarkFlagRequired("port")

	agentCheckInCmd.Flags().Bool("json", false, "Output raw JSON")
	agentCheckInCmd.Flags().Bool("busy", false, "Check in as busy instead of available")
	agentCheckInCmd.Flags().StringP("session", "s", "", "Session the check-in concerns")
	agentCheckInCmd.Flags().StringP("result", "r", "", "Result of the finished session: success, failed, aborted")
	agentCheckInCmd.Flags().String("output", "", "Output to record with the result")

	agentEventsCmd.Flags().Bool("json", false, "Output raw JSON")
	agentEventsCmd.Flags().Duration("since", 0, "Only show activity newer than this (e.g. 10m)")
}
