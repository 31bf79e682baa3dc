package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/baiirun/ahq/internal/ledger"
	"github.com/baiirun/ahq/internal/term"
)

var sessionCmd = &cobra.Command{
	Use:   "session <session-id>",
	Short: "Show a session",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		asJSON, _ := cmd.Flags().GetBool("json")

		s, err := newClient(cmd).Session(ctx(cmd), args[0])
		if err != nil {
			Fatal("%v", err)
		}
		if asJSON {
			printJSON(s)
			return
		}
		printSession(s, time.Now())
	},
}

var resultCmd = &cobra.Command{
	Use:   "result <session-id>",
	Short: "Wait for a session to finish",
	Long: `Wait up to --wait for the session to finish and print its record.
Exits 0 when the session succeeded, 1 when it failed or was aborted, and 2
when it is still unfinished after the wait.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		asJSON, _ := cmd.Flags().GetBool("json")
		wait, _ := cmd.Flags().GetDuration("wait")

		s, err := newClient(cmd).Result(ctx(cmd), args[0], wait)
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

var logCmd = &cobra.Command{
	Use:   "log <session-id>",
	Short: "Show a session's history",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		asJSON, _ := cmd.Flags().GetBool("json")

		entries, err := newClient(cmd).SessionLog(ctx(cmd), args[0])
		if err != nil {
			Fatal("%v", err)
		}
		if asJSON {
			printJSON(entries)
			return
		}
		if len(entries) == 0 {
			fmt.Println(term.Dim("No history"))
			return
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "TIME\tKIND\tAGENT\tMESSAGE")
		for _, e := range entries {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
				e.Time.Local().Format("2006-01-02 15:04:05"),
				e.Kind,
				orDash(e.AgentID),
				truncate(orDash(e.Message), columnWidth(50)),
			)
		}
		w.Flush()
	},
}

func printSession(s *ledger.Session, now time.Time) {
	state := string(s.State)
	result := string(s.Result)
	fmt.Printf("%s %s\n", term.Bold(s.ID), term.Dim(s.Job))
	fmt.Printf("  build:   %s\n", s.BuildID)
	fmt.Printf("  state:   %s\n", term.ForState(state)(state))
	fmt.Printf("  result:  %s\n", term.ForState(result)(result))
	fmt.Printf("  labels:  %s\n", formatLabels(s.Labels))
	fmt.Printf("  agent:   %s\n", orDash(s.Agent))
	fmt.Printf("  created: %s ago\n", formatAge(s.Created, now))
	if !s.Started.IsZero() {
		fmt.Printf("  started: %s ago\n", formatAge(s.Started, now))
	}
	if !s.Ended.IsZero() {
		fmt.Printf("  ended:   %s ago\n", formatAge(s.Ended, now))
	}
	if s.Output != "" {
		fmt.Printf("\n%s\n", s.Output)
	}
}

// exitCode maps a session to the process exit status of a waiting
// command.
func exitCode(s *ledger.Session) int {
	switch {
	case s.State != ledger.StateDone:
		return 2
	case s.Result == ledger.ResultSuccess:
		return 0
	default:
		return 1
	}
}

func exitForResult(s *ledger.Session) {
	if code := exitCode(s); code != 0 {
		os.Exit(code)
	}
}

func init() {
	rootCmd.AddCommand(sessionCmd)
	rootCmd.AddCommand(resultCmd)
	rootCmd.AddCommand(logCmd)

	sessionCmd.Flags().Bool("json", false, "Output raw JSON")
	resultCmd.Flags().Bool("json", false, "Output raw JSON")
	resultCmd.Flags().Duration("wait", 30*time.Second, "How long to wait for the session to finish (0 returns immediately)")
	logCmd.Flags().Bool("json", false, "Output raw JSON")
}
