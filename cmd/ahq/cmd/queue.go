package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/baiirun/ahq/internal/queue"
	"github.com/baiirun/ahq/internal/term"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "List sessions waiting for an agent",
	Long: `List allocations that found no matching agent, oldest first. They are
handed out as agents with the right labels check in available.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		asJSON, _ := cmd.Flags().GetBool("json")

		entries, err := newClient(cmd).Queue(ctx(cmd))
		if err != nil {
			Fatal("%v", err)
		}
		if asJSON {
			printJSON(entries)
			return
		}
		if len(entries) == 0 {
			fmt.Println(term.Dim("Queue is empty"))
			return
		}
		printQueue(entries, time.Now())
	},
}

func printQueue(entries []queue.Entry, now time.Time) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SESSION\tLABELS\tWAITING")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\n", e.SessionID, formatLabels(e.Labels), formatAge(e.Enqueued, now))
	}
	w.Flush()
}

func init() {
	rootCmd.AddCommand(queueCmd)
	queueCmd.Flags().Bool("json", false, "Output raw JSON")
}
