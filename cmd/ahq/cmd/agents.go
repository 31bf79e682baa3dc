package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/baiirun/ahq/internal/agents"
	"github.com/baiirun/ahq/internal/term"
)

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "List registered agents",
	Long: `List every registered agent with its state, labels, and the session
it is bound to.`,
	Args: cobra.NoArgs,
	Run:  runAgents,
}

func runAgents(cmd *cobra.Command, args []string) {
	asJSON, _ := cmd.Flags().GetBool("json")

	list, err := newClient(cmd).Agents(ctx(cmd))
	if err != nil {
		Fatal("%v", err)
	}
	if asJSON {
		printJSON(list)
		return
	}
	if len(list) == 0 {
		fmt.Println(term.Dim("No agents registered"))
		return
	}
	printAgents(list, time.Now())
}

func printAgents(list []agents.Agent, now time.Time) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNICK\tSTATE\tADDRESS\tLABELS\tSESSION\tSEEN")
	for _, a := range list {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			a.ID,
			orDash(a.Nick),
			colorState(string(a.State), 9),
			a.Address(),
			truncate(formatLabels(a.Labels), 40),
			orDash(a.Session),
			formatAge(a.Seen, now),
		)
	}
	w.Flush()
}

func init() {
	rootCmd.AddCommand(agentsCmd)
	agentsCmd.Flags().Bool("json", false, "Output raw JSON")
}
