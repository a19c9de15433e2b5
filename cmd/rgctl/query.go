package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/recallguard/internal/retrieval"
)

var (
	queryK        int
	queryMinTrust float64
)

func init() {
	rootCmd.AddCommand(queryCmd)
	queryCmd.Flags().IntVarP(&queryK, "k", "k", 5, "Number of results")
	queryCmd.Flags().Float64Var(&queryMinTrust, "min-trust", 0, "Drop results below this trust level (0-1)")
}

var queryCmd = &cobra.Command{
	Use:   "query <text>",
	Short: "Retrieve experiences similar to a request",
	Long: `Run a trust-filtered retrieval. Every query is recorded by the daemon's
retrieval monitor.

Examples:
  rgctl query "rotate the signing key"
  rgctl query -k 10 --min-trust 0.8 "restart the worker pool"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runQuery,
}

func runQuery(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	resp, err := c.Query(cmd.Context(), retrieval.Query{
		Text:     strings.Join(args, " "),
		K:        queryK,
		MinTrust: queryMinTrust,
	})
	if err != nil {
		return fmt.Errorf("query failed: %w", err)
	}

	out := cmd.OutOrStdout()
	if jsonOut {
		return outputJSON(out, resp)
	}
	if len(resp.Results) == 0 {
		fmt.Fprintln(out, "No results")
	} else {
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "#\tID\tSOURCE\tTRUST\tSCORE\tREQUEST")
		for i, r := range resp.Results {
			fmt.Fprintf(w, "%d\t%s\t%s\t%.2f\t%.3f\t%s\n",
				i+1,
				truncate(r.Experience.ID, 36),
				r.Experience.Source,
				r.Experience.TrustLevel,
				r.Score,
				truncate(oneLine(r.Experience.RequestText), 50),
			)
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}

	note := ""
	if resp.Degraded {
		note = " (degraded: lexical only)"
	}
	fmt.Fprintf(out, "\nevent %s, index v%d%s\n", resp.EventID, resp.SnapshotVersion, note)
	return nil
}
