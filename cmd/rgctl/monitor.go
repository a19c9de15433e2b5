package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/recallguard/internal/dashboard"
	"github.com/fyrsmithlabs/recallguard/internal/experience"
	"github.com/fyrsmithlabs/recallguard/internal/monitor"
)

var (
	windowFrom    string
	windowTo      string
	eventsOutput  string
	dashInterval  time.Duration
	dashWarnRate  float64
	dashCritRate  float64
	summaryTopMax int
)

func init() {
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(summaryCmd)
	rootCmd.AddCommand(poisonRateCmd)
	rootCmd.AddCommand(eventsCmd)
	rootCmd.AddCommand(dashboardCmd)

	summaryCmd.Flags().IntVar(&summaryTopMax, "top", 10, "Number of top queries to show")

	for _, c := range []*cobra.Command{poisonRateCmd, eventsCmd} {
		c.Flags().StringVar(&windowFrom, "from", "", "Window start (RFC 3339 or a duration ago, e.g. 1h)")
		c.Flags().StringVar(&windowTo, "to", "", "Window end (RFC 3339 or a duration ago)")
	}
	eventsCmd.Flags().StringVarP(&eventsOutput, "output", "o", "", "Write events to a file instead of stdout")

	def := dashboard.DefaultOptions()
	dashboardCmd.Flags().DurationVar(&dashInterval, "interval", def.Interval, "Refresh interval")
	dashboardCmd.Flags().Float64Var(&dashWarnRate, "warn", def.WarnRate, "Poison rate that turns the badge yellow")
	dashboardCmd.Flags().Float64Var(&dashCritRate, "crit", def.CritRate, "Poison rate that turns the badge red")
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check recallguard server health",
	Long: `Check the health and engine status of the recallguard daemon.

Examples:
  rgctl health
  rgctl health --server http://localhost:8080`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		h, err := c.Health(cmd.Context())
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if jsonOut {
			return outputJSON(out, h)
		}
		fmt.Fprintf(out, "Server Status: %s\n", h.Status)
		fmt.Fprintf(out, "Server URL: %s\n", c.BaseURL())
		if st := h.Engine; st != nil {
			fmt.Fprintf(out, "Experiences: %d\n", st.Experiences)
			fmt.Fprintf(out, "Index: version %d, %d documents, %d vectors, %d pending\n",
				st.IndexVersion, st.IndexedDocs, st.IndexedVecs, st.PendingDocs)
			fmt.Fprintf(out, "Embeddings: %t\n", st.Embeddings)
			fmt.Fprintf(out, "Pattern set: %s\n", st.PatternSet)
			if !st.LastSweep.IsZero() {
				fmt.Fprintf(out, "Last sweep: %s (%d matches)\n", st.LastSweep.Format(time.RFC3339), st.LastSweepHits)
			}
			if st.LastSweepErr != "" {
				fmt.Fprintf(out, "Last sweep error: %s\n", st.LastSweepErr)
			}
		}
		return nil
	},
}

var summaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Show retrieval and poisoning statistics",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		sum, err := c.Summary(cmd.Context())
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if jsonOut {
			return outputJSON(out, sum)
		}
		printSummary(out, sum, summaryTopMax)
		return nil
	},
}

func printSummary(out io.Writer, sum *monitor.Summary, top int) {
	fmt.Fprintf(out, "Retrievals:  %d\n", sum.TotalEvents)
	fmt.Fprintf(out, "Returned:    %d\n", sum.TotalReturned)
	fmt.Fprintf(out, "Filtered:    %d\n", sum.TotalFiltered)
	fmt.Fprintf(out, "Poison rate: %s\n", dashboard.FormatPercentage(sum.PoisonRate))

	fmt.Fprintln(out, "\nReturned by source:")
	for _, src := range []experience.Source{experience.SourceVerified, experience.SourceUnverified, experience.SourceQuarantined} {
		fmt.Fprintf(out, "  %-12s %d\n", src, sum.ReturnedBySource[src])
	}

	if len(sum.TopQueries) == 0 {
		return
	}
	queries := append([]monitor.QueryStat(nil), sum.TopQueries...)
	sort.SliceStable(queries, func(i, j int) bool { return queries[i].Count > queries[j].Count })
	if top > 0 && len(queries) > top {
		queries = queries[:top]
	}
	fmt.Fprintln(out, "\nTop queries:")
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  QUERY\tCOUNT\tRETURNED\tPOISONED\tRATE")
	for _, q := range queries {
		fmt.Fprintf(w, "  %s\t%d\t%d\t%d\t%s\n",
			truncate(oneLine(q.Query), 50), q.Count, q.Returned, q.Poisoned, dashboard.FormatPercentage(q.PoisonRate))
	}
	w.Flush()
}

var poisonRateCmd = &cobra.Command{
	Use:   "poison-rate",
	Short: "Show the share of returned items from low-trust experiences",
	Long: `Show the poison rate: the fraction of returned items whose source was
unverified or quarantined at retrieval time.

Examples:
  rgctl poison-rate
  rgctl poison-rate --from 24h
  rgctl poison-rate --from 2026-01-01T00:00:00Z --to 2026-02-01T00:00:00Z`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		w, err := parseWindow(windowFrom, windowTo, time.Now())
		if err != nil {
			return err
		}
		c, err := newClient()
		if err != nil {
			return err
		}
		rate, err := c.PoisonRate(cmd.Context(), w)
		if err != nil {
			return err
		}
		if jsonOut {
			return outputJSON(cmd.OutOrStdout(), map[string]float64{"poison_rate": rate})
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Poison rate: %s\n", dashboard.FormatPercentage(rate))
		return nil
	},
}

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Export retrieval events as JSON lines",
	Long: `Export recorded retrieval events as JSON lines, oldest first.

Examples:
  rgctl events --from 1h
  rgctl events -o events.jsonl`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		w, err := parseWindow(windowFrom, windowTo, time.Now())
		if err != nil {
			return err
		}
		c, err := newClient()
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if eventsOutput != "" {
			f, err := os.Create(eventsOutput)
			if err != nil {
				return fmt.Errorf("failed to create %s: %w", eventsOutput, err)
			}
			defer f.Close()
			out = f
		}
		n, err := c.Events(cmd.Context(), w, out)
		if err != nil {
			return err
		}
		if eventsOutput != "" {
			fmt.Fprintf(cmd.ErrOrStderr(), "Wrote %d bytes to %s\n", n, eventsOutput)
		}
		return nil
	},
}

var dashboardCmd = &cobra.Command{
	Use:   "dashboard",
	Short: "Live terminal dashboard of retrieval poisoning",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		opts := dashboard.DefaultOptions()
		opts.Interval = dashInterval
		opts.WarnRate = dashWarnRate
		opts.CritRate = dashCritRate
		return dashboard.Run(c, c.BaseURL(), opts)
	},
}

// parseWindow reads --from/--to as RFC 3339 times or durations before now.
func parseWindow(from, to string, now time.Time) (monitor.Window, error) {
	var w monitor.Window
	var err error
	if w.From, err = parseTime(from, now); err != nil {
		return w, fmt.Errorf("--from: %w", err)
	}
	if w.To, err = parseTime(to, now); err != nil {
		return w, fmt.Errorf("--to: %w", err)
	}
	if !w.From.IsZero() && !w.To.IsZero() && !w.From.Before(w.To) {
		return w, fmt.Errorf("--from must be before --to")
	}
	return w, nil
}

func parseTime(s string, now time.Time) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if d, err := time.ParseDuration(s); err == nil {
		if d < 0 {
			return time.Time{}, fmt.Errorf("duration must be positive: %s", s)
		}
		return now.Add(-d), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("expected RFC 3339 time or duration, got %q", s)
	}
	return t, nil
}
