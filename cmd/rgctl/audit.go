package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/recallguard/internal/audit"
)

var (
	scanPatterns string
	scanRecord   bool
)

func init() {
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(rebuildCmd)
	rootCmd.AddCommand(flushCmd)

	scanCmd.Flags().StringVar(&scanPatterns, "patterns", "", "TOML pattern file (default: the daemon's pattern set)")
	scanCmd.Flags().BoolVar(&scanRecord, "record", false, "Write matches to the trust audit trail")
}

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan stored experiences for suspicious phrasing",
	Long: `Scan every stored experience against a pattern set. A scan never changes
trust or source; use flag to quarantine matches.

Examples:
  # Scan with the daemon's current patterns
  rgctl scan

  # Try an ad-hoc pattern file and record the matches
  rgctl scan --patterns ./patterns.toml --record`,
	Args: cobra.NoArgs,
	RunE: runScan,
}

var rebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Rebuild the retrieval index from the store",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		v, err := c.Rebuild(cmd.Context())
		if err != nil {
			return fmt.Errorf("rebuild failed: %w", err)
		}
		return printVersion(cmd, "Index rebuilt", v)
	},
}

var flushCmd = &cobra.Command{
	Use:   "flush",
	Short: "Make pending ingestions searchable now",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		v, err := c.Flush(cmd.Context())
		if err != nil {
			return fmt.Errorf("flush failed: %w", err)
		}
		return printVersion(cmd, "Index flushed", v)
	},
}

func printVersion(cmd *cobra.Command, msg string, v uint64) error {
	if jsonOut {
		return outputJSON(cmd.OutOrStdout(), map[string]uint64{"version": v})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: version %d\n", msg, v)
	return nil
}

func runScan(cmd *cobra.Command, args []string) error {
	var set *audit.PatternSet
	if scanPatterns != "" {
		ps, err := audit.LoadPatternSet(scanPatterns)
		if err != nil {
			return err
		}
		set = &ps
	}

	c, err := newClient()
	if err != nil {
		return err
	}
	resp, err := c.Scan(cmd.Context(), set, scanRecord)
	if err != nil {
		return fmt.Errorf("scan failed: %w", err)
	}

	out := cmd.OutOrStdout()
	if jsonOut {
		return outputJSON(out, resp)
	}
	if resp.Count == 0 {
		fmt.Fprintln(out, "No matches")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSOURCE\tPATTERNS")
	for _, m := range resp.Matches {
		fmt.Fprintf(w, "%s\t%s\t%s\n", truncate(m.ID, 36), m.Source, strings.Join(m.Patterns, ", "))
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(out, "\n%d matching experience(s)\n", resp.Count)
	return nil
}
