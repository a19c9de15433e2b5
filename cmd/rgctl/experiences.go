package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/recallguard/internal/engine"
	"github.com/fyrsmithlabs/recallguard/internal/experience"
	api "github.com/fyrsmithlabs/recallguard/internal/http"
)

var (
	ingestSync     bool
	ingestEmbed    bool
	seedBenign     string
	seedPoisoned   string
	listSource     string
	ingestBatchMax int
)

func init() {
	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(seedCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(trailCmd)

	ingestCmd.Flags().BoolVar(&ingestSync, "sync", false, "Wait until the batch is searchable")
	ingestCmd.Flags().BoolVar(&ingestEmbed, "embed", false, "Compute embeddings for records without one")
	ingestCmd.Flags().IntVar(&ingestBatchMax, "batch-size", 500, "Maximum records per request")

	seedCmd.Flags().StringVar(&seedBenign, "benign-source", "", "Source for benign seeds (default verified)")
	seedCmd.Flags().StringVar(&seedPoisoned, "poisoned-source", "", "Source for poisoned seeds (default unverified)")
	seedCmd.Flags().BoolVar(&ingestEmbed, "embed", false, "Compute embeddings for seeded records")

	listCmd.Flags().StringVar(&listSource, "source", "", "Only list experiences from this source (verified, unverified, quarantined)")
}

var ingestCmd = &cobra.Command{
	Use:   "ingest [file]",
	Short: "Ingest experiences from a file or stdin",
	Long: `Ingest experiences from a JSON file or stdin.

The input is a JSON array of experiences, an object with an "experiences"
array, or one experience per line (JSON lines).

Examples:
  # Ingest a file and wait until it is searchable
  rgctl ingest --sync experiences.json

  # Ingest JSON lines from stdin
  cat experiences.jsonl | rgctl ingest -`,
	Args: cobra.MaximumNArgs(1),
	RunE: runIngest,
}

var seedCmd = &cobra.Command{
	Use:   "seed <file>",
	Short: "Ingest a seed file of benign and poisoned experiences",
	Long: `Ingest a seed file with "benign_experiences" and "poisoned_experiences".

Benign seeds are tagged verified and poisoned seeds unverified unless
overridden.

Examples:
  rgctl seed seeds.json
  rgctl seed --poisoned-source quarantined seeds.json`,
	Args: cobra.ExactArgs(1),
	RunE: runSeed,
}

var getCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Show one experience",
	Args:  cobra.ExactArgs(1),
	RunE:  runGet,
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List experiences",
	Long: `List stored experiences in ingestion order.

Examples:
  rgctl list
  rgctl list --source quarantined --json`,
	Args: cobra.NoArgs,
	RunE: runList,
}

var trailCmd = &cobra.Command{
	Use:   "trail <id>",
	Short: "Show the trust audit trail of an experience",
	Args:  cobra.ExactArgs(1),
	RunE:  runTrail,
}

// parseInputs accepts a JSON array, an {"experiences": [...]} object or JSON lines.
func parseInputs(raw []byte) ([]experience.Input, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, fmt.Errorf("no experiences to ingest")
	}

	var inputs []experience.Input
	switch raw[0] {
	case '[':
		if err := json.Unmarshal(raw, &inputs); err != nil {
			return nil, fmt.Errorf("failed to parse experience array: %w", err)
		}
	case '{':
		var wrapped struct {
			Experiences []experience.Input `json:"experiences"`
		}
		dec := json.NewDecoder(bytes.NewReader(raw))
		if err := dec.Decode(&wrapped); err == nil && wrapped.Experiences != nil && !dec.More() {
			inputs = wrapped.Experiences
			break
		}
		for i, line := range bytes.Split(raw, []byte("\n")) {
			line = bytes.TrimSpace(line)
			if len(line) == 0 {
				continue
			}
			var in experience.Input
			if err := json.Unmarshal(line, &in); err != nil {
				return nil, fmt.Errorf("line %d: %w", i+1, err)
			}
			inputs = append(inputs, in)
		}
	default:
		return nil, fmt.Errorf("input must be a JSON array, object or JSON lines")
	}
	if len(inputs) == 0 {
		return nil, fmt.Errorf("no experiences to ingest")
	}
	return inputs, nil
}

func runIngest(cmd *cobra.Command, args []string) error {
	raw, err := readInput(cmd, args)
	if err != nil {
		return err
	}
	inputs, err := parseInputs(raw)
	if err != nil {
		return err
	}
	if ingestBatchMax < 1 {
		return fmt.Errorf("--batch-size must be at least 1")
	}

	c, err := newClient()
	if err != nil {
		return err
	}

	total := api.IngestResponse{Results: make([]api.IngestResult, 0, len(inputs))}
	for start := 0; start < len(inputs); start += ingestBatchMax {
		end := min(start+ingestBatchMax, len(inputs))
		resp, err := c.Ingest(cmd.Context(), api.IngestRequest{
			Experiences:   inputs[start:end],
			IngestOptions: engine.IngestOptions{Sync: ingestSync, Embed: ingestEmbed},
		})
		if err != nil {
			return fmt.Errorf("failed to ingest records %d-%d: %w", start+1, end, err)
		}
		total.Results = append(total.Results, resp.Results...)
		total.Stored += resp.Stored
		total.Failed += resp.Failed
	}
	return printIngest(cmd, total)
}

func runSeed(cmd *cobra.Command, args []string) error {
	sf, err := experience.LoadSeedFile(args[0])
	if err != nil {
		return err
	}
	c, err := newClient()
	if err != nil {
		return err
	}
	resp, err := c.Seed(cmd.Context(), api.SeedRequest{
		Seeds:          *sf,
		BenignSource:   experience.Source(seedBenign),
		PoisonedSource: experience.Source(seedPoisoned),
		Embed:          ingestEmbed,
	})
	if err != nil {
		return fmt.Errorf("failed to seed: %w", err)
	}
	return printIngest(cmd, *resp)
}

func printIngest(cmd *cobra.Command, resp api.IngestResponse) error {
	out := cmd.OutOrStdout()
	if jsonOut {
		return outputJSON(out, resp)
	}
	fmt.Fprintf(out, "Stored %d, failed %d\n", resp.Stored, resp.Failed)
	for i, r := range resp.Results {
		if r.Error != "" {
			fmt.Fprintf(out, "  record %d: %s\n", i+1, r.Error)
		}
	}
	if resp.Failed > 0 && resp.Stored == 0 {
		return fmt.Errorf("no records stored")
	}
	return nil
}

func runGet(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	exp, err := c.Get(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if jsonOut {
		return outputJSON(out, exp)
	}
	printExperience(cmd, exp)
	return nil
}

func printExperience(cmd *cobra.Command, exp *experience.Experience) {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "ID:\t%s\n", exp.ID)
	fmt.Fprintf(w, "Source:\t%s\n", exp.Source)
	fmt.Fprintf(w, "Trust:\t%.3f\n", exp.TrustLevel)
	fmt.Fprintf(w, "Created:\t%s\n", exp.CreatedAt.Format("2006-01-02 15:04:05"))
	if exp.Action != "" {
		fmt.Fprintf(w, "Action:\t%s\n", exp.Action)
	}
	if len(exp.Tags) > 0 {
		fmt.Fprintf(w, "Tags:\t%s\n", strings.Join(exp.Tags, ", "))
	}
	fmt.Fprintf(w, "Outcome:\tok=%t score=%.2f\n", exp.OutcomeOK, exp.Score)
	if exp.QuarantineReason != "" {
		fmt.Fprintf(w, "Quarantined:\t%s\n", exp.QuarantineReason)
	}
	fmt.Fprintf(w, "Request:\t%s\n", exp.RequestText)
	fmt.Fprintf(w, "Response:\t%s\n", exp.ResponseText)
	w.Flush()
}

func runList(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	exps, err := c.List(cmd.Context(), experience.Source(listSource))
	if err != nil {
		return fmt.Errorf("failed to list experiences: %w", err)
	}

	out := cmd.OutOrStdout()
	if jsonOut {
		return outputJSON(out, exps)
	}
	if len(exps) == 0 {
		fmt.Fprintln(out, "No experiences found")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSOURCE\tTRUST\tCREATED\tREQUEST")
	for _, exp := range exps {
		fmt.Fprintf(w, "%s\t%s\t%.2f\t%s\t%s\n",
			truncate(exp.ID, 36),
			exp.Source,
			exp.TrustLevel,
			exp.CreatedAt.Format("2006-01-02 15:04"),
			truncate(oneLine(exp.RequestText), 50),
		)
	}
	return w.Flush()
}

func runTrail(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	trail, err := c.AuditTrail(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if jsonOut {
		return outputJSON(out, trail)
	}
	if len(trail) == 0 {
		fmt.Fprintln(out, "No audit entries found")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "AT\tACTION\tSOURCE\tTRUST\tREASON")
	for _, e := range trail {
		source := string(e.ToSource)
		if e.FromSource != "" && e.FromSource != e.ToSource {
			source = fmt.Sprintf("%s -> %s", e.FromSource, e.ToSource)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%.2f -> %.2f\t%s\n",
			e.At.Format("2006-01-02 15:04:05"),
			e.Action,
			source,
			e.FromTrust, e.ToTrust,
			truncate(e.Reason, 60),
		)
	}
	return w.Flush()
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
