package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/recallguard/internal/audit"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the configuration and audit pattern file",
	Long: `Load the configuration the daemon would use, validate every section and
the audit pattern file, and print the effective settings.

Examples:
  # Check the default config
  recallguard check

  # Check a specific file
  recallguard check --config /etc/recallguard/config.yaml`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCheck(cmd.OutOrStdout(), serveOptions{ConfigPath: configPath})
	},
}

func runCheck(out io.Writer, opts serveOptions) error {
	s, err := loadSettings(opts)
	if err != nil {
		return err
	}
	cfg := s.config

	patterns := "default"
	if cfg.Audit.PatternsFile != "" {
		set, err := audit.LoadPatternSet(cfg.Audit.PatternsFile)
		if err != nil {
			return fmt.Errorf("audit patterns: %w", err)
		}
		patterns = fmt.Sprintf("%s (%d rules, from %s)", set.Name, len(set.Rules), cfg.Audit.PatternsFile)
	}

	embedder := "disabled"
	if cfg.Embeddings.Enabled() {
		embedder = cfg.Embeddings.Provider
		if cfg.Embeddings.Model != "" {
			embedder += " " + cfg.Embeddings.Model
		}
	}

	telemetryState := "disabled"
	if s.telemetry.Enabled {
		telemetryState = fmt.Sprintf("%s via %s", s.telemetry.Endpoint, s.telemetry.Protocol)
	}

	fmt.Fprintf(out, "Configuration OK\n")
	fmt.Fprintf(out, "  Data dir:     %s\n", cfg.DataDir)
	fmt.Fprintf(out, "  Listen:       %s\n", cfg.Server.Addr())
	fmt.Fprintf(out, "  Trust policy: %s\n", policyName(cfg.Trust.Policy))
	fmt.Fprintf(out, "  Retrieval:    lexical %.2f, vector %.2f, headroom %d\n",
		cfg.Retrieval.LexicalWeight, cfg.Retrieval.VectorWeight, cfg.Retrieval.Headroom)
	fmt.Fprintf(out, "  Audit:        %s, sweep every %s\n", patterns, cfg.Audit.SweepInterval.Duration())
	fmt.Fprintf(out, "  Embeddings:   %s\n", embedder)
	fmt.Fprintf(out, "  Logging:      %s, %s\n", levelName(s.logging.Level), s.logging.Format)
	fmt.Fprintf(out, "  Telemetry:    %s\n", telemetryState)
	return nil
}

func policyName(p string) string {
	if p == "" {
		return "none"
	}
	return p
}
