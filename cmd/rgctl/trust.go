package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/recallguard/internal/experience"
)

var (
	flagReason     string
	reviewReviewer string
	purgeReason    string
)

func init() {
	rootCmd.AddCommand(flagCmd)
	rootCmd.AddCommand(reviewCmd)
	rootCmd.AddCommand(recomputeCmd)
	rootCmd.AddCommand(purgeCmd)

	flagCmd.Flags().StringVar(&flagReason, "reason", "", "Why the experience is quarantined (required)")
	_ = flagCmd.MarkFlagRequired("reason")

	reviewCmd.Flags().StringVar(&reviewReviewer, "reviewer", "", "Who reviewed the experience (required)")
	_ = reviewCmd.MarkFlagRequired("reviewer")

	purgeCmd.Flags().StringVar(&purgeReason, "reason", "", "Why the experience is purged")
}

var flagCmd = &cobra.Command{
	Use:   "flag <id>",
	Short: "Quarantine an experience",
	Long: `Quarantine an experience. Its trust drops to the quarantined level and it
can never be promoted again.

Examples:
  rgctl flag 3f2a... --reason "pipes a remote script to sh"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		exp, err := c.Flag(cmd.Context(), args[0], flagReason)
		if err != nil {
			return fmt.Errorf("failed to flag %s: %w", args[0], err)
		}
		return printTransition(cmd, "Quarantined", exp)
	},
}

var reviewCmd = &cobra.Command{
	Use:   "review <id>",
	Short: "Promote an unverified experience to verified",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		exp, err := c.Review(cmd.Context(), args[0], reviewReviewer)
		if err != nil {
			return fmt.Errorf("failed to review %s: %w", args[0], err)
		}
		return printTransition(cmd, "Verified", exp)
	},
}

var recomputeCmd = &cobra.Command{
	Use:   "recompute <id>",
	Short: "Reapply the trust decay policy to an experience",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		exp, err := c.Recompute(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("failed to recompute %s: %w", args[0], err)
		}
		return printTransition(cmd, "Recomputed", exp)
	},
}

var purgeCmd = &cobra.Command{
	Use:   "purge <id>",
	Short: "Permanently delete a quarantined experience",
	Long: `Permanently delete a quarantined experience from the store and the index.
Its audit trail is kept.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		if err := c.Purge(cmd.Context(), args[0], purgeReason); err != nil {
			return fmt.Errorf("failed to purge %s: %w", args[0], err)
		}
		if jsonOut {
			return outputJSON(cmd.OutOrStdout(), map[string]string{"id": args[0], "status": "purged"})
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Purged %s\n", args[0])
		return nil
	},
}

func printTransition(cmd *cobra.Command, verb string, exp *experience.Experience) error {
	out := cmd.OutOrStdout()
	if jsonOut {
		return outputJSON(out, exp)
	}
	fmt.Fprintf(out, "%s %s: source=%s trust=%.3f\n", verb, exp.ID, exp.Source, exp.TrustLevel)
	return nil
}
