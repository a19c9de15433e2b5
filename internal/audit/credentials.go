package audit

import (
	"fmt"
	"regexp"

	gitleaksConfig "github.com/zricethezav/gitleaks/v8/config"
	"github.com/zricethezav/gitleaks/v8/detect"
	gitleaksRegexp "github.com/zricethezav/gitleaks/v8/regexp"
)

// secretPrefix marks credential rule ids in match results.
const secretPrefix = "secret:"

// CredentialDetector reports the ids of credential rules found in text.
type CredentialDetector interface {
	Detect(text string) []string
}

// DetectorFactory builds a CredentialDetector for one scan.
type DetectorFactory func(allowlist []string) (CredentialDetector, error)

// GitleaksDetector detects credentials with the gitleaks default rules.
type GitleaksDetector struct {
	detector *detect.Detector
}

// NewGitleaksDetector creates a detector with the gitleaks default config
// and the given content allowlist. Patterns must already be valid.
func NewGitleaksDetector(allowlist []string) (CredentialDetector, error) {
	detector, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to create credential detector: %w", err)
	}
	if len(allowlist) > 0 {
		if err := applyAllowlist(&detector.Config, allowlist); err != nil {
			return nil, err
		}
	}
	return &GitleaksDetector{detector: detector}, nil
}

// Detect returns the distinct gitleaks rule ids found in text.
func (g *GitleaksDetector) Detect(text string) []string {
	findings := g.detector.DetectString(text)
	if len(findings) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(findings))
	ids := make([]string, 0, len(findings))
	for _, f := range findings {
		if _, ok := seen[f.RuleID]; ok {
			continue
		}
		seen[f.RuleID] = struct{}{}
		ids = append(ids, f.RuleID)
	}
	return ids
}

// applyAllowlist adds content regexes as a global gitleaks allowlist.
func applyAllowlist(cfg *gitleaksConfig.Config, patterns []string) error {
	global := &gitleaksConfig.Allowlist{
		Description: "recallguard pattern set allowlist",
	}
	for _, pattern := range patterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return fmt.Errorf("%w: allowlist pattern %q: %v", ErrInvalidRegex, pattern, err)
		}
		global.Regexes = append(global.Regexes, (*gitleaksRegexp.Regexp)(re))
	}
	cfg.Allowlists = append(cfg.Allowlists, global)
	return nil
}
