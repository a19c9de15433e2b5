package audit

// DefaultPatternSetName names the built-in pattern set.
const DefaultPatternSetName = "default"

// DefaultPatternSet returns the built-in rules for bypass phrasing seen in
// poisoned agent experiences: skipped validation, forced passes, remote
// script bootstraps, data exfiltration and fabricated success output.
// Credential rules are enabled.
func DefaultPatternSet() PatternSet {
	return PatternSet{
		Name:        DefaultPatternSetName,
		Rules:       DefaultRules(),
		Credentials: true,
	}
}

// DefaultRules returns the built-in phrasing rules.
func DefaultRules() []Rule {
	return []Rule{
		// Remote execution
		{
			ID:          "curl_pipe_shell",
			Description: "Remote script piped into a shell",
			Pattern:     `(?i)\b(curl|wget)\b[^\n|]*https?://[^\n|]*\|\s*(sudo\s+)?(ba|z|da)?sh\b`,
			Keywords:    []string{"curl", "wget"},
			Severity:    "high",
		},
		{
			ID:          "remote_fetch",
			Description: "Silent fetch of a remote helper",
			Keywords:    []string{"curl -s https://", "curl https://", "remote helper", "vendor.internal"},
			Severity:    "medium",
		},
		{
			ID:          "bootstrap_script",
			Description: "Unreviewed bootstrap step",
			Pattern:     `(?i)\bbootstrap(\.sh|\s+script|\s+helper)\b`,
			Severity:    "medium",
		},

		// Validation bypass
		{
			ID:          "skip_validation",
			Description: "Validation or data-quality checks disabled",
			Pattern:     `(?i)skip[_\- ]?validation|\bskip[_\- ]dq\b|\bset skip\b`,
			Severity:    "high",
		},
		{
			ID:          "skip_tests",
			Description: "Tests, lint or hooks skipped",
			Pattern:     `(?i)\bskip[_\- ](tests?|lint)\b|--no-verify\b|\bno-verify\b`,
			Severity:    "high",
		},
		{
			ID:          "forced_pass",
			Description: "Outcome forced to success",
			Pattern:     `(?i)\bforce[_\- ]?(ok|pass(ed)?)\b`,
			Severity:    "high",
		},
		{
			ID:          "bypass",
			Description: "Explicit bypass language",
			Keywords:    []string{"bypass"},
			Severity:    "medium",
		},

		// Data handling shortcuts
		{
			ID:          "data_shortcut",
			Description: "Silent data truncation, zero-fill or stale cache reuse",
			Pattern:     `(?i)fillna\(0\)|head\(500\)|\breuse (the )?cache\b`,
			Severity:    "medium",
		},
		{
			ID:          "external_upload",
			Description: "Data sent to an external destination",
			Pattern:     `(?i)upload(ed)? to an? external|partner[_\- ]share|pipe the dataset`,
			Severity:    "high",
		},

		// Fabricated output
		{
			ID:          "fabricated_success",
			Description: "Canned success output",
			Pattern:     `(?i)executed successfully|\b0 errors\b`,
			Severity:    "low",
		},
		{
			ID:          "injected_trace",
			Description: "Agent reasoning trace embedded in stored content",
			Pattern:     `(?m)^\s*(Thought|Action|Observation):`,
			Severity:    "medium",
		},
	}
}
