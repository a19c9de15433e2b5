package dashboard

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFormatPercentage(t *testing.T) {
	tests := []struct {
		name     string
		ratio    float64
		expected string
	}{
		{"zero", 0, "0.0%"},
		{"quarter", 0.25, "25.0%"},
		{"full", 1, "100.0%"},
		{"tiny", 0.0004, "0.0%"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, FormatPercentage(tt.ratio))
		})
	}
}

func TestFormatCount(t *testing.T) {
	tests := []struct {
		n        int
		expected string
	}{
		{0, "0"},
		{9999, "9999"},
		{12_345, "12.3K"},
		{2_500_000, "2.5M"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, FormatCount(tt.n), "%d", tt.n)
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		seconds  int64
		expected string
	}{
		{0, "0s"},
		{45, "45s"},
		{60, "1m"},
		{3599, "59m"},
		{3600, "1h 0m"},
		{3720, "1h 2m"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, FormatDuration(tt.seconds), "%d", tt.seconds)
	}
}

func TestFormatAge(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, "never", FormatAge(time.Time{}, now))
	assert.Equal(t, "30s ago", FormatAge(now.Add(-30*time.Second), now))
	assert.Equal(t, "2h 5m ago", FormatAge(now.Add(-125*time.Minute), now))
	assert.Equal(t, "0s ago", FormatAge(now.Add(time.Minute), now), "clock skew clamps to zero")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", Truncate("short", 10))
	assert.Equal(t, "abcd…", Truncate("abcdefgh", 5))
	assert.Equal(t, "…", Truncate("abc", 1))
	assert.Equal(t, "héll…", Truncate("héllo wörld", 5))
	assert.Equal(t, "unchanged", Truncate("unchanged", 0))
}
