package provider

import (
	"testing"

	"github.com/atlasgw/atlas/internal/config"
)

func TestNormalizeMaxTokensDefaultsWhenUnset(t *testing.T) {
	if got := normalizeMaxTokens(0); got != defaultMaxTokens {
		t.Fatalf("expected default %d, got %d", defaultMaxTokens, got)
	}
	if got := normalizeMaxTokens(-5); got != defaultMaxTokens {
		t.Fatalf("expected default for negative input, got %d", got)
	}
	if got := normalizeMaxTokens(512); got != 512 {
		t.Fatalf("expected passthrough of positive value, got %d", got)
	}
}

func TestEstimateTokensUsesCharsPerTokenHeuristic(t *testing.T) {
	cases := []struct {
		s             string
		charsPerToken int
		want          int
	}{
		{"", 4, 0},
		{"abcd", 4, 1},
		{"abcdefgh", 4, 2},
		{"ab", 4, 1}, // rounds up to 1 for any non-empty input
		{"abcdefgh", 0, 2},
		{"abcdefghi", 4, 3}, // 9 chars / 4 rounds up to 3, not floors to 2
	}
	for _, c := range cases {
		if got := EstimateTokens(c.s, c.charsPerToken); got != c.want {
			t.Fatalf("EstimateTokens(%q, %d) = %d, want %d", c.s, c.charsPerToken, got, c.want)
		}
	}
}

func TestNewRejectsUnsupportedKind(t *testing.T) {
	_, err := New("bad", config.ProviderConfig{Kind: "unsupported"}, func(string) (string, error) { return "k", nil })
	if err == nil {
		t.Fatal("expected error for unsupported provider kind")
	}
}
