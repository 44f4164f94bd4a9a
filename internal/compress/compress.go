// Package compress implements the context compressor (C5): a lossy
// reduction of conversation history to fit a model's context window,
// grounded on spec §4.5's split/window/summarize-or-truncate algorithm.
package compress

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/atlasgw/atlas/internal/provider"
)

// Role mirrors provider.Role for the subset of roles a Conversation Turn
// may carry, kept distinct so this package has no hard dependency on the
// provider wire contract.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one message in a conversation, per spec §3's Conversation Turn
// entity.
type Turn struct {
	Role      Role
	Content   string
	Timestamp time.Time
	index     int // original position, used as the ordering fallback
}

// Config parameterizes the compressor, mirroring config.CompressorConfig.
type Config struct {
	MaxContextTokens int
	WindowSize       int
	SummarizeOld     bool
	MaxSummaryTokens int
	CharsPerToken    int
	PriorityRoles    []string // truncation order when not summarizing
	MinTurnLength    int
}

// Result is the compressor's report, per spec §4.5.
type Result struct {
	Turns            []Turn
	OriginalTokens   int
	CompressedTokens int
	Ratio            float64
	TurnsRemoved     int
	Summary          string
}

// Compress reduces turns to fit cfg.MaxContextTokens. If they already fit,
// it returns them ordered by timestamp with none removed.
func Compress(turns []Turn, cfg Config) Result {
	cfg = withDefaults(cfg)
	ordered := orderTurns(turns)

	original := totalTokens(ordered, cfg.CharsPerToken)
	if original <= cfg.MaxContextTokens {
		return Result{Turns: ordered, OriginalTokens: original, CompressedTokens: original, Ratio: 1, TurnsRemoved: 0}
	}

	var systemTurns, rest []Turn
	for _, t := range ordered {
		if t.Role == RoleSystem {
			systemTurns = append(systemTurns, t)
		} else {
			rest = append(rest, t)
		}
	}

	windowSize := cfg.WindowSize
	if windowSize > len(rest) {
		windowSize = len(rest)
	}
	kept := rest[len(rest)-windowSize:]
	dropped := rest[:len(rest)-windowSize]

	var summaryTurn *Turn
	var remainder []Turn
	if cfg.SummarizeOld && len(dropped) > 0 {
		summary := summarize(dropped, cfg.MaxSummaryTokens, cfg.CharsPerToken)
		summaryTurn = &Turn{Role: RoleSystem, Content: summary, Timestamp: earliestTimestamp(dropped), index: -1}
	} else {
		remainder = truncateByPriority(dropped, cfg.PriorityRoles, cfg.MinTurnLength)
		// Shed older turns, lowest priority first, before touching the window.
		fixed := totalTokens(systemTurns, cfg.CharsPerToken) + totalTokens(kept, cfg.CharsPerToken)
		for len(remainder) > 0 && fixed+totalTokens(remainder, cfg.CharsPerToken) > cfg.MaxContextTokens {
			idx := lowestPriorityIndex(remainder, cfg.PriorityRoles)
			if idx < 0 {
				break
			}
			remainder = append(remainder[:idx], remainder[idx+1:]...)
		}
	}

	final := make([]Turn, 0, len(systemTurns)+1+len(remainder)+len(kept))
	final = append(final, systemTurns...)
	if summaryTurn != nil {
		final = append(final, *summaryTurn)
	}
	final = append(final, remainder...)
	final = append(final, kept...)
	final = orderTurns(final)

	// Truncate further, in priority order, if still over budget (e.g. the
	// window itself plus system turns already exceeds the limit).
	for totalTokens(final, cfg.CharsPerToken) > cfg.MaxContextTokens && len(final) > 0 {
		idx := lowestPriorityIndex(final, cfg.PriorityRoles)
		if idx < 0 {
			break
		}
		final = append(final[:idx], final[idx+1:]...)
	}

	compressed := totalTokens(final, cfg.CharsPerToken)
	ratio := 1.0
	if original > 0 {
		ratio = float64(compressed) / float64(original)
	}

	res := Result{
		Turns:            final,
		OriginalTokens:   original,
		CompressedTokens: compressed,
		TurnsRemoved:     len(ordered) - len(final),
		Ratio:            ratio,
	}
	if summaryTurn != nil {
		res.Summary = summaryTurn.Content
	}
	return res
}

func withDefaults(cfg Config) Config {
	if cfg.CharsPerToken <= 0 {
		cfg.CharsPerToken = 4
	}
	if cfg.MaxContextTokens <= 0 {
		cfg.MaxContextTokens = 8000
	}
	if cfg.WindowSize < 0 {
		cfg.WindowSize = 0
	}
	if cfg.MaxSummaryTokens <= 0 {
		cfg.MaxSummaryTokens = 500
	}
	if len(cfg.PriorityRoles) == 0 {
		cfg.PriorityRoles = []string{"system", "user", "assistant"}
	}
	return cfg
}

// orderTurns sorts by timestamp, falling back to original index for equal
// or zero timestamps, and stamps each turn with its resulting index so
// later truncation passes can still find the lowest-priority turn.
func orderTurns(turns []Turn) []Turn {
	out := make([]Turn, len(turns))
	copy(out, turns)
	for i := range out {
		if out[i].index == 0 && i > 0 {
			out[i].index = i
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		ti, tj := out[i].Timestamp, out[j].Timestamp
		if ti.IsZero() || tj.IsZero() || ti.Equal(tj) {
			return out[i].index < out[j].index
		}
		return ti.Before(tj)
	})
	return out
}

func totalTokens(turns []Turn, charsPerToken int) int {
	total := 0
	for _, t := range turns {
		total += provider.EstimateTokens(t.Content, charsPerToken)
	}
	return total
}

func earliestTimestamp(turns []Turn) time.Time {
	if len(turns) == 0 {
		return time.Time{}
	}
	min := turns[0].Timestamp
	for _, t := range turns[1:] {
		if !t.Timestamp.IsZero() && (min.IsZero() || t.Timestamp.Before(min)) {
			min = t.Timestamp
		}
	}
	return min
}

// summarize extracts the first sentence of every dropped turn, tagged
// with its role, concatenated and bounded to maxTokens.
func summarize(turns []Turn, maxTokens, charsPerToken int) string {
	var b strings.Builder
	b.WriteString("[Context summary: ")
	for i, t := range turns {
		sentence := firstSentence(t.Content)
		if sentence == "" {
			continue
		}
		if i > 0 {
			b.WriteString(" ")
		}
		fmt.Fprintf(&b, "(%s) %s", t.Role, sentence)
		if provider.EstimateTokens(b.String(), charsPerToken) >= maxTokens {
			break
		}
	}
	b.WriteString("]")

	out := b.String()
	maxChars := maxTokens * charsPerToken
	if maxChars > 0 && len(out) > maxChars {
		out = out[:maxChars-1] + "]"
	}
	return out
}

func firstSentence(content string) string {
	content = strings.TrimSpace(content)
	if content == "" {
		return ""
	}
	for _, sep := range []string{". ", "! ", "? ", "\n"} {
		if idx := strings.Index(content, sep); idx > 0 {
			return strings.TrimSpace(content[:idx+1])
		}
	}
	if len(content) > 160 {
		return content[:160] + "..."
	}
	return content
}

// truncateByPriority drops turns shorter than minTurnLength, then sorts
// the remainder highest-priority role first (stable within a role).
func truncateByPriority(turns []Turn, priorityRoles []string, minTurnLength int) []Turn {
	out := make([]Turn, 0, len(turns))
	for _, t := range turns {
		if minTurnLength > 0 && len(t.Content) < minTurnLength {
			continue
		}
		out = append(out, t)
	}
	rank := priorityRank(priorityRoles)
	sort.SliceStable(out, func(i, j int) bool {
		return rank[string(out[i].Role)] > rank[string(out[j].Role)]
	})
	return out
}

func priorityRank(roles []string) map[string]int {
	rank := make(map[string]int, len(roles))
	for i, r := range roles {
		rank[r] = len(roles) - i
	}
	return rank
}

func lowestPriorityIndex(turns []Turn, priorityRoles []string) int {
	rank := priorityRank(priorityRoles)
	lowest := -1
	lowestRank := int(^uint(0) >> 1)
	for i, t := range turns {
		if t.Role == RoleSystem {
			continue // system turns are always retained
		}
		r := rank[string(t.Role)]
		if r < lowestRank {
			lowestRank = r
			lowest = i
		}
	}
	return lowest
}
