package classifier

import (
	"math"
	"strings"

	"mailguard/internal/constants"
	"mailguard/pkg/formatting"
)

const noReason = "no reason provided"

// rawVerdict uses pointers so a missing field is distinguishable from a zero.
type rawVerdict struct {
	Type   *string  `json:"type"`
	Score  *float64 `json:"score"`
	Reason *string  `json:"reason"`
}

// ParseVerdict turns inspector output into a Verdict. It never fails: output
// that is not a well-formed verdict yields an unknown Verdict whose reason
// quotes the start of the output.
func ParseVerdict(raw string) Verdict {
	parsed, err := formatting.Parse[rawVerdict](raw)
	if err != nil || parsed.Type == nil || parsed.Score == nil || parsed.Reason == nil {
		return parseFailure(raw)
	}

	category, ok := ParseCategory(*parsed.Type)
	if !ok {
		return parseFailure(raw)
	}

	reason := strings.TrimSpace(*parsed.Reason)
	if reason == "" {
		reason = noReason
	}

	return Verdict{
		Category: category,
		Score:    clampScore(*parsed.Score),
		Reason:   reason,
	}
}

func clampScore(score float64) float64 {
	switch {
	case math.IsNaN(score):
		return 0
	case score < 0:
		return 0
	case score > 1:
		return 1
	default:
		return score
	}
}

func parseFailure(raw string) Verdict {
	snippet := formatting.Truncate(strings.TrimSpace(raw), constants.DefaultTruncateLen)
	if snippet == "" {
		snippet = "<empty response>"
	}
	return Verdict{
		Category: CategoryUnknown,
		Score:    0,
		Reason:   "parse failure: " + snippet,
	}
}
