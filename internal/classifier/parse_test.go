package classifier

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseVerdict(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		category Category
		score    float64
		reason   string
	}{
		{
			name:     "plain JSON",
			raw:      `{"type":"spam","score":0.92,"reason":"urgent prize language"}`,
			category: CategorySpam, score: 0.92, reason: "urgent prize language",
		},
		{
			name:     "fenced JSON",
			raw:      "```json\n{\"type\":\"fraud\",\"score\":0.7,\"reason\":\"asks for bank details\"}\n```",
			category: CategoryFraud, score: 0.7, reason: "asks for bank details",
		},
		{
			name:     "category is case-insensitive",
			raw:      `{"type":" Normal ","score":0.1,"reason":"ordinary note"}`,
			category: CategoryNormal, score: 0.1, reason: "ordinary note",
		},
		{
			name:     "score above range",
			raw:      `{"type":"spam","score":1.7,"reason":"x"}`,
			category: CategorySpam, score: 1.0, reason: "x",
		},
		{
			name:     "score below range",
			raw:      `{"type":"normal","score":-0.3,"reason":"x"}`,
			category: CategoryNormal, score: 0.0, reason: "x",
		},
		{
			name:     "blank reason",
			raw:      `{"type":"normal","score":0.2,"reason":"  "}`,
			category: CategoryNormal, score: 0.2, reason: noReason,
		},
		{
			name:     "model may answer unknown",
			raw:      `{"type":"unknown","score":0.5,"reason":"ambiguous"}`,
			category: CategoryUnknown, score: 0.5, reason: "ambiguous",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := ParseVerdict(tt.raw)
			assert.Equal(t, tt.category, v.Category)
			assert.InDelta(t, tt.score, v.Score, 1e-9)
			assert.Equal(t, tt.reason, v.Reason)
		})
	}
}

func TestParseVerdict_Failures(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{name: "prose", raw: "I cannot classify this"},
		{name: "missing score", raw: `{"type":"spam","reason":"x"}`},
		{name: "missing reason", raw: `{"type":"spam","score":0.5}`},
		{name: "missing type", raw: `{"score":0.5,"reason":"x"}`},
		{name: "score as string", raw: `{"type":"spam","score":"0.5","reason":"x"}`},
		{name: "unknown category", raw: `{"type":"phishing","score":0.5,"reason":"x"}`},
		{name: "array", raw: `[{"type":"spam","score":0.5,"reason":"x"}]`},
		{name: "empty", raw: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := ParseVerdict(tt.raw)
			assert.Equal(t, CategoryUnknown, v.Category)
			assert.Equal(t, 0.0, v.Score)
			assert.True(t, strings.HasPrefix(v.Reason, "parse failure: "))
			assert.Greater(t, len(v.Reason), len("parse failure: "))
		})
	}
}

func TestParseVerdict_FailureQuotesResponse(t *testing.T) {
	v := ParseVerdict("I cannot classify this")
	assert.Equal(t, "parse failure: I cannot classify this", v.Reason)

	long := strings.Repeat("a", 500)
	v = ParseVerdict(long)
	assert.LessOrEqual(t, len(v.Reason), len("parse failure: ")+203)
}

func TestParseCategory(t *testing.T) {
	c, ok := ParseCategory("SPAM")
	assert.True(t, ok)
	assert.Equal(t, CategorySpam, c)

	_, ok = ParseCategory("ham")
	assert.False(t, ok)
}
