package formatting

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	Name  string `json:"name"`
	Value int    `json:"value"`
}

func TestParse(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  sample
	}{
		{name: "direct JSON", input: `{"name":"test","value":42}`, want: sample{"test", 42}},
		{name: "padded JSON", input: "  {\"name\":\"padded\",\"value\":1}  ", want: sample{"padded", 1}},
		{name: "fenced JSON", input: "```json\n{\"name\":\"fenced\",\"value\":7}\n```", want: sample{"fenced", 7}},
		{name: "fence without tag", input: "```\n{\"name\":\"bare\",\"value\":3}\n```", want: sample{"bare", 3}},
		{name: "fence with prose", input: "Here it is:\n```json\n{\"name\":\"wrapped\",\"value\":5}\n```\nDone.", want: sample{"wrapped", 5}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse[sample](tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParse_Failure(t *testing.T) {
	_, err := Parse[sample]("I think this is spam.")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrParseFailed))

	_, err = Parse[sample]("```json\nnot json\n```")
	assert.ErrorIs(t, err, ErrParseFailed)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", Truncate("short", 10))
	long := strings.Repeat("é", 250)
	out := Truncate(long, 200)
	assert.Equal(t, 203, len([]rune(out)))
	assert.True(t, strings.HasSuffix(out, "..."))
}
