package cel

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleVars() Vars {
	return Vars{
		Sender:    "promo@example.com",
		Message:   "Reset your PASSWORD now to claim the prize",
		Type:      "spam",
		Score:     0.92,
		Reason:    "Phishing-style urgency",
		Timestamp: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		MessageID: "m-1",
	}
}

func TestNewEvaluator(t *testing.T) {
	eval, err := NewEvaluator()
	require.NoError(t, err)
	assert.NotNil(t, eval)
}

func TestValidateFilterExpression(t *testing.T) {
	eval, err := NewEvaluator()
	require.NoError(t, err)

	tests := []struct {
		name      string
		expr      string
		wantError bool
	}{
		{name: "valid comparison", expr: `type == "spam"`},
		{name: "valid numeric", expr: `score > 0.5`},
		{name: "invalid syntax", expr: `type ==`, wantError: true},
		{name: "undefined variable", expr: `payload.status == "active"`, wantError: true},
		{name: "non-bool result", expr: `score * 2.0`, wantError: true},
		{name: "type mismatch", expr: `score == "high"`, wantError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := eval.ValidateFilterExpression(tt.expr)
			if tt.wantError {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestEvaluateFilter(t *testing.T) {
	eval, err := NewEvaluator()
	require.NoError(t, err)
	ctx := context.Background()

	tests := []struct {
		expr string
		want bool
	}{
		{expr: `type == "spam"`, want: true},
		{expr: `type == "fraud"`, want: false},
		{expr: `score >= 0.9`, want: true},
		{expr: `sender.endsWith("@example.com")`, want: true},
		{expr: `message.lowerAscii().contains("password")`, want: true},
		{expr: `timestamp > timestamp("2024-06-01T00:00:00Z")`, want: false},
		{expr: `message_id == "m-1"`, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got, err := eval.EvaluateFilter(ctx, tt.expr, sampleVars())
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCompiledFilterIsReusable(t *testing.T) {
	eval, err := NewEvaluator()
	require.NoError(t, err)

	f, err := eval.CompileFilter(`type in ["spam", "fraud"]`)
	require.NoError(t, err)
	assert.Equal(t, `type in ["spam", "fraud"]`, f.Expression())

	vars := sampleVars()
	ok, err := f.Match(context.Background(), vars)
	require.NoError(t, err)
	assert.True(t, ok)

	vars.Type = "normal"
	ok, err = f.Match(context.Background(), vars)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFilterExpressionExamplesCompile(t *testing.T) {
	eval, err := NewEvaluator()
	require.NoError(t, err)

	for name, expr := range FilterExpressionExamples {
		t.Run(name, func(t *testing.T) {
			_, err := eval.CompileFilter(expr)
			assert.NoError(t, err)
		})
	}
}
