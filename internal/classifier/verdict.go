package classifier

import (
	"context"
	"strings"
)

type Category string

const (
	CategoryNormal  Category = "normal"
	CategorySpam    Category = "spam"
	CategoryFraud   Category = "fraud"
	CategoryUnknown Category = "unknown"
)

// ParseCategory matches s against the known categories, ignoring case and
// surrounding whitespace.
func ParseCategory(s string) (Category, bool) {
	switch c := Category(strings.ToLower(strings.TrimSpace(s))); c {
	case CategoryNormal, CategorySpam, CategoryFraud, CategoryUnknown:
		return c, true
	default:
		return "", false
	}
}

// Verdict is the outcome of classifying one message. Score is a confidence
// in [0,1] and Reason is never empty.
type Verdict struct {
	Category Category `json:"type"`
	Score    float64  `json:"score"`
	Reason   string   `json:"reason"`
}

type Classifier interface {
	Classify(ctx context.Context, sender, message string) (Verdict, error)
}

// ClassifierFunc adapts a function to Classifier.
type ClassifierFunc func(ctx context.Context, sender, message string) (Verdict, error)

func (f ClassifierFunc) Classify(ctx context.Context, sender, message string) (Verdict, error) {
	return f(ctx, sender, message)
}
