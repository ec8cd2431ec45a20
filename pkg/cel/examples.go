package cel

// FilterExpressionExamples are sample record filters, served by the viewer.
var FilterExpressionExamples = map[string]string{
	"by_type":          `type == "spam"`,
	"not_normal":       `type != "normal"`,
	"high_confidence":  `score >= 0.8`,
	"score_range":      `score > 0.5 && score < 0.9`,
	"sender_domain":    `sender.endsWith("@example.com")`,
	"message_contains": `message.lowerAscii().contains("password")`,
	"in_list":          `type in ["spam", "fraud"]`,
	"reason_matches":   `reason.matches("(?i)phish")`,
	"recent":           `timestamp > timestamp("2024-01-01T00:00:00Z")`,
	"parse_failures":   `type == "unknown" && reason.startsWith("parse failure")`,
	"complex_logic":    `(type == "fraud" || (type == "spam" && score > 0.9)) && !sender.endsWith("@trusted.example")`,
}
