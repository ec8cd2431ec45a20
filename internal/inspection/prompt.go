package inspection

import "fmt"

const systemPrompt = `You are an AI email security inspector. Your task is to classify the message as 'normal', 'spam', or 'fraud'.
For each message, return:
- type: one of ['normal', 'spam', 'fraud']
- score: a number between 0.0 and 1.0 (confidence level of the classification)
- reason: a one-sentence explanation

Example response in JSON format:
{ "type": "spam", "score": 0.85, "reason": "Contains phrases typical of spam" }
`

func userPrompt(sender, message string) string {
	return fmt.Sprintf("Sender: %s\nMessage content:\n%s\n\nPlease evaluate this message.", sender, message)
}
