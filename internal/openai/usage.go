package openai

// EstimateInputTokens estimates the input token count from a request using
// a character-based heuristic (~4 chars/token).
func EstimateInputTokens(req *ChatCompletionRequest) int {
	var totalChars int

	for _, msg := range req.Messages {
		totalChars += len(msg.GetContentString())
		for _, tc := range msg.ToolCalls {
			totalChars += len(tc.Function.Name) + len(tc.Function.Arguments)
		}
	}
	for _, t := range req.Tools {
		totalChars += len(t.Function.Name) + len(t.Function.Description) + len(t.Function.Parameters)
	}

	tokens := totalChars / 4
	if tokens < 1 && totalChars > 0 {
		tokens = 1
	}
	return tokens
}
