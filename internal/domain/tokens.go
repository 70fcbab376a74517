package domain

// TokenCounter counts tokens locally for backends that omit usage counters.
type TokenCounter interface {
	// CountMessages counts the prompt tokens of a message list.
	CountMessages(model string, msgs []Message) int

	// CountText counts the tokens of plain completion text.
	CountText(model, text string) int

	// SupportsModel returns true if this counter supports the given model.
	SupportsModel(model string) bool
}
