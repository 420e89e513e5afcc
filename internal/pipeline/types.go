package pipeline

// Token is one decoded vocabulary unit.
type Token struct {
	ID      uint32 `json:"id"`
	Text    string `json:"text"`
	Special bool   `json:"special"`
}

// Generation is the event produced by one decoding step. GeneratedText is
// set only on the step that ends the generation and holds the decoded
// text of every token produced by the run.
type Generation struct {
	Token         Token   `json:"token"`
	GeneratedText *string `json:"generated_text"`
	Details       *bool   `json:"details"`
}

// Final reports whether g terminated its generation.
func (g Generation) Final() bool { return g.GeneratedText != nil }
