package tokenizer

// Tokenizer is the interface the generation pipeline depends on.
type Tokenizer interface {
	Encode(text string) ([]int, error)
	// Decode maps ids back to text. When skipSpecial is set, ids of special
	// added tokens contribute nothing to the output.
	Decode(ids []int, skipSpecial bool) (string, error)
	// TokenID looks a token up in the full vocabulary, added tokens included.
	TokenID(token string) (int, bool)
}
