package tokenizer

import "github.com/goccy/go-json"

// EndOfText is the GPT-2 end-of-text marker, used by moondream both as the
// sequence start and the stop token.
const EndOfText = "<|endoftext|>"

// ToyJSON returns a byte-level tokenizer.json with one token per byte
// (ids 0-255) and EndOfText as special token 256. It pairs with toy model
// checkpoints whose vocabulary is at least 257 entries.
func ToyJSON() []byte {
	enc, _ := bytesToUnicode()
	vocab := make(map[string]int, 256)
	for b := 0; b < 256; b++ {
		vocab[enc[byte(b)]] = b
	}
	doc := map[string]any{
		"model": map[string]any{
			"type":   "BPE",
			"vocab":  vocab,
			"merges": []any{},
		},
		"pre_tokenizer": map[string]any{"type": "ByteLevel"},
		"added_tokens": []any{
			map[string]any{"id": 256, "content": EndOfText, "special": true},
		},
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		panic(err)
	}
	return raw
}
