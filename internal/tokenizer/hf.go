package tokenizer

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/goccy/go-json"
)

// HFTokenizer is a byte-level BPE tokenizer built from a HuggingFace
// tokenizer.json.
type HFTokenizer struct {
	encoder      map[string]int
	decoder      []string
	bpeRanks     map[Pair]int
	cacheMu      sync.Mutex
	cache        map[string][]string
	byteEncoder  map[byte]string
	byteDecoder  map[string]byte
	pattern      *regexp.Regexp
	addBOS       bool
	bosID        int
	unkID        int
	ignoreMerges bool
	lookahead    bool
	added        []string
	specialIDs   map[int]bool
}

type hfPreTokenizer struct {
	Type          string `json:"type"`
	Pretokenizers []struct {
		Type    string `json:"type"`
		Pattern struct {
			Regex string `json:"Regex"`
		} `json:"pattern"`
	} `json:"pretokenizers"`
}

type hfTokenizerJSON struct {
	Model struct {
		Type         string         `json:"type"`
		Vocab        map[string]int `json:"vocab"`
		Merges       []any          `json:"merges"`
		IgnoreMerges bool           `json:"ignore_merges"`
		UnkToken     string         `json:"unk_token"`
	} `json:"model"`
	PreTokenizer  hfPreTokenizer `json:"pre_tokenizer"`
	PostProcessor struct {
		Type       string `json:"type"`
		Processors []struct {
			Type          string `json:"type"`
			SpecialTokens map[string]struct {
				IDs []int `json:"ids"`
			} `json:"special_tokens"`
		} `json:"processors"`
	} `json:"post_processor"`
	AddedTokens []struct {
		ID      int    `json:"id"`
		Content string `json:"content"`
		Special bool   `json:"special"`
	} `json:"added_tokens"`
}

// LoadHFTokenizer reads a tokenizer.json file.
func LoadHFTokenizer(path string) (*HFTokenizer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return LoadHFTokenizerBytes(data)
}

// LoadHFTokenizerBytes parses the contents of a tokenizer.json file.
func LoadHFTokenizerBytes(data []byte) (*HFTokenizer, error) {
	var tj hfTokenizerJSON
	if err := json.Unmarshal(data, &tj); err != nil {
		return nil, fmt.Errorf("parse tokenizer json: %w", err)
	}
	if strings.ToUpper(tj.Model.Type) != "BPE" {
		return nil, fmt.Errorf("unsupported tokenizer model: %q", tj.Model.Type)
	}
	if len(tj.Model.Vocab) == 0 {
		return nil, fmt.Errorf("tokenizer vocabulary is empty")
	}

	encoder := make(map[string]int, len(tj.Model.Vocab)+len(tj.AddedTokens))
	maxID := -1
	for tok, id := range tj.Model.Vocab {
		if id < 0 {
			return nil, fmt.Errorf("negative id %d for token %q", id, tok)
		}
		encoder[tok] = id
		maxID = max(maxID, id)
	}
	specialIDs := make(map[int]bool)
	added := make([]string, 0, len(tj.AddedTokens))
	for _, at := range tj.AddedTokens {
		if at.ID < 0 || at.Content == "" {
			return nil, fmt.Errorf("invalid added token %q (id %d)", at.Content, at.ID)
		}
		encoder[at.Content] = at.ID
		maxID = max(maxID, at.ID)
		added = append(added, at.Content)
		if at.Special {
			specialIDs[at.ID] = true
		}
	}
	decoder := make([]string, maxID+1)
	for tok, id := range encoder {
		decoder[id] = tok
	}

	bpeRanks, err := parseMerges(tj.Model.Merges)
	if err != nil {
		return nil, err
	}

	byteEncoder, byteDecoder := bytesToUnicode()
	pat, err := buildHFPattern(tj.PreTokenizer)
	if err != nil {
		return nil, err
	}

	bosID := -1
	addBOS := false
	for _, proc := range tj.PostProcessor.Processors {
		if proc.Type != "TemplateProcessing" {
			continue
		}
		for _, spec := range proc.SpecialTokens {
			if len(spec.IDs) > 0 {
				bosID = spec.IDs[0]
				addBOS = true
				break
			}
		}
	}

	unkID := -1
	if tj.Model.UnkToken != "" {
		if id, ok := encoder[tj.Model.UnkToken]; ok {
			unkID = id
		}
	}

	return &HFTokenizer{
		encoder:      encoder,
		decoder:      decoder,
		bpeRanks:     bpeRanks,
		cache:        make(map[string][]string),
		byteEncoder:  byteEncoder,
		byteDecoder:  byteDecoder,
		pattern:      pat,
		addBOS:       addBOS,
		bosID:        bosID,
		unkID:        unkID,
		ignoreMerges: tj.Model.IgnoreMerges,
		lookahead:    pat.String() == gpt2Pattern,
		added:        longestFirst(added),
		specialIDs:   specialIDs,
	}, nil
}

func parseMerges(merges []any) (map[Pair]int, error) {
	ranks := make(map[Pair]int, len(merges))
	rank := 0
	for i, raw := range merges {
		var p Pair
		switch v := raw.(type) {
		case string:
			line := strings.TrimSpace(v)
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			parts := strings.Split(line, " ")
			if len(parts) != 2 {
				return nil, fmt.Errorf("merge %d: malformed %q", i, v)
			}
			p = Pair{A: parts[0], B: parts[1]}
		case []any:
			if len(v) != 2 {
				return nil, fmt.Errorf("merge %d: expected pair", i)
			}
			a, aok := v[0].(string)
			b, bok := v[1].(string)
			if !aok || !bok {
				return nil, fmt.Errorf("merge %d: expected string pair", i)
			}
			p = Pair{A: a, B: b}
		default:
			return nil, fmt.Errorf("merge %d: unexpected type %T", i, raw)
		}
		if _, ok := ranks[p]; !ok {
			ranks[p] = rank
			rank++
		}
	}
	return ranks, nil
}

func (t *HFTokenizer) Encode(text string) ([]int, error) {
	var ids []int
	if t.addBOS && t.bosID >= 0 {
		ids = append(ids, t.bosID)
	}
	for _, part := range splitAdded(text, t.added) {
		if part.isAdded {
			ids = append(ids, t.encoder[part.text])
			continue
		}
		for _, word := range t.preTokenize(part.text) {
			for _, bpeTok := range t.bpe(t.byteEncode(word)) {
				id, ok := t.encoder[bpeTok]
				if !ok {
					if t.unkID >= 0 {
						ids = append(ids, t.unkID)
						continue
					}
					return nil, fmt.Errorf("unknown token: %q", bpeTok)
				}
				ids = append(ids, id)
			}
		}
	}
	return ids, nil
}

func (t *HFTokenizer) Decode(ids []int, skipSpecial bool) (string, error) {
	var b []byte
	for _, id := range ids {
		if id < 0 || id >= len(t.decoder) {
			return "", fmt.Errorf("token id out of range: %d", id)
		}
		if t.specialIDs[id] {
			if !skipSpecial {
				b = append(b, t.decoder[id]...)
			}
			continue
		}
		for _, r := range t.decoder[id] {
			if by, ok := t.byteDecoder[string(r)]; ok {
				b = append(b, by)
			} else {
				b = append(b, string(r)...)
			}
		}
	}
	return string(b), nil
}

func (t *HFTokenizer) TokenID(token string) (int, bool) {
	id, ok := t.encoder[token]
	return id, ok
}

// VocabSize is the number of addressable ids.
func (t *HFTokenizer) VocabSize() int { return len(t.decoder) }

// IsSpecial reports whether id is a special added token.
func (t *HFTokenizer) IsSpecial(id int) bool { return t.specialIDs[id] }

// preTokenize splits text into words. For the GPT-2 pattern it restores the
// effect of the `\s+(?!\S)` branch: a whitespace run followed by a word
// gives up its last character, which is either glued to the next word (a
// space) or emitted on its own.
func (t *HFTokenizer) preTokenize(text string) []string {
	words := t.pattern.FindAllString(text, -1)
	if !t.lookahead {
		return words
	}
	out := make([]string, 0, len(words))
	carry := ""
	for i, w := range words {
		w = carry + w
		carry = ""
		if i == len(words)-1 || strings.TrimSpace(w) != "" {
			out = append(out, w)
			continue
		}
		r, size := utf8.DecodeLastRuneInString(w)
		if len(w) > size {
			out = append(out, w[:len(w)-size])
		}
		if r == ' ' {
			carry = " "
		} else {
			out = append(out, string(r))
		}
	}
	return out
}

func (t *HFTokenizer) byteEncode(s string) string {
	var b strings.Builder
	for _, by := range []byte(s) {
		b.WriteString(t.byteEncoder[by])
	}
	return b.String()
}

func (t *HFTokenizer) bpe(token string) []string {
	t.cacheMu.Lock()
	defer t.cacheMu.Unlock()
	if v, ok := t.cache[token]; ok {
		return v
	}
	if t.ignoreMerges {
		if _, ok := t.encoder[token]; ok {
			out := []string{token}
			t.cache[token] = out
			return out
		}
	}
	word := splitRunes(token)
	pairs := getPairs(word)
	for len(pairs) > 0 {
		bestRank := int(^uint(0) >> 1)
		bestPair := Pair{}
		found := false
		for p := range pairs {
			if rank, ok := t.bpeRanks[p]; ok && rank < bestRank {
				bestRank = rank
				bestPair = p
				found = true
			}
		}
		if !found {
			break
		}
		word = mergePair(word, bestPair)
		if len(word) == 1 {
			break
		}
		pairs = getPairs(word)
	}
	t.cache[token] = word
	return word
}

// gpt2Pattern is the GPT-2 pre-tokenizer with the trailing-whitespace
// lookahead collapsed into \s+, since Go regexp has no lookahead.
const gpt2Pattern = `'s|'t|'re|'ve|'m|'ll|'d| ?\p{L}+| ?\p{N}+| ?[^\s\p{L}\p{N}]+|\s+`

func buildHFPattern(pre hfPreTokenizer) (*regexp.Regexp, error) {
	pat := gpt2Pattern
	if pre.Type == "Sequence" {
		for _, p := range pre.Pretokenizers {
			if p.Type == "Split" && p.Pattern.Regex != "" {
				pat = p.Pattern.Regex
				break
			}
		}
	}
	if strings.Contains(pat, "(?!\\S)") || strings.Contains(pat, "(?i:") {
		pat = `(?:'[sS]|'[tT]|'[rR][eE]|'[vV][eE]|'[mM]|'[lL][lL]|'[dD])|[^\r\n\p{L}\p{N}]?\p{L}+|\p{N}{1,3}| ?[^\s\p{L}\p{N}]+[\r\n]*|\s*[\r\n]+|\s+`
	}
	re, err := regexp.Compile(pat)
	if err != nil {
		return nil, fmt.Errorf("compile pre-tokenizer pattern: %w", err)
	}
	return re, nil
}
