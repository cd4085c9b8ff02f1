package tokenizer

import "regexp"

// Pre-tokenizer patterns approximating BPE word splitting. Each match is
// counted as one token.
var (
	cl100kPattern = regexp.MustCompile(`'s|'t|'re|'ve|'m|'ll|'d| ?\p{L}+| ?\p{N}+| ?[^\s\p{L}\p{N}]+|\s+`)
	p50kPattern   = regexp.MustCompile(`'s|'t|'re|'ve|'m|'ll|'d| ?[A-Za-z]+| ?[0-9]+| ?[^\sA-Za-z0-9]+|\s+`)
)

type Tokenizer interface {
	Count(text string) int64
}

type regexTokenizer struct {
	re *regexp.Regexp
}

// New returns a tokenizer for the given encoding name; unknown names fall
// back to cl100k_base.
func New(encoding string) Tokenizer {
	switch encoding {
	case "p50k_base", "r50k_base", "gpt2":
		return regexTokenizer{re: p50kPattern}
	default:
		return regexTokenizer{re: cl100kPattern}
	}
}

func (t regexTokenizer) Count(text string) int64 {
	if text == "" {
		return 0
	}
	return int64(len(t.re.FindAllStringIndex(text, -1)))
}
