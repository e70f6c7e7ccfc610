package annotate

import (
	"regexp"
	"strings"

	"github.com/winnowml/winnow/internal/extraction"
)

// alignChunk locates each extraction's text inside its chunk and stamps the
// absolute interval and alignment status. The search starts at a cursor that
// advances past each match, so repeated mentions bind to successive
// occurrences as long as the model reports extractions in document order.
// Extractions that cannot be located keep a nil interval and stay in the
// result; dropping them is the caller's policy decision.
func alignChunk(chunk Chunk, extractions []extraction.Extraction) []extraction.Extraction {
	out := make([]extraction.Extraction, len(extractions))
	cursor := 0
	for i, ex := range extractions {
		out[i] = ex
		match, status := locate(chunk.Text, cursor, ex.Text)
		if match == nil {
			continue
		}
		out[i].Interval = &extraction.CharInterval{
			StartPos: chunk.Offset + match.start,
			EndPos:   chunk.Offset + match.end,
		}
		out[i].Alignment = status
		cursor = match.end
	}
	return out
}

// locate finds target within text at or after cursor. The ladder is strict:
// a verbatim match, then a case-insensitive match of the same byte length,
// then the longest whitespace-flexible token prefix.
func locate(text string, cursor int, target string) (*span, extraction.AlignmentStatus) {
	if target == "" || cursor >= len(text) {
		return nil, ""
	}
	region := text[cursor:]

	if idx := strings.Index(region, target); idx >= 0 {
		return &span{cursor + idx, cursor + idx + len(target)}, extraction.AlignmentExact
	}

	if idx := foldIndex(region, target); idx >= 0 {
		return &span{cursor + idx, cursor + idx + len(target)}, extraction.AlignmentFuzzy
	}

	if s := tokenPrefixMatch(region, target); s != nil {
		return &span{cursor + s.start, cursor + s.end}, extraction.AlignmentLesser
	}

	return nil, ""
}

// foldIndex is a case-insensitive substring search over fixed-width byte
// windows. Folds that change byte length are not found; those fall through
// to the token-prefix tier.
func foldIndex(region, target string) int {
	n := len(target)
	if n == 0 || n > len(region) {
		return -1
	}
	for i := 0; i+n <= len(region); i++ {
		if strings.EqualFold(region[i:i+n], target) {
			return i
		}
	}
	return -1
}

// tokenPrefixMatch finds the longest prefix of target's tokens appearing in
// region with arbitrary whitespace between tokens, case-insensitively.
func tokenPrefixMatch(region, target string) *span {
	tokens := strings.Fields(target)
	if len(tokens) == 0 {
		return nil
	}
	for k := len(tokens); k >= 1; k-- {
		re, err := tokenPattern(tokens[:k])
		if err != nil {
			return nil
		}
		if loc := re.FindStringIndex(region); loc != nil {
			return &span{loc[0], loc[1]}
		}
	}
	return nil
}

func tokenPattern(tokens []string) (*regexp.Regexp, error) {
	quoted := make([]string, len(tokens))
	for i, tok := range tokens {
		quoted[i] = regexp.QuoteMeta(tok)
	}
	return regexp.Compile(`(?i)` + strings.Join(quoted, `\s+`))
}
