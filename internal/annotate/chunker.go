package annotate

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Chunk is a contiguous slice of the source document. Offset is the byte
// position of Text within the original document, so extraction intervals
// computed against the chunk can be promoted to absolute positions.
type Chunk struct {
	Offset int
	Text   string
}

var commonAbbreviations = map[string]struct{}{
	"mr": {}, "mrs": {}, "ms": {}, "dr": {}, "prof": {}, "sr": {}, "jr": {},
	"st": {}, "mt": {}, "vs": {}, "etc": {}, "no": {}, "vol": {}, "rev": {},
	"fig": {}, "al": {}, "inc": {}, "ltd": {}, "co": {}, "dept": {}, "est": {},
	"jan": {}, "feb": {}, "mar": {}, "apr": {}, "jun": {}, "jul": {}, "aug": {},
	"sep": {}, "sept": {}, "oct": {}, "nov": {}, "dec": {},
	"a.m": {}, "p.m": {}, "e.g": {}, "i.e": {}, "u.s": {}, "u.k": {},
}

// splitChunks packs whole sentences into chunks of at most maxChars bytes.
// Sentences longer than maxChars fall back to clause-level splits, then hard
// cuts at rune boundaries. The source text is never rewritten: every chunk is
// a verbatim slice of it.
func splitChunks(text string, maxChars int) []Chunk {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	var chunks []Chunk
	cur := span{-1, -1}
	flush := func() {
		if cur.start >= 0 && cur.end > cur.start {
			chunks = append(chunks, Chunk{Offset: cur.start, Text: text[cur.start:cur.end]})
		}
		cur = span{-1, -1}
	}

	for _, s := range sentenceSpans(text) {
		if s.end-s.start > maxChars {
			flush()
			chunks = append(chunks, clauseChunks(text, s, maxChars)...)
			continue
		}
		switch {
		case cur.start < 0:
			cur = s
		case s.end-cur.start <= maxChars:
			cur.end = s.end
		default:
			flush()
			cur = s
		}
	}
	flush()
	return chunks
}

// span is a half-open byte range into the source text.
type span struct {
	start, end int
}

// sentenceSpans locates sentence boundaries without altering the text.
// Periods inside ellipses, decimals, initials, and common abbreviations do
// not end a sentence; closing quotes and brackets stay with the sentence
// they terminate.
func sentenceSpans(text string) []span {
	var spans []span
	start := skipSpace(text, 0, len(text))

	for i := 0; i < len(text); i++ {
		ch := text[i]
		if !isSentencePunctuation(ch) {
			continue
		}
		if ch == '.' && shouldSkipPeriodSplit(text, i) {
			continue
		}
		if !isBoundary(text, i) {
			continue
		}

		end := i + 1
		for end < len(text) && isClosingPunctuation(text[end]) {
			end++
		}
		if start < end {
			spans = append(spans, span{start, end})
		}
		start = skipSpace(text, end, len(text))
		i = end - 1
	}

	end := len(text)
	for end > start && isSpaceByte(text[end-1]) {
		end--
	}
	if start < end {
		spans = append(spans, span{start, end})
	}
	return spans
}

// clauseChunks splits one oversized sentence, preferring a clause boundary in
// the back half of the window over a hard cut.
func clauseChunks(text string, s span, maxChars int) []Chunk {
	var out []Chunk
	start := s.start
	for start < s.end {
		if s.end-start <= maxChars {
			out = append(out, Chunk{Offset: start, Text: text[start:s.end]})
			break
		}

		cut := start + maxChars
		if b := lastClauseBoundary(text, start+maxChars/2, cut); b >= 0 {
			_, size := utf8.DecodeRuneInString(text[b:])
			cut = b + size
		} else {
			for cut > start && !utf8.RuneStart(text[cut]) {
				cut--
			}
		}

		if cut > start {
			out = append(out, Chunk{Offset: start, Text: text[start:cut]})
		}
		start = skipSpace(text, cut, s.end)
	}
	return out
}

func lastClauseBoundary(text string, from, to int) int {
	if from < 0 {
		from = 0
	}
	if to > len(text) {
		to = len(text)
	}
	if from >= to {
		return -1
	}
	idx := strings.LastIndexFunc(text[from:to], isClauseBoundaryRune)
	if idx < 0 {
		return -1
	}
	return from + idx
}

func isClauseBoundaryRune(r rune) bool {
	switch r {
	case ',', ';', ':', '—', '-':
		return true
	default:
		return false
	}
}

func shouldSkipPeriodSplit(text string, idx int) bool {
	// Ellipsis
	if (idx > 0 && text[idx-1] == '.') || (idx+1 < len(text) && text[idx+1] == '.') {
		return true
	}

	// Decimal numbers
	if idx > 0 && idx+1 < len(text) && isDigit(text[idx-1]) && isDigit(text[idx+1]) {
		return true
	}

	token := tokenBeforePeriod(text, idx)
	if token == "" {
		return false
	}

	// Initials and single-letter abbreviations
	if len(token) == 1 && isAlpha(token[0]) {
		return true
	}

	_, ok := commonAbbreviations[strings.ToLower(token)]
	return ok
}

func tokenBeforePeriod(text string, idx int) string {
	i := idx - 1
	for i >= 0 && !isTokenBoundary(text[i]) {
		i--
	}
	return text[i+1 : idx]
}

func isBoundary(text string, punctIdx int) bool {
	i := punctIdx + 1
	for i < len(text) && isClosingPunctuation(text[i]) {
		i++
	}
	if i >= len(text) {
		return true
	}
	if !isSpaceByte(text[i]) {
		return false
	}
	for i < len(text) && isSpaceByte(text[i]) {
		i++
	}
	if i >= len(text) {
		return true
	}
	return isLikelySentenceStart(text, i)
}

func isLikelySentenceStart(text string, idx int) bool {
	if idx >= len(text) {
		return false
	}
	r, _ := utf8.DecodeRuneInString(text[idx:])
	if unicode.IsUpper(r) || unicode.IsDigit(r) {
		return true
	}
	if isOpeningQuoteOrBracket(text[idx]) {
		j := idx + 1
		for j < len(text) && isOpeningQuoteOrBracket(text[j]) {
			j++
		}
		if j < len(text) {
			rr, _ := utf8.DecodeRuneInString(text[j:])
			return unicode.IsUpper(rr) || unicode.IsDigit(rr)
		}
	}
	return false
}

func skipSpace(text string, from, to int) int {
	for from < to && isSpaceByte(text[from]) {
		from++
	}
	return from
}

func isSentencePunctuation(ch byte) bool {
	return ch == '.' || ch == '!' || ch == '?'
}

func isTokenBoundary(ch byte) bool {
	return isSpaceByte(ch) || ch == '"' || ch == '\'' || ch == '(' || ch == ')' || ch == '[' || ch == ']' || ch == '{' || ch == '}'
}

func isSpaceByte(ch byte) bool {
	return ch == ' ' || ch == '\n' || ch == '\t' || ch == '\r'
}

func isDigit(ch byte) bool {
	return ch >= '0' && ch <= '9'
}

func isAlpha(ch byte) bool {
	return (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z')
}

func isClosingPunctuation(ch byte) bool {
	switch ch {
	case '"', '\'', ')', ']', '}':
		return true
	default:
		return false
	}
}

func isOpeningQuoteOrBracket(ch byte) bool {
	switch ch {
	case '"', '\'', '(', '[', '{':
		return true
	default:
		return false
	}
}
