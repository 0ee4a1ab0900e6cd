package knowledge

import (
	"fmt"
	"strings"
	"unicode"
)

const (
	titleMaxRunes       = 20
	titleCategory       = "cn_Title"
	titleBackrefPrefix  = "下文与("
	titleBackrefComment = ")有关。"
)

// DocChunk is the unit stored in a vector index: bounded text plus
// provenance metadata (source path, optional category/article id).
type DocChunk struct {
	Text     string
	Metadata map[string]interface{}
}

// enhanceTitles is a second pass over an ordered chunk sequence. A
// chunk classified as a heading is tagged with the cn_Title category;
// every following chunk (until the next heading) gets a back-reference
// sentence naming that heading so an isolated chunk keeps its
// structural context. Already-prefixed chunks are left alone, which
// makes the pass idempotent.
func enhanceTitles(chunks []DocChunk) []DocChunk {
	title := ""
	for i := range chunks {
		text := chunks[i].Text
		if isPossibleTitle(text) {
			title = text
			if chunks[i].Metadata == nil {
				chunks[i].Metadata = map[string]interface{}{}
			}
			chunks[i].Metadata["category"] = titleCategory
			continue
		}
		if title == "" || strings.HasPrefix(text, titleBackrefPrefix) {
			continue
		}
		chunks[i].Text = fmt.Sprintf("%s%s%s%s", titleBackrefPrefix, title, titleBackrefComment, text)
	}
	return chunks
}

// isPossibleTitle reports whether a chunk looks like a section
// heading: short, no terminal punctuation, mostly letters, not a bare
// number, and carrying a numeral within its first five runes (the
// numbered-heading convention of the target documents).
func isPossibleTitle(text string) bool {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return false
	}

	runes := []rune(trimmed)
	if len(runes) > titleMaxRunes {
		return false
	}

	last := runes[len(runes)-1]
	if !unicode.IsLetter(last) && !unicode.IsDigit(last) {
		return false
	}

	if underAlphaRatio(runes, 0.5) {
		return false
	}

	allDigits := true
	for _, r := range runes {
		if !unicode.IsDigit(r) {
			allDigits = false
			break
		}
	}
	if allDigits {
		return false
	}

	head := runes
	if len(head) > 5 {
		head = head[:5]
	}
	hasNumeral := false
	for _, r := range head {
		if unicode.IsNumber(r) {
			hasNumeral = true
			break
		}
	}
	return hasNumeral
}

// underAlphaRatio reports whether the fraction of letter runes among
// the non-space runes falls below the threshold.
func underAlphaRatio(runes []rune, threshold float64) bool {
	total := 0
	letters := 0
	for _, r := range runes {
		if unicode.IsSpace(r) {
			continue
		}
		total++
		if unicode.IsLetter(r) {
			letters++
		}
	}
	if total == 0 {
		return true
	}
	return float64(letters)/float64(total) < threshold
}
