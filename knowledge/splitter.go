package knowledge

import "strings"

// splitSeparators is the boundary priority order: paragraph breaks
// first, then CJK and ASCII sentence punctuation, then whitespace,
// then a plain character split as the last resort.
var splitSeparators = []string{"\n\n", "\n", "。", "！", "？", "；", ".", "!", "?", ";", " ", ""}

type chunkInput struct {
	Text       string
	TokenCount int
}

// splitter cuts document text into overlapping chunks along the
// separator priority list. Separators stay attached to the piece they
// terminate so chunk boundaries land after punctuation.
type splitter struct {
	chunkSize    int
	chunkOverlap int
}

func newSplitter(chunkSize int, chunkOverlap int) *splitter {
	if chunkSize <= 0 {
		chunkSize = 1000
	}
	if chunkOverlap < 0 || chunkOverlap >= chunkSize {
		chunkOverlap = chunkSize / 5
	}
	return &splitter{chunkSize: chunkSize, chunkOverlap: chunkOverlap}
}

func (s *splitter) split(text string) []chunkInput {
	cleaned := strings.TrimSpace(normalizeNewlines(text))
	if cleaned == "" {
		return nil
	}

	pieces := s.splitRecursive(cleaned, splitSeparators)
	merged := s.mergePieces(pieces)

	chunks := make([]chunkInput, 0, len(merged))
	for _, item := range merged {
		trimmed := strings.TrimSpace(item)
		if trimmed == "" {
			continue
		}
		chunks = append(chunks, chunkInput{
			Text:       trimmed,
			TokenCount: estimateTokenCount(trimmed),
		})
	}
	return chunks
}

// splitRecursive breaks text on the highest-priority separator it
// contains; any resulting piece still longer than chunkSize is split
// again with the remaining separators.
func (s *splitter) splitRecursive(text string, separators []string) []string {
	if text == "" {
		return nil
	}

	separator := ""
	var rest []string
	for i, candidate := range separators {
		if candidate == "" {
			separator = ""
			rest = nil
			break
		}
		if strings.Contains(text, candidate) {
			separator = candidate
			rest = separators[i+1:]
			break
		}
		rest = separators[i+1:]
	}

	parts := splitKeepSeparator(text, separator)

	result := make([]string, 0, len(parts))
	for _, part := range parts {
		if part == "" {
			continue
		}
		if len([]rune(part)) <= s.chunkSize || len(rest) == 0 {
			result = append(result, part)
			continue
		}
		result = append(result, s.splitRecursive(part, rest)...)
	}
	return result
}

// splitKeepSeparator splits text on separator, re-attaching the
// separator to the end of each preceding piece. An empty separator
// falls back to fixed-width rune windows.
func splitKeepSeparator(text string, separator string) []string {
	if separator == "" {
		runes := []rune(text)
		parts := make([]string, 0, len(runes)+1)
		for start := 0; start < len(runes); start += 1 {
			parts = append(parts, string(runes[start]))
		}
		return parts
	}

	raw := strings.Split(text, separator)
	parts := make([]string, 0, len(raw))
	for i, piece := range raw {
		if i < len(raw)-1 {
			piece += separator
		}
		if piece != "" {
			parts = append(parts, piece)
		}
	}
	return parts
}

// mergePieces greedily packs pieces into chunks of at most chunkSize
// runes. When a chunk closes, trailing pieces totalling at most
// chunkOverlap runes are carried into the next chunk.
func (s *splitter) mergePieces(pieces []string) []string {
	var chunks []string
	var window []string
	windowLen := 0

	flush := func() {
		if len(window) == 0 {
			return
		}
		joined := strings.TrimSpace(strings.Join(window, ""))
		if joined != "" {
			chunks = append(chunks, joined)
		}
	}

	for _, piece := range pieces {
		pieceLen := len([]rune(piece))
		if windowLen+pieceLen > s.chunkSize && windowLen > 0 {
			flush()
			// Drop leading pieces until the retained tail fits the
			// overlap budget.
			for windowLen > s.chunkOverlap || (windowLen+pieceLen > s.chunkSize && windowLen > 0) {
				windowLen -= len([]rune(window[0]))
				window = window[1:]
			}
		}
		window = append(window, piece)
		windowLen += pieceLen
	}
	flush()
	return chunks
}

func normalizeNewlines(value string) string {
	if value == "" {
		return ""
	}
	replaced := strings.ReplaceAll(value, "\r\n", "\n")
	return strings.ReplaceAll(replaced, "\r", "\n")
}

func estimateTokenCount(text string) int {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return 0
	}
	words := len(strings.Fields(trimmed))
	runeCount := len([]rune(trimmed))
	estimate := words + runeCount/3
	if estimate < words {
		estimate = words
	}
	if estimate <= 0 {
		estimate = runeCount/2 + 1
	}
	return estimate
}
