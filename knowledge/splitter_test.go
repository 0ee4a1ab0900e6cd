package knowledge

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitterEmptyInput(t *testing.T) {
	s := newSplitter(1000, 200)
	assert.Nil(t, s.split(""))
	assert.Nil(t, s.split("   \n\n  "))
}

func TestSplitterChunkSizeBound(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 60; i++ {
		fmt.Fprintf(&b, "第%d段，这里是一段中文内容，用来测试分段边界。", i)
	}
	text := b.String()

	s := newSplitter(200, 40)
	chunks := s.split(text)
	require.NotEmpty(t, chunks)

	for _, chunk := range chunks {
		assert.LessOrEqual(t, len([]rune(chunk.Text)), 200, "chunk %q exceeds size", chunk.Text)
		assert.Positive(t, chunk.TokenCount)
	}
}

func TestSplitterCoversWholeInput(t *testing.T) {
	sentences := make([]string, 0, 40)
	for i := 0; i < 40; i++ {
		sentences = append(sentences, fmt.Sprintf("sentence number %02d has some padding words.", i))
	}
	text := strings.Join(sentences, " ")

	s := newSplitter(120, 30)
	chunks := s.split(text)
	require.GreaterOrEqual(t, len(chunks), 2)

	joined := make([]string, 0, len(chunks))
	for _, chunk := range chunks {
		joined = append(joined, chunk.Text)
	}
	all := strings.Join(joined, " ")
	for _, sentence := range sentences {
		assert.Contains(t, all, sentence)
	}
}

func TestSplitterOverlapCarriesTail(t *testing.T) {
	sentences := make([]string, 0, 20)
	for i := 0; i < 20; i++ {
		sentences = append(sentences, fmt.Sprintf("句子%02d。", i))
	}
	text := strings.Join(sentences, "")

	s := newSplitter(30, 10)
	chunks := s.split(text)
	require.GreaterOrEqual(t, len(chunks), 3)

	// Each chunk after the first starts with material repeated from
	// the end of its predecessor.
	for i := 1; i < len(chunks); i++ {
		head := []rune(chunks[i].Text)
		if len(head) > 5 {
			head = head[:5]
		}
		assert.Contains(t, chunks[i-1].Text, string(head),
			"chunk %d should begin inside the tail of chunk %d", i, i-1)
	}
}

func TestSplitterOverlapReconstruction(t *testing.T) {
	// A run with no separators falls through to the character split,
	// which makes the overlap exact: dropping the first chunkOverlap
	// runes of every chunk after the first rebuilds the input.
	run := strings.Repeat("x", 50)
	s := newSplitter(20, 5)
	chunks := s.split(run)
	require.NotEmpty(t, chunks)

	var joined strings.Builder
	for i, chunk := range chunks {
		runes := []rune(chunk.Text)
		assert.LessOrEqual(t, len(runes), 20)
		if i > 0 {
			runes = runes[5:]
		}
		joined.WriteString(string(runes))
	}
	assert.Equal(t, run, joined.String())
}

func TestSplitterThreeThousandCharsAtLeastThreeChunks(t *testing.T) {
	sentence := "这是一个用于验证摄取流程的句子，包含足够多的文字来撑起分段。"
	text := strings.Repeat(sentence, 100)
	require.Equal(t, 3000, len([]rune(text)))

	s := newSplitter(1000, 200)
	chunks := s.split(text)
	assert.GreaterOrEqual(t, len(chunks), 3)
}
