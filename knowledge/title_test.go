package knowledge

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsPossibleTitle(t *testing.T) {
	cases := []struct {
		text string
		want bool
	}{
		{"", false},
		{"   ", false},
		{"第1章 绪论", true},
		{"2.3 系统架构", true},
		{"1 Introduction", true},
		{"这一段完全没有编号开头", false},                      // no numeral in the first runes
		{"第1章 绪论。", false},                         // terminal punctuation
		{"12345", false},                           // purely numeric
		{"第1章" + strings.Repeat("很", 20), false},    // too long
		{"1 !!!! ???? ....栏", false},                // mostly non-letters
		{strings.Repeat("标题", 3) + "到第9节", false},   // numeral present but not in the first 5 runes
	}

	for _, tc := range cases {
		assert.Equal(t, tc.want, isPossibleTitle(tc.text), "text=%q", tc.text)
	}
}

func TestEnhanceTitlesPrefixesFollowingChunks(t *testing.T) {
	chunks := []DocChunk{
		{Text: "第1章 绪论"},
		{Text: "这里是绪论的正文内容，讲述系统的背景。"},
		{Text: "这里是绪论的第二段正文。"},
		{Text: "第2章 设计"},
		{Text: "设计章节的正文。"},
	}

	out := enhanceTitles(chunks)
	require.Len(t, out, 5)

	assert.Equal(t, titleCategory, out[0].Metadata["category"])
	assert.Equal(t, "下文与(第1章 绪论)有关。这里是绪论的正文内容，讲述系统的背景。", out[1].Text)
	assert.Equal(t, "下文与(第1章 绪论)有关。这里是绪论的第二段正文。", out[2].Text)
	assert.Equal(t, titleCategory, out[3].Metadata["category"])
	assert.Equal(t, "下文与(第2章 设计)有关。设计章节的正文。", out[4].Text)
}

func TestEnhanceTitlesNoHeadingLeavesChunksAlone(t *testing.T) {
	chunks := []DocChunk{
		{Text: "没有任何标题的普通段落一。"},
		{Text: "没有任何标题的普通段落二。"},
	}
	out := enhanceTitles(chunks)
	assert.Equal(t, "没有任何标题的普通段落一。", out[0].Text)
	assert.Equal(t, "没有任何标题的普通段落二。", out[1].Text)
}

func TestEnhanceTitlesPassTwiceIsStable(t *testing.T) {
	chunks := []DocChunk{
		{Text: "第1章 绪论"},
		{Text: "绪论的正文内容。"},
	}

	once := enhanceTitles(chunks)
	prefixed := once[1].Text
	require.True(t, strings.HasPrefix(prefixed, titleBackrefPrefix))

	twice := enhanceTitles(once)
	assert.Equal(t, prefixed, twice[1].Text, "a second pass must not double-prefix")
	assert.Equal(t, 1, strings.Count(twice[1].Text, titleBackrefPrefix))
}
