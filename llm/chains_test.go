package llm

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseChainType(t *testing.T) {
	for _, name := range ChainTypes() {
		chain, err := ParseChainType(name)
		require.NoError(t, err)
		assert.Equal(t, ChainType(name), chain)
	}

	chain, err := ParseChainType("")
	require.NoError(t, err)
	assert.Equal(t, ChainStuff, chain)

	_, err = ParseChainType("map_refine")
	require.Error(t, err)
	var typed *UnknownChainTypeError
	require.True(t, errors.As(err, &typed))
	assert.Equal(t, "map_refine", typed.Name)
}

func TestParsePromptName(t *testing.T) {
	for _, name := range PromptNames() {
		prompt, err := ParsePromptName(name)
		require.NoError(t, err)
		assert.Equal(t, PromptName(name), prompt)
	}

	prompt, err := ParsePromptName("")
	require.NoError(t, err)
	assert.Equal(t, PromptChatDefault, prompt)

	_, err = ParsePromptName("rag_verbose")
	require.Error(t, err)
	var typed *UnknownPromptError
	require.True(t, errors.As(err, &typed))
	assert.Equal(t, "rag_verbose", typed.Name)
}

func TestSplitSelfScore(t *testing.T) {
	answer, score := splitSelfScore("图灵机由图灵提出。\n评分:85")
	assert.Equal(t, "图灵机由图灵提出。", answer)
	assert.Equal(t, 85.0, score)

	answer, score = splitSelfScore("没有评分行的回答")
	assert.Equal(t, "没有评分行的回答", answer)
	assert.Equal(t, 0.0, score)

	answer, score = splitSelfScore("含全角冒号。\n评分：40")
	assert.Equal(t, "含全角冒号。", answer)
	assert.Equal(t, 40.0, score)
}

func TestRagPromptFallsBackWhenContextEmpty(t *testing.T) {
	withContext := ragPrompt("一段资料", "问题?")
	assert.Contains(t, withContext, "一段资料")
	assert.Contains(t, withContext, "问题?")

	empty := ragPrompt("   ", "问题?")
	assert.Contains(t, empty, "没有检索到")
	assert.Contains(t, empty, "问题?")
}
