package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collectFragments() (*[]string, func(string) error) {
	fragments := &[]string{}
	return fragments, func(fragment string) error {
		*fragments = append(*fragments, fragment)
		return nil
	}
}

func TestReasoningDelimiterSequence(t *testing.T) {
	fragments, emit := collectFragments()
	emitter := newFragmentEmitter(emit)

	require.NoError(t, emitter.OnDelta(ChatStreamDelta{Reasoning: "思"}))
	require.NoError(t, emitter.OnDelta(ChatStreamDelta{Reasoning: "考"}))
	require.NoError(t, emitter.OnDelta(ChatStreamDelta{Content: "答"}))
	require.NoError(t, emitter.OnDelta(ChatStreamDelta{Content: "案"}))
	require.NoError(t, emitter.Finish())

	assert.Equal(t, []string{
		"<think>", " \n", "思", "考",
		" \n", "</think>", " \n\n",
		"答", "案",
	}, *fragments)
	assert.Equal(t, "答案", emitter.Answer())
	assert.Equal(t, "思考", emitter.Reasoning())
}

func TestReasoningRunsToEndOfStream(t *testing.T) {
	fragments, emit := collectFragments()
	emitter := newFragmentEmitter(emit)

	require.NoError(t, emitter.OnDelta(ChatStreamDelta{Reasoning: "推理"}))
	require.NoError(t, emitter.Finish())

	assert.Equal(t, []string{"<think>", " \n", "推理", "</think>", " \n"}, *fragments)
	assert.Empty(t, emitter.Answer())
}

func TestContentOnlyStreamHasNoDelimiters(t *testing.T) {
	fragments, emit := collectFragments()
	emitter := newFragmentEmitter(emit)

	require.NoError(t, emitter.OnDelta(ChatStreamDelta{Content: "普通"}))
	require.NoError(t, emitter.OnDelta(ChatStreamDelta{Content: "回答"}))
	require.NoError(t, emitter.Finish())

	assert.Equal(t, []string{"普通", "回答"}, *fragments)
}

func TestMixedDeltaClosesReasoningFirst(t *testing.T) {
	fragments, emit := collectFragments()
	emitter := newFragmentEmitter(emit)

	// 单个增量同时带推理与正文时,先补齐推理再关闭定界符。
	require.NoError(t, emitter.OnDelta(ChatStreamDelta{Reasoning: "想", Content: "答"}))
	require.NoError(t, emitter.Finish())

	assert.Equal(t, []string{"<think>", " \n", "想", " \n", "</think>", " \n\n", "答"}, *fragments)
}
