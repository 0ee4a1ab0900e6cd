package llm

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChatStreamParsesReasoningChannel(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"reasoning_content\":\"先想\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"再答\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"完毕\"}}],\"usage\":{\"prompt_tokens\":3,\"completion_tokens\":2,\"total_tokens\":5}}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	client := &ChatClient{httpClient: server.Client(), baseURL: server.URL, apiKey: "k", modelID: "m"}

	var deltas []ChatStreamDelta
	result, err := client.ChatStream(context.Background(), []ChatMessage{{Role: "user", Content: "hi"}}, func(delta ChatStreamDelta) error {
		deltas = append(deltas, delta)
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, "再答完毕", result.Content)
	assert.Equal(t, "先想", result.Reasoning)
	require.NotNil(t, result.Usage)
	assert.Equal(t, 5, result.Usage.TotalTokens)

	require.Len(t, deltas, 4)
	assert.Equal(t, "先想", deltas[0].Reasoning)
	assert.Equal(t, "再答", deltas[1].Content)
	assert.True(t, deltas[3].Done)
}

func TestChatStreamFallsBackToJSONBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"choices":[{"message":{"content":"完整回答","reasoning_content":"一点思考"}}]}`)
	}))
	defer server.Close()

	client := &ChatClient{httpClient: server.Client(), baseURL: server.URL, apiKey: "k", modelID: "m"}

	var deltas []ChatStreamDelta
	result, err := client.ChatStream(context.Background(), []ChatMessage{{Role: "user", Content: "hi"}}, func(delta ChatStreamDelta) error {
		deltas = append(deltas, delta)
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, "完整回答", result.Content)
	assert.Equal(t, "一点思考", result.Reasoning)
	require.Len(t, deltas, 3)
	assert.Equal(t, "一点思考", deltas[0].Reasoning)
	assert.Equal(t, "完整回答", deltas[1].Content)
	assert.True(t, deltas[2].Done)
}

func TestWithAPIKeyClonesClient(t *testing.T) {
	base := &ChatClient{apiKey: "system"}
	override := base.WithAPIKey("user-key")
	assert.NotSame(t, base, override)
	assert.Equal(t, "user-key", override.apiKey)
	assert.Equal(t, "system", base.apiKey)

	assert.Same(t, base, base.WithAPIKey(""))
	assert.Same(t, base, base.WithAPIKey("system"))
}
