package wiki

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"omnisage_back/knowledge"
)

type stubProbe struct {
	reachable bool
}

func (p *stubProbe) Probe(context.Context) bool { return p.reachable }

type stubIndex struct {
	chunks  []knowledge.ScoredChunk
	queries []string
}

func (s *stubIndex) Search(_ context.Context, query string, topK int, _ float64) ([]knowledge.ScoredChunk, error) {
	s.queries = append(s.queries, query)
	if topK > len(s.chunks) {
		topK = len(s.chunks)
	}
	return s.chunks[:topK], nil
}

func (s *stubIndex) Count(context.Context) (int, error) {
	return len(s.chunks), nil
}

func TestAutoModeResolution(t *testing.T) {
	t.Setenv("WIKI_MODE", "")

	populated := &stubIndex{chunks: []knowledge.ScoredChunk{{Text: "条目正文", Score: 0.9}}}

	service := newService(context.Background(), nil, &stubProbe{reachable: true}, populated)
	assert.Equal(t, ModeOnline, service.Mode())

	service = newService(context.Background(), nil, &stubProbe{reachable: false}, populated)
	assert.Equal(t, ModeOffline, service.Mode())

	// Empty index and unreachable endpoint still force online.
	service = newService(context.Background(), nil, &stubProbe{reachable: false}, &stubIndex{})
	assert.Equal(t, ModeOnline, service.Mode())
}

func TestForcedOfflineModeWithEmptyIndex(t *testing.T) {
	t.Setenv("WIKI_MODE", "offline")

	service := newService(context.Background(), nil, &stubProbe{reachable: true}, &stubIndex{})
	assert.Equal(t, ModeOfflineUnavailable, service.Mode())
	assert.False(t, service.Usable())
}

func TestSwitchModeSafety(t *testing.T) {
	t.Setenv("WIKI_MODE", "")

	probe := &stubProbe{reachable: true}
	service := newService(context.Background(), nil, probe, &stubIndex{})
	require.Equal(t, ModeOnline, service.Mode())

	err := service.SwitchMode(context.Background(), ModeOffline)
	require.ErrorIs(t, err, ErrModeUnavailable)
	assert.Equal(t, ModeOnline, service.Mode())

	err = service.SwitchMode(context.Background(), Mode("sideways"))
	require.ErrorIs(t, err, ErrModeUnavailable)
	assert.Equal(t, ModeOnline, service.Mode())

	populated := &stubIndex{chunks: []knowledge.ScoredChunk{{Text: "条目", Score: 0.5}}}
	service = newService(context.Background(), nil, probe, populated)
	require.NoError(t, service.SwitchMode(context.Background(), ModeOffline))
	assert.Equal(t, ModeOffline, service.Mode())

	probe.reachable = false
	err = service.SwitchMode(context.Background(), ModeOnline)
	require.ErrorIs(t, err, ErrModeUnavailable)
	assert.Equal(t, ModeOffline, service.Mode())

	probe.reachable = true
	require.NoError(t, service.SwitchMode(context.Background(), ModeOnline))
	assert.Equal(t, ModeOnline, service.Mode())
}

func TestRelevanceScore(t *testing.T) {
	score := relevanceScore("go language", "The Go Language", "go is a compiled language", []string{"Programming language", "Software"})
	// +10 verbatim title, +2 "go" in summary, +2 "language" in summary,
	// +1 category sharing "language".
	assert.Equal(t, 15.0, score)

	score = relevanceScore("quantum", "Classical mechanics", "a branch of physics", nil)
	assert.Equal(t, 0.0, score)
}

func TestOnlineSearchRanksByRelevance(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.HasPrefix(r.URL.Path, "/rest/page/summary/"):
			title := strings.TrimPrefix(r.URL.Path, "/rest/page/summary/")
			summary := "unrelated text"
			if strings.Contains(title, "Turing") {
				summary = "turing machine pioneer"
			}
			json.NewEncoder(w).Encode(map[string]string{"extract": summary})
		case query.Get("list") == "search":
			json.NewEncoder(w).Encode(map[string]interface{}{
				"query": map[string]interface{}{
					"search": []map[string]string{
						{"title": "Charles Babbage", "snippet": "engineer"},
						{"title": "Alan Turing", "snippet": "<span>turing</span>"},
					},
				},
			})
		case query.Get("prop") == "extracts":
			json.NewEncoder(w).Encode(map[string]interface{}{
				"query": map[string]interface{}{"pages": map[string]interface{}{"1": map[string]string{"extract": "full text"}}},
			})
		case query.Get("prop") == "categories":
			json.NewEncoder(w).Encode(map[string]interface{}{
				"query": map[string]interface{}{"pages": map[string]interface{}{}},
			})
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	client := &onlineClient{
		httpClient: server.Client(),
		apiURL:     server.URL + "/api",
		restURL:    server.URL + "/rest",
	}
	t.Setenv("WIKI_MODE", "")
	service := newService(context.Background(), client, &stubProbe{reachable: true}, nil)

	results, err := service.Search(context.Background(), "turing", 5)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "Alan Turing", results[0].Title)
	assert.Greater(t, results[0].Relevance, results[1].Relevance)
	assert.Equal(t, "online", results[0].Source)
}

func TestOfflineSearchAndTitleHeuristic(t *testing.T) {
	t.Setenv("WIKI_MODE", "offline")

	index := &stubIndex{chunks: []knowledge.ScoredChunk{
		{Text: "图灵机是一种抽象计算模型。", Metadata: map[string]interface{}{"title": "图灵机"}, Score: 0.93},
		{Text: "巴贝奇设计了差分机。", Metadata: map[string]interface{}{"title": "差分机"}, Score: 0.71},
	}}
	service := newService(context.Background(), nil, &stubProbe{reachable: false}, index)
	require.Equal(t, ModeOffline, service.Mode())

	results, err := service.Search(context.Background(), "图灵机", 2)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "图灵机", results[0].Title)
	assert.Equal(t, "offline", results[0].Source)

	article, err := service.ArticleByTitle(context.Background(), "图灵机")
	require.NoError(t, err)
	require.NotNil(t, article)
	// Title lookup goes through the index as a prefixed query, not a
	// structured filter.
	assert.Equal(t, "title:图灵机", index.queries[len(index.queries)-1])
}

func TestResultCacheTTL(t *testing.T) {
	now := time.Now()
	cache := newResultCache()
	cache.now = func() time.Time { return now }

	cache.Put("turing", 3, []Article{{Title: "Alan Turing"}})

	cached, ok := cache.Get("turing", 3)
	require.True(t, ok)
	assert.Equal(t, "Alan Turing", cached[0].Title)

	_, ok = cache.Get("turing", 5)
	assert.False(t, ok, "limit participates in the key")

	now = now.Add(resultCacheTTL + time.Second)
	_, ok = cache.Get("turing", 3)
	assert.False(t, ok, "entries expire after the TTL")
}

func TestSearchKnowledgeUsesCache(t *testing.T) {
	t.Setenv("WIKI_MODE", "offline")

	index := &stubIndex{chunks: []knowledge.ScoredChunk{
		{Text: "条目正文", Metadata: map[string]interface{}{"title": "条目"}, Score: 0.8},
	}}
	service := newService(context.Background(), nil, &stubProbe{reachable: false}, index)
	kb := NewKnowledgeBase(service)

	first, err := kb.SearchKnowledge(context.Background(), "条目", 3)
	require.NoError(t, err)
	second, err := kb.SearchKnowledge(context.Background(), "条目", 3)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Len(t, index.queries, 1, "second lookup is served from cache")
}

func TestEnhancedContext(t *testing.T) {
	t.Setenv("WIKI_MODE", "offline")

	index := &stubIndex{chunks: []knowledge.ScoredChunk{
		{Text: "图灵机是抽象计算模型。", Metadata: map[string]interface{}{"title": "图灵机"}, Score: 0.9},
	}}
	service := newService(context.Background(), nil, &stubProbe{reachable: false}, index)
	kb := NewKnowledgeBase(service)

	enriched := kb.EnhancedContext(context.Background(), "图灵机", "已有上下文")
	assert.Contains(t, enriched, "已有上下文")
	assert.Contains(t, enriched, "离线维基百科")
	assert.Contains(t, enriched, "图灵机")

	t.Setenv("WIKI_MODE", "")
	empty := newService(context.Background(), nil, &stubProbe{reachable: false}, &stubIndex{})
	emptyKB := NewKnowledgeBase(empty)
	assert.Equal(t, "已有上下文", emptyKB.EnhancedContext(context.Background(), "图灵机", "已有上下文"))
}
