package knowledge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"
)

// Reranker reorders an over-fetched candidate set with a cross-encoder
// scoring endpoint. It is optional: when unconfigured or failing it
// degrades to the first topN candidates in retrieval order.
type Reranker struct {
	httpClient *http.Client
	endpoint   string
	apiKey     string
	modelID    string
}

// NewRerankerFromEnv returns nil when RERANK_BASE_URL is unset; a nil
// receiver passes candidates through untouched.
func NewRerankerFromEnv() *Reranker {
	endpoint := strings.TrimSpace(os.Getenv("RERANK_BASE_URL"))
	if endpoint == "" {
		return nil
	}
	endpoint = strings.TrimRight(endpoint, "/")

	return &Reranker{
		httpClient: &http.Client{Timeout: 15 * time.Second},
		endpoint:   endpoint,
		apiKey:     strings.TrimSpace(os.Getenv("RERANK_API_KEY")),
		modelID:    strings.TrimSpace(os.Getenv("RERANK_MODEL_ID")),
	}
}

type rerankRequest struct {
	Model     string   `json:"model,omitempty"`
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
	TopN      int      `json:"top_n"`
}

type rerankResponse struct {
	Results []struct {
		Index          int     `json:"index"`
		RelevanceScore float64 `json:"relevance_score"`
	} `json:"results"`
}

// Rerank returns exactly min(topN, len(candidates)) results. On
// success they are ordered by cross-encoder score descending with the
// score written back onto each chunk; on any failure the head of the
// original retrieval order is returned unchanged.
func (r *Reranker) Rerank(ctx context.Context, query string, candidates []ScoredChunk, topN int) []ScoredChunk {
	if topN <= 0 || len(candidates) == 0 {
		return nil
	}
	if topN > len(candidates) {
		topN = len(candidates)
	}
	if r == nil {
		return candidates[:topN]
	}

	scored, err := r.score(ctx, query, candidates)
	if err != nil {
		log.Printf("knowledge: rerank failed, falling back to retrieval order: %v", err)
		return candidates[:topN]
	}

	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Score > scored[j].Score
	})
	return scored[:topN]
}

func (r *Reranker) score(ctx context.Context, query string, candidates []ScoredChunk) ([]ScoredChunk, error) {
	documents := make([]string, len(candidates))
	for i, candidate := range candidates {
		documents[i] = candidate.Text
	}

	payload := rerankRequest{
		Model:     r.modelID,
		Query:     query,
		Documents: documents,
		TopN:      len(documents),
	}
	body := &bytes.Buffer{}
	if err := json.NewEncoder(body).Encode(payload); err != nil {
		return nil, fmt.Errorf("knowledge: encode rerank payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint+"/rerank", body)
	if err != nil {
		return nil, fmt.Errorf("knowledge: create rerank request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.apiKey)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("knowledge: rerank request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("knowledge: rerank API status %s: %s", resp.Status, strings.TrimSpace(string(snippet)))
	}

	var decoded rerankResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("knowledge: decode rerank response: %w", err)
	}
	if len(decoded.Results) != len(candidates) {
		return nil, fmt.Errorf("knowledge: rerank response count mismatch (expected %d, got %d)", len(candidates), len(decoded.Results))
	}

	scored := make([]ScoredChunk, 0, len(decoded.Results))
	for _, item := range decoded.Results {
		if item.Index < 0 || item.Index >= len(candidates) {
			return nil, fmt.Errorf("knowledge: rerank index %d out of range", item.Index)
		}
		chunk := candidates[item.Index]
		chunk.Score = item.RelevanceScore
		scored = append(scored, chunk)
	}
	return scored, nil
}
