package knowledge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

type QdrantPoint struct {
	ID      string                 `json:"id"`
	Vector  []float32              `json:"vector"`
	Payload map[string]interface{} `json:"payload,omitempty"`
}

type QdrantScoredPoint struct {
	ID      string                 `json:"id"`
	Score   float64                `json:"score"`
	Payload map[string]interface{} `json:"payload"`
}

// qdrantClient talks to Qdrant over its REST API. Collection-level
// operations take the collection name explicitly so one client serves
// every knowledge base plus the offline wiki index.
type qdrantClient struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	vectorSize int
}

func newQdrantClientFromEnv() (*qdrantClient, error) {
	baseURL := strings.TrimSpace(os.Getenv("QDRANT_URL"))
	if baseURL == "" {
		baseURL = "http://localhost:6333"
	}
	baseURL = strings.TrimRight(baseURL, "/")
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		return nil, fmt.Errorf("knowledge: invalid Qdrant URL %q", baseURL)
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("knowledge: parse Qdrant URL: %w", err)
	}

	vectorSize := 0
	if raw := strings.TrimSpace(os.Getenv("QDRANT_VECTOR_DIM")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			vectorSize = parsed
		}
	}

	return &qdrantClient{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		baseURL:    baseURL,
		apiKey:     strings.TrimSpace(os.Getenv("QDRANT_API_KEY")),
		vectorSize: vectorSize,
	}, nil
}

// do issues one JSON request against the Qdrant API and decodes the
// response into out when out is non-nil.
func (c *qdrantClient) do(ctx context.Context, method string, path string, payload interface{}, out interface{}) error {
	if c == nil {
		return errors.New("knowledge: qdrant client is not configured")
	}

	var body io.Reader
	if payload != nil {
		buf := &bytes.Buffer{}
		if err := json.NewEncoder(buf).Encode(payload); err != nil {
			return fmt.Errorf("knowledge: encode qdrant payload: %w", err)
		}
		body = buf
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("knowledge: create qdrant request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("api-key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("knowledge: qdrant request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("knowledge: qdrant %s %s status %s: %s", method, path, resp.Status, strings.TrimSpace(string(snippet)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("knowledge: decode qdrant response: %w", err)
	}
	return nil
}

func (c *qdrantClient) EnsureCollection(ctx context.Context, name string, vectorSize int) error {
	size := vectorSize
	if size <= 0 && c != nil {
		size = c.vectorSize
	}
	if size <= 0 {
		return errors.New("knowledge: vector size must be positive")
	}

	exists, err := c.CollectionExists(ctx, name)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	payload := map[string]interface{}{
		"vectors": map[string]interface{}{
			"size":     size,
			"distance": "Cosine",
		},
	}
	return c.do(ctx, http.MethodPut, "/collections/"+url.PathEscape(name), payload, nil)
}

func (c *qdrantClient) CollectionExists(ctx context.Context, name string) (bool, error) {
	var decoded struct {
		Result struct {
			Exists bool `json:"exists"`
		} `json:"result"`
	}
	if err := c.do(ctx, http.MethodGet, "/collections/"+url.PathEscape(name)+"/exists", nil, &decoded); err != nil {
		return false, err
	}
	return decoded.Result.Exists, nil
}

func (c *qdrantClient) DeleteCollection(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodDelete, "/collections/"+url.PathEscape(name), nil, nil)
}

func (c *qdrantClient) UpsertPoints(ctx context.Context, collection string, points []QdrantPoint) error {
	if len(points) == 0 {
		return nil
	}
	payload := map[string]interface{}{"points": points}
	return c.do(ctx, http.MethodPut, "/collections/"+url.PathEscape(collection)+"/points?wait=true", payload, nil)
}

func (c *qdrantClient) DeletePoints(ctx context.Context, collection string, pointIDs []string) error {
	if len(pointIDs) == 0 {
		return nil
	}
	payload := map[string]interface{}{"points": pointIDs}
	return c.do(ctx, http.MethodPost, "/collections/"+url.PathEscape(collection)+"/points/delete?wait=true", payload, nil)
}

func (c *qdrantClient) Search(ctx context.Context, collection string, vector []float32, limit int, scoreThreshold float64) ([]QdrantScoredPoint, error) {
	if len(vector) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 5
	}

	payload := map[string]interface{}{
		"vector":       vector,
		"limit":        limit,
		"with_payload": true,
	}
	if scoreThreshold > 0 {
		payload["score_threshold"] = scoreThreshold
	}

	var decoded struct {
		Result []struct {
			ID      interface{}            `json:"id"`
			Score   float64                `json:"score"`
			Payload map[string]interface{} `json:"payload"`
		} `json:"result"`
	}
	if err := c.do(ctx, http.MethodPost, "/collections/"+url.PathEscape(collection)+"/points/search", payload, &decoded); err != nil {
		return nil, err
	}

	results := make([]QdrantScoredPoint, 0, len(decoded.Result))
	for _, item := range decoded.Result {
		results = append(results, QdrantScoredPoint{
			ID:      stringifyQdrantID(item.ID),
			Score:   item.Score,
			Payload: item.Payload,
		})
	}
	return results, nil
}

func (c *qdrantClient) Count(ctx context.Context, collection string) (int, error) {
	var decoded struct {
		Result struct {
			Count int `json:"count"`
		} `json:"result"`
	}
	payload := map[string]interface{}{"exact": true}
	if err := c.do(ctx, http.MethodPost, "/collections/"+url.PathEscape(collection)+"/points/count", payload, &decoded); err != nil {
		return 0, err
	}
	return decoded.Result.Count, nil
}

// ScrollAll pages through every point in a collection, returning IDs
// and payloads without vectors. Used by delete-by-source which has to
// inspect metadata the store cannot filter on natively.
func (c *qdrantClient) ScrollAll(ctx context.Context, collection string) ([]QdrantScoredPoint, error) {
	var all []QdrantScoredPoint
	var offset interface{}
	for {
		payload := map[string]interface{}{
			"limit":        256,
			"with_payload": true,
			"with_vector":  false,
		}
		if offset != nil {
			payload["offset"] = offset
		}

		var decoded struct {
			Result struct {
				Points []struct {
					ID      interface{}            `json:"id"`
					Payload map[string]interface{} `json:"payload"`
				} `json:"points"`
				NextPageOffset interface{} `json:"next_page_offset"`
			} `json:"result"`
		}
		if err := c.do(ctx, http.MethodPost, "/collections/"+url.PathEscape(collection)+"/points/scroll", payload, &decoded); err != nil {
			return nil, err
		}

		for _, item := range decoded.Result.Points {
			all = append(all, QdrantScoredPoint{
				ID:      stringifyQdrantID(item.ID),
				Payload: item.Payload,
			})
		}
		if decoded.Result.NextPageOffset == nil || len(decoded.Result.Points) == 0 {
			return all, nil
		}
		offset = decoded.Result.NextPageOffset
	}
}

func stringifyQdrantID(id interface{}) string {
	switch v := id.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatInt(int64(v), 10)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return strconv.FormatInt(n, 10)
		}
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}
