package knowledge

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"time"
)

// fakeQdrant is an in-memory stand-in for the vector store, speaking
// just enough of the REST API for the client under test.
type fakeQdrant struct {
	mu          sync.Mutex
	collections map[string][]QdrantPoint
	failing     bool
}

func newFakeQdrant() *fakeQdrant {
	return &fakeQdrant{collections: make(map[string][]QdrantPoint)}
}

func (f *fakeQdrant) server() *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(f.handle))
}

func (f *fakeQdrant) count(collection string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.collections[collection])
}

func (f *fakeQdrant) handle(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failing {
		http.Error(w, `{"status":{"error":"unavailable"}}`, http.StatusServiceUnavailable)
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) < 2 || parts[0] != "collections" {
		http.NotFound(w, r)
		return
	}
	name := parts[1]

	switch {
	case len(parts) == 2 && r.Method == http.MethodPut:
		if _, ok := f.collections[name]; !ok {
			f.collections[name] = nil
		}
		writeJSON(w, map[string]interface{}{"result": true})
	case len(parts) == 2 && r.Method == http.MethodDelete:
		delete(f.collections, name)
		writeJSON(w, map[string]interface{}{"result": true})
	case len(parts) == 3 && parts[2] == "exists":
		_, ok := f.collections[name]
		writeJSON(w, map[string]interface{}{"result": map[string]interface{}{"exists": ok}})
	case len(parts) == 3 && parts[2] == "points" && r.Method == http.MethodPut:
		var body struct {
			Points []QdrantPoint `json:"points"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.collections[name] = append(f.collections[name], body.Points...)
		writeJSON(w, map[string]interface{}{"result": map[string]interface{}{"status": "acknowledged"}})
	case len(parts) == 4 && parts[3] == "delete":
		var body struct {
			Points []string `json:"points"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		doomed := make(map[string]struct{}, len(body.Points))
		for _, id := range body.Points {
			doomed[id] = struct{}{}
		}
		kept := f.collections[name][:0]
		for _, point := range f.collections[name] {
			if _, gone := doomed[point.ID]; !gone {
				kept = append(kept, point)
			}
		}
		f.collections[name] = kept
		writeJSON(w, map[string]interface{}{"result": map[string]interface{}{"status": "acknowledged"}})
	case len(parts) == 4 && parts[3] == "search":
		var body struct {
			Vector         []float32 `json:"vector"`
			Limit          int       `json:"limit"`
			ScoreThreshold float64   `json:"score_threshold"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)

		type hit struct {
			ID      string                 `json:"id"`
			Score   float64                `json:"score"`
			Payload map[string]interface{} `json:"payload"`
		}
		hits := make([]hit, 0, len(f.collections[name]))
		for _, point := range f.collections[name] {
			score := cosine(body.Vector, point.Vector)
			if body.ScoreThreshold > 0 && score < body.ScoreThreshold {
				continue
			}
			hits = append(hits, hit{ID: point.ID, Score: score, Payload: point.Payload})
		}
		sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
		if body.Limit > 0 && len(hits) > body.Limit {
			hits = hits[:body.Limit]
		}
		writeJSON(w, map[string]interface{}{"result": hits})
	case len(parts) == 4 && parts[3] == "count":
		writeJSON(w, map[string]interface{}{"result": map[string]interface{}{"count": len(f.collections[name])}})
	case len(parts) == 4 && parts[3] == "scroll":
		type scrollPoint struct {
			ID      string                 `json:"id"`
			Payload map[string]interface{} `json:"payload"`
		}
		points := make([]scrollPoint, 0, len(f.collections[name]))
		for _, point := range f.collections[name] {
			points = append(points, scrollPoint{ID: point.ID, Payload: point.Payload})
		}
		writeJSON(w, map[string]interface{}{"result": map[string]interface{}{
			"points":           points,
			"next_page_offset": nil,
		}})
	default:
		http.NotFound(w, r)
	}
}

func writeJSON(w http.ResponseWriter, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}

func cosine(a []float32, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// stubEmbedder returns a fixed vector per input, or a deterministic
// fallback derived from the text length.
type stubEmbedder struct {
	vectors map[string][]float32
}

func (s *stubEmbedder) Embed(_ context.Context, inputs []string) ([][]float32, error) {
	results := make([][]float32, 0, len(inputs))
	for _, input := range inputs {
		trimmed := strings.TrimSpace(input)
		if trimmed == "" {
			continue
		}
		if vector, ok := s.vectors[trimmed]; ok {
			results = append(results, vector)
			continue
		}
		n := float32(len([]rune(trimmed))%7 + 1)
		results = append(results, []float32{n, 1, 1})
	}
	return results, nil
}

func newTestClient(baseURL string) *qdrantClient {
	return &qdrantClient{
		httpClient: &http.Client{Timeout: 5 * time.Second},
		baseURL:    strings.TrimRight(baseURL, "/"),
		vectorSize: 3,
	}
}
