package knowledge

import (
	"context"
	"log"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// ScoredChunk is a search hit: chunk text, its stored metadata and the
// similarity (or rerank) score attached to it.
type ScoredChunk struct {
	Text     string                 `json:"text"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
	Score    float64                `json:"score"`
}

// VectorIndex is the per-collection handle over the vector store. A
// nil *VectorIndex is valid: every method degrades to an empty result
// so one broken knowledge base never aborts retrieval across others.
type VectorIndex struct {
	client     *qdrantClient
	embedder   Embedder
	collection string
}

// IndexPool lazily opens and caches VectorIndex handles keyed by
// collection name. Concurrent opens of the same collection reuse one
// handle.
type IndexPool struct {
	mu         sync.Mutex
	client     *qdrantClient
	embedder   Embedder
	vectorSize int
	handles    map[string]*VectorIndex
}

func NewIndexPool(client *qdrantClient, embedder Embedder, vectorSize int) *IndexPool {
	return &IndexPool{
		client:     client,
		embedder:   embedder,
		vectorSize: vectorSize,
		handles:    make(map[string]*VectorIndex),
	}
}

// NewIndexPoolFromEnv wires the pool with the env-configured Qdrant
// client and HTTP embedder.
func NewIndexPoolFromEnv() (*IndexPool, error) {
	client, err := newQdrantClientFromEnv()
	if err != nil {
		return nil, err
	}
	embedder, err := NewHTTPEmbedderFromEnv()
	if err != nil {
		return nil, err
	}
	return NewIndexPool(client, embedder, client.vectorSize), nil
}

// Open returns the cached handle for a collection, provisioning the
// collection on first use. An unreachable store yields a nil handle
// (logged); the failure is not cached so a later call can retry.
func (p *IndexPool) Open(ctx context.Context, collection string) *VectorIndex {
	if p == nil || strings.TrimSpace(collection) == "" {
		return nil
	}

	p.mu.Lock()
	if handle, ok := p.handles[collection]; ok {
		p.mu.Unlock()
		return handle
	}
	p.mu.Unlock()

	if err := p.client.EnsureCollection(ctx, collection, p.vectorSize); err != nil {
		log.Printf("knowledge: open index %s: %v", collection, err)
		return nil
	}

	handle := &VectorIndex{client: p.client, embedder: p.embedder, collection: collection}

	p.mu.Lock()
	if existing, ok := p.handles[collection]; ok {
		handle = existing
	} else {
		p.handles[collection] = handle
	}
	p.mu.Unlock()
	return handle
}

// Forget drops the cached handle so the next Open re-provisions.
func (p *IndexPool) Forget(collection string) {
	if p == nil {
		return
	}
	p.mu.Lock()
	delete(p.handles, collection)
	p.mu.Unlock()
}

// Add embeds the chunk texts and upserts them as new points. Chunks
// are immutable once stored; the only mutation is DeleteBySource.
func (idx *VectorIndex) Add(ctx context.Context, chunks []DocChunk) error {
	if idx == nil {
		return ErrIndexUnavailable
	}
	if len(chunks) == 0 {
		return nil
	}

	texts := make([]string, len(chunks))
	for i, chunk := range chunks {
		texts[i] = chunk.Text
	}
	embeddings, err := idx.embedder.Embed(ctx, texts)
	if err != nil {
		return err
	}
	if len(embeddings) != len(chunks) {
		return ErrIndexUnavailable
	}

	points := make([]QdrantPoint, len(chunks))
	for i, chunk := range chunks {
		payload := map[string]interface{}{"text": chunk.Text}
		for key, value := range chunk.Metadata {
			payload[key] = value
		}
		points[i] = QdrantPoint{
			ID:      uuid.NewString(),
			Vector:  embeddings[i],
			Payload: payload,
		}
	}
	return idx.client.UpsertPoints(ctx, idx.collection, points)
}

// Search embeds the query and returns hits above the score threshold,
// best first. A nil handle returns no hits.
func (idx *VectorIndex) Search(ctx context.Context, query string, k int, scoreThreshold float64) ([]ScoredChunk, error) {
	if idx == nil {
		return nil, nil
	}
	trimmed := strings.TrimSpace(query)
	if trimmed == "" {
		return nil, nil
	}

	embeddings, err := idx.embedder.Embed(ctx, []string{trimmed})
	if err != nil {
		return nil, err
	}
	if len(embeddings) == 0 {
		return nil, nil
	}

	results, err := idx.client.Search(ctx, idx.collection, embeddings[0], k, scoreThreshold)
	if err != nil {
		return nil, err
	}

	chunks := make([]ScoredChunk, 0, len(results))
	for _, item := range results {
		chunk := ScoredChunk{Score: item.Score, Metadata: map[string]interface{}{}}
		for key, value := range item.Payload {
			if key == "text" {
				if text, ok := value.(string); ok {
					chunk.Text = text
				}
				continue
			}
			chunk.Metadata[key] = value
		}
		chunks = append(chunks, chunk)
	}
	return chunks, nil
}

// DeleteBySource removes every chunk whose recorded source basename
// contains the given tag's basename as a substring, and reports how
// many points were removed. The scan is metadata-driven because the
// store has no native substring filter; the substring rule tolerates
// the timestamp-prefix renaming applied at ingest time.
func (idx *VectorIndex) DeleteBySource(ctx context.Context, sourceTag string) (int, error) {
	if idx == nil {
		return 0, nil
	}
	tag := filepath.Base(strings.TrimSpace(sourceTag))
	if tag == "" || tag == "." {
		return 0, nil
	}

	points, err := idx.client.ScrollAll(ctx, idx.collection)
	if err != nil {
		return 0, err
	}

	var doomed []string
	for _, point := range points {
		source, _ := point.Payload["source"].(string)
		if source == "" {
			continue
		}
		if strings.Contains(filepath.Base(source), tag) {
			doomed = append(doomed, point.ID)
		}
	}
	if len(doomed) == 0 {
		return 0, nil
	}
	if err := idx.client.DeletePoints(ctx, idx.collection, doomed); err != nil {
		return 0, err
	}
	return len(doomed), nil
}

// Count returns the number of stored chunks; a nil handle reports 0.
func (idx *VectorIndex) Count(ctx context.Context) (int, error) {
	if idx == nil {
		return 0, nil
	}
	return idx.client.Count(ctx, idx.collection)
}

// Drop removes the backing collection entirely.
func (idx *VectorIndex) Drop(ctx context.Context) error {
	if idx == nil {
		return nil
	}
	return idx.client.DeleteCollection(ctx, idx.collection)
}
