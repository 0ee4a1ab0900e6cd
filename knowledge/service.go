package knowledge

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"unicode"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"omnisage_back/storage"
)

const defaultMaxFileSize int64 = 10 * 1024 * 1024

// Manager owns the lifecycle of a user's knowledge bases: creation,
// file ingestion (segmentation, embedding, indexing), retrieval across
// all active bases, statistics, and cascading deletion.
type Manager struct {
	db          *gorm.DB
	pool        *IndexPool
	reranker    *Reranker
	files       *storage.FileStore
	splitter    *splitter
	maxFileSize int64
}

func NewManager(db *gorm.DB, pool *IndexPool, reranker *Reranker, files *storage.FileStore) *Manager {
	chunkSize := envInt("CHUNK_SIZE", 1000)
	chunkOverlap := envInt("CHUNK_OVERLAP", 200)

	maxFileSize := defaultMaxFileSize
	if raw := strings.TrimSpace(os.Getenv("MAX_FILE_SIZE")); raw != "" {
		if parsed, err := strconv.ParseInt(raw, 10, 64); err == nil && parsed > 0 {
			maxFileSize = parsed
		}
	}

	return &Manager{
		db:          db,
		pool:        pool,
		reranker:    reranker,
		files:       files,
		splitter:    newSplitter(chunkSize, chunkOverlap),
		maxFileSize: maxFileSize,
	}
}

func NewManagerFromEnv(db *gorm.DB) (*Manager, error) {
	if db == nil {
		return nil, errors.New("knowledge: database connection is required")
	}
	pool, err := NewIndexPoolFromEnv()
	if err != nil {
		return nil, err
	}
	files, err := storage.NewFileStoreFromEnv()
	if err != nil {
		return nil, err
	}
	return NewManager(db, pool, NewRerankerFromEnv(), files), nil
}

func envInt(key string, fallback int) int {
	if raw := strings.TrimSpace(os.Getenv(key)); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			return parsed
		}
	}
	return fallback
}

func (m *Manager) AutoMigrate() error {
	if m == nil || m.db == nil {
		return errors.New("knowledge: database connection is not configured")
	}
	return m.db.AutoMigrate(&KnowledgeBase{}, &KnowledgeFile{})
}

// CreateKnowledgeBase provisions storage and an empty vector
// collection for a new named base. The name must be unique among the
// owner's active bases.
func (m *Manager) CreateKnowledgeBase(ctx context.Context, userID uint, name string, description string, embeddingModel string) (*KnowledgeBase, error) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return nil, errors.New("knowledge: knowledge base name is required")
	}

	if strings.TrimSpace(embeddingModel) == "" {
		embeddingModel = strings.TrimSpace(os.Getenv("EMBEDDING_MODEL_ID"))
	}

	kb := KnowledgeBase{
		UserID:         userID,
		Name:           trimmed,
		Description:    strings.TrimSpace(description),
		EmbeddingModel: strings.TrimSpace(embeddingModel),
		CollectionName: collectionName(userID, trimmed),
		IsActive:       true,
	}

	// 查重和写入放在同一事务并锁定同名行，避免并发创建绕过唯一性检查。
	// sqlite 单写者本身串行，跳过不支持的 FOR UPDATE。
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		query := tx.Model(&KnowledgeBase{})
		if tx.Dialector.Name() != "sqlite" {
			query = query.Clauses(clause.Locking{Strength: "UPDATE"})
		}
		var existing []KnowledgeBase
		if err := query.
			Where("user_id = ? AND name = ? AND is_active = ?", userID, trimmed, true).
			Find(&existing).Error; err != nil {
			return err
		}
		if len(existing) > 0 {
			return ErrDuplicateName
		}
		return tx.Create(&kb).Error
	})
	if err != nil {
		return nil, err
	}

	// Best effort: a dead vector store should not block creation, the
	// pool retries on first ingest.
	if m.pool.Open(ctx, kb.CollectionName) == nil {
		log.Printf("knowledge: provision collection %s deferred, vector store unreachable", kb.CollectionName)
	}
	return &kb, nil
}

func (m *Manager) ListKnowledgeBases(ctx context.Context, userID uint) ([]KnowledgeBase, error) {
	var bases []KnowledgeBase
	err := m.db.WithContext(ctx).
		Where("user_id = ? AND is_active = ?", userID, true).
		Order("created_at DESC").
		Find(&bases).Error
	return bases, err
}

func (m *Manager) getOwnedBase(ctx context.Context, userID uint, kbID uint) (*KnowledgeBase, error) {
	var kb KnowledgeBase
	err := m.db.WithContext(ctx).
		Where("id = ? AND user_id = ? AND is_active = ?", kbID, userID, true).
		Take(&kb).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &kb, nil
}

// IngestFile writes the uploaded bytes to disk, segments and enriches
// the text, indexes the chunks, records the file and refreshes base
// statistics. On any downstream failure the written file is removed;
// the index write and the record write are not atomic with each other.
func (m *Manager) IngestFile(ctx context.Context, userID uint, kbID uint, originalName string, data []byte) (*KnowledgeFile, error) {
	kb, err := m.getOwnedBase(ctx, userID, kbID)
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > m.maxFileSize {
		return nil, ErrPayloadTooLarge
	}

	storedPath, err := m.files.SaveBytes(userID, kb.Name, originalName, data)
	if err != nil {
		return nil, err
	}

	record, err := m.indexAndRecord(ctx, kb, originalName, storedPath, data)
	if err != nil {
		if removeErr := m.files.Remove(storedPath); removeErr != nil {
			log.Printf("knowledge: remove partial upload %s: %v", storedPath, removeErr)
		}
		return nil, err
	}
	return record, nil
}

func (m *Manager) indexAndRecord(ctx context.Context, kb *KnowledgeBase, originalName string, storedPath string, data []byte) (*KnowledgeFile, error) {
	segments := m.splitter.split(string(data))
	if len(segments) == 0 {
		return nil, errors.New("knowledge: file contains no indexable text")
	}

	chunks := make([]DocChunk, len(segments))
	for i, segment := range segments {
		chunks[i] = DocChunk{
			Text: segment.Text,
			Metadata: map[string]interface{}{
				"source":            storedPath,
				"knowledge_base_id": kb.ID,
			},
		}
	}
	chunks = enhanceTitles(chunks)

	idx := m.pool.Open(ctx, kb.CollectionName)
	if idx == nil {
		return nil, ErrIndexUnavailable
	}
	if err := idx.Add(ctx, chunks); err != nil {
		return nil, err
	}

	record := KnowledgeFile{
		KnowledgeBaseID: kb.ID,
		StoredName:      filepath.Base(storedPath),
		OriginalName:    filepath.Base(strings.TrimSpace(originalName)),
		Path:            storedPath,
		Size:            int64(len(data)),
		FileType:        strings.TrimPrefix(strings.ToLower(filepath.Ext(originalName)), "."),
		ChunkCount:      len(chunks),
		Processed:       true,
	}
	if err := m.db.WithContext(ctx).Create(&record).Error; err != nil {
		return nil, err
	}

	if err := m.recomputeStats(ctx, kb.ID); err != nil {
		log.Printf("knowledge: recompute stats for kb %d: %v", kb.ID, err)
	}
	return &record, nil
}

func (m *Manager) ListFiles(ctx context.Context, userID uint, kbID uint) ([]KnowledgeFile, error) {
	if _, err := m.getOwnedBase(ctx, userID, kbID); err != nil {
		return nil, err
	}
	var files []KnowledgeFile
	err := m.db.WithContext(ctx).
		Where("knowledge_base_id = ?", kbID).
		Order("created_at DESC").
		Find(&files).Error
	return files, err
}

// DeleteFile cascades physical file → index chunks → record. Index
// cleanup failure is logged, never fatal, so the record deletion
// always completes.
func (m *Manager) DeleteFile(ctx context.Context, userID uint, fileID uint) error {
	var file KnowledgeFile
	err := m.db.WithContext(ctx).Where("id = ?", fileID).Take(&file).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	kb, err := m.getOwnedBase(ctx, userID, file.KnowledgeBaseID)
	if err != nil {
		return err
	}

	if err := m.files.Remove(file.Path); err != nil {
		log.Printf("knowledge: remove stored file %s: %v", file.Path, err)
	}

	idx := m.pool.Open(ctx, kb.CollectionName)
	if removed, err := idx.DeleteBySource(ctx, file.OriginalName); err != nil {
		log.Printf("knowledge: delete chunks for %s: %v", file.OriginalName, err)
	} else if removed != file.ChunkCount {
		log.Printf("knowledge: deleted %d chunks for %s, record said %d", removed, file.OriginalName, file.ChunkCount)
	}

	if err := m.db.WithContext(ctx).Delete(&KnowledgeFile{}, file.ID).Error; err != nil {
		return err
	}
	if err := m.recomputeStats(ctx, kb.ID); err != nil {
		log.Printf("knowledge: recompute stats for kb %d: %v", kb.ID, err)
	}
	return nil
}

// DeleteKnowledgeBase drops the vector collection and file storage,
// removes file records and soft-deletes the base.
func (m *Manager) DeleteKnowledgeBase(ctx context.Context, userID uint, kbID uint) error {
	kb, err := m.getOwnedBase(ctx, userID, kbID)
	if err != nil {
		return err
	}

	idx := m.pool.Open(ctx, kb.CollectionName)
	if err := idx.Drop(ctx); err != nil {
		log.Printf("knowledge: drop collection %s: %v", kb.CollectionName, err)
	}
	m.pool.Forget(kb.CollectionName)

	if err := m.files.RemoveKnowledgeBase(userID, kb.Name); err != nil {
		log.Printf("knowledge: remove kb storage: %v", err)
	}

	return m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("knowledge_base_id = ?", kb.ID).Delete(&KnowledgeFile{}).Error; err != nil {
			return err
		}
		return tx.Model(&KnowledgeBase{}).
			Where("id = ?", kb.ID).
			Update("is_active", false).Error
	})
}

// HasActiveBases reports whether retrieval over the user's own bases
// can produce anything at all.
func (m *Manager) HasActiveBases(ctx context.Context, userID uint) bool {
	var count int64
	if err := m.db.WithContext(ctx).
		Model(&KnowledgeBase{}).
		Where("user_id = ? AND is_active = ?", userID, true).
		Count(&count).Error; err != nil {
		return false
	}
	return count > 0
}

// Retrieve merges threshold-filtered search results across all of the
// owner's active knowledge bases, sorts by score descending and
// truncates to topK. When the reranker runs, retrieval over-fetches
// twice the requested amount so it has a pool to reorder.
func (m *Manager) Retrieve(ctx context.Context, userID uint, query string, topK int, scoreThreshold float64, useReranker bool) ([]ScoredChunk, error) {
	if topK <= 0 {
		topK = 5
	}
	bases, err := m.ListKnowledgeBases(ctx, userID)
	if err != nil {
		return nil, err
	}

	fetchK := topK
	if useReranker && m.reranker != nil {
		fetchK = topK * 2
	}

	var merged []ScoredChunk
	for _, kb := range bases {
		idx := m.pool.Open(ctx, kb.CollectionName)
		hits, err := idx.Search(ctx, query, fetchK, scoreThreshold)
		if err != nil {
			log.Printf("knowledge: search kb %q: %v", kb.Name, err)
			continue
		}
		merged = append(merged, hits...)
	}

	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Score > merged[j].Score
	})
	if len(merged) > fetchK {
		merged = merged[:fetchK]
	}

	if useReranker && m.reranker != nil {
		return m.reranker.Rerank(ctx, query, merged, topK), nil
	}
	if len(merged) > topK {
		merged = merged[:topK]
	}
	return merged, nil
}

func (m *Manager) recomputeStats(ctx context.Context, kbID uint) error {
	var fileCount int64
	if err := m.db.WithContext(ctx).
		Model(&KnowledgeFile{}).
		Where("knowledge_base_id = ?", kbID).
		Count(&fileCount).Error; err != nil {
		return err
	}
	var chunkSum int64
	if err := m.db.WithContext(ctx).
		Model(&KnowledgeFile{}).
		Where("knowledge_base_id = ?", kbID).
		Select("COALESCE(SUM(chunk_count), 0)").
		Scan(&chunkSum).Error; err != nil {
		return err
	}
	return m.db.WithContext(ctx).
		Model(&KnowledgeBase{}).
		Where("id = ?", kbID).
		Updates(map[string]interface{}{
			"file_count":     fileCount,
			"document_count": chunkSum,
		}).Error
}

// collectionName builds a store-safe collection identifier. A random
// suffix keeps recreated bases from colliding with the collections of
// previously soft-deleted namesakes.
func collectionName(userID uint, name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case unicode.IsLetter(r) || unicode.IsNumber(r):
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	slug := strings.Trim(b.String(), "_")
	if slug == "" {
		slug = "kb"
	}
	return fmt.Sprintf("kb_%d_%s_%s", userID, slug, uuid.NewString()[:8])
}
