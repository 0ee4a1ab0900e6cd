package knowledge

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"omnisage_back/storage"
)

func newTestManager(t *testing.T, fake *fakeQdrant, embedder Embedder) *Manager {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)

	server := fake.server()
	t.Cleanup(server.Close)

	t.Setenv("UPLOAD_DIR", t.TempDir())
	files, err := storage.NewFileStoreFromEnv()
	require.NoError(t, err)

	pool := NewIndexPool(newTestClient(server.URL), embedder, 3)
	manager := NewManager(db, pool, nil, files)
	require.NoError(t, manager.AutoMigrate())
	return manager
}

func TestCreateKnowledgeBaseDuplicateName(t *testing.T) {
	m := newTestManager(t, newFakeQdrant(), &stubEmbedder{})
	ctx := context.Background()

	kb, err := m.CreateKnowledgeBase(ctx, 1, "kb1", "first", "")
	require.NoError(t, err)
	assert.True(t, kb.IsActive)
	assert.NotEmpty(t, kb.CollectionName)

	_, err = m.CreateKnowledgeBase(ctx, 1, "kb1", "again", "")
	assert.ErrorIs(t, err, ErrDuplicateName)

	// Another owner may reuse the name.
	_, err = m.CreateKnowledgeBase(ctx, 2, "kb1", "", "")
	assert.NoError(t, err)

	// A soft-deleted base frees the name.
	require.NoError(t, m.DeleteKnowledgeBase(ctx, 1, kb.ID))
	_, err = m.CreateKnowledgeBase(ctx, 1, "kb1", "", "")
	assert.NoError(t, err)
}

func TestCreateKnowledgeBaseDuplicateRollsBack(t *testing.T) {
	m := newTestManager(t, newFakeQdrant(), &stubEmbedder{})
	ctx := context.Background()

	_, err := m.CreateKnowledgeBase(ctx, 1, "kb1", "", "")
	require.NoError(t, err)

	_, err = m.CreateKnowledgeBase(ctx, 1, "kb1", "", "")
	require.ErrorIs(t, err, ErrDuplicateName)

	// 重名写入在事务内被拒绝，不应留下第二条记录。
	var count int64
	require.NoError(t, m.db.Model(&KnowledgeBase{}).
		Where("user_id = ? AND name = ? AND is_active = ?", 1, "kb1", true).
		Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestIngestThreeThousandCharFile(t *testing.T) {
	fake := newFakeQdrant()
	m := newTestManager(t, fake, &stubEmbedder{})
	ctx := context.Background()

	kb, err := m.CreateKnowledgeBase(ctx, 1, "kb1", "", "")
	require.NoError(t, err)

	content := strings.Repeat("这是一个用于验证摄取流程的句子，包含足够多的文字来撑起分段。", 100)
	record, err := m.IngestFile(ctx, 1, kb.ID, "report.txt", []byte(content))
	require.NoError(t, err)

	assert.GreaterOrEqual(t, record.ChunkCount, 3)
	assert.True(t, record.Processed)
	assert.Contains(t, record.StoredName, "report.txt")
	assert.NotEqual(t, "report.txt", record.StoredName, "stored name carries the timestamp prefix")

	_, err = os.Stat(record.Path)
	assert.NoError(t, err, "uploaded bytes should be on disk")

	var refreshed KnowledgeBase
	require.NoError(t, m.db.Take(&refreshed, kb.ID).Error)
	assert.Equal(t, 1, refreshed.FileCount)
	assert.Equal(t, record.ChunkCount, refreshed.DocumentCount)
	assert.Equal(t, record.ChunkCount, fake.count(kb.CollectionName))
}

func TestIngestRejectsOversizedPayloadBeforeWrite(t *testing.T) {
	t.Setenv("MAX_FILE_SIZE", "64")
	m := newTestManager(t, newFakeQdrant(), &stubEmbedder{})
	ctx := context.Background()

	kb, err := m.CreateKnowledgeBase(ctx, 1, "kb1", "", "")
	require.NoError(t, err)

	_, err = m.IngestFile(ctx, 1, kb.ID, "big.txt", []byte(strings.Repeat("x", 65)))
	assert.ErrorIs(t, err, ErrPayloadTooLarge)

	files, err := m.ListFiles(ctx, 1, kb.ID)
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestIngestUnknownBaseOrForeignOwner(t *testing.T) {
	m := newTestManager(t, newFakeQdrant(), &stubEmbedder{})
	ctx := context.Background()

	kb, err := m.CreateKnowledgeBase(ctx, 1, "kb1", "", "")
	require.NoError(t, err)

	_, err = m.IngestFile(ctx, 1, kb.ID+99, "a.txt", []byte("hello world."))
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = m.IngestFile(ctx, 2, kb.ID, "a.txt", []byte("hello world."))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteFileKeepsSiblingChunks(t *testing.T) {
	fake := newFakeQdrant()
	m := newTestManager(t, fake, &stubEmbedder{})
	ctx := context.Background()

	kb, err := m.CreateKnowledgeBase(ctx, 1, "kb1", "", "")
	require.NoError(t, err)

	first, err := m.IngestFile(ctx, 1, kb.ID, "alpha.txt", []byte(strings.Repeat("关于甲方的句子。", 300)))
	require.NoError(t, err)
	second, err := m.IngestFile(ctx, 1, kb.ID, "beta.txt", []byte(strings.Repeat("关于乙方的句子。", 150)))
	require.NoError(t, err)

	total := fake.count(kb.CollectionName)
	require.Equal(t, first.ChunkCount+second.ChunkCount, total)

	require.NoError(t, m.DeleteFile(ctx, 1, first.ID))

	assert.Equal(t, total-first.ChunkCount, fake.count(kb.CollectionName))

	var refreshed KnowledgeBase
	require.NoError(t, m.db.Take(&refreshed, kb.ID).Error)
	assert.Equal(t, 1, refreshed.FileCount)
	assert.Equal(t, second.ChunkCount, refreshed.DocumentCount)

	_, err = os.Stat(first.Path)
	assert.True(t, os.IsNotExist(err), "stored file should be gone")
}

func TestRetrieveMergesAcrossBases(t *testing.T) {
	fake := newFakeQdrant()
	embedder := &stubEmbedder{vectors: map[string][]float32{
		"query": {1, 0, 0},
	}}
	m := newTestManager(t, fake, embedder)
	ctx := context.Background()

	kbA, err := m.CreateKnowledgeBase(ctx, 1, "kbA", "", "")
	require.NoError(t, err)
	kbB, err := m.CreateKnowledgeBase(ctx, 1, "kbB", "", "")
	require.NoError(t, err)

	idxA := m.pool.Open(ctx, kbA.CollectionName)
	idxB := m.pool.Open(ctx, kbB.CollectionName)
	require.NotNil(t, idxA)
	require.NotNil(t, idxB)

	embedder.vectors = map[string][]float32{
		"query":    {1, 0, 0},
		"close":    {1, 0.1, 0},
		"closer":   {1, 0.01, 0},
		"far away": {0, 1, 0},
	}
	require.NoError(t, idxA.Add(ctx, []DocChunk{{Text: "close"}, {Text: "far away"}}))
	require.NoError(t, idxB.Add(ctx, []DocChunk{{Text: "closer"}}))

	hits, err := m.Retrieve(ctx, 1, "query", 2, 0.5, false)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "closer", hits[0].Text)
	assert.Equal(t, "close", hits[1].Text)
	assert.GreaterOrEqual(t, hits[0].Score, hits[1].Score)
}

func TestRetrieveWithNoBasesReturnsNothing(t *testing.T) {
	m := newTestManager(t, newFakeQdrant(), &stubEmbedder{})
	hits, err := m.Retrieve(context.Background(), 42, "query", 5, 0, false)
	require.NoError(t, err)
	assert.Empty(t, hits)
	assert.False(t, m.HasActiveBases(context.Background(), 42))
}

func TestDeleteKnowledgeBaseCascades(t *testing.T) {
	fake := newFakeQdrant()
	m := newTestManager(t, fake, &stubEmbedder{})
	ctx := context.Background()

	kb, err := m.CreateKnowledgeBase(ctx, 1, "kb1", "", "")
	require.NoError(t, err)
	record, err := m.IngestFile(ctx, 1, kb.ID, "doc.txt", []byte(strings.Repeat("一些内容。", 100)))
	require.NoError(t, err)

	require.NoError(t, m.DeleteKnowledgeBase(ctx, 1, kb.ID))

	bases, err := m.ListKnowledgeBases(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, bases)

	var files []KnowledgeFile
	require.NoError(t, m.db.Where("knowledge_base_id = ?", kb.ID).Find(&files).Error)
	assert.Empty(t, files)

	_, err = os.Stat(record.Path)
	assert.True(t, os.IsNotExist(err))

	assert.Zero(t, fake.count(kb.CollectionName))
}
