package knowledge

import "time"

// KnowledgeBase is a named, owner-scoped collection of ingested
// documents backed by one vector collection. Name is unique among the
// owner's active bases; deletion is a soft delete that also drops the
// vector collection and file storage.
type KnowledgeBase struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	UserID         uint      `gorm:"not null;index:idx_kb_owner" json:"user_id"`
	Name           string    `gorm:"size:120;not null;index:idx_kb_owner" json:"name"`
	Description    string    `gorm:"size:500" json:"description"`
	EmbeddingModel string    `gorm:"size:120;not null" json:"embedding_model"`
	CollectionName string    `gorm:"size:160;not null;uniqueIndex" json:"collection_name"`
	FileCount      int       `gorm:"not null;default:0" json:"file_count"`
	DocumentCount  int       `gorm:"not null;default:0" json:"document_count"`
	IsActive       bool      `gorm:"not null;default:true;index" json:"is_active"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func (KnowledgeBase) TableName() string {
	return "knowledge_bases"
}

// KnowledgeFile records one ingested document. StoredName carries the
// timestamp prefix used to avoid collisions on disk; ChunkCount must
// stay in lock-step with the chunks present in the vector collection
// for this file's source tag.
type KnowledgeFile struct {
	ID              uint      `gorm:"primaryKey" json:"id"`
	KnowledgeBaseID uint      `gorm:"not null;index" json:"knowledge_base_id"`
	StoredName      string    `gorm:"size:255;not null" json:"stored_name"`
	OriginalName    string    `gorm:"size:255;not null" json:"original_name"`
	Path            string    `gorm:"size:500;not null" json:"path"`
	Size            int64     `gorm:"not null" json:"size"`
	FileType        string    `gorm:"size:32" json:"file_type"`
	ChunkCount      int       `gorm:"not null;default:0" json:"chunk_count"`
	Processed       bool      `gorm:"not null;default:false" json:"processed"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func (KnowledgeFile) TableName() string {
	return "knowledge_files"
}
