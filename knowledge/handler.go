package knowledge

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	jwt "github.com/appleboy/gin-jwt/v2"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"omnisage_back/authorization"
)

// Module 聚合知识库管理所需的数据库与向量检索依赖。
type Module struct {
	db      *gorm.DB
	manager *Manager
}

// Manager exposes the retrieval service to other modules.
func (m *Module) Manager() *Manager {
	if m == nil {
		return nil
	}
	return m.manager
}

// RegisterRoutes 初始化知识库模块并注册 /rag 路由。
func RegisterRoutes(router *gin.Engine, guard *authorization.Guard) (*Module, error) {
	db, err := openDatabaseFromEnv()
	if err != nil {
		return nil, err
	}

	manager, err := NewManagerFromEnv(db)
	if err != nil {
		return nil, err
	}
	if err := manager.AutoMigrate(); err != nil {
		return nil, err
	}

	module := &Module{db: db, manager: manager}

	group := router.Group("/rag")
	if guard != nil {
		group.Use(guard.RequireAuthenticated())
	} else {
		group.Use(func(c *gin.Context) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization middleware missing"})
		})
	}
	group.POST("/knowledge-bases", module.handleCreateKnowledgeBase)
	group.GET("/knowledge-bases", module.handleListKnowledgeBases)
	group.DELETE("/knowledge-bases/:id", module.handleDeleteKnowledgeBase)
	group.POST("/knowledge-bases/:id/files", module.handleUploadFile)
	group.GET("/knowledge-bases/:id/files", module.handleListFiles)
	group.DELETE("/files/:id", module.handleDeleteFile)
	group.POST("/search", module.handleSearch)

	return module, nil
}

type createKnowledgeBaseRequest struct {
	Name           string `json:"name" binding:"required"`
	Description    string `json:"description"`
	EmbeddingModel string `json:"embedding_model"`
}

type searchRequest struct {
	Query          string  `json:"query" binding:"required"`
	TopK           int     `json:"top_k"`
	ScoreThreshold float64 `json:"score_threshold"`
	UseReranker    bool    `json:"use_reranker"`
}

// handleCreateKnowledgeBase 创建当前用户的知识库。
func (m *Module) handleCreateKnowledgeBase(c *gin.Context) {
	userID := currentUserID(c)
	if userID == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return
	}

	var req createKnowledgeBaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request payload"})
		return
	}

	kb, err := m.manager.CreateKnowledgeBase(c.Request.Context(), userID, req.Name, req.Description, req.EmbeddingModel)
	if err != nil {
		if errors.Is(err, ErrDuplicateName) {
			c.JSON(http.StatusConflict, gin.H{"error": "knowledge base name already in use"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create knowledge base", "details": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"knowledge_base": kb})
}

// handleListKnowledgeBases 列出当前用户的所有活跃知识库。
func (m *Module) handleListKnowledgeBases(c *gin.Context) {
	userID := currentUserID(c)
	if userID == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return
	}

	bases, err := m.manager.ListKnowledgeBases(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list knowledge bases"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"knowledge_bases": bases})
}

// handleDeleteKnowledgeBase 删除知识库及其文件和向量数据。
func (m *Module) handleDeleteKnowledgeBase(c *gin.Context) {
	userID := currentUserID(c)
	if userID == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return
	}
	kbID, err := parseUintParam(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid knowledge base id"})
		return
	}

	if err := m.manager.DeleteKnowledgeBase(c.Request.Context(), userID, kbID); err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "knowledge base not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete knowledge base"})
		return
	}
	c.Status(http.StatusNoContent)
}

// handleUploadFile 接收上传的文档并写入知识库索引。
func (m *Module) handleUploadFile(c *gin.Context) {
	userID := currentUserID(c)
	if userID == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return
	}
	kbID, err := parseUintParam(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid knowledge base id"})
		return
	}

	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file is required"})
		return
	}

	src, err := fileHeader.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to open upload"})
		return
	}
	defer src.Close()

	data, err := io.ReadAll(io.LimitReader(src, m.manager.maxFileSize+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read upload"})
		return
	}

	record, err := m.manager.IngestFile(c.Request.Context(), userID, kbID, fileHeader.Filename, data)
	if err != nil {
		switch {
		case errors.Is(err, ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "knowledge base not found"})
		case errors.Is(err, ErrPayloadTooLarge):
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file exceeds the allowed size"})
		case errors.Is(err, ErrIndexUnavailable):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "vector store unavailable"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to ingest file", "details": err.Error()})
		}
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"file":        record,
		"chunk_count": record.ChunkCount,
	})
}

// handleListFiles 返回知识库下的所有文件记录。
func (m *Module) handleListFiles(c *gin.Context) {
	userID := currentUserID(c)
	if userID == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return
	}
	kbID, err := parseUintParam(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid knowledge base id"})
		return
	}

	files, err := m.manager.ListFiles(c.Request.Context(), userID, kbID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "knowledge base not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list files"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"files": files})
}

// handleDeleteFile 删除单个文件及其对应的向量数据。
func (m *Module) handleDeleteFile(c *gin.Context) {
	userID := currentUserID(c)
	if userID == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return
	}
	fileID, err := parseUintParam(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid file id"})
		return
	}

	if err := m.manager.DeleteFile(c.Request.Context(), userID, fileID); err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "file not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete file"})
		return
	}
	c.Status(http.StatusNoContent)
}

// handleSearch 在用户的全部活跃知识库上做联合检索。
func (m *Module) handleSearch(c *gin.Context) {
	userID := currentUserID(c)
	if userID == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return
	}

	var req searchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request payload"})
		return
	}

	hits, err := m.manager.Retrieve(c.Request.Context(), userID, req.Query, req.TopK, req.ScoreThreshold, req.UseReranker)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "search failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": hits})
}

func parseUintParam(raw string) (uint, error) {
	trimmed := strings.TrimSpace(raw)
	id, err := strconv.ParseUint(trimmed, 10, 32)
	if err != nil || id == 0 {
		return 0, errors.New("invalid id")
	}
	return uint(id), nil
}

// currentUserID 从 JWT 声明中解析用户 ID。
func currentUserID(c *gin.Context) uint {
	claims := jwt.ExtractClaims(c)
	if len(claims) == 0 {
		return 0
	}
	switch v := claims["user_id"].(type) {
	case float64:
		if v > 0 {
			return uint(v)
		}
	case int64:
		if v > 0 {
			return uint(v)
		}
	case string:
		if parsed, err := strconv.ParseUint(strings.TrimSpace(v), 10, 32); err == nil {
			return uint(parsed)
		}
	}
	return 0
}
