package llm

import (
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	jwt "github.com/appleboy/gin-jwt/v2"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"omnisage_back/authorization"
	"omnisage_back/cache"
	"omnisage_back/knowledge"
)

// Module 聚合对话编排器及其存储、缓存与检索依赖。
type Module struct {
	db        *gorm.DB
	client    *ChatClient
	cache     *historyCache
	knowledge KnowledgeSource
	wiki      WikiSource
	catalog   []ChatModelOption
}

// RegisterRoutes mounts the chat, conversation, and retrieval-metadata
// endpoints. knowledgeSource and wikiSource may be nil; the orchestrator
// then reports retrieval as unavailable.
func RegisterRoutes(router *gin.Engine, guard *authorization.Guard, knowledgeSource KnowledgeSource, wikiSource WikiSource) (*Module, error) {
	if router == nil {
		return nil, errors.New("llm: router is nil")
	}

	client, err := NewChatClientFromEnv()
	if err != nil {
		return nil, err
	}

	db, err := openDatabaseFromEnv()
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&Conversation{}, &ChatHistory{}, &UserAPIKey{}); err != nil {
		return nil, err
	}

	redisClient, redisErr := cache.GetRedisClient()
	if redisErr != nil {
		log.Printf("llm: redis unavailable, history cache disabled: %v", redisErr)
	}

	module := &Module{
		db:        db,
		client:    client,
		cache:     newHistoryCache(redisClient),
		knowledge: knowledgeSource,
		wiki:      wikiSource,
		catalog:   loadChatModelCatalog(),
	}

	requireAuth := func(group *gin.RouterGroup) {
		if guard != nil {
			group.Use(guard.RequireAuthenticated())
			return
		}
		group.Use(func(c *gin.Context) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication is not configured"})
		})
	}

	chat := router.Group("/chat")
	requireAuth(chat)
	chat.POST("", module.handleChat)
	chat.POST("/stream", module.handleChatStream)
	chat.GET("/ws", module.handleChatWS)
	chat.GET("/models", module.handleChatModels)

	conversations := router.Group("/conversations")
	requireAuth(conversations)
	conversations.GET("", module.handleListConversations)
	conversations.POST("", module.handleCreateConversation)
	conversations.DELETE("/:id", module.handleDeleteConversation)
	conversations.GET("/:id/messages", module.handleConversationMessages)

	meta := router.Group("/rag")
	requireAuth(meta)
	meta.GET("/chain-types", module.handleChainTypes)
	meta.GET("/prompts", module.handlePrompts)

	apiKeys := router.Group("/api-keys")
	requireAuth(apiKeys)
	apiKeys.GET("", module.handleListAPIKeys)
	apiKeys.POST("", module.handleUpsertAPIKey)
	apiKeys.DELETE("/:provider", module.handleDeleteAPIKey)

	return module, nil
}

// handleChat 同步等待全部片段后一次性返回。
func (m *Module) handleChat(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var req ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "message is required"})
		return
	}

	var builder strings.Builder
	conversationID, err := m.ProcessMessage(c.Request.Context(), userID, req, func(fragment string) error {
		builder.WriteString(fragment)
		return nil
	})
	if err != nil {
		status, message := statusForProcessError(err)
		c.JSON(status, gin.H{"error": message})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"response":        builder.String(),
		"conversation_id": conversationID,
	})
}

// handleChatStream 以 SSE 推送片段,每行 data 携带一个 chunk。
func (m *Module) handleChatStream(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var req ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "message is required"})
		return
	}

	flusher, okFlush := c.Writer.(http.Flusher)
	if !okFlush {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache, no-transform")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Status(http.StatusOK)

	writer := newSafeSSEWriter(c.Writer, flusher)
	flusher.Flush()

	conversationID, err := m.ProcessMessage(c.Request.Context(), userID, req, writer.SendChunk)
	if err != nil {
		_, message := statusForProcessError(err)
		_ = writer.SendError(message)
		return
	}
	_ = writer.SendDone(conversationID)
}

// handleChatModels 返回可选模型目录。
func (m *Module) handleChatModels(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"models": m.catalog})
}

// handleChainTypes 返回支持的链类型。
func (m *Module) handleChainTypes(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"chain_types": ChainTypes()})
}

// handlePrompts 返回支持的提示词名称。
func (m *Module) handlePrompts(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"prompts": PromptNames()})
}

type conversationRecord struct {
	ID        uint64    `json:"id"`
	Title     string    `json:"title"`
	LastMsgAt time.Time `json:"last_msg_at"`
	CreatedAt time.Time `json:"created_at"`
}

// handleListConversations 列出当前用户的会话,按最近活跃排序。
func (m *Module) handleListConversations(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var records []Conversation
	if err := m.db.WithContext(c.Request.Context()).
		Where("user_id = ?", userID).
		Order("last_msg_at DESC").
		Find(&records).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list conversations"})
		return
	}

	result := make([]conversationRecord, 0, len(records))
	for _, record := range records {
		result = append(result, conversationRecord{
			ID:        record.ID,
			Title:     record.Title,
			LastMsgAt: record.LastMsgAt,
			CreatedAt: record.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"conversations": result})
}

type createConversationRequest struct {
	Title string `json:"title"`
}

// handleCreateConversation 显式创建一个空会话,供前端先拿到 ID 再发消息。
func (m *Module) handleCreateConversation(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var req createConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request payload"})
		return
	}

	title := strings.TrimSpace(req.Title)
	if title == "" {
		title = "新对话"
	}

	conv := Conversation{
		UserID:    userID,
		Title:     conversationTitle(title),
		LastMsgAt: time.Now().UTC(),
	}
	if err := m.db.WithContext(c.Request.Context()).Create(&conv).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create conversation"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"conversation": conversationRecord{
		ID:        conv.ID,
		Title:     conv.Title,
		LastMsgAt: conv.LastMsgAt,
		CreatedAt: conv.CreatedAt,
	}})
}

// handleDeleteConversation 删除会话及其全部消息。
func (m *Module) handleDeleteConversation(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	conversationID, err := strconv.ParseUint(strings.TrimSpace(c.Param("id")), 10, 64)
	if err != nil || conversationID == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid conversation id"})
		return
	}

	err = m.db.WithContext(c.Request.Context()).Transaction(func(tx *gorm.DB) error {
		result := tx.Where("id = ? AND user_id = ?", conversationID, userID).Delete(&Conversation{})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return tx.Where("conversation_id = ?", conversationID).Delete(&ChatHistory{}).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete conversation"})
		return
	}

	m.cache.invalidate(c.Request.Context(), conversationID)
	c.JSON(http.StatusOK, gin.H{"deleted": conversationID})
}

type historyRecord struct {
	ID        uint64    `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Reasoning string    `json:"reasoning,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// handleConversationMessages 返回会话的完整消息记录。
func (m *Module) handleConversationMessages(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	conversationID, err := strconv.ParseUint(strings.TrimSpace(c.Param("id")), 10, 64)
	if err != nil || conversationID == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid conversation id"})
		return
	}

	var conv Conversation
	if err := m.db.WithContext(c.Request.Context()).
		Where("id = ? AND user_id = ?", conversationID, userID).
		Take(&conv).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load conversation"})
		return
	}

	var history []ChatHistory
	if err := m.db.WithContext(c.Request.Context()).
		Where("conversation_id = ?", conversationID).
		Order("id ASC").
		Find(&history).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load messages"})
		return
	}

	records := make([]historyRecord, 0, len(history))
	for _, item := range history {
		records = append(records, historyRecord{
			ID:        item.ID,
			Role:      item.Role,
			Content:   item.Content,
			Reasoning: item.Reasoning,
			CreatedAt: item.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{
		"conversation_id": conversationID,
		"title":           conv.Title,
		"messages":        records,
	})
}

// statusForProcessError 将编排器错误映射为 HTTP 状态。
func statusForProcessError(err error) (int, string) {
	var unknownChain *UnknownChainTypeError
	var unknownPrompt *UnknownPromptError
	switch {
	case errors.Is(err, knowledge.ErrRetrievalUnavailable):
		return http.StatusServiceUnavailable, "no knowledge base or encyclopedia available for retrieval"
	case errors.As(err, &unknownChain), errors.As(err, &unknownPrompt):
		return http.StatusBadRequest, err.Error()
	default:
		return http.StatusBadGateway, err.Error()
	}
}

// currentUserID 从 JWT 声明中解析用户 ID。
func currentUserID(c *gin.Context) (uint64, bool) {
	claims := jwt.ExtractClaims(c)
	if len(claims) == 0 {
		return 0, false
	}
	switch v := claims["user_id"].(type) {
	case float64:
		if v > 0 {
			return uint64(v), true
		}
	case int64:
		if v > 0 {
			return uint64(v), true
		}
	case string:
		if parsed, err := strconv.ParseUint(strings.TrimSpace(v), 10, 64); err == nil && parsed > 0 {
			return parsed, true
		}
	}
	return 0, false
}
