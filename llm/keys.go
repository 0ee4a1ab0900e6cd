package llm

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const defaultKeyProvider = "llm"

// clientForUser 返回使用该用户自备密钥的客户端;未配置时退回系统密钥。
func (m *Module) clientForUser(ctx context.Context, userID uint64) *ChatClient {
	if m == nil {
		return nil
	}
	if m.db == nil || userID == 0 {
		return m.client
	}

	var record UserAPIKey
	err := m.db.WithContext(ctx).
		Where("user_id = ? AND provider = ?", userID, defaultKeyProvider).
		Take(&record).Error
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			log.Printf("llm: load user api key: %v", err)
		}
		return m.client
	}
	return m.client.WithAPIKey(record.APIKey)
}

type apiKeyRequest struct {
	Provider string   `json:"provider"`
	APIKey   string   `json:"api_key" binding:"required"`
	Scopes   []string `json:"scopes"`
}

// decodeScopes 解析存储的 scopes JSON 列,损坏数据按空处理。
func decodeScopes(raw datatypes.JSON) []string {
	if len(raw) == 0 {
		return []string{}
	}
	var scopes []string
	if err := json.Unmarshal(raw, &scopes); err != nil {
		return []string{}
	}
	return scopes
}

// handleListAPIKeys 列出用户已配置的密钥(脱敏)。
func (m *Module) handleListAPIKeys(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var records []UserAPIKey
	if err := m.db.WithContext(c.Request.Context()).
		Where("user_id = ?", userID).
		Order("provider").
		Find(&records).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list api keys"})
		return
	}

	keys := make([]gin.H, 0, len(records))
	for _, record := range records {
		keys = append(keys, gin.H{
			"provider":   record.Provider,
			"api_key":    maskAPIKey(record.APIKey),
			"scopes":     decodeScopes(record.Scopes),
			"updated_at": record.UpdatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"api_keys": keys})
}

// handleUpsertAPIKey 保存或更新用户密钥。
func (m *Module) handleUpsertAPIKey(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var req apiKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "api_key is required"})
		return
	}
	provider := strings.TrimSpace(req.Provider)
	if provider == "" {
		provider = defaultKeyProvider
	}
	apiKey := strings.TrimSpace(req.APIKey)
	if apiKey == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "api_key cannot be blank"})
		return
	}

	scopes := make([]string, 0, len(req.Scopes))
	for _, scope := range req.Scopes {
		if trimmed := strings.TrimSpace(scope); trimmed != "" {
			scopes = append(scopes, trimmed)
		}
	}
	encodedScopes, err := json.Marshal(scopes)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid scopes"})
		return
	}

	record := UserAPIKey{
		UserID:   userID,
		Provider: provider,
		APIKey:   apiKey,
		Scopes:   datatypes.JSON(encodedScopes),
	}
	if err := m.db.WithContext(c.Request.Context()).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "provider"}},
		DoUpdates: clause.AssignmentColumns([]string{"api_key", "scopes", "updated_at"}),
	}).Create(&record).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save api key"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"provider": provider, "api_key": maskAPIKey(apiKey), "scopes": scopes})
}

// handleDeleteAPIKey 删除用户密钥,之后回落到系统密钥。
func (m *Module) handleDeleteAPIKey(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	provider := strings.TrimSpace(c.Param("provider"))
	if provider == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "provider is required"})
		return
	}

	result := m.db.WithContext(c.Request.Context()).
		Where("user_id = ? AND provider = ?", userID, provider).
		Delete(&UserAPIKey{})
	if result.Error != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete api key"})
		return
	}
	if result.RowsAffected == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "api key not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": provider})
}

func maskAPIKey(apiKey string) string {
	if len(apiKey) <= 8 {
		return "****"
	}
	return apiKey[:4] + "****" + apiKey[len(apiKey)-4:]
}
