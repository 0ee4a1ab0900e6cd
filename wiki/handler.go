package wiki

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"omnisage_back/authorization"
	"omnisage_back/knowledge"
)

const offlineCollection = "wiki_articles"

// Module 聚合百科服务及其 HTTP 入口。
type Module struct {
	service *Service
	kb      *KnowledgeBase
}

// KnowledgeBase exposes the cached search wrapper for the chat chains.
func (m *Module) KnowledgeBase() *KnowledgeBase {
	if m == nil {
		return nil
	}
	return m.kb
}

// RegisterRoutes 挂载 /wiki 路由并初始化服务。
func RegisterRoutes(router *gin.Engine, guard *authorization.Guard) (*Module, error) {
	if router == nil {
		return nil, errors.New("wiki: router is nil")
	}

	var offline OfflineIndex
	pool, err := knowledge.NewIndexPoolFromEnv()
	if err != nil {
		log.Printf("wiki: offline index unavailable: %v", err)
	} else if index := pool.Open(context.Background(), offlineCollection); index != nil {
		offline = index
	}

	service := NewServiceFromEnv(context.Background(), offline)
	module := &Module{
		service: service,
		kb:      NewKnowledgeBase(service),
	}

	group := router.Group("/wiki")
	if guard != nil {
		group.Use(guard.RequireAuthenticated())
	} else {
		group.Use(func(c *gin.Context) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication is not configured"})
		})
	}

	group.GET("/search", module.handleSearch)
	group.GET("/article", module.handleArticle)
	group.GET("/stats", module.handleStats)
	group.POST("/mode", module.handleSwitchMode)
	return module, nil
}

// handleSearch 检索百科条目。
func (m *Module) handleSearch(c *gin.Context) {
	query := strings.TrimSpace(c.Query("q"))
	if query == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "query parameter q is required"})
		return
	}
	limit := 5
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = parsed
	}

	results, err := m.kb.SearchKnowledge(c.Request.Context(), query, limit)
	if err != nil {
		log.Printf("wiki: search %q: %v", query, err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "encyclopedia search failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"mode":    string(m.service.Mode()),
		"results": results,
	})
}

// handleArticle 按标题取回条目。
func (m *Module) handleArticle(c *gin.Context) {
	title := strings.TrimSpace(c.Query("title"))
	if title == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "query parameter title is required"})
		return
	}

	article, err := m.service.ArticleByTitle(c.Request.Context(), title)
	if err != nil {
		log.Printf("wiki: article %q: %v", title, err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "encyclopedia lookup failed"})
		return
	}
	if article == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "article not found"})
		return
	}
	c.JSON(http.StatusOK, article)
}

// handleStats 返回服务状态概览。
func (m *Module) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, m.service.Stats(c.Request.Context()))
}

// handleSwitchMode 切换运行模式。
func (m *Module) handleSwitchMode(c *gin.Context) {
	var payload struct {
		Mode string `json:"mode" binding:"required"`
	}
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "mode is required"})
		return
	}

	if err := m.service.SwitchMode(c.Request.Context(), Mode(payload.Mode)); err != nil {
		if errors.Is(err, ErrModeUnavailable) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "mode": string(m.service.Mode())})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "mode switch failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"mode": string(m.service.Mode())})
}
