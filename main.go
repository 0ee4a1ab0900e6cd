package main

import (
	"log"
	"os"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"omnisage_back/authorization"
	"omnisage_back/knowledge"
	"omnisage_back/llm"
	"omnisage_back/wiki"
)

func main() {
	_ = godotenv.Load()

	r := gin.Default()
	r.Use(cors.New(corsConfigFromEnv()))

	authModule, err := authorization.RegisterRoutes(r)
	if err != nil {
		log.Fatalf("register auth routes: %v", err)
	}
	guard := authModule.Guard()

	knowledgeModule, err := knowledge.RegisterRoutes(r, guard)
	if err != nil {
		log.Fatalf("register knowledge routes: %v", err)
	}

	wikiModule, err := wiki.RegisterRoutes(r, guard)
	if err != nil {
		log.Fatalf("register wiki routes: %v", err)
	}

	if _, err := llm.RegisterRoutes(r, guard, knowledgeModule.Manager(), wikiModule.KnowledgeBase()); err != nil {
		log.Fatalf("register llm routes: %v", err)
	}

	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "8080"
	}

	if err := r.Run(":" + port); err != nil {
		log.Fatalf("start server: %v", err)
	}
}

// corsConfigFromEnv 构建跨域配置，CORS_ALLOW_ORIGINS 为逗号分隔的来源列表。
func corsConfigFromEnv() cors.Config {
	config := cors.DefaultConfig()
	config.AllowHeaders = append(config.AllowHeaders, "Authorization")
	config.AllowCredentials = true
	config.MaxAge = 12 * time.Hour

	origins := strings.TrimSpace(os.Getenv("CORS_ALLOW_ORIGINS"))
	if origins == "" {
		config.AllowAllOrigins = true
		config.AllowCredentials = false
		return config
	}

	allowed := make([]string, 0)
	for _, origin := range strings.Split(origins, ",") {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			allowed = append(allowed, trimmed)
		}
	}
	config.AllowOrigins = allowed
	return config
}
