package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	recentHistoryCacheTTL     = 30 * time.Second
	recentHistoryCacheTimeout = 300 * time.Millisecond
)

// historyCache 缓存会话的近期消息,减少重放历史时的数据库往返。
type historyCache struct {
	client *redis.Client
}

// newHistoryCache 使用 Redis 客户端创建消息缓存。
func newHistoryCache(client *redis.Client) *historyCache {
	if client == nil {
		return nil
	}
	return &historyCache{client: client}
}

// cacheContext 为缓存操作设置超时上下文。
func (h *historyCache) cacheContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		return context.WithTimeout(context.Background(), recentHistoryCacheTimeout)
	}
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) <= recentHistoryCacheTimeout {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, recentHistoryCacheTimeout)
}

// key 构造缓存键格式。
func (h *historyCache) key(conversationID uint64) string {
	if h == nil || h.client == nil || conversationID == 0 {
		return ""
	}
	return fmt.Sprintf("llm:recent:%d", conversationID)
}

// get 从缓存中读取近期消息记录。
func (h *historyCache) get(ctx context.Context, conversationID uint64) ([]ChatHistory, error) {
	if h == nil || h.client == nil {
		return nil, redis.Nil
	}
	key := h.key(conversationID)
	if key == "" {
		return nil, redis.Nil
	}

	ctx, cancel := h.cacheContext(ctx)
	defer cancel()

	data, err := h.client.Get(ctx, key).Bytes()
	if err != nil {
		return nil, err
	}

	var records []ChatHistory
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, err
	}
	return records, nil
}

// store 将近期消息写入缓存。
func (h *historyCache) store(ctx context.Context, conversationID uint64, records []ChatHistory) {
	if h == nil || h.client == nil {
		return
	}
	key := h.key(conversationID)
	if key == "" {
		return
	}

	payload, err := json.Marshal(records)
	if err != nil {
		log.Printf("llm: marshal recent history cache payload failed: %v", err)
		return
	}

	ctx, cancel := h.cacheContext(ctx)
	defer cancel()

	if err := h.client.Set(ctx, key, payload, recentHistoryCacheTTL).Err(); err != nil {
		log.Printf("llm: store recent history cache failed: %v", err)
	}
}

// invalidate 清除指定会话的缓存。
func (h *historyCache) invalidate(ctx context.Context, conversationID uint64) {
	if h == nil || h.client == nil {
		return
	}
	key := h.key(conversationID)
	if key == "" {
		return
	}

	ctx, cancel := h.cacheContext(ctx)
	defer cancel()

	if err := h.client.Del(ctx, key).Err(); err != nil {
		log.Printf("llm: invalidate recent history cache failed: %v", err)
	}
}
