package wiki

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"sync"

	"omnisage_back/knowledge"
)

// Mode 表示百科服务当前的运行模式。
type Mode string

const (
	ModeOnline             Mode = "online"
	ModeOffline            Mode = "offline"
	ModeOfflineUnavailable Mode = "offline_unavailable"
)

// ErrModeUnavailable is returned by SwitchMode when the requested mode
// cannot be entered; the current mode stays untouched.
var ErrModeUnavailable = errors.New("wiki: requested mode is unavailable")

// Article 为一次百科查询的单条结果。
type Article struct {
	Title      string   `json:"title"`
	Summary    string   `json:"summary"`
	Content    string   `json:"content,omitempty"`
	Categories []string `json:"categories,omitempty"`
	Relevance  float64  `json:"relevance"`
	Source     string   `json:"source"`
}

// OfflineIndex is the slice of the vector index the offline mode needs.
// *knowledge.VectorIndex satisfies it.
type OfflineIndex interface {
	Search(ctx context.Context, query string, topK int, scoreThreshold float64) ([]knowledge.ScoredChunk, error)
	Count(ctx context.Context) (int, error)
}

type prober interface {
	Probe(ctx context.Context) bool
}

// Service provides encyclopedic knowledge from either the live
// Wikipedia APIs or a locally persisted vector index, selecting a mode
// at construction and allowing explicit switches afterwards.
type Service struct {
	mu      sync.RWMutex
	mode    Mode
	online  *onlineClient
	probe   prober
	offline OfflineIndex
}

// NewServiceFromEnv 按环境配置构建百科服务并完成模式自检。
func NewServiceFromEnv(ctx context.Context, offline OfflineIndex) *Service {
	client := newOnlineClientFromEnv()
	return newService(ctx, client, client, offline)
}

func newService(ctx context.Context, online *onlineClient, probe prober, offline OfflineIndex) *Service {
	s := &Service{
		online:  online,
		probe:   probe,
		offline: offline,
	}
	s.mode = s.resolveInitialMode(ctx)
	log.Printf("wiki: service started in %s mode", s.mode)
	return s
}

func (s *Service) resolveInitialMode(ctx context.Context) Mode {
	forced := Mode(strings.TrimSpace(os.Getenv("WIKI_MODE")))
	switch forced {
	case ModeOnline:
		return ModeOnline
	case ModeOffline:
		if s.offlineUsable(ctx) {
			return ModeOffline
		}
		log.Printf("wiki: WIKI_MODE=offline but the local index is empty")
		return ModeOfflineUnavailable
	}

	if s.probe != nil && s.probe.Probe(ctx) {
		return ModeOnline
	}
	if s.offlineUsable(ctx) {
		return ModeOffline
	}
	log.Printf("wiki: neither online endpoint nor local index available, forcing online mode")
	return ModeOnline
}

func (s *Service) offlineUsable(ctx context.Context) bool {
	if s.offline == nil {
		return false
	}
	count, err := s.offline.Count(ctx)
	if err != nil {
		log.Printf("wiki: count local index: %v", err)
		return false
	}
	return count > 0
}

// Mode returns the current mode.
func (s *Service) Mode() Mode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mode
}

// Usable reports whether the service can answer searches at all.
func (s *Service) Usable() bool {
	return s.Mode() != ModeOfflineUnavailable
}

// SwitchMode re-checks the target mode's availability and mutates the
// current mode only when the check passes.
func (s *Service) SwitchMode(ctx context.Context, target Mode) error {
	switch target {
	case ModeOnline:
		if s.probe == nil || !s.probe.Probe(ctx) {
			return fmt.Errorf("%w: online endpoint unreachable", ErrModeUnavailable)
		}
	case ModeOffline:
		if !s.offlineUsable(ctx) {
			return fmt.Errorf("%w: local index is empty", ErrModeUnavailable)
		}
	default:
		return fmt.Errorf("%w: unknown mode %q", ErrModeUnavailable, target)
	}

	s.mu.Lock()
	s.mode = target
	s.mu.Unlock()
	log.Printf("wiki: switched to %s mode", target)
	return nil
}

// Search 按当前模式检索百科条目,结果按相关度降序排列。
func (s *Service) Search(ctx context.Context, query string, limit int) ([]Article, error) {
	if limit <= 0 {
		limit = 5
	}
	if s.Mode() == ModeOffline && s.offlineUsable(ctx) {
		return s.searchOffline(ctx, query, limit)
	}
	return s.searchOnline(ctx, query, limit)
}

func (s *Service) searchOffline(ctx context.Context, query string, limit int) ([]Article, error) {
	chunks, err := s.offline.Search(ctx, query, limit, 0)
	if err != nil {
		return nil, fmt.Errorf("wiki: offline search: %w", err)
	}
	results := make([]Article, 0, len(chunks))
	for _, chunk := range chunks {
		article := Article{
			Summary:   chunk.Text,
			Content:   chunk.Text,
			Relevance: chunk.Score,
			Source:    string(ModeOffline),
		}
		if title, ok := chunk.Metadata["title"].(string); ok {
			article.Title = title
		}
		results = append(results, article)
	}
	return results, nil
}

func (s *Service) searchOnline(ctx context.Context, query string, limit int) ([]Article, error) {
	hits, err := s.online.SearchTitles(ctx, query, limit)
	if err != nil {
		return nil, err
	}

	results := make([]Article, 0, len(hits))
	for _, hit := range hits {
		summary, err := s.online.Summary(ctx, hit.Title)
		if err != nil {
			log.Printf("wiki: summary for %q: %v", hit.Title, err)
			summary = hit.Snippet
		}
		content, err := s.online.Extract(ctx, hit.Title)
		if err != nil {
			log.Printf("wiki: extract for %q: %v", hit.Title, err)
		}
		categories, err := s.online.Categories(ctx, hit.Title)
		if err != nil {
			log.Printf("wiki: categories for %q: %v", hit.Title, err)
		}
		results = append(results, Article{
			Title:      hit.Title,
			Summary:    summary,
			Content:    content,
			Categories: categories,
			Relevance:  relevanceScore(query, hit.Title, summary, categories),
			Source:     string(ModeOnline),
		})
	}
	sortArticlesByRelevance(results)
	return results, nil
}

// relevanceScore hand-scores a hit: +10 when the query appears verbatim
// in the title, +2 per query word found in the summary, +1 per category
// sharing a word with the query. No normalization.
func relevanceScore(query, title, summary string, categories []string) float64 {
	score := 0.0
	if strings.Contains(strings.ToLower(title), strings.ToLower(query)) {
		score += 10
	}

	words := queryWords(query)
	summaryLower := strings.ToLower(summary)
	for _, word := range words {
		if strings.Contains(summaryLower, word) {
			score += 2
		}
	}
	for _, category := range categories {
		categoryLower := strings.ToLower(category)
		for _, word := range words {
			if strings.Contains(categoryLower, word) {
				score++
				break
			}
		}
	}
	return score
}

func queryWords(query string) []string {
	fields := strings.Fields(strings.ToLower(query))
	words := make([]string, 0, len(fields))
	for _, field := range fields {
		if field != "" {
			words = append(words, field)
		}
	}
	return words
}

func sortArticlesByRelevance(articles []Article) {
	sort.SliceStable(articles, func(i, j int) bool {
		return articles[i].Relevance > articles[j].Relevance
	})
}

// ArticleByTitle 按标题取回单篇条目。
func (s *Service) ArticleByTitle(ctx context.Context, title string) (*Article, error) {
	if s.Mode() == ModeOffline && s.offlineUsable(ctx) {
		// 离线索引没有结构化的标题过滤,用 title: 前缀拼查询近似。
		results, err := s.searchOffline(ctx, "title:"+title, 1)
		if err != nil {
			return nil, err
		}
		if len(results) == 0 {
			return nil, nil
		}
		article := results[0]
		if article.Title == "" {
			article.Title = title
		}
		return &article, nil
	}

	summary, err := s.online.Summary(ctx, title)
	if err != nil {
		return nil, err
	}
	content, err := s.online.Extract(ctx, title)
	if err != nil {
		log.Printf("wiki: extract for %q: %v", title, err)
	}
	categories, err := s.online.Categories(ctx, title)
	if err != nil {
		log.Printf("wiki: categories for %q: %v", title, err)
	}
	if summary == "" && content == "" {
		return nil, nil
	}
	return &Article{
		Title:      title,
		Summary:    summary,
		Content:    content,
		Categories: categories,
		Source:     string(s.Mode()),
	}, nil
}

// Stats 返回服务当前状态的概览。
func (s *Service) Stats(ctx context.Context) map[string]interface{} {
	mode := s.Mode()
	stats := map[string]interface{}{
		"service_type":   string(mode),
		"total_articles": 0,
		"database_size":  "unknown",
	}
	if mode == ModeOnline {
		stats["total_articles"] = -1
		stats["database_size"] = "remote"
		return stats
	}
	if s.offline != nil {
		count, err := s.offline.Count(ctx)
		if err == nil {
			stats["total_articles"] = count
			stats["database_size"] = fmt.Sprintf("~%d chunks", count)
		}
	}
	return stats
}

func modeDisplayName(mode Mode) string {
	switch mode {
	case ModeOnline:
		return "在线维基百科"
	case ModeOffline:
		return "离线维基百科"
	default:
		return "维基百科(不可用)"
	}
}

// KnowledgeBase 是面向对话链的薄封装,带一小时结果缓存。
type KnowledgeBase struct {
	service *Service
	cache   *resultCache
}

func NewKnowledgeBase(service *Service) *KnowledgeBase {
	return &KnowledgeBase{service: service, cache: newResultCache()}
}

func (k *KnowledgeBase) Service() *Service {
	return k.service
}

// Usable reports whether the underlying service can answer searches.
func (k *KnowledgeBase) Usable() bool {
	if k == nil {
		return false
	}
	return k.service.Usable()
}

// SearchKnowledge memoizes Search results per (query, limit) for the
// cache TTL.
func (k *KnowledgeBase) SearchKnowledge(ctx context.Context, query string, limit int) ([]Article, error) {
	if cached, ok := k.cache.Get(query, limit); ok {
		return cached, nil
	}
	results, err := k.service.Search(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	k.cache.Put(query, limit, results)
	return results, nil
}

// EnhancedContext appends up to three search results to the given
// context string under a section labelled with the current mode.
// When nothing matches the existing context comes back unchanged.
func (k *KnowledgeBase) EnhancedContext(ctx context.Context, query, existing string) string {
	results, err := k.SearchKnowledge(ctx, query, 3)
	if err != nil {
		log.Printf("wiki: enhanced context search: %v", err)
		return existing
	}
	if len(results) == 0 {
		return existing
	}

	var b strings.Builder
	b.WriteString(existing)
	if existing != "" {
		b.WriteString("\n\n")
	}
	b.WriteString(fmt.Sprintf("=== %s ===\n", modeDisplayName(k.service.Mode())))
	for i, article := range results {
		if i >= 3 {
			break
		}
		b.WriteString(fmt.Sprintf("%d. %s\n%s\n", i+1, article.Title, article.Summary))
	}
	return b.String()
}
