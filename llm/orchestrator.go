package llm

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"gorm.io/gorm"

	"omnisage_back/knowledge"
	"omnisage_back/wiki"
)

const (
	defaultRetrievalTopK      = 5
	defaultRetrievalThreshold = 0.3
	historyReplayLimit        = 20
	conversationTitleRunes    = 30
)

// KnowledgeSource is the slice of the knowledge-base manager the
// orchestrator consumes. *knowledge.Manager satisfies it.
type KnowledgeSource interface {
	HasActiveBases(ctx context.Context, userID uint) bool
	Retrieve(ctx context.Context, userID uint, query string, topK int, scoreThreshold float64, useReranker bool) ([]knowledge.ScoredChunk, error)
}

// WikiSource is the cached encyclopedic search the orchestrator falls
// back to. *wiki.KnowledgeBase satisfies it.
type WikiSource interface {
	Usable() bool
	SearchKnowledge(ctx context.Context, query string, limit int) ([]wiki.Article, error)
}

// ChatRequest 为一次对话/生成请求的完整参数。
type ChatRequest struct {
	ConversationID uint64  `json:"conversation_id"`
	Message        string  `json:"message" binding:"required"`
	Mode           string  `json:"mode"`
	UseRAG         bool    `json:"use_rag"`
	UseWiki        bool    `json:"use_wiki"`
	UseReranker    bool    `json:"use_reranker"`
	ChainType      string  `json:"chain_type"`
	Prompt         string  `json:"prompt"`
	TopK           int     `json:"top_k"`
	ScoreThreshold float64 `json:"score_threshold"`
}

// ProcessMessage answers a request as a lazily-emitted fragment stream
// and returns the conversation the exchange was recorded under, so a
// first turn surfaces the freshly created ID to the caller. Parse and
// retrieval-setup failures are returned before any fragment; failures
// after streaming has begun surface as a single terminal fragment
// prefixed "❌ " and the stream ends cleanly. Conversation history is
// persisted only after the stream is fully drained, so a cancelled
// stream writes nothing and the returned ID falls back to the request's.
func (m *Module) ProcessMessage(ctx context.Context, userID uint64, req ChatRequest, emit func(string) error) (uint64, error) {
	message := strings.TrimSpace(req.Message)
	if message == "" {
		return 0, errors.New("llm: message cannot be empty")
	}
	req.Message = message

	mode := strings.TrimSpace(req.Mode)
	if mode == "" {
		mode = "chat"
	}
	if mode != "chat" && mode != "generate" {
		return 0, fmt.Errorf("llm: unknown mode %q", mode)
	}

	chain, err := ParseChainType(req.ChainType)
	if err != nil {
		return 0, err
	}
	prompt, err := ParsePromptName(req.Prompt)
	if err != nil {
		return 0, err
	}

	// 勾选百科即默认走检索。
	if req.UseWiki && !req.UseRAG {
		req.UseRAG = true
	}
	if req.TopK <= 0 {
		req.TopK = defaultRetrievalTopK
	}
	if req.ScoreThreshold <= 0 {
		req.ScoreThreshold = defaultRetrievalThreshold
	}

	client := m.clientForUser(ctx, userID)
	emitter := newFragmentEmitter(emit)

	var result ChatResult
	var runErr error

	switch {
	case req.UseRAG:
		docs, aliased, retrieveErr := m.retrieveDocs(ctx, userID, req)
		if retrieveErr != nil {
			return 0, retrieveErr
		}
		if aliased {
			// 百科检索路径统一走 stuff 组合。
			chain = ChainStuff
		}
		result, runErr = chainRunners[chain](ctx, client, docs, message, emitter)
	case mode == "generate":
		promptText := generatePromptFor(prompt, message)
		result, runErr = client.ChatStream(ctx, []ChatMessage{{Role: "user", Content: promptText}}, emitter.OnDelta)
	default:
		messages, historyErr := m.chatMessages(ctx, userID, req.ConversationID, prompt, message)
		if historyErr != nil {
			return 0, historyErr
		}
		result, runErr = client.ChatStream(ctx, messages, emitter.OnDelta)
	}

	if runErr != nil {
		if sendErr := emit("❌ " + runErr.Error()); sendErr != nil {
			return req.ConversationID, sendErr
		}
		return req.ConversationID, nil
	}
	if err := emitter.Finish(); err != nil {
		return req.ConversationID, err
	}

	answer := strings.TrimSpace(result.Content)
	if answer == "" {
		answer = strings.TrimSpace(emitter.Answer())
	}
	reasoning := strings.TrimSpace(result.Reasoning)
	if reasoning == "" {
		reasoning = strings.TrimSpace(emitter.Reasoning())
	}

	conversationID := req.ConversationID
	if answer != "" {
		persisted, err := m.persistExchange(ctx, userID, req.ConversationID, message, answer, reasoning, result.Usage)
		if err != nil {
			log.Printf("llm: persist chat history: %v", err)
		} else if persisted > 0 {
			conversationID = persisted
		}
	}
	return conversationID, nil
}

// retrieveDocs picks the retrieval source: encyclopedic service when
// requested and usable, otherwise the caller's knowledge-base union.
// The second return reports that the encyclopedic path was taken.
func (m *Module) retrieveDocs(ctx context.Context, userID uint64, req ChatRequest) ([]retrievedDoc, bool, error) {
	if req.UseWiki && m.wiki != nil && m.wiki.Usable() {
		articles, err := m.wiki.SearchKnowledge(ctx, req.Message, req.TopK)
		if err != nil {
			return nil, false, fmt.Errorf("llm: encyclopedia retrieval: %w", err)
		}
		docs := make([]retrievedDoc, 0, len(articles))
		for _, article := range articles {
			text := strings.TrimSpace(article.Content)
			if text == "" {
				text = strings.TrimSpace(article.Summary)
			}
			if article.Title != "" {
				text = article.Title + "\n" + text
			}
			if text == "" {
				continue
			}
			docs = append(docs, retrievedDoc{Text: text, Score: article.Relevance})
		}
		return docs, true, nil
	}

	if m.knowledge != nil && m.knowledge.HasActiveBases(ctx, uint(userID)) {
		chunks, err := m.knowledge.Retrieve(ctx, uint(userID), req.Message, req.TopK, req.ScoreThreshold, req.UseReranker)
		if err != nil {
			return nil, false, fmt.Errorf("llm: knowledge retrieval: %w", err)
		}
		docs := make([]retrievedDoc, 0, len(chunks))
		for _, chunk := range chunks {
			if strings.TrimSpace(chunk.Text) == "" {
				continue
			}
			docs = append(docs, retrievedDoc{Text: chunk.Text, Score: chunk.Score})
		}
		return docs, false, nil
	}

	return nil, false, knowledge.ErrRetrievalUnavailable
}

// chatMessages assembles the prompt for plain chat mode: an optional
// named system prompt, the recent history, then the new user turn.
// chat_default 不附加系统提示词,直接重放历史。
func (m *Module) chatMessages(ctx context.Context, userID, conversationID uint64, prompt PromptName, message string) ([]ChatMessage, error) {
	messages := make([]ChatMessage, 0, historyReplayLimit+2)
	if system := systemPromptFor(prompt); system != "" {
		messages = append(messages, ChatMessage{Role: "system", Content: system})
	}

	if conversationID > 0 {
		history, err := m.recentHistory(ctx, userID, conversationID)
		if err != nil {
			return nil, err
		}
		for _, item := range history {
			role := strings.ToLower(strings.TrimSpace(item.Role))
			if role != "user" && role != "assistant" && role != "system" {
				continue
			}
			messages = append(messages, ChatMessage{Role: role, Content: item.Content})
		}
	}

	messages = append(messages, ChatMessage{Role: "user", Content: message})
	return messages, nil
}

// recentHistory reads the conversation tail, preferring the short-lived
// cache over the database.
func (m *Module) recentHistory(ctx context.Context, userID, conversationID uint64) ([]ChatHistory, error) {
	if cached, err := m.cache.get(ctx, conversationID); err == nil {
		return cached, nil
	}

	var history []ChatHistory
	if err := m.db.WithContext(ctx).
		Where("conversation_id = ? AND user_id = ?", conversationID, userID).
		Order("id DESC").
		Limit(historyReplayLimit).
		Find(&history).Error; err != nil {
		return nil, fmt.Errorf("llm: load history: %w", err)
	}
	for i, j := 0, len(history)-1; i < j; i, j = i+1, j-1 {
		history[i], history[j] = history[j], history[i]
	}

	m.cache.store(ctx, conversationID, history)
	return history, nil
}

// persistExchange writes the user turn and the drained assistant reply
// in one transaction, creating the conversation when needed, and
// returns the conversation the turns landed in.
func (m *Module) persistExchange(ctx context.Context, userID, conversationID uint64, message, answer, reasoning string, usage *ChatUsage) (uint64, error) {
	if m.db == nil {
		return 0, nil
	}

	now := time.Now().UTC()
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var conv Conversation
		if conversationID > 0 {
			if err := tx.Where("id = ? AND user_id = ?", conversationID, userID).Take(&conv).Error; err != nil {
				if !errors.Is(err, gorm.ErrRecordNotFound) {
					return err
				}
				conversationID = 0
			}
		}
		if conversationID == 0 {
			conv = Conversation{
				UserID:    userID,
				Title:     conversationTitle(message),
				LastMsgAt: now,
			}
			if err := tx.Create(&conv).Error; err != nil {
				return err
			}
			conversationID = conv.ID
		} else {
			if err := tx.Model(&Conversation{}).Where("id = ?", conv.ID).Update("last_msg_at", now).Error; err != nil {
				return err
			}
		}

		userTurn := ChatHistory{
			ConversationID: conversationID,
			UserID:         userID,
			Role:           "user",
			Content:        message,
		}
		if err := tx.Create(&userTurn).Error; err != nil {
			return err
		}

		assistantTurn := ChatHistory{
			ConversationID: conversationID,
			UserID:         userID,
			Role:           "assistant",
			Content:        answer,
			Reasoning:      reasoning,
		}
		if usage != nil {
			assistantTurn.TokenInput = intPointerIfPositive(usage.PromptTokens)
			assistantTurn.TokenOutput = intPointerIfPositive(usage.CompletionTokens)
		}
		return tx.Create(&assistantTurn).Error
	})
	if err != nil {
		return 0, err
	}

	m.cache.invalidate(ctx, conversationID)
	return conversationID, nil
}

func conversationTitle(message string) string {
	runes := []rune(strings.TrimSpace(message))
	if len(runes) > conversationTitleRunes {
		runes = runes[:conversationTitleRunes]
	}
	return string(runes)
}

// intPointerIfPositive 当值大于零时返回对应指针。
func intPointerIfPositive(value int) *int {
	if value <= 0 {
		return nil
	}
	v := value
	return &v
}
