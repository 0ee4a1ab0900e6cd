package llm

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// ChainType 标识文档组合策略。
type ChainType string

const (
	ChainStuff     ChainType = "stuff"
	ChainMapReduce ChainType = "map_reduce"
	ChainRefine    ChainType = "refine"
	ChainMapRerank ChainType = "map_rerank"
)

// UnknownChainTypeError reports a chain type outside the closed set.
type UnknownChainTypeError struct {
	Name string
}

func (e *UnknownChainTypeError) Error() string {
	return fmt.Sprintf("llm: unknown chain type %q", e.Name)
}

// ParseChainType 校验链类型;空值按 stuff 处理。
func ParseChainType(raw string) (ChainType, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ChainStuff, nil
	}
	chain := ChainType(trimmed)
	if _, ok := chainRunners[chain]; !ok {
		return "", &UnknownChainTypeError{Name: trimmed}
	}
	return chain, nil
}

// ChainTypes lists the supported chain types in a stable order.
func ChainTypes() []string {
	return []string{
		string(ChainStuff),
		string(ChainMapReduce),
		string(ChainRefine),
		string(ChainMapRerank),
	}
}

// retrievedDoc 为检索到的一段资料。
type retrievedDoc struct {
	Text  string
	Score float64
}

// chainRunner answers a question over the retrieved documents, streaming
// the final completion through the emitter.
type chainRunner func(ctx context.Context, client *ChatClient, docs []retrievedDoc, question string, emitter *fragmentEmitter) (ChatResult, error)

var chainRunners = map[ChainType]chainRunner{
	ChainStuff:     runStuffChain,
	ChainMapReduce: runMapReduceChain,
	ChainRefine:    runRefineChain,
	ChainMapRerank: runMapRerankChain,
}

func joinDocs(docs []retrievedDoc) string {
	parts := make([]string, 0, len(docs))
	for _, doc := range docs {
		if text := strings.TrimSpace(doc.Text); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, "\n\n")
}

// runStuffChain 把全部资料塞进单个提示词,一次流式作答。
func runStuffChain(ctx context.Context, client *ChatClient, docs []retrievedDoc, question string, emitter *fragmentEmitter) (ChatResult, error) {
	prompt := ragPrompt(joinDocs(docs), question)
	return client.ChatStream(ctx, []ChatMessage{{Role: "user", Content: prompt}}, emitter.OnDelta)
}

// runMapReduceChain 先逐段提炼要点,再汇总流式作答。
func runMapReduceChain(ctx context.Context, client *ChatClient, docs []retrievedDoc, question string, emitter *fragmentEmitter) (ChatResult, error) {
	summaries := make([]retrievedDoc, 0, len(docs))
	for _, doc := range docs {
		text := strings.TrimSpace(doc.Text)
		if text == "" {
			continue
		}
		prompt := fmt.Sprintf("请从下面的资料中提取与问题相关的要点。如果没有相关内容,回答\"无\"。\n\n资料:\n%s\n\n问题:%s", text, question)
		result, err := client.Chat(ctx, []ChatMessage{{Role: "user", Content: prompt}})
		if err != nil {
			return ChatResult{}, fmt.Errorf("llm: map step: %w", err)
		}
		summary := strings.TrimSpace(result.Content)
		if summary == "" || summary == "无" {
			continue
		}
		summaries = append(summaries, retrievedDoc{Text: summary, Score: doc.Score})
	}
	return runStuffChain(ctx, client, summaries, question, emitter)
}

// runRefineChain 用第一段资料得到初稿,逐段修订,最后一段流式输出。
func runRefineChain(ctx context.Context, client *ChatClient, docs []retrievedDoc, question string, emitter *fragmentEmitter) (ChatResult, error) {
	nonEmpty := make([]retrievedDoc, 0, len(docs))
	for _, doc := range docs {
		if strings.TrimSpace(doc.Text) != "" {
			nonEmpty = append(nonEmpty, doc)
		}
	}
	if len(nonEmpty) <= 1 {
		return runStuffChain(ctx, client, nonEmpty, question, emitter)
	}

	prompt := ragPrompt(nonEmpty[0].Text, question)
	result, err := client.Chat(ctx, []ChatMessage{{Role: "user", Content: prompt}})
	if err != nil {
		return ChatResult{}, fmt.Errorf("llm: initial draft: %w", err)
	}
	draft := result.Content

	refinePrompt := func(doc retrievedDoc) string {
		return fmt.Sprintf("已有回答:\n%s\n\n补充资料:\n%s\n\n请结合补充资料修订回答。若资料无助于回答,保持原回答不变。\n\n问题:%s", draft, doc.Text, question)
	}

	for _, doc := range nonEmpty[1 : len(nonEmpty)-1] {
		result, err := client.Chat(ctx, []ChatMessage{{Role: "user", Content: refinePrompt(doc)}})
		if err != nil {
			return ChatResult{}, fmt.Errorf("llm: refine step: %w", err)
		}
		if refined := strings.TrimSpace(result.Content); refined != "" {
			draft = refined
		}
	}

	last := nonEmpty[len(nonEmpty)-1]
	return client.ChatStream(ctx, []ChatMessage{{Role: "user", Content: refinePrompt(last)}}, emitter.OnDelta)
}

// runMapRerankChain 每段独立作答并自评分,取最高分答案输出。
func runMapRerankChain(ctx context.Context, client *ChatClient, docs []retrievedDoc, question string, emitter *fragmentEmitter) (ChatResult, error) {
	type scoredAnswer struct {
		answer string
		score  float64
	}
	answers := make([]scoredAnswer, 0, len(docs))

	for _, doc := range docs {
		text := strings.TrimSpace(doc.Text)
		if text == "" {
			continue
		}
		prompt := fmt.Sprintf("仅依据下面的资料回答问题,并在最后单独一行以\"评分:<0-100>\"给出资料对问题的支持程度。\n\n资料:\n%s\n\n问题:%s", text, question)
		result, err := client.Chat(ctx, []ChatMessage{{Role: "user", Content: prompt}})
		if err != nil {
			return ChatResult{}, fmt.Errorf("llm: rerank step: %w", err)
		}
		answer, score := splitSelfScore(result.Content)
		if answer == "" {
			continue
		}
		answers = append(answers, scoredAnswer{answer: answer, score: score})
	}

	if len(answers) == 0 {
		return runStuffChain(ctx, client, nil, question, emitter)
	}

	sort.SliceStable(answers, func(i, j int) bool {
		return answers[i].score > answers[j].score
	})

	best := answers[0].answer
	if err := emitter.EmitContent(best); err != nil {
		return ChatResult{}, err
	}
	return ChatResult{Content: best}, nil
}

// splitSelfScore 剥离末尾的自评分行。
func splitSelfScore(answer string) (string, float64) {
	lines := strings.Split(strings.TrimSpace(answer), "\n")
	score := 0.0
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		for _, prefix := range []string{"评分:", "评分：", "Score:", "score:"} {
			if strings.HasPrefix(line, prefix) {
				raw := strings.TrimSpace(strings.TrimPrefix(line, prefix))
				if parsed, err := strconv.ParseFloat(raw, 64); err == nil {
					score = parsed
				}
				lines = append(lines[:i], lines[i+1:]...)
				return strings.TrimSpace(strings.Join(lines, "\n")), score
			}
		}
		break
	}
	return strings.TrimSpace(answer), score
}
