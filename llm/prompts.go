package llm

import (
	"fmt"
	"strings"
)

// PromptName 标识一套预置提示词模板。
type PromptName string

const (
	PromptChatDefault      PromptName = "chat_default"
	PromptChatCreative     PromptName = "chat_creative"
	PromptChatProfessional PromptName = "chat_professional"
	PromptGenerateDefault  PromptName = "generate_default"
	PromptGenerateSummary  PromptName = "generate_summary"
	PromptRAGDefault       PromptName = "rag_default"
	PromptRAGEmpty         PromptName = "rag_empty"
)

// UnknownPromptError reports a prompt name outside the closed set.
type UnknownPromptError struct {
	Name string
}

func (e *UnknownPromptError) Error() string {
	return fmt.Sprintf("llm: unknown prompt name %q", e.Name)
}

var promptNames = map[PromptName]struct{}{
	PromptChatDefault:      {},
	PromptChatCreative:     {},
	PromptChatProfessional: {},
	PromptGenerateDefault:  {},
	PromptGenerateSummary:  {},
	PromptRAGDefault:       {},
	PromptRAGEmpty:         {},
}

// ParsePromptName 校验提示词名称;空值按聊天默认处理。
func ParsePromptName(raw string) (PromptName, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return PromptChatDefault, nil
	}
	name := PromptName(trimmed)
	if _, ok := promptNames[name]; !ok {
		return "", &UnknownPromptError{Name: trimmed}
	}
	return name, nil
}

// PromptNames lists the supported prompt names in a stable order.
func PromptNames() []string {
	return []string{
		string(PromptChatDefault),
		string(PromptChatCreative),
		string(PromptChatProfessional),
		string(PromptGenerateDefault),
		string(PromptGenerateSummary),
		string(PromptRAGDefault),
		string(PromptRAGEmpty),
	}
}

var systemPrompts = map[PromptName]string{
	PromptChatCreative:     "你是一位想象力丰富的助手,乐于提出新颖的角度和表达方式,回答时保持生动有趣。",
	PromptChatProfessional: "你是一位严谨的专业顾问,回答需条理清晰、依据明确,避免主观臆断。",
}

var generatePrompts = map[PromptName]string{
	PromptGenerateDefault: "请根据以下要求生成内容:\n\n%s",
	PromptGenerateSummary: "请对以下内容进行简洁准确的总结,保留关键信息:\n\n%s",
}

// systemPromptFor 返回聊天模式下的系统提示词,chat_default 不附加。
func systemPromptFor(name PromptName) string {
	return systemPrompts[name]
}

// generatePromptFor 将用户输入套入生成模板。
func generatePromptFor(name PromptName, input string) string {
	template, ok := generatePrompts[name]
	if !ok {
		template = generatePrompts[PromptGenerateDefault]
	}
	return fmt.Sprintf(template, input)
}

// ragPrompt 构造带检索资料的问答提示词;资料为空时退回 rag_empty。
func ragPrompt(contextText, question string) string {
	trimmed := strings.TrimSpace(contextText)
	if trimmed == "" {
		return fmt.Sprintf("没有检索到与问题相关的资料。请基于自身知识谨慎回答,并明确说明资料不足。\n\n问题:%s", question)
	}
	return fmt.Sprintf("请根据下面提供的资料回答问题。如果资料不足以回答,请明确说明。\n\n资料:\n%s\n\n问题:%s", trimmed, question)
}
