package llm

import (
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"strings"
)

// ChatModelOption 描述可选的聊天模型及能力标签。
type ChatModelOption struct {
	Provider     string   `json:"provider"`
	Name         string   `json:"name"`
	DisplayName  string   `json:"display_name"`
	Description  string   `json:"description,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	Recommended  bool     `json:"recommended,omitempty"`
}

var defaultChatModelCatalog = []ChatModelOption{
	{
		Provider:     "openai",
		Name:         "deepseek-r1",
		DisplayName:  "DeepSeek R1",
		Description:  "默认推理模型,思考过程通过 reasoning_content 通道流式返回。",
		Capabilities: []string{"chat", "stream", "reasoning"},
		Recommended:  true,
	},
	{
		Provider:     "openai",
		Name:         "deepseek-v3",
		DisplayName:  "DeepSeek V3",
		Description:  "通用对话模型,响应速度快,适合日常问答与知识库检索。",
		Capabilities: []string{"chat", "stream"},
	},
	{
		Provider:     "openai",
		Name:         "qwen3-max",
		DisplayName:  "Qwen 3 Max",
		Description:  "多语言表现优秀,擅长长文本理解与生成任务。",
		Capabilities: []string{"chat", "multilingual"},
	},
}

// loadChatModelCatalog 加载模型目录(支持环境变量覆盖)。
func loadChatModelCatalog() []ChatModelOption {
	if catalog := loadChatModelCatalogFromEnv(); len(catalog) > 0 {
		return catalog
	}
	return append([]ChatModelOption(nil), defaultChatModelCatalog...)
}

// loadChatModelCatalogFromEnv 从环境变量或文件读取模型目录。
func loadChatModelCatalogFromEnv() []ChatModelOption {
	rawInline := strings.TrimSpace(os.Getenv("LLM_MODEL_CATALOG"))
	if rawInline != "" {
		if catalog := parseModelCatalogJSON(rawInline); len(catalog) > 0 {
			return catalog
		}
		log.Printf("llm: failed to parse LLM_MODEL_CATALOG override")
	}

	rawPath := strings.TrimSpace(os.Getenv("LLM_MODEL_CATALOG_FILE"))
	if rawPath != "" {
		data, err := os.ReadFile(filepath.Clean(rawPath))
		if err != nil {
			log.Printf("llm: read LLM_MODEL_CATALOG_FILE failed: %v", err)
		} else if catalog := parseModelCatalogJSON(string(data)); len(catalog) > 0 {
			return catalog
		} else {
			log.Printf("llm: failed to parse catalog file %s", rawPath)
		}
	}

	return nil
}

func parseModelCatalogJSON(raw string) []ChatModelOption {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil
	}

	var wrapped struct {
		Models []ChatModelOption `json:"models"`
	}
	if err := json.Unmarshal([]byte(trimmed), &wrapped); err == nil && len(wrapped.Models) > 0 {
		return normalizeModelCatalog(wrapped.Models)
	}

	var list []ChatModelOption
	if err := json.Unmarshal([]byte(trimmed), &list); err == nil && len(list) > 0 {
		return normalizeModelCatalog(list)
	}

	return nil
}

func normalizeModelCatalog(list []ChatModelOption) []ChatModelOption {
	if len(list) == 0 {
		return nil
	}

	result := make([]ChatModelOption, 0, len(list))
	seen := make(map[string]struct{}, len(list))

	for _, item := range list {
		provider := strings.TrimSpace(item.Provider)
		name := strings.TrimSpace(item.Name)
		if provider == "" || name == "" {
			continue
		}

		key := strings.ToLower(provider) + "|" + strings.ToLower(name)
		if _, exists := seen[key]; exists {
			continue
		}
		seen[key] = struct{}{}

		option := ChatModelOption{
			Provider:     provider,
			Name:         name,
			DisplayName:  strings.TrimSpace(item.DisplayName),
			Description:  strings.TrimSpace(item.Description),
			Capabilities: normalizeCapabilities(item.Capabilities),
			Recommended:  item.Recommended,
		}
		if option.DisplayName == "" {
			option.DisplayName = name
		}

		result = append(result, option)
	}

	return result
}

func normalizeCapabilities(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	result := make([]string, 0, len(values))
	seen := make(map[string]struct{}, len(values))
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			continue
		}
		lowered := strings.ToLower(trimmed)
		if _, exists := seen[lowered]; exists {
			continue
		}
		seen[lowered] = struct{}{}
		result = append(result, trimmed)
	}
	if len(result) == 0 {
		return nil
	}
	return result
}
