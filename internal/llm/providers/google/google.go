// internal/llm/providers/google/google.go
package google

import (
	"context"
	"errors"
	"strings"

	"google.golang.org/genai"

	"github.com/Corphon/PersonaRelay/internal/llm"
)

// Name 注册名称
const Name = "google"

// KeyPrefix Google AI Studio 密钥的固定前缀
const KeyPrefix = "AIzaSy"

func init() {
	llm.Register(Name, func() llm.Provider {
		return &Provider{
			models: []string{
				"gemini-2.0-flash-exp",
				"gemini-1.5-flash",
				"gemini-1.5-pro",
			},
		}
	})
}

// Provider 通过 genai 聊天会话访问 Gemini
type Provider struct {
	apiKey       string
	baseURL      string
	defaultModel string
	models       []string
}

func (p *Provider) Initialize(config map[string]string) error {
	apiKey := strings.TrimSpace(config["api_key"])
	if apiKey == "" {
		return errors.New("Google API key not configured")
	}
	p.apiKey = apiKey

	if model := config["default_model"]; model != "" {
		p.defaultModel = model
	} else {
		p.defaultModel = p.models[0]
	}
	p.baseURL = config["base_url"]
	return nil
}

func (p *Provider) GetName() string {
	return Name
}

func (p *Provider) GetSupportedModels() []string {
	return p.models
}

// buildHistory 将通用轮次转换为 genai 内容，助手轮次映射为 model 角色
func buildHistory(turns []llm.Turn) []*genai.Content {
	history := make([]*genai.Content, 0, len(turns))
	for _, turn := range turns {
		var role genai.Role = genai.RoleUser
		if turn.Role == llm.RoleAssistant {
			role = genai.RoleModel
		}
		history = append(history, genai.NewContentFromText(turn.Content, role))
	}
	return history
}

func buildConfig(req llm.ChatRequest) *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{}
	if req.SystemPrompt != "" {
		config.SystemInstruction = genai.NewContentFromText(req.SystemPrompt, genai.RoleUser)
	}
	if req.Temperature > 0 {
		temperature := float32(req.Temperature)
		config.Temperature = &temperature
	}
	if req.MaxTokens > 0 {
		config.MaxOutputTokens = int32(req.MaxTokens)
	}
	return config
}

func (p *Provider) SendChat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	clientConfig := &genai.ClientConfig{
		APIKey:  p.apiKey,
		Backend: genai.BackendGeminiAPI,
	}
	if p.baseURL != "" {
		clientConfig.HTTPOptions = genai.HTTPOptions{BaseURL: p.baseURL}
	}
	client, err := genai.NewClient(ctx, clientConfig)
	if err != nil {
		return nil, err
	}

	chat, err := client.Chats.Create(ctx, model, buildConfig(req), buildHistory(req.Turns))
	if err != nil {
		return nil, err
	}

	res, err := chat.SendMessage(ctx, genai.Part{Text: req.UserMessage})
	if err != nil {
		return nil, err
	}

	text := responseText(res)
	if text == "" {
		// 安全过滤等原因导致没有候选内容
		reason := "empty response"
		if res.PromptFeedback != nil && res.PromptFeedback.BlockReason != "" {
			reason = "blocked: " + string(res.PromptFeedback.BlockReason)
		}
		return nil, &llm.ProviderError{Provider: Name, Model: model, Message: "Gemini returned no content (" + reason + ")"}
	}

	finish := ""
	if len(res.Candidates) > 0 {
		finish = string(res.Candidates[0].FinishReason)
	}
	tokens := 0
	if res.UsageMetadata != nil {
		tokens = int(res.UsageMetadata.TotalTokenCount)
	}

	return &llm.ChatResponse{
		Text:         text,
		FinishReason: finish,
		TokensUsed:   tokens,
		ModelName:    model,
		ProviderName: Name,
	}, nil
}

// responseText 拼接第一个候选的全部文本片段
func responseText(res *genai.GenerateContentResponse) string {
	if res == nil || len(res.Candidates) == 0 || res.Candidates[0].Content == nil {
		return ""
	}
	var sb strings.Builder
	for _, part := range res.Candidates[0].Content.Parts {
		if part != nil && !part.Thought {
			sb.WriteString(part.Text)
		}
	}
	return sb.String()
}
