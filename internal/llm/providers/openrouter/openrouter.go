// internal/llm/providers/openrouter/openrouter.go
package openrouter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/Corphon/PersonaRelay/internal/llm"
)

// Name 注册名称
const Name = "openrouter"

func init() {
	llm.Register(Name, func() llm.Provider {
		return &Provider{
			recommendedModels: []string{
				"openai/gpt-3.5-turbo",
				"google/gemma-7b-it:free",
				"anthropic/claude-3.5-sonnet",
			},
			baseURL: "https://openrouter.ai/api/v1",
		}
	})
}

// Provider OpenAI 兼容的 OpenRouter 客户端
type Provider struct {
	apiKey            string
	baseURL           string
	client            *http.Client
	defaultModel      string
	recommendedModels []string
	httpReferer       string // 请求来源
	appName           string // 应用名称
}

func (p *Provider) Initialize(config map[string]string) error {
	apiKey := strings.TrimSpace(config["api_key"])
	if apiKey == "" {
		return errors.New("OpenRouter API key not configured")
	}

	p.apiKey = apiKey
	// 超时由调用方的 context 控制
	p.client = &http.Client{}

	if model := config["default_model"]; model != "" {
		p.defaultModel = model
	} else {
		p.defaultModel = p.recommendedModels[0]
	}

	if baseURL := config["base_url"]; baseURL != "" {
		p.baseURL = strings.TrimRight(baseURL, "/")
	}

	p.appName = config["app_name"]
	if p.appName == "" {
		p.appName = "PersonaRelay"
	}
	p.httpReferer = config["http_referer"]
	if p.httpReferer == "" {
		p.httpReferer = "https://personarelay.app"
	}

	return nil
}

func (p *Provider) GetName() string {
	return Name
}

func (p *Provider) GetSupportedModels() []string {
	return p.recommendedModels
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
	Model string `json:"model"` // OpenRouter返回实际使用的模型
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// buildMessages 系统提示在前，历史轮次其次，本轮用户消息最后
func buildMessages(req llm.ChatRequest) []chatMessage {
	messages := make([]chatMessage, 0, len(req.Turns)+2)
	if req.SystemPrompt != "" {
		messages = append(messages, chatMessage{Role: "system", Content: req.SystemPrompt})
	}
	for _, turn := range req.Turns {
		role := "user"
		if turn.Role == llm.RoleAssistant {
			role = "assistant"
		}
		messages = append(messages, chatMessage{Role: role, Content: turn.Content})
	}
	return append(messages, chatMessage{Role: "user", Content: req.UserMessage})
}

func (p *Provider) SendChat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	jsonData, err := json.Marshal(chatCompletionRequest{
		Model:       model,
		Messages:    buildMessages(req),
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	httpReq.Header.Set("HTTP-Referer", p.httpReferer)
	httpReq.Header.Set("X-Title", p.appName)

	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(httpResp.Body, 4096))
		return nil, &llm.ProviderError{
			Provider:   Name,
			Model:      model,
			StatusCode: httpResp.StatusCode,
			Message:    strings.TrimSpace(string(body)),
		}
	}

	var response chatCompletionResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&response); err != nil {
		return nil, err
	}

	// OpenRouter 有时以 200 返回上游错误
	if response.Error != nil {
		return nil, &llm.ProviderError{
			Provider:   Name,
			Model:      model,
			StatusCode: response.Error.Code,
			Message:    response.Error.Message,
		}
	}
	if len(response.Choices) == 0 || strings.TrimSpace(response.Choices[0].Message.Content) == "" {
		return nil, &llm.ProviderError{Provider: Name, Model: model, Message: "OpenRouter returned no choices"}
	}

	modelName := response.Model
	if modelName == "" {
		modelName = model
	}
	return &llm.ChatResponse{
		Text:         response.Choices[0].Message.Content,
		FinishReason: response.Choices[0].FinishReason,
		TokensUsed:   response.Usage.TotalTokens,
		ModelName:    modelName,
		ProviderName: Name,
	}, nil
}
