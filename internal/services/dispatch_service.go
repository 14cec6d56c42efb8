// internal/services/dispatch_service.go
package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Corphon/PersonaRelay/internal/config"
	apperrors "github.com/Corphon/PersonaRelay/internal/errors"
	"github.com/Corphon/PersonaRelay/internal/llm"
	"github.com/Corphon/PersonaRelay/internal/llm/providers/google"
	"github.com/Corphon/PersonaRelay/internal/llm/providers/openrouter"
	"github.com/Corphon/PersonaRelay/internal/models"
	"github.com/Corphon/PersonaRelay/internal/utils"
)

// DispatchRequest 一次人格对话调度的输入
type DispatchRequest struct {
	Persona            *models.Persona
	History            []models.Message
	UserMessage        string
	Mood               *models.MoodResult
	Snippets           []models.KnowledgeSnippet
	SituationalContext string
	// Preamble 放在系统提示之前的自由文本，例如内省模式说明
	Preamble string
}

// ChatDispatcher 每个供应商家族一个实现，返回统一的调度结果
type ChatDispatcher interface {
	// Chat 不返回 error，失败体现在 DispatchResult.Success 与 Error 上
	Chat(ctx context.Context, req DispatchRequest) models.DispatchResult

	// Generate 对原始提示走同一条回退链，供人格合成与知识提取使用
	Generate(ctx context.Context, systemPrompt, prompt string) (string, error)

	Vendor() string
}

// DispatcherProvider 根据调用方提供的凭据构造调度器
type DispatcherProvider interface {
	ForAPIKey(apiKey string) (ChatDispatcher, error)
}

// SelectVendor 按密钥格式选择供应商
func SelectVendor(apiKey string) string {
	if strings.HasPrefix(strings.TrimSpace(apiKey), google.KeyPrefix) {
		return google.Name
	}
	return openrouter.Name
}

// DispatchOptions 调度器的公共依赖
type DispatchOptions struct {
	AttemptTimeout   time.Duration
	RateLimitBackoff time.Duration
	Composer         *PromptComposer
	Safety           *SafetyGate
	Metrics          *utils.RelayMetrics
	Logger           *utils.Logger
}

// VendorDispatcher 在一个供应商的模型回退链上执行调度
//
// 未找到与超时：直接尝试下一个模型
// 限流或配额：等待固定退避时间后尝试下一个模型
// 其他错误：policy.ContinueOnError 决定继续还是立即停止
type VendorDispatcher struct {
	vendor   string
	provider llm.Provider
	policy   config.VendorConfig
	opts     DispatchOptions
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewVendorDispatcher 创建单个供应商的调度器
func NewVendorDispatcher(vendor string, provider llm.Provider, policy config.VendorConfig, opts DispatchOptions) *VendorDispatcher {
	if opts.AttemptTimeout <= 0 {
		opts.AttemptTimeout = 45 * time.Second
	}
	if opts.RateLimitBackoff < 0 || opts.RateLimitBackoff > config.MaxRateLimitBackoff {
		opts.RateLimitBackoff = config.MaxRateLimitBackoff
	}
	if opts.Composer == nil {
		opts.Composer = NewPromptComposer()
	}
	if opts.Safety == nil {
		opts.Safety = NewSafetyGate()
	}
	if opts.Logger == nil {
		opts.Logger = utils.NewNopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = utils.NewRelayMetrics(nil, opts.Logger)
	}
	return &VendorDispatcher{
		vendor:   vendor,
		provider: provider,
		policy:   policy,
		opts:     opts,
		sleep:    sleepContext,
	}
}

func (d *VendorDispatcher) Vendor() string {
	return d.vendor
}

func (d *VendorDispatcher) Chat(ctx context.Context, req DispatchRequest) models.DispatchResult {
	moodCode := models.MoodDefault
	if req.Mood != nil && req.Mood.Code.Valid() {
		moodCode = req.Mood.Code
	}

	if topic, blocked := d.opts.Safety.Check(req.UserMessage); blocked {
		d.opts.Metrics.RecordSafetyBlock()
		d.opts.Logger.Info("message declined by safety gate", utils.Fields{"topic": topic, "provider": d.vendor})
		return models.DispatchResult{
			Success:       true,
			Response:      DeclineMessage(topic),
			Mood:          moodCode,
			SafetyBlocked: true,
			Provider:      d.vendor,
		}
	}

	systemPrompt := d.opts.Composer.Compose(req.Persona, req.Mood, req.Snippets, req.SituationalContext)
	if preamble := strings.TrimSpace(req.Preamble); preamble != "" {
		systemPrompt = preamble + "\n\n" + systemPrompt
	}

	speakerID := ""
	if req.Persona != nil {
		speakerID = req.Persona.ID
	}

	resp, err := d.runChain(ctx, llm.ChatRequest{
		SystemPrompt: systemPrompt,
		Turns:        BuildTurns(req.History, speakerID, d.policy.HistoryLimit),
		UserMessage:  req.UserMessage,
		Temperature:  d.policy.Temperature,
		MaxTokens:    d.policy.MaxTokens,
	})
	if err != nil {
		return models.DispatchResult{
			Success:  false,
			Error:    err.Error(),
			Mood:     moodCode,
			Provider: d.vendor,
		}
	}

	return models.DispatchResult{
		Success:   true,
		Response:  resp.Text,
		Mood:      moodCode,
		Retrieved: len(req.Snippets) > 0,
		Model:     resp.ModelName,
		Provider:  d.vendor,
	}
}

func (d *VendorDispatcher) Generate(ctx context.Context, systemPrompt, prompt string) (string, error) {
	resp, err := d.runChain(ctx, llm.ChatRequest{
		SystemPrompt: systemPrompt,
		UserMessage:  prompt,
		Temperature:  d.policy.Temperature,
		MaxTokens:    d.policy.MaxTokens,
	})
	if err != nil {
		if llm.ClassifyError(err) == llm.ClassRateLimited {
			return "", apperrors.NewProviderTransientError("all models are rate limited", err)
		}
		return "", apperrors.NewProviderFatalError("all models failed", err)
	}
	return resp.Text, nil
}

// runChain 依次尝试回退链中的模型，返回第一个成功的响应或最后一个错误
func (d *VendorDispatcher) runChain(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	var lastErr error

attempts:
	for i, model := range d.policy.Models {
		if i > 0 {
			d.opts.Metrics.RecordFallback(d.vendor)
		}

		req.Model = model
		start := time.Now()
		attemptCtx, cancel := context.WithTimeout(ctx, d.opts.AttemptTimeout)
		resp, err := d.provider.SendChat(attemptCtx, req)
		cancel()

		if err == nil && (resp == nil || strings.TrimSpace(resp.Text) == "") {
			err = fmt.Errorf("model %s returned an empty response", model)
		}
		if err == nil {
			if resp.ModelName == "" {
				resp.ModelName = model
			}
			d.opts.Metrics.RecordProviderAttempt(d.vendor, model, "success", time.Since(start))
			return resp, nil
		}

		lastErr = err
		class := llm.ClassifyError(err)
		d.opts.Metrics.RecordProviderAttempt(d.vendor, model, string(class), time.Since(start))
		d.opts.Logger.Warn("model attempt failed", utils.Fields{
			"provider": d.vendor,
			"model":    model,
			"class":    string(class),
			"error":    err,
		})

		if ctx.Err() != nil {
			break
		}

		switch class {
		case llm.ClassNotFound, llm.ClassTimeout:
			continue
		case llm.ClassRateLimited:
			if i == len(d.policy.Models)-1 {
				continue
			}
			if err := d.sleep(ctx, d.opts.RateLimitBackoff); err != nil {
				break attempts
			}
			continue
		default:
			if !d.policy.ContinueOnError {
				break attempts
			}
		}
	}

	if lastErr == nil {
		lastErr = errors.New("no models configured")
	}
	d.opts.Metrics.RecordExhaustion(d.vendor)
	return nil, lastErr
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// BuildTurns 取最近 limit 条历史并映射为对话轮次
// 用户消息为 user；当前人格自己的消息（以及没有 persona_id 的旧记录）为 assistant；
// 其他人格的消息作为 user 轮次，并以 "[名字]: " 开头
func BuildTurns(history []models.Message, speakerID string, limit int) []llm.Turn {
	recent := models.RecentMessages(history, limit)
	turns := make([]llm.Turn, 0, len(recent))
	for _, msg := range recent {
		switch {
		case msg.SenderType == models.SenderUser:
			turns = append(turns, llm.Turn{Role: llm.RoleUser, Content: msg.Content})
		case msg.PersonaID == "" || msg.PersonaID == speakerID:
			turns = append(turns, llm.Turn{Role: llm.RoleAssistant, Content: msg.Content})
		default:
			name := msg.PersonaName
			if name == "" {
				name = "Another member"
			}
			turns = append(turns, llm.Turn{Role: llm.RoleUser, Content: "[" + name + "]: " + msg.Content})
		}
	}
	return turns
}

// DispatcherFactory 按请求构造调度器，凭据不跨请求保存
type DispatcherFactory struct {
	cfg  config.DispatchConfig
	opts DispatchOptions
}

// NewDispatcherFactory 创建调度器工厂
func NewDispatcherFactory(cfg config.DispatchConfig, metrics *utils.RelayMetrics, logger *utils.Logger) *DispatcherFactory {
	return &DispatcherFactory{
		cfg: cfg,
		opts: DispatchOptions{
			AttemptTimeout:   cfg.AttemptTimeout,
			RateLimitBackoff: cfg.RateLimitBackoff,
			Composer:         NewPromptComposer(),
			Safety:           NewSafetyGate(),
			Metrics:          metrics,
			Logger:           logger,
		},
	}
}

// ForAPIKey 根据密钥格式选择供应商
func (f *DispatcherFactory) ForAPIKey(apiKey string) (ChatDispatcher, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, apperrors.NewValidationError("api_key is required", nil)
	}
	return f.ForVendor(SelectVendor(apiKey), apiKey)
}

// ForVendor 使用指定供应商
func (f *DispatcherFactory) ForVendor(vendor, apiKey string) (ChatDispatcher, error) {
	policy, ok := f.cfg.Vendor(vendor)
	if !ok {
		return nil, apperrors.NewValidationError(fmt.Sprintf("unknown vendor %q", vendor), nil)
	}

	provider, err := llm.GetProvider(vendor, map[string]string{
		"api_key":      apiKey,
		"base_url":     policy.BaseURL,
		"http_referer": f.cfg.Referer,
		"app_name":     f.cfg.Title,
	})
	if err != nil {
		return nil, apperrors.NewValidationError("cannot initialize provider "+vendor, err)
	}

	if f.opts.Logger != nil {
		f.opts.Logger.Debug("dispatcher created", utils.Fields{
			"provider": vendor,
			"key":      utils.KeyFingerprint(apiKey),
		})
	}
	return NewVendorDispatcher(vendor, provider, policy, f.opts), nil
}
