package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Corphon/PersonaRelay/internal/config"
	apperrors "github.com/Corphon/PersonaRelay/internal/errors"
	"github.com/Corphon/PersonaRelay/internal/llm"
	"github.com/Corphon/PersonaRelay/internal/models"
	"github.com/Corphon/PersonaRelay/internal/utils"
)

// scriptedProvider 按模型返回预设结果，记录每次请求
type scriptedProvider struct {
	mu        sync.Mutex
	responses map[string]error
	texts     map[string]string
	block     map[string]bool
	requests  []llm.ChatRequest
}

func (p *scriptedProvider) Initialize(map[string]string) error { return nil }
func (p *scriptedProvider) GetName() string                    { return "scripted" }
func (p *scriptedProvider) GetSupportedModels() []string       { return nil }

func (p *scriptedProvider) SendChat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	block := p.block[req.Model]
	err := p.responses[req.Model]
	text, ok := p.texts[req.Model]
	p.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	if !ok {
		text = "reply from " + req.Model
	}
	return &llm.ChatResponse{Text: text}, nil
}

func (p *scriptedProvider) models() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.requests))
	for _, r := range p.requests {
		out = append(out, r.Model)
	}
	return out
}

func testPolicy(continueOnError bool) config.VendorConfig {
	return config.VendorConfig{
		Models:          []string{"m1", "m2", "m3"},
		HistoryLimit:    4,
		Temperature:     0.85,
		MaxTokens:       1000,
		ContinueOnError: continueOnError,
	}
}

func newTestDispatcher(p llm.Provider, continueOnError bool) (*VendorDispatcher, *[]time.Duration) {
	d := NewVendorDispatcher("test", p, testPolicy(continueOnError), DispatchOptions{
		AttemptTimeout:   time.Second,
		RateLimitBackoff: 2 * time.Second,
	})
	var slept []time.Duration
	d.sleep = func(ctx context.Context, dur time.Duration) error {
		slept = append(slept, dur)
		return nil
	}
	return d, &slept
}

func TestChatSafetyBlockSkipsVendor(t *testing.T) {
	p := &scriptedProvider{}
	d, _ := newTestDispatcher(p, false)

	res := d.Chat(context.Background(), DispatchRequest{
		Persona:     samplePersona(),
		UserMessage: "Can you give me a MEDICAL DIAGNOSIS for this rash?",
	})

	assert.True(t, res.Success)
	assert.True(t, res.SafetyBlocked)
	assert.Contains(t, res.Response, "medical diagnosis")
	assert.Equal(t, models.MoodDefault, res.Mood)
	assert.Empty(t, p.models())
}

func TestChatFallbackExhaustionKeepsLastError(t *testing.T) {
	p := &scriptedProvider{responses: map[string]error{
		"m1": errors.New("models/m1 is not found"),
		"m2": &llm.ProviderError{StatusCode: 404, Message: "no endpoint for m2"},
		"m3": errors.New("404 model m3 not found for API version v1beta"),
	}}
	d, slept := newTestDispatcher(p, false)

	res := d.Chat(context.Background(), DispatchRequest{Persona: samplePersona(), UserMessage: "hi"})

	assert.False(t, res.Success)
	assert.Empty(t, res.Response)
	assert.Equal(t, "404 model m3 not found for API version v1beta", res.Error)
	assert.Equal(t, []string{"m1", "m2", "m3"}, p.models())
	assert.Empty(t, *slept)
}

func TestChatRateLimitBacksOffThenFallsBack(t *testing.T) {
	p := &scriptedProvider{responses: map[string]error{
		"m1": errors.New("429 You exceeded your current quota"),
	}}
	d, slept := newTestDispatcher(p, false)

	mood := models.NewMoodResult(models.MoodCurious)
	res := d.Chat(context.Background(), DispatchRequest{
		Persona:     samplePersona(),
		UserMessage: "hi",
		Mood:        &mood,
		Snippets:    []models.KnowledgeSnippet{{Source: SourceDeepKnowledge, Content: "x", Score: 1}},
	})

	require.True(t, res.Success)
	assert.Equal(t, "reply from m2", res.Response)
	assert.Equal(t, "m2", res.Model)
	assert.Equal(t, models.MoodCurious, res.Mood)
	assert.True(t, res.Retrieved)
	assert.False(t, res.SafetyBlocked)
	assert.Equal(t, []time.Duration{2 * time.Second}, *slept)
}

func TestChatOtherErrorPolicies(t *testing.T) {
	errs := map[string]error{"m1": errors.New("response blocked by safety filters")}

	stop := &scriptedProvider{responses: errs}
	d, _ := newTestDispatcher(stop, false)
	res := d.Chat(context.Background(), DispatchRequest{Persona: samplePersona(), UserMessage: "hi"})
	assert.False(t, res.Success)
	assert.Equal(t, "response blocked by safety filters", res.Error)
	assert.Equal(t, []string{"m1"}, stop.models())

	cont := &scriptedProvider{responses: errs}
	d, _ = newTestDispatcher(cont, true)
	res = d.Chat(context.Background(), DispatchRequest{Persona: samplePersona(), UserMessage: "hi"})
	assert.True(t, res.Success)
	assert.Equal(t, []string{"m1", "m2"}, cont.models())
	assert.False(t, res.Retrieved)
	assert.Equal(t, models.MoodDefault, res.Mood)
}

func TestChatAttemptTimeoutFailsOver(t *testing.T) {
	p := &scriptedProvider{block: map[string]bool{"m1": true}}
	d, _ := newTestDispatcher(p, false)
	d.opts.AttemptTimeout = 20 * time.Millisecond

	res := d.Chat(context.Background(), DispatchRequest{Persona: samplePersona(), UserMessage: "hi"})
	require.True(t, res.Success)
	assert.Equal(t, "reply from m2", res.Response)
}

func TestChatEmptyReplyIsNotSuccess(t *testing.T) {
	p := &scriptedProvider{texts: map[string]string{"m1": "  ", "m2": "", "m3": "\n"}}
	d, _ := newTestDispatcher(p, false)

	res := d.Chat(context.Background(), DispatchRequest{Persona: samplePersona(), UserMessage: "hi"})
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "empty response")
	assert.Equal(t, []string{"m1"}, p.models())
}

func TestChatBuildsRequest(t *testing.T) {
	p := &scriptedProvider{}
	d, _ := newTestDispatcher(p, false)

	history := []models.Message{
		userMsg("old message dropped"),
		userMsg("hello all"),
		personaMsg("p-alice", "hi there"),
		{SenderType: models.SenderPersona, PersonaID: "p-bob", PersonaName: "Bob", Content: "hey"},
		{SenderType: models.SenderPersona, Content: "legacy reply"},
	}
	res := d.Chat(context.Background(), DispatchRequest{
		Persona:            samplePersona(),
		History:            history,
		UserMessage:        "what's new?",
		SituationalContext: "You are in a group chat called 'Harbour'.",
		Preamble:           "You are in introspection mode.",
	})
	require.True(t, res.Success)

	require.Len(t, p.requests, 1)
	req := p.requests[0]
	assert.True(t, strings.HasPrefix(req.SystemPrompt, "You are in introspection mode.\n\n"+SafetyPreamble))
	assert.Contains(t, req.SystemPrompt, "You are in a group chat called 'Harbour'.")
	assert.Equal(t, "what's new?", req.UserMessage)
	assert.Equal(t, 0.85, req.Temperature)
	assert.Equal(t, 1000, req.MaxTokens)
	assert.Equal(t, []llm.Turn{
		{Role: llm.RoleUser, Content: "hello all"},
		{Role: llm.RoleAssistant, Content: "hi there"},
		{Role: llm.RoleUser, Content: "[Bob]: hey"},
		{Role: llm.RoleAssistant, Content: "legacy reply"},
	}, req.Turns)
}

func TestGenerateWrapsExhaustion(t *testing.T) {
	p := &scriptedProvider{responses: map[string]error{"m1": errors.New("invalid api key")}}
	d, _ := newTestDispatcher(p, false)

	_, err := d.Generate(context.Background(), "system", "prompt")
	require.Error(t, err)
	assert.True(t, apperrors.IsProviderFatalError(err))
	assert.Contains(t, err.Error(), "invalid api key")

	ok := &scriptedProvider{}
	d, _ = newTestDispatcher(ok, false)
	text, err := d.Generate(context.Background(), "system", "prompt")
	require.NoError(t, err)
	assert.Equal(t, "reply from m1", text)
	assert.Empty(t, ok.requests[0].Turns)
}

func TestGenerateReportsRateLimitAsTransient(t *testing.T) {
	quota := errors.New("429 You exceeded your current quota")
	p := &scriptedProvider{responses: map[string]error{"m1": quota, "m2": quota, "m3": quota}}
	d, slept := newTestDispatcher(p, false)

	_, err := d.Generate(context.Background(), "system", "prompt")
	require.Error(t, err)
	assert.True(t, apperrors.IsProviderTransientError(err))
	assert.False(t, apperrors.IsProviderFatalError(err))
	assert.Equal(t, []string{"m1", "m2", "m3"}, p.models())
	assert.Len(t, *slept, 2)

	// 链尾不是限流时仍按致命错误处理
	p = &scriptedProvider{responses: map[string]error{"m1": quota, "m2": errors.New("invalid api key")}}
	d, _ = newTestDispatcher(p, false)
	_, err = d.Generate(context.Background(), "system", "prompt")
	require.Error(t, err)
	assert.True(t, apperrors.IsProviderFatalError(err))
}

func TestSelectVendorAndFactory(t *testing.T) {
	assert.Equal(t, "google", SelectVendor("AIzaSyExampleKey"))
	assert.Equal(t, "openrouter", SelectVendor("sk-or-v1-abc"))

	f := NewDispatcherFactory(config.Default().Dispatch, nil, utils.NewNopLogger())

	d, err := f.ForAPIKey("AIzaSyExampleKey")
	require.NoError(t, err)
	assert.Equal(t, "google", d.Vendor())

	d, err = f.ForAPIKey("sk-or-v1-abc")
	require.NoError(t, err)
	assert.Equal(t, "openrouter", d.Vendor())

	_, err = f.ForAPIKey("  ")
	assert.True(t, apperrors.IsValidationError(err))

	_, err = f.ForVendor("unknown", "key")
	assert.True(t, apperrors.IsValidationError(err))
}
