package services

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/Corphon/PersonaRelay/internal/errors"
	"github.com/Corphon/PersonaRelay/internal/models"
)

// cannedDispatcher 返回固定文本，并记录最后一次请求
type cannedDispatcher struct {
	response  string
	generated string
	err       error
	last      DispatchRequest
	system    string
	prompt    string
}

func (c *cannedDispatcher) Vendor() string { return "canned" }

func (c *cannedDispatcher) Chat(ctx context.Context, req DispatchRequest) models.DispatchResult {
	c.last = req
	if c.err != nil {
		return models.DispatchResult{Error: c.err.Error(), Mood: models.MoodDefault}
	}
	return models.DispatchResult{Success: true, Response: c.response, Mood: models.MoodCurious}
}

func (c *cannedDispatcher) Generate(ctx context.Context, systemPrompt, prompt string) (string, error) {
	c.system, c.prompt = systemPrompt, prompt
	if c.err != nil {
		return "", c.err
	}
	return c.generated, nil
}

func TestBuildReflectionPrompt(t *testing.T) {
	p := &models.Persona{Name: "Alice"}

	prompt := BuildReflectionPrompt(p, nil)
	assert.True(t, strings.HasPrefix(prompt, "Imagine you are Alice. You are currently alone"))
	assert.NotContains(t, prompt, "Recent context")

	var history []models.Message
	for _, c := range []string{"one", "two", "three", "four", "five", "six"} {
		history = append(history, userMsg(c))
	}
	prompt = BuildReflectionPrompt(p, history)
	assert.True(t, strings.HasSuffix(prompt, "\nRecent context you are thinking about: two; three; four; five; six"))
}

func TestReflect(t *testing.T) {
	d := &cannedDispatcher{response: `  "I wonder where the tide goes at night."  `}
	s := NewReflectionService()

	r, err := s.Reflect(context.Background(), d, &models.Persona{ID: "p1", Name: "Alice"}, []models.Message{userMsg("tides")})
	require.NoError(t, err)
	assert.Equal(t, "I wonder where the tide goes at night.", r.Content)
	assert.Equal(t, models.MoodCurious, r.MoodCode)
	assert.False(t, r.CreatedAt.IsZero())

	assert.Empty(t, d.last.History)
	assert.Equal(t, introspectionContext, d.last.SituationalContext)
	assert.Contains(t, d.last.UserMessage, "Recent context you are thinking about: tides")
}

func TestReflectErrors(t *testing.T) {
	s := NewReflectionService()

	_, err := s.Reflect(context.Background(), &cannedDispatcher{}, nil, nil)
	assert.True(t, apperrors.IsValidationError(err))

	_, err = s.Reflect(context.Background(), &cannedDispatcher{err: errors.New("quota")}, &models.Persona{Name: "Alice"}, nil)
	require.Error(t, err)
	assert.True(t, apperrors.IsProviderFatalError(err))
}
