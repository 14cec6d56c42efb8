// internal/services/reflection_service.go
package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	apperrors "github.com/Corphon/PersonaRelay/internal/errors"
	"github.com/Corphon/PersonaRelay/internal/models"
)

const (
	reflectionPrompt = "Imagine you are %s. You are currently alone and reflecting on your conversation history. " +
		"Based on what you've discussed or what you are curious about, write a short, authentic 'thought' (1-2 sentences). " +
		"It should sound like a personal reflection, not a message to someone. " +
		"Example: 'I wonder if they truly meant what they said about the future... machines can be so unpredictable.'"
	reflectionContextPrefix = "\nRecent context you are thinking about: "
	introspectionContext    = "You are in introspection mode. Write a short internal thought."
	reflectionHistoryWindow = 5
)

// ReflectionService 让人格在没有用户输入时产生一段内心独白
type ReflectionService struct{}

// NewReflectionService 创建内省服务
func NewReflectionService() *ReflectionService {
	return &ReflectionService{}
}

// BuildReflectionPrompt 组装内省提示，附带最近 5 条消息内容
func BuildReflectionPrompt(persona *models.Persona, history []models.Message) string {
	prompt := fmt.Sprintf(reflectionPrompt, persona.Name)
	recent := models.RecentMessages(history, reflectionHistoryWindow)
	if len(recent) > 0 {
		contents := make([]string, 0, len(recent))
		for _, msg := range recent {
			contents = append(contents, msg.Content)
		}
		prompt += reflectionContextPrefix + strings.Join(contents, "; ")
	}
	return prompt
}

// Reflect 以空历史调度一次内省提示，结果去掉双引号
func (s *ReflectionService) Reflect(ctx context.Context, dispatcher ChatDispatcher, persona *models.Persona, history []models.Message) (*models.Reflection, error) {
	if persona == nil || strings.TrimSpace(persona.Name) == "" {
		return nil, apperrors.NewValidationError("Missing persona or user_id", nil)
	}

	result := dispatcher.Chat(ctx, DispatchRequest{
		Persona:            persona,
		UserMessage:        BuildReflectionPrompt(persona, history),
		SituationalContext: introspectionContext,
	})
	if !result.Success {
		return nil, apperrors.NewProviderFatalError("Failed to generate reflection", errors.New(result.Error))
	}

	mood := result.Mood
	if !mood.Valid() {
		mood = models.MoodDefault
	}
	return &models.Reflection{
		Content:   strings.TrimSpace(strings.ReplaceAll(result.Response, `"`, "")),
		MoodCode:  mood,
		CreatedAt: time.Now().UTC(),
	}, nil
}
