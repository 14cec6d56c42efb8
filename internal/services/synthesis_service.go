// internal/services/synthesis_service.go
package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	apperrors "github.com/Corphon/PersonaRelay/internal/errors"
	"github.com/Corphon/PersonaRelay/internal/models"
)

const synthesisSystemPrompt = `You are an expert character designer for PersonaRelay, a high-fidelity AI persona platform.
Your task is to generate a comprehensive, structured identity for a persona based on their name and optional context.

You must return ONLY a JSON object with the following structure:
{
    "name": "Full Name",
    "occupation": "Primary occupation or role",
    "age": 30,
    "location": "Primary residence/era",
    "background_story": "A deeply detailed, multi-paragraph origin story and current state",
    "personality_traits": ["Trait 1", "Trait 2", "Trait 3", "Trait 4"],
    "values": ["Value 1", "Value 2", "Value 3"],
    "response_style": "Concise/Casual/Academic/etc",
    "formality_level": "very_formal/neutral/casual/slang",
    "humor_level": "none/dry/sarcastic/cheerful",
    "typical_greeting": "How they would first address the user",
    "catchphrases": ["Phrase 1", "Phrase 2"],
    "interests": ["Interest 1", "Interest 2"],
    "achievements": "Key life events or milestones"
}

If the persona is a well-known real person or fictional character, use their actual history and traits.
If it's a generic description, create a compelling, nuanced character.
Return ONLY valid JSON.`

const synthesisUserPrompt = "Synthesize identity for: %s. Additional context: %s"

// SynthesisService 根据名字与补充说明生成结构化人格
type SynthesisService struct{}

// NewSynthesisService 创建人格合成服务
func NewSynthesisService() *SynthesisService {
	return &SynthesisService{}
}

// profileEnvelope 模型经常把 age 写成字符串，achievements 写成数组
type profileEnvelope struct {
	models.PersonaProfile
	Age          json.RawMessage `json:"age"`
	Achievements json.RawMessage `json:"achievements"`
}

// Synthesize 调用模型生成身份并解析 JSON
func (s *SynthesisService) Synthesize(ctx context.Context, dispatcher ChatDispatcher, name, extra string) (*models.PersonaProfile, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, apperrors.NewValidationError("Name is required", nil)
	}

	text, err := dispatcher.Generate(ctx, synthesisSystemPrompt, fmt.Sprintf(synthesisUserPrompt, name, extra))
	if err != nil {
		return nil, err
	}
	return ParseProfile(text)
}

// ParseProfile 从模型输出中提取人格 JSON
func ParseProfile(text string) (*models.PersonaProfile, error) {
	cleaned := cleanJSONString(text)
	if !strings.HasPrefix(cleaned, "{") {
		return nil, apperrors.NewProcessingError("Failed to parse AI response", nil)
	}

	var env profileEnvelope
	if err := json.Unmarshal([]byte(cleaned), &env); err != nil {
		return nil, apperrors.NewProcessingError("Failed to parse AI response", err)
	}

	profile := env.PersonaProfile
	profile.Age = parseLooseInt(env.Age)
	profile.Achievements = parseLooseText(env.Achievements)
	if strings.TrimSpace(profile.Name) == "" {
		return nil, apperrors.NewProcessingError("Failed to parse AI response", fmt.Errorf("profile has no name"))
	}
	return &profile, nil
}

func parseLooseInt(raw json.RawMessage) int {
	if len(raw) == 0 {
		return 0
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err == nil {
		return int(n)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		fields := strings.Fields(s)
		if len(fields) > 0 {
			if v, err := strconv.Atoi(strings.Trim(fields[0], "~+,")); err == nil {
				return v
			}
		}
	}
	return 0
}

func parseLooseText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return strings.Join(list, "; ")
	}
	return ""
}
