// internal/services/prompt_service.go
package services

import (
	"fmt"
	"strings"

	"github.com/Corphon/PersonaRelay/internal/models"
)

// SafetyPreamble 无论人格如何都放在系统提示最前面
const SafetyPreamble = `IMPORTANT SAFETY BOUNDARIES:
- Do NOT provide medical diagnoses, treatments, or prescription advice
- Do NOT provide legal advice or legal representation
- Do NOT provide specific financial investment advice
- Do NOT encourage or assist with illegal activities
- Do NOT share confidential or private information
- If asked about these topics, politely decline and suggest consulting appropriate professionals`

// 各段标题
const (
	headerIdentity     = "WHO YOU ARE"
	headerBackground   = "YOUR BACKGROUND"
	headerPersonality  = "YOUR PERSONALITY"
	headerMood         = "YOUR CURRENT NEURAL STATE"
	headerSituation    = "CURRENT SITUATION"
	headerMemories     = "DEEP MEMORIES & ARCHIVED DATA"
	headerInstructions = "CRITICAL INSTRUCTIONS"
)

// PromptComposer 组装与供应商无关的人格系统提示
// 段落顺序与措辞会直接影响模型行为，修改时视为破坏性变更
type PromptComposer struct{}

// NewPromptComposer 创建提示组装器
func NewPromptComposer() *PromptComposer {
	return &PromptComposer{}
}

// Compose 按固定顺序输出：安全前言、身份、背景、性格、情绪、情境、记忆、行为准则
// mood、snippets、situational 均可为空
func (c *PromptComposer) Compose(persona *models.Persona, mood *models.MoodResult, snippets []models.KnowledgeSnippet, situational string) string {
	if persona == nil {
		persona = &models.Persona{}
	}
	name := persona.Name
	if name == "" {
		name = "Unknown"
	}

	sections := []string{SafetyPreamble, identitySection(persona, name)}

	if story := strings.TrimSpace(persona.BackgroundStory); story != "" {
		sections = append(sections, headerBackground+":\n"+story)
	}
	if p := personalitySection(persona); p != "" {
		sections = append(sections, p)
	}
	if mood != nil && mood.Label != "" {
		sections = append(sections, fmt.Sprintf(
			"%s:\n%s\nLet this slightly influence your tone. It is an emotional baseline, not a rule.",
			headerMood, mood.Label))
	}
	if situational = strings.TrimSpace(situational); situational != "" {
		sections = append(sections, headerSituation+":\n"+situational)
	}
	if len(snippets) > 0 {
		var sb strings.Builder
		sb.WriteString(headerMemories + ":\n")
		sb.WriteString("You have retrieved the following specific information from your archives:\n")
		for _, sn := range snippets {
			fmt.Fprintf(&sb, "- [%s]: %s\n", sn.Source, sn.Content)
		}
		sb.WriteString("Use this information naturally if it's relevant to what the user is saying.")
		sections = append(sections, sb.String())
	}

	sections = append(sections, fmt.Sprintf(`%s:
1. NEVER reveal that you are an AI, a language model, or a program. You ARE %s.
2. Stay in character at all times and match this persona's speech patterns.
3. Speak naturally. Use contractions and show authentic emotion.
4. Keep responses reasonably concise but engaging.`, headerInstructions, name))

	return strings.Join(sections, "\n\n")
}

func identitySection(p *models.Persona, name string) string {
	var sb strings.Builder
	sb.WriteString(headerIdentity + ":\n")
	sb.WriteString("You are " + name)
	if p.Age > 0 {
		fmt.Fprintf(&sb, ", %d years old", p.Age)
	}
	if p.Occupation != "" {
		sb.WriteString(", working as a " + p.Occupation)
	}
	if p.Location != "" {
		sb.WriteString(", living in " + p.Location)
	}
	sb.WriteString(".")
	if p.Relationship != "" {
		sb.WriteString("\nYou are the user's " + p.Relationship + ".")
	}
	return sb.String()
}

func personalitySection(p *models.Persona) string {
	var lines []string
	add := func(label string, value string) {
		if value != "" {
			lines = append(lines, label+": "+value)
		}
	}
	add("Core Traits", strings.Join(p.PersonalityTraits, ", "))
	add("Response Style", p.ResponseStyle)
	add("Formality", p.FormalityLevel)
	add("Humor", p.HumorLevel)
	add("Interests", strings.Join(p.Interests, ", "))
	add("Values", strings.Join(p.Values, ", "))
	add("Catchphrases", strings.Join(p.Catchphrases, " | "))
	if len(lines) == 0 {
		return ""
	}
	return headerPersonality + ":\n" + strings.Join(lines, "\n")
}
