// internal/models/persona.go
package models

import "time"

// Persona 表示一个可对话的虚拟人格
// 在一次调度过程中视为只读
type Persona struct {
	ID                string         `json:"id" yaml:"id"`
	Name              string         `json:"name" yaml:"name"`
	Occupation        string         `json:"occupation,omitempty" yaml:"occupation,omitempty"`
	Age               int            `json:"age,omitempty" yaml:"age,omitempty"`
	Location          string         `json:"location,omitempty" yaml:"location,omitempty"`
	BackgroundStory   string         `json:"background_story,omitempty" yaml:"background_story,omitempty"`
	PersonalityTraits []string       `json:"personality_traits,omitempty" yaml:"personality_traits,omitempty"`
	Relationship      string         `json:"relationship,omitempty" yaml:"relationship,omitempty"` // 与用户的关系
	ResponseStyle     string         `json:"response_style,omitempty" yaml:"response_style,omitempty"`
	FormalityLevel    string         `json:"formality_level,omitempty" yaml:"formality_level,omitempty"`
	HumorLevel        string         `json:"humor_level,omitempty" yaml:"humor_level,omitempty"`
	Values            []string       `json:"values,omitempty" yaml:"values,omitempty"`
	Interests         []string       `json:"interests,omitempty" yaml:"interests,omitempty"`
	Catchphrases      []string       `json:"catchphrases,omitempty" yaml:"catchphrases,omitempty"`
	TypicalGreeting   string         `json:"typical_greeting,omitempty" yaml:"typical_greeting,omitempty"`
	Achievements      string         `json:"achievements,omitempty" yaml:"achievements,omitempty"`
	DataDump          string         `json:"data_dump,omitempty" yaml:"data_dump,omitempty"` // 深度知识库
	LifeData          string         `json:"life_data,omitempty" yaml:"life_data,omitempty"` // 个人生活记录
	UploadedFiles     []UploadedFile `json:"uploaded_files,omitempty" yaml:"uploaded_files,omitempty"`
	CreatedAt         time.Time      `json:"created_at" yaml:"-"`
}

// UploadedFile 人格附带的附件
type UploadedFile struct {
	URL  string `json:"url" yaml:"url"`
	Name string `json:"name,omitempty" yaml:"name,omitempty"`
}

// PersonaProfile 人格合成服务返回的结构化身份
type PersonaProfile struct {
	Name              string   `json:"name"`
	Occupation        string   `json:"occupation"`
	Age               int      `json:"age"`
	Location          string   `json:"location"`
	BackgroundStory   string   `json:"background_story"`
	PersonalityTraits []string `json:"personality_traits"`
	Values            []string `json:"values"`
	ResponseStyle     string   `json:"response_style"`
	FormalityLevel    string   `json:"formality_level"`
	HumorLevel        string   `json:"humor_level"`
	TypicalGreeting   string   `json:"typical_greeting"`
	Catchphrases      []string `json:"catchphrases"`
	Interests         []string `json:"interests"`
	Achievements      string   `json:"achievements"`
}

// ToPersona 将合成结果转换为可保存的人格
func (p *PersonaProfile) ToPersona() *Persona {
	return &Persona{
		Name:              p.Name,
		Occupation:        p.Occupation,
		Age:               p.Age,
		Location:          p.Location,
		BackgroundStory:   p.BackgroundStory,
		PersonalityTraits: p.PersonalityTraits,
		Values:            p.Values,
		ResponseStyle:     p.ResponseStyle,
		FormalityLevel:    p.FormalityLevel,
		HumorLevel:        p.HumorLevel,
		TypicalGreeting:   p.TypicalGreeting,
		Catchphrases:      p.Catchphrases,
		Interests:         p.Interests,
		Achievements:      p.Achievements,
	}
}
