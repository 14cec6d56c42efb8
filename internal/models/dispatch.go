// internal/models/dispatch.go
package models

import "time"

// MoodCode 情绪代码，取值限定在固定集合内
type MoodCode string

const (
	MoodDefault    MoodCode = "default"
	MoodHappy      MoodCode = "happy"
	MoodSad        MoodCode = "sad"
	MoodAngry      MoodCode = "angry"
	MoodNostalgic  MoodCode = "nostalgic"
	MoodCurious    MoodCode = "curious"
	MoodProtective MoodCode = "protective"
	MoodDistant    MoodCode = "distant"
)

var moodLabels = map[MoodCode]string{
	MoodDefault:    "Stable & Neutral",
	MoodHappy:      "Warm & Joyful",
	MoodSad:        "Somber & Reflective",
	MoodAngry:      "Frustrated & Intense",
	MoodNostalgic:  "Deeply Nostalgic",
	MoodCurious:    "Intrigued & Inquisitive",
	MoodProtective: "Protective & Caring",
	MoodDistant:    "Reserved & Distant",
}

// Label 返回情绪的可读标签
func (c MoodCode) Label() string {
	return moodLabels[c]
}

// Valid 检查情绪代码是否属于固定集合
func (c MoodCode) Valid() bool {
	_, ok := moodLabels[c]
	return ok
}

// MoodResult 情绪分析结果，只附着在调度结果上，不单独持久化
type MoodResult struct {
	Code  MoodCode `json:"code"`
	Label string   `json:"label"`
}

// NewMoodResult 根据代码构建情绪结果，未知代码回落到 default
func NewMoodResult(code MoodCode) MoodResult {
	if !code.Valid() {
		code = MoodDefault
	}
	return MoodResult{Code: code, Label: code.Label()}
}

// KnowledgeSnippet 检索到的知识片段
type KnowledgeSnippet struct {
	Source  string `json:"source"`
	Content string `json:"content"`
	Score   int    `json:"score"`
}

// DispatchResult 所有供应商变体统一返回的结果
type DispatchResult struct {
	Success       bool     `json:"success"`
	Response      string   `json:"response,omitempty"`
	Error         string   `json:"error,omitempty"`
	Mood          MoodCode `json:"mood"`
	Retrieved     bool     `json:"retrieved"`
	SafetyBlocked bool     `json:"safety_blocked"`
	Model         string   `json:"model,omitempty"`
	Provider      string   `json:"provider,omitempty"`
}

// Reflection 人格独处时产生的内心独白
type Reflection struct {
	Content   string    `json:"content"`
	MoodCode  MoodCode  `json:"mood_code"`
	CreatedAt time.Time `json:"created_at"`
}
