// internal/services/mood_service.go
package services

import (
	"strings"

	"github.com/Corphon/PersonaRelay/internal/models"
)

// moodTrigger 一个情绪类别及其触发词
type moodTrigger struct {
	code     models.MoodCode
	keywords []string
}

// moodTriggers 的顺序即平局时的优先顺序
var moodTriggers = []moodTrigger{
	{models.MoodHappy, []string{"joy", "happy", "great", "love", "smile", "excited", "good news"}},
	{models.MoodSad, []string{"miss", "sorry", "sad", "pain", "lonely", "lost", "tears", "upset"}},
	{models.MoodAngry, []string{"hate", "stop", "why", "annoyed", "mad", "angry", "never"}},
	{models.MoodNostalgic, []string{"remember", "old times", "back then", "past", "memory", "childhood"}},
	{models.MoodProtective, []string{"safe", "care", "protect", "help", "worry", "don't worry"}},
	{models.MoodCurious, []string{"how", "what if", "tell me", "wondering", "why did", "curious"}},
}

const (
	moodHistoryWindow = 3
	// 对话刚开始时，命中数低于该值一律视为中性
	moodMinHitsEarly = 2
)

// MoodService 根据最近的对话文本判断情绪，纯函数，无状态
type MoodService struct{}

// NewMoodService 创建情绪服务
func NewMoodService() *MoodService {
	return &MoodService{}
}

// Classify 对最近 3 条历史与当前消息做关键词打分
func (s *MoodService) Classify(history []models.Message, current string) models.MoodResult {
	recent := models.RecentMessages(history, moodHistoryWindow)
	parts := make([]string, 0, len(recent)+1)
	for _, msg := range recent {
		parts = append(parts, msg.Content)
	}
	parts = append(parts, current)
	blob := strings.ToLower(strings.Join(parts, " "))

	best := models.MoodDefault
	bestHits := 0
	for _, trigger := range moodTriggers {
		hits := 0
		for _, keyword := range trigger.keywords {
			if strings.Contains(blob, keyword) {
				hits++
			}
		}
		if hits > bestHits {
			best, bestHits = trigger.code, hits
		}
	}

	if len(history) < 2 && bestHits < moodMinHitsEarly {
		best = models.MoodDefault
	}
	return models.NewMoodResult(best)
}
