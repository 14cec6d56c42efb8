// internal/services/chat_service.go
package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	apperrors "github.com/Corphon/PersonaRelay/internal/errors"
	"github.com/Corphon/PersonaRelay/internal/models"
	"github.com/Corphon/PersonaRelay/internal/storage"
	"github.com/Corphon/PersonaRelay/internal/utils"
)

// 对外返回的错误文案
const (
	MsgMissingFields     = "Missing fields for neural synchronization"
	MsgPersonaNotFound   = "Target persona consciousness not found in the Nexus"
	MsgGroupNotFound     = "Group not found or inaccessible"
	MsgGroupEmpty        = "This Hub has no active neural patterns linked."
	MsgPersonaNoResponse = "The AI entity failed to respond."
)

const (
	extractionPrompt  = "Analyze conversation and extract facts about the USER in JSON format. User: %s Bot: %s"
	extractionTimeout = 15 * time.Second
)

// SendRequest 单人格对话请求
type SendRequest struct {
	UserID    string `json:"user_id"`
	PersonaID string `json:"persona_id"`
	Message   string `json:"message"`
	APIKey    string `json:"api_key"`
}

// SendResult 单人格对话结果
type SendResult struct {
	ConversationID string          `json:"conversation_id"`
	Response       string          `json:"response"`
	Mood           models.MoodCode `json:"mood"`
	Retrieved      bool            `json:"retrieved"`
	SafetyBlocked  bool            `json:"safety_blocked,omitempty"`
}

// GroupSendRequest 群聊请求
type GroupSendRequest struct {
	UserID  string `json:"user_id"`
	GroupID string `json:"group_id"`
	Message string `json:"message"`
	APIKey  string `json:"api_key"`
}

// GroupSendResult 群聊结果
type GroupSendResult struct {
	ConversationID string              `json:"conversation_id"`
	Responses      []models.GroupReply `json:"responses"`
}

// ChatOptions ChatService 的可调参数
type ChatOptions struct {
	// GroupHistoryWindow 群聊时读取的最近消息条数
	GroupHistoryWindow int
	// ExtractionEnabled 回复后是否尝试提取用户事实
	ExtractionEnabled bool
}

// ChatService 串起存储、情绪、检索、调度与群聊编排
type ChatService struct {
	store       storage.Store
	dispatchers DispatcherProvider
	mood        *MoodService
	knowledge   *KnowledgeService
	groups      *GroupService
	locks       *LockManager
	opts        ChatOptions
	metrics     *utils.RelayMetrics
	logger      *utils.Logger
}

// NewChatService 创建对话服务
func NewChatService(store storage.Store, dispatchers DispatcherProvider, mood *MoodService, knowledge *KnowledgeService, groups *GroupService, opts ChatOptions, metrics *utils.RelayMetrics, logger *utils.Logger) *ChatService {
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	if metrics == nil {
		metrics = utils.NewRelayMetrics(nil, logger)
	}
	if opts.GroupHistoryWindow <= 0 {
		opts.GroupHistoryWindow = 15
	}
	return &ChatService{
		store:       store,
		dispatchers: dispatchers,
		mood:        mood,
		knowledge:   knowledge,
		groups:      groups,
		locks:       NewLockManager(),
		opts:        opts,
		metrics:     metrics,
		logger:      logger,
	}
}

// Send 处理一条发给单个人格的消息
func (s *ChatService) Send(ctx context.Context, req SendRequest) (*SendResult, error) {
	if strings.TrimSpace(req.UserID) == "" || strings.TrimSpace(req.PersonaID) == "" ||
		strings.TrimSpace(req.Message) == "" || strings.TrimSpace(req.APIKey) == "" {
		return nil, apperrors.NewValidationError(MsgMissingFields, nil)
	}

	persona, err := s.store.GetPersona(ctx, req.PersonaID)
	if err != nil {
		return nil, storeError(err, MsgPersonaNotFound)
	}

	dispatcher, err := s.dispatchers.ForAPIKey(req.APIKey)
	if err != nil {
		return nil, err
	}

	conv, err := s.store.FindOrCreateConversation(ctx, models.ConversationKey{UserID: req.UserID, PersonaID: persona.ID})
	if err != nil {
		return nil, apperrors.NewProcessingError("Failed to initialize neural link conversation", err)
	}

	release, err := s.locks.Acquire(ctx, conv.ID)
	if err != nil {
		return nil, apperrors.NewProcessingError("conversation busy", err)
	}
	defer release()

	history, err := s.store.ListMessages(ctx, conv.ID, storage.ListOptions{})
	if err != nil {
		return nil, apperrors.NewProcessingError("failed to load history", err)
	}

	mood, snippets := gatherContext(ctx, s.mood, s.knowledge, persona, history, req.Message)

	if err := s.store.AppendMessage(ctx, &models.Message{
		ConversationID: conv.ID,
		SenderType:     models.SenderUser,
		Content:        req.Message,
	}); err != nil {
		return nil, apperrors.NewProcessingError("failed to save message", err)
	}

	result := dispatcher.Chat(ctx, DispatchRequest{
		Persona:     persona,
		History:     history,
		UserMessage: req.Message,
		Mood:        &mood,
		Snippets:    snippets,
	})
	if !result.Success {
		msg := result.Error
		if msg == "" {
			msg = MsgPersonaNoResponse
		}
		s.metrics.RecordError("provider_fatal", "chat")
		return nil, apperrors.NewProviderFatalError(msg, nil)
	}

	if err := s.store.AppendMessage(ctx, &models.Message{
		ConversationID: conv.ID,
		SenderType:     models.SenderPersona,
		PersonaID:      persona.ID,
		Content:        result.Response,
	}); err != nil {
		return nil, apperrors.NewProcessingError("failed to save reply", err)
	}

	// 回复已落盘，提取阶段不再占用会话锁
	release()

	if s.opts.ExtractionEnabled && !result.SafetyBlocked {
		// 尽力而为，失败不影响本次回复
		_, _ = s.ExtractUserFacts(ctx, dispatcher, req.Message, result.Response)
	}

	s.logger.Info("persona replied", utils.Fields{
		"conversation_id": conv.ID,
		"persona_id":      persona.ID,
		"provider":        result.Provider,
		"model":           result.Model,
		"mood":            string(result.Mood),
		"retrieved":       result.Retrieved,
	})

	return &SendResult{
		ConversationID: conv.ID,
		Response:       result.Response,
		Mood:           result.Mood,
		Retrieved:      result.Retrieved,
		SafetyBlocked:  result.SafetyBlocked,
	}, nil
}

// SendGroup 处理一条群聊消息，每个成功的回复在生成后立即保存并交给 onReply
func (s *ChatService) SendGroup(ctx context.Context, req GroupSendRequest, onReply ReplyHook) (*GroupSendResult, error) {
	if strings.TrimSpace(req.UserID) == "" || strings.TrimSpace(req.GroupID) == "" ||
		strings.TrimSpace(req.Message) == "" || strings.TrimSpace(req.APIKey) == "" {
		return nil, apperrors.NewValidationError(MsgMissingFields, nil)
	}

	group, err := s.store.GetGroup(ctx, req.GroupID)
	if err != nil {
		return nil, storeError(err, MsgGroupNotFound)
	}

	roster, err := s.loadMembers(ctx, group)
	if err != nil {
		return nil, err
	}
	if len(roster) == 0 {
		return nil, apperrors.NewValidationError(MsgGroupEmpty, nil)
	}

	dispatcher, err := s.dispatchers.ForAPIKey(req.APIKey)
	if err != nil {
		return nil, err
	}

	conv, err := s.store.FindOrCreateConversation(ctx, models.ConversationKey{UserID: req.UserID, GroupID: group.ID})
	if err != nil {
		return nil, apperrors.NewProcessingError("Failed to initialize neural link conversation", err)
	}

	release, err := s.locks.Acquire(ctx, conv.ID)
	if err != nil {
		return nil, apperrors.NewProcessingError("conversation busy", err)
	}
	defer release()

	// 先读历史再保存用户消息，当前消息只作为本轮输入出现一次
	history, err := s.store.ListMessages(ctx, conv.ID, storage.ListOptions{Limit: s.opts.GroupHistoryWindow, Newest: true})
	if err != nil {
		return nil, apperrors.NewProcessingError("failed to load history", err)
	}

	if err := s.store.AppendMessage(ctx, &models.Message{
		ConversationID: conv.ID,
		SenderType:     models.SenderUser,
		Content:        req.Message,
	}); err != nil {
		return nil, apperrors.NewProcessingError("failed to save message", err)
	}

	replies, err := s.groups.RunTurn(ctx, GroupTurnRequest{
		Group:      group,
		Roster:     roster,
		Responders: s.groups.SelectResponders(roster, req.Message),
		History:    history,
		Message:    req.Message,
		Dispatcher: dispatcher,
		OnReply: func(ctx context.Context, persona *models.Persona, reply models.GroupReply) error {
			if err := s.store.AppendMessage(ctx, &models.Message{
				ConversationID: conv.ID,
				SenderType:     models.SenderPersona,
				PersonaID:      persona.ID,
				Content:        reply.Response,
			}); err != nil {
				return err
			}
			if onReply != nil {
				return onReply(ctx, persona, reply)
			}
			return nil
		},
	})
	if err != nil {
		s.metrics.RecordError("group_unresponsive", "chat")
		return nil, err
	}

	return &GroupSendResult{ConversationID: conv.ID, Responses: replies}, nil
}

// loadMembers 按群组顺序加载成员，缺失的人格记录日志后跳过
func (s *ChatService) loadMembers(ctx context.Context, group *models.Group) ([]*models.Persona, error) {
	roster := make([]*models.Persona, 0, len(group.PersonaIDs))
	seen := make(map[string]bool, len(group.PersonaIDs))
	for _, id := range group.PersonaIDs {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true

		persona, err := s.store.GetPersona(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			s.logger.Warn("group member missing", utils.Fields{"group_id": group.ID, "persona_id": id})
			continue
		}
		if err != nil {
			return nil, apperrors.NewProcessingError("failed to load group members", err)
		}
		roster = append(roster, persona)
	}
	return roster, nil
}

// History 返回会话的全部消息，按时间正序
func (s *ChatService) History(ctx context.Context, conversationID string) ([]models.Message, error) {
	if strings.TrimSpace(conversationID) == "" {
		return nil, apperrors.NewValidationError("conversation_id is required", nil)
	}
	msgs, err := s.store.ListMessages(ctx, conversationID, storage.ListOptions{})
	if err != nil {
		return nil, apperrors.NewProcessingError("failed to load history", err)
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	return msgs, nil
}

// ExtractUserFacts 让模型从一问一答中提取关于用户的事实
// 结果只用于日志，调用方可以忽略错误
func (s *ChatService) ExtractUserFacts(ctx context.Context, dispatcher ChatDispatcher, message, response string) (map[string]interface{}, error) {
	ctx, cancel := context.WithTimeout(ctx, extractionTimeout)
	defer cancel()

	text, err := dispatcher.Generate(ctx, "", fmt.Sprintf(extractionPrompt, message, response))
	if err != nil {
		s.logger.Debug("knowledge extraction failed", utils.Fields{"error": err})
		return nil, err
	}

	facts := make(map[string]interface{})
	if err := json.Unmarshal([]byte(cleanJSONString(text)), &facts); err != nil {
		s.logger.Debug("knowledge extraction returned invalid JSON", utils.Fields{"error": err})
		return nil, fmt.Errorf("parse extracted facts: %w", err)
	}

	s.logger.Debug("user facts extracted", utils.Fields{"facts": len(facts)})
	return facts, nil
}

// storeError 将存储层的未找到转换为带文案的 not_found 错误
func storeError(err error, notFoundMsg string) error {
	if errors.Is(err, storage.ErrNotFound) {
		return apperrors.NewNotFoundError(notFoundMsg, err)
	}
	return apperrors.NewProcessingError("storage failure", err)
}
