// internal/services/group_service.go
package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	apperrors "github.com/Corphon/PersonaRelay/internal/errors"
	"github.com/Corphon/PersonaRelay/internal/models"
	"github.com/Corphon/PersonaRelay/internal/utils"
)

// GroupUnresponsiveMessage 一轮群聊没有任何回复时返回
const GroupUnresponsiveMessage = "The collective is currently unresponsive. Neural link saturated."

// ReplyHook 每个人格成功回复后调用，用于持久化或推送
type ReplyHook func(ctx context.Context, persona *models.Persona, reply models.GroupReply) error

// GroupTurnRequest 一轮群聊的上下文
type GroupTurnRequest struct {
	Group      *models.Group
	Roster     []*models.Persona
	Responders []*models.Persona
	// History 按时间顺序，本轮回复会追加到它的副本上
	History    []models.Message
	Message    string
	Dispatcher ChatDispatcher
	OnReply    ReplyHook
}

// GroupService 决定哪些人格回复，并按顺序逐个生成回复
// 回复必须串行：后一个人格需要看到前一个人格本轮的发言
type GroupService struct {
	mood      *MoodService
	knowledge *KnowledgeService
	metrics   *utils.RelayMetrics
	logger    *utils.Logger
	fallback  int
}

// NewGroupService 创建群聊编排服务
// fallbackResponders 为无人被 @ 时默认回复的人数
func NewGroupService(mood *MoodService, knowledge *KnowledgeService, fallbackResponders int, metrics *utils.RelayMetrics, logger *utils.Logger) *GroupService {
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	if metrics == nil {
		metrics = utils.NewRelayMetrics(nil, logger)
	}
	if fallbackResponders <= 0 {
		fallbackResponders = 3
	}
	return &GroupService{
		mood:      mood,
		knowledge: knowledge,
		metrics:   metrics,
		logger:    logger,
		fallback:  fallbackResponders,
	}
}

// SelectResponders 查找 @全名（去空格）或 @名字（长度大于 2）
// 没有人被提到时返回名单中的前几位
func (s *GroupService) SelectResponders(roster []*models.Persona, message string) []*models.Persona {
	clean := strings.ToLower(strings.ReplaceAll(message, " ", ""))

	var responders []*models.Persona
	for _, p := range roster {
		if p == nil {
			continue
		}
		name := strings.ToLower(strings.TrimSpace(p.Name))
		if name == "" {
			continue
		}
		fullName := strings.ReplaceAll(name, " ", "")
		firstName := strings.Fields(name)[0]

		if strings.Contains(clean, "@"+fullName) ||
			(len([]rune(firstName)) > 2 && strings.Contains(clean, "@"+firstName)) {
			responders = append(responders, p)
		}
	}

	if len(responders) == 0 {
		n := s.fallback
		if n > len(roster) {
			n = len(roster)
		}
		responders = append(responders, roster[:n]...)
	}
	return responders
}

// GroupSituation 告诉人格它所在的群聊以及其他成员
func GroupSituation(groupName string, others []string) string {
	return fmt.Sprintf("You are in a group chat called '%s'. Other members present: %s.", groupName, strings.Join(others, ", "))
}

// RunTurn 依次为每个回复者计算情绪与知识、调度并把回复追加到滚动历史
// 单个人格失败只记录日志并跳过，全部失败才返回错误
func (s *GroupService) RunTurn(ctx context.Context, req GroupTurnRequest) ([]models.GroupReply, error) {
	if req.Dispatcher == nil {
		return nil, apperrors.NewProcessingError("group turn requires a dispatcher", nil)
	}
	groupName := ""
	if req.Group != nil {
		groupName = req.Group.Name
	}

	names := make(map[string]string, len(req.Roster))
	for _, p := range req.Roster {
		if p != nil && p.ID != "" {
			names[p.ID] = p.Name
		}
	}

	history := make([]models.Message, len(req.History))
	copy(history, req.History)
	for i := range history {
		if history[i].PersonaName == "" && history[i].PersonaID != "" {
			history[i].PersonaName = names[history[i].PersonaID]
		}
	}

	var replies []models.GroupReply
	for _, persona := range req.Responders {
		if persona == nil {
			continue
		}

		mood, snippets := gatherContext(ctx, s.mood, s.knowledge, persona, history, req.Message)

		result := req.Dispatcher.Chat(ctx, DispatchRequest{
			Persona:            persona,
			History:            history,
			UserMessage:        req.Message,
			Mood:               &mood,
			Snippets:           snippets,
			SituationalContext: GroupSituation(groupName, otherMembers(req.Roster, persona)),
		})
		if !result.Success {
			s.logger.Warn("group responder failed, skipping", utils.Fields{
				"persona_id":   persona.ID,
				"persona_name": persona.Name,
				"error":        result.Error,
			})
			continue
		}

		reply := models.GroupReply{
			PersonaID:   persona.ID,
			PersonaName: persona.Name,
			Response:    result.Response,
			Mood:        result.Mood,
		}
		if req.OnReply != nil {
			if err := req.OnReply(ctx, persona, reply); err != nil {
				s.logger.Error("group reply hook failed", utils.Fields{
					"persona_id": persona.ID,
					"error":      err,
				})
			}
		}
		replies = append(replies, reply)

		history = append(history, models.Message{
			SenderType:  models.SenderPersona,
			PersonaID:   persona.ID,
			PersonaName: persona.Name,
			Content:     result.Response,
			CreatedAt:   time.Now(),
		})
	}

	s.metrics.RecordGroupTurn(len(req.Responders), len(replies))
	if len(replies) == 0 {
		return nil, apperrors.NewGroupUnresponsiveError(GroupUnresponsiveMessage, nil)
	}
	return replies, nil
}

// gatherContext 情绪与知识检索互不依赖，并发执行，两者都完成后才组装提示
func gatherContext(ctx context.Context, moods *MoodService, knowledge *KnowledgeService, persona *models.Persona, history []models.Message, message string) (models.MoodResult, []models.KnowledgeSnippet) {
	var (
		mood     models.MoodResult
		snippets []models.KnowledgeSnippet
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		mood = moods.Classify(history, message)
		return nil
	})
	g.Go(func() error {
		snippets = knowledge.GetRelevantContext(gctx, persona, message, 0)
		return nil
	})
	_ = g.Wait() // 两个任务都不会返回错误
	return mood, snippets
}

func otherMembers(roster []*models.Persona, self *models.Persona) []string {
	others := make([]string, 0, len(roster))
	for _, p := range roster {
		if p == nil || p == self || (self.ID != "" && p.ID == self.ID) {
			continue
		}
		others = append(others, p.Name)
	}
	return others
}
