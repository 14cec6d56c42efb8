// internal/api/handlers.go
package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	apperrors "github.com/Corphon/PersonaRelay/internal/errors"
	"github.com/Corphon/PersonaRelay/internal/models"
	"github.com/Corphon/PersonaRelay/internal/services"
	"github.com/Corphon/PersonaRelay/internal/storage"
	"github.com/Corphon/PersonaRelay/internal/utils"
)

// ServiceName 健康检查中返回的服务名
const ServiceName = "PersonaRelay"

// Handler 处理API请求
type Handler struct {
	chat        *services.ChatService
	reflection  *services.ReflectionService
	synthesis   *services.SynthesisService
	dispatchers services.DispatcherProvider
	store       storage.Store
	hub         *GroupHub
	metrics     *utils.RelayMetrics
	logger      *utils.Logger
	Response    *ResponseHelper // 响应助手
}

// HandlerDeps 构造 Handler 所需的依赖
type HandlerDeps struct {
	Chat        *services.ChatService
	Reflection  *services.ReflectionService
	Synthesis   *services.SynthesisService
	Dispatchers services.DispatcherProvider
	Store       storage.Store
	Hub         *GroupHub
	Metrics     *utils.RelayMetrics
	Logger      *utils.Logger
}

// NewHandler 创建API处理器
func NewHandler(deps HandlerDeps) *Handler {
	if deps.Logger == nil {
		deps.Logger = utils.NewNopLogger()
	}
	if deps.Metrics == nil {
		deps.Metrics = utils.NewRelayMetrics(nil, deps.Logger)
	}
	if deps.Hub == nil {
		deps.Hub = NewGroupHub(0, deps.Logger)
	}
	if deps.Reflection == nil {
		deps.Reflection = services.NewReflectionService()
	}
	if deps.Synthesis == nil {
		deps.Synthesis = services.NewSynthesisService()
	}
	return &Handler{
		chat:        deps.Chat,
		reflection:  deps.Reflection,
		synthesis:   deps.Synthesis,
		dispatchers: deps.Dispatchers,
		store:       deps.Store,
		hub:         deps.Hub,
		metrics:     deps.Metrics,
		logger:      deps.Logger,
		Response:    NewResponseHelper(),
	}
}

// bindJSON 请求体无法解析时按缺字段处理
func (h *Handler) bindJSON(c *gin.Context, v interface{}, missingMsg string) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		h.Response.Error(c, http.StatusBadRequest, ErrorMissingFields, missingMsg, err.Error())
		return false
	}
	return true
}

// ========================================
// 对话
// ========================================

// SendMessage 单人格对话
func (h *Handler) SendMessage(c *gin.Context) {
	var req services.SendRequest
	if !h.bindJSON(c, &req, services.MsgMissingFields) {
		return
	}

	result, err := h.chat.Send(c.Request.Context(), req)
	if err != nil {
		h.Response.FromError(c, err, ErrorPersonaNotFound)
		return
	}
	h.Response.Success(c, result)
}

// SendGroupMessage 群聊，回复同时推送给该群的 WebSocket 订阅者
func (h *Handler) SendGroupMessage(c *gin.Context) {
	var req services.GroupSendRequest
	if !h.bindJSON(c, &req, services.MsgMissingFields) {
		return
	}

	result, err := h.chat.SendGroup(c.Request.Context(), req, h.broadcastReply(req.GroupID))
	if err != nil {
		h.Response.FromError(c, err, ErrorGroupNotFound)
		return
	}
	h.Response.Success(c, result)
}

// GetHistory 会话的完整消息记录
func (h *Handler) GetHistory(c *gin.Context) {
	msgs, err := h.chat.History(c.Request.Context(), c.Param("conversation_id"))
	if err != nil {
		h.Response.FromError(c, err, ErrorConversationNotFound)
		return
	}
	h.Response.Success(c, gin.H{"messages": msgs})
}

// ========================================
// 内省与人格合成
// ========================================

// ReflectRequest 内省请求，persona 可直接传入，也可只给 persona_id
type ReflectRequest struct {
	Persona   *models.Persona  `json:"persona"`
	PersonaID string           `json:"persona_id"`
	History   []models.Message `json:"history"`
	UserID    string           `json:"user_id"`
	APIKey    string           `json:"api_key"`
}

// Reflect 生成人格的一段内心独白
func (h *Handler) Reflect(c *gin.Context) {
	const missing = "Missing persona or user_id"

	var req ReflectRequest
	if !h.bindJSON(c, &req, missing) {
		return
	}

	persona := req.Persona
	if persona == nil && req.PersonaID != "" {
		p, err := h.store.GetPersona(c.Request.Context(), req.PersonaID)
		if err != nil {
			h.Response.FromError(c, personaLookupError(err), ErrorPersonaNotFound)
			return
		}
		persona = p
	}
	if persona == nil || strings.TrimSpace(req.UserID) == "" {
		h.Response.Error(c, http.StatusBadRequest, ErrorMissingFields, missing)
		return
	}

	dispatcher, err := h.dispatchers.ForAPIKey(req.APIKey)
	if err != nil {
		h.Response.Error(c, http.StatusBadRequest, ErrorAPIKeyMissing, "api_key is required")
		return
	}

	reflection, err := h.reflection.Reflect(c.Request.Context(), dispatcher, persona, req.History)
	if err != nil {
		h.Response.FromError(c, err, ErrorPersonaNotFound)
		return
	}
	h.Response.Success(c, reflection)
}

// SynthesizeRequest 人格合成请求
type SynthesizeRequest struct {
	Name    string `json:"name"`
	Context string `json:"context"`
	APIKey  string `json:"api_key"`
}

// SynthesizePersona 根据名字生成结构化人格
func (h *Handler) SynthesizePersona(c *gin.Context) {
	var req SynthesizeRequest
	if !h.bindJSON(c, &req, "Name is required") {
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		h.Response.BadRequest(c, "Name is required")
		return
	}

	dispatcher, err := h.dispatchers.ForAPIKey(req.APIKey)
	if err != nil {
		h.Response.Error(c, http.StatusBadRequest, ErrorAPIKeyMissing, "api_key is required")
		return
	}

	profile, err := h.synthesis.Synthesize(c.Request.Context(), dispatcher, req.Name, req.Context)
	if err != nil {
		if apperrors.IsProviderFatalError(err) || apperrors.IsProviderTransientError(err) || apperrors.IsValidationError(err) {
			h.Response.FromError(c, err, "")
			return
		}
		h.Response.Error(c, http.StatusInternalServerError, ErrorSynthesisFailed, "Failed to parse AI response", err.Error())
		return
	}
	h.Response.Success(c, profile)
}

// ========================================
// 人格与群组管理
// ========================================

// CreatePersona 保存人格，未提供 ID 时自动生成
func (h *Handler) CreatePersona(c *gin.Context) {
	var persona models.Persona
	if err := c.ShouldBindJSON(&persona); err != nil {
		h.Response.BadRequest(c, "invalid persona payload", err.Error())
		return
	}
	if strings.TrimSpace(persona.Name) == "" {
		h.Response.BadRequest(c, "Name is required")
		return
	}

	if err := h.store.SavePersona(c.Request.Context(), &persona); err != nil {
		h.Response.InternalError(c, "failed to save persona", err.Error())
		return
	}
	h.Response.Created(c, persona)
}

// ListPersonas 列出全部人格
func (h *Handler) ListPersonas(c *gin.Context) {
	personas, err := h.store.ListPersonas(c.Request.Context())
	if err != nil {
		h.Response.InternalError(c, "failed to list personas", err.Error())
		return
	}
	if personas == nil {
		personas = []*models.Persona{}
	}
	h.Response.Success(c, gin.H{"personas": personas})
}

// GetPersona 获取单个人格
func (h *Handler) GetPersona(c *gin.Context) {
	persona, err := h.store.GetPersona(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.Response.FromError(c, personaLookupError(err), ErrorPersonaNotFound)
		return
	}
	h.Response.Success(c, persona)
}

// CreateGroup 保存群组，成员必须已存在
func (h *Handler) CreateGroup(c *gin.Context) {
	var group models.Group
	if err := c.ShouldBindJSON(&group); err != nil {
		h.Response.BadRequest(c, "invalid group payload", err.Error())
		return
	}
	if strings.TrimSpace(group.Name) == "" {
		h.Response.BadRequest(c, "Name is required")
		return
	}
	for _, id := range group.PersonaIDs {
		if _, err := h.store.GetPersona(c.Request.Context(), id); err != nil {
			h.Response.FromError(c, personaLookupError(err), ErrorPersonaNotFound)
			return
		}
	}

	if err := h.store.SaveGroup(c.Request.Context(), &group); err != nil {
		h.Response.InternalError(c, "failed to save group", err.Error())
		return
	}
	h.Response.Created(c, group)
}

// ListGroups 列出全部群组
func (h *Handler) ListGroups(c *gin.Context) {
	groups, err := h.store.ListGroups(c.Request.Context())
	if err != nil {
		h.Response.InternalError(c, "failed to list groups", err.Error())
		return
	}
	if groups == nil {
		groups = []*models.Group{}
	}
	h.Response.Success(c, gin.H{"groups": groups})
}

// GetGroup 获取单个群组
func (h *Handler) GetGroup(c *gin.Context) {
	group, err := h.store.GetGroup(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.Response.FromError(c, groupLookupError(err), ErrorGroupNotFound)
		return
	}
	h.Response.Success(c, group)
}

// ========================================
// 运行状态
// ========================================

// Health 健康检查
func (h *Handler) Health(c *gin.Context) {
	h.Response.Success(c, gin.H{"status": "healthy", "service": ServiceName})
}

// GetStats 指标快照与 WebSocket 订阅状态
func (h *Handler) GetStats(c *gin.Context) {
	h.Response.Success(c, gin.H{
		"metrics":   h.metrics.Collector().GetMetrics(),
		"websocket": h.hub.GetStatus(),
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

func personaLookupError(err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return apperrors.NewNotFoundError(services.MsgPersonaNotFound, err)
	}
	return apperrors.NewProcessingError("storage failure", err)
}

func groupLookupError(err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return apperrors.NewNotFoundError(services.MsgGroupNotFound, err)
	}
	return apperrors.NewProcessingError("storage failure", err)
}
