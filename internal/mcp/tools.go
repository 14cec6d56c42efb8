// internal/mcp/tools.go
package mcp

import (
	"context"
	"fmt"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/Corphon/PersonaRelay/internal/models"
	"github.com/Corphon/PersonaRelay/internal/services"
)

type SendMessageInput struct {
	UserID    string `json:"user_id" jsonschema:"caller identity used to key the conversation"`
	PersonaID string `json:"persona_id" jsonschema:"persona to talk to"`
	Message   string `json:"message" jsonschema:"user message"`
	APIKey    string `json:"api_key,omitempty" jsonschema:"provider key, defaults to the server key"`
}

type GroupSendInput struct {
	UserID  string `json:"user_id" jsonschema:"caller identity used to key the conversation"`
	GroupID string `json:"group_id" jsonschema:"group to address"`
	Message string `json:"message" jsonschema:"user message, @Name addresses a member"`
	APIKey  string `json:"api_key,omitempty" jsonschema:"provider key, defaults to the server key"`
}

type ReflectInput struct {
	PersonaID      string `json:"persona_id" jsonschema:"persona that reflects"`
	ConversationID string `json:"conversation_id,omitempty" jsonschema:"conversation whose recent messages seed the thought"`
	APIKey         string `json:"api_key,omitempty" jsonschema:"provider key, defaults to the server key"`
}

type ListPersonasInput struct{}

type GetHistoryInput struct {
	ConversationID string `json:"conversation_id" jsonschema:"conversation id"`
}

type SendMessageOutput struct {
	ConversationID string `json:"conversation_id"`
	Response       string `json:"response"`
	Mood           string `json:"mood"`
	Retrieved      bool   `json:"retrieved"`
}

type GroupReplyOutput struct {
	PersonaID   string `json:"persona_id"`
	PersonaName string `json:"persona_name"`
	Response    string `json:"response"`
	Mood        string `json:"mood"`
}

type GroupSendOutput struct {
	ConversationID string             `json:"conversation_id"`
	Responses      []GroupReplyOutput `json:"responses"`
}

type ReflectOutput struct {
	Content string `json:"content"`
	Mood    string `json:"mood"`
}

type PersonaSummaryOutput struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Occupation string `json:"occupation,omitempty"`
}

type ListPersonasOutput struct {
	Personas []PersonaSummaryOutput `json:"personas"`
}

type MessageOutput struct {
	SenderType string `json:"sender_type"`
	PersonaID  string `json:"persona_id,omitempty"`
	Content    string `json:"content"`
}

type GetHistoryOutput struct {
	Messages []MessageOutput `json:"messages"`
}

func (s *Server) registerTools() {
	sdk.AddTool(s.mcp, &sdk.Tool{
		Name:        "send_message",
		Description: "Send a message to a persona and get its in-character reply",
	}, s.handleSendMessage)

	sdk.AddTool(s.mcp, &sdk.Tool{
		Name:        "group_send",
		Description: "Send a message to a persona group and collect the replies",
	}, s.handleGroupSend)

	sdk.AddTool(s.mcp, &sdk.Tool{
		Name:        "reflect",
		Description: "Generate a short inner thought for a persona",
	}, s.handleReflect)

	sdk.AddTool(s.mcp, &sdk.Tool{
		Name:        "list_personas",
		Description: "List the stored personas",
	}, s.handleListPersonas)

	sdk.AddTool(s.mcp, &sdk.Tool{
		Name:        "get_history",
		Description: "Return the messages of a conversation in order",
	}, s.handleGetHistory)
}

func (s *Server) apiKey(key string) string {
	if key != "" {
		return key
	}
	return s.deps.APIKey
}

func (s *Server) handleSendMessage(ctx context.Context, req *sdk.CallToolRequest, input SendMessageInput) (*sdk.CallToolResult, SendMessageOutput, error) {
	result, err := s.deps.Chat.Send(ctx, services.SendRequest{
		UserID:    input.UserID,
		PersonaID: input.PersonaID,
		Message:   input.Message,
		APIKey:    s.apiKey(input.APIKey),
	})
	if err != nil {
		return nil, SendMessageOutput{}, err
	}
	return nil, SendMessageOutput{
		ConversationID: result.ConversationID,
		Response:       result.Response,
		Mood:           string(result.Mood),
		Retrieved:      result.Retrieved,
	}, nil
}

func (s *Server) handleGroupSend(ctx context.Context, req *sdk.CallToolRequest, input GroupSendInput) (*sdk.CallToolResult, GroupSendOutput, error) {
	result, err := s.deps.Chat.SendGroup(ctx, services.GroupSendRequest{
		UserID:  input.UserID,
		GroupID: input.GroupID,
		Message: input.Message,
		APIKey:  s.apiKey(input.APIKey),
	}, nil)
	if err != nil {
		return nil, GroupSendOutput{}, err
	}

	output := make([]GroupReplyOutput, 0, len(result.Responses))
	for _, reply := range result.Responses {
		output = append(output, GroupReplyOutput{
			PersonaID:   reply.PersonaID,
			PersonaName: reply.PersonaName,
			Response:    reply.Response,
			Mood:        string(reply.Mood),
		})
	}
	return nil, GroupSendOutput{ConversationID: result.ConversationID, Responses: output}, nil
}

func (s *Server) handleReflect(ctx context.Context, req *sdk.CallToolRequest, input ReflectInput) (*sdk.CallToolResult, ReflectOutput, error) {
	if input.PersonaID == "" {
		return nil, ReflectOutput{}, fmt.Errorf("persona_id is required")
	}
	persona, err := s.deps.Store.GetPersona(ctx, input.PersonaID)
	if err != nil {
		return nil, ReflectOutput{}, fmt.Errorf("load persona %s: %w", input.PersonaID, err)
	}

	var history []models.Message
	if input.ConversationID != "" {
		history, err = s.deps.Chat.History(ctx, input.ConversationID)
		if err != nil {
			return nil, ReflectOutput{}, err
		}
	}

	dispatcher, err := s.deps.Dispatchers.ForAPIKey(s.apiKey(input.APIKey))
	if err != nil {
		return nil, ReflectOutput{}, err
	}
	reflection, err := s.deps.Reflection.Reflect(ctx, dispatcher, persona, history)
	if err != nil {
		return nil, ReflectOutput{}, err
	}
	return nil, ReflectOutput{Content: reflection.Content, Mood: string(reflection.MoodCode)}, nil
}

func (s *Server) handleListPersonas(ctx context.Context, req *sdk.CallToolRequest, input ListPersonasInput) (*sdk.CallToolResult, ListPersonasOutput, error) {
	personas, err := s.deps.Store.ListPersonas(ctx)
	if err != nil {
		return nil, ListPersonasOutput{}, err
	}

	output := make([]PersonaSummaryOutput, 0, len(personas))
	for _, p := range personas {
		output = append(output, PersonaSummaryOutput{ID: p.ID, Name: p.Name, Occupation: p.Occupation})
	}
	return nil, ListPersonasOutput{Personas: output}, nil
}

func (s *Server) handleGetHistory(ctx context.Context, req *sdk.CallToolRequest, input GetHistoryInput) (*sdk.CallToolResult, GetHistoryOutput, error) {
	msgs, err := s.deps.Chat.History(ctx, input.ConversationID)
	if err != nil {
		return nil, GetHistoryOutput{}, err
	}

	output := make([]MessageOutput, 0, len(msgs))
	for _, m := range msgs {
		output = append(output, MessageOutput{SenderType: string(m.SenderType), PersonaID: m.PersonaID, Content: m.Content})
	}
	return nil, GetHistoryOutput{Messages: output}, nil
}
