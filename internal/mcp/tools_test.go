package mcp

import (
	"context"
	"sort"
	"testing"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Corphon/PersonaRelay/internal/config"
	"github.com/Corphon/PersonaRelay/internal/models"
	"github.com/Corphon/PersonaRelay/internal/services"
	"github.com/Corphon/PersonaRelay/internal/storage"
)

// echoDispatcher 以固定文本作答
type echoDispatcher struct {
	reply string
}

func (e *echoDispatcher) Vendor() string { return "echo" }

func (e *echoDispatcher) Chat(ctx context.Context, req services.DispatchRequest) models.DispatchResult {
	return models.DispatchResult{Success: true, Response: req.Persona.Name + ": " + e.reply, Mood: models.MoodCurious}
}

func (e *echoDispatcher) Generate(ctx context.Context, systemPrompt, prompt string) (string, error) {
	return e.reply, nil
}

type keyRecorder struct {
	d    *echoDispatcher
	keys []string
}

func (k *keyRecorder) ForAPIKey(apiKey string) (services.ChatDispatcher, error) {
	k.keys = append(k.keys, apiKey)
	return k.d, nil
}

func newTestServer(t *testing.T) (*Server, storage.Store, *keyRecorder) {
	t.Helper()
	store, err := storage.NewFileStore(t.TempDir())
	require.NoError(t, err)

	cfg := config.Default()
	keys := &keyRecorder{d: &echoDispatcher{reply: "the tide is turning"}}
	knowledge := services.NewKnowledgeService(cfg.Retrieval, nil, nil)
	groups := services.NewGroupService(services.NewMoodService(), knowledge, cfg.Group.FallbackResponders, nil, nil)
	chat := services.NewChatService(store, keys, services.NewMoodService(), knowledge, groups,
		services.ChatOptions{GroupHistoryWindow: cfg.Group.HistoryWindow}, nil, nil)

	server := NewServer(Deps{
		Chat:        chat,
		Dispatchers: keys,
		Store:       store,
		APIKey:      "server-key",
	}, "test")
	return server, store, keys
}

func TestSendMessageTool(t *testing.T) {
	server, store, keys := newTestServer(t)
	ctx := context.Background()
	require.NoError(t, store.SavePersona(ctx, &models.Persona{ID: "p1", Name: "Alice"}))

	_, out, err := server.handleSendMessage(ctx, nil, SendMessageInput{UserID: "u1", PersonaID: "p1", Message: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "Alice: the tide is turning", out.Response)
	assert.Equal(t, "curious", out.Mood)
	assert.NotEmpty(t, out.ConversationID)
	assert.Equal(t, []string{"server-key"}, keys.keys)

	_, history, err := server.handleGetHistory(ctx, nil, GetHistoryInput{ConversationID: out.ConversationID})
	require.NoError(t, err)
	require.Len(t, history.Messages, 2)
	assert.Equal(t, "user", history.Messages[0].SenderType)
	assert.Equal(t, "p1", history.Messages[1].PersonaID)

	// 调用方自带的 key 优先于服务端默认 key
	_, own, err := server.handleSendMessage(ctx, nil, SendMessageInput{UserID: "u1", PersonaID: "p1", Message: "again", APIKey: "own-key"})
	require.NoError(t, err)
	assert.Equal(t, out.ConversationID, own.ConversationID)
	assert.Equal(t, []string{"server-key", "own-key"}, keys.keys)

	// 角色不存在时在选择 key 之前失败
	_, _, err = server.handleSendMessage(ctx, nil, SendMessageInput{UserID: "u1", PersonaID: "ghost", Message: "hello", APIKey: "ghost-key"})
	require.Error(t, err)
	assert.Len(t, keys.keys, 2)
}

func TestGroupSendTool(t *testing.T) {
	server, store, _ := newTestServer(t)
	ctx := context.Background()
	require.NoError(t, store.SavePersona(ctx, &models.Persona{ID: "p1", Name: "Alice"}))
	require.NoError(t, store.SavePersona(ctx, &models.Persona{ID: "p2", Name: "Bob"}))
	require.NoError(t, store.SaveGroup(ctx, &models.Group{ID: "g1", Name: "Harbour", PersonaIDs: []string{"p1", "p2"}}))

	_, out, err := server.handleGroupSend(ctx, nil, GroupSendInput{UserID: "u1", GroupID: "g1", Message: "evening all"})
	require.NoError(t, err)
	require.Len(t, out.Responses, 2)

	names := []string{out.Responses[0].PersonaName, out.Responses[1].PersonaName}
	sort.Strings(names)
	assert.Equal(t, []string{"Alice", "Bob"}, names)
}

func TestReflectTool(t *testing.T) {
	server, store, _ := newTestServer(t)
	ctx := context.Background()
	require.NoError(t, store.SavePersona(ctx, &models.Persona{ID: "p1", Name: "Alice"}))

	_, _, err := server.handleReflect(ctx, nil, ReflectInput{})
	require.Error(t, err)

	_, _, err = server.handleReflect(ctx, nil, ReflectInput{PersonaID: "ghost"})
	require.Error(t, err)

	_, out, err := server.handleReflect(ctx, nil, ReflectInput{PersonaID: "p1"})
	require.NoError(t, err)
	assert.Equal(t, "Alice: the tide is turning", out.Content)
	assert.Equal(t, "curious", out.Mood)
}

func TestListPersonasTool(t *testing.T) {
	server, store, _ := newTestServer(t)
	ctx := context.Background()

	_, out, err := server.handleListPersonas(ctx, nil, ListPersonasInput{})
	require.NoError(t, err)
	assert.Empty(t, out.Personas)

	require.NoError(t, store.SavePersona(ctx, &models.Persona{ID: "p1", Name: "Alice", Occupation: "Archivist"}))
	_, out, err = server.handleListPersonas(ctx, nil, ListPersonasInput{})
	require.NoError(t, err)
	require.Len(t, out.Personas, 1)
	assert.Equal(t, "Archivist", out.Personas[0].Occupation)
}

func TestToolsAreRegistered(t *testing.T) {
	server, _, _ := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clientTransport, serverTransport := sdk.NewInMemoryTransports()
	serverSession, err := server.mcp.Connect(ctx, serverTransport, nil)
	require.NoError(t, err)
	defer serverSession.Close()

	client := sdk.NewClient(&sdk.Implementation{Name: "test-client", Version: "test"}, nil)
	session, err := client.Connect(ctx, clientTransport, nil)
	require.NoError(t, err)
	defer session.Close()

	result, err := session.ListTools(ctx, &sdk.ListToolsParams{})
	require.NoError(t, err)

	var names []string
	for _, tool := range result.Tools {
		names = append(names, tool.Name)
	}
	sort.Strings(names)
	assert.Equal(t, []string{"get_history", "group_send", "list_personas", "reflect", "send_message"}, names)
}
