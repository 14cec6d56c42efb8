package services

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	apperrors "github.com/Corphon/PersonaRelay/internal/errors"
	"github.com/Corphon/PersonaRelay/internal/models"
)

// fakeDispatcher 按人格 ID 决定成功或失败，并记录每次调度请求
type fakeDispatcher struct {
	mu       sync.Mutex
	fail     map[string]bool
	requests []DispatchRequest
}

func (f *fakeDispatcher) Vendor() string { return "fake" }

func (f *fakeDispatcher) Chat(ctx context.Context, req DispatchRequest) models.DispatchResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	// 保存历史快照，调用方之后会继续追加
	req.History = append([]models.Message(nil), req.History...)
	f.requests = append(f.requests, req)

	mood := models.MoodDefault
	if req.Mood != nil {
		mood = req.Mood.Code
	}
	if f.fail[req.Persona.ID] {
		return models.DispatchResult{Success: false, Error: "vendor exploded", Mood: mood}
	}
	return models.DispatchResult{
		Success:   true,
		Response:  req.Persona.Name + " says hi",
		Mood:      mood,
		Retrieved: len(req.Snippets) > 0,
	}
}

func (f *fakeDispatcher) Generate(ctx context.Context, systemPrompt, prompt string) (string, error) {
	return "generated", nil
}

func roster(names ...string) []*models.Persona {
	out := make([]*models.Persona, 0, len(names))
	for _, n := range names {
		out = append(out, &models.Persona{ID: "id-" + n, Name: n})
	}
	return out
}

func newTestGroupService() *GroupService {
	return NewGroupService(NewMoodService(), newTestKnowledgeService(&fakeFetcher{}), 3, nil, nil)
}

func personaNames(ps []*models.Persona) []string {
	var out []string
	for _, p := range ps {
		out = append(out, p.Name)
	}
	return out
}

func TestSelectRespondersMentions(t *testing.T) {
	s := newTestGroupService()
	r := roster("Alice", "Bob Smith")

	assert.Equal(t, []string{"Alice"}, personaNames(s.SelectResponders(r, "Hey @Alice how are you")))
	assert.Equal(t, []string{"Bob Smith"}, personaNames(s.SelectResponders(r, "@bob smith, thoughts?")))
	assert.Equal(t, []string{"Bob Smith"}, personaNames(s.SelectResponders(r, "@BobSmith thoughts?")))
	assert.Equal(t, []string{"Alice", "Bob Smith"}, personaNames(s.SelectResponders(r, "@Bob and @alice @alice")))
}

func TestSelectRespondersShortFirstName(t *testing.T) {
	s := newTestGroupService()
	r := roster("Al Green", "Jo", "Maya", "Zed")

	// 长度不超过 2 的名字不能单独匹配，只能用全名
	got := s.SelectResponders(r, "@al are you there?")
	assert.Equal(t, []string{"Al Green", "Jo", "Maya"}, personaNames(got))

	got = s.SelectResponders(r, "@AlGreen are you there?")
	assert.Equal(t, []string{"Al Green"}, personaNames(got))

	got = s.SelectResponders(r, "@Jo hi")
	assert.Equal(t, []string{"Jo"}, personaNames(got))
}

func TestSelectRespondersFallback(t *testing.T) {
	s := newTestGroupService()
	r := roster("Alice", "Bob", "Carol", "Dave", "Erin")

	assert.Equal(t, []string{"Alice", "Bob", "Carol"}, personaNames(s.SelectResponders(r, "hello everyone")))
	assert.Equal(t, []string{"Alice"}, personaNames(s.SelectResponders(r[:1], "hello")))
	assert.Empty(t, s.SelectResponders(nil, "hello"))
}

func TestRunTurnThreadsHistory(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	s := newTestGroupService()
	r := roster("Alice", "Bob", "Carol")
	d := &fakeDispatcher{}
	var hooked []string

	history := []models.Message{userMsg("morning all")}
	replies, err := s.RunTurn(context.Background(), GroupTurnRequest{
		Group:      &models.Group{ID: "g1", Name: "Harbour"},
		Roster:     r,
		Responders: r[:2],
		History:    history,
		Message:    "what are we doing today?",
		Dispatcher: d,
		OnReply: func(ctx context.Context, p *models.Persona, reply models.GroupReply) error {
			hooked = append(hooked, reply.PersonaName)
			return nil
		},
	})
	require.NoError(t, err)

	require.Len(t, replies, 2)
	assert.Equal(t, "id-Alice", replies[0].PersonaID)
	assert.Equal(t, "Bob says hi", replies[1].Response)
	assert.Equal(t, []string{"Alice", "Bob"}, hooked)

	require.Len(t, d.requests, 2)
	assert.Equal(t, "You are in a group chat called 'Harbour'. Other members present: Bob, Carol.", d.requests[0].SituationalContext)
	assert.Equal(t, "You are in a group chat called 'Harbour'. Other members present: Alice, Carol.", d.requests[1].SituationalContext)

	// Bob 能看到 Alice 本轮的回复
	assert.Len(t, d.requests[0].History, 1)
	require.Len(t, d.requests[1].History, 2)
	last := d.requests[1].History[1]
	assert.Equal(t, models.SenderPersona, last.SenderType)
	assert.Equal(t, "id-Alice", last.PersonaID)
	assert.Equal(t, "Alice says hi", last.Content)

	// 调用方的历史不被修改
	assert.Len(t, history, 1)
	for _, req := range d.requests {
		require.NotNil(t, req.Mood)
		assert.True(t, req.Mood.Code.Valid())
	}
}

func TestRunTurnPartialFailure(t *testing.T) {
	s := newTestGroupService()
	r := roster("Alice", "Bob", "Carol")
	d := &fakeDispatcher{fail: map[string]bool{"id-Bob": true}}

	replies, err := s.RunTurn(context.Background(), GroupTurnRequest{
		Group:      &models.Group{Name: "Harbour"},
		Roster:     r,
		Responders: r,
		Message:    "hi",
		Dispatcher: d,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"Alice", "Carol"}, []string{replies[0].PersonaName, replies[1].PersonaName})
	assert.Len(t, d.requests, 3)
}

func TestRunTurnTotalFailure(t *testing.T) {
	s := newTestGroupService()
	r := roster("Alice", "Bob")
	d := &fakeDispatcher{fail: map[string]bool{"id-Alice": true, "id-Bob": true}}

	replies, err := s.RunTurn(context.Background(), GroupTurnRequest{
		Group:      &models.Group{Name: "Harbour"},
		Roster:     r,
		Responders: r,
		Message:    "hi",
		Dispatcher: d,
	})
	assert.Nil(t, replies)
	require.Error(t, err)
	assert.True(t, apperrors.IsGroupUnresponsiveError(err))
}

func TestRunTurnUsesFreshMoodPerPersona(t *testing.T) {
	s := newTestGroupService()
	r := roster("Alice", "Bob")
	d := &fakeDispatcher{}

	history := []models.Message{userMsg("a"), userMsg("b")}
	_, err := s.RunTurn(context.Background(), GroupTurnRequest{
		Group:      &models.Group{Name: "Harbour"},
		Roster:     r,
		Responders: r,
		History:    history,
		Message:    "do you remember the old times?",
		Dispatcher: d,
	})
	require.NoError(t, err)
	require.Len(t, d.requests, 2)
	assert.Equal(t, models.MoodNostalgic, d.requests[0].Mood.Code)
	assert.Equal(t, models.MoodNostalgic, d.requests[1].Mood.Code)
}
