package conversations

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/mathsolver/core/internal/chat/model"
	"github.com/mathsolver/core/internal/chat/repo"
	errx "github.com/mathsolver/core/internal/core/error"
	logx "github.com/mathsolver/core/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	logx.Disable()
	m.Run()
}

const ns = "test_"

// tickingClock advances one millisecond per call so updatedAt values are ordered.
func tickingClock() func() time.Time {
	t := time.UnixMilli(1_700_000_000_000)
	return func() time.Time {
		t = t.Add(time.Millisecond)
		return t
	}
}

func sequentialIDs() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("id-%03d", n)
	}
}

func newTestStore(t *testing.T, kv repo.KV, cfg model.ConversationConfig) *Store {
	t.Helper()
	return NewStore(kv, ns, cfg, WithClock(tickingClock()), WithIDGenerator(sequentialIDs()))
}

func storedConversations(t *testing.T, kv repo.KV) []*model.Conversation {
	t.Helper()
	raw, err := kv.Get(context.Background(), ns+conversationsKey)
	require.NoError(t, err)
	var out []*model.Conversation
	require.NoError(t, json.Unmarshal(raw, &out))
	return out
}

func TestStore_CreateIsActiveAndPersisted(t *testing.T) {
	ctx := context.Background()
	kv := repo.NewMemoryKV(0)
	s := newTestStore(t, kv, model.ConversationConfig{})

	id, err := s.Create(ctx)
	require.NoError(t, err)
	assert.Equal(t, id, s.ActiveID())

	c, ok := s.Active()
	require.True(t, ok)
	assert.Equal(t, model.DefaultTitle, c.Title)
	assert.Empty(t, c.Messages)
	assert.Empty(t, c.Model)
	assert.Empty(t, c.PersonaID)

	stored := storedConversations(t, kv)
	require.Len(t, stored, 1)
	assert.Equal(t, id, stored[0].ID)

	active, err := kv.Get(ctx, ns+activeIDKey)
	require.NoError(t, err)
	assert.Equal(t, id, string(active))
}

func TestStore_AddUserMessageAutoCreatesAndTitles(t *testing.T) {
	ctx := context.Background()
	kv := repo.NewMemoryKV(0)
	s := newTestStore(t, kv, model.ConversationConfig{})

	ref, err := s.AddUserMessage(ctx, "What is $x$ if $2x = 4$?")
	require.NoError(t, err)
	assert.Equal(t, ref.ConversationID, s.ActiveID())

	_, err = s.AddUserMessage(ctx, "and the second question")
	require.NoError(t, err)

	c, _ := s.Get(ref.ConversationID)
	assert.Equal(t, "What is [formula] if [formula]?", c.Title, "only the first message names the conversation")
	require.Len(t, c.Messages, 2)
	assert.Equal(t, model.RoleUser, c.Messages[0].Role)
	assert.Empty(t, c.Messages[0].Reasoning)

	stored := storedConversations(t, kv)
	require.Len(t, stored, 1)
	assert.Len(t, stored[0].Messages, 2)
}

func TestStore_UpdateAssistantMessageIsMemoryOnly(t *testing.T) {
	ctx := context.Background()
	kv := repo.NewMemoryKV(0)
	s := newTestStore(t, kv, model.ConversationConfig{})

	ref, err := s.AddUserMessage(ctx, "q")
	require.NoError(t, err)
	msgID, err := s.AddAssistantMessage(ctx, ref.ConversationID, "", "")
	require.NoError(t, err)

	assert.True(t, s.UpdateAssistantMessage(ref.ConversationID, msgID, "partial", "thinking"))

	c, _ := s.Get(ref.ConversationID)
	assert.Equal(t, "partial", c.Messages[1].Content)
	assert.Equal(t, "thinking", c.Messages[1].Reasoning)

	stored := storedConversations(t, kv)
	assert.Equal(t, "", stored[0].Messages[1].Content, "updates are not persisted until Save")

	require.NoError(t, s.Save(ctx))
	stored = storedConversations(t, kv)
	assert.Equal(t, "partial", stored[0].Messages[1].Content)
	assert.Equal(t, "thinking", stored[0].Messages[1].Reasoning)
}

func TestStore_UpdateAssistantMessageIgnoresUserMessages(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, repo.NewMemoryKV(0), model.ConversationConfig{})

	ref, err := s.AddUserMessage(ctx, "original")
	require.NoError(t, err)

	assert.False(t, s.UpdateAssistantMessage(ref.ConversationID, ref.MessageID, "hijacked", "r"))
	assert.False(t, s.UpdateAssistantMessage(ref.ConversationID, "missing", "x", ""))
	assert.False(t, s.UpdateAssistantMessage("missing", ref.MessageID, "x", ""))

	c, _ := s.Get(ref.ConversationID)
	assert.Equal(t, "original", c.Messages[0].Content)
	assert.Empty(t, c.Messages[0].Reasoning)
}

func TestStore_DeleteMessage(t *testing.T) {
	ctx := context.Background()
	kv := repo.NewMemoryKV(0)
	s := newTestStore(t, kv, model.ConversationConfig{})

	ref, err := s.AddUserMessage(ctx, "first question")
	require.NoError(t, err)
	a, err := s.AddAssistantMessage(ctx, ref.ConversationID, "answer", "")
	require.NoError(t, err)

	require.NoError(t, s.DeleteMessage(ctx, ref.ConversationID, a))
	c, _ := s.Get(ref.ConversationID)
	require.Len(t, c.Messages, 1)
	assert.Equal(t, "first question", c.Title)

	// unknown ids are a no-op
	require.NoError(t, s.DeleteMessage(ctx, ref.ConversationID, "nope"))

	require.NoError(t, s.DeleteMessage(ctx, ref.ConversationID, ref.MessageID))
	c, _ = s.Get(ref.ConversationID)
	assert.Empty(t, c.Messages)
	assert.Equal(t, model.DefaultTitle, c.Title)
	assert.Empty(t, storedConversations(t, kv)[0].Messages)

	err = s.DeleteMessage(ctx, "missing", "x")
	assert.ErrorIs(t, err, ErrConversationNotFound)
}

func TestStore_DeleteActivePromotesNewest(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, repo.NewMemoryKV(0), model.ConversationConfig{})

	first, _ := s.Create(ctx)
	second, _ := s.Create(ctx)
	third, _ := s.Create(ctx)
	require.NoError(t, s.SetActive(ctx, first))

	// touch second so it is the most recently updated survivor
	require.NoError(t, s.SwitchPersona(ctx, second, "socratic"))

	require.NoError(t, s.DeleteConversation(ctx, first))
	assert.Equal(t, second, s.ActiveID())
	assert.Len(t, s.List(), 2)

	// deleting an inactive conversation keeps the active one
	require.NoError(t, s.DeleteConversation(ctx, third))
	assert.Equal(t, second, s.ActiveID())

	assert.ErrorIs(t, s.DeleteConversation(ctx, "missing"), ErrConversationNotFound)
}

func TestStore_DeleteLastConversationCreatesFreshOne(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, repo.NewMemoryKV(0), model.ConversationConfig{})

	only, _ := s.Create(ctx)
	require.NoError(t, s.DeleteConversation(ctx, only))

	list := s.List()
	require.Len(t, list, 1)
	assert.NotEqual(t, only, list[0].ID)
	assert.Equal(t, list[0].ID, s.ActiveID())
}

func TestStore_ClearAll(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, repo.NewMemoryKV(0), model.ConversationConfig{})
	for i := 0; i < 3; i++ {
		_, err := s.AddUserMessage(ctx, "q")
		require.NoError(t, err)
		_, err = s.Create(ctx)
		require.NoError(t, err)
	}

	id, err := s.ClearAll(ctx)
	require.NoError(t, err)
	list := s.List()
	require.Len(t, list, 1)
	assert.Equal(t, id, list[0].ID)
	assert.Equal(t, id, s.ActiveID())
}

func TestStore_AssignModelAndPersonaOnlyOnce(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, repo.NewMemoryKV(0), model.ConversationConfig{})
	id, _ := s.Create(ctx)

	require.NoError(t, s.AssignModel(ctx, id, "gpt-4o-mini"))
	require.NoError(t, s.AssignModel(ctx, id, "other-model"))
	require.NoError(t, s.AssignPersona(ctx, id, "math-tutor"))
	require.NoError(t, s.AssignPersona(ctx, id, "socratic"))

	c, _ := s.Get(id)
	assert.Equal(t, "gpt-4o-mini", c.Model)
	assert.Equal(t, "math-tutor", c.PersonaID)

	require.NoError(t, s.SwitchPersona(ctx, id, "socratic"))
	c, _ = s.Get(id)
	assert.Equal(t, "socratic", c.PersonaID)

	assert.ErrorIs(t, s.AssignModel(ctx, "missing", "m"), ErrConversationNotFound)
}

func TestStore_RetentionCapKeepsNewest(t *testing.T) {
	ctx := context.Background()
	kv := repo.NewMemoryKV(0)
	s := newTestStore(t, kv, model.ConversationConfig{MaxConversations: 50, MinConversations: 10, PruneStep: 5})

	var ids []string
	for i := 0; i < 60; i++ {
		id, err := s.Create(ctx)
		require.NoError(t, err)
		ids = append(ids, id)
	}
	require.NoError(t, s.Save(ctx))

	stored := storedConversations(t, kv)
	require.Len(t, stored, 50)
	kept := make(map[string]bool, len(stored))
	for _, c := range stored {
		kept[c.ID] = true
	}
	for i, id := range ids {
		assert.Equal(t, i >= 10, kept[id], "conversation %d (%s)", i, id)
	}
	assert.Len(t, s.List(), 50)
	assert.Equal(t, ids[59], s.ActiveID())
}

func TestStore_QuotaPrunesOldestAndRetries(t *testing.T) {
	ctx := context.Background()
	body := strings.Repeat("x", 200)

	// grow twenty conversations without a quota, then reload them into a
	// store whose backend only fits about twelve
	seed := repo.NewMemoryKV(0)
	s := newTestStore(t, seed, model.ConversationConfig{})
	for i := 0; i < 20; i++ {
		_, err := s.Create(ctx)
		require.NoError(t, err)
		_, err = s.AddUserMessage(ctx, body)
		require.NoError(t, err)
	}
	raw, err := seed.Get(ctx, ns+conversationsKey)
	require.NoError(t, err)
	perConversation := len(raw) / 20

	limited := repo.NewMemoryKV(perConversation*12 + 64)
	s2 := NewStore(&copyKV{from: seed, to: limited}, ns, model.ConversationConfig{}, WithClock(tickingClock()))
	require.NoError(t, s2.Load(ctx))
	require.Len(t, s2.List(), 20)
	newest := s2.List()[0].ID

	require.NoError(t, s2.Save(ctx))

	stored := storedConversations(t, limited)
	assert.Len(t, stored, 10, "20 -> 15 -> 10, the first size that fits")
	for _, c := range stored {
		assert.NotEmpty(t, c.Messages)
	}
	assert.Equal(t, newest, stored[0].ID)
}

func TestStore_QuotaHardFloor(t *testing.T) {
	ctx := context.Background()
	kv := repo.NewMemoryKV(400)
	s := newTestStore(t, kv, model.ConversationConfig{MinConversations: 2})

	_, err := s.Create(ctx)
	require.NoError(t, err)

	_, err = s.AddUserMessage(ctx, strings.Repeat("y", 500))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errx.ErrStorageFull), "got %v", err)
	assert.True(t, errors.Is(err, errx.ErrQuotaExceeded))
	assert.True(t, errx.IsKind(err, errx.KindPersistence))
}

func TestStore_LoadMigratesOldDocuments(t *testing.T) {
	ctx := context.Background()
	kv := repo.NewMemoryKV(0)
	legacy := `[{"id":"c1","title":"Old","messages":[` +
		`{"id":"m1","role":"user","content":"hi","reasoning":"stray","timestamp":1},` +
		`{"id":"m2","role":"assistant","content":"hello","timestamp":2}],` +
		`"model":"gpt-4o-mini","createdAt":1,"updatedAt":2},` +
		`{"id":"c2","title":"Other","messages":null,"model":"","personaId":"socratic","createdAt":3,"updatedAt":4}]`
	require.NoError(t, kv.Set(ctx, ns+conversationsKey, []byte(legacy)))
	require.NoError(t, kv.Set(ctx, ns+activeIDKey, []byte("c2")))

	s := newTestStore(t, kv, model.ConversationConfig{})
	require.NoError(t, s.Load(ctx))

	c1, ok := s.Get("c1")
	require.True(t, ok)
	assert.Equal(t, model.DefaultPersonaID, c1.PersonaID)
	assert.Empty(t, c1.Messages[0].Reasoning)
	assert.Equal(t, "", c1.Messages[1].Reasoning)

	c2, _ := s.Get("c2")
	assert.Equal(t, "socratic", c2.PersonaID)
	assert.NotNil(t, c2.Messages)
	assert.Equal(t, "c2", s.ActiveID())
}

func TestStore_LoadDropsDanglingActiveID(t *testing.T) {
	ctx := context.Background()
	kv := repo.NewMemoryKV(0)
	require.NoError(t, kv.Set(ctx, ns+conversationsKey, []byte(`[]`)))
	require.NoError(t, kv.Set(ctx, ns+activeIDKey, []byte("gone")))

	s := newTestStore(t, kv, model.ConversationConfig{})
	require.NoError(t, s.Load(ctx))
	assert.Empty(t, s.ActiveID())
	_, ok := s.Active()
	assert.False(t, ok)
}

func TestStore_LoadCorruptDocumentStartsEmpty(t *testing.T) {
	ctx := context.Background()
	kv := repo.NewMemoryKV(0)
	require.NoError(t, kv.Set(ctx, ns+conversationsKey, []byte(`{not json`)))

	s := newTestStore(t, kv, model.ConversationConfig{})
	require.NoError(t, s.Load(ctx))
	assert.Empty(t, s.List())
}

func TestStore_NoActiveRemovesKey(t *testing.T) {
	ctx := context.Background()
	kv := repo.NewMemoryKV(0)
	require.NoError(t, kv.Set(ctx, ns+activeIDKey, []byte("stale")))

	s := newTestStore(t, kv, model.ConversationConfig{})
	require.NoError(t, s.Save(ctx))

	_, err := kv.Get(ctx, ns+activeIDKey)
	assert.ErrorIs(t, err, errx.ErrNotFound)
}

func TestStore_ClonesDoNotLeak(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, repo.NewMemoryKV(0), model.ConversationConfig{})
	ref, _ := s.AddUserMessage(ctx, "q")

	c, _ := s.Get(ref.ConversationID)
	c.Messages[0].Content = "mutated"
	c.Title = "mutated"

	again, _ := s.Get(ref.ConversationID)
	assert.Equal(t, "q", again.Messages[0].Content)
	assert.Equal(t, "q", again.Title)
}

// copyKV reads from one backend and writes to another, so a store can load
// documents that would not fit the quota it persists under.
type copyKV struct {
	from repo.KV
	to   repo.KV
}

func (c *copyKV) Get(ctx context.Context, key string) ([]byte, error) {
	return c.from.Get(ctx, key)
}

func (c *copyKV) Set(ctx context.Context, key string, value []byte) error {
	return c.to.Set(ctx, key, value)
}

func (c *copyKV) Delete(ctx context.Context, key string) error {
	return c.to.Delete(ctx, key)
}

func (c *copyKV) Close() error { return nil }

func TestStore_AppendUserMessageTargetsConversation(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, repo.NewMemoryKV(0), model.ConversationConfig{})

	first, err := s.Create(ctx)
	require.NoError(t, err)
	second, err := s.Create(ctx)
	require.NoError(t, err)
	require.Equal(t, second, s.ActiveID())

	_, err = s.AppendUserMessage(ctx, first, "for the first one")
	require.NoError(t, err)

	c, _ := s.Get(first)
	require.Len(t, c.Messages, 1)
	assert.Equal(t, "for the first one", c.Title)
	assert.Equal(t, second, s.ActiveID(), "active pointer untouched")

	_, err = s.AppendUserMessage(ctx, "missing", "x")
	assert.ErrorIs(t, err, ErrConversationNotFound)
}
