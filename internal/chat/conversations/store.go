// Package conversations owns the persisted list of conversations and the
// active-conversation pointer.
package conversations

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mathsolver/core/internal/chat/model"
	"github.com/mathsolver/core/internal/chat/repo"
	errx "github.com/mathsolver/core/internal/core/error"
	logx "github.com/mathsolver/core/pkg/logger"
)

var ErrConversationNotFound = errors.New("conversation not found")

const (
	conversationsKey = "conversations"
	activeIDKey      = "active_conversation_id"
)

// MessageRef locates a message inside a conversation.
type MessageRef struct {
	ConversationID string
	MessageID      string
}

// Store is safe for concurrent use. Structural changes are persisted
// immediately; UpdateAssistantMessage only changes memory until Save.
type Store struct {
	mu            sync.Mutex
	kv            repo.KV
	namespace     string
	cfg           model.ConversationConfig
	conversations []*model.Conversation
	activeID      string

	now   func() time.Time
	newID func() string
}

type Option func(*Store)

// WithClock replaces time.Now, mostly for tests that need ordered updatedAt values.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func WithIDGenerator(newID func() string) Option {
	return func(s *Store) { s.newID = newID }
}

func NewStore(kv repo.KV, namespace string, cfg model.ConversationConfig, opts ...Option) *Store {
	s := &Store{
		kv:        kv,
		namespace: namespace,
		cfg:       normalizeConfig(cfg),
		now:       time.Now,
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func normalizeConfig(cfg model.ConversationConfig) model.ConversationConfig {
	if cfg.MaxConversations <= 0 {
		cfg.MaxConversations = 50
	}
	if cfg.MinConversations <= 0 {
		cfg.MinConversations = 10
	}
	if cfg.MinConversations > cfg.MaxConversations {
		cfg.MinConversations = cfg.MaxConversations
	}
	if cfg.PruneStep <= 0 {
		cfg.PruneStep = 5
	}
	return cfg
}

func (s *Store) key(name string) string {
	return s.namespace + name
}

func (s *Store) millis() int64 {
	return s.now().UnixMilli()
}

// ================ Lifecycle ================

// Load replaces the in-memory state with the persisted documents. A corrupt
// conversations document is logged and treated as empty.
func (s *Store) Load(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.conversations = nil
	s.activeID = ""

	raw, err := s.kv.Get(ctx, s.key(conversationsKey))
	switch {
	case errors.Is(err, errx.ErrNotFound):
		return nil
	case err != nil:
		return err
	}

	var stored []*model.Conversation
	if err := json.Unmarshal(raw, &stored); err != nil {
		logx.Error().Err(err).Str("key", s.key(conversationsKey)).Msg("failed to decode conversations, starting empty")
		return nil
	}
	for _, c := range stored {
		if c == nil || c.ID == "" {
			continue
		}
		migrate(c)
		s.conversations = append(s.conversations, c)
	}

	activeID, err := s.kv.Get(ctx, s.key(activeIDKey))
	switch {
	case errors.Is(err, errx.ErrNotFound):
	case err != nil:
		return err
	default:
		if s.findLocked(string(activeID)) != nil {
			s.activeID = string(activeID)
		}
	}

	logx.Debug().Int("conversations", len(s.conversations)).Str("activeID", s.activeID).Msg("conversations loaded")
	return nil
}

// migrate fills fields that older documents lack.
func migrate(c *model.Conversation) {
	if c.PersonaID == "" {
		c.PersonaID = model.DefaultPersonaID
	}
	if c.Messages == nil {
		c.Messages = []model.Message{}
	}
	if c.Title == "" {
		c.Title = model.DefaultTitle
	}
	for i := range c.Messages {
		if c.Messages[i].Role == model.RoleUser {
			c.Messages[i].Reasoning = ""
		}
	}
}

// Save persists the current state. Streaming callers use it once the
// answer is final.
func (s *Store) Save(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persistLocked(ctx)
}

// persistLocked applies the retention cap and writes both documents. On a
// quota error it drops the oldest conversations PruneStep at a time, never
// below MinConversations, and gives up with ErrStorageFull at the floor.
func (s *Store) persistLocked(ctx context.Context) error {
	if len(s.conversations) > s.cfg.MaxConversations {
		s.pruneLocked(s.cfg.MaxConversations)
	}

	err := s.writeConversationsLocked(ctx)
	for errors.Is(err, errx.ErrQuotaExceeded) {
		if len(s.conversations) <= s.cfg.MinConversations {
			logx.Error().Err(err).Int("conversations", len(s.conversations)).Msg("storage quota exceeded at pruning floor")
			return errx.New(fmt.Errorf("%w: %w", errx.ErrStorageFull, err), errx.KindPersistence, errx.StorageErrorMessage)
		}
		keep := max(len(s.conversations)-s.cfg.PruneStep, s.cfg.MinConversations)
		logx.Warn().Int("from", len(s.conversations)).Int("to", keep).Msg("storage quota exceeded, pruning oldest conversations")
		s.pruneLocked(keep)
		err = s.writeConversationsLocked(ctx)
	}
	if err != nil {
		return errx.WrapStorage(err)
	}

	if s.activeID != "" {
		err = s.kv.Set(ctx, s.key(activeIDKey), []byte(s.activeID))
	} else {
		err = s.kv.Delete(ctx, s.key(activeIDKey))
	}
	return errx.WrapStorage(err)
}

func (s *Store) writeConversationsLocked(ctx context.Context) error {
	convs := s.conversations
	if convs == nil {
		convs = []*model.Conversation{}
	}
	b, err := json.Marshal(convs)
	if err != nil {
		return fmt.Errorf("marshal conversations: %w", err)
	}
	return s.kv.Set(ctx, s.key(conversationsKey), b)
}

// pruneLocked keeps the n most recently updated conversations. If the active
// conversation is dropped the newest survivor becomes active.
func (s *Store) pruneLocked(n int) {
	sortNewestFirst(s.conversations)
	if len(s.conversations) > n {
		for _, c := range s.conversations[n:] {
			logx.Debug().Str("conversationID", c.ID).Msg("pruning conversation")
		}
		s.conversations = s.conversations[:n]
	}
	if s.activeID != "" && s.findLocked(s.activeID) == nil {
		s.activeID = ""
		if len(s.conversations) > 0 {
			s.activeID = s.conversations[0].ID
		}
	}
}

func sortNewestFirst(convs []*model.Conversation) {
	sort.SliceStable(convs, func(i, j int) bool {
		return convs[i].UpdatedAt > convs[j].UpdatedAt
	})
}

// ================ Queries ================

func (s *Store) findLocked(id string) *model.Conversation {
	for _, c := range s.conversations {
		if c.ID == id {
			return c
		}
	}
	return nil
}

// ActiveID returns the active conversation id, or "" when none is active.
func (s *Store) ActiveID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeID
}

// Active returns a copy of the active conversation.
func (s *Store) Active() (*model.Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.findLocked(s.activeID)
	return c.Clone(), c != nil
}

// Get returns a copy of the conversation with the given id.
func (s *Store) Get(id string) (*model.Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.findLocked(id)
	return c.Clone(), c != nil
}

// List returns copies of all conversations, most recently updated first.
func (s *Store) List() []*model.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*model.Conversation, 0, len(s.conversations))
	for _, c := range s.conversations {
		out = append(out, c.Clone())
	}
	sortNewestFirst(out)
	return out
}

// ================ Conversations ================

// Create starts an empty conversation and makes it active.
func (s *Store) Create(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.createLocked()
	return id, s.persistLocked(ctx)
}

func (s *Store) createLocked() string {
	now := s.millis()
	c := &model.Conversation{
		ID:        s.newID(),
		Title:     model.DefaultTitle,
		Messages:  []model.Message{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.conversations = append(s.conversations, c)
	s.activeID = c.ID
	logx.Debug().Str("conversationID", c.ID).Msg("conversation created")
	return c.ID
}

// SetActive switches the active conversation.
func (s *Store) SetActive(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.findLocked(id) == nil {
		return fmt.Errorf("%w: %s", ErrConversationNotFound, id)
	}
	s.activeID = id
	return s.persistLocked(ctx)
}

// DeleteConversation removes a conversation. Deleting the active one
// promotes the most recently updated survivor, or creates a fresh
// conversation when none is left.
func (s *Store) DeleteConversation(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := -1
	for i, c := range s.conversations {
		if c.ID == id {
			idx = i
			break
		}
	}
	if idx == -1 {
		return fmt.Errorf("%w: %s", ErrConversationNotFound, id)
	}
	s.conversations = append(s.conversations[:idx], s.conversations[idx+1:]...)

	if s.activeID == id {
		if len(s.conversations) > 0 {
			sortNewestFirst(s.conversations)
			s.activeID = s.conversations[0].ID
		} else {
			s.createLocked()
		}
	}
	return s.persistLocked(ctx)
}

// ClearAll drops every conversation and starts a fresh active one.
func (s *Store) ClearAll(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations = nil
	s.activeID = ""
	id := s.createLocked()
	return id, s.persistLocked(ctx)
}

// AssignModel records the model a conversation was started with. It never
// overwrites a model that is already set.
func (s *Store) AssignModel(ctx context.Context, id, modelName string) error {
	return s.assignOnce(ctx, id, func(c *model.Conversation) bool {
		if c.Model != "" || modelName == "" {
			return false
		}
		c.Model = modelName
		return true
	})
}

// AssignPersona records the persona a conversation was started with. It
// never overwrites a persona that is already set.
func (s *Store) AssignPersona(ctx context.Context, id, personaID string) error {
	return s.assignOnce(ctx, id, func(c *model.Conversation) bool {
		if c.PersonaID != "" || personaID == "" {
			return false
		}
		c.PersonaID = personaID
		return true
	})
}

// SwitchPersona changes the persona of an existing conversation.
func (s *Store) SwitchPersona(ctx context.Context, id, personaID string) error {
	return s.assignOnce(ctx, id, func(c *model.Conversation) bool {
		c.PersonaID = personaID
		c.UpdatedAt = s.millis()
		return true
	})
}

func (s *Store) assignOnce(ctx context.Context, id string, apply func(*model.Conversation) bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.findLocked(id)
	if c == nil {
		return fmt.Errorf("%w: %s", ErrConversationNotFound, id)
	}
	if !apply(c) {
		return nil
	}
	return s.persistLocked(ctx)
}

// ================ Messages ================

// AddUserMessage appends a user message to the active conversation,
// creating one if none is active. The first message names the conversation.
func (s *Store) AddUserMessage(ctx context.Context, content string) (MessageRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.findLocked(s.activeID)
	if c == nil {
		c = s.findLocked(s.createLocked())
	}
	ref := MessageRef{ConversationID: c.ID, MessageID: s.appendUserLocked(c, content)}
	return ref, s.persistLocked(ctx)
}

// AppendUserMessage appends a user message to the given conversation.
func (s *Store) AppendUserMessage(ctx context.Context, conversationID, content string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.findLocked(conversationID)
	if c == nil {
		return "", fmt.Errorf("%w: %s", ErrConversationNotFound, conversationID)
	}
	return s.appendUserLocked(c, content), s.persistLocked(ctx)
}

func (s *Store) appendUserLocked(c *model.Conversation, content string) string {
	now := s.millis()
	msg := model.Message{ID: s.newID(), Role: model.RoleUser, Content: content, Timestamp: now}
	c.Messages = append(c.Messages, msg)
	c.UpdatedAt = now
	if len(c.Messages) == 1 {
		c.Title = GenerateTitle(content)
	}
	return msg.ID
}

// AddAssistantMessage appends an assistant message, possibly empty as a
// streaming placeholder.
func (s *Store) AddAssistantMessage(ctx context.Context, conversationID, content, reasoning string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.findLocked(conversationID)
	if c == nil {
		return "", fmt.Errorf("%w: %s", ErrConversationNotFound, conversationID)
	}

	now := s.millis()
	msg := model.Message{ID: s.newID(), Role: model.RoleAssistant, Content: content, Reasoning: reasoning, Timestamp: now}
	c.Messages = append(c.Messages, msg)
	c.UpdatedAt = now
	return msg.ID, s.persistLocked(ctx)
}

// UpdateAssistantMessage replaces the content and reasoning of an assistant
// message in memory only. It reports false, changing nothing, when the
// target is missing or is not an assistant message.
func (s *Store) UpdateAssistantMessage(conversationID, messageID, content, reasoning string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.findLocked(conversationID)
	if c == nil {
		return false
	}
	i := c.FindMessage(messageID)
	if i == -1 || c.Messages[i].Role != model.RoleAssistant {
		return false
	}
	c.Messages[i].Content = content
	c.Messages[i].Reasoning = reasoning
	c.UpdatedAt = s.millis()
	return true
}

// DeleteMessage removes messages by id. Unknown ids are ignored. A
// conversation left without messages falls back to the default title.
func (s *Store) DeleteMessage(ctx context.Context, conversationID string, messageIDs ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.findLocked(conversationID)
	if c == nil {
		return fmt.Errorf("%w: %s", ErrConversationNotFound, conversationID)
	}

	drop := make(map[string]struct{}, len(messageIDs))
	for _, id := range messageIDs {
		drop[id] = struct{}{}
	}
	kept := c.Messages[:0]
	for _, m := range c.Messages {
		if _, ok := drop[m.ID]; !ok {
			kept = append(kept, m)
		}
	}
	if len(kept) == len(c.Messages) {
		return nil
	}
	c.Messages = kept
	c.UpdatedAt = s.millis()
	if len(c.Messages) == 0 {
		c.Title = model.DefaultTitle
	}
	return s.persistLocked(ctx)
}
