// Package solver runs one question through the streaming endpoint and folds
// the answer into the conversation store.
package solver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/cloudwego/eino/schema"

	"github.com/mathsolver/core/internal/chat/conversations"
	"github.com/mathsolver/core/internal/chat/model"
	"github.com/mathsolver/core/internal/chat/stream"
	logx "github.com/mathsolver/core/pkg/logger"
)

type State string

const (
	StateIdle       State = "idle"
	StateValidating State = "validating"
	StateStreaming  State = "streaming"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
	StateCancelled  State = "cancelled"
)

// Streamer opens a streaming completion. stream.Client implements it.
type Streamer interface {
	Stream(ctx context.Context, cfg model.APIConfig, messages []*schema.Message) (*stream.Decoder, error)
}

// Request is everything a solve needs besides the store.
type Request struct {
	Question     string
	Config       model.APIConfig
	SystemPrompt string
	PersonaID    string
}

// Result describes the assistant message a solve produced.
type Result struct {
	ConversationID string
	MessageID      string
	Content        string
	Reasoning      string
	State          State
}

type run struct {
	cancel context.CancelFunc
	state  State
}

// Solver allows one solve per conversation at a time.
type Solver struct {
	store    *conversations.Store
	streamer Streamer
	observer Observer

	mu       sync.Mutex
	inflight map[string]*run
}

type Option func(*Solver)

func WithObserver(o Observer) Option {
	return func(s *Solver) { s.observer = o }
}

func New(store *conversations.Store, streamer Streamer, opts ...Option) *Solver {
	s := &Solver{
		store:    store,
		streamer: streamer,
		observer: Callbacks{},
		inflight: make(map[string]*run),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State reports the phase of the solve running for a conversation.
func (s *Solver) State(conversationID string) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.inflight[conversationID]; ok {
		return r.state
	}
	return StateIdle
}

// Stop cancels the solve running for a conversation. The partial answer is
// kept. It reports whether a solve was running.
func (s *Solver) Stop(conversationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.inflight[conversationID]
	if !ok {
		return false
	}
	r.cancel()
	return true
}

func (s *Solver) claim(ctx context.Context, conversationID string) (context.Context, *run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inflight[conversationID]; busy {
		return nil, nil, ErrSolveInProgress
	}
	runCtx, cancel := context.WithCancel(ctx)
	r := &run{cancel: cancel, state: StateValidating}
	s.inflight[conversationID] = r
	return runCtx, r, nil
}

func (s *Solver) release(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.inflight[conversationID]; ok {
		r.cancel()
		delete(s.inflight, conversationID)
	}
}

func (s *Solver) setState(r *run, state State) {
	s.mu.Lock()
	r.state = state
	s.mu.Unlock()
}

// Solve asks req.Question in the active conversation and streams the answer
// into it. Precondition failures return before anything is written.
// Cancellation through Stop or ctx yields StateCancelled with a nil error and
// the partial answer persisted. A ctx deadline counts as a timeout failure.
// Failures remove the turn and return a classified *errx.AppError.
func (s *Solver) Solve(ctx context.Context, req Request) (Result, error) {
	if strings.TrimSpace(req.Question) == "" {
		return Result{State: StateFailed}, ErrEmptyQuestion
	}
	if !req.Config.Complete() {
		return Result{State: StateFailed}, ErrMissingConfig
	}
	conversationID := s.store.ActiveID()
	if conversationID == "" {
		return Result{State: StateFailed}, ErrNoActiveConversation
	}

	runCtx, r, err := s.claim(ctx, conversationID)
	if err != nil {
		return Result{State: StateFailed}, err
	}
	defer s.release(conversationID)

	// Persistence after this point must survive cancellation of the caller.
	persistCtx := context.WithoutCancel(ctx)

	userID, err := s.store.AppendUserMessage(persistCtx, conversationID, req.Question)
	if err != nil {
		return s.fail(persistCtx, RunInfo{ConversationID: conversationID, Model: req.Config.Model}, userID, "", err)
	}
	assistantID, err := s.store.AddAssistantMessage(persistCtx, conversationID, "", "")
	info := RunInfo{ConversationID: conversationID, MessageID: assistantID, Model: req.Config.Model}
	if err != nil {
		return s.fail(persistCtx, info, userID, assistantID, err)
	}
	if err := s.store.AssignModel(persistCtx, conversationID, req.Config.Model); err != nil {
		return s.fail(persistCtx, info, userID, assistantID, err)
	}
	if err := s.store.AssignPersona(persistCtx, conversationID, req.PersonaID); err != nil {
		return s.fail(persistCtx, info, userID, assistantID, err)
	}

	messages, err := s.buildMessages(conversationID, assistantID, req.SystemPrompt)
	if err != nil {
		return s.fail(persistCtx, info, userID, assistantID, err)
	}

	s.setState(r, StateStreaming)
	s.observer.OnStart(runCtx, info, messages)

	var content, reasoning strings.Builder
	cancelled := func() Result {
		return s.cancelled(persistCtx, info, content.String(), reasoning.String())
	}

	dec, err := s.streamer.Stream(runCtx, req.Config, messages)
	if err != nil {
		if stopped(runCtx) {
			return cancelled(), nil
		}
		return s.fail(persistCtx, info, userID, assistantID, failure(runCtx, err))
	}
	defer dec.Close()

	for {
		delta, err := dec.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if stopped(runCtx) {
				return cancelled(), nil
			}
			return s.fail(persistCtx, info, userID, assistantID, failure(runCtx, err))
		}

		content.WriteString(delta.Content)
		reasoning.WriteString(delta.Reasoning)
		s.store.UpdateAssistantMessage(conversationID, assistantID, content.String(), reasoning.String())
		s.observer.OnDelta(runCtx, info, delta)

		// Stop may land between two buffered events.
		if stopped(runCtx) {
			return cancelled(), nil
		}
		if err := runCtx.Err(); err != nil {
			return s.fail(persistCtx, info, userID, assistantID, err)
		}
	}

	result := Result{
		ConversationID: conversationID,
		MessageID:      assistantID,
		Content:        content.String(),
		Reasoning:      reasoning.String(),
		State:          StateCompleted,
	}
	if err := s.store.Save(persistCtx); err != nil {
		return s.fail(persistCtx, info, userID, assistantID, err)
	}
	s.observer.OnEnd(ctx, info, result)
	return result, nil
}

// stopped reports an explicit stop. Deadlines are not stops.
func stopped(ctx context.Context) bool {
	return errors.Is(ctx.Err(), context.Canceled)
}

// failure tags err with the run deadline when the transport hid it.
func failure(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", context.DeadlineExceeded, err)
	}
	return err
}

// buildMessages maps the conversation history, minus the streaming
// placeholder, onto chat messages behind the system prompt.
func (s *Solver) buildMessages(conversationID, placeholderID, systemPrompt string) ([]*schema.Message, error) {
	conv, ok := s.store.Get(conversationID)
	if !ok {
		return nil, conversations.ErrConversationNotFound
	}

	messages := make([]*schema.Message, 0, len(conv.Messages)+1)
	if strings.TrimSpace(systemPrompt) != "" {
		messages = append(messages, schema.SystemMessage(systemPrompt))
	}
	for _, m := range conv.Messages {
		if m.ID == placeholderID {
			continue
		}
		switch m.Role {
		case model.RoleUser:
			messages = append(messages, schema.UserMessage(m.Content))
		case model.RoleAssistant:
			if m.Content == "" {
				continue
			}
			messages = append(messages, schema.AssistantMessage(m.Content, nil))
		}
	}
	return messages, nil
}

func (s *Solver) cancelled(ctx context.Context, info RunInfo, content, reasoning string) Result {
	result := Result{
		ConversationID: info.ConversationID,
		MessageID:      info.MessageID,
		Content:        content,
		Reasoning:      reasoning,
		State:          StateCancelled,
	}
	s.store.UpdateAssistantMessage(info.ConversationID, info.MessageID, content, reasoning)
	if err := s.store.Save(ctx); err != nil {
		logx.Error().Err(err).Str("conversationID", info.ConversationID).Msg("failed to persist cancelled answer")
	}
	s.observer.OnEnd(ctx, info, result)
	return result
}

// fail rolls the turn back so the conversation holds exactly the messages it
// had before the call.
func (s *Solver) fail(ctx context.Context, info RunInfo, userID, assistantID string, cause error) (Result, error) {
	appErr := Classify(cause)

	var ids []string
	for _, id := range []string{userID, assistantID} {
		if id != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) > 0 {
		if err := s.store.DeleteMessage(ctx, info.ConversationID, ids...); err != nil {
			logx.Error().Err(err).Str("conversationID", info.ConversationID).Msg("failed to roll back solve")
		}
	}

	s.observer.OnError(ctx, info, appErr)
	return Result{ConversationID: info.ConversationID, State: StateFailed}, appErr
}
