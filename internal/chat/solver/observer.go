package solver

import (
	"context"
	"strings"

	"github.com/cloudwego/eino/schema"

	"github.com/mathsolver/core/internal/chat/model"
	errx "github.com/mathsolver/core/internal/core/error"
	logx "github.com/mathsolver/core/pkg/logger"
)

// RunInfo identifies the solve an observer event belongs to.
type RunInfo struct {
	ConversationID string
	MessageID      string
	Model          string
}

// Observer receives solve lifecycle events on the solving goroutine.
// OnEnd fires for completed and cancelled runs, OnError for failed ones.
type Observer interface {
	OnStart(ctx context.Context, info RunInfo, messages []*schema.Message)
	OnDelta(ctx context.Context, info RunInfo, delta model.StreamDelta)
	OnEnd(ctx context.Context, info RunInfo, result Result)
	OnError(ctx context.Context, info RunInfo, err *errx.AppError)
}

// Callbacks adapts optional funcs to Observer. Nil fields are skipped.
type Callbacks struct {
	Start func(ctx context.Context, info RunInfo, messages []*schema.Message)
	Delta func(ctx context.Context, info RunInfo, delta model.StreamDelta)
	End   func(ctx context.Context, info RunInfo, result Result)
	Error func(ctx context.Context, info RunInfo, err *errx.AppError)
}

func (c Callbacks) OnStart(ctx context.Context, info RunInfo, messages []*schema.Message) {
	if c.Start != nil {
		c.Start(ctx, info, messages)
	}
}

func (c Callbacks) OnDelta(ctx context.Context, info RunInfo, delta model.StreamDelta) {
	if c.Delta != nil {
		c.Delta(ctx, info, delta)
	}
}

func (c Callbacks) OnEnd(ctx context.Context, info RunInfo, result Result) {
	if c.End != nil {
		c.End(ctx, info, result)
	}
}

func (c Callbacks) OnError(ctx context.Context, info RunInfo, err *errx.AppError) {
	if c.Error != nil {
		c.Error(ctx, info, err)
	}
}

type multiObserver []Observer

// Multi fans events out to every observer in order.
func Multi(observers ...Observer) Observer {
	return multiObserver(observers)
}

func (m multiObserver) OnStart(ctx context.Context, info RunInfo, messages []*schema.Message) {
	for _, o := range m {
		o.OnStart(ctx, info, messages)
	}
}

func (m multiObserver) OnDelta(ctx context.Context, info RunInfo, delta model.StreamDelta) {
	for _, o := range m {
		o.OnDelta(ctx, info, delta)
	}
}

func (m multiObserver) OnEnd(ctx context.Context, info RunInfo, result Result) {
	for _, o := range m {
		o.OnEnd(ctx, info, result)
	}
}

func (m multiObserver) OnError(ctx context.Context, info RunInfo, err *errx.AppError) {
	for _, o := range m {
		o.OnError(ctx, info, err)
	}
}

// NewLogObserver logs the request context and the outcome of each solve.
func NewLogObserver() Observer {
	return Callbacks{
		Start: func(ctx context.Context, info RunInfo, messages []*schema.Message) {
			logx.Info().
				Str("conversationID", info.ConversationID).
				Str("model", info.Model).
				Int("messages", len(messages)).
				Str("question", lastUserContent(messages)).
				Msg("solve start")
			for i, m := range messages {
				if m == nil || strings.TrimSpace(m.Content) == "" {
					continue
				}
				logx.Debug().Int("index", i).Str("role", string(m.Role)).Str("content", m.Content).Msg("solve context")
			}
		},
		End: func(ctx context.Context, info RunInfo, result Result) {
			logx.Info().
				Str("conversationID", info.ConversationID).
				Str("messageID", info.MessageID).
				Str("state", string(result.State)).
				Int("content", len(result.Content)).
				Int("reasoning", len(result.Reasoning)).
				Msg("solve end")
		},
		Error: func(ctx context.Context, info RunInfo, err *errx.AppError) {
			logx.Error().
				Err(err.Err).
				Str("conversationID", info.ConversationID).
				Str("category", string(err.Category)).
				Int("status", err.Status).
				Msg("solve failed")
		},
	}
}

func lastUserContent(msgs []*schema.Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if m := msgs[i]; m != nil && m.Role == schema.User {
			return strings.TrimSpace(m.Content)
		}
	}
	return ""
}
