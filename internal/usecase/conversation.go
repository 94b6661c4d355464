package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"taskflow-agent/internal/assistant"
	"taskflow-agent/internal/domain"
)

// Transcript is the append side of a chat log. *repository.Transcript
// satisfies it.
type Transcript interface {
	Append(ctx context.Context, role domain.Role, text string) error
}

// Assistant answers one utterance. It is expected never to fail; a panic is
// still contained. *assistant.Bridge satisfies it.
type Assistant interface {
	Complete(ctx context.Context, utterance string) string
}

// State is the phase of the turn currently in flight.
type State int32

const (
	StateIdle State = iota
	StateSending
	StateAwaitingReply
	StatePersistingReply
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSending:
		return "sending"
	case StateAwaitingReply:
		return "awaiting_reply"
	case StatePersistingReply:
		return "persisting_reply"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Outcome reports what a call to Submit did.
type Outcome int

const (
	// OutcomeDropped: blank text, or another turn was in flight. Nothing was written.
	OutcomeDropped Outcome = iota
	// OutcomeReplied: the user turn and one assistant turn were written.
	OutcomeReplied
	// OutcomeAborted: the user turn could not be written; the assistant was not asked.
	OutcomeAborted
	// OutcomeUnanswered: the user turn was written but no reply could be.
	OutcomeUnanswered
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDropped:
		return "dropped"
	case OutcomeReplied:
		return "replied"
	case OutcomeAborted:
		return "aborted"
	case OutcomeUnanswered:
		return "unanswered"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Conversation runs one chat turn at a time: persist the user's message, ask
// the assistant, persist the answer.
type Conversation struct {
	transcript Transcript
	assistant  Assistant
	logger     *slog.Logger

	state atomic.Int32
}

type Option func(*Conversation)

func WithLogger(l *slog.Logger) Option {
	return func(c *Conversation) {
		if l != nil {
			c.logger = l
		}
	}
}

func NewConversation(t Transcript, a Assistant, opts ...Option) (*Conversation, error) {
	if t == nil {
		return nil, errors.New("usecase: transcript must not be nil")
	}
	if a == nil {
		return nil, errors.New("usecase: assistant must not be nil")
	}
	c := &Conversation{transcript: t, assistant: a, logger: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// State returns the phase of the turn in flight, StateIdle when there is none.
func (c *Conversation) State() State {
	return State(c.state.Load())
}

// Submit runs a full turn for text. Submissions made while a turn is in
// flight are dropped, not queued.
func (c *Conversation) Submit(ctx context.Context, text string) (Outcome, error) {
	if strings.TrimSpace(text) == "" {
		return OutcomeDropped, nil
	}
	if !c.state.CompareAndSwap(int32(StateIdle), int32(StateSending)) {
		c.logger.Debug("usecase: turn already in flight, dropping submit", "state", c.State().String())
		return OutcomeDropped, nil
	}
	defer c.state.Store(int32(StateIdle))

	if err := c.transcript.Append(ctx, domain.RoleUser, text); err != nil {
		c.logger.Error("usecase: persist user message", "err", err)
		return OutcomeAborted, err
	}

	c.state.Store(int32(StateAwaitingReply))
	reply := c.ask(ctx, text)

	// The user turn is already on record; finish the turn even if the caller
	// has gone away.
	c.state.Store(int32(StatePersistingReply))
	persistCtx := context.WithoutCancel(ctx)
	err := c.transcript.Append(persistCtx, domain.RoleAssistant, reply)
	if err != nil && reply != assistant.FallbackError {
		c.logger.Error("usecase: persist reply, writing fallback", "err", err)
		err = c.transcript.Append(persistCtx, domain.RoleAssistant, assistant.FallbackError)
	}
	if err != nil {
		c.logger.Error("usecase: turn left unanswered", "err", err)
		return OutcomeUnanswered, err
	}
	return OutcomeReplied, nil
}

func (c *Conversation) ask(ctx context.Context, text string) (reply string) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("usecase: assistant panicked", "panic", fmt.Sprint(r))
			reply = assistant.FallbackError
		}
	}()
	reply = c.assistant.Complete(ctx, text)
	if strings.TrimSpace(reply) == "" {
		reply = assistant.FallbackEmpty
	}
	return reply
}
