package repository

import (
	"cmp"
	"context"
	"errors"
	"slices"
	"strings"

	"taskflow-agent/internal/domain"
	"taskflow-agent/internal/keygen"
	"taskflow-agent/internal/store"
)

// Transcript is the live, append-only chat log of one user.
type Transcript struct {
	store      store.Store
	userID     string
	collection string
	cfg        config

	view        *view[domain.ChatMessage]
	unsubscribe func()
}

// NewTranscript subscribes to userID's chat log.
func NewTranscript(ctx context.Context, st store.Store, userID string, opts ...Option) (*Transcript, error) {
	if st == nil {
		return nil, errors.New("repository: store must not be nil")
	}
	userID = strings.TrimSpace(userID)
	if userID == "" || strings.Contains(userID, "/") {
		return nil, domain.NewError(domain.ErrorValidation, "invalid_user_id", nil)
	}

	tr := &Transcript{
		store:      st,
		userID:     userID,
		collection: store.ChatsPath(userID),
		cfg:        buildConfig(opts),
		view:       newView[domain.ChatMessage](),
	}
	unsub, err := st.Subscribe(ctx, tr.collection, func(s store.Snapshot) {
		tr.view.replace(messagesFromSnapshot(s))
	})
	if err != nil {
		return nil, domain.NewError(domain.ErrorStoreUnavailable, "subscribe_chat", err)
	}
	tr.unsubscribe = unsub
	return tr, nil
}

// Close stops the subscription and closes every Watch channel.
func (tr *Transcript) Close() {
	tr.unsubscribe()
	tr.view.close()
}

// Append adds a message stamped with the current time. Store failures are
// returned so the caller can decide whether to surface them.
func (tr *Transcript) Append(ctx context.Context, role domain.Role, text string) error {
	if !role.Valid() {
		return domain.NewError(domain.ErrorValidation, "invalid_role", nil)
	}
	if strings.TrimSpace(text) == "" {
		return domain.NewError(domain.ErrorValidation, "empty_message", nil)
	}
	_, err := tr.store.Append(ctx, tr.collection, store.Record{
		"role":      string(role),
		"text":      text,
		"timestamp": tr.cfg.now().UnixMilli(),
	})
	if err != nil {
		return domain.NewError(domain.ErrorStoreUnavailable, "append_message", err)
	}
	return nil
}

// Snapshot returns the transcript oldest first.
func (tr *Transcript) Snapshot() []domain.ChatMessage {
	return tr.view.snapshot()
}

// Watch streams whole transcripts, starting with the current one.
func (tr *Transcript) Watch() (<-chan []domain.ChatMessage, func()) {
	return tr.view.watch()
}

// messagesFromSnapshot orders messages by timestamp, then by key, which
// encodes append order.
func messagesFromSnapshot(s store.Snapshot) []domain.ChatMessage {
	msgs := make([]domain.ChatMessage, 0, len(s))
	for key, rec := range s {
		msg := domain.ChatMessage{
			ID:   key,
			Role: domain.ParseRole(stringField(rec, "role")),
			Text: stringField(rec, "text"),
		}
		if ts, ok := int64Field(rec, "timestamp"); ok {
			msg.Timestamp = ts
		} else if ms, ok := keygen.Millis(key); ok {
			msg.Timestamp = ms
		}
		msgs = append(msgs, msg)
	}
	slices.SortFunc(msgs, func(a, b domain.ChatMessage) int {
		if c := cmp.Compare(a.Timestamp, b.Timestamp); c != 0 {
			return c
		}
		return keygen.Compare(a.ID, b.ID)
	})
	return msgs
}
