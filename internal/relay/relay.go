// Package relay persists chat messages and delivers them to the correct
// recipients only: the conversation counterpart, the sender's own connection
// (echo) and any supervisor observing the conversation. Never broadcast.
package relay

import (
	"fmt"
	"log/slog"

	"atendo/internal/content"
	"atendo/internal/locks"
	"atendo/internal/models"
)

type Store interface {
	InsertMessage(conversationID, senderID string, kind models.SenderKind, body string) (models.Message, error)
	GetConversationWithParticipants(id string) (models.ConversationDetail, error)
}

type Registry interface {
	Deliver(userID string, ev models.ServerEvent) bool
	BroadcastWatchers(conversationID string, ev models.ServerEvent)
}

type Relay struct {
	store    Store
	registry Registry
	locks    *locks.KeyedMutex
	log      *slog.Logger
}

func NewRelay(store Store, registry Registry, km *locks.KeyedMutex, log *slog.Logger) *Relay {
	if log == nil {
		log = slog.Default()
	}
	return &Relay{
		store:    store,
		registry: registry,
		locks:    km,
		log:      log,
	}
}

// Submit validates, persists and delivers one chat message. The sender
// always receives an echo carrying the storage-assigned seq and timestamp;
// the counterpart receives the message only if currently online. An offline
// recipient recovers it later through the history API, never a retry queue.
func (r *Relay) Submit(senderID, conversationID, body string) (models.Message, error) {
	if senderID == "" || conversationID == "" {
		return models.Message{}, fmt.Errorf("sender and conversation are required: %w", models.ErrValidation)
	}
	body = content.Sanitize(body)
	if body == "" {
		return models.Message{}, fmt.Errorf("message content is empty: %w", models.ErrValidation)
	}

	unlock := r.locks.Lock(conversationID)
	defer unlock()

	detail, err := r.store.GetConversationWithParticipants(conversationID)
	if err != nil {
		return models.Message{}, err
	}
	if detail.Status == models.StatusClosed || detail.Status == models.StatusRated {
		return models.Message{}, fmt.Errorf("conversation is closed: %w", models.ErrValidation)
	}
	if senderID != detail.ClientID && senderID != detail.AgentID {
		return models.Message{}, fmt.Errorf("sender is not a participant: %w", models.ErrValidation)
	}

	msg, err := r.store.InsertMessage(conversationID, senderID, models.SenderUser, body)
	if err != nil {
		return models.Message{}, fmt.Errorf("%w: %v", models.ErrPersistence, err)
	}

	ev := models.ServerEvent{
		Type:    models.ServerEventMessageDelivered,
		Message: &msg,
	}

	counterpart := detail.AgentID
	if senderID == detail.AgentID {
		counterpart = detail.ClientID
	}
	if counterpart != "" && !r.registry.Deliver(counterpart, ev) {
		r.log.Debug("counterpart offline, message stored only",
			"conversation_id", conversationID, "recipient_id", counterpart)
	}

	// Echo back so the sender's UI replaces its provisional entry with the
	// persisted seq and timestamp.
	r.registry.Deliver(senderID, ev)

	r.registry.BroadcastWatchers(conversationID, ev)

	return msg, nil
}
