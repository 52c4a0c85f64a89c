// Package routing creates conversations, assigns them to online agents and
// keeps supervisor dashboards fed with active-conversation snapshots.
package routing

import (
	"errors"
	"fmt"
	"log/slog"

	"atendo/internal/locks"
	"atendo/internal/models"
)

type Store interface {
	GetUser(id string) (models.User, error)
	GetSector(id string) (models.Sector, error)
	InsertConversation(clientID, sectorID string) (models.Conversation, error)
	GetConversation(id string) (models.Conversation, error)
	UpdateConversationAgent(id, agentID string, status models.ConversationStatus) error
	UpdateConversationStatus(id string, status models.ConversationStatus, rating int) error
	GetConversationWithParticipants(id string) (models.ConversationDetail, error)
	ListActiveConversations() ([]models.ConversationSummary, error)
	ListConversationsByAgent(agentID string) ([]models.ConversationSummary, error)
	CountActiveByAgent() (map[string]int, error)
}

type Registry interface {
	OnlineAgents() []models.User
	Deliver(userID string, ev models.ServerEvent) bool
	BroadcastSupervisors(ev models.ServerEvent)
}

type Router struct {
	store    Store
	registry Registry
	strategy Strategy
	locks    *locks.KeyedMutex
	log      *slog.Logger
}

func NewRouter(store Store, registry Registry, strategy Strategy, km *locks.KeyedMutex, log *slog.Logger) *Router {
	if log == nil {
		log = slog.Default()
	}
	return &Router{
		store:    store,
		registry: registry,
		strategy: strategy,
		locks:    km,
		log:      log,
	}
}

// CreateConversation persists a new pending conversation and immediately
// attempts assignment. With no agent online the conversation simply stays
// pending; that is the expected queuing state, not an error.
func (r *Router) CreateConversation(clientID, sectorID string) (models.ConversationSummary, error) {
	if clientID == "" || sectorID == "" {
		return models.ConversationSummary{}, fmt.Errorf("client and sector are required: %w", models.ErrValidation)
	}
	client, err := r.store.GetUser(clientID)
	if err != nil {
		return models.ConversationSummary{}, err
	}
	if client.Role != models.RoleClient {
		return models.ConversationSummary{}, fmt.Errorf("user %s is not a client: %w", clientID, models.ErrValidation)
	}
	if _, err := r.store.GetSector(sectorID); err != nil {
		return models.ConversationSummary{}, err
	}

	conv, err := r.store.InsertConversation(clientID, sectorID)
	if err != nil {
		return models.ConversationSummary{}, fmt.Errorf("%w: %v", models.ErrPersistence, err)
	}

	if _, err := r.AssignAgent(conv.ID); err != nil {
		// The conversation is durable; assignment problems must not fail
		// the creation.
		r.log.Error("assignment after create failed", "conversation_id", conv.ID, "error", err)
	}

	r.BroadcastSnapshot()

	detail, err := r.store.GetConversationWithParticipants(conv.ID)
	if err != nil {
		return models.ConversationSummary{}, err
	}
	return detail.Summary(), nil
}

// AssignAgent selects an online agent for a pending conversation via the
// configured strategy, persists the assignment and pushes a
// conversation_assigned notification to the selected agent. Returns false
// with no error when no agent is available or the conversation is no longer
// pending.
func (r *Router) AssignAgent(conversationID string) (bool, error) {
	if conversationID == "" {
		return false, fmt.Errorf("conversation id is required: %w", models.ErrValidation)
	}

	unlock := r.locks.Lock(conversationID)
	defer unlock()

	conv, err := r.store.GetConversation(conversationID)
	if err != nil {
		return false, err
	}
	if conv.Status != models.StatusPending {
		return false, nil
	}

	candidates := r.candidates(conv.SectorID)
	counts, err := r.store.CountActiveByAgent()
	if err != nil {
		return false, fmt.Errorf("%w: %v", models.ErrPersistence, err)
	}
	agent, ok := r.strategy.Select(candidates, counts)
	if !ok {
		return false, nil
	}

	if err := r.store.UpdateConversationAgent(conversationID, agent.ID, models.StatusActive); err != nil {
		return false, fmt.Errorf("%w: %v", models.ErrPersistence, err)
	}

	detail, err := r.store.GetConversationWithParticipants(conversationID)
	if err != nil {
		r.log.Error("failed to load assigned conversation", "conversation_id", conversationID, "error", err)
		return true, nil
	}
	summary := detail.Summary()
	if !r.registry.Deliver(agent.ID, models.ServerEvent{
		Type:         models.ServerEventConversationAssigned,
		Conversation: &summary,
	}) {
		r.log.Warn("assigned agent went offline before notification", "conversation_id", conversationID, "agent_id", agent.ID)
	}
	r.log.Info("conversation assigned",
		"conversation_id", conversationID, "agent_id", agent.ID, "strategy", r.strategy.Name())

	return true, nil
}

// candidates prefers announced agents affiliated with the conversation's
// sector and falls back to the whole online pool when the sector has nobody
// online.
func (r *Router) candidates(sectorID string) []models.User {
	online := r.registry.OnlineAgents()
	var inSector []models.User
	for _, a := range online {
		if a.SectorID == sectorID {
			inSector = append(inSector, a)
		}
	}
	if len(inSector) > 0 {
		return inSector
	}
	return online
}

// ListActive returns pending+active conversations with display names,
// newest-created first.
func (r *Router) ListActive() ([]models.ConversationSummary, error) {
	return r.store.ListActiveConversations()
}

// BroadcastSnapshot pushes the full active-conversation list to every
// supervisor-class connection. Full snapshots beat incremental diffs at the
// expected cardinality. Failures are logged and swallowed.
func (r *Router) BroadcastSnapshot() {
	summaries, err := r.store.ListActiveConversations()
	if err != nil {
		r.log.Error("failed to build conversations snapshot", "error", err)
		return
	}
	r.registry.BroadcastSupervisors(models.ServerEvent{
		Type:          models.ServerEventConversationsSnapshot,
		Conversations: summaries,
	})
}

// SendSnapshot delivers the current snapshot to a single user, typically a
// supervisor that just announced.
func (r *Router) SendSnapshot(userID string) {
	summaries, err := r.store.ListActiveConversations()
	if err != nil {
		r.log.Error("failed to build conversations snapshot", "error", err)
		return
	}
	r.registry.Deliver(userID, models.ServerEvent{
		Type:          models.ServerEventConversationsSnapshot,
		Conversations: summaries,
	})
}

// DispatchPending re-attempts assignment for every pending conversation,
// oldest first. Invoked when an agent announces online so queued
// conversations get picked up.
func (r *Router) DispatchPending() {
	summaries, err := r.store.ListActiveConversations()
	if err != nil {
		r.log.Error("failed to list pending conversations", "error", err)
		return
	}
	assigned := false
	for i := len(summaries) - 1; i >= 0; i-- {
		if summaries[i].Status != models.StatusPending {
			continue
		}
		ok, err := r.AssignAgent(summaries[i].ID)
		if err != nil {
			r.log.Error("pending dispatch failed", "conversation_id", summaries[i].ID, "error", err)
			continue
		}
		assigned = assigned || ok
	}
	if assigned {
		r.BroadcastSnapshot()
	}
}

// RecoverAssigned re-sends conversation_assigned for every conversation
// already bound to the agent, so a reconnecting agent rebuilds its list from
// durable state instead of presence-map memory.
func (r *Router) RecoverAssigned(agentID string) {
	summaries, err := r.store.ListConversationsByAgent(agentID)
	if err != nil {
		r.log.Error("failed to recover agent conversations", "agent_id", agentID, "error", err)
		return
	}
	for i := range summaries {
		summary := summaries[i]
		r.registry.Deliver(agentID, models.ServerEvent{
			Type:         models.ServerEventConversationAssigned,
			Conversation: &summary,
		})
	}
}

// Close ends a conversation. Only a participant or a privileged user may
// close it.
func (r *Router) Close(conversationID, requesterID string) error {
	if conversationID == "" {
		return fmt.Errorf("conversation id is required: %w", models.ErrValidation)
	}

	unlock := r.locks.Lock(conversationID)
	defer unlock()

	conv, err := r.store.GetConversation(conversationID)
	if err != nil {
		return err
	}
	if err := r.authorize(conv, requesterID); err != nil {
		return err
	}
	if err := r.store.UpdateConversationStatus(conversationID, models.StatusClosed, 0); err != nil {
		if errors.Is(err, models.ErrValidation) {
			return err
		}
		return fmt.Errorf("%w: %v", models.ErrPersistence, err)
	}
	r.BroadcastSnapshot()
	return nil
}

// Rate records the client's satisfaction rating on a closed conversation.
func (r *Router) Rate(conversationID, requesterID string, rating int) error {
	if conversationID == "" {
		return fmt.Errorf("conversation id is required: %w", models.ErrValidation)
	}
	if rating < 1 || rating > 5 {
		return fmt.Errorf("rating must be between 1 and 5: %w", models.ErrValidation)
	}

	unlock := r.locks.Lock(conversationID)
	defer unlock()

	conv, err := r.store.GetConversation(conversationID)
	if err != nil {
		return err
	}
	if conv.ClientID != requesterID {
		return fmt.Errorf("only the conversation's client may rate it: %w", models.ErrValidation)
	}
	if err := r.store.UpdateConversationStatus(conversationID, models.StatusRated, rating); err != nil {
		if errors.Is(err, models.ErrValidation) {
			return err
		}
		return fmt.Errorf("%w: %v", models.ErrPersistence, err)
	}
	return nil
}

func (r *Router) authorize(conv models.Conversation, requesterID string) error {
	if requesterID == conv.ClientID || requesterID == conv.AgentID {
		return nil
	}
	user, err := r.store.GetUser(requesterID)
	if err != nil {
		return err
	}
	if user.Role == models.RoleSupervisor || user.Role == models.RoleAdmin {
		return nil
	}
	return fmt.Errorf("user %s may not modify this conversation: %w", requesterID, models.ErrValidation)
}
