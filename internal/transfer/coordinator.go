// Package transfer moves an active conversation to a new agent or to a
// sector's agent pool. Durable state (the system message, the rebound agent
// or re-queued sector) is authoritative; notifications are best-effort and
// never rolled back.
package transfer

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
	GetConversationWithParticipants(id string) (models.ConversationDetail, error)
	InsertMessage(conversationID, senderID string, kind models.SenderKind, body string) (models.Message, error)
	UpdateConversationAgent(id, agentID string, status models.ConversationStatus) error
	MoveConversationToSector(id, sectorID string) error
	ListAgentsInSector(sectorID string) ([]models.User, error)
}

type Registry interface {
	Deliver(userID string, ev models.ServerEvent) bool
	BroadcastWatchers(conversationID string, ev models.ServerEvent)
}

type Snapshots interface {
	BroadcastSnapshot()
	DispatchPending()
}

type Coordinator struct {
	store     Store
	registry  Registry
	snapshots Snapshots
	locks     *locks.KeyedMutex
	log       *slog.Logger
}

func NewCoordinator(store Store, registry Registry, snapshots Snapshots, km *locks.KeyedMutex, log *slog.Logger) *Coordinator {
	if log == nil {
		log = slog.Default()
	}
	return &Coordinator{
		store:     store,
		registry:  registry,
		snapshots: snapshots,
		locks:     km,
		log:       log,
	}
}

// Transfer executes a transfer request end to end:
//
//  1. persists a system message narrating the transfer to the client,
//  2. delivers it to the client's live connection and any observer,
//  3. durably rebinds the conversation (new agent, or target sector's
//     pending queue) and notifies the target(s),
//  4. confirms completion to the initiating agent.
//
// Once the system message is persisted there is no rollback; later delivery
// misses are logged and swallowed.
func (c *Coordinator) Transfer(req models.TransferRequest) error {
	if req.ConversationID == "" || req.TargetID == "" {
		return fmt.Errorf("conversation and target are required: %w", models.ErrValidation)
	}
	if req.TargetKind != models.TargetAgent && req.TargetKind != models.TargetSector {
		return fmt.Errorf("unknown target kind %q: %w", req.TargetKind, models.ErrValidation)
	}

	if err := c.transferLocked(req); err != nil {
		return err
	}

	c.snapshots.BroadcastSnapshot()
	if req.TargetKind == models.TargetSector {
		// A sector transfer re-queues the conversation; give the online
		// sector agents a chance to pick it up right away.
		c.snapshots.DispatchPending()
	}

	return nil
}

// transferLocked performs the persist-and-notify sequence under the
// conversation's critical section.
func (c *Coordinator) transferLocked(req models.TransferRequest) error {
	unlock := c.locks.Lock(req.ConversationID)
	defer unlock()

	detail, err := c.store.GetConversationWithParticipants(req.ConversationID)
	if err != nil {
		return err
	}
	if detail.Status != models.StatusActive {
		return fmt.Errorf("only active conversations can be transferred: %w", models.ErrValidation)
	}
	// Rejecting a stale CurrentAgentID stops two near-simultaneous transfer
	// requests from both rebinding the conversation.
	if req.CurrentAgentID != detail.AgentID {
		return fmt.Errorf("conversation is not assigned to the requesting agent: %w", models.ErrValidation)
	}

	target, err := c.resolveTarget(req)
	if err != nil {
		return err
	}

	initiator := req.InitiatorName
	if initiator == "" {
		initiator = "Your agent"
	}
	text := fmt.Sprintf("%s is transferring you to %s. Please wait.", initiator, target.name)

	sysMsg, err := c.store.InsertMessage(req.ConversationID, "", models.SenderSystem, text)
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrPersistence, err)
	}

	msgEv := models.ServerEvent{
		Type:    models.ServerEventMessageDelivered,
		Message: &sysMsg,
	}
	if !c.registry.Deliver(detail.ClientID, msgEv) {
		c.log.Debug("client offline for transfer notice", "conversation_id", req.ConversationID)
	}
	c.registry.BroadcastWatchers(req.ConversationID, msgEv)

	notification := &models.TransferNotification{
		ConversationID: req.ConversationID,
		ClientID:       detail.ClientID,
		ClientName:     detail.ClientName,
		Message:        text,
	}

	switch req.TargetKind {
	case models.TargetAgent:
		if err := c.store.UpdateConversationAgent(req.ConversationID, req.TargetID, models.StatusActive); err != nil {
			return c.persistenceErr(err)
		}
		if !c.registry.Deliver(req.TargetID, models.ServerEvent{
			Type:     models.ServerEventTransferNotification,
			Transfer: notification,
		}) {
			// Offline target discovers the conversation on its next
			// announce via durable recovery.
			c.log.Warn("transfer target offline", "conversation_id", req.ConversationID, "target_id", req.TargetID)
		}

	case models.TargetSector:
		if err := c.store.MoveConversationToSector(req.ConversationID, req.TargetID); err != nil {
			return c.persistenceErr(err)
		}
		agents, err := c.store.ListAgentsInSector(req.TargetID)
		if err != nil {
			c.log.Error("failed to list sector agents", "sector_id", req.TargetID, "error", err)
			agents = nil
		}
		notified := 0
		for _, a := range agents {
			if c.registry.Deliver(a.ID, models.ServerEvent{
				Type:     models.ServerEventTransferNotification,
				Transfer: notification,
			}) {
				notified++
			}
		}
		c.log.Info("conversation re-queued for sector",
			"conversation_id", req.ConversationID, "sector_id", req.TargetID, "notified", notified)
	}

	c.registry.Deliver(req.CurrentAgentID, models.ServerEvent{
		Type:           models.ServerEventTransferCompleted,
		ConversationID: req.ConversationID,
	})

	return nil
}

type resolvedTarget struct {
	name string
}

func (c *Coordinator) resolveTarget(req models.TransferRequest) (resolvedTarget, error) {
	switch req.TargetKind {
	case models.TargetAgent:
		user, err := c.store.GetUser(req.TargetID)
		if err != nil {
			return resolvedTarget{}, err
		}
		if user.Role != models.RoleAgent {
			return resolvedTarget{}, fmt.Errorf("transfer target %s is not an agent: %w", req.TargetID, models.ErrValidation)
		}
		if req.TargetName != "" {
			return resolvedTarget{name: req.TargetName}, nil
		}
		return resolvedTarget{name: user.Name}, nil

	case models.TargetSector:
		sector, err := c.store.GetSector(req.TargetID)
		if err != nil {
			return resolvedTarget{}, err
		}
		if req.TargetName != "" {
			return resolvedTarget{name: req.TargetName}, nil
		}
		return resolvedTarget{name: sector.Name}, nil
	}
	return resolvedTarget{}, fmt.Errorf("unknown target kind: %w", models.ErrValidation)
}

func (c *Coordinator) persistenceErr(err error) error {
	if errors.Is(err, models.ErrValidation) || errors.Is(err, models.ErrNotFound) {
		return err
	}
	return fmt.Errorf("%w: %v", models.ErrPersistence, err)
}
