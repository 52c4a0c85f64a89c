package models

import "errors"

var (
	ErrNotFound    = errors.New("not found")
	ErrValidation  = errors.New("invalid request")
	ErrPersistence = errors.New("persistence failed")
)

type Role string

const (
	RoleClient     Role = "client"
	RoleAgent      Role = "agent"
	RoleSupervisor Role = "supervisor"
	RoleAdmin      Role = "admin"
)

// Privileged reports whether the role is allowed to appear in presence
// broadcasts and to observe conversations fleet-wide.
func (r Role) Privileged() bool {
	return r == RoleAgent || r == RoleSupervisor || r == RoleAdmin
}

func (r Role) Valid() bool {
	switch r {
	case RoleClient, RoleAgent, RoleSupervisor, RoleAdmin:
		return true
	}
	return false
}

// User represents a participant in the system. SectorID is set only for
// agents affiliated with a sector.
type User struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Role     Role   `json:"role"`
	SectorID string `json:"sectorId,omitempty"`
}

// Sector is static reference data: a short stable code plus a display name.
type Sector struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type ConversationStatus string

const (
	StatusPending ConversationStatus = "pending"
	StatusActive  ConversationStatus = "active"
	StatusClosed  ConversationStatus = "closed"
	StatusRated   ConversationStatus = "rated"
)

var statusRank = map[ConversationStatus]int{
	StatusPending: 0,
	StatusActive:  1,
	StatusClosed:  2,
	StatusRated:   3,
}

// CanTransitionTo enforces the monotonic pending -> active -> closed -> rated
// lifecycle. Active back to pending (agent unassigned, re-queued for a
// sector) is the one permitted backward step.
func (s ConversationStatus) CanTransitionTo(next ConversationStatus) bool {
	cur, ok := statusRank[s]
	if !ok {
		return false
	}
	nxt, ok := statusRank[next]
	if !ok {
		return false
	}
	if s == StatusActive && next == StatusPending {
		return true
	}
	return nxt >= cur
}

// Conversation is a client's support session: one client, at most one agent,
// one sector. AgentID is empty while the conversation is unassigned.
type Conversation struct {
	ID        string             `json:"id"`
	ClientID  string             `json:"clientId"`
	AgentID   string             `json:"agentId,omitempty"`
	SectorID  string             `json:"sectorId"`
	Status    ConversationStatus `json:"status"`
	Rating    int                `json:"rating,omitempty"`
	CreatedAt int64              `json:"createdAt"` // Unix millis
	UpdatedAt int64              `json:"updatedAt"` // Unix millis
	LastSeq   int64              `json:"lastSeq"`
}

type SenderKind string

const (
	SenderUser   SenderKind = "user"
	SenderSystem SenderKind = "system"
)

// Message is one persisted, immutable chat message. SenderID is empty for
// system-authored messages (transfer narration and the like).
type Message struct {
	Seq            int64      `json:"seq"`
	ConversationID string     `json:"conversationId"`
	SenderID       string     `json:"senderId,omitempty"`
	SenderKind     SenderKind `json:"senderKind"`
	Content        string     `json:"content"`
	Timestamp      int64      `json:"timestamp"` // Unix millis
}

// ConversationSummary is a conversation joined with display names, the shape
// pushed to supervisor dashboards and assignment notifications.
type ConversationSummary struct {
	ID         string             `json:"id"`
	Status     ConversationStatus `json:"status"`
	ClientID   string             `json:"clientId"`
	ClientName string             `json:"clientName"`
	AgentID    string             `json:"agentId,omitempty"`
	AgentName  string             `json:"agentName,omitempty"`
	SectorID   string             `json:"sectorId"`
	SectorName string             `json:"sectorName"`
	CreatedAt  int64              `json:"createdAt"`
}

// ConversationDetail is the full conversation plus participant display names.
type ConversationDetail struct {
	Conversation
	ClientName string `json:"clientName"`
	AgentName  string `json:"agentName,omitempty"`
	SectorName string `json:"sectorName"`
}

func (d ConversationDetail) Summary() ConversationSummary {
	return ConversationSummary{
		ID:         d.ID,
		Status:     d.Status,
		ClientID:   d.ClientID,
		ClientName: d.ClientName,
		AgentID:    d.AgentID,
		AgentName:  d.AgentName,
		SectorID:   d.SectorID,
		SectorName: d.SectorName,
		CreatedAt:  d.CreatedAt,
	}
}

type TargetKind string

const (
	TargetAgent  TargetKind = "agent"
	TargetSector TargetKind = "sector"
)

// TransferRequest is the in-flight payload of a transfer. It is never stored;
// its side effects (the system message, the rebound agent) are what persist.
type TransferRequest struct {
	ConversationID string     `json:"conversationId"`
	ClientID       string     `json:"clientId"`
	ClientName     string     `json:"clientName"`
	CurrentAgentID string     `json:"currentAgentId"`
	InitiatorName  string     `json:"initiatorName"`
	TargetID       string     `json:"targetId"`
	TargetKind     TargetKind `json:"targetKind"`
	TargetName     string     `json:"targetName"`
}

// TransferNotification is delivered to the transfer target(s).
type TransferNotification struct {
	ConversationID string `json:"conversationId"`
	ClientID       string `json:"clientId"`
	ClientName     string `json:"clientName"`
	Message        string `json:"message"`
}

type ClientEventType string

const (
	ClientEventAnnounceOnline    ClientEventType = "announce_online"
	ClientEventStartConversation ClientEventType = "start_conversation"
	ClientEventSubmitMessage     ClientEventType = "submit_message"
	ClientEventRequestTransfer   ClientEventType = "request_transfer"
	ClientEventCloseConversation ClientEventType = "close_conversation"
	ClientEventRateConversation  ClientEventType = "rate_conversation"
	ClientEventWatch             ClientEventType = "watch_conversation"
	ClientEventUnwatch           ClientEventType = "unwatch_conversation"
)

// ClientEvent is a message sent from a connected client to the server.
type ClientEvent struct {
	Type           ClientEventType  `json:"type"`
	ConversationID string           `json:"conversationId,omitempty"`
	ClientID       string           `json:"clientId,omitempty"`
	SectorID       string           `json:"sectorId,omitempty"`
	Content        string           `json:"content,omitempty"`
	Rating         int              `json:"rating,omitempty"`
	Transfer       *TransferRequest `json:"transfer,omitempty"`
}

type ServerEventType string

const (
	ServerEventPresenceUpdated       ServerEventType = "presence_updated"
	ServerEventConversationAssigned  ServerEventType = "conversation_assigned"
	ServerEventMessageDelivered      ServerEventType = "message_delivered"
	ServerEventConversationsSnapshot ServerEventType = "active_conversations_snapshot"
	ServerEventTransferNotification  ServerEventType = "transfer_notification"
	ServerEventTransferCompleted     ServerEventType = "transfer_completed"
	ServerEventRejected              ServerEventType = "rejected"
)

// ServerEvent is a message pushed to a connected client.
type ServerEvent struct {
	Type           ServerEventType       `json:"type"`
	Users          []User                `json:"users,omitempty"`
	Conversation   *ConversationSummary  `json:"conversation,omitempty"`
	Conversations  []ConversationSummary `json:"conversations,omitempty"`
	Message        *Message              `json:"message,omitempty"`
	Transfer       *TransferNotification `json:"transfer,omitempty"`
	ConversationID string                `json:"conversationId,omitempty"`
	Reason         string                `json:"reason,omitempty"`
}
