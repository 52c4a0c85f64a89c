package ws

import (
	"context"
	"errors"
	"sync"

	"atendo/internal/models"
)

type wsConnection interface {
	Close() error
	WriteJSON(v interface{}) error
	ReadJSON(v interface{}) error
}

type presenceRegistry interface {
	Connect(user models.User) (string, chan models.ServerEvent)
	Announce(connID string) bool
	RemoveByConnection(connID string)
	Watch(connID, conversationID string)
	Unwatch(connID, conversationID string)
}

type conversationRouter interface {
	CreateConversation(clientID, sectorID string) (models.ConversationSummary, error)
	DispatchPending()
	RecoverAssigned(agentID string)
	SendSnapshot(userID string)
	Close(conversationID, requesterID string) error
	Rate(conversationID, requesterID string, rating int) error
}

type messageRelay interface {
	Submit(senderID, conversationID, body string) (models.Message, error)
}

type transferCoordinator interface {
	Transfer(req models.TransferRequest) error
}

// Connection owns one live WebSocket: it pumps inbound client events into
// the engine and drains the presence registry's outbound channel. Events
// from a single connection are processed strictly in receipt order.
type Connection struct {
	ws       wsConnection
	registry presenceRegistry
	router   conversationRouter
	relay    messageRelay
	transfer transferCoordinator

	user   models.User
	connID string

	fromClient chan models.ClientEvent
	fromServer chan models.ServerEvent
	errorCh    chan error
}

func NewConnection(
	registry presenceRegistry,
	router conversationRouter,
	relay messageRelay,
	transfer transferCoordinator,
	ws wsConnection,
	user models.User,
) *Connection {
	connID, fromServer := registry.Connect(user)
	return &Connection{
		ws:         ws,
		registry:   registry,
		router:     router,
		relay:      relay,
		transfer:   transfer,
		user:       user,
		connID:     connID,
		fromClient: make(chan models.ClientEvent),
		fromServer: fromServer,
		errorCh:    make(chan error, 2),
	}
}

func (c *Connection) Handle(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		close(c.fromClient)
		close(c.errorCh)
		c.registry.RemoveByConnection(c.connID)
	}()

	var wg sync.WaitGroup
	wg.Go(func() {
		c.errorCh <- c.pumpEvents(ctx)
		cancel()
	})

	wg.Go(func() {
		c.errorCh <- c.mainLoop(ctx)
		cancel()
	})

	var err error
	select {
	case err = <-c.errorCh:
	case <-ctx.Done():
	}
	c.ws.Close()
	wg.Wait()

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}

func (c *Connection) pumpEvents(ctx context.Context) error {
	for {
		var ev models.ClientEvent
		if err := c.ws.ReadJSON(&ev); err != nil {
			return err
		}
		select {
		case c.fromClient <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Connection) mainLoop(ctx context.Context) error {
	for {
		select {
		case ev := <-c.fromClient:
			if err := c.processClientEvent(ev); err != nil {
				return err
			}
		case ev, ok := <-c.fromServer:
			if !ok {
				// Registry evicted this connection (replaced by a
				// reconnect); shut down quietly.
				return nil
			}
			if err := c.ws.WriteJSON(ev); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// processClientEvent runs in the mainLoop goroutine, so writing rejections
// directly to the socket cannot race outbound pushes.
func (c *Connection) processClientEvent(ev models.ClientEvent) error {
	switch ev.Type {
	case models.ClientEventAnnounceOnline:
		if !c.registry.Announce(c.connID) {
			return c.reject("only agents, supervisors and admins may announce presence")
		}
		switch c.user.Role {
		case models.RoleAgent:
			c.router.RecoverAssigned(c.user.ID)
			c.router.DispatchPending()
		case models.RoleSupervisor, models.RoleAdmin:
			c.router.SendSnapshot(c.user.ID)
		}

	case models.ClientEventStartConversation:
		clientID := ev.ClientID
		if clientID == "" || c.user.Role == models.RoleClient {
			clientID = c.user.ID
		}
		summary, err := c.router.CreateConversation(clientID, ev.SectorID)
		if err != nil {
			return c.reject(err.Error())
		}
		// Hand the creator the persisted conversation so its UI has the
		// server-assigned id before any message flows.
		return c.ws.WriteJSON(models.ServerEvent{
			Type:         models.ServerEventConversationAssigned,
			Conversation: &summary,
		})

	case models.ClientEventSubmitMessage:
		if _, err := c.relay.Submit(c.user.ID, ev.ConversationID, ev.Content); err != nil {
			return c.reject(err.Error())
		}

	case models.ClientEventRequestTransfer:
		if ev.Transfer == nil {
			return c.reject("transfer payload is required")
		}
		if c.user.Role != models.RoleAgent {
			return c.reject("only agents may transfer conversations")
		}
		req := *ev.Transfer
		req.CurrentAgentID = c.user.ID
		if req.InitiatorName == "" {
			req.InitiatorName = c.user.Name
		}
		if err := c.transfer.Transfer(req); err != nil {
			return c.reject(err.Error())
		}

	case models.ClientEventCloseConversation:
		if err := c.router.Close(ev.ConversationID, c.user.ID); err != nil {
			return c.reject(err.Error())
		}

	case models.ClientEventRateConversation:
		if err := c.router.Rate(ev.ConversationID, c.user.ID, ev.Rating); err != nil {
			return c.reject(err.Error())
		}

	case models.ClientEventWatch:
		if c.user.Role != models.RoleSupervisor && c.user.Role != models.RoleAdmin {
			return c.reject("only supervisors may observe conversations")
		}
		c.registry.Watch(c.connID, ev.ConversationID)

	case models.ClientEventUnwatch:
		c.registry.Unwatch(c.connID, ev.ConversationID)
	}

	return nil
}

func (c *Connection) reject(reason string) error {
	return c.ws.WriteJSON(models.ServerEvent{
		Type:   models.ServerEventRejected,
		Reason: reason,
	})
}
