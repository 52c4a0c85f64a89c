package ws

import (
	"log"
	"net/http"

	"atendo/internal/models"

	"github.com/gorilla/websocket"
)

type tokenResolver interface {
	GetUserID(token string) (string, error)
}

type userStore interface {
	GetUser(id string) (models.User, error)
}

// Server upgrades authenticated HTTP requests to WebSocket connections and
// runs a Connection per socket. Identity is resolved before the upgrade;
// the engine trusts it afterwards.
type Server struct {
	auth     tokenResolver
	users    userStore
	registry presenceRegistry
	router   conversationRouter
	relay    messageRelay
	transfer transferCoordinator
	upgrader *websocket.Upgrader
}

func NewServer(
	auth tokenResolver,
	users userStore,
	registry presenceRegistry,
	router conversationRouter,
	relay messageRelay,
	transfer transferCoordinator,
) *Server {
	return &Server{
		auth:     auth,
		users:    users,
		registry: registry,
		router:   router,
		relay:    relay,
		transfer: transfer,
		upgrader: &websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // same-origin enforcement happens at the API layer
			},
		},
	}
}

func (s *Server) HandleConnections(w http.ResponseWriter, r *http.Request) {
	token := r.Header.Get("token")
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	userID, err := s.auth.GetUserID(token)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	user, err := s.users.GetUser(userID)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	sock, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("error upgrading to websocket: %v", err)
		return
	}

	conn := NewConnection(s.registry, s.router, s.relay, s.transfer, sock, user)
	if err := conn.Handle(r.Context()); err != nil {
		log.Printf("connection for user %s ended: %v", user.ID, err)
	}
}
