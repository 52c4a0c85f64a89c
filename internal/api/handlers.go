package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	"atendo/internal/auth"
	"atendo/internal/models"
	"atendo/internal/presence"
	"atendo/internal/storage"
)

type API struct {
	auth     *auth.Service
	store    *storage.BboltStorage
	registry *presence.Registry
}

func New(authService *auth.Service, store *storage.BboltStorage, registry *presence.Registry) *API {
	return &API{auth: authService, store: store, registry: registry}
}

func (a *API) LoginHandler(w http.ResponseWriter, r *http.Request) {
	var req auth.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	resp, err := a.auth.Login(req)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     "token",
		Value:    resp.Token,
		HttpOnly: true,
		Path:     "/",
	})

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Printf("failed to encode login response: %v", err)
	}
}

func (a *API) LogoffHandler(w http.ResponseWriter, r *http.Request) {
	if token := a.getToken(r); token != "" {
		_ = a.auth.Logoff(token)
	}

	http.SetCookie(w, &http.Cookie{
		Name:     "token",
		Value:    "",
		HttpOnly: true,
		Path:     "/",
		MaxAge:   -1,
	})

	w.WriteHeader(http.StatusOK)
}

// HistoryHandler returns a conversation's persisted messages in order. This
// is the recovery path for anything a live push missed.
func (a *API) HistoryHandler(w http.ResponseWriter, r *http.Request, userID string) {
	conversationID := r.PathValue("id")

	conv, err := a.store.GetConversation(conversationID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			http.Error(w, "Not found", http.StatusNotFound)
			return
		}
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}

	if !a.mayRead(conv, userID) {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	from := queryInt(r, "from", 1)
	to := queryInt(r, "to", conv.LastSeq)

	messages, err := a.store.ListMessages(conversationID, from, to)
	if err != nil {
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	if messages == nil {
		messages = []models.Message{}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(messages); err != nil {
		log.Printf("failed to encode history response: %v", err)
	}
}

type Metrics struct {
	ActiveConversations int `json:"activeConversations"`
	OnlineAgents        int `json:"onlineAgents"`
}

func (a *API) MetricsHandler(w http.ResponseWriter, r *http.Request, userID string) {
	user, err := a.store.GetUser(userID)
	if err != nil || (user.Role != models.RoleSupervisor && user.Role != models.RoleAdmin) {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	active, err := a.store.ListActiveConversations()
	if err != nil {
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(Metrics{
		ActiveConversations: len(active),
		OnlineAgents:        len(a.registry.OnlineAgents()),
	}); err != nil {
		log.Printf("failed to encode metrics response: %v", err)
	}
}

// RequireAuth resolves the caller's token and passes the user id through.
func (a *API) RequireAuth(next func(http.ResponseWriter, *http.Request, string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := a.auth.GetUserID(a.getToken(r))
		if err != nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r, userID)
	}
}

func (a *API) getToken(r *http.Request) string {
	token := r.Header.Get("token")
	if token == "" {
		if c, err := r.Cookie("token"); err == nil {
			token = c.Value
		}
	}
	return token
}

func (a *API) mayRead(conv models.Conversation, userID string) bool {
	if userID == conv.ClientID || userID == conv.AgentID {
		return true
	}
	user, err := a.store.GetUser(userID)
	if err != nil {
		return false
	}
	return user.Role == models.RoleSupervisor || user.Role == models.RoleAdmin
}

func queryInt(r *http.Request, key string, fallback int64) int64 {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return n
}
