package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"testing"
	"time"

	"atendo/internal/api"
	"atendo/internal/auth"
	"atendo/internal/models"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func TestIntegration(t *testing.T) {
	dbFile := "integration_test.db"
	_ = os.Remove(dbFile)
	defer func() { _ = os.Remove(dbFile) }()

	apiAddr := "127.0.0.1:8891"

	_ = os.Setenv("ATENDO_DB", dbFile)
	_ = os.Setenv("API_ADDR", apiAddr)
	_ = os.Setenv("TOKEN_EXPIRY", "1h")
	defer func() {
		_ = os.Unsetenv("ATENDO_DB")
		_ = os.Unsetenv("API_ADDR")
		_ = os.Unsetenv("TOKEN_EXPIRY")
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Seed a sector and the three participants through the operator CLI
	// path before the server owns the database file.
	require.NoError(t, run(ctx, cliOptions{addSector: "support", sectorName: "Support"}))
	require.NoError(t, run(ctx, cliOptions{addUser: "alice", password: "pw-alice", role: "client"}))
	require.NoError(t, run(ctx, cliOptions{addUser: "bob", password: "pw-bob", role: "agent", sector: "support"}))
	require.NoError(t, run(ctx, cliOptions{addUser: "carol", password: "pw-carol", role: "agent", sector: "support"}))
	require.NoError(t, run(ctx, cliOptions{addUser: "dana", password: "pw-dana", role: "supervisor"}))

	go func() {
		if err := run(ctx, cliOptions{}); err != nil && err != context.Canceled {
			t.Errorf("Server error: %v", err)
		}
	}()

	waitForServer(t, fmt.Sprintf("http://%s/api/login", apiAddr), 20)

	// Step 1: Login everyone over HTTP.
	client := login(t, apiAddr, "alice", "pw-alice")
	agent := login(t, apiAddr, "bob", "pw-bob")
	supervisor := login(t, apiAddr, "dana", "pw-dana")
	require.Equal(t, models.RoleAgent, agent.User.Role)

	// A bad password is refused.
	resp, err := http.Post(fmt.Sprintf("http://%s/api/login", apiAddr), "application/json",
		bytes.NewBufferString(`{"username":"alice","password":"wrong"}`))
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Step 2: Open the realtime connections.
	clientWS := dialWS(t, apiAddr, client.Token)
	defer func() { _ = clientWS.Close() }()
	agentWS := dialWS(t, apiAddr, agent.Token)
	defer func() { _ = agentWS.Close() }()
	supWS := dialWS(t, apiAddr, supervisor.Token)
	defer func() { _ = supWS.Close() }()

	// Step 3: Agent and supervisor announce themselves.
	require.NoError(t, agentWS.WriteJSON(models.ClientEvent{Type: models.ClientEventAnnounceOnline}))
	require.NoError(t, supWS.WriteJSON(models.ClientEvent{Type: models.ClientEventAnnounceOnline}))

	// The two announces land asynchronously; read presence updates until the
	// agent shows up.
	for found := false; !found; {
		presence := readEvent(t, supWS, models.ServerEventPresenceUpdated)
		for _, u := range presence.Users {
			if u.ID == agent.User.ID {
				found = true
			}
		}
	}

	// Step 4: The client starts a conversation and gets the online agent.
	require.NoError(t, clientWS.WriteJSON(models.ClientEvent{
		Type:     models.ClientEventStartConversation,
		SectorID: "support",
	}))

	assigned := readEvent(t, clientWS, models.ServerEventConversationAssigned)
	require.NotNil(t, assigned.Conversation)
	require.Equal(t, models.StatusActive, assigned.Conversation.Status)
	require.Equal(t, agent.User.ID, assigned.Conversation.AgentID)
	conversationID := assigned.Conversation.ID

	agentAssigned := readEvent(t, agentWS, models.ServerEventConversationAssigned)
	require.Equal(t, conversationID, agentAssigned.Conversation.ID)
	require.Equal(t, "alice", agentAssigned.Conversation.ClientName)

	// The supervisor dashboard sees the new conversation. Earlier snapshots
	// (from the announce) may still be queued, so read until it shows up.
	readSnapshotWith(t, supWS, conversationID)

	// Step 5: Messages flow both ways.
	require.NoError(t, clientWS.WriteJSON(models.ClientEvent{
		Type:           models.ClientEventSubmitMessage,
		ConversationID: conversationID,
		Content:        "my invoice is wrong",
	}))

	delivered := readEvent(t, agentWS, models.ServerEventMessageDelivered)
	require.Equal(t, "my invoice is wrong", delivered.Message.Content)
	require.Equal(t, client.User.ID, delivered.Message.SenderID)

	echo := readEvent(t, clientWS, models.ServerEventMessageDelivered)
	require.Equal(t, int64(1), echo.Message.Seq)

	require.NoError(t, agentWS.WriteJSON(models.ClientEvent{
		Type:           models.ClientEventSubmitMessage,
		ConversationID: conversationID,
		Content:        "let me check that for you",
	}))
	reply := readEvent(t, clientWS, models.ServerEventMessageDelivered)
	require.Equal(t, agent.User.ID, reply.Message.SenderID)
	require.Greater(t, reply.Message.Timestamp, echo.Message.Timestamp)

	// Step 6: History is recoverable over HTTP.
	req, err := http.NewRequest("GET",
		fmt.Sprintf("http://%s/api/conversations/%s/messages", apiAddr, conversationID), nil)
	require.NoError(t, err)
	req.Header.Set("token", client.Token)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var history []models.Message
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&history))
	require.Len(t, history, 2)
	require.Equal(t, "my invoice is wrong", history[0].Content)

	// A supervisor may read any conversation's history.
	reqSup, err := http.NewRequest("GET",
		fmt.Sprintf("http://%s/api/conversations/%s/messages", apiAddr, conversationID), nil)
	require.NoError(t, err)
	reqSup.Header.Set("token", supervisor.Token)
	respSup, err := http.DefaultClient.Do(reqSup)
	require.NoError(t, err)
	_ = respSup.Body.Close()
	require.Equal(t, http.StatusOK, respSup.StatusCode)

	// Step 7: Metrics are supervisor-only.
	reqMetrics, err := http.NewRequest("GET", fmt.Sprintf("http://%s/api/metrics", apiAddr), nil)
	require.NoError(t, err)
	reqMetrics.Header.Set("token", supervisor.Token)
	respMetrics, err := http.DefaultClient.Do(reqMetrics)
	require.NoError(t, err)
	defer func() { _ = respMetrics.Body.Close() }()
	require.Equal(t, http.StatusOK, respMetrics.StatusCode)

	var metrics api.Metrics
	require.NoError(t, json.NewDecoder(respMetrics.Body).Decode(&metrics))
	require.Equal(t, 1, metrics.ActiveConversations)
	require.Equal(t, 1, metrics.OnlineAgents)

	reqForbidden, err := http.NewRequest("GET", fmt.Sprintf("http://%s/api/metrics", apiAddr), nil)
	require.NoError(t, err)
	reqForbidden.Header.Set("token", client.Token)
	respForbidden, err := http.DefaultClient.Do(reqForbidden)
	require.NoError(t, err)
	_ = respForbidden.Body.Close()
	require.Equal(t, http.StatusForbidden, respForbidden.StatusCode)

	// Step 8: Hand the conversation over to a second agent.
	agent2 := login(t, apiAddr, "carol", "pw-carol")
	agent2WS := dialWS(t, apiAddr, agent2.Token)
	defer func() { _ = agent2WS.Close() }()
	require.NoError(t, agent2WS.WriteJSON(models.ClientEvent{Type: models.ClientEventAnnounceOnline}))

	// Wait until the second agent's announce landed before transferring.
	for found := false; !found; {
		presence := readEvent(t, supWS, models.ServerEventPresenceUpdated)
		for _, u := range presence.Users {
			if u.ID == agent2.User.ID {
				found = true
			}
		}
	}

	require.NoError(t, agentWS.WriteJSON(models.ClientEvent{
		Type: models.ClientEventRequestTransfer,
		Transfer: &models.TransferRequest{
			ConversationID: conversationID,
			TargetID:       agent2.User.ID,
			TargetKind:     models.TargetAgent,
		},
	}))

	notification := readEvent(t, agent2WS, models.ServerEventTransferNotification)
	require.Equal(t, conversationID, notification.Transfer.ConversationID)
	require.Equal(t, "alice", notification.Transfer.ClientName)

	completed := readEvent(t, agentWS, models.ServerEventTransferCompleted)
	require.Equal(t, conversationID, completed.ConversationID)

	// The client sees the system narration naming the new agent.
	narration := readEvent(t, clientWS, models.ServerEventMessageDelivered)
	require.Equal(t, models.SenderSystem, narration.Message.SenderKind)
	require.Contains(t, narration.Message.Content, "carol")

	// Step 9: The client wraps up.
	require.NoError(t, clientWS.WriteJSON(models.ClientEvent{
		Type:           models.ClientEventCloseConversation,
		ConversationID: conversationID,
	}))
	require.NoError(t, clientWS.WriteJSON(models.ClientEvent{
		Type:           models.ClientEventRateConversation,
		ConversationID: conversationID,
		Rating:         5,
	}))

	// The closed conversation drops out of the supervisor snapshot. Earlier
	// snapshots (from the transfer) may still be queued.
	for gone := false; !gone; {
		snapshot := readEvent(t, supWS, models.ServerEventConversationsSnapshot)
		gone = true
		for _, c := range snapshot.Conversations {
			if c.ID == conversationID {
				gone = false
			}
		}
	}

	// Step 10: Logoff revokes the token.
	reqLogoff, err := http.NewRequest("POST", fmt.Sprintf("http://%s/api/logoff", apiAddr), nil)
	require.NoError(t, err)
	reqLogoff.Header.Set("token", client.Token)
	respLogoff, err := http.DefaultClient.Do(reqLogoff)
	require.NoError(t, err)
	_ = respLogoff.Body.Close()
	require.Equal(t, http.StatusOK, respLogoff.StatusCode)

	reqStale, err := http.NewRequest("GET",
		fmt.Sprintf("http://%s/api/conversations/%s/messages", apiAddr, conversationID), nil)
	require.NoError(t, err)
	reqStale.Header.Set("token", client.Token)
	respStale, err := http.DefaultClient.Do(reqStale)
	require.NoError(t, err)
	_ = respStale.Body.Close()
	require.Equal(t, http.StatusUnauthorized, respStale.StatusCode)
}

func login(t *testing.T, apiAddr, username, password string) auth.LoginResponse {
	t.Helper()

	body, err := json.Marshal(auth.LoginRequest{Username: username, Password: password})
	require.NoError(t, err)

	resp, err := http.Post(fmt.Sprintf("http://%s/api/login", apiAddr), "application/json", bytes.NewBuffer(body))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var loginResp auth.LoginResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&loginResp))
	require.NotEmpty(t, loginResp.Token)
	return loginResp
}

func dialWS(t *testing.T, apiAddr, token string) *websocket.Conn {
	t.Helper()

	header := http.Header{}
	header.Set("token", token)
	conn, resp, err := websocket.DefaultDialer.Dial(fmt.Sprintf("ws://%s/api/chat", apiAddr), header)
	require.NoError(t, err)
	if resp != nil {
		_ = resp.Body.Close()
	}
	return conn
}

// readEvent reads until an event of the wanted type arrives, skipping
// unrelated pushes (presence updates, snapshots) that interleave.
func readEvent(t *testing.T, conn *websocket.Conn, typ models.ServerEventType) models.ServerEvent {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	require.NoError(t, conn.SetReadDeadline(deadline))
	for {
		var ev models.ServerEvent
		if err := conn.ReadJSON(&ev); err != nil {
			t.Fatalf("reading event of type %s: %v", typ, err)
		}
		if ev.Type == typ {
			return ev
		}
	}
}

// readSnapshotWith reads snapshots until one lists the conversation.
func readSnapshotWith(t *testing.T, conn *websocket.Conn, conversationID string) models.ServerEvent {
	t.Helper()

	for {
		ev := readEvent(t, conn, models.ServerEventConversationsSnapshot)
		for _, c := range ev.Conversations {
			if c.ID == conversationID {
				return ev
			}
		}
	}
}

func waitForServer(t *testing.T, urlStr string, retries int) {
	t.Helper()

	client := &http.Client{Timeout: 500 * time.Millisecond}
	for i := 0; i < retries; i++ {
		resp, err := client.Get(urlStr)
		if err == nil {
			_ = resp.Body.Close()
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatalf("Server failed to start at %s after %d retries", urlStr, retries)
}
