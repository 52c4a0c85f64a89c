package presence

import (
	"testing"
	"time"

	"atendo/internal/models"
)

func TestRegistry_AnnounceAndPresence(t *testing.T) {
	r := NewRegistry(nil)

	agent := models.User{ID: "agent1", Name: "bob", Role: models.RoleAgent, SectorID: "support"}
	client := models.User{ID: "client1", Name: "alice", Role: models.RoleClient}
	supervisor := models.User{ID: "sup1", Name: "dana", Role: models.RoleSupervisor}

	agentConn, _ := r.Connect(agent)
	clientConn, _ := r.Connect(client)
	supConn, supCh := r.Connect(supervisor)

	if !r.Announce(supConn) {
		t.Fatal("supervisor announce failed")
	}
	if !r.Announce(agentConn) {
		t.Fatal("agent announce failed")
	}
	if r.Announce(clientConn) {
		t.Error("client announce should be refused")
	}

	// The client is connected (reachable for targeted delivery) but never
	// part of the presence list.
	if !r.Lookup("client1") {
		t.Error("client connection should be registered")
	}
	online := r.Online()
	if len(online) != 2 {
		t.Fatalf("expected 2 announced users, got %d", len(online))
	}
	if online[0].ID != "agent1" && online[1].ID != "agent1" {
		t.Errorf("agent missing from online list: %+v", online)
	}

	agents := r.OnlineAgents()
	if len(agents) != 1 || agents[0].ID != "agent1" {
		t.Errorf("expected only agent1 in agent pool, got %+v", agents)
	}

	// Agent announce triggered a presence broadcast to the supervisor.
	var sawPresence bool
	for !sawPresence {
		select {
		case ev := <-supCh:
			if ev.Type == models.ServerEventPresenceUpdated {
				sawPresence = true
			}
		case <-time.After(1 * time.Second):
			t.Fatal("supervisor did not receive presence_updated")
		}
	}
}

func TestRegistry_Deliver(t *testing.T) {
	r := NewRegistry(nil)

	client := models.User{ID: "client1", Name: "alice", Role: models.RoleClient}
	_, ch := r.Connect(client)

	ev := models.ServerEvent{Type: models.ServerEventMessageDelivered}
	if !r.Deliver("client1", ev) {
		t.Fatal("delivery to connected user failed")
	}
	select {
	case got := <-ch:
		if got.Type != models.ServerEventMessageDelivered {
			t.Errorf("unexpected event: %+v", got)
		}
	default:
		t.Fatal("no event on channel")
	}

	if r.Deliver("nobody", ev) {
		t.Error("delivery to unknown user should report false")
	}
}

func TestRegistry_ReconnectReplacesStaleEntry(t *testing.T) {
	r := NewRegistry(nil)

	user := models.User{ID: "agent1", Role: models.RoleAgent}
	oldConn, oldCh := r.Connect(user)
	newConn, newCh := r.Connect(user)

	// The stale channel is closed so the old connection loop exits.
	select {
	case _, ok := <-oldCh:
		if ok {
			t.Error("expected stale channel to be closed")
		}
	case <-time.After(1 * time.Second):
		t.Fatal("stale channel not closed")
	}

	// A late disconnect of the old connection must not evict the new one.
	r.RemoveByConnection(oldConn)
	if !r.Lookup("agent1") {
		t.Fatal("fresh connection evicted by stale disconnect")
	}

	if !r.Deliver("agent1", models.ServerEvent{Type: models.ServerEventRejected}) {
		t.Fatal("delivery to fresh connection failed")
	}
	select {
	case <-newCh:
	default:
		t.Error("event not routed to the fresh connection")
	}

	r.RemoveByConnection(newConn)
	if r.Lookup("agent1") {
		t.Error("user still registered after removal")
	}
	// Removing twice is a no-op.
	r.RemoveByConnection(newConn)
}

func TestRegistry_Watchers(t *testing.T) {
	r := NewRegistry(nil)

	sup := models.User{ID: "sup1", Role: models.RoleSupervisor}
	other := models.User{ID: "sup2", Role: models.RoleSupervisor}
	supConn, supCh := r.Connect(sup)
	_, otherCh := r.Connect(other)

	r.Watch(supConn, "conv1")

	ev := models.ServerEvent{Type: models.ServerEventMessageDelivered, ConversationID: "conv1"}
	r.BroadcastWatchers("conv1", ev)

	select {
	case got := <-supCh:
		if got.ConversationID != "conv1" {
			t.Errorf("unexpected event: %+v", got)
		}
	default:
		t.Fatal("watcher did not receive event")
	}
	select {
	case <-otherCh:
		t.Error("non-watcher received event")
	default:
	}

	r.Unwatch(supConn, "conv1")
	r.BroadcastWatchers("conv1", ev)
	select {
	case <-supCh:
		t.Error("received event after unwatch")
	default:
	}
}

func TestRegistry_BroadcastSupervisors(t *testing.T) {
	r := NewRegistry(nil)

	agent := models.User{ID: "agent1", Role: models.RoleAgent}
	sup := models.User{ID: "sup1", Role: models.RoleSupervisor}
	agentConn, agentCh := r.Connect(agent)
	supConn, supCh := r.Connect(sup)
	r.Announce(agentConn)
	r.Announce(supConn)

	// Drain the presence_updated events caused by the announces.
	for len(supCh) > 0 {
		<-supCh
	}
	for len(agentCh) > 0 {
		<-agentCh
	}

	r.BroadcastSupervisors(models.ServerEvent{Type: models.ServerEventConversationsSnapshot})

	select {
	case got := <-supCh:
		if got.Type != models.ServerEventConversationsSnapshot {
			t.Errorf("unexpected event: %+v", got)
		}
	default:
		t.Fatal("supervisor did not receive snapshot")
	}
	select {
	case <-agentCh:
		t.Error("agent received supervisor broadcast")
	default:
	}
}
