package events

import (
	"fmt"
	"sync"
	"testing"
)

func newTestClient(categories ...Category) *Client {
	cats := make(map[Category]bool, len(categories))
	for _, c := range categories {
		cats[c] = true
	}
	return &Client{
		id:         "test-client",
		send:       make(chan *Envelope, clientBufferSize),
		categories: cats,
	}
}

func TestEnqueueDropsOldestWhenFull(t *testing.T) {
	client := newTestClient()
	for i := 0; i < clientBufferSize+5; i++ {
		env, err := CreateMessage(EventSystemError, map[string]interface{}{
			"message": fmt.Sprintf("event %d", i),
		}, nil)
		if err != nil {
			t.Fatalf("CreateMessage: %v", err)
		}
		client.enqueue(env)
	}

	if got := len(client.send); got != clientBufferSize {
		t.Fatalf("buffer length = %d, want %d", got, clientBufferSize)
	}
	// The oldest five were dropped, so the first queued event is number 5.
	first := <-client.send
	if got := first.Data["message"]; got != "event 5" {
		t.Errorf("first queued = %q, want %q", got, "event 5")
	}
}

func TestEnqueueDuringCloseDoesNotPanic(t *testing.T) {
	client := newTestClient()
	env, err := CreateMessage(EventSystemError, map[string]interface{}{"message": "x"}, nil)
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				client.enqueue(env)
			}
		}()
	}
	client.closeSend()
	wg.Wait()

	// Idempotent close and post-close enqueue are both no-ops.
	client.closeSend()
	client.enqueue(env)
}

func TestBroadcastEventDeliversBatchStatus(t *testing.T) {
	hub := NewHub()
	client := newTestClient()
	hub.clients[client] = struct{}{}

	hub.BroadcastEvent(EventWhatsAppBatchStatus, map[string]interface{}{
		"updates": []interface{}{
			map[string]interface{}{"appointmentId": 1, "status": "read", "ack": 3},
		},
		"date": "2026-08-31",
	})

	if len(client.send) != 1 {
		t.Fatalf("batch status event was not delivered")
	}
	env := <-client.send
	if env.Type != EventWhatsAppBatchStatus {
		t.Errorf("type = %q", env.Type)
	}
}

func TestBroadcastFiltersByCategory(t *testing.T) {
	hub := NewHub()
	all := newTestClient()
	messagingOnly := newTestClient(CategoryMessaging)
	hub.clients[all] = struct{}{}
	hub.clients[messagingOnly] = struct{}{}

	sysEnv, err := CreateMessage(EventSystemError, map[string]interface{}{"message": "x"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	hub.Broadcast(sysEnv)

	if len(all.send) != 1 {
		t.Errorf("unfiltered client queued %d events, want 1", len(all.send))
	}
	if len(messagingOnly.send) != 0 {
		t.Errorf("messaging-only client queued %d events, want 0", len(messagingOnly.send))
	}

	msgEnv, err := CreateMessage(EventWhatsAppStatus, map[string]interface{}{
		"appointmentId": 1, "status": "read",
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	hub.Broadcast(msgEnv)
	if len(messagingOnly.send) != 1 {
		t.Errorf("messaging-only client queued %d events, want 1", len(messagingOnly.send))
	}
}

func TestBroadcastRejectsUnknownType(t *testing.T) {
	hub := NewHub()
	client := newTestClient()
	hub.clients[client] = struct{}{}

	hub.Broadcast(&Envelope{Type: "bogus"})
	if len(client.send) != 0 {
		t.Errorf("unknown type was delivered")
	}
	hub.Broadcast(nil)
}

func TestBroadcastEventInvalidDataDropped(t *testing.T) {
	hub := NewHub()
	client := newTestClient()
	hub.clients[client] = struct{}{}

	hub.BroadcastEvent(EventSystemError, nil)
	if len(client.send) != 0 {
		t.Errorf("invalid event was delivered")
	}
}

func TestParseCategories(t *testing.T) {
	cats := parseCategories("messaging, system,")
	if len(cats) != 2 || !cats[CategoryMessaging] || !cats[CategorySystem] {
		t.Errorf("parseCategories = %v", cats)
	}
	if len(parseCategories("")) != 0 {
		t.Error("empty input should yield no categories")
	}
}
