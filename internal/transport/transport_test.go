package transport

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/jfoltran/replicator/internal/wire"
)

func TestSendDeliversToRegisteredActor(t *testing.T) {
	server := NewWebsocketTransport(Config{WriteTimeout: time.Second}, zerolog.Nop())
	defer server.Close()

	srv := httptest.NewServer(server)
	defer srv.Close()

	received := make(chan wire.Message, 1)
	server.RegisterActor("replica-1", func(msg wire.Message) {
		received <- msg
	})

	client := NewWebsocketTransport(Config{WriteTimeout: time.Second}, zerolog.Nop())
	defer client.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	to := Endpoint{Address: wsURL}

	msg := wire.Message{
		Actor:  wire.ActorHeader{EndpointID: "replica-1"},
		Action: wire.ActionHeader{Name: wire.ActionRequestAck},
		MsgID:  wire.MessageIDHeader{ID: "m1"},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Send(ctx, to, msg); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case got := <-received:
		if got.Actor.EndpointID != "replica-1" {
			t.Fatalf("Actor.EndpointID = %q, want replica-1", got.Actor.EndpointID)
		}
		if got.Action.Name != wire.ActionRequestAck {
			t.Fatalf("Action.Name = %v, want ActionRequestAck", got.Action.Name)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message delivery")
	}
}

func TestSendToUnregisteredActorIsDroppedNotErrored(t *testing.T) {
	server := NewWebsocketTransport(Config{WriteTimeout: time.Second}, zerolog.Nop())
	defer server.Close()

	srv := httptest.NewServer(server)
	defer srv.Close()

	client := NewWebsocketTransport(Config{WriteTimeout: time.Second}, zerolog.Nop())
	defer client.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	to := Endpoint{Address: wsURL}

	msg := wire.Message{
		Actor:  wire.ActorHeader{EndpointID: "nobody-home"},
		Action: wire.ActionHeader{Name: wire.ActionRequestAck},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Send(ctx, to, msg); err != nil {
		t.Fatalf("Send to an unregistered actor should still succeed at the transport layer: %v", err)
	}
}

func TestSendReusesConnectionForSameAddress(t *testing.T) {
	server := NewWebsocketTransport(Config{WriteTimeout: time.Second}, zerolog.Nop())
	defer server.Close()

	srv := httptest.NewServer(server)
	defer srv.Close()

	count := 0
	server.RegisterActor("replica-1", func(msg wire.Message) { count++ })

	client := NewWebsocketTransport(Config{WriteTimeout: time.Second}, zerolog.Nop())
	defer client.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	to := Endpoint{Address: wsURL}
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		msg := wire.Message{
			Actor:  wire.ActorHeader{EndpointID: "replica-1"},
			Action: wire.ActionHeader{Name: wire.ActionRequestAck},
		}
		if err := client.Send(ctx, to, msg); err != nil {
			t.Fatalf("Send #%d: %v", i, err)
		}
	}

	client.mu.Lock()
	conns := len(client.conns)
	client.mu.Unlock()
	if conns != 1 {
		t.Fatalf("client has %d cached connections, want 1 (reused across sends)", conns)
	}
}
