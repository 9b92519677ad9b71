package server

import (
	"context"
	"testing"
	"time"

	"github.com/neocraft/trilium/internal/syncupdate"
)

func TestRealtimeDispatcherPublishesToOtherReplicas(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx, "replica-b")
	defer cleanup()

	dispatcher.NotifyAccepted("replica-a", syncupdate.Outcome{
		Kind:     syncupdate.EntityNote,
		EntityID: "note-a",
		Decision: syncupdate.DecisionAccepted,
	})

	select {
	case received := <-stream:
		if received.EventType != RealtimeEventSyncChange {
			t.Fatalf("expected event type %s, got %s", RealtimeEventSyncChange, received.EventType)
		}
		if received.EntityName != "notes" || received.EntityID != "note-a" || received.SourceID != "replica-a" {
			t.Fatalf("unexpected message %+v", received)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected realtime message within deadline")
	}
}

func TestRealtimeDispatcherSkipsOriginatingReplica(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ownStream, cleanup := dispatcher.Subscribe(ctx, "replica-a")
	defer cleanup()
	otherStream, otherCleanup := dispatcher.Subscribe(ctx, "replica-c")
	defer otherCleanup()

	dispatcher.Publish(RealtimeMessage{
		SourceID:   "replica-a",
		EventType:  RealtimeEventSyncChange,
		EntityName: "options",
		EntityID:   "username",
		Timestamp:  time.Now().UTC(),
	})

	select {
	case <-ownStream:
		t.Fatal("did not expect the originating replica to receive its own change")
	case <-time.After(200 * time.Millisecond):
	}

	select {
	case msg := <-otherStream:
		if msg.EntityID != "username" {
			t.Fatalf("expected username, received %s", msg.EntityID)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected realtime message for other replica")
	}
}

func TestRealtimeDispatcherUnsubscribesOnCancel(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	_, _ = dispatcher.Subscribe(ctx, "replica-a")
	cancel()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		dispatcher.mu.RLock()
		remaining := len(dispatcher.subscribers)
		dispatcher.mu.RUnlock()
		if remaining == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected subscriber to be removed after cancellation")
}

func TestRealtimeDispatcherEmptyReplicaGetsClosedStream(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	stream, cleanup := dispatcher.Subscribe(context.Background(), "")
	defer cleanup()
	if _, ok := <-stream; ok {
		t.Fatal("expected closed stream for anonymous subscriber")
	}
}
