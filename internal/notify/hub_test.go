package notify

import (
	"context"
	"testing"
	"time"
)

func TestHubPublishesToSubscriber(t *testing.T) {
	hub := NewHub[string]()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := hub.Subscribe(ctx)
	defer cleanup()

	hub.Publish("sync-complete")

	select {
	case received := <-stream:
		if received != "sync-complete" {
			t.Fatalf("expected sync-complete, got %s", received)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected value within deadline")
	}
}

func TestHubCleanupStopsDelivery(t *testing.T) {
	hub := NewHub[int]()
	stream, cleanup := hub.Subscribe(context.Background())
	cleanup()
	cleanup()

	hub.Publish(1)

	if _, ok := <-stream; ok {
		t.Fatal("expected closed stream after cleanup")
	}
	if hub.Len() != 0 {
		t.Fatalf("expected no subscribers, got %d", hub.Len())
	}
}

func TestHubContextCancellationUnsubscribes(t *testing.T) {
	hub := NewHub[int]()
	ctx, cancel := context.WithCancel(context.Background())
	stream, _ := hub.Subscribe(ctx)
	cancel()

	select {
	case _, ok := <-stream:
		if ok {
			t.Fatal("expected stream to close without values")
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected stream to close after cancellation")
	}
}

func TestHubKeepsLatestWhenBufferFull(t *testing.T) {
	hub := NewHubWithBuffer[int](2)
	stream, cleanup := hub.Subscribe(context.Background())
	defer cleanup()

	for value := 1; value <= 5; value++ {
		hub.Publish(value)
	}

	received := drainBuffered(stream)
	if len(received) != 2 || received[0] != 4 || received[1] != 5 {
		t.Fatalf("expected the newest values [4 5], got %v", received)
	}
}

func drainBuffered(stream <-chan int) []int {
	var received []int
	for {
		select {
		case value := <-stream:
			received = append(received, value)
		default:
			return received
		}
	}
}

func TestHubCloseClosesStreams(t *testing.T) {
	hub := NewHub[int]()
	stream, _ := hub.Subscribe(context.Background())
	hub.Close()

	if _, ok := <-stream; ok {
		t.Fatal("expected closed stream after hub close")
	}
	late, _ := hub.Subscribe(context.Background())
	if _, ok := <-late; ok {
		t.Fatal("expected closed stream for subscription after close")
	}
	hub.Publish(1)
}
