package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/sportmeet/internal/offers"
	"github.com/MarcoPoloResearchLab/sportmeet/internal/storage"
)

func newTestQueue(t *testing.T, store storage.Store) *Queue {
	t.Helper()
	q, err := New(context.Background(), Config{
		Store: store,
		Clock: func() time.Time { return time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC) },
	})
	if err != nil {
		t.Fatalf("failed to create queue: %v", err)
	}
	t.Cleanup(q.Close)
	return q
}

func mustEnqueue(t *testing.T, q *Queue, request NewOperation) Operation {
	t.Helper()
	op, err := q.Enqueue(context.Background(), request)
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	return op
}

func TestEnqueuePersistsInOrder(t *testing.T) {
	store := storage.NewMemoryStore()
	q := newTestQueue(t, store)

	first := mustEnqueue(t, q, DeleteOffer(offers.ConfirmedID("offer-1")))
	second := mustEnqueue(t, q, DeleteOffer(offers.ConfirmedID("offer-2")))

	if !strings.HasPrefix(first.ID, "op_") || first.ID == second.ID {
		t.Fatalf("expected unique op_ ids, got %q and %q", first.ID, second.ID)
	}

	reloaded := newTestQueue(t, store)
	ops := reloaded.List()
	if len(ops) != 2 || ops[0].ID != first.ID || ops[1].ID != second.ID {
		t.Fatalf("expected persisted FIFO order, got %#v", ops)
	}
	if ops[0].Entity != offers.EntityTrainingOffer {
		t.Fatalf("unexpected entity %q", ops[0].Entity)
	}
}

func TestConcurrentEnqueuesAreNotLost(t *testing.T) {
	store := storage.NewMemoryStore()
	q := newTestQueue(t, store)

	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := q.Enqueue(context.Background(), DeleteOffer(offers.ConfirmedID(fmt.Sprintf("offer-%d", i)))); err != nil {
				t.Errorf("enqueue failed: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if q.Count() != 25 {
		t.Fatalf("expected 25 operations, got %d", q.Count())
	}
	persisted, _, err := storage.Load[[]Operation](context.Background(), store, KeyPending)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if len(persisted) != 25 {
		t.Fatalf("expected 25 persisted operations, got %d", len(persisted))
	}
}

func TestBumpRetryAndDequeue(t *testing.T) {
	q := newTestQueue(t, storage.NewMemoryStore())
	op := mustEnqueue(t, q, DeleteOffer(offers.ConfirmedID("offer-1")))

	bumped, err := q.BumpRetry(context.Background(), op.ID, errors.New("timeout"))
	if err != nil {
		t.Fatalf("bump failed: %v", err)
	}
	if bumped.RetryCount != 1 || bumped.LastError != "timeout" {
		t.Fatalf("unexpected bumped operation %#v", bumped)
	}

	if err := q.Dequeue(context.Background(), op.ID); err != nil {
		t.Fatalf("dequeue failed: %v", err)
	}
	if q.Count() != 0 {
		t.Fatalf("expected empty queue")
	}
	if err := q.Dequeue(context.Background(), op.ID); err != nil {
		t.Fatalf("dequeue of a missing id should be a no-op: %v", err)
	}
	if _, err := q.BumpRetry(context.Background(), op.ID, nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestClearRemovesPersistedKey(t *testing.T) {
	store := storage.NewMemoryStore()
	q := newTestQueue(t, store)
	mustEnqueue(t, q, DeleteOffer(offers.ConfirmedID("offer-1")))

	if err := q.Clear(context.Background()); err != nil {
		t.Fatalf("clear failed: %v", err)
	}
	if store.Has(KeyPending) {
		t.Fatalf("expected %s to be removed", KeyPending)
	}
	if q.Count() != 0 {
		t.Fatalf("expected empty queue after clear")
	}
}

func TestRetargetRewritesLaterOperations(t *testing.T) {
	q := newTestQueue(t, storage.NewMemoryStore())
	local := offers.PendingLocalID("local-1")
	location := "Gym"

	mustEnqueue(t, q, CreateOffer(local, offers.Draft{SportType: "yoga", Location: "Park", DateTime: time.Now()}))
	update := mustEnqueue(t, q, UpdateOffer(local, offers.Updates{Location: &location}))
	remove := mustEnqueue(t, q, DeleteOffer(local))
	other := mustEnqueue(t, q, DeleteOffer(offers.ConfirmedID("offer-9")))

	changed, err := q.Retarget(context.Background(), local, offers.ConfirmedID("srv-1"))
	if err != nil {
		t.Fatalf("retarget failed: %v", err)
	}
	if changed != 2 {
		t.Fatalf("expected two rewritten operations, got %d", changed)
	}

	for _, id := range []string{update.ID, remove.ID} {
		op, ok := q.Get(id)
		if !ok {
			t.Fatalf("operation %s missing", id)
		}
		target, err := op.Target()
		if err != nil {
			t.Fatalf("target failed: %v", err)
		}
		if target != offers.ConfirmedID("srv-1") {
			t.Fatalf("expected confirmed target, got %#v", target)
		}
	}
	untouched, _ := q.Get(other.ID)
	if target, _ := untouched.Target(); target != offers.ConfirmedID("offer-9") {
		t.Fatalf("unrelated operation was rewritten: %#v", target)
	}
	payload, err := update.UpdatePayload()
	if err != nil || payload.Updates.Location == nil || *payload.Updates.Location != "Gym" {
		t.Fatalf("unexpected update payload %#v err=%v", payload, err)
	}
}

func TestDeadLetterAndRequeue(t *testing.T) {
	store := storage.NewMemoryStore()
	q := newTestQueue(t, store)
	op := mustEnqueue(t, q, DeleteOffer(offers.ConfirmedID("offer-1")))
	if _, err := q.BumpRetry(context.Background(), op.ID, errors.New("forbidden")); err != nil {
		t.Fatalf("bump failed: %v", err)
	}

	if err := q.DeadLetter(context.Background(), op.ID, "max attempts reached"); err != nil {
		t.Fatalf("dead letter failed: %v", err)
	}
	if q.Count() != 0 {
		t.Fatalf("expected queue to be empty")
	}
	dead := q.DeadLetters()
	if len(dead) != 1 || dead[0].Operation.ID != op.ID || dead[0].Reason != "max attempts reached" {
		t.Fatalf("unexpected dead letters %#v", dead)
	}

	reloaded := newTestQueue(t, store)
	if len(reloaded.DeadLetters()) != 1 {
		t.Fatalf("expected dead letters to persist")
	}

	count, err := reloaded.RequeueDeadLetters(context.Background())
	if err != nil {
		t.Fatalf("requeue failed: %v", err)
	}
	if count != 1 || reloaded.Count() != 1 || len(reloaded.DeadLetters()) != 0 {
		t.Fatalf("expected the operation back in the queue")
	}
	if requeued := reloaded.List()[0]; requeued.RetryCount != 0 || requeued.ID != op.ID {
		t.Fatalf("expected retry count reset, got %#v", requeued)
	}
}

func TestSubscribeReceivesSnapshots(t *testing.T) {
	q := newTestQueue(t, storage.NewMemoryStore())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	updates, unsubscribe := q.Subscribe(ctx)
	defer unsubscribe()

	mustEnqueue(t, q, DeleteOffer(offers.ConfirmedID("offer-1")))

	select {
	case snapshot := <-updates:
		if len(snapshot) != 1 {
			t.Fatalf("expected snapshot with one operation, got %d", len(snapshot))
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for queue snapshot")
	}
}

func TestNewDiscardsUnreadableQueue(t *testing.T) {
	store := storage.NewMemoryStore()
	if err := store.Set(context.Background(), KeyPending, "not a list"); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	q := newTestQueue(t, store)
	if q.Count() != 0 {
		t.Fatalf("expected unreadable queue to load as empty")
	}
}
