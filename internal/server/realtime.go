package server

import (
	"context"
	"time"

	"github.com/MarcoPoloResearchLab/sportmeet/internal/core"
	"github.com/MarcoPoloResearchLab/sportmeet/internal/notify"
)

const (
	RealtimeEventQueueChanged = "queue-change"
	RealtimeEventSyncComplete = "sync-complete"
	RealtimeEventConnectivity = "connectivity"
	RealtimeEventOffers       = "offers"
	realtimeEventHeartbeat    = "heartbeat"
	realtimeSourceDaemon      = "sportmeet-sync"
)

type RealtimeMessage struct {
	EventType string
	Payload   any
	Timestamp time.Time
}

type queueChangedPayload struct {
	Count        int      `json:"count"`
	OperationIDs []string `json:"operationIds"`
}

type syncCompletePayload struct {
	Synced int       `json:"synced"`
	At     time.Time `json:"at"`
}

type connectivityPayload struct {
	Online bool `json:"online"`
}

type offersPayload struct {
	Count int `json:"count"`
}

// RealtimeDispatcher fans session events out to event-stream clients.
type RealtimeDispatcher struct {
	hub   *notify.Hub[RealtimeMessage]
	clock func() time.Time
}

func NewRealtimeDispatcher() *RealtimeDispatcher {
	return &RealtimeDispatcher{
		hub:   notify.NewHub[RealtimeMessage](),
		clock: time.Now,
	}
}

func (d *RealtimeDispatcher) Subscribe(ctx context.Context) (<-chan RealtimeMessage, func()) {
	return d.hub.Subscribe(ctx)
}

func (d *RealtimeDispatcher) Publish(message RealtimeMessage) {
	if message.EventType == "" {
		return
	}
	if message.Timestamp.IsZero() {
		message.Timestamp = d.clock().UTC()
	}
	d.hub.Publish(message)
}

func (d *RealtimeDispatcher) Close() {
	d.hub.Close()
}

// Forward relays the session's queue, sync, connectivity and list streams until ctx ends.
func (d *RealtimeDispatcher) Forward(ctx context.Context, session *core.Session) {
	queueUpdates, stopQueue := session.SubscribeQueue(ctx)
	completions, stopCompletions := session.SubscribeSyncComplete(ctx)
	transitions, stopTransitions := session.SubscribeConnectivity(ctx)
	views, stopViews := session.SubscribeOffers(ctx)

	go func() {
		defer stopQueue()
		defer stopCompletions()
		defer stopTransitions()
		defer stopViews()
		for {
			select {
			case <-ctx.Done():
				return
			case operations, ok := <-queueUpdates:
				if !ok {
					return
				}
				ids := make([]string, 0, len(operations))
				for _, op := range operations {
					ids = append(ids, op.ID)
				}
				d.Publish(RealtimeMessage{EventType: RealtimeEventQueueChanged, Payload: queueChangedPayload{Count: len(operations), OperationIDs: ids}})
			case completion, ok := <-completions:
				if !ok {
					return
				}
				d.Publish(RealtimeMessage{EventType: RealtimeEventSyncComplete, Payload: syncCompletePayload{Synced: completion.Synced, At: completion.At}})
			case transition, ok := <-transitions:
				if !ok {
					return
				}
				if !transition.Changed {
					continue
				}
				d.Publish(RealtimeMessage{EventType: RealtimeEventConnectivity, Payload: connectivityPayload{Online: transition.Online}})
			case view, ok := <-views:
				if !ok {
					return
				}
				d.Publish(RealtimeMessage{EventType: RealtimeEventOffers, Payload: offersPayload{Count: len(view)}})
			}
		}
	}()
}
