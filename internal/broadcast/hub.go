package broadcast

import (
	"context"
	"encoding/json"
	"log"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/utxoracle/utxoracle-live/internal/metrics"
	"github.com/utxoracle/utxoracle-live/pkg/models"
)

// Hub fans events out to websocket subscribers. The registry is owned by a
// single dispatcher goroutine; registration, unregistration and broadcast
// all flow through its channels, so no lock guards the subscriber set.
type Hub struct {
	register   chan *Subscriber
	unregister chan *Subscriber
	outbound   chan outboundMsg

	subscribers map[*Subscriber]struct{}

	subscriberCount atomic.Int64
	droppedEvents   atomic.Uint64
}

type outboundMsg struct {
	topic   Topic
	payload []byte
}

func NewHub() *Hub {
	return &Hub{
		register:    make(chan *Subscriber, 16),
		unregister:  make(chan *Subscriber, 16),
		outbound:    make(chan outboundMsg, 1024),
		subscribers: make(map[*Subscriber]struct{}),
	}
}

// Run is the dispatcher loop. Must run before any Broadcast call is made.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			for sub := range h.subscribers {
				sub.close(websocket.CloseGoingAway, "server shutting down")
			}
			return
		case sub := <-h.register:
			h.subscribers[sub] = struct{}{}
			h.subscriberCount.Store(int64(len(h.subscribers)))
			log.Printf("[Broadcast] Subscriber %s joined topic %s (%d total)", sub.ID, sub.Topic, len(h.subscribers))
		case sub := <-h.unregister:
			if _, ok := h.subscribers[sub]; ok {
				delete(h.subscribers, sub)
				h.subscriberCount.Store(int64(len(h.subscribers)))
				log.Printf("[Broadcast] Subscriber %s left (%d total)", sub.ID, len(h.subscribers))
			}
		case msg := <-h.outbound:
			for sub := range h.subscribers {
				if sub.Topic == msg.topic {
					sub.enqueue(msg.payload)
				}
			}
		}
	}
}

// attach wires a subscriber into the hub and starts its loops.
func (h *Hub) attach(sub *Subscriber) {
	sub.onDead = func(s *Subscriber) {
		select {
		case h.unregister <- s:
		default:
			// Dispatcher gone during shutdown; nothing to clean up.
		}
	}
	h.register <- sub
	go sub.writeLoop()
	go sub.readLoop()
}

// broadcastRaw hands a serialized message to the dispatcher. Bounded: if the
// dispatcher backlog is full the event is dropped and counted rather than
// stalling the producer.
func (h *Hub) broadcastRaw(topic Topic, payload []byte) {
	select {
	case h.outbound <- outboundMsg{topic: topic, payload: payload}:
	default:
		h.droppedEvents.Add(1)
		metrics.DroppedBroadcasts.Inc()
	}
}

// BroadcastPrice fans a price tick out to price subscribers.
func (h *Hub) BroadcastPrice(est models.PriceEstimate) {
	payload, err := json.Marshal(priceTickMessage{Type: "price_tick", PriceEstimate: est})
	if err != nil {
		log.Printf("[Broadcast] Price tick marshal failed: %v", err)
		return
	}
	h.broadcastRaw(TopicPrice, payload)
}

// BroadcastWhale fans a whale alert out to whale subscribers. The caller
// must have persisted the prediction record first.
func (h *Hub) BroadcastWhale(alert models.WhaleAlert) {
	payload, err := json.Marshal(whaleAlertMessage{Type: "whale_alert", WhaleAlert: alert})
	if err != nil {
		log.Printf("[Broadcast] Whale alert marshal failed: %v", err)
		return
	}
	h.broadcastRaw(TopicWhale, payload)
}

// SubscriberCount reports the live subscriber total for health output.
func (h *Hub) SubscriberCount() int64 { return h.subscriberCount.Load() }

// DroppedEvents reports events discarded due to dispatcher backlog.
func (h *Hub) DroppedEvents() uint64 { return h.droppedEvents.Load() }

type priceTickMessage struct {
	Type string `json:"type"`
	models.PriceEstimate
}

type whaleAlertMessage struct {
	Type string `json:"type"`
	models.WhaleAlert
}

type welcomeMessage struct {
	Type          string    `json:"type"`
	SubscriberID  string    `json:"subscriberId"`
	Topic         Topic     `json:"topic"`
	Authenticated bool      `json:"authenticated"`
	Permissions   []string  `json:"permissions"`
	ServerTime    time.Time `json:"serverTime"`
}
