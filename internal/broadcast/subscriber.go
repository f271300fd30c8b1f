package broadcast

import (
	"encoding/json"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/utxoracle/utxoracle-live/internal/metrics"
)

// Topic selects which event stream a subscriber receives.
type Topic string

const (
	TopicPrice Topic = "price"
	TopicWhale Topic = "whale"
)

// Subscriber is one connected websocket client. The hub dispatcher enqueues
// into its bounded queue without ever blocking; a dedicated writer goroutine
// drains the queue onto the socket.
type Subscriber struct {
	ID    string
	Topic Topic

	conn    *websocket.Conn
	queue   chan []byte
	limiter *rate.Limiter

	pingInterval time.Duration
	pingTimeout  time.Duration

	dead        atomic.Bool
	closeOnce   sync.Once
	rateDropped atomic.Uint64

	// onDead tells the hub to unregister us. Set by the hub at registration.
	onDead func(*Subscriber)
}

func newSubscriber(id string, topic Topic, conn *websocket.Conn, queueSize int,
	ratePerSec float64, rateBurst int, pingInterval, pingTimeout time.Duration) *Subscriber {

	return &Subscriber{
		ID:           id,
		Topic:        topic,
		conn:         conn,
		queue:        make(chan []byte, queueSize),
		limiter:      rate.NewLimiter(rate.Limit(ratePerSec), rateBurst),
		pingInterval: pingInterval,
		pingTimeout:  pingTimeout,
	}
}

// enqueue offers a message without blocking. A full queue means the client
// cannot keep up: it is marked dead and closed with 1013 (try again later).
// Enqueue against a dead subscriber is a no-op. Rate-limited messages are
// dropped with a counter.
func (s *Subscriber) enqueue(msg []byte) {
	if s.dead.Load() {
		return
	}
	if !s.limiter.Allow() {
		s.rateDropped.Add(1)
		return
	}
	select {
	case s.queue <- msg:
	default:
		log.Printf("[Broadcast] Subscriber %s queue saturated, evicting", s.ID)
		metrics.SubscriberEvictions.Inc()
		s.close(websocket.CloseTryAgainLater, "send queue overflow")
	}
}

// close marks the subscriber dead and tears the socket down asynchronously
// so the caller (dispatcher or writer) never waits on the network.
func (s *Subscriber) close(code int, reason string) {
	if !s.dead.CompareAndSwap(false, true) {
		return
	}
	s.closeOnce.Do(func() {
		go func() {
			deadline := time.Now().Add(time.Second)
			msg := websocket.FormatCloseMessage(code, reason)
			_ = s.conn.WriteControl(websocket.CloseMessage, msg, deadline)
			_ = s.conn.Close()
			if s.onDead != nil {
				s.onDead(s)
			}
		}()
	})
}

// writeLoop drains the queue onto the socket and keeps the connection alive
// with periodic pings. Exits on any write error or when the subscriber dies.
func (s *Subscriber) writeLoop() {
	pinger := time.NewTicker(s.pingInterval)
	defer pinger.Stop()

	for {
		select {
		case msg, ok := <-s.queue:
			if !ok {
				return
			}
			_ = s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				s.close(websocket.CloseAbnormalClosure, "write failed")
				return
			}
		case <-pinger.C:
			if s.dead.Load() {
				return
			}
			deadline := time.Now().Add(10 * time.Second)
			if err := s.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				s.close(websocket.CloseAbnormalClosure, "ping failed")
				return
			}
		}
	}
}

// readLoop consumes inbound frames: pongs refresh the liveness deadline,
// {"type":"ping"} gets a JSON pong, everything else is ignored. A read error
// or a deadline expiry kills the subscriber.
func (s *Subscriber) readLoop() {
	_ = s.conn.SetReadDeadline(time.Now().Add(s.pingTimeout))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(s.pingTimeout))
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			s.close(websocket.CloseNormalClosure, "")
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(s.pingTimeout))

		var inbound struct {
			Type string `json:"type"`
		}
		if json.Unmarshal(raw, &inbound) == nil && inbound.Type == "ping" {
			pong, _ := json.Marshal(map[string]interface{}{
				"type":       "pong",
				"serverTime": time.Now().UTC(),
			})
			s.enqueue(pong)
		}
	}
}

// RateDropped reports messages dropped by this subscriber's token bucket.
func (s *Subscriber) RateDropped() uint64 { return s.rateDropped.Load() }
