package broadcast

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/utxoracle/utxoracle-live/pkg/models"
)

// wsPair returns the server and client side of a live websocket connection.
func wsPair(t *testing.T) (*websocket.Conn, *websocket.Conn) {
	t.Helper()
	connCh := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		up := websocket.Upgrader{}
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		connCh <- conn
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	server := <-connCh
	t.Cleanup(func() { _ = server.Close() })
	return server, client
}

func testSub(conn *websocket.Conn, id string, topic Topic, queueSize int) *Subscriber {
	return newSubscriber(id, topic, conn, queueSize, 100000, 100000, time.Minute, time.Minute)
}

func TestBroadcastRoutesByTopic(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	priceServer, priceClient := wsPair(t)
	whaleServer, whaleClient := wsPair(t)
	hub.attach(testSub(priceServer, "p1", TopicPrice, 64))
	hub.attach(testSub(whaleServer, "w1", TopicWhale, 64))

	require.Eventually(t, func() bool { return hub.SubscriberCount() == 2 },
		time.Second, 5*time.Millisecond)

	hub.BroadcastPrice(models.PriceEstimate{TickID: 7, PriceUSD: 50000, Confidence: 0.9})

	_ = priceClient.SetReadDeadline(time.Now().Add(time.Second))
	_, raw, err := priceClient.ReadMessage()
	require.NoError(t, err)

	var msg struct {
		Type     string  `json:"type"`
		TickID   uint64  `json:"tickId"`
		PriceUSD float64 `json:"priceUsd"`
	}
	require.NoError(t, json.Unmarshal(raw, &msg))
	require.Equal(t, "price_tick", msg.Type)
	require.Equal(t, uint64(7), msg.TickID)
	require.InDelta(t, 50000, msg.PriceUSD, 1e-9)

	// The whale subscriber must not see price traffic.
	_ = whaleClient.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	_, _, err = whaleClient.ReadMessage()
	require.Error(t, err)
}

func TestApplicationPingGetsTimestampedPong(t *testing.T) {
	server, client := wsPair(t)
	sub := testSub(server, "pinger", TopicPrice, 8)
	go sub.writeLoop()
	go sub.readLoop()

	before := time.Now().UTC().Add(-time.Second)
	require.NoError(t, client.WriteJSON(map[string]string{"type": "ping"}))

	_ = client.SetReadDeadline(time.Now().Add(time.Second))
	var pong struct {
		Type       string    `json:"type"`
		ServerTime time.Time `json:"serverTime"`
	}
	require.NoError(t, client.ReadJSON(&pong))
	require.Equal(t, "pong", pong.Type)
	require.False(t, pong.ServerTime.IsZero(), "pong must carry the server clock")
	require.True(t, pong.ServerTime.After(before))
	require.True(t, pong.ServerTime.Before(time.Now().UTC().Add(time.Second)))
}

func TestSlowSubscriberEvictedWithoutStallingProducer(t *testing.T) {
	server, _ := wsPair(t)
	// No writer loop drains the queue, mimicking a client that stopped
	// reading while the producer keeps pushing.
	sub := testSub(server, "slow", TopicPrice, 8)

	start := time.Now()
	for i := 0; i < 1024; i++ {
		sub.enqueue([]byte(`{"type":"price_tick"}`))
	}
	elapsed := time.Since(start)

	require.True(t, sub.dead.Load(), "saturated subscriber must be marked dead")
	require.Less(t, elapsed, time.Second, "enqueue must never block on a slow subscriber")
}

func TestEnqueueAfterEvictionIsNoop(t *testing.T) {
	server, _ := wsPair(t)
	sub := testSub(server, "dead", TopicPrice, 2)

	for i := 0; i < 10; i++ {
		sub.enqueue([]byte("x"))
	}
	require.True(t, sub.dead.Load())

	queued := len(sub.queue)
	sub.enqueue([]byte("y"))
	require.Equal(t, queued, len(sub.queue))
}

func TestRateLimitDropsAndCounts(t *testing.T) {
	server, _ := wsPair(t)
	// Burst of 2, negligible refill: the third message is dropped.
	sub := newSubscriber("limited", TopicPrice, server, 64, 0.0001, 2, time.Minute, time.Minute)

	for i := 0; i < 5; i++ {
		sub.enqueue([]byte("x"))
	}
	require.Equal(t, 2, len(sub.queue))
	require.Equal(t, uint64(3), sub.RateDropped())
	require.False(t, sub.dead.Load(), "rate-limited drops must not kill the subscriber")
}

func TestDeadSubscriberUnregisters(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	server, _ := wsPair(t)
	sub := testSub(server, "doomed", TopicPrice, 2)
	hub.attach(sub)
	require.Eventually(t, func() bool { return hub.SubscriberCount() == 1 },
		time.Second, 5*time.Millisecond)

	// Saturate past the queue bound; writeLoop cannot keep up with a
	// client that never reads once the kernel buffers fill, but the
	// direct path here is the dispatcher-side eviction.
	sub.close(websocket.CloseTryAgainLater, "test eviction")

	require.Eventually(t, func() bool { return hub.SubscriberCount() == 0 },
		time.Second, 5*time.Millisecond)
}

func TestDroppedEventsCountedWhenDispatcherStalled(t *testing.T) {
	hub := NewHub() // Run never started, outbound fills at its bound
	for i := 0; i < 2048; i++ {
		hub.broadcastRaw(TopicPrice, []byte("x"))
	}
	require.Positive(t, hub.DroppedEvents())
}
