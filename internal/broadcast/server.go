package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/utxoracle/utxoracle-live/internal/config"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // origin policy is enforced by auth, not by the browser header
	},
}

// Server is the websocket endpoint pair: /ws/price and /ws/whale. Start
// failure is fatal to the orchestrator; individual client errors never
// propagate past their subscriber.
type Server struct {
	cfg  config.WSConfig
	hub  *Hub
	http *http.Server
}

func NewServer(cfg config.WSConfig, hub *Hub) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{cfg: cfg, hub: hub}
	router.GET("/ws/price", s.handle(TopicPrice))
	router.GET("/ws/whale", s.handle(TopicWhale))

	s.http = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler: router,
	}
	return s
}

// Start blocks serving websocket upgrades until Shutdown.
func (s *Server) Start() error {
	log.Printf("[Broadcast] WebSocket server listening on %s (auth=%v)", s.http.Addr, s.cfg.AuthEnabled)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("websocket server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handle(topic Topic) gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Printf("[Broadcast] Upgrade failed: %v", err)
			return
		}

		id, perms, ok := s.handshake(conn, topic)
		if !ok {
			return
		}

		sub := newSubscriber(id, topic, conn, s.cfg.QueueSize,
			s.cfg.RatePerSec, s.cfg.RateBurst, s.cfg.PingInterval, s.cfg.PingTimeout)
		s.hub.attach(sub)

		welcome, _ := json.Marshal(welcomeMessage{
			Type:          "welcome",
			SubscriberID:  id,
			Topic:         topic,
			Authenticated: s.cfg.AuthEnabled,
			Permissions:   perms,
			ServerTime:    time.Now().UTC(),
		})
		sub.enqueue(welcome)
	}
}

// handshake runs the optional auth exchange. The client must send
// {"type":"auth","token":...} within the auth timeout; any failure closes
// the socket with 1008. With auth disabled an anonymous id is assigned.
func (s *Server) handshake(conn *websocket.Conn, topic Topic) (string, []string, bool) {
	if !s.cfg.AuthEnabled {
		return "anon-" + uuid.NewString(), []string{string(TopicPrice), string(TopicWhale)}, true
	}

	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.AuthTimeout))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		s.rejectAuth(conn, "auth handshake timed out")
		return "", nil, false
	}

	var msg struct {
		Type  string `json:"type"`
		Token string `json:"token"`
	}
	if err := json.Unmarshal(raw, &msg); err != nil || msg.Type != "auth" {
		s.rejectAuth(conn, "expected auth message")
		return "", nil, false
	}

	claims, err := VerifyToken(msg.Token, []byte(s.cfg.AuthSecretKey), time.Now())
	if err != nil {
		s.rejectAuth(conn, err.Error())
		return "", nil, false
	}
	if !claims.HasPermission(string(topic)) {
		s.rejectAuth(conn, "token lacks permission for this stream")
		return "", nil, false
	}

	perms := claims.Permissions
	if len(perms) == 0 {
		perms = []string{string(TopicPrice), string(TopicWhale)}
	}
	_ = conn.SetReadDeadline(time.Time{})
	return claims.SubscriberID, perms, true
}

func (s *Server) rejectAuth(conn *websocket.Conn, reason string) {
	deadline := time.Now().Add(time.Second)
	msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, deadline)
	_ = conn.Close()
}
