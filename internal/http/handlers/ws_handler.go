package handlers

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/trustpay/backend/internal/auth"
	"github.com/trustpay/backend/internal/config"
	"github.com/trustpay/backend/internal/events"
	"go.uber.org/zap"
)

// wsClient serializes writes to one socket: the broadcast path and the read
// loop's acks would otherwise interleave frames on the same conn.
type wsClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsClient) write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// WSHub fans escrow events out to connected clients. Events arrive over the
// shared Redis channel, so every API instance sees every event and each hub
// delivers only to its own sockets.
type WSHub struct {
	cfg        *config.Config
	subscriber events.Subscriber
	log        *zap.Logger

	mu          sync.RWMutex
	connections map[uuid.UUID][]*wsClient
	escrowSubs  map[uuid.UUID]map[*wsClient]struct{}
}

func NewWSHub(cfg *config.Config, subscriber events.Subscriber, log *zap.Logger) *WSHub {
	return &WSHub{
		cfg:         cfg,
		subscriber:  subscriber,
		log:         log,
		connections: make(map[uuid.UUID][]*wsClient),
		escrowSubs:  make(map[uuid.UUID]map[*wsClient]struct{}),
	}
}

func (h *WSHub) Start(ctx context.Context) {
	_ = h.subscriber.Subscribe(ctx, events.StreamEscrow, func(event events.Event) {
		h.broadcast(event)
	})
}

// broadcast delivers the event to every socket subscribed to its escrow and
// to the escrow's parties, once per socket. Sockets that fail to write are
// dropped; the client reconnects.
func (h *WSHub) broadcast(event events.Event) {
	raw, ok := event.Payload["escrow_id"].(string)
	if !ok {
		return
	}
	escrowID, err := uuid.Parse(raw)
	if err != nil {
		return
	}

	data, err := json.Marshal(event)
	if err != nil {
		return
	}

	targets := make(map[*wsClient]struct{})
	h.mu.RLock()
	for client := range h.escrowSubs[escrowID] {
		targets[client] = struct{}{}
	}
	for _, key := range []string{"payer_id", "payee_id"} {
		raw, ok := event.Payload[key].(string)
		if !ok {
			continue
		}
		userID, err := uuid.Parse(raw)
		if err != nil {
			continue
		}
		for _, client := range h.connections[userID] {
			targets[client] = struct{}{}
		}
	}
	h.mu.RUnlock()

	for client := range targets {
		if err := client.write(data); err != nil {
			h.drop(client)
		}
	}
}

func (h *WSHub) subscribe(client *wsClient, escrowID uuid.UUID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.escrowSubs[escrowID] == nil {
		h.escrowSubs[escrowID] = make(map[*wsClient]struct{})
	}
	h.escrowSubs[escrowID][client] = struct{}{}
}

func (h *WSHub) unsubscribe(client *wsClient, escrowID uuid.UUID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.escrowSubs[escrowID], client)
	if len(h.escrowSubs[escrowID]) == 0 {
		delete(h.escrowSubs, escrowID)
	}
}

// drop removes a dead socket from every index.
func (h *WSHub) drop(client *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for userID, clients := range h.connections {
		for i, c := range clients {
			if c == client {
				h.connections[userID] = append(clients[:i], clients[i+1:]...)
				break
			}
		}
		if len(h.connections[userID]) == 0 {
			delete(h.connections, userID)
		}
	}
	for escrowID, subs := range h.escrowSubs {
		delete(subs, client)
		if len(subs) == 0 {
			delete(h.escrowSubs, escrowID)
		}
	}
	client.conn.Close()
}

// WSUpgradeMiddleware checks for websocket upgrade
func WSUpgradeMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	}
}

type wsClientFrame struct {
	Action   string `json:"action"`
	EscrowID string `json:"escrow_id"`
}

func (h *WSHub) HandleWS(conn *websocket.Conn) {
	client := &wsClient{conn: conn}

	// Extract token from query
	tokenStr := conn.Query("token")
	if tokenStr == "" {
		_ = client.write([]byte(`{"error":"missing token"}`))
		conn.Close()
		return
	}

	claims, err := auth.ParseJWT(h.cfg.JWTSecret, tokenStr)
	if err != nil {
		_ = client.write([]byte(`{"error":"invalid token"}`))
		conn.Close()
		return
	}

	userID := claims.UserID

	// Register
	h.mu.Lock()
	h.connections[userID] = append(h.connections[userID], client)
	h.mu.Unlock()

	defer h.drop(client)

	// Read loop: clients announce which escrows they watch.
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			break
		}

		var frame wsClientFrame
		if err := json.Unmarshal(msg, &frame); err != nil {
			_ = client.write([]byte(`{"error":"malformed frame"}`))
			continue
		}

		escrowID, err := uuid.Parse(frame.EscrowID)
		if err != nil {
			_ = client.write([]byte(`{"error":"invalid escrow_id"}`))
			continue
		}

		switch frame.Action {
		case "subscribe":
			h.subscribe(client, escrowID)
			_ = client.write([]byte(`{"subscribed":"` + escrowID.String() + `"}`))
		case "unsubscribe":
			h.unsubscribe(client, escrowID)
			_ = client.write([]byte(`{"unsubscribed":"` + escrowID.String() + `"}`))
		default:
			_ = client.write([]byte(`{"error":"unknown action"}`))
		}
	}
}
