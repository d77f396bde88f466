package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"streamrelay/internal/bridge"
	"streamrelay/internal/middleware"
	"streamrelay/internal/models"
	"streamrelay/internal/producer"
	"streamrelay/internal/services"
)

const (
	readDeadline = 120 * time.Second
	pingInterval = 30 * time.Second
)

// WebSocketHandler handles streaming question sockets
type WebSocketHandler struct {
	connManager *services.ConnectionManager
	bridge      *bridge.Bridge
	metrics     *services.Metrics
	askRate     rate.Limit
	askBurst    int
}

// NewWebSocketHandler creates a new WebSocket handler. askRate is the
// sustained number of questions per second a single socket may ask.
func NewWebSocketHandler(connManager *services.ConnectionManager, br *bridge.Bridge, metrics *services.Metrics, askRate float64, askBurst int) *WebSocketHandler {
	if askBurst < 1 {
		askBurst = 1
	}
	return &WebSocketHandler{
		connManager: connManager,
		bridge:      br,
		metrics:     metrics,
		askRate:     rate.Limit(askRate),
		askBurst:    askBurst,
	}
}

// Handle handles a new WebSocket connection
func (h *WebSocketHandler) Handle(c *websocket.Conn) {
	connID := uuid.New().String()
	userID, _ := c.Locals("user_id").(string)
	if userID == middleware.AnonymousUser {
		userID = ""
	}
	clientIP, _ := c.Locals("client_ip").(string)

	recipient := userID
	if recipient == "" {
		recipient = connID
	}

	done := make(chan struct{})

	userConn := &models.UserConnection{
		ConnID:      connID,
		UserID:      userID,
		RecipientID: recipient,
		ClientIP:    clientIP,
		Conn:        c,
		CreatedAt:   time.Now(),
		WriteChan:   make(chan models.ServerMessage, 100),
	}

	if err := h.bridge.Connect(connID); err != nil {
		log.Printf("❌ Rejecting connection %s: %v", connID, err)
		return
	}
	h.connManager.Add(userConn)
	h.metrics.RecordWebSocketConnect()
	defer func() {
		close(done)
		// Stops the relay at its next check; the producer keeps writing.
		h.bridge.Disconnect(connID)
		h.connManager.Remove(connID)
		h.metrics.RecordWebSocketDisconnect()
	}()

	c.SetReadDeadline(time.Now().Add(readDeadline))
	c.SetPongHandler(func(appData string) error {
		c.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	go h.pingLoop(userConn, done)
	go h.writeLoop(userConn)

	userConn.SafeSend(models.ServerMessage{
		Type:    models.ServerConnected,
		ConnID:  connID,
		Content: "WebSocket connected. Ready to receive questions.",
	})

	h.readLoop(userConn, rate.NewLimiter(h.askRate, h.askBurst))
}

// pingLoop sends periodic pings so idle sockets survive proxies
func (h *WebSocketHandler) pingLoop(userConn *models.UserConnection, done <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := userConn.Conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(10*time.Second)); err != nil {
				log.Printf("⚠️ Ping failed for %s: %v", userConn.ConnID, err)
				return
			}
		}
	}
}

// readLoop handles incoming messages from the client
func (h *WebSocketHandler) readLoop(userConn *models.UserConnection, limiter *rate.Limiter) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("❌ Panic in readLoop: %v", r)
		}
	}()

	for {
		_, msg, err := userConn.Conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("❌ WebSocket read error for %s: %v", userConn.ConnID, err)
			}
			return
		}

		userConn.Conn.SetReadDeadline(time.Now().Add(readDeadline))

		var clientMsg models.ClientMessage
		if err := json.Unmarshal(msg, &clientMsg); err != nil {
			log.Printf("⚠️  Invalid message format from %s: %v", userConn.ConnID, err)
			userConn.SafeSend(models.ServerMessage{
				Type:         models.ServerError,
				ErrorCode:    "invalid_format",
				ErrorMessage: "Invalid message format",
			})
			continue
		}
		h.metrics.RecordWebSocketMessage(clientMsg.Type, "inbound")

		switch clientMsg.Type {
		case models.ClientPing:
			userConn.SafeSend(models.ServerMessage{Type: models.ServerPong})
		case models.ClientAskQuestion:
			h.handleAskQuestion(userConn, clientMsg, limiter)
		default:
			log.Printf("⚠️  Unknown message type: %s", clientMsg.Type)
		}
	}
}

func (h *WebSocketHandler) handleAskQuestion(userConn *models.UserConnection, msg models.ClientMessage, limiter *rate.Limiter) {
	if !limiter.Allow() {
		userConn.SafeSend(models.ServerMessage{
			Type:         models.ServerError,
			ErrorCode:    "rate_limited",
			ErrorMessage: "Too many questions. Please slow down.",
		})
		return
	}

	questionID, err := h.bridge.Ask(context.Background(), bridge.Ask{
		ConnID:    userConn.ConnID,
		Recipient: userConn.RecipientID,
		Prompt:    producer.Prompt{Topic: msg.Topic, Question: msg.TopicQuestion},
	})
	if err != nil {
		code, message := askErrorCode(err)
		if code == "ask_failed" {
			log.Printf("❌ Ask failed for %s: %v", userConn.ConnID, err)
		}
		userConn.SafeSend(models.ServerMessage{
			Type:         models.ServerError,
			ErrorCode:    code,
			ErrorMessage: message,
		})
		return
	}

	log.Printf("💬 Question %s accepted for %s (recipient %s)", questionID, userConn.ConnID, userConn.RecipientID)
}

func askErrorCode(err error) (string, string) {
	switch {
	case errors.Is(err, producer.ErrEmptyPrompt):
		return "invalid_request", "topic and topicQuestion are required"
	case errors.Is(err, bridge.ErrQuestionInFlight):
		return "question_in_flight", "Wait for the current answer to finish"
	case errors.Is(err, bridge.ErrShuttingDown):
		return "unavailable", "Server is shutting down"
	default:
		return "ask_failed", "The question could not be started"
	}
}

// writeLoop serialises writes to the socket
func (h *WebSocketHandler) writeLoop(userConn *models.UserConnection) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("❌ Panic in writeLoop: %v", r)
		}
	}()

	for msg := range userConn.WriteChan {
		if err := userConn.Conn.WriteJSON(msg); err != nil {
			log.Printf("❌ WebSocket write error for %s: %v", userConn.ConnID, err)
			return
		}
		h.metrics.RecordWebSocketMessage(msg.Type, "outbound")
	}
}
