package models

import (
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
)

// Client message types.
const (
	ClientAskQuestion = "ask_question"
	ClientPing        = "ping"
)

// Server message types.
const (
	ServerConnected   = "connected"
	ServerStreamStart = "stream_start"
	ServerChunk       = "chunk"
	ServerStreamEnd   = "stream_end"
	ServerError       = "error"
	ServerPong        = "pong"
)

// ClientMessage represents a message from the client
type ClientMessage struct {
	Type          string `json:"type"` // "ask_question" or "ping"
	Topic         string `json:"topic,omitempty"`
	TopicQuestion string `json:"topicQuestion,omitempty"`
}

// ServerMessage represents a message sent to the client
type ServerMessage struct {
	Type         string `json:"type"` // "connected", "stream_start", "chunk", "stream_end", "error", "pong"
	ConnID       string `json:"connId,omitempty"`
	QuestionID   string `json:"questionId,omitempty"`
	Content      string `json:"content,omitempty"`
	EntryID      string `json:"entryId,omitempty"` // Log id of the delivered entry
	ErrorCode    string `json:"code,omitempty"`
	ErrorMessage string `json:"message,omitempty"`
}

// UserConnection represents a single WebSocket connection
type UserConnection struct {
	ConnID      string
	UserID      string // Authenticated user id, empty for anonymous sockets
	RecipientID string // Per-recipient stream key: UserID, or ConnID when anonymous
	ClientIP    string
	Conn        *websocket.Conn
	CreatedAt   time.Time
	WriteChan   chan ServerMessage
	Mutex       sync.Mutex
	closed      bool
}

// SafeSend sends a message to WriteChan safely, returning false if the channel is closed
func (uc *UserConnection) SafeSend(msg ServerMessage) (sent bool) {
	uc.Mutex.Lock()
	if uc.closed {
		uc.Mutex.Unlock()
		return false
	}
	uc.Mutex.Unlock()

	// Use defer/recover to handle panic from send on closed channel
	defer func() {
		if r := recover(); r != nil {
			uc.Mutex.Lock()
			uc.closed = true
			uc.Mutex.Unlock()
			sent = false
		}
	}()

	uc.WriteChan <- msg
	return true
}

// MarkClosed marks the connection as closed
func (uc *UserConnection) MarkClosed() {
	uc.Mutex.Lock()
	uc.closed = true
	uc.Mutex.Unlock()
}

// IsClosed returns true if the connection has been marked as closed
func (uc *UserConnection) IsClosed() bool {
	uc.Mutex.Lock()
	defer uc.Mutex.Unlock()
	return uc.closed
}
