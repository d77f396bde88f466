package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"iter"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/fasthttp/websocket"
	contribws "github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"

	"streamrelay/internal/bridge"
	"streamrelay/internal/listeners"
	"streamrelay/internal/middleware"
	"streamrelay/internal/models"
	"streamrelay/internal/producer"
	"streamrelay/internal/questions"
	"streamrelay/internal/relay"
	"streamrelay/internal/services"
	"streamrelay/internal/streamlog"
	"streamrelay/pkg/auth"
)

type failingProducer struct{}

func (failingProducer) Stream(ctx context.Context, p producer.Prompt) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		yield("", errors.New("model unavailable"))
	}
}

func (failingProducer) Complete(ctx context.Context, p producer.Prompt) (string, error) {
	return "", errors.New("model unavailable")
}

type testServer struct {
	app         *fiber.App
	askHandler  *AskHandler
	bridge      *bridge.Bridge
	connManager *services.ConnectionManager
}

func newTestServer(t *testing.T, prod producer.Producer) *testServer {
	t.Helper()
	log := streamlog.NewMemoryLog()
	registry := listeners.NewRegistry(time.Minute)
	store := questions.NewMemoryStore(time.Hour)
	connManager := services.NewConnectionManager()

	opts := relay.Options{Block: 20 * time.Millisecond, Count: 1, MaxIdle: 5 * time.Second, RetryDelay: 5 * time.Millisecond}
	br := bridge.New(log, prod, relay.NewTailing(log, registry, opts), registry, store, connManager,
		bridge.Options{StreamBase: "OPENAI_STREAM", Mode: bridge.ModePerUser})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		br.Shutdown(ctx)
		log.Close()
	})

	askHandler := NewAskHandler(br)
	wsHandler := NewWebSocketHandler(connManager, br, nil, 100, 10)
	healthHandler := NewHealthHandler(connManager, br, nil)

	app := fiber.New()
	app.Use(middleware.OptionalAuth(nil))
	app.Get("/health", healthHandler.Handle)
	app.Post("/api/ask", askHandler.Ask)
	app.Get("/api/questions/:id", askHandler.GetQuestion)
	app.Get("/api/questions/:id/replay", askHandler.Replay)
	app.Use("/ws", func(c *fiber.Ctx) error {
		if contribws.IsWebSocketUpgrade(c) {
			c.Locals("client_ip", c.IP())
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/ask", contribws.New(wsHandler.Handle))

	return &testServer{app: app, askHandler: askHandler, bridge: br, connManager: connManager}
}

func doJSON(t *testing.T, app *fiber.App, method, path, body string) (int, map[string]interface{}) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	var out map[string]interface{}
	data, _ := io.ReadAll(resp.Body)
	if len(data) > 0 {
		if err := json.Unmarshal(data, &out); err != nil {
			t.Fatalf("Invalid JSON %q: %v", data, err)
		}
	}
	return resp.StatusCode, out
}

func TestAsk_ReturnsOutput(t *testing.T) {
	s := newTestServer(t, &producer.EchoProducer{})

	status, body := doJSON(t, s.app, http.MethodPost, "/api/ask", `{"topic":"go","topicQuestion":"what is a slice"}`)
	if status != fiber.StatusOK {
		t.Fatalf("Expected 200, got %d: %v", status, body)
	}
	if body["output"] != "[go] what is a slice" {
		t.Errorf("Unexpected output: %v", body["output"])
	}
}

func TestAsk_Validation(t *testing.T) {
	s := newTestServer(t, &producer.EchoProducer{})

	status, _ := doJSON(t, s.app, http.MethodPost, "/api/ask", `{"topic":"go"}`)
	if status != fiber.StatusBadRequest {
		t.Errorf("Expected 400 for missing question, got %d", status)
	}
	status, _ = doJSON(t, s.app, http.MethodPost, "/api/ask", `{not json`)
	if status != fiber.StatusBadRequest {
		t.Errorf("Expected 400 for bad body, got %d", status)
	}
}

func TestAsk_ProducerFailure(t *testing.T) {
	s := newTestServer(t, failingProducer{})

	status, body := doJSON(t, s.app, http.MethodPost, "/api/ask", `{"topic":"go","topicQuestion":"q"}`)
	if status != fiber.StatusInternalServerError {
		t.Fatalf("Expected 500, got %d", status)
	}
	if body["error"] == nil {
		t.Error("Expected error body")
	}
}

func TestQuestion_NotFound(t *testing.T) {
	s := newTestServer(t, &producer.EchoProducer{})

	if status, _ := doJSON(t, s.app, http.MethodGet, "/api/questions/nope", ""); status != fiber.StatusNotFound {
		t.Errorf("Expected 404, got %d", status)
	}
	if status, _ := doJSON(t, s.app, http.MethodGet, "/api/questions/nope/replay", ""); status != fiber.StatusNotFound {
		t.Errorf("Expected 404 for replay, got %d", status)
	}
}

func TestQuestion_RecordAndReplay(t *testing.T) {
	s := newTestServer(t, &producer.EchoProducer{})

	conn := &models.UserConnection{ConnID: "c1", RecipientID: "c1", WriteChan: make(chan models.ServerMessage, 100)}
	s.connManager.Add(conn)
	s.bridge.Connect("c1")

	qid, err := s.bridge.Ask(context.Background(), bridge.Ask{
		ConnID: "c1",
		Prompt: producer.Prompt{Topic: "go", Question: "what is a map"},
	})
	if err != nil {
		t.Fatalf("Ask failed: %v", err)
	}

	timeout := time.After(5 * time.Second)
	for done := false; !done; {
		select {
		case msg := <-conn.WriteChan:
			done = msg.Type == models.ServerStreamEnd
		case <-timeout:
			t.Fatal("Timed out waiting for stream_end")
		}
	}

	var status int
	var body map[string]interface{}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if status, body = doJSON(t, s.app, http.MethodGet, "/api/questions/"+qid, ""); status == fiber.StatusOK {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if status != fiber.StatusOK {
		t.Fatalf("Expected record, got %d", status)
	}
	if body["streamName"] != "OPENAI_STREAM:c1" || body["streamStartMessageId"] == "" {
		t.Errorf("Unexpected record: %v", body)
	}

	status, body = doJSON(t, s.app, http.MethodGet, "/api/questions/"+qid+"/replay", "")
	if status != fiber.StatusOK {
		t.Fatalf("Expected replay, got %d", status)
	}
	if body["output"] != "[go] what is a map" {
		t.Errorf("Unexpected replay output: %v", body["output"])
	}
}

func TestQuestion_OnlyOwnerSeesRecord(t *testing.T) {
	s := newTestServer(t, &producer.EchoProducer{})
	jwtAuth, err := auth.NewJWTAuth("secret", time.Minute)
	if err != nil {
		t.Fatalf("NewJWTAuth failed: %v", err)
	}
	app := fiber.New()
	app.Use(middleware.OptionalAuth(jwtAuth))
	app.Get("/api/questions/:id", s.askHandler.GetQuestion)
	app.Get("/api/questions/:id/replay", s.askHandler.Replay)

	conn := &models.UserConnection{ConnID: "c1", RecipientID: "user-7", WriteChan: make(chan models.ServerMessage, 100)}
	s.connManager.Add(conn)
	s.bridge.Connect("c1")
	qid, err := s.bridge.Ask(context.Background(), bridge.Ask{
		ConnID:    "c1",
		Recipient: "user-7",
		Prompt:    producer.Prompt{Topic: "go", Question: "what is a channel"},
	})
	if err != nil {
		t.Fatalf("Ask failed: %v", err)
	}

	owner, _ := jwtAuth.GenerateToken("user-7", "user")
	other, _ := jwtAuth.GenerateToken("user-8", "user")

	var status int
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if status, _ = doJSON(t, app, http.MethodGet, "/api/questions/"+qid+"?token="+owner, ""); status == fiber.StatusOK {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if status != fiber.StatusOK {
		t.Fatalf("Expected owner to read the record, got %d", status)
	}
	if status, _ := doJSON(t, app, http.MethodGet, "/api/questions/"+qid+"/replay?token="+owner, ""); status != fiber.StatusOK {
		t.Errorf("Expected owner replay, got %d", status)
	}

	if status, _ := doJSON(t, app, http.MethodGet, "/api/questions/"+qid+"?token="+other, ""); status != fiber.StatusNotFound {
		t.Errorf("Expected 404 for another user, got %d", status)
	}
	if status, _ := doJSON(t, app, http.MethodGet, "/api/questions/"+qid+"/replay?token="+other, ""); status != fiber.StatusNotFound {
		t.Errorf("Expected 404 replay for another user, got %d", status)
	}
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, &producer.EchoProducer{})

	status, body := doJSON(t, s.app, http.MethodGet, "/health", "")
	if status != fiber.StatusOK || body["status"] != "healthy" {
		t.Errorf("Unexpected health: %d %v", status, body)
	}

	failing := NewHealthHandler(s.connManager, s.bridge, func(ctx context.Context) error {
		return errors.New("connection refused")
	})
	app := fiber.New()
	app.Get("/health", failing.Handle)
	status, body = doJSON(t, app, http.MethodGet, "/health", "")
	if status != fiber.StatusServiceUnavailable || body["status"] != "degraded" {
		t.Errorf("Expected degraded health, got %d %v", status, body)
	}
}

func TestAskErrorCode(t *testing.T) {
	tests := []struct {
		err  error
		code string
	}{
		{producer.ErrEmptyPrompt, "invalid_request"},
		{bridge.ErrQuestionInFlight, "question_in_flight"},
		{bridge.ErrShuttingDown, "unavailable"},
		{errors.New("boom"), "ask_failed"},
	}
	for _, tt := range tests {
		if code, _ := askErrorCode(tt.err); code != tt.code {
			t.Errorf("askErrorCode(%v) = %s, want %s", tt.err, code, tt.code)
		}
	}
}

func TestWebSocket_StreamsAnswer(t *testing.T) {
	s := newTestServer(t, &producer.EchoProducer{})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	go s.app.Listener(ln)
	t.Cleanup(func() { s.app.Shutdown() })

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+ln.Addr().String()+"/ws/ask", nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var hello models.ServerMessage
	if err := conn.ReadJSON(&hello); err != nil {
		t.Fatalf("Read connected failed: %v", err)
	}
	if hello.Type != models.ServerConnected || hello.ConnID == "" {
		t.Fatalf("Expected connected message, got %+v", hello)
	}

	if err := conn.WriteJSON(models.ClientMessage{Type: models.ClientPing}); err != nil {
		t.Fatalf("Write ping failed: %v", err)
	}
	var pong models.ServerMessage
	if err := conn.ReadJSON(&pong); err != nil || pong.Type != models.ServerPong {
		t.Fatalf("Expected pong, got %+v (%v)", pong, err)
	}

	ask := models.ClientMessage{Type: models.ClientAskQuestion, Topic: "go", TopicQuestion: "what is a goroutine"}
	if err := conn.WriteJSON(ask); err != nil {
		t.Fatalf("Write ask failed: %v", err)
	}

	var types []string
	var answer strings.Builder
	for {
		var msg models.ServerMessage
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("Read failed after %v: %v", types, err)
		}
		types = append(types, msg.Type)
		if msg.Type == models.ServerChunk {
			answer.WriteString(msg.Content)
		}
		if msg.Type == models.ServerStreamEnd || msg.Type == models.ServerError {
			break
		}
	}

	if types[0] != models.ServerStreamStart {
		t.Errorf("Expected stream_start first, got %v", types)
	}
	if types[len(types)-1] != models.ServerStreamEnd {
		t.Errorf("Expected stream_end last, got %v", types)
	}
	if answer.String() != "[go] what is a goroutine" {
		t.Errorf("Unexpected answer: %q", answer.String())
	}
}

func TestWebSocket_RejectsEmptyQuestion(t *testing.T) {
	s := newTestServer(t, &producer.EchoProducer{})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	go s.app.Listener(ln)
	t.Cleanup(func() { s.app.Shutdown() })

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+ln.Addr().String()+"/ws/ask", nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var hello models.ServerMessage
	conn.ReadJSON(&hello)

	if err := conn.WriteJSON(models.ClientMessage{Type: models.ClientAskQuestion, Topic: "go"}); err != nil {
		t.Fatalf("Write ask failed: %v", err)
	}
	var msg models.ServerMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if msg.Type != models.ServerError || msg.ErrorCode != "invalid_request" {
		t.Errorf("Expected invalid_request error, got %+v", msg)
	}
}
