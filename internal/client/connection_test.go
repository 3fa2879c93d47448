package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/afroash/aerogrow/internal/models"
)

// MockWebSocketServer stands in for the server's device endpoint
type MockWebSocketServer struct {
	server      *httptest.Server
	upgrader    websocket.Upgrader
	mu          sync.Mutex
	connections []*websocket.Conn
	received    []models.Message
	accepted    int
	reject      bool
	closeAfterN int // close each connection after N messages
}

func NewMockWebSocketServer() *MockWebSocketServer {
	mock := &MockWebSocketServer{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	mock.server = httptest.NewServer(http.HandlerFunc(mock.handleWebSocket))
	return mock
}

func (m *MockWebSocketServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	reject := m.reject
	m.mu.Unlock()
	if reject {
		w.WriteHeader(http.StatusForbidden)
		return
	}
	if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	m.mu.Lock()
	m.connections = append(m.connections, conn)
	m.accepted++
	m.mu.Unlock()

	count := 0
	for {
		var msg models.Message
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		m.mu.Lock()
		m.received = append(m.received, msg)
		m.mu.Unlock()

		count++
		if m.closeAfterN > 0 && count >= m.closeAfterN {
			return
		}
	}
}

func (m *MockWebSocketServer) URL() string {
	return "ws" + strings.TrimPrefix(m.server.URL, "http")
}

func (m *MockWebSocketServer) Close() {
	m.mu.Lock()
	for _, conn := range m.connections {
		conn.Close()
	}
	m.mu.Unlock()
	m.server.Close()
}

func (m *MockWebSocketServer) ReceivedMessages() []models.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Message, len(m.received))
	copy(out, m.received)
	return out
}

func (m *MockWebSocketServer) Accepted() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.accepted
}

// SendCommand writes a command frame on the most recent connection
func (m *MockWebSocketServer) SendCommand(t *testing.T, id string, kind models.CommandKind, value string) {
	t.Helper()
	m.mu.Lock()
	conn := m.connections[len(m.connections)-1]
	m.mu.Unlock()

	frame, err := models.CommandFrame(id, kind, json.RawMessage(value))
	if err != nil {
		t.Fatalf("CommandFrame: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		t.Fatalf("write command: %v", err)
	}
}

// messagesOfType waits until at least n messages of type arrive
func (m *MockWebSocketServer) messagesOfType(typ models.MessageType, n int, timeout time.Duration) []models.Message {
	deadline := time.Now().Add(timeout)
	for {
		var out []models.Message
		for _, msg := range m.ReceivedMessages() {
			if msg.Type == typ {
				out = append(out, msg)
			}
		}
		if len(out) >= n || time.Now().After(deadline) {
			return out
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// fakeExecutor answers commands with handle
type fakeExecutor struct {
	mu     sync.Mutex
	frames [][]byte
	handle func(id string) (models.Ack, error)
}

func (f *fakeExecutor) Send(ctx context.Context, id string, frame []byte) (models.Ack, error) {
	f.mu.Lock()
	f.frames = append(f.frames, frame)
	f.mu.Unlock()
	if f.handle == nil {
		return models.Ack{CommandID: id, Detail: "done"}, nil
	}
	return f.handle(id)
}

func testConfig(url string) ConnectionConfig {
	return ConnectionConfig{
		URL:                  url,
		AuthToken:            "test-token-123",
		ReconnectInterval:    50 * time.Millisecond,
		MaxReconnectInterval: 200 * time.Millisecond,
		PingInterval:         100 * time.Millisecond,
		PongTimeout:          time.Second,
	}
}

func createTestConnection(serverURL string, executor CommandExecutor, buffer *ReadingBuffer) *Connection {
	info := models.NewDeviceInfo("esp32-test", "1.2.3")
	return NewConnection(testConfig(serverURL), info, executor, buffer, zerolog.Nop())
}

func TestNewConnection(t *testing.T) {
	conn := createTestConnection("ws://localhost:8080/device-stream", nil, nil)

	if conn.State() != StateDisconnected {
		t.Errorf("Initial state = %v, want disconnected", conn.State())
	}
	if conn.IsConnected() {
		t.Error("New connection should not be connected")
	}
	if conn.handshakeTimeout != 10*time.Second {
		t.Errorf("handshakeTimeout = %v, want 10s default", conn.handshakeTimeout)
	}
}

func TestConnection_Connect_Registers(t *testing.T) {
	server := NewMockWebSocketServer()
	defer server.Close()

	conn := createTestConnection(server.URL(), nil, nil)
	if err := conn.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer conn.Close()

	if !conn.IsConnected() {
		t.Error("Should be connected after Connect()")
	}

	msgs := server.messagesOfType(models.MessageTypeHeartbeat, 1, time.Second)
	if len(msgs) == 0 {
		t.Fatal("no registration heartbeat received")
	}
	var hb models.HeartbeatMessage
	if err := msgs[0].UnmarshalPayload(&hb); err != nil {
		t.Fatalf("unmarshal heartbeat: %v", err)
	}
	if hb.DeviceID != "esp32-test" || hb.Firmware != "1.2.3" {
		t.Errorf("heartbeat = %+v", hb)
	}
}

func TestConnection_Connect_Failures(t *testing.T) {
	refusing := NewMockWebSocketServer()
	refusing.reject = true
	defer refusing.Close()

	tests := []struct {
		name string
		url  string
	}{
		{"invalid url", "ws://localhost:1/nothing-here"},
		{"server refuses", refusing.URL()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := createTestConnection(tt.url, nil, nil)
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()

			if err := conn.Connect(ctx); err == nil {
				t.Error("Connect should fail")
			}
			if conn.State() != StateDisconnected {
				t.Errorf("State = %v, want disconnected", conn.State())
			}
		})
	}
}

func TestConnection_Send(t *testing.T) {
	server := NewMockWebSocketServer()
	defer server.Close()

	conn := createTestConnection(server.URL(), nil, nil)
	if err := conn.Send(nutrientReading(50)); err == nil {
		t.Error("Send should fail while disconnected")
	}

	if err := conn.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer conn.Close()

	if err := conn.Send(nutrientReading(81.5)); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	msgs := server.messagesOfType(models.MessageTypeReading, 1, time.Second)
	if len(msgs) != 1 {
		t.Fatalf("received %d readings, want 1", len(msgs))
	}
	var rm models.ReadingMessage
	if err := msgs[0].UnmarshalPayload(&rm); err != nil {
		t.Fatalf("unmarshal reading: %v", err)
	}
	if rm.Metrics[models.MetricNutrientLevel] != 81.5 {
		t.Errorf("nutrient level = %v, want 81.5", rm.Metrics[models.MetricNutrientLevel])
	}
}

func TestConnection_SendBatch(t *testing.T) {
	server := NewMockWebSocketServer()
	defer server.Close()

	conn := createTestConnection(server.URL(), nil, nil)
	if err := conn.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer conn.Close()

	if err := conn.SendBatch(nil); err != nil {
		t.Errorf("SendBatch with no readings should not error: %v", err)
	}
	if err := conn.SendBatch([]models.ReadingMessage{nutrientReading(1), nutrientReading(2), nutrientReading(3)}); err != nil {
		t.Fatalf("SendBatch failed: %v", err)
	}

	msgs := server.messagesOfType(models.MessageTypeBatch, 1, time.Second)
	if len(msgs) != 1 {
		t.Fatalf("received %d batches, want 1", len(msgs))
	}
	var batch models.BatchMessage
	if err := msgs[0].UnmarshalPayload(&batch); err != nil {
		t.Fatalf("unmarshal batch: %v", err)
	}
	if batch.Count != 3 || len(batch.Readings) != 3 {
		t.Errorf("batch count = %d/%d, want 3", batch.Count, len(batch.Readings))
	}
}

func TestConnection_Update_BuffersWhileDisconnected(t *testing.T) {
	server := NewMockWebSocketServer()
	defer server.Close()

	buffer := NewReadingBuffer(10, true)
	conn := createTestConnection(server.URL(), nil, buffer)

	for i := 0; i < 3; i++ {
		conn.Update(nutrientReading(float64(70 + i)))
	}
	if buffer.Size() != 3 {
		t.Fatalf("buffer size = %d, want 3 while disconnected", buffer.Size())
	}

	if err := conn.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer conn.Close()

	if !buffer.IsEmpty() {
		t.Errorf("buffer should be flushed on connect, has %d", buffer.Size())
	}

	msgs := server.messagesOfType(models.MessageTypeBatch, 1, time.Second)
	if len(msgs) != 1 {
		t.Fatalf("received %d batches, want 1 flush", len(msgs))
	}
	var batch models.BatchMessage
	if err := msgs[0].UnmarshalPayload(&batch); err != nil {
		t.Fatalf("unmarshal batch: %v", err)
	}
	if batch.Count != 3 || batch.Readings[0].Metrics[models.MetricNutrientLevel] != 70 {
		t.Errorf("flushed batch = %+v", batch)
	}

	// connected: readings go straight out
	conn.Update(nutrientReading(99))
	if buffer.Size() != 0 {
		t.Error("reading should not be buffered while connected")
	}
	if got := server.messagesOfType(models.MessageTypeReading, 1, time.Second); len(got) != 1 {
		t.Errorf("received %d live readings, want 1", len(got))
	}
}

func TestConnection_AnswersCommands(t *testing.T) {
	server := NewMockWebSocketServer()
	defer server.Close()

	executor := &fakeExecutor{handle: func(id string) (models.Ack, error) {
		if id == "cmd-busy" {
			return models.Ack{}, &models.Error{
				Kind:   models.KindDeviceRejected,
				Code:   "busy",
				Reason: "calibration in progress",
			}
		}
		return models.Ack{CommandID: id, Detail: "misting stopped"}, nil
	}}
	conn := createTestConnection(server.URL(), executor, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go conn.Run(ctx)

	if len(server.messagesOfType(models.MessageTypeHeartbeat, 1, time.Second)) == 0 {
		t.Fatal("device never registered")
	}

	server.SendCommand(t, "cmd-ok", models.CommandStopMisting, "true")
	acks := server.messagesOfType(models.MessageTypeAck, 1, time.Second)
	if len(acks) != 1 {
		t.Fatalf("received %d acks, want 1", len(acks))
	}
	var ack models.AckMessage
	if err := acks[0].UnmarshalPayload(&ack); err != nil {
		t.Fatalf("unmarshal ack: %v", err)
	}
	if ack.MessageID != "cmd-ok" || ack.Status != "ok" || ack.Detail != "misting stopped" {
		t.Errorf("ack = %+v", ack)
	}

	server.SendCommand(t, "cmd-busy", models.CommandCalibrate, "")
	errs := server.messagesOfType(models.MessageTypeError, 1, time.Second)
	if len(errs) != 1 {
		t.Fatalf("received %d error replies, want 1", len(errs))
	}
	var em models.ErrorMessage
	if err := errs[0].UnmarshalPayload(&em); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if em.MessageID != "cmd-busy" || em.Code != "busy" || em.Message != "calibration in progress" {
		t.Errorf("error reply = %+v", em)
	}

	executor.mu.Lock()
	defer executor.mu.Unlock()
	if len(executor.frames) != 2 {
		t.Fatalf("executor saw %d frames, want 2", len(executor.frames))
	}
	msg, err := models.DecodeMessage(executor.frames[0])
	if err != nil || msg.Type != models.MessageTypeCommand {
		t.Errorf("executor frame = %s (%v), want a command message", executor.frames[0], err)
	}
}

func TestConnection_NoExecutorRejects(t *testing.T) {
	server := NewMockWebSocketServer()
	defer server.Close()

	conn := createTestConnection(server.URL(), nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go conn.Run(ctx)

	if len(server.messagesOfType(models.MessageTypeHeartbeat, 1, time.Second)) == 0 {
		t.Fatal("device never registered")
	}
	server.SendCommand(t, "cmd-1", models.CommandStartMisting, "")

	errs := server.messagesOfType(models.MessageTypeError, 1, time.Second)
	if len(errs) != 1 {
		t.Fatalf("received %d error replies, want 1", len(errs))
	}
	var em models.ErrorMessage
	errs[0].UnmarshalPayload(&em)
	if em.Code != "unsupported" {
		t.Errorf("code = %q, want unsupported", em.Code)
	}
}

func TestConnection_Reconnect_AfterDisconnect(t *testing.T) {
	server := NewMockWebSocketServer()
	server.closeAfterN = 2 // registration + one reading
	defer server.Close()

	conn := createTestConnection(server.URL(), nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	go conn.Run(ctx)

	if len(server.messagesOfType(models.MessageTypeHeartbeat, 1, time.Second)) == 0 {
		t.Fatal("device never registered")
	}
	if err := conn.Send(nutrientReading(50)); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for server.Accepted() < 2 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if server.Accepted() < 2 {
		t.Errorf("server accepted %d connections, want a reconnect", server.Accepted())
	}
}

func TestConnection_Heartbeat(t *testing.T) {
	server := NewMockWebSocketServer()
	defer server.Close()

	conn := createTestConnection(server.URL(), nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go conn.Run(ctx)

	// registration plus at least two periodic heartbeats at 100ms
	msgs := server.messagesOfType(models.MessageTypeHeartbeat, 3, 2*time.Second)
	if len(msgs) < 3 {
		t.Errorf("received %d heartbeats, want at least 3", len(msgs))
	}
}

func TestConnection_RunStopsOnCancel(t *testing.T) {
	server := NewMockWebSocketServer()
	defer server.Close()

	conn := createTestConnection(server.URL(), nil, nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- conn.Run(ctx) }()

	if len(server.messagesOfType(models.MessageTypeHeartbeat, 1, time.Second)) == 0 {
		t.Fatal("device never registered")
	}
	cancel()

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("Run returned %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if conn.IsConnected() {
		t.Error("should be disconnected after Run returns")
	}
}

func TestConnection_ExponentialBackoff(t *testing.T) {
	conn := createTestConnection("ws://localhost:1/invalid", nil, nil)
	ctx := context.Background()

	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 200 * time.Millisecond}
	for i, w := range want {
		conn.waitBeforeReconnect(ctx)
		if conn.retry.current != w {
			t.Errorf("after wait %d interval = %v, want %v", i+1, conn.retry.current, w)
		}
	}
}

func TestConnection_CloseGracefully(t *testing.T) {
	server := NewMockWebSocketServer()
	defer server.Close()

	conn := createTestConnection(server.URL(), nil, nil)
	if err := conn.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	if err := conn.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
	if conn.IsConnected() {
		t.Error("Should not be connected after Close()")
	}
	if err := conn.Send(nutrientReading(1)); err == nil {
		t.Error("Send should fail after Close()")
	}
}

func TestConnectionState_String(t *testing.T) {
	tests := []struct {
		state    ConnectionState
		expected string
	}{
		{StateDisconnected, "disconnected"},
		{StateConnecting, "connecting"},
		{StateConnected, "connected"},
		{ConnectionState(42), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if got := tt.state.String(); got != tt.expected {
				t.Errorf("String() = %v, want %v", got, tt.expected)
			}
		})
	}
}
