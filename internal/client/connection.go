package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/afroash/aerogrow/internal/models"
)

// flushBatchSize bounds how many buffered readings go out in one batch message
const flushBatchSize = 50

// ConnectionState represents the current state of the connection
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
)

func (cs ConnectionState) String() string {
	switch cs {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// CommandExecutor acts on a command frame received from the server.
// device.Simulator implements this interface.
type CommandExecutor interface {
	Send(ctx context.Context, commandID string, frame []byte) (models.Ack, error)
}

// Connection is the controller side of the device link. It keeps a WebSocket
// open to the server, answers every command with an ack or error reply and
// streams readings, buffering them while the link is down.
type Connection struct {
	URL              string
	AuthToken        string
	conn             *websocket.Conn
	state            ConnectionState
	stateMutex       sync.RWMutex
	writeMutex       sync.Mutex
	logger           zerolog.Logger
	info             *models.DeviceInfo
	executor         CommandExecutor
	buffer           *ReadingBuffer
	handshakeTimeout time.Duration
	retry            backoff
	pingInterval     time.Duration
	pongTimeout      time.Duration
	lastPong         atomic.Int64 // unix nanos
}

// ConnectionConfig holds configuration for the connection
type ConnectionConfig struct {
	URL                  string
	AuthToken            string
	HandshakeTimeout     time.Duration
	ReconnectInterval    time.Duration
	MaxReconnectInterval time.Duration
	PingInterval         time.Duration
	PongTimeout          time.Duration
}

// NewConnection creates a new connection manager. buffer may be nil, in which
// case readings produced while disconnected are dropped.
func NewConnection(config ConnectionConfig, info *models.DeviceInfo, executor CommandExecutor,
	buffer *ReadingBuffer, logger zerolog.Logger) *Connection {
	if config.HandshakeTimeout == 0 {
		config.HandshakeTimeout = 10 * time.Second
	}
	return &Connection{
		URL:              config.URL,
		AuthToken:        config.AuthToken,
		state:            StateDisconnected,
		logger:           logger,
		info:             info,
		executor:         executor,
		buffer:           buffer,
		handshakeTimeout: config.HandshakeTimeout,
		retry:            newBackoff(config.ReconnectInterval, config.MaxReconnectInterval),
		pingInterval:     config.PingInterval,
		pongTimeout:      config.PongTimeout,
	}
}

// SetExecutor sets the handler for incoming commands. Call it before Run.
func (c *Connection) SetExecutor(executor CommandExecutor) {
	c.stateMutex.Lock()
	defer c.stateMutex.Unlock()
	c.executor = executor
}

// setState safely updates the connection state
func (c *Connection) setState(state ConnectionState) {
	c.stateMutex.Lock()
	defer c.stateMutex.Unlock()
	c.state = state
	c.logger.Info().Str("state", state.String()).Msg("Connection state updated")
}

// State returns the current connection state
func (c *Connection) State() ConnectionState {
	c.stateMutex.RLock()
	defer c.stateMutex.RUnlock()
	return c.state
}

// IsConnected returns true if currently connected
func (c *Connection) IsConnected() bool {
	c.stateMutex.RLock()
	defer c.stateMutex.RUnlock()
	return c.state == StateConnected
}

// Connect dials the server, registers with a heartbeat and flushes buffered readings
func (c *Connection) Connect(ctx context.Context) error {
	c.setState(StateConnecting)
	c.logger.Info().Str("url", c.URL).Msg("Connecting to server...")

	dialer := websocket.Dialer{
		HandshakeTimeout: c.handshakeTimeout,
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.AuthToken)

	conn, resp, err := dialer.DialContext(ctx, c.URL, header)
	if err != nil {
		c.setState(StateDisconnected)
		if resp != nil {
			return fmt.Errorf("dial failed (HTTP %d): %w", resp.StatusCode, err)
		}
		return fmt.Errorf("dial failed: %w", err)
	}
	defer resp.Body.Close()

	conn.SetPongHandler(func(string) error {
		c.updateLastPong()
		return nil
	})

	c.stateMutex.Lock()
	c.conn = conn
	c.state = StateConnected
	c.stateMutex.Unlock()
	c.retry.reset()
	c.updateLastPong()
	c.logger.Info().Msg("Connected to server")

	if err := c.sendHeartbeat(); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to send registration")
		c.disconnect()
		return err
	}

	if err := c.flushBuffer(); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to flush buffered readings")
	}
	return nil
}

// Run keeps the link up until ctx is cancelled, reconnecting with exponential backoff
func (c *Connection) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := c.Connect(ctx); err != nil {
			c.logger.Warn().Err(err).Msg("Connection failed")
			c.waitBeforeReconnect(ctx)
			continue
		}

		c.runMessageLoops(ctx)

		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Info().Msg("Connection lost, will reconnect")
		c.waitBeforeReconnect(ctx)
	}
}

func (c *Connection) waitBeforeReconnect(ctx context.Context) {
	delay := c.retry.next()
	c.logger.Info().Dur("delay", delay).Msg("Waiting before reconnect")
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// runMessageLoops runs the read and heartbeat loops until either one stops
func (c *Connection) runMessageLoops(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer cancel()
		c.readLoop(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer cancel()
		c.heartbeatLoop(ctx)
	}()

	<-ctx.Done()
	c.disconnect() // unblocks the read loop
	wg.Wait()
}

// disconnect closes the WebSocket connection
func (c *Connection) disconnect() {
	c.stateMutex.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.state = StateDisconnected
	c.stateMutex.Unlock()
	c.logger.Info().Msg("Connection disconnected")
}

// Update sends a reading to the server, or buffers it while disconnected.
// It lets the connection act as the device's reading sink.
func (c *Connection) Update(reading models.ReadingMessage) {
	if c.IsConnected() {
		err := c.Send(reading)
		if err == nil {
			return
		}
		c.logger.Warn().Err(err).Msg("Failed to send reading, buffering")
	}
	if c.buffer == nil {
		return
	}
	if !c.buffer.Push(reading) {
		c.logger.Warn().Str("buffer", c.buffer.String()).Msg("Buffer full, reading dropped")
	}
}

// Send sends a single reading to the server
func (c *Connection) Send(reading models.ReadingMessage) error {
	if !c.IsConnected() {
		return fmt.Errorf("not connected")
	}
	msg, err := models.NewMessage(models.MessageTypeReading, reading)
	if err != nil {
		return fmt.Errorf("failed to create message: %w", err)
	}
	return c.sendMessage(msg)
}

// SendBatch sends multiple readings in one message
func (c *Connection) SendBatch(readings []models.ReadingMessage) error {
	if !c.IsConnected() {
		return fmt.Errorf("not connected")
	}
	if len(readings) == 0 {
		return nil
	}

	batch := models.BatchMessage{
		Readings: readings,
		Count:    len(readings),
	}
	msg, err := models.NewMessage(models.MessageTypeBatch, batch)
	if err != nil {
		return fmt.Errorf("failed to create batch message: %w", err)
	}
	if err := c.sendMessage(msg); err != nil {
		return err
	}
	c.logger.Info().Int("count", len(readings)).Msg("Sent batch of readings")
	return nil
}

// flushBuffer sends buffered readings oldest first. A batch is only removed
// from the buffer once it has been written.
func (c *Connection) flushBuffer() error {
	if c.buffer == nil {
		return nil
	}
	for !c.buffer.IsEmpty() {
		batch := c.buffer.Peek(flushBatchSize)
		if err := c.SendBatch(batch); err != nil {
			return err
		}
		c.buffer.PopBatch(len(batch))
	}
	return nil
}

// sendMessage writes a message over the WebSocket
func (c *Connection) sendMessage(msg *models.Message) error {
	c.stateMutex.RLock()
	conn := c.conn
	c.stateMutex.RUnlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}

	c.writeMutex.Lock()
	defer c.writeMutex.Unlock()
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteJSON(msg)
}

// readLoop reads messages from the server
func (c *Connection) readLoop(ctx context.Context) {
	c.logger.Debug().Msg("Starting read loop")
	defer c.logger.Debug().Msg("Read loop stopped")

	c.stateMutex.RLock()
	conn := c.conn
	c.stateMutex.RUnlock()

	for {
		var msg models.Message
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() == nil {
				c.logger.Warn().Err(err).Msg("Read error")
			}
			return
		}
		c.handleMessage(ctx, &msg)
	}
}

// handleMessage processes a message received from the server
func (c *Connection) handleMessage(ctx context.Context, msg *models.Message) {
	c.logger.Debug().Str("type", string(msg.Type)).Msg("Received message")
	switch msg.Type {
	case models.MessageTypeCommand:
		go c.execute(ctx, msg)
	case models.MessageTypeError:
		var errMsg models.ErrorMessage
		if err := msg.UnmarshalPayload(&errMsg); err == nil {
			c.logger.Warn().Str("code", errMsg.Code).Str("msg", errMsg.Message).Msg("Server error")
		}
	default:
		c.logger.Debug().Str("type", string(msg.Type)).Msg("Unknown message type")
	}
}

// execute runs one command and replies with an ack or an error
func (c *Connection) execute(ctx context.Context, msg *models.Message) {
	var cm models.CommandMessage
	if err := msg.UnmarshalPayload(&cm); err != nil || cm.ID == "" {
		c.logger.Error().Err(err).Msg("Malformed command")
		return
	}
	log := c.logger.With().Str("id", cm.ID).Str("command", string(cm.Command)).Logger()

	c.stateMutex.RLock()
	executor := c.executor
	c.stateMutex.RUnlock()

	var (
		ack models.Ack
		err error
	)
	if executor == nil {
		err = &models.Error{Kind: models.KindDeviceRejected, Code: "unsupported", Reason: "device accepts no commands"}
	} else {
		frame, merr := json.Marshal(msg)
		if merr != nil {
			log.Error().Err(merr).Msg("Failed to re-encode command")
			return
		}
		ack, err = executor.Send(ctx, cm.ID, frame)
	}

	var reply *models.Message
	if err == nil {
		reply, err = models.NewMessage(models.MessageTypeAck, models.AckMessage{
			MessageID: cm.ID,
			Status:    "ok",
			Detail:    ack.Detail,
		})
		log.Info().Str("detail", ack.Detail).Msg("Command acknowledged")
	} else {
		em := models.ErrorMessage{MessageID: cm.ID, Code: "failed", Message: err.Error()}
		var de *models.Error
		if errors.As(err, &de) && de.Kind == models.KindDeviceRejected {
			if de.Code != "" {
				em.Code = de.Code
			}
			if de.Reason != "" {
				em.Message = de.Reason
			}
		}
		log.Warn().Str("code", em.Code).Str("reason", em.Message).Msg("Command refused")
		reply, err = models.NewMessage(models.MessageTypeError, em)
	}
	if err != nil {
		log.Error().Err(err).Msg("Failed to build reply")
		return
	}
	if err := c.sendMessage(reply); err != nil {
		log.Warn().Err(err).Msg("Failed to send reply")
	}
}

func (c *Connection) updateLastPong() {
	c.lastPong.Store(time.Now().UnixNano())
}

func (c *Connection) timeSinceLastPong() time.Duration {
	return time.Since(time.Unix(0, c.lastPong.Load()))
}

// heartbeatLoop pings the server, sends heartbeats and gives up when pongs stop
func (c *Connection) heartbeatLoop(ctx context.Context) {
	c.logger.Debug().Msg("Starting heartbeat loop")
	defer c.logger.Debug().Msg("Heartbeat loop stopped")

	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if c.timeSinceLastPong() > c.pongTimeout {
				c.logger.Warn().Msg("No pong received, connection appears dead")
				return
			}
			if err := c.ping(); err != nil {
				c.logger.Warn().Err(err).Msg("Failed to send ping")
				return
			}
			if err := c.sendHeartbeat(); err != nil {
				c.logger.Warn().Err(err).Msg("Failed to send heartbeat")
				return
			}
		}
	}
}

func (c *Connection) ping() error {
	c.stateMutex.RLock()
	conn := c.conn
	c.stateMutex.RUnlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}
	return conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second))
}

// sendHeartbeat sends a heartbeat message to the server
func (c *Connection) sendHeartbeat() error {
	heartbeat := models.HeartbeatMessage{
		DeviceID: c.info.ID,
		Firmware: c.info.Firmware,
		Uptime:   int64(c.info.Uptime().Seconds()),
	}
	if c.buffer != nil {
		heartbeat.BufferSize = c.buffer.Size()
	}
	msg, err := models.NewMessage(models.MessageTypeHeartbeat, heartbeat)
	if err != nil {
		return err
	}
	return c.sendMessage(msg)
}

// Close sends a close frame and shuts the connection
func (c *Connection) Close() error {
	c.logger.Info().Msg("Closing connection")

	c.stateMutex.Lock()
	conn := c.conn
	c.state = StateDisconnected
	c.stateMutex.Unlock()

	if conn != nil {
		conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		conn.Close()
	}

	c.logger.Info().Msg("Connection closed")
	return nil
}
