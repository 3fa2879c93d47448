package device

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/afroash/aerogrow/internal/metrics"
	"github.com/afroash/aerogrow/internal/models"
)

// Constants for WebSocket timeouts
const (
	writeWait = 10 * time.Second
	pongWait  = 60 * time.Second
)

// ErrNoDevice is returned by Send when no controller is attached
var ErrNoDevice = errors.New("no device connected")

// WSHub accepts the controller's WebSocket connection and carries commands to it.
// Only one controller is attached at a time; a new connection replaces the old one.
type WSHub struct {
	upgrader       websocket.Upgrader
	authToken      string
	allowedOrigins []string
	logger         zerolog.Logger
	pending        *pendingReplies
	in             *inbound

	mutex  sync.RWMutex
	active *DeviceConnection
}

// DeviceConnection represents the attached controller
type DeviceConnection struct {
	DeviceID    string
	Firmware    string
	RemoteAddr  string
	ConnectedAt time.Time
	LastSeen    time.Time

	conn    *websocket.Conn
	writeMu sync.Mutex
}

// NewWSHub creates a hub that authenticates devices with authToken
func NewWSHub(authToken string, sink ReadingSink, logger zerolog.Logger, allowedOrigins ...string) *WSHub {
	pending := newPendingReplies()
	h := &WSHub{
		authToken:      authToken,
		allowedOrigins: allowedOrigins,
		logger:         logger,
		pending:        pending,
		in:             &inbound{sink: sink, pending: pending, logger: logger},
	}

	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}

	return h
}

// checkOrigin validates the incoming request's Origin against the configured allowlist
func (h *WSHub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	// No Origin header means same-origin request (controllers never send one)
	if origin == "" {
		return true
	}
	for _, allowed := range h.allowedOrigins {
		if origin == allowed {
			return true
		}
	}
	h.logger.Warn().Str("origin", origin).Msg("Rejected device connection: origin not in allowlist")
	return false
}

// ServeHTTP handles WebSocket connection requests
func (h *WSHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Expected format: "Bearer <token>"
	if !h.validateToken(r.Header.Get("Authorization")) {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}

	h.handleConnection(conn)
}

// validateToken checks if the auth token is valid
func (h *WSHub) validateToken(authHeader string) bool {
	if h.authToken == "" || !strings.HasPrefix(authHeader, "Bearer ") {
		return false
	}
	return strings.TrimPrefix(authHeader, "Bearer ") == h.authToken
}

// handleConnection owns one controller connection until it closes
func (h *WSHub) handleConnection(conn *websocket.Conn) {
	now := time.Now()
	dc := &DeviceConnection{
		DeviceID:    conn.RemoteAddr().String(), // replaced by the heartbeat's device ID
		RemoteAddr:  conn.RemoteAddr().String(),
		ConnectedAt: now,
		LastSeen:    now,
		conn:        conn,
	}

	h.mutex.Lock()
	previous := h.active
	h.active = dc
	h.mutex.Unlock()

	if previous != nil {
		h.logger.Warn().Str("device_id", previous.DeviceID).Msg("Replacing existing device connection")
		previous.conn.Close()
	}
	metrics.SetDeviceConnected(true)
	h.logger.Info().Str("remote", dc.RemoteAddr).Msg("Device connected")

	defer conn.Close()
	defer h.removeDevice(dc)

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPingHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		h.touch(dc)
		err := conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
		if err == websocket.ErrCloseSent {
			return nil
		}
		return err
	})

	// Read loop
	for {
		var msg models.Message
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Warn().Err(err).Msg("WebSocket error")
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))
		h.touch(dc)

		if hb := h.in.handle(&msg); hb != nil {
			h.mutex.Lock()
			if hb.DeviceID != "" {
				dc.DeviceID = hb.DeviceID
			}
			if hb.Firmware != "" {
				dc.Firmware = hb.Firmware
			}
			h.mutex.Unlock()
		}
	}
}

// Send writes frame to the controller and waits for its ack or error reply
func (h *WSHub) Send(ctx context.Context, commandID string, frame []byte) (models.Ack, error) {
	h.mutex.RLock()
	dc := h.active
	h.mutex.RUnlock()
	if dc == nil {
		return models.Ack{}, ErrNoDevice
	}

	return h.pending.await(ctx, commandID, func() error {
		dc.writeMu.Lock()
		defer dc.writeMu.Unlock()

		deadline := time.Now().Add(writeWait)
		if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
			deadline = d
		}
		dc.conn.SetWriteDeadline(deadline)
		if err := dc.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			return fmt.Errorf("write command: %w", err)
		}
		return nil
	})
}

// Status reports the attached controller, if any
func (h *WSHub) Status() Status {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	st := Status{Transport: "websocket", Pending: h.pending.len()}
	if h.active != nil {
		st.Connected = true
		st.DeviceID = h.active.DeviceID
		st.Firmware = h.active.Firmware
		st.ConnectedAt = h.active.ConnectedAt
		st.LastSeen = h.active.LastSeen
	}
	return st
}

// Close drops the current controller connection
func (h *WSHub) Close() error {
	h.mutex.RLock()
	dc := h.active
	h.mutex.RUnlock()
	if dc == nil {
		return nil
	}
	dc.writeMu.Lock()
	dc.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
		time.Now().Add(time.Second))
	dc.writeMu.Unlock()
	return dc.conn.Close()
}

func (h *WSHub) touch(dc *DeviceConnection) {
	h.mutex.Lock()
	dc.LastSeen = time.Now()
	h.mutex.Unlock()
}

// removeDevice detaches dc unless it has already been replaced
func (h *WSHub) removeDevice(dc *DeviceConnection) {
	h.mutex.Lock()
	replaced := h.active != dc
	if !replaced {
		h.active = nil
	}
	h.mutex.Unlock()

	if replaced {
		return
	}
	metrics.SetDeviceConnected(false)
	h.pending.failAll(ErrNoDevice)
	h.logger.Info().Str("device_id", dc.DeviceID).Msg("Device disconnected")
}
