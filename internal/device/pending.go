package device

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/afroash/aerogrow/internal/metrics"
	"github.com/afroash/aerogrow/internal/models"
)

// ReadingSink receives telemetry pushed by the controller. *telemetry.DeviceSource satisfies it.
type ReadingSink interface {
	Update(msg models.ReadingMessage)
}

// Status describes the device link
type Status struct {
	Transport   string    `json:"transport"`
	Connected   bool      `json:"connected"`
	DeviceID    string    `json:"device_id,omitempty"`
	Firmware    string    `json:"firmware,omitempty"`
	ConnectedAt time.Time `json:"connected_at,omitempty"`
	LastSeen    time.Time `json:"last_seen,omitempty"`
	Pending     int       `json:"pending"`
}

type reply struct {
	ack models.Ack
	err error
}

// pendingReplies correlates device replies with commands awaiting them
type pendingReplies struct {
	mu      sync.Mutex
	waiters map[string]chan reply
}

func newPendingReplies() *pendingReplies {
	return &pendingReplies{waiters: make(map[string]chan reply)}
}

func (p *pendingReplies) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.waiters)
}

// await registers id, calls send, and waits for the matching reply or ctx
func (p *pendingReplies) await(ctx context.Context, id string, send func() error) (models.Ack, error) {
	ch := make(chan reply, 1)

	p.mu.Lock()
	if _, dup := p.waiters[id]; dup {
		p.mu.Unlock()
		return models.Ack{}, fmt.Errorf("command %s already awaiting a reply", id)
	}
	p.waiters[id] = ch
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		delete(p.waiters, id)
		p.mu.Unlock()
	}()

	if err := send(); err != nil {
		return models.Ack{}, err
	}

	select {
	case r := <-ch:
		return r.ack, r.err
	case <-ctx.Done():
		return models.Ack{}, ctx.Err()
	}
}

// resolve delivers r to the waiter for id. It returns false if nobody is waiting,
// e.g. the command already timed out.
func (p *pendingReplies) resolve(id string, r reply) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch, ok := p.waiters[id]
	if !ok {
		return false
	}
	delete(p.waiters, id)
	ch <- r
	return true
}

// failAll resolves every waiter with err, used when the link drops
func (p *pendingReplies) failAll(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, ch := range p.waiters {
		delete(p.waiters, id)
		ch <- reply{err: err}
	}
}

// inbound applies controller messages common to every transport
type inbound struct {
	sink    ReadingSink
	pending *pendingReplies
	logger  zerolog.Logger
}

// handle processes msg and returns the heartbeat payload when msg is one
func (in *inbound) handle(msg *models.Message) *models.HeartbeatMessage {
	metrics.IncDeviceMessage(string(msg.Type))

	switch msg.Type {
	case models.MessageTypeAck:
		var ack models.AckMessage
		if err := msg.UnmarshalPayload(&ack); err != nil {
			in.logger.Error().Err(err).Msg("Failed to unmarshal ack")
			return nil
		}
		in.deliver(ack.MessageID, reply{ack: models.Ack{
			CommandID:  ack.MessageID,
			Detail:     ack.Detail,
			ReceivedAt: time.Now(),
		}})

	case models.MessageTypeError:
		var em models.ErrorMessage
		if err := msg.UnmarshalPayload(&em); err != nil {
			in.logger.Error().Err(err).Msg("Failed to unmarshal error reply")
			return nil
		}
		if em.MessageID == "" {
			in.logger.Warn().Str("code", em.Code).Str("message", em.Message).Msg("Device reported an error")
			return nil
		}
		in.deliver(em.MessageID, reply{err: &models.Error{
			Kind:    models.KindDeviceRejected,
			Message: "device rejected command " + em.Code,
			Reason:  em.Message,
			Code:    em.Code,
		}})

	case models.MessageTypeReading:
		var rm models.ReadingMessage
		if err := msg.UnmarshalPayload(&rm); err != nil {
			in.logger.Error().Err(err).Msg("Failed to unmarshal reading")
			return nil
		}
		in.store(rm)

	case models.MessageTypeBatch:
		var batch models.BatchMessage
		if err := msg.UnmarshalPayload(&batch); err != nil {
			in.logger.Error().Err(err).Msg("Failed to unmarshal batch")
			return nil
		}
		// only the newest values matter; apply in order so the last wins
		for _, rm := range batch.Readings {
			in.store(rm)
		}
		in.logger.Debug().Int("count", len(batch.Readings)).Msg("Batch applied")

	case models.MessageTypeHeartbeat:
		var hb models.HeartbeatMessage
		if err := msg.UnmarshalPayload(&hb); err != nil {
			in.logger.Error().Err(err).Msg("Failed to unmarshal heartbeat")
			return nil
		}
		in.logger.Debug().Str("device_id", hb.DeviceID).Int64("uptime", hb.Uptime).Msg("Heartbeat received")
		return &hb

	default:
		in.logger.Warn().Str("type", string(msg.Type)).Msg("Unknown message type")
	}
	return nil
}

func (in *inbound) deliver(id string, r reply) {
	if !in.pending.resolve(id, r) {
		in.logger.Warn().Str("id", id).Msg("Dropping reply for a command no longer awaiting one")
	}
}

func (in *inbound) store(rm models.ReadingMessage) {
	if in.sink == nil {
		return
	}
	in.sink.Update(rm)
	in.logger.Debug().Str("device_id", rm.DeviceID).Int("metrics", len(rm.Metrics)).Msg("Reading applied")
}
