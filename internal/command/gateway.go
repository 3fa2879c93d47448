package command

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/afroash/aerogrow/internal/metrics"
	"github.com/afroash/aerogrow/internal/models"
)

// Channel delivers an encoded command to the device and waits for its reply.
// A device-reported error must be a *models.Error of KindDeviceRejected carrying
// the device's reason; any other error is treated as a transport failure.
type Channel interface {
	Send(ctx context.Context, commandID string, frame []byte) (models.Ack, error)
}

// Gateway validates commands and dispatches them to a single device one at a time,
// in arrival order. It is the only writer to its Channel.
type Gateway struct {
	channel   Channel
	validator *Validator
	timeout   time.Duration
	logger    zerolog.Logger
	queue     chan *Ticket
	stopChan  chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
	newID     func() string

	// submit guards seq and stopped so that enqueue order matches seq order
	submit  sync.Mutex
	seq     uint64
	stopped bool

	// Stats
	mu           sync.RWMutex
	submitted    int64
	rejected     int64
	acknowledged int64
	failed       int64
	timedOut     int64
	cancelled    int64
	inFlight     string
	lastResult   time.Time
}

// Options holds gateway configuration
type Options struct {
	Timeout   time.Duration // per-command reply timeout (default: 3s)
	QueueSize int           // commands waiting behind the in-flight one (default: 32)
	Limits    Limits
}

// DefaultOptions returns sensible defaults
func DefaultOptions() Options {
	return Options{
		Timeout:   3 * time.Second,
		QueueSize: 32,
		Limits:    DefaultLimits(),
	}
}

// Stats contains statistics about the gateway
type Stats struct {
	Submitted    int64     `json:"submitted"`
	Rejected     int64     `json:"rejected"`
	Acknowledged int64     `json:"acknowledged"`
	Failed       int64     `json:"failed"`
	TimedOut     int64     `json:"timed_out"`
	Cancelled    int64     `json:"cancelled"`
	InFlight     string    `json:"in_flight,omitempty"`
	QueueLength  int       `json:"queue_length"`
	LastResult   time.Time `json:"last_result,omitempty"`
}

// NewGateway creates a gateway and starts its dispatch worker
func NewGateway(channel Channel, opts Options, logger zerolog.Logger) *Gateway {
	if opts.Timeout <= 0 {
		opts.Timeout = 3 * time.Second
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 32
	}
	if opts.Limits == (Limits{}) {
		opts.Limits = DefaultLimits()
	}

	g := &Gateway{
		channel:   channel,
		validator: NewValidator(opts.Limits),
		timeout:   opts.Timeout,
		logger:    logger,
		queue:     make(chan *Ticket, opts.QueueSize),
		stopChan:  make(chan struct{}),
		newID:     uuid.NewString,
	}

	g.wg.Add(1)
	go g.dispatchLoop()

	logger.Info().
		Dur("timeout", opts.Timeout).
		Int("queue_size", opts.QueueSize).
		Msg("Command gateway started")

	return g
}

// Submit validates cmd and queues it. Invalid commands never reach the device.
func (g *Gateway) Submit(cmd models.Command) (*Ticket, error) {
	if err := g.validator.Validate(&cmd); err != nil {
		g.mu.Lock()
		g.rejected++
		g.mu.Unlock()
		metrics.ObserveCommandResult(metrics.CommandResultInvalid, 0)
		g.logger.Debug().Err(err).Str("command", string(cmd.Kind)).Msg("command rejected")
		return nil, err
	}

	cmd.ID = g.newID()
	cmd.CreatedAt = time.Now()

	g.submit.Lock()
	defer g.submit.Unlock()

	if g.stopped {
		return nil, models.NewError(models.KindDeviceUnreachable, "command gateway stopped")
	}

	t := newTicket(cmd, g.seq+1)
	select {
	case g.queue <- t:
		g.seq++
	default:
		g.logger.Warn().Str("command", string(cmd.Kind)).Msg("command queue full, rejecting")
		return nil, models.NewError(models.KindDeviceUnreachable, "command queue full")
	}

	g.mu.Lock()
	g.submitted++
	g.mu.Unlock()

	metrics.IncCommandIssued()
	metrics.SetCommandQueueDepth(len(g.queue))
	g.logger.Debug().
		Str("id", cmd.ID).
		Str("command", string(cmd.Kind)).
		Uint64("seq", t.seq).
		Msg("command created")
	return t, nil
}

// Execute submits cmd and waits for its outcome, see Ticket.Wait
func (g *Gateway) Execute(ctx context.Context, cmd models.Command) (models.CommandResult, error) {
	t, err := g.Submit(cmd)
	if err != nil {
		return models.CommandResult{Kind: cmd.Kind, State: models.StateFailed}, err
	}

	return t.Wait(ctx)
}

// dispatchLoop is the single worker that owns the device channel
func (g *Gateway) dispatchLoop() {
	defer g.wg.Done()

	for {
		select {
		case t := <-g.queue:
			metrics.SetCommandQueueDepth(len(g.queue))
			if g.stopping() {
				g.cancelQueued(t)
				continue
			}
			g.dispatch(t)

		case <-g.stopChan:
			for {
				select {
				case t := <-g.queue:
					g.cancelQueued(t)
				default:
					metrics.SetCommandQueueDepth(0)
					g.logger.Info().Msg("Command gateway stopped")
					return
				}
			}
		}
	}
}

func (g *Gateway) stopping() bool {
	select {
	case <-g.stopChan:
		return true
	default:
		return false
	}
}

// cancelQueued withdraws a command that was never sent; the caller may already have cancelled it
func (g *Gateway) cancelQueued(t *Ticket) {
	_ = t.Cancel()
	g.record(t, models.StateCancelled)
}

// dispatch sends one command and waits for a reply, the timeout, or a transport failure
func (g *Gateway) dispatch(t *Ticket) {
	cmd := t.Command()
	sentAt := time.Now()
	if !t.markSent(sentAt) {
		g.record(t, models.StateCancelled)
		return
	}

	g.mu.Lock()
	g.inFlight = cmd.ID
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		g.inFlight = ""
		g.mu.Unlock()
	}()

	log := g.logger.With().Str("id", cmd.ID).Str("command", string(cmd.Kind)).Logger()
	log.Debug().Msg("command sent")

	frame, err := models.EncodeCommand(&cmd)
	if err != nil {
		g.complete(t, models.StateFailed, "", &models.Error{
			Kind: models.KindInvalidCommand, Message: "encode command", Err: err,
		}, sentAt, log)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), g.timeout)
	defer cancel()

	type reply struct {
		ack models.Ack
		err error
	}
	replies := make(chan reply, 1)
	go func() {
		ack, err := g.channel.Send(ctx, cmd.ID, frame)
		replies <- reply{ack: ack, err: err}
	}()

	var r reply
	select {
	case r = <-replies:
	case <-ctx.Done():
		r = reply{err: ctx.Err()}
	}

	switch {
	case r.err == nil:
		g.complete(t, models.StateAcknowledged, r.ack.Detail, nil, sentAt, log)

	case errors.Is(r.err, context.DeadlineExceeded):
		g.complete(t, models.StateTimedOut, "no acknowledgment within "+g.timeout.String(), &models.Error{
			Kind:    models.KindDeviceUnreachable,
			Message: "device did not acknowledge within " + g.timeout.String(),
			Err:     r.err,
		}, sentAt, log)

	case models.KindOf(r.err) == models.KindDeviceRejected:
		var reason string
		var de *models.Error
		if errors.As(r.err, &de) {
			reason = de.Reason
		}
		g.complete(t, models.StateFailed, reason, r.err, sentAt, log)

	default:
		g.complete(t, models.StateFailed, r.err.Error(), &models.Error{
			Kind:    models.KindDeviceUnreachable,
			Message: "device channel failed",
			Err:     r.err,
		}, sentAt, log)
	}
}

func (g *Gateway) complete(t *Ticket, state models.CommandState, detail string, err error, sentAt time.Time, log zerolog.Logger) {
	// counters first so Stats agrees with the outcome once Done is closed
	g.record(t, state)
	t.finish(state, detail, err)

	elapsed := time.Since(sentAt)
	metrics.ObserveCommandResult(resultLabel(state), elapsed)

	if err != nil {
		log.Warn().Err(err).Str("state", string(state)).Dur("elapsed", elapsed).Msg("command failed")
		return
	}
	log.Debug().Str("state", string(state)).Dur("elapsed", elapsed).Msg("command acknowledged")
}

func (g *Gateway) record(t *Ticket, state models.CommandState) {
	g.mu.Lock()
	defer g.mu.Unlock()
	switch state {
	case models.StateAcknowledged:
		g.acknowledged++
	case models.StateFailed:
		g.failed++
	case models.StateTimedOut:
		g.timedOut++
	case models.StateCancelled:
		g.cancelled++
	}
	g.lastResult = time.Now()
	if state == models.StateCancelled {
		metrics.ObserveCommandResult(metrics.CommandResultCancelled, 0)
		g.logger.Debug().Str("id", t.ID()).Msg("command cancelled")
	}
}

func resultLabel(state models.CommandState) string {
	switch state {
	case models.StateAcknowledged:
		return metrics.CommandResultAcked
	case models.StateTimedOut:
		return metrics.CommandResultTimeout
	case models.StateCancelled:
		return metrics.CommandResultCancelled
	}
	return metrics.CommandResultFailed
}

// Stop cancels queued commands and waits for the in-flight one to finish.
// Submit fails after Stop.
func (g *Gateway) Stop() {
	g.stopOnce.Do(func() {
		g.submit.Lock()
		g.stopped = true
		g.submit.Unlock()

		close(g.stopChan)
		g.wg.Wait()
	})
}

// Stats returns current gateway statistics
func (g *Gateway) Stats() Stats {
	g.mu.RLock()
	defer g.mu.RUnlock()

	return Stats{
		Submitted:    g.submitted,
		Rejected:     g.rejected,
		Acknowledged: g.acknowledged,
		Failed:       g.failed,
		TimedOut:     g.timedOut,
		Cancelled:    g.cancelled,
		InFlight:     g.inFlight,
		QueueLength:  len(g.queue),
		LastResult:   g.lastResult,
	}
}
