package command

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/afroash/aerogrow/internal/models"
)

type sentCommand struct {
	id    string
	kind  models.CommandKind
	value json.RawMessage
}

// fakeChannel records every Send and answers with handle (ack by default)
type fakeChannel struct {
	mu     sync.Mutex
	calls  []sentCommand
	handle func(ctx context.Context, msg models.CommandMessage) (models.Ack, error)

	active    int32
	maxActive int32
}

func (f *fakeChannel) Send(ctx context.Context, commandID string, frame []byte) (models.Ack, error) {
	n := atomic.AddInt32(&f.active, 1)
	defer atomic.AddInt32(&f.active, -1)
	for {
		max := atomic.LoadInt32(&f.maxActive)
		if n <= max || atomic.CompareAndSwapInt32(&f.maxActive, max, n) {
			break
		}
	}

	msg, err := models.DecodeMessage(frame)
	if err != nil {
		return models.Ack{}, err
	}
	var cm models.CommandMessage
	if err := msg.UnmarshalPayload(&cm); err != nil {
		return models.Ack{}, err
	}

	f.mu.Lock()
	f.calls = append(f.calls, sentCommand{id: commandID, kind: cm.Command, value: cm.Value})
	handle := f.handle
	f.mu.Unlock()

	if handle != nil {
		return handle(ctx, cm)
	}
	return models.Ack{CommandID: commandID, Detail: "ok", ReceivedAt: time.Now()}, nil
}

func (f *fakeChannel) sent() []sentCommand {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentCommand(nil), f.calls...)
}

func newTestGateway(t *testing.T, ch Channel, timeout time.Duration) *Gateway {
	t.Helper()
	opts := DefaultOptions()
	opts.Timeout = timeout
	g := NewGateway(ch, opts, zerolog.Nop())
	t.Cleanup(g.Stop)
	return g
}

func cmd(kind models.CommandKind, value string) models.Command {
	c := models.Command{Kind: kind}
	if value != "" {
		c.Value = json.RawMessage(value)
	}
	return c
}

func waitDone(t *testing.T, tk *Ticket, within time.Duration) (models.CommandResult, error) {
	t.Helper()
	select {
	case <-tk.Done():
	case <-time.After(within):
		t.Fatalf("command %s did not finish within %v (state %s)", tk.ID(), within, tk.State())
	}
	return tk.Result()
}

func TestGateway_Acknowledged(t *testing.T) {
	ch := &fakeChannel{}
	g := newTestGateway(t, ch, time.Second)

	res, err := g.Execute(context.Background(), cmd(models.CommandDoseNutrient, `50`))
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if res.State != models.StateAcknowledged {
		t.Errorf("State = %v, want acknowledged", res.State)
	}
	if res.Detail != "ok" {
		t.Errorf("Detail = %q, want ok", res.Detail)
	}
	if res.ID == "" || res.SentAt.IsZero() || res.CompletedAt.IsZero() {
		t.Errorf("result missing id or timestamps: %+v", res)
	}

	stats := g.Stats()
	if stats.Submitted != 1 || stats.Acknowledged != 1 {
		t.Errorf("Stats = %+v", stats)
	}
}

func TestGateway_InvalidDoseNeverReachesDevice(t *testing.T) {
	ch := &fakeChannel{}
	g := newTestGateway(t, ch, time.Second)

	for _, value := range []string{`0`, `-10`, `1501`, `99999`, `"abc"`, `null`, ``} {
		_, err := g.Submit(cmd(models.CommandDoseNutrient, value))
		if models.KindOf(err) != models.KindInvalidCommand {
			t.Errorf("dose %q: err = %v, want invalid_command", value, err)
		}
	}

	// a valid command afterwards proves the worker is idle, not just slow
	if _, err := g.Execute(context.Background(), cmd(models.CommandStopMisting, `true`)); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	calls := ch.sent()
	if len(calls) != 1 || calls[0].kind != models.CommandStopMisting {
		t.Errorf("channel calls = %+v, want only stop_misting", calls)
	}
	if got := g.Stats().Rejected; got != 7 {
		t.Errorf("Rejected = %d, want 7", got)
	}
}

func TestGateway_DeviceReceivesValidatedValue(t *testing.T) {
	ch := &fakeChannel{}
	g := newTestGateway(t, ch, time.Second)

	tests := []struct {
		kind  models.CommandKind
		input string
		wire  string
	}{
		{models.CommandCalibrate, `"  PH "`, `"ph"`},
		{models.CommandCalibrate, ``, `"all"`},
		{models.CommandDoseNutrient, `" 50 "`, `50`},
		{models.CommandDoseNutrient, `850.5`, `850.5`},
		{models.CommandStartMisting, `"30"`, `30`},
		{models.CommandStartMisting, `null`, `null`},
		{models.CommandStopMisting, `true`, `null`},
	}
	for _, tt := range tests {
		if _, err := g.Execute(context.Background(), cmd(tt.kind, tt.input)); err != nil {
			t.Fatalf("%s %s: Execute failed: %v", tt.kind, tt.input, err)
		}
	}

	calls := ch.sent()
	if len(calls) != len(tests) {
		t.Fatalf("channel saw %d commands, want %d", len(calls), len(tests))
	}
	for i, tt := range tests {
		if got := string(calls[i].value); got != tt.wire {
			t.Errorf("%s %s reached the device as %s, want %s", tt.kind, tt.input, got, tt.wire)
		}
	}
}

func TestGateway_DeviceRejected(t *testing.T) {
	ch := &fakeChannel{handle: func(ctx context.Context, msg models.CommandMessage) (models.Ack, error) {
		return models.Ack{}, &models.Error{
			Kind:    models.KindDeviceRejected,
			Message: "device error",
			Reason:  "pump busy: misting cycle active",
		}
	}}
	g := newTestGateway(t, ch, time.Second)

	res, err := g.Execute(context.Background(), cmd(models.CommandCalibrate, `null`))
	if models.KindOf(err) != models.KindDeviceRejected {
		t.Fatalf("err = %v, want device_rejected", err)
	}
	if res.State != models.StateFailed {
		t.Errorf("State = %v, want failed", res.State)
	}
	if res.Detail != "pump busy: misting cycle active" {
		t.Errorf("Detail = %q, want device reason verbatim", res.Detail)
	}
}

func TestGateway_TransportFailure(t *testing.T) {
	ch := &fakeChannel{handle: func(ctx context.Context, msg models.CommandMessage) (models.Ack, error) {
		return models.Ack{}, errors.New("no device connected")
	}}
	g := newTestGateway(t, ch, time.Second)

	res, err := g.Execute(context.Background(), cmd(models.CommandStopMisting, ``))
	if models.KindOf(err) != models.KindDeviceUnreachable {
		t.Fatalf("err = %v, want device_unreachable", err)
	}
	if res.State != models.StateFailed {
		t.Errorf("State = %v, want failed", res.State)
	}
}

func TestGateway_TimeoutIsExact(t *testing.T) {
	const timeout = 150 * time.Millisecond

	tests := []struct {
		name   string
		handle func(release <-chan struct{}) func(ctx context.Context, msg models.CommandMessage) (models.Ack, error)
	}{
		{
			name: "channel honours ctx",
			handle: func(<-chan struct{}) func(ctx context.Context, msg models.CommandMessage) (models.Ack, error) {
				return func(ctx context.Context, msg models.CommandMessage) (models.Ack, error) {
					<-ctx.Done()
					return models.Ack{}, ctx.Err()
				}
			},
		},
		{
			name: "channel ignores ctx",
			handle: func(release <-chan struct{}) func(ctx context.Context, msg models.CommandMessage) (models.Ack, error) {
				return func(ctx context.Context, msg models.CommandMessage) (models.Ack, error) {
					<-release
					return models.Ack{}, nil
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			release := make(chan struct{})
			defer close(release)

			ch := &fakeChannel{handle: tt.handle(release)}
			g := newTestGateway(t, ch, timeout)

			tk, err := g.Submit(cmd(models.CommandDoseNutrient, `50`))
			if err != nil {
				t.Fatalf("Submit failed: %v", err)
			}
			res, err := waitDone(t, tk, 2*time.Second)

			if res.State != models.StateTimedOut {
				t.Errorf("State = %v, want timed_out", res.State)
			}
			if models.KindOf(err) != models.KindDeviceUnreachable {
				t.Errorf("err = %v, want device_unreachable", err)
			}
			elapsed := res.CompletedAt.Sub(res.SentAt)
			if elapsed < timeout {
				t.Errorf("timed out after %v, before the %v timeout", elapsed, timeout)
			}
			if elapsed > timeout+100*time.Millisecond {
				t.Errorf("timed out after %v, well past the %v timeout", elapsed, timeout)
			}
		})
	}
}

func TestGateway_SecondCommandWaitsForFirst(t *testing.T) {
	release := make(chan struct{})
	ch := &fakeChannel{handle: func(ctx context.Context, msg models.CommandMessage) (models.Ack, error) {
		if msg.Command == models.CommandDoseNutrient {
			<-release
		}
		return models.Ack{Detail: string(msg.Command)}, nil
	}}
	g := newTestGateway(t, ch, 2*time.Second)

	dose, err := g.Submit(cmd(models.CommandDoseNutrient, `50`))
	if err != nil {
		t.Fatalf("Submit dose failed: %v", err)
	}
	// wait until the dose is in flight
	deadline := time.Now().Add(time.Second)
	for dose.State() != models.StateSent {
		if time.Now().After(deadline) {
			t.Fatalf("dose never sent, state %s", dose.State())
		}
		time.Sleep(5 * time.Millisecond)
	}

	calibrate, err := g.Submit(cmd(models.CommandCalibrate, `null`))
	if err != nil {
		t.Fatalf("Submit calibrate failed: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	if calibrate.State() != models.StateCreated {
		t.Errorf("calibrate state = %v while dose in flight, want created", calibrate.State())
	}
	if n := len(ch.sent()); n != 1 {
		t.Errorf("channel calls = %d while dose in flight, want 1", n)
	}

	close(release)
	doseRes, _ := waitDone(t, dose, time.Second)
	calRes, err := waitDone(t, calibrate, time.Second)
	if err != nil {
		t.Fatalf("calibrate failed: %v", err)
	}

	if calRes.State != models.StateAcknowledged {
		t.Errorf("calibrate state = %v, want acknowledged", calRes.State)
	}
	if calRes.SentAt.Before(doseRes.CompletedAt) {
		t.Errorf("calibrate sent at %v before dose completed at %v", calRes.SentAt, doseRes.CompletedAt)
	}
	calls := ch.sent()
	if len(calls) != 2 || calls[0].kind != models.CommandDoseNutrient || calls[1].kind != models.CommandCalibrate {
		t.Errorf("channel calls = %+v, want dose then calibrate", calls)
	}
}

func TestGateway_ConcurrentSubmitsAreFIFO(t *testing.T) {
	ch := &fakeChannel{handle: func(ctx context.Context, msg models.CommandMessage) (models.Ack, error) {
		time.Sleep(2 * time.Millisecond)
		return models.Ack{}, nil
	}}
	g := newTestGateway(t, ch, time.Second)

	const n = 20
	tickets := make(chan *Ticket, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			kind := models.CommandStopMisting
			if i%2 == 0 {
				kind = models.CommandCalibrate
			}
			tk, err := g.Submit(cmd(kind, ``))
			if err != nil {
				t.Errorf("Submit failed: %v", err)
				return
			}
			tickets <- tk
		}(i)
	}
	wg.Wait()
	close(tickets)

	seqByID := make(map[string]uint64)
	for tk := range tickets {
		seqByID[tk.ID()] = tk.Seq()
		waitDone(t, tk, 2*time.Second)
	}

	calls := ch.sent()
	if len(calls) != n {
		t.Fatalf("channel calls = %d, want %d", len(calls), n)
	}
	for i := 1; i < len(calls); i++ {
		if seqByID[calls[i].id] <= seqByID[calls[i-1].id] {
			t.Errorf("call %d has seq %d after seq %d: not in arrival order",
				i, seqByID[calls[i].id], seqByID[calls[i-1].id])
		}
	}
	if max := atomic.LoadInt32(&ch.maxActive); max != 1 {
		t.Errorf("max concurrent sends = %d, want 1", max)
	}
}

func TestGateway_Cancel(t *testing.T) {
	release := make(chan struct{})
	ch := &fakeChannel{handle: func(ctx context.Context, msg models.CommandMessage) (models.Ack, error) {
		if msg.Command == models.CommandDoseNutrient {
			<-release
		}
		return models.Ack{}, nil
	}}
	g := newTestGateway(t, ch, 2*time.Second)

	dose, _ := g.Submit(cmd(models.CommandDoseNutrient, `50`))
	for dose.State() != models.StateSent {
		time.Sleep(5 * time.Millisecond)
	}
	calibrate, _ := g.Submit(cmd(models.CommandCalibrate, ``))

	if err := dose.Cancel(); err == nil {
		t.Error("Cancel should fail once the command is sent")
	}
	if err := calibrate.Cancel(); err != nil {
		t.Fatalf("Cancel of a queued command failed: %v", err)
	}

	res, err := waitDone(t, calibrate, time.Second)
	if res.State != models.StateCancelled || models.KindOf(err) != models.KindCancelled {
		t.Errorf("calibrate = %v/%v, want cancelled", res.State, err)
	}

	close(release)
	doseRes, err := waitDone(t, dose, time.Second)
	if err != nil || doseRes.State != models.StateAcknowledged {
		t.Errorf("dose = %v/%v, want acknowledged after a refused cancel", doseRes.State, err)
	}

	// drain: the worker skips the cancelled ticket
	if _, err := g.Execute(context.Background(), cmd(models.CommandStopMisting, ``)); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	for _, c := range ch.sent() {
		if c.kind == models.CommandCalibrate {
			t.Error("cancelled command reached the device")
		}
	}
	if got := g.Stats().Cancelled; got != 1 {
		t.Errorf("Cancelled = %d, want 1", got)
	}
}

func TestGateway_ExecuteContextCancelledWhileQueued(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	ch := &fakeChannel{handle: func(ctx context.Context, msg models.CommandMessage) (models.Ack, error) {
		<-release
		return models.Ack{}, nil
	}}
	g := newTestGateway(t, ch, 5*time.Second)

	first, _ := g.Submit(cmd(models.CommandDoseNutrient, `10`))
	for first.State() != models.StateSent {
		time.Sleep(5 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	res, err := g.Execute(ctx, cmd(models.CommandCalibrate, ``))
	if res.State != models.StateCancelled || models.KindOf(err) != models.KindCancelled {
		t.Errorf("Execute = %v/%v, want cancelled", res.State, err)
	}
}

func TestGateway_QueueFull(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	ch := &fakeChannel{handle: func(ctx context.Context, msg models.CommandMessage) (models.Ack, error) {
		<-release
		return models.Ack{}, nil
	}}
	opts := DefaultOptions()
	opts.QueueSize = 1
	opts.Timeout = 5 * time.Second
	g := NewGateway(ch, opts, zerolog.Nop())
	defer g.Stop()

	first, _ := g.Submit(cmd(models.CommandStopMisting, ``))
	for first.State() != models.StateSent {
		time.Sleep(5 * time.Millisecond)
	}
	if _, err := g.Submit(cmd(models.CommandStopMisting, ``)); err != nil {
		t.Fatalf("second Submit should queue: %v", err)
	}
	_, err := g.Submit(cmd(models.CommandStopMisting, ``))
	if models.KindOf(err) != models.KindDeviceUnreachable {
		t.Errorf("third Submit err = %v, want device_unreachable (queue full)", err)
	}
}

func TestGateway_StopCancelsQueued(t *testing.T) {
	release := make(chan struct{})
	ch := &fakeChannel{handle: func(ctx context.Context, msg models.CommandMessage) (models.Ack, error) {
		<-release
		return models.Ack{}, nil
	}}
	opts := DefaultOptions()
	g := NewGateway(ch, opts, zerolog.Nop())

	first, _ := g.Submit(cmd(models.CommandStopMisting, ``))
	for first.State() != models.StateSent {
		time.Sleep(5 * time.Millisecond)
	}
	queued, _ := g.Submit(cmd(models.CommandCalibrate, ``))

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(release)
	}()
	g.Stop()

	if first.State() != models.StateAcknowledged {
		t.Errorf("in-flight command state = %v, want acknowledged", first.State())
	}
	if queued.State() != models.StateCancelled {
		t.Errorf("queued command state = %v, want cancelled", queued.State())
	}
	if _, err := g.Submit(cmd(models.CommandStopMisting, ``)); err == nil {
		t.Error("Submit after Stop should fail")
	}
}
