package command

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/afroash/aerogrow/internal/models"
)

// Ticket tracks one submitted Command through its lifecycle
type Ticket struct {
	cmd models.Command
	seq uint64

	mu     sync.Mutex
	result models.CommandResult
	err    error
	done   chan struct{}
}

func newTicket(cmd models.Command, seq uint64) *Ticket {
	return &Ticket{
		cmd: cmd,
		seq: seq,
		result: models.CommandResult{
			ID:        cmd.ID,
			Kind:      cmd.Kind,
			State:     models.StateCreated,
			CreatedAt: cmd.CreatedAt,
		},
		done: make(chan struct{}),
	}
}

// ID returns the command ID
func (t *Ticket) ID() string { return t.cmd.ID }

// Command returns the validated command
func (t *Ticket) Command() models.Command { return t.cmd }

// Seq is the command's position in the gateway's arrival order
func (t *Ticket) Seq() uint64 { return t.seq }

// State returns the current lifecycle state
func (t *Ticket) State() models.CommandState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.result.State
}

// Done is closed once the command reaches a terminal state
func (t *Ticket) Done() <-chan struct{} { return t.done }

// Result returns the current snapshot. The error is nil until a terminal
// failure is recorded.
func (t *Ticket) Result() (models.CommandResult, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.result, t.err
}

// Cancel withdraws the command if it has not been sent yet. Once sent, the
// device may already be acting on it, so Cancel fails and the outcome is
// reported through Done as usual.
func (t *Ticket) Cancel() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.result.State != models.StateCreated {
		return fmt.Errorf("command %s is %s and can no longer be cancelled", t.cmd.ID, t.result.State)
	}
	t.finishLocked(models.StateCancelled, "cancelled before dispatch",
		models.NewError(models.KindCancelled, "command %s cancelled before dispatch", t.cmd.ID))
	return nil
}

// Wait blocks until the command finishes. If ctx ends while the command is still
// queued it is cancelled; once sent, Wait keeps waiting for the terminal state.
func (t *Ticket) Wait(ctx context.Context) (models.CommandResult, error) {
	select {
	case <-t.done:
	case <-ctx.Done():
		if t.Cancel() != nil {
			<-t.done
		}
	}
	return t.Result()
}

// markSent moves Created -> Sent. It returns false if the ticket was cancelled first.
func (t *Ticket) markSent(at time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.result.State != models.StateCreated {
		return false
	}
	t.result.State = models.StateSent
	t.result.SentAt = at
	return true
}

func (t *Ticket) finish(state models.CommandState, detail string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.finishLocked(state, detail, err)
}

func (t *Ticket) finishLocked(state models.CommandState, detail string, err error) {
	if t.result.State.IsTerminal() {
		return
	}
	t.result.State = state
	t.result.Detail = detail
	t.result.CompletedAt = time.Now()
	t.err = err
	close(t.done)
}
