package server

import (
	"sync"

	"github.com/afroash/aerogrow/internal/command"
	"github.com/afroash/aerogrow/internal/models"
)

// CommandHistory is an in-memory ring of recently submitted commands so their
// outcome can be looked up after the control request returns
type CommandHistory struct {
	capacity int
	order    []string
	tickets  map[string]*command.Ticket
	mutex    sync.RWMutex
	total    int64
}

// NewCommandHistory creates a history holding at most capacity commands
func NewCommandHistory(capacity int) *CommandHistory {
	if capacity <= 0 {
		capacity = 100
	}
	return &CommandHistory{
		capacity: capacity,
		order:    make([]string, 0, capacity),
		tickets:  make(map[string]*command.Ticket, capacity),
	}
}

// Add records a ticket, evicting the oldest when full
func (h *CommandHistory) Add(t *command.Ticket) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if len(h.order) >= h.capacity {
		oldest := h.order[0]
		h.order = h.order[1:] // Remove oldest
		delete(h.tickets, oldest)
	}
	h.order = append(h.order, t.ID())
	h.tickets[t.ID()] = t
	h.total++
}

// Get returns the ticket for id
func (h *CommandHistory) Get(id string) (*command.Ticket, bool) {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	t, ok := h.tickets[id]
	return t, ok
}

// Recent returns up to n results, newest first
func (h *CommandHistory) Recent(n int) []models.CommandResult {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	start := len(h.order) - n
	if n <= 0 || start < 0 {
		start = 0
	}

	result := make([]models.CommandResult, 0, len(h.order)-start)
	for i := len(h.order) - 1; i >= start; i-- {
		res, _ := h.tickets[h.order[i]].Result()
		result = append(result, res)
	}
	return result
}

// HistoryStats contains statistics about the history
type HistoryStats struct {
	Retained int   `json:"retained"`
	Capacity int   `json:"capacity"`
	Total    int64 `json:"total"`
}

// Stats returns statistics about the history
func (h *CommandHistory) Stats() HistoryStats {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return HistoryStats{Retained: len(h.order), Capacity: h.capacity, Total: h.total}
}
