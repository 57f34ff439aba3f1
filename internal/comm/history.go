package comm

import (
	"sync"
	"time"
)

// HistoryQuery filters a workflow's message log. Zero fields match all.
type HistoryQuery struct {
	Type  MessageType
	Role  string // matches sender or recipient
	Since time.Time
	Limit int // keep the most recent N matches
}

func (q HistoryQuery) match(m Message) bool {
	if q.Type != "" && m.Type != q.Type {
		return false
	}
	if q.Role != "" && m.From != q.Role && m.To != q.Role {
		return false
	}
	if !q.Since.IsZero() && m.Timestamp.Before(q.Since) {
		return false
	}
	return true
}

// ring is a fixed-capacity log that evicts the oldest entry when full.
type ring struct {
	buf   []Message
	start int
	n     int
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]Message, capacity)}
}

func (r *ring) push(m Message) {
	if r.n < len(r.buf) {
		r.buf[(r.start+r.n)%len(r.buf)] = m
		r.n++
		return
	}
	r.buf[r.start] = m
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) each(fn func(Message)) {
	for i := 0; i < r.n; i++ {
		fn(r.buf[(r.start+i)%len(r.buf)])
	}
}

// historyLog keeps a bounded message log per workflow.
type historyLog struct {
	mu       sync.RWMutex
	capacity int
	logs     map[string]*ring
}

func newHistoryLog(capacity int) *historyLog {
	return &historyLog{capacity: capacity, logs: make(map[string]*ring)}
}

func (h *historyLog) append(m Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.logs[m.WorkflowID]
	if !ok {
		r = newRing(h.capacity)
		h.logs[m.WorkflowID] = r
	}
	r.push(m)
}

func (h *historyLog) query(workflowID string, q HistoryQuery) []Message {
	h.mu.RLock()
	defer h.mu.RUnlock()
	r, ok := h.logs[workflowID]
	if !ok {
		return nil
	}
	var out []Message
	r.each(func(m Message) {
		if q.match(m) {
			out = append(out, m)
		}
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[len(out)-q.Limit:]
	}
	return out
}

func (h *historyLog) forget(workflowID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.logs, workflowID)
}
