// Package events fans bench lifecycle notifications out to subscribers:
// the status API streams them over SSE, and slow subscribers never stall
// a calibration session.
package events

import (
	"encoding/json"
	"sync"
	"time"
)

type Hub struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
}

func NewHub() *Hub { return &Hub{subs: make(map[chan Event]struct{})} }

func (h *Hub) Subscribe() chan Event {
	ch := make(chan Event, 16)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *Hub) Unsubscribe(ch chan Event) {
	h.mu.Lock()
	if _, ok := h.subs[ch]; ok {
		delete(h.subs, ch)
		close(ch)
	}
	h.mu.Unlock()
}

func (h *Hub) Publish(name string, payload any) {
	if h == nil {
		return
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return
	}
	msg := Event{Name: name, Data: b}
	h.mu.RLock()
	for ch := range h.subs {
		// Non-blocking send; drop if subscriber is slow
		select {
		case ch <- msg:
		default:
		}
	}
	h.mu.RUnlock()
}

// PublishSession emits a session lifecycle event. A nil hub is a no-op,
// so callers need no guard.
func (h *Hub) PublishSession(name, sessionID, state, reason string) {
	h.Publish(name, SessionEvent{
		SessionID: sessionID,
		State:     state,
		Reason:    reason,
		Ts:        time.Now().Unix(),
	})
}

// PublishStep emits a step lifecycle event.
func (h *Hub) PublishStep(name, sessionID, kind string, pass bool, reason string) {
	h.Publish(name, StepEvent{
		SessionID: sessionID,
		Kind:      kind,
		Pass:      pass,
		Reason:    reason,
		Ts:        time.Now().Unix(),
	})
}
