// Package dispatcher provides in-process named-signal publish/subscribe,
// used to push monitor contact updates to any interested component.
package dispatcher

import "sync"

// Handler receives the payload published on a signal.
type Handler func(payload interface{})

// Subscription represents an active signal subscription.
type Subscription interface {
	Unsubscribe()
}

type subscriberEntry struct {
	subID   int
	handler Handler
}

// Dispatcher routes payloads from Send to every handler connected to the
// same signal name. Safe for concurrent use.
type Dispatcher struct {
	mu          sync.RWMutex
	subscribers map[string][]subscriberEntry
	nextSubID   int
}

// New creates an empty dispatcher
func New() *Dispatcher {
	return &Dispatcher{
		subscribers: make(map[string][]subscriberEntry),
	}
}

// Connect registers handler for the named signal
func (d *Dispatcher) Connect(signal string, handler Handler) Subscription {
	d.mu.Lock()
	defer d.mu.Unlock()

	subID := d.nextSubID
	d.nextSubID++
	d.subscribers[signal] = append(d.subscribers[signal], subscriberEntry{
		subID:   subID,
		handler: handler,
	})

	return &subscription{signal: signal, subID: subID, dispatcher: d}
}

// Send delivers payload to every handler connected to signal. Handlers run
// synchronously on the caller's goroutine; a signal with no subscribers is a
// no-op.
func (d *Dispatcher) Send(signal string, payload interface{}) {
	d.mu.RLock()
	entries := append([]subscriberEntry(nil), d.subscribers[signal]...)
	d.mu.RUnlock()

	for _, entry := range entries {
		entry.handler(payload)
	}
}

type subscription struct {
	signal     string
	subID      int
	dispatcher *Dispatcher
}

func (s *subscription) Unsubscribe() {
	d := s.dispatcher
	d.mu.Lock()
	defer d.mu.Unlock()

	entries := d.subscribers[s.signal]
	for i, entry := range entries {
		if entry.subID == s.subID {
			d.subscribers[s.signal] = append(entries[:i], entries[i+1:]...)
			if len(d.subscribers[s.signal]) == 0 {
				delete(d.subscribers, s.signal)
			}
			break
		}
	}
}
