// Package platform carries OS-level signals from the storefront shell
// (network online/offline notifications and app visibility changes) to the
// components that react to them.
package platform

import (
	"fmt"
	"sync"
	"time"

	"sessionkeeper/internal/errs"
)

// Kind names a platform signal.
type Kind string

const (
	KindOnline     Kind = "online"
	KindOffline    Kind = "offline"
	KindForeground Kind = "foreground"
	KindBackground Kind = "background"
)

// ParseKind validates a signal name received from the shell.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case KindOnline, KindOffline, KindForeground, KindBackground:
		return k, nil
	default:
		return "", errs.New(errs.ErrCodeInvalidInput, fmt.Sprintf("unknown platform event %q", s))
	}
}

// Event is a single platform signal.
type Event struct {
	Kind Kind      `json:"kind"`
	At   time.Time `json:"at"`
}

// Bus fans platform events out to listeners and remembers the last
// OS-reported online flag.
type Bus struct {
	mu        sync.RWMutex
	online    bool
	visible   bool
	closed    bool
	next      uint64
	listeners map[uint64]func(Event)
}

// NewBus creates a bus whose OS-reported online flag starts at online.
func NewBus(online bool) *Bus {
	return &Bus{online: online, visible: true, listeners: make(map[uint64]func(Event))}
}

// Online returns the last OS-reported online flag.
func (b *Bus) Online() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.online
}

// Visible reports whether the app is in the foreground.
func (b *Bus) Visible() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.visible
}

// Subscribe registers fn for every future event. The returned disposer
// removes the listener and may be called more than once.
func (b *Bus) Subscribe(fn func(Event)) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, errs.New(errs.ErrCodeNotRunning, "platform bus closed")
	}
	b.next++
	id := b.next
	b.listeners[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.listeners, id)
			b.mu.Unlock()
		})
	}, nil
}

// Publish records the event and delivers it synchronously to every listener.
func (b *Bus) Publish(e Event) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	switch e.Kind {
	case KindOnline:
		b.online = true
	case KindOffline:
		b.online = false
	case KindForeground:
		b.visible = true
	case KindBackground:
		b.visible = false
	}
	targets := make([]func(Event), 0, len(b.listeners))
	for _, fn := range b.listeners {
		targets = append(targets, fn)
	}
	b.mu.Unlock()

	for _, fn := range targets {
		fn(e)
	}
}

// Listeners reports how many listeners are registered.
func (b *Bus) Listeners() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners)
}

// Close drops every listener and rejects further subscriptions.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.listeners = make(map[uint64]func(Event))
}
