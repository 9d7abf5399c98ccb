// Package navigation is the single adapter through which route changes flow.
// Both host-reported navigations (user taps, back/forward) and programmatic
// navigations issued by the agent pass through Router, which performs the
// change and notifies listeners.
package navigation

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"sessionkeeper/internal/errs"
)

// Kind describes how the route changed.
type Kind string

const (
	KindPush    Kind = "push"
	KindReplace Kind = "replace"
	KindPop     Kind = "pop"
)

// Change is a single route change notification.
type Change struct {
	Path         string    `json:"path"`
	Kind         Kind      `json:"kind"`
	Programmatic bool      `json:"programmatic"`
	At           time.Time `json:"at"`
}

// Router tracks the visible path.
type Router struct {
	mu        sync.RWMutex
	current   string
	next      uint64
	listeners map[uint64]func(Change)
	now       func() time.Time
}

// NewRouter starts at initial (defaulting to "/").
func NewRouter(initial string) *Router {
	path, err := NormalizePath(initial)
	if err != nil {
		path = "/"
	}
	return &Router{current: path, listeners: make(map[uint64]func(Change)), now: time.Now}
}

// NormalizePath reduces a path or URL to its path component.
func NormalizePath(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errs.New(errs.ErrCodeInvalidInput, "path is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", errs.Wrap(err, errs.ErrCodeInvalidInput, fmt.Sprintf("invalid path %q", raw))
	}
	path := u.Path
	if path == "" {
		path = "/"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return path, nil
}

// CurrentPath returns the visible path.
func (r *Router) CurrentPath() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// Navigate performs a programmatic push navigation.
func (r *Router) Navigate(path string) error {
	return r.apply(path, KindPush, true)
}

// Observe records a navigation the host already performed.
func (r *Router) Observe(path string, kind Kind) error {
	switch kind {
	case KindPush, KindReplace, KindPop:
	case "":
		kind = KindPush
	default:
		return errs.New(errs.ErrCodeInvalidInput, fmt.Sprintf("unknown navigation kind %q", kind))
	}
	return r.apply(path, kind, false)
}

// OnRouteChange registers fn for every route change. The returned disposer
// may be called more than once.
func (r *Router) OnRouteChange(fn func(Change)) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	id := r.next
	r.listeners[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.listeners, id)
			r.mu.Unlock()
		})
	}
}

// Listeners reports how many listeners are registered.
func (r *Router) Listeners() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.listeners)
}

func (r *Router) apply(raw string, kind Kind, programmatic bool) error {
	path, err := NormalizePath(raw)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.current = path
	change := Change{Path: path, Kind: kind, Programmatic: programmatic, At: r.now()}
	targets := make([]func(Change), 0, len(r.listeners))
	for _, fn := range r.listeners {
		targets = append(targets, fn)
	}
	r.mu.Unlock()

	for _, fn := range targets {
		fn(change)
	}
	return nil
}
