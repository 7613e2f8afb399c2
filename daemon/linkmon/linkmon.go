// Package linkmon multiplexes link readiness onto a single goroutine.
//
// A link is anything that signals readiness on a channel: the kernel
// connector socket or a group handle. Callbacks of all links, and functions
// passed to Do, run one at a time on the goroutine executing Run, so the
// state they touch needs no locking.
package linkmon

import (
	"context"
	"sync"

	"github.com/containerd/log"
	"github.com/pkg/errors"
)

// Callback is issued when a link is ready.
type Callback func(ctx context.Context) error

type link struct {
	name  string
	ready <-chan struct{}
	cb    Callback
	stop  chan struct{}
}

// Monitor is the event loop.
type Monitor struct {
	mu    sync.Mutex
	links map[string]*link

	fire  chan *link
	calls chan func(context.Context)
}

// New returns a Monitor with no links.
func New() *Monitor {
	return &Monitor{
		links: make(map[string]*link),
		fire:  make(chan *link),
		calls: make(chan func(context.Context)),
	}
}

// Register adds a link. cb is issued on the loop goroutine each time ready
// is signalled. Registering a name twice replaces the first link.
func (m *Monitor) Register(name string, ready <-chan struct{}, cb Callback) {
	l := &link{name: name, ready: ready, cb: cb, stop: make(chan struct{})}

	m.mu.Lock()
	if old, ok := m.links[name]; ok {
		close(old.stop)
	}
	m.links[name] = l
	m.mu.Unlock()

	go m.forward(l)
}

// Unregister removes a link. No callback of the link is issued after
// Unregister returns, even when called from within that callback.
func (m *Monitor) Unregister(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.links[name]; ok {
		close(l.stop)
		delete(m.links, name)
	}
}

// Links returns the names of the registered links.
func (m *Monitor) Links() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.links))
	for n := range m.links {
		names = append(names, n)
	}
	return names
}

func (m *Monitor) forward(l *link) {
	for {
		select {
		case <-l.ready:
		case <-l.stop:
			return
		}
		select {
		case m.fire <- l:
		case <-l.stop:
			return
		}
	}
}

func (m *Monitor) registered(l *link) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.links[l.name] == l
}

// Run dispatches until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case l := <-m.fire:
			if !m.registered(l) {
				continue
			}
			if err := l.cb(ctx); err != nil {
				log.G(ctx).WithError(err).WithField("link", l.name).Error("Link callback failed")
			}
		case fn := <-m.calls:
			fn(ctx)
		}
	}
}

// Do runs fn on the loop goroutine and waits for it to return. It must not
// be called from the loop goroutine.
func (m *Monitor) Do(ctx context.Context, fn func(context.Context)) error {
	done := make(chan struct{})
	wrapped := func(ctx context.Context) {
		defer close(done)
		fn(ctx)
	}
	select {
	case m.calls <- wrapped:
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "event loop not running")
	}
	<-done
	return nil
}
