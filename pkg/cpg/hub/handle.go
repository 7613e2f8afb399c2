package hub

import (
	"sync"

	"github.com/moby/cmirrord/pkg/cpg"
)

type event struct {
	deliver bool
	sender  cpg.NodeID
	data    []byte

	members, left, joined []cpg.Member
}

// handle is one membership of a group. Events are queued by the hub and
// drained by Dispatch.
type handle struct {
	hub   *Hub
	node  cpg.NodeID
	group *group
	cb    cpg.Callbacks
	ready chan struct{}

	// left is guarded by hub.mu.
	left bool

	mu     sync.Mutex
	events []event
	closed bool
}

func (hd *handle) push(ev event) {
	hd.mu.Lock()
	if !hd.closed {
		hd.events = append(hd.events, ev)
	}
	hd.mu.Unlock()
	select {
	case hd.ready <- struct{}{}:
	default:
	}
}

func (hd *handle) pending() int {
	hd.mu.Lock()
	defer hd.mu.Unlock()
	return len(hd.events)
}

func (hd *handle) Multicast(data []byte) error {
	return hd.hub.multicast(hd, data)
}

func (hd *handle) Leave() error {
	return hd.hub.leave(hd)
}

func (hd *handle) Ready() <-chan struct{} {
	return hd.ready
}

// Dispatch issues callbacks for the events queued so far. Events queued
// by the callbacks themselves wait for the next call.
func (hd *handle) Dispatch() error {
	hd.mu.Lock()
	if hd.closed {
		hd.mu.Unlock()
		return cpg.ErrNotJoined
	}
	events := hd.events
	hd.events = nil
	hd.mu.Unlock()

	for _, ev := range events {
		if ev.deliver {
			hd.cb.Deliver(ev.sender, ev.data)
		} else {
			hd.cb.ConfigChange(ev.members, ev.left, ev.joined)
		}
	}
	return nil
}

// Close discards pending events. A handle still in its group is removed as
// if its process died.
func (hd *handle) Close() error {
	hd.hub.mu.Lock()
	if !hd.left {
		hd.hub.removeLocked(hd, cpg.ReasonProcDown, false)
	}
	hd.hub.mu.Unlock()

	hd.mu.Lock()
	hd.closed = true
	hd.events = nil
	hd.mu.Unlock()
	return nil
}
