// Package hub is an in-process closed process group sequencer. Every group
// operation passes through the hub under one lock, which gives all members
// of a group the same total order of messages and membership changes.
package hub

import (
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/moby/cmirrord/pkg/cpg"
)

// DefaultQueueLen bounds the undispatched events of a member. A multicast
// that would exceed it for a member other than the sender fails with
// cpg.ErrTryAgain.
const DefaultQueueLen = 1024

// Hub sequences groups.
type Hub struct {
	mu       sync.Mutex
	groups   map[string]*group
	queueLen int
}

type group struct {
	name    string
	members []*handle
}

// New returns an empty hub. A queueLen of 0 selects DefaultQueueLen.
func New(queueLen int) *Hub {
	if queueLen <= 0 {
		queueLen = DefaultQueueLen
	}
	return &Hub{groups: make(map[string]*group), queueLen: queueLen}
}

// Node returns a transport joining groups of this hub as node id.
func (h *Hub) Node(id cpg.NodeID) *Node {
	return &Node{hub: h, id: id}
}

// GroupInfo is the membership of a group.
type GroupInfo struct {
	Name    string
	Members []cpg.NodeID
}

// Groups lists the groups with at least one member, sorted by name.
func (h *Hub) Groups() []GroupInfo {
	h.mu.Lock()
	defer h.mu.Unlock()
	infos := make([]GroupInfo, 0, len(h.groups))
	for _, g := range h.groups {
		gi := GroupInfo{Name: g.name}
		for _, m := range g.members {
			gi.Members = append(gi.Members, m.node)
		}
		infos = append(infos, gi)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// Kill removes node from every group as if its process had died. The
// remaining members see a leave with cpg.ReasonProcDown; the dead handles
// see nothing more.
func (h *Hub) Kill(node cpg.NodeID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, g := range h.groups {
		for _, m := range append([]*handle(nil), g.members...) {
			if m.node == node {
				h.removeLocked(m, cpg.ReasonProcDown, false)
			}
		}
	}
}

func (g *group) memberList() []cpg.Member {
	members := make([]cpg.Member, 0, len(g.members))
	for _, m := range g.members {
		members = append(members, cpg.Member{Node: m.node, Reason: cpg.ReasonJoin})
	}
	return members
}

func (h *Hub) join(node cpg.NodeID, name string, cb cpg.Callbacks) (*handle, error) {
	if cb == nil {
		return nil, errors.New("hub: nil callbacks")
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	g, ok := h.groups[name]
	if !ok {
		g = &group{name: name}
		h.groups[name] = g
	}
	hd := &handle{
		hub:   h,
		node:  node,
		group: g,
		cb:    cb,
		ready: make(chan struct{}, 1),
	}
	g.members = append(g.members, hd)

	members := g.memberList()
	joined := []cpg.Member{{Node: node, Reason: cpg.ReasonJoin}}
	for _, m := range g.members {
		m.push(event{members: members, joined: joined})
	}
	return hd, nil
}

func (h *Hub) multicast(hd *handle, data []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if hd.left {
		return cpg.ErrNotJoined
	}
	g := hd.group
	for _, m := range g.members {
		if m != hd && m.pending() >= h.queueLen {
			return cpg.ErrTryAgain
		}
	}
	for _, m := range g.members {
		m.push(event{deliver: true, sender: hd.node, data: append([]byte(nil), data...)})
	}
	return nil
}

func (h *Hub) leave(hd *handle) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if hd.left {
		return cpg.ErrNotJoined
	}
	h.removeLocked(hd, cpg.ReasonLeave, true)
	return nil
}

// removeLocked takes hd out of its group and reports the change to the
// remaining members, and to hd itself if notifySelf is set.
func (h *Hub) removeLocked(hd *handle, reason cpg.Reason, notifySelf bool) {
	g := hd.group
	for i, m := range g.members {
		if m == hd {
			g.members = append(g.members[:i:i], g.members[i+1:]...)
			break
		}
	}
	hd.left = true
	if len(g.members) == 0 {
		delete(h.groups, g.name)
	}

	members := g.memberList()
	left := []cpg.Member{{Node: hd.node, Reason: reason}}
	for _, m := range g.members {
		m.push(event{members: members, left: left})
	}
	if notifySelf {
		hd.push(event{members: members, left: left})
	}
}

// Node is a cpg.Transport of one node of a hub.
type Node struct {
	hub *Hub
	id  cpg.NodeID
}

var _ cpg.Transport = (*Node)(nil)

func (n *Node) LocalNode() cpg.NodeID { return n.id }

func (n *Node) Join(name string, cb cpg.Callbacks) (cpg.Handle, error) {
	return n.hub.join(n.id, name, cb)
}
