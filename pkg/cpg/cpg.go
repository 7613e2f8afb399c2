// Package cpg defines a closed process group transport: named groups whose
// members see every multicast message and every membership change in the
// same total order, their own messages included.
package cpg

import (
	"fmt"
	"sort"

	"github.com/containerd/errdefs"
	"github.com/pkg/errors"
)

// NodeID identifies a cluster node.
type NodeID uint32

// ErrTryAgain is returned by Multicast when the transport cannot take the
// message right now. The caller is expected to retry.
var ErrTryAgain = errors.Wrap(errdefs.ErrUnavailable, "cpg: try again")

// ErrNotJoined is returned for operations on a handle that has left its group.
var ErrNotJoined = errors.Wrap(errdefs.ErrFailedPrecondition, "cpg: not joined")

// Reason is why a member appears in a membership change.
type Reason int

const (
	ReasonJoin Reason = iota + 1
	ReasonLeave
	ReasonNodeDown
	ReasonProcDown
)

func (r Reason) String() string {
	switch r {
	case ReasonJoin:
		return "join"
	case ReasonLeave:
		return "leave"
	case ReasonNodeDown:
		return "node down"
	case ReasonProcDown:
		return "process down"
	}
	return fmt.Sprintf("Reason(%d)", int(r))
}

// Member is a node in a membership change.
type Member struct {
	Node   NodeID
	Reason Reason
}

// Callbacks receive the events of a group. They are only issued from
// Handle.Dispatch.
type Callbacks interface {
	// Deliver is called for each message multicast to the group.
	Deliver(sender NodeID, data []byte)

	// ConfigChange is called for each membership change. members is the
	// membership after the change.
	ConfigChange(members, left, joined []Member)
}

// Transport joins groups.
type Transport interface {
	// LocalNode returns the id of this node.
	LocalNode() NodeID

	// Join joins the named group. The first event dispatched on the handle
	// is the membership change that contains the join.
	Join(name string, cb Callbacks) (Handle, error)
}

// Handle is membership of one group.
type Handle interface {
	// Multicast sends data to every member, this one included. It returns
	// ErrTryAgain when the transport is congested.
	Multicast(data []byte) error

	// Leave leaves the group. The leave is reported by a last membership
	// change naming this node in left.
	Leave() error

	// Ready is signalled whenever events are pending. Dispatch drains them.
	Ready() <-chan struct{}

	// Dispatch issues the callbacks of all pending events.
	Dispatch() error

	// Close releases the handle. No callback is issued afterwards.
	Close() error
}

// Lowest returns the lowest node id among members, or 0 for no members.
func Lowest(members []Member) NodeID {
	var low NodeID
	for i, m := range members {
		if i == 0 || m.Node < low {
			low = m.Node
		}
	}
	return low
}

// SortMembers orders members by node id.
func SortMembers(members []Member) {
	sort.Slice(members, func(i, j int) bool { return members[i].Node < members[j].Node })
}
