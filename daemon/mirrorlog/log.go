package mirrorlog

import (
	"fmt"
	"strings"
	"time"

	"github.com/moby/cmirrord/daemon/ulog"
	"github.com/moby/cmirrord/pkg/cpg"
)

// State is the lifecycle state of a log.
type State int

const (
	// StateInvalid is the state of a constructed log that never resumed.
	StateInvalid State = iota
	StateResumed
	StateSuspended
)

func (s State) String() string {
	switch s {
	case StateInvalid:
		return "invalid"
	case StateResumed:
		return "resumed"
	case StateSuspended:
		return "suspended"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// SyncPolicy selects how regions without recorded state start out.
type SyncPolicy int

const (
	// SyncDefault leaves new regions out of sync; they are recovered.
	SyncDefault SyncPolicy = iota
	// SyncNoSync assumes new regions are in sync.
	SyncNoSync
	// SyncForce forces a full resync.
	SyncForce
)

func (p SyncPolicy) String() string {
	switch p {
	case SyncNoSync:
		return "nosync"
	case SyncForce:
		return "sync"
	}
	return "default"
}

const (
	// NoRegion is the recovering region of a log with no recovery outstanding.
	NoRegion = ^uint64(0)

	// NoNode is the recoverer of a log with no recovery outstanding.
	NoNode = cpg.NodeID(^uint32(0))
)

// resume_override milestones.
const (
	overrideSyncLoaded  = 1
	overrideCleanLoaded = 2
	overrideBothLoaded  = overrideSyncLoaded + overrideCleanLoaded
	overrideResumed     = 1000
)

// Log is the state of one mirror log.
type Log struct {
	UUID string
	LUID uint64

	regionSize  uint64
	regionCount uint64

	sync      *bitmap
	clean     *bitmap
	syncCount uint64

	// syncSearch is one past the last region handed out by a linear scan.
	syncSearch uint64

	recovering uint64
	recoverer  cpg.NodeID

	// recoveryRequests are regions somebody is waiting on, served before
	// the linear scan.
	recoveryRequests []uint64

	// marks records the nodes that hold a region dirty.
	marks map[uint64][]cpg.NodeID

	policy       SyncPolicy
	blockOnError bool
	disk         *diskLog

	state          State
	resumeOverride int
	recoveryHalted bool
	touched        bool
	skipBitWarning uint64

	suspendedAt time.Time
}

func newLog(uuid string, luid, regionSize, regionCount uint64) *Log {
	return &Log{
		UUID:           uuid,
		LUID:           luid,
		regionSize:     regionSize,
		regionCount:    regionCount,
		sync:           newBitmap(regionCount),
		clean:          newBitmap(regionCount),
		recovering:     NoRegion,
		recoverer:      NoNode,
		marks:          make(map[uint64][]cpg.NodeID),
		skipBitWarning: regionCount,
	}
}

func (l *Log) shortUUID() string {
	return ulog.ShortUUID(l.UUID)
}

func (l *Log) setBit(b *bitmap, region uint64) {
	b.Set(region)
	l.touched = true
}

func (l *Log) clearBit(b *bitmap, region uint64) {
	b.Clear(region)
	l.touched = true
}

// repairSyncCount resets the cached count to the population of the sync
// bitmap and reports whether it had diverged.
func (l *Log) repairSyncCount() (old uint64, diverged bool) {
	old = l.syncCount
	l.syncCount = l.sync.Count()
	return old, old != l.syncCount
}

// mark records who as holding region dirty. The first mark clears the
// clean bit.
func (l *Log) mark(region uint64, who cpg.NodeID) {
	nodes, found := l.marks[region]
	for _, n := range nodes {
		if n == who {
			return
		}
	}
	if !found {
		l.clearBit(l.clean, region)
	}
	l.marks[region] = append(nodes, who)
}

// unmark drops the mark of who on region. The region becomes clean once no
// other node holds it and it is in sync. Nothing happens if who holds no
// mark.
func (l *Log) unmark(region uint64, who cpg.NodeID) {
	nodes := l.marks[region]
	others := make([]cpg.NodeID, 0, len(nodes))
	for _, n := range nodes {
		if n != who {
			others = append(others, n)
		}
	}
	if len(others) == len(nodes) {
		return
	}
	if len(others) == 0 {
		delete(l.marks, region)
		if l.sync.Test(region) {
			l.setBit(l.clean, region)
		}
		return
	}
	l.marks[region] = others
}

func (l *Log) markers(region uint64) []cpg.NodeID {
	return l.marks[region]
}

func (l *Log) queueRecovery(region uint64) bool {
	for _, r := range l.recoveryRequests {
		if r == region {
			return false
		}
	}
	l.recoveryRequests = append(l.recoveryRequests, region)
	return true
}

func (l *Log) statusInfo() string {
	if l.disk == nil {
		return "1 clustered_core"
	}
	health := "A"
	if l.disk.failed {
		health = "D"
	}
	return fmt.Sprintf("3 clustered_disk %s %s", l.disk.devNumber(), health)
}

func (l *Log) statusTable() string {
	var b strings.Builder
	if l.disk == nil {
		fmt.Fprintf(&b, "clustered_core %d ", l.regionSize)
	} else {
		fmt.Fprintf(&b, "clustered_disk %s %d ", l.disk.devNumber(), l.regionSize)
	}
	switch l.policy {
	case SyncForce:
		b.WriteString("sync ")
	case SyncNoSync:
		b.WriteString("nosync ")
	}
	if l.blockOnError {
		b.WriteString("block_on_error ")
	}
	return b.String()
}

// Info is a point-in-time description of a log for diagnostics.
type Info struct {
	UUID             string
	LUID             uint64
	Pending          bool
	State            State
	RegionSize       uint64
	RegionCount      uint64
	SyncCount        uint64
	SyncSearch       uint64
	RecoveringRegion uint64
	Recoverer        cpg.NodeID
	RecoveryRequests []uint64
	Marks            int
	Policy           SyncPolicy
	BlockOnError     bool
	Disk             string
	DiskFailed       bool
	Touched          bool
	RecoveryHalted   bool
	ResumeOverride   int
}

func (l *Log) info(pending bool) Info {
	i := Info{
		UUID:             l.UUID,
		LUID:             l.LUID,
		Pending:          pending,
		State:            l.state,
		RegionSize:       l.regionSize,
		RegionCount:      l.regionCount,
		SyncCount:        l.syncCount,
		SyncSearch:       l.syncSearch,
		RecoveringRegion: l.recovering,
		Recoverer:        l.recoverer,
		RecoveryRequests: append([]uint64(nil), l.recoveryRequests...),
		Marks:            len(l.marks),
		Policy:           l.policy,
		BlockOnError:     l.blockOnError,
		Touched:          l.touched,
		RecoveryHalted:   l.recoveryHalted,
		ResumeOverride:   l.resumeOverride,
	}
	if l.disk != nil {
		i.Disk = l.disk.path
		i.DiskFailed = l.disk.failed
	}
	return i
}
