// Package cluster maps every official mirror log onto a closed process
// group. Requests from the kernel are multicast to the group, executed by
// every member in the same order, and answered by the member with the
// lowest node id (the server). Members joining a group receive the log
// bitmaps through a checkpoint.
//
// A Cluster is not safe for concurrent use; all calls and all group
// callbacks happen on the event loop goroutine.
package cluster

import (
	"context"
	"os"
	"time"

	"github.com/containerd/errdefs"
	"github.com/containerd/log"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/moby/cmirrord/daemon/internal/metrics"
	"github.com/moby/cmirrord/daemon/linkmon"
	"github.com/moby/cmirrord/daemon/mirrorlog"
	"github.com/moby/cmirrord/daemon/ulog"
	"github.com/moby/cmirrord/pkg/ckpt"
	"github.com/moby/cmirrord/pkg/cpg"
)

// MaxGroupName bounds a group name; longer uuids are truncated.
const MaxGroupName = 128

// Engine executes requests against the local copy of a log.
type Engine interface {
	Execute(ctx context.Context, req *ulog.Request, originator cpg.NodeID, server bool) ([]byte, error)
	Finalize(ctx context.Context, uuid string, luid uint64) error
	State(uuid string, luid uint64) (mirrorlog.State, bool)
	PushState(ctx context.Context, uuid string, luid uint64, section string, requester cpg.NodeID) ([]byte, error)
	PullState(ctx context.Context, uuid string, luid uint64, section string, data []byte) error
}

// Replier returns a finished request to the kernel.
type Replier interface {
	Reply(ctx context.Context, req *ulog.Request) error
}

// Monitor dispatches link readiness.
type Monitor interface {
	Register(name string, ready <-chan struct{}, cb linkmon.Callback)
	Unregister(name string)
}

// Config configures a Cluster.
type Config struct {
	Engine    Engine
	Kernel    Replier
	Transport cpg.Transport
	Store     ckpt.Store
	Monitor   Monitor

	// Alarm is raised when a checkpoint cannot be imported. It defaults to
	// sending SIGUSR1 to this process, which dumps the daemon state.
	Alarm func()

	// RetryStep is the increment between multicast retries; the n-th retry
	// waits n times the step. Defaults to 1ms.
	RetryStep time.Duration

	// ImportRetry is the wait between checkpoint reads that found the
	// checkpoint incomplete. Defaults to 200ms.
	ImportRetry time.Duration

	// ImportTimeout bounds the wait for a complete checkpoint. Defaults to
	// one minute.
	ImportTimeout time.Duration
}

// Cluster owns the groups of this node.
type Cluster struct {
	engine    Engine
	kernel    Replier
	transport cpg.Transport
	store     ckpt.Store
	monitor   Monitor
	alarm     func()

	retryStep     time.Duration
	importRetry   time.Duration
	importTimeout time.Duration

	myID   cpg.NodeID
	groups []*group
}

// New returns a Cluster with no groups.
func New(cfg Config) *Cluster {
	c := &Cluster{
		engine:        cfg.Engine,
		kernel:        cfg.Kernel,
		transport:     cfg.Transport,
		store:         cfg.Store,
		monitor:       cfg.Monitor,
		alarm:         cfg.Alarm,
		retryStep:     cfg.RetryStep,
		importRetry:   cfg.ImportRetry,
		importTimeout: cfg.ImportTimeout,
		myID:          cfg.Transport.LocalNode(),
	}
	if c.alarm == nil {
		c.alarm = func() { _ = unix.Kill(os.Getpid(), unix.SIGUSR1) }
	}
	if c.retryStep == 0 {
		c.retryStep = time.Millisecond
	}
	if c.importRetry == 0 {
		c.importRetry = 200 * time.Millisecond
	}
	if c.importTimeout == 0 {
		c.importTimeout = time.Minute
	}
	return c
}

// LocalNode returns the id of this node.
func (c *Cluster) LocalNode() cpg.NodeID {
	return c.myID
}

func groupName(uuid string) string {
	if len(uuid) > MaxGroupName {
		return uuid[:MaxGroupName]
	}
	return uuid
}

func (c *Cluster) findGroup(uuid string) *group {
	name := groupName(uuid)
	for _, g := range c.groups {
		if g.name == name {
			return g
		}
	}
	return nil
}

func (c *Cluster) removeGroup(g *group) {
	for i, o := range c.groups {
		if o == g {
			c.groups = append(c.groups[:i:i], c.groups[i+1:]...)
			break
		}
	}
	metrics.Groups.Set(float64(len(c.groups)))
}

// CreateGroup joins the group of a log.
func (c *Cluster) CreateGroup(ctx context.Context, uuid string, luid uint64) error {
	if c.findGroup(uuid) != nil {
		log.G(ctx).WithField("uuid", ulog.ShortUUID(uuid)).Error("Log entry already exists")
		return errors.Wrapf(errdefs.ErrAlreadyExists, "group %s", ulog.ShortUUID(uuid))
	}

	g := &group{
		c:      c,
		name:   groupName(uuid),
		luid:   luid,
		ctx:    ctx,
		lowest: noServer,
	}

	// A checkpoint left over from an earlier session must not be taken for
	// the one we are about to be sent.
	if err := c.store.Unlink(ctx, checkpointName(g.name, c.myID)); err != nil {
		log.G(ctx).WithError(err).Debug("Failed to unlink stale checkpoint")
	}

	h, err := c.transport.Join(g.name, g)
	if err != nil {
		log.G(ctx).WithError(err).Error("Failed to join cluster group")
		return errors.Wrap(errdefs.ErrPermissionDenied, err.Error())
	}
	g.handle = h
	g.joined = true
	c.groups = append(c.groups, g)
	metrics.Groups.Set(float64(len(c.groups)))
	c.monitor.Register(g.linkName(), h.Ready(), g.dispatch)

	log.G(ctx).WithField("uuid", g.shortUUID()).Debug("Joined cluster group")
	return nil
}

// DestroyGroup leaves the group of a log. Pending checkpoints are exported
// first so a joining member is not left without state.
func (c *Cluster) DestroyGroup(ctx context.Context, uuid string) error {
	name := groupName(uuid)
	for _, g := range append([]*group(nil), c.groups...) {
		if g.name == name && g.state != stateLeaving {
			g.destroy(ctx)
		}
	}
	return nil
}

// Send multicasts a kernel request to the group of its log.
func (c *Cluster) Send(ctx context.Context, req *ulog.Request) error {
	g := c.findGroup(req.UUID)
	if g == nil {
		return errors.Wrapf(errdefs.ErrNotFound, "no group for %s", ulog.ShortUUID(req.UUID))
	}
	return g.send(ctx, &Message{Request: req.Clone()})
}

// GroupInfo is a point-in-time description of a group for diagnostics.
type GroupInfo struct {
	Name           string
	LUID           uint64
	State          string
	Joined         bool
	Server         cpg.NodeID
	Startup        []string
	Working        []string
	Checkpoints    []cpg.NodeID
	Requesters     []cpg.NodeID
	ResendRequired bool
	Delay          int
	History        []string
}

// Groups describes every group.
func (c *Cluster) Groups() []GroupInfo {
	infos := make([]GroupInfo, 0, len(c.groups))
	for _, g := range c.groups {
		infos = append(infos, g.info())
	}
	return infos
}
