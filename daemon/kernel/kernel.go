// Package kernel is the bridge between the dm-log-userspace kernel target
// and the daemon. Requests that only read or build local state are answered
// right away; everything else is handed to the cluster and answered when the
// server's response comes back.
package kernel

import (
	"context"
	"sync"

	"github.com/containerd/errdefs"
	"github.com/containerd/log"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/moby/cmirrord/daemon/internal/metrics"
	"github.com/moby/cmirrord/daemon/linkmon"
	"github.com/moby/cmirrord/daemon/ulog"
	"github.com/moby/cmirrord/pkg/cpg"
)

// LinkName is the name of the kernel link in the event loop.
const LinkName = "kernel"

// Engine executes requests against the local logs.
type Engine interface {
	Execute(ctx context.Context, req *ulog.Request, originator cpg.NodeID, server bool) ([]byte, error)
	LocalResume(ctx context.Context, uuid string, luid uint64) error
}

// Cluster multicasts requests to the group of their log.
type Cluster interface {
	Send(ctx context.Context, req *ulog.Request) error
}

// Monitor dispatches link readiness.
type Monitor interface {
	Register(name string, ready <-chan struct{}, cb linkmon.Callback)
	Unregister(name string)
}

// Config configures a Bridge.
type Config struct {
	Conn    Conn
	Engine  Engine
	Cluster Cluster
	Monitor Monitor

	// Node is the id of this node, the originator of local requests.
	Node cpg.NodeID

	// RequestSize bounds an envelope, header included. Defaults to
	// ulog.DefaultRequestSize.
	RequestSize int
}

// Bridge receives kernel requests and returns their results.
type Bridge struct {
	conn        Conn
	engine      Engine
	cluster     Cluster
	monitor     Monitor
	node        cpg.NodeID
	requestSize int

	ready chan struct{}
	done  chan struct{}

	mu     sync.Mutex
	queue  []Packet
	err    error
	closed bool
}

// New returns a Bridge. Start must be called to receive requests.
func New(cfg Config) *Bridge {
	b := &Bridge{
		conn:        cfg.Conn,
		engine:      cfg.Engine,
		cluster:     cfg.Cluster,
		monitor:     cfg.Monitor,
		node:        cfg.Node,
		requestSize: cfg.RequestSize,
		ready:       make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
	if b.requestSize == 0 {
		b.requestSize = ulog.DefaultRequestSize
	}
	return b
}

// SetCluster sets where clustered requests go.
func (b *Bridge) SetCluster(c Cluster) {
	b.cluster = c
}

// Start registers the kernel link and starts receiving.
func (b *Bridge) Start(ctx context.Context) {
	b.monitor.Register(LinkName, b.ready, b.dispatch)
	go b.receive(ctx)
}

// Close stops receiving.
func (b *Bridge) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.monitor.Unregister(LinkName)
	return b.conn.Close()
}

// Done is closed when the receiver stops.
func (b *Bridge) Done() <-chan struct{} {
	return b.done
}

// Err returns the error that stopped the receiver, if any.
func (b *Bridge) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

func (b *Bridge) receive(ctx context.Context) {
	for {
		packets, err := b.conn.Receive()
		b.mu.Lock()
		closed := b.closed
		if !closed {
			b.queue = append(b.queue, packets...)
		}
		b.mu.Unlock()
		if closed {
			close(b.done)
			return
		}
		if err != nil && !errors.Is(err, unix.EINTR) && !errors.Is(err, unix.ENOBUFS) {
			log.G(ctx).WithError(err).Error("Failed to receive kernel request")
			b.mu.Lock()
			b.err = err
			b.mu.Unlock()
			close(b.done)
			return
		}
		if len(packets) > 0 {
			select {
			case b.ready <- struct{}{}:
			default:
			}
		}
	}
}

// dispatch is the link callback: it handles every packet received so far.
func (b *Bridge) dispatch(ctx context.Context) error {
	b.mu.Lock()
	packets := b.queue
	b.queue = nil
	b.mu.Unlock()

	for _, p := range packets {
		b.process(ctx, p)
	}
	return nil
}

// nack tells the kernel to resend the request with connector sequence seq.
func (b *Bridge) nack(ctx context.Context, seq uint32) {
	if err := b.conn.Send(Packet{Seq: seq}); err != nil {
		log.G(ctx).WithError(err).Error("Failed to send NACK to kernel")
	}
}

func (b *Bridge) process(ctx context.Context, p Packet) {
	req, _, err := ulog.DecodeRequest(p.Data, nativeEndian)
	if err != nil {
		log.G(ctx).WithError(err).Errorf("Bad kernel request (seq %d), asking for a resend", p.Seq)
		b.nack(ctx, p.Seq)
		return
	}
	logger := log.G(ctx).WithField("uuid", ulog.ShortUUID(req.UUID))

	if req.Type == 0 {
		// The kernel resends when told so.
		logger.Debugf("Request with no type (seq %d), asking for a resend", p.Seq)
		b.nack(ctx, p.Seq)
		return
	}
	metrics.KernelRequests.WithValues(req.Type.String()).Inc()
	logger.Tracef("Kernel request %s/%d", req.Type, req.Seq)

	if req.Version != ulog.Version {
		logger.Errorf("Kernel request version %d, expected %d", req.Version, ulog.Version)
		b.fail(ctx, req, errors.Wrapf(errdefs.ErrInvalidArgument, "request version %d", req.Version))
		return
	}

	switch req.Type {
	case ulog.Ctr, ulog.Dtr, ulog.GetRegionSize, ulog.InSync, ulog.GetSyncCount, ulog.StatusTable, ulog.Presuspend:
		data, err := b.engine.Execute(ctx, req, b.node, false)
		req.SetResult(data, err)
		if err := b.Reply(ctx, req); err != nil {
			logger.WithError(err).Errorf("Failed to answer %s", req.Type)
		}

	case ulog.Resume:
		if err := b.engine.LocalResume(ctx, req.UUID, req.LUID); err != nil {
			b.fail(ctx, req, err)
			return
		}
		if err := b.cluster.Send(ctx, req); err != nil {
			b.fail(ctx, req, err)
		}

	case ulog.ClearRegion:
		// Clearing can only lose a mark, so the kernel need not wait.
		ack := req.Clone()
		ack.SetResult(nil, nil)
		if err := b.Reply(ctx, ack); err != nil {
			logger.WithError(err).Error("Failed to acknowledge clear region")
		}
		if err := b.cluster.Send(ctx, req); err != nil {
			logger.WithError(err).Error("Failed to send clear region to cluster")
		}

	case ulog.IsClean, ulog.Flush, ulog.MarkRegion, ulog.GetResyncWork, ulog.SetRegionSync,
		ulog.StatusInfo, ulog.IsRemoteRecovering, ulog.Postsuspend:
		if err := b.cluster.Send(ctx, req); err != nil {
			b.fail(ctx, req, err)
		}

	default:
		logger.Errorf("Invalid log request received (%s), ignoring", req.Type)
	}
}

func (b *Bridge) fail(ctx context.Context, req *ulog.Request, err error) {
	resp := req.Clone()
	resp.SetResult(nil, err)
	if err := b.Reply(ctx, resp); err != nil {
		log.G(ctx).WithField("uuid", ulog.ShortUUID(req.UUID)).WithError(err).Errorf("Failed to answer %s", req.Type)
	}
}

// Reply returns a finished request to the kernel. Results that do not fit
// the kernel's buffer are replaced by an error.
func (b *Bridge) Reply(ctx context.Context, req *ulog.Request) error {
	req.Type = req.Type.Base()
	if ulog.HeaderSize+len(req.Data) > b.requestSize {
		log.G(ctx).WithField("uuid", ulog.ShortUUID(req.UUID)).Errorf("Result of %s too large (%d bytes)", req.Type, len(req.Data))
		req.SetResult(nil, errors.Wrap(errdefs.ErrResourceExhausted, "result too large"))
	}
	data, err := req.AppendBinary(make([]byte, 0, ulog.HeaderSize+len(req.Data)), nativeEndian)
	if err != nil {
		return err
	}
	log.G(ctx).WithField("uuid", ulog.ShortUUID(req.UUID)).Tracef("Kernel reply %s/%d error %d", req.Type, req.Seq, req.Error)
	return b.conn.Send(Packet{Seq: req.Seq, Data: data})
}
