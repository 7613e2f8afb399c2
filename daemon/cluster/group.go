package cluster

import (
	"context"
	"fmt"

	"github.com/containerd/errdefs"
	"github.com/containerd/log"

	"github.com/moby/cmirrord/daemon/internal/metrics"
	"github.com/moby/cmirrord/daemon/mirrorlog"
	"github.com/moby/cmirrord/daemon/ulog"
	"github.com/moby/cmirrord/pkg/cpg"
)

type memberState int

const (
	// stateInvalid is the state of a member that has not received the log
	// state yet.
	stateInvalid memberState = iota
	stateValid
	stateLeaving
)

func (s memberState) String() string {
	switch s {
	case stateInvalid:
		return "INVALID"
	case stateValid:
		return "VALID"
	case stateLeaving:
		return "LEAVING"
	}
	return fmt.Sprintf("memberState(%d)", int(s))
}

// noServer is the server of a group without members.
const noServer = cpg.NodeID(0)

type group struct {
	c      *Cluster
	name   string
	luid   uint64
	handle cpg.Handle
	ctx    context.Context

	// joined is set while the transport membership is usable for sending.
	joined bool
	state  memberState
	lowest cpg.NodeID

	// startup holds requests delivered before the checkpoint arrived, and
	// MemberJoin records of nodes that joined meanwhile.
	startup []*Message

	// working holds requests of this node that wait for a response.
	working []*Message

	// checkpoints are prepared and wait to be exported.
	checkpoints []*checkpointJob

	// requesters joined while the log could not be checkpointed yet.
	requesters []cpg.NodeID

	// importPending is set while a checkpoint announced to this node could
	// not be read yet.
	importPending bool

	resendRequired bool
	delay          int
	freeMe         bool

	history history
}

var _ cpg.Callbacks = (*group)(nil)

func (g *group) shortUUID() string {
	return ulog.ShortUUID(g.name)
}

func (g *group) linkName() string {
	return "cpg/" + g.name
}

func (g *group) logger() *log.Entry {
	return log.G(g.ctx).WithField("uuid", g.shortUUID())
}

func (g *group) isServer() bool {
	return g.c.myID == g.lowest
}

// dispatch is the link callback of the group handle.
func (g *group) dispatch(ctx context.Context) error {
	g.ctx = ctx
	if err := g.handle.Dispatch(); err != nil && !g.freeMe {
		return err
	}
	if g.freeMe {
		return g.handle.Close()
	}
	g.retryImport(ctx)
	g.doCheckpoints(ctx)
	g.resendRequests(ctx)
	return nil
}

// Deliver handles a message multicast to the group.
func (g *group) Deliver(sender cpg.NodeID, data []byte) {
	var msg Message
	if err := msg.UnmarshalBinary(data); err != nil {
		g.logger().WithError(err).Errorf("Bad cluster message from %d", sender)
		return
	}
	c := g.c
	req := msg.Request
	typ := req.Type
	logger := g.logger()

	if typ == ulog.Postsuspend {
		if sender == c.myID {
			logger.Debug("I am leaving")
		} else {
			// A leaving node below us delays resends until it is gone; if
			// it is the server, outstanding requests need a new one.
			if sender < c.myID {
				if sender == g.lowest {
					g.resendRequired = true
					logger.Debugf("%d is leaving, resend required", sender)
				}
				g.delay++
				logger.Debugf("%d is leaving, delay = %d", sender, g.delay)
			}
			g.history.add("%s from %d (leaving)", typ, sender)
			return
		}
	}

	// Messages can still arrive between our leave and the configuration
	// change reporting it; nothing can be answered any more.
	if g.state == stateLeaving {
		logger.Debugf("Ignoring %s from %d: leaving", typ, sender)
		return
	}

	if typ == ulog.CheckpointReady {
		if msg.Originator == c.myID {
			g.checkpointReady(cpg.NodeID(req.Seq))
		}
		return
	}

	if typ.IsResponse() {
		g.history.add("%s/%d from %d", typ, req.Seq, sender)
		g.handleResponse(&msg)
	} else {
		msg.Originator = sender
		g.history.add("%s/%d from %d", typ, req.Seq, sender)

		if g.state == stateInvalid {
			logger.Debugf("Log not valid yet, storing request %s from %d", typ, sender)
			msg.PITServer = g.lowest
			g.startup = append(g.startup, &msg)
			return
		}
		g.handleRequest(&msg, g.isServer())
	}

	g.prepareRequestedCheckpoints()
}

func (g *group) checkpointReady(exporter cpg.NodeID) {
	logger := g.logger()
	g.history.add("CHECKPOINT_READY from %d", exporter)

	if err := g.importCheckpoint(g.ctx, g.state != stateInvalid); err != nil {
		logger.WithError(err).Errorf("Failed to import checkpoint from %d", exporter)
		corrupt := errdefs.IsDataLoss(err)
		if corrupt || !g.importPending {
			g.c.alarm()
		}
		g.importPending = !corrupt
		return
	}
	g.importPending = false
	if g.state != stateInvalid {
		logger.Debugf("Redundant checkpoint from %d ignored", exporter)
		return
	}
	logger.Debugf("Checkpoint data received from %d. Log is now valid", exporter)
	g.state = stateValid
	g.flushStartup()
}

// prepareRequestedCheckpoints turns waiting requesters into checkpoint jobs
// once the log has resumed.
func (g *group) prepareRequestedCheckpoints() {
	for len(g.requesters) > 0 {
		if st, _ := g.c.engine.State(g.name, g.luid); st != mirrorlog.StateResumed {
			g.logger().Debug("Withholding checkpoints until log is valid")
			return
		}
		n := len(g.requesters) - 1
		node := g.requesters[n]
		cp, err := g.prepareCheckpoint(node)
		if err != nil {
			g.logger().WithError(err).Errorf("Failed to prepare checkpoint for %d", node)
			return
		}
		g.requesters = g.requesters[:n]
		g.checkpoints = append(g.checkpoints, cp)
		g.history.add("Checkpoint prepared for %d*", node)
	}
}

// handleRequest executes a request delivered to the group. The server
// multicasts the result back so the originator can answer its kernel.
func (g *group) handleRequest(msg *Message, server bool) {
	c := g.c
	req := msg.Request.Clone()
	typ := req.Type

	// Only the originator executes a resume: it loads the bits it got
	// through the checkpoint, or reads the disk when it is alone.
	if typ == ulog.Resume {
		if msg.Originator == c.myID {
			data, err := c.engine.Execute(g.ctx, req, msg.Originator, server)
			req.SetResult(data, err)
			if err := c.kernel.Reply(g.ctx, req); err != nil {
				g.logger().WithError(err).Error("Failed to send resume response to kernel")
			}
		}
		return
	}

	data, err := c.engine.Execute(g.ctx, req, msg.Originator, server)
	req.SetResult(data, err)

	if err != nil && typ == ulog.Flush && msg.Originator == c.myID && !server {
		for _, w := range g.working {
			if w.Request.Seq == req.Seq {
				w.Request.Error = req.Error
			}
		}
	}

	if server && typ != ulog.ClearRegion && typ != ulog.Postsuspend {
		req.Type |= ulog.ResponseFlag
		if err := g.send(g.ctx, &Message{Originator: msg.Originator, Request: req}); err != nil {
			g.logger().WithError(err).Errorf("Failed to send response to %s", typ)
		}
	}
}

// handleResponse answers the kernel with the result computed by the server.
func (g *group) handleResponse(msg *Message) {
	if msg.Originator != g.c.myID {
		return
	}
	resp := msg.Request.Clone()
	resp.Type = resp.Type.Base()

	for i, w := range g.working {
		if w.Request.Seq != resp.Seq {
			continue
		}
		g.working = append(g.working[:i:i], g.working[i+1:]...)
		if w.Request.Type == ulog.Flush && w.Request.Error != 0 && resp.Error == 0 {
			resp.Error = w.Request.Error
			resp.Data = nil
		}
		if err := g.c.kernel.Reply(g.ctx, resp); err != nil {
			g.logger().WithError(err).Error("Failed to send response to kernel")
		}
		return
	}
	g.logger().Errorf("Unable to find request matching response, %s seq %d", resp.Type, resp.Seq)
}

// flushStartup runs what was buffered while the log was invalid, in
// delivery order and with the server role of the time it was delivered.
func (g *group) flushStartup() {
	for len(g.startup) > 0 && !g.freeMe {
		msg := g.startup[0]
		g.startup = g.startup[1:]

		if msg.Request.Type == ulog.MemberJoin {
			cp, err := g.prepareCheckpoint(msg.Originator)
			if err != nil {
				g.logger().WithError(err).Errorf("Failed to prepare checkpoint for %d", msg.Originator)
				continue
			}
			g.checkpoints = append(g.checkpoints, cp)
			g.history.add("Checkpoint prepared for %d", msg.Originator)
			continue
		}
		g.logger().Debugf("Processing delayed request: %s", msg.Request.Type)
		g.handleRequest(msg, msg.PITServer == g.c.myID)
	}
}

// ConfigChange handles a membership change of the group.
func (g *group) ConfigChange(members, left, joined []cpg.Member) {
	if len(left)+len(joined) > 1 {
		g.logger().Errorf("More than one node joining/leaving (%d joined, %d left)", len(joined), len(left))
	}
	for _, m := range joined {
		g.memberJoined(m, members)
	}
	for _, m := range left {
		if g.freeMe {
			return
		}
		g.memberLeft(m, members)
	}
}

func (g *group) memberJoined(m cpg.Member, members []cpg.Member) {
	c := g.c
	old := g.lowest

	if len(members) == 1 {
		g.lowest = m.Node
		g.state = stateValid
	}

	// A joining node is sent a checkpoint by the others; it does not serve
	// itself.
	if m.Node != c.myID {
		g.logger().Debugf("Joining node, %d needs checkpoint", m.Node)
		if len(g.startup) == 0 && g.state == stateValid {
			g.requesters = append(g.requesters, m.Node)
		} else {
			g.startup = append(g.startup, &Message{
				Originator: m.Node,
				Request:    &ulog.Request{UUID: g.name, Version: ulog.Version, Type: ulog.MemberJoin},
			})
		}
	}

	g.lowest = cpg.Lowest(members)
	g.logServerChange(old, m, "joined")
}

func (g *group) memberLeft(m cpg.Member, members []cpg.Member) {
	c := g.c
	old := g.lowest
	g.history.add("%d left (%s)", m.Node, m.Reason)

	if m.Node == c.myID {
		g.logger().Debug("Finalizing leave")
		c.monitor.Unregister(g.linkName())
		c.removeGroup(g)
		if err := c.engine.Finalize(g.ctx, g.name, g.luid); err != nil {
			g.logger().WithError(err).Error("Failed to finalize postsuspend")
		}
		for _, w := range g.working {
			if w.Request.Type != ulog.Postsuspend {
				continue
			}
			resp := w.Request.Clone()
			resp.SetResult(nil, nil)
			if err := c.kernel.Reply(g.ctx, resp); err != nil {
				g.logger().WithError(err).Error("Failed to respond to kernel")
			}
		}
		if g.importPending {
			g.importPending = false
			_ = g.importCheckpoint(g.ctx, true)
		}
		g.working = nil
		g.checkpoints = nil
		g.requesters = nil
		g.freeMe = true
		g.joined = false
		g.lowest = noServer
		g.state = stateInvalid
		return
	}

	// Nobody is left to serve or be served by the leaving node.
	g.checkpoints = filter(g.checkpoints, func(cp *checkpointJob) bool {
		if cp.requester == m.Node {
			g.logger().Debugf("Removing pending checkpoint (%d is leaving)", m.Node)
			return false
		}
		return true
	})
	g.startup = filter(g.startup, func(msg *Message) bool {
		if msg.Request.Type == ulog.MemberJoin && msg.Originator == m.Node {
			g.logger().Debugf("Removing pending checkpoint from startup list (%d is leaving)", m.Node)
			return false
		}
		return true
	})
	g.requesters = filter(g.requesters, func(n cpg.NodeID) bool { return n != m.Node })

	// A server that goes away without a postsuspend leaves our requests
	// unanswered.
	if m.Node == old && len(g.working) > 0 {
		g.resendRequired = true
	}
	if m.Node < c.myID {
		if g.delay > 0 {
			g.delay--
		}
		if g.delay == 0 && len(g.working) == 0 {
			g.resendRequired = false
		}
		g.logger().Debugf("%d has left, delay = %d, resend = %t", m.Node, g.delay, g.resendRequired)
	}

	if len(members) == 0 {
		g.lowest = noServer
	} else {
		g.lowest = cpg.Lowest(members)
	}
	g.logServerChange(old, m, "left")

	// If every other member sent a join record, all of them joined after
	// us and nobody holds the log state: we were first.
	if g.state == stateInvalid {
		n := 1
		for _, msg := range g.startup {
			if msg.Request.Type == ulog.MemberJoin {
				n++
			}
		}
		if n == len(members) {
			g.logger().Debug("Every member joined after us, log is now valid")
			g.state = stateValid
			g.flushStartup()
		}
	}
}

func (g *group) logServerChange(old cpg.NodeID, m cpg.Member, what string) {
	logger := g.logger()
	switch {
	case old == noServer && g.lowest != noServer:
		logger.Infof("Server change <none> -> %d (%d %s)", g.lowest, m.Node, what)
	case g.lowest == noServer:
		logger.Infof("Server change %d -> <none> (%d %s)", old, m.Node, what)
	case old != g.lowest:
		logger.Infof("Server change %d -> %d (%d %s)", old, g.lowest, m.Node, what)
	default:
		logger.Debugf("Server unchanged at %d (%d %s)", g.lowest, m.Node, what)
	}
	g.history.add("server %d (%d %s)", g.lowest, m.Node, what)
}

// resendRequests runs after a server change, once every node below us
// that announced its leave is gone.
func (g *group) resendRequests(ctx context.Context) {
	if !g.resendRequired || g.delay > 0 || g.state != stateValid {
		return
	}
	g.resendRequired = false

	pending := g.working
	g.working = nil
	for _, w := range pending {
		typ := w.Request.Type
		switch typ {
		case ulog.SetRegionSync:
			// Every member applied it already; the answer carries no data.
			g.logger().Debugf("Skipping resend of %s/#%d", typ, w.Request.Seq)
			resp := w.Request.Clone()
			resp.SetResult(nil, nil)
			if err := g.c.kernel.Reply(ctx, resp); err != nil {
				g.logger().WithError(err).Errorf("Failed to respond to kernel [%s]", typ)
			}
		case ulog.Postsuspend:
			// answered when our leave completes
			g.working = append(g.working, w)
		default:
			g.logger().Debugf("Resending %s(#%d) due to new server(%d)", typ, w.Request.Seq, g.lowest)
			g.history.add("Resending %s/%d", typ, w.Request.Seq)
			metrics.Resends.Inc()
			if err := g.send(ctx, w); err != nil {
				g.logger().WithError(err).Error("Failed resend")
			}
		}
	}
}

// destroy leaves the group.
func (g *group) destroy(ctx context.Context) {
	g.logger().Debug("I am leaving")
	g.doCheckpoints(ctx)

	prev := g.state
	g.joined = false
	g.state = stateLeaving

	// While valid, the startup queue may be the one being flushed.
	if len(g.startup) > 0 && prev != stateValid {
		g.logger().Debugf("Aborting startup (%d requests)", len(g.startup))
		g.startup = nil
	}

	if err := g.handle.Leave(); err != nil {
		g.logger().WithError(err).Error("Error leaving group")
	}
}

func (g *group) info() GroupInfo {
	gi := GroupInfo{
		Name:           g.name,
		LUID:           g.luid,
		State:          g.state.String(),
		Joined:         g.joined,
		Server:         g.lowest,
		ResendRequired: g.resendRequired,
		Delay:          g.delay,
		Requesters:     append([]cpg.NodeID(nil), g.requesters...),
		History:        g.history.list(),
	}
	for _, m := range g.startup {
		gi.Startup = append(gi.Startup, fmt.Sprintf("%s/%d from %d", m.Request.Type, m.Request.Seq, m.Originator))
	}
	for _, m := range g.working {
		gi.Working = append(gi.Working, fmt.Sprintf("%s/%d", m.Request.Type, m.Request.Seq))
	}
	for _, cp := range g.checkpoints {
		gi.Checkpoints = append(gi.Checkpoints, cp.requester)
	}
	return gi
}

func filter[T any](s []T, keep func(T) bool) []T {
	out := s[:0]
	for _, v := range s {
		if keep(v) {
			out = append(out, v)
		}
	}
	return out
}
