// Package mirrorlog implements the request/response log engine: the
// per-device mirror log state and the execution of every log request.
//
// An Engine is not safe for concurrent use. All calls are expected from the
// single goroutine that dispatches kernel and cluster events.
package mirrorlog

import (
	"context"
	"time"

	"code.cloudfoundry.org/clock"
	"github.com/containerd/errdefs"
	"github.com/containerd/log"
	"github.com/pkg/errors"

	"github.com/moby/cmirrord/daemon/internal/metrics"
	"github.com/moby/cmirrord/daemon/ulog"
	"github.com/moby/cmirrord/pkg/cpg"
)

// DefaultResumeThrottle is the minimum time between a postsuspend and the
// next group join of the same log.
const DefaultResumeThrottle = 3 * time.Second

// Groups joins and leaves the cluster group of a log.
type Groups interface {
	CreateGroup(ctx context.Context, uuid string, luid uint64) error
	DestroyGroup(ctx context.Context, uuid string) error
}

// Config configures an Engine.
type Config struct {
	// DevDir is searched for backing devices given as major:minor.
	DevDir string

	// ResumeThrottle defaults to DefaultResumeThrottle. A negative value
	// disables the throttle.
	ResumeThrottle time.Duration

	// Clock defaults to the real clock.
	Clock clock.Clock
}

// Engine owns the pending and official log lists.
type Engine struct {
	pending  []*Log
	official []*Log

	groups   Groups
	clock    clock.Clock
	devDir   string
	throttle time.Duration
}

// New returns an Engine with no logs.
func New(cfg Config) *Engine {
	e := &Engine{
		clock:    cfg.Clock,
		devDir:   cfg.DevDir,
		throttle: cfg.ResumeThrottle,
	}
	if e.clock == nil {
		e.clock = clock.NewClock()
	}
	if e.devDir == "" {
		e.devDir = "/dev/mapper"
	}
	if e.throttle == 0 {
		e.throttle = DefaultResumeThrottle
	}
	return e
}

// SetGroups sets the group manager used on resume, postsuspend and
// destructor requests.
func (e *Engine) SetGroups(g Groups) {
	e.groups = g
}

func matches(l *Log, uuid string, luid uint64) bool {
	return l.UUID == uuid && (luid == 0 || l.LUID == luid)
}

func find(list []*Log, uuid string, luid uint64) (int, *Log) {
	for i, l := range list {
		if matches(l, uuid, luid) {
			return i, l
		}
	}
	return -1, nil
}

func remove(list []*Log, i int) []*Log {
	return append(list[:i:i], list[i+1:]...)
}

// getLog returns the official log for (uuid, luid).
func (e *Engine) getLog(uuid string, luid uint64) *Log {
	_, l := find(e.official, uuid, luid)
	return l
}

func (e *Engine) getPendingLog(uuid string, luid uint64) *Log {
	_, l := find(e.pending, uuid, luid)
	return l
}

// getAnyLog looks in the official list first, then in the pending list.
func (e *Engine) getAnyLog(uuid string, luid uint64) *Log {
	if l := e.getLog(uuid, luid); l != nil {
		return l
	}
	return e.getPendingLog(uuid, luid)
}

func (e *Engine) updateGauges() {
	metrics.Logs.WithValues("pending").Set(float64(len(e.pending)))
	metrics.Logs.WithValues("official").Set(float64(len(e.official)))
}

func errNoLog(uuid string, luid uint64) error {
	return errors.Wrapf(errdefs.ErrNotFound, "no log for %s/%d", ulog.ShortUUID(uuid), luid)
}

// Execute runs req against the log it names and returns the result data.
// originator is the node that issued the request; server reports whether
// this node executes it as the group's server.
func (e *Engine) Execute(ctx context.Context, req *ulog.Request, originator cpg.NodeID, server bool) ([]byte, error) {
	typ := req.Type.Base()
	ctx = log.WithLogger(ctx, log.G(ctx).WithField("uuid", ulog.ShortUUID(req.UUID)))

	start := time.Now()
	metrics.Requests.WithValues(typ.String()).Inc()
	data, err := e.execute(ctx, req, originator, server)
	metrics.RequestDuration.WithValues(typ.String()).UpdateSince(start)
	if err != nil {
		metrics.RequestErrors.WithValues(typ.String()).Inc()
		log.G(ctx).WithError(err).Errorf("Error while processing request (%s)", typ)
		return nil, err
	}
	return data, nil
}

func (e *Engine) execute(ctx context.Context, req *ulog.Request, originator cpg.NodeID, server bool) ([]byte, error) {
	typ := req.Type.Base()
	p, err := ulog.DecodePayload(typ, req.Data)
	if err != nil {
		return nil, err
	}

	switch typ {
	case ulog.Ctr:
		return e.ctr(ctx, req.UUID, req.LUID, p.(ulog.CtrArgs).Args)
	case ulog.Dtr:
		return nil, e.dtr(ctx, req.UUID, req.LUID)
	case ulog.Presuspend:
		return nil, e.presuspend(ctx, req.UUID, req.LUID)
	case ulog.Postsuspend:
		return nil, e.postsuspend(ctx, req.UUID, req.LUID)
	case ulog.Resume:
		return nil, e.resume(ctx, req.UUID, req.LUID)
	case ulog.GetRegionSize:
		return e.getRegionSize(req.UUID, req.LUID)
	case ulog.IsClean:
		return e.isClean(req.UUID, req.LUID, p.(ulog.RegionArg).Region)
	case ulog.InSync:
		return e.inSync(ctx, req.UUID, req.LUID, p.(ulog.RegionArg).Region)
	case ulog.Flush:
		return nil, e.flush(ctx, req.UUID, req.LUID, server)
	case ulog.MarkRegion:
		return nil, e.markRegion(ctx, req.UUID, req.LUID, p.(ulog.RegionList).Regions, originator)
	case ulog.ClearRegion:
		return nil, e.clearRegion(req.UUID, req.LUID, p.(ulog.RegionList).Regions, originator)
	case ulog.GetResyncWork:
		return e.getResyncWork(ctx, req.UUID, req.LUID, originator)
	case ulog.SetRegionSync:
		arg := p.(ulog.RegionSyncArg)
		return nil, e.setRegionSync(ctx, req.UUID, req.LUID, arg.Region, arg.InSync)
	case ulog.GetSyncCount:
		return e.getSyncCount(ctx, req.UUID, req.LUID)
	case ulog.StatusInfo:
		return e.status(req.UUID, req.LUID, (*Log).statusInfo)
	case ulog.StatusTable:
		return e.status(req.UUID, req.LUID, (*Log).statusTable)
	case ulog.IsRemoteRecovering:
		return e.isRemoteRecovering(ctx, req.UUID, req.LUID, p.(ulog.RegionArg).Region)
	}
	return nil, errors.Wrapf(errdefs.ErrInvalidArgument, "unknown request type %s", req.Type)
}

// LocalResume is the part of a resume that happens before the request goes
// to the cluster: a pending log waits out the resume throttle, joins its
// group and becomes official. An official log is left alone.
func (e *Engine) LocalResume(ctx context.Context, uuid string, luid uint64) error {
	if e.getLog(uuid, luid) != nil {
		return nil
	}
	i, l := find(e.pending, uuid, luid)
	if l == nil {
		log.G(ctx).WithField("uuid", ulog.ShortUUID(uuid)).Error("Resume called on log that is not official or pending")
		return errNoLog(uuid, luid)
	}

	if e.throttle > 0 && !l.suspendedAt.IsZero() {
		elapsed := e.clock.Since(l.suspendedAt)
		if elapsed >= 0 && elapsed < e.throttle {
			log.G(ctx).WithField("uuid", l.shortUUID()).Debugf("Resume issued %s after suspend, waiting %s", elapsed, e.throttle-elapsed)
			e.clock.Sleep(e.throttle - elapsed)
		}
	}

	if e.groups != nil {
		if err := e.groups.CreateGroup(ctx, l.UUID, l.LUID); err != nil {
			log.G(ctx).WithField("uuid", l.shortUUID()).WithError(err).Error("Failed to create cluster group")
			return err
		}
	}

	e.pending = remove(e.pending, i)
	e.official = append(e.official, l)
	e.updateGauges()
	return nil
}

// Finalize completes a postsuspend once the group has been left: the log
// moves back to the pending list and may be fed bits again.
func (e *Engine) Finalize(ctx context.Context, uuid string, luid uint64) error {
	i, l := find(e.official, uuid, luid)
	if l == nil {
		return errNoLog(uuid, luid)
	}
	log.G(ctx).WithField("uuid", l.shortUUID()).Debug("Postsuspend finalized")
	l.resumeOverride = 0
	e.official = remove(e.official, i)
	e.pending = append(e.pending, l)
	e.updateGauges()
	return nil
}

// State returns the state of the official log for (uuid, luid).
func (e *Engine) State(uuid string, luid uint64) (State, bool) {
	l := e.getLog(uuid, luid)
	if l == nil {
		return StateInvalid, false
	}
	return l.state, true
}

// HasLogs reports whether any log, pending or official, exists.
func (e *Engine) HasLogs() bool {
	return len(e.pending) > 0 || len(e.official) > 0
}

// Logs describes every log, official ones first.
func (e *Engine) Logs() []Info {
	infos := make([]Info, 0, len(e.official)+len(e.pending))
	for _, l := range e.official {
		infos = append(infos, l.info(false))
	}
	for _, l := range e.pending {
		infos = append(infos, l.info(true))
	}
	return infos
}
