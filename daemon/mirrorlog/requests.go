package mirrorlog

import (
	"context"
	"strconv"

	"github.com/containerd/errdefs"
	"github.com/containerd/log"
	"github.com/pkg/errors"

	"github.com/moby/cmirrord/daemon/ulog"
	"github.com/moby/cmirrord/pkg/cpg"
)

// ctr creates a pending log. Arguments are
//
//	clustered_core <region_size> [sync|nosync] [block_on_error] <device_size>
//	clustered_disk <device> <region_size> [sync|nosync] [block_on_error] <device_size>
//
// The hyphenated type names are accepted as well. A disk log returns its
// device argument.
func (e *Engine) ctr(ctx context.Context, uuid string, luid uint64, args []string) ([]byte, error) {
	if len(args) < 3 {
		return nil, errors.Wrapf(errdefs.ErrInvalidArgument, "too few constructor arguments (%d)", len(args))
	}

	var diskArg string
	switch args[0] {
	case "clustered_core", "clustered-core":
		args = args[1:]
	case "clustered_disk", "clustered-disk":
		if len(args) < 4 {
			return nil, errors.Wrapf(errdefs.ErrInvalidArgument, "too few constructor arguments (%d)", len(args))
		}
		diskArg = args[1]
		args = args[2:]
	default:
		return nil, errors.Wrapf(errdefs.ErrInvalidArgument, "unknown log type %q", args[0])
	}

	regionSize, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil || regionSize == 0 || regionSize&(regionSize-1) != 0 {
		return nil, errors.Wrapf(errdefs.ErrInvalidArgument, "invalid region size %q", args[0])
	}
	deviceSize, err := strconv.ParseUint(args[len(args)-1], 10, 64)
	if err != nil {
		return nil, errors.Wrapf(errdefs.ErrInvalidArgument, "invalid device size %q", args[len(args)-1])
	}

	policy := SyncDefault
	blockOnError := false
	for _, a := range args[1 : len(args)-1] {
		switch a {
		case "sync":
			policy = SyncForce
		case "nosync":
			policy = SyncNoSync
		case "block_on_error":
			blockOnError = true
		default:
			return nil, errors.Wrapf(errdefs.ErrInvalidArgument, "unsupported constructor argument %q", a)
		}
	}

	if e.getAnyLog(uuid, luid) != nil {
		return nil, errors.Wrapf(errdefs.ErrAlreadyExists, "log %s/%d already exists", ulog.ShortUUID(uuid), luid)
	}

	regionCount := (deviceSize + regionSize - 1) / regionSize
	l := newLog(uuid, luid, regionSize, regionCount)
	l.policy = policy
	l.blockOnError = blockOnError

	if diskArg != "" {
		d, err := openDisk(e.devDir, diskArg, regionCount)
		if err != nil {
			return nil, err
		}
		l.disk = d
	}

	e.pending = append(e.pending, l)
	e.updateGauges()
	log.G(ctx).Debugf("Cluster log created (%d regions of %d)", regionCount, regionSize)

	if l.disk != nil {
		return []byte(diskArg), nil
	}
	return nil, nil
}

// dtr frees a log. An official log leaves its group first; that is only
// expected when no postsuspend came before.
func (e *Engine) dtr(ctx context.Context, uuid string, luid uint64) error {
	var l *Log
	if i, o := find(e.official, uuid, luid); o != nil {
		log.G(ctx).Error("DTR before SUS: leaving group")
		if e.groups != nil {
			if err := e.groups.DestroyGroup(ctx, uuid); err != nil {
				log.G(ctx).WithError(err).Warn("Failed to leave group")
			}
		}
		e.official = remove(e.official, i)
		l = o
	} else if i, p := find(e.pending, uuid, luid); p != nil {
		e.pending = remove(e.pending, i)
		l = p
	} else {
		return errNoLog(uuid, luid)
	}
	e.updateGauges()

	if l.disk != nil {
		if err := l.disk.close(); err != nil {
			log.G(ctx).WithError(err).Error("Failed to close log device")
		}
	}
	log.G(ctx).Debug("Cluster log removed")
	return nil
}

func (e *Engine) presuspend(ctx context.Context, uuid string, luid uint64) error {
	l := e.getLog(uuid, luid)
	if l == nil {
		return errNoLog(uuid, luid)
	}
	if l.touched {
		log.G(ctx).Debug("Log still marked as touched during suspend")
	}
	l.recoveryHalted = true
	return nil
}

// postsuspend leaves the group. The log moves to the pending list when the
// leave completes (see Finalize).
func (e *Engine) postsuspend(ctx context.Context, uuid string, luid uint64) error {
	l := e.getLog(uuid, luid)
	if l == nil {
		return errNoLog(uuid, luid)
	}
	log.G(ctx).Debug("Postsuspend: leaving group")
	if e.groups != nil {
		if err := e.groups.DestroyGroup(ctx, uuid); err != nil {
			return err
		}
	}
	l.state = StateSuspended
	l.recovering = NoRegion
	l.recoverer = NoNode
	l.suspendedAt = e.clock.Now()
	return nil
}

// resume loads the log bits. The first node to resume (the master) reads
// the disk log if there is one; other nodes have received both bitmaps
// through a checkpoint before the resume is delivered.
func (e *Engine) resume(ctx context.Context, uuid string, luid uint64) error {
	l := e.getLog(uuid, luid)
	if l == nil {
		return errNoLog(uuid, luid)
	}
	logger := log.G(ctx)

	var err error
	switch l.resumeOverride {
	case overrideResumed:
		logger.Error("Additional resume issued before suspend")
		return nil
	case 0:
		l.resumeOverride = overrideResumed
		diskRegions := uint64(0)
		if l.disk != nil {
			logger.Debug("Master resume: reading disk log")
			diskRegions, err = e.readDisk(ctx, l)
		} else {
			logger.Debug("Master resume")
		}
		e.resizeBits(l, diskRegions)
		if l.disk != nil {
			if werr := l.disk.write(l.clean); werr != nil {
				logger.WithError(werr).Error("Failed initial disk log write")
				err = werr
			} else {
				logger.Debug("Disk log initialized")
			}
			l.touched = false
		}
	case overrideSyncLoaded:
		return errors.Wrap(errdefs.ErrInvalidArgument, "partial bit loading (just sync_bits)")
	case overrideCleanLoaded:
		return errors.Wrap(errdefs.ErrInvalidArgument, "partial bit loading (just clean_bits)")
	case overrideBothLoaded:
		logger.Debug("Non-master resume: bits pre-loaded")
		l.resumeOverride = overrideResumed
	default:
		return errors.Wrapf(errdefs.ErrInvalidArgument, "multiple loading of bits (%d)", l.resumeOverride)
	}

	if old, diverged := l.repairSyncCount(); diverged {
		logger.Debugf("Sync count %d reset to %d", old, l.syncCount)
	}
	l.syncSearch = 0
	l.state = StateResumed
	l.recoveryHalted = false
	logger.Debugf("Log resumed: %d/%d regions in sync", l.syncCount, l.regionCount)
	return err
}

// readDisk loads the clean bits from disk and returns how many regions the
// disk log described. Regions past that follow the sync policy.
func (e *Engine) readDisk(ctx context.Context, l *Log) (uint64, error) {
	logger := log.G(ctx)
	if l.disk.failed {
		logger.Error("Log device has failed, unable to read bits")
		return 0, nil
	}
	err := l.disk.read(l.clean)
	switch {
	case err == nil:
		n := l.disk.nrRegions
		if n < l.regionCount {
			logger.Debug("Mirror has grown, updating log bits")
		} else if n > l.regionCount {
			logger.Debug("Mirror has shrunk, updating log bits")
			n = l.regionCount
		}
		return n, nil
	case errors.Is(err, errBadMagic):
		logger.Debug("(Re)initializing mirror log - resync issued")
		return 0, nil
	default:
		logger.WithError(err).Error("Failed to read disk log")
		return 0, err
	}
}

// resizeBits sets the clean bits of regions from onward according to the
// sync policy, then copies clean into sync.
func (e *Engine) resizeBits(l *Log, from uint64) {
	l.clean.SetRange(from, l.policy == SyncNoSync)
	l.touched = true
	l.sync.CopyFrom(l.clean)
}

func (e *Engine) getRegionSize(uuid string, luid uint64) ([]byte, error) {
	l := e.getAnyLog(uuid, luid)
	if l == nil {
		return nil, errNoLog(uuid, luid)
	}
	return ulog.EncodeUint64(l.regionSize), nil
}

func (e *Engine) isClean(uuid string, luid uint64, region uint64) ([]byte, error) {
	l := e.getLog(uuid, luid)
	if l == nil {
		return nil, errNoLog(uuid, luid)
	}
	return ulog.EncodeBool(l.clean.Test(region)), nil
}

func (e *Engine) inSync(ctx context.Context, uuid string, luid uint64, region uint64) ([]byte, error) {
	l := e.getLog(uuid, luid)
	if l == nil {
		return nil, errNoLog(uuid, luid)
	}
	if region >= l.regionCount {
		return nil, errors.Wrapf(errdefs.ErrInvalidArgument, "region %d out of range (%d regions)", region, l.regionCount)
	}
	v := l.sync.Test(region)
	log.G(ctx).Tracef("Region %d in-sync: %t", region, v)
	return ulog.EncodeBool(v), nil
}

func (e *Engine) flush(ctx context.Context, uuid string, luid uint64, server bool) error {
	l := e.getLog(uuid, luid)
	if l == nil {
		return errNoLog(uuid, luid)
	}
	if !l.touched {
		return nil
	}
	var err error
	if server && l.disk != nil {
		if err = l.disk.write(l.clean); err != nil {
			log.G(ctx).WithError(err).Error("Error writing to disk log")
		} else {
			log.G(ctx).Debug("Disk log written")
		}
	}
	l.touched = false
	return err
}

func (e *Engine) markRegion(ctx context.Context, uuid string, luid uint64, regions []uint64, who cpg.NodeID) error {
	l := e.getLog(uuid, luid)
	if l == nil {
		return errNoLog(uuid, luid)
	}
	if l.state != StateResumed {
		log.G(ctx).Debug("Mark region issued to a log that is not resumed")
	}
	for _, r := range regions {
		l.mark(r, who)
	}
	return nil
}

func (e *Engine) clearRegion(uuid string, luid uint64, regions []uint64, who cpg.NodeID) error {
	l := e.getLog(uuid, luid)
	if l == nil {
		return errNoLog(uuid, luid)
	}
	for _, r := range regions {
		l.unmark(r, who)
	}
	return nil
}

// getResyncWork hands out at most one region per log for recovery.
func (e *Engine) getResyncWork(ctx context.Context, uuid string, luid uint64, who cpg.NodeID) ([]byte, error) {
	l := e.getLog(uuid, luid)
	if l == nil {
		return nil, errNoLog(uuid, luid)
	}
	w := l.nextResyncWork(ctx, who)
	return w.MarshalBinary()
}

func (l *Log) nextResyncWork(ctx context.Context, who cpg.NodeID) ulog.ResyncWork {
	logger := log.G(ctx)
	if l.syncSearch >= l.regionCount {
		logger.Tracef("Node %d: recovery finished", who)
		return ulog.ResyncWork{}
	}

	if l.recovering != NoRegion {
		if l.recoverer == who {
			logger.Debugf("Node %d: re-requesting work (%d)", who, l.recovering)
			return ulog.ResyncWork{Assigned: true, Region: l.recovering}
		}
		logger.Tracef("Node %d: someone already recovering (%d)", who, l.recovering)
		return ulog.ResyncWork{}
	}

	for len(l.recoveryRequests) > 0 {
		r := l.recoveryRequests[0]
		l.recoveryRequests = l.recoveryRequests[1:]
		if !l.sync.Test(r) && r < l.regionCount {
			logger.Debugf("Node %d: assigning priority resync work (%d)", who, r)
			l.recovering = r
			l.recoverer = who
			return ulog.ResyncWork{Assigned: true, Region: r}
		}
	}

	r := l.sync.NextClear(l.syncSearch)
	if r >= l.regionCount {
		logger.Debugf("Node %d: resync work complete", who)
		l.syncSearch = l.regionCount + 1
		return ulog.ResyncWork{}
	}
	l.syncSearch = r + 1
	logger.Tracef("Node %d: assigning resync work (%d)", who, r)
	l.recovering = r
	l.recoverer = who
	return ulog.ResyncWork{Assigned: true, Region: r}
}

func (e *Engine) setRegionSync(ctx context.Context, uuid string, luid uint64, region uint64, inSync bool) error {
	l := e.getLog(uuid, luid)
	if l == nil {
		return errNoLog(uuid, luid)
	}
	if region >= l.regionCount {
		return errors.Wrapf(errdefs.ErrInvalidArgument, "region %d out of range (%d regions)", region, l.regionCount)
	}
	logger := log.G(ctx)

	l.recovering = NoRegion
	l.recoverer = NoNode

	switch {
	case inSync && l.sync.Test(region):
		logger.Tracef("Region already set (%d)", region)
	case inSync:
		l.setBit(l.sync, region)
		l.syncCount++
		logger.Tracef("Setting region (%d)", region)

		if region == l.skipBitWarning {
			l.skipBitWarning = l.regionCount
		}
		if region > l.skipBitWarning+5 {
			logger.Warnf("Region %d skipped during recovery", l.skipBitWarning)
			l.skipBitWarning = l.regionCount
		}
		prev := uint64(0)
		if region > 0 {
			prev = region - 1
		}
		if !l.sync.Test(prev) {
			logger.Debugf("Previous bit not set (%d)", prev)
			l.skipBitWarning = prev
		}
	case l.sync.Test(region):
		l.clearBit(l.sync, region)
		l.syncCount--
		logger.Tracef("Unsetting region (%d)", region)
	}

	if old, diverged := l.repairSyncCount(); diverged {
		logger.Errorf("sync_count(%d) != bitmap count(%d)", old, l.syncCount)
	}
	if l.syncCount > l.regionCount {
		logger.Errorf("sync_count(%d) > region_count(%d)", l.syncCount, l.regionCount)
	}
	return nil
}

func (e *Engine) getSyncCount(ctx context.Context, uuid string, luid uint64) ([]byte, error) {
	l := e.getAnyLog(uuid, luid)
	if l == nil {
		return nil, errNoLog(uuid, luid)
	}
	if old, diverged := l.repairSyncCount(); diverged {
		log.G(ctx).Errorf("sync_count(%d) != bitmap count(%d)", old, l.syncCount)
	}
	return ulog.EncodeUint64(l.syncCount), nil
}

func (e *Engine) isRemoteRecovering(ctx context.Context, uuid string, luid uint64, region uint64) ([]byte, error) {
	l := e.getLog(uuid, luid)
	if l == nil {
		return nil, errNoLog(uuid, luid)
	}
	if region > l.regionCount {
		return nil, errors.Wrapf(errdefs.ErrInvalidArgument, "region %d out of range (%d regions)", region, l.regionCount)
	}

	var s ulog.RecoveringStatus
	if l.recoveryHalted {
		log.G(ctx).Debugf("Recovery halted, region %d not remote recovering", region)
		s.InSyncHint = l.regionCount
	} else {
		s.IsRecovering = region < l.regionCount && !l.sync.Test(region)
		if l.syncSearch > 0 {
			s.InSyncHint = l.syncSearch - 1
		}
	}

	if s.IsRecovering && region != l.recovering && l.queueRecovery(region) {
		log.G(ctx).Debugf("Adding region to priority list: %d", region)
	}
	return s.MarshalBinary()
}

func (e *Engine) status(uuid string, luid uint64, format func(*Log) string) ([]byte, error) {
	l := e.getAnyLog(uuid, luid)
	if l == nil {
		return nil, errNoLog(uuid, luid)
	}
	return []byte(format(l)), nil
}
