package mirrorlog

import (
	"context"
	"fmt"

	"github.com/containerd/errdefs"
	"github.com/containerd/log"
	"github.com/pkg/errors"

	"github.com/moby/cmirrord/pkg/cpg"
)

// Checkpoint section names.
const (
	SectionCleanBits  = "clean_bits"
	SectionSyncBits   = "sync_bits"
	SectionRecovering = "recovering_region"
)

// Sections lists the checkpoint sections in export order.
var Sections = []string{SectionCleanBits, SectionSyncBits, SectionRecovering}

// PushState returns the content of one checkpoint section of the official
// log for (uuid, luid).
func (e *Engine) PushState(ctx context.Context, uuid string, luid uint64, section string, requester cpg.NodeID) ([]byte, error) {
	l := e.getLog(uuid, luid)
	if l == nil {
		return nil, errNoLog(uuid, luid)
	}
	logger := log.G(ctx).WithField("uuid", l.shortUUID())

	switch section {
	case SectionRecovering:
		logger.Debugf("Storing recovering region for node %d: %d/%d", requester, l.recovering, l.recoverer)
		return []byte(fmt.Sprintf("%d %d", l.recovering, l.recoverer)), nil
	case SectionSyncBits:
		logger.Debugf("Storing sync bits for node %d (%d in sync)", requester, l.syncCount)
		return l.sync.MarshalBinary()
	case SectionCleanBits:
		logger.Debugf("Storing clean bits for node %d", requester)
		return l.clean.MarshalBinary()
	}
	return nil, errors.Wrapf(errdefs.ErrInvalidArgument, "unknown checkpoint section %q", section)
}

// PullState loads one checkpoint section into the official log for
// (uuid, luid). Loading both bitmaps satisfies the next resume.
func (e *Engine) PullState(ctx context.Context, uuid string, luid uint64, section string, data []byte) error {
	l := e.getLog(uuid, luid)
	if l == nil {
		return errNoLog(uuid, luid)
	}
	logger := log.G(ctx).WithField("uuid", l.shortUUID())

	switch section {
	case SectionRecovering:
		var region uint64
		var recoverer uint32
		if _, err := fmt.Sscanf(string(data), "%d %d", &region, &recoverer); err != nil {
			return errors.Wrapf(errdefs.ErrInvalidArgument, "bad recovering region %q", data)
		}
		l.recovering = region
		l.recoverer = cpg.NodeID(recoverer)
		logger.Debugf("Recovering region loaded: %d/%d", region, recoverer)
		return nil
	case SectionSyncBits:
		if err := l.sync.UnmarshalBinary(data); err != nil {
			return errors.Wrap(err, SectionSyncBits)
		}
		l.resumeOverride += overrideSyncLoaded
		l.syncCount = l.sync.Count()
		logger.Debugf("Sync bits loaded (%d in sync)", l.syncCount)
		return nil
	case SectionCleanBits:
		if err := l.clean.UnmarshalBinary(data); err != nil {
			return errors.Wrap(err, SectionCleanBits)
		}
		l.resumeOverride += overrideCleanLoaded
		logger.Debug("Clean bits loaded")
		return nil
	}
	return errors.Wrapf(errdefs.ErrInvalidArgument, "unknown checkpoint section %q", section)
}
