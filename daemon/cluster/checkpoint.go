package cluster

import (
	"context"
	"fmt"

	"github.com/cenkalti/backoff/v5"
	"github.com/containerd/errdefs"
	"github.com/pkg/errors"

	"github.com/moby/cmirrord/daemon/internal/metrics"
	"github.com/moby/cmirrord/daemon/mirrorlog"
	"github.com/moby/cmirrord/daemon/ulog"
	"github.com/moby/cmirrord/pkg/ckpt"
	"github.com/moby/cmirrord/pkg/cpg"
)

// checkpointName is the checkpoint written for requester.
func checkpointName(name string, requester cpg.NodeID) string {
	return fmt.Sprintf("bitmaps_%s_%d", ulog.ShortUUID(name), requester)
}

type checkpointJob struct {
	requester cpg.NodeID
	sections  []ckpt.Section
}

// prepareCheckpoint snapshots the log state for requester.
func (g *group) prepareCheckpoint(requester cpg.NodeID) (*checkpointJob, error) {
	if g.state != stateValid {
		return nil, errors.Wrapf(errdefs.ErrFailedPrecondition, "checkpoint of %s log", g.state)
	}
	cp := &checkpointJob{requester: requester}
	for _, id := range mirrorlog.Sections {
		data, err := g.c.engine.PushState(g.ctx, g.name, g.luid, id, requester)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to store %s", id)
		}
		cp.sections = append(cp.sections, ckpt.Section{ID: id, Data: data})
	}
	return cp, nil
}

// exportCheckpoint writes cp to the store and tells its requester. A
// checkpoint left incomplete by a failure is removed so the retry writes it
// again from the start.
func (g *group) exportCheckpoint(ctx context.Context, cp *checkpointJob) (retErr error) {
	c := g.c
	name := checkpointName(g.name, cp.requester)
	logger := g.logger()
	logger.Debugf("Sending checkpointed data to %d", cp.requester)

	created := false
	defer func() {
		if retErr == nil || !created {
			return
		}
		if err := c.store.Unlink(ctx, name); err != nil {
			logger.WithError(err).Warnf("Failed to remove incomplete checkpoint for %d", cp.requester)
		}
	}()

	for _, sec := range cp.sections {
		_, err := backoff.Retry(ctx, func() (struct{}, error) {
			err := c.store.CreateSection(ctx, name, sec.ID, sec.Data)
			if err != nil && !errdefs.IsUnavailable(err) {
				return struct{}{}, backoff.Permanent(err)
			}
			return struct{}{}, err
		},
			backoff.WithBackOff(backoff.NewConstantBackOff(c.importRetry)),
			backoff.WithMaxElapsedTime(c.importTimeout),
		)
		switch {
		case errdefs.IsAlreadyExists(err) && !created:
			// Another member got there first.
			logger.Debugf("Checkpoint for %d already handled", cp.requester)
			return nil
		case errdefs.IsAlreadyExists(err):
			logger.Debugf("Checkpoint section %s for %d already present", sec.ID, cp.requester)
		case err != nil:
			return errors.Wrapf(err, "failed to create checkpoint section %s for %d", sec.ID, cp.requester)
		default:
			created = true
		}
	}

	msg := &Message{
		Originator: cp.requester,
		Request: &ulog.Request{
			UUID:    g.name,
			Version: ulog.Version,
			Type:    ulog.CheckpointReady,
			Seq:     uint32(c.myID),
		},
	}
	if err := g.send(ctx, msg); err != nil {
		return errors.Wrapf(err, "failed to send checkpoint ready notice to %d", cp.requester)
	}
	metrics.CheckpointsExported.Inc()
	return nil
}

// doCheckpoints exports the prepared checkpoints. A failed export stays
// queued for the next dispatch.
func (g *group) doCheckpoints(ctx context.Context) {
	for len(g.checkpoints) > 0 {
		cp := g.checkpoints[0]
		if err := g.exportCheckpoint(ctx, cp); err != nil {
			g.logger().WithError(err).Error("Failed to export checkpoint")
			return
		}
		g.checkpoints = g.checkpoints[1:]
		g.history.add("Checkpoint exported to %d", cp.requester)
	}
}

// importCheckpoint loads the checkpoint written for this node. With noRead
// the checkpoint is only discarded. A checkpoint that stays incomplete is
// kept in the store for retryImport.
func (g *group) importCheckpoint(ctx context.Context, noRead bool, opts ...backoff.RetryOption) (retErr error) {
	c := g.c
	name := checkpointName(g.name, c.myID)
	defer func() {
		if retErr != nil && !errdefs.IsDataLoss(retErr) {
			return
		}
		if err := c.store.Unlink(ctx, name); err != nil {
			g.logger().WithError(err).Warn("Failed to unlink checkpoint")
		}
	}()
	if noRead {
		return nil
	}

	// The exporter writes the sections before its notice is delivered, but
	// a store replicated between nodes may lag behind.
	opts = append([]backoff.RetryOption{
		backoff.WithBackOff(backoff.NewConstantBackOff(c.importRetry)),
		backoff.WithMaxElapsedTime(c.importTimeout),
	}, opts...)
	sections, err := backoff.Retry(ctx, func() ([]ckpt.Section, error) {
		sections, err := c.store.Sections(ctx, name)
		switch {
		case errdefs.IsNotFound(err):
			return nil, err
		case err != nil:
			return nil, backoff.Permanent(err)
		case len(sections) < len(mirrorlog.Sections):
			return nil, errCheckpointIncomplete
		}
		return sections, nil
	}, opts...)
	if err != nil {
		return errors.Wrapf(err, "failed to read checkpoint %s", name)
	}

	for _, sec := range sections {
		if err := c.engine.PullState(ctx, g.name, g.luid, sec.ID, sec.Data); err != nil {
			return corruptCheckpointError{name: name, err: err}
		}
	}
	metrics.CheckpointsImported.Inc()
	return nil
}

// retryImport makes one more attempt at an import that timed out. It runs
// on every dispatch until the log is valid.
func (g *group) retryImport(ctx context.Context) {
	if !g.importPending {
		return
	}
	if g.state != stateInvalid {
		g.importPending = false
		_ = g.importCheckpoint(ctx, true)
		return
	}
	err := g.importCheckpoint(ctx, false, backoff.WithMaxTries(1))
	switch {
	case errdefs.IsDataLoss(err):
		g.importPending = false
		g.logger().WithError(err).Error("Failed to import checkpoint")
		g.c.alarm()
		return
	case err != nil:
		g.logger().WithError(err).Debug("Checkpoint still not importable")
		return
	}
	g.importPending = false
	g.logger().Debug("Checkpoint data received. Log is now valid")
	g.state = stateValid
	g.flushStartup()
}
