package cluster

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/containerd/log"
	"github.com/pkg/errors"

	"github.com/moby/cmirrord/daemon/internal/metrics"
	"github.com/moby/cmirrord/daemon/ulog"
	"github.com/moby/cmirrord/pkg/cpg"
)

// linearBackOff waits one more step after each attempt.
type linearBackOff struct {
	step time.Duration
	n    int
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.n++
	return time.Duration(b.n) * b.step
}

func (b *linearBackOff) Reset() { b.n = 0 }

// tracked reports whether a request waits in the working queue for a
// response from the server.
func tracked(t ulog.Type) bool {
	if t.IsResponse() {
		return false
	}
	switch t {
	case ulog.ClearRegion, ulog.Resume, ulog.CheckpointReady:
		return false
	}
	return true
}

// send multicasts msg to the group. Requests that expect a response are
// queued on the working list before they go out so the response can never
// overtake them.
func (g *group) send(ctx context.Context, msg *Message) error {
	if !g.joined {
		return errNotJoined
	}
	req := msg.Request
	req.LUID = 0
	if !req.Type.IsResponse() && req.Type != ulog.CheckpointReady {
		msg.Originator = 0
	}

	data, err := msg.MarshalBinary()
	if err != nil {
		return err
	}

	track := tracked(req.Type)
	if track {
		g.working = append(g.working, msg)
	}

	logger := log.G(ctx).WithField("uuid", g.shortUUID())
	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		err := g.handle.Multicast(data)
		if err != nil && !errors.Is(err, cpg.ErrTryAgain) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(&linearBackOff{step: g.c.retryStep}),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(retryNotifier(logger, req.Type)),
	)
	if err != nil {
		if track {
			g.untrack(msg)
		}
		logger.WithError(err).Errorf("Failed to send %s to cluster", req.Type)
		return errors.Wrap(errBadExchange, err.Error())
	}
	metrics.ClusterSends.WithValues(req.Type.Base().String()).Inc()
	return nil
}

func (g *group) untrack(msg *Message) {
	for i, w := range g.working {
		if w == msg {
			g.working = append(g.working[:i:i], g.working[i+1:]...)
			return
		}
	}
}

// retryNotifier logs congestion less often the longer it lasts.
func retryNotifier(logger *log.Entry, t ulog.Type) backoff.Notify {
	count := 0
	return func(err error, next time.Duration) {
		count++
		metrics.MulticastRetries.Inc()
		switch {
		case count < 10:
			logger.Debugf("Retry #%d of multicast of %s", count, t)
		case count < 100:
			if count%10 == 0 {
				logger.Debugf("Retry #%d of multicast of %s", count, t)
			}
		case count < 1000:
			if count%100 == 0 {
				logger.Warnf("Retry #%d of multicast of %s", count, t)
			}
		case count < 10000:
			if count%1000 == 0 {
				logger.Warnf("Retry #%d of multicast of %s - transport not handling the load?", count, t)
			}
		default:
			if count%10000 == 0 {
				logger.Errorf("Retry #%d of multicast of %s - livelock?", count, t)
			}
		}
	}
}
