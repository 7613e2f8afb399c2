// Package daemon wires the parts of cmirrord together: the kernel bridge,
// the log engine, the cluster and the event loop that serializes them.
package daemon

import (
	"context"
	"io"
	"net"
	"strconv"

	"code.cloudfoundry.org/clock"
	"github.com/containerd/errdefs"
	"github.com/containerd/log"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/moby/cmirrord/daemon/cluster"
	"github.com/moby/cmirrord/daemon/config"
	"github.com/moby/cmirrord/daemon/kernel"
	"github.com/moby/cmirrord/daemon/linkmon"
	"github.com/moby/cmirrord/daemon/mirrorlog"
	"github.com/moby/cmirrord/pkg/ckpt"
	"github.com/moby/cmirrord/pkg/cpg"
	"github.com/moby/cmirrord/pkg/cpg/hub"
	"github.com/moby/cmirrord/pkg/cpg/remote"
)

// ErrLogsExist is returned by Shutdown while mirror logs are still
// configured.
var ErrLogsExist = errors.Wrap(errdefs.ErrFailedPrecondition, "cluster logs exist")

// Options carries the collaborators that the configuration does not
// describe. Zero values are replaced by the ones the configuration selects.
type Options struct {
	// Kernel defaults to the netlink connector.
	Kernel kernel.Conn

	// Transport and Store default to an in-process hub and memory store for
	// the local transport, and to a cpgd connection for the hub transport.
	Transport cpg.Transport
	Store     ckpt.Store

	Clock clock.Clock

	// Alarm is raised on checkpoint corruption.
	Alarm func()
}

// Daemon is a running cmirrord.
type Daemon struct {
	conf    *config.Config
	monitor *linkmon.Monitor
	engine  *mirrorlog.Engine
	cluster *cluster.Cluster
	kernel  *kernel.Bridge

	// client is set when the transport is a cpgd connection.
	client *remote.Client

	metricsListener net.Listener
}

// New validates conf and connects the daemon to the kernel and to the
// group transport.
func New(ctx context.Context, conf *config.Config, opts Options) (_ *Daemon, retErr error) {
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	d := &Daemon{conf: conf, monitor: linkmon.New()}
	defer func() {
		if retErr != nil {
			d.close()
		}
	}()

	transport, store := opts.Transport, opts.Store
	if transport == nil {
		switch conf.Transport {
		case config.TransportLocal:
			transport = hub.New(hub.DefaultQueueLen).Node(cpg.NodeID(conf.NodeID))
		case config.TransportHub:
			network, addr, err := config.ParseHubAddress(conf.HubAddress)
			if err != nil {
				return nil, err
			}
			c, err := remote.Dial(ctx, network, addr, cpg.NodeID(conf.NodeID))
			if err != nil {
				return nil, errors.Wrapf(err, "failed to connect to hub at %s", conf.HubAddress)
			}
			log.G(ctx).WithField("session", c.Session()).Infof("Connected to hub at %s", conf.HubAddress)
			d.client = c
			transport = c
			if store == nil {
				store = c
			}
		}
	}
	if store == nil {
		store = ckpt.NewMemoryStore()
	}

	conn := opts.Kernel
	if conn == nil {
		var err error
		if conn, err = kernel.Dial(); err != nil {
			return nil, errors.Wrap(err, "failed to open kernel connector")
		}
	}

	d.engine = mirrorlog.New(mirrorlog.Config{
		DevDir:         conf.DevDir,
		ResumeThrottle: conf.ResumeThrottle,
		Clock:          opts.Clock,
	})
	d.kernel = kernel.New(kernel.Config{
		Conn:        conn,
		Engine:      d.engine,
		Monitor:     d.monitor,
		Node:        transport.LocalNode(),
		RequestSize: conf.RequestSize,
	})
	d.cluster = cluster.New(cluster.Config{
		Engine:    d.engine,
		Kernel:    d.kernel,
		Transport: transport,
		Store:     store,
		Monitor:   d.monitor,
		Alarm:     opts.Alarm,
	})
	d.kernel.SetCluster(d.cluster)
	d.engine.SetGroups(d.cluster)
	nodeInfo.WithValues(strconv.FormatUint(uint64(conf.NodeID), 10), conf.Transport).Set(1)

	if conf.MetricsAddress != "" {
		l, err := net.Listen("tcp", conf.MetricsAddress)
		if err != nil {
			return nil, errors.Wrap(err, "failed to listen for metrics")
		}
		d.metricsListener = l
	}
	return d, nil
}

// Run processes kernel and cluster events until ctx is done, the kernel
// connector fails or the hub connection is lost.
func (d *Daemon) Run(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return d.monitor.Run(ctx)
	})
	d.kernel.Start(ctx)
	eg.Go(func() error {
		select {
		case <-ctx.Done():
			return nil
		case <-d.kernel.Done():
			if err := d.kernel.Err(); err != nil {
				return errors.Wrap(err, "kernel connector failed")
			}
			return errors.New("kernel connector closed")
		}
	})
	if d.client != nil {
		eg.Go(func() error {
			select {
			case <-ctx.Done():
				return nil
			case <-d.client.Done():
				if err := d.client.Err(); err != nil {
					return errors.Wrap(err, "lost connection to hub")
				}
				return errors.New("hub connection closed")
			}
		})
	}
	if d.metricsListener != nil {
		eg.Go(func() error {
			return serveMetrics(ctx, d.metricsListener)
		})
	}

	log.G(ctx).WithField("node", d.cluster.LocalNode()).Info("Daemon has completed initialization")
	err := eg.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Shutdown reports whether the daemon may exit. It returns ErrLogsExist
// while any log is configured.
func (d *Daemon) Shutdown(ctx context.Context) error {
	var hasLogs bool
	if err := d.monitor.Do(ctx, func(context.Context) {
		hasLogs = d.engine.HasLogs()
	}); err != nil {
		return err
	}
	if hasLogs {
		return ErrLogsExist
	}
	return nil
}

// Dump writes the state of every log and group to w.
func (d *Daemon) Dump(ctx context.Context, w io.Writer) error {
	var (
		logs   []mirrorlog.Info
		groups []cluster.GroupInfo
	)
	if err := d.monitor.Do(ctx, func(context.Context) {
		logs = d.engine.Logs()
		groups = d.cluster.Groups()
	}); err != nil {
		return err
	}
	return writeDiagnostics(w, logs, groups)
}

// Close releases the kernel connector and the hub connection.
func (d *Daemon) Close() error {
	return d.close()
}

func (d *Daemon) close() error {
	var err error
	if d.kernel != nil {
		if cerr := d.kernel.Close(); cerr != nil {
			err = cerr
		}
	}
	if d.client != nil {
		if cerr := d.client.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	if d.metricsListener != nil {
		d.metricsListener.Close()
	}
	return err
}
