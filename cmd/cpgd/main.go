// cpgd is the closed process group hub: it sequences the group traffic of
// every cmirrord in the cluster and holds their checkpoints.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/containerd/log"
	systemd "github.com/coreos/go-systemd/v22/daemon"
	"github.com/docker/go-metrics"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/moby/cmirrord/daemon/config"
	"github.com/moby/cmirrord/pkg/ckpt"
	"github.com/moby/cmirrord/pkg/ckpt/boltstore"
	"github.com/moby/cmirrord/pkg/cpg/hub"
	"github.com/moby/cmirrord/pkg/cpg/remote"
)

type options struct {
	listen        string
	checkpointDB  string
	queueLen      int
	metricsAddr   string
	logLevel      string
	logFormat     string
	groupsRefresh time.Duration
}

var (
	sessionsGauge metrics.Gauge
	groupsGauge   metrics.Gauge
)

func init() {
	ns := metrics.NewNamespace("cpgd", "", nil)
	sessionsGauge = ns.NewGauge("sessions", "The number of connected daemons", metrics.Total)
	groupsGauge = ns.NewGauge("groups", "The number of process groups with members", metrics.Total)
	metrics.Register(ns)
}

func newCommand() *cobra.Command {
	var opts options
	cmd := &cobra.Command{
		Use:           "cpgd [OPTIONS]",
		Short:         "Closed process group hub for cmirrord.",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), opts)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&opts.listen, "listen", config.DefaultHubAddress, "Address to listen on (unix:// or tcp://)")
	flags.StringVar(&opts.checkpointDB, "checkpoint-db", "", "Keep checkpoints in this database file instead of memory")
	flags.IntVar(&opts.queueLen, "queue-len", hub.DefaultQueueLen, "Number of undelivered events per member before senders are told to try again")
	flags.StringVar(&opts.metricsAddr, "metrics-addr", "", "Set address and port to serve the metrics api on")
	flags.StringVarP(&opts.logLevel, "log-level", "l", "info", `Set the logging level ("trace"|"debug"|"info"|"warn"|"error"|"fatal")`)
	flags.StringVar(&opts.logFormat, "log-format", "text", `Set the logging format ("text"|"json")`)
	flags.DurationVar(&opts.groupsRefresh, "groups-refresh", 10*time.Second, "Interval between updates of the groups metric")
	return cmd
}

func listen(addr string) (net.Listener, error) {
	network, address, err := config.ParseHubAddress(addr)
	if err != nil {
		return nil, err
	}
	if network == "unix" {
		if err := os.Remove(address); err != nil && !os.IsNotExist(err) {
			return nil, errors.Wrap(err, "failed to remove stale socket")
		}
	}
	return net.Listen(network, address)
}

func run(ctx context.Context, opts options) error {
	if err := log.SetLevel(opts.logLevel); err != nil {
		return err
	}
	if err := log.SetFormat(log.OutputFormat(opts.logFormat)); err != nil {
		return err
	}

	var store ckpt.Store = ckpt.NewMemoryStore()
	if opts.checkpointDB != "" {
		bs, err := boltstore.Open(opts.checkpointDB)
		if err != nil {
			return err
		}
		defer bs.Close()
		store = bs
	}

	l, err := listen(opts.listen)
	if err != nil {
		return err
	}

	h := hub.New(opts.queueLen)
	srv := remote.NewServer(h, store)
	srv.OnSessions = func(n int) { sessionsGauge.Set(float64(n)) }

	ctx, stop := signal.NotifyContext(ctx, unix.SIGTERM, unix.SIGINT)
	defer stop()

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		log.G(ctx).Infof("Listening on %s", l.Addr())
		return srv.Serve(ctx, l)
	})
	eg.Go(func() error {
		t := time.NewTicker(opts.groupsRefresh)
		defer t.Stop()
		for {
			groupsGauge.Set(float64(len(h.Groups())))
			select {
			case <-ctx.Done():
				return nil
			case <-t.C:
			}
		}
	})
	if opts.metricsAddr != "" {
		ml, err := net.Listen("tcp", opts.metricsAddr)
		if err != nil {
			return errors.Wrap(err, "failed to listen for metrics")
		}
		eg.Go(func() error {
			return serveMetrics(ctx, ml)
		})
	}

	_, _ = systemd.SdNotify(false, systemd.SdNotifyReady)
	err = eg.Wait()
	_, _ = systemd.SdNotify(false, systemd.SdNotifyStopping)
	return err
}

func serveMetrics(ctx context.Context, l net.Listener) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Minute}
	go func() {
		<-ctx.Done()
		srv.Close()
	}()
	log.G(ctx).Infof("metrics API listening on %s", l.Addr())
	if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "metrics API")
	}
	return nil
}

func main() {
	if err := newCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}
