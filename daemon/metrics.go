package daemon

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/containerd/log"
	"github.com/docker/go-metrics"
	"github.com/pkg/errors"
)

var nodeInfo metrics.LabeledGauge

func init() {
	ns := metrics.NewNamespace("cmirrord", "daemon", nil)
	nodeInfo = ns.NewLabeledGauge("node", "The node id and group transport of the daemon process", metrics.Unit("info"),
		"node_id",
		"transport",
	)
	metrics.Register(ns)
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
