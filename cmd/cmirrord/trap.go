package main

import (
	"context"
	"io"
	"os"
	"os/signal"

	"github.com/containerd/log"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

type shutdowner interface {
	Shutdown(ctx context.Context) error
	Dump(ctx context.Context, w io.Writer) error
}

// trapSignals calls stop on a termination signal once no log is left, and
// dumps the daemon state on SIGUSR1 and SIGUSR2.
func trapSignals(ctx context.Context, d shutdowner, stop func()) {
	c := make(chan os.Signal, 1)
	signal.Notify(c, unix.SIGTERM, unix.SIGINT, unix.SIGHUP, unix.SIGQUIT, unix.SIGUSR1, unix.SIGUSR2)
	defer signal.Stop(c)

	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-c:
			if handleSignal(ctx, d, sig.(unix.Signal)) {
				stop()
				return
			}
		}
	}
}

// handleSignal reports whether the daemon should exit.
func handleSignal(ctx context.Context, d shutdowner, sig unix.Signal) bool {
	logger := log.G(ctx).WithField("signal", unix.SignalName(sig))
	switch sig {
	case unix.SIGUSR1, unix.SIGUSR2:
		w := logrus.StandardLogger().WriterLevel(logrus.InfoLevel)
		defer w.Close()
		if err := d.Dump(ctx, w); err != nil {
			logger.WithError(err).Error("Failed to dump daemon state")
		}
		return false
	}
	if err := d.Shutdown(ctx); err != nil {
		logger.WithError(err).Warn("Received termination signal, not exiting")
		return false
	}
	logger.Info("Received termination signal, shutting down")
	return true
}
