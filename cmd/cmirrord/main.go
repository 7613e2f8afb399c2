package main

import (
	"context"
	"fmt"
	"os"

	"github.com/containerd/log"
	systemd "github.com/coreos/go-systemd/v22/daemon"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/moby/cmirrord/daemon"
	"github.com/moby/cmirrord/daemon/config"
	"github.com/moby/cmirrord/pkg/pidfile"
)

// version is set at build time.
var version = "dev"

const flagDaemonConfigFile = "config-file"

type daemonOptions struct {
	version      bool
	configFile   string
	daemonConfig *config.Config
	flags        *pflag.FlagSet
}

func newDaemonCommand() *cobra.Command {
	opts := daemonOptions{
		daemonConfig: config.New(),
	}

	cmd := &cobra.Command{
		Use:           "cmirrord [OPTIONS]",
		Short:         "Cluster mirror log daemon.",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.flags = cmd.Flags()
			return runDaemon(cmd.Context(), opts)
		},
		DisableFlagsInUseLine: true,
	}

	installFlags(&opts, cmd.Flags())
	return cmd
}

func installFlags(opts *daemonOptions, flags *pflag.FlagSet) {
	flags.BoolVarP(&opts.version, "version", "v", false, "Print version information and quit")
	flags.StringVar(&opts.configFile, flagDaemonConfigFile, config.DefaultConfigFile, "Daemon configuration file")
	opts.daemonConfig.InstallFlags(flags)
}

func loadConfig(opts daemonOptions) error {
	err := config.MergeDaemonConfigurations(opts.daemonConfig, opts.flags, opts.configFile)
	if errors.Is(err, os.ErrNotExist) && !opts.flags.Changed(flagDaemonConfigFile) {
		return nil
	}
	return err
}

func runDaemon(ctx context.Context, opts daemonOptions) error {
	if opts.version {
		fmt.Printf("cmirrord version %s\n", version)
		return nil
	}
	if err := loadConfig(opts); err != nil {
		return err
	}
	conf := opts.daemonConfig
	if err := conf.Validate(); err != nil {
		return err
	}
	if err := configureLogging(conf); err != nil {
		return err
	}

	pf, err := pidfile.Write(conf.Pidfile, os.Getpid())
	if err != nil {
		return errors.Wrap(err, "failed to start daemon")
	}
	defer func() {
		if err := pf.Remove(); err != nil {
			log.G(ctx).WithError(err).Error("Failed to remove pidfile")
		}
	}()

	log.G(ctx).WithFields(log.Fields{"version": version, "node": conf.NodeID, "transport": conf.Transport}).Info("Starting up")
	d, err := daemon.New(ctx, conf, daemon.Options{})
	if err != nil {
		return err
	}
	defer d.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go trapSignals(ctx, d, cancel)

	notifyReady()
	err = d.Run(ctx)
	notifyStopping()
	if err != nil {
		return err
	}
	log.G(ctx).Info("Exiting")
	return nil
}

func notifyReady() {
	_, _ = systemd.SdNotify(false, systemd.SdNotifyReady)
}

func notifyStopping() {
	_, _ = systemd.SdNotify(false, systemd.SdNotifyStopping)
}

func main() {
	cmd := newDaemonCommand()
	cmd.SetOut(os.Stdout)
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}
