// Package config holds the configuration of the cmirrord daemon.
package config

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/containerd/errdefs"
	"github.com/pelletier/go-toml"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/moby/cmirrord/daemon/mirrorlog"
	"github.com/moby/cmirrord/daemon/ulog"
)

const (
	// DefaultPidfile is where the daemon records its pid.
	DefaultPidfile = "/run/cmirrord.pid"

	// DefaultDevDir is searched for log devices given as major:minor.
	DefaultDevDir = "/dev/mapper"

	// DefaultHubAddress is where cpgd listens by default.
	DefaultHubAddress = "unix:///run/cpgd.sock"

	// DefaultConfigFile is read when present.
	DefaultConfigFile = "/etc/cmirrord.toml"
)

// Transports.
const (
	// TransportLocal runs the group transport inside the daemon: the node
	// forms a cluster of one.
	TransportLocal = "local"

	// TransportHub uses a cpgd daemon.
	TransportHub = "hub"
)

// Log drivers.
const (
	LogDriverStderr = "stderr"
	LogDriverSyslog = "syslog"
)

// Config is the configuration of the daemon. Keys of the configuration
// file are the names of the corresponding command-line flags.
type Config struct {
	NodeID         uint32
	Transport      string
	HubAddress     string
	Pidfile        string
	LogLevel       string
	LogFormat      string
	LogDriver      string
	MetricsAddress string
	DevDir         string
	ResumeThrottle time.Duration
	RequestSize    int
}

// New returns a Config with defaults.
func New() *Config {
	return &Config{
		Transport:      TransportHub,
		HubAddress:     DefaultHubAddress,
		Pidfile:        DefaultPidfile,
		LogLevel:       "info",
		LogFormat:      "text",
		LogDriver:      LogDriverStderr,
		DevDir:         DefaultDevDir,
		ResumeThrottle: mirrorlog.DefaultResumeThrottle,
		RequestSize:    ulog.DefaultRequestSize,
	}
}

// InstallFlags adds the configuration flags to flags.
func (conf *Config) InstallFlags(flags *pflag.FlagSet) {
	flags.Uint32Var(&conf.NodeID, "node-id", conf.NodeID, "Cluster node id of this host (non-zero)")
	flags.StringVar(&conf.Transport, "transport", conf.Transport, `Group transport, "hub" or "local"`)
	flags.StringVar(&conf.HubAddress, "hub-address", conf.HubAddress, "Address of the cpgd hub (unix:// or tcp://)")
	flags.StringVarP(&conf.Pidfile, "pidfile", "p", conf.Pidfile, "Path to use for daemon PID file")
	flags.StringVarP(&conf.LogLevel, "log-level", "l", conf.LogLevel, `Set the logging level ("trace"|"debug"|"info"|"warn"|"error"|"fatal")`)
	flags.StringVar(&conf.LogFormat, "log-format", conf.LogFormat, `Set the logging format ("text"|"json")`)
	flags.StringVar(&conf.LogDriver, "log-driver", conf.LogDriver, `Where to log ("stderr"|"syslog")`)
	flags.StringVar(&conf.MetricsAddress, "metrics-addr", conf.MetricsAddress, "Set address and port to serve the metrics api on")
	flags.StringVar(&conf.DevDir, "dev-dir", conf.DevDir, "Directory searched for log devices given as major:minor")
	flags.DurationVar(&conf.ResumeThrottle, "resume-throttle", conf.ResumeThrottle, "Minimum time between a suspend and the next resume of a log")
	flags.IntVar(&conf.RequestSize, "request-size", conf.RequestSize, "Size limit of a kernel request")
}

// MergeDaemonConfigurations applies the configuration file onto conf,
// whose flags are in flags. Setting a key both in the file and with a flag
// is an error, as is a key that names no flag.
func MergeDaemonConfigurations(conf *Config, flags *pflag.FlagSet, configFile string) error {
	tree, err := toml.LoadFile(configFile)
	if err != nil {
		return errors.Wrapf(err, "failed to load configuration file %s", configFile)
	}
	if err := findConfigurationConflicts(tree, flags); err != nil {
		return err
	}
	keys := tree.Keys()
	sort.Strings(keys)
	for _, key := range keys {
		if err := flags.Set(key, fmt.Sprint(tree.Get(key))); err != nil {
			return errors.Wrapf(errdefs.ErrInvalidArgument, "configuration file %s: %s: %v", configFile, key, err)
		}
	}
	return nil
}

func findConfigurationConflicts(tree *toml.Tree, flags *pflag.FlagSet) error {
	var unknown, conflicts []string
	for _, key := range tree.Keys() {
		f := flags.Lookup(key)
		switch {
		case f == nil:
			unknown = append(unknown, key)
		case f.Changed:
			conflicts = append(conflicts, fmt.Sprintf("%s: (from flag: %v, from file: %v)", key, f.Value, tree.Get(key)))
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return errors.Wrapf(errdefs.ErrInvalidArgument, "configuration file has unknown keys: %s", strings.Join(unknown, ", "))
	}
	if len(conflicts) > 0 {
		sort.Strings(conflicts)
		return errors.Wrapf(errdefs.ErrInvalidArgument, "the following directives are specified both as a flag and in the configuration file: %s", strings.Join(conflicts, ", "))
	}
	return nil
}

// Validate checks the configuration.
func (conf *Config) Validate() error {
	if conf.NodeID == 0 {
		return invalid("node-id must be set to a non-zero cluster node id")
	}
	switch conf.Transport {
	case TransportLocal:
	case TransportHub:
		if _, _, err := ParseHubAddress(conf.HubAddress); err != nil {
			return err
		}
	default:
		return invalid("unknown transport %q", conf.Transport)
	}
	if _, err := logrus.ParseLevel(conf.LogLevel); err != nil {
		return invalid("invalid log level %q", conf.LogLevel)
	}
	switch conf.LogFormat {
	case "text", "json":
	default:
		return invalid("unknown log format %q", conf.LogFormat)
	}
	switch conf.LogDriver {
	case LogDriverStderr, LogDriverSyslog:
	default:
		return invalid("unknown log driver %q", conf.LogDriver)
	}
	if conf.RequestSize < ulog.HeaderSize+8 {
		return invalid("request-size %d is smaller than a minimal request", conf.RequestSize)
	}
	if conf.DevDir == "" {
		return invalid("dev-dir must not be empty")
	}
	return nil
}

// ParseHubAddress splits a hub address into the network and address to
// dial.
func ParseHubAddress(addr string) (network, address string, err error) {
	u, err := url.Parse(addr)
	if err != nil {
		return "", "", invalid("invalid hub address %q: %v", addr, err)
	}
	switch u.Scheme {
	case "unix":
		if u.Path == "" {
			return "", "", invalid("invalid hub address %q: no socket path", addr)
		}
		return "unix", u.Path, nil
	case "tcp":
		if u.Host == "" {
			return "", "", invalid("invalid hub address %q: no host", addr)
		}
		return "tcp", u.Host, nil
	}
	return "", "", invalid("invalid hub address %q: unsupported scheme %q", addr, u.Scheme)
}

func invalid(format string, args ...any) error {
	return errors.Wrapf(errdefs.ErrInvalidArgument, format, args...)
}
