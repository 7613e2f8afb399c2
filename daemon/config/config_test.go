package config

import (
	"os"
	"testing"
	"time"

	"github.com/containerd/errdefs"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
	"gotest.tools/v3/fs"
)

func newFlags(conf *Config) *pflag.FlagSet {
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	conf.InstallFlags(flags)
	return flags
}

func TestDaemonConfigurationNotFound(t *testing.T) {
	conf := New()
	err := MergeDaemonConfigurations(conf, newFlags(conf), "/tmp/foo-bar-baz-cmirrord")
	assert.Check(t, errors.Is(err, os.ErrNotExist), "got: %[1]T: %[1]v", err)
}

func TestDaemonBrokenConfiguration(t *testing.T) {
	f := fs.NewFile(t, "config", fs.WithContent(`node-id = `))
	conf := New()
	err := MergeDaemonConfigurations(conf, newFlags(conf), f.Path())
	assert.Check(t, is.ErrorContains(err, "failed to load configuration file"))
}

func TestDaemonConfigurationFromFile(t *testing.T) {
	f := fs.NewFile(t, "config", fs.WithContent(`
node-id = 3
transport = "local"
resume-throttle = "5s"
log-level = "debug"
`))
	conf := New()
	assert.NilError(t, MergeDaemonConfigurations(conf, newFlags(conf), f.Path()))
	assert.Check(t, is.Equal(conf.NodeID, uint32(3)))
	assert.Check(t, is.Equal(conf.Transport, TransportLocal))
	assert.Check(t, is.Equal(conf.ResumeThrottle, 5*time.Second))
	assert.Check(t, is.Equal(conf.LogLevel, "debug"))
	assert.Check(t, is.Equal(conf.Pidfile, DefaultPidfile))
	assert.NilError(t, conf.Validate())
}

func TestFindConfigurationConflicts(t *testing.T) {
	f := fs.NewFile(t, "config", fs.WithContent(`pidfile = "/run/foobar.pid"`))
	conf := New()
	flags := newFlags(conf)
	assert.Check(t, flags.Set("pidfile", "/run/asdf.pid"))

	err := MergeDaemonConfigurations(conf, flags, f.Path())
	assert.Check(t, is.ErrorContains(err, "pidfile: (from flag: /run/asdf.pid, from file: /run/foobar.pid)"))
	assert.Check(t, errdefs.IsInvalidArgument(err))
	assert.Check(t, is.Equal(conf.Pidfile, "/run/asdf.pid"))
}

func TestUnknownConfigurationKeys(t *testing.T) {
	f := fs.NewFile(t, "config", fs.WithContent("node-id = 1\nnodes = 2\ncolour = \"red\"\n"))
	conf := New()
	err := MergeDaemonConfigurations(conf, newFlags(conf), f.Path())
	assert.Check(t, is.ErrorContains(err, "unknown keys: colour, nodes"))
	assert.Check(t, is.Equal(conf.NodeID, uint32(0)))
}

func TestInvalidConfigurationValue(t *testing.T) {
	f := fs.NewFile(t, "config", fs.WithContent(`resume-throttle = "soon"`))
	conf := New()
	err := MergeDaemonConfigurations(conf, newFlags(conf), f.Path())
	assert.Check(t, errdefs.IsInvalidArgument(err))
	assert.Check(t, is.ErrorContains(err, "resume-throttle"))
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		c := New()
		c.NodeID = 1
		return c
	}
	assert.NilError(t, valid().Validate())

	for _, tc := range []struct {
		name   string
		modify func(*Config)
		errMsg string
	}{
		{name: "no node id", modify: func(c *Config) { c.NodeID = 0 }, errMsg: "node-id"},
		{name: "transport", modify: func(c *Config) { c.Transport = "corosync" }, errMsg: `unknown transport "corosync"`},
		{name: "hub scheme", modify: func(c *Config) { c.HubAddress = "http://hub" }, errMsg: "unsupported scheme"},
		{name: "hub path", modify: func(c *Config) { c.HubAddress = "unix://" }, errMsg: "no socket path"},
		{name: "log level", modify: func(c *Config) { c.LogLevel = "loud" }, errMsg: "invalid log level"},
		{name: "log format", modify: func(c *Config) { c.LogFormat = "xml" }, errMsg: "unknown log format"},
		{name: "log driver", modify: func(c *Config) { c.LogDriver = "journald" }, errMsg: "unknown log driver"},
		{name: "request size", modify: func(c *Config) { c.RequestSize = 16 }, errMsg: "request-size 16"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			c := valid()
			tc.modify(c)
			err := c.Validate()
			assert.Check(t, is.ErrorContains(err, tc.errMsg))
			assert.Check(t, errdefs.IsInvalidArgument(err))
		})
	}
}

func TestLocalTransportIgnoresHubAddress(t *testing.T) {
	c := New()
	c.NodeID = 2
	c.Transport = TransportLocal
	c.HubAddress = ""
	assert.NilError(t, c.Validate())
}

func TestParseHubAddress(t *testing.T) {
	network, addr, err := ParseHubAddress("unix:///run/cpgd.sock")
	assert.NilError(t, err)
	assert.Check(t, is.Equal(network, "unix"))
	assert.Check(t, is.Equal(addr, "/run/cpgd.sock"))

	network, addr, err = ParseHubAddress("tcp://10.0.0.1:7400")
	assert.NilError(t, err)
	assert.Check(t, is.Equal(network, "tcp"))
	assert.Check(t, is.Equal(addr, "10.0.0.1:7400"))
}
