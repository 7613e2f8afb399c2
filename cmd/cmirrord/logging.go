package main

import (
	"github.com/RackSec/srslog"
	"github.com/containerd/log"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/moby/cmirrord/daemon/config"
)

const syslogTag = "cmirrord"

func configureLogging(conf *config.Config) error {
	if err := log.SetLevel(conf.LogLevel); err != nil {
		return err
	}
	if err := log.SetFormat(log.OutputFormat(conf.LogFormat)); err != nil {
		return err
	}
	if conf.LogDriver != config.LogDriverSyslog {
		return nil
	}
	w, err := srslog.Dial("", "", srslog.LOG_DAEMON|srslog.LOG_INFO, syslogTag)
	if err != nil {
		return errors.Wrap(err, "failed to connect to syslog")
	}
	logrus.AddHook(&syslogHook{w: w})
	return nil
}

type syslogWriter interface {
	Crit(m string) error
	Err(m string) error
	Warning(m string) error
	Info(m string) error
	Debug(m string) error
}

// syslogHook forwards log entries to the system log at the matching
// priority.
type syslogHook struct {
	w syslogWriter
}

func (h *syslogHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *syslogHook) Fire(entry *logrus.Entry) error {
	line, err := entry.String()
	if err != nil {
		return err
	}
	switch entry.Level {
	case logrus.PanicLevel, logrus.FatalLevel:
		return h.w.Crit(line)
	case logrus.ErrorLevel:
		return h.w.Err(line)
	case logrus.WarnLevel:
		return h.w.Warning(line)
	case logrus.InfoLevel:
		return h.w.Info(line)
	default:
		return h.w.Debug(line)
	}
}
