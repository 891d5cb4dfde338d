package logrus

import (
	"github.com/sirupsen/logrus"
	"github.com/unkn0wn-root/cascluster"
)

type LogrusLogger struct{ E *logrus.Entry }

var _ cascluster.Logger = LogrusLogger{}

// New wraps l, tagging every entry with the node id.
func New(l *logrus.Logger, node string) LogrusLogger {
	return LogrusLogger{E: l.WithField("node", node)}
}

func (l LogrusLogger) Debug(msg string, f cascluster.Fields) { l.with(f).Debug(msg) }
func (l LogrusLogger) Info(msg string, f cascluster.Fields)  { l.with(f).Info(msg) }
func (l LogrusLogger) Warn(msg string, f cascluster.Fields)  { l.with(f).Warn(msg) }
func (l LogrusLogger) Error(msg string, f cascluster.Fields) { l.with(f).Error(msg) }

func (l LogrusLogger) with(f cascluster.Fields) *logrus.Entry {
	if len(f) == 0 {
		return l.E
	}
	if err, ok := f["err"].(error); ok {
		rest := make(logrus.Fields, len(f))
		for k, v := range f {
			if k != "err" {
				rest[k] = v
			}
		}
		return l.E.WithError(err).WithFields(rest)
	}
	return l.E.WithFields(logrus.Fields(f))
}
