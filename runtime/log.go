package runtime

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// ServiceLog is a logger scoped to one component, optionally narrowed to
// the object it is working on (a conversation, a transaction).
//
// Lines read "[session] opened" and carry any fields added with With, so
// a text formatter prints them as conversation=0xab... after the message.
type ServiceLog struct {
	name  string
	entry *logrus.Entry
}

// NewServiceLog returns a logger for name writing to logger, or to the
// standard logrus logger when logger is nil.
func NewServiceLog(name string, logger *logrus.Logger) *ServiceLog {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &ServiceLog{name: name, entry: logrus.NewEntry(logger)}
}

// With returns a child logger that adds key=value to every line.
func (l *ServiceLog) With(key string, value any) *ServiceLog {
	if l == nil {
		return nil
	}
	return &ServiceLog{name: l.name, entry: l.entry.WithField(key, value)}
}

// Name returns the component name this logger is scoped to.
func (l *ServiceLog) Name() string {
	if l == nil {
		return ""
	}
	return l.name
}

// Fields returns the fields added with With.
func (l *ServiceLog) Fields() logrus.Fields {
	if l == nil {
		return nil
	}
	return l.entry.Data
}

func (l *ServiceLog) Debug(format string, args ...any) { l.log(logrus.DebugLevel, format, args) }
func (l *ServiceLog) Info(format string, args ...any)  { l.log(logrus.InfoLevel, format, args) }
func (l *ServiceLog) Warn(format string, args ...any)  { l.log(logrus.WarnLevel, format, args) }
func (l *ServiceLog) Error(format string, args ...any) { l.log(logrus.ErrorLevel, format, args) }

func (l *ServiceLog) log(level logrus.Level, format string, args []any) {
	if l == nil || l.entry == nil || !l.entry.Logger.IsLevelEnabled(level) {
		return
	}
	l.entry.Log(level, "["+l.name+"] "+fmt.Sprintf(format, args...))
}
