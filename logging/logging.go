// Package logging provides the structured request/lifecycle logger
// used by imageiodpkg and imageioclientpkg, built on the teacher's
// declared logrus dependency (see SPEC_FULL.md §10.2). Fatal
// unrecoverable startup errors in cmd/* still go through plain
// fmt.Fprintf+os.Exit, matching ickpt/main.go and idestroy/main.go;
// this package is for everything logged while the process is up.
package logging

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Logger wraps a *logrus.Logger with the fields every ovirt-imageiod
// component wants attached (component name, optionally a request id).
type Logger struct {
	entry *logrus.Entry
}

// Config controls where and how verbosely a Logger writes, mirroring
// the LogFilePath/LogToConsole/TraceEnabled fields of the teacher's
// configStruct (imgr/imgrpkg/globals.go, iclient/iclientpkg/globals.go).
type Config struct {
	FilePath  string // "" disables file logging
	ToConsole bool
	Trace     bool
}

// New builds a root Logger for component (e.g. "imageiod", "images",
// "tickets", "imageio-client").
func New(component string, cfg Config) (logger *Logger, closeFn func() error, err error) {
	base := logrus.New()
	base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	if cfg.Trace {
		base.SetLevel(logrus.TraceLevel)
	} else {
		base.SetLevel(logrus.InfoLevel)
	}

	var writers []io.Writer
	if cfg.ToConsole {
		writers = append(writers, os.Stderr)
	}

	var file *os.File
	if cfg.FilePath != "" {
		file, err = os.OpenFile(cfg.FilePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, err
		}
		writers = append(writers, file)
	}

	switch len(writers) {
	case 0:
		base.SetOutput(io.Discard)
	case 1:
		base.SetOutput(writers[0])
	default:
		base.SetOutput(io.MultiWriter(writers...))
	}

	closeFn = func() error {
		if file != nil {
			return file.Close()
		}
		return nil
	}

	return &Logger{entry: base.WithField("component", component)}, closeFn, nil
}

// WithField returns a derived Logger carrying an additional field
// (e.g. "request_id", "ticket_id").
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return &Logger{entry: l.entry.WithField(key, value)}
}

// WithFields returns a derived Logger carrying several additional
// fields at once.
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	return &Logger{entry: l.entry.WithFields(logrus.Fields(fields))}
}

func (l *Logger) Tracef(format string, args ...interface{}) { l.entry.Tracef(format, args...) }
func (l *Logger) Infof(format string, args ...interface{})  { l.entry.Infof(format, args...) }
func (l *Logger) Warnf(format string, args ...interface{})  { l.entry.Warnf(format, args...) }
func (l *Logger) Errorf(format string, args ...interface{}) { l.entry.Errorf(format, args...) }
