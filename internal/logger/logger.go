package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// RotationOptions configures file output rotation.
type RotationOptions struct {
	MaxSize    int  `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups int  `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge     int  `mapstructure:"max_age" yaml:"max_age"`
	Compress   bool `mapstructure:"compress" yaml:"compress"`
}

// Options configures the process-wide logger.
type Options struct {
	// Level is one of DEBUG, INFO, WARN, ERROR.
	Level string

	// Format is "text" or "json".
	Format string

	// Output is "stdout", "stderr" or a file path.
	Output string

	// Rotation applies when Output is a file path.
	Rotation RotationOptions
}

// Fields are structured key/value pairs attached to a log line.
type Fields = logrus.Fields

var (
	mu   sync.Mutex
	base = newBase()
	file io.Closer
)

func newBase() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stdout)
	l.SetLevel(logrus.InfoLevel)
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})
	return l
}

// Configure applies opts. Empty fields keep their current value.
func Configure(opts Options) error {
	mu.Lock()
	defer mu.Unlock()

	if opts.Level != "" {
		level, err := parseLevel(opts.Level)
		if err != nil {
			return err
		}
		base.SetLevel(level)
	}

	switch strings.ToLower(opts.Format) {
	case "":
	case "text":
		base.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05",
		})
	case "json":
		base.SetFormatter(&logrus.JSONFormatter{})
	default:
		return fmt.Errorf("unknown log format %q", opts.Format)
	}

	if opts.Output != "" {
		out, closer := openOutput(opts.Output, opts.Rotation)
		if file != nil {
			_ = file.Close()
		}
		file = closer
		base.SetOutput(out)
	}
	return nil
}

func openOutput(output string, rot RotationOptions) (io.Writer, io.Closer) {
	switch strings.ToLower(output) {
	case "stdout":
		return os.Stdout, nil
	case "stderr":
		return os.Stderr, nil
	}
	w := &lumberjack.Logger{
		Filename:   output,
		MaxSize:    rot.MaxSize,
		MaxBackups: rot.MaxBackups,
		MaxAge:     rot.MaxAge,
		Compress:   rot.Compress,
	}
	return w, w
}

func parseLevel(level string) (logrus.Level, error) {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return logrus.DebugLevel, nil
	case "INFO":
		return logrus.InfoLevel, nil
	case "WARN":
		return logrus.WarnLevel, nil
	case "ERROR":
		return logrus.ErrorLevel, nil
	default:
		return logrus.InfoLevel, fmt.Errorf("unknown log level %q", level)
	}
}

// SetLevel changes the level. Unknown names are ignored.
func SetLevel(level string) {
	if l, err := parseLevel(level); err == nil {
		base.SetLevel(l)
	}
}

// SetOutput redirects log lines to w.
func SetOutput(w io.Writer) {
	base.SetOutput(w)
}

// IsDebug reports whether debug lines are emitted.
func IsDebug() bool {
	return base.IsLevelEnabled(logrus.DebugLevel)
}

// With returns an entry carrying fields, e.g. the connection a line is about.
func With(fields Fields) *logrus.Entry {
	return base.WithFields(fields)
}

func Debug(format string, v ...any) {
	base.Debugf(format, v...)
}

func Info(format string, v ...any) {
	base.Infof(format, v...)
}

func Warn(format string, v ...any) {
	base.Warnf(format, v...)
}

func Error(format string, v ...any) {
	base.Errorf(format, v...)
}
