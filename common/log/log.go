package log

import (
	"io"
	"strings"

	E "github.com/sagernet/loopnet/common/exceptions"

	"github.com/sirupsen/logrus"
)

func init() {
	logrus.AddHook(new(TaggedHook))
}

type Options struct {
	Level        string
	Output       io.Writer
	ForceColors  bool
	ReportCaller bool
}

// Configure applies options to the standard logger shared by every tagged logger.
func Configure(options Options) error {
	logger := logrus.StandardLogger()
	if options.Level != "" {
		level, err := logrus.ParseLevel(options.Level)
		if err != nil {
			return E.Cause(err, "parse log level")
		}
		logger.SetLevel(level)
	}
	if options.Output != nil {
		logger.SetOutput(options.Output)
	}
	if formatter, isText := logger.Formatter.(*logrus.TextFormatter); isText {
		formatter.ForceColors = options.ForceColors
	}
	logger.SetReportCaller(options.ReportCaller)
	return nil
}

func NewLogger(tag string) *logrus.Entry {
	return logrus.NewEntry(logrus.StandardLogger()).WithField("tag", tag)
}

// Discard returns a logger that drops everything, for components built without one.
func Discard() logrus.FieldLogger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

type TaggedHook struct{}

func (h *TaggedHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *TaggedHook) Fire(entry *logrus.Entry) error {
	if tagObj, loaded := entry.Data["tag"]; loaded {
		tag, isString := tagObj.(string)
		if !isString {
			return nil
		}
		delete(entry.Data, "tag")
		entry.Message = strings.ReplaceAll(entry.Message, tag+": ", "")
		entry.Message = "[" + tag + "]: " + entry.Message
	}
	return nil
}
