package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// ConfigureLogger applies level, format and output settings to l. DEBUG wins
// over LOG_LEVEL.
func (c *Config) ConfigureLogger(l *log.Logger) error {
	level := log.InfoLevel
	if c.LogLevel != "" {
		lvl, err := log.ParseLevel(strings.ToLower(c.LogLevel))
		if err != nil {
			return fmt.Errorf("invalid log level '%s'", c.LogLevel)
		}
		level = lvl
	}
	if c.Debug {
		level = log.DebugLevel
	}
	l.SetLevel(level)

	switch strings.ToLower(c.LogFormat) {
	case "json":
		l.SetFormatter(&log.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: log.FieldMap{
				log.FieldKeyTime: "timestamp",
				log.FieldKeyMsg:  "message",
			},
		})
	case "text", "":
		l.SetFormatter(&log.TextFormatter{FullTimestamp: true, TimestampFormat: time.RFC3339})
	default:
		return fmt.Errorf("invalid log format '%s'", c.LogFormat)
	}

	switch c.LogFile {
	case "", "stdout":
		l.SetOutput(os.Stdout)
	case "stderr":
		l.SetOutput(os.Stderr)
	default:
		l.SetOutput(&lumberjack.Logger{
			Filename: c.LogFile,
			MaxAge:   c.LogMaxAge,
			MaxSize:  100,
			Compress: true,
		})
	}
	return nil
}
