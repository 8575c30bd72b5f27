// Package ops carries the operational cross-cutting concerns of the
// orchestrator: logging setup, prometheus collectors, and the debug
// HTTP listener.
package ops

import (
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
)

// LogConfig configures logging via go-flags tags.
type LogConfig struct {
	Level  string `long:"level" env:"LOG_LEVEL" default:"info" choice:"trace" choice:"debug" choice:"info" choice:"warn" choice:"error" description:"Logging level"`
	Format string `long:"format" env:"LOG_FORMAT" default:"text" choice:"json" choice:"text" choice:"color" description:"Logging output format"`
}

// InitLog configures the logrus standard logger.
func InitLog(cfg LogConfig) error {
	switch cfg.Format {
	case "json":
		log.SetFormatter(&log.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	case "text":
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	case "color":
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true, ForceColors: true})
	default:
		return fmt.Errorf("unrecognized log format %q", cfg.Format)
	}

	var level, err = log.ParseLevel(cfg.Level)
	if err != nil {
		return fmt.Errorf("parsing log level: %w", err)
	}
	log.SetLevel(level)
	return nil
}
