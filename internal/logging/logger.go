// Package logging configures the process wide logrus logger and holds the
// field sets shared by the services and the job runner.
package logging

import (
	"os"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/zzenonn/zref/internal/config"
)

// InitLogger applies the level and format of cfg. An unknown level falls back
// to error so a typo never floods the output.
func InitLogger(cfg *config.Config) {
	configure(cfg.LogLevel, cfg.LogFormat)
}

func configure(level, format string) {
	parsed, err := log.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || parsed > log.TraceLevel {
		parsed = log.ErrorLevel
	}
	log.SetLevel(parsed)

	switch strings.ToLower(format) {
	case "json":
		log.SetFormatter(&log.JSONFormatter{})
	default:
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
}

// FileFields returns the log fields identifying one file on one storage location.
func FileFields(storage, checksum string) log.Fields {
	return log.Fields{
		"storage":  storage,
		"checksum": checksum,
	}
}

// RequestFields extends FileFields with the request id and its ledger.
func RequestFields(kind, id, storage, checksum string) log.Fields {
	fields := FileFields(storage, checksum)
	fields["kind"] = kind
	fields["request"] = id
	return fields
}

func init() {
	configure(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"))
}
