package utils

import (
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
)

// ConfigureLogger sets the package-wide logrus level from a CLI string,
// matching the teacher's ConfigureLogger.
func ConfigureLogger(level string) {
	log.SetOutput(os.Stderr)
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	switch strings.ToLower(level) {
	case "panic":
		log.SetLevel(log.PanicLevel)
	case "debug":
		log.SetLevel(log.DebugLevel)
	case "info":
		log.SetLevel(log.InfoLevel)
	case "warning", "warn":
		log.SetLevel(log.WarnLevel)
	default:
		log.SetLevel(log.InfoLevel)
	}
}
