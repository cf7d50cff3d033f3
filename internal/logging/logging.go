// Package logging configures the process-wide logrus logger.
package logging

import (
	"os"

	log "github.com/sirupsen/logrus"
)

// Setup configures logrus from the configured level string.
func Setup(level string) {
	log.SetOutput(os.Stdout)
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05.000",
	})

	parsed, err := log.ParseLevel(level)
	if err != nil {
		parsed = log.InfoLevel
	}
	log.SetLevel(parsed)
}

// ModelCall emits the structured per-request log line: request summary,
// response summary and the account it ran against. Account email never goes
// to clients, only here.
func ModelCall(fields map[string]interface{}) {
	log.WithFields(log.Fields(fields)).Info("[ModelCall] completed")
}

// Warning emits a structured warning with a stable kind tag, e.g.
// kind=thinking_downgrade.
func Warning(kind string, fields map[string]interface{}) {
	f := log.Fields{"kind": kind}
	for k, v := range fields {
		f[k] = v
	}
	log.WithFields(f).Warn("[Gateway] " + kind)
}
