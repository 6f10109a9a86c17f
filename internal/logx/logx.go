// Package logx is a small wrapper around logrus that gives the CLI and the
// fleet/session packages one consistent logger, the way tinkerator-qftool's
// --debug flag gates its log.Printf verbosity -- reworked onto a structured
// logger since the session engine logs per-target/per-sector/per-chunk
// fields rather than flat strings.
package logx

import (
	"os"

	"github.com/sirupsen/logrus"
)

// New returns a text-formatted logrus.Logger writing to stderr. debug maps
// to logrus.DebugLevel; otherwise logrus.InfoLevel, mirroring the teacher's
// "-debug: be more verbose" flag.
func New(debug bool) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if debug {
		l.SetLevel(logrus.DebugLevel)
	} else {
		l.SetLevel(logrus.InfoLevel)
	}
	return l
}
