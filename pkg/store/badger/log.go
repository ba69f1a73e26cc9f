package badger

import (
	"fmt"
	"strings"

	"github.com/Hubmakerlabs/signet/pkg/slog"
)

// logger routes badger's messages into slog at or below Level.
type logger struct {
	Level int
	Label string
}

func (l logger) text(s string, i ...interface{}) string {
	return strings.TrimSpace(fmt.Sprintf(l.Label+": "+s, i...))
}

func (l logger) Errorf(s string, i ...interface{}) {
	if l.Level >= slog.Error {
		log.E.Ln(l.text(s, i...))
	}
}

func (l logger) Warningf(s string, i ...interface{}) {
	if l.Level >= slog.Warn {
		log.W.Ln(l.text(s, i...))
	}
}

func (l logger) Infof(s string, i ...interface{}) {
	if l.Level >= slog.Info {
		log.I.Ln(l.text(s, i...))
	}
}

func (l logger) Debugf(s string, i ...interface{}) {
	if l.Level >= slog.Debug {
		log.D.Ln(l.text(s, i...))
	}
}
