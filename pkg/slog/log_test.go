package slog_test

import (
	"bytes"
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/Hubmakerlabs/signet/pkg/slog"
	"github.com/stretchr/testify/require"
)

var log, chk = slog.New(os.Stdout)

func TestGetLogger(t *testing.T) {
	defer slog.SetLogLevel(slog.GetLogLevel())
	slog.SetLogLevel(slog.Trace)
	log.T.Ln("testing log level", slog.LevelSpecs[slog.Trace].Name)
	log.D.Ln("testing log level", slog.LevelSpecs[slog.Debug].Name)
	log.I.Ln("testing log level", slog.LevelSpecs[slog.Info].Name)
	log.W.Ln("testing log level", slog.LevelSpecs[slog.Warn].Name)
	log.E.F("testing log level %s", slog.LevelSpecs[slog.Error].Name)
	log.F.Ln("testing log level", slog.LevelSpecs[slog.Fatal].Name)
	require.True(t, chk.E(errors.New("dummy error as error")))
	require.False(t, chk.E(nil))
	require.Error(t, log.I.Err("format string %d '%s'", 5, "testing"))
	log.I.S("`backtick wrapped string`", t)
}

func TestLevelFiltering(t *testing.T) {
	defer slog.SetLogLevel(slog.GetLogLevel())
	var buf bytes.Buffer
	l, c := slog.New(&buf)

	slog.SetLogLevel(slog.Warn)
	l.D.Ln("hidden")
	l.I.F("hidden %d", 1)
	l.W.Ln("shown")
	require.True(t, c.D(errors.New("checked but hidden")))
	out := buf.String()
	require.NotContains(t, out, "hidden")
	require.Contains(t, out, "shown")
	require.Equal(t, 1, strings.Count(out, "\n"))

	buf.Reset()
	slog.SetLogLevel(slog.Off)
	l.F.Ln("nothing")
	require.Empty(t, buf.String())
}

func TestSetLogLevelString(t *testing.T) {
	defer slog.SetLogLevel(slog.GetLogLevel())
	for name, want := range map[string]int{
		"trace": slog.Trace,
		"d":     slog.Debug,
		"INFO":  slog.Info,
		"w":     slog.Warn,
		"err":   slog.Error,
		"off":   slog.Off,
	} {
		slog.SetLogLevelString(name)
		require.Equal(t, want, slog.GetLogLevel(), name)
	}
	slog.SetLogLevel(slog.Info)
	slog.SetLogLevelString("bogus")
	require.Equal(t, slog.Info, slog.GetLogLevel())
}
