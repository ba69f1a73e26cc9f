// Command signet logs in with a local key, a bunker or a signing app, and
// then signs, encrypts and sends private messages as that identity.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/Hubmakerlabs/signet/pkg/config"
	"github.com/Hubmakerlabs/signet/pkg/slog"
	"github.com/urfave/cli/v2"
)

var log, chk = slog.New(os.Stderr)

var app = &cli.App{
	Name:  "signet",
	Usage: "nostr identity, signing and private messaging",
	Commands: []*cli.Command{
		login,
		whoami,
		sign,
		encrypt,
		decrypt,
		send,
		inbox,
		wallet,
		logout,
		bunker,
		saveConfig,
	},
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "datadir",
			Usage:   "directory holding the session and configuration",
			EnvVars: []string{"SIGNET_DATA"},
		},
		&cli.StringSliceFlag{
			Name:    "relay",
			Aliases: []string{"r"},
			Usage:   "relay to use, can be repeated",
			EnvVars: []string{"NOSTR_RELAYS"},
		},
		&cli.DurationFlag{
			Name:  "timeout",
			Usage: "bound on each remote signer call",
		},
		&cli.StringFlag{
			Name:    "loglevel",
			Aliases: []string{"l"},
			Usage:   "set log level [off,fatal,error,warn,info,debug,trace]",
		},
		&cli.BoolFlag{
			Name:    "silent",
			Aliases: []string{"s"},
			Usage:   "do not print logs to stderr",
		},
	},
	Before: func(c *cli.Context) (err error) {
		e := &env{cfg: config.Default()}
		if d := c.String("datadir"); d != "" {
			e.cfg.DataDir = d
		}
		if err = e.cfg.LoadDefault(); err != nil {
			return
		}
		if rs := c.StringSlice("relay"); len(rs) > 0 {
			e.cfg.Relays = rs
		}
		if d := c.Duration("timeout"); d > 0 {
			e.cfg.SignerTimeout = d
		}
		if l := c.String("loglevel"); l != "" {
			e.cfg.LogLevel = l
		}
		slog.SetLogLevelString(e.cfg.LogLevel)
		if c.Bool("silent") {
			slog.SetLogLevel(slog.Off)
		}
		c.App.Metadata = map[string]any{"env": e}
		return
	},
	After: func(c *cli.Context) error {
		if e, ok := c.App.Metadata["env"].(*env); ok {
			e.close()
		}
		return nil
	},
}

func main() {
	c, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	if err := app.RunContext(c, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		cancel()
		os.Exit(1)
	}
}
