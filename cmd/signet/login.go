package main

import (
	"context"
	"fmt"
	"time"

	"github.com/Hubmakerlabs/signet/pkg/nostr/keys"
	"github.com/Hubmakerlabs/signet/pkg/session"
	"github.com/Hubmakerlabs/signet/pkg/signer"
	"github.com/urfave/cli/v2"
)

var login = &cli.Command{
	Name:  "login",
	Usage: "log in with a local key, a bunker, or a signing app",
	Subcommands: []*cli.Command{
		{
			Name:      "local",
			Usage:     "keep the secret key in the session store",
			ArgsUsage: "<nsec or hex, piped on stdin, or --prompt-sec>",
			Flags: []cli.Flag{
				&cli.BoolFlag{
					Name:  "generate",
					Usage: "create a new key instead",
				},
				&cli.BoolFlag{
					Name:  "prompt-sec",
					Usage: "type the secret key on the terminal without echo",
				},
			},
			Action: func(c *cli.Context) (err error) {
				var sec string
				if c.Bool("generate") {
					sec = keys.GeneratePrivateKey()
				} else if c.Bool("prompt-sec") {
					if sec, err = askSecretKey(); err != nil {
						return
					}
				} else if sec, err = argOrStdin(c, 0); err != nil {
					return
				}
				var m *session.Manager
				if m, err = getEnv(c).session(c); err != nil {
					return
				}
				var cx *signer.Context
				if cx, err = m.LoginLocal(sec); err != nil {
					return
				}
				if c.Bool("generate") {
					nsec, _ := keys.EncodeNsec(sec)
					fmt.Println(nsec)
				}
				return printIdentity(cx)
			},
		},
		{
			Name:      "bunker",
			Usage:     "use a remote signer",
			ArgsUsage: "<bunker://...>",
			Action: func(c *cli.Context) (err error) {
				var uri string
				if uri, err = argOrStdin(c, 0); err != nil {
					return
				}
				var m *session.Manager
				if m, err = getEnv(c).session(c); err != nil {
					return
				}
				var cx *signer.Context
				if cx, err = m.LoginBunker(c.Context, uri); err != nil {
					return
				}
				return printIdentity(cx)
			},
		},
		{
			Name:  "app",
			Usage: "show a nostrconnect link for a signing app and wait for it",
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:  "via",
					Usage: "relay the app reaches us on, the first configured relay by default",
				},
				&cli.StringFlag{
					Name:  "remote",
					Usage: "pubkey of the app if known, otherwise wait for it to announce itself",
				},
				&cli.DurationFlag{
					Name:  "wait",
					Usage: "how long to wait for the app",
					Value: 5 * time.Minute,
				},
				&cli.BoolFlag{
					Name:  "qr",
					Usage: "also show the link as a QR code",
					Value: true,
				},
			},
			Action: func(c *cli.Context) (err error) {
				e := getEnv(c)
				relay := c.String("via")
				if relay == "" {
					relay = e.cfg.RelayList()[0]
				}
				var m *session.Manager
				if m, err = e.session(c); err != nil {
					return
				}
				var uri string
				if uri, err = m.BeginAppLogin(relay); err != nil {
					return
				}
				fmt.Println(uri)
				if c.Bool("qr") {
					showQR(uri)
				}
				ctx, cancel := context.WithTimeout(c.Context, c.Duration("wait"))
				defer cancel()
				var cx *signer.Context
				if cx, err = m.CompleteAppLogin(ctx, c.String("remote")); err != nil {
					return
				}
				return printIdentity(cx)
			},
		},
	},
}

func printIdentity(cx *signer.Context) (err error) {
	var npub string
	if npub, err = keys.EncodeNpub(cx.PublicKey()); err != nil {
		return
	}
	var method string
	switch b := cx.Backend().(type) {
	case signer.Local:
		method = "local key"
	case signer.Bunker:
		method = fmt.Sprintf("bunker %s on %v", b.RemotePubkey, b.Relays)
	case signer.App:
		method = fmt.Sprintf("app %s on %s", b.RemotePubkey, b.Relay)
	}
	fmt.Printf("%s\n%s\n%s\n", npub, cx.PublicKey(), method)
	return
}

var whoami = &cli.Command{
	Name:  "whoami",
	Usage: "show the logged in identity",
	Action: func(c *cli.Context) (err error) {
		var cx *signer.Context
		if cx, err = getEnv(c).active(c); err != nil {
			return
		}
		return printIdentity(cx)
	},
}

var logout = &cli.Command{
	Name:  "logout",
	Usage: "forget the session, including any stored key",
	Action: func(c *cli.Context) (err error) {
		var m *session.Manager
		if m, err = getEnv(c).session(c); err != nil {
			return
		}
		return m.Logout()
	},
}
