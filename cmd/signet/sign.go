package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Hubmakerlabs/signet/pkg/nostr/keys"
	"github.com/Hubmakerlabs/signet/pkg/nostr/pool"
	"github.com/Hubmakerlabs/signet/pkg/signer"
	"github.com/nbd-wtf/go-nostr"
	"github.com/urfave/cli/v2"
)

var sign = &cli.Command{
	Name:      "sign",
	Usage:     "sign an event as the logged in identity",
	ArgsUsage: "[event template JSON, or piped on stdin]",
	Description: `with --content the template is built from flags, otherwise it is read
as JSON; pubkey, id and sig of the template are ignored.`,
	Flags: []cli.Flag{
		&cli.IntFlag{
			Name:    "kind",
			Aliases: []string{"k"},
			Usage:   "event kind",
			Value:   1,
		},
		&cli.StringFlag{
			Name:    "content",
			Aliases: []string{"c"},
			Usage:   "event content",
		},
		&cli.StringSliceFlag{
			Name:    "tag",
			Aliases: []string{"t"},
			Usage:   "sets a tag field on the event, takes a value like -t e=<id>",
		},
		&cli.BoolFlag{
			Name:  "publish",
			Usage: "also publish the signed event to the relays",
		},
	},
	Action: func(c *cli.Context) (err error) {
		tmpl := &nostr.Event{}
		if c.IsSet("content") {
			tmpl.Kind = c.Int("kind")
			tmpl.Content = c.String("content")
			for _, t := range c.StringSlice("tag") {
				tag := strings.Split(t, "=")
				if len(tag) < 2 {
					return fmt.Errorf("tag %q is not name=value", t)
				}
				tmpl.Tags = append(tmpl.Tags, nostr.Tag(tag))
			}
		} else {
			var j string
			if j, err = argOrStdin(c, 0); err != nil {
				return
			}
			if err = json.Unmarshal([]byte(j), tmpl); err != nil {
				return fmt.Errorf("reading template: %w", err)
			}
		}
		if tmpl.CreatedAt == 0 {
			tmpl.CreatedAt = nostr.Now()
		}
		e := getEnv(c)
		var cx *signer.Context
		if cx, err = e.active(c); err != nil {
			return
		}
		var ev *nostr.Event
		if ev, err = cx.SignEvent(c.Context, tmpl); err != nil {
			return
		}
		fmt.Println(ev.String())
		if c.Bool("publish") {
			var ack pool.Ack
			if ack, err = e.relays(c).Publish(c.Context, e.cfg.RelayList(),
				ev); err != nil {
				return
			}
			log.I.Ln("published, first accepted by", ack.Relay)
		}
		return
	},
}

var cryptFlags = []cli.Flag{
	&cli.StringFlag{
		Name:     "peer",
		Aliases:  []string{"p"},
		Usage:    "the other party, npub or hex",
		Required: true,
	},
	&cli.BoolFlag{
		Name:  "nip04",
		Usage: "use the legacy scheme, the only one remote custody supports",
	},
}

func cryptArgs(c *cli.Context) (cx *signer.Context, s signer.Scheme,
	peer, text string, err error) {

	if peer, err = keys.ParsePubkey(c.String("peer")); err != nil {
		return
	}
	if text, err = argOrStdin(c, 0); err != nil {
		return
	}
	s = signer.NIP44
	if c.Bool("nip04") {
		s = signer.NIP04
	}
	cx, err = getEnv(c).active(c)
	return
}

var encrypt = &cli.Command{
	Name:      "encrypt",
	Usage:     "encrypt text to a peer",
	ArgsUsage: "<plaintext, or piped on stdin>",
	Flags:     cryptFlags,
	Action: func(c *cli.Context) (err error) {
		cx, s, peer, text, err := cryptArgs(c)
		if err != nil {
			return
		}
		var ct string
		if ct, err = cx.Encrypt(c.Context, s, peer, text); err != nil {
			return
		}
		fmt.Println(ct)
		return
	},
}

var decrypt = &cli.Command{
	Name:      "decrypt",
	Usage:     "decrypt text from a peer",
	ArgsUsage: "<ciphertext, or piped on stdin>",
	Flags:     cryptFlags,
	Action: func(c *cli.Context) (err error) {
		cx, s, peer, text, err := cryptArgs(c)
		if err != nil {
			return
		}
		var pt string
		if pt, err = cx.Decrypt(c.Context, s, peer, text); err != nil {
			return
		}
		fmt.Println(pt)
		return
	},
}
