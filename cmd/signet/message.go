package main

import (
	"fmt"
	"time"

	"github.com/Hubmakerlabs/signet/pkg/nostr/dm"
	"github.com/Hubmakerlabs/signet/pkg/nostr/keys"
	"github.com/Hubmakerlabs/signet/pkg/nostr/nip59"
	"github.com/Hubmakerlabs/signet/pkg/nostr/pool"
	"github.com/Hubmakerlabs/signet/pkg/signer"
	"github.com/nbd-wtf/go-nostr"
	"github.com/urfave/cli/v2"
)

var send = &cli.Command{
	Name:      "send",
	Usage:     "send a private message",
	ArgsUsage: "<recipient npub or hex> <text, or piped on stdin>",
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:  "dm",
			Usage: "send a kind 4 direct message instead of a gift wrap, which shows sender and recipient to relays",
		},
	},
	Action: func(c *cli.Context) (err error) {
		var recipient, text string
		if recipient, err = keys.ParsePubkey(c.Args().First()); err != nil {
			return fmt.Errorf("recipient: %w", err)
		}
		if text, err = argOrStdin(c, 1); err != nil {
			return
		}
		e := getEnv(c)
		var cx *signer.Context
		if cx, err = e.active(c); err != nil {
			return
		}
		var ev *nostr.Event
		var ack pool.Ack
		if c.Bool("dm") {
			if ev, err = dm.Compose(c.Context, cx, recipient, text); err != nil {
				return
			}
			if ack, err = e.relays(c).Publish(c.Context, e.cfg.RelayList(),
				ev); err != nil {
				return
			}
		} else if ev, ack, err = nip59.Send(c.Context, cx, e.relays(c),
			e.cfg.RelayList(), recipient, text); err != nil {
			return
		}
		log.I.F("sent %s, first accepted by %s", ev.ID, ack.Relay)
		fmt.Println(ev.ID)
		return
	},
}

var inbox = &cli.Command{
	Name:  "inbox",
	Usage: "show private messages received",
	Flags: []cli.Flag{
		&cli.DurationFlag{
			Name:  "since",
			Usage: "how far back to look",
			Value: 24 * time.Hour,
		},
		&cli.BoolFlag{
			Name:    "follow",
			Aliases: []string{"f"},
			Usage:   "keep running and show messages as they arrive",
		},
		&cli.BoolFlag{
			Name:  "dm",
			Usage: "show kind 4 direct messages instead of gift wraps",
		},
	},
	Action: func(c *cli.Context) (err error) {
		e := getEnv(c)
		var cx *signer.Context
		if cx, err = e.active(c); err != nil {
			return
		}
		since := time.Now().Add(-c.Duration("since"))
		if c.Bool("dm") {
			return directMessages(c, e, cx, since)
		}
		if !c.Bool("follow") {
			for _, m := range nip59.FetchSince(c.Context, cx, e.relays(c),
				e.cfg.RelayList(), since) {
				printMessage(m.Sender, m.Rumor.CreatedAt, m.Rumor.Content)
			}
			return
		}
		var msgs <-chan *nip59.Message
		if msgs, err = nip59.Inbox(c.Context, cx, e.relays(c),
			e.cfg.RelayList(), since); err != nil {
			return
		}
		for m := range msgs {
			printMessage(m.Sender, m.Rumor.CreatedAt, m.Rumor.Content)
		}
		return
	},
}

func directMessages(c *cli.Context, e *env, cx *signer.Context,
	since time.Time) (err error) {

	f := dm.Filter(cx.PublicKey(), "")
	ts := nostr.Timestamp(since.Unix())
	f[0].Since = &ts
	for _, ev := range e.relays(c).ListEvents(c.Context, e.cfg.RelayList(), f,
		0) {
		var text string
		if text, err = dm.Open(c.Context, cx, ev); err != nil {
			log.W.F("cannot open %s: %v", ev.ID, err)
			continue
		}
		printMessage(ev.PubKey, ev.CreatedAt, text)
	}
	return nil
}

func printMessage(sender string, at nostr.Timestamp, text string) {
	from, err := keys.EncodeNpub(sender)
	if err != nil {
		from = sender
	}
	fmt.Printf("%s %s\n%s\n\n", at.Time().Format(time.DateTime), from, text)
}
