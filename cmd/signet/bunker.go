package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/Hubmakerlabs/signet/pkg/nostr/keys"
	"github.com/Hubmakerlabs/signet/pkg/nostr/nip46"
	"github.com/Hubmakerlabs/signet/pkg/nostr/rpc"
	"github.com/manifoldco/promptui"
	"github.com/urfave/cli/v2"
	"golang.org/x/exp/slices"
)

var bunker = &cli.Command{
	Name:      "bunker",
	Usage:     "run a remote signer daemon holding a key",
	ArgsUsage: "[relay...]",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "sec",
			Usage:   "secret key to sign with, as hex or nsec",
			EnvVars: []string{"BUNKER_SEC"},
		},
		&cli.BoolFlag{
			Name:  "prompt-sec",
			Usage: "type the secret key on the terminal instead",
		},
		&cli.StringFlag{
			Name:  "secret",
			Usage: "connection secret clients must present, generated when empty",
		},
		&cli.StringFlag{
			Name:  "connect",
			Usage: "also answer this nostrconnect:// link",
		},
		&cli.BoolFlag{
			Name:    "yes",
			Aliases: []string{"y"},
			Usage:   "answer every request without asking",
		},
		&cli.BoolFlag{
			Name:  "qr",
			Usage: "show the bunker link as a QR code",
		},
	},
	Action: func(c *cli.Context) (err error) {
		e := getEnv(c)
		relays := e.cfg.RelayList()
		if c.Args().Len() > 0 {
			relays = c.Args().Slice()
		}
		sec := c.String("sec")
		if c.Bool("prompt-sec") {
			if sec, err = askSecretKey(); err != nil {
				return
			}
		} else if sec == "" {
			if sec, err = keyFromStdin(); err != nil {
				return
			}
		}
		var s *nip46.Signer
		if s, err = nip46.NewSigner(sec); err != nil {
			return
		}
		if s.Secret = c.String("secret"); s.Secret == "" {
			s.Secret = rpc.NewID()[:16]
		}
		for _, r := range relays {
			s.AddRelayToAdvertise(r, true, true)
		}
		uri := nip46.BunkerURI{RemotePubkey: s.PublicKey(), Relays: relays,
			Secret: s.Secret}
		npub, _ := keys.EncodeNpub(s.PublicKey())
		log.I.F("signing for %s on %v", npub, relays)
		fmt.Println(uri.String())
		if c.Bool("qr") {
			showQR(uri.String())
		}
		rp := e.relays(c)
		if link := c.String("connect"); link != "" {
			var nc nip46.NostrConnectURI
			if nc, err = nip46.ParseNostrConnectURI(link); err != nil {
				return
			}
			if err = s.ConnectTo(c.Context, rp, nc); err != nil {
				return fmt.Errorf("answering %s: %w", nc.ClientPubkey, err)
			}
			log.I.F("connected to %s (%s)", nc.ClientPubkey, nc.Metadata.Name)
		}
		var approve nip46.Approver
		if !c.Bool("yes") {
			approve = (&approvals{}).ask
		}
		if err = s.Serve(c.Context, rp, relays, approve); errors.Is(err,
			context.Canceled) {
			return nil
		}
		return
	},
}

// keyFromStdin reads a piped key, or asks for one on the terminal.
func keyFromStdin() (sec string, err error) {
	if !isPiped() {
		return askSecretKey()
	}
	return readStdin()
}

// approvals remembers clients the operator trusts for the rest of the run.
type approvals struct {
	mx      sync.Mutex
	trusted []string
}

func (a *approvals) ask(client string, req nip46.Request) bool {
	a.mx.Lock()
	defer a.mx.Unlock()
	if slices.Contains(a.trusted, client) {
		return true
	}
	prompt := promptui.Select{
		Label:  fmt.Sprintf("%s wants %s, proceed?", client, req.Method),
		Items:  []string{"no", "yes", "always from this client"},
		Stdout: os.Stderr,
	}
	n, _, err := prompt.Run()
	if err != nil {
		return false
	}
	switch n {
	case 1:
		return true
	case 2:
		a.trusted = append(a.trusted, client)
		return true
	}
	return false
}
