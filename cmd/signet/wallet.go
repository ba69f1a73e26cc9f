package main

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/Hubmakerlabs/signet/pkg/nostr/nip47"
	"github.com/urfave/cli/v2"
)

func walletClient(c *cli.Context) (cl *nip47.Client, err error) {
	var u nip47.URI
	if u, err = nip47.ParseURI(c.String("uri")); err != nil {
		return
	}
	if cl, err = nip47.NewClient(getEnv(c).relays(c), u); err != nil {
		return
	}
	if d := getEnv(c).cfg.WalletTimeout; d > 0 {
		cl.Timeout = d
	}
	return
}

func printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}

var wallet = &cli.Command{
	Name:  "wallet",
	Usage: "talk to a wallet service over wallet connect",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:     "uri",
			Usage:    "nostr+walletconnect:// connection string",
			EnvVars:  []string{"NWC_URI"},
			Required: true,
		},
	},
	Subcommands: []*cli.Command{
		{
			Name:  "info",
			Usage: "show what the wallet is and what it supports",
			Action: func(c *cli.Context) (err error) {
				var cl *nip47.Client
				if cl, err = walletClient(c); err != nil {
					return
				}
				defer cl.Close()
				var info nip47.Info
				if info, err = cl.GetInfo(c.Context); err != nil {
					return
				}
				if len(info.Methods) == 0 {
					info.Methods, _ = cl.Capabilities(c.Context,
						getEnv(c).relays(c))
				}
				return printJSON(info)
			},
		},
		{
			Name:  "balance",
			Usage: "show the balance in millisatoshis",
			Action: func(c *cli.Context) (err error) {
				var cl *nip47.Client
				if cl, err = walletClient(c); err != nil {
					return
				}
				defer cl.Close()
				var msats int64
				if msats, err = cl.GetBalance(c.Context); err != nil {
					return
				}
				fmt.Println(msats)
				return
			},
		},
		{
			Name:      "pay",
			Usage:     "pay a lightning invoice",
			ArgsUsage: "<bolt11 invoice>",
			Flags: []cli.Flag{
				&cli.Int64Flag{
					Name:  "amount",
					Usage: "millisatoshis to pay for invoices without an amount",
				},
			},
			Action: func(c *cli.Context) (err error) {
				var invoice string
				if invoice, err = argOrStdin(c, 0); err != nil {
					return
				}
				var cl *nip47.Client
				if cl, err = walletClient(c); err != nil {
					return
				}
				defer cl.Close()
				var p nip47.Payment
				if p, err = cl.PayInvoice(c.Context, invoice,
					c.Int64("amount")); err != nil {
					return
				}
				return printJSON(p)
			},
		},
		{
			Name:      "invoice",
			Usage:     "create an invoice",
			ArgsUsage: "<millisatoshis>",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "description"},
				&cli.Int64Flag{Name: "expiry", Usage: "seconds"},
			},
			Action: func(c *cli.Context) (err error) {
				var amount int64
				if amount, err = strconv.ParseInt(c.Args().First(), 10,
					64); err != nil {
					return fmt.Errorf("amount: %w", err)
				}
				var cl *nip47.Client
				if cl, err = walletClient(c); err != nil {
					return
				}
				defer cl.Close()
				var tx nip47.Transaction
				if tx, err = cl.MakeInvoice(c.Context, nip47.MakeInvoiceParams{
					Amount:      amount,
					Description: c.String("description"),
					Expiry:      c.Int64("expiry"),
				}); err != nil {
					return
				}
				return printJSON(tx)
			},
		},
		{
			Name:      "lookup",
			Usage:     "look up an invoice by payment hash or invoice",
			ArgsUsage: "<payment hash or invoice>",
			Action: func(c *cli.Context) (err error) {
				var cl *nip47.Client
				if cl, err = walletClient(c); err != nil {
					return
				}
				defer cl.Close()
				params := nip47.LookupInvoiceParams{}
				if s := c.Args().First(); len(s) == 64 {
					params.PaymentHash = s
				} else {
					params.Invoice = s
				}
				var tx nip47.Transaction
				if tx, err = cl.LookupInvoice(c.Context, params); err != nil {
					return
				}
				return printJSON(tx)
			},
		},
	},
}
