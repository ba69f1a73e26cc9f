// Command digestr fetches the feedback sent privately to the support identity
// over the last days and prints a digest of it.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/Hubmakerlabs/signet/pkg/config"
	"github.com/Hubmakerlabs/signet/pkg/feedback"
	"github.com/Hubmakerlabs/signet/pkg/nostr/keys"
	"github.com/Hubmakerlabs/signet/pkg/nostr/pool"
	"github.com/Hubmakerlabs/signet/pkg/signer"
	"github.com/Hubmakerlabs/signet/pkg/slog"
	"github.com/alexflint/go-arg"
)

var log, chk = slog.New(os.Stderr)

type Args struct {
	config.C
	Days    int    `arg:"-d,--days" default:"7" help:"days to look back"`
	Output  string `arg:"-o,--output" default:"terminal" help:"where to write the digest [terminal,file]"`
	Raw     bool   `arg:"--raw" help:"print the feedback as JSON instead of a digest"`
	Support string `arg:"--support" help:"pubkey the feedback is sent to, hex or npub"`
	APIKey  string `arg:"--anthropic-key,env:ANTHROPIC_API_KEY" help:"summarize with Claude, otherwise the digest is grouped by type"`
	Model   string `arg:"--model" default:"claude-sonnet-4-20250514" help:"Claude model for the summary"`
}

func (Args) Description() string {
	return "digestr collects private feedback sent to the support identity"
}

func main() {
	args := Args{C: *config.Default(), Support: feedback.SupportNpub}
	p := arg.MustParse(&args)
	slog.SetLogLevelString(args.LogLevel)
	if args.Output != "terminal" && args.Output != "file" {
		p.Fail("--output must be terminal or file")
	}
	if args.Days <= 0 {
		p.Fail("--days must be positive")
	}
	if err := run(args); chk.E(err) {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(args Args) (err error) {
	if args.SupportNsec == "" {
		return errors.New("SUPPORT_NSEC is not set")
	}
	var support string
	if support, err = keys.ParsePubkey(args.Support); err != nil {
		return fmt.Errorf("support pubkey: %w", err)
	}
	var id *signer.Context
	if id, err = signer.NewLocal(args.SupportNsec); err != nil {
		return fmt.Errorf("SUPPORT_NSEC: %w", err)
	}
	defer id.Close()
	if id.PublicKey() != support {
		return fmt.Errorf("SUPPORT_NSEC belongs to %s, not the support "+
			"identity %s", id.PublicKey(), support)
	}
	c, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	rp := pool.New(c, pool.WithListTimeout(args.ListTimeout))
	defer rp.Close()

	now := time.Now()
	items := feedback.Fetch(c, id, rp, args.RelayList(), args.Days, now)
	var out string
	if args.Raw {
		if out, err = feedback.Raw(items); err != nil {
			return
		}
	} else {
		var s feedback.Summarizer
		if args.APIKey != "" {
			cl := feedback.NewClaude(args.APIKey)
			cl.Model = args.Model
			s = cl
		}
		out = feedback.Summarize(c, s, items, args.Days, now)
	}
	switch args.Output {
	case "file":
		name := feedback.FileName(now)
		if err = os.WriteFile(name, []byte(out+"\n"), 0600); err != nil {
			return
		}
		log.I.Ln("saved digest to", name)
	default:
		fmt.Println(out)
	}
	return
}
