package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/Hubmakerlabs/signet/pkg/config"
	"github.com/Hubmakerlabs/signet/pkg/nostr/pool"
	"github.com/Hubmakerlabs/signet/pkg/session"
	"github.com/Hubmakerlabs/signet/pkg/signer"
	"github.com/Hubmakerlabs/signet/pkg/store/badger"
	"github.com/bgentry/speakeasy"
	"github.com/mdp/qrterminal/v3"
	"github.com/urfave/cli/v2"
)

// env is opened lazily so that commands which need no session, like the
// bunker daemon, do not lock the store.
type env struct {
	cfg   *config.C
	pool  *pool.Pool
	store *badger.Backend
	sess  *session.Manager
}

func getEnv(c *cli.Context) *env { return c.App.Metadata["env"].(*env) }

func (e *env) relays(c *cli.Context) *pool.Pool {
	if e.pool == nil {
		e.pool = pool.New(c.Context, pool.WithListTimeout(e.cfg.ListTimeout))
	}
	return e.pool
}

func (e *env) session(c *cli.Context) (m *session.Manager, err error) {
	if e.sess != nil {
		return e.sess, nil
	}
	e.store = badger.New(e.cfg.StorePath())
	if err = e.store.Init(); err != nil {
		e.store = nil
		return nil, fmt.Errorf("opening session store: %w", err)
	}
	e.sess = session.New(e.store, e.relays(c))
	e.sess.Timeout = e.cfg.SignerTimeout
	return e.sess, nil
}

// active restores the stored session.
func (e *env) active(c *cli.Context) (cx *signer.Context, err error) {
	var m *session.Manager
	if m, err = e.session(c); err != nil {
		return
	}
	if cx, err = m.Active(); err == nil {
		return
	}
	if cx, err = m.Restore(c.Context); err != nil {
		return nil, fmt.Errorf("%w, run signet login first", err)
	}
	return
}

func (e *env) close() {
	if e.pool != nil {
		e.pool.Close()
	}
	if e.store != nil {
		chk.E(e.store.Close())
	}
}

func isPiped() bool {
	stat, _ := os.Stdin.Stat()
	return stat.Mode()&os.ModeCharDevice == 0
}

// argOrStdin returns argument n, or all of stdin when it is piped and the
// argument is missing.
func argOrStdin(c *cli.Context, n int) (s string, err error) {
	if s = c.Args().Get(n); s != "" {
		return
	}
	if !isPiped() {
		return "", fmt.Errorf("missing argument %d", n+1)
	}
	return readStdin()
}

func readStdin() (s string, err error) {
	var b []byte
	if b, err = io.ReadAll(os.Stdin); err != nil {
		return
	}
	return strings.TrimSpace(string(b)), nil
}

// askSecretKey reads a key from the terminal without echoing it.
func askSecretKey() (sec string, err error) {
	if isPiped() {
		return "", fmt.Errorf("can't prompt for a secret key when reading " +
			"from a pipe, try again without --prompt-sec")
	}
	if sec, err = speakeasy.FAsk(os.Stderr,
		"type your secret key as nsec or hex: "); err != nil {
		return "", fmt.Errorf("failed to get secret key: %w", err)
	}
	return strings.TrimSpace(sec), nil
}

func showQR(s string) {
	qrterminal.GenerateWithConfig(s, qrterminal.Config{
		HalfBlocks: false,
		Level:      qrterminal.L,
		Writer:     os.Stdout,
		WhiteChar:  qrterminal.WHITE,
		BlackChar:  qrterminal.BLACK,
		QuietZone:  2,
	})
}
