// Package config holds the settings shared by the signet commands. Values
// come from a JSON file in the data directory, then the environment, then
// flags.
package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Hubmakerlabs/signet/pkg/nostr/normalize"
	"github.com/Hubmakerlabs/signet/pkg/nostr/rpc"
	"github.com/Hubmakerlabs/signet/pkg/slog"
	"github.com/adrg/xdg"
)

var log, chk = slog.New(os.Stderr)

const (
	Name     = "signet"
	FileName = "config.json"
)

var DefaultRelays = []string{
	"wss://relay.damus.io",
	"wss://relay.snort.social",
	"wss://relay.primal.net",
	"wss://nos.lol",
}

type C struct {
	Relays        []string      `arg:"-r,--relay,separate,env:NOSTR_RELAYS" json:"relays" help:"relays to use, repeat the flag or comma separate in the environment"`
	DataDir       string        `arg:"-D,--datadir,env:SIGNET_DATA" json:"-" help:"directory holding the session store and configuration"`
	SupportNsec   string        `arg:"--support-nsec,env:SUPPORT_NSEC" json:"-" help:"secret key of the support identity that receives feedback"`
	SignerTimeout time.Duration `arg:"--signer-timeout" json:"signer_timeout" help:"bound on each remote signer call"`
	WalletTimeout time.Duration `arg:"--wallet-timeout" json:"wallet_timeout" help:"bound on each wallet connect call"`
	ListTimeout   time.Duration `arg:"--list-timeout" json:"list_timeout" help:"bound on relay queries"`
	LogLevel      string        `arg:"--loglevel" json:"log_level" help:"set log level [off,fatal,error,warn,info,debug,trace] (can also use GODEBUG environment variable)"`
}

// Default returns the built in configuration.
func Default() *C {
	return &C{
		Relays:        append([]string{}, DefaultRelays...),
		DataDir:       filepath.Join(xdg.DataHome, Name),
		SignerTimeout: rpc.SignerTimeout,
		WalletTimeout: rpc.WalletTimeout,
		ListTimeout:   6 * time.Second,
		LogLevel:      "info",
	}
}

// Path is where Save and Load look by default.
func (c *C) Path() string { return filepath.Join(c.DataDir, FileName) }

// StorePath is the directory of the session store.
func (c *C) StorePath() string { return filepath.Join(c.DataDir, "session") }

// RelayList returns the configured relays normalized, split on commas and
// deduplicated, falling back to DefaultRelays when none are left.
func (c *C) RelayList() (relays []string) {
	var all []string
	for _, r := range c.Relays {
		all = append(all, strings.Split(r, ",")...)
	}
	if relays = normalize.URLs(all); len(relays) == 0 {
		relays = normalize.URLs(DefaultRelays)
	}
	return
}

func (c *C) Save(filename string) (err error) {
	if c == nil {
		err = errors.New("cannot save nil config")
		log.E.Ln(err)
		return
	}
	if err = os.MkdirAll(filepath.Dir(filename), 0700); chk.E(err) {
		return
	}
	var b []byte
	if b, err = json.MarshalIndent(c, "", "    "); chk.E(err) {
		return
	}
	if err = os.WriteFile(filename, b, 0600); chk.E(err) {
		return
	}
	return
}

// Load reads filename over c. Fields missing from the file keep their
// current values.
func (c *C) Load(filename string) (err error) {
	if c == nil {
		err = errors.New("cannot load into nil config")
		chk.E(err)
		return
	}
	var b []byte
	if b, err = os.ReadFile(filename); err != nil {
		return
	}
	if err = json.Unmarshal(b, c); chk.E(err) {
		return
	}
	return
}

// LoadDefault loads the file in DataDir when there is one.
func (c *C) LoadDefault() (err error) {
	if err = c.Load(c.Path()); errors.Is(err, os.ErrNotExist) {
		log.D.Ln("no configuration at", c.Path())
		return nil
	}
	return
}
