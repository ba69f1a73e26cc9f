// Package session owns the one active signing context of a user and keeps
// enough of it in a store to bring it back after a restart.
package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/Hubmakerlabs/signet/pkg/nostr/keys"
	"github.com/Hubmakerlabs/signet/pkg/nostr/nip46"
	"github.com/Hubmakerlabs/signet/pkg/nostr/normalize"
	"github.com/Hubmakerlabs/signet/pkg/nostr/rpc"
	"github.com/Hubmakerlabs/signet/pkg/signer"
	"github.com/Hubmakerlabs/signet/pkg/slog"
)

var log, chk = slog.New(os.Stderr)

var (
	ErrUnauthenticated = errors.New("session: not logged in")
	ErrNoAppLogin      = errors.New("session: no app login in progress")
)

type Method string

const (
	MethodLocal  Method = "local"
	MethodBunker Method = "bunker"
	MethodApp    Method = "app"
)

// Store keeps the persisted fields of a Record. Empty values delete.
type Store interface {
	Put(fields map[string]string) error
	All() (map[string]string, error)
	Clear() error
}

// Manager moves between logged out and one of the three custody models.
// Logging in again replaces the active context and closes the old one.
type Manager struct {
	mx        sync.RWMutex
	store     Store
	transport rpc.Transport
	active    *signer.Context
	app       *appLogin
	// Metadata is shown to the user by the signing app.
	Metadata nip46.Metadata
	// Timeout bounds remote signer calls, rpc.SignerTimeout when zero.
	Timeout time.Duration
}

type appLogin struct {
	ephemeral string
	relay     string
	uri       nip46.NostrConnectURI
}

func New(st Store, t rpc.Transport) *Manager {
	return &Manager{store: st, transport: t,
		Metadata: nip46.Metadata{Name: "signet"}}
}

// Active returns the current signing context.
func (m *Manager) Active() (cx *signer.Context, err error) {
	m.mx.RLock()
	defer m.mx.RUnlock()
	if m.active == nil {
		return nil, ErrUnauthenticated
	}
	return m.active, nil
}

// install makes cx active, replacing and closing the previous context, and
// persists rec in place of whatever was stored.
func (m *Manager) install(cx *signer.Context, rec Record) (err error) {
	if m.Timeout > 0 {
		cx.SetTimeout(m.Timeout)
	}
	if err = m.store.Clear(); chk.E(err) {
		cx.Close()
		return
	}
	if err = m.store.Put(rec.Fields()); chk.E(err) {
		cx.Close()
		return
	}
	if m.active != nil {
		m.active.Close()
	}
	m.active = cx
	log.I.F("logged in as %s via %s", cx.PublicKey(), rec.Method)
	return
}

// LoginLocal opens a context over a hex or nsec secret key.
func (m *Manager) LoginLocal(secret string) (cx *signer.Context, err error) {
	if cx, err = signer.NewLocal(secret); err != nil {
		return
	}
	b := cx.Backend().(signer.Local)
	m.mx.Lock()
	defer m.mx.Unlock()
	if err = m.install(cx, Record{Method: MethodLocal, Pubkey: cx.PublicKey(),
		SecretKey: b.SecretKey}); err != nil {
		return nil, err
	}
	return
}

// LoginBunker connects to the remote signer named by a bunker:// URI with a
// fresh ephemeral key and asks it for the user's pubkey.
func (m *Manager) LoginBunker(c context.Context, uri string) (cx *signer.Context,
	err error) {

	var bu nip46.BunkerURI
	if bu, err = nip46.ParseBunkerURI(uri); err != nil {
		return
	}
	b := signer.Bunker{
		EphemeralKey: keys.GeneratePrivateKey(),
		RemotePubkey: bu.RemotePubkey,
		Relays:       bu.Relays,
		Secret:       bu.Secret,
	}
	if cx, err = m.login(c, b); err != nil {
		return
	}
	m.mx.Lock()
	defer m.mx.Unlock()
	if err = m.install(cx, Record{
		Method:       MethodBunker,
		Pubkey:       cx.PublicKey(),
		EphemeralKey: b.EphemeralKey,
		RemotePubkey: b.RemotePubkey,
		Relays:       b.Relays,
	}); err != nil {
		return nil, err
	}
	return
}

func (m *Manager) login(c context.Context, b signer.Backend) (cx *signer.Context,
	err error) {

	if m.Timeout > 0 {
		var cancel context.CancelFunc
		c, cancel = context.WithTimeout(c, 2*m.Timeout)
		defer cancel()
	}
	return signer.Login(c, m.transport, b)
}

// BeginAppLogin starts a companion app login on relay and returns the
// nostrconnect URI the app must open.
func (m *Manager) BeginAppLogin(relay string) (uri string, err error) {
	if relay = normalize.URL(relay); relay == "" {
		return "", fmt.Errorf("%w: bad relay", nip46.ErrNoRelays)
	}
	a := &appLogin{ephemeral: keys.GeneratePrivateKey(), relay: relay}
	var pub string
	if pub, err = keys.GetPublicKey(a.ephemeral); err != nil {
		return
	}
	a.uri = nip46.NostrConnectURI{
		ClientPubkey: pub,
		Relays:       []string{relay},
		Secret:       rpc.NewID()[:16],
		Perms: []string{nip46.MethodSignEvent, nip46.MethodNip04Encrypt,
			nip46.MethodNip04Decrypt},
		Metadata: m.Metadata,
	}
	m.mx.Lock()
	m.app = a
	m.mx.Unlock()
	return a.uri.String(), nil
}

// CompleteAppLogin finishes the login started by BeginAppLogin. An empty
// remotePubkey waits for the app to announce itself on the relay; either way
// the user's pubkey is then fetched from the app.
func (m *Manager) CompleteAppLogin(c context.Context,
	remotePubkey string) (cx *signer.Context, err error) {

	m.mx.RLock()
	a := m.app
	m.mx.RUnlock()
	if a == nil {
		return nil, ErrNoAppLogin
	}
	if remotePubkey == "" {
		if remotePubkey, err = nip46.AwaitConnect(c, m.transport, a.ephemeral,
			a.uri.Relays, a.uri.Secret); err != nil {
			return nil, fmt.Errorf("waiting for app: %w", err)
		}
	} else if remotePubkey, err = keys.ParsePubkey(remotePubkey); err != nil {
		return
	}
	b := signer.App{EphemeralKey: a.ephemeral, RemotePubkey: remotePubkey,
		Relay: a.relay}
	if cx, err = m.login(c, b); err != nil {
		return
	}
	m.mx.Lock()
	defer m.mx.Unlock()
	if m.app == a {
		m.app = nil
	}
	if err = m.install(cx, Record{
		Method:       MethodApp,
		Pubkey:       cx.PublicKey(),
		EphemeralKey: b.EphemeralKey,
		RemotePubkey: b.RemotePubkey,
		Relay:        b.Relay,
	}); err != nil {
		return nil, err
	}
	return
}

// Restore reopens the stored session without contacting any relay.
func (m *Manager) Restore(c context.Context) (cx *signer.Context, err error) {
	var fields map[string]string
	if fields, err = m.store.All(); err != nil {
		return
	}
	var rec Record
	if rec, err = RecordFromFields(fields); err != nil {
		return
	}
	if cx, err = signer.Open(m.transport, rec.Backend(), rec.Pubkey); err != nil {
		return
	}
	if cx.PublicKey() != rec.Pubkey {
		cx.Close()
		return nil, fmt.Errorf("session: stored pubkey %s does not match key",
			rec.Pubkey)
	}
	if m.Timeout > 0 {
		cx.SetTimeout(m.Timeout)
	}
	m.mx.Lock()
	defer m.mx.Unlock()
	if m.active != nil {
		m.active.Close()
	}
	m.active = cx
	log.D.F("restored %s session for %s", rec.Method, rec.Pubkey)
	return
}

// Logout closes the active context and erases every persisted field.
func (m *Manager) Logout() (err error) {
	m.mx.Lock()
	defer m.mx.Unlock()
	if m.active != nil {
		m.active.Close()
		m.active = nil
	}
	m.app = nil
	if err = m.store.Clear(); chk.E(err) {
		return
	}
	log.I.Ln("logged out")
	return
}

// Record is the persisted form of a session.
type Record struct {
	Method       Method
	Pubkey       string
	SecretKey    string
	EphemeralKey string
	RemotePubkey string
	Relays       []string
	Relay        string
}

const (
	FieldMethod       = "method"
	FieldPubkey       = "pubkey"
	FieldSecretKey    = "secret_key"
	FieldEphemeralKey = "ephemeral_key"
	FieldRemotePubkey = "remote_pubkey"
	FieldRelays       = "relays"
	FieldRelay        = "relay"
)

// AllFields lists every field a Record may persist.
var AllFields = []string{FieldMethod, FieldPubkey, FieldSecretKey,
	FieldEphemeralKey, FieldRemotePubkey, FieldRelays, FieldRelay}

func (r Record) Fields() map[string]string {
	return map[string]string{
		FieldMethod:       string(r.Method),
		FieldPubkey:       r.Pubkey,
		FieldSecretKey:    r.SecretKey,
		FieldEphemeralKey: r.EphemeralKey,
		FieldRemotePubkey: r.RemotePubkey,
		FieldRelays:       strings.Join(r.Relays, ","),
		FieldRelay:        r.Relay,
	}
}

func RecordFromFields(f map[string]string) (r Record, err error) {
	r = Record{
		Method:       Method(f[FieldMethod]),
		Pubkey:       f[FieldPubkey],
		SecretKey:    f[FieldSecretKey],
		EphemeralKey: f[FieldEphemeralKey],
		RemotePubkey: f[FieldRemotePubkey],
		Relay:        f[FieldRelay],
	}
	if rs := f[FieldRelays]; rs != "" {
		r.Relays = strings.Split(rs, ",")
	}
	switch r.Method {
	case "":
		return r, ErrUnauthenticated
	case MethodLocal:
		if r.SecretKey == "" {
			err = fmt.Errorf("session: local record without key")
		}
	case MethodBunker:
		if r.EphemeralKey == "" || r.RemotePubkey == "" || len(r.Relays) == 0 {
			err = fmt.Errorf("session: incomplete bunker record")
		}
	case MethodApp:
		if r.EphemeralKey == "" || r.RemotePubkey == "" || r.Relay == "" {
			err = fmt.Errorf("session: incomplete app record")
		}
	default:
		err = fmt.Errorf("session: unknown method %q", r.Method)
	}
	if err == nil && r.Pubkey == "" {
		err = fmt.Errorf("session: record without pubkey")
	}
	return
}

func (r Record) Backend() signer.Backend {
	switch r.Method {
	case MethodBunker:
		return signer.Bunker{EphemeralKey: r.EphemeralKey,
			RemotePubkey: r.RemotePubkey, Relays: r.Relays}
	case MethodApp:
		return signer.App{EphemeralKey: r.EphemeralKey,
			RemotePubkey: r.RemotePubkey, Relay: r.Relay}
	}
	return signer.Local{SecretKey: r.SecretKey}
}
