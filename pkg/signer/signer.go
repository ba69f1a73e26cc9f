// Package signer is the single signing surface the rest of signet uses. A
// Context wraps one of three custody models: a Local key held in process, a
// Bunker reached over relays, or a companion App reached through a
// nostrconnect link. Every operation dispatches once on the model.
package signer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/Hubmakerlabs/signet/pkg/nostr/keys"
	"github.com/Hubmakerlabs/signet/pkg/nostr/nip44"
	"github.com/Hubmakerlabs/signet/pkg/nostr/nip46"
	"github.com/Hubmakerlabs/signet/pkg/nostr/normalize"
	"github.com/Hubmakerlabs/signet/pkg/nostr/rpc"
	"github.com/Hubmakerlabs/signet/pkg/slog"
	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip04"
	"github.com/puzpuzpuz/xsync/v2"
)

var log, chk = slog.New(os.Stderr)

// ErrUnsupported is returned for operations a custody model cannot perform.
// Remote custody does not do the current scheme; callers get this error
// rather than a silent downgrade to the legacy one.
var ErrUnsupported = errors.New("signer: operation not supported by this custody model")

var ErrClosed = errors.New("signer: closed")

type Scheme int

const (
	NIP04 Scheme = iota
	NIP44
)

func (s Scheme) String() string {
	switch s {
	case NIP04:
		return "nip04"
	case NIP44:
		return "nip44"
	}
	return fmt.Sprintf("scheme(%d)", int(s))
}

// Backend is one of Local, Bunker or App.
type Backend interface{ backend() }

// Local holds the user's secret key in process.
type Local struct {
	SecretKey string
}

// Bunker reaches a remote signer on Relays. EphemeralKey is the client's
// transport identity, RemotePubkey the signer's.
type Bunker struct {
	EphemeralKey string
	RemotePubkey string
	Relays       []string
	Secret       string
}

// App reaches a companion signing app through a single relay.
type App struct {
	EphemeralKey string
	RemotePubkey string
	Relay        string
}

func (Local) backend()  {}
func (Bunker) backend() {}
func (App) backend()    {}

// Signer is the capability surface consumers depend on.
type Signer interface {
	PublicKey() string
	SignEvent(c context.Context, tmpl *nostr.Event) (*nostr.Event, error)
	Encrypt(c context.Context, s Scheme, peer, plaintext string) (string, error)
	Decrypt(c context.Context, s Scheme, peer, ciphertext string) (string, error)
	Backend() Backend
	Close()
}

var _ Signer = (*Context)(nil)

// Context is the active signing context of a session.
type Context struct {
	backend Backend
	pubkey  string
	remote  *nip46.Client

	convKeys   *xsync.MapOf[string, nip44.Key]
	sharedKeys *xsync.MapOf[string, []byte]
	closed     chan struct{}
	closeOnce  sync.Once
}

func newContext(b Backend, pubkey string) *Context {
	return &Context{
		backend:    b,
		pubkey:     pubkey,
		convKeys:   xsync.NewMapOf[nip44.Key](),
		sharedKeys: xsync.NewMapOf[[]byte](),
		closed:     make(chan struct{}),
	}
}

// NewLocal opens a context over a hex or nsec secret key.
func NewLocal(secret string) (cx *Context, err error) {
	var sk, pk string
	if sk, err = keys.ParseSecret(secret); err != nil {
		return
	}
	if pk, err = keys.GetPublicKey(sk); err != nil {
		return
	}
	return newContext(Local{SecretKey: sk}, pk), nil
}

// Login opens a context and, for remote custody, performs the connect
// handshake and learns the user's pubkey from the signer.
func Login(c context.Context, t rpc.Transport, b Backend) (cx *Context,
	err error) {

	switch b := b.(type) {
	case Local:
		return NewLocal(b.SecretKey)
	case Bunker:
		if cx, err = Open(t, b, ""); err != nil {
			return
		}
		if err = cx.remote.Connect(c, b.Secret); err != nil {
			cx.Close()
			return nil, fmt.Errorf("bunker connect: %w", err)
		}
	case App:
		if cx, err = Open(t, b, ""); err != nil {
			return
		}
	default:
		return nil, fmt.Errorf("unknown backend %T", b)
	}
	if cx.pubkey, err = cx.remote.GetPublicKey(c); err != nil {
		cx.Close()
		return nil, fmt.Errorf("get_public_key: %w", err)
	}
	log.D.F("remote signer %s acting for %s", cx.remote.RemotePubkey(),
		cx.pubkey)
	return
}

// Open builds a context without touching the network, as when restoring a
// session whose user pubkey is already known. pubkey is ignored for Local.
func Open(t rpc.Transport, b Backend, pubkey string) (cx *Context, err error) {
	var cl *nip46.Client
	switch b := b.(type) {
	case Local:
		return NewLocal(b.SecretKey)
	case Bunker:
		cl, err = nip46.NewClient(t, b.EphemeralKey, b.RemotePubkey, b.Relays)
	case App:
		cl, err = nip46.NewClient(t, b.EphemeralKey, b.RemotePubkey,
			[]string{normalize.URL(b.Relay)})
	default:
		return nil, fmt.Errorf("unknown backend %T", b)
	}
	if err != nil {
		return
	}
	if pubkey != "" {
		cl.SetUserPubkey(pubkey)
	}
	cx = newContext(b, pubkey)
	cx.remote = cl
	return
}

func (cx *Context) PublicKey() string { return cx.pubkey }
func (cx *Context) Backend() Backend  { return cx.backend }

// IsRemote reports whether the key lives outside this process.
func (cx *Context) IsRemote() bool { return cx.remote != nil }

// SetTimeout changes the bound on each remote call.
func (cx *Context) SetTimeout(d time.Duration) {
	if cx.remote != nil {
		cx.remote.Timeout = d
	}
}

func (cx *Context) isClosed() bool {
	select {
	case <-cx.closed:
		return true
	default:
		return false
	}
}

// Close ends the context. Remote calls in flight fail and cached keys are
// dropped.
func (cx *Context) Close() {
	cx.closeOnce.Do(func() {
		close(cx.closed)
		if cx.remote != nil {
			cx.remote.Close()
		}
		cx.convKeys.Clear()
		cx.sharedKeys.Clear()
	})
}

// SignEvent returns a signed copy of tmpl, which is left untouched.
func (cx *Context) SignEvent(c context.Context,
	tmpl *nostr.Event) (ev *nostr.Event, err error) {

	if cx.isClosed() {
		return nil, ErrClosed
	}
	switch b := cx.backend.(type) {
	case Local:
		e := *tmpl
		e.Tags = append(nostr.Tags{}, tmpl.Tags...)
		e.PubKey = cx.pubkey
		if e.CreatedAt == 0 {
			e.CreatedAt = nostr.Now()
		}
		if err = e.Sign(b.SecretKey); err != nil {
			return
		}
		return &e, nil
	case Bunker, App:
		return cx.remote.SignEvent(c, tmpl)
	}
	return nil, ErrUnsupported
}

func (cx *Context) Encrypt(c context.Context, s Scheme, peer,
	plaintext string) (ct string, err error) {

	if cx.isClosed() {
		return "", ErrClosed
	}
	switch b := cx.backend.(type) {
	case Local:
		switch s {
		case NIP04:
			var key []byte
			if key, err = cx.sharedKey(b.SecretKey, peer); err != nil {
				return
			}
			return nip04.Encrypt(plaintext, key)
		case NIP44:
			var key nip44.Key
			if key, err = cx.conversationKey(b.SecretKey, peer); err != nil {
				return
			}
			return nip44.Encrypt(key, plaintext)
		}
	case Bunker, App:
		if s == NIP04 {
			return cx.remote.Nip04Encrypt(c, peer, plaintext)
		}
	}
	return "", fmt.Errorf("%w: encrypt %s", ErrUnsupported, s)
}

func (cx *Context) Decrypt(c context.Context, s Scheme, peer,
	ciphertext string) (pt string, err error) {

	if cx.isClosed() {
		return "", ErrClosed
	}
	switch b := cx.backend.(type) {
	case Local:
		switch s {
		case NIP04:
			var key []byte
			if key, err = cx.sharedKey(b.SecretKey, peer); err != nil {
				return
			}
			return nip04.Decrypt(ciphertext, key)
		case NIP44:
			var key nip44.Key
			if key, err = cx.conversationKey(b.SecretKey, peer); err != nil {
				return
			}
			return nip44.Decrypt(key, ciphertext)
		}
	case Bunker, App:
		if s == NIP04 {
			return cx.remote.Nip04Decrypt(c, peer, ciphertext)
		}
	}
	return "", fmt.Errorf("%w: decrypt %s", ErrUnsupported, s)
}

func (cx *Context) conversationKey(sk, peer string) (k nip44.Key, err error) {
	var ok bool
	if k, ok = cx.convKeys.Load(peer); ok {
		return
	}
	if k, err = nip44.ConversationKey(sk, peer); err != nil {
		return
	}
	cx.convKeys.Store(peer, k)
	return
}

func (cx *Context) sharedKey(sk, peer string) (k []byte, err error) {
	var ok bool
	if k, ok = cx.sharedKeys.Load(peer); ok {
		return
	}
	if !keys.IsValidPubkey(peer) {
		return nil, keys.ErrInvalidPubkey
	}
	if k, err = nip04.ComputeSharedSecret(peer, sk); err != nil {
		return
	}
	cx.sharedKeys.Store(peer, k)
	return
}
