package nip46

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Hubmakerlabs/signet/pkg/nostr/keys"
	"github.com/Hubmakerlabs/signet/pkg/nostr/kind"
	"github.com/Hubmakerlabs/signet/pkg/nostr/normalize"
	"github.com/Hubmakerlabs/signet/pkg/nostr/pool"
	"github.com/Hubmakerlabs/signet/pkg/nostr/rpc"
	"github.com/nbd-wtf/go-nostr"
	"golang.org/x/exp/slices"
)

var (
	ErrWrongAuthor   = errors.New("response not authored by the remote signer")
	ErrBadSignature  = errors.New("bad signature")
	ErrSignedEvent   = errors.New("remote signer returned an event that does not match the request")
	ErrNoClientRelay = errors.New("no relays for remote signer")
)

// Client talks to one remote signer. The ephemeral secret is the client's
// transport identity; the user's key never leaves the signer.
type Client struct {
	rpc       *rpc.Client
	secret    string
	clientPub string
	remote    string
	relays    []string
	session   Session
	// Timeout bounds each call, rpc.SignerTimeout when zero.
	Timeout time.Duration
	// OnAuthURL is told about approval pages the signer asks the user to
	// visit. The call keeps waiting for the real response.
	OnAuthURL func(url string)

	mx      sync.Mutex
	userPub string
}

func NewClient(t rpc.Transport, clientSecret, remotePubkey string,
	relays []string) (cl *Client, err error) {

	if !keys.IsValidSecret(clientSecret) {
		return nil, keys.ErrInvalidSecret
	}
	if !keys.IsValidPubkey(remotePubkey) {
		return nil, keys.ErrInvalidPubkey
	}
	if relays = normalize.URLs(relays); len(relays) == 0 {
		return nil, ErrNoClientRelay
	}
	cl = &Client{
		rpc:     rpc.NewClient(t),
		secret:  clientSecret,
		remote:  remotePubkey,
		relays:  relays,
		Timeout: rpc.SignerTimeout,
	}
	if cl.clientPub, err = keys.GetPublicKey(clientSecret); err != nil {
		return nil, err
	}
	if cl.session, err = NewSession(clientSecret, remotePubkey); err != nil {
		return nil, err
	}
	return
}

func (cl *Client) ClientPubkey() string { return cl.clientPub }
func (cl *Client) RemotePubkey() string { return cl.remote }
func (cl *Client) Relays() []string     { return cl.relays }

// Close fails every call in flight with rpc.ErrClosed.
func (cl *Client) Close() { cl.rpc.Close() }

// RPC sends one request and waits for its response.
func (cl *Client) RPC(c context.Context, method string,
	params ...string) (result string, err error) {

	req := Request{ID: rpc.NewID(), Method: method, Params: params}
	var ev *nostr.Event
	if ev, err = cl.session.MakeRequest(req, cl.remote); err != nil {
		return
	}
	ev.PubKey = cl.clientPub
	if err = ev.Sign(cl.secret); err != nil {
		return
	}
	// some signers only p-tag their answer, and clocks drift
	since := ev.CreatedAt - 10
	nc := kind.NostrConnect.ToInt()
	call := rpc.Call{
		ID:      req.ID,
		Method:  method,
		Params:  params,
		Relays:  cl.relays,
		Request: ev,
		Filters: nostr.Filters{
			{
				Kinds:   []int{nc},
				Authors: []string{cl.remote},
				Tags:    nostr.TagMap{"e": []string{ev.ID}},
			},
			{
				Kinds:   []int{nc},
				Authors: []string{cl.remote},
				Tags:    nostr.TagMap{"p": []string{cl.clientPub}},
				Since:   &since,
			},
		},
		Timeout: cl.Timeout,
	}
	return rpc.Do(c, cl.rpc, call, cl.decoder(req.ID, ev.ID, method))
}

func (cl *Client) decoder(id, requestEvent, method string) rpc.Decoder[string] {
	return func(ev *nostr.Event) (result string, ok bool, err error) {
		if ev.PubKey != cl.remote {
			return "", false, ErrWrongAuthor
		}
		var valid bool
		if valid, err = ev.CheckSignature(); err != nil || !valid {
			return "", false, ErrBadSignature
		}
		var resp Response
		if resp, err = cl.session.ParseResponse(ev); err != nil {
			return "", false, err
		}
		if resp.ID != id && !rpc.HasTag(ev, "e", requestEvent) {
			return "", false, nil
		}
		if resp.Result == AuthURL {
			log.I.F("%s needs approval at %s", method, resp.Error)
			if cl.OnAuthURL != nil {
				cl.OnAuthURL(resp.Error)
			}
			return "", false, nil
		}
		if resp.Error != "" {
			return "", true, &rpc.RemoteError{Method: method,
				Message: resp.Error}
		}
		return resp.Result, true, nil
	}
}

// Connect introduces the client to the signer, presenting the secret from the
// bunker URI if there was one.
func (cl *Client) Connect(c context.Context, secret string) (err error) {
	params := []string{cl.remote}
	if secret != "" {
		params = append(params, secret)
	}
	var res string
	if res, err = cl.RPC(c, MethodConnect, params...); err != nil {
		return
	}
	if res != "ack" && res != secret {
		log.W.F("unexpected connect result %q", res)
	}
	return
}

// GetPublicKey asks for the user's pubkey once and caches it.
func (cl *Client) GetPublicKey(c context.Context) (pk string, err error) {
	cl.mx.Lock()
	pk = cl.userPub
	cl.mx.Unlock()
	if pk != "" {
		return
	}
	if pk, err = cl.RPC(c, MethodGetPublicKey); err != nil {
		return
	}
	if !keys.IsValidPubkey(pk) {
		return "", fmt.Errorf("%w: %q", keys.ErrInvalidPubkey, pk)
	}
	cl.SetUserPubkey(pk)
	return
}

// SetUserPubkey records a pubkey learned at login so it need not be asked
// again.
func (cl *Client) SetUserPubkey(pk string) {
	cl.mx.Lock()
	cl.userPub = pk
	cl.mx.Unlock()
}

type eventTemplate struct {
	Kind      int             `json:"kind"`
	Content   string          `json:"content"`
	Tags      nostr.Tags      `json:"tags"`
	CreatedAt nostr.Timestamp `json:"created_at"`
	PubKey    string          `json:"pubkey,omitempty"`
}

// SignEvent has the signer sign a copy of tmpl and checks that what comes back
// is the same event, validly signed by the user.
func (cl *Client) SignEvent(c context.Context,
	tmpl *nostr.Event) (ev *nostr.Event, err error) {

	var pk string
	if pk, err = cl.GetPublicKey(c); err != nil {
		return
	}
	t := eventTemplate{
		Kind:      tmpl.Kind,
		Content:   tmpl.Content,
		Tags:      tmpl.Tags,
		CreatedAt: tmpl.CreatedAt,
		PubKey:    pk,
	}
	if t.Tags == nil {
		t.Tags = nostr.Tags{}
	}
	if t.CreatedAt == 0 {
		t.CreatedAt = nostr.Now()
	}
	var j []byte
	if j, err = json.Marshal(t); err != nil {
		return
	}
	var res string
	if res, err = cl.RPC(c, MethodSignEvent, string(j)); err != nil {
		return
	}
	ev = &nostr.Event{}
	if err = json.Unmarshal([]byte(res), ev); err != nil {
		return nil, fmt.Errorf("decoding signed event: %w", err)
	}
	sent := &nostr.Event{Kind: t.Kind, Content: t.Content, Tags: t.Tags,
		CreatedAt: t.CreatedAt}
	if err = VerifySigned(sent, ev, pk); err != nil {
		return nil, err
	}
	return
}

// VerifySigned checks that ev is tmpl signed by pubkey. A zero created_at in
// tmpl accepts any timestamp.
func VerifySigned(tmpl, ev *nostr.Event, pubkey string) (err error) {
	if ev.PubKey != pubkey {
		return fmt.Errorf("%w: pubkey %s", ErrSignedEvent, ev.PubKey)
	}
	if ev.Kind != tmpl.Kind || ev.Content != tmpl.Content {
		return fmt.Errorf("%w: kind or content altered", ErrSignedEvent)
	}
	if !slices.EqualFunc(ev.Tags, tmpl.Tags, func(a, b nostr.Tag) bool {
		return slices.Equal(a, b)
	}) {
		return fmt.Errorf("%w: tags altered", ErrSignedEvent)
	}
	if tmpl.CreatedAt != 0 && ev.CreatedAt != tmpl.CreatedAt {
		return fmt.Errorf("%w: created_at altered", ErrSignedEvent)
	}
	if ev.GetID() != ev.ID {
		return fmt.Errorf("%w: id mismatch", ErrSignedEvent)
	}
	var ok bool
	if ok, err = ev.CheckSignature(); err != nil || !ok {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	return nil
}

func (cl *Client) Nip04Encrypt(c context.Context, peer,
	plaintext string) (string, error) {

	return cl.RPC(c, MethodNip04Encrypt, peer, plaintext)
}

func (cl *Client) Nip04Decrypt(c context.Context, peer,
	ciphertext string) (string, error) {

	return cl.RPC(c, MethodNip04Decrypt, peer, ciphertext)
}

func (cl *Client) Nip44Encrypt(c context.Context, peer,
	plaintext string) (string, error) {

	return cl.RPC(c, MethodNip44Encrypt, peer, plaintext)
}

func (cl *Client) Nip44Decrypt(c context.Context, peer,
	ciphertext string) (string, error) {

	return cl.RPC(c, MethodNip44Decrypt, peer, ciphertext)
}

func (cl *Client) Ping(c context.Context) (err error) {
	var res string
	if res, err = cl.RPC(c, MethodPing); err != nil {
		return
	}
	if res != "pong" {
		return fmt.Errorf("unexpected ping result %q", res)
	}
	return
}

// AwaitConnect waits for a signing app that scanned a nostrconnect URI to
// announce itself and returns the app's pubkey. The app's first message must
// carry the URI's secret as its result, or "ack" when there was none.
func AwaitConnect(c context.Context, t rpc.Transport, clientSecret string,
	relays []string, secret string) (remote string, err error) {

	var clientPub string
	if clientPub, err = keys.GetPublicKey(clientSecret); err != nil {
		return
	}
	since := nostr.Now() - 10
	var incoming <-chan pool.IncomingEvent
	if incoming, err = t.Subscribe(c, relays, nostr.Filters{{
		Kinds: []int{kind.NostrConnect.ToInt()},
		Tags:  nostr.TagMap{"p": []string{clientPub}},
		Since: &since,
	}}); err != nil {
		return
	}
	for {
		select {
		case <-c.Done():
			return "", c.Err()
		case ie, more := <-incoming:
			if !more {
				return "", rpc.ErrTimeout
			}
			ev := ie.Event
			if ok, _ := ev.CheckSignature(); !ok {
				continue
			}
			var s Session
			if s, err = NewSession(clientSecret, ev.PubKey); chk.D(err) {
				continue
			}
			var resp Response
			if resp, err = s.ParseResponse(ev); chk.D(err) {
				continue
			}
			if (secret != "" && resp.Result == secret) ||
				(secret == "" && resp.Result == "ack") {
				return ev.PubKey, nil
			}
			log.D.F("ignoring connect attempt from %s", ev.PubKey)
		}
	}
}
