package nip46

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Hubmakerlabs/signet/pkg/nostr/keys"
	"github.com/Hubmakerlabs/signet/pkg/nostr/kind"
	"github.com/Hubmakerlabs/signet/pkg/nostr/nip44"
	"github.com/Hubmakerlabs/signet/pkg/nostr/pool"
	"github.com/Hubmakerlabs/signet/pkg/nostr/rpc"
	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip04"
	"github.com/puzpuzpuz/xsync/v2"
)

var (
	ErrUnknownMethod = errors.New("unknown method")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrInvalidSecret = errors.New("invalid secret")
)

// Signer answers remote signing requests with a local key.
type Signer struct {
	secret string
	pubkey string
	// Secret, when set, must be presented by a client's connect before any
	// other request from it is served.
	Secret            string
	RelaysToAdvertise map[string]RelayReadWrite

	sessions  *xsync.MapOf[string, Session]
	connected *xsync.MapOf[string, struct{}]
}

func NewSigner(secret string) (s *Signer, err error) {
	s = &Signer{
		secret:            secret,
		RelaysToAdvertise: make(map[string]RelayReadWrite),
		sessions:          xsync.NewMapOf[Session](),
		connected:         xsync.NewMapOf[struct{}](),
	}
	if s.pubkey, err = keys.GetPublicKey(secret); err != nil {
		return nil, err
	}
	return
}

func (s *Signer) PublicKey() string { return s.pubkey }

func (s *Signer) AddRelayToAdvertise(url string, read bool, write bool) {
	s.RelaysToAdvertise[url] = RelayReadWrite{read, write}
}

// GetSession returns the cached session for a client, computing it on first
// contact.
func (s *Signer) GetSession(clientPubkey string) (sess Session, err error) {
	var ok bool
	if sess, ok = s.sessions.Load(clientPubkey); ok {
		return
	}
	if sess, err = NewSession(s.secret, clientPubkey); err != nil {
		return
	}
	s.sessions.Store(clientPubkey, sess)
	return
}

// HandleRequest decodes and executes one request event and returns the signed
// response event. harmless marks requests that reveal or sign nothing, which
// a daemon may answer without asking.
func (s *Signer) HandleRequest(ev *nostr.Event) (req Request, resp Response,
	respEv *nostr.Event, harmless bool, err error) {

	if ev.Kind != kind.NostrConnect.ToInt() {
		err = fmt.Errorf("event kind is %d, but we expected %d", ev.Kind,
			kind.NostrConnect.ToInt())
		return
	}
	var sess Session
	if sess, err = s.GetSession(ev.PubKey); err != nil {
		return
	}
	if req, err = sess.ParseRequest(ev); err != nil {
		err = fmt.Errorf("error parsing request: %w", err)
		return
	}
	var result string
	var rerr error
	result, harmless, rerr = s.execute(ev.PubKey, req)
	if resp, respEv, err = sess.MakeResponse(req.ID, ev.PubKey, ev.ID, result,
		rerr); err != nil {
		return
	}
	respEv.PubKey = s.pubkey
	err = respEv.Sign(s.secret)
	return
}

func (s *Signer) execute(client string, req Request) (result string,
	harmless bool, err error) {

	if req.Method != MethodConnect && req.Method != MethodPing && s.Secret != "" {
		if _, ok := s.connected.Load(client); !ok {
			return "", false, fmt.Errorf("%w: connect first", ErrUnauthorized)
		}
	}
	switch req.Method {
	case MethodConnect:
		if s.Secret != "" && (len(req.Params) < 2 || req.Params[1] != s.Secret) {
			return "", false, ErrInvalidSecret
		}
		s.connected.Store(client, struct{}{})
		return "ack", true, nil
	case MethodPing:
		return "pong", true, nil
	case MethodGetPublicKey:
		return s.pubkey, true, nil
	case MethodGetRelays:
		j, _ := json.Marshal(s.RelaysToAdvertise)
		return string(j), true, nil
	case MethodSignEvent:
		if len(req.Params) != 1 {
			return "", false, fmt.Errorf("wrong number of arguments to '%s'",
				req.Method)
		}
		ev := nostr.Event{}
		if err = json.Unmarshal([]byte(req.Params[0]), &ev); err != nil {
			return "", false, fmt.Errorf("failed to decode event: %w", err)
		}
		if ev.CreatedAt == 0 {
			ev.CreatedAt = nostr.Now()
		}
		if ev.Tags == nil {
			ev.Tags = nostr.Tags{}
		}
		ev.PubKey = s.pubkey
		if err = ev.Sign(s.secret); err != nil {
			return "", false, fmt.Errorf("failed to sign event: %w", err)
		}
		j, _ := json.Marshal(ev)
		return string(j), false, nil
	case MethodNip04Encrypt, MethodNip04Decrypt, MethodNip44Encrypt,
		MethodNip44Decrypt:
		if len(req.Params) != 2 {
			return "", false, fmt.Errorf("wrong number of arguments to '%s'",
				req.Method)
		}
		if !keys.IsValidPubkey(req.Params[0]) {
			return "", false, fmt.Errorf(
				"first argument to '%s' is not a pubkey string", req.Method)
		}
		result, err = s.crypt(req.Method, req.Params[0], req.Params[1])
		return
	default:
		return "", false, fmt.Errorf("%w '%s'", ErrUnknownMethod, req.Method)
	}
}

func (s *Signer) crypt(method, peer, text string) (out string, err error) {
	switch method {
	case MethodNip04Encrypt, MethodNip04Decrypt:
		var shared []byte
		if shared, err = nip04.ComputeSharedSecret(peer, s.secret); err != nil {
			return "", fmt.Errorf("failed to compute shared secret: %w", err)
		}
		if method == MethodNip04Encrypt {
			return nip04.Encrypt(text, shared)
		}
		return nip04.Decrypt(text, shared)
	default:
		var key nip44.Key
		if key, err = nip44.ConversationKey(s.secret, peer); err != nil {
			return
		}
		if method == MethodNip44Encrypt {
			return nip44.Encrypt(key, text)
		}
		return nip44.Decrypt(key, text)
	}
}

// Approver decides whether a request that is not harmless gets answered.
type Approver func(client string, req Request) bool

// Serve answers requests addressed to the signer on relays until c ends.
// A nil approve answers everything.
func (s *Signer) Serve(c context.Context, t rpc.Transport, relays []string,
	approve Approver) (err error) {

	if err = s.Listen(c, t, relays, approve); err != nil {
		return
	}
	<-c.Done()
	return c.Err()
}

// Listen is Serve without blocking: it returns once the request subscription
// is live and answers in the background.
func (s *Signer) Listen(c context.Context, t rpc.Transport, relays []string,
	approve Approver) (err error) {

	since := nostr.Now()
	var incoming <-chan pool.IncomingEvent
	if incoming, err = t.Subscribe(c, relays, nostr.Filters{{
		Kinds: []int{kind.NostrConnect.ToInt()},
		Tags:  nostr.TagMap{"p": []string{s.pubkey}},
		Since: &since,
	}}); err != nil {
		return
	}
	go s.answer(c, t, relays, incoming, approve)
	return
}

func (s *Signer) answer(c context.Context, t rpc.Transport, relays []string,
	incoming <-chan pool.IncomingEvent, approve Approver) {

	for ie := range incoming {
		if ok, _ := ie.Event.CheckSignature(); !ok {
			log.D.F("dropping badly signed request from %s", ie.Event.PubKey)
			continue
		}
		req, resp, respEv, harmless, herr := s.HandleRequest(ie.Event)
		if herr != nil {
			log.E.F("< failed to handle request from %s: %s",
				ie.Event.PubKey, herr)
			continue
		}
		log.I.F("- got %s request %s from %s", req.Method, req.ID,
			ie.Event.PubKey)
		if !harmless && approve != nil && !approve(ie.Event.PubKey, req) {
			log.I.F("* declined %s", req.ID)
			continue
		}
		go func(resp Response, respEv *nostr.Event) {
			if _, perr := t.Publish(c, relays, respEv); perr != nil {
				log.E.F("* failed to send response %s: %s", resp.ID, perr)
				return
			}
			log.D.F("* sent response %s", resp.ID)
		}(resp, respEv)
	}
}

// ConnectTo answers a nostrconnect URI, telling the client which pubkey to
// send its requests to.
func (s *Signer) ConnectTo(c context.Context, t rpc.Transport,
	uri NostrConnectURI) (err error) {

	var sess Session
	if sess, err = s.GetSession(uri.ClientPubkey); err != nil {
		return
	}
	result := uri.Secret
	if result == "" {
		result = "ack"
	}
	var ev *nostr.Event
	if _, ev, err = sess.MakeResponse(rpc.NewID(), uri.ClientPubkey, "", result,
		nil); err != nil {
		return
	}
	ev.PubKey = s.pubkey
	if err = ev.Sign(s.secret); err != nil {
		return
	}
	s.connected.Store(uri.ClientPubkey, struct{}{})
	_, err = t.Publish(c, uri.Relays, ev)
	return
}
