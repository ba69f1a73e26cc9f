// Package nip46 implements remote signing over relays: the client used by a
// signing context whose key lives in a bunker or companion app, the signer
// side that answers such requests, and the bunker:// and nostrconnect:// URIs
// that introduce the two.
package nip46

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/Hubmakerlabs/signet/pkg/nostr/kind"
	"github.com/Hubmakerlabs/signet/pkg/slog"
	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip04"
)

var log, chk = slog.New(os.Stderr)

const (
	MethodConnect      = "connect"
	MethodGetPublicKey = "get_public_key"
	MethodSignEvent    = "sign_event"
	MethodGetRelays    = "get_relays"
	MethodNip04Encrypt = "nip04_encrypt"
	MethodNip04Decrypt = "nip04_decrypt"
	MethodNip44Encrypt = "nip44_encrypt"
	MethodNip44Decrypt = "nip44_decrypt"
	MethodPing         = "ping"

	// AuthURL is the result a signer sends while it waits for the user to
	// approve a request out of band; the URL is in the error field and the
	// real response follows.
	AuthURL = "auth_url"
)

type Request struct {
	ID     string   `json:"id"`
	Method string   `json:"method"`
	Params []string `json:"params"`
}

type Response struct {
	ID     string `json:"id"`
	Error  string `json:"error,omitempty"`
	Result string `json:"result,omitempty"`
}

type RelayReadWrite struct {
	Read  bool `json:"read"`
	Write bool `json:"write"`
}

// Session holds the legacy-scheme key shared by a client and a signer.
type Session struct {
	SharedKey []byte
}

func NewSession(secret, peer string) (s Session, err error) {
	if s.SharedKey, err = nip04.ComputeSharedSecret(peer, secret); err != nil {
		err = fmt.Errorf("failed to compute shared secret: %w", err)
	}
	return
}

func (s Session) decrypt(ev *nostr.Event, v any) (err error) {
	var plain string
	if plain, err = nip04.Decrypt(ev.Content, s.SharedKey); err != nil {
		return fmt.Errorf("failed to decrypt event from %s: %w", ev.PubKey, err)
	}
	return json.Unmarshal([]byte(plain), v)
}

func (s Session) ParseRequest(ev *nostr.Event) (req Request, err error) {
	err = s.decrypt(ev, &req)
	return
}

func (s Session) ParseResponse(ev *nostr.Event) (resp Response, err error) {
	err = s.decrypt(ev, &resp)
	return
}

func (s Session) envelope(v any, tags nostr.Tags) (ev *nostr.Event, err error) {
	var j []byte
	if j, err = json.Marshal(v); err != nil {
		return
	}
	var ct string
	if ct, err = nip04.Encrypt(string(j), s.SharedKey); err != nil {
		return nil, fmt.Errorf("failed to encrypt: %w", err)
	}
	return &nostr.Event{
		Kind:      kind.NostrConnect.ToInt(),
		CreatedAt: nostr.Now(),
		Tags:      tags,
		Content:   ct,
	}, nil
}

// MakeRequest returns the unsigned request event addressed to remote.
func (s Session) MakeRequest(req Request, remote string) (*nostr.Event, error) {
	if req.Params == nil {
		req.Params = []string{}
	}
	return s.envelope(req, nostr.Tags{{"p", remote}})
}

// MakeResponse returns the unsigned response to a request, tagged with the
// requester and, when known, the request event.
func (s Session) MakeResponse(id, requester, requestEvent, result string,
	rerr error) (resp Response, ev *nostr.Event, err error) {

	resp = Response{ID: id, Result: result}
	if rerr != nil {
		resp = Response{ID: id, Error: rerr.Error()}
	}
	tags := nostr.Tags{{"p", requester}}
	if requestEvent != "" {
		tags = append(tags, nostr.Tag{"e", requestEvent})
	}
	ev, err = s.envelope(resp, tags)
	return
}
