package nip46

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/Hubmakerlabs/signet/pkg/nostr/keys"
	"github.com/Hubmakerlabs/signet/pkg/nostr/normalize"
)

var (
	ErrInvalidURI = errors.New("invalid connection uri")
	ErrNoRelays   = errors.New("connection uri names no relays")
)

// BunkerURI is bunker://<remote-signer-pubkey>?relay=...&secret=...
type BunkerURI struct {
	RemotePubkey string
	Relays       []string
	Secret       string
}

func ParseBunkerURI(s string) (b BunkerURI, err error) {
	var u *url.URL
	if u, err = url.Parse(strings.TrimSpace(s)); err != nil {
		return b, fmt.Errorf("%w: %v", ErrInvalidURI, err)
	}
	if u.Scheme != "bunker" {
		return b, fmt.Errorf("%w: scheme %q is not bunker", ErrInvalidURI,
			u.Scheme)
	}
	if b.RemotePubkey, err = keys.ParsePubkey(u.Host); err != nil {
		return b, fmt.Errorf("%w: %v", ErrInvalidURI, err)
	}
	q := u.Query()
	if b.Relays = normalize.URLs(q["relay"]); len(b.Relays) == 0 {
		return b, ErrNoRelays
	}
	b.Secret = q.Get("secret")
	return
}

func (b BunkerURI) String() string {
	q := url.Values{}
	for _, r := range b.Relays {
		q.Add("relay", r)
	}
	if b.Secret != "" {
		q.Set("secret", b.Secret)
	}
	return "bunker://" + b.RemotePubkey + "?" + q.Encode()
}

// Metadata describes the client to the user of the signing app.
type Metadata struct {
	Name        string `json:"name,omitempty"`
	URL         string `json:"url,omitempty"`
	Description string `json:"description,omitempty"`
	Image       string `json:"image,omitempty"`
}

// NostrConnectURI is the deep link a client shows so a signing app can reach
// it: nostrconnect://<client-pubkey>?relay=...&secret=...&metadata=...
type NostrConnectURI struct {
	ClientPubkey string
	Relays       []string
	Secret       string
	Perms        []string
	Metadata     Metadata
}

func (n NostrConnectURI) String() string {
	q := url.Values{}
	for _, r := range n.Relays {
		q.Add("relay", r)
	}
	if n.Secret != "" {
		q.Set("secret", n.Secret)
	}
	if len(n.Perms) > 0 {
		q.Set("perms", strings.Join(n.Perms, ","))
	}
	if n.Metadata.Name != "" {
		q.Set("name", n.Metadata.Name)
	}
	if n.Metadata != (Metadata{}) {
		j, _ := json.Marshal(n.Metadata)
		q.Set("metadata", string(j))
	}
	return "nostrconnect://" + n.ClientPubkey + "?" + q.Encode()
}

func ParseNostrConnectURI(s string) (n NostrConnectURI, err error) {
	var u *url.URL
	if u, err = url.Parse(strings.TrimSpace(s)); err != nil {
		return n, fmt.Errorf("%w: %v", ErrInvalidURI, err)
	}
	if u.Scheme != "nostrconnect" {
		return n, fmt.Errorf("%w: scheme %q is not nostrconnect",
			ErrInvalidURI, u.Scheme)
	}
	if n.ClientPubkey, err = keys.ParsePubkey(u.Host); err != nil {
		return n, fmt.Errorf("%w: %v", ErrInvalidURI, err)
	}
	q := u.Query()
	if n.Relays = normalize.URLs(q["relay"]); len(n.Relays) == 0 {
		return n, ErrNoRelays
	}
	n.Secret = q.Get("secret")
	if p := q.Get("perms"); p != "" {
		n.Perms = strings.Split(p, ",")
	}
	if m := q.Get("metadata"); m != "" {
		if err = json.Unmarshal([]byte(m), &n.Metadata); err != nil {
			return n, fmt.Errorf("%w: metadata: %v", ErrInvalidURI, err)
		}
	}
	if name := q.Get("name"); name != "" {
		n.Metadata.Name = name
	}
	return
}
