// Package dm composes and opens kind 4 direct messages. Content is encrypted
// with the legacy scheme, which every custody model supports.
package dm

import (
	"context"
	"errors"
	"fmt"

	"github.com/Hubmakerlabs/signet/pkg/nostr/keys"
	"github.com/Hubmakerlabs/signet/pkg/nostr/kind"
	"github.com/Hubmakerlabs/signet/pkg/signer"
	"github.com/nbd-wtf/go-nostr"
)

var (
	ErrNotDirectMessage = errors.New("dm: not a direct message")
	ErrNotParticipant   = errors.New("dm: message is not to or from this key")
)

// Identity is what composing and opening need from a signing context.
type Identity interface {
	PublicKey() string
	SignEvent(c context.Context, tmpl *nostr.Event) (*nostr.Event, error)
	Encrypt(c context.Context, s signer.Scheme, peer, plaintext string) (string, error)
	Decrypt(c context.Context, s signer.Scheme, peer, ciphertext string) (string, error)
}

// Compose encrypts text to recipient and returns the signed message.
func Compose(c context.Context, id Identity, recipient string,
	text string, tags ...nostr.Tag) (ev *nostr.Event, err error) {

	if recipient, err = keys.ParsePubkey(recipient); err != nil {
		return
	}
	var content string
	if content, err = id.Encrypt(c, signer.NIP04, recipient, text); err != nil {
		return nil, fmt.Errorf("encrypting message: %w", err)
	}
	tmpl := &nostr.Event{
		PubKey:    id.PublicKey(),
		Kind:      kind.EncryptedDirectMessage.ToInt(),
		CreatedAt: nostr.Now(),
		Tags:      append(nostr.Tags{{"p", recipient}}, tags...),
		Content:   content,
	}
	return id.SignEvent(c, tmpl)
}

// Peer returns the other side of a message seen by me: the recipient when I
// wrote it, the author otherwise.
func Peer(ev *nostr.Event, me string) (peer string, err error) {
	if ev.Kind != kind.EncryptedDirectMessage.ToInt() {
		return "", ErrNotDirectMessage
	}
	var to string
	if t := ev.Tags.GetFirst([]string{"p", ""}); t != nil && len(*t) >= 2 {
		to = (*t)[1]
	}
	switch me {
	case ev.PubKey:
		if to == "" {
			return "", ErrNotParticipant
		}
		return to, nil
	case to:
		return ev.PubKey, nil
	}
	return "", ErrNotParticipant
}

// Open verifies and decrypts a message to or from id. Any failure is
// returned to the caller.
func Open(c context.Context, id Identity, ev *nostr.Event) (text string,
	err error) {

	var peer string
	if peer, err = Peer(ev, id.PublicKey()); err != nil {
		return
	}
	var ok bool
	if ok, err = ev.CheckSignature(); err != nil || !ok {
		return "", fmt.Errorf("dm: bad signature on %s", ev.ID)
	}
	return id.Decrypt(c, signer.NIP04, peer, ev.Content)
}

// Filter selects messages exchanged with peer, or every message to me when
// peer is empty.
func Filter(me, peer string) (f nostr.Filters) {
	k := []int{kind.EncryptedDirectMessage.ToInt()}
	if peer == "" {
		return nostr.Filters{{Kinds: k, Tags: nostr.TagMap{"p": []string{me}}}}
	}
	return nostr.Filters{
		{Kinds: k, Authors: []string{me}, Tags: nostr.TagMap{"p": []string{peer}}},
		{Kinds: k, Authors: []string{peer}, Tags: nostr.TagMap{"p": []string{me}}},
	}
}
