// Package nip59 delivers private payloads inside three envelopes. The rumor
// is the unsigned message itself; the seal encrypts it to the recipient and
// is signed by the sender; the gift wrap encrypts the seal again under a key
// used for that one message only, so relays see neither the sender nor the
// real time of sending.
package nip59

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/Hubmakerlabs/signet/pkg/nostr/keys"
	"github.com/Hubmakerlabs/signet/pkg/nostr/kind"
	"github.com/Hubmakerlabs/signet/pkg/nostr/nip44"
	"github.com/Hubmakerlabs/signet/pkg/nostr/pool"
	"github.com/Hubmakerlabs/signet/pkg/nostr/rpc"
	"github.com/Hubmakerlabs/signet/pkg/signer"
	"github.com/Hubmakerlabs/signet/pkg/slog"
	"github.com/nbd-wtf/go-nostr"
	"lukechampine.com/frand"
)

var log, chk = slog.New(os.Stderr)

// MaxTimestampSkew is how far into the past seal and wrap timestamps are
// pushed.
const MaxTimestampSkew = 2 * 24 * time.Hour

var (
	ErrNotGiftWrap    = errors.New("nip59: not a gift wrap")
	ErrNotForMe       = errors.New("nip59: gift wrap is addressed to someone else")
	ErrBadWrap        = errors.New("nip59: gift wrap signature invalid")
	ErrBadSeal        = errors.New("nip59: seal invalid")
	ErrSenderMismatch = errors.New("nip59: rumor author differs from seal signer")
)

// Identity is what wrapping and unwrapping need from a signing context.
type Identity interface {
	PublicKey() string
	SignEvent(c context.Context, tmpl *nostr.Event) (*nostr.Event, error)
	Encrypt(c context.Context, s signer.Scheme, peer, plaintext string) (string, error)
	Decrypt(c context.Context, s signer.Scheme, peer, ciphertext string) (string, error)
}

var _ Identity = (*signer.Context)(nil)

// Message is an unwrapped gift wrap.
type Message struct {
	Rumor *nostr.Event
	// Sender is the seal's signer, the only authenticated origin.
	Sender string
	Wrap   *nostr.Event
}

// Result is the outcome of unwrapping one item of a batch.
type Result struct {
	Wrap    *nostr.Event
	Message *Message
	Err     error
}

// NewRumor builds a private direct message rumor for recipient. The sender's
// pubkey and the id are filled in by Wrap.
func NewRumor(recipient, content string, tags ...nostr.Tag) *nostr.Event {
	return &nostr.Event{
		Kind:      kind.PrivateDirectMessage.ToInt(),
		CreatedAt: nostr.Now(),
		Tags:      append(nostr.Tags{{"p", recipient}}, tags...),
		Content:   content,
	}
}

func randomPast() nostr.Timestamp {
	skew := time.Duration(frand.Intn(int(MaxTimestampSkew / time.Second)))
	return nostr.Timestamp(time.Now().Add(-skew * time.Second).Unix())
}

// Wrap seals rumor from id to recipient and wraps the seal under a fresh
// one-time key. rumor is not modified.
func Wrap(c context.Context, id Identity, recipient string,
	rumor *nostr.Event) (wrap *nostr.Event, err error) {

	if !keys.IsValidPubkey(recipient) {
		return nil, keys.ErrInvalidPubkey
	}
	r := *rumor
	r.PubKey = id.PublicKey()
	if r.CreatedAt == 0 {
		r.CreatedAt = nostr.Now()
	}
	if r.Tags == nil {
		r.Tags = nostr.Tags{}
	}
	r.Sig = ""
	r.ID = r.GetID()
	var rj []byte
	if rj, err = json.Marshal(r); err != nil {
		return
	}
	var sealed string
	if sealed, err = id.Encrypt(c, signer.NIP44, recipient,
		string(rj)); err != nil {
		return nil, fmt.Errorf("sealing rumor: %w", err)
	}
	var seal *nostr.Event
	if seal, err = id.SignEvent(c, &nostr.Event{
		Kind:      kind.Seal.ToInt(),
		CreatedAt: randomPast(),
		Tags:      nostr.Tags{},
		Content:   sealed,
	}); err != nil {
		return nil, fmt.Errorf("signing seal: %w", err)
	}
	return wrapSeal(seal, recipient)
}

func wrapSeal(seal *nostr.Event, recipient string) (wrap *nostr.Event,
	err error) {

	oneTime := nostr.GeneratePrivateKey()
	var key nip44.Key
	if key, err = nip44.ConversationKey(oneTime, recipient); err != nil {
		return
	}
	var sj []byte
	if sj, err = json.Marshal(seal); err != nil {
		return
	}
	wrap = &nostr.Event{
		Kind:      kind.GiftWrap.ToInt(),
		CreatedAt: randomPast(),
		Tags:      nostr.Tags{{"p", recipient}},
	}
	if wrap.Content, err = nip44.Encrypt(key, string(sj)); err != nil {
		return nil, err
	}
	if err = wrap.Sign(oneTime); err != nil {
		return nil, err
	}
	return
}

// Publisher is the relay side of Send.
type Publisher interface {
	Publish(c context.Context, urls []string, ev *nostr.Event) (pool.Ack, error)
}

// Send wraps a direct message to recipient and publishes it, returning once
// one relay has accepted it.
func Send(c context.Context, id Identity, p Publisher, relays []string,
	recipient, content string, tags ...nostr.Tag) (wrap *nostr.Event,
	ack pool.Ack, err error) {

	if wrap, err = Wrap(c, id, recipient, NewRumor(recipient, content,
		tags...)); err != nil {
		return
	}
	if ack, err = p.Publish(c, relays, wrap); err != nil {
		return nil, ack, fmt.Errorf("publishing gift wrap: %w", err)
	}
	log.D.F("gift wrap %s for %s accepted by %s", wrap.ID, recipient, ack.Relay)
	return
}

// Unwrap opens a gift wrap addressed to id.
func Unwrap(c context.Context, id Identity, wrap *nostr.Event) (m *Message,
	err error) {

	if wrap.Kind != kind.GiftWrap.ToInt() {
		return nil, fmt.Errorf("%w: kind %d", ErrNotGiftWrap, wrap.Kind)
	}
	if !rpc.HasTag(wrap, "p", id.PublicKey()) {
		return nil, ErrNotForMe
	}
	if ok, _ := wrap.CheckSignature(); !ok {
		return nil, ErrBadWrap
	}
	var sj string
	if sj, err = id.Decrypt(c, signer.NIP44, wrap.PubKey,
		wrap.Content); err != nil {
		return nil, fmt.Errorf("opening gift wrap: %w", err)
	}
	seal := &nostr.Event{}
	if err = json.Unmarshal([]byte(sj), seal); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadSeal, err)
	}
	if seal.Kind != kind.Seal.ToInt() {
		return nil, fmt.Errorf("%w: kind %d", ErrBadSeal, seal.Kind)
	}
	if seal.GetID() != seal.ID {
		return nil, fmt.Errorf("%w: id mismatch", ErrBadSeal)
	}
	if ok, _ := seal.CheckSignature(); !ok {
		return nil, fmt.Errorf("%w: bad signature", ErrBadSeal)
	}
	var rj string
	if rj, err = id.Decrypt(c, signer.NIP44, seal.PubKey,
		seal.Content); err != nil {
		return nil, fmt.Errorf("opening seal: %w", err)
	}
	rumor := &nostr.Event{}
	if err = json.Unmarshal([]byte(rj), rumor); err != nil {
		return nil, fmt.Errorf("decoding rumor: %w", err)
	}
	switch rumor.PubKey {
	case "":
		rumor.PubKey = seal.PubKey
	case seal.PubKey:
	default:
		return nil, ErrSenderMismatch
	}
	return &Message{Rumor: rumor, Sender: seal.PubKey, Wrap: wrap}, nil
}

// UnwrapAll opens every wrap and reports one Result per input, in order.
// Failures are logged and recorded, never fatal to the batch.
func UnwrapAll(c context.Context, id Identity,
	wraps []*nostr.Event) (results []Result) {

	results = make([]Result, len(wraps))
	for i, w := range wraps {
		results[i].Wrap = w
		if results[i].Message, results[i].Err = Unwrap(c, id,
			w); results[i].Err != nil {
			log.D.F("skipping gift wrap %s: %v", w.ID, results[i].Err)
		}
	}
	return
}

// Delivered returns the messages of the successful results.
func Delivered(results []Result) (msgs []*Message) {
	for _, r := range results {
		if r.Err == nil && r.Message != nil {
			msgs = append(msgs, r.Message)
		}
	}
	return
}
