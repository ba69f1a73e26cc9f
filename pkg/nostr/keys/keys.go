// Package keys parses and generates secp256k1 key material in the forms users
// paste: 64 character hex or the bech32 nsec/npub encodings.
package keys

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"
)

var (
	ErrInvalidSecret = errors.New("invalid secret key")
	ErrInvalidPubkey = errors.New("invalid public key")
)

func GeneratePrivateKey() string { return nostr.GeneratePrivateKey() }

func GetPublicKey(sk string) (pk string, err error) {
	if !IsValidSecret(sk) {
		return "", ErrInvalidSecret
	}
	return nostr.GetPublicKey(sk)
}

// IsValid32ByteHex reports whether s is exactly 32 bytes of lower case hex.
func IsValid32ByteHex(s string) bool {
	if len(s) != 64 || strings.ToLower(s) != s {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

// IsValidSecret reports whether sk is a hex scalar in [1, n).
func IsValidSecret(sk string) bool {
	if !IsValid32ByteHex(sk) {
		return false
	}
	b, _ := hex.DecodeString(sk)
	var s secp256k1.ModNScalar
	if overflow := s.SetByteSlice(b); overflow {
		return false
	}
	return !s.IsZero()
}

// IsValidPubkey reports whether pk is an x-only key that lies on the curve.
func IsValidPubkey(pk string) bool {
	if !IsValid32ByteHex(pk) {
		return false
	}
	b, _ := hex.DecodeString(pk)
	_, err := secp256k1.ParsePubKey(append([]byte{0x02}, b...))
	return err == nil
}

// ParseSecret accepts a hex or nsec secret key and returns it as hex.
func ParseSecret(s string) (sk string, err error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "nsec1") {
		var prefix string
		var v any
		if prefix, v, err = nip19.Decode(s); err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidSecret, err)
		}
		var ok bool
		if sk, ok = v.(string); !ok || prefix != "nsec" {
			return "", ErrInvalidSecret
		}
	} else {
		sk = strings.ToLower(s)
	}
	if !IsValidSecret(sk) {
		return "", ErrInvalidSecret
	}
	return
}

// ParsePubkey accepts a hex or npub public key and returns it as hex.
func ParsePubkey(s string) (pk string, err error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "npub1") {
		var prefix string
		var v any
		if prefix, v, err = nip19.Decode(s); err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidPubkey, err)
		}
		var ok bool
		if pk, ok = v.(string); !ok || prefix != "npub" {
			return "", ErrInvalidPubkey
		}
	} else {
		pk = strings.ToLower(s)
	}
	if !IsValidPubkey(pk) {
		return "", ErrInvalidPubkey
	}
	return
}

func EncodeNpub(pk string) (string, error) { return nip19.EncodePublicKey(pk) }

func EncodeNsec(sk string) (string, error) { return nip19.EncodePrivateKey(sk) }
