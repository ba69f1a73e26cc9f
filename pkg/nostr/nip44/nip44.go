// Package nip44 implements version 2 of the nostr payload encryption: a
// conversation key derived from ECDH, per message keys expanded from a random
// nonce, chacha20 over a length-prefixed padded plaintext and an HMAC over the
// nonce and ciphertext.
package nip44

import (
	"crypto/hmac"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/minio/sha256-simd"
	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/hkdf"
	"lukechampine.com/frand"
)

const (
	Version = 2

	MinPlaintextSize = 0x0001
	MaxPlaintextSize = 0xffff
)

var (
	ErrInvalidKey     = errors.New("nip44: invalid key")
	ErrPayloadLength  = errors.New("nip44: invalid payload length")
	ErrUnknownVersion = errors.New("nip44: unknown version")
	ErrInvalidMAC     = errors.New("nip44: invalid mac")
	ErrInvalidPadding = errors.New("nip44: invalid padding")
	ErrPlaintextSize  = errors.New("nip44: plaintext should be between 1b and 64kB")
)

var salt = []byte("nip44-v2")

// Key is a 32 byte conversation key shared by two parties.
type Key [32]byte

// ConversationKey derives the key shared between the holder of secret key sk
// and the owner of x-only public key pk, both hex encoded. It is symmetric:
// ConversationKey(a, B) == ConversationKey(b, A).
func ConversationKey(sk, pk string) (k Key, err error) {
	var skb, pkb []byte
	if skb, err = hex.DecodeString(sk); err != nil || len(skb) != 32 {
		return k, fmt.Errorf("%w: secret", ErrInvalidKey)
	}
	var s secp256k1.ModNScalar
	if overflow := s.SetByteSlice(skb); overflow || s.IsZero() {
		return k, fmt.Errorf("%w: secret", ErrInvalidKey)
	}
	if pkb, err = hex.DecodeString(pk); err != nil || len(pkb) != 32 {
		return k, fmt.Errorf("%w: public", ErrInvalidKey)
	}
	var pub *secp256k1.PublicKey
	if pub, err = secp256k1.ParsePubKey(append([]byte{0x02}, pkb...)); err != nil {
		return k, fmt.Errorf("%w: public: %v", ErrInvalidKey, err)
	}
	priv := secp256k1.NewPrivateKey(&s)
	shared := secp256k1.GenerateSharedSecret(priv, pub)
	copy(k[:], hkdf.Extract(sha256.New, shared, salt))
	priv.Zero()
	return k, nil
}

// Encrypt seals plaintext under the conversation key with a fresh random
// nonce.
func Encrypt(key Key, plaintext string) (string, error) {
	var nonce [32]byte
	frand.Read(nonce[:])
	return EncryptWithNonce(key, plaintext, nonce)
}

// EncryptWithNonce is Encrypt with a caller supplied nonce, for test vectors.
func EncryptWithNonce(key Key, plaintext string, nonce [32]byte) (payload string,
	err error) {

	var padded []byte
	if padded, err = pad(plaintext); err != nil {
		return
	}
	enc, cnonce, auth := messageKeys(key, nonce[:])
	ct := make([]byte, len(padded))
	var c *chacha20.Cipher
	if c, err = chacha20.NewUnauthenticatedCipher(enc, cnonce); err != nil {
		return
	}
	c.XORKeyStream(ct, padded)
	out := make([]byte, 0, 1+32+len(ct)+32)
	out = append(out, Version)
	out = append(out, nonce[:]...)
	out = append(out, ct...)
	out = append(out, mac(auth, nonce[:], ct)...)
	return base64.StdEncoding.EncodeToString(out), nil
}

// Decrypt opens a payload produced by Encrypt. The MAC is checked before any
// decryption happens.
func Decrypt(key Key, payload string) (plaintext string, err error) {
	pl := len(payload)
	if pl == 0 || payload[0] == '#' {
		return "", ErrUnknownVersion
	}
	if pl < 132 || pl > 87472 {
		return "", fmt.Errorf("%w: %d", ErrPayloadLength, pl)
	}
	var data []byte
	if data, err = base64.StdEncoding.DecodeString(payload); err != nil {
		return "", fmt.Errorf("nip44: invalid base64: %w", err)
	}
	dl := len(data)
	if dl < 99 || dl > 65603 {
		return "", fmt.Errorf("%w: decoded %d", ErrPayloadLength, dl)
	}
	if data[0] != Version {
		return "", fmt.Errorf("%w %d", ErrUnknownVersion, data[0])
	}
	nonce, ct, tag := data[1:33], data[33:dl-32], data[dl-32:]
	enc, cnonce, auth := messageKeys(key, nonce)
	if !hmac.Equal(tag, mac(auth, nonce, ct)) {
		return "", ErrInvalidMAC
	}
	padded := make([]byte, len(ct))
	var c *chacha20.Cipher
	if c, err = chacha20.NewUnauthenticatedCipher(enc, cnonce); err != nil {
		return
	}
	c.XORKeyStream(padded, ct)
	return unpad(padded)
}

func messageKeys(key Key, nonce []byte) (enc, cnonce, auth []byte) {
	r := hkdf.Expand(sha256.New, key[:], nonce)
	buf := make([]byte, 76)
	// hkdf over sha256 yields up to 8160 bytes, 76 cannot fail
	_, _ = io.ReadFull(r, buf)
	return buf[:32], buf[32:44], buf[44:76]
}

func mac(auth, nonce, ct []byte) []byte {
	h := hmac.New(sha256.New, auth)
	h.Write(nonce)
	h.Write(ct)
	return h.Sum(nil)
}

func pad(s string) (out []byte, err error) {
	l := len(s)
	if l < MinPlaintextSize || l > MaxPlaintextSize {
		return nil, ErrPlaintextSize
	}
	out = make([]byte, 2+calcPadding(l))
	binary.BigEndian.PutUint16(out, uint16(l))
	copy(out[2:], s)
	return
}

func unpad(padded []byte) (string, error) {
	if len(padded) < 2 {
		return "", ErrInvalidPadding
	}
	l := int(binary.BigEndian.Uint16(padded))
	if l < MinPlaintextSize || len(padded) != 2+calcPadding(l) {
		return "", ErrInvalidPadding
	}
	return string(padded[2 : 2+l]), nil
}

// calcPadding rounds a plaintext length up to the padded size: 32 bytes
// minimum, then chunks of one eighth of the next power of two.
func calcPadding(l int) int {
	if l <= 32 {
		return 32
	}
	next := 1
	for next < l {
		next <<= 1
	}
	chunk := 32
	if next > 256 {
		chunk = next / 8
	}
	return chunk * ((l-1)/chunk + 1)
}
