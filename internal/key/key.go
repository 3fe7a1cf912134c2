// Package key encodes and decodes WireGuard keys without data-dependent
// branches or table lookups, so that key material does not leak through
// timing when it crosses a text boundary.
package key

import (
	"crypto/subtle"
	"errors"

	"golang.org/x/crypto/curve25519"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

const (
	// Len is the size of a raw key in bytes.
	Len = 32
	// Base64Len is the length of a padded base64 key.
	Base64Len = 44
	// HexLen is the length of a lowercase hex key.
	HexLen = 64
)

// ErrInvalid is returned for any malformed key text. It never says where
// the input went wrong.
var ErrInvalid = errors.New("invalid key")

// Key is a raw Curve25519 key or preshared key.
type Key [Len]byte

// ParseBase64 decodes a 44 character padded base64 key. On failure the
// returned key is zero.
func ParseBase64(s string) (Key, error) {
	var k Key
	if len(s) != Base64Len || s[Base64Len-1] != '=' {
		return Key{}, ErrInvalid
	}

	var ret byte
	i := 0
	for ; i < Len/3; i++ {
		val := decodeBase64(s[i*4], s[i*4+1], s[i*4+2], s[i*4+3])
		ret |= byte(uint32(val) >> 31)
		k[i*3] = byte(val >> 16)
		k[i*3+1] = byte(val >> 8)
		k[i*3+2] = byte(val)
	}
	// The final quantum carries two bytes; its unused low bits must be zero.
	val := decodeBase64(s[i*4], s[i*4+1], s[i*4+2], 'A')
	ret |= byte(uint32(val)>>31) | byte(val)
	k[i*3] = byte(val >> 16)
	k[i*3+1] = byte(val >> 8)

	if !accepted(ret) {
		return Key{}, ErrInvalid
	}
	return k, nil
}

// ParseHex decodes a 64 character hex key, accepting either case.
func ParseHex(s string) (Key, error) {
	var k Key
	if len(s) != HexLen {
		return Key{}, ErrInvalid
	}

	var ret byte
	for i := 0; i < HexLen; i += 2 {
		hi, badHi := decodeHexNibble(s[i])
		lo, badLo := decodeHexNibble(s[i+1])
		ret |= badHi | badLo
		k[i/2] = hi<<4 | lo
	}

	if !accepted(ret) {
		return Key{}, ErrInvalid
	}
	return k, nil
}

// Base64 returns the padded base64 form of k.
func (k Key) Base64() string {
	var out [Base64Len]byte
	i := 0
	for ; i < Len/3; i++ {
		encodeBase64(out[i*4:], k[i*3], k[i*3+1], k[i*3+2])
	}
	encodeBase64(out[i*4:], k[i*3], k[i*3+1], 0)
	out[Base64Len-1] = '='
	return string(out[:])
}

// Hex returns the lowercase hex form of k, as used on the UAPI wire.
func (k Key) Hex() string {
	var out [HexLen]byte
	for i, b := range k {
		out[i*2] = hexDigit(b >> 4)
		out[i*2+1] = hexDigit(b & 0xf)
	}
	return string(out[:])
}

// String returns the base64 form of k.
func (k Key) String() string {
	return k.Base64()
}

// IsZero reports whether every byte of k is zero.
func (k Key) IsZero() bool {
	var zero Key
	return subtle.ConstantTimeCompare(k[:], zero[:]) == 1
}

// PublicKey derives the Curve25519 public key for the private key k.
func (k Key) PublicKey() Key {
	var pub Key
	out, err := curve25519.X25519(k[:], curve25519.Basepoint)
	if err != nil {
		return pub
	}
	copy(pub[:], out)
	return pub
}

// FromWG converts a wgctrl key.
func FromWG(k wgtypes.Key) Key {
	return Key(k)
}

// WG converts k to a wgctrl key.
func (k Key) WG() wgtypes.Key {
	return wgtypes.Key(k)
}

// accepted folds an error accumulator into a result without branching on
// its individual bits.
func accepted(ret byte) bool {
	return 1&((uint32(ret)-1)>>8) == 1
}

func encodeBase64(dst []byte, a, b, c byte) {
	in := [4]int32{
		int32(a >> 2),
		int32((a<<4 | b>>4) & 63),
		int32((b<<2 | c>>6) & 63),
		int32(c & 63),
	}
	for j, v := range in {
		dst[j] = byte(v + 'A' +
			(((25 - v) >> 8) & 6) -
			(((51 - v) >> 8) & 75) -
			(((61 - v) >> 8) & 15) +
			(((62 - v) >> 8) & 3))
	}
}

// decodeBase64 returns the 24 bits encoded by four characters. Any invalid
// character makes the result negative.
func decodeBase64(c0, c1, c2, c3 byte) int32 {
	var val int32
	for i, b := range [4]byte{c0, c1, c2, c3} {
		c := int32(b)
		val |= (-1 +
			(((('A' - 1 - c) & (c - ('Z' + 1))) >> 8) & (c - 64)) +
			(((('a' - 1 - c) & (c - ('z' + 1))) >> 8) & (c - 70)) +
			(((('0' - 1 - c) & (c - ('9' + 1))) >> 8) & (c + 5)) +
			(((('+' - 1 - c) & (c - ('+' + 1))) >> 8) & 63) +
			(((('/' - 1 - c) & (c - ('/' + 1))) >> 8) & 64)) << (18 - 6*uint(i))
	}
	return val
}

func hexDigit(n byte) byte {
	v := uint32(n)
	return byte(87 + v + (((v - 10) >> 8) &^ 38))
}

// decodeHexNibble returns the value of one hex character and 0xff in bad
// if the character is not a hex digit.
func decodeHexNibble(c byte) (val, bad byte) {
	num := c ^ 48
	num0 := byte((uint32(num) - 10) >> 8)
	alpha := (c &^ 32) - 55
	alpha0 := byte(((uint32(alpha) - 10) ^ (uint32(alpha) - 16)) >> 8)
	bad = byte((uint32(num0|alpha0) - 1) >> 8)
	val = (num0 & num) | (alpha0 & alpha)
	return val, bad
}
