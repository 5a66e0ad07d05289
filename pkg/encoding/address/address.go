/*
Package address provides conversions between account script hashes and their
base58check string representation used for message destinations.
*/
package address

import (
	"bytes"
	"errors"

	"github.com/mr-tron/base58"
	"github.com/nspcc-dev/msgmon/pkg/crypto/hash"
	"github.com/nspcc-dev/msgmon/pkg/util"
)

const (
	// NEO3Prefix is the first byte of address for NEO3.
	NEO3Prefix byte = 0x35
)

// Prefix is the byte used to prepend to addresses when encoding them, it can
// be changed and defaults to 53 (0x35), the standard NEO prefix.
var Prefix = NEO3Prefix

var (
	errBadChecksum = errors.New("invalid base-58 check string: invalid checksum")
	errShort       = errors.New("invalid base-58 check string: missing checksum")
	errBadPrefix   = errors.New("wrong address prefix")
	errBadLength   = errors.New("wrong address length")
)

// Uint160ToString returns the "NEO address" from the given Uint160.
func Uint160ToString(u util.Uint160) string {
	b := append([]byte{Prefix}, u.BytesBE()...)
	return checkEncode(b)
}

// StringToUint160 attempts to decode the given NEO address string
// into a Uint160.
func StringToUint160(s string) (u util.Uint160, err error) {
	b, err := checkDecode(s)
	if err != nil {
		return u, err
	}
	if len(b) != util.Uint160Size+1 {
		return u, errBadLength
	}
	if b[0] != Prefix {
		return u, errBadPrefix
	}
	return util.Uint160DecodeBytesBE(b[1:])
}

func checkEncode(b []byte) string {
	return base58.Encode(append(b, hash.Checksum(b)...))
}

func checkDecode(s string) ([]byte, error) {
	b, err := base58.Decode(s)
	if err != nil {
		return nil, err
	}
	if len(b) < 5 {
		return nil, errShort
	}
	if !bytes.Equal(hash.Checksum(b[:len(b)-4]), b[len(b)-4:]) {
		return nil, errBadChecksum
	}
	return b[:len(b)-4], nil
}
