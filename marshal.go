// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package opkit

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

const (
	// ErrBadAddress is returned when parsing a malformed or badly
	// checksummed address.
	ErrBadAddress = ErrorKind("bad address")
	// ErrBadHex is returned when parsing a malformed hex byte string.
	ErrBadHex = ErrorKind("bad hex")
)

// Bytes is a byte slice that marshals to and unmarshals from a 0x-prefixed
// hexadecimal string, the encoding used for every byte-blob field on the
// ERC-4337 wire. The default go behavior is to marshal []byte to a base-64
// string.
type Bytes []byte

// ParseBytes decodes a 0x-prefixed, even-length hex string. The empty blob is
// spelled "0x".
func ParseBytes(s string) (Bytes, error) {
	if !strings.HasPrefix(s, "0x") {
		return nil, NewError(ErrBadHex, "missing 0x prefix in "+s)
	}
	if len(s)%2 != 0 {
		return nil, NewError(ErrBadHex, "odd-length payload in "+s)
	}
	b, err := hex.DecodeString(s[2:])
	if err != nil {
		return nil, NewError(ErrBadHex, err.Error())
	}
	return b, nil
}

// String returns the 0x-prefixed hex encoding of the Bytes.
func (b Bytes) String() string {
	return "0x" + hex.EncodeToString(b)
}

// MarshalJSON satisfies the json.Marshaler interface, and will marshal the
// bytes to a 0x-prefixed hex string.
func (b Bytes) MarshalJSON() ([]byte, error) {
	return json.Marshal(b.String())
}

// UnmarshalJSON satisfies the json.Unmarshaler interface, and expects a UTF-8
// encoding of a 0x-prefixed hex string.
func (b *Bytes) UnmarshalJSON(encHex []byte) error {
	var s string
	if err := json.Unmarshal(encHex, &s); err != nil {
		return fmt.Errorf("marshalled Bytes, '%s', not valid: %w", string(encHex), err)
	}
	parsed, err := ParseBytes(s)
	if err != nil {
		return err
	}
	*b = parsed
	return nil
}

// Equal reports whether b and other hold the same bytes.
func (b Bytes) Equal(other Bytes) bool {
	return bytes.Equal(b, other)
}

// Address is an Ethereum address that only constructs from well-formed input.
// A mixed-case source string must carry a valid EIP-55 checksum. The zero
// Address is the zero-value ("burn") address.
type Address struct {
	common.Address
}

// NewAddress wraps a go-ethereum address.
func NewAddress(addr common.Address) Address {
	return Address{Address: addr}
}

// ParseAddress decodes a 0x-prefixed, 20-byte hex address. All-lowercase and
// all-uppercase forms are accepted; a mixed-case form is rejected unless it is
// the exact EIP-55 checksum encoding.
func ParseAddress(s string) (Address, error) {
	if !strings.HasPrefix(s, "0x") {
		return Address{}, NewError(ErrBadAddress, "missing 0x prefix in "+s)
	}
	body := s[2:]
	if len(body) != common.AddressLength*2 {
		return Address{}, NewError(ErrBadAddress, fmt.Sprintf("wrong length %d for %s", len(body), s))
	}
	b, err := hex.DecodeString(body)
	if err != nil {
		return Address{}, NewError(ErrBadAddress, err.Error())
	}
	addr := common.BytesToAddress(b)
	if strings.ToLower(body) != body && strings.ToUpper(body) != body {
		// Mixed case. The checksum must be exact.
		if addr.Hex() != s {
			return Address{}, NewError(ErrBadAddress, "EIP-55 checksum mismatch for "+s)
		}
	}
	return Address{Address: addr}, nil
}

// String returns the EIP-55 checksum encoding of the Address.
func (a Address) String() string {
	return a.Hex()
}

// IsZero is true for the zero-value address.
func (a Address) IsZero() bool {
	return a.Address == (common.Address{})
}

// MarshalJSON marshals the Address to its checksum-cased hex string.
func (a Address) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.Hex())
}

// UnmarshalJSON parses an address with the same validation as ParseAddress.
func (a *Address) UnmarshalJSON(encHex []byte) error {
	var s string
	if err := json.Unmarshal(encHex, &s); err != nil {
		return fmt.Errorf("marshalled Address, '%s', not valid: %w", string(encHex), err)
	}
	parsed, err := ParseAddress(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
