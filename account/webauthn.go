// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package account

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"

	"opkit.org/opkit"
)

// The on-chain verifier does not parse clientDataJSON. It locates the
// "challenge" and "type" keys by fixed byte offset, which only holds for
// client data serialized with this exact prefix. Assembly and validation
// both pin that shape.
const (
	clientDataPrefix = `{"type":"webauthn.get","challenge":"`
	typeIndex        = 1
	challengeIndex   = 23
)

var (
	boolTy, _   = abi.NewType("bool", "", nil)
	bytesTy, _  = abi.NewType("bytes", "", nil)
	stringTy, _ = abi.NewType("string", "", nil)
	uintTy, _   = abi.NewType("uint256", "", nil)

	webAuthnArgs = abi.Arguments{
		{Name: "isSimulation", Type: boolTy},
		{Name: "authenticatorData", Type: bytesTy},
		{Name: "requireUserVerification", Type: boolTy},
		{Name: "clientDataJSON", Type: stringTy},
		{Name: "challengeIndex", Type: uintTy},
		{Name: "typeIndex", Type: uintTy},
		{Name: "r", Type: uintTy},
		{Name: "s", Type: uintTy},
	}
)

// packWebAuthn encodes an assertion for the passkey account's signature
// verifier.
func packWebAuthn(authData []byte, clientDataJSON string, r, s *big.Int) (opkit.Bytes, error) {
	packed, err := webAuthnArgs.Pack(
		false, // isSimulation
		authData,
		true, // requireUserVerification
		clientDataJSON,
		big.NewInt(challengeIndex),
		big.NewInt(typeIndex),
		r,
		s,
	)
	if err != nil {
		return nil, fmt.Errorf("error packing webauthn signature: %w", err)
	}
	return packed, nil
}

// assembleClientData serializes client data with the pinned key order. The
// challenge is base64url without padding, per the WebAuthn spec.
func assembleClientData(challenge []byte, origin string) string {
	return fmt.Sprintf(`%s%s","origin":"%s","crossOrigin":false}`,
		clientDataPrefix, base64.RawURLEncoding.EncodeToString(challenge), origin)
}

// validateClientData checks that an authenticator's client data carries the
// expected type and challenge at the byte offsets the on-chain verifier
// reads. A mismatch means the signature would fail verification on chain, so
// it is rejected before submission.
func validateClientData(clientDataJSON string, challenge []byte) error {
	if !strings.HasPrefix(clientDataJSON, clientDataPrefix) {
		return opkit.NewError(ErrBadClientData, "client data key order does not match verifier offsets")
	}
	encoded := base64.RawURLEncoding.EncodeToString(challenge)
	rest := clientDataJSON[len(clientDataPrefix):]
	if !strings.HasPrefix(rest, encoded+`"`) {
		return opkit.NewError(ErrBadClientData, "challenge mismatch in client data")
	}
	return nil
}

// assembleAuthData builds minimal authenticator data: the relying party id
// hash, the UP|UV flags, and a zero signature counter.
func assembleAuthData(rpID string) []byte {
	rpIDHash := sha256.Sum256([]byte(rpID))
	authData := make([]byte, 0, len(rpIDHash)+5)
	authData = append(authData, rpIDHash[:]...)
	authData = append(authData, 0x05)             // UP | UV
	authData = append(authData, 0, 0, 0, 0)       // counter
	return authData
}

// dummyWebAuthn packs a placeholder assertion for gas estimation. It uses
// the same authenticator data size and client data shape as a real
// signature from the same relying party and origin, so the encoded length
// is identical.
func dummyWebAuthn(rpID, origin string) opkit.Bytes {
	challenge := make([]byte, 32)
	clientData := assembleClientData(challenge, origin)
	sig, err := packWebAuthn(assembleAuthData(rpID), clientData, big.NewInt(1), big.NewInt(1))
	if err != nil {
		// Static inputs; packing cannot fail.
		panic(err)
	}
	return sig
}

// webAuthnMessage is the digest the authenticator signs: the hash of the
// authenticator data concatenated with the client data hash.
func webAuthnMessage(authData []byte, clientDataJSON string) []byte {
	clientDataHash := sha256.Sum256([]byte(clientDataJSON))
	msg := sha256.Sum256(append(append([]byte{}, authData...), clientDataHash[:]...))
	return msg[:]
}
