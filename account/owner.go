// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package account

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"opkit.org/opkit"
)

const (
	ErrBadChallenge  = opkit.ErrorKind("bad challenge")
	ErrSignCanceled  = opkit.ErrorKind("signing ceremony canceled")
	ErrBadClientData = opkit.ErrorKind("bad client data")
)

// Owner is the key-holding capability behind a smart-contract account. Sign
// produces a signature over the 32-byte operation hash, already ABI-packed
// for the account contract's on-chain verifier. DummySignature is a fixed,
// syntactically valid placeholder of the same encoded length as a real
// signature, used during gas estimation so that estimation never triggers a
// real, possibly interactive, signing ceremony.
type Owner interface {
	Sign(ctx context.Context, challenge []byte) (opkit.Bytes, error)
	DummySignature() opkit.Bytes
}

// ECDSAOwner signs operation hashes with a secp256k1 private key, the
// ownership scheme of a SimpleAccount.
type ECDSAOwner struct {
	priv *ecdsa.PrivateKey
}

// NewECDSAOwner wraps an existing secp256k1 private key.
func NewECDSAOwner(priv *ecdsa.PrivateKey) *ECDSAOwner {
	return &ECDSAOwner{priv: priv}
}

// ECDSAOwnerFromHex parses a hex-encoded secp256k1 private key. The optional
// 0x prefix is tolerated.
func ECDSAOwnerFromHex(hexKey string) (*ECDSAOwner, error) {
	if len(hexKey) > 1 && hexKey[0] == '0' && (hexKey[1] == 'x' || hexKey[1] == 'X') {
		hexKey = hexKey[2:]
	}
	priv, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("error parsing private key: %w", err)
	}
	return &ECDSAOwner{priv: priv}, nil
}

// Address is the EOA address of the owning key.
func (o *ECDSAOwner) Address() common.Address {
	return crypto.PubkeyToAddress(o.priv.PublicKey)
}

// Sign signs the raw 32-byte digest. The recovery id is offset by 27 for the
// on-chain ecrecover convention.
func (o *ECDSAOwner) Sign(_ context.Context, challenge []byte) (opkit.Bytes, error) {
	if len(challenge) != common.HashLength {
		return nil, opkit.NewError(ErrBadChallenge, fmt.Sprintf("expected %d bytes, got %d", common.HashLength, len(challenge)))
	}
	sig, err := crypto.Sign(challenge, o.priv)
	if err != nil {
		return nil, err
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}

// DummySignature is 65 bytes of in-range placeholder r, s, v.
func (o *ECDSAOwner) DummySignature() opkit.Bytes {
	sig := make(opkit.Bytes, crypto.SignatureLength)
	sig[31] = 0x01
	sig[63] = 0x01
	sig[64] = 27
	return sig
}

// P256Owner signs with a raw NIST P-256 key, assembling the WebAuthn-shaped
// payload locally. It produces the same signature encoding a passkey account
// verifies on chain, without a platform authenticator in the loop, which
// makes it suitable for programmatic accounts and tests.
type P256Owner struct {
	priv   *ecdsa.PrivateKey
	rpID   string
	origin string
}

// NewP256Owner wraps a P-256 private key. The relying party id and origin
// are baked into the locally assembled authenticator data and client data.
func NewP256Owner(priv *ecdsa.PrivateKey, rpID, origin string) (*P256Owner, error) {
	if priv.Curve != elliptic.P256() {
		return nil, fmt.Errorf("key curve is %s, not P-256", priv.Curve.Params().Name)
	}
	return &P256Owner{priv: priv, rpID: rpID, origin: origin}, nil
}

// GenerateP256Owner creates a fresh P-256 key pair.
func GenerateP256Owner(rpID, origin string) (*P256Owner, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	return &P256Owner{priv: priv, rpID: rpID, origin: origin}, nil
}

// PublicKey returns the key's affine coordinates, as registered with the
// passkey account factory.
func (o *P256Owner) PublicKey() (x, y *big.Int) {
	return o.priv.PublicKey.X, o.priv.PublicKey.Y
}

// Sign assembles authenticator data and client data for the challenge, signs
// the WebAuthn message with the P-256 key, and ABI-packs the result for the
// on-chain verifier.
func (o *P256Owner) Sign(_ context.Context, challenge []byte) (opkit.Bytes, error) {
	if len(challenge) != common.HashLength {
		return nil, opkit.NewError(ErrBadChallenge, fmt.Sprintf("expected %d bytes, got %d", common.HashLength, len(challenge)))
	}
	authData := assembleAuthData(o.rpID)
	clientData := assembleClientData(challenge, o.origin)
	r, s, err := ecdsa.Sign(rand.Reader, o.priv, webAuthnMessage(authData, clientData))
	if err != nil {
		return nil, err
	}
	return packWebAuthn(authData, clientData, r, normalizeS(s))
}

// DummySignature packs a placeholder WebAuthn payload with the same client
// data shape Sign produces, so the encoded length matches a real signature.
func (o *P256Owner) DummySignature() opkit.Bytes {
	return dummyWebAuthn(o.rpID, o.origin)
}

// PasskeyAssertion is the result of a platform authenticator's signing
// ceremony.
type PasskeyAssertion struct {
	AuthenticatorData opkit.Bytes
	ClientDataJSON    string
	R, S              *big.Int
}

// PasskeyCredential is the result of a passkey registration ceremony.
type PasskeyCredential struct {
	CredentialID opkit.Bytes
	X, Y         *big.Int
}

// Prompter runs WebAuthn ceremonies out of process. It is the boundary to
// the platform authenticator.
type Prompter interface {
	Register(ctx context.Context) (*PasskeyCredential, error)
	Sign(ctx context.Context, challenge []byte) (*PasskeyAssertion, error)
}

// PasskeyOwner delegates signing to a WebAuthn Prompter. The prompter's
// client data is validated against the fixed byte offsets the on-chain
// verifier assumes before any signature is accepted.
type PasskeyOwner struct {
	prompter Prompter
	rpID     string
	origin   string
}

// NewPasskeyOwner creates an owner backed by a platform authenticator. The
// relying party id and origin must match what the authenticator will report,
// since the estimation-time dummy signature is assembled from them and must
// be length-identical to the real one.
func NewPasskeyOwner(prompter Prompter, rpID, origin string) *PasskeyOwner {
	return &PasskeyOwner{prompter: prompter, rpID: rpID, origin: origin}
}

// Sign runs the signing ceremony and packs the assertion. An assertion whose
// client data does not carry the expected fields at the expected offsets is
// rejected rather than submitted.
func (o *PasskeyOwner) Sign(ctx context.Context, challenge []byte) (opkit.Bytes, error) {
	if len(challenge) != common.HashLength {
		return nil, opkit.NewError(ErrBadChallenge, fmt.Sprintf("expected %d bytes, got %d", common.HashLength, len(challenge)))
	}
	assertion, err := o.prompter.Sign(ctx, challenge)
	if err != nil {
		return nil, opkit.NewError(ErrSignCanceled, err.Error())
	}
	if err := validateClientData(assertion.ClientDataJSON, challenge); err != nil {
		return nil, err
	}
	return packWebAuthn(assertion.AuthenticatorData, assertion.ClientDataJSON, assertion.R, assertion.S)
}

// DummySignature packs a placeholder assertion shaped like the configured
// authenticator's output.
func (o *PasskeyOwner) DummySignature() opkit.Bytes {
	return dummyWebAuthn(o.rpID, o.origin)
}

// normalizeS maps s into the low half of the P-256 group order. Some
// verifiers reject high-S signatures as malleable.
func normalizeS(s *big.Int) *big.Int {
	order := elliptic.P256().Params().N
	if s.Cmp(new(big.Int).Rsh(order, 1)) > 0 {
		return new(big.Int).Sub(order, s)
	}
	return s
}
