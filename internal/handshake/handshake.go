// Package handshake implements the mutual, signed peer-authentication
// exchange performed before a mesh connection is admitted.
package handshake

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/clawmesh/clawmesh/internal/identity"
)

// ErrorCode identifies a typed handshake failure.
type ErrorCode string

const (
	ErrUntrustedPeer          ErrorCode = "UNTRUSTED_PEER"
	ErrAuthFailed             ErrorCode = "AUTH_FAILED"
	ErrInvalidParams          ErrorCode = "INVALID_PARAMS"
	ErrTLSFingerprintMismatch ErrorCode = "TLS_FINGERPRINT_MISMATCH"
)

// Error is a typed handshake failure.
type Error struct {
	Code    ErrorCode
	Message string
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Message) }

func fail(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// maxClockSkew bounds how far a claimed signedAtMs may drift from local
// time before a payload is rejected as stale or replayed.
const maxClockSkew = 5 * time.Minute

// Hello is the first message a connecting party sends: its identity
// claim and a signature over the canonical connect payload, plus the
// unsigned display metadata the spec's mesh.connect response shape
// carries alongside it (displayName, capabilities).
type Hello struct {
	Version      string   `json:"version"`
	DeviceID     string   `json:"deviceId"`
	PublicKey    string   `json:"publicKey"`
	SignedAtMs   int64    `json:"signedAtMs"`
	Nonce        string   `json:"nonce,omitempty"`
	Signature    string   `json:"signature"`
	DisplayName  string   `json:"displayName,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// Challenge is sent by the accepting side before it will consider a
// Hello authenticated against a nonce.
type Challenge struct {
	Nonce string `json:"nonce"`
}

// TrustChecker reports whether a deviceId is in the trusted-peer set.
type TrustChecker interface {
	Contains(deviceID string) bool
}

// canonicalPayload builds the exact byte string that is signed:
// "mesh.connect|v1|<deviceId>|<signedAtMs>[|<nonce>]".
func canonicalPayload(deviceID string, signedAtMs int64, nonce string) []byte {
	parts := []string{"mesh.connect", "v1", deviceID, strconv.FormatInt(signedAtMs, 10)}
	if nonce != "" {
		parts = append(parts, nonce)
	}
	return []byte(strings.Join(parts, "|"))
}

// NewNonce generates a fresh random nonce for a Challenge.
func NewNonce() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// BuildHello signs a connect Hello for id, optionally binding a
// server-issued nonce and advertising the local node's display name
// and capability set (neither is covered by the signature: they ride
// alongside the authenticated payload as descriptive metadata, exactly
// as spec §4.3's response shape allows).
func BuildHello(id *identity.Identity, nonce string, displayName string, capabilities []string) Hello {
	signedAt := time.Now().UnixMilli()
	sig := id.Sign(canonicalPayload(id.DeviceID, signedAt, nonce))
	return Hello{
		Version:      "v1",
		DeviceID:     id.DeviceID,
		PublicKey:    id.PublicKeyHex(),
		SignedAtMs:   signedAt,
		Nonce:        nonce,
		Signature:    hex.EncodeToString(sig),
		DisplayName:  displayName,
		Capabilities: capabilities,
	}
}

// Verify authenticates a received Hello: the claimed deviceId must be
// derivable from the claimed public key, the signature must check out
// over the canonical payload, the peer must be in the trust store, and
// the claimed signing time must fall within the allowed clock skew.
func Verify(h Hello, trusted TrustChecker, expectedNonce string) error {
	if h.Version != "v1" || h.DeviceID == "" || h.PublicKey == "" || h.Signature == "" {
		return fail(ErrInvalidParams, "missing required handshake fields")
	}

	pub, err := identity.ParsePublicKeyHex(h.PublicKey)
	if err != nil {
		return fail(ErrInvalidParams, "invalid public key: %v", err)
	}

	if identity.DeviceIDFromPublicKey(pub) != h.DeviceID {
		return fail(ErrAuthFailed, "deviceId does not match public key")
	}

	if !trusted.Contains(h.DeviceID) {
		return fail(ErrUntrustedPeer, "peer %s is not in the trust store", h.DeviceID)
	}

	skew := time.Since(time.UnixMilli(h.SignedAtMs))
	if skew < 0 {
		skew = -skew
	}
	if skew >= maxClockSkew {
		return fail(ErrAuthFailed, "signedAtMs outside allowed clock skew")
	}

	if expectedNonce != "" && h.Nonce != expectedNonce {
		return fail(ErrAuthFailed, "nonce mismatch")
	}

	sig, err := hex.DecodeString(h.Signature)
	if err != nil {
		return fail(ErrInvalidParams, "invalid signature encoding: %v", err)
	}

	payload := canonicalPayload(h.DeviceID, h.SignedAtMs, h.Nonce)
	if !identity.Verify(pub, payload, sig) {
		return fail(ErrAuthFailed, "signature verification failed")
	}

	return nil
}

// CheckTLSFingerprint enforces spec §4.3(d): when the peer was
// discovered with a TLS fingerprint, the certificate fingerprint
// observed on the transport connection must match it exactly. A peer
// discovered with no fingerprint (the static-list backend, or an mDNS
// beacon that omitted one) skips the check entirely.
func CheckTLSFingerprint(discovered, observed string) error {
	if discovered == "" {
		return nil
	}
	if observed != discovered {
		return fail(ErrTLSFingerprintMismatch, "observed certificate fingerprint does not match the one advertised at discovery")
	}
	return nil
}

// Initiator reports whether the local deviceId should act as the
// connecting (as opposed to accepting) side when both peers discover
// each other simultaneously: the lexicographically smaller deviceId
// initiates, breaking the tie deterministically without coordination.
func Initiator(localDeviceID, remoteDeviceID string) bool {
	return localDeviceID < remoteDeviceID
}
