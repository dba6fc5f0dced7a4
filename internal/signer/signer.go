// Package signer implements HMAC-SHA256 payload signing and verification
// for the webhook channel, in both directions.
//
// Signatures are lowercase hex over a canonical form of the payload and are
// always compared in constant time (crypto/subtle) to prevent timing attacks.
// Verification never returns an error: any malformed input yields false.
package signer

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// DefaultSecretLength is the number of random bytes in a generated secret.
const DefaultSecretLength = 32

// DefaultMaxAge bounds the replay window for timestamped envelopes.
const DefaultMaxAge = 5 * time.Minute

// Canonicalize converts a payload to the stable byte form that gets signed.
//
// Strings and raw byte slices are used as-is; everything else is serialized
// with encoding/json, which sorts map keys and therefore yields a
// deterministic encoding for object payloads.
func Canonicalize(payload any) ([]byte, error) {
	switch p := payload.(type) {
	case nil:
		return nil, fmt.Errorf("payload is nil")
	case string:
		return []byte(p), nil
	case []byte:
		return p, nil
	case json.RawMessage:
		return p, nil
	default:
		data, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("canonicalize payload: %w", err)
		}
		return data, nil
	}
}

// Sign computes the HMAC-SHA256 signature of payload under secret and
// returns it as 64 lowercase hex characters.
func Sign(payload any, secret string) (string, error) {
	if secret == "" {
		return "", fmt.Errorf("secret is empty")
	}
	data, err := Canonicalize(payload)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Verify recomputes the signature of payload under secret and compares it to
// signatureHex in constant time. Malformed input of any kind yields false,
// never an error.
func Verify(payload any, signatureHex, secret string) bool {
	if secret == "" || signatureHex == "" {
		return false
	}
	expected, err := Sign(payload, secret)
	if err != nil {
		return false
	}
	supplied, err := hex.DecodeString(signatureHex)
	if err != nil {
		return false
	}
	expectedBytes, err := hex.DecodeString(expected)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare(expectedBytes, supplied) == 1
}

// GenerateSecret returns byteLength cryptographically secure random bytes,
// hex-encoded. byteLength <= 0 falls back to DefaultSecretLength.
func GenerateSecret(byteLength int) (string, error) {
	if byteLength <= 0 {
		byteLength = DefaultSecretLength
	}
	buf := make([]byte, byteLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// SignedEnvelope is the wire form of a replay-protected payload. The
// timestamp is embedded in the signed payload itself, so a replayed envelope
// cannot be refreshed without invalidating its signature.
type SignedEnvelope struct {
	Payload   map[string]any `json:"payload"`
	Signature string         `json:"signature"`
	Timestamp int64          `json:"timestamp"` // unix milliseconds
}

// SignWithTimestamp augments payload with a unix-millisecond timestamp and
// signs the result. A zero ts means now. The input map is not mutated.
func SignWithTimestamp(payload map[string]any, secret string, ts time.Time) (SignedEnvelope, error) {
	if ts.IsZero() {
		ts = time.Now()
	}
	millis := ts.UnixMilli()

	stamped := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		stamped[k] = v
	}
	stamped["timestamp"] = millis

	sig, err := Sign(stamped, secret)
	if err != nil {
		return SignedEnvelope{}, err
	}
	return SignedEnvelope{
		Payload:   stamped,
		Signature: sig,
		Timestamp: millis,
	}, nil
}

// VerifyWithTimestamp verifies a timestamp-augmented payload produced by
// SignWithTimestamp. It returns false when the embedded timestamp is missing
// or non-numeric, older than maxAge, or in the future; clock skew is not
// tolerated. maxAge <= 0 falls back to DefaultMaxAge.
func VerifyWithTimestamp(payload map[string]any, signatureHex, secret string, maxAge time.Duration) bool {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	millis, ok := timestampMillis(payload["timestamp"])
	if !ok {
		return false
	}

	now := time.Now().UnixMilli()
	if millis > now {
		return false
	}
	if now-millis > maxAge.Milliseconds() {
		return false
	}
	return Verify(payload, signatureHex, secret)
}

// timestampMillis coerces the decoded timestamp field to unix milliseconds.
// JSON numbers decode as float64; callers constructing payloads in Go may
// pass integer types directly.
func timestampMillis(v any) (int64, bool) {
	switch t := v.(type) {
	case int64:
		return t, true
	case int:
		return int64(t), true
	case float64:
		return int64(t), true
	case json.Number:
		n, err := t.Int64()
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}
