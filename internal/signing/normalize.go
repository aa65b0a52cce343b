package signing

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// Components is the r/s/v wrapper shape some wallet libraries return
// instead of a flat signature.
type Components struct {
	R string
	S string
	V byte
}

var errBadSignature = errors.New("signature must be 65 bytes")

// Normalize collapses the wallet-dependent signature shapes (hex string with
// or without 0x, raw 65-byte slice, or r/s/v components) into the one
// internal form: lowercase 0x-prefixed 130-hex-char string with v in {27,28}.
// Everything downstream of this boundary sees only that form.
func Normalize(raw any) (string, error) {
	switch v := raw.(type) {
	case string:
		return normalizeHex(v)
	case []byte:
		if len(v) != 65 {
			return "", errBadSignature
		}
		return normalizeBytes(v)
	case Components:
		return normalizeComponents(v)
	case *Components:
		if v == nil {
			return "", errors.New("nil signature components")
		}
		return normalizeComponents(*v)
	default:
		return "", fmt.Errorf("unsupported signature type %T", raw)
	}
}

func normalizeHex(s string) (string, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	raw, err := hex.DecodeString(s)
	if err != nil {
		return "", fmt.Errorf("decode signature hex: %w", err)
	}
	if len(raw) != 65 {
		return "", errBadSignature
	}
	return normalizeBytes(raw)
}

func normalizeBytes(raw []byte) (string, error) {
	out := make([]byte, 65)
	copy(out, raw)
	switch out[64] {
	case 0, 1:
		out[64] += 27
	case 27, 28:
	default:
		return "", fmt.Errorf("invalid recovery byte %d", out[64])
	}
	return "0x" + hex.EncodeToString(out), nil
}

func normalizeComponents(c Components) (string, error) {
	r, err := fixedWord(c.R)
	if err != nil {
		return "", fmt.Errorf("signature r: %w", err)
	}
	s, err := fixedWord(c.S)
	if err != nil {
		return "", fmt.Errorf("signature s: %w", err)
	}
	raw := make([]byte, 65)
	copy(raw[0:32], r)
	copy(raw[32:64], s)
	raw[64] = c.V
	return normalizeBytes(raw)
}

// fixedWord decodes a hex string into a left-padded 32-byte word.
func fixedWord(s string) ([]byte, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	if len(s)%2 == 1 {
		s = "0" + s
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, err
	}
	if len(raw) > 32 {
		return nil, errors.New("longer than 32 bytes")
	}
	out := make([]byte, 32)
	copy(out[32-len(raw):], raw)
	return out, nil
}
