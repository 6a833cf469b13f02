package payment

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"net/url"
	"sort"
	"strings"
)

var (
	// ErrEmptyPayload is returned when no parameter survives filtering.
	ErrEmptyPayload = errors.New("payment: no parameters to canonicalize")
	// ErrEmptyKey is returned when the signing secret is empty.
	ErrEmptyKey = errors.New("payment: signing key is empty")
	// ErrEmptyInput is returned when there is no data to sign.
	ErrEmptyInput = errors.New("payment: signing input is empty")
)

// BuildCanonicalString serializes params into the exact byte sequence the
// gateway signs: keys sorted ascending by byte value, values percent-encoded
// (space as "+", matching the gateway's own form encoder), pairs joined by
// "&". Keys listed in exclude and keys whose value is empty are skipped
// entirely rather than encoded as empty.
//
// The same routine produces both the HMAC input and the redirect query
// string, so the two can never drift apart.
func BuildCanonicalString(params map[string]string, exclude ...string) (string, error) {
	skip := make(map[string]struct{}, len(exclude))
	for _, key := range exclude {
		skip[key] = struct{}{}
	}
	keys := make([]string, 0, len(params))
	for key, value := range params {
		if value == "" {
			continue
		}
		if _, excluded := skip[key]; excluded {
			continue
		}
		keys = append(keys, key)
	}
	if len(keys) == 0 {
		return "", ErrEmptyPayload
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, key := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(key)
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(params[key]))
	}
	return b.String(), nil
}

// Sign computes HMAC-SHA512 over the UTF-8 bytes of data keyed by secret and
// returns the digest as 128 lowercase hex characters.
func Sign(secret []byte, data string) (string, error) {
	if len(secret) == 0 {
		return "", ErrEmptyKey
	}
	if data == "" {
		return "", ErrEmptyInput
	}
	mac := hmac.New(sha512.New, secret)
	mac.Write([]byte(data))
	return hex.EncodeToString(mac.Sum(nil)), nil
}
