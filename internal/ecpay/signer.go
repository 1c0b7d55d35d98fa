// Package ecpay talks to the ECPay payment gateway: it builds signed
// recurring-payment forms and authenticates the notifications ECPay posts back.
package ecpay

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/url"
	"sort"
	"strings"
)

// CheckMacField is the name of the authentication field on every payload.
const CheckMacField = "CheckMacValue"

// ErrInvalidCheckMac is returned when an inbound payload's CheckMacValue does
// not match the locally computed value.
var ErrInvalidCheckMac = errors.New("ecpay: CheckMacValue mismatch")

// Signer computes CheckMacValue codes with the merchant's HashKey/HashIV pair.
type Signer struct {
	hashKey string
	hashIV  string
}

// NewSigner creates a Signer for the given merchant secrets.
func NewSigner(hashKey, hashIV string) *Signer {
	return &Signer{hashKey: hashKey, hashIV: hashIV}
}

// CheckMacValue returns the upper-case hex SHA-256 code for params. A
// CheckMacValue entry in params is ignored.
func (s *Signer) CheckMacValue(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		if k == CheckMacField {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString("HashKey=")
	b.WriteString(s.hashKey)
	for _, k := range keys {
		b.WriteByte('&')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(params[k])
	}
	b.WriteString("&HashIV=")
	b.WriteString(s.hashIV)

	sum := sha256.Sum256([]byte(encodeRaw(b.String())))
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}

// Sign stores the CheckMacValue of params in params.
func (s *Signer) Sign(params map[string]string) {
	params[CheckMacField] = s.CheckMacValue(params)
}

// Verify checks the CheckMacValue carried by an inbound form.
func (s *Signer) Verify(values url.Values) error {
	received := values.Get(CheckMacField)
	if received == "" {
		return ErrInvalidCheckMac
	}
	if s.CheckMacValue(Flatten(values)) != received {
		return ErrInvalidCheckMac
	}
	return nil
}

// Flatten keeps the first value of every key, dropping CheckMacValue.
func Flatten(values url.Values) map[string]string {
	out := make(map[string]string, len(values))
	for k, v := range values {
		if k == CheckMacField || len(v) == 0 {
			continue
		}
		out[k] = v[0]
	}
	return out
}

// ECPay lower-cases the percent-encoded string and then reverts the codes
// below; %20 becomes '+'.
var restoreEncoded = strings.NewReplacer(
	"%20", "+",
	"%21", "!",
	"%28", "(",
	"%29", ")",
	"%2a", "*",
	"%2d", "-",
	"%2e", ".",
	"%5f", "_",
)

func encodeRaw(raw string) string {
	return restoreEncoded.Replace(strings.ToLower(escapeComponent(raw)))
}

// escapeComponent percent-encodes every byte except ASCII letters, digits
// and -_.!~*'() using upper-case hex.
func escapeComponent(s string) string {
	const hexDigits = "0123456789ABCDEF"

	var b strings.Builder
	b.Grow(len(s) * 3)
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isUnreserved(c) {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(hexDigits[c>>4])
		b.WriteByte(hexDigits[c&0x0f])
	}
	return b.String()
}

func isUnreserved(c byte) bool {
	switch {
	case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		return true
	}
	switch c {
	case '-', '_', '.', '!', '~', '*', '\'', '(', ')':
		return true
	}
	return false
}
