// Package voucher drives bulk credential generation: candidate
// username/password creation and the batch lifecycle state machine.
package voucher

import (
	"crypto/rand"
	"errors"
	"fmt"
)

// Generation defaults; a batch may override prefix, charset and length.
const (
	// DefaultCharset avoids characters guests confuse on printouts.
	DefaultCharset = "abcdefghjkmnpqrstuvwxyz23456789"

	DefaultLength     = 6
	passwordLength    = 8
	defaultUserPrefix = "v-"
)

// Generator produces candidate credentials under a batch's policy.
type Generator struct {
	Prefix  string
	Charset string
	Length  int
}

func (g Generator) charset() string {
	if g.Charset == "" {
		return DefaultCharset
	}
	return g.Charset
}

func (g Generator) length() int {
	if g.Length <= 0 {
		return DefaultLength
	}
	return g.Length
}

func (g Generator) prefix() string {
	if g.Prefix == "" {
		return defaultUserPrefix
	}
	return g.Prefix
}

// Username returns a fresh candidate username.
func (g Generator) Username() (string, error) {
	suffix, err := randomString(g.charset(), g.length())
	if err != nil {
		return "", err
	}
	return g.prefix() + suffix, nil
}

// Password returns a fresh random password.
func (g Generator) Password() (string, error) {
	return randomString(g.charset(), passwordLength)
}

// randomString draws n characters uniformly from charset, rejecting
// bytes that would bias the distribution.
func randomString(charset string, n int) (string, error) {
	if len(charset) == 0 || len(charset) > 256 {
		return "", errors.New("voucher: charset must have 1..256 characters")
	}
	if n <= 0 {
		return "", fmt.Errorf("voucher: invalid length %d", n)
	}
	limit := 256 - 256%len(charset)
	out := make([]byte, 0, n)
	buf := make([]byte, 1)
	for len(out) < n {
		if _, err := rand.Read(buf); err != nil {
			return "", err
		}
		if int(buf[0]) >= limit {
			continue
		}
		out = append(out, charset[int(buf[0])%len(charset)])
	}
	return string(out), nil
}
