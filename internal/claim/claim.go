// Package claim issues the short-lived pairing codes an operator quotes to
// associate a relay session with this device.
package claim

import (
	"crypto/rand"
	"crypto/subtle"
	"io"
	"sync"
	"time"
)

// Alphabet excludes the glyphs that are easy to misread: I, L, O, 0, 1.
const Alphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

const (
	CodeLength = 8
	DefaultTTL = 10 * time.Minute
)

// Options configures an Issuer. Zero fields take defaults.
type Options struct {
	TTL  time.Duration
	Now  func() time.Time
	Rand io.Reader
}

// Issuer holds the current claim code. It is safe for concurrent use.
// Codes live only in memory, so a restart invalidates pending pairings.
type Issuer struct {
	ttl  time.Duration
	now  func() time.Time
	rand io.Reader

	mu       sync.Mutex
	code     string
	issuedAt time.Time
}

// New creates an Issuer. No code exists until the first Get.
func New(opts Options) *Issuer {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Rand == nil {
		opts.Rand = rand.Reader
	}
	return &Issuer{ttl: opts.TTL, now: opts.Now, rand: opts.Rand}
}

// Get returns the live code, or issues a fresh one when there is none, the
// current one has expired, or rotate is set.
func (i *Issuer) Get(rotate bool) string {
	i.mu.Lock()
	defer i.mu.Unlock()

	now := i.now()
	if rotate || i.code == "" || now.Sub(i.issuedAt) >= i.ttl {
		code, err := generate(i.rand)
		if err != nil {
			// Keep serving the previous code rather than an empty one.
			if i.code != "" {
				return i.code
			}
			return ""
		}
		i.code = code
		i.issuedAt = now
	}
	return i.code
}

// ExpiresIn reports how long the current code stays valid. Before any code
// has been issued it reports the full TTL.
func (i *Issuer) ExpiresIn() time.Duration {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.code == "" {
		return i.ttl
	}
	left := i.ttl - i.now().Sub(i.issuedAt)
	if left < 0 {
		return 0
	}
	return left
}

// Valid reports whether code equals the live, unexpired code.
func (i *Issuer) Valid(code string) bool {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.code == "" || len(code) != len(i.code) || i.now().Sub(i.issuedAt) >= i.ttl {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(code), []byte(i.code)) == 1
}

// generate draws CodeLength symbols with rejection sampling so every symbol
// of the alphabet is equally likely.
func generate(r io.Reader) (string, error) {
	const n = len(Alphabet)
	// Largest multiple of n that fits in a byte.
	const limit = 256 - 256%n

	out := make([]byte, 0, CodeLength)
	buf := make([]byte, CodeLength*2)
	for len(out) < CodeLength {
		if _, err := io.ReadFull(r, buf); err != nil {
			return "", err
		}
		for _, b := range buf {
			if int(b) >= limit {
				continue
			}
			out = append(out, Alphabet[int(b)%n])
			if len(out) == CodeLength {
				break
			}
		}
	}
	return string(out), nil
}
