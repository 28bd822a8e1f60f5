// Package turnrest issues coturn-compatible TURN REST credentials.
//
// See:
// - https://github.com/coturn/coturn/wiki/turnserver
// - https://datatracker.ietf.org/doc/html/draft-uberti-behave-turn-rest
//
// Algorithm:
//
//	username   = <unix_expiry_timestamp>:<username_prefix>:<nonce>
//	credential = base64(hmac_sha1(shared_secret, username))
//
// Expiry is computed from the server clock in UTC:
//
//	unix_expiry_timestamp = now_utc_unix + ttl_seconds
package turnrest

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	DefaultTTLSeconds     = int64(3600)
	DefaultUsernamePrefix = "whisperwire"
)

type Generator struct {
	sharedSecret   []byte
	ttlSeconds     int64
	usernamePrefix string
	now            func() time.Time

	nonceSource func() (string, error)
}

type GeneratorConfig struct {
	SharedSecret   string
	TTLSeconds     int64
	UsernamePrefix string

	// Now and NonceSource are test seams; they default to time.Now and a
	// crypto/rand hex nonce.
	Now         func() time.Time
	NonceSource func() (string, error)
}

func NewGenerator(cfg GeneratorConfig) (*Generator, error) {
	if cfg.SharedSecret == "" {
		return nil, errors.New("shared secret is required")
	}
	if cfg.TTLSeconds == 0 {
		cfg.TTLSeconds = DefaultTTLSeconds
	}
	if cfg.TTLSeconds < 0 {
		return nil, errors.New("TTLSeconds must be > 0")
	}
	if cfg.UsernamePrefix == "" {
		cfg.UsernamePrefix = DefaultUsernamePrefix
	}
	if strings.ContainsRune(cfg.UsernamePrefix, ':') {
		return nil, errors.New("UsernamePrefix must not contain ':'")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NonceSource == nil {
		cfg.NonceSource = cryptoRandomNonce
	}
	return &Generator{
		sharedSecret:   []byte(cfg.SharedSecret),
		ttlSeconds:     cfg.TTLSeconds,
		usernamePrefix: cfg.UsernamePrefix,
		now:            cfg.Now,
		nonceSource:    cfg.NonceSource,
	}, nil
}

// Credentials is one time-limited TURN username/credential pair. The server
// never stores these; coturn re-derives the credential from the shared secret.
type Credentials struct {
	Username   string
	Credential string
	ExpiryUnix int64
}

// Generate derives credentials scoped to the given nonce, typically a client
// or session identifier. The nonce ends up in the TURN username verbatim, so
// it must not contain the ':' field separator.
func (g *Generator) Generate(nonce string) (Credentials, error) {
	if nonce == "" {
		return Credentials{}, errors.New("nonce is required")
	}
	if strings.ContainsRune(nonce, ':') {
		return Credentials{}, errors.New("nonce must not contain ':'")
	}
	expiryUnix := g.now().UTC().Unix() + g.ttlSeconds
	username := fmt.Sprintf("%d:%s:%s", expiryUnix, g.usernamePrefix, nonce)
	return Credentials{
		Username:   username,
		Credential: signUsername(g.sharedSecret, username),
		ExpiryUnix: expiryUnix,
	}, nil
}

// GenerateRandom derives credentials with a fresh random nonce.
func (g *Generator) GenerateRandom() (Credentials, error) {
	nonce, err := g.nonceSource()
	if err != nil {
		return Credentials{}, err
	}
	return g.Generate(nonce)
}

func cryptoRandomNonce() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(b[:]), nil
}

func signUsername(sharedSecret []byte, username string) string {
	mac := hmac.New(sha1.New, sharedSecret)
	_, _ = mac.Write([]byte(username))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
