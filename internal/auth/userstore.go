package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/crypto/argon2"

	"github.com/webrana/inbound-smtpd/internal/smtp"
)

// Argon2Params configures the Argon2id KDF used to hash SMTP AUTH
// credentials. The defaults follow the OWASP-recommended baseline.
type Argon2Params struct {
	Memory      uint32 // KiB
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

func DefaultArgon2Params() Argon2Params {
	return Argon2Params{
		Memory:      64 * 1024,
		Iterations:  3,
		Parallelism: 2,
		SaltLength:  16,
		KeyLength:   32,
	}
}

// HashPassword derives an Argon2id hash and encodes it in the standard
// "$argon2id$v=19$m=...,t=...,p=...$salt$hash" form.
func HashPassword(password string, p Argon2Params) (string, error) {
	salt := make([]byte, p.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	hash := argon2.IDKey([]byte(password), salt, p.Iterations, p.Memory, p.Parallelism, p.KeyLength)

	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, p.Memory, p.Iterations, p.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash)), nil
}

// VerifyPassword checks a password against an encoded Argon2id hash in
// constant time with respect to whether the comparison matched.
func VerifyPassword(password, encoded string) (bool, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return false, errors.New("auth: unrecognized hash format")
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return false, fmt.Errorf("auth: parse version: %w", err)
	}

	var memory, iterations uint32
	var parallelism uint8
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &iterations, &parallelism); err != nil {
		return false, fmt.Errorf("auth: parse params: %w", err)
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false, fmt.Errorf("auth: decode salt: %w", err)
	}
	wantHash, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return false, fmt.Errorf("auth: decode hash: %w", err)
	}

	gotHash := argon2.IDKey([]byte(password), salt, iterations, memory, parallelism, uint32(len(wantHash)))
	return subtle.ConstantTimeCompare(gotHash, wantHash) == 1, nil
}

// InMemoryUserStore is a reference smtp.UserStore implementation: a static
// map of username to Argon2id hash, safe for concurrent Verify calls from
// many sessions. Production deployments supply their own store (SQL-backed,
// LDAP-backed, etc.) behind the same interface.
type InMemoryUserStore struct {
	mu     sync.RWMutex
	hashes map[string]string
	params Argon2Params
}

func NewInMemoryUserStore() *InMemoryUserStore {
	return &InMemoryUserStore{
		hashes: make(map[string]string),
		params: DefaultArgon2Params(),
	}
}

// AddUser registers a username with its plaintext password, hashing it
// with Argon2id before storing.
func (s *InMemoryUserStore) AddUser(username, password string) error {
	hash, err := HashPassword(password, s.params)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.hashes[username] = hash
	s.mu.Unlock()
	return nil
}

// Verify implements smtp.UserStore. A missing username still runs a dummy
// Argon2id comparison against a fixed hash so that failure latency for
// unknown vs. known-but-wrong users does not leak which usernames exist.
func (s *InMemoryUserStore) Verify(ctx context.Context, username, password string) (smtp.AuthOutcome, error) {
	s.mu.RLock()
	hash, ok := s.hashes[username]
	s.mu.RUnlock()

	if !ok {
		hash = dummyHash
	}

	match, err := VerifyPassword(password, hash)
	if err != nil {
		return smtp.AuthUnavailable, err
	}
	if !ok || !match {
		return smtp.AuthBadCredentials, nil
	}
	return smtp.AuthVerified, nil
}

// dummyHash is a fixed Argon2id hash of an unguessable constant, compared
// against whenever the username is unknown so Verify's cost is uniform.
const dummyHash = "$argon2id$v=19$m=65536,t=3,p=2$AAAAAAAAAAAAAAAAAAAAAA$AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"

var _ smtp.UserStore = (*InMemoryUserStore)(nil)
