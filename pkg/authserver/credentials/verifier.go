// SPDX-FileCopyrightText: Copyright 2025 Tasklane, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package credentials verifies user passwords across two hash schemes.
//
// Accounts imported from the legacy system carry bcrypt hashes; new and
// re-set passwords use argon2id. Each stored hash carries a scheme tag and
// verification dispatches on that tag. The migration is progressive: a
// legacy hash is only replaced when the user next sets a password, since
// the plaintext is not available at any other time.
package credentials

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"

	"github.com/tasklane/identity/pkg/authserver/storage"
)

// Password length bounds. The upper bound caps argon2 input and matches
// what the sign-up form enforces.
const (
	MinPasswordLength = 8
	MaxPasswordLength = 128
)

var (
	// ErrPasswordTooShort is returned by Hash for passwords under the minimum.
	ErrPasswordTooShort = errors.New("password must be at least 8 characters")
	// ErrPasswordTooLong is returned by Hash for passwords over the maximum.
	ErrPasswordTooLong = errors.New("password must be at most 128 characters")
)

// Verifier hashes and verifies passwords. The zero value is not usable;
// construct with NewVerifier.
type Verifier struct {
	time    uint32
	memory  uint32
	threads uint8
	keyLen  uint32
	saltLen int
}

// VerifierOption configures a Verifier.
type VerifierOption func(*Verifier)

// WithArgon2Time sets the argon2id iteration count.
func WithArgon2Time(t uint32) VerifierOption {
	return func(v *Verifier) { v.time = t }
}

// WithArgon2Memory sets the argon2id memory cost in KiB.
func WithArgon2Memory(m uint32) VerifierOption {
	return func(v *Verifier) { v.memory = m }
}

// WithArgon2Threads sets the argon2id parallelism.
func WithArgon2Threads(t uint8) VerifierOption {
	return func(v *Verifier) { v.threads = t }
}

// NewVerifier creates a Verifier with OWASP-recommended argon2id defaults:
// time=1, memory=64MB, threads=4.
func NewVerifier(opts ...VerifierOption) *Verifier {
	v := &Verifier{
		time:    1,
		memory:  64 * 1024,
		threads: 4,
		keyLen:  32,
		saltLen: 16,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Hash hashes a password with the current default scheme and returns the
// encoded hash plus the scheme tag to store alongside it.
func (v *Verifier) Hash(password string) (string, storage.HashScheme, error) {
	if len(password) < MinPasswordLength {
		return "", "", ErrPasswordTooShort
	}
	if len(password) > MaxPasswordLength {
		return "", "", ErrPasswordTooLong
	}

	salt := make([]byte, v.saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", "", fmt.Errorf("failed to generate salt: %w", err)
	}

	hash := argon2.IDKey([]byte(password), salt, v.time, v.memory, v.threads, v.keyLen)

	encoded := fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version,
		v.memory, v.time, v.threads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash),
	)
	return encoded, storage.SchemeArgon2ID, nil
}

// Verify checks a password against a stored hash, dispatching on the
// stored scheme tag. It returns false for mismatches, malformed hashes,
// and unknown schemes; it never returns an error for bad input, so a
// caller cannot distinguish "wrong password" from "corrupt record".
//
// bcrypt comparison is constant-time per the library; the argon2id path
// uses a constant-time digest compare. No constant-time guarantee holds
// across the two schemes.
func (v *Verifier) Verify(scheme storage.HashScheme, storedHash, password string) bool {
	switch scheme {
	case storage.SchemeBcrypt:
		return bcrypt.CompareHashAndPassword([]byte(storedHash), []byte(password)) == nil
	case storage.SchemeArgon2ID:
		return verifyArgon2ID(storedHash, password)
	default:
		return false
	}
}

// NeedsUpgrade reports whether a hash under the given scheme should be
// replaced the next time the user sets a password.
func (v *Verifier) NeedsUpgrade(scheme storage.HashScheme) bool {
	return scheme != storage.SchemeArgon2ID
}

func verifyArgon2ID(encodedHash, password string) bool {
	parts := strings.Split(encodedHash, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return false
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return false
	}

	var memory, time uint32
	var threads uint8
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &time, &threads); err != nil {
		return false
	}
	if memory == 0 || time == 0 || threads == 0 {
		return false
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false
	}
	expected, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil || len(expected) == 0 {
		return false
	}

	hash := argon2.IDKey([]byte(password), salt, time, memory, threads, uint32(len(expected)))
	return subtle.ConstantTimeCompare(hash, expected) == 1
}
