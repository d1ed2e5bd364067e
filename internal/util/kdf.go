package util

import (
	"crypto/sha256"
	"crypto/subtle"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

// KDFScheme names the password key-derivation function stored alongside
// each password record.
type KDFScheme string

const (
	SchemePBKDF2SHA256 KDFScheme = "pbkdf2-sha256"
	SchemeArgon2id     KDFScheme = "argon2id"
)

const (
	// SaltLen is the per-password random salt length.
	SaltLen = 32
	// KeyLen is the derived hash length for every scheme.
	KeyLen = 32
	// MinPBKDF2Iterations is the floor below which PBKDF2 parameters are
	// rejected.
	MinPBKDF2Iterations = 100_000
)

// KDFParams selects and tunes the password KDF.
type KDFParams struct {
	Scheme     KDFScheme      `json:"scheme" toml:"scheme"`
	Iterations int            `json:"iterations,omitempty" toml:"iterations"`
	Argon2id   Argon2idParams `json:"argon2id,omitempty" toml:"argon2id"`
}

func DefaultKDFParams() KDFParams {
	return KDFParams{
		Scheme:     SchemePBKDF2SHA256,
		Iterations: MinPBKDF2Iterations,
		Argon2id:   DefaultArgon2idParams(),
	}
}

// Validate reports whether p can be used to derive new password hashes.
func (p KDFParams) Validate() error {
	switch p.Scheme {
	case SchemePBKDF2SHA256:
		if p.Iterations < MinPBKDF2Iterations {
			return fmt.Errorf("pbkdf2 iterations %d below minimum %d", p.Iterations, MinPBKDF2Iterations)
		}
		return nil
	case SchemeArgon2id:
		if p.Argon2id.Time == 0 || p.Argon2id.MemoryKiB == 0 || p.Argon2id.Parallelism == 0 {
			return fmt.Errorf("argon2id parameters must be non-zero")
		}
		return nil
	default:
		return fmt.Errorf("unknown kdf scheme %q", p.Scheme)
	}
}

// DerivePasswordKey derives a KeyLen-byte hash of password under salt.
// The password is NFKC-normalised first.
func DerivePasswordKey(password string, salt []byte, p KDFParams) ([]byte, error) {
	if len(salt) != SaltLen {
		return nil, fmt.Errorf("salt must be %d bytes, got %d", SaltLen, len(salt))
	}
	pw := []byte(Normalize(password))
	defer WipeBytes(pw)

	switch p.Scheme {
	case SchemePBKDF2SHA256:
		if p.Iterations < MinPBKDF2Iterations {
			return nil, fmt.Errorf("pbkdf2 iterations %d below minimum %d", p.Iterations, MinPBKDF2Iterations)
		}
		return pbkdf2.Key(pw, salt, p.Iterations, KeyLen, sha256.New), nil
	case SchemeArgon2id:
		return deriveArgon2id(pw, salt, p.Argon2id)
	default:
		return nil, fmt.Errorf("unknown kdf scheme %q", p.Scheme)
	}
}

// ComparePasswordKey derives the hash for password and compares it to
// expected in constant time.
func ComparePasswordKey(password string, salt []byte, p KDFParams, expected []byte) (bool, error) {
	key, err := DerivePasswordKey(password, salt, p)
	if err != nil {
		return false, err
	}
	defer WipeBytes(key)
	return subtle.ConstantTimeCompare(key, expected) == 1, nil
}
