package storage

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/silversage/guard/internal/util"
)

const (
	SchemePlainJSON = "plain-json"
	SchemeAES256GCM = "aes256gcm"
)

// ErrCorrupt is returned when a stored envelope cannot be decoded. Callers
// in the security core treat it as an integrity failure and fail closed.
var ErrCorrupt = errors.New("corrupt record")

// Envelope is a stored record: either plain JSON or AES-256-GCM sealed JSON.
type Envelope struct {
	Ver        int    `json:"ver"`
	Scheme     string `json:"scheme"`
	Nonce      []byte `json:"nonce,omitempty"`
	Ciphertext []byte `json:"ciphertext"`
	Version    uint64 `json:"version,omitempty"`
}

// SealRecord encrypts plaintext into an Envelope using the given key and AAD.
func SealRecord(key, plaintext, aad []byte) (*Envelope, error) {
	sealed, err := util.SealAES(plaintext, key, aad)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		Ver:        1,
		Scheme:     SchemeAES256GCM,
		Nonce:      sealed[:12],
		Ciphertext: sealed[12:],
	}, nil
}

// OpenRecord decrypts an Envelope produced by SealRecord.
func OpenRecord(key []byte, envelope *Envelope, aad []byte) ([]byte, error) {
	if envelope.Ver != 1 {
		return nil, fmt.Errorf("unsupported envelope version: %d", envelope.Ver)
	}
	if envelope.Scheme != SchemeAES256GCM {
		return nil, fmt.Errorf("unsupported envelope scheme: %s", envelope.Scheme)
	}
	full := util.ConcatBytes(envelope.Nonce, envelope.Ciphertext)
	return util.OpenAES(full, key, aad)
}

// Codec turns typed records into Envelopes. With a seal key every record is
// sealed with AES-256-GCM bound to its AAD; without one records are stored
// as plain JSON. Decode accepts plain records in both modes so a store can
// be switched to sealing without a migration.
type Codec struct {
	key []byte
}

// NewCodec returns a Codec. key must be empty or exactly 32 bytes.
func NewCodec(key []byte) (*Codec, error) {
	if len(key) == 0 {
		return &Codec{}, nil
	}
	if len(key) != util.AESKeySize {
		return nil, fmt.Errorf("seal key must be exactly %d bytes, got %d", util.AESKeySize, len(key))
	}
	k := make([]byte, len(key))
	copy(k, key)
	return &Codec{key: k}, nil
}

// Sealed reports whether new records are encrypted.
func (c *Codec) Sealed() bool { return len(c.key) > 0 }

// Encode marshals v into an envelope carrying the given CAS version.
func (c *Codec) Encode(v any, aad string, version uint64) (*Envelope, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if !c.Sealed() {
		return &Envelope{Ver: 1, Scheme: SchemePlainJSON, Ciphertext: data, Version: version}, nil
	}
	defer util.WipeBytes(data)
	env, err := SealRecord(c.key, data, []byte(aad))
	if err != nil {
		return nil, err
	}
	env.Version = version
	return env, nil
}

// Decode unmarshals env into v. Any decoding failure is reported as
// ErrCorrupt.
func (c *Codec) Decode(env *Envelope, aad string, v any) error {
	if env == nil {
		return fmt.Errorf("nil envelope: %w", ErrCorrupt)
	}
	var data []byte
	switch env.Scheme {
	case SchemePlainJSON:
		data = env.Ciphertext
	case SchemeAES256GCM:
		if !c.Sealed() {
			return fmt.Errorf("sealed record without seal key: %w", ErrCorrupt)
		}
		opened, err := OpenRecord(c.key, env, []byte(aad))
		if err != nil {
			return fmt.Errorf("%v: %w", err, ErrCorrupt)
		}
		defer util.WipeBytes(opened)
		data = opened
	default:
		return fmt.Errorf("unknown scheme %q: %w", env.Scheme, ErrCorrupt)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%v: %w", err, ErrCorrupt)
	}
	return nil
}
