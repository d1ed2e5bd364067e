package util

import (
	"fmt"

	"golang.org/x/crypto/argon2"
)

type Argon2idParams struct {
	Time        uint32 `json:"time" toml:"time"`
	MemoryKiB   uint32 `json:"memory" toml:"memory_kib"`
	Parallelism uint8  `json:"parallelism" toml:"parallelism"`
}

func DefaultArgon2idParams() Argon2idParams {
	return Argon2idParams{
		Time:        1,
		MemoryKiB:   64 * 1024,
		Parallelism: 4,
	}
}

func deriveArgon2id(password, salt []byte, params Argon2idParams) ([]byte, error) {
	if params.Time == 0 || params.MemoryKiB == 0 || params.Parallelism == 0 {
		return nil, fmt.Errorf("argon2id parameters must be non-zero: %+v", params)
	}
	return argon2.IDKey(password, salt, params.Time, params.MemoryKiB, params.Parallelism, KeyLen), nil
}
