package util

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
)

const (
	MinArgon2Time      = 1
	MaxArgon2Time      = 10
	MinArgon2MemoryKiB = 19 * 1024
	MaxArgon2MemoryKiB = 1024 * 1024
	MinArgon2Parallel  = 1
)

// Argon2idParams are persisted next to the salt so a store opened later
// derives the same record key.
type Argon2idParams struct {
	Time        uint32 `json:"time"`
	MemoryKiB   uint32 `json:"memory"`
	Parallelism uint8  `json:"parallelism"`
	KeyLen      uint32 `json:"key_len"`
}

func DefaultArgon2idParams() Argon2idParams {
	return Argon2idParams{
		Time:        3,
		MemoryKiB:   64 * 1024,
		Parallelism: 4,
		KeyLen:      32,
	}
}

// ValidateArgon2idParams rejects parameter sets that are too weak or would
// exhaust memory when read back from an untrusted store.
func ValidateArgon2idParams(p Argon2idParams) error {
	var errs []error
	if p.Time < MinArgon2Time || p.Time > MaxArgon2Time {
		errs = append(errs, fmt.Errorf("argon2id time must be in [%d,%d], got %d", MinArgon2Time, MaxArgon2Time, p.Time))
	}
	if p.MemoryKiB < MinArgon2MemoryKiB || p.MemoryKiB > MaxArgon2MemoryKiB {
		errs = append(errs, fmt.Errorf("argon2id memory must be in [%d,%d]KiB, got %d", MinArgon2MemoryKiB, MaxArgon2MemoryKiB, p.MemoryKiB))
	}
	if p.Parallelism < MinArgon2Parallel {
		errs = append(errs, errors.New("argon2id parallelism must be at least 1"))
	}
	if p.KeyLen != 32 {
		errs = append(errs, fmt.Errorf("argon2id key length must be 32 bytes, got %d", p.KeyLen))
	}
	return errors.Join(errs...)
}

func DeriveArgon2idKey(passphrase string, salt []byte, params Argon2idParams) ([]byte, error) {
	if err := ValidateArgon2idParams(params); err != nil {
		return nil, err
	}
	if len(salt) < 16 {
		return nil, fmt.Errorf("argon2id salt must be at least 16 bytes, got %d", len(salt))
	}
	return argon2.IDKey([]byte(passphrase), salt, params.Time, params.MemoryKiB, params.Parallelism, params.KeyLen), nil
}
