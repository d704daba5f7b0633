package hsm

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// PINHasher is the secrets provider used by the PIN guard.
type PINHasher interface {
	HashPIN(pin string) (string, error)
	VerifyPIN(pin string, hashedPIN string) (bool, error)
}

// Argon2Config holds argon2id cost parameters.
type Argon2Config struct {
	Time    uint32
	Memory  uint32 // KiB
	Threads uint8
	KeyLen  uint32
	SaltLen int
}

func DefaultArgon2Config() Argon2Config {
	return Argon2Config{Time: 1, Memory: 64 * 1024, Threads: 4, KeyLen: 32, SaltLen: 16}
}

// Argon2Hasher stores PINs as
// $argon2id$v=19$m=<memory>,t=<time>,p=<threads>$<salt>$<hash>
// so hashes stay verifiable after the cost parameters change.
type Argon2Hasher struct {
	cfg Argon2Config
}

func NewArgon2Hasher(cfg Argon2Config) *Argon2Hasher {
	d := DefaultArgon2Config()
	if cfg.Time == 0 {
		cfg.Time = d.Time
	}
	if cfg.Memory == 0 {
		cfg.Memory = d.Memory
	}
	if cfg.Threads == 0 {
		cfg.Threads = d.Threads
	}
	if cfg.KeyLen == 0 {
		cfg.KeyLen = d.KeyLen
	}
	if cfg.SaltLen == 0 {
		cfg.SaltLen = d.SaltLen
	}
	return &Argon2Hasher{cfg: cfg}
}

// HashPIN hashes a PIN using Argon2id with a fresh random salt.
func (h *Argon2Hasher) HashPIN(pin string) (string, error) {
	salt := make([]byte, h.cfg.SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}

	hash := argon2.IDKey([]byte(pin), salt, h.cfg.Time, h.cfg.Memory, h.cfg.Threads, h.cfg.KeyLen)

	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, h.cfg.Memory, h.cfg.Time, h.cfg.Threads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash),
	), nil
}

// VerifyPIN verifies a PIN against its hash in constant time.
func (h *Argon2Hasher) VerifyPIN(pin string, hashedPIN string) (bool, error) {
	parts := strings.Split(hashedPIN, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return false, errors.New("invalid PIN hash format")
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return false, fmt.Errorf("invalid PIN hash version: %w", err)
	}
	if version != argon2.Version {
		return false, fmt.Errorf("unsupported argon2 version %d", version)
	}

	var memory, time uint32
	var threads uint8
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &time, &threads); err != nil {
		return false, fmt.Errorf("invalid PIN hash parameters: %w", err)
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false, fmt.Errorf("invalid PIN hash salt: %w", err)
	}
	storedHash, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return false, fmt.Errorf("invalid PIN hash: %w", err)
	}

	inputHash := argon2.IDKey([]byte(pin), salt, time, memory, threads, uint32(len(storedHash)))

	return subtle.ConstantTimeCompare(inputHash, storedHash) == 1, nil
}
