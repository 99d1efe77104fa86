package password

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"golang.org/x/crypto/argon2"
)

const (
	minMemoryKB    uint32 = 8 * 1024
	minTimeCost    uint32 = 1
	minParallelism uint8  = 1
	minSaltLength  uint32 = 16
	minKeyLength   uint32 = 16
	schemeID              = "argon2id"
)

// ErrEmptyPassword is returned by Hash when given an empty plaintext.
var ErrEmptyPassword = errors.New("password must not be empty")

// Params are the argon2id cost parameters. Memory is in KiB.
type Params struct {
	Memory      uint32
	Time        uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// Hasher hashes and verifies passwords. Hashing is CPU and memory
// bound, so a Hasher gates concurrent derivations through a semaphore
// sized by maxConcurrent; verification goes through the same gate
// because it re-derives the key.
type Hasher struct {
	params Params
	sem    chan struct{}
}

type parsedHash struct {
	memory      uint32
	time        uint32
	parallelism uint8
	salt        []byte
	key         []byte
}

// NewHasher validates the parameters and returns a Hasher.
// maxConcurrent <= 0 defaults to 4.
func NewHasher(p Params, maxConcurrent int) (*Hasher, error) {
	if p.Memory < minMemoryKB {
		return nil, errors.New("password memory must be >= 8192 KiB")
	}
	if p.Time < minTimeCost {
		return nil, errors.New("password time cost must be >= 1")
	}
	if p.Parallelism < minParallelism {
		return nil, errors.New("password parallelism must be >= 1")
	}
	if p.SaltLength < minSaltLength {
		return nil, errors.New("password salt length must be >= 16")
	}
	if p.KeyLength < minKeyLength {
		return nil, errors.New("password key length must be >= 16")
	}
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}
	return &Hasher{params: p, sem: make(chan struct{}, maxConcurrent)}, nil
}

func (h *Hasher) acquire(ctx context.Context) error {
	select {
	case h.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Hasher) release() { <-h.sem }

// Hash derives an argon2id hash of plaintext and encodes it as a PHC
// string. The plaintext is used byte for byte, with no normalization.
func (h *Hasher) Hash(ctx context.Context, plaintext string) (string, error) {
	if plaintext == "" {
		return "", ErrEmptyPassword
	}
	if err := h.acquire(ctx); err != nil {
		return "", err
	}
	defer h.release()

	salt := make([]byte, h.params.SaltLength)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", err
	}

	key := argon2.IDKey(
		[]byte(plaintext),
		salt,
		h.params.Time,
		h.params.Memory,
		h.params.Parallelism,
		h.params.KeyLength,
	)

	return fmt.Sprintf(
		"$%s$v=%d$m=%d,t=%d,p=%d$%s$%s",
		schemeID,
		argon2.Version,
		h.params.Memory,
		h.params.Time,
		h.params.Parallelism,
		base64.StdEncoding.EncodeToString(salt),
		base64.StdEncoding.EncodeToString(key),
	), nil
}

// Verify re-derives the key using the parameters embedded in encoded
// and compares in constant time. A wrong password yields (false, nil);
// only a malformed or unsupported hash yields an error.
func (h *Hasher) Verify(ctx context.Context, plaintext, encoded string) (bool, error) {
	parsed, err := parsePHC(encoded)
	if err != nil {
		return false, err
	}
	if err := h.acquire(ctx); err != nil {
		return false, err
	}
	defer h.release()

	computed := argon2.IDKey(
		[]byte(plaintext),
		parsed.salt,
		parsed.time,
		parsed.memory,
		parsed.parallelism,
		uint32(len(parsed.key)),
	)

	return subtle.ConstantTimeCompare(computed, parsed.key) == 1, nil
}

// NeedsRehash reports whether encoded was produced with weaker
// parameters than the Hasher currently uses. Old hashes stay
// verifiable; callers rehash opportunistically after a successful
// verification.
func (h *Hasher) NeedsRehash(encoded string) (bool, error) {
	parsed, err := parsePHC(encoded)
	if err != nil {
		return false, err
	}
	if h.params.Memory > parsed.memory {
		return true, nil
	}
	if h.params.Time > parsed.time {
		return true, nil
	}
	if h.params.Parallelism > parsed.parallelism {
		return true, nil
	}
	if h.params.KeyLength != uint32(len(parsed.key)) {
		return true, nil
	}
	return false, nil
}

func parsePHC(encoded string) (*parsedHash, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != "" {
		return nil, errors.New("invalid PHC format")
	}
	if parts[1] != schemeID {
		return nil, errors.New("unsupported hash scheme")
	}

	if !strings.HasPrefix(parts[2], "v=") {
		return nil, errors.New("missing argon2 version")
	}
	version, err := strconv.Atoi(strings.TrimPrefix(parts[2], "v="))
	if err != nil || version != argon2.Version {
		return nil, errors.New("unsupported argon2 version")
	}

	var p parsedHash
	var haveM, haveT, haveP bool
	for _, pair := range strings.Split(parts[3], ",") {
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 {
			return nil, errors.New("invalid parameter entry")
		}
		switch kv[0] {
		case "m":
			v, err := strconv.ParseUint(kv[1], 10, 32)
			if err != nil || v < uint64(minMemoryKB) {
				return nil, errors.New("invalid memory parameter")
			}
			p.memory = uint32(v)
			haveM = true
		case "t":
			v, err := strconv.ParseUint(kv[1], 10, 32)
			if err != nil || v < uint64(minTimeCost) {
				return nil, errors.New("invalid time parameter")
			}
			p.time = uint32(v)
			haveT = true
		case "p":
			v, err := strconv.ParseUint(kv[1], 10, 8)
			if err != nil || v < uint64(minParallelism) {
				return nil, errors.New("invalid parallelism parameter")
			}
			p.parallelism = uint8(v)
			haveP = true
		default:
			return nil, errors.New("unsupported parameter")
		}
	}
	if !haveM || !haveT || !haveP {
		return nil, errors.New("missing argon2 parameters")
	}

	p.salt, err = base64.StdEncoding.DecodeString(parts[4])
	if err != nil || len(p.salt) < int(minSaltLength) {
		return nil, errors.New("invalid salt")
	}
	p.key, err = base64.StdEncoding.DecodeString(parts[5])
	if err != nil || len(p.key) == 0 {
		return nil, errors.New("invalid derived key")
	}
	return &p, nil
}
