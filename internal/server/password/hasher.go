// Package password hashes and verifies secrets (user passwords and refresh
// tokens). Argon2id is the primary algorithm; bcrypt is the fallback and
// the format of legacy imported hashes.
package password

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/dmitrijs2005/authcore/internal/logging"
	"github.com/dmitrijs2005/authcore/internal/server/metrics"
	"github.com/dmitrijs2005/authcore/internal/server/models"
)

// Config holds cost parameters. Argon2Memory is in KiB.
type Config struct {
	Argon2Memory      uint32
	Argon2Time        uint32
	Argon2Parallelism uint8
	BcryptCost        int
}

// Validate rejects parameters that are too weak or that the primitives
// would refuse.
func (c Config) Validate() error {
	if c.Argon2Memory < minMemoryKiB {
		return fmt.Errorf("argon2 memory must be at least %d KiB", minMemoryKiB)
	}
	if c.Argon2Time < 1 {
		return errors.New("argon2 time cost must be at least 1")
	}
	if c.Argon2Parallelism < 1 {
		return errors.New("argon2 parallelism must be at least 1")
	}
	if c.BcryptCost < bcrypt.MinCost || c.BcryptCost > bcrypt.MaxCost {
		return fmt.Errorf("bcrypt cost must be within [%d, %d]", bcrypt.MinCost, bcrypt.MaxCost)
	}
	return nil
}

type Hasher struct {
	cfg     Config
	logger  logging.Logger
	metrics *metrics.Metrics

	// primary produces an argon2id PHC string; replaced in tests to force
	// the fallback path.
	primary func(secret []byte, p argon2Params) (string, error)
}

func NewHasher(cfg Config, logger logging.Logger, m *metrics.Metrics) (*Hasher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Hasher{cfg: cfg, logger: logger, metrics: m, primary: hashArgon2id}, nil
}

func (h *Hasher) argon2Params() argon2Params {
	return argon2Params{memory: h.cfg.Argon2Memory, time: h.cfg.Argon2Time, parallelism: h.cfg.Argon2Parallelism}
}

// Hash hashes secret with argon2id, or with bcrypt if argon2id fails. The
// fallback is logged at warn level and counted; it does not fail the call.
func (h *Hasher) Hash(ctx context.Context, secret string) (models.HashRecord, error) {
	if err := ctx.Err(); err != nil {
		return models.HashRecord{}, err
	}

	value, err := h.runPrimary([]byte(secret))
	if err == nil {
		return models.HashRecord{
			Algorithm: models.AlgorithmArgon2id,
			Value:     value,
			Params: models.HashParams{
				MemoryCost:  h.cfg.Argon2Memory,
				TimeCost:    h.cfg.Argon2Time,
				Parallelism: h.cfg.Argon2Parallelism,
			},
		}, nil
	}

	h.logger.Warn(ctx, "argon2id hashing failed, falling back to bcrypt", "error", err)
	h.metrics.HashFallback()

	value, err = hashBcrypt([]byte(secret), h.cfg.BcryptCost)
	if err != nil {
		return models.HashRecord{}, fmt.Errorf("bcrypt: %w", err)
	}
	return models.HashRecord{
		Algorithm: models.AlgorithmBcrypt,
		Value:     value,
		Params:    models.HashParams{Rounds: h.cfg.BcryptCost},
	}, nil
}

func (h *Hasher) runPrimary(secret []byte) (value string, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("argon2id panic: %v", p)
		}
	}()
	return h.primary(secret, h.argon2Params())
}

// Verify checks secret against rec. The stored algorithm tag selects the
// verifier; an untagged record falls back to prefix detection. A malformed
// hash does not match.
func (h *Hasher) Verify(ctx context.Context, secret string, rec models.HashRecord) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	switch algorithmOf(rec) {
	case models.AlgorithmArgon2id:
		return verifyArgon2id([]byte(secret), rec.Value), nil
	default:
		return verifyBcrypt([]byte(secret), rec.Value), nil
	}
}

// NeedsRehash reports whether rec was produced with weaker parameters than
// the current configuration. Malformed hashes always need a rehash.
func (h *Hasher) NeedsRehash(rec models.HashRecord) bool {
	switch algorithmOf(rec) {
	case models.AlgorithmArgon2id:
		parsed, err := parsePHC(rec.Value)
		if err != nil {
			return true
		}
		return parsed.memory < h.cfg.Argon2Memory ||
			parsed.time < h.cfg.Argon2Time ||
			parsed.parallelism < h.cfg.Argon2Parallelism ||
			len(parsed.key) != keyLength
	default:
		cost, err := bcrypt.Cost([]byte(rec.Value))
		if err != nil {
			return true
		}
		return cost < h.cfg.BcryptCost
	}
}

func algorithmOf(rec models.HashRecord) models.HashAlgorithm {
	if rec.Algorithm.Valid() {
		return rec.Algorithm
	}
	return DetermineAlgorithm(rec.Value)
}

// DetermineAlgorithm guesses the algorithm from the encoded hash. Anything
// that is not an argon2 PHC string is taken to be bcrypt. Only legacy
// imports and untagged rows rely on this.
func DetermineAlgorithm(encoded string) models.HashAlgorithm {
	if strings.HasPrefix(encoded, argon2Prefix) {
		return models.AlgorithmArgon2id
	}
	return models.AlgorithmBcrypt
}

// Inspect builds a tagged HashRecord from a bare encoded hash, recovering
// the parameters embedded in it.
func Inspect(encoded string) (models.HashRecord, error) {
	rec := models.HashRecord{Algorithm: DetermineAlgorithm(encoded), Value: encoded}
	switch rec.Algorithm {
	case models.AlgorithmArgon2id:
		parsed, err := parsePHC(encoded)
		if err != nil {
			return rec, err
		}
		rec.Params = models.HashParams{MemoryCost: parsed.memory, TimeCost: parsed.time, Parallelism: parsed.parallelism}
	default:
		cost, err := bcrypt.Cost([]byte(encoded))
		if err != nil {
			return rec, fmt.Errorf("malformed bcrypt hash: %w", err)
		}
		rec.Params = models.HashParams{Rounds: cost}
	}
	return rec, nil
}
