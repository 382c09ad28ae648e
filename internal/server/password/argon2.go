package password

import (
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/argon2"

	"github.com/dmitrijs2005/authcore/internal/common"
)

const (
	argon2Prefix  = "$argon2"
	argon2ID      = "argon2id"
	saltLength    = 16
	keyLength     = 32
	minMemoryKiB  = 8 * 1024
	minSaltLength = 8
)

var errMalformedPHC = errors.New("malformed argon2id hash")

type argon2Params struct {
	memory      uint32
	time        uint32
	parallelism uint8
}

type phc struct {
	argon2Params
	salt []byte
	key  []byte
}

// hashArgon2id encodes as $argon2id$v=19$m=<KiB>,t=<n>,p=<n>$<salt>$<key>
// with unpadded base64, the PHC string format.
func hashArgon2id(secret []byte, p argon2Params) (string, error) {
	salt, err := common.GenerateRandBytes(saltLength)
	if err != nil {
		return "", fmt.Errorf("salt: %w", err)
	}
	key := argon2.IDKey(secret, salt, p.time, p.memory, p.parallelism, keyLength)

	return fmt.Sprintf("$%s$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2ID, argon2.Version, p.memory, p.time, p.parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

func verifyArgon2id(secret []byte, encoded string) bool {
	parsed, err := parsePHC(encoded)
	if err != nil {
		return false
	}
	key := argon2.IDKey(secret, parsed.salt, parsed.time, parsed.memory, parsed.parallelism, uint32(len(parsed.key)))
	return subtle.ConstantTimeCompare(key, parsed.key) == 1
}

func parsePHC(encoded string) (*phc, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != "" || parts[1] != argon2ID {
		return nil, errMalformedPHC
	}

	version, err := strconv.Atoi(strings.TrimPrefix(parts[2], "v="))
	if err != nil || !strings.HasPrefix(parts[2], "v=") || version != argon2.Version {
		return nil, errMalformedPHC
	}

	params, err := parseArgon2Params(parts[3])
	if err != nil {
		return nil, err
	}

	salt, err := decodeB64(parts[4])
	if err != nil || len(salt) < minSaltLength {
		return nil, errMalformedPHC
	}
	key, err := decodeB64(parts[5])
	if err != nil || len(key) == 0 {
		return nil, errMalformedPHC
	}

	return &phc{argon2Params: params, salt: salt, key: key}, nil
}

func parseArgon2Params(s string) (argon2Params, error) {
	var p argon2Params
	seen := 0
	for _, kv := range strings.Split(s, ",") {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			return p, errMalformedPHC
		}
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return p, errMalformedPHC
		}
		switch k {
		case "m":
			p.memory = uint32(n)
		case "t":
			p.time = uint32(n)
		case "p":
			if n > 255 {
				return p, errMalformedPHC
			}
			p.parallelism = uint8(n)
		default:
			return p, errMalformedPHC
		}
		seen++
	}
	if seen != 3 || p.memory == 0 || p.time == 0 || p.parallelism == 0 {
		return p, errMalformedPHC
	}
	return p, nil
}

// decodeB64 accepts both unpadded (PHC) and padded base64.
func decodeB64(s string) ([]byte, error) {
	if b, err := base64.RawStdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.StdEncoding.DecodeString(s)
}
