package password

import (
	"crypto/sha256"
	"encoding/base64"

	"golang.org/x/crypto/bcrypt"
)

// bcrypt reads at most 72 bytes of input.
const bcryptMaxInput = 72

// bcryptInput returns secret unchanged when bcrypt can take it whole and a
// base64 SHA-256 digest otherwise. Refresh JWTs are always longer than 72
// bytes and would otherwise be rejected by bcrypt.
func bcryptInput(secret []byte) []byte {
	if len(secret) <= bcryptMaxInput {
		return secret
	}
	sum := sha256.Sum256(secret)
	out := make([]byte, base64.StdEncoding.EncodedLen(len(sum)))
	base64.StdEncoding.Encode(out, sum[:])
	return out
}

func hashBcrypt(secret []byte, cost int) (string, error) {
	b, err := bcrypt.GenerateFromPassword(bcryptInput(secret), cost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func verifyBcrypt(secret []byte, encoded string) bool {
	return bcrypt.CompareHashAndPassword([]byte(encoded), bcryptInput(secret)) == nil
}
