package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
)

// HashAlgorithm tags which KDF produced a HashRecord.
type HashAlgorithm string

const (
	AlgorithmArgon2id HashAlgorithm = "argon2id"
	AlgorithmBcrypt   HashAlgorithm = "bcrypt"
)

// Valid reports whether a is one of the known algorithms.
func (a HashAlgorithm) Valid() bool {
	return a == AlgorithmArgon2id || a == AlgorithmBcrypt
}

// HashParams records the cost parameters a hash was produced with.
// Only the fields relevant to the algorithm are set.
type HashParams struct {
	MemoryCost  uint32 `json:"memoryCost,omitempty"`
	TimeCost    uint32 `json:"timeCost,omitempty"`
	Parallelism uint8  `json:"parallelism,omitempty"`
	Rounds      int    `json:"rounds,omitempty"`
}

// Value stores HashParams as a JSON document.
func (p HashParams) Value() (driver.Value, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan reads HashParams from a JSON/JSONB column. NULL yields zero params.
// The receiver is reset first so fields absent from the document are zero.
func (p *HashParams) Scan(src any) error {
	*p = HashParams{}
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		return json.Unmarshal(v, p)
	case string:
		return json.Unmarshal([]byte(v), p)
	default:
		return errors.New("hash params: unsupported column type")
	}
}

// HashRecord is a hash together with the algorithm and parameters that
// produced it.
type HashRecord struct {
	Algorithm HashAlgorithm `json:"algorithm"`
	Value     string        `json:"value"`
	Params    HashParams    `json:"params"`
}
