package values

import (
	"crypto/sha256"
	"database/sql/driver"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/fiscalwatch/nfe-fraud-engine/internal/domain/errors"
)

// HashValue represents a SHA-256 hash used for cache keys and result digests
type HashValue struct {
	hash string // Hex-encoded SHA-256 hash (64 characters)
}

var (
	// SHA-256 hex regex: exactly 64 hex characters
	sha256HexRegex = regexp.MustCompile(`^[a-fA-F0-9]{64}$`)
)

// NewHashValue creates a new HashValue value object with validation
func NewHashValue(hash string) (HashValue, error) {
	if hash == "" {
		return HashValue{}, errors.NewValidationError("EMPTY_HASH",
			"hash value cannot be empty")
	}

	// Normalize to lowercase
	normalized := strings.ToLower(strings.TrimSpace(hash))

	// Validate hex format and length
	if !sha256HexRegex.MatchString(normalized) {
		return HashValue{}, errors.NewValidationError("INVALID_HASH_FORMAT",
			"hash must be a 64-character hexadecimal string (SHA-256)")
	}

	return HashValue{hash: normalized}, nil
}

// NewHashValueFromBytes creates HashValue from raw bytes
func NewHashValueFromBytes(bytes []byte) (HashValue, error) {
	if len(bytes) != 32 {
		return HashValue{}, errors.NewValidationError("INVALID_HASH_LENGTH",
			"hash must be 32 bytes (SHA-256)")
	}

	return HashValue{hash: hex.EncodeToString(bytes)}, nil
}

// ComputeHashValue computes SHA-256 hash for the given data
func ComputeHashValue(data []byte) (HashValue, error) {
	if len(data) == 0 {
		return HashValue{}, errors.NewValidationError("EMPTY_DATA",
			"data to hash cannot be empty")
	}

	hash := sha256.Sum256(data)
	return NewHashValueFromBytes(hash[:])
}

// ComputeHashValueFromString computes SHA-256 hash for string data
func ComputeHashValueFromString(data string) (HashValue, error) {
	return ComputeHashValue([]byte(data))
}

// MustNewHashValue creates HashValue and panics on error (for constants/tests)
func MustNewHashValue(hash string) HashValue {
	h, err := NewHashValue(hash)
	if err != nil {
		panic(err)
	}
	return h
}

// MustComputeHashValue computes hash and panics on error (for constants/tests)
func MustComputeHashValue(data []byte) HashValue {
	h, err := ComputeHashValue(data)
	if err != nil {
		panic(err)
	}
	return h
}

// String returns the hex-encoded hash
func (h HashValue) String() string {
	return h.hash
}

// Hex returns the hex-encoded hash (alias for String)
func (h HashValue) Hex() string {
	return h.hash
}

// Bytes returns the raw hash bytes
func (h HashValue) Bytes() ([]byte, error) {
	return hex.DecodeString(h.hash)
}

// IsEmpty checks if the hash is empty
func (h HashValue) IsEmpty() bool {
	return h.hash == ""
}

// Equal checks if two HashValue objects are equal
func (h HashValue) Equal(other HashValue) bool {
	return h.hash == other.hash
}

// Verify verifies that the hash matches the provided data
func (h HashValue) Verify(data []byte) (bool, error) {
	if h.IsEmpty() {
		return false, errors.NewValidationError("EMPTY_HASH",
			"cannot verify against empty hash")
	}

	expectedHash, err := ComputeHashValue(data)
	if err != nil {
		return false, fmt.Errorf("failed to compute expected hash: %w", err)
	}

	return h.Equal(expectedHash), nil
}

// Truncate returns a truncated hash for display purposes (first 8 characters)
func (h HashValue) Truncate() string {
	if len(h.hash) <= 8 {
		return h.hash
	}
	return h.hash[:8]
}

// TruncateLong returns a longer truncated hash (first 16 characters), the
// form used for cache keys.
func (h HashValue) TruncateLong() string {
	if len(h.hash) <= 16 {
		return h.hash
	}
	return h.hash[:16]
}

// Format returns a formatted string for logging/display
func (h HashValue) Format() string {
	if h.IsEmpty() {
		return "<empty>"
	}
	return fmt.Sprintf("hash:%s", h.Truncate())
}

// MarshalJSON implements JSON marshaling
func (h HashValue) MarshalJSON() ([]byte, error) {
	return json.Marshal(h.hash)
}

// UnmarshalJSON implements JSON unmarshaling
func (h *HashValue) UnmarshalJSON(data []byte) error {
	var hash string
	if err := json.Unmarshal(data, &hash); err != nil {
		return err
	}

	hashValue, err := NewHashValue(hash)
	if err != nil {
		return err
	}

	*h = hashValue
	return nil
}

// Value implements driver.Valuer for database storage
func (h HashValue) Value() (driver.Value, error) {
	if h.hash == "" {
		return nil, nil
	}
	return h.hash, nil
}

// Scan implements sql.Scanner for database retrieval
func (h *HashValue) Scan(value interface{}) error {
	if value == nil {
		*h = HashValue{}
		return nil
	}

	var str string
	switch v := value.(type) {
	case string:
		str = v
	case []byte:
		str = string(v)
	default:
		return fmt.Errorf("cannot scan %T into HashValue", value)
	}

	if str == "" {
		*h = HashValue{}
		return nil
	}

	hashValue, err := NewHashValue(str)
	if err != nil {
		return err
	}

	*h = hashValue
	return nil
}
