package values

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"regexp"
)

// AccessKey represents the 44-digit national key that uniquely identifies
// an electronic invoice. Embedded fields (issuer root, emission date, model,
// series, number) are positional within the digit string.
type AccessKey struct {
	key string
}

var accessKeyRegex = regexp.MustCompile(`^\d{44}$`)

// NewAccessKey creates an AccessKey value object with validation.
func NewAccessKey(raw string) (AccessKey, error) {
	if raw == "" {
		return AccessKey{}, fmt.Errorf("access key cannot be empty")
	}

	cleaned := digitsOnly(raw)
	if !accessKeyRegex.MatchString(cleaned) {
		return AccessKey{}, fmt.Errorf("invalid access key format: must be 44 digits, got %d", len(cleaned))
	}

	return AccessKey{key: cleaned}, nil
}

// MustNewAccessKey creates an AccessKey and panics on error (for constants/tests)
func MustNewAccessKey(raw string) AccessKey {
	k, err := NewAccessKey(raw)
	if err != nil {
		panic(err)
	}
	return k
}

// String returns the bare 44-digit key
func (k AccessKey) String() string {
	return k.key
}

// IsEmpty checks if the key is unset
func (k AccessKey) IsEmpty() bool {
	return k.key == ""
}

// Equal checks if two keys identify the same invoice
func (k AccessKey) Equal(other AccessKey) bool {
	return k.key == other.key
}

// IssuerCNPJ extracts the issuer identifier embedded at positions 6-19.
func (k AccessKey) IssuerCNPJ() (CNPJ, error) {
	if len(k.key) != 44 {
		return CNPJ{}, fmt.Errorf("access key not set")
	}
	return NewCNPJ(k.key[6:20])
}

// MarshalJSON implements JSON marshaling
func (k AccessKey) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.key)
}

// UnmarshalJSON implements JSON unmarshaling
func (k *AccessKey) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	key, err := NewAccessKey(raw)
	if err != nil {
		return err
	}

	*k = key
	return nil
}

// Value implements driver.Valuer for database storage
func (k AccessKey) Value() (driver.Value, error) {
	if k.key == "" {
		return nil, nil
	}
	return k.key, nil
}

// Scan implements sql.Scanner for database retrieval
func (k *AccessKey) Scan(value interface{}) error {
	if value == nil {
		*k = AccessKey{}
		return nil
	}

	var str string
	switch v := value.(type) {
	case string:
		str = v
	case []byte:
		str = string(v)
	default:
		return fmt.Errorf("cannot scan %T into AccessKey", value)
	}

	if str == "" {
		*k = AccessKey{}
		return nil
	}

	key, err := NewAccessKey(str)
	if err != nil {
		return err
	}

	*k = key
	return nil
}
