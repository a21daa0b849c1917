package values

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"regexp"
)

// CNPJ represents a validated Brazilian company tax identifier.
// Stored as the bare 14-digit string; display formatting is on demand.
type CNPJ struct {
	digits string
}

var cnpjRegex = regexp.MustCompile(`^\d{14}$`)

// NewCNPJ creates a CNPJ value object, accepting bare digits or the
// common punctuated form (12.345.678/0001-95).
func NewCNPJ(raw string) (CNPJ, error) {
	if raw == "" {
		return CNPJ{}, fmt.Errorf("cnpj cannot be empty")
	}

	cleaned := digitsOnly(raw)
	if !cnpjRegex.MatchString(cleaned) {
		return CNPJ{}, fmt.Errorf("invalid cnpj format: %s", raw)
	}

	return CNPJ{digits: cleaned}, nil
}

// MustNewCNPJ creates a CNPJ and panics on error (for constants/tests)
func MustNewCNPJ(raw string) CNPJ {
	c, err := NewCNPJ(raw)
	if err != nil {
		panic(err)
	}
	return c
}

// String returns the bare 14-digit form
func (c CNPJ) String() string {
	return c.digits
}

// Formatted returns the punctuated display form XX.XXX.XXX/XXXX-XX
func (c CNPJ) Formatted() string {
	if len(c.digits) != 14 {
		return c.digits
	}
	return fmt.Sprintf("%s.%s.%s/%s-%s",
		c.digits[:2],
		c.digits[2:5],
		c.digits[5:8],
		c.digits[8:12],
		c.digits[12:])
}

// IsEmpty checks if the CNPJ is unset
func (c CNPJ) IsEmpty() bool {
	return c.digits == ""
}

// Equal checks if two CNPJ values identify the same entity
func (c CNPJ) Equal(other CNPJ) bool {
	return c.digits == other.digits
}

// Root returns the first 8 digits, shared by all branches of one company
func (c CNPJ) Root() string {
	if len(c.digits) < 8 {
		return c.digits
	}
	return c.digits[:8]
}

// Branch returns the 4-digit branch identifier
func (c CNPJ) Branch() string {
	if len(c.digits) != 14 {
		return ""
	}
	return c.digits[8:12]
}

// SameCompany reports whether both identifiers share a company root,
// i.e. they are branches of the same legal entity.
func (c CNPJ) SameCompany(other CNPJ) bool {
	return !c.IsEmpty() && c.Root() == other.Root()
}

// MarshalJSON implements JSON marshaling
func (c CNPJ) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.digits)
}

// UnmarshalJSON implements JSON unmarshaling
func (c *CNPJ) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	cnpj, err := NewCNPJ(raw)
	if err != nil {
		return err
	}

	*c = cnpj
	return nil
}

// Value implements driver.Valuer for database storage
func (c CNPJ) Value() (driver.Value, error) {
	if c.digits == "" {
		return nil, nil
	}
	return c.digits, nil
}

// Scan implements sql.Scanner for database retrieval
func (c *CNPJ) Scan(value interface{}) error {
	if value == nil {
		*c = CNPJ{}
		return nil
	}

	var str string
	switch v := value.(type) {
	case string:
		str = v
	case []byte:
		str = string(v)
	default:
		return fmt.Errorf("cannot scan %T into CNPJ", value)
	}

	if str == "" {
		*c = CNPJ{}
		return nil
	}

	cnpj, err := NewCNPJ(str)
	if err != nil {
		return err
	}

	*c = cnpj
	return nil
}

func digitsOnly(s string) string {
	cleaned := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] >= '0' && s[i] <= '9' {
			cleaned = append(cleaned, s[i])
		}
	}
	return string(cleaned)
}
