package values

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"regexp"
)

// CFOP represents a 4-digit fiscal operation nature code. The first digit
// encodes the flow direction (1-3 inbound, 5-7 outbound).
type CFOP struct {
	code string
}

var cfopRegex = regexp.MustCompile(`^[1-7]\d{3}$`)

// resaleCFOPs are the purchase-for-resale operation codes. A window of
// invoices concentrated on these codes is one of the value-splitting signals.
var resaleCFOPs = map[string]bool{
	"1102": true,
	"1202": true,
	"2102": true,
	"2202": true,
}

// NewCFOP creates a CFOP value object from a 4-digit code.
func NewCFOP(raw string) (CFOP, error) {
	if raw == "" {
		return CFOP{}, fmt.Errorf("cfop cannot be empty")
	}

	cleaned := digitsOnly(raw)
	if !cfopRegex.MatchString(cleaned) {
		return CFOP{}, fmt.Errorf("invalid cfop format: %s", raw)
	}

	return CFOP{code: cleaned}, nil
}

// MustNewCFOP creates a CFOP and panics on error (for constants/tests)
func MustNewCFOP(raw string) CFOP {
	c, err := NewCFOP(raw)
	if err != nil {
		panic(err)
	}
	return c
}

// String returns the 4-digit code
func (c CFOP) String() string {
	return c.code
}

// IsEmpty checks if the CFOP is unset
func (c CFOP) IsEmpty() bool {
	return c.code == ""
}

// Equal checks if two CFOP codes are identical
func (c CFOP) Equal(other CFOP) bool {
	return c.code == other.code
}

// IsInbound reports whether the operation is an acquisition (digits 1-3)
func (c CFOP) IsInbound() bool {
	return len(c.code) == 4 && c.code[0] >= '1' && c.code[0] <= '3'
}

// IsResale reports whether the code belongs to the purchase-for-resale set
func (c CFOP) IsResale() bool {
	return resaleCFOPs[c.code]
}

// MarshalJSON implements JSON marshaling
func (c CFOP) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.code)
}

// UnmarshalJSON implements JSON unmarshaling
func (c *CFOP) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	if raw == "" {
		*c = CFOP{}
		return nil
	}

	cfop, err := NewCFOP(raw)
	if err != nil {
		return err
	}

	*c = cfop
	return nil
}

// Value implements driver.Valuer for database storage
func (c CFOP) Value() (driver.Value, error) {
	if c.code == "" {
		return nil, nil
	}
	return c.code, nil
}

// Scan implements sql.Scanner for database retrieval
func (c *CFOP) Scan(value interface{}) error {
	if value == nil {
		*c = CFOP{}
		return nil
	}

	var str string
	switch v := value.(type) {
	case string:
		str = v
	case []byte:
		str = string(v)
	default:
		return fmt.Errorf("cannot scan %T into CFOP", value)
	}

	if str == "" {
		*c = CFOP{}
		return nil
	}

	cfop, err := NewCFOP(str)
	if err != nil {
		return err
	}

	*c = cfop
	return nil
}
